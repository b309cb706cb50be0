package cache

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/errors"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/models"
)

// Pending actions and dead letters keep their attachment bytes in the blob
// column, concatenated in order, and only the attachment metadata in JSON.

type storedAttachment struct {
	Name     string `json:"name"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int    `json:"size"`
}

type storedAction struct {
	RetryCount  int                `json:"retry_count"`
	QueuedAt    int64              `json:"queued_at,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
	Fields      map[string]string  `json:"fields,omitempty"`
	Attachments []storedAttachment `json:"attachments,omitempty"`
}

type storedImage struct {
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

func encodeAction(s storedAction, data models.ActionData) ([]byte, []byte, error) {
	s.Fields = data.Fields
	s.Attachments = nil

	var blob []byte
	for _, a := range data.Attachments {
		s.Attachments = append(s.Attachments, storedAttachment{
			Name:     a.Name,
			Filename: a.Filename,
			MimeType: a.MimeType,
			Size:     len(a.Data),
		})
		blob = append(blob, a.Data...)
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrInternal, "encode action", err)
	}
	return payload, blob, nil
}

func decodeAction(key string, payload, blob []byte) (storedAction, models.ActionData, error) {
	var s storedAction
	if err := json.Unmarshal(payload, &s); err != nil {
		return s, models.ActionData{}, apperrors.Wrap(apperrors.ErrCorrupted, fmt.Sprintf("decode action %s", key), err)
	}

	data := models.ActionData{Fields: s.Fields}
	offset := 0
	for _, a := range s.Attachments {
		if a.Size < 0 || offset+a.Size > len(blob) {
			return s, models.ActionData{}, apperrors.Newf(apperrors.ErrCorrupted,
				"action %s: attachment %q overruns stored bytes", key, a.Name)
		}
		part := make([]byte, a.Size)
		copy(part, blob[offset:offset+a.Size])
		offset += a.Size

		data.Attachments = append(data.Attachments, models.Attachment{
			Name:     a.Name,
			Filename: a.Filename,
			MimeType: a.MimeType,
			Data:     part,
		})
	}
	if offset != len(blob) {
		return s, models.ActionData{}, apperrors.Newf(apperrors.ErrCorrupted,
			"action %s: %d trailing attachment bytes", key, len(blob)-offset)
	}
	return s, data, nil
}

func rawPayload(payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		return []byte("null"), nil
	}
	if !json.Valid(payload) {
		return nil, apperrors.New(apperrors.ErrInvalid, "payload is not valid JSON")
	}
	return []byte(payload), nil
}
