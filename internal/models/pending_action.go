package models

// Attachment is a named binary part forwarded with a pending action.
// The engine never inspects Data.
type Attachment struct {
	Name     string `json:"name"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data"`
}

// ActionData is the opaque body of a user action: scalar form fields
// plus zero or more binary attachments.
type ActionData struct {
	Fields      map[string]string `json:"fields,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
}

// AttachmentBytes returns the raw length of all attachment data.
func (d ActionData) AttachmentBytes() int64 {
	var n int64
	for _, a := range d.Attachments {
		n += int64(len(a.Data))
	}
	return n
}

// PendingAction is an outbox entry awaiting confirmed delivery.
type PendingAction struct {
	ID         string     `json:"id"`
	Timestamp  int64      `json:"timestamp"`
	RetryCount int        `json:"retry_count"`
	Data       ActionData `json:"data"`
}

// DeadLetter is a pending action that exhausted its retries and was kept
// for manual recovery instead of being dropped.
type DeadLetter struct {
	ID         string     `json:"id"`
	Timestamp  int64      `json:"timestamp"` // eviction time
	QueuedAt   int64      `json:"queued_at"`
	RetryCount int        `json:"retry_count"`
	LastError  string     `json:"last_error"`
	Data       ActionData `json:"data"`
}
