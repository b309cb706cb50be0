package cache

import (
	"context"

	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/db"
	apperrors "github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/errors"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/logging"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/models"
)

// =====================================================
// Pending Actions
// =====================================================

// QueuePendingAction durably appends data to the outbox and returns its id.
// The write has committed when this returns.
func (r *Repository) QueuePendingAction(ctx context.Context, data models.ActionData) (string, error) {
	id := r.newID()
	payload, blob, err := encodeAction(storedAction{RetryCount: 0}, data)
	if err != nil {
		return "", err
	}

	if err := r.store.Put(ctx, db.TablePendingActions, &db.Record{
		Key:       id,
		Timestamp: r.stamp(),
		Payload:   payload,
		Blob:      blob,
	}); err != nil {
		return "", err
	}

	logging.Info("Queued pending action", map[string]interface{}{
		"id":          id,
		"fields":      len(data.Fields),
		"attachments": len(data.Attachments),
	})
	return id, nil
}

func toPending(rec *db.Record) (*models.PendingAction, error) {
	s, data, err := decodeAction(rec.Key, rec.Payload, rec.Blob)
	if err != nil {
		return nil, err
	}
	return &models.PendingAction{
		ID:         rec.Key,
		Timestamp:  rec.Timestamp,
		RetryCount: s.RetryCount,
		Data:       data,
	}, nil
}

// GetPendingAction returns the outbox entry, or nil when absent.
func (r *Repository) GetPendingAction(ctx context.Context, id string) (*models.PendingAction, error) {
	rec, err := r.store.Get(ctx, db.TablePendingActions, id)
	if err != nil || rec == nil {
		return nil, err
	}
	return toPending(rec)
}

// GetPendingActions returns the outbox in queue order. Rows that cannot be
// decoded are moved to the dead letter table with their raw bytes, so they
// neither block the rest nor stay counted as pending.
func (r *Repository) GetPendingActions(ctx context.Context) ([]*models.PendingAction, error) {
	recs, err := r.store.GetAll(ctx, db.TablePendingActions)
	if err != nil {
		return nil, err
	}

	out := make([]*models.PendingAction, 0, len(recs))
	for _, rec := range recs {
		action, err := toPending(rec)
		if err != nil {
			logging.ErrorWithCode("Quarantining unreadable pending action", string(apperrors.ErrCorrupted), err,
				map[string]interface{}{"id": rec.Key})
			if qerr := r.quarantine(ctx, rec, err); qerr != nil {
				logging.Error("Failed to quarantine pending action", qerr, map[string]interface{}{"id": rec.Key})
			}
			continue
		}
		out = append(out, action)
	}
	return out, nil
}

// Field and attachment names under which a quarantined row keeps its bytes.
const (
	RawPayloadField = "raw_payload"
	RawBlobName     = "raw_blob"
)

func (r *Repository) quarantine(ctx context.Context, rec *db.Record, cause error) error {
	data := models.ActionData{Fields: map[string]string{RawPayloadField: string(rec.Payload)}}
	if len(rec.Blob) > 0 {
		data.Attachments = []models.Attachment{{Name: RawBlobName, Data: rec.Blob}}
	}
	payload, blob, err := encodeAction(storedAction{QueuedAt: rec.Timestamp, LastError: cause.Error()}, data)
	if err != nil {
		return err
	}

	return r.store.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		if err := tx.Put(ctx, db.TableDeadLetters, &db.Record{
			Key:       rec.Key,
			Timestamp: r.stamp(),
			Payload:   payload,
			Blob:      blob,
		}); err != nil {
			return err
		}
		return tx.Delete(ctx, db.TablePendingActions, rec.Key)
	})
}

// PendingCount returns the number of outbox entries.
func (r *Repository) PendingCount(ctx context.Context) (int, error) {
	return r.store.Count(ctx, db.TablePendingActions)
}

// DeletePendingAction removes an outbox entry. A missing entry is a no-op.
func (r *Repository) DeletePendingAction(ctx context.Context, id string) error {
	return r.store.Delete(ctx, db.TablePendingActions, id)
}

// UpdateRetryCount increments the entry's retry count in one transaction
// and returns the updated entry, or nil when it no longer exists.
func (r *Repository) UpdateRetryCount(ctx context.Context, id string) (*models.PendingAction, error) {
	var updated *models.PendingAction
	found, err := r.store.Update(ctx, db.TablePendingActions, id, func(rec *db.Record) error {
		s, data, err := decodeAction(rec.Key, rec.Payload, rec.Blob)
		if err != nil {
			return err
		}
		s.RetryCount++
		payload, blob, err := encodeAction(s, data)
		if err != nil {
			return err
		}
		rec.Payload, rec.Blob = payload, blob

		updated = &models.PendingAction{
			ID:         rec.Key,
			Timestamp:  rec.Timestamp,
			RetryCount: s.RetryCount,
			Data:       data,
		}
		return nil
	})
	if err != nil || !found {
		return nil, err
	}
	return updated, nil
}

// =====================================================
// Dead Letters
// =====================================================

// MoveToDeadLetter moves the outbox entry id into the dead letter table in a
// single transaction. It reports false when the entry no longer exists.
func (r *Repository) MoveToDeadLetter(ctx context.Context, id, lastErr string) (bool, error) {
	moved := false
	err := r.store.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		rec, err := tx.Get(ctx, db.TablePendingActions, id)
		if err != nil || rec == nil {
			return err
		}
		s, data, err := decodeAction(rec.Key, rec.Payload, rec.Blob)
		if err != nil {
			return err
		}

		s.QueuedAt = rec.Timestamp
		s.LastError = lastErr
		payload, blob, err := encodeAction(s, data)
		if err != nil {
			return err
		}
		if err := tx.Put(ctx, db.TableDeadLetters, &db.Record{
			Key:       id,
			Timestamp: r.stamp(),
			Payload:   payload,
			Blob:      blob,
		}); err != nil {
			return err
		}
		moved = true
		return tx.Delete(ctx, db.TablePendingActions, id)
	})
	if err != nil {
		return false, err
	}
	return moved, nil
}

// ListDeadLetters returns every dead letter, oldest eviction first.
func (r *Repository) ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	recs, err := r.store.GetAll(ctx, db.TableDeadLetters)
	if err != nil {
		return nil, err
	}

	out := make([]*models.DeadLetter, 0, len(recs))
	for _, rec := range recs {
		s, data, err := decodeAction(rec.Key, rec.Payload, rec.Blob)
		if err != nil {
			return nil, err
		}
		out = append(out, &models.DeadLetter{
			ID:         rec.Key,
			Timestamp:  rec.Timestamp,
			QueuedAt:   s.QueuedAt,
			RetryCount: s.RetryCount,
			LastError:  s.LastError,
			Data:       data,
		})
	}
	return out, nil
}

// RequeueDeadLetter returns a dead letter to the outbox with a fresh retry
// budget. It reports false when no such dead letter exists.
func (r *Repository) RequeueDeadLetter(ctx context.Context, id string) (bool, error) {
	requeued := false
	err := r.store.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		rec, err := tx.Get(ctx, db.TableDeadLetters, id)
		if err != nil || rec == nil {
			return err
		}
		_, data, err := decodeAction(rec.Key, rec.Payload, rec.Blob)
		if err != nil {
			return err
		}
		payload, blob, err := encodeAction(storedAction{RetryCount: 0}, data)
		if err != nil {
			return err
		}
		if err := tx.Put(ctx, db.TablePendingActions, &db.Record{
			Key:       id,
			Timestamp: r.stamp(),
			Payload:   payload,
			Blob:      blob,
		}); err != nil {
			return err
		}
		requeued = true
		return tx.Delete(ctx, db.TableDeadLetters, id)
	})
	if err != nil {
		return false, err
	}
	if requeued {
		logging.Info("Requeued dead letter", map[string]interface{}{"id": id})
	}
	return requeued, nil
}

// DeleteDeadLetter discards a dead letter. A missing entry is a no-op.
func (r *Repository) DeleteDeadLetter(ctx context.Context, id string) error {
	return r.store.Delete(ctx, db.TableDeadLetters, id)
}

// DeadLetterCount returns the number of dead letters.
func (r *Repository) DeadLetterCount(ctx context.Context) (int, error) {
	return r.store.Count(ctx, db.TableDeadLetters)
}
