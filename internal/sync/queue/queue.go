// Package queue applies the outbox retry and eviction policy on top of the
// durable pending-action table.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/logging"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/models"
)

// DefaultMaxRetries is the number of failed deliveries after which an
// entry is evicted.
const DefaultMaxRetries = 5

// Store is the persistence the outbox needs. *cache.Repository implements it.
type Store interface {
	GetPendingActions(ctx context.Context) ([]*models.PendingAction, error)
	PendingCount(ctx context.Context) (int, error)
	DeletePendingAction(ctx context.Context, id string) error
	UpdateRetryCount(ctx context.Context, id string) (*models.PendingAction, error)
	MoveToDeadLetter(ctx context.Context, id, lastErr string) (bool, error)
	DeadLetterCount(ctx context.Context) (int, error)
}

// DefaultMaxBackoff caps the retry delay when Policy.MaxBackoff is unset.
const DefaultMaxBackoff = time.Hour

// Policy decides what happens to an entry after a failed delivery.
type Policy struct {
	MaxRetries int  // evict once the recorded failures reach this count
	DeadLetter bool // keep evicted entries in the dead letter table

	// Backoff is the delay before the first retry, doubled per recorded
	// failure up to MaxBackoff. Zero makes an entry eligible again on the
	// very next cycle.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultPolicy evicts after five failures and drops the entry.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries}
}

// ShouldEvict reports whether an entry with retryCount recorded failures
// has exhausted its budget.
func (p Policy) ShouldEvict(retryCount int) bool {
	max := p.MaxRetries
	if max <= 0 {
		max = DefaultMaxRetries
	}
	return retryCount >= max
}

// BackoffFor returns how long an entry with retryCount recorded failures
// waits before its next attempt.
func (p Policy) BackoffFor(retryCount int) time.Duration {
	if p.Backoff <= 0 || retryCount <= 0 {
		return 0
	}
	max := p.MaxBackoff
	if max <= 0 {
		max = DefaultMaxBackoff
	}

	d := p.Backoff
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Outcome describes what Fail did with an entry.
type Outcome struct {
	RetryCount   int
	RetryAt      time.Time // zero when the entry may be retried right away
	Evicted      bool
	DeadLettered bool
	Gone         bool // the entry had already been removed
}

// Stats is a snapshot of outbox sizes.
type Stats struct {
	Pending     int `json:"pending"`
	DeadLetters int `json:"dead_letters"`
}

// Outbox is the pending-action queue with retry bookkeeping. Backoff
// deadlines live in memory only: after a restart every entry is due.
type Outbox struct {
	store  Store
	policy Policy
	now    func() time.Time

	mu        sync.Mutex
	notBefore map[string]time.Time
}

// OutboxOption configures an Outbox.
type OutboxOption func(*Outbox)

// WithClock overrides time.Now for backoff deadlines.
func WithClock(now func() time.Time) OutboxOption {
	return func(o *Outbox) { o.now = now }
}

// NewOutbox creates an Outbox over store.
func NewOutbox(store Store, policy Policy, opts ...OutboxOption) *Outbox {
	o := &Outbox{
		store:     store,
		policy:    policy,
		now:       time.Now,
		notBefore: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Pending returns the entries due for delivery, in delivery order. Entries
// still backing off are left out.
func (o *Outbox) Pending(ctx context.Context) ([]*models.PendingAction, error) {
	all, err := o.store.GetPendingActions(ctx)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.notBefore) == 0 {
		return all, nil
	}

	now := o.now()
	present := make(map[string]bool, len(all))
	due := make([]*models.PendingAction, 0, len(all))
	for _, a := range all {
		present[a.ID] = true
		if at, ok := o.notBefore[a.ID]; ok && now.Before(at) {
			continue
		}
		due = append(due, a)
	}
	for id := range o.notBefore {
		if !present[id] {
			delete(o.notBefore, id)
		}
	}
	return due, nil
}

// NextRetry returns the earliest backoff deadline, if any entry is waiting.
func (o *Outbox) NextRetry() (time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var next time.Time
	for _, at := range o.notBefore {
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	return next, !next.IsZero()
}

func (o *Outbox) forget(id string) {
	o.mu.Lock()
	delete(o.notBefore, id)
	o.mu.Unlock()
}

// Count returns the number of pending entries, waiting ones included.
func (o *Outbox) Count(ctx context.Context) (int, error) {
	return o.store.PendingCount(ctx)
}

// Stats returns pending and dead letter counts.
func (o *Outbox) Stats(ctx context.Context) (Stats, error) {
	pending, err := o.store.PendingCount(ctx)
	if err != nil {
		return Stats{}, err
	}
	dead, err := o.store.DeadLetterCount(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Pending: pending, DeadLetters: dead}, nil
}

// Complete removes a delivered entry.
func (o *Outbox) Complete(ctx context.Context, id string) error {
	o.forget(id)
	return o.store.DeletePendingAction(ctx, id)
}

// Fail records a failed delivery of id and evicts the entry once its retry
// budget is spent. A vanished entry is not an error.
func (o *Outbox) Fail(ctx context.Context, id string, cause error) (Outcome, error) {
	updated, err := o.store.UpdateRetryCount(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if updated == nil {
		o.forget(id)
		return Outcome{Gone: true}, nil
	}

	out := Outcome{RetryCount: updated.RetryCount}
	if !o.policy.ShouldEvict(updated.RetryCount) {
		if d := o.policy.BackoffFor(updated.RetryCount); d > 0 {
			out.RetryAt = o.now().Add(d)
			o.mu.Lock()
			o.notBefore[id] = out.RetryAt
			o.mu.Unlock()
		}
		return out, nil
	}

	o.forget(id)
	out.Evicted = true
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}
	fields := map[string]interface{}{
		"id":          id,
		"retry_count": updated.RetryCount,
		"last_error":  lastErr,
	}

	if o.policy.DeadLetter {
		moved, err := o.store.MoveToDeadLetter(ctx, id, lastErr)
		if err != nil {
			return out, err
		}
		out.DeadLettered = moved
		logging.Warn("Moved pending action to dead letters after max retries", fields)
		return out, nil
	}

	if err := o.store.DeletePendingAction(ctx, id); err != nil {
		return out, err
	}
	logging.Warn("Dropped pending action after max retries", fields)
	return out, nil
}
