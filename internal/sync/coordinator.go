// Package sync drains the pending-action outbox to the remote endpoint
// whenever the device is online.
package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/errors"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/logging"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/models"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/network"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/sync/queue"
)

// Transport delivers one pending action to the remote endpoint. A nil error
// means the endpoint confirmed the action.
type Transport interface {
	Deliver(ctx context.Context, action *models.PendingAction) error
}

// Connectivity is the part of *network.Observer the coordinator uses.
type Connectivity interface {
	IsOnline(ctx context.Context) bool
	Subscribe(l network.Listener) func()
}

// EntryError records why one entry failed during a cycle.
type EntryError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Result summarises one sync cycle.
type Result struct {
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Evicted   int           `json:"evicted"`
	Errors    []EntryError  `json:"errors"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

func emptyResult() Result {
	return Result{Errors: []EntryError{}}
}

// CompleteListener is called after every cycle that processed entries.
type CompleteListener func(Result)

// Status is a snapshot of the coordinator state.
type Status struct {
	Started    bool      `json:"started"`
	InProgress bool      `json:"in_progress"`
	LastSyncAt time.Time `json:"last_sync_at"`
	LastResult *Result   `json:"last_result,omitempty"`
}

// Coordinator runs at most one sync cycle at a time.
type Coordinator struct {
	outbox       *queue.Outbox
	policy       queue.Policy
	conn         Connectivity
	transport    Transport
	now          func() time.Time
	cycleTimeout time.Duration

	running atomic.Bool
	wg      sync.WaitGroup

	mu          sync.Mutex
	started     bool
	startCtx    context.Context
	unsubscribe func()
	retryTimer  *time.Timer
	listeners   map[uint64]CompleteListener
	nextID      uint64
	lastResult  *Result
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPolicy sets the retry and eviction policy.
func WithPolicy(p queue.Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithClock overrides time.Now, for result stamps and backoff deadlines.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithCycleTimeout bounds cycles started through Trigger. By default a
// cycle has no deadline and each delivery is bounded by the transport. When
// the bound expires the remaining entries wait for the next trigger.
func WithCycleTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.cycleTimeout = d }
}

// NewCoordinator creates a Coordinator. store is normally a *cache.Repository
// and conn a *network.Observer.
func NewCoordinator(store queue.Store, conn Connectivity, transport Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		policy:    queue.DefaultPolicy(),
		conn:      conn,
		transport: transport,
		now:       time.Now,
		listeners: make(map[uint64]CompleteListener),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.outbox = queue.NewOutbox(store, c.policy, queue.WithClock(c.now))
	return c
}

// Start subscribes to connectivity changes. Every transition to connected
// triggers a cycle, and one is triggered right away when already online.
// Calling Start twice is a no-op.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.startCtx = ctx
	c.unsubscribe = c.conn.Subscribe(func(s network.Status) {
		if s.Connected {
			c.Trigger(ctx)
		}
	})
	c.mu.Unlock()

	logging.Info("Sync coordinator started", nil)

	if c.conn.IsOnline(ctx) {
		c.Trigger(ctx)
	}
}

// Stop unsubscribes from connectivity changes. A cycle already running is
// left to finish; use Wait to block on it.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	wasStarted := c.started
	c.started = false
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if wasStarted {
		logging.Info("Sync coordinator stopped", nil)
	}
}

// Wait blocks until every cycle started by Trigger has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Trigger starts a cycle in the background and returns immediately. It
// claims the cycle before returning, so it reports true only when the
// started cycle will run, and false when one is already running.
func (c *Coordinator) Trigger(ctx context.Context) bool {
	if !c.running.CompareAndSwap(false, true) {
		logging.Debug("Sync already in progress, skipping trigger", nil)
		return false
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		runCtx := ctx
		if c.cycleTimeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, c.cycleTimeout)
			defer cancel()
		}
		c.run(runCtx)
	}()
	return true
}

// SyncNow runs one cycle and returns its result. When another cycle is in
// flight, when the device is offline, or when no entry is due it returns an
// empty result without notifying listeners.
func (c *Coordinator) SyncNow(ctx context.Context) Result {
	if !c.running.CompareAndSwap(false, true) {
		logging.Debug("Sync already in progress, skipping", nil)
		return emptyResult()
	}
	return c.run(ctx)
}

// run executes a cycle the caller has already claimed.
func (c *Coordinator) run(ctx context.Context) Result {
	result, processed := c.cycle(ctx)
	c.running.Store(false)

	c.scheduleRetry()
	if processed {
		c.mu.Lock()
		last := result
		c.lastResult = &last
		c.mu.Unlock()
		c.notify(result)
	}
	return result
}

// scheduleRetry arms a timer for the earliest backed-off entry while the
// coordinator is started.
func (c *Coordinator) scheduleRetry() {
	next, ok := c.outbox.NextRetry()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if !ok || !c.started {
		return
	}

	delay := next.Sub(c.now())
	if delay < 0 {
		delay = 0
	}
	ctx := c.startCtx
	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if started && ctx.Err() == nil && c.conn.IsOnline(ctx) {
			c.Trigger(ctx)
		}
	})
	logging.Debug("Scheduled retry of backed-off actions", map[string]interface{}{
		"delay_ms": delay.Milliseconds(),
	})
}

func (c *Coordinator) cycle(ctx context.Context) (Result, bool) {
	result := emptyResult()

	if !c.conn.IsOnline(ctx) {
		logging.Debug("Skipping sync, device is offline", nil)
		return result, false
	}

	actions, err := c.outbox.Pending(ctx)
	if err != nil {
		logging.ErrorWithCode("Failed to read pending actions", string(errors.ErrSyncFailed), err, nil)
		return result, false
	}
	if len(actions) == 0 {
		return result, false
	}

	result.StartedAt = c.now()
	logging.Info("Starting sync cycle", map[string]interface{}{"pending": len(actions)})

	for _, action := range actions {
		if ctx.Err() != nil {
			logging.Warn("Sync cycle cancelled", map[string]interface{}{
				"remaining": len(actions) - result.Synced - result.Failed,
			})
			break
		}
		if !c.process(ctx, action, &result) {
			break
		}
	}

	result.Duration = c.now().Sub(result.StartedAt)
	logging.Info("Sync cycle completed", map[string]interface{}{
		"synced":      result.Synced,
		"failed":      result.Failed,
		"evicted":     result.Evicted,
		"duration_ms": result.Duration.Milliseconds(),
	})
	return result, true
}

// process delivers one action and records the outcome. It returns false when
// the cycle has to stop.
func (c *Coordinator) process(ctx context.Context, action *models.PendingAction, result *Result) bool {
	deliverErr := c.transport.Deliver(ctx, action)
	if deliverErr == nil {
		result.Synced++
		if err := c.outbox.Complete(ctx, action.ID); err != nil {
			logging.ErrorWithCode("Failed to remove delivered action", string(errors.ErrSyncFailed), err,
				map[string]interface{}{"id": action.ID})
			return false
		}
		return true
	}

	// a cancelled cycle does not count against the entry
	if ctx.Err() != nil {
		return false
	}

	result.Failed++
	result.Errors = append(result.Errors, EntryError{ID: action.ID, Error: deliverErr.Error()})
	logging.Warn("Pending action delivery failed", map[string]interface{}{
		"id":          action.ID,
		"retry_count": action.RetryCount,
		"error":       deliverErr.Error(),
	})

	out, err := c.outbox.Fail(ctx, action.ID, deliverErr)
	if err != nil {
		logging.ErrorWithCode("Failed to record delivery failure", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"id": action.ID})
		return false
	}
	if out.Evicted {
		result.Evicted++
	}
	if !out.RetryAt.IsZero() {
		logging.Debug("Pending action backing off", map[string]interface{}{
			"id":       action.ID,
			"retry_at": out.RetryAt.Format(time.RFC3339),
		})
	}
	return true
}

// OnSyncComplete registers l and returns a func that removes it.
func (c *Coordinator) OnSyncComplete(l CompleteListener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

func (c *Coordinator) notify(result Result) {
	c.mu.Lock()
	listeners := make([]CompleteListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("Sync listener panicked", fmt.Errorf("%v", r), nil)
				}
			}()
			l(result)
		}()
	}
}

// PendingCount returns the number of entries waiting for delivery.
func (c *Coordinator) PendingCount(ctx context.Context) (int, error) {
	return c.outbox.Count(ctx)
}

// InProgress reports whether a cycle is running.
func (c *Coordinator) InProgress() bool {
	return c.running.Load()
}

// Status returns a snapshot of the coordinator state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{Started: c.started, InProgress: c.running.Load()}
	if c.lastResult != nil {
		last := *c.lastResult
		st.LastResult = &last
		st.LastSyncAt = last.StartedAt.Add(last.Duration)
	}
	return st
}
