package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/logging"
)

// Listener receives status transitions.
type Listener func(Status)

// Observer presents one logical connectivity signal over a Source and
// notifies subscribers only when the status actually changes.
type Observer struct {
	src      Source
	debounce time.Duration

	mu        sync.Mutex
	listeners map[uint64]Listener
	nextID    uint64
	stopWatch func()
	timer     *time.Timer
	pending   Status

	// deliverMu orders deliveries and guards last.
	deliverMu sync.Mutex
	last      *Status
}

// ObserverOption configures an Observer.
type ObserverOption func(*Observer)

// WithDebounce coalesces bursts of readings arriving within d of each other
// and delivers only the last one.
func WithDebounce(d time.Duration) ObserverOption {
	return func(o *Observer) { o.debounce = d }
}

// NewObserver creates an Observer over src. A nil src is treated as a
// platform without a connectivity capability: always online.
func NewObserver(src Source, opts ...ObserverOption) *Observer {
	o := &Observer{
		src:       src,
		listeners: make(map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// IsOnline reports whether the device is connected. It never fails: a
// missing or failing source counts as online.
func (o *Observer) IsOnline(ctx context.Context) bool {
	return o.Status(ctx).Connected
}

// Status returns the current reading, or {connected, unknown} when the
// source cannot answer.
func (o *Observer) Status(ctx context.Context) Status {
	assumed := Status{Connected: true, ConnectionType: ConnectionUnknown}
	if o.src == nil {
		return assumed
	}
	s, err := o.src.Status(ctx)
	if err != nil {
		logging.Debug("Connectivity unknown, assuming online", map[string]interface{}{"error": err.Error()})
		return assumed
	}
	return s
}

// Subscribe registers l and returns a func that removes it. The func may be
// called more than once.
func (o *Observer) Subscribe(l Listener) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = l
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.listeners, id)
			o.mu.Unlock()
		})
	}
}

// Start attaches the observer to its source. Calling Start twice is a no-op.
func (o *Observer) Start(ctx context.Context) error {
	if o.src == nil {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopWatch != nil {
		return nil
	}

	stop, err := o.src.Watch(ctx, o.Notify)
	if err != nil {
		return fmt.Errorf("watch connectivity: %w", err)
	}
	o.stopWatch = stop
	return nil
}

// Stop detaches from the source and drops any debounced reading.
func (o *Observer) Stop() {
	o.mu.Lock()
	stop := o.stopWatch
	o.stopWatch = nil
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Notify feeds a raw reading into the observer. Sources call it through
// Watch; hosts without a Source may call it directly.
func (o *Observer) Notify(s Status) {
	if o.debounce <= 0 {
		o.deliver(s)
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = s
	if o.timer != nil {
		o.timer.Stop()
	}
	o.timer = time.AfterFunc(o.debounce, func() {
		o.mu.Lock()
		latest := o.pending
		o.timer = nil
		o.mu.Unlock()
		o.deliver(latest)
	})
}

func (o *Observer) deliver(s Status) {
	o.deliverMu.Lock()
	defer o.deliverMu.Unlock()

	if o.last != nil && *o.last == s {
		return
	}
	o.last = &s

	o.mu.Lock()
	listeners := make([]Listener, 0, len(o.listeners))
	for _, l := range o.listeners {
		listeners = append(listeners, l)
	}
	o.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{
		"connected":       s.Connected,
		"connection_type": string(s.ConnectionType),
		"listeners":       len(listeners),
	})

	for _, l := range listeners {
		o.safeCall(l, s)
	}
}

func (o *Observer) safeCall(l Listener, s Status) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Connectivity listener panicked", fmt.Errorf("%v", r), nil)
		}
	}()
	l(s)
}
