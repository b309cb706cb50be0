package network

import (
	"context"
	"sync"
)

// PlatformSource carries the native connectivity signal. The host shell
// (mobile bridge, desktop OS hook) pushes readings with Publish.
type PlatformSource struct {
	mu       sync.Mutex
	current  *Status
	watchers map[uint64]func(Status)
	nextID   uint64
}

// NewPlatformSource creates a source with no reading yet.
func NewPlatformSource() *PlatformSource {
	return &PlatformSource{watchers: make(map[uint64]func(Status))}
}

// Publish records s and forwards it to every watcher, in the caller's goroutine.
func (p *PlatformSource) Publish(s Status) {
	p.mu.Lock()
	p.current = &s
	fns := make([]func(Status), 0, len(p.watchers))
	for _, fn := range p.watchers {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// Status returns the last published reading, or ErrNoSignal before the first.
func (p *PlatformSource) Status(ctx context.Context) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return Status{}, ErrNoSignal
	}
	return *p.current, nil
}

// Watch registers fn for future readings.
func (p *PlatformSource) Watch(ctx context.Context, fn func(Status)) (func(), error) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.watchers[id] = fn
	p.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.watchers, id)
			p.mu.Unlock()
			close(done)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()
	return stop, nil
}
