package retention

import (
	"context"
	"sync"
	"time"

	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/logging"
)

// DefaultInterval is how often the scheduler sweeps.
const DefaultInterval = 24 * time.Hour

// Cleaner runs one retention sweep. *Sweeper implements it.
type Cleaner interface {
	Cleanup(ctx context.Context, maxAge time.Duration) (Result, error)
}

// SchedulerConfig holds the scheduler configuration.
type SchedulerConfig struct {
	Interval time.Duration // time between sweeps (default: 24h)
	MaxAge   time.Duration // passed to Cleanup (default: 7 days)
}

// Scheduler runs a sweep at Start and then on a fixed interval.
type Scheduler struct {
	cleaner Cleaner
	config  SchedulerConfig

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewScheduler creates a retention scheduler.
func NewScheduler(cleaner Cleaner, config SchedulerConfig) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.MaxAge <= 0 {
		config.MaxAge = DefaultMaxAge
	}
	return &Scheduler{cleaner: cleaner, config: config}
}

// Start performs an initial sweep in the background and keeps sweeping until
// Stop is called or ctx ends. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	logging.Info("Retention scheduler started", map[string]interface{}{
		"interval": s.config.Interval.String(),
		"max_age":  s.config.MaxAge.String(),
	})

	s.wg.Add(1)
	go s.loop(ctx, s.stopCh)
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-stopCh:
			logging.Info("Retention scheduler stopped", nil)
			return
		case <-ctx.Done():
			logging.Info("Retention scheduler context cancelled", nil)
			return
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	if _, err := s.cleaner.Cleanup(ctx, s.config.MaxAge); err != nil {
		logging.Error("Scheduled retention sweep failed", err, nil)
	}
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}
