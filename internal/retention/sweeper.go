// Package retention evicts time-sensitive cached data once it is too old to
// be useful.
package retention

import (
	"context"
	"time"

	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/logging"
)

// DefaultMaxAge is used when Cleanup is called with a non-positive age.
const DefaultMaxAge = 7 * 24 * time.Hour

// Store is the part of *cache.Repository the sweeper needs.
type Store interface {
	Now() time.Time
	DeletePredictionsOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	DeleteImagesOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Result counts what one sweep removed.
type Result struct {
	PredictionsDeleted int       `json:"predictions_deleted"`
	ImagesDeleted      int       `json:"images_deleted"`
	Cutoff             time.Time `json:"cutoff"`
}

// Total returns the number of records removed.
func (r Result) Total() int {
	return r.PredictionsDeleted + r.ImagesDeleted
}

// Sweeper deletes predictions and images whose age is at least maxAge.
// Species, geographic cells, favorites and the outbox are never touched.
type Sweeper struct {
	store Store
}

// NewSweeper creates a Sweeper over store.
func NewSweeper(store Store) *Sweeper {
	return &Sweeper{store: store}
}

// Cleanup runs one sweep. Running it twice in a row deletes nothing the
// second time.
func (s *Sweeper) Cleanup(ctx context.Context, maxAge time.Duration) (Result, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	result := Result{Cutoff: s.store.Now().Add(-maxAge)}

	n, err := s.store.DeletePredictionsOlderThan(ctx, result.Cutoff)
	if err != nil {
		return result, err
	}
	result.PredictionsDeleted = n

	n, err = s.store.DeleteImagesOlderThan(ctx, result.Cutoff)
	if err != nil {
		return result, err
	}
	result.ImagesDeleted = n

	logging.Info("Retention sweep completed", map[string]interface{}{
		"max_age":             maxAge.String(),
		"predictions_deleted": result.PredictionsDeleted,
		"images_deleted":      result.ImagesDeleted,
	})
	return result, nil
}
