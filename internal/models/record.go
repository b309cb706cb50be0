// Package models provides the record types stored and forwarded by the engine.
package models

import "time"

// Freshness classifies a cached record by its age at read time. It is
// computed on every read and never persisted.
type Freshness string

const (
	FreshnessFresh     Freshness = "fresh"
	FreshnessRecent    Freshness = "recent"
	FreshnessStale     Freshness = "stale"
	FreshnessVeryStale Freshness = "very-stale"
)

// Freshness boundaries. Each bound is inclusive on the lower side.
const (
	RecentAfter    = 3 * time.Hour
	StaleAfter     = 12 * time.Hour
	VeryStaleAfter = 24 * time.Hour
)

// ClassifyAge returns the freshness label for a record of the given age.
// Negative ages (a clock moved backwards) count as fresh.
func ClassifyAge(age time.Duration) Freshness {
	switch {
	case age < RecentAfter:
		return FreshnessFresh
	case age < StaleAfter:
		return FreshnessRecent
	case age < VeryStaleAfter:
		return FreshnessStale
	default:
		return FreshnessVeryStale
	}
}

// Classify returns the freshness of a record stamped at timestampMs when
// observed at now.
func Classify(timestampMs int64, now time.Time) Freshness {
	return ClassifyAge(now.Sub(time.UnixMilli(timestampMs)))
}

// CachedRecord is a payload together with the time it was written.
type CachedRecord[T any] struct {
	Key       string    `json:"key"`
	Timestamp int64     `json:"timestamp"` // epoch milliseconds, set by the repository
	Payload   T         `json:"payload"`
	Freshness Freshness `json:"freshness"`
}

// ImageBlob is a cached reference image.
type ImageBlob struct {
	Data     []byte `json:"-"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}
