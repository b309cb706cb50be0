// Package network turns a platform connectivity signal into deduplicated
// status notifications.
package network

import (
	"context"
	"errors"
	"fmt"
)

// ConnectionType is the coarse transport reported with a status.
type ConnectionType string

const (
	ConnectionWifi     ConnectionType = "wifi"
	ConnectionCellular ConnectionType = "cellular"
	ConnectionNone     ConnectionType = "none"
	ConnectionUnknown  ConnectionType = "unknown"
)

// Status is a point-in-time connectivity reading. Two statuses are the same
// transition when both fields are equal.
type Status struct {
	Connected      bool           `json:"connected"`
	ConnectionType ConnectionType `json:"connection_type"`
}

func (s Status) String() string {
	return fmt.Sprintf("connected=%t type=%s", s.Connected, s.ConnectionType)
}

// ErrNoSignal is returned by a source that has nothing to report yet.
var ErrNoSignal = errors.New("network: no connectivity signal")

// Source is a connectivity primitive.
type Source interface {
	// Status returns the current reading.
	Status(ctx context.Context) (Status, error)
	// Watch calls fn with every reading the source produces until the
	// returned stop func is called or ctx ends. Readings may repeat.
	Watch(ctx context.Context, fn func(Status)) (stop func(), err error)
}

// SourceKind selects a Source implementation.
type SourceKind string

const (
	SourcePlatform SourceKind = "platform"
	SourceProbe    SourceKind = "probe"
)

// SourceConfig describes the source to build at startup.
type SourceConfig struct {
	Kind     SourceKind
	ProbeURL string
	Probe    ProbeOptions
}

// NewSource builds the Source for cfg. It is called once, at startup.
func NewSource(cfg SourceConfig) (Source, error) {
	switch cfg.Kind {
	case SourcePlatform, "":
		return NewPlatformSource(), nil
	case SourceProbe:
		if cfg.ProbeURL == "" {
			return nil, errors.New("network: probe source needs a URL")
		}
		return NewProbeSource(cfg.ProbeURL, cfg.Probe), nil
	default:
		return nil, fmt.Errorf("network: unknown source kind %q", cfg.Kind)
	}
}
