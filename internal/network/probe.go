package network

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/logging"
)

// ProbeOptions tunes a ProbeSource.
type ProbeOptions struct {
	Interval time.Duration // default 30s
	Timeout  time.Duration // default 5s
	Client   *http.Client
}

// ProbeSource is the browser-style online/offline signal: it is online when
// a HEAD request to the probe URL gets any HTTP response. It cannot tell
// wifi from cellular, so connected readings carry ConnectionUnknown.
type ProbeSource struct {
	url      string
	interval time.Duration
	client   *http.Client
}

// NewProbeSource creates a source probing url.
func NewProbeSource(url string, opts ProbeOptions) *ProbeSource {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &ProbeSource{url: url, interval: opts.Interval, client: client}
}

// Status probes the URL once.
func (p *ProbeSource) Status(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return Status{}, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		logging.Debug("Connectivity probe failed", map[string]interface{}{
			"url":   p.url,
			"error": err.Error(),
		})
		return Status{Connected: false, ConnectionType: ConnectionNone}, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return Status{Connected: true, ConnectionType: ConnectionUnknown}, nil
}

// Watch probes on every interval tick, starting immediately.
func (p *ProbeSource) Watch(ctx context.Context, fn func(Status)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			if s, err := p.Status(ctx); err == nil && ctx.Err() == nil {
				fn(s)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}
