package main

import (
	"context"

	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/cache"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/config"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/db"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/network"
	syncpkg "github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/sync"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/sync/queue"
)

// app is the storage core every command opens.
type app struct {
	cfg   *config.Config
	store *db.Store
	repo  *cache.Repository
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store := db.New(cfg.DBPath())
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	return &app{cfg: cfg, store: store, repo: cache.NewRepository(store)}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) source() (network.Source, error) {
	return network.NewSource(network.SourceConfig{
		Kind:     network.SourceKind(a.cfg.Network.Source),
		ProbeURL: a.cfg.Network.ProbeURL,
		Probe:    network.ProbeOptions{Interval: a.cfg.Network.ProbeInterval},
	})
}

func (a *app) transport() (*syncpkg.HTTPTransport, error) {
	return syncpkg.NewHTTPTransport(syncpkg.HTTPTransportConfig{
		Endpoint:   a.cfg.Sync.Endpoint,
		Timeout:    a.cfg.Sync.Timeout,
		AuthHeader: a.cfg.Sync.AuthHeader,
		Headers:    map[string]string{"User-Agent": "godaisy/" + Version},
	})
}

func (a *app) policy() queue.Policy {
	return queue.Policy{
		MaxRetries: a.cfg.Sync.MaxRetries,
		DeadLetter: a.cfg.Sync.DeadLetter,
		Backoff:    a.cfg.Sync.Backoff,
		MaxBackoff: a.cfg.Sync.MaxBackoff,
	}
}

func (a *app) coordinator(conn syncpkg.Connectivity, tr syncpkg.Transport) *syncpkg.Coordinator {
	return syncpkg.NewCoordinator(a.repo, conn, tr, syncpkg.WithPolicy(a.policy()))
}
