package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/cmd/godaisy/handlers"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/config"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/logging"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/network"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/retention"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/statushub"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand runs the engine until interrupted.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine, retention scheduler and status server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.Config()
			if addr != "" {
				cfg.Hub.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts.loader, cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "status server listen address (overrides hub.addr)")
	return cmd
}

func serve(ctx context.Context, loader *config.Loader, cfg *config.Config) error {
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	src, err := a.source()
	if err != nil {
		return err
	}
	tr, err := a.transport()
	if err != nil {
		return err
	}

	observer := network.NewObserver(src, network.WithDebounce(cfg.Network.Debounce))
	coordinator := a.coordinator(observer, tr)
	hub := statushub.NewHub()
	defer hub.Close()

	observer.Subscribe(hub.BroadcastNetworkChanged)
	coordinator.OnSyncComplete(hub.BroadcastSyncCompleted)

	if err := observer.Start(ctx); err != nil {
		return err
	}
	defer observer.Stop()

	coordinator.Start(ctx)
	defer func() {
		coordinator.Stop()
		coordinator.Wait()
	}()

	scheduler := retention.NewScheduler(retention.NewSweeper(a.repo), retention.SchedulerConfig{
		Interval: cfg.Retention.Interval,
		MaxAge:   cfg.Retention.MaxAge,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	if loader != nil {
		loader.Watch(func(next *config.Config) {
			level, _ := logging.ParseLevel(next.Log.Level)
			logging.Get().SetLevel(level)
		})
	}

	var platform handlers.Publisher
	if p, ok := src.(*network.PlatformSource); ok {
		platform = p
	}
	mux := http.NewServeMux()
	mux.Handle("GET /ws", hub.Handler())
	handlers.NewStatusHandler(ctx, a.repo, coordinator, observer, platform).Register(mux)

	server := &http.Server{
		Addr:              cfg.Hub.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Status server listening", map[string]interface{}{
			"addr":    cfg.Hub.Addr,
			"source":  cfg.Network.Source,
			"db_path": cfg.DBPath(),
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logging.Info("Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
