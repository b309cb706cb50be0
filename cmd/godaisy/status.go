package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/sync/queue"
)

// NewStatusCommand prints outbox and cache figures.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show outbox and cache size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts.Config())
			if err != nil {
				return err
			}
			defer a.Close()

			policy := a.policy()
			stats, err := queue.NewOutbox(a.repo, policy).Stats(ctx)
			if err != nil {
				return err
			}
			size, err := a.repo.GetCacheSize(ctx)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "database:     %s (schema v%d)\n", a.cfg.DBPath(), a.store.Version())
			fmt.Fprintf(w, "pending:      %d\n", stats.Pending)
			fmt.Fprintf(w, "dead letters: %d\n", stats.DeadLetters)
			fmt.Fprintf(w, "max retries:  %d (dead letters %s)\n", policy.MaxRetries, onOff(policy.DeadLetter))
			if policy.Backoff > 0 {
				fmt.Fprintf(w, "backoff:      %s (max %s)\n", policy.Backoff, policy.MaxBackoff)
			} else {
				fmt.Fprintf(w, "backoff:      off\n")
			}
			fmt.Fprintf(w, "cache size:   %s\n", humanize.Bytes(uint64(size)))
			return nil
		},
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
