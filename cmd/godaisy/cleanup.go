package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/retention"
)

// NewCleanupCommand runs one retention sweep.
func NewCleanupCommand(opts *RootOptions) *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired predictions and images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts.Config())
			if err != nil {
				return err
			}
			defer a.Close()

			if !cmd.Flags().Changed("max-age") {
				maxAge = a.cfg.Retention.MaxAge
			}
			result, err := retention.NewSweeper(a.repo).Cleanup(ctx, maxAge)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "predictions deleted: %d\n", result.PredictionsDeleted)
			fmt.Fprintf(w, "images deleted:      %d\n", result.ImagesDeleted)
			return nil
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", retention.DefaultMaxAge, "delete entries at least this old")
	return cmd
}
