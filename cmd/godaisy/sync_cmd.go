package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/network"
	syncpkg "github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/sync"
)

// NewSyncCommand runs one sync cycle and prints its result.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued actions once",
		Long: "Runs a single sync cycle. Connectivity is checked with the probe URL when one " +
			"is configured; without it the device is assumed to be online.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts.Config())
			if err != nil {
				return err
			}
			defer a.Close()

			tr, err := a.transport()
			if err != nil {
				return err
			}

			// there is no host shell to publish a platform signal here
			var src network.Source
			if a.cfg.Network.ProbeURL != "" {
				src = network.NewProbeSource(a.cfg.Network.ProbeURL, network.ProbeOptions{})
			}

			result := a.coordinator(network.NewObserver(src), tr).SyncNow(ctx)
			return printSyncResult(cmd.OutOrStdout(), result, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func printSyncResult(w io.Writer, r syncpkg.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Fprintf(w, "synced:  %d\n", r.Synced)
	fmt.Fprintf(w, "failed:  %d\n", r.Failed)
	fmt.Fprintf(w, "evicted: %d\n", r.Evicted)
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  %s: %s\n", e.ID, e.Error)
	}
	return nil
}
