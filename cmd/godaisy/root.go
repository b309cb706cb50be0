package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/config"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/logging"
)

// RootOptions holds global flags and the configuration they resolve to.
type RootOptions struct {
	ConfigPath string
	DataDir    string

	loader *config.Loader
	cfg    *config.Config
	logger *logging.Logger
}

// Config returns the loaded configuration. It is valid inside RunE.
func (o *RootOptions) Config() *config.Config {
	return o.cfg
}

func (o *RootOptions) load() error {
	loader, err := config.NewLoader(o.ConfigPath)
	if err != nil {
		return err
	}
	cfg := loader.Config()
	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
	}

	o.loader = loader
	o.cfg = cfg
	o.logger = logging.NewWithOptions(cfg.LogOptions(), os.Stderr)
	logging.SetGlobal(o.logger)
	return nil
}

// NewRootCommand creates the root command for the godaisy CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "godaisy",
		Short:         "Offline-first cache and sync engine",
		Long:          "godaisy keeps forecasts and reference data on the device and delivers queued user actions when connectivity returns.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				opts.logger.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "data directory (overrides data_dir)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewCleanupCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))

	return cmd
}
