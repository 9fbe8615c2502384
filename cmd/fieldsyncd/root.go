package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mdrrmo/fieldsync/internal/config"
	"github.com/mdrrmo/fieldsync/internal/logging"
)

// RootOptions holds global flags and the loaded configuration.
type RootOptions struct {
	EnvFile string
	DataDir string
	Format  string // "json" | "text"

	Config config.Config
}

// NewRootCommand creates the fieldsyncd command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fieldsyncd",
		Short: "Offline-first write reconciliation agent",
		Long: `fieldsyncd queues writes that fail to reach the network, replays them in
order when connectivity returns, and keeps cached reference data warm for
foreground surfaces.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			if err := config.LoadDotEnv(opts.EnvFile); err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if opts.DataDir != "" {
				cfg.DataDir = opts.DataDir
			}
			logging.Configure(cfg.LogLevel, cfg.LogPretty)
			opts.Config = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env", ".env", "dotenv file to load before reading the environment")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "override FIELDSYNC_DATA_DIR")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewAgentCommand(opts))
	cmd.AddCommand(NewRemoteCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewCacheCommand(opts))
	cmd.AddCommand(NewStoreCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// NewVersionCommand prints the release.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fieldsyncd version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fieldsyncd v%s\n", Version)
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
