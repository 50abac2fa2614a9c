// Command swarmflow decomposes goals into task graphs and works them with a
// bounded swarm of sandboxed agents.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mtzanidakis/swarmflow/internal/config"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("swarmflow failed", "error", err)
		stop()
		os.Exit(1)
	}
}

// cli carries what the root command resolves for its subcommands.
type cli struct {
	configPath string
	cfg        *config.Config
}

func newRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "swarmflow",
		Short:         "Run goals as task graphs worked by a swarm of agents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if c.configPath != "" {
				c.cfg, err = config.LoadFile(c.configPath)
			} else {
				c.cfg, err = config.Load()
			}
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			setupLogging(c.cfg.Log.Level)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (default $SWARMFLOW_CONFIG or config/swarmflow.yaml)")

	root.AddCommand(
		newRunCommand(c),
		newPlanCommand(c),
		newServeCommand(c),
		newVaultCommand(c),
		newArchivesCommand(c),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		// The version needs no config.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "swarmflow %s\n", version)
		},
	}
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}
