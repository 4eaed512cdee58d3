package app

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stacklok/nodesync/internal/config"
	"github.com/stacklok/nodesync/internal/supervisor"
	"github.com/stacklok/nodesync/internal/versions"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a sync node",
		Long: `Run a sync node until interrupted.

The node loads its configuration (--config), checks the database, applies
migrations, then serves the operator API and peer protocol on server.address
and the health endpoint on the adjacent port. Startup failures and crashes
are retried after supervisor.restartDelay up to supervisor.maxRestarts times.

Every setting can be overridden with NODESYNC_ environment variables, for
example NODESYNC_REGISTRATION_SECRET or NODESYNC_DATABASE_URL.`,
		RunE: runServe,
	}
	cmd.Flags().String("config", "", "Path to configuration file (YAML format)")
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	var opts []config.Option
	if configPath != "" {
		opts = append(opts, config.WithConfigPath(configPath))
	}
	return config.LoadConfig(opts...)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	info := versions.GetVersionInfo()
	slog.Info("Starting nodesync", "version", info.Version, "commit", info.Commit)

	sup := supervisor.New(func() (*config.Config, error) {
		return loadConfig(cmd)
	})
	if err := sup.Run(ctx); err != nil {
		slog.Error("Node stopped", "error", err)
		return err
	}
	slog.Info("Node shutdown complete")
	return nil
}

// commandContext returns the command context, or Background when unset
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
