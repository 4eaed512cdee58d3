package app

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/stacklok/nodesync/database"
	"github.com/stacklok/nodesync/internal/config"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tool",
		Long:  `Database migration tool for managing schema versions. Use with 'up', 'down' or 'version'.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
	}
	cmd.PersistentFlags().BoolP("yes", "y", false, "Answer yes to all questions")
	cmd.PersistentFlags().UintP("num-steps", "n", 0, "Number of steps to migrate (0 = all)")
	cmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format)")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending database migrations",
		RunE:  runMigrateUp,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Revert database migrations",
		Long: `Migrate the database schema down by reverting migrations.

WARNING: This operation can result in data loss. Use with caution.`,
		RunE: runMigrateDown,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE:  runMigrateVersion,
	})
	return cmd
}

// setupMigration loads configuration and opens a migrator on the configured database
func setupMigration(cmd *cobra.Command) (database.Migrator, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.GetStorageType() != config.StorageTypePostgres {
		return nil, fmt.Errorf("migrations require postgres storage, got %q", cfg.GetStorageType())
	}
	connString, err := cfg.Database.GetConnectionString()
	if err != nil {
		return nil, fmt.Errorf("failed to build connection string: %w", err)
	}
	if connString == "" {
		return nil, fmt.Errorf("database configuration is required")
	}
	m, err := database.NewFromConnectionString(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

func closeMigrator(m database.Migrator) {
	srcErr, dbErr := m.Close()
	if err := errors.Join(srcErr, dbErr); err != nil {
		slog.Error("Error closing migrator", "error", err)
	}
}

func numSteps(cmd *cobra.Command) (int, error) {
	n, err := cmd.Flags().GetUint("num-steps")
	if err != nil {
		return 0, fmt.Errorf("failed to get num-steps flag: %w", err)
	}
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("num-steps value %d is too large", n)
	}
	return int(n), nil
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	steps, err := numSteps(cmd)
	if err != nil {
		return err
	}
	m, err := setupMigration(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	slog.Info("Applying database migrations", "steps", steps)
	if steps == 0 {
		err = m.Up()
	} else {
		err = m.Steps(steps)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return printVersion(cmd, m)
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	steps, err := numSteps(cmd)
	if err != nil {
		return err
	}
	prompt := fmt.Sprintf("WARNING: This will migrate down %d step(s) and may result in data loss. Continue?", steps)
	if steps == 0 {
		prompt = "WARNING: This will migrate down ALL steps and may result in complete data loss. Continue?"
	}
	if err := confirm(cmd, prompt); err != nil {
		return err
	}

	m, err := setupMigration(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if steps == 0 {
		slog.Warn("Migrating down all steps, this will remove the whole schema")
		err = m.Down()
	} else {
		slog.Info("Migrating down", "steps", steps)
		err = m.Steps(-steps)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return printVersion(cmd, m)
}

func runMigrateVersion(cmd *cobra.Command, _ []string) error {
	m, err := setupMigration(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(m)
	return printVersion(cmd, m)
}

func printVersion(cmd *cobra.Command, m database.Migrator) error {
	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		_, err = fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
		return err
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	suffix := ""
	if dirty {
		suffix = " (dirty)"
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d%s\n", version, suffix)
	return err
}

// confirm asks for a yes/no answer unless --yes was given
func confirm(cmd *cobra.Command, prompt string) error {
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return fmt.Errorf("failed to get yes flag: %w", err)
	}
	if yes {
		return nil
	}
	if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s (yes/no): ", prompt); err != nil {
		return err
	}
	answer, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && answer == "" {
		return fmt.Errorf("failed to read user input: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "yes", "y":
		return nil
	default:
		slog.Info("Migration cancelled by user")
		return fmt.Errorf("migration cancelled by user")
	}
}
