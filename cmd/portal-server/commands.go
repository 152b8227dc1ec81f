package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/intake/portal/internal/config"
	"github.com/intake/portal/internal/domain/patient"
	"github.com/intake/portal/internal/platform/db"
	"github.com/intake/portal/internal/platform/health"
	"github.com/intake/portal/migrations"
)

type migrationTarget struct {
	name string
	url  string
}

// migrationTargets resolves --target into the databases to migrate.
func migrationTargets(cfg *config.Config, target string) ([]migrationTarget, error) {
	primary := migrationTarget{name: "primary", url: cfg.DatabaseURL}
	backup := migrationTarget{name: "backup", url: cfg.DatabaseURLBackup}

	switch target {
	case "primary":
		return []migrationTarget{primary}, nil
	case "backup":
		if !cfg.BackupConfigured() {
			return nil, db.ErrBackupNotConfigured
		}
		return []migrationTarget{backup}, nil
	case "all", "":
		if !cfg.BackupConfigured() {
			return []migrationTarget{primary}, nil
		}
		return []migrationTarget{primary, backup}, nil
	default:
		return nil, fmt.Errorf("unknown target %q (want primary, backup or all)", target)
	}
}

func forEachTarget(cmd *cobra.Command, fn func(ctx context.Context, t migrationTarget, m *db.Migrator) error) error {
	target, _ := cmd.Flags().GetString("target")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	targets, err := migrationTargets(cfg, target)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	for _, t := range targets {
		pool, err := db.NewPool(ctx, t.url, db.PoolConfig{MaxConns: 2, AppName: "intake-portal-migrate"})
		if err != nil {
			return fmt.Errorf("%s database: %w", t.name, err)
		}
		err = fn(ctx, t, db.NewMigrator(pool, migrations.FS))
		pool.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return forEachTarget(cmd, func(ctx context.Context, t migrationTarget, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed on %s: %w", t.name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: applied %d migration(s)\n", t.name, count)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return forEachTarget(cmd, func(ctx context.Context, t migrationTarget, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status on %s: %w", t.name, err)
				}
				printStatuses(cmd.OutOrStdout(), t.name, statuses)
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("target", "all", "Database to migrate: primary, backup or all")
		cmd.AddCommand(c)
	}
	return cmd
}

func printStatuses(w io.Writer, name string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for %s database\n", name)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format(time.DateTime)
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe both databases and storage backends and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stderr)
			ctx := cmd.Context()

			dbr, err := openDatabases(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer dbr.Close()
			storage, closeStorage, err := openStorage(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStorage()

			report, err := newChecker(cfg, dbr, storage).Check(ctx)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("system is %s", report.Status)
			}
			return nil
		},
	}
}

func profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Maintain patient profile JSON",
	}

	stripCmd := &cobra.Command{
		Use:   "strip-key",
		Short: "Remove a cached key (e.g. summary) from a patient's profile on both databases",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			key, _ := cmd.Flags().GetString("key")
			if userID == "" || key == "" {
				return fmt.Errorf("--user and --key are required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stderr)

			dbr, err := openDatabases(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			// Close waits for the backup mirror to land.
			defer dbr.Close()

			removed, err := patient.NewService(patient.NewRepo(dbr)).RemoveProfileField(cmd.Context(), userID, key)
			if err != nil {
				return err
			}
			if removed {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %q from profile of %s\n", key, userID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "profile of %s has no %q key\n", userID, key)
			}
			return nil
		},
	}
	stripCmd.Flags().String("user", "", "Patient user id")
	stripCmd.Flags().String("key", "", "Profile JSON key to remove")
	cmd.AddCommand(stripCmd)
	return cmd
}
