package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fernandezvara/modelkit"
)

func (a *app) newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
		Long: `Run and manage database migrations.

Migrations are SQL files in the migrations directory, named
<id>_<description>.sql and applied in lexical order:
  20240115120000_create_users.sql

Available subcommands:
  up            - Apply all pending migrations
  status        - Show migration status
  new           - Create an empty migration
  autogenerate  - Create a migration from the models' schema`,
	}

	cmd.AddCommand(a.newMigrateUpCommand())
	cmd.AddCommand(a.newMigrateStatusCommand())
	cmd.AddCommand(a.newMigrateNewCommand())
	if a.models != nil {
		cmd.AddCommand(a.newMigrateAutogenerateCommand())
	}

	return cmd
}

func (a *app) newMigrateUpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Run all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			successColor := color.New(color.FgGreen, color.Bold)
			infoColor := color.New(color.FgCyan)

			migrations, err := modelkit.LoadMigrations(a.config.MigrationsDir)
			if err != nil {
				return err
			}
			if len(migrations) == 0 {
				infoColor.Fprintf(out, "No migration files found in %s/\n", a.config.MigrationsDir)
				return nil
			}

			db, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			result, err := db.Migrate(cmd.Context(), migrations)
			if err != nil {
				return err
			}

			for _, m := range result.Applied {
				infoColor.Fprintf(out, "Applied %s %s (%s)\n", m.ID, m.Description, m.Duration)
			}
			if len(result.Applied) == 0 {
				infoColor.Fprintln(out, "No pending migrations")
				return nil
			}
			successColor.Fprintf(out, "✓ Applied %d migration(s) in %s\n", len(result.Applied), result.TotalTime)
			return nil
		},
	}
}

func (a *app) newMigrateStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			appliedColor := color.New(color.FgGreen)
			pendingColor := color.New(color.FgYellow)
			changedColor := color.New(color.FgRed, color.Bold)

			migrations, err := modelkit.LoadMigrations(a.config.MigrationsDir)
			if err != nil {
				return err
			}

			db, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			entries, err := db.MigrationStatus(cmd.Context(), migrations)
			if err != nil {
				return err
			}

			pending := 0
			for _, e := range entries {
				switch {
				case e.Applied && !e.ChecksumMatch:
					changedColor.Fprintf(out, "  changed  %s %s\n", e.ID, e.Description)
				case e.Applied:
					appliedColor.Fprintf(out, "  applied  %s %s\n", e.ID, e.Description)
				default:
					pending++
					pendingColor.Fprintf(out, "  pending  %s %s\n", e.ID, e.Description)
				}
			}
			fmt.Fprintf(out, "\n%d migration(s), %d pending\n", len(entries), pending)
			return nil
		},
	}
}

func (a *app) newMigrateNewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "new <description>",
		Short: "Create an empty migration",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := modelkit.NewMigration(strings.Join(args, " "), nil, a.now())
			if err != nil {
				return err
			}
			return a.writeMigration(cmd, m)
		},
	}
}

func (a *app) newMigrateAutogenerateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "autogenerate <description>",
		Short: "Create a migration creating the models' tables",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.offline()
			if err != nil {
				return err
			}
			defer db.Close()

			if _, err := a.loadModels(cmd.Context(), db); err != nil {
				return err
			}
			m, err := modelkit.GenerateMigration(db.Registry(), db.Mapper(), strings.Join(args, " "), a.now())
			if err != nil {
				return err
			}
			return a.writeMigration(cmd, m)
		},
	}
}

func (a *app) writeMigration(cmd *cobra.Command, m modelkit.Migration) error {
	path, err := modelkit.WriteMigration(a.config.MigrationsDir, m)
	if err != nil {
		return err
	}
	color.New(color.FgGreen, color.Bold).Fprintf(cmd.OutOrStdout(), "✓ Created %s\n", path)
	return nil
}
