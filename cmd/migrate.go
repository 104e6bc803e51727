// cmd/migrate.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/markb/rentrt/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long: `Creates or updates the SQLite schema used by the reference server.

Migrations are idempotent; running them against an up-to-date database
does nothing.

Examples:
  rentrt migrate --db rentrt.db
  RENTRT_DB=/var/lib/rentrt/rentrt.db rentrt migrate`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath := stringSetting(cmd, "db", "RENTRT_DB", "rentrt.db")

		database, err := db.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()

		if err := database.RunMigrations(); err != nil {
			return err
		}

		if status, _ := cmd.Flags().GetBool("status"); status {
			applied, err := database.AppliedMigrations(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list migrations: %w", err)
			}
			for _, m := range applied {
				fmt.Printf("  %s  %s\n", m.AppliedAt.Format("2006-01-02 15:04:05"), m.ID())
			}
		}
		fmt.Printf("Database at %s is up to date\n", dbPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("db", "", "Path to database file (env RENTRT_DB, default rentrt.db)")
	migrateCmd.Flags().Bool("status", false, "List applied migrations")
}
