package commands

import (
	"fmt"
	"time"

	"github.com/biodoia/hacp/internal/registry"
	"github.com/biodoia/hacp/internal/retention"
	"github.com/biodoia/hacp/pkg/models"
	"github.com/spf13/cobra"
)

// MigrateCmd rappresenta il comando migrate. Senza sottocomandi esegue le migrazioni.
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database migrations",
	Long: `Manage the database schema of the agent registry.

Without a subcommand the pending migrations are applied.`,
	Example: `  # Run all pending migrations
  hacp migrate

  # Show table status
  hacp migrate status

  # Reset database (drop and recreate)
  hacp migrate reset --confirm

  # Drop transitions and resolved escalations older than 30 days
  hacp migrate purge --older-than 720h`,
	RunE: runMigrateUp,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Run pending migrations",
	RunE:  runMigrateUp,
}

var migrateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset database",
	Long:  `Drop all tables and recreate the schema. This will delete all data.`,
	RunE:  runMigrateReset,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE:  runMigrateStatus,
}

var migratePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Purge old audit history",
	Long: `Delete transition records and resolved escalation events older than the given age.

Agents, bindings and sessions are never touched.`,
	RunE: runMigratePurge,
}

var (
	migrateConfirm bool
	purgeOlderThan time.Duration
)

// tables elenca le tabelle del registry, dipendenti prima
var tables = []struct {
	name  string
	model any
}{
	{"transition_records", &models.TransitionRecord{}},
	{"escalation_events", &models.EscalationEvent{}},
	{"conversation_sessions", &models.ConversationSession{}},
	{"provider_bindings", &models.ProviderBinding{}},
	{"agents", &models.Agent{}},
}

func init() {
	migrateResetCmd.Flags().BoolVar(&migrateConfirm, "confirm", false, "Confirm reset action")

	migratePurgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 720*time.Hour, "Minimum age of the rows to delete")

	MigrateCmd.AddCommand(migrateUpCmd)
	MigrateCmd.AddCommand(migrateResetCmd)
	MigrateCmd.AddCommand(migrateStatusCmd)
	MigrateCmd.AddCommand(migratePurgeCmd)
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	db, err := initDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("Running database migrations...")
	if err := db.AutoMigrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	fmt.Println("✓ Migrations completed successfully")
	return nil
}

func runMigrateReset(cmd *cobra.Command, args []string) error {
	if !migrateConfirm {
		return fmt.Errorf("reset requires --confirm flag to proceed")
	}

	db, err := initDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("⚠️  Resetting database - ALL DATA WILL BE LOST!")

	for _, table := range tables {
		if err := db.Migrator().DropTable(table.model); err != nil {
			fmt.Printf("Warning: failed to drop %s: %v\n", table.name, err)
		}
	}
	fmt.Println("✓ All tables dropped")

	if err := db.AutoMigrate(); err != nil {
		return fmt.Errorf("failed to recreate schema: %w", err)
	}

	fmt.Println("✓ Database reset successfully")
	return nil
}

func runMigratePurge(cmd *cobra.Command, args []string) error {
	db, err := initDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	janitor, err := retention.New(registry.New(db), retention.Config{MaxAge: purgeOlderThan})
	if err != nil {
		return err
	}

	res, err := janitor.RunOnce(cmd.Context())
	if err != nil {
		return fmt.Errorf("purge failed: %w", err)
	}

	fmt.Printf("✓ Purged %d transitions and %d escalation events older than %s\n",
		res.Transitions, res.Escalations, purgeOlderThan)
	return nil
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	db, err := initDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("Database Migration Status")
	fmt.Println("=========================")
	fmt.Println()

	for _, table := range tables {
		status := "✗ Not created"
		if db.Migrator().HasTable(table.model) {
			var count int64
			db.Model(table.model).Count(&count)
			status = fmt.Sprintf("✓ Created (%d records)", count)
		}
		fmt.Printf("%-24s %s\n", table.name+":", status)
	}

	fmt.Println()

	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}

	stats := sqlDB.Stats()
	fmt.Println("Database Connection:")
	fmt.Printf("  Open connections:   %d\n", stats.OpenConnections)
	fmt.Printf("  In use:             %d\n", stats.InUse)
	fmt.Printf("  Idle:               %d\n", stats.Idle)
	fmt.Printf("  Max open:           %d\n", stats.MaxOpenConnections)

	return nil
}
