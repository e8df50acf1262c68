package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/biodoia/hacp/internal/capabilities"
	"github.com/biodoia/hacp/internal/events"
	"github.com/biodoia/hacp/internal/metrics"
	"github.com/biodoia/hacp/internal/providers"
	"github.com/biodoia/hacp/internal/routing"
	"github.com/biodoia/hacp/pkg/database"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// DebugCmd raccoglie gli strumenti di troubleshooting
var DebugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Troubleshooting tools",
}

var debugValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and connectivity",
	Long: `Validate the configuration file and the control plane's dependencies.

Checks:
  • YAML syntax and configuration values
  • Database connection
  • Redis connection (when enabled)
  • Routing policy against the capability catalog`,
	RunE: runDebugValidate,
}

var debugProvidersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Health check provider A and provider B",
	RunE:  runDebugProviders,
}

func init() {
	debugProvidersCmd.Flags().Duration("timeout", 15*time.Second, "Health check timeout")

	DebugCmd.AddCommand(debugValidateCmd)
	DebugCmd.AddCommand(debugProvidersCmd)
}

// check stampa l'esito di un controllo e ne conta i fallimenti
type check struct {
	failed int
}

func (c *check) run(name string, fn func() error) {
	start := time.Now()
	if err := fn(); err != nil {
		c.failed++
		fmt.Printf("✗ %s: %v\n", name, err)
		return
	}
	fmt.Printf("✓ %s (%.2fms)\n", name, time.Since(start).Seconds()*1000)
}

func runDebugValidate(cmd *cobra.Command, args []string) error {
	var c check

	configPath, _ := cmd.Flags().GetString("config")
	if configPath != "" {
		c.run("YAML syntax", func() error {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return err
			}
			var raw map[string]any
			return yaml.Unmarshal(data, &raw)
		})
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	c.run("Configuration values", cfg.Validate)

	c.run("Database", func() error {
		db, err := database.New(&cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		return db.Ping()
	})

	if cfg.Redis.Enabled {
		c.run("Redis", func() error {
			sink, err := events.NewRedisSink(cmd.Context(), cfg.Redis)
			if err != nil {
				return err
			}
			return sink.Close()
		})
	}

	c.run("Routing policy", func() error {
		engine, err := routing.FromConfig(cfg.Routing)
		if err != nil {
			return err
		}
		return engine.Validate(capabilities.DefaultCatalog().AllOperations())
	})

	if c.failed > 0 {
		return fmt.Errorf("%d check(s) failed", c.failed)
	}
	return nil
}

func runDebugProviders(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	s := &stack{config: cfg, metrics: metrics.New("hacp")}
	if err := s.buildAdapters(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var c check
	for _, kind := range s.adapters.Kinds() {
		meta, err := s.adapters.GetMetadata(kind)
		if err != nil {
			return err
		}
		adapter, err := s.adapters.Get(kind)
		if err != nil {
			return err
		}
		hc, ok := adapter.(providers.HealthChecker)
		if !ok {
			fmt.Printf("- provider %s (%s): no health check\n", kind, meta.Driver)
			continue
		}
		c.run(fmt.Sprintf("provider %s (%s)", kind, meta.Driver), func() error {
			return hc.HealthCheck(ctx)
		})
	}

	if c.failed > 0 {
		return fmt.Errorf("%d provider(s) unhealthy", c.failed)
	}
	return nil
}
