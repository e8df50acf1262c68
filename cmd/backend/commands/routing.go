package commands

import (
	"fmt"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/biodoia/hacp/internal/capabilities"
	"github.com/biodoia/hacp/internal/routing"
	"github.com/spf13/cobra"
)

// RoutingCmd rappresenta il comando routing
var RoutingCmd = &cobra.Command{
	Use:   "routing",
	Short: "Inspect the routing policy",
	Long: `Inspect the effective routing policy: the built-in policy merged with
routing.policy_file and the inline routing.entries of the configuration.`,
	Example: `  # Print the effective policy as YAML
  hacp routing show

  # Verify that every catalog operation is routed
  hacp routing check -c config.yaml`,
}

var routingShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective routing policy",
	RunE:  runRoutingShow,
}

var routingCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that every operation kind is resolved",
	RunE:  runRoutingCheck,
}

func init() {
	RoutingCmd.AddCommand(routingShowCmd)
	RoutingCmd.AddCommand(routingCheckCmd)
}

func loadEngine(cmd *cobra.Command) (*routing.Engine, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	engine, err := routing.FromConfig(cfg.Routing)
	if err != nil {
		return nil, fmt.Errorf("invalid routing policy: %w", err)
	}
	return engine, nil
}

func runRoutingShow(cmd *cobra.Command, args []string) error {
	engine, err := loadEngine(cmd)
	if err != nil {
		return err
	}

	data, err := engine.YAML()
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func runRoutingCheck(cmd *cobra.Command, args []string) error {
	engine, err := loadEngine(cmd)
	if err != nil {
		return err
	}

	catalog := capabilities.DefaultCatalog()
	ops := catalog.AllOperations()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OPERATION\tPRIMARY\tFALLBACK\tTHRESHOLD\tSTATUS")
	fmt.Fprintln(w, "---------\t-------\t--------\t---------\t------")
	for _, op := range ops {
		entry, err := engine.Lookup(op)
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t-\t-\t✗ unresolved\n", op)
			continue
		}
		fallback := "-"
		if entry.HasFallback() {
			fallback = string(entry.Fallback)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t✓\n", op, entry.Primary, fallback, entry.Threshold)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	// voci della policy che nessuna capability usa
	for _, op := range engine.Operations() {
		if !slices.Contains(ops, op) {
			fmt.Printf("Warning: operation %q is routed but no capability enables it\n", op)
		}
	}

	fmt.Println()
	if err := engine.Validate(ops); err != nil {
		return err
	}
	fmt.Printf("✓ Routing policy %s resolves all %d operations\n", engine.Version(), len(ops))
	return nil
}
