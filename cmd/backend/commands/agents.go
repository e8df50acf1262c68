package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/biodoia/hacp/internal/registry"
	"github.com/biodoia/hacp/pkg/models"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// AgentsCmd rappresenta il comando agents
var AgentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage provisioned agents",
	Long: `Provision, inspect and tear down agents without going through the gateway.

Provisioning and deprovisioning talk to the configured providers; show and
list only read the agent registry.`,
	Example: `  # Provision an agent from a YAML definition
  hacp agents provision -f agent.yaml

  # List the agents of an owner
  hacp agents list --owner team-support

  # Show an agent with its recent transitions
  hacp agents show 550e8400-e29b-41d4-a716-446655440000 --history 20`,
}

var agentsProvisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision an agent from a YAML file",
	RunE:  runAgentsProvision,
}

var agentsShowCmd = &cobra.Command{
	Use:   "show [agent-id]",
	Short: "Show an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentsShow,
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	RunE:  runAgentsList,
}

var agentsDeprovisionCmd = &cobra.Command{
	Use:   "deprovision [agent-id]",
	Short: "Release the provider resources of an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentsDeprovision,
}

var (
	agentFile    string
	agentOwner   string
	agentHistory int
	jsonOutput   bool
)

func init() {
	agentsProvisionCmd.Flags().StringVarP(&agentFile, "file", "f", "", "Agent definition (YAML)")
	agentsProvisionCmd.Flags().StringVar(&agentOwner, "owner", "", "Owner id, overrides the file")
	_ = agentsProvisionCmd.MarkFlagRequired("file")

	agentsShowCmd.Flags().IntVar(&agentHistory, "history", 0, "Number of recent transitions to show")

	agentsListCmd.Flags().StringVar(&agentOwner, "owner", "", "Filter by owner")
	agentsListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	AgentsCmd.AddCommand(agentsProvisionCmd)
	AgentsCmd.AddCommand(agentsShowCmd)
	AgentsCmd.AddCommand(agentsListCmd)
	AgentsCmd.AddCommand(agentsDeprovisionCmd)
}

// readAgentConfig legge la definizione di un agente
func readAgentConfig(path string) (models.AgentConfig, error) {
	var cfg models.AgentConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

func runAgentsProvision(cmd *cobra.Command, args []string) error {
	agentCfg, err := readAgentConfig(agentFile)
	if err != nil {
		return err
	}
	if agentOwner != "" {
		agentCfg.OwnerID = agentOwner
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogger(cmd, cfg, false, true)

	st, err := buildStack(cmd.Context(), cfg, true)
	if err != nil {
		return err
	}
	defer st.Close()

	res, provisionErr := st.console.ProvisionAgent(cmd.Context(), agentCfg)
	if res != nil {
		if err := printJSON(res); err != nil {
			return err
		}
	}
	if provisionErr != nil {
		return fmt.Errorf("provisioning failed: %w", provisionErr)
	}
	return nil
}

func runAgentsShow(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid agent id: %w", err)
	}

	db, err := initDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	agent, err := registry.New(db).Get(cmd.Context(), id)
	if err != nil {
		return err
	}
	if err := printJSON(agent); err != nil {
		return err
	}

	if agentHistory <= 0 {
		return nil
	}

	records, err := db.GetRecentTransitions(id.String(), agentHistory)
	if err != nil {
		return fmt.Errorf("failed to load transitions: %w", err)
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tFROM\tTO\tREASON")
	fmt.Fprintln(w, "----\t----\t----\t--\t------")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Format("2006-01-02 15:04:05"), r.Type, r.From, r.To, r.Reason)
	}
	return w.Flush()
}

func runAgentsList(cmd *cobra.Command, args []string) error {
	db, err := initDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	agents, err := registry.New(db).List(cmd.Context(), agentOwner)
	if err != nil {
		return fmt.Errorf("failed to list agents: %w", err)
	}

	if jsonOutput {
		return printJSON(agents)
	}

	if len(agents) == 0 {
		fmt.Println("No agents found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tOWNER\tMODE\tTIER\tSTATUS\tPROVIDERS")
	fmt.Fprintln(w, "--\t----\t-----\t----\t----\t------\t---------")
	for _, a := range agents {
		kinds := make([]string, 0, len(a.Bindings))
		for _, b := range a.Bindings {
			kinds = append(kinds, string(b.ProviderKind))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.Name, a.OwnerID, a.Mode, a.PermissionTier, a.Status, strings.Join(kinds, ","))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\nTotal: %d agents\n", len(agents))
	return nil
}

func runAgentsDeprovision(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid agent id: %w", err)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogger(cmd, cfg, false, true)

	st, err := buildStack(cmd.Context(), cfg, true)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.console.DeprovisionAgent(cmd.Context(), id); err != nil {
		return fmt.Errorf("deprovisioning failed: %w", err)
	}

	fmt.Printf("✓ Agent %s deprovisioned\n", id)
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
