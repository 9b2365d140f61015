package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/meshsched/meshsched/pkg/models"
)

var routeClass string

// routesCmd represents the routes command
var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Inspect and manage message routes",
	Long:  `Commands for the router's routing tables, route lookups and node failure records.`,
}

var routesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every route, including cached ones",
	RunE:  runRoutesList,
}

var routesFindCmd = &cobra.Command{
	Use:   "find <destination>",
	Short: "Show the route the router would pick for a destination",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoutesFind,
}

var routesAddTableCmd = &cobra.Command{
	Use:   "add-table <file>",
	Short: "Install a routing table from a YAML or JSON file",
	Long: `Install a neighbour's routing table. The file holds node_id and a routes map:

  node_id: relay-1
  routes:
    edge-7:
      path: [relay-1, edge-7]
      cost: 2.5
      latency: 12
      bandwidth: 100
      reliability: 0.95`,
	Args: cobra.ExactArgs(1),
	RunE: runRoutesAddTable,
}

var routesRemoveTableCmd = &cobra.Command{
	Use:   "remove-table <node-id>",
	Short: "Drop a node's routing table",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoutesRemoveTable,
}

var routesRecoverCmd = &cobra.Command{
	Use:   "recover <node-id>",
	Short: "Clear a node's failure record",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoutesRecover,
}

func init() {
	rootCmd.AddCommand(routesCmd)
	routesCmd.AddCommand(routesListCmd)
	routesCmd.AddCommand(routesFindCmd)
	routesCmd.AddCommand(routesAddTableCmd)
	routesCmd.AddCommand(routesRemoveTableCmd)
	routesCmd.AddCommand(routesRecoverCmd)

	routesFindCmd.Flags().StringVar(&routeClass, "class", "", "message type, e.g. task_assignment, heartbeat, bulk_data or urgent (default data_transfer)")
}

func runRoutesList(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()
	routes, err := newClient().Routes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list routes: %w", err)
	}

	if done, err := printStructured(routes); done {
		return err
	}
	if len(routes) == 0 {
		fmt.Println("No routes known")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Owner", "Destination", "Path", "Cost", "Latency", "Reliability", "Success", "Cached")
	for _, e := range routes {
		r := e.Route
		table.Append(
			e.Owner,
			e.Destination,
			strings.Join(r.Path, " > "),
			fmt.Sprintf("%.2f", r.Cost),
			fmt.Sprintf("%.1f", r.Latency),
			fmt.Sprintf("%.2f", r.Reliability),
			fmt.Sprintf("%.0f%% of %d", r.SuccessRate()*100, r.UsageCount),
			fmt.Sprintf("%v", e.Cached),
		)
	}
	table.Render()
	return nil
}

func runRoutesFind(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()
	lookup, err := newClient().FindRoute(ctx, args[0], routeClass)
	if err != nil {
		return fmt.Errorf("no route to %s: %w", args[0], err)
	}

	if done, err := printStructured(lookup); done {
		return err
	}

	r := lookup.Route
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Destination", lookup.Destination)
	table.Append("Class", lookup.Class)
	table.Append("Next Hop", lookup.NextHop)
	table.Append("Path", strings.Join(r.Path, " > "))
	table.Append("Cost", fmt.Sprintf("%.2f (effective %.2f)", r.Cost, r.EffectiveCost()))
	table.Append("Latency", fmt.Sprintf("%.1f", r.Latency))
	table.Append("Bandwidth", fmt.Sprintf("%.1f", r.Bandwidth))
	table.Append("Reliability", fmt.Sprintf("%.2f", r.Reliability))
	table.Append("Last Used", r.LastUsed.Local().Format(time.RFC3339))
	table.Render()
	return nil
}

// readRoutingTable parses a YAML or JSON routing table. JSON is a subset of
// YAML, so both go through yaml.v3 and then the JSON field names.
func readRoutingTable(path string) (*models.RoutingTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	var table models.RoutingTable
	if err := json.Unmarshal(asJSON, &table); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if table.NodeID == "" {
		return nil, fmt.Errorf("%s: node_id is required", path)
	}
	return &table, nil
}

func runRoutesAddTable(cmd *cobra.Command, args []string) error {
	table, err := readRoutingTable(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := requestContext()
	defer cancel()
	if err := newClient().AddRoutingTable(ctx, table); err != nil {
		return fmt.Errorf("failed to add routing table: %w", err)
	}
	fmt.Printf("Routing table for %s installed (%d routes)\n", table.NodeID, len(table.Routes))
	return nil
}

func runRoutesRemoveTable(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()
	if err := newClient().RemoveRoutingTable(ctx, args[0]); err != nil {
		return fmt.Errorf("failed to remove routing table: %w", err)
	}
	fmt.Printf("Routing table for %s removed\n", args[0])
	return nil
}

func runRoutesRecover(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()
	if err := newClient().RecordRecovery(ctx, args[0]); err != nil {
		return fmt.Errorf("failed to record recovery: %w", err)
	}
	fmt.Printf("Node %s marked as recovered\n", args[0])
	return nil
}
