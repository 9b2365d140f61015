package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// nodesCmd represents the nodes command
var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Manage mesh nodes",
	Long:  `Commands for listing and removing the nodes known to the scheduler.`,
}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all nodes with their latest resource snapshot",
	RunE:  runNodesList,
}

var nodesRemoveCmd = &cobra.Command{
	Use:   "remove <node-id>",
	Short: "Forget a node",
	Long:  `Remove a node from the scheduler and the router's load balancer. A node that keeps reporting re-registers.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runNodesRemove,
}

func init() {
	rootCmd.AddCommand(nodesCmd)
	nodesCmd.AddCommand(nodesListCmd)
	nodesCmd.AddCommand(nodesRemoveCmd)
}

func runNodesList(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()
	nodes, err := newClient().Nodes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })

	if done, err := printStructured(nodes); done {
		return err
	}
	if len(nodes) == 0 {
		fmt.Println("No nodes registered")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Cores", "CPU", "Memory", "GPU", "Success", "Capabilities", "Last Seen")
	for _, n := range nodes {
		gpu := "No"
		if n.GPUAvailable {
			gpu = fmt.Sprintf("%d MB", n.GPUMemoryMB)
		}
		table.Append(
			n.NodeID,
			fmt.Sprintf("%d", n.CPUCores),
			fmt.Sprintf("%.0f%%", n.CPUUsage*100),
			fmt.Sprintf("%d MB (%.0f%%)", n.MemoryMB, n.MemoryUsage*100),
			gpu,
			fmt.Sprintf("%.0f%%", n.TaskCompletionRate*100),
			orDash(strings.Join(n.Capabilities, ",")),
			fmt.Sprintf("%s ago", time.Since(n.LastUpdated).Round(time.Second)),
		)
	}
	table.Render()
	return nil
}

func runNodesRemove(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()
	if err := newClient().RemoveNode(ctx, args[0]); err != nil {
		return fmt.Errorf("failed to remove node: %w", err)
	}
	fmt.Printf("Node %s removed\n", args[0])
	return nil
}
