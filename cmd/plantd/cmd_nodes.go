package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"line-plant/pkg/model"
	"line-plant/pkg/topology"
)

func newNodesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Work with node directory files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "Validate a YAML node directory and print its capacity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := topology.LoadDirectory(args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tNAME\tPORTS")
			for _, n := range topology.NewSnapshot(nodes).Nodes() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", n.ID, n.Kind, n.Name, totalPorts(n))
			}
			return w.Flush()
		},
	})
	return cmd
}

func totalPorts(n model.DistributionNode) int {
	c := n.Capacity
	switch n.Kind {
	case model.KindMainFrame:
		return c.Sets * c.TerminalsPerSet * c.PortsPerTerminal
	case model.KindSlotDevice:
		return c.Slots * c.PortsPerSlot
	default:
		return c.Ports
	}
}
