package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"line-plant/pkg/model"
	"line-plant/pkg/portaddr"
	"line-plant/pkg/topology"
)

func newCodecCmd() *cobra.Command {
	var (
		kind    string
		sel     topology.Selectors
		port    int
		address string
	)
	cmd := &cobra.Command{
		Use:   "codec",
		Short: "Show the canonical address and legacy spellings of a port",
		Long: `Show the canonical address and legacy spellings of a port.

  plantd codec --kind mainframe --set 1 --terminal 10 --port 1
  plantd codec --kind slot_device --address 2-15`,
		RunE: func(cmd *cobra.Command, args []string) error {
			k := model.NodeKind(kind)
			if !k.Valid() {
				return fmt.Errorf("unknown kind %q", kind)
			}
			if address != "" {
				var err error
				if sel, port, err = portaddr.Decode(k, address); err != nil {
					return err
				}
			}
			variants, err := portaddr.LegacyVariants(k, sel, port)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "canonical: %s\n", variants[0])
			if len(variants) > 1 {
				fmt.Fprintf(cmd.OutOrStdout(), "legacy:    %s\n", strings.Join(variants[1:], ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(model.KindMainFrame), "node kind: mainframe|slot_device|converter|socket")
	cmd.Flags().IntVar(&sel.Set, "set", 0, "MDF set")
	cmd.Flags().IntVar(&sel.Terminal, "terminal", 0, "MDF terminal")
	cmd.Flags().IntVar(&sel.Slot, "slot", 0, "device slot")
	cmd.Flags().IntVar(&port, "port", 0, "port index")
	cmd.Flags().StringVar(&address, "address", "", "decode an existing address instead")
	return cmd
}
