package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"line-plant/pkg/util"
	"line-plant/pkg/version"
)

var (
	logLevel string
	jsonLogs bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "plantd",
		Short: "Line routing and port allocation for the cabling plant",
		Long: `plantd keeps track of which phone line occupies which port of the
site's distribution hardware and serves the route and port-grid editors.

  plantd serve --store sql --nodes nodes.yaml   # run the HTTP service
  plantd codec --kind mainframe --set 1 --terminal 1 --port 10
  plantd nodes check nodes.yaml                 # validate a node directory`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if jsonLogs {
				util.SetJSONFormat()
			}
			return util.SetLogLevel(logLevel)
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "log-json", false, "log as JSON")

	rootCmd.AddCommand(
		newServeCmd(),
		newCodecCmd(),
		newNodesCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("plantd %s\n", version.String())
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
