// Package main is the entry point for the trailpoll CLI.
//
// Usage:
//
//	trailpoll run -c config.yaml       # Poll the source and publish records
//	trailpoll validate -c config.yaml  # Validate configuration
//	trailpoll version                  # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "trailpoll",
	Short: "Demand-driven event poller",
	Long: `trailpoll polls a paginated event source (AWS CloudTrail, an HTTP
endpoint or a Postgres table) and publishes every record to the configured
sinks. Fetching is driven by consumer demand: no page is requested unless the
sinks keep up.

Quick start:
  1. Create a config file (trailpoll.yaml)
  2. Run: trailpoll validate -c trailpoll.yaml
  3. Run: trailpoll run -c trailpoll.yaml

Example config:
  source:
    type: cloudtrail
    cloudtrail:
      region: us-east-1
  sinks:
    - type: log`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "trailpoll %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
