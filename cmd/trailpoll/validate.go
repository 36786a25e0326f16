package main

import (
	"fmt"

	"github.com/Sternrassler/trailpoll/pkg/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a trailpoll configuration file without connecting to anything.

The YAML is parsed, environment variables are expanded and every section is
checked.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	eng, err := cfg.EngineConfig()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	sinks := make([]string, 0, len(cfg.Sinks))
	for _, s := range cfg.Sinks {
		sinks = append(sinks, s.Type)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Engine:   %s\n", eng.Name)
	fmt.Fprintf(out, "  Source:   %s\n", cfg.Source.Type)
	fmt.Fprintf(out, "  Sinks:    %v\n", sinks)
	fmt.Fprintf(out, "  Cursor:   %s\n", cfg.Cursor.Store)
	fmt.Fprintf(out, "  Prefetch: %d\n", cfg.Stream.Prefetch)
	return nil
}
