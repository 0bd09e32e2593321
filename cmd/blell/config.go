package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the effective configuration: the defaults, overridden by the
file given with --config. The output is a valid configuration file.`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

var configFormat string

func init() {
	configCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "Output format (yaml, json)")
}

func runConfig(cmd *cobra.Command, _ []string) error {
	if configFormat != "yaml" && configFormat != "json" {
		return fmt.Errorf("%w '%s': must be one of [yaml json]", ErrInvalidFormat, configFormat)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	out := cmd.OutOrStdout()
	if configFormat == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(cfg)
	}
	b, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = out.Write(b)
	return err
}
