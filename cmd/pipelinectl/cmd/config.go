package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/media-pipeline/pkg/config"
	"github.com/psantana5/media-pipeline/pkg/logging"
)

var (
	daemonConfig string
	configFormat string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Daemon configuration helpers",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective pipelined configuration",
	Long: `Resolves defaults, the config file and PIPELINE_* environment variables
exactly as pipelined does and prints the result. Secrets are omitted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(daemonConfig, nil)
		if err != nil {
			return err
		}
		return writeConfig(cfg, configFormat)
	},
}

var configLogrotateCmd = &cobra.Command{
	Use:   "logrotate",
	Short: "Print a logrotate stanza for the pipelined log files",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(logging.GenerateLogrotateConfig("pipelined"))
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configLogrotateCmd)

	configShowCmd.Flags().StringVarP(&daemonConfig, "file", "f", "", "pipelined config file")
	configShowCmd.Flags().StringVar(&configFormat, "format", "yaml", "yaml or json")
}

func writeConfig(cfg *config.Config, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(redacted(cfg))
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(redacted(cfg))
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

// redacted copies cfg with secrets cleared. The yaml tags would otherwise
// print them.
func redacted(cfg *config.Config) *config.Config {
	c := *cfg
	c.Server.APIKeys = nil
	c.Server.APIKeyHashes = nil
	c.Worker.APIKey = ""
	if c.Store.DSN != "" {
		c.Store.DSN = "<redacted>"
	}
	return &c
}
