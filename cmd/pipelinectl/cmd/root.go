package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/media-pipeline/pkg/client"
	tlsutil "github.com/psantana5/media-pipeline/pkg/tls"
)

var (
	apiURL       string
	apiKey       string
	caFile       string
	outputFormat string
	cfgFile      string
)

var rootCmd = &cobra.Command{
	Use:           "pipelinectl",
	Short:         "CLI for the meeting media pipeline",
	Long:          `pipelinectl inspects jobs and executions, exports reports and manages API keys for a pipelined instance.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pipelinectl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "pipeline API URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&caFile, "ca", "", "CA certificate for a TLS-enabled API")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".pipelinectl"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.BindEnv("api_url", "PIPELINE_API_URL")
	viper.BindEnv("api_key", "PIPELINE_API_KEY")
	viper.BindEnv("ca_file", "PIPELINE_CA_FILE")

	// A missing config file is fine; flags and env still apply
	_ = viper.ReadInConfig()

	if apiURL == "" {
		apiURL = viper.GetString("api_url")
	}
	if apiKey == "" {
		apiKey = viper.GetString("api_key")
	}
	if caFile == "" {
		caFile = viper.GetString("ca_file")
	}
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}
}

// newClient returns an API client for the configured endpoint
func newClient() (*client.Client, error) {
	c := client.New(strings.TrimRight(apiURL, "/"), apiKey)
	if caFile != "" {
		tlsConfig, err := tlsutil.ClientConfig(tlsutil.Options{CAFile: caFile})
		if err != nil {
			return nil, err
		}
		c.WithTLS(tlsConfig)
	}
	return c, nil
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

func printJSON(v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
