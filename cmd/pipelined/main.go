// Command pipelined runs the meeting media pipeline: it accepts storage
// notifications, orchestrates stage workers and reconciles job records.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	tlsutil "github.com/psantana5/media-pipeline/pkg/tls"
)

// Set at build time with -ldflags "-X main.version=..."
var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "pipelined",
	Short:         "Meeting media pipeline orchestrator",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var genCertCmd = &cobra.Command{
	Use:   "gen-cert",
	Short: "Generate a self-signed server certificate",
	RunE: func(cmd *cobra.Command, args []string) error {
		certFile, _ := cmd.Flags().GetString("cert")
		keyFile, _ := cmd.Flags().GetString("key")
		hosts, _ := cmd.Flags().GetStringSlice("hosts")

		var sans []string
		for _, h := range hosts {
			if h = strings.TrimSpace(h); h != "" {
				sans = append(sans, h)
			}
		}
		if err := tlsutil.GenerateSelfSignedCert(certFile, keyFile, "pipelined", sans...); err != nil {
			return err
		}
		fmt.Printf("Certificate: %s\nKey:         %s\n", certFile, keyFile)
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("addr", ":8080", "API listen address")
	flags.String("metrics-addr", ":9090", "Prometheus metrics listen address; empty disables it")
	flags.String("store", "sqlite", "store type: sqlite, postgres or memory")
	flags.String("dsn", "", "PostgreSQL connection string")
	flags.String("db", "pipeline.db", "SQLite database path")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("worker-url", "", "base URL of the stage worker service")
	flags.String("worker-mode", "simulated", "stage workers: http or simulated")

	genCertCmd.Flags().String("cert", "certs/pipelined.crt", "certificate output path")
	genCertCmd.Flags().String("key", "certs/pipelined.key", "key output path")
	genCertCmd.Flags().StringSlice("hosts", nil, "extra IP addresses or hostnames for the SANs")
	rootCmd.AddCommand(genCertCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
