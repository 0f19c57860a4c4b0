// Command billsyncd reconciles Stripe subscription state from webhooks and
// pushes metered usage to Stripe on a schedule.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var Version = "dev"

var envFile string

var rootCmd = &cobra.Command{
	Use:           "billsyncd",
	Short:         "Stripe subscription reconciliation and usage metering",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.AddCommand(serveCmd, syncCmd, migrateCmd)
}

// loadConfig reads the configuration and validates the fields a subcommand
// needs. With no fields everything is validated.
func loadConfig(fields ...string) (Config, error) {
	cfg, err := LoadConfig(envFile, os.LookupEnv)
	if err != nil {
		return Config{}, err
	}
	if len(fields) == 0 {
		return cfg, cfg.Validate()
	}
	return cfg, cfg.ValidateFor(fields...)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
