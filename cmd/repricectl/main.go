// Command repricectl validates and seeds rule packs and runs one-off price
// optimizations against the configured stores.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ignite/repricer/internal/app"
	"github.com/ignite/repricer/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "repricectl",
	Short:         "Manage repricing rules from the command line",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "path to the config file")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(rulesCmd, optimizeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// openApp builds an engine with no background loops.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return app.New(ctx, cfg, app.Options{})
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
