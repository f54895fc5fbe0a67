// Command kioskwatch runs the kiosk presence service and its operator tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kioskwatch/internal/app"
	"kioskwatch/internal/config"
)

// Main entry point with comprehensive error handling
func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

// ARCHITECTURAL DISCOVERY: root command built per call so tests get a clean flag set
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "kioskwatch",
		Short: "Kiosk session presence service",
		Long: `kioskwatch tracks which kiosks are connected to which accounts.

Kiosks send periodic heartbeats, dashboards subscribe to live presence over
WebSocket, and background jobs disconnect stale kiosks and purge old records.

Configuration is read from --config (JSON or YAML) and KIOSKWATCH_* environment
variables, which win over the file. Example: KIOSKWATCH_HTTP_PORT=9090`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("KIOSKWATCH_CONFIG_FILE"), "config file (JSON or YAML)")

	root.AddCommand(
		newServeCmd(opts),
		newCleanupCmd(opts),
		newStatsCmd(opts),
		newKioskCmd(opts),
		newVersionCmd(),
	)
	return root
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.LoadConfigWithPrecedence(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// openApp builds the application without serving, for one-shot commands.
func (o *rootOptions) openApp() (*app.Application, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	application, err := app.NewApplication(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}
	return application, nil
}
