// fossibot is a command line client for Fossibot portable power stations.
//
// fossibot talks to the vendor cloud: it authenticates against the
// serverless API, opens an MQTT-over-WebSocket session to the broker and
// exchanges Modbus-framed payloads with the registered devices.
//
// Usage:
//
//	fossibot devices                     List registered devices
//	fossibot poll                        Poll all devices once
//	fossibot command <device> <name>     Run a named command
//	fossibot write <device> <reg> <val>  Write a raw register
//	fossibot watch                       Poll continuously
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iamslan/fossibot/internal/config"
	"github.com/iamslan/fossibot/internal/connector"
	"github.com/iamslan/fossibot/internal/logger"
	"github.com/iamslan/fossibot/internal/metrics"
)

var (
	configPath string
	verbose    bool
	jsonOutput bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "fossibot",
	Short:             "Cloud client for Fossibot power stations",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `fossibot polls and controls Fossibot power stations through the
vendor cloud. Credentials come from the configuration file or the
FOSSIBOT_USERNAME and FOSSIBOT_PASSWORD environment variables.

  fossibot poll`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			return logger.SetLevel("debug")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		newDevicesCmd(),
		newPollCmd(),
		newCommandCmd(),
		newWriteCmd(),
		newWatchCmd(),
		newCheckConfigCmd(),
	)
}

// loadConfig resolves and validates the configuration for a subcommand run.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Logging.Level != "" && !verbose {
		if err := logger.SetLevel(cfg.Logging.Level); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// newConnector builds a connector from the loaded configuration.
func newConnector(cfg *config.Config, collector metrics.Collector) *connector.Connector {
	return connector.New(connector.Options{
		Username:        cfg.Account.Username,
		Password:        cfg.Account.Password,
		DeveloperMode:   cfg.Developer.Enabled,
		DeveloperBroker: cfg.Developer.Broker,
		Metrics:         collector,
	})
}
