package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iamslan/fossibot/internal/config"
)

func newCheckConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkconfig",
		Short: "Validate the configuration",
		Long: `Load and validate the configuration without connecting anywhere.

  fossibot checkconfig
  fossibot checkconfig -c /etc/fossibot/config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}

			fmt.Println("configuration is valid")
			fmt.Printf("  account:       %s\n", cfg.Account.Username)
			fmt.Printf("  poll interval: %s\n", cfg.PollInterval())
			if cfg.Logging.Level != "" {
				fmt.Printf("  log level:     %s\n", cfg.Logging.Level)
			}
			if cfg.Metrics.Listen != "" {
				fmt.Printf("  metrics:       %s\n", cfg.Metrics.Listen)
			}
			if cfg.Developer.Enabled {
				fmt.Printf("  developer broker: %s\n", cfg.Developer.Broker)
			}
			return nil
		},
	}
	return cmd
}
