package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/iamslan/fossibot/internal/modbus"
)

func newPollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Poll all devices once",
		Long: `Connect, read every registered device once and print the decoded
register values.

  fossibot poll
  fossibot poll --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			conn := newConnector(cfg, nil)
			defer conn.Disconnect()

			if err := conn.Connect(cmd.Context()); err != nil {
				return err
			}

			data, err := conn.Poll(cmd.Context())
			if err != nil {
				return err
			}
			if len(data) == 0 {
				return fmt.Errorf("no device responded")
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(data)
			}
			printStates(data)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "JSON output")
	return cmd
}

func printStates(data map[string]modbus.DeviceState) {
	ids := make([]string, 0, len(data))
	for id := range data {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		fmt.Printf("%s:\n", id)
		state := data[id]
		keys := make([]string, 0, len(state))
		for k := range state {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %-28s %v\n", k, state[k])
		}
	}
}
