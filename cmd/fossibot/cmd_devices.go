package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/iamslan/fossibot/internal/api"
)

func newDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List registered devices",
		Long: `List the devices registered to the configured account.

  fossibot devices
  fossibot devices --json`,
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

			devices := conn.Devices()
			if jsonOutput {
				return printDevicesJSON(devices)
			}
			printDevicesTable(devices)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "JSON output")
	return cmd
}

func printDevicesTable(devices map[string]api.Device) {
	if len(devices) == 0 {
		fmt.Println("no registered devices")
		return
	}
	ids := make([]string, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Printf("%-14s %-20s %-17s %s\n", "DEVICE", "NAME", "MAC", "SLAVE")
	for _, id := range ids {
		dev := devices[id]
		fmt.Printf("%-14s %-20s %-17s %d\n", dev.ID, dev.Name, dev.MAC, dev.SlaveAddress)
	}
}

func printDevicesJSON(devices map[string]api.Device) error {
	type row struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		MAC           string `json:"mac"`
		SlaveAddress  uint8  `json:"slave_address"`
		RegisterCount uint16 `json:"register_count"`
	}
	rows := make([]row, 0, len(devices))
	for _, dev := range devices {
		rows = append(rows, row{dev.ID, dev.Name, dev.MAC, dev.SlaveAddress, dev.RegisterCount})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}
