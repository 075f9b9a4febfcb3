package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iamslan/fossibot/internal/modbus"
)

func newCommandCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "command <device> <name>",
		Short: "Run a named device command",
		Long: `Send one of the predefined commands to a device.

  fossibot command 7C2C67AABBCC REGEnableACOutput
  fossibot command list`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if args[0] != "list" {
					return fmt.Errorf("usage: fossibot command <device> <name>")
				}
				names := modbus.CommandNames()
				sort.Strings(names)
				fmt.Println(strings.Join(names, "\n"))
				return nil
			}

			deviceID, name := args[0], args[1]
			if !modbus.KnownCommand(name) {
				return fmt.Errorf("unknown command %q, see 'fossibot command list'", name)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			conn := newConnector(cfg, nil)
			defer conn.Disconnect()

			if err := conn.Connect(cmd.Context()); err != nil {
				return err
			}
			if err := conn.RunCommand(cmd.Context(), deviceID, name); err != nil {
				return err
			}
			fmt.Printf("%s sent to %s\n", name, deviceID)
			return nil
		},
	}
	return cmd
}

func newWriteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write <device> <register> <value>",
		Short: "Write a raw register",
		Long: `Write a value to one of the writable holding registers. Registers
outside the known-safe set are rejected before anything reaches the
device.

  fossibot write 7C2C67AABBCC 20 15`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID := args[0]
			register, err := parseUint16(args[1], "register")
			if err != nil {
				return err
			}
			value, err := parseUint16(args[2], "value")
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			conn := newConnector(cfg, nil)
			defer conn.Disconnect()

			if err := conn.Connect(cmd.Context()); err != nil {
				return err
			}
			if err := conn.WriteRegister(cmd.Context(), deviceID, register, value); err != nil {
				return err
			}
			fmt.Printf("register %d set to %d on %s\n", register, value, deviceID)
			return nil
		},
	}
	return cmd
}

func parseUint16(s, what string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return uint16(n), nil
}
