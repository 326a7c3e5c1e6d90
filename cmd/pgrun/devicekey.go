package main

import (
	"fmt"
	"strconv"

	"github.com/gomlx/collective/backends"
	"github.com/gomlx/collective/pkg/distributed/processgroup"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newDeviceKeyCommand() *cobra.Command {
	var parse bool
	cmd := &cobra.Command{
		Use:   "devicekey <device>...",
		Short: "Print the key under which the communicators of an ordered list of devices are cached",
		Long: `Print the key under which the communicators of an ordered list of devices are cached, and under
which rank 0 publishes their unique id in the store. With --parse, it does the reverse.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if parse {
				for _, key := range args {
					devices, err := processgroup.ParseDeviceKey(key)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), devices)
				}
				return nil
			}
			devices := make([]backends.DeviceNum, len(args))
			for ii, arg := range args {
				device, err := strconv.Atoi(arg)
				if err != nil || device < 0 {
					return errors.Errorf("invalid device %q, expected a non-negative integer", arg)
				}
				devices[ii] = backends.DeviceNum(device)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), processgroup.DeviceKey(devices))
			return err
		},
	}
	cmd.Flags().BoolVar(&parse, "parse", false, "parse device keys back to lists of devices")
	return cmd
}
