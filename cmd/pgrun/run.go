package main

import (
	"fmt"

	"github.com/gomlx/collective/internal/launcher"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	var configPath, format string
	cmd := &cobra.Command{
		Use:   "run --config <ops.yaml>",
		Short: "Run the collectives described in a YAML config",
		Long: `Run the collectives described in a YAML config, and print the contents of all buffers after each op.

Example config:

  ranks: 2
  devices_per_rank: 2
  store: {kind: sqlite, path: /tmp/pgrun.db}
  ops:
    - op: allreduce
      reduce: max
      values: [1, 2, 3, 4]
    - op: broadcast
      root_rank: 1
      root_buffer: 0
      values: [1, 2, 3, 4]`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != FormatTable && format != FormatText {
				return errors.Errorf("invalid format %q: must be %q or %q", format, FormatTable, FormatText)
			}
			cfg, err := launcher.LoadConfig(configPath)
			if err != nil {
				return err
			}
			result, err := launcher.Run(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if format == FormatText {
				_, err = fmt.Fprint(cmd.OutOrStdout(), launcher.FormatText(result))
			} else {
				_, err = fmt.Fprint(cmd.OutOrStdout(), launcher.FormatTable(result))
			}
			return err
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the YAML config (required)")
	cmd.Flags().StringVar(&format, "format", FormatTable, "output format (table|text)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}
