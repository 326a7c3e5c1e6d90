package main

import (
	"fmt"

	"github.com/gomlx/collective/backends"
	"github.com/gomlx/collective/internal/launcher"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func newBenchCommand() *cobra.Command {
	var (
		cfg           launcher.BenchConfig
		dtype, reduce string
		showProgress  bool
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark repeated all-reduce calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg.DType, err = backends.DTypeString(dtype); err != nil {
				return err
			}
			if cfg.ReduceOp, err = backends.ParseReduceOp(reduce); err != nil {
				return err
			}
			var onIter func(int)
			if showProgress && cfg.Iters > 0 {
				bar := progressbar.NewOptions(cfg.Iters,
					progressbar.OptionSetDescription("allreduce"),
					progressbar.OptionSetWriter(cmd.ErrOrStderr()),
					progressbar.OptionShowIts(),
					progressbar.OptionSetItsString("calls"),
					progressbar.OptionSetTheme(progressbar.ThemeASCII),
				)
				defer func() { _ = bar.Finish() }()
				onIter = func(int) { _ = bar.Add(1) }
			}
			result, err := launcher.Bench(cmd.Context(), cfg, onIter)
			if err != nil {
				return err
			}
			if onIter != nil {
				fmt.Fprintln(cmd.ErrOrStderr())
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), launcher.FormatBench(result))
			return err
		},
	}
	cmd.Flags().IntVar(&cfg.Ranks, "ranks", 2, "number of ranks (simulated processes)")
	cmd.Flags().IntVar(&cfg.DevicesPerRank, "devices", 2, "number of devices per rank")
	cmd.Flags().IntVar(&cfg.Iters, "iters", 100, "number of timed all-reduce calls")
	cmd.Flags().IntVar(&cfg.Elements, "elements", 1<<20, "number of elements per buffer")
	cmd.Flags().StringVar(&dtype, "dtype", "float32", "dtype of the buffers")
	cmd.Flags().StringVar(&reduce, "reduce", backends.ReduceOpSum.String(), "reduce operation (Sum|Product|Max|Min)")
	cmd.Flags().BoolVar(&showProgress, "progress", true, "display a progress bar")
	return cmd
}
