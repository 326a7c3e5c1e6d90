// pgrun runs collective operations on simulated devices, using the nccl process group with one goroutine per rank.
//
// Usage:
//
//	pgrun run --config ops.yaml
//	pgrun bench --ranks 2 --devices 2 --iters 100 --elements 1048576
//	pgrun devicekey 0 4 5
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// Output formats of the run command.
const (
	FormatTable = "table"
	FormatText  = "text"
)

// NewRootCommand creates the pgrun command with all its subcommands.
// The klog flags (e.g.: --v=2) are accepted by all commands.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pgrun",
		Short: "Run collectives on simulated devices",
		Long: `pgrun runs broadcast and all-reduce collectives across several ranks, each with its own
simulated devices, all in the current process. Ranks exchange the communicator ids through a store,
the same way separate processes would.`,
		SilenceUsage: true,
	}
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	cmd.PersistentFlags().AddGoFlagSet(klogFlags)

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newBenchCommand())
	cmd.AddCommand(newDeviceKeyCommand())
	return cmd
}

func main() {
	defer klog.Flush()
	if err := NewRootCommand().Execute(); err != nil {
		klog.Flush()
		fmt.Fprintf(os.Stderr, "pgrun: %v\n", err)
		os.Exit(1)
	}
}
