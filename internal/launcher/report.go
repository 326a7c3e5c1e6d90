package launcher

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/collective/backends"
	"github.com/gomlx/collective/pkg/distributed/processgroup"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

// newTable creates a table with the style used by all reports. The alignment of the last column given
// is used for the remaining ones.
func newTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
}

// opTitle describes the op, e.g.: "allreduce(Sum)" or "broadcast(root=1/0)".
func opTitle(op OpConfig) string {
	switch op.Op {
	case OpAllReduce:
		reduceOp, err := backends.ParseReduceOp(op.Reduce)
		if err != nil {
			return op.Op + "(" + op.Reduce + ")"
		}
		return fmt.Sprintf("%s(%s)", op.Op, reduceOp)
	case OpBroadcast:
		return fmt.Sprintf("%s(root=%d/%d)", op.Op, op.RootRank, op.RootBuffer)
	}
	return op.Op
}

func formatValues(values []float64) string {
	parts := make([]string, len(values))
	for ii, v := range values {
		parts[ii] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// summary is the one-line description of the run configuration.
func summary(cfg *Config) string {
	bytesPerRank := uint64(cfg.DevicesPerRank * cfg.Elements * cfg.BufferDType().Size())
	return fmt.Sprintf("ranks=%d devices_per_rank=%d dtype=%s elements=%d (%s per rank)",
		cfg.Ranks, cfg.DevicesPerRank, cfg.BufferDType(), cfg.Elements, humanize.Bytes(bytesPerRank))
}

// FormatText returns a plain text report of the result, stable across runs (timings are not included).
func FormatText(result *Result) string {
	var sb strings.Builder
	sb.WriteString(summary(result.Config))
	sb.WriteString("\n")
	for opIdx, op := range result.Ops {
		fmt.Fprintf(&sb, "op #%d: %s\n", opIdx, opTitle(op.Op))
		for rank, rankValues := range op.Values {
			parts := make([]string, len(rankValues))
			for ii, values := range rankValues {
				parts[ii] = formatValues(values)
			}
			fmt.Fprintf(&sb, "  rank %d: %s\n", rank, strings.Join(parts, " "))
		}
	}
	return sb.String()
}

// FormatTable returns the result as a table, one row per op and rank, one column per device.
func FormatTable(result *Result) string {
	cfg := result.Config
	table := newTable(lipgloss.Right, lipgloss.Left, lipgloss.Right, lipgloss.Left)
	headers := []string{"#", "Op", "Rank"}
	for ii := range cfg.DevicesPerRank {
		headers = append(headers, fmt.Sprintf("Device #%d", ii))
	}
	table.Headers(headers...)
	for opIdx, op := range result.Ops {
		for rank, rankValues := range op.Values {
			row := []string{strconv.Itoa(opIdx), opTitle(op.Op), strconv.Itoa(rank)}
			if rank > 0 {
				row[0], row[1] = "", ""
			}
			for _, values := range rankValues {
				row = append(row, formatValues(values))
			}
			table.Row(row...)
		}
	}
	return fmt.Sprintf("%s\ndevice key %q, elapsed %s\n%s\n", summary(cfg),
		processgroup.DeviceKey(devicesOf(cfg.DevicesPerRank)), result.Elapsed, table.Render())
}

// FormatBench returns a table with the benchmark results.
func FormatBench(result *BenchResult) string {
	cfg := result.Config
	table := newTable(lipgloss.Left, lipgloss.Right)
	table.Headers("Metric", "Value")
	table.Row("Ranks x devices", fmt.Sprintf("%d x %d", cfg.Ranks, cfg.DevicesPerRank))
	table.Row("Buffer", fmt.Sprintf("%s[%s]", cfg.DType, humanize.Comma(int64(cfg.Elements))))
	table.Row("Reduce", cfg.ReduceOp.String())
	table.Row("Iterations", humanize.Comma(int64(cfg.Iters)))
	table.Row("Setup", result.Setup.String())
	table.Row("Per iteration", result.PerIter().String())
	table.Row("Bytes per call (per rank)", humanize.Bytes(result.BytesPerCall()))
	table.Row("Throughput (per rank)", humanize.Bytes(uint64(result.Throughput()))+"/s")
	return table.Render() + "\n"
}
