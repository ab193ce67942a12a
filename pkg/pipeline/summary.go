package pipeline

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
)

// Rows returns the summary as label/value pairs in display order.
func (s *Summary) Rows() [][]string {
	rows := [][]string{
		{"Output", s.Output},
		{"Family", s.Family},
		{"Input size", fmt.Sprintf("%dx%d", s.ImageSize, s.ImageSize)},
		{"Batch size", strconv.Itoa(s.BatchSize)},
		{"Quantization", s.Quantization},
		{"Opset", strconv.FormatInt(s.Opset, 10)},
		{"Nodes", strconv.Itoa(s.Nodes)},
		{"Initializers", strconv.Itoa(s.Initializers)},
		{"Float bytes", humanBytes(int64(s.FloatBytes))},
		{"File size", humanBytes(s.FileBytes)},
	}
	if s.Simplified {
		rows = append(rows, []string{"Simplified", "yes"})
	} else if s.SimplifyFallback != nil {
		rows = append(rows, []string{"Simplified", "no: " + s.SimplifyFallback.Error()})
	}
	if s.QuantizeFallback != nil {
		rows = append(rows, []string{"Quantization skipped", s.QuantizeFallback.Error()})
	}
	switch {
	case s.Benchmark != nil:
		rows = append(rows,
			[]string{"Latency", fmt.Sprintf("%.2f ms (p50 %.2f, p90 %.2f)", s.Benchmark.MeanMs, s.Benchmark.P50Ms, s.Benchmark.P90Ms)},
			[]string{"Throughput", fmt.Sprintf("%.2f FPS", s.Benchmark.FPS)})
	case s.BenchmarkErr != nil:
		rows = append(rows, []string{"Latency", "n/a: " + s.BenchmarkErr.Error()})
	}
	rows = append(rows, []string{"Run ID", s.RunID})
	return rows
}

// Render writes the summary table to w.
func (s *Summary) Render(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetColWidth(80)
	table.AppendBulk(s.Rows())
	table.Render()
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
