// Package inspector prints human-readable summaries of ONNX graphs.
package inspector

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/zerfoo/yolonnx/pkg/graph"
)

// Report is the information printed for one graph.
type Report struct {
	Name         string
	IRVersion    int64
	Opset        int64
	Producer     string
	Nodes        int
	Initializers int
	FloatBytes   int
	Inputs       []graph.ValueInfo
	Outputs      []graph.ValueInfo
	OpCounts     map[string]int
	Metadata     map[string]string
}

// NewReport collects the report for g.
func NewReport(g *graph.Graph) *Report {
	st := g.Stats()
	return &Report{
		Name:         g.Name,
		IRVersion:    graph.IRVersion(g.Opset),
		Opset:        g.Opset,
		Producer:     g.Producer,
		Nodes:        st.Nodes,
		Initializers: st.Initializers,
		FloatBytes:   st.FloatBytes,
		Inputs:       g.Inputs,
		Outputs:      g.Outputs,
		OpCounts:     st.OpCounts,
		Metadata:     g.Metadata,
	}
}

// InspectFile loads the ONNX model at path and writes its report to w.
func InspectFile(w io.Writer, path string) (*Report, error) {
	g, err := graph.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load ONNX model: %w", err)
	}
	r := NewReport(g)
	fmt.Fprintf(w, "Inspecting ONNX model from: %s\n\n", path)
	r.Render(w)
	return r, nil
}

// Render writes the report as a sequence of tables.
func (r *Report) Render(w io.Writer) {
	table(w, nil, [][]string{
		{"Graph", r.Name},
		{"IR version", strconv.FormatInt(r.IRVersion, 10)},
		{"Opset", strconv.FormatInt(r.Opset, 10)},
		{"Producer", r.Producer},
		{"Nodes", strconv.Itoa(r.Nodes)},
		{"Initializers", strconv.Itoa(r.Initializers)},
		{"Float bytes", strconv.Itoa(r.FloatBytes)},
	})
	fmt.Fprintln(w)

	var vals [][]string
	for _, v := range r.Inputs {
		vals = append(vals, []string{"input", v.Name, v.DType.String(), v.Shape.String()})
	}
	for _, v := range r.Outputs {
		vals = append(vals, []string{"output", v.Name, v.DType.String(), v.Shape.String()})
	}
	table(w, []string{"Kind", "Name", "Type", "Shape"}, vals)
	fmt.Fprintln(w)

	ops := slices.Sorted(maps.Keys(r.OpCounts))
	// most frequent first
	slices.SortStableFunc(ops, func(a, b string) int { return r.OpCounts[b] - r.OpCounts[a] })
	var rows [][]string
	for _, op := range ops {
		rows = append(rows, []string{op, strconv.Itoa(r.OpCounts[op])})
	}
	table(w, []string{"Op", "Count"}, rows)

	if len(r.Metadata) == 0 {
		return
	}
	fmt.Fprintln(w)
	rows = rows[:0]
	for _, k := range slices.Sorted(maps.Keys(r.Metadata)) {
		rows = append(rows, []string{k, r.Metadata[k]})
	}
	table(w, []string{"Metadata", "Value"}, rows)
}

func table(w io.Writer, header []string, rows [][]string) {
	t := tablewriter.NewWriter(w)
	if header != nil {
		t.SetHeader(header)
		t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		t.SetAutoFormatHeaders(false)
	}
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetBorder(false)
	t.SetNoWhiteSpace(true)
	t.SetTablePadding("    ")
	t.SetHeaderLine(false)
	t.AppendBulk(rows)
	t.Render()
}
