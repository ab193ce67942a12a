// Package quantize rewrites the convolutions of a float graph to 8-bit
// integer arithmetic.
//
// Three modes are produced depending on opset and calibration data:
//
//   - dynamic: activations are quantized at run time with
//     DynamicQuantizeLinear and fed to ConvInteger (opset 11 and later)
//   - weight-only: weights are stored as int8 and dequantized in the graph
//     (opset 10)
//   - static: activation ranges are calibrated on sample inputs and every
//     quantized activation gets a QuantizeLinear/DequantizeLinear pair
//
// Weights always use a per-tensor symmetric int8 scale.
package quantize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/zerfoo/yolonnx/internal/rewrite"
	"github.com/zerfoo/yolonnx/pkg/graph"
)

// Mode names the quantization scheme that was applied.
type Mode string

const (
	ModeNone       Mode = "none"
	ModeDynamic    Mode = "dynamic"
	ModeWeightOnly Mode = "weight-only"
	ModeStatic     Mode = "static"
)

// ErrUnsupportedOpset is wrapped by Result.Fallback when the graph opset has
// no quantization operators.
var ErrUnsupportedOpset = errors.New("opset has no quantization operators")

// Options configure Quantize.
type Options struct {
	// CalibrationDir holds sample images or raw float32 tensors. Empty
	// selects dynamic quantization.
	CalibrationDir string
	// MaxSamples caps the number of calibration samples read.
	MaxSamples int
}

// Result is the outcome of Quantize. When Fallback is set Graph is the
// unmodified input.
type Result struct {
	Graph     *graph.Graph
	Mode      Mode
	Quantized int
	Fallback  error
}

// Quantize returns a quantized copy of g. g itself is never modified.
func Quantize(ctx context.Context, g *graph.Graph, opts Options) Result {
	if opts.MaxSamples == 0 {
		opts.MaxSamples = 32
	}
	if g.Opset < 10 {
		err := fmt.Errorf("%w: %d (need 10 or later)", ErrUnsupportedOpset, g.Opset)
		return Result{Graph: g, Mode: ModeNone, Fallback: err}
	}

	out := g.Clone()
	if _, err := rewrite.Run(ctx, out, []rewrite.Pass{rewrite.LiftConstants}); err != nil {
		return Result{Graph: g, Mode: ModeNone, Fallback: err}
	}

	mode := ModeDynamic
	if g.Opset < 11 {
		mode = ModeWeightOnly
	}
	var ranges map[string]Range
	if opts.CalibrationDir != "" {
		samples, err := LoadSamples(opts.CalibrationDir, out, opts.MaxSamples)
		switch {
		case err != nil:
			return Result{Graph: g, Mode: ModeNone, Fallback: fmt.Errorf("failed to read calibration data: %w", err)}
		case len(samples) == 0:
			slog.Info("no calibration samples found, using dynamic quantization", "dir", opts.CalibrationDir)
		default:
			ranges, err = Calibrate(ctx, out, convInputs(out), samples)
			if err != nil {
				return Result{Graph: g, Mode: ModeNone, Fallback: fmt.Errorf("failed to calibrate: %w", err)}
			}
			mode = ModeStatic
		}
	}

	q := newQuantizer(out, mode, ranges)
	n, err := q.run()
	if err != nil {
		return Result{Graph: g, Mode: ModeNone, Fallback: err}
	}
	out.RemoveUnusedInitializers()
	slog.Info("graph quantized", "graph", g.Name, "mode", mode, "convs", n,
		"float_bytes_before", g.Stats().FloatBytes, "float_bytes_after", out.Stats().FloatBytes)
	return Result{Graph: out, Mode: mode, Quantized: n}
}

// convInputs lists the activation tensors read by quantizable convolutions.
func convInputs(g *graph.Graph) []string {
	inits := g.InitializerMap()
	seen := make(map[string]bool)
	var names []string
	for _, n := range g.Nodes {
		if !quantizable(n, inits) || seen[n.Inputs[0]] {
			continue
		}
		seen[n.Inputs[0]] = true
		names = append(names, n.Inputs[0])
	}
	return names
}

func quantizable(n *graph.Node, inits map[string]*graph.Tensor) bool {
	if n.OpType != "Conv" || len(n.Inputs) < 2 {
		return false
	}
	w, ok := inits[n.Inputs[1]]
	if !ok || w.DType != graph.Float {
		return false
	}
	if _, isInit := inits[n.Inputs[0]]; isInit {
		return false
	}
	if len(n.Inputs) > 2 && n.Inputs[2] != "" {
		b, ok := inits[n.Inputs[2]]
		if !ok || b.DType != graph.Float {
			return false
		}
	}
	return true
}

// SymmetricInt8 quantizes w with one scale so that max |w| maps to 127.
func SymmetricInt8(w []float32) ([]int8, float32) {
	var m float64
	for _, v := range w {
		m = max(m, math.Abs(float64(v)))
	}
	scale := float32(1)
	if m > 0 {
		scale = float32(m / 127)
	}
	q := make([]int8, len(w))
	for i, v := range w {
		q[i] = int8(min(max(math.RoundToEven(float64(v)/float64(scale)), -127), 127))
	}
	return q, scale
}

type quantizer struct {
	g      *graph.Graph
	mode   Mode
	ranges map[string]Range
	inits  map[string]*graph.Tensor
	taken  map[string]bool

	// per source tensor, the names produced for it
	weights map[string]weightNames
	acts    map[string][]string

	pending []*graph.Node
	added   []*graph.Tensor
}

type weightNames struct {
	q, scale, deq string
}

func newQuantizer(g *graph.Graph, mode Mode, ranges map[string]Range) *quantizer {
	q := &quantizer{
		g:       g,
		mode:    mode,
		ranges:  ranges,
		inits:   g.InitializerMap(),
		taken:   make(map[string]bool),
		weights: make(map[string]weightNames),
		acts:    make(map[string][]string),
	}
	for _, v := range g.Inputs {
		q.taken[v.Name] = true
	}
	for _, t := range g.Initializers {
		q.taken[t.Name] = true
	}
	for _, n := range g.Nodes {
		q.taken[n.Name] = true
		for _, o := range n.Outputs {
			q.taken[o] = true
		}
	}
	return q
}

func (q *quantizer) fresh(prefix string) string {
	name := prefix
	for i := 1; q.taken[name]; i++ {
		name = fmt.Sprintf("%s_%d", prefix, i)
	}
	q.taken[name] = true
	return name
}

func (q *quantizer) init(t *graph.Tensor) string {
	q.added = append(q.added, t)
	q.inits[t.Name] = t
	return t.Name
}

func (q *quantizer) emit(op string, inputs, outputs []string, attrs ...graph.Attribute) {
	q.pending = append(q.pending, &graph.Node{
		Name:    q.fresh("/quant/" + op),
		OpType:  op,
		Inputs:  inputs,
		Outputs: outputs,
		Attrs:   attrs,
	})
}

func (q *quantizer) run() (int, error) {
	var nodes []*graph.Node
	count := 0
	for _, n := range q.g.Nodes {
		if !quantizable(n, q.inits) {
			nodes = append(nodes, n)
			continue
		}
		var err error
		switch q.mode {
		case ModeDynamic:
			err = q.dynamic(n)
		case ModeWeightOnly:
			q.weightOnly(n)
		case ModeStatic:
			err = q.static(n)
		}
		if err != nil {
			return 0, fmt.Errorf("node %q: %w", n.Name, err)
		}
		nodes = append(nodes, q.pending...)
		q.pending = q.pending[:0]
		count++
	}
	q.g.Nodes = nodes
	q.g.Initializers = append(q.g.Initializers, q.added...)
	return count, nil
}

// weight stores the int8 version of a float weight and its scale.
func (q *quantizer) weight(name string) weightNames {
	if w, ok := q.weights[name]; ok {
		return w
	}
	data, scale := SymmetricInt8(q.inits[name].Float)
	w := weightNames{
		q:     q.init(graph.NewInt8(q.fresh(name+"_quantized"), q.inits[name].Dims, data)),
		scale: q.init(graph.NewFloat(q.fresh(name+"_scale"), nil, []float32{scale})),
	}
	q.weights[name] = w
	return w
}

// dequantizedWeight returns a float tensor rebuilt from the int8 weight.
func (q *quantizer) dequantizedWeight(name string) string {
	w := q.weight(name)
	if w.deq != "" {
		return w.deq
	}
	zp := q.init(graph.NewInt8(q.fresh(name+"_zero_point"), nil, []int8{0}))
	w.deq = q.fresh(name + "_dequantized")
	q.emit("DequantizeLinear", []string{w.q, w.scale, zp}, []string{w.deq})
	q.weights[name] = w
	return w.deq
}

func (q *quantizer) weightOnly(n *graph.Node) {
	n.Inputs[1] = q.dequantizedWeight(n.Inputs[1])
	q.pending = append(q.pending, n)
}

func (q *quantizer) static(n *graph.Node) error {
	x := n.Inputs[0]
	r, ok := q.ranges[x]
	if !ok {
		return fmt.Errorf("no calibrated range for %q", x)
	}
	deq, ok := q.acts[x]
	if !ok {
		scale, zp := r.Params()
		s := q.init(graph.NewFloat(q.fresh(x+"_scale"), nil, []float32{scale}))
		z := q.init(graph.NewUint8(q.fresh(x+"_zero_point"), nil, []uint8{zp}))
		qx, dx := q.fresh(x+"_quantized"), q.fresh(x+"_dequantized")
		q.emit("QuantizeLinear", []string{x, s, z}, []string{qx})
		q.emit("DequantizeLinear", []string{qx, s, z}, []string{dx})
		deq = []string{dx}
		q.acts[x] = deq
	}
	n.Inputs[0] = deq[0]
	n.Inputs[1] = q.dequantizedWeight(n.Inputs[1])
	q.pending = append(q.pending, n)
	return nil
}

func (q *quantizer) dynamic(n *graph.Node) error {
	x, y := n.Inputs[0], n.Outputs[0]
	act, ok := q.acts[x]
	if !ok {
		act = []string{q.fresh(x + "_quantized"), q.fresh(x + "_scale"), q.fresh(x + "_zero_point")}
		q.emit("DynamicQuantizeLinear", []string{x}, act)
		q.acts[x] = act
	}
	w := q.weight(n.Inputs[1])

	var attrs []graph.Attribute
	for _, a := range n.Attrs {
		switch a.Name {
		case "kernel_shape", "pads", "strides", "dilations", "group", "auto_pad":
			attrs = append(attrs, a)
		}
	}
	acc := q.fresh(y + "_int32")
	q.emit("ConvInteger", []string{act[0], w.q, act[2]}, []string{acc}, attrs...)
	cast := q.fresh(y + "_cast")
	q.emit("Cast", []string{acc}, []string{cast}, graph.IntAttr("to", int64(graph.Float)))
	scale := q.fresh(y + "_scale")
	q.emit("Mul", []string{act[1], w.scale}, []string{scale})

	if len(n.Inputs) < 3 || n.Inputs[2] == "" {
		q.emit("Mul", []string{cast, scale}, []string{y})
		return nil
	}
	scaled := q.fresh(y + "_scaled")
	q.emit("Mul", []string{cast, scale}, []string{scaled})
	b := q.inits[n.Inputs[2]]
	bias := q.init(graph.NewFloat(q.fresh(b.Name+"_broadcast"), []int64{1, int64(len(b.Float)), 1, 1}, append([]float32(nil), b.Float...)))
	q.emit("Add", []string{scaled, bias}, []string{y})
	return nil
}
