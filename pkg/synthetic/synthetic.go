// Package synthetic builds small detector-shaped graphs with random weights.
// They exercise validation, simplification, quantization and benchmarking
// without a trained model.
package synthetic

import (
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/zerfoo/yolonnx/pkg/graph"
)

// Stride is the accumulated downsampling of the synthetic backbone.
const Stride = 2

const hidden = 16

// Layout selects the output tensor layout.
type Layout string

const (
	// LayoutGrid emits the raw head map [batch, A*(5+NC), S/2, S/2].
	LayoutGrid Layout = "grid"
	// LayoutBoxes emits one row per anchor box [batch, A*(S/2)^2, 5+NC].
	LayoutBoxes Layout = "boxes"
)

// Options configure Build.
type Options struct {
	Name       string
	Size       int
	NumClasses int
	NumAnchors int
	Opset      int64
	Seed       uint64
	Layout     Layout
}

// DefaultOptions returns a 416x416, 80-class, 3-anchor grid detector.
func DefaultOptions() Options {
	return Options{
		Name:       "synthetic_yolo",
		Size:       416,
		NumClasses: 80,
		NumAnchors: 3,
		Opset:      graph.DefaultOpset,
		Layout:     LayoutGrid,
	}
}

// Channels is the head width: box offsets, objectness and class scores per
// anchor.
func (o Options) Channels() int { return (5 + o.NumClasses) * o.NumAnchors }

// Grid is the side of the output feature map.
func (o Options) Grid() int { return o.Size / Stride }

// Validate reports the first invalid option.
func (o Options) Validate() error {
	switch {
	case o.Size <= 0 || o.Size%Stride != 0:
		return fmt.Errorf("image size must be a positive multiple of %d, got %d", Stride, o.Size)
	case o.NumClasses <= 0:
		return fmt.Errorf("number of classes must be positive, got %d", o.NumClasses)
	case o.NumAnchors <= 0:
		return fmt.Errorf("number of anchors must be positive, got %d", o.NumAnchors)
	case o.Layout != LayoutGrid && o.Layout != LayoutBoxes:
		return fmt.Errorf("unknown layout %q", o.Layout)
	}
	return graph.CheckOpset(o.Opset)
}

// OutputShape is the declared shape of the graph output.
func (o Options) OutputShape() graph.Shape {
	batch := graph.Symbolic(graph.BatchDim)
	g := int64(o.Grid())
	if o.Layout == LayoutBoxes {
		return graph.Shape{batch, graph.Static(int64(o.NumAnchors) * g * g), graph.Static(int64(5 + o.NumClasses))}
	}
	return graph.Shape{batch, graph.Static(int64(o.Channels())), graph.Static(g), graph.Static(g)}
}

// Build assembles the graph: a stride-2 3x3 convolution with a Constant
// node weight, LeakyRelu(0.1), and a 1x1 projection to Channels() maps.
func Build(opts Options) (*graph.Graph, error) {
	if opts.Name == "" {
		opts.Name = "synthetic_yolo"
	}
	if opts.Layout == "" {
		opts.Layout = LayoutGrid
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(opts.Seed, uint64(opts.Size)))
	normal := func(name string, scale float64, dims ...int64) *graph.Tensor {
		t := graph.NewFloat(name, dims, nil)
		for i := range t.Float {
			t.Float[i] = float32(rng.NormFloat64() * scale)
		}
		return t
	}
	c := int64(opts.Channels())
	s := int64(opts.Size)

	b := graph.NewBuilder(opts.Name, opts.Opset)
	batch := graph.Symbolic(graph.BatchDim)
	if _, err := b.Input("input", graph.Float, graph.Shape{batch, graph.Static(3), graph.Static(s), graph.Static(s)}); err != nil {
		return nil, err
	}

	if _, err := b.Constant("conv1_weight", normal("", 0.1, hidden, 3, 3, 3)); err != nil {
		return nil, err
	}
	if _, err := b.Initializer(normal("conv1_bias", 0.01, hidden)); err != nil {
		return nil, err
	}
	if _, err := b.NamedNode("/backbone/conv1/Conv", "Conv", []string{"input", "conv1_weight", "conv1_bias"}, []string{"features"},
		graph.IntsAttr("kernel_shape", 3, 3),
		graph.IntsAttr("pads", 1, 1, 1, 1),
		graph.IntsAttr("strides", Stride, Stride)); err != nil {
		return nil, err
	}
	if _, err := b.NamedNode("/backbone/act1/LeakyRelu", "LeakyRelu", []string{"features"}, []string{"activated"}, graph.FloatAttr("alpha", 0.1)); err != nil {
		return nil, err
	}
	if _, err := b.Initializer(normal("head_weight", 0.1, c, hidden, 1, 1)); err != nil {
		return nil, err
	}
	if _, err := b.Initializer(normal("head_bias", 0.01, c)); err != nil {
		return nil, err
	}

	head := "output"
	if opts.Layout == LayoutBoxes {
		head = "head"
	}
	if _, err := b.NamedNode("/head/Conv", "Conv", []string{"activated", "head_weight", "head_bias"}, []string{head},
		graph.IntsAttr("kernel_shape", 1, 1)); err != nil {
		return nil, err
	}
	if opts.Layout == LayoutBoxes {
		if err := boxes(b, opts); err != nil {
			return nil, err
		}
	}
	if err := b.Output("output", graph.Float, opts.OutputShape()); err != nil {
		return nil, err
	}

	b.SetMetadata("family", "synthetic")
	b.SetMetadata("num_classes", strconv.Itoa(opts.NumClasses))
	b.SetMetadata("num_anchors", strconv.Itoa(opts.NumAnchors))
	b.SetMetadata("img_size", strconv.Itoa(opts.Size))
	b.SetMetadata("stride", strconv.Itoa(Stride))
	b.SetMetadata("layout", string(opts.Layout))
	return b.Build()
}

// boxes reshapes "head" [N, A*(5+NC), G, G] into "output" [N, A*G*G, 5+NC].
// The batch size is read from the input at run time.
func boxes(b *graph.Builder, opts Options) error {
	a, k := int64(opts.NumAnchors), int64(5+opts.NumClasses)
	g := int64(opts.Grid())
	type node struct {
		op      string
		inputs  []string
		outputs []string
		attrs   []graph.Attribute
	}
	if _, err := b.Constant("zero_index", graph.NewInt64("", []int64{1}, []int64{0})); err != nil {
		return err
	}
	if _, err := b.Constant("head_dims", graph.NewInt64("", []int64{3}, []int64{a, k, g * g})); err != nil {
		return err
	}
	if _, err := b.Constant("boxes_shape", graph.NewInt64("", []int64{3}, []int64{-1, a * g * g, k})); err != nil {
		return err
	}
	for _, n := range []node{
		{"Shape", []string{"input"}, []string{"input_shape"}, nil},
		{"Gather", []string{"input_shape", "zero_index"}, []string{"batch"}, []graph.Attribute{graph.IntAttr("axis", 0)}},
		{"Concat", []string{"batch", "head_dims"}, []string{"anchor_shape"}, []graph.Attribute{graph.IntAttr("axis", 0)}},
		{"Reshape", []string{"head", "anchor_shape"}, []string{"anchors"}, nil},
		{"Transpose", []string{"anchors"}, []string{"anchors_t"}, []graph.Attribute{graph.IntsAttr("perm", 0, 1, 3, 2)}},
		{"Reshape", []string{"anchors_t", "boxes_shape"}, []string{"output"}, nil},
	} {
		if _, err := b.Node(n.op, n.inputs, n.outputs, n.attrs...); err != nil {
			return err
		}
	}
	return nil
}
