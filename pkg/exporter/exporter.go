// Package exporter traces a loaded network into a computation graph with a
// symbolic batch dimension.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/zerfoo/yolonnx/pkg/graph"
	"github.com/zerfoo/yolonnx/pkg/nn"
)

// ErrTrainingMode is returned when a network in training mode is exported.
var ErrTrainingMode = errors.New("network is in training mode")

const (
	InputName  = "input"
	OutputName = "output"
)

// Options configure an export.
type Options struct {
	Opset     int64
	ImageSize int
	BatchSize int
	Seed      uint64
}

func (o *Options) setDefaults() {
	if o.Opset == 0 {
		o.Opset = graph.DefaultOpset
	}
	if o.ImageSize == 0 {
		o.ImageSize = 416
	}
	if o.BatchSize == 0 {
		o.BatchSize = 1
	}
}

// Export runs one forward pass of net on a random input and returns the
// recorded graph. Input and output carry batch_size as their first dim.
func Export(ctx context.Context, net *nn.Network, opts Options) (*graph.Graph, error) {
	if net.Training() {
		return nil, ErrTrainingMode
	}
	opts.setDefaults()
	if err := graph.CheckOpset(opts.Opset); err != nil {
		return nil, err
	}
	if opts.ImageSize <= 0 || opts.BatchSize <= 0 {
		return nil, fmt.Errorf("invalid export size %d, batch %d", opts.ImageSize, opts.BatchSize)
	}

	size := int64(opts.ImageSize)
	dims := []int64{int64(opts.BatchSize), int64(net.Channels), size, size}
	x := graph.NewFloat(InputName, dims, nil)
	rng := rand.New(rand.NewPCG(opts.Seed, 0x5eed))
	for i := range x.Float {
		x.Float[i] = rng.Float32()
	}

	b := graph.NewBuilder(net.Name, opts.Opset)
	shape := graph.Shape{graph.Symbolic(graph.BatchDim), graph.Static(dims[1]), graph.Static(size), graph.Static(size)}
	if _, err := b.Input(InputName, graph.Float, shape); err != nil {
		return nil, err
	}
	out, err := net.Run(nn.NewTracer(ctx, b), &nn.Value{Name: InputName, T: x})
	if err != nil {
		return nil, fmt.Errorf("failed to trace %s: %w", net.Name, err)
	}
	outShape := out.T.Shape()
	outShape[0] = graph.Symbolic(graph.BatchDim)
	if err := b.Output(out.Name, graph.Float, outShape); err != nil {
		return nil, fmt.Errorf("failed to trace %s: %w", net.Name, err)
	}
	b.SetMetadata("family", net.Family)
	b.SetMetadata("num_classes", strconv.Itoa(net.NumClasses))
	b.SetMetadata("img_size", strconv.Itoa(opts.ImageSize))
	g, err := b.Build()
	if err != nil {
		return nil, err
	}
	g.RenameTensor(out.Name, OutputName)
	return g, nil
}
