package ops

import (
	"context"
	"fmt"
	"math"

	"github.com/zerfoo/yolonnx/pkg/graph"
)

func init() {
	Register(&Schema{
		OpType: "MaxPool", Since: 8, MinInputs: 1, MaxInputs: 1,
		Required: []string{"kernel_shape"},
		Infer:    inferMaxPool,
		Kernel:   maxPoolKernel,
	})
	Register(&Schema{OpType: "GlobalAveragePool", Since: 1, MinInputs: 1, MaxInputs: 1, Infer: inferGlobalPool, Kernel: globalAveragePoolKernel})
	Register(&Schema{OpType: "BatchNormalization", Since: 7, MinInputs: 5, MaxInputs: 5, Infer: inferBatchNorm, Kernel: batchNormKernel})
}

func inferMaxPool(n *graph.Node, in []Value, opset int64) ([]Value, error) {
	x := in[0].Shape
	if len(x) != 4 || !x[2].IsStatic() || !x[3].IsStatic() {
		return nil, fmt.Errorf("input must be 4D with static spatial dims, got %s", x)
	}
	if opset < 10 && (n.AttrInt("ceil_mode", 0) != 0 || n.AttrInts("dilations", nil) != nil) {
		return nil, fmt.Errorf("ceil_mode and dilations require opset 10")
	}
	if len(n.Outputs) > 1 && n.Outputs[1] != "" {
		return nil, fmt.Errorf("indices output is not supported")
	}
	g, err := poolWindow(n, n.AttrInts("kernel_shape", nil), x[2].Value, x[3].Value)
	if err != nil {
		return nil, err
	}
	return []Value{{
		DType: in[0].DType,
		Shape: graph.Shape{x[0], x[1], graph.Static(int64(g.outH)), graph.Static(int64(g.outW))},
	}}, nil
}

func maxPoolKernel(ctx context.Context, n *graph.Node, in []*graph.Tensor, _ int64) ([]*graph.Tensor, error) {
	x := in[0]
	if err := requireFloat("X", x); err != nil {
		return nil, err
	}
	if len(x.Dims) != 4 {
		return nil, fmt.Errorf("input must be 4D, got %v", x.Dims)
	}
	g, err := poolWindow(n, n.AttrInts("kernel_shape", nil), x.Dims[2], x.Dims[3])
	if err != nil {
		return nil, err
	}
	planes := int(x.Dims[0] * x.Dims[1])
	out := graph.NewFloat("", []int64{x.Dims[0], x.Dims[1], int64(g.outH), int64(g.outW)}, nil)
	for p := 0; p < planes; p++ {
		if p%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		src := x.Float[p*g.inH*g.inW : (p+1)*g.inH*g.inW]
		dst := out.Float[p*g.outH*g.outW : (p+1)*g.outH*g.outW]
		for oy := 0; oy < g.outH; oy++ {
			for ox := 0; ox < g.outW; ox++ {
				best := float32(math.Inf(-1))
				for ky := 0; ky < g.kh; ky++ {
					iy := oy*g.sh - g.padT + ky*g.dh
					if iy < 0 || iy >= g.inH {
						continue
					}
					for kx := 0; kx < g.kw; kx++ {
						ix := ox*g.sw - g.padL + kx*g.dw
						if ix < 0 || ix >= g.inW {
							continue
						}
						best = max(best, src[iy*g.inW+ix])
					}
				}
				dst[oy*g.outW+ox] = best
			}
		}
	}
	return []*graph.Tensor{out}, nil
}

func inferGlobalPool(_ *graph.Node, in []Value, _ int64) ([]Value, error) {
	x := in[0].Shape
	if len(x) < 3 {
		return nil, fmt.Errorf("input rank must be at least 3, got %s", x)
	}
	out := graph.Shape{x[0], x[1]}
	for range x[2:] {
		out = append(out, graph.Static(1))
	}
	return []Value{{DType: in[0].DType, Shape: out}}, nil
}

func globalAveragePoolKernel(_ context.Context, _ *graph.Node, in []*graph.Tensor, _ int64) ([]*graph.Tensor, error) {
	x := in[0]
	if err := requireFloat("X", x); err != nil {
		return nil, err
	}
	if len(x.Dims) < 3 {
		return nil, fmt.Errorf("input rank must be at least 3, got %v", x.Dims)
	}
	planes := int(x.Dims[0] * x.Dims[1])
	size := graph.NumElements(x.Dims[2:])
	dims := []int64{x.Dims[0], x.Dims[1]}
	for range x.Dims[2:] {
		dims = append(dims, 1)
	}
	out := graph.NewFloat("", dims, nil)
	for p := 0; p < planes; p++ {
		var sum float64
		for _, v := range x.Float[p*size : (p+1)*size] {
			sum += float64(v)
		}
		out.Float[p] = float32(sum / float64(size))
	}
	return []*graph.Tensor{out}, nil
}

func inferBatchNorm(n *graph.Node, in []Value, _ int64) ([]Value, error) {
	x := in[0].Shape
	if len(x) < 2 {
		return nil, fmt.Errorf("input rank must be at least 2, got %s", x)
	}
	if len(n.Outputs) > 1 {
		return nil, fmt.Errorf("training outputs are not supported")
	}
	for i, v := range in[1:] {
		if len(v.Shape) != 1 || (x[1].IsStatic() && v.Shape[0].IsStatic() && v.Shape[0].Value != x[1].Value) {
			return nil, fmt.Errorf("parameter %d has shape %s, want [%s]", i+1, v.Shape, x[1])
		}
	}
	return []Value{{DType: in[0].DType, Shape: x.Clone()}}, nil
}

// BatchNormAffine folds normalization parameters into a per-channel scale
// and shift: y = x*scale + shift.
func BatchNormAffine(gamma, beta, mean, variance []float32, eps float32) (scale, shift []float32) {
	scale = make([]float32, len(gamma))
	shift = make([]float32, len(gamma))
	for c := range gamma {
		s := gamma[c] / float32(math.Sqrt(float64(variance[c]+eps)))
		scale[c] = s
		shift[c] = beta[c] - mean[c]*s
	}
	return scale, shift
}

func batchNormKernel(_ context.Context, n *graph.Node, in []*graph.Tensor, _ int64) ([]*graph.Tensor, error) {
	for i, name := range []string{"X", "scale", "B", "mean", "var"} {
		if err := requireFloat(name, in[i]); err != nil {
			return nil, err
		}
	}
	x := in[0]
	channels := int(x.Dims[1])
	for i := 1; i < 5; i++ {
		if len(in[i].Float) != channels {
			return nil, fmt.Errorf("parameter %d has %d elements, want %d", i, len(in[i].Float), channels)
		}
	}
	scale, shift := BatchNormAffine(in[1].Float, in[2].Float, in[3].Float, in[4].Float, n.AttrFloat("epsilon", 1e-5))
	inner := graph.NumElements(x.Dims[2:])
	out := make([]float32, len(x.Float))
	for i, v := range x.Float {
		c := (i / inner) % channels
		out[i] = v*scale[c] + shift[c]
	}
	return []*graph.Tensor{graph.NewFloat("", x.Dims, out)}, nil
}
