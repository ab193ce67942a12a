package ops

import (
	"context"
	"fmt"
	"math"

	"github.com/zerfoo/yolonnx/pkg/graph"
)

func init() {
	Register(&Schema{OpType: "QuantizeLinear", Since: 10, MinInputs: 2, MaxInputs: 3, Infer: inferQuantize, Kernel: quantizeKernel})
	Register(&Schema{OpType: "DequantizeLinear", Since: 10, MinInputs: 2, MaxInputs: 3, Infer: inferDequantize, Kernel: dequantizeKernel})
	Register(&Schema{OpType: "DynamicQuantizeLinear", Since: 11, MinInputs: 1, MaxInputs: 1, Infer: inferDynamicQuantize, Kernel: dynamicQuantizeKernel})
}

func inferQuantize(_ *graph.Node, in []Value, _ int64) ([]Value, error) {
	if in[0].DType != graph.Float {
		return nil, fmt.Errorf("input must be float32, got %s", in[0].DType)
	}
	dtype := graph.Uint8
	if len(in) > 2 && !in[2].Absent() {
		dtype = in[2].DType
		if dtype != graph.Uint8 && dtype != graph.Int8 {
			return nil, fmt.Errorf("zero point must be uint8 or int8, got %s", dtype)
		}
	}
	return []Value{{DType: dtype, Shape: in[0].Shape.Clone()}}, nil
}

func inferDequantize(_ *graph.Node, in []Value, _ int64) ([]Value, error) {
	switch in[0].DType {
	case graph.Uint8, graph.Int8, graph.Int32:
	default:
		return nil, fmt.Errorf("input must be an integer tensor, got %s", in[0].DType)
	}
	return []Value{{DType: graph.Float, Shape: in[0].Shape.Clone()}}, nil
}

func inferDynamicQuantize(_ *graph.Node, in []Value, _ int64) ([]Value, error) {
	if in[0].DType != graph.Float {
		return nil, fmt.Errorf("input must be float32, got %s", in[0].DType)
	}
	return []Value{
		{DType: graph.Uint8, Shape: in[0].Shape.Clone()},
		{DType: graph.Float, Shape: graph.Shape{}},
		{DType: graph.Uint8, Shape: graph.Shape{}},
	}, nil
}

func scalarFloat(name string, t *graph.Tensor) (float32, error) {
	if err := requireFloat(name, t); err != nil {
		return 0, err
	}
	if len(t.Float) != 1 {
		return 0, fmt.Errorf("%s must be a scalar, got %d values", name, len(t.Float))
	}
	return t.Float[0], nil
}

func saturate(v, lo, hi float64) float64 { return min(max(v, lo), hi) }

func quantizeKernel(_ context.Context, _ *graph.Node, in []*graph.Tensor, _ int64) ([]*graph.Tensor, error) {
	if err := requireFloat("x", in[0]); err != nil {
		return nil, err
	}
	scale, err := scalarFloat("y_scale", in[1])
	if err != nil {
		return nil, err
	}
	if scale == 0 {
		return nil, fmt.Errorf("y_scale must be non-zero")
	}
	dtype := graph.Uint8
	var zp int32
	if len(in) > 2 && in[2] != nil {
		dtype = in[2].DType
		if zp, err = scalarInt32(in[2]); err != nil {
			return nil, fmt.Errorf("y_zero_point: %w", err)
		}
	}
	out, err := graph.Zeros("", dtype, in[0].Dims)
	if err != nil {
		return nil, err
	}
	for i, v := range in[0].Float {
		q := math.RoundToEven(float64(v)/float64(scale)) + float64(zp)
		if dtype == graph.Int8 {
			out.Int8[i] = int8(saturate(q, -128, 127))
		} else {
			out.Uint8[i] = uint8(saturate(q, 0, 255))
		}
	}
	return []*graph.Tensor{out}, nil
}

func dequantizeKernel(_ context.Context, _ *graph.Node, in []*graph.Tensor, _ int64) ([]*graph.Tensor, error) {
	scale, err := scalarFloat("x_scale", in[1])
	if err != nil {
		return nil, err
	}
	var zp int32
	if len(in) > 2 && in[2] != nil {
		if zp, err = scalarInt32(in[2]); err != nil {
			return nil, fmt.Errorf("x_zero_point: %w", err)
		}
	}
	var xs []int32
	if in[0].DType == graph.Int32 {
		xs = in[0].Int32
	} else if xs, err = asInt32s(in[0]); err != nil {
		return nil, err
	}
	out := make([]float32, len(xs))
	for i, v := range xs {
		out[i] = float32(v-zp) * scale
	}
	return []*graph.Tensor{graph.NewFloat("", in[0].Dims, out)}, nil
}

func dynamicQuantizeKernel(_ context.Context, _ *graph.Node, in []*graph.Tensor, _ int64) ([]*graph.Tensor, error) {
	x := in[0]
	if err := requireFloat("x", x); err != nil {
		return nil, err
	}
	lo, hi := float64(0), float64(0)
	for _, v := range x.Float {
		lo = min(lo, float64(v))
		hi = max(hi, float64(v))
	}
	scale := (hi - lo) / 255
	q := graph.NewUint8("", x.Dims, nil)
	var zp float64
	if scale > 0 {
		zp = saturate(math.RoundToEven(-lo/scale), 0, 255)
		for i, v := range x.Float {
			q.Uint8[i] = uint8(saturate(math.RoundToEven(float64(v)/scale)+zp, 0, 255))
		}
	}
	return []*graph.Tensor{
		q,
		graph.NewFloat("", nil, []float32{float32(scale)}),
		graph.NewUint8("", nil, []uint8{uint8(zp)}),
	}, nil
}
