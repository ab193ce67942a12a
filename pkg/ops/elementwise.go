package ops

import (
	"context"
	"fmt"
	"math"

	"github.com/zerfoo/yolonnx/pkg/graph"
)

func init() {
	unary := map[string]func(n *graph.Node) func(float32) float32{
		"Relu": func(*graph.Node) func(float32) float32 {
			return func(x float32) float32 { return max(x, 0) }
		},
		"LeakyRelu": func(n *graph.Node) func(float32) float32 {
			alpha := n.AttrFloat("alpha", 0.01)
			return func(x float32) float32 {
				if x < 0 {
					return alpha * x
				}
				return x
			}
		},
		"Sigmoid": func(*graph.Node) func(float32) float32 { return sigmoid },
		"Tanh": func(*graph.Node) func(float32) float32 {
			return func(x float32) float32 { return float32(math.Tanh(float64(x))) }
		},
		"Softplus": func(*graph.Node) func(float32) float32 { return softplus },
	}
	for op, fn := range unary {
		Register(&Schema{
			OpType: op, Since: 6, MinInputs: 1, MaxInputs: 1,
			Infer:  inferSame,
			Kernel: unaryKernel(fn),
		})
	}

	binary := map[string]func(a, b float64) float64{
		"Add": func(a, b float64) float64 { return a + b },
		"Sub": func(a, b float64) float64 { return a - b },
		"Mul": func(a, b float64) float64 { return a * b },
		"Div": func(a, b float64) float64 { return a / b },
	}
	for op, fn := range binary {
		Register(&Schema{
			OpType: op, Since: 7, MinInputs: 2, MaxInputs: 2,
			Infer:  inferBroadcast,
			Kernel: binaryKernel(op, fn),
		})
	}

	Register(&Schema{OpType: "Identity", Since: 1, MinInputs: 1, MaxInputs: 1, Infer: inferSame, Kernel: identityKernel})
	Register(&Schema{OpType: "Dropout", Since: 7, MinInputs: 1, MaxInputs: 3, Infer: inferSame, Kernel: dropoutKernel})
	Register(&Schema{OpType: "Cast", Since: 6, MinInputs: 1, MaxInputs: 1, Required: []string{"to"}, Infer: inferCast, Kernel: castKernel})
}

func sigmoid(x float32) float32 { return float32(1 / (1 + math.Exp(-float64(x)))) }

func softplus(x float32) float32 {
	// log1p(exp(x)) overflows for large x; the function is ~x there.
	if x > 20 {
		return x
	}
	return float32(math.Log1p(math.Exp(float64(x))))
}

// SiLU is x*sigmoid(x).
func SiLU(x float32) float32 { return x * sigmoid(x) }

// Mish is x*tanh(softplus(x)).
func Mish(x float32) float32 { return x * float32(math.Tanh(float64(softplus(x)))) }

func inferSame(_ *graph.Node, in []Value, _ int64) ([]Value, error) {
	return []Value{{DType: in[0].DType, Shape: in[0].Shape.Clone()}}, nil
}

func unaryKernel(build func(*graph.Node) func(float32) float32) KernelFunc {
	return func(_ context.Context, n *graph.Node, in []*graph.Tensor, _ int64) ([]*graph.Tensor, error) {
		if err := requireFloat("X", in[0]); err != nil {
			return nil, err
		}
		f := build(n)
		out := make([]float32, len(in[0].Float))
		for i, v := range in[0].Float {
			out[i] = f(v)
		}
		return []*graph.Tensor{graph.NewFloat("", in[0].Dims, out)}, nil
	}
}

// BroadcastShape applies multidirectional broadcasting to two shapes.
func BroadcastShape(a, b graph.Shape) (graph.Shape, error) {
	rank := max(len(a), len(b))
	out := make(graph.Shape, rank)
	for i := 0; i < rank; i++ {
		da, db := graph.Static(1), graph.Static(1)
		if j := i - (rank - len(a)); j >= 0 {
			da = a[j]
		}
		if j := i - (rank - len(b)); j >= 0 {
			db = b[j]
		}
		switch {
		case da.IsStatic() && da.Value == 1:
			out[i] = db
		case db.IsStatic() && db.Value == 1:
			out[i] = da
		case da.IsStatic() && db.IsStatic():
			if da.Value != db.Value {
				return nil, fmt.Errorf("shapes %s and %s are not broadcastable", a, b)
			}
			out[i] = da
		case da.IsStatic():
			out[i] = da
		case db.IsStatic():
			out[i] = db
		case da == db:
			out[i] = da
		default:
			out[i] = graph.Unknown()
		}
	}
	return out, nil
}

func inferBroadcast(_ *graph.Node, in []Value, _ int64) ([]Value, error) {
	if in[0].DType != in[1].DType {
		return nil, fmt.Errorf("input types differ: %s and %s", in[0].DType, in[1].DType)
	}
	shape, err := BroadcastShape(in[0].Shape, in[1].Shape)
	if err != nil {
		return nil, err
	}
	return []Value{{DType: in[0].DType, Shape: shape}}, nil
}

// broadcastIndex maps each flat output index to a flat index of an input
// with dims broadcast to outDims.
func broadcastIndex(outDims, inDims []int64) []int {
	n := graph.NumElements(outDims)
	idx := make([]int, n)
	rank := len(outDims)
	inStrides := make([]int, rank)
	src := strides(inDims)
	for i := range inDims {
		j := i + rank - len(inDims)
		if inDims[i] != 1 {
			inStrides[j] = src[i]
		}
	}
	coord := make([]int64, rank)
	off := 0
	for k := 0; k < n; k++ {
		idx[k] = off
		for d := rank - 1; d >= 0; d-- {
			coord[d]++
			off += inStrides[d]
			if coord[d] < outDims[d] {
				break
			}
			off -= inStrides[d] * int(coord[d])
			coord[d] = 0
		}
	}
	return idx
}

func broadcastDims(a, b []int64) ([]int64, error) {
	s, err := BroadcastShape(graph.ShapeOf(a...), graph.ShapeOf(b...))
	if err != nil {
		return nil, err
	}
	dims, _ := s.Static()
	return dims, nil
}

func sameDims(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func binaryKernel(op string, f func(a, b float64) float64) KernelFunc {
	return func(_ context.Context, _ *graph.Node, in []*graph.Tensor, _ int64) ([]*graph.Tensor, error) {
		a, b := in[0], in[1]
		if a.DType != b.DType {
			return nil, fmt.Errorf("input types differ: %s and %s", a.DType, b.DType)
		}
		dims, err := broadcastDims(a.Dims, b.Dims)
		if err != nil {
			return nil, err
		}
		var ai, bi []int
		if !sameDims(a.Dims, dims) {
			ai = broadcastIndex(dims, a.Dims)
		}
		if !sameDims(b.Dims, dims) {
			bi = broadcastIndex(dims, b.Dims)
		}
		switch a.DType {
		case graph.Float:
			out := applyBinary(a.Float, b.Float, ai, bi, graph.NumElements(dims), func(x, y float32) float32 {
				return float32(f(float64(x), float64(y)))
			})
			return []*graph.Tensor{graph.NewFloat("", dims, out)}, nil
		case graph.Int64:
			if op == "Div" {
				for _, v := range b.Int64 {
					if v == 0 {
						return nil, fmt.Errorf("integer division by zero")
					}
				}
			}
			out := applyBinary(a.Int64, b.Int64, ai, bi, graph.NumElements(dims), func(x, y int64) int64 {
				switch op {
				case "Add":
					return x + y
				case "Sub":
					return x - y
				case "Mul":
					return x * y
				}
				return x / y
			})
			return []*graph.Tensor{graph.NewInt64("", dims, out)}, nil
		case graph.Int32:
			out := applyBinary(a.Int32, b.Int32, ai, bi, graph.NumElements(dims), func(x, y int32) int32 {
				return int32(f(float64(x), float64(y)))
			})
			return []*graph.Tensor{graph.NewInt32("", dims, out)}, nil
		}
		return nil, fmt.Errorf("%s does not support %s", op, a.DType)
	}
}

func applyBinary[T any](a, b []T, ai, bi []int, n int, f func(x, y T) T) []T {
	out := make([]T, n)
	for k := range out {
		i, j := k, k
		if ai != nil {
			i = ai[k]
		}
		if bi != nil {
			j = bi[k]
		}
		out[k] = f(a[i], b[j])
	}
	return out
}

func identityKernel(_ context.Context, _ *graph.Node, in []*graph.Tensor, _ int64) ([]*graph.Tensor, error) {
	return []*graph.Tensor{in[0].Renamed("")}, nil
}

func dropoutKernel(_ context.Context, n *graph.Node, in []*graph.Tensor, _ int64) ([]*graph.Tensor, error) {
	if len(n.Outputs) > 1 && n.Outputs[1] != "" {
		return nil, fmt.Errorf("dropout mask output is not supported")
	}
	if len(in) > 2 && in[2] != nil {
		if training, err := in[2].Ints(); err == nil && len(training) == 1 && training[0] != 0 {
			return nil, fmt.Errorf("dropout in training mode is not supported")
		}
	}
	return []*graph.Tensor{in[0].Renamed("")}, nil
}

func inferCast(n *graph.Node, in []Value, _ int64) ([]Value, error) {
	to := graph.DataType(n.AttrInt("to", 0))
	if to.Size() == 0 {
		return nil, fmt.Errorf("unsupported cast target %s", to)
	}
	out := Value{DType: to, Shape: in[0].Shape.Clone()}
	if in[0].Const != nil {
		t, err := convert(in[0].Const, to)
		if err == nil {
			out.Const = t
		}
	}
	return []Value{out}, nil
}

func castKernel(_ context.Context, n *graph.Node, in []*graph.Tensor, _ int64) ([]*graph.Tensor, error) {
	t, err := convert(in[0], graph.DataType(n.AttrInt("to", 0)))
	if err != nil {
		return nil, err
	}
	return []*graph.Tensor{t}, nil
}

// convert changes element type. Floats are truncated toward zero when
// converted to integers.
func convert(t *graph.Tensor, to graph.DataType) (*graph.Tensor, error) {
	if t.DType == to {
		return t.Renamed(""), nil
	}
	vals, err := asFloat64s(t)
	if err != nil {
		return nil, err
	}
	out, err := graph.Zeros("", to, t.Dims)
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		switch to {
		case graph.Float:
			out.Float[i] = float32(v)
		case graph.Int64:
			out.Int64[i] = int64(v)
		case graph.Int32:
			out.Int32[i] = int32(v)
		case graph.Int8:
			out.Int8[i] = int8(v)
		case graph.Uint8:
			out.Uint8[i] = uint8(v)
		}
	}
	return out, nil
}

func asFloat64s(t *graph.Tensor) ([]float64, error) {
	out := make([]float64, 0, t.Len())
	switch t.DType {
	case graph.Float:
		for _, v := range t.Float {
			out = append(out, float64(v))
		}
	case graph.Int64:
		for _, v := range t.Int64 {
			out = append(out, float64(v))
		}
	case graph.Int32:
		for _, v := range t.Int32 {
			out = append(out, float64(v))
		}
	case graph.Int8:
		for _, v := range t.Int8 {
			out = append(out, float64(v))
		}
	case graph.Uint8:
		for _, v := range t.Uint8 {
			out = append(out, float64(v))
		}
	default:
		return nil, fmt.Errorf("unsupported data type %s", t.DType)
	}
	return out, nil
}
