package ops

import (
	"context"
	"fmt"
	"math"

	"github.com/zerfoo/yolonnx/pkg/graph"
)

func init() {
	Register(&Schema{OpType: "Upsample", Since: 7, Until: 10, MinInputs: 1, MaxInputs: 2, Infer: inferResize, Kernel: resizeKernel})
	// roi and scales stay mandatory inputs until opset 13 makes them optional.
	Register(&Schema{OpType: "Resize", Since: 10, Until: 11, MinInputs: 2, MaxInputs: 2, Infer: inferResize, Kernel: resizeKernel})
	Register(&Schema{OpType: "Resize", Since: 11, Until: 13, MinInputs: 3, MaxInputs: 4, Infer: inferResize, Kernel: resizeKernel})
	Register(&Schema{OpType: "Resize", Since: 13, MinInputs: 1, MaxInputs: 4, Infer: inferResize, Kernel: resizeKernel})
}

// resizeParams gathers the scale inputs of Upsample and Resize across their
// opset revisions.
type resizeParams struct {
	scales   []float32
	sizes    []int64
	coord    string
	rounding string
}

func resizeParamsFor(n *graph.Node, in []Value, opset int64) (resizeParams, error) {
	rp := resizeParams{coord: "asymmetric", rounding: "floor"}
	if mode := n.AttrString("mode", "nearest"); mode != "nearest" {
		return rp, fmt.Errorf("unsupported interpolation mode %q", mode)
	}
	var scalesIn, sizesIn Value
	switch {
	case n.OpType == "Upsample" && len(in) < 2:
		rp.scales = n.AttrFloats("scales", nil)
	case n.OpType == "Upsample", opset < 11:
		scalesIn = in[1]
	default:
		rp.coord = n.AttrString("coordinate_transformation_mode", "half_pixel")
		rp.rounding = n.AttrString("nearest_mode", "round_prefer_floor")
		if len(in) > 2 {
			scalesIn = in[2]
		}
		if len(in) > 3 {
			sizesIn = in[3]
		}
	}
	if !scalesIn.Absent() && len(scalesIn.Shape) == 1 && !(scalesIn.Shape[0].IsStatic() && scalesIn.Shape[0].Value == 0) {
		f, ok := constFloats(scalesIn)
		if !ok {
			return rp, fmt.Errorf("scales must be a constant float tensor")
		}
		rp.scales = f
	}
	if !sizesIn.Absent() {
		s, ok := constInts(sizesIn)
		if !ok {
			return rp, fmt.Errorf("sizes must be a constant integer tensor")
		}
		rp.sizes = s
	}
	if rp.scales == nil && rp.sizes == nil {
		return rp, fmt.Errorf("one of scales or sizes is required")
	}
	return rp, nil
}

func (s resizeParams) outDims(in graph.Shape) (graph.Shape, error) {
	if s.sizes != nil {
		if len(s.sizes) != len(in) {
			return nil, fmt.Errorf("sizes %v do not match rank of %s", s.sizes, in)
		}
		out := make(graph.Shape, len(in))
		for i, v := range s.sizes {
			if !in[i].IsStatic() && v == 1 {
				out[i] = in[i]
			} else {
				out[i] = graph.Static(v)
			}
		}
		return out, nil
	}
	if len(s.scales) != len(in) {
		return nil, fmt.Errorf("scales %v do not match rank of %s", s.scales, in)
	}
	out := make(graph.Shape, len(in))
	for i, d := range in {
		switch {
		case s.scales[i] == 1:
			out[i] = d
		case d.IsStatic():
			out[i] = graph.Static(int64(math.Floor(float64(d.Value) * float64(s.scales[i]))))
		default:
			out[i] = graph.Unknown()
		}
	}
	return out, nil
}

func inferResize(n *graph.Node, in []Value, opset int64) ([]Value, error) {
	rp, err := resizeParamsFor(n, in, opset)
	if err != nil {
		return nil, err
	}
	shape, err := rp.outDims(in[0].Shape)
	if err != nil {
		return nil, err
	}
	return []Value{{DType: in[0].DType, Shape: shape}}, nil
}

// sourceIndex maps an output coordinate back to an input coordinate.
func (s resizeParams) sourceIndex(out, inLen, outLen int, scale float64) int {
	var x float64
	switch s.coord {
	case "half_pixel":
		x = (float64(out)+0.5)/scale - 0.5
	case "pytorch_half_pixel":
		if outLen > 1 {
			x = (float64(out)+0.5)/scale - 0.5
		}
	case "align_corners":
		if outLen > 1 {
			x = float64(out) * float64(inLen-1) / float64(outLen-1)
		}
	case "tf_half_pixel_for_nn":
		x = (float64(out) + 0.5) / scale
	default: // asymmetric
		x = float64(out) / scale
	}
	var i float64
	switch s.rounding {
	case "floor":
		i = math.Floor(x)
	case "ceil":
		i = math.Ceil(x)
	case "round_prefer_ceil":
		i = math.Floor(x + 0.5)
	default: // round_prefer_floor
		i = math.Ceil(x - 0.5)
	}
	return int(min(max(i, 0), float64(inLen-1)))
}

func resizeKernel(_ context.Context, n *graph.Node, in []*graph.Tensor, opset int64) ([]*graph.Tensor, error) {
	vals := make([]Value, len(in))
	for i, t := range in {
		if t != nil {
			vals[i] = ValueOf(t)
		}
	}
	rp, err := resizeParamsFor(n, vals, opset)
	if err != nil {
		return nil, err
	}
	x := in[0]
	shape, err := rp.outDims(x.Shape())
	if err != nil {
		return nil, err
	}
	outDims, _ := shape.Static()
	maps := make([][]int, len(outDims))
	for d, outLen := range outDims {
		inLen := int(x.Dims[d])
		scale := float64(outLen) / float64(inLen)
		if rp.scales != nil {
			scale = float64(rp.scales[d])
		}
		maps[d] = make([]int, outLen)
		for o := range maps[d] {
			maps[d][o] = rp.sourceIndex(o, inLen, int(outLen), scale)
		}
	}

	inStrides := strides(x.Dims)
	idx := make([]int, graph.NumElements(outDims))
	coord := make([]int, len(outDims))
	for k := range idx {
		off := 0
		for d, c := range coord {
			off += maps[d][c] * inStrides[d]
		}
		idx[k] = off
		for d := len(coord) - 1; d >= 0; d-- {
			coord[d]++
			if coord[d] < int(outDims[d]) {
				break
			}
			coord[d] = 0
		}
	}
	out, err := take(x, outDims, idx)
	if err != nil {
		return nil, err
	}
	return []*graph.Tensor{out}, nil
}
