package ops

import (
	"context"
	"fmt"
	"slices"

	"github.com/zerfoo/yolonnx/pkg/graph"
)

func init() {
	Register(&Schema{OpType: "Reshape", Since: 5, MinInputs: 2, MaxInputs: 2, Infer: inferReshape, Kernel: reshapeKernel})
	Register(&Schema{OpType: "Transpose", Since: 1, MinInputs: 1, MaxInputs: 1, Infer: inferTranspose, Kernel: transposeKernel})
	Register(&Schema{OpType: "Shape", Since: 1, MinInputs: 1, MaxInputs: 1, Infer: inferShape, Kernel: shapeKernel})
	Register(&Schema{OpType: "Gather", Since: 1, MinInputs: 2, MaxInputs: 2, Infer: inferGather, Kernel: gatherKernel})
	Register(&Schema{OpType: "Concat", Since: 4, MinInputs: 1, MaxInputs: 1 << 16, Required: []string{"axis"}, Infer: inferConcat, Kernel: concatKernel})
	Register(&Schema{OpType: "Flatten", Since: 1, MinInputs: 1, MaxInputs: 1, Infer: inferFlatten, Kernel: flattenKernel})
	Register(&Schema{OpType: "Unsqueeze", Since: 1, MinInputs: 1, MaxInputs: 2, Infer: inferUnsqueeze, Kernel: unsqueezeKernel})
	Register(&Schema{OpType: "Constant", Since: 1, MinInputs: 0, MaxInputs: 0, Infer: inferConstant, Kernel: constantKernel})
}

// shapeContent returns the elements of a 1-D or scalar integer tensor as
// dimensions, keeping symbolic entries that came from a Shape node.
func shapeContent(v Value) (graph.Shape, bool) {
	if v.Elems != nil {
		return v.Elems, true
	}
	ints, ok := constInts(v)
	if !ok {
		return nil, false
	}
	return graph.ShapeOf(ints...), true
}

// ReshapeDims resolves a Reshape target against an input shape. Zero copies
// the input dimension unless allowZero is set; a single -1 is inferred from
// the remaining element count, including when the count is symbolic.
func ReshapeDims(in, target graph.Shape, allowZero bool) (graph.Shape, error) {
	out := make(graph.Shape, len(target))
	infer := -1
	for i, d := range target {
		switch {
		case d.Param != "":
			out[i] = d
		case d.Value == 0 && !allowZero:
			if i >= len(in) {
				return nil, fmt.Errorf("target %s copies dimension %d of rank-%d input", target, i, len(in))
			}
			out[i] = in[i]
		case d.Value == -1:
			if infer >= 0 {
				return nil, fmt.Errorf("target %s has more than one -1", target)
			}
			infer = i
		case d.Value < -1:
			return nil, fmt.Errorf("invalid target dimension %d", d.Value)
		default:
			out[i] = d
		}
	}

	known := out
	if infer >= 0 {
		known = slices.Delete(slices.Clone(out), infer, infer+1)
	}
	inStatic, inSyms := splitDims(in)
	outStatic, outSyms := splitDims(known)
	for p, c := range outSyms {
		k := min(c, inSyms[p])
		inSyms[p] -= k
		outSyms[p] -= k
	}
	remainingIn, remainingOut := symbolsLeft(inSyms), symbolsLeft(outSyms)

	if infer < 0 {
		if remainingIn == nil && remainingOut == nil && inStatic != outStatic {
			return nil, fmt.Errorf("cannot reshape %s to %s", in, target)
		}
		return out, nil
	}
	switch {
	case remainingOut != nil || len(remainingIn) > 1:
		out[infer] = graph.Unknown()
	case len(remainingIn) == 1:
		if remainingIn[0] != "" && inStatic == outStatic {
			out[infer] = graph.Symbolic(remainingIn[0])
		} else {
			out[infer] = graph.Unknown()
		}
	case outStatic == 0 || inStatic%outStatic != 0:
		return nil, fmt.Errorf("cannot reshape %s to %s", in, target)
	default:
		out[infer] = graph.Static(inStatic / outStatic)
	}
	return out, nil
}

// splitDims returns the product of static dims and a count per symbolic
// name. Unknown dims are counted under the empty name.
func splitDims(s graph.Shape) (int64, map[string]int) {
	prod := int64(1)
	syms := make(map[string]int)
	for _, d := range s {
		if d.IsStatic() {
			prod *= d.Value
		} else {
			syms[d.Param]++
		}
	}
	return prod, syms
}

func symbolsLeft(m map[string]int) []string {
	var out []string
	for p, c := range m {
		for range c {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

func inferReshape(n *graph.Node, in []Value, _ int64) ([]Value, error) {
	if len(in[1].Shape) != 1 {
		return nil, fmt.Errorf("shape input must be 1-D, got %s", in[1].Shape)
	}
	target, ok := shapeContent(in[1])
	if !ok {
		rank, ok := in[1].Shape.Static()
		if !ok {
			return nil, fmt.Errorf("shape input has unknown length")
		}
		out := make(graph.Shape, rank[0])
		for i := range out {
			out[i] = graph.Unknown()
		}
		return []Value{{DType: in[0].DType, Shape: out}}, nil
	}
	out, err := ReshapeDims(in[0].Shape, target, n.AttrInt("allowzero", 0) == 1)
	if err != nil {
		return nil, err
	}
	return []Value{{DType: in[0].DType, Shape: out}}, nil
}

func reshapeKernel(_ context.Context, n *graph.Node, in []*graph.Tensor, _ int64) ([]*graph.Tensor, error) {
	target, err := in[1].Ints()
	if err != nil {
		return nil, err
	}
	shape, err := ReshapeDims(in[0].Shape(), graph.ShapeOf(target...), n.AttrInt("allowzero", 0) == 1)
	if err != nil {
		return nil, err
	}
	dims, ok := shape.Static()
	if !ok || graph.NumElements(dims) != in[0].Len() {
		return nil, fmt.Errorf("cannot reshape %v to %v", in[0].Dims, target)
	}
	out := in[0].Renamed("")
	out.Dims = dims
	return []*graph.Tensor{out}, nil
}

func permFor(n *graph.Node, rank int) ([]int64, error) {
	perm := n.AttrInts("perm", nil)
	if perm == nil {
		perm = make([]int64, rank)
		for i := range perm {
			perm[i] = int64(rank - 1 - i)
		}
	}
	if len(perm) != rank {
		return nil, fmt.Errorf("perm %v does not match rank %d", perm, rank)
	}
	seen := make([]bool, rank)
	for _, p := range perm {
		if p < 0 || int(p) >= rank || seen[p] {
			return nil, fmt.Errorf("perm %v is not a permutation", perm)
		}
		seen[p] = true
	}
	return perm, nil
}

func inferTranspose(n *graph.Node, in []Value, _ int64) ([]Value, error) {
	x := in[0].Shape
	perm, err := permFor(n, len(x))
	if err != nil {
		return nil, err
	}
	out := make(graph.Shape, len(x))
	for i, p := range perm {
		out[i] = x[p]
	}
	return []Value{{DType: in[0].DType, Shape: out}}, nil
}

func transposeKernel(_ context.Context, n *graph.Node, in []*graph.Tensor, _ int64) ([]*graph.Tensor, error) {
	x := in[0]
	perm, err := permFor(n, len(x.Dims))
	if err != nil {
		return nil, err
	}
	rank := len(x.Dims)
	outDims := make([]int64, rank)
	for i, p := range perm {
		outDims[i] = x.Dims[p]
	}
	inStrides := strides(x.Dims)
	idx := make([]int, x.Len())
	coord := make([]int64, rank)
	off := 0
	for k := range idx {
		idx[k] = off
		for d := rank - 1; d >= 0; d-- {
			coord[d]++
			off += inStrides[perm[d]]
			if coord[d] < outDims[d] {
				break
			}
			off -= inStrides[perm[d]] * int(coord[d])
			coord[d] = 0
		}
	}
	out, err := take(x, outDims, idx)
	if err != nil {
		return nil, err
	}
	return []*graph.Tensor{out}, nil
}

func inferShape(_ *graph.Node, in []Value, _ int64) ([]Value, error) {
	x := in[0].Shape
	v := Value{DType: graph.Int64, Shape: graph.ShapeOf(int64(len(x))), Elems: x.Clone()}
	if dims, ok := x.Static(); ok {
		v.Const = graph.NewInt64("", []int64{int64(len(dims))}, dims)
	}
	return []Value{v}, nil
}

func shapeKernel(_ context.Context, _ *graph.Node, in []*graph.Tensor, _ int64) ([]*graph.Tensor, error) {
	return []*graph.Tensor{graph.NewInt64("", []int64{int64(len(in[0].Dims))}, slices.Clone(in[0].Dims))}, nil
}

func inferGather(n *graph.Node, in []Value, _ int64) ([]Value, error) {
	data, indices := in[0], in[1]
	if indices.DType != graph.Int64 && indices.DType != graph.Int32 {
		return nil, fmt.Errorf("indices must be int32 or int64, got %s", indices.DType)
	}
	axis, err := normAxis(n.AttrInt("axis", 0), len(data.Shape))
	if err != nil {
		return nil, err
	}
	var out graph.Shape
	out = append(out, data.Shape[:axis]...)
	out = append(out, indices.Shape...)
	out = append(out, data.Shape[axis+1:]...)
	v := Value{DType: data.DType, Shape: out}

	// Gathering from a shape vector keeps symbolic entries.
	if elems, ok := shapeContent(data); ok && data.Const == nil && len(data.Shape) == 1 {
		if idx, ok := constInts(indices); ok {
			for _, i := range idx {
				if i < 0 {
					i += int64(len(elems))
				}
				if i < 0 || int(i) >= len(elems) {
					return nil, fmt.Errorf("index %d out of range", i)
				}
				v.Elems = append(v.Elems, elems[i])
			}
		}
	}
	return []Value{v}, nil
}

func gatherKernel(_ context.Context, n *graph.Node, in []*graph.Tensor, _ int64) ([]*graph.Tensor, error) {
	data := in[0]
	indices, err := in[1].Ints()
	if err != nil {
		return nil, err
	}
	axis, err := normAxis(n.AttrInt("axis", 0), len(data.Dims))
	if err != nil {
		return nil, err
	}
	outer := graph.NumElements(data.Dims[:axis])
	inner := graph.NumElements(data.Dims[axis+1:])
	axisLen := int(data.Dims[axis])

	var outDims []int64
	outDims = append(outDims, data.Dims[:axis]...)
	outDims = append(outDims, in[1].Dims...)
	outDims = append(outDims, data.Dims[axis+1:]...)

	idx := make([]int, 0, graph.NumElements(outDims))
	for o := 0; o < outer; o++ {
		for _, i := range indices {
			if i < 0 {
				i += int64(axisLen)
			}
			if i < 0 || int(i) >= axisLen {
				return nil, fmt.Errorf("index %d out of range for axis of length %d", i, axisLen)
			}
			base := (o*axisLen + int(i)) * inner
			for j := 0; j < inner; j++ {
				idx = append(idx, base+j)
			}
		}
	}
	out, err := take(data, outDims, idx)
	if err != nil {
		return nil, err
	}
	return []*graph.Tensor{out}, nil
}

func inferConcat(n *graph.Node, in []Value, _ int64) ([]Value, error) {
	first := in[0]
	axis, err := normAxis(n.AttrInt("axis", 0), len(first.Shape))
	if err != nil {
		return nil, err
	}
	out := first.Shape.Clone()
	total := int64(0)
	static := true
	var elems graph.Shape
	withElems := len(first.Shape) == 1
	for i, v := range in {
		if v.DType != first.DType {
			return nil, fmt.Errorf("input %d has type %s, want %s", i, v.DType, first.DType)
		}
		if len(v.Shape) != len(out) {
			return nil, fmt.Errorf("input %d has rank %d, want %d", i, len(v.Shape), len(out))
		}
		for d := range out {
			if d == axis {
				continue
			}
			a, b := out[d], v.Shape[d]
			if a.IsStatic() && b.IsStatic() && a.Value != b.Value {
				return nil, fmt.Errorf("input %d has shape %s, incompatible with %s on axis %d", i, v.Shape, out, d)
			}
			if !a.IsStatic() && b.IsStatic() {
				out[d] = b
			}
		}
		if v.Shape[axis].IsStatic() {
			total += v.Shape[axis].Value
		} else {
			static = false
		}
		if e, ok := shapeContent(v); ok && withElems {
			elems = append(elems, e...)
		} else {
			withElems = false
		}
	}
	if static {
		out[axis] = graph.Static(total)
	} else {
		out[axis] = graph.Unknown()
	}
	result := Value{DType: first.DType, Shape: out}
	if withElems {
		result.Elems = elems
	}
	return []Value{result}, nil
}

func concatKernel(_ context.Context, n *graph.Node, in []*graph.Tensor, _ int64) ([]*graph.Tensor, error) {
	first := in[0]
	axis, err := normAxis(n.AttrInt("axis", 0), len(first.Dims))
	if err != nil {
		return nil, err
	}
	outDims := slices.Clone(first.Dims)
	outDims[axis] = 0
	blocks := make([]int, len(in))
	for i, t := range in {
		if t.DType != first.DType || len(t.Dims) != len(first.Dims) {
			return nil, fmt.Errorf("input %d (%s %v) does not match input 0 (%s %v)", i, t.DType, t.Dims, first.DType, first.Dims)
		}
		for d := range t.Dims {
			if d != axis && t.Dims[d] != first.Dims[d] {
				return nil, fmt.Errorf("input %d has dims %v, incompatible with %v", i, t.Dims, first.Dims)
			}
		}
		outDims[axis] += t.Dims[axis]
		blocks[i] = graph.NumElements(t.Dims[axis:])
	}
	outer := graph.NumElements(first.Dims[:axis])

	out := &graph.Tensor{DType: first.DType, Dims: outDims}
	switch first.DType {
	case graph.Float:
		out.Float = concatParts(in, outer, blocks, func(t *graph.Tensor) []float32 { return t.Float })
	case graph.Int64:
		out.Int64 = concatParts(in, outer, blocks, func(t *graph.Tensor) []int64 { return t.Int64 })
	case graph.Int32:
		out.Int32 = concatParts(in, outer, blocks, func(t *graph.Tensor) []int32 { return t.Int32 })
	case graph.Int8:
		out.Int8 = concatParts(in, outer, blocks, func(t *graph.Tensor) []int8 { return t.Int8 })
	case graph.Uint8:
		out.Uint8 = concatParts(in, outer, blocks, func(t *graph.Tensor) []uint8 { return t.Uint8 })
	default:
		return nil, fmt.Errorf("unsupported data type %s", first.DType)
	}
	return []*graph.Tensor{out}, nil
}

func concatParts[T any](in []*graph.Tensor, outer int, blocks []int, data func(*graph.Tensor) []T) []T {
	total := 0
	for _, b := range blocks {
		total += b
	}
	out := make([]T, 0, outer*total)
	for o := 0; o < outer; o++ {
		for i, t := range in {
			out = append(out, data(t)[o*blocks[i]:(o+1)*blocks[i]]...)
		}
	}
	return out
}

func flattenDims(s graph.Shape) graph.Dim {
	prod, syms := splitDims(s)
	left := symbolsLeft(syms)
	switch {
	case left == nil:
		return graph.Static(prod)
	case len(left) == 1 && left[0] != "" && prod == 1:
		return graph.Symbolic(left[0])
	}
	return graph.Unknown()
}

func inferFlatten(n *graph.Node, in []Value, _ int64) ([]Value, error) {
	x := in[0].Shape
	axis := n.AttrInt("axis", 1)
	if axis < 0 {
		axis += int64(len(x))
	}
	if axis < 0 || axis > int64(len(x)) {
		return nil, fmt.Errorf("axis %d out of range for rank %d", axis, len(x))
	}
	return []Value{{DType: in[0].DType, Shape: graph.Shape{flattenDims(x[:axis]), flattenDims(x[axis:])}}}, nil
}

func flattenKernel(_ context.Context, n *graph.Node, in []*graph.Tensor, _ int64) ([]*graph.Tensor, error) {
	x := in[0]
	axis := n.AttrInt("axis", 1)
	if axis < 0 {
		axis += int64(len(x.Dims))
	}
	if axis < 0 || axis > int64(len(x.Dims)) {
		return nil, fmt.Errorf("axis %d out of range for rank %d", axis, len(x.Dims))
	}
	out := x.Renamed("")
	out.Dims = []int64{int64(graph.NumElements(x.Dims[:axis])), int64(graph.NumElements(x.Dims[axis:]))}
	return []*graph.Tensor{out}, nil
}

func unsqueezeAxes(n *graph.Node, in []Value, opset int64) ([]int64, error) {
	if opset < 13 {
		axes := n.AttrInts("axes", nil)
		if axes == nil {
			return nil, fmt.Errorf("missing attribute axes")
		}
		return axes, nil
	}
	if len(in) < 2 || in[1].Absent() {
		return nil, fmt.Errorf("missing axes input")
	}
	axes, ok := constInts(in[1])
	if !ok {
		return nil, fmt.Errorf("axes must be constant")
	}
	return axes, nil
}

func unsqueezeShape(x graph.Shape, axes []int64) (graph.Shape, error) {
	rank := len(x) + len(axes)
	insert := make([]bool, rank)
	for _, a := range axes {
		ax, err := normAxis(a, rank)
		if err != nil {
			return nil, err
		}
		if insert[ax] {
			return nil, fmt.Errorf("duplicate axis %d", a)
		}
		insert[ax] = true
	}
	out := make(graph.Shape, 0, rank)
	j := 0
	for i := 0; i < rank; i++ {
		if insert[i] {
			out = append(out, graph.Static(1))
		} else {
			out = append(out, x[j])
			j++
		}
	}
	return out, nil
}

func inferUnsqueeze(n *graph.Node, in []Value, opset int64) ([]Value, error) {
	axes, err := unsqueezeAxes(n, in, opset)
	if err != nil {
		return nil, err
	}
	shape, err := unsqueezeShape(in[0].Shape, axes)
	if err != nil {
		return nil, err
	}
	v := Value{DType: in[0].DType, Shape: shape}
	if len(in[0].Shape) == 0 && in[0].Elems != nil {
		v.Elems = in[0].Elems
	}
	return []Value{v}, nil
}

func unsqueezeKernel(_ context.Context, n *graph.Node, in []*graph.Tensor, opset int64) ([]*graph.Tensor, error) {
	vals := []Value{ValueOf(in[0])}
	if len(in) > 1 && in[1] != nil {
		vals = append(vals, ValueOf(in[1]))
	}
	axes, err := unsqueezeAxes(n, vals, opset)
	if err != nil {
		return nil, err
	}
	shape, err := unsqueezeShape(in[0].Shape(), axes)
	if err != nil {
		return nil, err
	}
	out := in[0].Renamed("")
	out.Dims, _ = shape.Static()
	return []*graph.Tensor{out}, nil
}

// ConstantValue returns the tensor carried by a Constant node.
func ConstantValue(n *graph.Node) (*graph.Tensor, error) {
	for _, a := range n.Attrs {
		switch a.Name {
		case "value":
			if a.T == nil {
				return nil, fmt.Errorf("constant %q has an empty value", n.Name)
			}
			return a.T, nil
		case "value_float":
			return graph.NewFloat("", nil, []float32{a.F}), nil
		case "value_floats":
			return graph.NewFloat("", []int64{int64(len(a.Floats))}, slices.Clone(a.Floats)), nil
		case "value_int":
			return graph.NewInt64("", nil, []int64{a.I}), nil
		case "value_ints":
			return graph.NewInt64("", []int64{int64(len(a.Ints))}, slices.Clone(a.Ints)), nil
		}
	}
	return nil, fmt.Errorf("constant %q has no supported value attribute", n.Name)
}

func inferConstant(n *graph.Node, _ []Value, _ int64) ([]Value, error) {
	t, err := ConstantValue(n)
	if err != nil {
		return nil, err
	}
	return []Value{ValueOf(t)}, nil
}

func constantKernel(_ context.Context, n *graph.Node, _ []*graph.Tensor, _ int64) ([]*graph.Tensor, error) {
	t, err := ConstantValue(n)
	if err != nil {
		return nil, err
	}
	return []*graph.Tensor{t.Renamed("")}, nil
}

// take builds a tensor of dims whose k-th element is t's idx[k]-th element.
func take(t *graph.Tensor, dims []int64, idx []int) (*graph.Tensor, error) {
	out := &graph.Tensor{DType: t.DType, Dims: dims}
	switch t.DType {
	case graph.Float:
		out.Float = pick(t.Float, idx)
	case graph.Int64:
		out.Int64 = pick(t.Int64, idx)
	case graph.Int32:
		out.Int32 = pick(t.Int32, idx)
	case graph.Int8:
		out.Int8 = pick(t.Int8, idx)
	case graph.Uint8:
		out.Uint8 = pick(t.Uint8, idx)
	default:
		return nil, fmt.Errorf("unsupported data type %s", t.DType)
	}
	return out, nil
}

func pick[T any](src []T, idx []int) []T {
	out := make([]T, len(idx))
	for k, i := range idx {
		out[k] = src[i]
	}
	return out
}
