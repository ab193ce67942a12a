// Package ops describes the operators this module emits and executes: which
// opsets define them, which attributes they require, how their output
// shapes follow from their inputs, and a CPU kernel for each.
package ops

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/zerfoo/yolonnx/pkg/graph"
)

var (
	// ErrUnknownOperator is returned for op types with no schema at all.
	ErrUnknownOperator = errors.New("unknown operator")
	// ErrNotInOpset is returned when an operator exists but not at the requested opset.
	ErrNotInOpset = errors.New("operator not available at opset")
)

// Value is what is known about a tensor before execution. Const is set when
// the contents are known. Elems describes the contents of a shape vector
// whose entries may be symbolic, so Shape -> Gather -> Concat -> Reshape
// chains keep the batch dimension by name.
type Value struct {
	DType graph.DataType
	Shape graph.Shape
	Const *graph.Tensor
	Elems graph.Shape
}

// Absent reports whether the value stands for an omitted optional input.
func (v Value) Absent() bool { return v.DType == graph.Undefined }

// InferFunc computes output values from input values. Omitted optional
// inputs are passed as the zero Value.
type InferFunc func(n *graph.Node, in []Value, opset int64) ([]Value, error)

// KernelFunc executes a node. Omitted optional inputs are nil. Kernels never
// modify their inputs; outputs may share data with them.
type KernelFunc func(ctx context.Context, n *graph.Node, in []*graph.Tensor, opset int64) ([]*graph.Tensor, error)

// Schema describes one version range of an operator.
type Schema struct {
	OpType    string
	Since     int64
	Until     int64 // first opset where the operator no longer exists; 0 if current
	MinInputs int
	MaxInputs int
	Required  []string
	Infer     InferFunc
	Kernel    KernelFunc
}

// Available reports whether the schema covers opset.
func (s *Schema) Available(opset int64) bool {
	return opset >= s.Since && (s.Until == 0 || opset < s.Until)
}

// registry holds the mapping from op types to their schemas.
var registry = make(map[string][]*Schema)

// Register adds a schema. It is called from init functions.
func Register(s *Schema) {
	if s.OpType == "" || s.Infer == nil || s.Kernel == nil {
		panic(fmt.Sprintf("ops: incomplete schema for %q", s.OpType))
	}
	registry[s.OpType] = append(registry[s.OpType], s)
}

// Lookup returns the schema for opType at opset.
func Lookup(opType string, opset int64) (*Schema, error) {
	versions, ok := registry[opType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperator, opType)
	}
	for _, s := range versions {
		if s.Available(opset) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w %d: %s", ErrNotInOpset, opset, opType)
}

// Names returns all registered op types, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CheckNode validates input arity and required attributes against the schema.
func (s *Schema) CheckNode(n *graph.Node) error {
	if len(n.Inputs) < s.MinInputs || len(n.Inputs) > s.MaxInputs {
		return fmt.Errorf("%s node %q has %d inputs, want %d..%d", s.OpType, n.Name, len(n.Inputs), s.MinInputs, s.MaxInputs)
	}
	for i := 0; i < s.MinInputs; i++ {
		if n.Inputs[i] == "" {
			return fmt.Errorf("%s node %q is missing required input %d", s.OpType, n.Name, i)
		}
	}
	for _, name := range s.Required {
		if _, ok := n.Attr(name); !ok {
			return fmt.Errorf("%s node %q is missing required attribute %q", s.OpType, n.Name, name)
		}
	}
	return nil
}

// Infer runs shape inference for one node.
func Infer(n *graph.Node, in []Value, opset int64) ([]Value, error) {
	s, err := Lookup(n.OpType, opset)
	if err != nil {
		return nil, err
	}
	if err := s.CheckNode(n); err != nil {
		return nil, err
	}
	out, err := s.Infer(n, in, opset)
	if err != nil {
		return nil, fmt.Errorf("%s node %q: %w", n.OpType, n.Name, err)
	}
	if consts, ok := smallConstants(in); ok && len(in) > 0 {
		// Nodes over small constants are evaluated so later shape arithmetic is exact.
		if vals, err := s.Kernel(context.Background(), n, consts, opset); err == nil {
			for i := range out {
				if i < len(vals) {
					out[i].Const = vals[i]
				}
			}
		}
	}
	return out, nil
}

// maxPropagatedElements bounds how large a constant input may be before
// Infer stops evaluating nodes eagerly.
const maxPropagatedElements = 1 << 16

func smallConstants(in []Value) ([]*graph.Tensor, bool) {
	consts := make([]*graph.Tensor, len(in))
	total := 0
	for i, v := range in {
		if v.Absent() {
			continue
		}
		if v.Const == nil {
			return nil, false
		}
		total += v.Const.Len()
		consts[i] = v.Const
	}
	return consts, total <= maxPropagatedElements
}

// Execute runs the kernel for one node.
func Execute(ctx context.Context, n *graph.Node, in []*graph.Tensor, opset int64) ([]*graph.Tensor, error) {
	s, err := Lookup(n.OpType, opset)
	if err != nil {
		return nil, err
	}
	if err := s.CheckNode(n); err != nil {
		return nil, err
	}
	out, err := s.Kernel(ctx, n, in, opset)
	if err != nil {
		return nil, fmt.Errorf("%s node %q: %w", n.OpType, n.Name, err)
	}
	return out, nil
}

// ValueOf describes a known tensor.
func ValueOf(t *graph.Tensor) Value {
	return Value{DType: t.DType, Shape: t.Shape(), Const: t}
}

// constInts returns the contents of a constant integer input.
func constInts(v Value) ([]int64, bool) {
	if v.Const == nil {
		return nil, false
	}
	ints, err := v.Const.Ints()
	if err != nil {
		return nil, false
	}
	return ints, true
}

// constFloats returns the contents of a constant float input.
func constFloats(v Value) ([]float32, bool) {
	if v.Const == nil || v.Const.DType != graph.Float {
		return nil, false
	}
	return v.Const.Float, true
}

func normAxis(axis int64, rank int) (int, error) {
	if axis < 0 {
		axis += int64(rank)
	}
	if axis < 0 || axis >= int64(rank) {
		return 0, fmt.Errorf("axis %d out of range for rank %d", axis, rank)
	}
	return int(axis), nil
}

func requireFloat(name string, t *graph.Tensor) error {
	if t == nil {
		return fmt.Errorf("input %s is missing", name)
	}
	if t.DType != graph.Float {
		return fmt.Errorf("input %s must be float32, got %s", name, t.DType)
	}
	return nil
}

// strides returns row-major element strides for dims.
func strides(dims []int64) []int {
	s := make([]int, len(dims))
	acc := 1
	for i := len(dims) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= int(dims[i])
	}
	return s
}
