// Package nn holds executable detector networks. A forward pass runs every
// primitive through the CPU kernels of package ops; when the pass is traced,
// each primitive is also recorded as a node of a graph.Builder, so the
// exported graph contains exactly the operations that executed.
package nn

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/zerfoo/yolonnx/pkg/graph"
	"github.com/zerfoo/yolonnx/pkg/ops"
)

// Value is a tensor flowing through a forward pass. Name is the graph tensor
// name when the pass is traced.
type Value struct {
	Name string
	T    *graph.Tensor
}

// Scope carries the state of one forward pass.
type Scope struct {
	ctx      context.Context
	opset    int64
	training bool
	rng      *rand.Rand
	b        *graph.Builder
	params   map[*graph.Tensor]string
	prefix   string
}

// NewScope returns an untraced scope executing operators at opset.
func NewScope(ctx context.Context, opset int64) *Scope {
	return &Scope{
		ctx:    ctx,
		opset:  opset,
		rng:    rand.New(rand.NewPCG(0, uint64(opset))),
		params: make(map[*graph.Tensor]string),
	}
}

// NewTracer returns a scope that records every executed operator into b.
func NewTracer(ctx context.Context, b *graph.Builder) *Scope {
	s := NewScope(ctx, b.Opset())
	s.b = b
	return s
}

// Tracing reports whether operators are being recorded.
func (s *Scope) Tracing() bool { return s.b != nil }

// Opset returns the opset operators are chosen for.
func (s *Scope) Opset() int64 { return s.opset }

// Training reports whether the pass runs in training mode.
func (s *Scope) Training() bool { return s.training }

func (s *Scope) nodeName(opType string) string {
	if s.prefix == "" {
		return s.b.UniqueName("/" + opType)
	}
	return s.b.UniqueName("/" + s.prefix + "/" + opType)
}

// Param makes a parameter available to operators. When tracing, the
// parameter becomes an initializer the first time it is used.
func (s *Scope) Param(p *Param) (*Value, error) {
	if !s.Tracing() {
		return &Value{T: p.T}, nil
	}
	if name, ok := s.params[p.T]; ok {
		return &Value{Name: name, T: p.T}, nil
	}
	t := p.T.Renamed(s.b.UniqueName(p.Name))
	name, err := s.b.Initializer(t)
	if err != nil {
		return nil, fmt.Errorf("parameter %s: %w", p.Name, err)
	}
	s.params[p.T] = name
	return &Value{Name: name, T: p.T}, nil
}

// Const makes a constant tensor available to operators.
func (s *Scope) Const(prefix string, t *graph.Tensor) (*Value, error) {
	if !s.Tracing() {
		return &Value{T: t}, nil
	}
	name, err := s.b.Initializer(t.Renamed(s.b.UniqueName(prefix)))
	if err != nil {
		return nil, err
	}
	return &Value{Name: name, T: t}, nil
}

// Ints is Const for an int64 vector.
func (s *Scope) Ints(prefix string, vs ...int64) (*Value, error) {
	return s.Const(prefix, graph.NewInt64("", []int64{int64(len(vs))}, vs))
}

// Floats is Const for a float32 vector.
func (s *Scope) Floats(prefix string, vs ...float32) (*Value, error) {
	return s.Const(prefix, graph.NewFloat("", []int64{int64(len(vs))}, vs))
}

// Op executes a single-output operator. Nil inputs are omitted optional
// inputs.
func (s *Scope) Op(opType string, in []*Value, attrs ...graph.Attribute) (*Value, error) {
	out, err := s.OpN(opType, 1, in, attrs...)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// OpN executes an operator with nOut outputs.
func (s *Scope) OpN(opType string, nOut int, in []*Value, attrs ...graph.Attribute) ([]*Value, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	n := &graph.Node{
		Name:    opType,
		OpType:  opType,
		Inputs:  make([]string, len(in)),
		Outputs: make([]string, nOut),
		Attrs:   attrs,
	}
	args := make([]*graph.Tensor, len(in))
	for i, v := range in {
		if v == nil {
			continue
		}
		args[i] = v.T
		n.Inputs[i] = v.Name
		if n.Inputs[i] == "" {
			n.Inputs[i] = fmt.Sprintf("input_%d", i)
		}
	}
	if s.Tracing() {
		n.Name = s.nodeName(opType)
		for i := range n.Outputs {
			n.Outputs[i] = fmt.Sprintf("%s_output_%d", n.Name, i)
		}
	} else {
		for i := range n.Outputs {
			n.Outputs[i] = fmt.Sprintf("output_%d", i)
		}
	}

	outs, err := ops.Execute(s.ctx, n, args, s.opset)
	if err != nil {
		return nil, err
	}
	if len(outs) < nOut {
		return nil, fmt.Errorf("%s produced %d outputs, want %d", opType, len(outs), nOut)
	}
	if s.Tracing() {
		if _, err := s.b.NamedNode(n.Name, opType, n.Inputs, n.Outputs, attrs...); err != nil {
			return nil, err
		}
	}
	vals := make([]*Value, nOut)
	for i := range vals {
		vals[i] = &Value{T: outs[i]}
		if s.Tracing() {
			vals[i].Name = n.Outputs[i]
		}
	}
	return vals, nil
}
