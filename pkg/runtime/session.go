// Package runtime executes computation graphs on the CPU kernels of
// package ops.
package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zerfoo/yolonnx/internal/rewrite"
	"github.com/zerfoo/yolonnx/pkg/graph"
	"github.com/zerfoo/yolonnx/pkg/ops"
)

// Level selects the graph rewrites applied when a session is created.
type Level int

const (
	OptimizationNone Level = iota
	OptimizationBasic
	OptimizationAll
)

// Options configure a session.
type Options struct {
	Level Level
}

type step struct {
	node *graph.Node
	in   []int
	out  []int
	free []int
}

// Session is a graph prepared for repeated execution. Constant tensors are
// resolved once and the execution order with tensor lifetimes is fixed at
// creation. A Session is not safe for concurrent use.
type Session struct {
	g       *graph.Graph
	consts  []*graph.Tensor
	inputs  []int
	outputs []int
	steps   []step
	nslots  int
}

// NewSession prepares g for execution. g is not modified.
func NewSession(ctx context.Context, g *graph.Graph, opts Options) (*Session, error) {
	if err := graph.CheckOpset(g.Opset); err != nil {
		return nil, err
	}
	if opts.Level > OptimizationNone {
		passes := rewrite.Basic
		if opts.Level >= OptimizationAll {
			passes = rewrite.All
		}
		g = g.Clone()
		counts, err := rewrite.Run(ctx, g, passes)
		if err != nil {
			return nil, fmt.Errorf("failed to optimize graph: %w", err)
		}
		slog.Debug("session graph optimized", "graph", g.Name, "nodes", len(g.Nodes), "rewrites", counts)
	}

	s := &Session{g: g}
	slots := make(map[string]int)
	slot := func(name string) int {
		i, ok := slots[name]
		if !ok {
			i = s.nslots
			slots[name] = i
			s.nslots++
			s.consts = append(s.consts, nil)
		}
		return i
	}
	for _, v := range g.Inputs {
		s.inputs = append(s.inputs, slot(v.Name))
	}
	for _, t := range g.Initializers {
		s.consts[slot(t.Name)] = t
	}
	defined := make(map[string]bool, len(slots))
	for name := range slots {
		defined[name] = true
	}
	lastUse := make(map[int]int)
	for i, n := range g.Nodes {
		if _, err := ops.Lookup(n.OpType, g.Opset); err != nil {
			return nil, fmt.Errorf("node %q: %w", n.Name, err)
		}
		st := step{node: n, in: make([]int, len(n.Inputs)), out: make([]int, len(n.Outputs))}
		for j, name := range n.Inputs {
			if name == "" {
				st.in[j] = -1
				continue
			}
			if !defined[name] {
				return nil, fmt.Errorf("%w: node %q reads %q", graph.ErrDanglingInput, n.Name, name)
			}
			st.in[j] = slots[name]
			lastUse[st.in[j]] = i
		}
		for j, name := range n.Outputs {
			if name == "" {
				st.out[j] = -1
				continue
			}
			st.out[j] = slot(name)
			defined[name] = true
		}
		s.steps = append(s.steps, st)
	}
	keep := make(map[int]bool)
	for _, o := range g.Outputs {
		if !defined[o.Name] {
			return nil, fmt.Errorf("%w: %q", graph.ErrUnknownOutput, o.Name)
		}
		s.outputs = append(s.outputs, slots[o.Name])
		keep[slots[o.Name]] = true
	}
	for idx, i := range lastUse {
		if s.consts[idx] == nil && !keep[idx] {
			s.steps[i].free = append(s.steps[i].free, idx)
		}
	}
	return s, nil
}

// Graph returns the graph the session executes.
func (s *Session) Graph() *graph.Graph { return s.g }

// Inputs returns the declared graph inputs.
func (s *Session) Inputs() []graph.ValueInfo { return s.g.Inputs }

// Run executes the graph on feeds keyed by input name and returns the
// outputs keyed by output name.
func (s *Session) Run(ctx context.Context, feeds map[string]*graph.Tensor) (map[string]*graph.Tensor, error) {
	vals := make([]*graph.Tensor, s.nslots)
	copy(vals, s.consts)
	for k, v := range s.g.Inputs {
		t, ok := feeds[v.Name]
		if !ok {
			return nil, fmt.Errorf("missing input %q", v.Name)
		}
		if t.DType != v.DType {
			return nil, fmt.Errorf("input %q is %s, want %s", v.Name, t.DType, v.DType)
		}
		if !t.Shape().Compatible(v.Shape) {
			return nil, fmt.Errorf("input %q has shape %v, want %s", v.Name, t.Dims, v.Shape)
		}
		vals[s.inputs[k]] = t
	}
	for _, st := range s.steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		args := make([]*graph.Tensor, len(st.in))
		for j, idx := range st.in {
			if idx >= 0 {
				args[j] = vals[idx]
			}
		}
		outs, err := ops.Execute(ctx, st.node, args, s.g.Opset)
		if err != nil {
			return nil, err
		}
		for j, idx := range st.out {
			if idx >= 0 && j < len(outs) {
				vals[idx] = outs[j]
			}
		}
		for _, idx := range st.free {
			vals[idx] = nil
		}
	}
	res := make(map[string]*graph.Tensor, len(s.outputs))
	for k, idx := range s.outputs {
		name := s.g.Outputs[k].Name
		if vals[idx] == nil {
			return nil, fmt.Errorf("output %q was not computed", name)
		}
		res[name] = vals[idx].Renamed(name)
	}
	return res, nil
}

// RandomInput returns a feed for every graph input with symbolic dims bound
// to batch and values drawn from fill.
func RandomInput(g *graph.Graph, batch int64, fill func() float32) (map[string]*graph.Tensor, error) {
	feeds := make(map[string]*graph.Tensor, len(g.Inputs))
	for _, v := range g.Inputs {
		if v.DType != graph.Float {
			return nil, fmt.Errorf("input %q is %s, only float inputs are generated", v.Name, v.DType)
		}
		t := graph.NewFloat(v.Name, v.Shape.Bind(batch), nil)
		for i := range t.Float {
			t.Float[i] = fill()
		}
		feeds[v.Name] = t
	}
	return feeds, nil
}
