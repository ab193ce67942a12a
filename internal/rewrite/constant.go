package rewrite

import (
	"context"

	"github.com/zerfoo/yolonnx/pkg/graph"
	"github.com/zerfoo/yolonnx/pkg/ops"
)

// liftConstants turns Constant nodes into initializers.
func liftConstants(_ context.Context, g *graph.Graph) (int, error) {
	dead := make(map[*graph.Node]bool)
	for _, n := range g.Nodes {
		if n.OpType != "Constant" || len(n.Outputs) != 1 {
			continue
		}
		t, err := ops.ConstantValue(n)
		if err != nil {
			return 0, err
		}
		g.Initializers = append(g.Initializers, t.Clone().Renamed(n.Outputs[0]))
		dead[n] = true
	}
	return removeNodes(g, dead), nil
}

// foldConstants evaluates nodes whose inputs are all initializers, and
// Shape nodes whose input shape is fully static, into initializers.
func foldConstants(ctx context.Context, g *graph.Graph) (int, error) {
	inits := g.InitializerMap()
	known := make(map[string]ops.Value)
	for _, v := range g.Inputs {
		known[v.Name] = ops.Value{DType: v.DType, Shape: v.Shape}
	}
	for name, t := range inits {
		known[name] = ops.ValueOf(t)
	}

	dead := make(map[*graph.Node]bool)
	for _, n := range g.Nodes {
		if folded, err := foldNode(ctx, g, n, inits, known); err != nil {
			return 0, err
		} else if folded {
			dead[n] = true
			continue
		}
		in := make([]ops.Value, len(n.Inputs))
		for i, name := range n.Inputs {
			if name != "" {
				in[i] = known[name]
			}
		}
		out, err := ops.Infer(n, in, g.Opset)
		if err != nil {
			// Shapes past this point are unknown; later nodes are only folded
			// when their inputs are initializers.
			continue
		}
		for i, name := range n.Outputs {
			if name != "" && i < len(out) {
				known[name] = out[i]
			}
		}
	}
	return removeNodes(g, dead), nil
}

func foldNode(ctx context.Context, g *graph.Graph, n *graph.Node, inits map[string]*graph.Tensor, known map[string]ops.Value) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if n.OpType == "Constant" {
		return false, nil
	}
	if n.OpType == "Shape" {
		v, ok := known[n.Inputs[0]]
		if !ok || v.Absent() {
			return false, nil
		}
		dims, ok := v.Shape.Static()
		if !ok {
			return false, nil
		}
		addInit(g, inits, known, graph.NewInt64(n.Outputs[0], []int64{int64(len(dims))}, dims))
		return true, nil
	}
	args := make([]*graph.Tensor, len(n.Inputs))
	have := false
	for i, name := range n.Inputs {
		if name == "" {
			continue
		}
		t, ok := inits[name]
		if !ok {
			return false, nil
		}
		args[i] = t
		have = true
	}
	if !have {
		return false, nil
	}
	outs, err := ops.Execute(ctx, n, args, g.Opset)
	if err != nil {
		// Left in place for the validator to report.
		return false, nil
	}
	for i, name := range n.Outputs {
		if name == "" || i >= len(outs) {
			continue
		}
		addInit(g, inits, known, outs[i].Clone().Renamed(name))
	}
	return true, nil
}

func addInit(g *graph.Graph, inits map[string]*graph.Tensor, known map[string]ops.Value, t *graph.Tensor) {
	g.Initializers = append(g.Initializers, t)
	inits[t.Name] = t
	known[t.Name] = ops.ValueOf(t)
}
