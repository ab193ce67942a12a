package rewrite

import (
	"context"
	"slices"

	"github.com/emirpasic/gods/v2/lists/arraylist"

	"github.com/zerfoo/yolonnx/pkg/graph"
)

// dropIdentity removes Identity nodes and inference-mode Dropout nodes.
func dropIdentity(_ context.Context, g *graph.Graph) (int, error) {
	producers := g.Producers()
	inits := g.InitializerMap()
	dead := make(map[*graph.Node]bool)
	for _, n := range g.Nodes {
		if !passThrough(n, inits) {
			continue
		}
		in, out := n.Inputs[0], n.Outputs[0]
		switch {
		case !g.IsOutput(out):
			for _, c := range g.Nodes {
				for i, name := range c.Inputs {
					if name == out {
						c.Inputs[i] = in
					}
				}
			}
		case producers[in] != nil && !dead[producers[in]] && !g.IsOutput(in):
			// The output name must survive, so the producer takes it over.
			dead[n] = true
			n.Outputs[0] = ""
			g.RenameTensor(in, out)
			producers[out] = producers[in]
			continue
		default:
			continue
		}
		dead[n] = true
	}
	return removeNodes(g, dead), nil
}

func passThrough(n *graph.Node, inits map[string]*graph.Tensor) bool {
	switch n.OpType {
	case "Identity":
		return len(n.Outputs) == 1
	case "Dropout":
		if len(n.Outputs) > 1 && n.Outputs[1] != "" {
			return false
		}
		if name := n.Input(2); name != "" {
			t, ok := inits[name]
			if !ok {
				return false
			}
			if v, err := t.Ints(); err != nil || len(v) != 1 || v[0] != 0 {
				return false
			}
		}
		return true
	}
	return false
}

// mergeReshape lets a Reshape read the input of a Reshape feeding it when
// its own target has no copied (zero) dimensions.
func mergeReshape(_ context.Context, g *graph.Graph) (int, error) {
	producers := g.Producers()
	consumers := g.Consumers()
	inits := g.InitializerMap()
	changed := 0
	for _, n := range g.Nodes {
		if n.OpType != "Reshape" {
			continue
		}
		p := producers[n.Inputs[0]]
		if p == nil || p.OpType != "Reshape" || len(consumers[n.Inputs[0]]) != 1 || g.IsOutput(n.Inputs[0]) {
			continue
		}
		target, ok := inits[n.Inputs[1]]
		if !ok {
			continue
		}
		dims, err := target.Ints()
		if err != nil || (slices.Contains(dims, 0) && n.AttrInt("allowzero", 0) == 0) {
			continue
		}
		n.Inputs[0] = p.Inputs[0]
		changed++
	}
	return changed, nil
}

// deadCode removes nodes that no graph output depends on, then unused
// initializers.
func deadCode(_ context.Context, g *graph.Graph) (int, error) {
	producers := g.Producers()
	live := make(map[*graph.Node]bool)
	work := arraylist.New[string]()
	for _, o := range g.Outputs {
		work.Add(o.Name)
	}
	for !work.Empty() {
		last := work.Size() - 1
		name, _ := work.Get(last)
		work.Remove(last)
		n := producers[name]
		if n == nil || live[n] {
			continue
		}
		live[n] = true
		for _, in := range n.Inputs {
			if in != "" {
				work.Add(in)
			}
		}
	}
	dead := make(map[*graph.Node]bool)
	for _, n := range g.Nodes {
		if !live[n] {
			dead[n] = true
		}
	}
	return removeNodes(g, dead) + g.RemoveUnusedInitializers(), nil
}
