// Package rewrite holds semantics-preserving graph passes shared by the
// simplifier and the execution engine.
package rewrite

import (
	"context"
	"fmt"
	"slices"

	"github.com/zerfoo/yolonnx/pkg/graph"
)

// Pass rewrites g in place and reports how many changes it made.
type Pass struct {
	Name  string
	Apply func(ctx context.Context, g *graph.Graph) (int, error)
}

var (
	LiftConstants = Pass{"lift-constants", liftConstants}
	FoldConstants = Pass{"fold-constants", foldConstants}
	FuseConvBN    = Pass{"fuse-conv-bn", fuseConvBN}
	DropIdentity  = Pass{"drop-identity", dropIdentity}
	MergeReshape  = Pass{"merge-reshape", mergeReshape}
	DeadCode      = Pass{"dead-code", deadCode}
)

// Basic folds constants and removes no-op and unreachable nodes.
var Basic = []Pass{LiftConstants, FoldConstants, DropIdentity, DeadCode}

// All is Basic plus operator fusion.
var All = []Pass{LiftConstants, FoldConstants, FuseConvBN, DropIdentity, MergeReshape, DeadCode}

const maxRounds = 16

// Run applies passes repeatedly until none of them changes g and returns
// the number of changes per pass.
func Run(ctx context.Context, g *graph.Graph, passes []Pass) (map[string]int, error) {
	counts := make(map[string]int)
	for round := 0; round < maxRounds; round++ {
		changed := 0
		for _, p := range passes {
			if err := ctx.Err(); err != nil {
				return counts, err
			}
			n, err := p.Apply(ctx, g)
			if err != nil {
				return counts, fmt.Errorf("%s: %w", p.Name, err)
			}
			counts[p.Name] += n
			changed += n
		}
		if changed == 0 {
			return counts, nil
		}
	}
	return counts, nil
}

// removeNodes drops the nodes marked in dead.
func removeNodes(g *graph.Graph, dead map[*graph.Node]bool) int {
	if len(dead) == 0 {
		return 0
	}
	before := len(g.Nodes)
	g.Nodes = slices.DeleteFunc(g.Nodes, func(n *graph.Node) bool { return dead[n] })
	return before - len(g.Nodes)
}

// names returns every tensor name in use.
func names(g *graph.Graph) map[string]bool {
	m := make(map[string]bool)
	for _, v := range g.Inputs {
		m[v.Name] = true
	}
	for _, t := range g.Initializers {
		m[t.Name] = true
	}
	for _, n := range g.Nodes {
		for _, o := range n.Outputs {
			m[o] = true
		}
	}
	return m
}

// freshName returns prefix or prefix_N, whichever is not in taken, and
// marks it taken.
func freshName(taken map[string]bool, prefix string) string {
	name := prefix
	for i := 1; taken[name]; i++ {
		name = fmt.Sprintf("%s_%d", prefix, i)
	}
	taken[name] = true
	return name
}

// MaterializeOutputs turns graph outputs that are initializers into
// Constant nodes, so every output is produced by a node.
func MaterializeOutputs(g *graph.Graph) int {
	changed := 0
	for _, o := range g.Outputs {
		i := slices.IndexFunc(g.Initializers, func(t *graph.Tensor) bool { return t.Name == o.Name })
		if i < 0 {
			continue
		}
		t := g.Initializers[i]
		g.Initializers = slices.Delete(g.Initializers, i, i+1)
		g.Nodes = append(g.Nodes, &graph.Node{
			Name:    freshNodeName(g, "/Constant"),
			OpType:  "Constant",
			Outputs: []string{o.Name},
			Attrs:   []graph.Attribute{graph.TensorAttr("value", t.Renamed(""))},
		})
		changed++
	}
	return changed
}

func freshNodeName(g *graph.Graph, prefix string) string {
	taken := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		taken[n.Name] = true
	}
	return freshName(taken, prefix)
}
