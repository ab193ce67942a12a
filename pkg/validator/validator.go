// Package validator checks that a graph is well formed before it is
// written: known operators at the declared opset, resolvable tensor
// references, and shapes that agree with the declared outputs.
package validator

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/zerfoo/yolonnx/pkg/graph"
	"github.com/zerfoo/yolonnx/pkg/ops"
)

// ErrStructural matches every *StructuralError.
var ErrStructural = errors.New("structural error")

// StructuralError lists every problem found in a graph.
type StructuralError struct {
	Graph  string
	Issues []string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("graph %q is invalid: %s", e.Graph, strings.Join(e.Issues, "; "))
}

func (e *StructuralError) Is(target error) bool { return target == ErrStructural }

type checker struct {
	g      *graph.Graph
	issues []string
}

func (c *checker) addf(format string, args ...any) {
	c.issues = append(c.issues, fmt.Sprintf(format, args...))
}

// Validate returns nil or a *StructuralError.
func Validate(g *graph.Graph) error {
	c := &checker{g: g}
	if err := graph.CheckOpset(g.Opset); err != nil {
		c.addf("%v", err)
	} else {
		c.operators()
	}
	c.references()
	if len(c.issues) == 0 {
		c.shapes()
	}
	if len(c.issues) > 0 {
		return &StructuralError{Graph: g.Name, Issues: c.issues}
	}
	return nil
}

func (c *checker) operators() {
	for _, n := range c.g.Nodes {
		s, err := ops.Lookup(n.OpType, c.g.Opset)
		switch {
		case errors.Is(err, ops.ErrUnknownOperator):
			if alt := suggest(n.OpType); alt != "" {
				c.addf("node %q: unknown operator %s (did you mean %s?)", n.Name, n.OpType, alt)
			} else {
				c.addf("node %q: unknown operator %s", n.Name, n.OpType)
			}
		case err != nil:
			c.addf("node %q: %v", n.Name, err)
		default:
			if err := s.CheckNode(n); err != nil {
				c.addf("%v", err)
			}
		}
	}
}

// suggest returns the registered op type closest to name, if any is close.
func suggest(name string) string {
	best, score := "", math.MaxInt
	for _, cand := range ops.Names() {
		if d := levenshtein.ComputeDistance(strings.ToLower(name), strings.ToLower(cand)); d < score {
			best, score = cand, d
		}
	}
	if score > max(2, len(name)/3) {
		return ""
	}
	return best
}

func (c *checker) references() {
	defined := make(map[string]string)
	define := func(name, by string) {
		if prev, ok := defined[name]; ok {
			c.addf("%v: %q is produced by %s and %s", graph.ErrDuplicateTensor, name, prev, by)
			return
		}
		defined[name] = by
	}
	for _, v := range c.g.Inputs {
		define(v.Name, "graph input")
	}
	for _, t := range c.g.Initializers {
		define(t.Name, "initializer")
	}
	for _, n := range c.g.Nodes {
		for _, in := range n.Inputs {
			if in == "" {
				continue
			}
			if _, ok := defined[in]; !ok {
				c.addf("%v: node %q reads %q before it is produced", graph.ErrDanglingInput, n.Name, in)
			}
		}
		for _, out := range n.Outputs {
			if out != "" {
				define(out, fmt.Sprintf("node %q", n.Name))
			}
		}
	}
	seen := make(map[string]bool)
	for _, o := range c.g.Outputs {
		by, ok := defined[o.Name]
		switch {
		case seen[o.Name]:
			c.addf("output %q is declared twice", o.Name)
		case !ok:
			c.addf("%v: %q", graph.ErrUnknownOutput, o.Name)
		case !strings.HasPrefix(by, "node "):
			c.addf("%v: %q is a %s", graph.ErrUnknownOutput, o.Name, by)
		}
		seen[o.Name] = true
	}
	if len(c.g.Outputs) == 0 {
		c.addf("graph declares no outputs")
	}
}

func (c *checker) shapes() {
	known := make(map[string]ops.Value)
	for _, v := range c.g.Inputs {
		known[v.Name] = ops.Value{DType: v.DType, Shape: v.Shape}
	}
	for _, t := range c.g.Initializers {
		known[t.Name] = ops.ValueOf(t)
	}
	for _, n := range c.g.Nodes {
		in := make([]ops.Value, len(n.Inputs))
		for i, name := range n.Inputs {
			if name != "" {
				in[i] = known[name]
			}
		}
		out, err := ops.Infer(n, in, c.g.Opset)
		if err != nil {
			c.addf("shape inference: %v", err)
			return
		}
		for i, name := range n.Outputs {
			if name != "" && i < len(out) {
				known[name] = out[i]
			}
		}
	}
	for _, o := range c.g.Outputs {
		got := known[o.Name]
		if got.DType != o.DType {
			c.addf("output %q is %s, declared %s", o.Name, got.DType, o.DType)
		}
		if !got.Shape.Compatible(o.Shape) {
			c.addf("output %q has inferred shape %s, declared %s", o.Name, got.Shape, o.Shape)
		}
	}
}
