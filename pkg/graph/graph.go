// Package graph holds the in-memory computation graph that every pipeline
// stage passes along, together with a builder that keeps tensor names
// consistent and the conversion to and from the ONNX wire format.
package graph

import (
	"fmt"
	"maps"
	"slices"
)

const (
	// DefaultOpset is the opset used by conversion and fixture generation
	// alike when none is requested.
	DefaultOpset int64 = 12
	// MinOpset and MaxOpset bound the opsets this module can emit and check.
	MinOpset int64 = 9
	MaxOpset int64 = 17

	// BatchDim names the symbolic leading dimension of inputs and outputs.
	BatchDim = "batch_size"
	// Producer is stamped into every saved model.
	Producer = "yolonnx"
)

// ValueInfo declares a graph input or output.
type ValueInfo struct {
	Name  string
	DType DataType
	Shape Shape
}

// Graph is an ordered list of nodes over named tensors.
type Graph struct {
	Name            string
	Opset           int64
	Producer        string
	ProducerVersion string
	Doc             string

	Nodes        []*Node
	Initializers []*Tensor
	Inputs       []ValueInfo
	Outputs      []ValueInfo

	Metadata map[string]string
}

// Initializer returns the named initializer.
func (g *Graph) Initializer(name string) (*Tensor, bool) {
	for _, t := range g.Initializers {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// InitializerMap indexes initializers by name.
func (g *Graph) InitializerMap() map[string]*Tensor {
	m := make(map[string]*Tensor, len(g.Initializers))
	for _, t := range g.Initializers {
		m[t.Name] = t
	}
	return m
}

// Producers maps each tensor name to the node that writes it.
func (g *Graph) Producers() map[string]*Node {
	m := make(map[string]*Node)
	for _, n := range g.Nodes {
		for _, o := range n.Outputs {
			if o != "" {
				m[o] = n
			}
		}
	}
	return m
}

// Consumers maps each tensor name to the nodes that read it.
func (g *Graph) Consumers() map[string][]*Node {
	m := make(map[string][]*Node)
	for _, n := range g.Nodes {
		for _, in := range n.Inputs {
			if in != "" {
				m[in] = append(m[in], n)
			}
		}
	}
	return m
}

// IsOutput reports whether name is a declared graph output.
func (g *Graph) IsOutput(name string) bool {
	for _, o := range g.Outputs {
		if o.Name == name {
			return true
		}
	}
	return false
}

// RemoveUnusedInitializers drops initializers no node reads and returns how
// many were removed.
func (g *Graph) RemoveUnusedInitializers() int {
	used := make(map[string]bool)
	for _, n := range g.Nodes {
		for _, in := range n.Inputs {
			used[in] = true
		}
	}
	for _, o := range g.Outputs {
		used[o.Name] = true
	}
	before := len(g.Initializers)
	g.Initializers = slices.DeleteFunc(g.Initializers, func(t *Tensor) bool { return !used[t.Name] })
	return before - len(g.Initializers)
}

// Clone returns a deep copy.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		Name:            g.Name,
		Opset:           g.Opset,
		Producer:        g.Producer,
		ProducerVersion: g.ProducerVersion,
		Doc:             g.Doc,
		Metadata:        maps.Clone(g.Metadata),
	}
	for _, n := range g.Nodes {
		c.Nodes = append(c.Nodes, n.Clone())
	}
	for _, t := range g.Initializers {
		c.Initializers = append(c.Initializers, t.Clone())
	}
	for _, v := range g.Inputs {
		c.Inputs = append(c.Inputs, ValueInfo{Name: v.Name, DType: v.DType, Shape: v.Shape.Clone()})
	}
	for _, v := range g.Outputs {
		c.Outputs = append(c.Outputs, ValueInfo{Name: v.Name, DType: v.DType, Shape: v.Shape.Clone()})
	}
	return c
}

// Stats summarizes a graph.
type Stats struct {
	Nodes             int
	Initializers      int
	FloatBytes        int
	InitializerBytes  int
	ConstantNodeBytes int
	OpCounts          map[string]int
}

// Stats counts nodes per op type and initializer bytes. Constant node
// payloads count toward FloatBytes when they hold floats.
func (g *Graph) Stats() Stats {
	s := Stats{
		Nodes:        len(g.Nodes),
		Initializers: len(g.Initializers),
		OpCounts:     make(map[string]int),
	}
	for _, t := range g.Initializers {
		s.InitializerBytes += t.ByteSize()
		if t.DType == Float {
			s.FloatBytes += t.ByteSize()
		}
	}
	for _, n := range g.Nodes {
		s.OpCounts[n.OpType]++
		if n.OpType != "Constant" {
			continue
		}
		if a, ok := n.Attr("value"); ok && a.T != nil {
			s.ConstantNodeBytes += a.T.ByteSize()
			if a.T.DType == Float {
				s.FloatBytes += a.T.ByteSize()
			}
		}
	}
	return s
}

// CheckOpset reports whether opset is in the supported range.
func CheckOpset(opset int64) error {
	if opset < MinOpset || opset > MaxOpset {
		return fmt.Errorf("opset %d outside supported range [%d, %d]", opset, MinOpset, MaxOpset)
	}
	return nil
}

// IRVersion returns the ONNX IR version that matches an opset.
func IRVersion(opset int64) int64 {
	switch {
	case opset <= 9:
		return 4
	case opset == 10:
		return 5
	case opset == 11:
		return 6
	case opset <= 14:
		return 7
	}
	return 8
}

// RenameTensor replaces every reference to tensor from with to.
func (g *Graph) RenameTensor(from, to string) {
	rename := func(names []string) {
		for i, n := range names {
			if n == from {
				names[i] = to
			}
		}
	}
	for _, n := range g.Nodes {
		rename(n.Inputs)
		rename(n.Outputs)
	}
	for _, t := range g.Initializers {
		if t.Name == from {
			t.Name = to
		}
	}
	for i := range g.Inputs {
		if g.Inputs[i].Name == from {
			g.Inputs[i].Name = to
		}
	}
	for i := range g.Outputs {
		if g.Outputs[i].Name == from {
			g.Outputs[i].Name = to
		}
	}
}
