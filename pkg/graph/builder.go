package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrDanglingInput is returned when a node reads a tensor nobody produced.
	ErrDanglingInput = errors.New("dangling tensor reference")
	// ErrDuplicateTensor is returned when a tensor name is produced twice.
	ErrDuplicateTensor = errors.New("duplicate tensor name")
	// ErrUnknownOutput is returned when a declared output is not produced by a node.
	ErrUnknownOutput = errors.New("graph output not produced by any node")
)

// Builder assembles a Graph while tracking which tensor names exist, so a
// reference to an undefined tensor fails when the node is added rather than
// when the finished graph is checked.
type Builder struct {
	g       *Graph
	defined map[string]string // tensor name -> "input" | "initializer" | node name
	counter map[string]int
}

// NewBuilder starts an empty graph.
func NewBuilder(name string, opset int64) *Builder {
	return &Builder{
		g: &Graph{
			Name:     name,
			Opset:    opset,
			Producer: Producer,
			Metadata: map[string]string{},
		},
		defined: make(map[string]string),
		counter: make(map[string]int),
	}
}

// Opset returns the opset of the graph under construction.
func (b *Builder) Opset() int64 { return b.g.Opset }

// Has reports whether a tensor name is already defined.
func (b *Builder) Has(name string) bool {
	_, ok := b.defined[name]
	return ok
}

// UniqueName returns prefix, or prefix_N when prefix is taken.
func (b *Builder) UniqueName(prefix string) string {
	if !b.Has(prefix) && b.counter[prefix] == 0 {
		b.counter[prefix] = 1
		return prefix
	}
	for {
		n := b.counter[prefix]
		b.counter[prefix] = n + 1
		name := fmt.Sprintf("%s_%d", prefix, n)
		if !b.Has(name) {
			return name
		}
	}
}

func (b *Builder) define(name, by string) error {
	if name == "" {
		return fmt.Errorf("empty tensor name defined by %s", by)
	}
	if prev, ok := b.defined[name]; ok {
		return fmt.Errorf("%w: %q defined by %s and %s", ErrDuplicateTensor, name, prev, by)
	}
	b.defined[name] = by
	return nil
}

// Input declares a graph input.
func (b *Builder) Input(name string, dtype DataType, shape Shape) (string, error) {
	if err := b.define(name, "input"); err != nil {
		return "", err
	}
	b.g.Inputs = append(b.g.Inputs, ValueInfo{Name: name, DType: dtype, Shape: shape.Clone()})
	return name, nil
}

// Initializer adds a constant tensor under its own name.
func (b *Builder) Initializer(t *Tensor) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	if err := b.define(t.Name, "initializer"); err != nil {
		return "", err
	}
	b.g.Initializers = append(b.g.Initializers, t)
	return t.Name, nil
}

// Constant adds a Constant node whose single output carries t.
func (b *Builder) Constant(name string, t *Tensor) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	value := t.Renamed("")
	if _, err := b.Node("Constant", nil, []string{name}, TensorAttr("value", value)); err != nil {
		return "", err
	}
	return name, nil
}

// Node appends a node. Every non-empty input must already be defined and no
// output may be defined yet. The node is named after its op type when it
// has no name.
func (b *Builder) Node(opType string, inputs, outputs []string, attrs ...Attribute) (*Node, error) {
	return b.NamedNode("", opType, inputs, outputs, attrs...)
}

// NamedNode is Node with an explicit node name.
func (b *Builder) NamedNode(name, opType string, inputs, outputs []string, attrs ...Attribute) (*Node, error) {
	if name == "" {
		name = b.nodeName(opType)
	}
	for _, in := range inputs {
		if in == "" {
			continue
		}
		if !b.Has(in) {
			return nil, fmt.Errorf("%w: node %q (%s) reads %q", ErrDanglingInput, name, opType, in)
		}
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("node %q (%s) has no outputs", name, opType)
	}
	for i, out := range outputs {
		if err := b.define(out, "node "+name); err != nil {
			for _, done := range outputs[:i] {
				delete(b.defined, done)
			}
			return nil, err
		}
	}
	n := &Node{
		Name:    name,
		OpType:  opType,
		Inputs:  append([]string(nil), inputs...),
		Outputs: append([]string(nil), outputs...),
		Attrs:   attrs,
	}
	b.g.Nodes = append(b.g.Nodes, n)
	return n, nil
}

func (b *Builder) nodeName(opType string) string {
	key := "node:" + opType
	n := b.counter[key]
	b.counter[key] = n + 1
	return fmt.Sprintf("%s_%d", opType, n)
}

// Output declares a graph output. The tensor must be produced by a node.
func (b *Builder) Output(name string, dtype DataType, shape Shape) error {
	by, ok := b.defined[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOutput, name)
	}
	if by == "input" || by == "initializer" {
		return fmt.Errorf("%w: %q is a graph %s", ErrUnknownOutput, name, by)
	}
	if b.g.IsOutput(name) {
		return fmt.Errorf("%w: output %q declared twice", ErrDuplicateTensor, name)
	}
	b.g.Outputs = append(b.g.Outputs, ValueInfo{Name: name, DType: dtype, Shape: shape.Clone()})
	return nil
}

// SetMetadata records a key/value pair in the model metadata.
func (b *Builder) SetMetadata(key, value string) { b.g.Metadata[key] = value }

// Build returns the graph. The builder must not be used afterwards.
func (b *Builder) Build() (*Graph, error) {
	if len(b.g.Outputs) == 0 {
		return nil, fmt.Errorf("graph %q declares no outputs", b.g.Name)
	}
	g := b.g
	b.g = nil
	return g, nil
}
