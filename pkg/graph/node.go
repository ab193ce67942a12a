package graph

import "slices"

// AttrKind discriminates the attribute payload.
type AttrKind int

const (
	AttrFloat AttrKind = iota + 1
	AttrInt
	AttrString
	AttrTensor
	AttrFloats
	AttrInts
	AttrStrings
)

// Attribute is a named operator attribute.
type Attribute struct {
	Name    string
	Kind    AttrKind
	F       float32
	I       int64
	S       string
	T       *Tensor
	Floats  []float32
	Ints    []int64
	Strings []string
}

// IntAttr builds an INT attribute.
func IntAttr(name string, v int64) Attribute { return Attribute{Name: name, Kind: AttrInt, I: v} }

// IntsAttr builds an INTS attribute.
func IntsAttr(name string, vs ...int64) Attribute {
	return Attribute{Name: name, Kind: AttrInts, Ints: append([]int64{}, vs...)}
}

// FloatAttr builds a FLOAT attribute.
func FloatAttr(name string, v float32) Attribute {
	return Attribute{Name: name, Kind: AttrFloat, F: v}
}

// FloatsAttr builds a FLOATS attribute.
func FloatsAttr(name string, vs ...float32) Attribute {
	return Attribute{Name: name, Kind: AttrFloats, Floats: append([]float32{}, vs...)}
}

// StringAttr builds a STRING attribute.
func StringAttr(name, v string) Attribute { return Attribute{Name: name, Kind: AttrString, S: v} }

// TensorAttr builds a TENSOR attribute.
func TensorAttr(name string, t *Tensor) Attribute {
	return Attribute{Name: name, Kind: AttrTensor, T: t}
}

func (a Attribute) clone() Attribute {
	c := a
	c.T = a.T.Clone()
	c.Floats = slices.Clone(a.Floats)
	c.Ints = slices.Clone(a.Ints)
	c.Strings = slices.Clone(a.Strings)
	return c
}

// Node is one operator invocation. An empty input name marks an omitted
// optional input.
type Node struct {
	Name    string
	OpType  string
	Inputs  []string
	Outputs []string
	Attrs   []Attribute
}

// Attr looks up an attribute by name.
func (n *Node) Attr(name string) (Attribute, bool) {
	for _, a := range n.Attrs {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// AttrInt returns an INT attribute or def.
func (n *Node) AttrInt(name string, def int64) int64 {
	if a, ok := n.Attr(name); ok && a.Kind == AttrInt {
		return a.I
	}
	return def
}

// AttrInts returns an INTS attribute or def.
func (n *Node) AttrInts(name string, def []int64) []int64 {
	if a, ok := n.Attr(name); ok && a.Kind == AttrInts {
		return a.Ints
	}
	return def
}

// AttrFloat returns a FLOAT attribute or def.
func (n *Node) AttrFloat(name string, def float32) float32 {
	if a, ok := n.Attr(name); ok && a.Kind == AttrFloat {
		return a.F
	}
	return def
}

// AttrFloats returns a FLOATS attribute or def.
func (n *Node) AttrFloats(name string, def []float32) []float32 {
	if a, ok := n.Attr(name); ok && a.Kind == AttrFloats {
		return a.Floats
	}
	return def
}

// AttrString returns a STRING attribute or def.
func (n *Node) AttrString(name, def string) string {
	if a, ok := n.Attr(name); ok && a.Kind == AttrString {
		return a.S
	}
	return def
}

// SetAttr replaces or appends an attribute.
func (n *Node) SetAttr(a Attribute) {
	for i := range n.Attrs {
		if n.Attrs[i].Name == a.Name {
			n.Attrs[i] = a
			return
		}
	}
	n.Attrs = append(n.Attrs, a)
}

// Input returns the i-th input name or "" when absent.
func (n *Node) Input(i int) string {
	if i < len(n.Inputs) {
		return n.Inputs[i]
	}
	return ""
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	c := &Node{
		Name:    n.Name,
		OpType:  n.OpType,
		Inputs:  slices.Clone(n.Inputs),
		Outputs: slices.Clone(n.Outputs),
	}
	for _, a := range n.Attrs {
		c.Attrs = append(c.Attrs, a.clone())
	}
	return c
}
