package graph

import (
	"strconv"
	"strings"
)

// Dim is one tensor dimension. A dimension is static when Param is empty and
// Value is non-negative, symbolic when Param is set, and unknown otherwise.
type Dim struct {
	Value int64
	Param string
}

// Static returns a fixed dimension.
func Static(v int64) Dim { return Dim{Value: v} }

// Symbolic returns a named dynamic dimension.
func Symbolic(name string) Dim { return Dim{Value: -1, Param: name} }

// Unknown returns a dimension with neither a value nor a name.
func Unknown() Dim { return Dim{Value: -1} }

// IsStatic reports whether the dimension has a fixed value.
func (d Dim) IsStatic() bool { return d.Param == "" && d.Value >= 0 }

func (d Dim) String() string {
	switch {
	case d.Param != "":
		return d.Param
	case d.Value >= 0:
		return strconv.FormatInt(d.Value, 10)
	}
	return "?"
}

// Shape is an ordered list of dimensions.
type Shape []Dim

// ShapeOf builds a fully static shape.
func ShapeOf(dims ...int64) Shape {
	s := make(Shape, len(dims))
	for i, d := range dims {
		s[i] = Static(d)
	}
	return s
}

// Static returns the dimension values when every dimension is static.
func (s Shape) Static() ([]int64, bool) {
	out := make([]int64, len(s))
	for i, d := range s {
		if !d.IsStatic() {
			return nil, false
		}
		out[i] = d.Value
	}
	return out, true
}

// Bind replaces symbolic and unknown dimensions with v.
func (s Shape) Bind(v int64) []int64 {
	out := make([]int64, len(s))
	for i, d := range s {
		if d.IsStatic() {
			out[i] = d.Value
		} else {
			out[i] = v
		}
	}
	return out
}

// Equal compares dimension by dimension, including parameter names.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Compatible reports whether o could describe the same tensor as s: ranks
// match and dimensions agree wherever both are static.
func (s Shape) Compatible(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i].IsStatic() && o[i].IsStatic() && s[i].Value != o[i].Value {
			return false
		}
	}
	return true
}

// Clone returns a copy.
func (s Shape) Clone() Shape { return append(Shape(nil), s...) }

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = d.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}
