package nn

import (
	"fmt"

	"github.com/zerfoo/yolonnx/pkg/graph"
)

// CSPConv is the Conv block of the CSP family: batch norm with eps 1e-3
// and SiLU. A negative pad means same padding.
func CSPConv(prefix string, in, out, kernel, stride, pad, groups int) (*Conv, error) {
	if pad < 0 {
		pad = kernel / 2
	}
	return NewConv(prefix, ConvConfig{
		In:         in,
		Out:        out,
		Kernel:     kernel,
		Stride:     stride,
		Pad:        pad,
		Groups:     groups,
		BatchNorm:  true,
		Eps:        1e-3,
		Activation: SiLU,
		ConvName:   "conv",
		BNName:     "bn",
	})
}

// Bottleneck is 1x1 then 3x3 convolution with an optional residual add.
type Bottleneck struct {
	CV1, CV2 *Conv
	Add      bool
}

// NewBottleneck allocates a bottleneck with hidden width out*expansion.
func NewBottleneck(prefix string, in, out int, shortcut bool, groups int, expansion float64) (*Bottleneck, error) {
	hidden := int(float64(out) * expansion)
	cv1, err := CSPConv(prefix+".cv1", in, hidden, 1, 1, -1, 1)
	if err != nil {
		return nil, err
	}
	cv2, err := CSPConv(prefix+".cv2", hidden, out, 3, 1, -1, groups)
	if err != nil {
		return nil, err
	}
	return &Bottleneck{CV1: cv1, CV2: cv2, Add: shortcut && in == out}, nil
}

func (b *Bottleneck) Params() []*Param {
	return append(b.CV1.Params(), b.CV2.Params()...)
}

func (b *Bottleneck) Forward(s *Scope, in []*Value) (*Value, error) {
	return b.apply(s, in[0])
}

func (b *Bottleneck) apply(s *Scope, x *Value) (*Value, error) {
	y, err := b.CV1.apply(s, x)
	if err != nil {
		return nil, err
	}
	if y, err = b.CV2.apply(s, y); err != nil {
		return nil, err
	}
	if !b.Add {
		return y, nil
	}
	return s.Op("Add", []*Value{x, y})
}

// C3 is a CSP bottleneck stack with three convolutions.
type C3 struct {
	CV1, CV2, CV3 *Conv
	M             []*Bottleneck
}

// NewC3 allocates a C3 block with n bottlenecks.
func NewC3(prefix string, in, out, n int, shortcut bool) (*C3, error) {
	hidden := out / 2
	c := &C3{}
	var err error
	if c.CV1, err = CSPConv(prefix+".cv1", in, hidden, 1, 1, -1, 1); err != nil {
		return nil, err
	}
	if c.CV2, err = CSPConv(prefix+".cv2", in, hidden, 1, 1, -1, 1); err != nil {
		return nil, err
	}
	if c.CV3, err = CSPConv(prefix+".cv3", 2*hidden, out, 1, 1, -1, 1); err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		b, err := NewBottleneck(fmt.Sprintf("%s.m.%d", prefix, i), hidden, hidden, shortcut, 1, 1.0)
		if err != nil {
			return nil, err
		}
		c.M = append(c.M, b)
	}
	return c, nil
}

func (c *C3) Params() []*Param {
	ps := append(c.CV1.Params(), c.CV2.Params()...)
	ps = append(ps, c.CV3.Params()...)
	for _, b := range c.M {
		ps = append(ps, b.Params()...)
	}
	return ps
}

func (c *C3) Forward(s *Scope, in []*Value) (*Value, error) {
	a, err := c.CV1.apply(s, in[0])
	if err != nil {
		return nil, err
	}
	for _, b := range c.M {
		if a, err = b.apply(s, a); err != nil {
			return nil, err
		}
	}
	side, err := c.CV2.apply(s, in[0])
	if err != nil {
		return nil, err
	}
	cat, err := s.Op("Concat", []*Value{a, side}, graph.IntAttr("axis", 1))
	if err != nil {
		return nil, err
	}
	return c.CV3.apply(s, cat)
}

// SPPF pools the same map three times with a stride-1 window and
// concatenates the four results.
type SPPF struct {
	CV1, CV2 *Conv
	Pool     *MaxPool
}

// NewSPPF allocates an SPPF block with pooling window k.
func NewSPPF(prefix string, in, out, k int) (*SPPF, error) {
	hidden := in / 2
	cv1, err := CSPConv(prefix+".cv1", in, hidden, 1, 1, -1, 1)
	if err != nil {
		return nil, err
	}
	cv2, err := CSPConv(prefix+".cv2", hidden*4, out, 1, 1, -1, 1)
	if err != nil {
		return nil, err
	}
	return &SPPF{CV1: cv1, CV2: cv2, Pool: &MaxPool{Size: k, Stride: 1, PadBegin: k / 2, PadEnd: k / 2}}, nil
}

func (p *SPPF) Params() []*Param { return append(p.CV1.Params(), p.CV2.Params()...) }

func (p *SPPF) Forward(s *Scope, in []*Value) (*Value, error) {
	x, err := p.CV1.apply(s, in[0])
	if err != nil {
		return nil, err
	}
	parts := []*Value{x}
	for i := 0; i < 3; i++ {
		y, err := p.Pool.Forward(s, parts[len(parts)-1:])
		if err != nil {
			return nil, err
		}
		parts = append(parts, y)
	}
	cat, err := s.Op("Concat", parts, graph.IntAttr("axis", 1))
	if err != nil {
		return nil, err
	}
	return p.CV2.apply(s, cat)
}
