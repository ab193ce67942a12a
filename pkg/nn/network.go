package nn

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/zerfoo/yolonnx/pkg/graph"
)

var (
	// ErrFrozen is returned when parameters are assigned in eval mode.
	ErrFrozen = errors.New("parameters are frozen in eval mode")
	// ErrMissingParam is returned when a checkpoint lacks a parameter.
	ErrMissingParam = errors.New("parameter missing from checkpoint")
	// ErrShapeMismatch is returned when a checkpoint tensor has the wrong shape.
	ErrShapeMismatch = errors.New("parameter shape mismatch")
)

// Input is the stage index that stands for the network input.
const Input = -1

// Stage is a layer together with the stages it reads.
type Stage struct {
	Name  string
	From  []int
	Layer Layer
}

// Network is an executable detector. A new network is in training mode.
type Network struct {
	Name       string
	Family     string
	Channels   int
	NumClasses int
	InputSize  int // square input size from the definition, 0 if unknown
	Stages     []Stage
	training   bool
}

// New returns an empty network in training mode.
func New(name, family string, numClasses int) *Network {
	return &Network{Name: name, Family: family, Channels: 3, NumClasses: numClasses, training: true}
}

// Add appends a stage reading the given earlier stages and returns its index.
func (n *Network) Add(name string, from []int, l Layer) (int, error) {
	i := len(n.Stages)
	if len(from) == 0 {
		return 0, fmt.Errorf("stage %d (%s) reads nothing", i, name)
	}
	for _, f := range from {
		if f != Input && (f < 0 || f >= i) {
			return 0, fmt.Errorf("stage %d (%s) reads stage %d", i, name, f)
		}
	}
	n.Stages = append(n.Stages, Stage{Name: name, From: slices.Clone(from), Layer: l})
	return i, nil
}

// Train switches to training mode.
func (n *Network) Train() { n.training = true }

// Eval switches to inference mode and freezes parameters.
func (n *Network) Eval() { n.training = false }

// Training reports whether the network is in training mode.
func (n *Network) Training() bool { return n.training }

// Params returns every parameter in stage order.
func (n *Network) Params() []*Param {
	var ps []*Param
	for _, st := range n.Stages {
		ps = append(ps, st.Layer.Params()...)
	}
	return ps
}

// NumParams returns the total number of parameter elements.
func (n *Network) NumParams() int {
	total := 0
	for _, p := range n.Params() {
		total += p.Len()
	}
	return total
}

// Forward runs the network on x without tracing.
func (n *Network) Forward(ctx context.Context, x *graph.Tensor) (*graph.Tensor, error) {
	out, err := n.Run(NewScope(ctx, graph.DefaultOpset), &Value{T: x})
	if err != nil {
		return nil, err
	}
	return out.T, nil
}

// Run executes the network within s. The result is the concatenation of
// all head detections, or the last stage output for a network without heads.
func (n *Network) Run(s *Scope, x *Value) (*Value, error) {
	if len(n.Stages) == 0 {
		return nil, fmt.Errorf("network %q has no stages", n.Name)
	}
	if d := x.T.Dims; len(d) != 4 || d[1] != int64(n.Channels) {
		return nil, fmt.Errorf("network %q expects [N,%d,H,W] input, got %v", n.Name, n.Channels, d)
	}
	s.training = n.training
	defer func() { s.prefix = "" }()

	outs := make([]*Value, len(n.Stages))
	var dets []*Value
	for i, st := range n.Stages {
		in := make([]*Value, len(st.From))
		for j, f := range st.From {
			if f == Input {
				in[j] = x
			} else {
				in[j] = outs[f]
			}
		}
		s.prefix = st.Name
		out, err := st.Layer.Forward(s, in)
		if err != nil {
			return nil, fmt.Errorf("stage %d (%s): %w", i, st.Name, err)
		}
		outs[i] = out
		if h, ok := st.Layer.(Head); ok {
			d, err := h.Detections(s, in, out)
			if err != nil {
				return nil, fmt.Errorf("stage %d (%s): %w", i, st.Name, err)
			}
			dets = append(dets, d...)
		}
	}
	switch len(dets) {
	case 0:
		return outs[len(outs)-1], nil
	case 1:
		return dets[0], nil
	}
	s.prefix = "detections"
	return s.Op("Concat", dets, graph.IntAttr("axis", 1))
}

// TensorSource yields checkpoint tensors by state-dict key.
type TensorSource interface {
	Tensor(name string) (*graph.Tensor, bool)
}

// LoadStateDict copies every parameter from src, matching parameter names
// to keys. Keys src holds beyond the parameters are ignored.
func (n *Network) LoadStateDict(src TensorSource) error {
	if !n.training {
		return ErrFrozen
	}
	for _, p := range n.Params() {
		t, ok := src.Tensor(p.Name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingParam, p.Name)
		}
		if err := p.Assign(t); err != nil {
			return err
		}
	}
	return nil
}

// Assign copies t into the parameter.
func (p *Param) Assign(t *graph.Tensor) error {
	if t.DType != graph.Float {
		return fmt.Errorf("%s: want float32 tensor, got %s", p.Name, t.DType)
	}
	if !slices.Equal(t.Dims, p.T.Dims) {
		// Biases are sometimes stored as [C,1,1,1] or [1,C].
		if t.Len() != p.Len() || len(p.T.Dims) != 1 {
			return fmt.Errorf("%w: %s is %v in the checkpoint, want %v", ErrShapeMismatch, p.Name, t.Dims, p.T.Dims)
		}
	}
	copy(p.T.Float, t.Float)
	return nil
}
