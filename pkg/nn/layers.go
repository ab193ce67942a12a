package nn

import (
	"fmt"
	"strings"

	"github.com/zerfoo/yolonnx/pkg/graph"
)

// Layer is one step of a network.
type Layer interface {
	// Forward computes the layer output from the outputs of the stages it
	// reads.
	Forward(s *Scope, in []*Value) (*Value, error)
	// Params lists learned tensors in the order weight files store them.
	Params() []*Param
}

// Param is a learned tensor with a fixed shape.
type Param struct {
	Name string
	T    *graph.Tensor
}

func newParam(name string, dims ...int64) *Param {
	return &Param{Name: name, T: graph.NewFloat(name, dims, nil)}
}

// Len returns the number of elements.
func (p *Param) Len() int { return p.T.Len() }

func joinName(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ".")
}

// Activation names accepted by Conv.
const (
	Linear   = "linear"
	Leaky    = "leaky"
	ReLU     = "relu"
	Logistic = "logistic"
	SiLU     = "silu"
	Mish     = "mish"
)

func activate(s *Scope, x *Value, act string) (*Value, error) {
	switch act {
	case Linear, "":
		return x, nil
	case Leaky:
		return s.Op("LeakyRelu", []*Value{x}, graph.FloatAttr("alpha", 0.1))
	case ReLU:
		return s.Op("Relu", []*Value{x})
	case Logistic:
		return s.Op("Sigmoid", []*Value{x})
	case SiLU:
		sig, err := s.Op("Sigmoid", []*Value{x})
		if err != nil {
			return nil, err
		}
		return s.Op("Mul", []*Value{x, sig})
	case Mish:
		sp, err := s.Op("Softplus", []*Value{x})
		if err != nil {
			return nil, err
		}
		th, err := s.Op("Tanh", []*Value{sp})
		if err != nil {
			return nil, err
		}
		return s.Op("Mul", []*Value{x, th})
	default:
		return nil, fmt.Errorf("unsupported activation %q", act)
	}
}

// ValidActivation reports whether act can be emitted.
func ValidActivation(act string) bool {
	switch act {
	case Linear, "", Leaky, ReLU, Logistic, SiLU, Mish:
		return true
	}
	return false
}

// BatchNorm holds inference-time batch normalization statistics.
type BatchNorm struct {
	Gamma, Beta, Mean, Var *Param
	Eps                    float32
}

// ConvConfig describes a convolution block.
type ConvConfig struct {
	In, Out    int
	Kernel     int
	Stride     int
	Pad        int
	Groups     int
	BatchNorm  bool
	Eps        float32
	Activation string
	// ConvName and BNName are inserted between the block prefix and the
	// parameter names, e.g. "conv" and "bn" give "<prefix>.conv.weight".
	ConvName, BNName string
}

// Conv is a convolution followed by optional batch normalization and an
// activation. Without batch normalization the convolution carries a bias.
type Conv struct {
	ConvConfig
	Weight *Param
	Bias   *Param
	BN     *BatchNorm
}

// NewConv allocates a zero-initialized block.
func NewConv(prefix string, cfg ConvConfig) (*Conv, error) {
	if cfg.Groups == 0 {
		cfg.Groups = 1
	}
	if cfg.Stride == 0 {
		cfg.Stride = 1
	}
	if cfg.BatchNorm && cfg.BNName == "" {
		cfg.BNName = "bn"
	}
	switch {
	case cfg.In <= 0 || cfg.Out <= 0 || cfg.Kernel <= 0:
		return nil, fmt.Errorf("conv %s: invalid geometry in=%d out=%d kernel=%d", prefix, cfg.In, cfg.Out, cfg.Kernel)
	case cfg.In%cfg.Groups != 0 || cfg.Out%cfg.Groups != 0:
		return nil, fmt.Errorf("conv %s: %d groups do not divide %d->%d channels", prefix, cfg.Groups, cfg.In, cfg.Out)
	case !ValidActivation(cfg.Activation):
		return nil, fmt.Errorf("conv %s: unsupported activation %q", prefix, cfg.Activation)
	}
	c := &Conv{ConvConfig: cfg}
	k := int64(cfg.Kernel)
	c.Weight = newParam(joinName(prefix, cfg.ConvName, "weight"), int64(cfg.Out), int64(cfg.In/cfg.Groups), k, k)
	if cfg.BatchNorm {
		out := int64(cfg.Out)
		bn := joinName(prefix, cfg.BNName)
		c.BN = &BatchNorm{
			Gamma: newParam(bn+".weight", out),
			Beta:  newParam(bn+".bias", out),
			Mean:  newParam(bn+".running_mean", out),
			Var:   newParam(bn+".running_var", out),
			Eps:   cfg.Eps,
		}
		for i := range c.BN.Gamma.T.Float {
			c.BN.Gamma.T.Float[i] = 1
			c.BN.Var.T.Float[i] = 1
		}
	} else {
		c.Bias = newParam(joinName(prefix, cfg.ConvName, "bias"), int64(cfg.Out))
	}
	return c, nil
}

// Params returns bias or batch norm (beta, gamma, mean, var) first, then the
// kernel, which is the darknet weights file order.
func (c *Conv) Params() []*Param {
	if c.BN != nil {
		return []*Param{c.BN.Beta, c.BN.Gamma, c.BN.Mean, c.BN.Var, c.Weight}
	}
	return []*Param{c.Bias, c.Weight}
}

func (c *Conv) Forward(s *Scope, in []*Value) (*Value, error) {
	return c.apply(s, in[0])
}

func (c *Conv) apply(s *Scope, x *Value) (*Value, error) {
	w, err := s.Param(c.Weight)
	if err != nil {
		return nil, err
	}
	args := []*Value{x, w}
	if c.Bias != nil {
		b, err := s.Param(c.Bias)
		if err != nil {
			return nil, err
		}
		args = append(args, b)
	}
	p, k := int64(c.Pad), int64(c.Kernel)
	y, err := s.Op("Conv", args,
		graph.IntsAttr("dilations", 1, 1),
		graph.IntAttr("group", int64(c.Groups)),
		graph.IntsAttr("kernel_shape", k, k),
		graph.IntsAttr("pads", p, p, p, p),
		graph.IntsAttr("strides", int64(c.Stride), int64(c.Stride)),
	)
	if err != nil {
		return nil, err
	}
	if c.BN != nil {
		bn := []*Param{c.BN.Gamma, c.BN.Beta, c.BN.Mean, c.BN.Var}
		args := []*Value{y}
		for _, p := range bn {
			v, err := s.Param(p)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		}
		if y, err = s.Op("BatchNormalization", args, graph.FloatAttr("epsilon", c.BN.Eps), graph.FloatAttr("momentum", 0.9)); err != nil {
			return nil, err
		}
	}
	return activate(s, y, c.Activation)
}

// MaxPool is a max pooling layer. Darknet pads the bottom/right edge so that
// a stride-1 pool keeps the spatial size.
type MaxPool struct {
	Size, Stride int
	PadBegin     int
	PadEnd       int
}

func (m *MaxPool) Params() []*Param { return nil }

func (m *MaxPool) Forward(s *Scope, in []*Value) (*Value, error) {
	b, e := int64(m.PadBegin), int64(m.PadEnd)
	k := int64(m.Size)
	return s.Op("MaxPool", in[:1],
		graph.IntsAttr("kernel_shape", k, k),
		graph.IntsAttr("pads", b, b, e, e),
		graph.IntsAttr("strides", int64(m.Stride), int64(m.Stride)),
	)
}

// Upsample repeats pixels by an integer factor. The emitted operator follows
// the opset: Upsample before 10, Resize with scales at 10, Resize with an
// empty roi and scales at 11 and 12, Resize without roi from 13.
type Upsample struct {
	Scale int
}

func (u *Upsample) Params() []*Param { return nil }

func (u *Upsample) Forward(s *Scope, in []*Value) (*Value, error) {
	f := float32(u.Scale)
	scales, err := s.Floats("scales", 1, 1, f, f)
	if err != nil {
		return nil, err
	}
	switch {
	case s.Opset() < 10:
		return s.Op("Upsample", []*Value{in[0], scales}, graph.StringAttr("mode", "nearest"))
	case s.Opset() == 10:
		return s.Op("Resize", []*Value{in[0], scales}, graph.StringAttr("mode", "nearest"))
	}
	// roi is ignored outside tf_crop_and_resize but may only be left out
	// from opset 13.
	var roi *Value
	if s.Opset() < 13 {
		if roi, err = s.Floats("roi"); err != nil {
			return nil, err
		}
	}
	return s.Op("Resize", []*Value{in[0], roi, scales},
		graph.StringAttr("coordinate_transformation_mode", "asymmetric"),
		graph.StringAttr("mode", "nearest"),
		graph.StringAttr("nearest_mode", "floor"),
	)
}

// Concat joins its inputs along the channel axis. A single input passes
// through untouched.
type Concat struct{}

func (Concat) Params() []*Param { return nil }

func (Concat) Forward(s *Scope, in []*Value) (*Value, error) {
	if len(in) == 1 {
		return in[0], nil
	}
	return s.Op("Concat", in, graph.IntAttr("axis", 1))
}

// Shortcut adds the previous output and an earlier one.
type Shortcut struct {
	Activation string
}

func (*Shortcut) Params() []*Param { return nil }

func (sc *Shortcut) Forward(s *Scope, in []*Value) (*Value, error) {
	if len(in) != 2 {
		return nil, fmt.Errorf("shortcut needs 2 inputs, got %d", len(in))
	}
	y, err := s.Op("Add", in)
	if err != nil {
		return nil, err
	}
	return activate(s, y, sc.Activation)
}

// Dropout zeroes activations at random in training mode and is emitted as
// an inference Dropout otherwise.
type Dropout struct {
	Ratio float32
}

func (*Dropout) Params() []*Param { return nil }

func (d *Dropout) Forward(s *Scope, in []*Value) (*Value, error) {
	x := in[0]
	if s.Training() {
		if s.Tracing() {
			return nil, fmt.Errorf("dropout cannot be traced in training mode")
		}
		out := x.T.Clone()
		keep := 1 - d.Ratio
		for i := range out.Float {
			if s.rng.Float32() < d.Ratio {
				out.Float[i] = 0
			} else {
				out.Float[i] /= keep
			}
		}
		return &Value{T: out}, nil
	}
	var attrs []graph.Attribute
	if s.Opset() < 12 {
		attrs = append(attrs, graph.FloatAttr("ratio", d.Ratio))
	}
	return s.Op("Dropout", []*Value{x}, attrs...)
}
