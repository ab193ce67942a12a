package nn

import (
	"fmt"

	"github.com/zerfoo/yolonnx/pkg/graph"
)

// Head is a layer that emits detections. Network concatenates the
// detections of all heads along axis 1 to form its output.
type Head interface {
	Layer
	Detections(s *Scope, in []*Value, out *Value) ([]*Value, error)
}

// FlattenHead turns a [N, anchors*attrs, H, W] feature map into raw
// per-box predictions [N, anchors*H*W, attrs]. The batch axis is written
// as -1 in the reshape targets so it stays dynamic after export.
func FlattenHead(s *Scope, x *Value, anchors, attrs int) (*Value, error) {
	dims := x.T.Dims
	if len(dims) != 4 || dims[1] != int64(anchors*attrs) {
		return nil, fmt.Errorf("head input %v does not have %d*%d channels", dims, anchors, attrs)
	}
	a, c, h, w := int64(anchors), int64(attrs), dims[2], dims[3]
	grid, err := s.Ints("head_shape", -1, a, c, h, w)
	if err != nil {
		return nil, err
	}
	y, err := s.Op("Reshape", []*Value{x, grid})
	if err != nil {
		return nil, err
	}
	if y, err = s.Op("Transpose", []*Value{y}, graph.IntsAttr("perm", 0, 1, 3, 4, 2)); err != nil {
		return nil, err
	}
	boxes, err := s.Ints("head_shape", -1, a*h*w, c)
	if err != nil {
		return nil, err
	}
	return s.Op("Reshape", []*Value{y, boxes})
}

// YoloHead is a darknet [yolo] layer. It passes its input through and
// reports it as detections.
type YoloHead struct {
	Anchors    [][2]float32
	NumClasses int
}

func (*YoloHead) Params() []*Param { return nil }

func (h *YoloHead) Forward(_ *Scope, in []*Value) (*Value, error) { return in[0], nil }

func (h *YoloHead) Detections(s *Scope, _ []*Value, out *Value) ([]*Value, error) {
	d, err := FlattenHead(s, out, len(h.Anchors), 5+h.NumClasses)
	if err != nil {
		return nil, err
	}
	return []*Value{d}, nil
}

// Detect is the multi-level head of YOLOv5: a 1x1 convolution per level
// followed by flattening.
type Detect struct {
	NumClasses int
	Anchors    [][][2]float32
	M          []*Conv
}

// NewDetect allocates a head reading feature maps with the given channels.
func NewDetect(prefix string, numClasses int, anchors [][][2]float32, channels []int) (*Detect, error) {
	if len(anchors) != len(channels) {
		return nil, fmt.Errorf("detect %s: %d anchor levels for %d inputs", prefix, len(anchors), len(channels))
	}
	d := &Detect{NumClasses: numClasses, Anchors: anchors}
	for i, ch := range channels {
		c, err := NewConv(joinName(prefix, "m", fmt.Sprint(i)), ConvConfig{
			In:     ch,
			Out:    len(anchors[i]) * (5 + numClasses),
			Kernel: 1,
		})
		if err != nil {
			return nil, err
		}
		d.M = append(d.M, c)
	}
	return d, nil
}

func (d *Detect) Params() []*Param {
	var ps []*Param
	for _, c := range d.M {
		ps = append(ps, c.Weight, c.Bias)
	}
	return ps
}

func (d *Detect) Forward(_ *Scope, in []*Value) (*Value, error) {
	if len(in) != len(d.M) {
		return nil, fmt.Errorf("detect has %d levels, got %d inputs", len(d.M), len(in))
	}
	return in[len(in)-1], nil
}

func (d *Detect) Detections(s *Scope, in []*Value, _ *Value) ([]*Value, error) {
	var out []*Value
	for i, x := range in {
		y, err := d.M[i].apply(s, x)
		if err != nil {
			return nil, err
		}
		f, err := FlattenHead(s, y, len(d.Anchors[i]), 5+d.NumClasses)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
