package darknet

import (
	"fmt"

	"github.com/zerfoo/yolonnx/pkg/nn"
)

// Family is the nn.Network family tag of darknet networks.
const Family = "darknet"

var activations = map[string]string{
	"linear":   nn.Linear,
	"leaky":    nn.Leaky,
	"relu":     nn.ReLU,
	"logistic": nn.Logistic,
	"swish":    nn.SiLU,
	"silu":     nn.SiLU,
	"mish":     nn.Mish,
}

// stageName is the module_list naming used by PyTorch ports of darknet.
func stageName(i int) string { return fmt.Sprintf("module_list.%d", i) }

// Build creates a network in training mode with zero weights from parsed
// cfg sections.
func Build(name string, sections []Section) (*nn.Network, error) {
	netSec := sections[0]
	width, err := netSec.Int("width", 416)
	if err != nil {
		return nil, err
	}
	height, err := netSec.Int("height", width)
	if err != nil {
		return nil, err
	}
	if width != height {
		return nil, fmt.Errorf("non-square input %dx%d is not supported", width, height)
	}
	channels, err := netSec.Int("channels", 3)
	if err != nil {
		return nil, err
	}

	net := nn.New(name, Family, 0)
	net.Channels = channels
	net.InputSize = width
	var outChannels []int
	for i, sec := range sections[1:] {
		prev := i - 1
		if i == 0 {
			prev = nn.Input
		}
		inC := channels
		if i > 0 {
			inC = outChannels[i-1]
		}
		layer, from, outC, err := buildLayer(net, sec, i, prev, inC, outChannels)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if _, err := net.Add(stageName(i), from, layer); err != nil {
			return nil, err
		}
		outChannels = append(outChannels, outC)
	}
	return net, nil
}

// resolve turns a relative (negative) layer reference into an absolute one.
func resolve(i, ref int) int {
	if ref < 0 {
		return i + ref
	}
	return ref
}

func buildLayer(net *nn.Network, sec Section, i, prev, inC int, outChannels []int) (nn.Layer, []int, int, error) {
	from := []int{prev}
	switch sec.Type {
	case "convolutional":
		filters, err := sec.Int("filters", 1)
		if err != nil {
			return nil, nil, 0, err
		}
		size, err := sec.Int("size", 1)
		if err != nil {
			return nil, nil, 0, err
		}
		stride, err := sec.Int("stride", 1)
		if err != nil {
			return nil, nil, 0, err
		}
		pad, err := sec.Int("padding", 0)
		if err != nil {
			return nil, nil, 0, err
		}
		if p, _ := sec.Int("pad", 0); p == 1 {
			pad = size / 2
		}
		groups, err := sec.Int("groups", 1)
		if err != nil {
			return nil, nil, 0, err
		}
		bn, err := sec.Int("batch_normalize", 0)
		if err != nil {
			return nil, nil, 0, err
		}
		act, ok := activations[sec.String("activation", "logistic")]
		if !ok {
			return nil, nil, 0, fmt.Errorf("unsupported activation %q", sec.String("activation", ""))
		}
		conv, err := nn.NewConv(stageName(i), nn.ConvConfig{
			In:         inC,
			Out:        filters,
			Kernel:     size,
			Stride:     stride,
			Pad:        pad,
			Groups:     groups,
			BatchNorm:  bn == 1,
			Eps:        1e-5,
			Activation: act,
			ConvName:   "Conv2d",
			BNName:     "BatchNorm2d",
		})
		if err != nil {
			return nil, nil, 0, err
		}
		return conv, from, filters, nil

	case "maxpool":
		stride, err := sec.Int("stride", 1)
		if err != nil {
			return nil, nil, 0, err
		}
		size, err := sec.Int("size", stride)
		if err != nil {
			return nil, nil, 0, err
		}
		padding, err := sec.Int("padding", size-1)
		if err != nil {
			return nil, nil, 0, err
		}
		return &nn.MaxPool{Size: size, Stride: stride, PadBegin: padding / 2, PadEnd: padding - padding/2}, from, inC, nil

	case "upsample":
		stride, err := sec.Int("stride", 2)
		if err != nil {
			return nil, nil, 0, err
		}
		return &nn.Upsample{Scale: stride}, from, inC, nil

	case "route":
		refs, err := sec.Ints("layers")
		if err != nil {
			return nil, nil, 0, err
		}
		if len(refs) == 0 {
			return nil, nil, 0, fmt.Errorf("route has no layers")
		}
		if g, _ := sec.Int("groups", 1); g != 1 {
			return nil, nil, 0, fmt.Errorf("grouped route is not supported")
		}
		from = nil
		outC := 0
		for _, r := range refs {
			a := resolve(i, r)
			if a < 0 || a >= i {
				return nil, nil, 0, fmt.Errorf("route references layer %d", r)
			}
			from = append(from, a)
			outC += outChannels[a]
		}
		return nn.Concat{}, from, outC, nil

	case "shortcut":
		ref, err := sec.Int("from", -3)
		if err != nil {
			return nil, nil, 0, err
		}
		a := resolve(i, ref)
		if a < 0 || a >= i {
			return nil, nil, 0, fmt.Errorf("shortcut references layer %d", ref)
		}
		if outChannels[a] != inC {
			return nil, nil, 0, fmt.Errorf("shortcut adds %d channels to %d", outChannels[a], inC)
		}
		act, ok := activations[sec.String("activation", "linear")]
		if !ok {
			return nil, nil, 0, fmt.Errorf("unsupported activation %q", sec.String("activation", ""))
		}
		return &nn.Shortcut{Activation: act}, []int{prev, a}, inC, nil

	case "dropout":
		p, err := sec.Float("probability", 0.5)
		if err != nil {
			return nil, nil, 0, err
		}
		return &nn.Dropout{Ratio: float32(p)}, from, inC, nil

	case "yolo":
		head, err := yoloHead(sec)
		if err != nil {
			return nil, nil, 0, err
		}
		if want := len(head.Anchors) * (5 + head.NumClasses); inC != want {
			return nil, nil, 0, fmt.Errorf("yolo layer reads %d channels, want %d", inC, want)
		}
		if net.NumClasses != 0 && net.NumClasses != head.NumClasses {
			return nil, nil, 0, fmt.Errorf("yolo layers disagree on class count: %d and %d", net.NumClasses, head.NumClasses)
		}
		net.NumClasses = head.NumClasses
		return head, from, inC, nil
	}
	return nil, nil, 0, fmt.Errorf("unsupported section [%s] at line %d", sec.Type, sec.Line)
}

func yoloHead(sec Section) (*nn.YoloHead, error) {
	classes, err := sec.Int("classes", 80)
	if err != nil {
		return nil, err
	}
	all, err := sec.Floats("anchors")
	if err != nil {
		return nil, err
	}
	if len(all)%2 != 0 {
		return nil, fmt.Errorf("odd number of anchor values")
	}
	mask, err := sec.Ints("mask")
	if err != nil {
		return nil, err
	}
	if mask == nil {
		for j := 0; j < len(all)/2; j++ {
			mask = append(mask, j)
		}
	}
	head := &nn.YoloHead{NumClasses: classes}
	for _, m := range mask {
		if m < 0 || 2*m+1 >= len(all) {
			return nil, fmt.Errorf("anchor mask %d out of range", m)
		}
		head.Anchors = append(head.Anchors, [2]float32{float32(all[2*m]), float32(all[2*m+1])})
	}
	if len(head.Anchors) == 0 {
		return nil, fmt.Errorf("yolo layer has no anchors")
	}
	return head, nil
}
