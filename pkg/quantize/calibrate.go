package quantize

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	"github.com/zerfoo/yolonnx/pkg/graph"
	"github.com/zerfoo/yolonnx/pkg/runtime"
)

// Range is the observed value range of an activation. It always contains 0.
type Range struct {
	Min, Max float32
}

// Params returns the uint8 affine scale and zero point covering r.
func (r Range) Params() (float32, uint8) {
	lo, hi := float64(min(r.Min, 0)), float64(max(r.Max, 0))
	if hi == lo {
		return 1, 0
	}
	scale := (hi - lo) / 255
	zp := min(max(math.RoundToEven(-lo/scale), 0), 255)
	return float32(scale), uint8(zp)
}

// LoadSamples reads up to limit calibration inputs from dir, shaped for the
// single float input of g. Images (.jpg, .jpeg, .png) are resized to the
// input resolution and scaled to [0,1]; .bin files hold raw little-endian
// float32 values in CHW order. A missing directory yields no samples.
func LoadSamples(dir string, g *graph.Graph, limit int) ([]*graph.Tensor, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(g.Inputs) != 1 {
		return nil, fmt.Errorf("calibration needs exactly one graph input, got %d", len(g.Inputs))
	}
	in := g.Inputs[0]
	dims := in.Shape.Bind(1)
	if _, static := in.Shape[min(1, len(in.Shape)):].Static(); len(dims) != 4 || !static {
		return nil, fmt.Errorf("input %q has shape %s, want [N,C,H,W] with static C, H and W", in.Name, in.Shape)
	}

	var samples []*graph.Tensor
	for _, e := range entries {
		if len(samples) == limit {
			break
		}
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		var t *graph.Tensor
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			t, err = loadImage(path, dims)
		case ".bin":
			t, err = loadRaw(path, dims)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		samples = append(samples, t.Renamed(in.Name))
	}
	return samples, nil
}

func loadImage(path string, dims []int64) (*graph.Tensor, error) {
	if dims[1] != 3 {
		return nil, fmt.Errorf("images need 3 input channels, graph has %d", dims[1])
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	h, w := int(dims[2]), int(dims[3])
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	t := graph.NewFloat("", dims, nil)
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := dst.PixOffset(x, y)
			i := y*w + x
			t.Float[i] = float32(dst.Pix[o]) / 255
			t.Float[plane+i] = float32(dst.Pix[o+1]) / 255
			t.Float[2*plane+i] = float32(dst.Pix[o+2]) / 255
		}
	}
	return t, nil
}

func loadRaw(path string, dims []int64) (*graph.Tensor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t := graph.NewFloat("", dims, nil)
	if len(b) != 4*len(t.Float) {
		return nil, fmt.Errorf("file holds %d bytes, want %d float32 values for shape %v", len(b), len(t.Float), dims)
	}
	for i := range t.Float {
		t.Float[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return t, nil
}

// Calibrate runs g on every sample and records the range of each named
// tensor.
func Calibrate(ctx context.Context, g *graph.Graph, names []string, samples []*graph.Tensor) (map[string]Range, error) {
	probe := g.Clone()
	for _, name := range names {
		if !probe.IsOutput(name) {
			probe.Outputs = append(probe.Outputs, graph.ValueInfo{Name: name, DType: graph.Float})
		}
	}
	s, err := runtime.NewSession(ctx, probe, runtime.Options{Level: runtime.OptimizationNone})
	if err != nil {
		return nil, err
	}
	ranges := make(map[string]Range, len(names))
	for _, x := range samples {
		out, err := s.Run(ctx, map[string]*graph.Tensor{g.Inputs[0].Name: x})
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			r := ranges[name]
			for _, v := range out[name].Float {
				r.Min = min(r.Min, v)
				r.Max = max(r.Max, v)
			}
			ranges[name] = r
		}
	}
	return ranges, nil
}
