package quantize

import (
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/yolonnx/pkg/graph"
	"github.com/zerfoo/yolonnx/pkg/runtime"
	"github.com/zerfoo/yolonnx/pkg/validator"
)

const side = 8

// twoConv is conv3x3 -> LeakyRelu -> conv1x1 with random weights. The first
// weight comes from a Constant node when constWeight is set.
func twoConv(t *testing.T, opset int64, constWeight bool) *graph.Graph {
	t.Helper()
	rng := rand.New(rand.NewPCG(7, 8))
	random := func(name string, dims ...int64) *graph.Tensor {
		x := graph.NewFloat(name, dims, nil)
		for i := range x.Float {
			x.Float[i] = rng.Float32() - 0.5
		}
		return x
	}
	b := graph.NewBuilder("two", opset)
	batch := graph.Symbolic(graph.BatchDim)
	_, err := b.Input("input", graph.Float, graph.Shape{batch, graph.Static(3), graph.Static(side), graph.Static(side)})
	require.NoError(t, err)
	if constWeight {
		_, err = b.Constant("w1", random("", 8, 3, 3, 3))
	} else {
		_, err = b.Initializer(random("w1", 8, 3, 3, 3))
	}
	require.NoError(t, err)
	for _, x := range []*graph.Tensor{random("b1", 8), random("w2", 6, 8, 1, 1), random("b2", 6)} {
		_, err = b.Initializer(x)
		require.NoError(t, err)
	}
	_, err = b.Node("Conv", []string{"input", "w1", "b1"}, []string{"c1"},
		graph.IntsAttr("kernel_shape", 3, 3), graph.IntsAttr("pads", 1, 1, 1, 1))
	require.NoError(t, err)
	_, err = b.Node("LeakyRelu", []string{"c1"}, []string{"a1"}, graph.FloatAttr("alpha", 0.1))
	require.NoError(t, err)
	_, err = b.Node("Conv", []string{"a1", "w2", "b2"}, []string{"output"}, graph.IntsAttr("kernel_shape", 1, 1))
	require.NoError(t, err)
	require.NoError(t, b.Output("output", graph.Float, graph.Shape{batch, graph.Static(6), graph.Static(side), graph.Static(side)}))
	g, err := b.Build()
	require.NoError(t, err)
	return g
}

// relErr runs both graphs on the same input in [0,1) and returns the
// relative L2 error of q against g.
func relErr(t *testing.T, g, q *graph.Graph) float64 {
	t.Helper()
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(9, 10))
	feeds, err := runtime.RandomInput(g, 2, rng.Float32)
	require.NoError(t, err)
	run := func(g *graph.Graph) *graph.Tensor {
		s, err := runtime.NewSession(ctx, g, runtime.Options{})
		require.NoError(t, err)
		out, err := s.Run(ctx, feeds)
		require.NoError(t, err)
		return out["output"]
	}
	e, err := graph.RelativeL2Error(run(q), run(g))
	require.NoError(t, err)
	return e
}

func TestDynamicQuantization(t *testing.T) {
	for _, constWeight := range []bool{false, true} {
		g := twoConv(t, 12, constWeight)
		res := Quantize(context.Background(), g, Options{})
		require.NoError(t, res.Fallback)
		assert.Equal(t, ModeDynamic, res.Mode)
		assert.Equal(t, 2, res.Quantized)

		ops := res.Graph.Stats().OpCounts
		assert.Zero(t, ops["Conv"])
		assert.Equal(t, 2, ops["ConvInteger"])
		assert.Equal(t, 2, ops["DynamicQuantizeLinear"])
		assert.Equal(t, 2, ops["Cast"])
		assert.Equal(t, 2, ops["Add"])

		assert.Less(t, res.Graph.Stats().FloatBytes, g.Stats().FloatBytes)
		assert.Less(t, relErr(t, g, res.Graph), 0.05)
		assert.NoError(t, validator.Validate(res.Graph))
	}
}

func TestWeightOnlyAtOpset10(t *testing.T) {
	g := twoConv(t, 10, false)
	res := Quantize(context.Background(), g, Options{})
	require.NoError(t, res.Fallback)
	assert.Equal(t, ModeWeightOnly, res.Mode)

	ops := res.Graph.Stats().OpCounts
	assert.Equal(t, 2, ops["Conv"])
	assert.Equal(t, 2, ops["DequantizeLinear"])
	assert.Zero(t, ops["DynamicQuantizeLinear"])
	w, ok := res.Graph.Initializer("w1_quantized")
	require.True(t, ok)
	assert.Equal(t, graph.Int8, w.DType)

	assert.Less(t, res.Graph.Stats().FloatBytes, g.Stats().FloatBytes)
	assert.Less(t, relErr(t, g, res.Graph), 0.05)
	assert.NoError(t, validator.Validate(res.Graph))
}

func TestOldOpsetFallsBack(t *testing.T) {
	g := twoConv(t, 9, false)
	res := Quantize(context.Background(), g, Options{})
	assert.True(t, errors.Is(res.Fallback, ErrUnsupportedOpset))
	assert.Same(t, g, res.Graph)
	assert.Equal(t, ModeNone, res.Mode)
}

func TestStaticQuantizationWithCalibration(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewPCG(11, 12))
	for i := range 3 {
		b := make([]byte, 4*3*side*side)
		for j := 0; j < len(b); j += 4 {
			binary.LittleEndian.PutUint32(b[j:], math.Float32bits(rng.Float32()))
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, "sample"+string(rune('a'+i))+".bin"), b, 0o644))
	}
	img := image.NewRGBA(image.Rect(0, 0, 20, 12))
	for y := 0; y < 12; y++ {
		for x := 0; x < 20; x++ {
			img.Set(x, y, color.RGBA{R: uint8(12 * x), G: uint8(20 * y), B: 200, A: 255})
		}
	}
	f, err := os.Create(filepath.Join(dir, "frame.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	g := twoConv(t, 13, false)
	samples, err := LoadSamples(dir, g, 32)
	require.NoError(t, err)
	assert.Len(t, samples, 4)

	res := Quantize(context.Background(), g, Options{CalibrationDir: dir})
	require.NoError(t, res.Fallback)
	assert.Equal(t, ModeStatic, res.Mode)
	ops := res.Graph.Stats().OpCounts
	assert.Equal(t, 2, ops["QuantizeLinear"])
	assert.Equal(t, 4, ops["DequantizeLinear"])
	assert.Equal(t, 2, ops["Conv"])

	assert.LessOrEqual(t, res.Graph.Stats().FloatBytes, g.Stats().FloatBytes)
	assert.Less(t, relErr(t, g, res.Graph), 0.05)
	assert.NoError(t, validator.Validate(res.Graph))
}

func TestEmptyCalibrationDirUsesDynamic(t *testing.T) {
	res := Quantize(context.Background(), twoConv(t, 12, false), Options{CalibrationDir: t.TempDir()})
	require.NoError(t, res.Fallback)
	assert.Equal(t, ModeDynamic, res.Mode)
}

func TestBadCalibrationFileFallsBack(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "short.bin"), []byte{1, 2, 3}, 0o644))
	g := twoConv(t, 12, false)
	res := Quantize(context.Background(), g, Options{CalibrationDir: dir})
	assert.ErrorContains(t, res.Fallback, "short.bin")
	assert.Same(t, g, res.Graph)
}

func TestSymmetricInt8(t *testing.T) {
	q, scale := SymmetricInt8([]float32{-2.54, 0, 1, 2.54})
	assert.InDelta(t, 0.02, scale, 1e-6)
	assert.Equal(t, []int8{-127, 0, 50, 127}, q)

	q, scale = SymmetricInt8([]float32{0, 0})
	assert.Equal(t, float32(1), scale)
	assert.Equal(t, []int8{0, 0}, q)
}

func TestRangeParams(t *testing.T) {
	scale, zp := Range{Min: -1, Max: 3}.Params()
	assert.InDelta(t, 4.0/255, scale, 1e-7)
	assert.Equal(t, uint8(64), zp)

	_, zp = Range{Min: 0.5, Max: 2}.Params()
	assert.Zero(t, zp)
}
