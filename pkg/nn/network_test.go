package nn

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/yolonnx/pkg/graph"
)

type mapSource map[string]*graph.Tensor

func (m mapSource) Tensor(name string) (*graph.Tensor, bool) {
	t, ok := m[name]
	return t, ok
}

// tinyNet is a two-scale detector: a strided conv, a head on the 4x4 map,
// and an upsampled route into a second head on the 8x8 map.
func tinyNet(t *testing.T) *Network {
	t.Helper()
	n := New("tiny", "darknet", 2)
	add := func(name string, from []int, l Layer) int {
		i, err := n.Add(name, from, l)
		require.NoError(t, err)
		return i
	}
	conv := func(name string, in, out, k, stride int, bn bool, act string) *Conv {
		c, err := NewConv(name, ConvConfig{In: in, Out: out, Kernel: k, Stride: stride, Pad: k / 2, BatchNorm: bn, Eps: 1e-5, Activation: act})
		require.NoError(t, err)
		for i := range c.Weight.T.Float {
			c.Weight.T.Float[i] = float32(i%7)*0.05 - 0.15
		}
		return c
	}
	c0 := add("c0", []int{Input}, conv("c0", 3, 8, 3, 2, true, Leaky))
	c1 := add("c1", []int{c0}, conv("c1", 8, 8, 3, 2, true, Leaky))
	h1 := add("h1conv", []int{c1}, conv("h1conv", 8, 21, 1, 1, false, Linear))
	add("yolo1", []int{h1}, &YoloHead{Anchors: make([][2]float32, 3), NumClasses: 2})
	up := add("up", []int{c1}, &Upsample{Scale: 2})
	cat := add("route", []int{up, c0}, Concat{})
	h2 := add("h2conv", []int{cat}, conv("h2conv", 16, 21, 1, 1, false, Linear))
	add("yolo2", []int{h2}, &YoloHead{Anchors: make([][2]float32, 3), NumClasses: 2})
	return n
}

func input(n int64) *graph.Tensor {
	x := graph.NewFloat("", []int64{n, 3, 16, 16}, nil)
	for i := range x.Float {
		x.Float[i] = float32(i%11) / 11
	}
	return x
}

func TestForwardFlattensHeads(t *testing.T) {
	n := tinyNet(t)
	n.Eval()
	out, err := n.Forward(context.Background(), input(2))
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3*4*4 + 3*8*8, 7}, out.Dims)
}

func TestTraceMatchesForward(t *testing.T) {
	for _, opset := range []int64{9, 10, 12} {
		n := tinyNet(t)
		n.Eval()
		want, err := n.Forward(context.Background(), input(1))
		require.NoError(t, err)

		b := graph.NewBuilder("tiny", opset)
		_, err = b.Input("input", graph.Float, graph.ShapeOf(1, 3, 16, 16))
		require.NoError(t, err)
		s := NewTracer(context.Background(), b)
		got, err := n.Run(s, &Value{Name: "input", T: input(1)})
		require.NoError(t, err)
		assert.Equal(t, want.Float, got.T.Float)
		require.NoError(t, b.Output(got.Name, graph.Float, got.T.Shape()))
		g, err := b.Build()
		require.NoError(t, err)

		ops := g.Stats().OpCounts
		switch opset {
		case 9:
			assert.Equal(t, 1, ops["Upsample"])
		default:
			assert.Equal(t, 1, ops["Resize"])
		}
		assert.Equal(t, 4, ops["Conv"])
		assert.Equal(t, 2, ops["BatchNormalization"])
		// One Concat for the route and one joining the heads.
		assert.Equal(t, 2, ops["Concat"])
	}
}

func TestResizeInputsFollowOpset(t *testing.T) {
	for opset, inputs := range map[int64]int{10: 2, 11: 3, 12: 3, 13: 3} {
		b := graph.NewBuilder("up", opset)
		_, err := b.Input("x", graph.Float, graph.ShapeOf(1, 1, 2, 2))
		require.NoError(t, err)
		s := NewTracer(context.Background(), b)
		y, err := (&Upsample{Scale: 2}).Forward(s, []*Value{{Name: "x", T: graph.NewFloat("", []int64{1, 1, 2, 2}, nil)}})
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 1, 4, 4}, y.T.Dims)
		require.NoError(t, b.Output(y.Name, graph.Float, y.T.Shape()))
		g, err := b.Build()
		require.NoError(t, err)
		require.Len(t, g.Nodes, 1)
		assert.Equal(t, "Resize", g.Nodes[0].OpType)
		assert.Len(t, g.Nodes[0].Inputs, inputs)
		if opset == 11 || opset == 12 {
			roi, ok := g.Initializer(g.Nodes[0].Inputs[1])
			require.True(t, ok, "opset %d", opset)
			assert.Equal(t, []int64{0}, roi.Dims)
		}
		if opset >= 13 {
			assert.Empty(t, g.Nodes[0].Inputs[1])
		}
	}
}

func TestTrainingDropoutIsStochastic(t *testing.T) {
	n := New("drop", "darknet", 1)
	_, err := n.Add("drop", []int{Input}, &Dropout{Ratio: 0.5})
	require.NoError(t, err)
	x := input(1)

	out, err := n.Forward(context.Background(), x)
	require.NoError(t, err)
	assert.NotEqual(t, x.Float, out.Float)

	n.Eval()
	out, err = n.Forward(context.Background(), x)
	require.NoError(t, err)
	assert.Equal(t, x.Float, out.Float)
}

func TestLoadStateDict(t *testing.T) {
	c, err := CSPConv("model.0", 3, 4, 1, 1, -1, 1)
	require.NoError(t, err)
	n := New("v5", "yolov5", 1)
	_, err = n.Add("model.0", []int{Input}, c)
	require.NoError(t, err)

	src := mapSource{}
	for _, p := range n.Params() {
		src[p.Name] = graph.NewFloat(p.Name, p.T.Dims, nil)
	}
	src["model.0.bn.num_batches_tracked"] = graph.NewFloat("", nil, []float32{0})
	src["model.0.bn.running_var"].Float[2] = 4
	require.NoError(t, n.LoadStateDict(src))
	assert.Equal(t, float32(4), c.BN.Var.T.Float[2])

	src["model.0.conv.weight"] = graph.NewFloat("", []int64{4, 3, 3, 3}, nil)
	assert.True(t, errors.Is(n.LoadStateDict(src), ErrShapeMismatch))

	delete(src, "model.0.conv.weight")
	assert.True(t, errors.Is(n.LoadStateDict(src), ErrMissingParam))

	n.Eval()
	assert.True(t, errors.Is(n.LoadStateDict(src), ErrFrozen))
}

func TestAddRejectsForwardReference(t *testing.T) {
	n := New("bad", "darknet", 1)
	_, err := n.Add("route", []int{0}, Concat{})
	assert.Error(t, err)
}
