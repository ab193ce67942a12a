package runtime

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/yolonnx/pkg/graph"
)

// bnGraph is input -> Identity -> Conv -> BatchNormalization -> Relu with
// every parameter random.
func bnGraph(t *testing.T) *graph.Graph {
	t.Helper()
	rng := rand.New(rand.NewPCG(1, 2))
	random := func(name string, dims ...int64) *graph.Tensor {
		x := graph.NewFloat(name, dims, nil)
		for i := range x.Float {
			x.Float[i] = rng.Float32() - 0.5
		}
		return x
	}
	b := graph.NewBuilder("bn", graph.DefaultOpset)
	_, err := b.Input("input", graph.Float, graph.Shape{graph.Symbolic(graph.BatchDim), graph.Static(3), graph.Static(6), graph.Static(6)})
	require.NoError(t, err)
	var names []string
	for _, t0 := range []*graph.Tensor{
		random("w", 4, 3, 3, 3), random("gamma", 4), random("beta", 4), random("mean", 4),
	} {
		name, err := b.Initializer(t0)
		require.NoError(t, err)
		names = append(names, name)
	}
	v := random("var", 4)
	for i := range v.Float {
		v.Float[i] += 1
	}
	_, err = b.Initializer(v)
	require.NoError(t, err)

	_, err = b.Node("Identity", []string{"input"}, []string{"x"})
	require.NoError(t, err)
	_, err = b.Node("Conv", []string{"x", names[0]}, []string{"c"}, graph.IntsAttr("kernel_shape", 3, 3))
	require.NoError(t, err)
	_, err = b.Node("BatchNormalization", []string{"c", names[1], names[2], names[3], "var"}, []string{"n"}, graph.FloatAttr("epsilon", 1e-3))
	require.NoError(t, err)
	_, err = b.Node("Relu", []string{"n"}, []string{"output"})
	require.NoError(t, err)
	require.NoError(t, b.Output("output", graph.Float, graph.Shape{graph.Symbolic(graph.BatchDim), graph.Static(4), graph.Static(4), graph.Static(4)}))
	g, err := b.Build()
	require.NoError(t, err)
	return g
}

func TestOptimizationLevelsAgree(t *testing.T) {
	ctx := context.Background()
	g := bnGraph(t)
	rng := rand.New(rand.NewPCG(3, 4))
	feeds, err := RandomInput(g, 2, rng.Float32)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 6, 6}, feeds["input"].Dims)

	var want *graph.Tensor
	for _, level := range []Level{OptimizationNone, OptimizationBasic, OptimizationAll} {
		s, err := NewSession(ctx, g, Options{Level: level})
		require.NoError(t, err)
		out, err := s.Run(ctx, feeds)
		require.NoError(t, err)
		got := out["output"]
		require.NotNil(t, got)
		assert.Equal(t, []int64{2, 4, 4, 4}, got.Dims)
		if want == nil {
			want = got
			continue
		}
		rel, err := graph.MaxRelativeError(got, want, 1e-2)
		require.NoError(t, err)
		assert.Less(t, rel, 1e-4, "level %d", level)
	}

	s, err := NewSession(ctx, g, Options{Level: OptimizationAll})
	require.NoError(t, err)
	ops := s.Graph().Stats().OpCounts
	assert.Zero(t, ops["BatchNormalization"])
	assert.Zero(t, ops["Identity"])
	assert.Equal(t, 1, ops["Conv"])
	assert.Len(t, g.Nodes, 4, "the caller's graph is untouched")
}

func TestRunChecksFeeds(t *testing.T) {
	ctx := context.Background()
	s, err := NewSession(ctx, bnGraph(t), Options{})
	require.NoError(t, err)

	_, err = s.Run(ctx, nil)
	assert.ErrorContains(t, err, `missing input "input"`)

	_, err = s.Run(ctx, map[string]*graph.Tensor{"input": graph.NewFloat("", []int64{1, 3, 5, 5}, nil)})
	assert.ErrorContains(t, err, "has shape")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Run(cancelled, map[string]*graph.Tensor{"input": graph.NewFloat("", []int64{1, 3, 6, 6}, nil)})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNewSessionRejectsBrokenGraphs(t *testing.T) {
	g := bnGraph(t)
	g.Nodes[1].Inputs[0] = "nowhere"
	_, err := NewSession(context.Background(), g, Options{})
	assert.True(t, errors.Is(err, graph.ErrDanglingInput))

	g = bnGraph(t)
	g.Nodes[3].OpType = "Swish"
	_, err = NewSession(context.Background(), g, Options{})
	assert.Error(t, err)
}
