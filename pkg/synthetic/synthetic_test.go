package synthetic

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/yolonnx/pkg/graph"
	"github.com/zerfoo/yolonnx/pkg/runtime"
	"github.com/zerfoo/yolonnx/pkg/validator"
)

func TestDefaultDetectorRoundTrips(t *testing.T) {
	g, err := Build(DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, validator.Validate(g))

	path := filepath.Join(t.TempDir(), "yolo_nano.onnx")
	require.NoError(t, graph.Save(path, g))
	loaded, err := graph.Load(path)
	require.NoError(t, err)
	require.NoError(t, validator.Validate(loaded))

	require.Len(t, loaded.Outputs, 1)
	out := loaded.Outputs[0]
	assert.Equal(t, "output", out.Name)
	assert.Equal(t, "[batch_size,255,208,208]", out.Shape.String())
	assert.Equal(t, int64(12), loaded.Opset)
	assert.Equal(t, "80", loaded.Metadata["num_classes"])
	assert.Equal(t, map[string]int{"Constant": 1, "Conv": 2, "LeakyRelu": 1}, loaded.Stats().OpCounts)
}

func TestEveryValidConfigurationValidates(t *testing.T) {
	for _, size := range []int{2, 8, 64} {
		for _, classes := range []int{1, 3, 80} {
			for _, opset := range []int64{graph.MinOpset, 11, graph.DefaultOpset, graph.MaxOpset} {
				for _, layout := range []Layout{LayoutGrid, LayoutBoxes} {
					opts := Options{Size: size, NumClasses: classes, NumAnchors: 3, Opset: opset, Layout: layout}
					t.Run(fmt.Sprintf("%d/%d/%d/%s", size, classes, opset, layout), func(t *testing.T) {
						g, err := Build(opts)
						require.NoError(t, err)
						assert.NoError(t, validator.Validate(g))
						assert.True(t, g.Outputs[0].Shape.Equal(opts.OutputShape()))
					})
				}
			}
		}
	}
}

func TestHeadChannels(t *testing.T) {
	for _, tc := range []struct{ classes, anchors, want int }{
		{80, 3, 255},
		{1, 3, 18},
		{20, 5, 125},
	} {
		opts := Options{Size: 16, NumClasses: tc.classes, NumAnchors: tc.anchors, Opset: graph.DefaultOpset}
		g, err := Build(opts)
		require.NoError(t, err)
		assert.Equal(t, tc.want, opts.Channels())
		assert.Equal(t, int64(tc.want), g.Outputs[0].Shape[1].Value)
	}
}

func TestBoxesLayoutMatchesGrid(t *testing.T) {
	ctx := context.Background()
	opts := Options{Size: 8, NumClasses: 2, NumAnchors: 3, Opset: graph.DefaultOpset, Seed: 5}
	grid, err := Build(opts)
	require.NoError(t, err)
	opts.Layout = LayoutBoxes
	boxes, err := Build(opts)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(1, 1))
	feeds, err := runtime.RandomInput(grid, 2, rng.Float32)
	require.NoError(t, err)
	run := func(g *graph.Graph) *graph.Tensor {
		s, err := runtime.NewSession(ctx, g, runtime.Options{})
		require.NoError(t, err)
		out, err := s.Run(ctx, feeds)
		require.NoError(t, err)
		return out["output"]
	}
	gt, bt := run(grid), run(boxes)
	require.Equal(t, []int64{2, 21, 4, 4}, gt.Dims)
	require.Equal(t, []int64{2, 48, 7}, bt.Dims)

	const a, k, n = 3, 7, 4
	for b := 0; b < 2; b++ {
		for anchor := 0; anchor < a; anchor++ {
			for y := 0; y < n; y++ {
				for x := 0; x < n; x++ {
					for c := 0; c < k; c++ {
						want := gt.Float[((b*a*k+anchor*k+c)*n+y)*n+x]
						got := bt.Float[(b*a*n*n+anchor*n*n+y*n+x)*k+c]
						require.Equal(t, want, got, "b=%d a=%d y=%d x=%d c=%d", b, anchor, y, x, c)
					}
				}
			}
		}
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	opts := Options{Size: 16, NumClasses: 4, NumAnchors: 3, Opset: graph.DefaultOpset, Seed: 9}
	a, err := Build(opts)
	require.NoError(t, err)
	b, err := Build(opts)
	require.NoError(t, err)
	assert.Equal(t, graph.Marshal(a), graph.Marshal(b))

	opts.Seed = 10
	c, err := Build(opts)
	require.NoError(t, err)
	assert.NotEqual(t, graph.Marshal(a), graph.Marshal(c))
}

func TestInvalidOptions(t *testing.T) {
	base := DefaultOptions()
	for name, mutate := range map[string]func(*Options){
		"odd size":      func(o *Options) { o.Size = 415 },
		"zero size":     func(o *Options) { o.Size = 0 },
		"no classes":    func(o *Options) { o.NumClasses = 0 },
		"no anchors":    func(o *Options) { o.NumAnchors = -1 },
		"opset too old": func(o *Options) { o.Opset = 7 },
		"bad layout":    func(o *Options) { o.Layout = "sparse" },
	} {
		t.Run(name, func(t *testing.T) {
			opts := base
			mutate(&opts)
			_, err := Build(opts)
			assert.Error(t, err)
		})
	}
}
