package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/yolonnx/pkg/darknet"
	"github.com/zerfoo/yolonnx/pkg/graph"
	"github.com/zerfoo/yolonnx/pkg/synthetic"
	"github.com/zerfoo/yolonnx/pkg/validator"
)

const miniCfg = `
[net]
width=32
height=32

[convolutional]
batch_normalize=1
filters=8
size=3
stride=2
pad=1
activation=leaky

[convolutional]
filters=18
size=1
stride=1
pad=1
activation=linear

[yolo]
mask=0,1,2
anchors=10,14, 23,27, 37,58
classes=1
`

// legacyModel writes a cfg and a matching weights file into dir.
func legacyModel(t *testing.T, dir string) (weights, cfg string) {
	t.Helper()
	cfg = filepath.Join(dir, "mini.cfg")
	require.NoError(t, os.WriteFile(cfg, []byte(miniCfg), 0o644))
	net, err := darknet.BuildFile(cfg)
	require.NoError(t, err)
	for i, p := range net.Params() {
		for j := range p.T.Float {
			p.T.Float[j] = 0.01 * float32((i+j)%7)
		}
	}
	weights = filepath.Join(dir, "mini.weights")
	f, err := os.Create(weights)
	require.NoError(t, err)
	require.NoError(t, darknet.WriteWeights(f, net, 0))
	require.NoError(t, f.Close())
	return weights, cfg
}

func testConfig(weights, cfg, out string) Config {
	c := DefaultConfig()
	c.WeightsPath, c.ConfigPath, c.OutputPath = weights, cfg, out
	c.ImageSize = 32
	c.Warmup, c.Iterations = 1, 2
	return c
}

func assertNoIntermediates(t *testing.T, dir string) {
	t.Helper()
	for _, pattern := range []string{"*_temp.onnx", "*_simplified.onnx", ".*.tmp"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		require.NoError(t, err)
		assert.Empty(t, m, pattern)
	}
}

func TestRunLegacyBinary(t *testing.T) {
	dir := t.TempDir()
	weights, cfg := legacyModel(t, dir)
	out := filepath.Join(dir, "out", "model.onnx")
	metrics := filepath.Join(dir, "metrics.prom")

	c := testConfig(weights, cfg, out)
	c.Simplify = true
	c.Quantize = QuantizeInt8
	c.MetricsFile = metrics
	c, err := NewConfig(c)
	require.NoError(t, err)

	sum, err := Run(context.Background(), c)
	require.NoError(t, err)

	g, err := graph.Load(out)
	require.NoError(t, err)
	require.NoError(t, validator.Validate(g))
	assert.Equal(t, sum.RunID, g.Metadata["run_id"])
	assert.Equal(t, darknet.Family, sum.Family)
	assert.Equal(t, "dynamic", sum.Quantization)
	assert.True(t, sum.Simplified)
	assert.NoError(t, sum.SimplifyFallback)
	assert.NoError(t, sum.QuantizeFallback)
	require.NotNil(t, sum.Benchmark)
	assert.Equal(t, 2, sum.Benchmark.Iterations)
	assert.Positive(t, sum.FileBytes)
	assertNoIntermediates(t, filepath.Dir(out))

	prom, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "yolonnx_stage_duration_seconds")
	assert.Contains(t, string(prom), `stage="quantize"`)

	var buf bytes.Buffer
	sum.Render(&buf)
	assert.Contains(t, buf.String(), "Opset")
	assert.Contains(t, buf.String(), sum.RunID)
}

func TestRunSimplifyIntoMissingDirectory(t *testing.T) {
	dir := t.TempDir()
	weights, cfg := legacyModel(t, dir)
	out := filepath.Join(dir, "fresh", "sub", "model.onnx")
	c := testConfig(weights, cfg, out)
	c.Simplify = true
	c.Benchmark = false

	sum, err := Run(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, sum.Simplified)
	assert.FileExists(t, out)
	assertNoIntermediates(t, filepath.Dir(out))
}

func TestRunWithoutOptionalStages(t *testing.T) {
	dir := t.TempDir()
	weights, cfg := legacyModel(t, dir)
	out := filepath.Join(dir, "model.onnx")
	c := testConfig(weights, cfg, out)
	c.Benchmark = false

	sum, err := Run(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "none", sum.Quantization)
	assert.False(t, sum.Simplified)
	assert.Nil(t, sum.Benchmark)
	assert.NoError(t, sum.BenchmarkErr)

	var stages []Stage
	for _, st := range sum.Timings {
		stages = append(stages, st.Stage)
	}
	assert.Equal(t, []Stage{StageLoad, StageExport, StageValidate, StageWrite}, stages)
}

func TestRunEmptyWeightsFile(t *testing.T) {
	dir := t.TempDir()
	_, cfg := legacyModel(t, dir)
	empty := filepath.Join(dir, "empty.weights")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	out := filepath.Join(dir, "model.onnx")

	_, err := Run(context.Background(), testConfig(empty, cfg, out))
	require.Error(t, err)
	assert.True(t, errors.Is(err, darknet.ErrWeightShapeMismatch), "err = %v", err)
	assert.NoFileExists(t, out)
}

func TestRunValidationFailureLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	weights, cfg := legacyModel(t, dir)
	out := filepath.Join(dir, "model.onnx")

	orig := validate
	t.Cleanup(func() { validate = orig })
	validate = func(*graph.Graph) error { return validator.ErrStructural }

	c := testConfig(weights, cfg, out)
	c.Simplify = true
	_, err := Run(context.Background(), c)
	require.ErrorIs(t, err, validator.ErrStructural)
	assert.NoFileExists(t, out)
	assertNoIntermediates(t, dir)
}

func TestRunCancelled(t *testing.T) {
	dir := t.TempDir()
	weights, cfg := legacyModel(t, dir)
	out := filepath.Join(dir, "model.onnx")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, testConfig(weights, cfg, out))
	require.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, out)
}

func TestGenerateDefaultDetector(t *testing.T) {
	out := filepath.Join(t.TempDir(), "synthetic.onnx")
	sum, err := Generate(context.Background(), GenerateConfig{
		Synthetic:  synthetic.DefaultOptions(),
		OutputPath: out,
	})
	require.NoError(t, err)
	assert.Equal(t, "synthetic", sum.Family)
	assert.Equal(t, int64(graph.DefaultOpset), sum.Opset)

	g, err := graph.Load(out)
	require.NoError(t, err)
	require.Len(t, g.Outputs, 1)
	assert.Equal(t, "[batch_size,255,208,208]", g.Outputs[0].Shape.String())
}

func TestGenerateQuantizedAndBenchmarked(t *testing.T) {
	out := filepath.Join(t.TempDir(), "synthetic.onnx")
	opts := synthetic.DefaultOptions()
	opts.Size = 32
	opts.NumClasses = 2

	sum, err := Generate(context.Background(), GenerateConfig{
		Synthetic:  opts,
		OutputPath: out,
		Quantize:   true,
		Benchmark:  true,
		Warmup:     1,
		Iterations: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, "dynamic", sum.Quantization)
	require.NotNil(t, sum.Benchmark)
	assert.Equal(t, 3, sum.Benchmark.Iterations)

	g, err := graph.Load(out)
	require.NoError(t, err)
	assert.Equal(t, 2, g.Stats().OpCounts["ConvInteger"])
}

func TestGenerateRejectsInvalidOptions(t *testing.T) {
	out := filepath.Join(t.TempDir(), "synthetic.onnx")
	opts := synthetic.DefaultOptions()
	opts.NumClasses = 0
	_, err := Generate(context.Background(), GenerateConfig{Synthetic: opts, OutputPath: out})
	require.Error(t, err)
	assert.NoFileExists(t, out)
}
