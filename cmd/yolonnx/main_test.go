package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/yolonnx/pkg/darknet"
	"github.com/zerfoo/yolonnx/pkg/graph"
	"github.com/zerfoo/yolonnx/pkg/loader"
	"github.com/zerfoo/yolonnx/pkg/validator"
)

const miniCfg = `
[net]
width=32
height=32

[convolutional]
filters=18
size=3
stride=2
pad=1
activation=linear

[yolo]
mask=0,1,2
anchors=10,14, 23,27, 37,58
classes=1
`

func execute(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = run(context.Background(), append([]string{"--log-level", "error"}, args...), &out, &errOut)
	return code, out.String(), errOut.String()
}

func writeModel(t *testing.T, dir string) (weights, cfg string) {
	t.Helper()
	cfg = filepath.Join(dir, "mini.cfg")
	require.NoError(t, os.WriteFile(cfg, []byte(miniCfg), 0o644))
	net, err := darknet.BuildFile(cfg)
	require.NoError(t, err)
	for _, p := range net.Params() {
		for i := range p.T.Float {
			p.T.Float[i] = 0.01
		}
	}
	weights = filepath.Join(dir, "mini.weights")
	f, err := os.Create(weights)
	require.NoError(t, err)
	require.NoError(t, darknet.WriteWeights(f, net, 0))
	require.NoError(t, f.Close())
	return weights, cfg
}

func TestConvert(t *testing.T) {
	dir := t.TempDir()
	weights, cfg := writeModel(t, dir)
	out := filepath.Join(dir, "mini.onnx")

	code, stdout, stderr := execute(t, "convert", "--weights", weights, "--cfg", cfg, "--output", out, "--img-size", "32", "--no-bench")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "Converting")
	assert.Contains(t, stdout, "Opset")
	assert.FileExists(t, out)

	code, stdout, stderr = execute(t, "validate", out)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "is valid")
}

func TestConvertFlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	weights, cfg := writeModel(t, dir)
	fromFile := filepath.Join(dir, "from-file.onnx")
	fromFlag := filepath.Join(dir, "from-flag.onnx")
	yml := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(yml, []byte(fmt.Sprintf(
		"weights: %s\ncfg: %s\noutput: %s\nimg-size: 64\nbenchmark: false\n", weights, cfg, fromFile)), 0o644))

	code, _, stderr := execute(t, "convert", "--config", yml, "--output", fromFlag)
	require.Equal(t, exitOK, code, stderr)
	assert.FileExists(t, fromFlag)
	assert.NoFileExists(t, fromFile)

	g, err := graph.Load(fromFlag)
	require.NoError(t, err)
	assert.Equal(t, "[batch_size,3,64,64]", g.Inputs[0].Shape.String())
}

func TestConvertExitCodes(t *testing.T) {
	dir := t.TempDir()
	weights, cfg := writeModel(t, dir)
	empty := filepath.Join(dir, "empty.weights")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	garbage := filepath.Join(dir, "model.bin")
	require.NoError(t, os.WriteFile(garbage, []byte("not a checkpoint"), 0o644))

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"unsupported format", []string{"--weights", garbage}, exitUnsupportedFormat},
		{"missing cfg", []string{"--weights", weights, "--cfg", filepath.Join(dir, "nope.cfg")}, exitMissingDependency},
		{"empty weights", []string{"--weights", empty, "--cfg", cfg}, exitWeightShapeMismatch},
		{"bad image size", []string{"--weights", weights, "--cfg", cfg, "--img-size", "33"}, exitError},
		{"bad quantize", []string{"--weights", weights, "--cfg", cfg, "--quantize", "int4"}, exitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := filepath.Join(t.TempDir(), "model.onnx")
			args := append([]string{"convert", "--output", out, "--img-size", "32", "--no-bench"}, tt.args...)
			code, _, stderr := execute(t, args...)
			assert.Equal(t, tt.want, code, stderr)
			assert.Contains(t, stderr, "Error: ")
			assert.NoFileExists(t, out)
		})
	}
}

func TestGenerateInspectBench(t *testing.T) {
	out := filepath.Join(t.TempDir(), "models", "nano.onnx")

	code, stdout, stderr := execute(t, "generate", "--output", out, "--img-size", "32", "--num-classes", "2", "--layout", "boxes")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "[batch_size,768,7]")

	code, stdout, stderr = execute(t, "inspect", out)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "Transpose")
	assert.Contains(t, stdout, "layout")

	code, stdout, stderr = execute(t, "bench", out, "--warmup", "0", "--iterations", "2")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "FPS")
}

func TestGenerateRejectsBadLayout(t *testing.T) {
	code, _, stderr := execute(t, "generate", "--output", filepath.Join(t.TempDir(), "x.onnx"), "--layout", "ragged")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "unknown layout")
}

func TestValidateStructuralError(t *testing.T) {
	g := &graph.Graph{
		Name:  "broken",
		Opset: graph.DefaultOpset,
		Nodes: []*graph.Node{{Name: "relu", OpType: "Relu", Inputs: []string{"missing"}, Outputs: []string{"y"}}},
		Inputs: []graph.ValueInfo{
			{Name: "x", DType: graph.Float, Shape: graph.ShapeOf(1, 3)},
		},
		Outputs: []graph.ValueInfo{
			{Name: "y", DType: graph.Float, Shape: graph.ShapeOf(1, 3)},
		},
		Metadata: map[string]string{},
	}
	path := filepath.Join(t.TempDir(), "broken.onnx")
	require.NoError(t, graph.Save(path, g))

	code, _, stderr := execute(t, "validate", path)
	assert.Equal(t, exitStructural, code, stderr)
}

func TestLogLevelFromEnv(t *testing.T) {
	t.Setenv("YOLONNX_LOG_LEVEL", "loud")
	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{"generate", "--output", filepath.Join(t.TempDir(), "x.onnx")}, &out, &errOut)
	assert.Equal(t, exitError, code)
	assert.Contains(t, errOut.String(), `unknown log level "loud"`)
}

func TestLogFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "yolonnx.log")
	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{
		"--log-level", "debug", "--log-file", logPath,
		"generate", "--output", filepath.Join(dir, "x.onnx"), "--img-size", "32",
	}, &out, &errOut)
	require.Equal(t, exitOK, code, errOut.String())
	b, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "stage done")
}

func TestExitCode(t *testing.T) {
	wrap := func(err error) error { return fmt.Errorf("outer: %w", err) }
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitError, exitCode(errors.New("boom")))
	assert.Equal(t, exitUnsupportedFormat, exitCode(wrap(loader.ErrUnsupportedFormat)))
	assert.Equal(t, exitMissingDependency, exitCode(wrap(loader.ErrMissingDependency)))
	assert.Equal(t, exitWeightShapeMismatch, exitCode(wrap(darknet.ErrWeightShapeMismatch)))
	assert.Equal(t, exitStructural, exitCode(wrap(validator.ErrStructural)))
	assert.Equal(t, exitStructural, exitCode(wrap(graph.ErrDanglingInput)))
}
