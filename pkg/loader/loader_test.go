package loader

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/yolonnx/pkg/checkpoint"
	"github.com/zerfoo/yolonnx/pkg/darknet"
	"github.com/zerfoo/yolonnx/pkg/graph"
	"github.com/zerfoo/yolonnx/pkg/yolov5"
)

const miniCfg = `
[net]
width=16
height=16

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

const miniDef = `
nc: 1
anchors: [[10,13, 16,30]]
backbone: [[-1, 1, Conv, [8, 3, 2]]]
head: [[[-1], 1, Detect, [nc, anchors]]]
`

func TestResolve(t *testing.T) {
	tests := []struct {
		path, cfg string
		want      Format
	}{
		{"yolov4.weights", "yolov4.cfg", LegacyBinary},
		{"YOLOV4.WEIGHTS", "yolov4.cfg", LegacyBinary},
		{"yolov4.weights", "", Checkpoint},
		{"yolov5s.pt", "yolov5s.yaml", Checkpoint},
		{"yolov5s.pt", "", Checkpoint},
		{"model.safetensors", "", Checkpoint},
	}
	for _, tt := range tests {
		a := Resolve(tt.path, tt.cfg)
		assert.Equal(t, tt.want, a.Format, "%s + %q", tt.path, tt.cfg)
	}
}

func TestRegistryOrder(t *testing.T) {
	var names []string
	for _, l := range Loaders(Checkpoint) {
		names = append(names, l.Name())
	}
	assert.Equal(t, []string{"yolov5", "darknet-torch"}, names)
	require.Len(t, Loaders(LegacyBinary), 1)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadLegacyBinary(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "mini.cfg", miniCfg)
	net, err := darknet.BuildFile(cfg)
	require.NoError(t, err)
	for _, p := range net.Params() {
		for i := range p.T.Float {
			p.T.Float[i] = 0.5
		}
	}
	f, err := os.Create(filepath.Join(dir, "mini.weights"))
	require.NoError(t, err)
	require.NoError(t, darknet.WriteWeights(f, net, 0))
	require.NoError(t, f.Close())

	got, err := Load(Resolve(f.Name(), cfg), Options{})
	require.NoError(t, err)
	assert.False(t, got.Training(), "loaded networks are in eval mode")
	assert.Equal(t, darknet.Family, got.Family)
	assert.Equal(t, float32(0.5), got.Params()[0].T.Float[0])
}

func modernCheckpoint(t *testing.T, dir string, embed bool) string {
	t.Helper()
	def, err := yolov5.ParseDefinition([]byte(miniDef))
	require.NoError(t, err)
	ref, err := yolov5.Build("mini", def)
	require.NoError(t, err)
	sd := checkpoint.New()
	for _, p := range ref.Params() {
		sd.Set(p.Name, graph.NewFloat(p.Name, p.T.Dims, nil))
	}
	if embed {
		sd.Metadata["yaml"] = miniDef
	}
	path := filepath.Join(dir, "mini.safetensors")
	require.NoError(t, checkpoint.SaveSafetensors(path, sd))
	return path
}

func TestLoadCheckpointPicksModernFamily(t *testing.T) {
	path := modernCheckpoint(t, t.TempDir(), true)
	net, err := Load(Resolve(path, ""), Options{})
	require.NoError(t, err)
	assert.Equal(t, yolov5.Family, net.Family)
	assert.False(t, net.Training())
}

func TestLoadCheckpointMissingDefinition(t *testing.T) {
	path := modernCheckpoint(t, t.TempDir(), false)
	_, err := Load(Resolve(path, ""), Options{})
	assert.True(t, errors.Is(err, ErrMissingDependency), "err = %v", err)
}

func TestLoadCheckpointFallsBackToDarknetLayout(t *testing.T) {
	dir := t.TempDir()
	sections, err := darknet.Parse(strings.NewReader(miniCfg))
	require.NoError(t, err)
	ref, err := darknet.Build("mini", sections)
	require.NoError(t, err)
	sd := checkpoint.New()
	for _, p := range ref.Params() {
		sd.Set(p.Name, graph.NewFloat(p.Name, p.T.Dims, nil))
	}
	path := filepath.Join(dir, "mini.safetensors")
	require.NoError(t, checkpoint.SaveSafetensors(path, sd))

	_, err = Load(Resolve(path, ""), Options{})
	assert.True(t, errors.Is(err, ErrMissingDependency), "err = %v", err)

	cfg := writeFile(t, dir, "mini.cfg", miniCfg)
	net, err := Load(Resolve(path, cfg), Options{})
	require.NoError(t, err)
	assert.Equal(t, darknet.Family, net.Family)
}

func TestLoadUnsupported(t *testing.T) {
	dir := t.TempDir()
	for _, a := range []*Artifact{
		// A .weights file without its cfg is treated as a checkpoint.
		Resolve(writeFile(t, dir, "lonely.weights", "\x00\x00\x00\x00garbage"), ""),
		Resolve(writeFile(t, dir, "notes.txt", "hello"), ""),
	} {
		_, err := Load(a, Options{})
		assert.True(t, errors.Is(err, ErrUnsupportedFormat), "%s: err = %v", a.Path, err)
	}

	// A readable checkpoint whose keys match no family.
	sd := checkpoint.New()
	sd.Set("backbone.stem.weight", graph.NewFloat("", []int64{1}, nil))
	path := filepath.Join(dir, "other.safetensors")
	require.NoError(t, checkpoint.SaveSafetensors(path, sd))
	_, err := Load(Resolve(path, ""), Options{})
	assert.True(t, errors.Is(err, ErrUnsupportedFormat), "err = %v", err)
}
