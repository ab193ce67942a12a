package darknet

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/yolonnx/pkg/graph"
	"github.com/zerfoo/yolonnx/pkg/nn"
)

// tinyCfg is a two-head detector on a 32x32 input with 2 classes.
const tinyCfg = `
[net]
# Testing
width=32
height=32
channels=3

[convolutional]
batch_normalize=1
filters=8
size=3
stride=1
pad=1
activation=leaky

[maxpool]
size=2
stride=2

[convolutional]
batch_normalize=1
filters=16
size=3
stride=2
pad=1
activation=leaky

[maxpool]
size=2
stride=1

[convolutional]
size=1
stride=1
pad=1
filters=21
activation=linear

[yolo]
mask = 3,4,5
anchors = 10,14,  23,27,  37,58,  81,82,  135,169,  344,319
classes=2
num=6

[route]
layers = -3

[upsample]
stride=2

[route]
layers = -1, 1

[convolutional]
size=1
stride=1
pad=1
filters=21
activation=linear

[yolo]
mask = 0,1,2
anchors = 10,14,  23,27,  37,58,  81,82,  135,169,  344,319
classes=2
num=6
`

func writeCfg(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiny.cfg")
	require.NoError(t, os.WriteFile(path, []byte(tinyCfg), 0o644))
	return path
}

func TestBuildTopology(t *testing.T) {
	sections, err := Parse(strings.NewReader(tinyCfg))
	require.NoError(t, err)
	require.Len(t, sections, 12)

	net, err := Build("tiny", sections)
	require.NoError(t, err)
	assert.Equal(t, 2, net.NumClasses)
	assert.Equal(t, 32, net.InputSize)
	assert.Equal(t, []int{7, 1}, net.Stages[8].From)

	net.Eval()
	x := graph.NewFloat("", []int64{1, 3, 32, 32}, nil)
	out, err := net.Forward(context.Background(), x)
	require.NoError(t, err)
	// 8x8 head and 16x16 head, three anchors each.
	assert.Equal(t, []int64{1, 3*8*8 + 3*16*16, 7}, out.Dims)
}

func TestWeightsRoundTrip(t *testing.T) {
	net, err := BuildFile(writeCfg(t))
	require.NoError(t, err)
	for i, p := range net.Params() {
		for j := range p.T.Float {
			p.T.Float[j] = float32(i) + float32(j)/1000
		}
	}
	var buf bytes.Buffer
	require.NoError(t, WriteWeights(&buf, net, 12345))

	loaded, err := BuildFile(writeCfg(t))
	require.NoError(t, err)
	h, err := LoadWeights(loaded, buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, Header{Major: 0, Minor: 2, Revision: 0, Seen: 12345}, h)
	for i, p := range loaded.Params() {
		assert.Equal(t, net.Params()[i].T.Float, p.T.Float, p.Name)
	}

	conv := loaded.Stages[0].Layer.(*nn.Conv)
	assert.Equal(t, "module_list.0.BatchNorm2d.running_var", conv.BN.Var.Name)
	// Beta is stored first.
	assert.Equal(t, float32(0), conv.BN.Beta.T.Float[0])
}

func TestLoadWeightsRejectsShortFiles(t *testing.T) {
	cfg := writeCfg(t)
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.weights")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err := Load(cfg, empty)
	assert.True(t, errors.Is(err, ErrWeightShapeMismatch), "err = %v", err)

	// An old-format header with a 32-bit seen counter and a few floats.
	short := binary.LittleEndian.AppendUint32(nil, 0)
	short = binary.LittleEndian.AppendUint32(short, 1)
	short = binary.LittleEndian.AppendUint32(short, 0)
	short = binary.LittleEndian.AppendUint32(short, 7)
	short = append(short, make([]byte, 4*10)...)
	path := filepath.Join(dir, "short.weights")
	require.NoError(t, os.WriteFile(path, short, 0o644))
	_, err = Load(cfg, path)
	require.True(t, errors.Is(err, ErrWeightShapeMismatch))
	assert.Contains(t, err.Error(), "layer 0")
}

func TestLoadStateDictLayout(t *testing.T) {
	cfg := writeCfg(t)
	src, err := BuildFile(cfg)
	require.NoError(t, err)
	sd := map[string]*graph.Tensor{}
	for _, p := range src.Params() {
		sd[p.Name] = graph.NewFloat(p.Name, p.T.Dims, nil)
	}
	sd["module_list.4.Conv2d.bias"].Float[0] = 3

	net, err := LoadStateDict(cfg, source(sd))
	require.NoError(t, err)
	assert.Equal(t, float32(3), net.Stages[4].Layer.(*nn.Conv).Bias.T.Float[0])
}

type source map[string]*graph.Tensor

func (s source) Tensor(name string) (*graph.Tensor, bool) {
	t, ok := s[name]
	return t, ok
}

func TestParseErrors(t *testing.T) {
	for name, cfg := range map[string]string{
		"no net":       "[convolutional]\nfilters=1\n",
		"orphan":       "filters=1\n",
		"bad header":   "[net\n",
		"not key=val":  "[net]\nwidth\n",
		"unknown type": "[net]\n[lstm]\n",
	} {
		t.Run(name, func(t *testing.T) {
			sections, err := Parse(strings.NewReader(cfg))
			if err == nil {
				_, err = Build("x", sections)
			}
			assert.Error(t, err)
		})
	}
}
