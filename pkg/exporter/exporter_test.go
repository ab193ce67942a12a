package exporter

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/yolonnx/pkg/graph"
	"github.com/zerfoo/yolonnx/pkg/nn"
	"github.com/zerfoo/yolonnx/pkg/validator"
)

func headNet(t *testing.T) *nn.Network {
	t.Helper()
	net := nn.New("head", "darknet", 1)
	conv, err := nn.NewConv("conv", nn.ConvConfig{In: 3, Out: 18, Kernel: 3, Stride: 2, Pad: 1, BatchNorm: true, Activation: nn.Leaky})
	require.NoError(t, err)
	for i := range conv.Weight.T.Float {
		conv.Weight.T.Float[i] = float32(i%5) * 0.01
	}
	c, err := net.Add("conv", []int{nn.Input}, conv)
	require.NoError(t, err)
	_, err = net.Add("yolo", []int{c}, &nn.YoloHead{Anchors: make([][2]float32, 3), NumClasses: 1})
	require.NoError(t, err)
	return net
}

// upsampleNet is conv(stride 2) -> upsample x2 -> 1x1 conv -> yolo.
func upsampleNet(t *testing.T) *nn.Network {
	t.Helper()
	net := nn.New("up", "darknet", 1)
	down, err := nn.NewConv("down", nn.ConvConfig{In: 3, Out: 4, Kernel: 3, Stride: 2, Pad: 1, Activation: nn.Leaky})
	require.NoError(t, err)
	head, err := nn.NewConv("head", nn.ConvConfig{In: 4, Out: 18, Kernel: 1, Stride: 1, Activation: nn.Linear})
	require.NoError(t, err)
	c, err := net.Add("down", []int{nn.Input}, down)
	require.NoError(t, err)
	u, err := net.Add("up", []int{c}, &nn.Upsample{Scale: 2})
	require.NoError(t, err)
	h, err := net.Add("head", []int{u}, head)
	require.NoError(t, err)
	_, err = net.Add("yolo", []int{h}, &nn.YoloHead{Anchors: make([][2]float32, 3), NumClasses: 1})
	require.NoError(t, err)
	net.Eval()
	return net
}

func TestExportResizeRoiFollowsOpset(t *testing.T) {
	for _, opset := range []int64{10, 11, 12, 13} {
		t.Run(fmt.Sprintf("opset %d", opset), func(t *testing.T) {
			g, err := Export(context.Background(), upsampleNet(t), Options{ImageSize: 16, Opset: opset})
			require.NoError(t, err)
			// Reload so the empty roi initializer goes through the codec.
			g, err = graph.Unmarshal(graph.Marshal(g))
			require.NoError(t, err)
			require.NoError(t, validator.Validate(g))

			var resize *graph.Node
			for _, n := range g.Nodes {
				if n.OpType == "Resize" {
					resize = n
				}
			}
			require.NotNil(t, resize)
			switch {
			case opset == 10:
				assert.Len(t, resize.Inputs, 2)
			case opset < 13:
				require.Len(t, resize.Inputs, 3)
				roi, ok := g.Initializer(resize.Inputs[1])
				require.True(t, ok, "roi %q is not an initializer", resize.Inputs[1])
				assert.Equal(t, graph.Float, roi.DType)
				assert.Zero(t, roi.Len())
			default:
				require.Len(t, resize.Inputs, 3)
				assert.Empty(t, resize.Inputs[1])
			}
		})
	}
}

func TestExportRefusesTrainingMode(t *testing.T) {
	_, err := Export(context.Background(), headNet(t), Options{ImageSize: 16})
	assert.True(t, errors.Is(err, ErrTrainingMode))
}

func TestExportDynamicBatch(t *testing.T) {
	net := headNet(t)
	net.Eval()
	g, err := Export(context.Background(), net, Options{ImageSize: 16, BatchSize: 2, Opset: 11})
	require.NoError(t, err)

	assert.Equal(t, int64(11), g.Opset)
	require.Len(t, g.Inputs, 1)
	require.Len(t, g.Outputs, 1)
	assert.Equal(t, InputName, g.Inputs[0].Name)
	assert.Equal(t, OutputName, g.Outputs[0].Name)
	assert.Equal(t, "[batch_size,3,16,16]", g.Inputs[0].Shape.String())
	assert.Equal(t, "[batch_size,192,6]", g.Outputs[0].Shape.String())
	assert.Equal(t, "1", g.Metadata["num_classes"])

	producers := g.Producers()
	require.Contains(t, producers, OutputName)
	assert.Equal(t, "Reshape", producers[OutputName].OpType)

	// Every reshape target keeps the batch axis open.
	inits := g.InitializerMap()
	for _, n := range g.Nodes {
		if n.OpType != "Reshape" {
			continue
		}
		target, ok := inits[n.Inputs[1]]
		require.True(t, ok)
		assert.Equal(t, int64(-1), target.Int64[0], n.Name)
	}

	ops := g.Stats().OpCounts
	assert.Equal(t, 1, ops["Conv"])
	assert.Equal(t, 1, ops["BatchNormalization"])
	assert.Equal(t, 1, ops["LeakyRelu"])
	assert.Equal(t, 2, ops["Reshape"])
	assert.Equal(t, 1, ops["Transpose"])
	assert.Zero(t, ops["Concat"], "a single head is not concatenated")
}

func TestExportRejectsBadOpset(t *testing.T) {
	net := headNet(t)
	net.Eval()
	_, err := Export(context.Background(), net, Options{ImageSize: 16, Opset: 8})
	assert.Error(t, err)
}

func TestExportIsDeterministic(t *testing.T) {
	net := headNet(t)
	net.Eval()
	a, err := Export(context.Background(), net, Options{ImageSize: 8})
	require.NoError(t, err)
	b, err := Export(context.Background(), net, Options{ImageSize: 8})
	require.NoError(t, err)
	assert.Equal(t, graph.Marshal(a), graph.Marshal(b))
}
