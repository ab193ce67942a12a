package darknet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/zerfoo/yolonnx/pkg/nn"
)

// ErrWeightShapeMismatch is returned when a weights file holds fewer values
// than the topology needs.
var ErrWeightShapeMismatch = errors.New("weights file does not match topology")

// Header is the preamble of a .weights file.
type Header struct {
	Major, Minor, Revision int32
	Seen                   int64
}

// Size returns the encoded header length in bytes.
func (h Header) Size() int {
	if h.wideSeen() {
		return 20
	}
	return 16
}

// wideSeen reports whether the images-seen counter is 64 bits, which is the
// case from format 0.2 on.
func (h Header) wideSeen() bool { return h.Major*10+h.Minor >= 2 }

// ReadHeader decodes the header from the first bytes of a weights file.
func ReadHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < 16 {
		return h, fmt.Errorf("%w: %d bytes is shorter than the header", ErrWeightShapeMismatch, len(b))
	}
	h.Major = int32(binary.LittleEndian.Uint32(b))
	h.Minor = int32(binary.LittleEndian.Uint32(b[4:]))
	h.Revision = int32(binary.LittleEndian.Uint32(b[8:]))
	if !h.wideSeen() {
		h.Seen = int64(int32(binary.LittleEndian.Uint32(b[12:])))
		return h, nil
	}
	if len(b) < 20 {
		return h, fmt.Errorf("%w: %d bytes is shorter than the header", ErrWeightShapeMismatch, len(b))
	}
	h.Seen = int64(binary.LittleEndian.Uint64(b[12:]))
	return h, nil
}

// LoadWeightsFile binds a .weights file to net.
func LoadWeightsFile(net *nn.Network, path string) (Header, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Header{}, fmt.Errorf("failed to read weights: %w", err)
	}
	return LoadWeights(net, b)
}

// LoadWeights binds weights to every convolution in stage order: batch norm
// beta, gamma, mean and variance (or the conv bias), then the kernel.
func LoadWeights(net *nn.Network, b []byte) (Header, error) {
	if !net.Training() {
		return Header{}, nn.ErrFrozen
	}
	h, err := ReadHeader(b)
	if err != nil {
		return h, err
	}
	body := b[h.Size():]
	avail := len(body) / 4
	pos := 0
	for i, st := range net.Stages {
		params := st.Layer.Params()
		need := 0
		for _, p := range params {
			need += p.Len()
		}
		if need > avail-pos {
			return h, fmt.Errorf("%w: layer %d (%s) needs %d floats, %d left of %d", ErrWeightShapeMismatch, i, st.Name, need, avail-pos, avail)
		}
		for _, p := range params {
			dst := p.T.Float
			for j := range dst {
				dst[j] = math.Float32frombits(binary.LittleEndian.Uint32(body[4*(pos+j):]))
			}
			pos += len(dst)
		}
	}
	if rest := len(body) - 4*pos; rest > 0 {
		slog.Warn("weights file has unread data", "bytes", rest, "floats_used", pos)
	}
	return h, nil
}

// WriteWeights encodes net's parameters in .weights layout with a 0.2
// header.
func WriteWeights(w io.Writer, net *nn.Network, seen int64) error {
	out := make([]byte, 0, 20+4*net.NumParams())
	out = binary.LittleEndian.AppendUint32(out, 0)
	out = binary.LittleEndian.AppendUint32(out, 2)
	out = binary.LittleEndian.AppendUint32(out, 0)
	out = binary.LittleEndian.AppendUint64(out, uint64(seen))
	for _, p := range net.Params() {
		for _, v := range p.T.Float {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
		}
	}
	_, err := w.Write(out)
	return err
}
