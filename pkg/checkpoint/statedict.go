// Package checkpoint reads trained weights stored as PyTorch state dicts or
// safetensors files.
package checkpoint

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/zerfoo/yolonnx/pkg/graph"
)

// ErrNotCheckpoint is returned for files that are neither a PyTorch archive
// nor a safetensors file.
var ErrNotCheckpoint = errors.New("not a recognized checkpoint")

// StateDict is an insertion-ordered mapping from parameter keys to tensors,
// plus string entries stored alongside them.
type StateDict struct {
	tensors  *orderedmap.OrderedMap[string, *graph.Tensor]
	Metadata map[string]string
}

// New returns an empty state dict.
func New() *StateDict {
	return &StateDict{
		tensors:  orderedmap.New[string, *graph.Tensor](),
		Metadata: map[string]string{},
	}
}

// Set stores t under key, keeping the position of an existing key.
func (d *StateDict) Set(key string, t *graph.Tensor) { d.tensors.Set(key, t) }

// Tensor returns the tensor stored under key.
func (d *StateDict) Tensor(key string) (*graph.Tensor, bool) { return d.tensors.Get(key) }

// Len returns the number of tensors.
func (d *StateDict) Len() int { return d.tensors.Len() }

// Keys returns tensor keys in insertion order.
func (d *StateDict) Keys() []string {
	keys := make([]string, 0, d.tensors.Len())
	for p := d.tensors.Oldest(); p != nil; p = p.Next() {
		keys = append(keys, p.Key)
	}
	return keys
}

// HasPrefix reports whether any key starts with prefix.
func (d *StateDict) HasPrefix(prefix string) bool {
	for p := d.tensors.Oldest(); p != nil; p = p.Next() {
		if strings.HasPrefix(p.Key, prefix) {
			return true
		}
	}
	return false
}

// trimCommonPrefix drops prefix from every key when all keys carry it, as
// checkpoints saved from a data-parallel wrapper do with "module.".
func (d *StateDict) trimCommonPrefix(prefix string) {
	if d.Len() == 0 {
		return
	}
	for p := d.tensors.Oldest(); p != nil; p = p.Next() {
		if !strings.HasPrefix(p.Key, prefix) {
			return
		}
	}
	trimmed := orderedmap.New[string, *graph.Tensor]()
	for p := d.tensors.Oldest(); p != nil; p = p.Next() {
		trimmed.Set(strings.TrimPrefix(p.Key, prefix), p.Value)
	}
	d.tensors = trimmed
}

const safetensorsExt = ".safetensors"

var (
	zipMagic    = []byte("PK\x03\x04")
	pickleMagic = []byte{0x80}
)

// Load reads a checkpoint, choosing the container from the file contents.
func Load(path string) (*StateDict, error) {
	kind, err := Detect(path)
	if err != nil {
		return nil, err
	}
	var d *StateDict
	switch kind {
	case "safetensors":
		d, err = LoadSafetensors(path)
	default:
		d, err = LoadTorch(path)
	}
	if err != nil {
		return nil, err
	}
	d.trimCommonPrefix("module.")
	return d, nil
}

// Detect reports "safetensors" or "torch" for a checkpoint file.
func Detect(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer f.Close()

	head := make([]byte, 9)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", fmt.Errorf("%w: %s: %v", ErrNotCheckpoint, path, err)
	}
	head = head[:n]
	switch {
	case strings.EqualFold(filepath.Ext(path), safetensorsExt), n == 9 && head[8] == '{':
		return "safetensors", nil
	case bytes.HasPrefix(head, zipMagic), bytes.HasPrefix(head, pickleMagic):
		return "torch", nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotCheckpoint, path)
}
