package checkpoint

import (
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/zerfoo/yolonnx/pkg/graph"
)

// nestedKeys are the entries training scripts wrap a state dict in.
var nestedKeys = []string{"model", "state_dict", "model_state_dict", "ema"}

// LoadTorch reads a checkpoint written by torch.save, either the zip
// archive format or the legacy pickle format. The checkpoint must hold a
// state dict, directly or under one of the usual wrapper keys; top-level
// string entries become metadata.
func LoadTorch(path string) (*StateDict, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to unpickle %s: %w", path, err)
	}
	d := New()
	if err := collect(d, obj, 0); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if d.Len() == 0 {
		return nil, fmt.Errorf("%w: %s holds no tensors", ErrNotCheckpoint, path)
	}
	return d, nil
}

type entry struct {
	key   string
	value any
}

func entries(obj any) ([]entry, bool) {
	var out []entry
	switch m := obj.(type) {
	case *types.OrderedDict:
		for e := m.List.Front(); e != nil; e = e.Next() {
			de := e.Value.(*types.OrderedDictEntry)
			if k, ok := de.Key.(string); ok {
				out = append(out, entry{k, de.Value})
			}
		}
	case *types.Dict:
		for _, k := range m.Keys() {
			if ks, ok := k.(string); ok {
				out = append(out, entry{ks, m.MustGet(k)})
			}
		}
	default:
		return nil, false
	}
	return out, true
}

func collect(d *StateDict, obj any, depth int) error {
	es, ok := entries(obj)
	if !ok {
		return fmt.Errorf("%w: top-level object is %T, not a dict", ErrNotCheckpoint, obj)
	}
	for _, e := range es {
		switch v := e.value.(type) {
		case *pytorch.Tensor:
			t, err := fromTorch(e.key, v)
			if err != nil {
				return err
			}
			d.Set(e.key, t)
		case string:
			if depth == 0 {
				d.Metadata[e.key] = v
			}
		}
	}
	if d.Len() > 0 || depth > 0 {
		return nil
	}
	for _, key := range nestedKeys {
		for _, e := range es {
			if e.key != key {
				continue
			}
			if _, ok := entries(e.value); ok {
				return collect(d, e.value, depth+1)
			}
		}
	}
	return nil
}

// fromTorch copies the elements a tensor view addresses, honouring strides.
func fromTorch(name string, t *pytorch.Tensor) (*graph.Tensor, error) {
	dims := make([]int64, len(t.Size))
	for i, s := range t.Size {
		dims[i] = int64(s)
	}
	n := graph.NumElements(dims)
	idx := viewIndex(t.Size, t.Stride, t.StorageOffset, n)

	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		return graph.NewFloat(name, dims, gather(s.Data, idx)), nil
	case *pytorch.HalfStorage:
		return graph.NewFloat(name, dims, gather(s.Data, idx)), nil
	case *pytorch.BFloat16Storage:
		return graph.NewFloat(name, dims, gather(s.Data, idx)), nil
	case *pytorch.DoubleStorage:
		wide := gather(s.Data, idx)
		data := make([]float32, n)
		for i, v := range wide {
			data[i] = float32(v)
		}
		return graph.NewFloat(name, dims, data), nil
	case *pytorch.LongStorage:
		return graph.NewInt64(name, dims, gather(s.Data, idx)), nil
	case *pytorch.IntStorage:
		return graph.NewInt32(name, dims, gather(s.Data, idx)), nil
	default:
		return nil, fmt.Errorf("tensor %s has unsupported storage %T", name, t.Source)
	}
}

func viewIndex(size, stride []int, offset, n int) []int {
	idx := make([]int, n)
	coord := make([]int, len(size))
	for k := range idx {
		off := offset
		for d, c := range coord {
			off += c * stride[d]
		}
		idx[k] = off
		for d := len(coord) - 1; d >= 0; d-- {
			coord[d]++
			if coord[d] < size[d] {
				break
			}
			coord[d] = 0
		}
	}
	return idx
}

func gather[T any](src []T, idx []int) []T {
	out := make([]T, len(idx))
	for i, j := range idx {
		out[i] = src[j]
	}
	return out
}
