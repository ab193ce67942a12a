package graph

import (
	"fmt"
	"math"
)

// DataType is an element type. Values match ONNX TensorProto.DataType.
type DataType int32

const (
	Undefined DataType = 0
	Float     DataType = 1
	Uint8     DataType = 2
	Int8      DataType = 3
	Int32     DataType = 6
	Int64     DataType = 7
)

func (d DataType) String() string {
	switch d {
	case Float:
		return "float32"
	case Uint8:
		return "uint8"
	case Int8:
		return "int8"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	}
	return fmt.Sprintf("dtype(%d)", int32(d))
}

// Size returns the element width in bytes.
func (d DataType) Size() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Float, Int32:
		return 4
	case Int64:
		return 8
	}
	return 0
}

// Tensor is a named dense tensor. Exactly one of the typed slices is
// populated, selected by DType.
type Tensor struct {
	Name  string
	DType DataType
	Dims  []int64

	Float []float32
	Int64 []int64
	Int32 []int32
	Int8  []int8
	Uint8 []uint8
}

// NewFloat returns a float32 tensor. A nil data slice is allocated zeroed.
func NewFloat(name string, dims []int64, data []float32) *Tensor {
	if data == nil {
		data = make([]float32, NumElements(dims))
	}
	return &Tensor{Name: name, DType: Float, Dims: cloneInt64s(dims), Float: data}
}

// NewInt64 returns an int64 tensor.
func NewInt64(name string, dims []int64, data []int64) *Tensor {
	if data == nil {
		data = make([]int64, NumElements(dims))
	}
	return &Tensor{Name: name, DType: Int64, Dims: cloneInt64s(dims), Int64: data}
}

// NewInt32 returns an int32 tensor.
func NewInt32(name string, dims []int64, data []int32) *Tensor {
	if data == nil {
		data = make([]int32, NumElements(dims))
	}
	return &Tensor{Name: name, DType: Int32, Dims: cloneInt64s(dims), Int32: data}
}

// NewInt8 returns an int8 tensor.
func NewInt8(name string, dims []int64, data []int8) *Tensor {
	if data == nil {
		data = make([]int8, NumElements(dims))
	}
	return &Tensor{Name: name, DType: Int8, Dims: cloneInt64s(dims), Int8: data}
}

// NewUint8 returns a uint8 tensor.
func NewUint8(name string, dims []int64, data []uint8) *Tensor {
	if data == nil {
		data = make([]uint8, NumElements(dims))
	}
	return &Tensor{Name: name, DType: Uint8, Dims: cloneInt64s(dims), Uint8: data}
}

// Zeros allocates a tensor of the given type.
func Zeros(name string, dtype DataType, dims []int64) (*Tensor, error) {
	switch dtype {
	case Float:
		return NewFloat(name, dims, nil), nil
	case Int64:
		return NewInt64(name, dims, nil), nil
	case Int32:
		return NewInt32(name, dims, nil), nil
	case Int8:
		return NewInt8(name, dims, nil), nil
	case Uint8:
		return NewUint8(name, dims, nil), nil
	}
	return nil, fmt.Errorf("unsupported tensor data type: %s", dtype)
}

// NumElements is the product of dims; a scalar (no dims) has one element.
func NumElements(dims []int64) int {
	n := 1
	for _, d := range dims {
		n *= int(d)
	}
	return n
}

// Len returns the number of elements implied by Dims.
func (t *Tensor) Len() int { return NumElements(t.Dims) }

// ByteSize returns the in-memory size of the element data.
func (t *Tensor) ByteSize() int { return t.Len() * t.DType.Size() }

// dataLen returns the length of the populated slice.
func (t *Tensor) dataLen() int {
	switch t.DType {
	case Float:
		return len(t.Float)
	case Int64:
		return len(t.Int64)
	case Int32:
		return len(t.Int32)
	case Int8:
		return len(t.Int8)
	case Uint8:
		return len(t.Uint8)
	}
	return -1
}

// Validate checks that the data slice agrees with Dims.
func (t *Tensor) Validate() error {
	for _, d := range t.Dims {
		if d < 0 {
			return fmt.Errorf("tensor %q has negative dimension in %v", t.Name, t.Dims)
		}
	}
	n := t.dataLen()
	if n < 0 {
		return fmt.Errorf("tensor %q has unsupported data type %s", t.Name, t.DType)
	}
	if n != t.Len() {
		return fmt.Errorf("tensor %q holds %d elements, dims %v require %d", t.Name, n, t.Dims, t.Len())
	}
	return nil
}

// Shape returns the static shape of the tensor.
func (t *Tensor) Shape() Shape { return ShapeOf(t.Dims...) }

// Ints returns the elements of an integer tensor widened to int64.
func (t *Tensor) Ints() ([]int64, error) {
	switch t.DType {
	case Int64:
		return t.Int64, nil
	case Int32:
		out := make([]int64, len(t.Int32))
		for i, v := range t.Int32 {
			out[i] = int64(v)
		}
		return out, nil
	}
	return nil, fmt.Errorf("tensor %q is not of type INT64 or INT32, but %s", t.Name, t.DType)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	c := &Tensor{Name: t.Name, DType: t.DType, Dims: cloneInt64s(t.Dims)}
	if t.Float != nil {
		c.Float = append([]float32(nil), t.Float...)
	}
	if t.Int64 != nil {
		c.Int64 = append([]int64(nil), t.Int64...)
	}
	if t.Int32 != nil {
		c.Int32 = append([]int32(nil), t.Int32...)
	}
	if t.Int8 != nil {
		c.Int8 = append([]int8(nil), t.Int8...)
	}
	if t.Uint8 != nil {
		c.Uint8 = append([]uint8(nil), t.Uint8...)
	}
	return c
}

// Renamed returns a shallow copy carrying a new name. Data is shared.
func (t *Tensor) Renamed(name string) *Tensor {
	c := *t
	c.Name = name
	return &c
}

// Checksum folds the float data into a single value. It is used to compare
// graph outputs cheaply before an element-wise check.
func (t *Tensor) Checksum() float64 {
	var sum float64
	for i, v := range t.Float {
		sum += float64(v) * float64(i%7+1)
	}
	return sum
}

// MaxRelativeError compares two float tensors element-wise and returns the
// largest |a-b| / max(|b|, floor).
func MaxRelativeError(a, b *Tensor, floor float64) (float64, error) {
	if a.DType != Float || b.DType != Float {
		return 0, fmt.Errorf("relative error requires float tensors, got %s and %s", a.DType, b.DType)
	}
	if len(a.Float) != len(b.Float) {
		return 0, fmt.Errorf("element count mismatch: %d vs %d", len(a.Float), len(b.Float))
	}
	var worst float64
	for i := range a.Float {
		d := math.Abs(float64(a.Float[i]) - float64(b.Float[i]))
		den := math.Max(math.Abs(float64(b.Float[i])), floor)
		if r := d / den; r > worst || math.IsNaN(r) {
			worst = r
		}
	}
	return worst, nil
}

// RelativeL2Error returns ||a-b|| / ||b|| for two float tensors.
func RelativeL2Error(a, b *Tensor) (float64, error) {
	if a.DType != Float || b.DType != Float {
		return 0, fmt.Errorf("relative error requires float tensors, got %s and %s", a.DType, b.DType)
	}
	if len(a.Float) != len(b.Float) {
		return 0, fmt.Errorf("element count mismatch: %d vs %d", len(a.Float), len(b.Float))
	}
	var num, den float64
	for i := range a.Float {
		d := float64(a.Float[i]) - float64(b.Float[i])
		num += d * d
		den += float64(b.Float[i]) * float64(b.Float[i])
	}
	if den == 0 {
		return math.Sqrt(num), nil
	}
	return math.Sqrt(num / den), nil
}

func cloneInt64s(s []int64) []int64 {
	if s == nil {
		return []int64{}
	}
	return append([]int64(nil), s...)
}
