// Package nn is the small layer library used to train and replay the
// classifier: a dense tensor type, convolution, pooling, normalisation,
// dropout and dense layers with hand-written backward passes, a softmax
// cross-entropy loss and the Adam optimizer. Matrix products go through
// gonum.
//
// All image tensors are channels-last: [batch, height, width, channels].
package nn

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch reports tensors or payloads whose shape does not match
// what the caller expected.
var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor is a dense row-major float64 array.
type Tensor struct {
	Shape []int
	Data  []float64
}

// NewTensor allocates a zero-filled tensor.
func NewTensor(shape ...int) *Tensor {
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, Volume(shape)),
	}
}

// TensorFrom wraps data without copying. The length of data must match the
// volume of shape.
func TensorFrom(data []float64, shape ...int) (*Tensor, error) {
	if len(data) != Volume(shape) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(data), shape)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Volume returns the number of elements described by shape. The empty shape
// is a scalar and has volume 1.
func Volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64(nil), t.Data...),
	}
}

// Reshape returns a view sharing t's data with a new shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	return TensorFrom(t.Data, shape...)
}

// Row returns a view of the i-th slice along the first dimension.
func (t *Tensor) Row(i int) *Tensor {
	inner := Volume(t.Shape[1:])
	return &Tensor{
		Shape: append([]int(nil), t.Shape[1:]...),
		Data:  t.Data[i*inner : (i+1)*inner],
	}
}

// Nested converts the tensor into nested slices mirroring its shape, the
// form used by the JSON bundles. Scalars become a bare float64.
func (t *Tensor) Nested() any {
	if len(t.Shape) == 0 {
		if len(t.Data) == 0 {
			return 0.0
		}
		return t.Data[0]
	}
	return nest(t.Shape, t.Data)
}

func nest(shape []int, data []float64) any {
	if len(shape) == 1 {
		return append(make([]float64, 0, shape[0]), data[:shape[0]]...)
	}
	stride := Volume(shape[1:])
	out := make([]any, shape[0])
	for i := range out {
		out[i] = nest(shape[1:], data[i*stride:(i+1)*stride])
	}
	return out
}

// FromNested rebuilds a tensor from the nested []any / float64 values
// produced by encoding/json. Ragged input is rejected.
func FromNested(v any) (*Tensor, error) {
	var shape []int
	for cur := v; ; {
		arr, ok := cur.([]any)
		if !ok {
			break
		}
		shape = append(shape, len(arr))
		if len(arr) == 0 {
			break
		}
		cur = arr[0]
	}
	data := make([]float64, 0, Volume(shape))
	if err := flatten(v, shape, &data); err != nil {
		return nil, err
	}
	return &Tensor{Shape: shape, Data: data}, nil
}

func flatten(v any, shape []int, out *[]float64) error {
	if len(shape) == 0 {
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("%w: expected number, got %T", ErrShapeMismatch, v)
		}
		*out = append(*out, f)
		return nil
	}
	arr, ok := v.([]any)
	if !ok || len(arr) != shape[0] {
		return fmt.Errorf("%w: ragged nested array", ErrShapeMismatch)
	}
	for _, e := range arr {
		if err := flatten(e, shape[1:], out); err != nil {
			return err
		}
	}
	return nil
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
