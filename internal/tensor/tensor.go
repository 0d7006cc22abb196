package tensor

import (
	"errors"
	"fmt"
)

var ErrIndexOutOfRange = errors.New("tensor index out of range")

// ShapeError reports an operation over tensors with incompatible shapes.
type ShapeError struct {
	Op    string
	Left  []int
	Right []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: incompatible shapes %v and %v", e.Op, e.Left, e.Right)
}

// Tensor is a dense row-major array of float64 values.
type Tensor struct {
	shape []int
	data  []float64
}

func New(shape []int, data []float64) (*Tensor, error) {
	n := numel(shape)
	if len(data) != n {
		return nil, fmt.Errorf("tensor: shape %v needs %d values, got %d", shape, n, len(data))
	}
	return &Tensor{shape: append([]int(nil), shape...), data: data}, nil
}

func MustNew(shape []int, data []float64) *Tensor {
	t, err := New(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

func Zeros(shape ...int) *Tensor {
	return &Tensor{shape: append([]int(nil), shape...), data: make([]float64, numel(shape))}
}

func ZerosLike(t *Tensor) *Tensor {
	return Zeros(t.shape...)
}

func Full(value float64, shape ...int) *Tensor {
	out := Zeros(shape...)
	for i := range out.data {
		out.data[i] = value
	}
	return out
}

// FromRows builds a 2D tensor from equally sized rows.
func FromRows(rows [][]float64) (*Tensor, error) {
	if len(rows) == 0 {
		return nil, errors.New("tensor: no rows")
	}
	width := len(rows[0])
	data := make([]float64, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("tensor: row %d has %d values, want %d", i, len(row), width)
		}
		data = append(data, row...)
	}
	return &Tensor{shape: []int{len(rows), width}, data: data}, nil
}

func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

func (t *Tensor) Dims() int {
	return len(t.shape)
}

func (t *Tensor) Dim(axis int) int {
	return t.shape[axis]
}

func (t *Tensor) Len() int {
	return len(t.data)
}

// Data returns the backing slice. Callers must not resize it.
func (t *Tensor) Data() []float64 {
	return t.data
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		shape: append([]int(nil), t.shape...),
		data:  append([]float64(nil), t.data...),
	}
}

func (t *Tensor) At(idx ...int) float64 {
	return t.data[t.offset(idx)]
}

func (t *Tensor) Set(value float64, idx ...int) {
	t.data[t.offset(idx)] = value
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: %d indices for %d axes", len(idx), len(t.shape)))
	}
	off := 0
	for axis, i := range idx {
		if i < 0 || i >= t.shape[axis] {
			panic(fmt.Sprintf("tensor: index %d out of range for axis %d (size %d)", i, axis, t.shape[axis]))
		}
		off = off*t.shape[axis] + i
	}
	return off
}

// Reshape returns a view-copy with a new shape of the same element count.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if numel(shape) != len(t.data) {
		return nil, &ShapeError{Op: "reshape", Left: t.shape, Right: shape}
	}
	return &Tensor{shape: append([]int(nil), shape...), data: append([]float64(nil), t.data...)}, nil
}

func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.shape) != len(o.shape) {
		return false
	}
	for i := range t.shape {
		if t.shape[i] != o.shape[i] {
			return false
		}
	}
	return true
}

// Equal reports exact element-wise equality, shape included.
func (t *Tensor) Equal(o *Tensor) bool {
	if !t.SameShape(o) {
		return false
	}
	for i := range t.data {
		if t.data[i] != o.data[i] {
			return false
		}
	}
	return true
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
