package tensor

import "math"

// Add returns a + b. Shapes must match exactly, except that a trailing-axes
// vector (shape [d] against [..., d]) or a pooled row (shape [batch, d]
// against [batch, seq, d]) broadcasts over the leading axes.
func Add(a, b *Tensor) (*Tensor, error) {
	if a.SameShape(b) {
		out := a.Clone()
		for i := range out.data {
			out.data[i] += b.data[i]
		}
		return out, nil
	}
	if bcast, ok := broadcastTo(b, a.shape); ok {
		return Add(a, bcast)
	}
	if bcast, ok := broadcastTo(a, b.shape); ok {
		return Add(bcast, b)
	}
	return nil, &ShapeError{Op: "add", Left: a.shape, Right: b.shape}
}

func broadcastTo(t *Tensor, shape []int) (*Tensor, bool) {
	switch {
	case len(t.shape) == 1 && len(shape) >= 2 && t.shape[0] == shape[len(shape)-1]:
		// [d] over [..., d]
		out := Zeros(shape...)
		for i := range out.data {
			out.data[i] = t.data[i%t.shape[0]]
		}
		return out, true
	case len(t.shape) == 2 && len(shape) == 3 && t.shape[0] == shape[0] && t.shape[1] == shape[2]:
		// [batch, d] over [batch, seq, d]
		out := Zeros(shape...)
		batch, seq, dim := shape[0], shape[1], shape[2]
		for b := 0; b < batch; b++ {
			for s := 0; s < seq; s++ {
				for d := 0; d < dim; d++ {
					out.data[(b*seq+s)*dim+d] = t.data[b*dim+d]
				}
			}
		}
		return out, true
	}
	return nil, false
}

// Scale returns t multiplied by a scalar.
func (t *Tensor) Scale(factor float64) *Tensor {
	out := t.Clone()
	for i := range out.data {
		out.data[i] *= factor
	}
	return out
}

// ScaleRows multiplies each leading-axis slice of a 3D tensor by its factor.
func (t *Tensor) ScaleRows(factors []float64) (*Tensor, error) {
	if len(t.shape) == 0 || t.shape[0] != len(factors) {
		return nil, &ShapeError{Op: "scale_rows", Left: t.shape, Right: []int{len(factors)}}
	}
	out := t.Clone()
	rowLen := len(t.data) / t.shape[0]
	for r, f := range factors {
		for i := r * rowLen; i < (r+1)*rowLen; i++ {
			out.data[i] *= f
		}
	}
	return out, nil
}

// Concat joins tensors along the given axis. All other axes must agree.
// A negative axis counts from the end.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, &ShapeError{Op: "concat", Left: nil, Right: nil}
	}
	first := ts[0]
	if axis < 0 {
		axis += len(first.shape)
	}
	if axis < 0 || axis >= len(first.shape) {
		return nil, &ShapeError{Op: "concat", Left: first.shape, Right: []int{axis}}
	}
	total := 0
	for _, t := range ts {
		if len(t.shape) != len(first.shape) {
			return nil, &ShapeError{Op: "concat", Left: first.shape, Right: t.shape}
		}
		for i := range t.shape {
			if i != axis && t.shape[i] != first.shape[i] {
				return nil, &ShapeError{Op: "concat", Left: first.shape, Right: t.shape}
			}
		}
		total += t.shape[axis]
	}

	outShape := first.Shape()
	outShape[axis] = total
	out := Zeros(outShape...)

	outer := 1
	for i := 0; i < axis; i++ {
		outer *= first.shape[i]
	}
	inner := 1
	for i := axis + 1; i < len(first.shape); i++ {
		inner *= first.shape[i]
	}

	for o := 0; o < outer; o++ {
		dst := o * total * inner
		for _, t := range ts {
			block := t.shape[axis] * inner
			copy(out.data[dst:dst+block], t.data[o*block:(o+1)*block])
			dst += block
		}
	}
	return out, nil
}

// Chunk splits a tensor into n equal parts along the given axis.
func Chunk(t *Tensor, n, axis int) ([]*Tensor, error) {
	if axis < 0 {
		axis += len(t.shape)
	}
	if axis < 0 || axis >= len(t.shape) || n <= 0 || t.shape[axis]%n != 0 {
		return nil, &ShapeError{Op: "chunk", Left: t.shape, Right: []int{n, axis}}
	}
	part := t.shape[axis] / n

	outer := 1
	for i := 0; i < axis; i++ {
		outer *= t.shape[i]
	}
	inner := 1
	for i := axis + 1; i < len(t.shape); i++ {
		inner *= t.shape[i]
	}

	outShape := t.Shape()
	outShape[axis] = part
	out := make([]*Tensor, n)
	for c := 0; c < n; c++ {
		piece := Zeros(outShape...)
		for o := 0; o < outer; o++ {
			src := (o*t.shape[axis] + c*part) * inner
			copy(piece.data[o*part*inner:(o+1)*part*inner], t.data[src:src+part*inner])
		}
		out[c] = piece
	}
	return out, nil
}

// MatMul multiplies two 2D tensors: [m,k] x [k,n] -> [m,n].
func MatMul(a, b *Tensor) (*Tensor, error) {
	if len(a.shape) != 2 || len(b.shape) != 2 || a.shape[1] != b.shape[0] {
		return nil, &ShapeError{Op: "matmul", Left: a.shape, Right: b.shape}
	}
	m, k, n := a.shape[0], a.shape[1], b.shape[1]
	out := Zeros(m, n)
	for i := 0; i < m; i++ {
		for p := 0; p < k; p++ {
			av := a.data[i*k+p]
			if av == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				out.data[i*n+j] += av * b.data[p*n+j]
			}
		}
	}
	return out, nil
}

// SoftmaxLast applies a numerically stable softmax over the last axis.
func SoftmaxLast(t *Tensor) *Tensor {
	out := t.Clone()
	if len(t.shape) == 0 {
		return out
	}
	width := t.shape[len(t.shape)-1]
	for row := 0; row < len(t.data)/width; row++ {
		seg := out.data[row*width : (row+1)*width]
		max := seg[0]
		for _, v := range seg[1:] {
			if v > max {
				max = v
			}
		}
		sum := 0.0
		for i, v := range seg {
			seg[i] = math.Exp(v - max)
			sum += seg[i]
		}
		for i := range seg {
			seg[i] /= sum
		}
	}
	return out
}

// ExpandDim repeats a [batch, dim] tensor into [batch, seq, dim].
// A sequence length below zero returns the input unchanged.
func ExpandDim(t *Tensor, sequenceLength int) (*Tensor, error) {
	if sequenceLength < 0 {
		return t, nil
	}
	if len(t.shape) != 2 {
		return nil, &ShapeError{Op: "expand_dim", Left: t.shape, Right: []int{sequenceLength}}
	}
	batch, dim := t.shape[0], t.shape[1]
	out := Zeros(batch, sequenceLength, dim)
	for b := 0; b < batch; b++ {
		for s := 0; s < sequenceLength; s++ {
			copy(out.data[(b*sequenceLength+s)*dim:(b*sequenceLength+s+1)*dim], t.data[b*dim:(b+1)*dim])
		}
	}
	return out, nil
}
