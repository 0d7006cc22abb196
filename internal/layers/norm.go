package layers

import (
	"fmt"
	"math"

	"weft/internal/chain"
	"weft/internal/tensor"
)

// LayerNorm normalizes the last input axis to zero mean and unit variance,
// then applies a learned per-feature scale and optional shift.
type LayerNorm struct {
	chain.Node
	dim    int
	eps    float64
	weight *tensor.Tensor
	bias   *tensor.Tensor
}

func NewLayerNorm(dim int, useBias bool) *LayerNorm {
	n := &LayerNorm{
		Node:   chain.MakeNode("LayerNorm"),
		dim:    dim,
		eps:    1e-5,
		weight: tensor.Full(1, dim),
	}
	if useBias {
		n.bias = tensor.Zeros(dim)
	}
	return n
}

func (n *LayerNorm) Dim() int      { return n.dim }
func (n *LayerNorm) UseBias() bool { return n.bias != nil }

func (n *LayerNorm) Apply(_ *chain.Context, args ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: layer norm takes one input, got %d", chain.ErrArity, len(args))
	}
	x := args[0]
	shape := x.Shape()
	if len(shape) == 0 || shape[len(shape)-1] != n.dim {
		return nil, &tensor.ShapeError{Op: "layer_norm", Left: shape, Right: []int{n.dim}}
	}
	out := x.Clone()
	data := out.Data()
	wd := n.weight.Data()
	for row := 0; row < len(data)/n.dim; row++ {
		seg := data[row*n.dim : (row+1)*n.dim]
		mean := 0.0
		for _, v := range seg {
			mean += v
		}
		mean /= float64(n.dim)
		variance := 0.0
		for _, v := range seg {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(n.dim)
		inv := 1 / math.Sqrt(variance+n.eps)
		for i := range seg {
			seg[i] = (seg[i] - mean) * inv * wd[i]
			if n.bias != nil {
				seg[i] += n.bias.Data()[i]
			}
		}
	}
	return []*tensor.Tensor{out}, nil
}

func (n *LayerNorm) Copy() chain.Module {
	cp := NewLayerNorm(n.dim, n.bias != nil)
	cp.eps = n.eps
	cp.weight = n.weight.Clone()
	if n.bias != nil {
		cp.bias = n.bias.Clone()
	}
	return cp
}

func (n *LayerNorm) Parameters() map[string]*tensor.Tensor {
	params := map[string]*tensor.Tensor{"weight": n.weight}
	if n.bias != nil {
		params["bias"] = n.bias
	}
	return params
}

func (n *LayerNorm) SetParameter(name string, value *tensor.Tensor) error {
	switch name {
	case "weight":
		if !n.weight.SameShape(value) {
			return &tensor.ShapeError{Op: "set_parameter", Left: n.weight.Shape(), Right: value.Shape()}
		}
		n.weight = value
	case "bias":
		if n.bias == nil {
			return fmt.Errorf("%w: layer norm has no bias", chain.ErrNotFound)
		}
		if !n.bias.SameShape(value) {
			return &tensor.ShapeError{Op: "set_parameter", Left: n.bias.Shape(), Right: value.Shape()}
		}
		n.bias = value
	default:
		return fmt.Errorf("%w: parameter %q", chain.ErrNotFound, name)
	}
	return nil
}
