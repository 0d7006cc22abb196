package layers

import (
	"fmt"
	"math/rand"

	"weft/internal/chain"
	"weft/internal/tensor"
)

// Linear projects the last input axis: y = x W^T + b. The weight is stored
// [out, in], matching the dotted-key checkpoint convention.
type Linear struct {
	chain.Node
	inFeatures  int
	outFeatures int
	weight      *tensor.Tensor
	bias        *tensor.Tensor
}

func NewLinear(inFeatures, outFeatures int, useBias bool) *Linear {
	l := &Linear{
		Node:        chain.MakeNode("Linear"),
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		weight:      tensor.Zeros(outFeatures, inFeatures),
	}
	if useBias {
		l.bias = tensor.Zeros(outFeatures)
	}
	return l
}

func (l *Linear) InFeatures() int  { return l.inFeatures }
func (l *Linear) OutFeatures() int { return l.outFeatures }
func (l *Linear) UseBias() bool    { return l.bias != nil }

func (l *Linear) Apply(_ *chain.Context, args ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: linear takes one input, got %d", chain.ErrArity, len(args))
	}
	x := args[0]
	shape := x.Shape()
	if len(shape) == 0 || shape[len(shape)-1] != l.inFeatures {
		return nil, &tensor.ShapeError{Op: "linear", Left: shape, Right: []int{l.inFeatures}}
	}
	rows := x.Len() / l.inFeatures
	flat, err := x.Reshape(rows, l.inFeatures)
	if err != nil {
		return nil, err
	}

	out := tensor.Zeros(rows, l.outFeatures)
	wd := l.weight.Data()
	xd := flat.Data()
	od := out.Data()
	for r := 0; r < rows; r++ {
		for o := 0; o < l.outFeatures; o++ {
			sum := 0.0
			for i := 0; i < l.inFeatures; i++ {
				sum += xd[r*l.inFeatures+i] * wd[o*l.inFeatures+i]
			}
			if l.bias != nil {
				sum += l.bias.Data()[o]
			}
			od[r*l.outFeatures+o] = sum
		}
	}

	outShape := append(shape[:len(shape)-1], l.outFeatures)
	reshaped, err := out.Reshape(outShape...)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{reshaped}, nil
}

func (l *Linear) Copy() chain.Module {
	cp := NewLinear(l.inFeatures, l.outFeatures, l.bias != nil)
	cp.weight = l.weight.Clone()
	if l.bias != nil {
		cp.bias = l.bias.Clone()
	}
	return cp
}

func (l *Linear) Parameters() map[string]*tensor.Tensor {
	params := map[string]*tensor.Tensor{"weight": l.weight}
	if l.bias != nil {
		params["bias"] = l.bias
	}
	return params
}

func (l *Linear) SetParameter(name string, value *tensor.Tensor) error {
	switch name {
	case "weight":
		if !l.weight.SameShape(value) {
			return &tensor.ShapeError{Op: "set_parameter", Left: l.weight.Shape(), Right: value.Shape()}
		}
		l.weight = value
	case "bias":
		if l.bias == nil {
			return fmt.Errorf("%w: linear has no bias", chain.ErrNotFound)
		}
		if !l.bias.SameShape(value) {
			return &tensor.ShapeError{Op: "set_parameter", Left: l.bias.Shape(), Right: value.Shape()}
		}
		l.bias = value
	default:
		return fmt.Errorf("%w: parameter %q", chain.ErrNotFound, name)
	}
	return nil
}

// GeLU applies the Gaussian error linear unit elementwise.
type GeLU struct {
	chain.Node
}

func NewGeLU() *GeLU {
	return &GeLU{Node: chain.MakeNode("GeLU")}
}

func (g *GeLU) Apply(_ *chain.Context, args ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: gelu takes one input, got %d", chain.ErrArity, len(args))
	}
	fn, err := GetActivation("gelu")
	if err != nil {
		return nil, err
	}
	out := args[0].Clone()
	data := out.Data()
	for i := range data {
		data[i] = fn(data[i])
	}
	return []*tensor.Tensor{out}, nil
}

func (g *GeLU) Copy() chain.Module {
	return NewGeLU()
}

// Reshape reforms everything past the leading batch axis to the given
// trailing dimensions.
type Reshape struct {
	chain.Node
	dims []int
}

func NewReshape(dims ...int) *Reshape {
	return &Reshape{Node: chain.MakeNode("Reshape"), dims: append([]int(nil), dims...)}
}

func (r *Reshape) Apply(_ *chain.Context, args ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: reshape takes one input, got %d", chain.ErrArity, len(args))
	}
	x := args[0]
	if x.Dims() == 0 {
		return nil, &tensor.ShapeError{Op: "reshape", Left: x.Shape(), Right: r.dims}
	}
	shape := append([]int{x.Dim(0)}, r.dims...)
	out, err := x.Reshape(shape...)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{out}, nil
}

func (r *Reshape) Copy() chain.Module {
	return NewReshape(r.dims...)
}

// RandomizeParameters fills every parameter under root with values drawn
// uniformly from [-spread, spread]. Deterministic given a seeded source.
func RandomizeParameters(root chain.Module, rng *rand.Rand, spread float64) {
	_ = chain.Walk(root, func(_ string, m chain.Module) error {
		p, ok := m.(chain.Parametric)
		if !ok {
			return nil
		}
		for _, t := range p.Parameters() {
			data := t.Data()
			for i := range data {
				data[i] = (rng.Float64()*2 - 1) * spread
			}
		}
		return nil
	})
}
