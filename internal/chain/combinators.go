package chain

import (
	"fmt"

	"weft/internal/tensor"
)

// Parallel applies every child to the same input tuple and returns the tuple
// of the children's single outputs, in child order.
type Parallel struct {
	Chain
}

func NewParallel(children ...Module) *Parallel {
	p := &Parallel{}
	Init(&p.Chain, "Parallel", children...)
	return p
}

func (p *Parallel) Apply(ctx *Context, args ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, 0, len(p.children))
	for _, child := range p.children {
		res, err := child.Apply(ctx, args...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", child.Name(), err)
		}
		if len(res) != 1 {
			return nil, fmt.Errorf("%w: %s returned %d outputs", ErrSingleOutput, child.Name(), len(res))
		}
		out = append(out, res[0])
	}
	return out, nil
}

func (p *Parallel) Copy() Module {
	cp := &Parallel{}
	CopyInto(&cp.Chain, &p.Chain)
	return cp
}

// Distribute applies child i to input i only. Arity mismatch between inputs
// and children is a contract violation.
type Distribute struct {
	Chain
}

func NewDistribute(children ...Module) *Distribute {
	d := &Distribute{}
	Init(&d.Chain, "Distribute", children...)
	return d
}

func (d *Distribute) Apply(ctx *Context, args ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(args) != len(d.children) {
		return nil, fmt.Errorf("%w: %d inputs for %d children", ErrArity, len(args), len(d.children))
	}
	out := make([]*tensor.Tensor, 0, len(d.children))
	for i, child := range d.children {
		res, err := child.Apply(ctx, args[i])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", child.Name(), err)
		}
		if len(res) != 1 {
			return nil, fmt.Errorf("%w: %s returned %d outputs", ErrSingleOutput, child.Name(), len(res))
		}
		out = append(out, res[0])
	}
	return out, nil
}

func (d *Distribute) Copy() Module {
	cp := &Distribute{}
	CopyInto(&cp.Chain, &d.Chain)
	return cp
}

// Residual runs its children as a sequential body and adds the body's output
// back to the original first input elementwise. Incompatible shapes beyond
// standard broadcasting are a ShapeMismatch, never silently widened.
type Residual struct {
	Chain
}

func NewResidual(children ...Module) *Residual {
	r := &Residual{}
	Init(&r.Chain, "Residual", children...)
	return r
}

func (r *Residual) Apply(ctx *Context, args ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: residual needs an input", ErrArity)
	}
	out, err := r.Chain.Apply(ctx, args...)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%w: residual body returned %d outputs", ErrSingleOutput, len(out))
	}
	sum, err := tensor.Add(out[0], args[0])
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{sum}, nil
}

func (r *Residual) Copy() Module {
	cp := &Residual{}
	CopyInto(&cp.Chain, &r.Chain)
	return cp
}

// Sum applies every child to the same inputs and reduces the outputs by
// elementwise addition.
type Sum struct {
	Chain
}

func NewSum(children ...Module) *Sum {
	s := &Sum{}
	Init(&s.Chain, "Sum", children...)
	return s
}

func (s *Sum) Apply(ctx *Context, args ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	var total *tensor.Tensor
	for _, child := range s.children {
		res, err := child.Apply(ctx, args...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", child.Name(), err)
		}
		if len(res) != 1 {
			return nil, fmt.Errorf("%w: %s returned %d outputs", ErrSingleOutput, child.Name(), len(res))
		}
		if total == nil {
			total = res[0]
			continue
		}
		total, err = tensor.Add(total, res[0])
		if err != nil {
			return nil, err
		}
	}
	if total == nil {
		return nil, fmt.Errorf("%w: sum has no children", ErrArity)
	}
	return []*tensor.Tensor{total}, nil
}

func (s *Sum) Copy() Module {
	cp := &Sum{}
	CopyInto(&cp.Chain, &s.Chain)
	return cp
}

// Concat applies every child to the same inputs and joins the outputs along
// a fixed axis.
type Concat struct {
	Chain
	axis int
}

func NewConcat(axis int, children ...Module) *Concat {
	c := &Concat{axis: axis}
	Init(&c.Chain, "Concat", children...)
	return c
}

func (c *Concat) Apply(ctx *Context, args ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	parts := make([]*tensor.Tensor, 0, len(c.children))
	for _, child := range c.children {
		res, err := child.Apply(ctx, args...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", child.Name(), err)
		}
		if len(res) != 1 {
			return nil, fmt.Errorf("%w: %s returned %d outputs", ErrSingleOutput, child.Name(), len(res))
		}
		parts = append(parts, res[0])
	}
	joined, err := tensor.Concat(c.axis, parts...)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{joined}, nil
}

func (c *Concat) Copy() Module {
	cp := &Concat{axis: c.axis}
	CopyInto(&cp.Chain, &c.Chain)
	return cp
}

// GetArg selects and forwards the k-th positional input.
type GetArg struct {
	Node
	index int
}

func NewGetArg(index int) *GetArg {
	return &GetArg{Node: MakeNode("GetArg"), index: index}
}

func (g *GetArg) Apply(_ *Context, args ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if g.index < 0 || g.index >= len(args) {
		return nil, fmt.Errorf("%w: %d of %d", ErrArgOutOfRange, g.index, len(args))
	}
	return []*tensor.Tensor{args[g.index]}, nil
}

func (g *GetArg) Copy() Module {
	return NewGetArg(g.index)
}

// Identity forwards its inputs unchanged.
type Identity struct {
	Node
}

func NewIdentity() *Identity {
	return &Identity{Node: MakeNode("Identity")}
}

func (i *Identity) Apply(_ *Context, args ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	return args, nil
}

func (i *Identity) Copy() Module {
	return NewIdentity()
}

// Lambda substitutes a plain function for a module.
type Lambda struct {
	Node
	fn func(args []*tensor.Tensor) ([]*tensor.Tensor, error)
}

func NewLambda(name string, fn func(args []*tensor.Tensor) ([]*tensor.Tensor, error)) *Lambda {
	return &Lambda{Node: MakeNode(name), fn: fn}
}

func (l *Lambda) Apply(_ *Context, args ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	return l.fn(args)
}

func (l *Lambda) Copy() Module {
	return &Lambda{Node: MakeNode(l.Name()), fn: l.fn}
}

// Multiply scales its single input by a mutable factor. Adapters point their
// conditioning branch at one of these so the branch weight stays settable
// after construction.
type Multiply struct {
	Node
	scale float64
}

func NewMultiply(scale float64) *Multiply {
	return &Multiply{Node: MakeNode("Multiply"), scale: scale}
}

func (m *Multiply) Scale() float64 {
	return m.scale
}

func (m *Multiply) SetScale(scale float64) {
	m.scale = scale
}

func (m *Multiply) Apply(_ *Context, args ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: multiply takes one input, got %d", ErrArity, len(args))
	}
	return []*tensor.Tensor{args[0].Scale(m.scale)}, nil
}

func (m *Multiply) Copy() Module {
	return NewMultiply(m.scale)
}

// Passthrough runs its body for side effects (usually context writes) and
// forwards its inputs unchanged.
type Passthrough struct {
	Chain
}

func NewPassthrough(children ...Module) *Passthrough {
	p := &Passthrough{}
	Init(&p.Chain, "Passthrough", children...)
	return p
}

func (p *Passthrough) Apply(ctx *Context, args ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if _, err := p.Chain.Apply(ctx, args...); err != nil {
		return nil, err
	}
	return args, nil
}

func (p *Passthrough) Copy() Module {
	cp := &Passthrough{}
	CopyInto(&cp.Chain, &p.Chain)
	return cp
}

// SetContext forwards its input unchanged and, as a side effect, writes the
// first input into the context store at namespace/key.
type SetContext struct {
	Node
	namespace string
	key       string
}

func NewSetContext(namespace, key string) *SetContext {
	return &SetContext{Node: MakeNode("SetContext"), namespace: namespace, key: key}
}

func (s *SetContext) Apply(ctx *Context, args ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: set-context needs an input", ErrArity)
	}
	ctx.Set(s.namespace, s.key, args[0])
	return args, nil
}

func (s *SetContext) Copy() Module {
	return NewSetContext(s.namespace, s.key)
}

// UseContext ignores its input and forwards the stored value. A read before
// any write in scope fails with a ContextMiss condition.
type UseContext struct {
	Node
	namespace string
	key       string
}

func NewUseContext(namespace, key string) *UseContext {
	return &UseContext{Node: MakeNode("UseContext"), namespace: namespace, key: key}
}

func (u *UseContext) Apply(ctx *Context, _ ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	value, err := ctx.Get(u.namespace, u.key)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{value}, nil
}

func (u *UseContext) Copy() Module {
	return NewUseContext(u.namespace, u.key)
}

// Parameter is a leaf owning a tensor it emits verbatim, ignoring its
// inputs. When the first input carries one more axis than the parameter,
// the parameter is tiled along a new leading axis to match that batch.
type Parameter struct {
	Node
	value *tensor.Tensor
}

func NewParameter(value *tensor.Tensor) *Parameter {
	return &Parameter{Node: MakeNode("Parameter"), value: value}
}

func (p *Parameter) Value() *tensor.Tensor {
	return p.value
}

func (p *Parameter) Apply(_ *Context, args ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(args) > 0 && args[0].Dims() == p.value.Dims()+1 {
		batch := args[0].Dim(0)
		shape := append([]int{batch}, p.value.Shape()...)
		out := tensor.Zeros(shape...)
		for b := 0; b < batch; b++ {
			copy(out.Data()[b*p.value.Len():(b+1)*p.value.Len()], p.value.Data())
		}
		return []*tensor.Tensor{out}, nil
	}
	return []*tensor.Tensor{p.value}, nil
}

func (p *Parameter) Copy() Module {
	return NewParameter(p.value.Clone())
}

func (p *Parameter) Parameters() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{"weight": p.value}
}

func (p *Parameter) SetParameter(name string, value *tensor.Tensor) error {
	if name != "weight" {
		return fmt.Errorf("%w: parameter %q", ErrNotFound, name)
	}
	if !p.value.SameShape(value) {
		return &tensor.ShapeError{Op: "set_parameter", Left: p.value.Shape(), Right: value.Shape()}
	}
	p.value = value
	return nil
}
