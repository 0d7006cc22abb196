package chain

import (
	"fmt"

	"weft/internal/tensor"
)

// Chain is a composite module holding an ordered sequence of children. The
// child list is totally ordered and defines evaluation order: running a
// plain chain threads its input tuple through each child in order, the
// output of child i becoming the input of child i+1.
//
// Ownership is exclusive: inserting a child sets its parent, removing it
// clears it. Constructors adopt unconditionally, so a module handed to two
// live chains belongs to whichever adopted it last.
type Chain struct {
	Node
	children []Module
	ctx      *Context
}

// New builds a plain sequential chain.
func New(children ...Module) *Chain {
	c := &Chain{Node: MakeNode("Chain")}
	c.adopt(children)
	return c
}

// Init wires an embedded Chain inside a wrapper module type: it sets the
// basename and adopts the children, parenting them to the embedded chain.
func Init(c *Chain, name string, children ...Module) {
	c.Node = MakeNode(name)
	c.adopt(children)
}

func (c *Chain) adopt(children []Module) {
	c.children = append([]Module(nil), children...)
	for _, child := range c.children {
		child.setParent(c)
	}
}

func (c *Chain) base() *Chain {
	return c
}

// Children returns the live child slice. Treat it as read-only; use the
// structural operations to mutate.
func (c *Chain) Children() []Module {
	return c.children
}

func (c *Chain) Len() int {
	return len(c.children)
}

func (c *Chain) At(i int) (Module, error) {
	if i < 0 || i >= len(c.children) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(c.children))
	}
	return c.children[i], nil
}

// IndexOf locates a direct child by identity, -1 when absent.
func (c *Chain) IndexOf(m Module) int {
	for i, child := range c.children {
		if child == m {
			return i
		}
	}
	return -1
}

func (c *Chain) Append(m Module) {
	m.setParent(c)
	c.children = append(c.children, m)
}

func (c *Chain) InsertAt(i int, m Module) error {
	if i < 0 || i > len(c.children) {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(c.children))
	}
	m.setParent(c)
	c.children = append(c.children, nil)
	copy(c.children[i+1:], c.children[i:])
	c.children[i] = m
	return nil
}

func (c *Chain) RemoveAt(i int) (Module, error) {
	if i < 0 || i >= len(c.children) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(c.children))
	}
	m := c.children[i]
	c.children = append(c.children[:i], c.children[i+1:]...)
	if m.Parent() == c {
		m.setParent(nil)
	}
	return m, nil
}

// ReplaceAt swaps the child at slot i for m. The displaced child keeps no
// parent; the slot swap is O(1) with no node cloning. Swapping a child for
// itself leaves its parent intact.
func (c *Chain) ReplaceAt(i int, m Module) (Module, error) {
	if i < 0 || i >= len(c.children) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(c.children))
	}
	old := c.children[i]
	c.children[i] = m
	m.setParent(c)
	if old != m && old.Parent() == c {
		old.setParent(nil)
	}
	return old, nil
}

// Replace swaps old for new anywhere in the subtree. old must be an existing
// direct or nested child; the slot lookup is by identity, so old may already
// have been adopted into new (the usual graft pattern: wrap the displaced
// node in its replacement, then replace).
func (c *Chain) Replace(old, new Module) error {
	if i := c.IndexOf(old); i >= 0 {
		_, err := c.ReplaceAt(i, new)
		return err
	}
	for _, child := range c.children {
		nested, ok := AsChain(child)
		if !ok {
			continue
		}
		if err := nested.Replace(old, new); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not under %s", ErrNotChild, old.Name(), c.Name())
}

// Context returns the store owned by this chain as a root, creating it on
// first use. An adapter injected into a tree does not create its own store;
// it writes into the ambient store of whichever root is executing.
func (c *Chain) Context() *Context {
	if c.ctx == nil {
		c.ctx = NewContext()
	}
	return c.ctx
}

// Apply threads the input tuple through the children in order.
func (c *Chain) Apply(ctx *Context, args ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	current := args
	for _, child := range c.children {
		out, err := child.Apply(ctx, current...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", child.Name(), err)
		}
		current = out
	}
	return current, nil
}

func (c *Chain) Copy() Module {
	cp := &Chain{Node: MakeNode(c.Name())}
	cp.adopt(CopyChildren(c.children))
	return cp
}

// CopyInto rebuilds an embedded chain from a source chain's name and
// children, for wrapper types implementing their own Copy.
func CopyInto(dst, src *Chain) {
	Init(dst, src.Name(), CopyChildren(src.children)...)
}

type contextHolder interface {
	Context() *Context
}

// Run executes one forward pass over root. It resolves the root's ambient
// context (a fresh one for bare leaves), resets every pass-scoped namespace
// declared in the tree, then applies the root. The pass runs to completion
// or fails; there is no cancellation at this layer.
func Run(root Module, args ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	var ctx *Context
	if holder, ok := root.(contextHolder); ok {
		ctx = holder.Context()
	} else {
		ctx = NewContext()
	}
	_ = Walk(root, func(_ string, m Module) error {
		if decl, ok := m.(ContextDeclarer); ok {
			for _, ns := range decl.DeclareContexts() {
				ctx.Reset(ns)
			}
		}
		return nil
	})
	return root.Apply(ctx, args...)
}

// RunSingle is Run for the common single-output case.
func RunSingle(root Module, args ...*tensor.Tensor) (*tensor.Tensor, error) {
	out, err := Run(root, args...)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%w: %s returned %d outputs", ErrSingleOutput, root.Name(), len(out))
	}
	return out[0], nil
}
