// Package chain implements the composite computation graph: modules, ordered
// chains, structural combinators, and the pass-scoped context side channel.
//
// A forward pass is a plain synchronous tree traversal. The context store is
// an explicit execution-scope object threaded through Apply, never process
// global state, so independent chain instances can run concurrently.
package chain

import (
	"fmt"

	"weft/internal/tensor"
)

// Module is the atomic unit of computation. A module receives a tuple of
// tensors and produces a tuple of tensors, optionally consulting the shared
// context of the executing root.
type Module interface {
	Name() string
	Apply(ctx *Context, args ...*tensor.Tensor) ([]*tensor.Tensor, error)

	// Copy produces an independent structural copy: same structure and
	// parameter values, no shared mutable state with the receiver.
	Copy() Module

	Parent() *Chain
	setParent(p *Chain)
}

// Parametric is a module owning named numeric parameters addressable by the
// weight loader.
type Parametric interface {
	Module
	Parameters() map[string]*tensor.Tensor
	SetParameter(name string, value *tensor.Tensor) error
}

// ContextDeclarer marks a module whose context namespaces are pass scoped:
// Run resets them before every forward pass. Namespaces written externally
// and never declared persist across passes.
type ContextDeclarer interface {
	DeclareContexts() []string
}

// Node carries module identity and the parent pointer. Every module embeds
// it; the unexported setParent keeps ownership transitions inside this
// package.
type Node struct {
	name   string
	parent *Chain
}

// MakeNode builds the embedded identity for a module with the given basename.
func MakeNode(name string) Node {
	return Node{name: name}
}

func (n *Node) Name() string {
	if n.name == "" {
		return "Module"
	}
	return n.name
}

func (n *Node) Parent() *Chain {
	return n.parent
}

func (n *Node) setParent(p *Chain) {
	n.parent = p
}

type chainer interface {
	base() *Chain
}

// AsChain reports whether a module is a Chain or embeds one, returning the
// underlying chain for structural access.
func AsChain(m Module) (*Chain, bool) {
	c, ok := m.(chainer)
	if !ok {
		return nil, false
	}
	return c.base(), true
}

// Walk traverses the tree depth-first, pre-order, calling fn with each
// module's dotted path relative to root (the root itself has path "").
// Sibling modules sharing a basename get 1-based _N suffixes so paths stay
// unambiguous. Traversal order is a documented contract: it matches child
// order at every level.
func Walk(root Module, fn func(path string, m Module) error) error {
	if err := fn("", root); err != nil {
		return err
	}
	return walkChildren(root, "", fn)
}

func walkChildren(m Module, prefix string, fn func(path string, m Module) error) error {
	c, ok := AsChain(m)
	if !ok {
		return nil
	}
	names := childNames(c)
	for i, child := range c.children {
		path := names[i]
		if prefix != "" {
			path = prefix + "." + path
		}
		if err := fn(path, child); err != nil {
			return err
		}
		if err := walkChildren(child, path, fn); err != nil {
			return err
		}
	}
	return nil
}

// childNames returns the disambiguated basenames of a chain's children.
func childNames(c *Chain) []string {
	counts := make(map[string]int, len(c.children))
	for _, child := range c.children {
		counts[child.Name()]++
	}
	seen := make(map[string]int, len(counts))
	names := make([]string, len(c.children))
	for i, child := range c.children {
		base := child.Name()
		if counts[base] > 1 {
			seen[base]++
			names[i] = fmt.Sprintf("%s_%d", base, seen[base])
		} else {
			names[i] = base
		}
	}
	return names
}

// FindFirst locates the first module of type T in depth-first pre-order,
// the root included. The second result is false when no match exists.
func FindFirst[T Module](root Module) (T, bool) {
	var found T
	ok := false
	_ = Walk(root, func(_ string, m Module) error {
		if t, is := m.(T); is {
			found = t
			ok = true
			return errStopWalk
		}
		return nil
	})
	return found, ok
}

// MustFindFirst is the strict form of FindFirst: a missing match is a
// StructuralNotFound condition, never silently defaulted.
func MustFindFirst[T Module](root Module) (T, error) {
	found, ok := FindFirst[T](root)
	if !ok {
		return found, fmt.Errorf("%w: no %T under %s", ErrNotFound, found, root.Name())
	}
	return found, nil
}

// FindAll collects every module of type T in depth-first pre-order.
func FindAll[T Module](root Module) []T {
	var out []T
	_ = Walk(root, func(_ string, m Module) error {
		if t, is := m.(T); is {
			out = append(out, t)
		}
		return nil
	})
	return out
}

var errStopWalk = fmt.Errorf("stop walk")

// CopyChildren structurally copies a slice of modules.
func CopyChildren(children []Module) []Module {
	out := make([]Module, len(children))
	for i, child := range children {
		out[i] = child.Copy()
	}
	return out
}
