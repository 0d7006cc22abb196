// Package adapter implements the non-destructive graft lifecycle: an
// adapter can splice a replacement subtree into a live graph in place of a
// target module and later remove it, leaving the original graph identical
// by node identity, not just by value.
package adapter

import (
	"errors"
	"fmt"

	"weft/internal/chain"
)

var (
	// ErrAlreadyInjected and ErrNotInjected flag invalid state
	// transitions. Both are contract violations, never silent no-ops.
	ErrAlreadyInjected = errors.New("adapter already injected")
	ErrNotInjected     = errors.New("adapter not injected")
)

type State int

const (
	NotInjected State = iota
	Injected
)

func (s State) String() string {
	if s == Injected {
		return "injected"
	}
	return "not_injected"
}

// Adapter pairs a target module with a replacement body. At capture time it
// records the target's parent chain and slot; Inject swaps the body into
// that slot, Eject restores the exact original target object. A target with
// no parent (the root of a model) needs no splice: the adapter only tracks
// state and the caller runs the body directly.
type Adapter struct {
	target chain.Module
	body   chain.Module
	parent *chain.Chain
	index  int
	state  State
}

func New(target, body chain.Module) *Adapter {
	a := &Adapter{target: target, body: body, index: -1}
	if p := target.Parent(); p != nil {
		a.parent = p
		a.index = p.IndexOf(target)
	}
	return a
}

func (a *Adapter) Target() chain.Module { return a.target }
func (a *Adapter) Body() chain.Module   { return a.body }
func (a *Adapter) State() State         { return a.state }
func (a *Adapter) ParentChain() *chain.Chain {
	return a.parent
}

// Inject splices the body into the target's slot. Repeated inject/eject
// cycles never accumulate wrapper nodes: the swap is a single O(1) slot
// write each way.
func (a *Adapter) Inject() error {
	if a.state == Injected {
		return fmt.Errorf("%w: target %s", ErrAlreadyInjected, a.target.Name())
	}
	if a.parent != nil {
		i := a.parent.IndexOf(a.target)
		if i < 0 {
			return fmt.Errorf("%w: target %s no longer under %s", chain.ErrNotChild, a.target.Name(), a.parent.Name())
		}
		if _, err := a.parent.ReplaceAt(i, a.body); err != nil {
			return err
		}
		a.index = i
	}
	a.state = Injected
	return nil
}

// Eject restores the parent's slot to reference the original target.
func (a *Adapter) Eject() error {
	if a.state != Injected {
		return fmt.Errorf("%w: target %s", ErrNotInjected, a.target.Name())
	}
	if a.parent != nil {
		i := a.parent.IndexOf(a.body)
		if i < 0 {
			return fmt.Errorf("%w: body %s no longer under %s", chain.ErrNotChild, a.body.Name(), a.parent.Name())
		}
		if _, err := a.parent.ReplaceAt(i, a.target); err != nil {
			return err
		}
	}
	a.state = NotInjected
	return nil
}
