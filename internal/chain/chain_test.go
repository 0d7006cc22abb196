package chain

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"weft/internal/tensor"
)

func addLambda(name string, delta float64) *Lambda {
	return NewLambda(name, func(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: want one input, got %d", ErrArity, len(args))
		}
		out := args[0].Clone()
		for i := range out.Data() {
			out.Data()[i] += delta
		}
		return []*tensor.Tensor{out}, nil
	})
}

func TestChainAdoptsChildren(t *testing.T) {
	a := NewIdentity()
	b := NewIdentity()
	c := New(a, b)

	if c.Len() != 2 {
		t.Fatalf("expected 2 children, got=%d", c.Len())
	}
	if a.Parent() != c || b.Parent() != c {
		t.Fatal("children not parented to the chain")
	}

	other := New(a)
	if a.Parent() != other {
		t.Fatal("second adoption did not transfer ownership")
	}
	if c.IndexOf(a) != 0 {
		t.Fatal("first chain lost its slot for the stolen child")
	}
}

func TestChainAppliesChildrenInOrder(t *testing.T) {
	c := New(addLambda("AddOne", 1), addLambda("AddTen", 10))

	out, err := RunSingle(c, tensor.Full(0, 2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := tensor.Full(11, 2)
	if !out.Equal(want) {
		t.Fatalf("expected %v, got=%v", want.Data(), out.Data())
	}
}

func TestChainApplyWrapsChildErrors(t *testing.T) {
	boom := errors.New("boom")
	c := New(NewLambda("Faulty", func([]*tensor.Tensor) ([]*tensor.Tensor, error) {
		return nil, boom
	}))

	_, err := Run(c, tensor.Zeros(1))
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped child error, got=%v", err)
	}
}

func TestChainAtBounds(t *testing.T) {
	c := New(NewIdentity())

	if _, err := c.At(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.At(1); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected index error, got=%v", err)
	}
	if _, err := c.At(-1); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected index error, got=%v", err)
	}
}

func TestInsertAtShiftsSlots(t *testing.T) {
	a := addLambda("A", 1)
	b := addLambda("B", 2)
	c := New(a, b)

	inserted := addLambda("Mid", 3)
	if err := c.InsertAt(1, inserted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.IndexOf(a) != 0 || c.IndexOf(inserted) != 1 || c.IndexOf(b) != 2 {
		t.Fatalf("unexpected child order after insert: %v", c.Children())
	}
	if inserted.Parent() != c {
		t.Fatal("inserted child not parented")
	}
	if err := c.InsertAt(4, NewIdentity()); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected index error, got=%v", err)
	}
}

func TestRemoveAtClearsParent(t *testing.T) {
	a := NewIdentity()
	c := New(a, NewIdentity())

	removed, err := c.RemoveAt(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != Module(a) {
		t.Fatal("removed the wrong child")
	}
	if a.Parent() != nil {
		t.Fatal("removed child kept its parent")
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 child after removal, got=%d", c.Len())
	}
	if _, err := c.RemoveAt(5); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected index error, got=%v", err)
	}
}

func TestRemoveAtKeepsForeignParent(t *testing.T) {
	a := NewIdentity()
	first := New(a)
	second := New(a)

	if _, err := first.RemoveAt(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Parent() != second {
		t.Fatal("removal from the stale chain cleared the live parent")
	}
}

func TestReplaceAtSelfKeepsParent(t *testing.T) {
	a := NewIdentity()
	c := New(a, NewIdentity())

	displaced, err := c.ReplaceAt(0, a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if displaced != Module(a) {
		t.Fatal("displaced the wrong child")
	}
	if a.Parent() != c {
		t.Fatal("self swap cleared the child's parent")
	}
	if got, _ := c.At(0); got != Module(a) {
		t.Fatal("self swap moved the child")
	}
}

func TestReplaceAtSwapsChild(t *testing.T) {
	old := NewIdentity()
	c := New(old)

	fresh := NewIdentity()
	displaced, err := c.ReplaceAt(0, fresh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if displaced != Module(old) {
		t.Fatal("displaced the wrong child")
	}
	if old.Parent() != nil {
		t.Fatal("displaced child kept its parent")
	}
	if fresh.Parent() != c || c.IndexOf(fresh) != 0 {
		t.Fatal("replacement not wired into the slot")
	}
}

func TestReplaceFindsNestedChild(t *testing.T) {
	leaf := addLambda("Leaf", 1)
	inner := New(leaf)
	root := New(inner)

	fresh := addLambda("Fresh", 2)
	if err := root.Replace(leaf, fresh); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.IndexOf(fresh) != 0 {
		t.Fatal("replacement not placed in the nested slot")
	}

	if err := root.Replace(leaf, fresh); !errors.Is(err, ErrNotChild) {
		t.Fatalf("expected not-child error, got=%v", err)
	}
}

func TestReplaceGraftPattern(t *testing.T) {
	leaf := addLambda("Leaf", 1)
	root := New(leaf)

	wrapper := NewResidual(leaf)
	if err := root.Replace(leaf, wrapper); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c, _ := AsChain(root.children[0]); c == nil || c.IndexOf(leaf) != 0 {
		t.Fatal("wrapped node lost its original leaf")
	}

	out, err := RunSingle(root, tensor.Full(3, 2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := tensor.Full(7, 2)
	if !out.Equal(want) {
		t.Fatalf("expected %v, got=%v", want.Data(), out.Data())
	}
}

func TestChainCopyIsIndependent(t *testing.T) {
	p := NewParameter(tensor.MustNew([]int{2}, []float64{1, 2}))
	src := New(p, addLambda("AddOne", 1))

	cp := src.Copy()
	copied, ok := AsChain(cp)
	if !ok {
		t.Fatal("copy lost its chain structure")
	}
	if copied.Len() != 2 {
		t.Fatalf("expected 2 copied children, got=%d", copied.Len())
	}

	copiedParam, err := MustFindFirst[*Parameter](cp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	copiedParam.Value().Data()[0] = 99
	if p.Value().Data()[0] != 1 {
		t.Fatalf("copy shares parameter storage: %v", p.Value().Data())
	}

	if _, err := copied.RemoveAt(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.Len() != 2 {
		t.Fatal("structural mutation of the copy reached the source")
	}
}

func TestWalkDisambiguatesRepeatedNames(t *testing.T) {
	inner := New(NewIdentity())
	root := New(NewIdentity(), NewIdentity(), inner, NewMultiply(2))

	var paths []string
	err := Walk(root, func(path string, _ Module) error {
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"", "Identity_1", "Identity_2", "Chain", "Chain.Identity", "Multiply"}
	if !reflect.DeepEqual(paths, want) {
		t.Fatalf("expected paths %v, got=%v", want, paths)
	}
}

func TestWalkStopsOnError(t *testing.T) {
	root := New(NewIdentity(), NewIdentity())
	stop := errors.New("stop")

	visits := 0
	err := Walk(root, func(string, Module) error {
		visits++
		if visits == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected stop error, got=%v", err)
	}
	if visits != 2 {
		t.Fatalf("expected traversal to halt after 2 visits, got=%d", visits)
	}
}

func TestFindFirstPreOrder(t *testing.T) {
	first := NewMultiply(1)
	second := NewMultiply(2)
	root := New(New(first), second)

	found, ok := FindFirst[*Multiply](root)
	if !ok {
		t.Fatal("expected a match")
	}
	if found != first {
		t.Fatal("expected the depth-first match, got a later sibling")
	}

	all := FindAll[*Multiply](root)
	if len(all) != 2 || all[0] != first || all[1] != second {
		t.Fatalf("expected both multiplies in order, got=%v", all)
	}

	if _, err := MustFindFirst[*Parameter](root); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not-found error, got=%v", err)
	}
}

type declaringModule struct {
	Node
	namespace string
}

func newDeclaringModule(namespace string) *declaringModule {
	return &declaringModule{Node: MakeNode("Declaring"), namespace: namespace}
}

func (d *declaringModule) Apply(_ *Context, args ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	return args, nil
}

func (d *declaringModule) Copy() Module {
	return newDeclaringModule(d.namespace)
}

func (d *declaringModule) DeclareContexts() []string {
	return []string{d.namespace}
}

func TestRunResetsDeclaredNamespaces(t *testing.T) {
	root := New(newDeclaringModule("scratch"))
	root.Context().Set("scratch", "stale", tensor.Zeros(1))
	root.Context().Set("external", "kept", tensor.Zeros(1))

	if _, err := Run(root, tensor.Zeros(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := root.Context().Get("scratch", "stale"); !errors.Is(err, ErrContextMiss) {
		t.Fatalf("expected declared namespace to reset, got=%v", err)
	}
	if _, err := root.Context().Get("external", "kept"); err != nil {
		t.Fatalf("expected undeclared namespace to persist, got=%v", err)
	}
}

func TestRunSingleRejectsTupleOutput(t *testing.T) {
	root := NewParallel(NewIdentity(), NewIdentity())

	if _, err := RunSingle(root, tensor.Zeros(1)); !errors.Is(err, ErrSingleOutput) {
		t.Fatalf("expected single-output error, got=%v", err)
	}
}

func TestRunOnBareLeaf(t *testing.T) {
	out, err := RunSingle(NewMultiply(3), tensor.Full(2, 2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := tensor.Full(6, 2)
	if !out.Equal(want) {
		t.Fatalf("expected %v, got=%v", want.Data(), out.Data())
	}
}
