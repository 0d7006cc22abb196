package layers

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"weft/internal/chain"
	"weft/internal/tensor"
)

func approx(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

func TestLinearKnownProjection(t *testing.T) {
	l := NewLinear(2, 2, true)
	if err := l.SetParameter("weight", tensor.MustNew([]int{2, 2}, []float64{1, 2, 3, 4})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.SetParameter("bias", tensor.MustNew([]int{2}, []float64{10, 20})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := chain.RunSingle(l, tensor.MustNew([]int{1, 2}, []float64{1, 1}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := tensor.MustNew([]int{1, 2}, []float64{13, 27})
	if !out.Equal(want) {
		t.Fatalf("expected %v, got=%v", want.Data(), out.Data())
	}
}

func TestLinearKeepsLeadingAxes(t *testing.T) {
	l := NewLinear(2, 3, false)

	out, err := chain.RunSingle(l, tensor.Zeros(2, 4, 2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := out.Shape(); len(got) != 3 || got[0] != 2 || got[1] != 4 || got[2] != 3 {
		t.Fatalf("expected shape [2 4 3], got=%v", got)
	}
}

func TestLinearRejectsWrongFeatureDim(t *testing.T) {
	l := NewLinear(4, 2, false)

	_, err := chain.RunSingle(l, tensor.Zeros(1, 3))
	var shapeErr *tensor.ShapeError
	if !errors.As(err, &shapeErr) {
		t.Fatalf("expected shape error, got=%v", err)
	}
}

func TestLinearParameterContract(t *testing.T) {
	withBias := NewLinear(3, 2, true)
	params := withBias.Parameters()
	if len(params) != 2 {
		t.Fatalf("expected weight and bias, got=%v", params)
	}
	if got := params["weight"].Shape(); got[0] != 2 || got[1] != 3 {
		t.Fatalf("expected weight [out in], got=%v", got)
	}

	noBias := NewLinear(3, 2, false)
	if _, ok := noBias.Parameters()["bias"]; ok {
		t.Fatal("bias-less linear exposed a bias parameter")
	}
	if err := noBias.SetParameter("bias", tensor.Zeros(2)); !errors.Is(err, chain.ErrNotFound) {
		t.Fatalf("expected not-found error, got=%v", err)
	}
	var shapeErr *tensor.ShapeError
	if err := withBias.SetParameter("weight", tensor.Zeros(3, 2)); !errors.As(err, &shapeErr) {
		t.Fatalf("expected shape error, got=%v", err)
	}
}

func TestLinearCopyIsIndependent(t *testing.T) {
	src := NewLinear(2, 2, true)
	src.Parameters()["weight"].Data()[0] = 1

	cp := src.Copy().(*Linear)
	cp.Parameters()["weight"].Data()[0] = 99
	if src.Parameters()["weight"].Data()[0] != 1 {
		t.Fatal("copy shares weight storage")
	}
	if !cp.UseBias() {
		t.Fatal("copy dropped the bias")
	}
}

func TestGeLUValues(t *testing.T) {
	out, err := chain.RunSingle(NewGeLU(), tensor.MustNew([]int{3}, []float64{0, 1, -10}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data := out.Data()
	if data[0] != 0 {
		t.Fatalf("expected gelu(0)=0, got=%v", data[0])
	}
	if !approx(data[1], 0.8413447, 1e-6) {
		t.Fatalf("expected gelu(1)~0.84134, got=%v", data[1])
	}
	if !approx(data[2], 0, 1e-6) {
		t.Fatalf("expected gelu(-10)~0, got=%v", data[2])
	}
}

func TestReshapeKeepsBatchAxis(t *testing.T) {
	r := NewReshape(2, 3)

	out, err := chain.RunSingle(r, tensor.Zeros(4, 6))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := out.Shape(); len(got) != 3 || got[0] != 4 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expected shape [4 2 3], got=%v", got)
	}

	if _, err := chain.RunSingle(r, tensor.Zeros(4, 5)); err == nil {
		t.Fatal("expected an element count mismatch")
	}
}

func TestRandomizeParametersIsSeeded(t *testing.T) {
	build := func() *chain.Chain {
		return chain.New(NewLinear(3, 3, true), NewLayerNorm(3, true))
	}

	first := build()
	RandomizeParameters(first, rand.New(rand.NewSource(11)), 0.5)
	second := build()
	RandomizeParameters(second, rand.New(rand.NewSource(11)), 0.5)

	firstWeight, err := chain.MustFindFirst[*Linear](first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	secondWeight, err := chain.MustFindFirst[*Linear](second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !firstWeight.Parameters()["weight"].Equal(secondWeight.Parameters()["weight"]) {
		t.Fatal("same seed produced different parameters")
	}

	data := firstWeight.Parameters()["weight"].Data()
	nonZero := false
	for _, v := range data {
		if math.Abs(v) > 0.5 {
			t.Fatalf("value %v outside spread", v)
		}
		if v != 0 {
			nonZero = true
		}
	}
	if !nonZero {
		t.Fatal("randomization left every value zero")
	}
}
