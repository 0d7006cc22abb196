package tensor

import (
	"math"
	"testing"
)

func TestAddExactAndBroadcast(t *testing.T) {
	a := MustNew([]int{2, 2}, []float64{1, 2, 3, 4})
	b := MustNew([]int{2, 2}, []float64{10, 20, 30, 40})

	sum, err := Add(a, b)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !sum.Equal(MustNew([]int{2, 2}, []float64{11, 22, 33, 44})) {
		t.Fatalf("unexpected sum: %v", sum.Data())
	}

	bias := MustNew([]int{2}, []float64{100, 200})
	withBias, err := Add(a, bias)
	if err != nil {
		t.Fatalf("add bias: %v", err)
	}
	if !withBias.Equal(MustNew([]int{2, 2}, []float64{101, 202, 103, 204})) {
		t.Fatalf("unexpected bias sum: %v", withBias.Data())
	}
}

func TestAddBroadcastsPooledRow(t *testing.T) {
	x := Zeros(2, 3, 2)
	pooled := MustNew([]int{2, 2}, []float64{1, 2, 3, 4})

	sum, err := Add(x, pooled)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	// Every sequence position of batch 1 gets that batch's pooled row.
	if sum.At(1, 0, 0) != 3 || sum.At(1, 2, 1) != 4 {
		t.Fatalf("unexpected broadcast: %v", sum.Data())
	}
}

func TestAddShapeMismatch(t *testing.T) {
	if _, err := Add(Zeros(2, 3), Zeros(3, 2)); err == nil {
		t.Fatal("expected shape error")
	}
}

func TestScaleRows(t *testing.T) {
	x := MustNew([]int{2, 1, 2}, []float64{1, 1, 1, 1})
	out, err := x.ScaleRows([]float64{2, 3})
	if err != nil {
		t.Fatalf("scale rows: %v", err)
	}
	if !out.Equal(MustNew([]int{2, 1, 2}, []float64{2, 2, 3, 3})) {
		t.Fatalf("unexpected scaled rows: %v", out.Data())
	}

	if _, err := x.ScaleRows([]float64{1}); err == nil {
		t.Fatal("expected factor count error")
	}
}

func TestConcatAxes(t *testing.T) {
	a := MustNew([]int{1, 2, 2}, []float64{1, 2, 3, 4})
	b := MustNew([]int{1, 2, 2}, []float64{5, 6, 7, 8})

	batches, err := Concat(0, a, b)
	if err != nil {
		t.Fatalf("concat axis 0: %v", err)
	}
	if !batches.Equal(MustNew([]int{2, 2, 2}, []float64{1, 2, 3, 4, 5, 6, 7, 8})) {
		t.Fatalf("unexpected batch concat: %v", batches.Data())
	}

	seqs, err := Concat(1, a, b)
	if err != nil {
		t.Fatalf("concat axis 1: %v", err)
	}
	if !seqs.Equal(MustNew([]int{1, 4, 2}, []float64{1, 2, 3, 4, 5, 6, 7, 8})) {
		t.Fatalf("unexpected sequence concat: %v", seqs.Data())
	}

	last, err := Concat(-1, a, b)
	if err != nil {
		t.Fatalf("concat axis -1: %v", err)
	}
	if !last.Equal(MustNew([]int{1, 2, 4}, []float64{1, 2, 5, 6, 3, 4, 7, 8})) {
		t.Fatalf("unexpected last-axis concat: %v", last.Data())
	}
}

func TestChunkInvertsConcat(t *testing.T) {
	a := MustNew([]int{1, 2, 2}, []float64{1, 2, 3, 4})
	b := MustNew([]int{1, 2, 2}, []float64{5, 6, 7, 8})
	joined, err := Concat(0, a, b)
	if err != nil {
		t.Fatalf("concat: %v", err)
	}

	parts, err := Chunk(joined, 2, 0)
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if len(parts) != 2 || !parts[0].Equal(a) || !parts[1].Equal(b) {
		t.Fatalf("chunk does not invert concat: %+v", parts)
	}

	if _, err := Chunk(joined, 3, 0); err == nil {
		t.Fatal("expected unequal split error")
	}
}

func TestChunkLastAxis(t *testing.T) {
	kv := MustNew([]int{1, 2, 4}, []float64{1, 2, 3, 4, 5, 6, 7, 8})
	parts, err := Chunk(kv, 2, -1)
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if !parts[0].Equal(MustNew([]int{1, 2, 2}, []float64{1, 2, 5, 6})) {
		t.Fatalf("unexpected first half: %v", parts[0].Data())
	}
	if !parts[1].Equal(MustNew([]int{1, 2, 2}, []float64{3, 4, 7, 8})) {
		t.Fatalf("unexpected second half: %v", parts[1].Data())
	}
}

func TestMatMul(t *testing.T) {
	a := MustNew([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
	b := MustNew([]int{3, 2}, []float64{7, 8, 9, 10, 11, 12})

	out, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("matmul: %v", err)
	}
	if !out.Equal(MustNew([]int{2, 2}, []float64{58, 64, 139, 154})) {
		t.Fatalf("unexpected product: %v", out.Data())
	}

	if _, err := MatMul(a, a); err == nil {
		t.Fatal("expected inner dim error")
	}
}

func TestSoftmaxLastRowsSumToOne(t *testing.T) {
	x := MustNew([]int{2, 3}, []float64{1, 2, 3, 1000, 1000, 1000})
	out := SoftmaxLast(x)

	for row := 0; row < 2; row++ {
		sum := 0.0
		for col := 0; col < 3; col++ {
			sum += out.At(row, col)
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Fatalf("row %d sums to %v", row, sum)
		}
	}
	if out.At(0, 2) <= out.At(0, 0) {
		t.Fatalf("softmax lost ordering: %v", out.Data())
	}
}

func TestExpandDim(t *testing.T) {
	pooled := MustNew([]int{2, 2}, []float64{1, 2, 3, 4})

	out, err := ExpandDim(pooled, 3)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if !out.SameShape(Zeros(2, 3, 2)) {
		t.Fatalf("unexpected shape: %v", out.Shape())
	}
	if out.At(1, 2, 0) != 3 {
		t.Fatalf("unexpected repeat: %v", out.Data())
	}

	same, err := ExpandDim(pooled, -1)
	if err != nil {
		t.Fatalf("expand passthrough: %v", err)
	}
	if same != pooled {
		t.Fatal("negative length must return the input")
	}
}
