package layers

import (
	"fmt"
	"math"

	"weft/internal/chain"
	"weft/internal/tensor"
)

// ScaledDotProductAttention computes multi-head softmax attention over a
// (query, key, value) input tuple. Inputs are [seq, dim] or [batch, seq,
// dim]; the last axis must split evenly across heads.
type ScaledDotProductAttention struct {
	chain.Node
	numHeads int
	isCausal bool
}

func NewScaledDotProductAttention(numHeads int, isCausal bool) *ScaledDotProductAttention {
	return &ScaledDotProductAttention{
		Node:     chain.MakeNode("ScaledDotProductAttention"),
		numHeads: numHeads,
		isCausal: isCausal,
	}
}

func (a *ScaledDotProductAttention) NumHeads() int  { return a.numHeads }
func (a *ScaledDotProductAttention) IsCausal() bool { return a.isCausal }

func (a *ScaledDotProductAttention) Apply(_ *chain.Context, args ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("%w: attention takes (query, key, value), got %d inputs", chain.ErrArity, len(args))
	}
	q, k, v := args[0], args[1], args[2]

	batched := q.Dims() == 3
	qb, err := asBatched(q)
	if err != nil {
		return nil, err
	}
	kb, err := asBatched(k)
	if err != nil {
		return nil, err
	}
	vb, err := asBatched(v)
	if err != nil {
		return nil, err
	}
	if qb.Dim(0) != kb.Dim(0) || kb.Shape()[1] != vb.Shape()[1] {
		return nil, &tensor.ShapeError{Op: "attention", Left: qb.Shape(), Right: kb.Shape()}
	}

	out, err := attend(qb, kb, vb, a.numHeads, a.isCausal)
	if err != nil {
		return nil, err
	}
	if !batched {
		out, err = out.Reshape(out.Shape()[1:]...)
		if err != nil {
			return nil, err
		}
	}
	return []*tensor.Tensor{out}, nil
}

func (a *ScaledDotProductAttention) Copy() chain.Module {
	return NewScaledDotProductAttention(a.numHeads, a.isCausal)
}

func asBatched(t *tensor.Tensor) (*tensor.Tensor, error) {
	switch t.Dims() {
	case 2:
		shape := t.Shape()
		return t.Reshape(1, shape[0], shape[1])
	case 3:
		return t, nil
	default:
		return nil, &tensor.ShapeError{Op: "attention", Left: t.Shape(), Right: nil}
	}
}

// attend runs softmax attention per batch and head over [batch, seq, dim]
// inputs, scaling scores by 1/sqrt(headDim).
func attend(q, k, v *tensor.Tensor, numHeads int, causal bool) (*tensor.Tensor, error) {
	batch, lq, dq := q.Dim(0), q.Dim(1), q.Dim(2)
	lk, dk := k.Dim(1), k.Dim(2)
	dv := v.Dim(2)
	if dq%numHeads != 0 || dk%numHeads != 0 || dv%numHeads != 0 || dq != dk {
		return nil, &tensor.ShapeError{Op: "attention_heads", Left: q.Shape(), Right: []int{numHeads}}
	}
	headQ, headV := dq/numHeads, dv/numHeads
	scale := 1 / math.Sqrt(float64(headQ))

	out := tensor.Zeros(batch, lq, dv)
	scores := make([]float64, lk)
	for b := 0; b < batch; b++ {
		for h := 0; h < numHeads; h++ {
			for i := 0; i < lq; i++ {
				max := math.Inf(-1)
				for j := 0; j < lk; j++ {
					if causal && j > i {
						scores[j] = math.Inf(-1)
						continue
					}
					dot := 0.0
					for d := 0; d < headQ; d++ {
						dot += q.At(b, i, h*headQ+d) * k.At(b, j, h*headQ+d)
					}
					scores[j] = dot * scale
					if scores[j] > max {
						max = scores[j]
					}
				}
				sum := 0.0
				for j := 0; j < lk; j++ {
					scores[j] = math.Exp(scores[j] - max)
					sum += scores[j]
				}
				for d := 0; d < headV; d++ {
					acc := 0.0
					for j := 0; j < lk; j++ {
						acc += scores[j] / sum * v.At(b, j, h*headV+d)
					}
					out.Set(acc, b, i, h*headV+d)
				}
			}
		}
	}
	return out, nil
}

// AttentionConfig sizes an attention block. Zero-valued key/value embedding
// dims default to the query embedding dim; a zero inner dim defaults to the
// embedding dim.
type AttentionConfig struct {
	EmbeddingDim      int
	NumHeads          int
	KeyEmbeddingDim   int
	ValueEmbeddingDim int
	InnerDim          int
	UseBias           bool
	IsCausal          bool
}

func (c AttentionConfig) withDefaults() AttentionConfig {
	if c.NumHeads == 0 {
		c.NumHeads = 1
	}
	if c.KeyEmbeddingDim == 0 {
		c.KeyEmbeddingDim = c.EmbeddingDim
	}
	if c.ValueEmbeddingDim == 0 {
		c.ValueEmbeddingDim = c.EmbeddingDim
	}
	if c.InnerDim == 0 {
		c.InnerDim = c.EmbeddingDim
	}
	return c
}

// Attention is the standard attention chain over a (query, key, value)
// tuple: per-input projections, scaled dot-product attention, and an output
// projection. Adapters locate these by type and graft conditioning branches
// beside the inner attention leaf.
type Attention struct {
	chain.Chain
	cfg AttentionConfig
}

func NewAttention(cfg AttentionConfig) *Attention {
	a := &Attention{}
	initAttention(a, "Attention", cfg.withDefaults())
	return a
}

func initAttention(a *Attention, name string, cfg AttentionConfig) {
	a.cfg = cfg
	chain.Init(&a.Chain, name,
		chain.NewDistribute(
			NewLinear(cfg.EmbeddingDim, cfg.InnerDim, cfg.UseBias),
			NewLinear(cfg.KeyEmbeddingDim, cfg.InnerDim, cfg.UseBias),
			NewLinear(cfg.ValueEmbeddingDim, cfg.InnerDim, cfg.UseBias),
		),
		NewScaledDotProductAttention(cfg.NumHeads, cfg.IsCausal),
		NewLinear(cfg.InnerDim, cfg.EmbeddingDim, cfg.UseBias),
	)
}

func (a *Attention) Config() AttentionConfig { return a.cfg }
func (a *Attention) EmbeddingDim() int       { return a.cfg.EmbeddingDim }
func (a *Attention) KeyEmbeddingDim() int    { return a.cfg.KeyEmbeddingDim }
func (a *Attention) ValueEmbeddingDim() int  { return a.cfg.ValueEmbeddingDim }
func (a *Attention) InnerDim() int           { return a.cfg.InnerDim }
func (a *Attention) NumHeads() int           { return a.cfg.NumHeads }
func (a *Attention) UseBias() bool           { return a.cfg.UseBias }
func (a *Attention) IsCausal() bool          { return a.cfg.IsCausal }

func (a *Attention) Copy() chain.Module {
	cp := &Attention{cfg: a.cfg}
	chain.CopyInto(&cp.Chain, &a.Chain)
	return cp
}

// SelfAttention fans a single input out to query, key, and value. It is
// never adapted by image-conditioning grafts.
type SelfAttention struct {
	Attention
}

func NewSelfAttention(cfg AttentionConfig) *SelfAttention {
	cfg.KeyEmbeddingDim = 0
	cfg.ValueEmbeddingDim = 0
	sa := &SelfAttention{}
	initAttention(&sa.Attention, "SelfAttention", cfg.withDefaults())
	_ = sa.Chain.InsertAt(0, chain.NewParallel(
		chain.NewIdentity(),
		chain.NewIdentity(),
		chain.NewIdentity(),
	))
	return sa
}

func (a *SelfAttention) Copy() chain.Module {
	cp := &SelfAttention{Attention: Attention{cfg: a.cfg}}
	chain.CopyInto(&cp.Chain, &a.Chain)
	return cp
}
