package imageprompt

import (
	"fmt"

	"weft/internal/adapter"
	"weft/internal/chain"
	"weft/internal/layers"
	"weft/internal/tensor"
)

// ImageCrossAttention is the conditioning branch summed beside a target
// cross-attention: it keeps the query, swaps key and value for projections
// of the image embedding read from the ambient context, and scales the
// result by a mutable multiplier.
type ImageCrossAttention struct {
	chain.Chain
	sequenceLength int
}

// NewImageCrossAttention sizes the branch from the adapted cross-attention.
// When usePooledTextEmbedding is set, an extra branch per projection reads
// the pooled text timestep embedding and expands it over sequenceLength.
func NewImageCrossAttention(target *layers.Attention, scale float64, usePooledTextEmbedding bool, sequenceLength, timestepEmbeddingDim int) *ImageCrossAttention {
	a := &ImageCrossAttention{sequenceLength: sequenceLength}

	keyBranches := []chain.Module{
		chain.New(
			chain.NewUseContext(ContextIPAdapter, KeyImageEmbedding),
			layers.NewLinear(target.KeyEmbeddingDim(), target.InnerDim(), target.UseBias()),
		),
	}
	valueBranches := []chain.Module{
		chain.New(
			chain.NewUseContext(ContextIPAdapter, KeyImageEmbedding),
			layers.NewLinear(target.ValueEmbeddingDim(), target.InnerDim(), target.UseBias()),
		),
	}
	if usePooledTextEmbedding {
		keyBranches = append(keyBranches, pooledBranch(target, sequenceLength, timestepEmbeddingDim))
		valueBranches = append(valueBranches, pooledBranch(target, sequenceLength, timestepEmbeddingDim))
	}

	chain.Init(&a.Chain, "ImageCrossAttention",
		chain.NewDistribute(
			chain.NewIdentity(),
			chain.NewSum(keyBranches...),
			chain.NewSum(valueBranches...),
		),
		layers.NewScaledDotProductAttention(target.NumHeads(), target.IsCausal()),
		chain.NewMultiply(scale),
	)
	return a
}

func pooledBranch(target *layers.Attention, sequenceLength, timestepEmbeddingDim int) chain.Module {
	return chain.New(
		chain.NewUseContext(ContextIPAdapter, KeyPooledTextTimestepEmbedding),
		layers.NewLinear(timestepEmbeddingDim, target.InnerDim(), target.UseBias()),
		chain.NewLambda("ExpandDim", func(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("%w: expand_dim takes one input", chain.ErrArity)
			}
			out, err := tensor.ExpandDim(args[0], sequenceLength)
			if err != nil {
				return nil, err
			}
			return []*tensor.Tensor{out}, nil
		}),
	)
}

func (a *ImageCrossAttention) Scale() float64 {
	m, err := chain.MustFindFirst[*chain.Multiply](a)
	if err != nil {
		return 0
	}
	return m.Scale()
}

func (a *ImageCrossAttention) SetScale(scale float64) error {
	m, err := chain.MustFindFirst[*chain.Multiply](a)
	if err != nil {
		return err
	}
	m.SetScale(scale)
	return nil
}

func (a *ImageCrossAttention) Copy() chain.Module {
	cp := &ImageCrossAttention{sequenceLength: a.sequenceLength}
	chain.CopyInto(&cp.Chain, &a.Chain)
	return cp
}

// CrossAttentionAdapter grafts an ImageCrossAttention beside the attention
// leaf of one target cross-attention. The replacement is a structural copy
// of the target with its inner attention summed against the conditioning
// branch; the original target is untouched and restored verbatim on eject.
type CrossAttentionAdapter struct {
	*adapter.Adapter
	imageCrossAttention *ImageCrossAttention
}

func NewCrossAttentionAdapter(target *layers.Attention, scale float64, usePooledTextEmbedding bool, sequenceLength, timestepEmbeddingDim int) (*CrossAttentionAdapter, error) {
	clone, ok := target.Copy().(*layers.Attention)
	if !ok {
		return nil, fmt.Errorf("cross attention adapter: copy of %s is not an attention", target.Name())
	}
	sdp, err := chain.MustFindFirst[*layers.ScaledDotProductAttention](clone)
	if err != nil {
		return nil, fmt.Errorf("cross attention adapter: %w", err)
	}
	imageCrossAttention := NewImageCrossAttention(target, scale, usePooledTextEmbedding, sequenceLength, timestepEmbeddingDim)
	if err := clone.Replace(sdp, chain.NewSum(sdp, imageCrossAttention)); err != nil {
		return nil, fmt.Errorf("cross attention adapter: %w", err)
	}
	return &CrossAttentionAdapter{
		Adapter:             adapter.New(target, clone),
		imageCrossAttention: imageCrossAttention,
	}, nil
}

func (c *CrossAttentionAdapter) ImageCrossAttention() *ImageCrossAttention {
	return c.imageCrossAttention
}

func (c *CrossAttentionAdapter) Scale() float64 {
	return c.imageCrossAttention.Scale()
}

func (c *CrossAttentionAdapter) SetScale(scale float64) error {
	return c.imageCrossAttention.SetScale(scale)
}
