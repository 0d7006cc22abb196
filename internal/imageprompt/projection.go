package imageprompt

import (
	"weft/internal/chain"
	"weft/internal/layers"
)

// ImageProjection maps a pooled image embedding onto a fixed number of
// conditioning tokens in the text embedding space.
type ImageProjection struct {
	chain.Chain
	imageEmbeddingDim int
	textEmbeddingDim  int
	numTokens         int
}

func NewImageProjection(imageEmbeddingDim, textEmbeddingDim, numTokens int, useBias bool) *ImageProjection {
	p := &ImageProjection{
		imageEmbeddingDim: imageEmbeddingDim,
		textEmbeddingDim:  textEmbeddingDim,
		numTokens:         numTokens,
	}
	chain.Init(&p.Chain, "ImageProjection",
		layers.NewLinear(imageEmbeddingDim, textEmbeddingDim*numTokens, useBias),
		layers.NewReshape(numTokens, textEmbeddingDim),
		layers.NewLayerNorm(textEmbeddingDim, useBias),
	)
	return p
}

func (p *ImageProjection) ImageEmbeddingDim() int { return p.imageEmbeddingDim }
func (p *ImageProjection) TextEmbeddingDim() int  { return p.textEmbeddingDim }
func (p *ImageProjection) NumTokens() int         { return p.numTokens }

func (p *ImageProjection) Copy() chain.Module {
	cp := &ImageProjection{
		imageEmbeddingDim: p.imageEmbeddingDim,
		textEmbeddingDim:  p.textEmbeddingDim,
		numTokens:         p.numTokens,
	}
	chain.CopyInto(&cp.Chain, &p.Chain)
	return cp
}

// FeedForward is the bias-free two-layer projection inside transformer
// blocks.
type FeedForward struct {
	chain.Chain
	embeddingDim   int
	feedforwardDim int
}

func NewFeedForward(embeddingDim, feedforwardDim int) *FeedForward {
	f := &FeedForward{embeddingDim: embeddingDim, feedforwardDim: feedforwardDim}
	chain.Init(&f.Chain, "FeedForward",
		layers.NewLinear(embeddingDim, feedforwardDim, false),
		layers.NewGeLU(),
		layers.NewLinear(feedforwardDim, embeddingDim, false),
	)
	return f
}

func (f *FeedForward) Copy() chain.Module {
	cp := &FeedForward{embeddingDim: f.embeddingDim, feedforwardDim: f.feedforwardDim}
	chain.CopyInto(&cp.Chain, &f.Chain)
	return cp
}

// PooledTextEmbeddingProjector is an auxiliary pass-through node the
// composite adapter prepends to its target. It projects the externally set
// pooled text embedding into the timestep embedding space and publishes the
// result for the grafted cross-attention branches; later siblings assume it
// has already run.
type PooledTextEmbeddingProjector struct {
	chain.Passthrough
	textEmbeddingDim     int
	timestepEmbeddingDim int
	useBias              bool
}

func NewPooledTextEmbeddingProjector(textEmbeddingDim, timestepEmbeddingDim int, useBias bool) *PooledTextEmbeddingProjector {
	p := &PooledTextEmbeddingProjector{
		textEmbeddingDim:     textEmbeddingDim,
		timestepEmbeddingDim: timestepEmbeddingDim,
		useBias:              useBias,
	}
	chain.Init(&p.Chain, "PooledTextEmbeddingProjector",
		chain.NewUseContext(ContextIPAdapter, KeyPooledTextEmbedding),
		layers.NewLinear(textEmbeddingDim, timestepEmbeddingDim, useBias),
		chain.NewSetContext(ContextIPAdapter, KeyPooledTextTimestepEmbedding),
	)
	return p
}

func (p *PooledTextEmbeddingProjector) Copy() chain.Module {
	cp := &PooledTextEmbeddingProjector{
		textEmbeddingDim:     p.textEmbeddingDim,
		timestepEmbeddingDim: p.timestepEmbeddingDim,
		useBias:              p.useBias,
	}
	chain.CopyInto(&cp.Chain, &p.Chain)
	return cp
}
