package imageprompt

import (
	"errors"
	"fmt"
	"log/slog"

	"weft/internal/adapter"
	"weft/internal/chain"
	"weft/internal/layers"
	"weft/internal/tensor"
	"weft/internal/weights"
)

var (
	ErrNotAChain        = errors.New("ip-adapter target must be a chain")
	ErrNoImageProj      = errors.New("ip-adapter needs an image projection")
	ErrNoGridFeatures   = errors.New("encoder cannot expose grid features")
	ErrBatchWeights     = errors.New("per-image weight count must match batch size")
	ErrNoCrossAttention = errors.New("target has no cross-attention to adapt")
)

// Checkpoint key prefixes, one block per component. Sub-adapters load from
// numerically indexed blocks in structural order.
const (
	PrefixImageProj  = "image_proj."
	PrefixIPAdapter  = "ip_adapter."
	PrefixPooledProj = "pooled_text_embedding_proj."
)

// Options configures the composite adapter. Zero values take the reference
// defaults.
type Options struct {
	// Scale multiplies the grafted conditioning branch. Nil takes the
	// reference default of 1; an explicit zero mutes the branch.
	Scale                  *float64
	FineGrained            bool
	UsePooledTextEmbedding bool
	NoBias                 bool

	// SequenceLength bounds the expanded pooled branches; fine-grained
	// conditioning defaults it to the resampler token count.
	SequenceLength int

	PooledTextEmbeddingDim int
	TimestepEmbeddingDim   int

	// Weights, when non-nil, are applied at construction and not
	// retained. Strict makes any image projection or pooled projector
	// mismatch fatal rather than a logged diagnostic.
	Weights map[string]*tensor.Tensor
	Strict  bool
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Scale == nil {
		one := 1.0
		o.Scale = &one
	}
	if o.SequenceLength == 0 {
		if o.FineGrained {
			o.SequenceLength = 16
		} else {
			o.SequenceLength = -1
		}
	}
	if o.PooledTextEmbeddingDim == 0 {
		o.PooledTextEmbeddingDim = 768
	}
	if o.TimestepEmbeddingDim == 0 {
		o.TimestepEmbeddingDim = 1280
	}
	return o
}

// IPAdapter grafts image-prompt conditioning onto every cross-attention of
// a pretrained target without touching the target's own weights. The image
// projection and encoder stay outside the target tree; the grafted branches
// read the conditioning embedding from the target root's ambient context.
type IPAdapter struct {
	base        *adapter.Adapter
	targetChain *chain.Chain
	encoder     ImageEncoder
	gridEncoder ImageEncoder
	imageProj   chain.Module
	pooledProj  *PooledTextEmbeddingProjector
	subAdapters []*CrossAttentionAdapter
	opts        Options
}

func NewIPAdapter(target chain.Module, encoder ImageEncoder, imageProj chain.Module, opts Options) (*IPAdapter, error) {
	opts = opts.withDefaults()
	targetChain, ok := chain.AsChain(target)
	if !ok {
		return nil, fmt.Errorf("%w: got %s", ErrNotAChain, target.Name())
	}
	if imageProj == nil {
		return nil, ErrNoImageProj
	}

	a := &IPAdapter{
		base:        adapter.New(target, target),
		targetChain: targetChain,
		encoder:     encoder,
		imageProj:   imageProj,
		opts:        opts,
	}

	if opts.FineGrained {
		grid, ok := encoder.(GridFeatureEncoder)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrNoGridFeatures, encoder)
		}
		a.gridEncoder = grid.GridFeatures()
	}
	if opts.UsePooledTextEmbedding {
		a.pooledProj = NewPooledTextEmbeddingProjector(opts.PooledTextEmbeddingDim, opts.TimestepEmbeddingDim, !opts.NoBias)
	}

	for _, attn := range chain.FindAll[*layers.Attention](target) {
		sub, err := NewCrossAttentionAdapter(attn, *opts.Scale, opts.UsePooledTextEmbedding, opts.SequenceLength, opts.TimestepEmbeddingDim)
		if err != nil {
			return nil, err
		}
		a.subAdapters = append(a.subAdapters, sub)
	}
	if len(a.subAdapters) == 0 {
		return nil, ErrNoCrossAttention
	}

	if opts.Weights != nil {
		if err := a.loadWeights(opts.Weights); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// loadWeights distributes one flat checkpoint across the components. The
// image projection and pooled projector honor the strict policy; the
// per-sub-adapter blocks stay lenient because each block addresses only the
// grafted branches inside an otherwise complete attention copy.
func (a *IPAdapter) loadWeights(supplied map[string]*tensor.Tensor) error {
	if err := weights.LoadPrefixed(a.imageProj, PrefixImageProj, supplied, a.opts.Strict, a.opts.Logger); err != nil {
		return fmt.Errorf("image projection: %w", err)
	}
	for i, sub := range a.subAdapters {
		prefix := fmt.Sprintf("%s%03d.", PrefixIPAdapter, i)
		if err := weights.LoadPrefixed(sub.Body(), prefix, supplied, false, a.opts.Logger); err != nil {
			return fmt.Errorf("sub-adapter %d: %w", i, err)
		}
	}
	if a.pooledProj != nil {
		if err := weights.LoadPrefixed(a.pooledProj, PrefixPooledProj, supplied, a.opts.Strict, a.opts.Logger); err != nil {
			return fmt.Errorf("pooled text embedding projector: %w", err)
		}
	}
	return nil
}

func (a *IPAdapter) Target() chain.Module { return a.base.Target() }
func (a *IPAdapter) State() adapter.State { return a.base.State() }
func (a *IPAdapter) ImageProjection() chain.Module {
	return a.imageProj
}
func (a *IPAdapter) SubAdapters() []*CrossAttentionAdapter {
	return a.subAdapters
}

// Inject activates the graft: sub-adapters first (children before the
// whole), then the auxiliary pooled projector at slot 0 of the target, then
// the adapter itself. Injecting an already injected adapter fails.
func (a *IPAdapter) Inject() error {
	if a.base.State() == adapter.Injected {
		return fmt.Errorf("%w: ip-adapter", adapter.ErrAlreadyInjected)
	}
	for _, sub := range a.subAdapters {
		if err := sub.Inject(); err != nil {
			return err
		}
	}
	if a.pooledProj != nil {
		if err := a.targetChain.InsertAt(0, a.pooledProj); err != nil {
			return err
		}
	}
	return a.base.Inject()
}

// Eject deactivates it: sub-adapters first, then the adapter, then the
// auxiliary node. The target ends element-wise identical to its pre-inject
// state.
func (a *IPAdapter) Eject() error {
	if a.base.State() != adapter.Injected {
		return fmt.Errorf("%w: ip-adapter", adapter.ErrNotInjected)
	}
	for _, sub := range a.subAdapters {
		if err := sub.Eject(); err != nil {
			return err
		}
	}
	if err := a.base.Eject(); err != nil {
		return err
	}
	if a.pooledProj != nil {
		i := a.targetChain.IndexOf(a.pooledProj)
		if i < 0 {
			return fmt.Errorf("%w: pooled projector not under target", chain.ErrNotChild)
		}
		if _, err := a.targetChain.RemoveAt(i); err != nil {
			return err
		}
	}
	return nil
}

// Scale reports the conditioning multiplier of the first sub-adapter; all
// sub-adapters share it when set through SetScale.
func (a *IPAdapter) Scale() float64 {
	return a.subAdapters[0].Scale()
}

// SetScale sets the conditioning multiplier uniformly on every sub-adapter,
// independent of injection state.
func (a *IPAdapter) SetScale(scale float64) error {
	for _, sub := range a.subAdapters {
		if err := sub.SetScale(scale); err != nil {
			return err
		}
	}
	a.opts.Scale = &scale
	return nil
}

// SetImageEmbedding writes the conditioning embedding into the target
// root's ambient context; every grafted branch reads it on each pass.
func (a *IPAdapter) SetImageEmbedding(embedding *tensor.Tensor) {
	a.targetChain.Context().Set(ContextIPAdapter, KeyImageEmbedding, embedding)
}

func (a *IPAdapter) SetPooledTextEmbedding(embedding *tensor.Tensor) {
	a.targetChain.Context().Set(ContextIPAdapter, KeyPooledTextEmbedding, embedding)
}

// ComputeImageEmbedding encodes an image batch and returns the negative and
// conditional conditioning stacked along the batch axis. Per-image weights
// multiply the conditional branch; a batch of several images concatenates
// each image's tokens into one longer sequence.
func (a *IPAdapter) ComputeImageEmbedding(images *tensor.Tensor, perImageWeights []float64, divFactor float64) (*tensor.Tensor, error) {
	if divFactor == 0 {
		divFactor = 1
	}
	negative, conditional, err := a.encodeBranches(images, divFactor)
	if err != nil {
		return nil, err
	}

	batch := images.Dim(0)
	if perImageWeights != nil {
		if len(perImageWeights) != batch {
			return nil, fmt.Errorf("%w: got %d weights for %d images", ErrBatchWeights, len(perImageWeights), batch)
		}
		if anyWeighted(perImageWeights) {
			conditional, err = conditional.ScaleRows(perImageWeights)
			if err != nil {
				return nil, err
			}
		}
	}

	if batch > 1 {
		// A batch of images becomes one longer token sequence.
		negative, err = concatChunks(negative, batch)
		if err != nil {
			return nil, err
		}
		conditional, err = concatChunks(conditional, batch)
		if err != nil {
			return nil, err
		}
	}
	return tensor.Concat(0, negative, conditional)
}

func (a *IPAdapter) encodeBranches(images *tensor.Tensor, divFactor float64) (negative, conditional *tensor.Tensor, err error) {
	if a.opts.FineGrained {
		embedding, err := a.gridEncoder.Apply(images)
		if err != nil {
			return nil, nil, err
		}
		conditional, err = chain.RunSingle(a.imageProj, embedding.Scale(1/divFactor))
		if err != nil {
			return nil, nil, err
		}
		zeroEmbedding, err := a.gridEncoder.Apply(tensor.ZerosLike(images))
		if err != nil {
			return nil, nil, err
		}
		negative, err = chain.RunSingle(a.imageProj, zeroEmbedding.Scale(1/divFactor))
		if err != nil {
			return nil, nil, err
		}
		return negative, conditional, nil
	}

	embedding, err := a.encoder.Apply(images)
	if err != nil {
		return nil, nil, err
	}
	embedding = embedding.Scale(1 / divFactor)
	conditional, err = chain.RunSingle(a.imageProj, embedding)
	if err != nil {
		return nil, nil, err
	}
	negative, err = chain.RunSingle(a.imageProj, tensor.ZerosLike(embedding))
	if err != nil {
		return nil, nil, err
	}
	return negative, conditional, nil
}

func anyWeighted(weights []float64) bool {
	for _, w := range weights {
		if w != 1 {
			return true
		}
	}
	return false
}

func concatChunks(t *tensor.Tensor, batch int) (*tensor.Tensor, error) {
	chunks, err := tensor.Chunk(t, batch, 0)
	if err != nil {
		return nil, err
	}
	return tensor.Concat(1, chunks...)
}
