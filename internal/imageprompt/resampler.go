package imageprompt

import (
	"fmt"
	"math"

	"weft/internal/chain"
	"weft/internal/layers"
	"weft/internal/tensor"
)

// perceiverContext is the pass-scoped namespace the resampler threads its
// projected input through; it is reset on every forward pass.
const perceiverContext = "perceiver_resampler"

// PerceiverScaledDotProductAttention attends a set of learned latent tokens
// over a (key_value, query) pair, the key and value packed into one tensor.
// Both query and key are pre-scaled by 1/sqrt(sqrt(headDim)); more stable
// in reduced precision than dividing the product afterwards.
type PerceiverScaledDotProductAttention struct {
	chain.Node
	headDim  int
	numHeads int
}

func NewPerceiverScaledDotProductAttention(headDim, numHeads int) *PerceiverScaledDotProductAttention {
	return &PerceiverScaledDotProductAttention{
		Node:     chain.MakeNode("PerceiverScaledDotProductAttention"),
		headDim:  headDim,
		numHeads: numHeads,
	}
}

func (a *PerceiverScaledDotProductAttention) Apply(_ *chain.Context, args ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: perceiver attention takes (key_value, query), got %d inputs", chain.ErrArity, len(args))
	}
	keyValue, query := args[0], args[1]

	batched := query.Dims() == 3
	kvb, err := batchedView(keyValue)
	if err != nil {
		return nil, err
	}
	qb, err := batchedView(query)
	if err != nil {
		return nil, err
	}
	parts, err := tensor.Chunk(kvb, 2, -1)
	if err != nil {
		return nil, err
	}
	key, value := parts[0], parts[1]

	inner := a.headDim * a.numHeads
	if qb.Dim(2) != inner || key.Dim(2) != inner {
		return nil, &tensor.ShapeError{Op: "perceiver_attention", Left: qb.Shape(), Right: []int{inner}}
	}

	scale := 1 / math.Sqrt(math.Sqrt(float64(a.headDim)))
	batch, lq, lk := qb.Dim(0), qb.Dim(1), key.Dim(1)
	out := tensor.Zeros(batch, lq, inner)
	scores := make([]float64, lk)
	for b := 0; b < batch; b++ {
		for h := 0; h < a.numHeads; h++ {
			for i := 0; i < lq; i++ {
				max := math.Inf(-1)
				for j := 0; j < lk; j++ {
					dot := 0.0
					for d := 0; d < a.headDim; d++ {
						dot += qb.At(b, i, h*a.headDim+d) * scale * key.At(b, j, h*a.headDim+d) * scale
					}
					scores[j] = dot
					if dot > max {
						max = dot
					}
				}
				sum := 0.0
				for j := 0; j < lk; j++ {
					scores[j] = math.Exp(scores[j] - max)
					sum += scores[j]
				}
				for d := 0; d < a.headDim; d++ {
					acc := 0.0
					for j := 0; j < lk; j++ {
						acc += scores[j] / sum * value.At(b, j, h*a.headDim+d)
					}
					out.Set(acc, b, i, h*a.headDim+d)
				}
			}
		}
	}

	if !batched {
		reduced, err := out.Reshape(out.Shape()[1:]...)
		if err != nil {
			return nil, err
		}
		return []*tensor.Tensor{reduced}, nil
	}
	return []*tensor.Tensor{out}, nil
}

func (a *PerceiverScaledDotProductAttention) Copy() chain.Module {
	return NewPerceiverScaledDotProductAttention(a.headDim, a.numHeads)
}

func batchedView(t *tensor.Tensor) (*tensor.Tensor, error) {
	switch t.Dims() {
	case 2:
		shape := t.Shape()
		return t.Reshape(1, shape[0], shape[1])
	case 3:
		return t, nil
	default:
		return nil, &tensor.ShapeError{Op: "perceiver_attention", Left: t.Shape(), Right: nil}
	}
}

// PerceiverAttention cross-attends latent tokens over the concatenation of
// the input features and the latents themselves.
type PerceiverAttention struct {
	chain.Chain
	embeddingDim int
	headDim      int
	numHeads     int
}

func NewPerceiverAttention(embeddingDim, headDim, numHeads int, useBias bool) *PerceiverAttention {
	p := &PerceiverAttention{embeddingDim: embeddingDim, headDim: headDim, numHeads: numHeads}
	inner := headDim * numHeads
	chain.Init(&p.Chain, "PerceiverAttention",
		chain.NewDistribute(
			layers.NewLayerNorm(embeddingDim, useBias),
			layers.NewLayerNorm(embeddingDim, useBias),
		),
		chain.NewParallel(
			chain.New(
				chain.NewLambda("ToKeyValue", toKeyValue),
				layers.NewLinear(embeddingDim, 2*inner, false),
			),
			chain.New(
				chain.NewGetArg(1),
				layers.NewLinear(embeddingDim, inner, false),
			),
		),
		NewPerceiverScaledDotProductAttention(headDim, numHeads),
		layers.NewLinear(inner, embeddingDim, false),
	)
	return p
}

// toKeyValue concatenates inputs and latents along the sequence axis.
func toKeyValue(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: to_kv takes (x, latents), got %d inputs", chain.ErrArity, len(args))
	}
	joined, err := tensor.Concat(-2, args[0], args[1])
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{joined}, nil
}

func (p *PerceiverAttention) Copy() chain.Module {
	cp := &PerceiverAttention{embeddingDim: p.embeddingDim, headDim: p.headDim, numHeads: p.numHeads}
	chain.CopyInto(&cp.Chain, &p.Chain)
	return cp
}

// LatentsToken wraps the learned latent tokens parameter.
type LatentsToken struct {
	chain.Chain
}

func NewLatentsToken(numTokens, latentsDim int) *LatentsToken {
	l := &LatentsToken{}
	chain.Init(&l.Chain, "LatentsToken", chain.NewParameter(tensor.Zeros(numTokens, latentsDim)))
	return l
}

func (l *LatentsToken) Copy() chain.Module {
	cp := &LatentsToken{}
	chain.CopyInto(&cp.Chain, &l.Chain)
	return cp
}

// Transformer and TransformerLayer are structural markers over plain
// chains; searches locate them by type.
type Transformer struct {
	chain.Chain
}

func NewTransformer(children ...chain.Module) *Transformer {
	t := &Transformer{}
	chain.Init(&t.Chain, "Transformer", children...)
	return t
}

func (t *Transformer) Copy() chain.Module {
	cp := &Transformer{}
	chain.CopyInto(&cp.Chain, &t.Chain)
	return cp
}

type TransformerLayer struct {
	chain.Chain
}

func NewTransformerLayer(children ...chain.Module) *TransformerLayer {
	t := &TransformerLayer{}
	chain.Init(&t.Chain, "TransformerLayer", children...)
	return t
}

func (t *TransformerLayer) Copy() chain.Module {
	cp := &TransformerLayer{}
	chain.CopyInto(&cp.Chain, &t.Chain)
	return cp
}

// ResamplerConfig sizes a PerceiverResampler. Zero values take the
// reference defaults.
type ResamplerConfig struct {
	LatentsDim         int
	NumAttentionLayers int
	NumAttentionHeads  int
	HeadDim            int
	NumTokens          int
	InputDim           int
	OutputDim          int
	NoBias             bool
}

func (c ResamplerConfig) withDefaults() ResamplerConfig {
	if c.LatentsDim == 0 {
		c.LatentsDim = 1024
	}
	if c.NumAttentionLayers == 0 {
		c.NumAttentionLayers = 8
	}
	if c.NumAttentionHeads == 0 {
		c.NumAttentionHeads = 16
	}
	if c.HeadDim == 0 {
		c.HeadDim = 64
	}
	if c.NumTokens == 0 {
		c.NumTokens = 8
	}
	if c.InputDim == 0 {
		c.InputDim = 768
	}
	if c.OutputDim == 0 {
		c.OutputDim = 1024
	}
	return c
}

// PerceiverResampler turns grid image features into a fixed number of
// conditioning tokens by cross-attending learned latents over them. The
// projected input rides the pass-scoped perceiver context so every
// transformer layer can reach it without explicit wiring.
type PerceiverResampler struct {
	chain.Chain
	cfg ResamplerConfig
}

func NewPerceiverResampler(cfg ResamplerConfig) *PerceiverResampler {
	cfg = cfg.withDefaults()
	useBias := !cfg.NoBias
	r := &PerceiverResampler{cfg: cfg}

	feedforwardDim := 4 * cfg.LatentsDim
	layersChain := make([]chain.Module, 0, cfg.NumAttentionLayers)
	for i := 0; i < cfg.NumAttentionLayers; i++ {
		layersChain = append(layersChain, NewTransformerLayer(
			chain.NewResidual(
				chain.NewParallel(
					chain.NewUseContext(perceiverContext, "x"),
					chain.NewIdentity(),
				),
				NewPerceiverAttention(cfg.LatentsDim, cfg.HeadDim, cfg.NumAttentionHeads, useBias),
			),
			chain.NewResidual(
				layers.NewLayerNorm(cfg.LatentsDim, useBias),
				NewFeedForward(cfg.LatentsDim, feedforwardDim),
			),
		))
	}

	chain.Init(&r.Chain, "PerceiverResampler",
		layers.NewLinear(cfg.InputDim, cfg.LatentsDim, useBias),
		chain.NewSetContext(perceiverContext, "x"),
		NewLatentsToken(cfg.NumTokens, cfg.LatentsDim),
		NewTransformer(layersChain...),
		layers.NewLinear(cfg.LatentsDim, cfg.OutputDim, useBias),
		layers.NewLayerNorm(cfg.OutputDim, useBias),
	)
	return r
}

func (r *PerceiverResampler) Config() ResamplerConfig { return r.cfg }
func (r *PerceiverResampler) NumTokens() int          { return r.cfg.NumTokens }

func (r *PerceiverResampler) DeclareContexts() []string {
	return []string{perceiverContext}
}

func (r *PerceiverResampler) Copy() chain.Module {
	cp := &PerceiverResampler{cfg: r.cfg}
	chain.CopyInto(&cp.Chain, &r.Chain)
	return cp
}
