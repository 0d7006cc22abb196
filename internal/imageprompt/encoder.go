// Package imageprompt grafts image-conditioning computation onto a
// pretrained text-to-image graph: projection chains turning image
// embeddings into conditioning tokens, cross-attention grafts reading them
// from the context store, and the composite adapter orchestrating the
// reversible surgery.
package imageprompt

import (
	"fmt"

	"weft/internal/chain"
	"weft/internal/layers"
	"weft/internal/tensor"
)

// Context namespace and keys the grafted nodes communicate through.
const (
	ContextIPAdapter               = "ip_adapter"
	KeyImageEmbedding              = "image_embedding"
	KeyPooledTextEmbedding         = "pooled_text_embedding"
	KeyPooledTextTimestepEmbedding = "pooled_text_timestep_embedding"
)

// ImageEncoder is the external collaborator turning a preprocessed image
// batch into a pooled embedding. The core never inspects it beyond this
// contract and the declared dimensions.
type ImageEncoder interface {
	Apply(images *tensor.Tensor) (*tensor.Tensor, error)

	// EmbeddingDim is the per-token feature dim before the final
	// projection; OutputDim is the pooled output dim.
	EmbeddingDim() int
	OutputDim() int
}

// GridFeatureEncoder is an encoder that can also expose per-token grid
// features, required for fine-grained conditioning.
type GridFeatureEncoder interface {
	ImageEncoder
	GridFeatures() ImageEncoder
}

// PatchEncoder is a minimal concrete encoder used by the CLI demo and
// tests: patch embedding, mean pooling, and an output projection, all built
// from graph leaves so it shares the module contract.
type PatchEncoder struct {
	patchDim     int
	embeddingDim int
	outputDim    int
	body         *chain.Chain
	pool         *chain.Chain
}

func NewPatchEncoder(patchDim, embeddingDim, outputDim int) *PatchEncoder {
	embed := layers.NewLinear(patchDim, embeddingDim, true)
	proj := layers.NewLinear(embeddingDim, outputDim, false)
	return &PatchEncoder{
		patchDim:     patchDim,
		embeddingDim: embeddingDim,
		outputDim:    outputDim,
		body:         chain.New(embed),
		pool:         chain.New(meanPool(), proj),
	}
}

func (e *PatchEncoder) EmbeddingDim() int { return e.embeddingDim }
func (e *PatchEncoder) OutputDim() int    { return e.outputDim }

// Apply encodes [batch, patches, patchDim] images into pooled [batch,
// outputDim] embeddings.
func (e *PatchEncoder) Apply(images *tensor.Tensor) (*tensor.Tensor, error) {
	grid, err := chain.RunSingle(e.body, images)
	if err != nil {
		return nil, err
	}
	return chain.RunSingle(e.pool, grid)
}

// GridFeatures exposes the encoder without pooling and final projection,
// producing [batch, patches, embeddingDim] token features.
func (e *PatchEncoder) GridFeatures() ImageEncoder {
	return &gridView{encoder: e}
}

// Modules returns the parameterized chains so callers can seed or load the
// encoder's weights.
func (e *PatchEncoder) Modules() []chain.Module {
	return []chain.Module{e.body, e.pool}
}

type gridView struct {
	encoder *PatchEncoder
}

func (g *gridView) Apply(images *tensor.Tensor) (*tensor.Tensor, error) {
	return chain.RunSingle(g.encoder.body, images)
}

func (g *gridView) EmbeddingDim() int { return g.encoder.embeddingDim }
func (g *gridView) OutputDim() int    { return g.encoder.embeddingDim }

func meanPool() chain.Module {
	return chain.NewLambda("MeanPool", func(args []*tensor.Tensor) ([]*tensor.Tensor, error) {
		if len(args) != 1 || args[0].Dims() != 3 {
			return nil, fmt.Errorf("%w: mean pool wants one [batch, seq, dim] input", chain.ErrArity)
		}
		x := args[0]
		batch, seq, dim := x.Dim(0), x.Dim(1), x.Dim(2)
		out := tensor.Zeros(batch, dim)
		for b := 0; b < batch; b++ {
			for d := 0; d < dim; d++ {
				sum := 0.0
				for s := 0; s < seq; s++ {
					sum += x.At(b, s, d)
				}
				out.Set(sum/float64(seq), b, d)
			}
		}
		return []*tensor.Tensor{out}, nil
	})
}
