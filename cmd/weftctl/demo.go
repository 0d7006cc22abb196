package main

import (
	"math/rand"

	"weft/internal/chain"
	"weft/internal/imageprompt"
	"weft/internal/layers"
	"weft/internal/tensor"
)

// Demo model context channel carrying the text conditioning tokens.
const (
	demoContext = "denoiser"
	demoKeyText = "text_embedding"
)

// demoPatchDim is the flattened patch size of the toy encoder.
const demoPatchDim = 12

// buildDemoDenoiser assembles a toy noise predictor: a projection in, two
// residual cross-attention blocks reading the text conditioning from the
// context store, and a projection out. It takes (sample, timestep) and
// predicts the noise; the timestep is dropped since the toy model is not
// time-conditioned.
func buildDemoDenoiser(dim int, seed int64) *chain.Chain {
	crossAttentionBlock := func() *chain.Chain {
		return chain.New(
			chain.NewParallel(
				chain.NewIdentity(),
				chain.NewUseContext(demoContext, demoKeyText),
				chain.NewUseContext(demoContext, demoKeyText),
			),
			layers.NewAttention(layers.AttentionConfig{EmbeddingDim: dim, NumHeads: 2}),
		)
	}

	model := chain.New(
		chain.NewGetArg(0),
		layers.NewLinear(dim, dim, true),
		chain.NewResidual(crossAttentionBlock()),
		chain.NewResidual(crossAttentionBlock()),
		layers.NewLinear(dim, dim, true),
	)
	layers.RandomizeParameters(model, rand.New(rand.NewSource(seed)), 0.5)
	return model
}

// buildDemoEncoder returns the toy patch encoder sized to feed the adapter
// of a denoiser with the given embedding dim.
func buildDemoEncoder(dim int, seed int64) *imageprompt.PatchEncoder {
	encoder := imageprompt.NewPatchEncoder(demoPatchDim, 2*dim, dim)
	rng := rand.New(rand.NewSource(seed + 1))
	for _, m := range encoder.Modules() {
		layers.RandomizeParameters(m, rng, 0.5)
	}
	return encoder
}

// setDemoTextConditioning writes zero text tokens into the model's context
// so the demo runs without a text encoder.
func setDemoTextConditioning(model *chain.Chain, batch, seq, dim int) {
	model.Context().Set(demoContext, demoKeyText, tensor.Zeros(batch, seq, dim))
}
