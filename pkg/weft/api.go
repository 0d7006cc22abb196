// Package weft is the public client surface. It ties the checkpoint store,
// the adapter builder, and the sampling scheduler together behind one small
// API so callers do not import the internal packages directly.
package weft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"weft/internal/chain"
	"weft/internal/imageprompt"
	"weft/internal/model"
	"weft/internal/scheduler"
	"weft/internal/storage"
	"weft/internal/tensor"
	"weft/internal/weights"
)

const defaultDBPath = "weft.db"

var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrNoParameters       = errors.New("module has no parameters to checkpoint")
)

type Options struct {
	StoreKind string
	DBPath    string
	Logger    *slog.Logger
}

type Client struct {
	store  storage.Store
	logger *slog.Logger
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:  store,
		logger: opts.Logger,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

// SaveCheckpoint snapshots every parameter under root into a named
// checkpoint and returns its summary. The record gets a fresh uuid.
func (c *Client) SaveCheckpoint(ctx context.Context, name string, root chain.Module) (model.CheckpointSummary, error) {
	params := weights.Parameters(root)
	if len(params) == 0 {
		return model.CheckpointSummary{}, fmt.Errorf("%w: %s", ErrNoParameters, root.Name())
	}

	checkpoint := model.NewCheckpoint(uuid.NewString(), name, time.Now().Unix(), params)
	checkpoint.SchemaVersion = storage.CurrentSchemaVersion
	checkpoint.CodecVersion = storage.CurrentCodecVersion

	if err := c.store.SaveCheckpoint(ctx, checkpoint); err != nil {
		return model.CheckpointSummary{}, err
	}
	return model.CheckpointSummary{
		ID:            checkpoint.ID,
		Name:          checkpoint.Name,
		CreatedAtUnix: checkpoint.CreatedAtUnix,
		TensorCount:   len(checkpoint.Tensors),
	}, nil
}

// LoadCheckpoint applies the newest checkpoint with the given name onto
// root's parameters. Strict makes any path or shape mismatch fatal.
func (c *Client) LoadCheckpoint(ctx context.Context, name string, root chain.Module, strict bool) error {
	params, err := c.CheckpointWeights(ctx, name)
	if err != nil {
		return err
	}
	return weights.Load(root, params, strict, c.logger)
}

// CheckpointWeights fetches a named checkpoint and rebuilds its flat
// dotted-key weight map.
func (c *Client) CheckpointWeights(ctx context.Context, name string) (map[string]*tensor.Tensor, error) {
	checkpoint, ok, err := c.store.GetCheckpointByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, name)
	}
	return checkpoint.Params()
}

// ImportCheckpoint persists an already-built checkpoint record, assigning
// an id and timestamp when absent.
func (c *Client) ImportCheckpoint(ctx context.Context, checkpoint model.Checkpoint) (model.Checkpoint, error) {
	if checkpoint.ID == "" {
		checkpoint.ID = uuid.NewString()
	}
	if checkpoint.CreatedAtUnix == 0 {
		checkpoint.CreatedAtUnix = time.Now().Unix()
	}
	checkpoint.SchemaVersion = storage.CurrentSchemaVersion
	checkpoint.CodecVersion = storage.CurrentCodecVersion

	if err := c.store.SaveCheckpoint(ctx, checkpoint); err != nil {
		return model.Checkpoint{}, err
	}
	return checkpoint, nil
}

func (c *Client) Checkpoints(ctx context.Context) ([]model.CheckpointSummary, error) {
	return c.store.ListCheckpoints(ctx)
}

func (c *Client) Checkpoint(ctx context.Context, name string) (model.Checkpoint, error) {
	checkpoint, ok, err := c.store.GetCheckpointByName(ctx, name)
	if err != nil {
		return model.Checkpoint{}, err
	}
	if !ok {
		return model.Checkpoint{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, name)
	}
	return checkpoint, nil
}

func (c *Client) DeleteCheckpoint(ctx context.Context, id string) error {
	return c.store.DeleteCheckpoint(ctx, id)
}

// BuildRequest selects the adapter variant and its conditioning weights.
type BuildRequest struct {
	CheckpointName string

	// Scale multiplies the conditioning branch. Nil takes the default of
	// 1; an explicit zero mutes the branch.
	Scale                  *float64
	FineGrained            bool
	UsePooledTextEmbedding bool
	TextEmbeddingDim       int
	NumTokens              int
	Strict                 bool
}

func (r BuildRequest) withDefaults() BuildRequest {
	if r.TextEmbeddingDim == 0 {
		r.TextEmbeddingDim = 768
	}
	if r.NumTokens == 0 {
		if r.FineGrained {
			r.NumTokens = 16
		} else {
			r.NumTokens = 4
		}
	}
	return r
}

// BuildIPAdapter assembles the image-prompt adapter for target: a plain
// linear projection for coarse conditioning, a perceiver resampler for
// fine-grained conditioning. When a checkpoint name is given its weight map
// is applied during construction.
func (c *Client) BuildIPAdapter(ctx context.Context, target chain.Module, encoder imageprompt.ImageEncoder, req BuildRequest) (*imageprompt.IPAdapter, error) {
	req = req.withDefaults()

	var supplied map[string]*tensor.Tensor
	if req.CheckpointName != "" {
		var err error
		supplied, err = c.CheckpointWeights(ctx, req.CheckpointName)
		if err != nil {
			return nil, err
		}
	}

	var imageProj chain.Module
	if req.FineGrained {
		imageProj = imageprompt.NewPerceiverResampler(imageprompt.ResamplerConfig{
			InputDim:  encoder.EmbeddingDim(),
			OutputDim: req.TextEmbeddingDim,
			NumTokens: req.NumTokens,
		})
	} else {
		imageProj = imageprompt.NewImageProjection(encoder.OutputDim(), req.TextEmbeddingDim, req.NumTokens, true)
	}

	return imageprompt.NewIPAdapter(target, encoder, imageProj, imageprompt.Options{
		Scale:                  req.Scale,
		FineGrained:            req.FineGrained,
		UsePooledTextEmbedding: req.UsePooledTextEmbedding,
		Weights:                supplied,
		Strict:                 req.Strict,
		Logger:                 c.logger,
	})
}

// NewDDIM builds a configured sampler.
func NewDDIM(cfg scheduler.Config) (*scheduler.DDIM, error) {
	return scheduler.NewDDIM(cfg)
}

// Denoise runs the full reverse loop: the model predicts the noise at each
// timestep and the scheduler walks the sample one step toward clean. The
// model receives the current sample and the timestep as a scalar tensor.
// progress, when non-nil, is called after each step.
func Denoise(ctx context.Context, noiseModel chain.Module, x *tensor.Tensor, sched *scheduler.DDIM, progress func(step, total int)) (*tensor.Tensor, error) {
	timesteps := sched.Timesteps()
	for i, t := range timesteps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		noise, err := chain.RunSingle(noiseModel, x, tensor.Full(float64(t), 1))
		if err != nil {
			return nil, fmt.Errorf("denoise step %d: %w", i, err)
		}
		x, err = sched.Step(x, noise, i)
		if err != nil {
			return nil, fmt.Errorf("denoise step %d: %w", i, err)
		}
		if progress != nil {
			progress(i+1, len(timesteps))
		}
	}
	return x, nil
}
