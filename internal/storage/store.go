package storage

import (
	"context"

	"weft/internal/model"
)

// Store defines persistence operations for parameter checkpoints.
type Store interface {
	Init(ctx context.Context) error
	SaveCheckpoint(ctx context.Context, checkpoint model.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (model.Checkpoint, bool, error)
	GetCheckpointByName(ctx context.Context, name string) (model.Checkpoint, bool, error)
	ListCheckpoints(ctx context.Context) ([]model.CheckpointSummary, error)
	DeleteCheckpoint(ctx context.Context, id string) error
}
