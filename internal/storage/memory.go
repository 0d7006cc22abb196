package storage

import (
	"context"
	"sort"
	"sync"

	"weft/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	checkpoints map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.checkpoints = make(map[string][]byte)
	return nil
}

// SaveCheckpoint keeps the encoded payload rather than the live record so
// callers cannot mutate stored state through shared maps.
func (s *MemoryStore) SaveCheckpoint(_ context.Context, checkpoint model.Checkpoint) error {
	payload, err := EncodeCheckpoint(checkpoint)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[checkpoint.ID] = payload
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, id string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	payload, ok := s.checkpoints[id]
	s.mu.RUnlock()
	if !ok {
		return model.Checkpoint{}, false, nil
	}

	checkpoint, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	return checkpoint, true, nil
}

func (s *MemoryStore) GetCheckpointByName(_ context.Context, name string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		found   model.Checkpoint
		ok      bool
		decoded bool
	)
	for _, payload := range s.checkpoints {
		checkpoint, err := DecodeCheckpoint(payload)
		if err != nil {
			return model.Checkpoint{}, false, err
		}
		if checkpoint.Name != name {
			continue
		}
		// Several checkpoints can share a name; the newest wins.
		if !decoded || checkpoint.CreatedAtUnix > found.CreatedAtUnix {
			found = checkpoint
			ok = true
			decoded = true
		}
	}
	return found, ok, nil
}

func (s *MemoryStore) ListCheckpoints(_ context.Context) ([]model.CheckpointSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]model.CheckpointSummary, 0, len(s.checkpoints))
	for _, payload := range s.checkpoints {
		checkpoint, err := DecodeCheckpoint(payload)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, model.CheckpointSummary{
			ID:            checkpoint.ID,
			Name:          checkpoint.Name,
			CreatedAtUnix: checkpoint.CreatedAtUnix,
			TensorCount:   len(checkpoint.Tensors),
			PayloadBytes:  int64(len(payload)),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAtUnix != summaries[j].CreatedAtUnix {
			return summaries[i].CreatedAtUnix > summaries[j].CreatedAtUnix
		}
		return summaries[i].ID < summaries[j].ID
	})
	return summaries, nil
}

func (s *MemoryStore) DeleteCheckpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, id)
	return nil
}
