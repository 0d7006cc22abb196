package model

import (
	"sort"

	"weft/internal/tensor"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// TensorRecord is the persisted form of one named parameter.
type TensorRecord struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// Checkpoint is a flat snapshot of the parameters of one module tree,
// keyed by dotted path.
type Checkpoint struct {
	VersionedRecord
	ID            string                  `json:"id"`
	Name          string                  `json:"name"`
	CreatedAtUnix int64                   `json:"created_at_unix"`
	Tensors       map[string]TensorRecord `json:"tensors"`
}

// CheckpointSummary is the listing view of a checkpoint, payload omitted.
type CheckpointSummary struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	CreatedAtUnix int64  `json:"created_at_unix"`
	TensorCount   int    `json:"tensor_count"`
	PayloadBytes  int64  `json:"payload_bytes"`
}

// NewCheckpoint snapshots a parameter map into a persistable record. The
// tensor data is copied so later mutation of the live module does not leak
// into the record.
func NewCheckpoint(id, name string, createdAtUnix int64, params map[string]*tensor.Tensor) Checkpoint {
	records := make(map[string]TensorRecord, len(params))
	for path, t := range params {
		records[path] = TensorRecord{
			Shape: append([]int(nil), t.Shape()...),
			Data:  append([]float64(nil), t.Data()...),
		}
	}
	return Checkpoint{
		ID:            id,
		Name:          name,
		CreatedAtUnix: createdAtUnix,
		Tensors:       records,
	}
}

// Params rebuilds live tensors from the record.
func (c Checkpoint) Params() (map[string]*tensor.Tensor, error) {
	params := make(map[string]*tensor.Tensor, len(c.Tensors))
	for path, record := range c.Tensors {
		t, err := tensor.New(record.Shape, append([]float64(nil), record.Data...))
		if err != nil {
			return nil, err
		}
		params[path] = t
	}
	return params, nil
}

// TensorPaths returns the sorted parameter paths of the checkpoint.
func (c Checkpoint) TensorPaths() []string {
	paths := make([]string, 0, len(c.Tensors))
	for path := range c.Tensors {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
