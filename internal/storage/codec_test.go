package storage

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"weft/internal/model"
)

func TestDecodeCheckpointFixture(t *testing.T) {
	checkpoint := decodeCheckpointFixture(t, "minimal_checkpoint_v1.json")
	if checkpoint.ID != "checkpoint-minimal-1" {
		t.Fatalf("unexpected checkpoint id: %s", checkpoint.ID)
	}
	if checkpoint.Name != "tiny-projection" {
		t.Fatalf("unexpected checkpoint name: %s", checkpoint.Name)
	}
	if len(checkpoint.Tensors) != 2 {
		t.Fatalf("unexpected tensor count: %d", len(checkpoint.Tensors))
	}
	weight, ok := checkpoint.Tensors["projection.weight"]
	if !ok {
		t.Fatal("expected projection.weight tensor")
	}
	if !reflect.DeepEqual(weight.Shape, []int{2, 3}) {
		t.Fatalf("unexpected weight shape: %v", weight.Shape)
	}
}

func TestCheckpointCodecRoundTrip(t *testing.T) {
	input := model.Checkpoint{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		ID:              "c1",
		Name:            "round-trip",
		CreatedAtUnix:   42,
		Tensors: map[string]model.TensorRecord{
			"linear.weight": {Shape: []int{1, 2}, Data: []float64{1, 2}},
			"linear.bias":   {Shape: []int{1}, Data: []float64{0.5}},
		},
	}

	encoded, err := EncodeCheckpoint(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeCheckpoint(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !reflect.DeepEqual(decoded, input) {
		t.Fatalf("roundtrip mismatch\nactual=%+v\nexpected=%+v", decoded, input)
	}
}

func TestCheckpointCodecRoundTripFixtureEquality(t *testing.T) {
	expected := decodeCheckpointFixture(t, "minimal_checkpoint_v1.json")

	encoded, err := EncodeCheckpoint(expected)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	actual, err := DecodeCheckpoint(encoded)
	if err != nil {
		t.Fatalf("decode roundtrip: %v", err)
	}

	if !reflect.DeepEqual(actual, expected) {
		t.Fatalf("roundtrip mismatch\nactual=%+v\nexpected=%+v", actual, expected)
	}
}

func TestDecodeCheckpointVersionMismatch(t *testing.T) {
	checkpoint := decodeCheckpointFixture(t, "minimal_checkpoint_v1.json")
	checkpoint.CodecVersion++

	encoded, err := EncodeCheckpoint(checkpoint)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	_, err = DecodeCheckpoint(encoded)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got: %v", err)
	}
}

func fixturePath(name string) string {
	return filepath.Join("..", "..", "testdata", "fixtures", name)
}

func decodeCheckpointFixture(t *testing.T, name string) model.Checkpoint {
	t.Helper()

	path := fixturePath(name)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	checkpoint, err := DecodeCheckpoint(data)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}

	return checkpoint
}
