package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "denoise.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDenoiseRequestFromConfig(t *testing.T) {
	path := writeConfig(t, `{
		"steps": 5,
		"dim": 16,
		"seq": 3,
		"seed": 7,
		"scale": 0.5,
		"checkpoint": "adapter-v1",
		"fine_grained": true,
		"strict": true
	}`)

	req, err := loadDenoiseRequestFromConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if req.Steps != 5 || req.Dim != 16 || req.SeqLen != 3 {
		t.Fatalf("unexpected dimensions: %+v", req)
	}
	if req.Seed != 7 || req.Scale != 0.5 {
		t.Fatalf("unexpected seed/scale: %+v", req)
	}
	if req.CheckpointName != "adapter-v1" || !req.FineGrained || !req.Strict {
		t.Fatalf("unexpected adapter settings: %+v", req)
	}
}

func TestLoadDenoiseRequestFromConfigIgnoresUnknownKeys(t *testing.T) {
	path := writeConfig(t, `{"steps": 3, "unrelated": {"nested": true}}`)

	req, err := loadDenoiseRequestFromConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if req.Steps != 3 {
		t.Fatalf("expected steps=3, got=%d", req.Steps)
	}
}

func TestDenoiseRequestMergedFlagWins(t *testing.T) {
	flags := denoiseRequest{Steps: 10, Dim: 8, SeqLen: 4, Seed: 1, Scale: 1}
	cfg := denoiseRequest{Steps: 5, Dim: 16, Scale: 0.25, CheckpointName: "adapter-v1"}

	merged := flags.merged(cfg, map[string]bool{"steps": true})
	if merged.Steps != 10 {
		t.Fatalf("explicit flag must win, got steps=%d", merged.Steps)
	}
	if merged.Dim != 16 || merged.Scale != 0.25 {
		t.Fatalf("config must fill unset flags, got=%+v", merged)
	}
	if merged.CheckpointName != "adapter-v1" {
		t.Fatalf("expected config checkpoint, got=%q", merged.CheckpointName)
	}
}

func TestDenoiseRequestMergedKeepsDefaults(t *testing.T) {
	flags := denoiseRequest{Steps: 10, Dim: 8, SeqLen: 4, Seed: 1, Scale: 1}

	merged := flags.merged(denoiseRequest{}, map[string]bool{})
	if merged != flags {
		t.Fatalf("empty config must not change the request: %+v", merged)
	}
}
