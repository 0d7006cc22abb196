package main

import (
	"encoding/json"
	"os"
)

// denoiseRequest collects the denoise command's knobs. Flags that were set
// explicitly win over config file values.
type denoiseRequest struct {
	Steps          int
	Dim            int
	SeqLen         int
	Seed           int64
	Scale          float64
	CheckpointName string
	FineGrained    bool
	Strict         bool
}

func loadDenoiseRequestFromConfig(path string) (denoiseRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return denoiseRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return denoiseRequest{}, err
	}

	var req denoiseRequest
	if v, ok := asInt(raw["steps"]); ok {
		req.Steps = v
	}
	if v, ok := asInt(raw["dim"]); ok {
		req.Dim = v
	}
	if v, ok := asInt(raw["seq"]); ok {
		req.SeqLen = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		req.Seed = v
	}
	if v, ok := asFloat64(raw["scale"]); ok {
		req.Scale = v
	}
	if v, ok := asString(raw["checkpoint"]); ok {
		req.CheckpointName = v
	}
	if v, ok := asBool(raw["fine_grained"]); ok {
		req.FineGrained = v
	}
	if v, ok := asBool(raw["strict"]); ok {
		req.Strict = v
	}
	return req, nil
}

// merged overlays config values onto the flag-derived request. A field
// keeps its flag value when the flag was passed explicitly or the config
// left the field unset.
func (r denoiseRequest) merged(cfg denoiseRequest, set map[string]bool) denoiseRequest {
	if !set["steps"] && cfg.Steps != 0 {
		r.Steps = cfg.Steps
	}
	if !set["dim"] && cfg.Dim != 0 {
		r.Dim = cfg.Dim
	}
	if !set["seq"] && cfg.SeqLen != 0 {
		r.SeqLen = cfg.SeqLen
	}
	if !set["seed"] && cfg.Seed != 0 {
		r.Seed = cfg.Seed
	}
	if !set["scale"] && cfg.Scale != 0 {
		r.Scale = cfg.Scale
	}
	if !set["checkpoint"] && cfg.CheckpointName != "" {
		r.CheckpointName = cfg.CheckpointName
	}
	if !set["fine-grained"] && cfg.FineGrained {
		r.FineGrained = cfg.FineGrained
	}
	if !set["strict"] && cfg.Strict {
		r.Strict = cfg.Strict
	}
	return r
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}
