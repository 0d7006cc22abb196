// Package scheduler implements the DDIM denoising update rule: an
// immutable, precomputed noise schedule plus a pure per-step transition
// from a noisy sample to the sample at the previous (less noisy) step.
package scheduler

import (
	"errors"
	"fmt"
	"math"

	"weft/internal/tensor"
)

var (
	ErrInvalidConfig   = errors.New("invalid scheduler config")
	ErrStepOutOfRange  = errors.New("step index out of range")
	ErrUnknownSchedule = errors.New("unknown noise schedule")
)

// NoiseSchedule selects how diffusion rates interpolate between the initial
// and final rate across training timesteps.
type NoiseSchedule string

const (
	ScheduleLinear    NoiseSchedule = "linear"
	ScheduleQuadratic NoiseSchedule = "quadratic"
)

type Config struct {
	NumInferenceSteps    int
	NumTrainTimesteps    int
	InitialDiffusionRate float64
	FinalDiffusionRate   float64
	Schedule             NoiseSchedule
}

func (c Config) withDefaults() Config {
	if c.NumTrainTimesteps == 0 {
		c.NumTrainTimesteps = 1000
	}
	if c.InitialDiffusionRate == 0 {
		c.InitialDiffusionRate = 8.5e-4
	}
	if c.FinalDiffusionRate == 0 {
		c.FinalDiffusionRate = 1.2e-2
	}
	if c.Schedule == "" {
		c.Schedule = ScheduleQuadratic
	}
	return c
}

// DDIM holds the per-training-timestep cumulative scale factors and the
// generated strictly decreasing inference timestep sequence. Immutable
// after construction; Step is a pure function of its arguments.
type DDIM struct {
	cfg                    Config
	cumulativeScaleFactors []float64
	timesteps              []int
}

func NewDDIM(cfg Config) (*DDIM, error) {
	cfg = cfg.withDefaults()
	if cfg.NumInferenceSteps <= 0 {
		return nil, fmt.Errorf("%w: inference steps must be > 0", ErrInvalidConfig)
	}
	if cfg.NumInferenceSteps > cfg.NumTrainTimesteps {
		return nil, fmt.Errorf("%w: %d inference steps exceed %d training timesteps",
			ErrInvalidConfig, cfg.NumInferenceSteps, cfg.NumTrainTimesteps)
	}

	rates, err := diffusionRates(cfg)
	if err != nil {
		return nil, err
	}
	factors := make([]float64, cfg.NumTrainTimesteps)
	product := 1.0
	for t, rate := range rates {
		product *= 1 - rate
		factors[t] = math.Sqrt(product)
	}

	return &DDIM{
		cfg:                    cfg,
		cumulativeScaleFactors: factors,
		timesteps:              generateTimesteps(cfg),
	}, nil
}

func diffusionRates(cfg Config) ([]float64, error) {
	rates := make([]float64, cfg.NumTrainTimesteps)
	switch cfg.Schedule {
	case ScheduleLinear:
		for t := range rates {
			rates[t] = interpolate(cfg.InitialDiffusionRate, cfg.FinalDiffusionRate, t, cfg.NumTrainTimesteps)
		}
	case ScheduleQuadratic:
		for t := range rates {
			root := interpolate(math.Sqrt(cfg.InitialDiffusionRate), math.Sqrt(cfg.FinalDiffusionRate), t, cfg.NumTrainTimesteps)
			rates[t] = root * root
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSchedule, cfg.Schedule)
	}
	return rates, nil
}

func interpolate(start, end float64, step, count int) float64 {
	if count == 1 {
		return start
	}
	return start + (end-start)*float64(step)/float64(count-1)
}

// generateTimesteps subsamples the training timesteps with "leading"
// spacing and an offset of 1, then reverses so index 0 is the most noisy
// step: 50 inference steps over 1000 training steps give 981, 961, ..., 1.
func generateTimesteps(cfg Config) []int {
	stepRatio := cfg.NumTrainTimesteps / cfg.NumInferenceSteps
	out := make([]int, cfg.NumInferenceSteps)
	for i := 0; i < cfg.NumInferenceSteps; i++ {
		out[cfg.NumInferenceSteps-1-i] = i*stepRatio + 1
	}
	return out
}

func (d *DDIM) NumInferenceSteps() int {
	return d.cfg.NumInferenceSteps
}

// Timesteps returns the inference timestep sequence, most noisy first.
func (d *DDIM) Timesteps() []int {
	return append([]int(nil), d.timesteps...)
}

// CumulativeScaleFactor returns the precomputed factor for a training
// timestep.
func (d *DDIM) CumulativeScaleFactor(trainTimestep int) (float64, error) {
	if trainTimestep < 0 || trainTimestep >= len(d.cumulativeScaleFactors) {
		return 0, fmt.Errorf("%w: training timestep %d", ErrStepOutOfRange, trainTimestep)
	}
	return d.cumulativeScaleFactors[trainTimestep], nil
}

// Step recovers the denoised estimate from x and the predicted noise at
// stepIndex, then re-noises it to the previous timestep. At the last index
// the previous timestep is the sentinel 0 and the previous scale factor is
// the one at training timestep 0, never an out-of-range lookup. Callers are
// responsible for calling with monotonically increasing step indices.
func (d *DDIM) Step(x, noise *tensor.Tensor, stepIndex int) (*tensor.Tensor, error) {
	if stepIndex < 0 || stepIndex >= len(d.timesteps) {
		return nil, fmt.Errorf("%w: %d of %d", ErrStepOutOfRange, stepIndex, len(d.timesteps))
	}
	if !x.SameShape(noise) {
		return nil, &tensor.ShapeError{Op: "ddim_step", Left: x.Shape(), Right: noise.Shape()}
	}

	timestep := d.timesteps[stepIndex]
	previousTimestep := 0
	if stepIndex < len(d.timesteps)-1 {
		previousTimestep = d.timesteps[stepIndex+1]
	}

	current := d.cumulativeScaleFactors[timestep]
	previous := d.cumulativeScaleFactors[0]
	if previousTimestep > 0 {
		previous = d.cumulativeScaleFactors[previousTimestep]
	}

	currentNoise := math.Sqrt(1 - current*current)
	previousNoise := math.Sqrt(1 - previous*previous)

	out := x.Clone()
	xd := out.Data()
	nd := noise.Data()
	for i := range xd {
		predicted := (xd[i] - currentNoise*nd[i]) / current
		xd[i] = previous*predicted + previousNoise*nd[i]
	}
	return out, nil
}
