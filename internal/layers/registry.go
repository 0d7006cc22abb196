// Package layers provides the thin numeric leaf modules the graph composes:
// linear projections, normalization, activations, and softmax attention.
// The composite core never inspects these beyond locating and replacing them
// in the tree; they satisfy the uniform array-in array-out contract.
package layers

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	ErrActivationExists   = errors.New("activation already registered")
	ErrActivationNotFound = errors.New("activation not found")
)

type ActivationFunc func(x float64) float64

var activationRegistry = struct {
	mu sync.RWMutex
	m  map[string]ActivationFunc
}{
	m: make(map[string]ActivationFunc),
}

func init() {
	initializeBuiltInActivations()
}

func initializeBuiltInActivations() {
	MustRegisterActivation("identity", func(x float64) float64 { return x })
	MustRegisterActivation("relu", func(x float64) float64 {
		if x < 0 {
			return 0
		}
		return x
	})
	MustRegisterActivation("gelu", func(x float64) float64 {
		return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
	})
	MustRegisterActivation("silu", func(x float64) float64 {
		return x / (1 + math.Exp(-x))
	})
	MustRegisterActivation("tanh", math.Tanh)
}

func RegisterActivation(name string, fn ActivationFunc) error {
	if name == "" {
		return errors.New("activation name is required")
	}
	if fn == nil {
		return errors.New("activation function is required")
	}
	activationRegistry.mu.Lock()
	defer activationRegistry.mu.Unlock()

	if _, exists := activationRegistry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrActivationExists, name)
	}
	activationRegistry.m[name] = fn
	return nil
}

func MustRegisterActivation(name string, fn ActivationFunc) {
	if err := RegisterActivation(name, fn); err != nil {
		panic(err)
	}
}

func GetActivation(name string) (ActivationFunc, error) {
	activationRegistry.mu.RLock()
	defer activationRegistry.mu.RUnlock()

	fn, ok := activationRegistry.m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActivationNotFound, name)
	}
	return fn, nil
}
