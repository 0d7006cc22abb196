// Package weights applies flat dotted-key weight maps onto the parameters
// of a (sub)graph. Keys address parameters by the tree's dotted child paths
// plus the leaf parameter name, e.g. "Distribute.Linear_2.weight".
package weights

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"weft/internal/chain"
	"weft/internal/tensor"
)

var ErrMismatch = errors.New("weight mismatch")

// MismatchError reports a strict load that could not be satisfied: required
// parameters that were never applied, supplied keys matching no parameter,
// and shape conflicts. Already-applied tensors are not rolled back.
type MismatchError struct {
	Missing    []string
	Unexpected []string
	Conflicts  []string
}

func (e *MismatchError) Error() string {
	parts := make([]string, 0, 3)
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing %v", e.Missing))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, fmt.Sprintf("unexpected %v", e.Unexpected))
	}
	if len(e.Conflicts) > 0 {
		parts = append(parts, fmt.Sprintf("conflicts %v", e.Conflicts))
	}
	return "weight mismatch: " + strings.Join(parts, "; ")
}

func (e *MismatchError) Unwrap() error {
	return ErrMismatch
}

func (e *MismatchError) empty() bool {
	return len(e.Missing) == 0 && len(e.Unexpected) == 0 && len(e.Conflicts) == 0
}

type paramRef struct {
	owner chain.Parametric
	name  string
}

// ParameterPaths returns the dotted parameter paths under root, sorted.
func ParameterPaths(root chain.Module) []string {
	refs := collect(root)
	paths := make([]string, 0, len(refs))
	for path := range refs {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Parameters returns the live parameter tensors under root, keyed by dotted
// path. Mutating a returned tensor mutates the module.
func Parameters(root chain.Module) map[string]*tensor.Tensor {
	refs := collect(root)
	params := make(map[string]*tensor.Tensor, len(refs))
	for path, ref := range refs {
		params[path] = ref.owner.Parameters()[ref.name]
	}
	return params
}

func collect(root chain.Module) map[string]paramRef {
	refs := make(map[string]paramRef)
	_ = chain.Walk(root, func(path string, m chain.Module) error {
		p, ok := m.(chain.Parametric)
		if !ok {
			return nil
		}
		for name := range p.Parameters() {
			key := name
			if path != "" {
				key = path + "." + name
			}
			refs[key] = paramRef{owner: p, name: name}
		}
		return nil
	})
	return refs
}

// Load applies a flat weight map onto root's parameters by exact dotted-path
// match. Under strict any mismatch is fatal; otherwise mismatches are
// reported through logger (when non-nil) and loading continues. The map is
// consumed once and not retained.
func Load(root chain.Module, supplied map[string]*tensor.Tensor, strict bool, logger *slog.Logger) error {
	refs := collect(root)
	mismatch := &MismatchError{}

	keys := make([]string, 0, len(supplied))
	for key := range supplied {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	applied := make(map[string]bool, len(keys))
	for _, key := range keys {
		ref, ok := refs[key]
		if !ok {
			mismatch.Unexpected = append(mismatch.Unexpected, key)
			continue
		}
		if err := ref.owner.SetParameter(ref.name, supplied[key]); err != nil {
			mismatch.Conflicts = append(mismatch.Conflicts, fmt.Sprintf("%s: %v", key, err))
			continue
		}
		applied[key] = true
	}
	// A parameter whose supplied tensor conflicted was never applied, so it
	// counts as missing alongside its conflict entry.
	for _, path := range sortedRefPaths(refs) {
		if !applied[path] {
			mismatch.Missing = append(mismatch.Missing, path)
		}
	}

	if mismatch.empty() {
		return nil
	}
	if strict {
		return mismatch
	}
	if logger != nil {
		logger.Warn("weight load mismatches tolerated",
			"missing", len(mismatch.Missing),
			"unexpected", len(mismatch.Unexpected),
			"conflicts", mismatch.Conflicts,
		)
	}
	return nil
}

// LoadPrefixed filters the weight map to keys starting with prefix, strips
// the prefix, and loads the remainder onto root.
func LoadPrefixed(root chain.Module, prefix string, supplied map[string]*tensor.Tensor, strict bool, logger *slog.Logger) error {
	filtered := make(map[string]*tensor.Tensor)
	for key, value := range supplied {
		if strings.HasPrefix(key, prefix) {
			filtered[strings.TrimPrefix(key, prefix)] = value
		}
	}
	if err := Load(root, filtered, strict, logger); err != nil {
		return fmt.Errorf("prefix %q: %w", prefix, err)
	}
	return nil
}

func sortedRefPaths(refs map[string]paramRef) []string {
	paths := make([]string, 0, len(refs))
	for path := range refs {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
