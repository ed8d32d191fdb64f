// Package outputs resolves a module's downstream input variables from
// its upstream dependencies' terraform outputs, per spec.md §4.7.
// Resolution is read-only and storage-backed; it does not mutate the
// dependency graph or any run.
package outputs

import (
	"context"
	"fmt"

	"github.com/qendev/iacreg/internal/model"
	"github.com/qendev/iacreg/internal/storage"
)

// UpstreamNotReadyError reports a dependency with no successful apply to
// read outputs from.
type UpstreamNotReadyError struct {
	UpstreamName string
}

func (e *UpstreamNotReadyError) Error() string {
	return fmt.Sprintf("upstream %q is not ready: no successful apply run", e.UpstreamName)
}

// UpstreamOutputMissingError reports a declared output mapping key that
// is absent from the upstream's recorded tf_outputs.
type UpstreamOutputMissingError struct {
	Key       string
	Available []string
}

func (e *UpstreamOutputMissingError) Error() string {
	return fmt.Sprintf("upstream output %q not found, available: %v", e.Key, e.Available)
}

// Resolver fetches upstream outputs and remaps them into a downstream
// module's variables.
type Resolver struct {
	runs storage.RunStore
}

// NewResolver returns a Resolver backed by the run store.
func NewResolver(runs storage.RunStore) *Resolver {
	return &Resolver{runs: runs}
}

// ResolveDependency resolves one dependency edge's contribution to the
// downstream module's variables. A dependency with no mapping list
// contributes nothing and is not an error.
func (r *Resolver) ResolveDependency(ctx context.Context, dep *model.ModuleDependency, upstreamName string) (map[string]any, error) {
	if len(dep.OutputMapping) == 0 {
		return nil, nil
	}

	upstream, err := r.runs.GetLatestSuccessfulApply(ctx, dep.DependsOnID)
	if err != nil {
		return nil, fmt.Errorf("fetch latest successful apply for %s: %w", dep.DependsOnID, err)
	}
	if upstream == nil || upstream.TFOutputs == nil {
		return nil, &UpstreamNotReadyError{UpstreamName: upstreamName}
	}

	resolved := make(map[string]any, len(dep.OutputMapping))
	for _, mapping := range dep.OutputMapping {
		val, ok := upstream.TFOutputs[mapping.UpstreamOutput]
		if !ok {
			return nil, &UpstreamOutputMissingError{Key: mapping.UpstreamOutput, Available: sortedKeys(upstream.TFOutputs)}
		}
		resolved[mapping.DownstreamVariable] = val
	}
	return resolved, nil
}

// ResolveAll resolves every dependency for a module and merges the
// results into one variables map. deps must all target modules whose
// name is available in upstreamNames (for error messages); missing
// entries fall back to the upstream module id.
func (r *Resolver) ResolveAll(ctx context.Context, deps []*model.ModuleDependency, upstreamNames map[string]string) (map[string]any, error) {
	merged := make(map[string]any)
	for _, dep := range deps {
		name := upstreamNames[dep.DependsOnID]
		if name == "" {
			name = dep.DependsOnID
		}
		partial, err := r.ResolveDependency(ctx, dep, name)
		if err != nil {
			return nil, err
		}
		for k, v := range partial {
			merged[k] = v
		}
	}
	return merged, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort: these maps are small (terraform output sets).
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
