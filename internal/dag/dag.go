// Package dag implements the DAG executor (spec.md §4.8): topological
// ordering of an environment's modules, frontier scheduling, upstream
// output resolution, and failure-propagating skip. Ordering logic is
// pure and storage-free so it is directly unit-testable; the Executor
// type layers storage and run-queue orchestration on top.
package dag

import (
	"fmt"
	"sort"

	"github.com/qendev/iacreg/internal/model"
)

// DependencyCycleError reports a module dependency graph that is not
// acyclic.
type DependencyCycleError struct {
	EnvironmentID string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected in environment %s", e.EnvironmentID)
}

// TopoSort orders modules by Kahn's algorithm on in-degree. Ties within
// a frontier are broken by ascending module id for reproducibility
// across runs, not left to map iteration order.
func TopoSort(environmentID string, modules []*model.Module, deps []*model.ModuleDependency) ([]string, error) {
	inDegree := make(map[string]int, len(modules))
	downstream := make(map[string][]string) // upstream id -> dependent ids
	ids := make(map[string]bool, len(modules))

	for _, m := range modules {
		inDegree[m.ID] = 0
		ids[m.ID] = true
	}
	for _, d := range deps {
		if !ids[d.ModuleID] || !ids[d.DependsOnID] {
			continue // edge outside this module set
		}
		inDegree[d.ModuleID]++
		downstream[d.DependsOnID] = append(downstream[d.DependsOnID], d.ModuleID)
	}

	var frontier []string
	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	var order []string
	for len(frontier) > 0 {
		sort.Strings(frontier)
		next := frontier[0]
		frontier = frontier[1:]
		order = append(order, next)

		for _, depID := range downstream[next] {
			inDegree[depID]--
			if inDegree[depID] == 0 {
				frontier = append(frontier, depID)
			}
		}
	}

	if len(order) != len(modules) {
		return nil, &DependencyCycleError{EnvironmentID: environmentID}
	}
	return order, nil
}

// Roots returns the modules with in-degree zero: the initial frontier
// for plan-all/apply-all/destroy-all.
func Roots(modules []*model.Module, deps []*model.ModuleDependency) []string {
	ids := make(map[string]bool, len(modules))
	for _, m := range modules {
		ids[m.ID] = true
	}
	hasUpstream := make(map[string]bool, len(modules))
	for _, d := range deps {
		if ids[d.ModuleID] && ids[d.DependsOnID] {
			hasUpstream[d.ModuleID] = true
		}
	}
	var roots []string
	for _, m := range modules {
		if !hasUpstream[m.ID] {
			roots = append(roots, m.ID)
		}
	}
	sort.Strings(roots)
	return roots
}

// DownstreamOf returns the direct dependents of moduleID.
func DownstreamOf(moduleID string, deps []*model.ModuleDependency) []string {
	var out []string
	for _, d := range deps {
		if d.DependsOnID == moduleID {
			out = append(out, d.ModuleID)
		}
	}
	sort.Strings(out)
	return out
}

// UpstreamsOf returns the dependency edges whose ModuleID is moduleID
// (i.e. moduleID's own upstream dependencies).
func UpstreamsOf(moduleID string, deps []*model.ModuleDependency) []*model.ModuleDependency {
	var out []*model.ModuleDependency
	for _, d := range deps {
		if d.ModuleID == moduleID {
			out = append(out, d)
		}
	}
	return out
}

// TransitiveDownstream returns every module transitively reachable from
// moduleID via dependency edges, via BFS, used to propagate a skip.
func TransitiveDownstream(moduleID string, deps []*model.ModuleDependency) []string {
	visited := map[string]bool{moduleID: true}
	queue := []string{moduleID}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range DownstreamOf(cur, deps) {
			if visited[next] {
				continue
			}
			visited[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	return out
}
