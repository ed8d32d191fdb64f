package dag

import (
	"errors"
	"reflect"
	"testing"

	"github.com/qendev/iacreg/internal/model"
)

func mods(ids ...string) []*model.Module {
	out := make([]*model.Module, len(ids))
	for i, id := range ids {
		out[i] = &model.Module{ID: id}
	}
	return out
}

func dep(moduleID, dependsOnID string) *model.ModuleDependency {
	return &model.ModuleDependency{ModuleID: moduleID, DependsOnID: dependsOnID}
}

func TestTopoSortLinearChain(t *testing.T) {
	modules := mods("a", "b", "c")
	deps := []*model.ModuleDependency{dep("b", "a"), dep("c", "b")}

	order, err := TopoSort("env-1", modules, deps)
	if err != nil {
		t.Fatalf("toposort: %v", err)
	}
	if !reflect.DeepEqual(order, []string{"a", "b", "c"}) {
		t.Fatalf("expected a,b,c in order, got %v", order)
	}
}

func TestTopoSortBreaksTiesByID(t *testing.T) {
	modules := mods("z", "y", "x")
	order, err := TopoSort("env-1", modules, nil)
	if err != nil {
		t.Fatalf("toposort: %v", err)
	}
	if !reflect.DeepEqual(order, []string{"x", "y", "z"}) {
		t.Fatalf("expected independent roots ordered by id, got %v", order)
	}
}

func TestTopoSortDetectsCycle(t *testing.T) {
	modules := mods("a", "b")
	deps := []*model.ModuleDependency{dep("a", "b"), dep("b", "a")}

	_, err := TopoSort("env-1", modules, deps)
	var cycleErr *DependencyCycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected DependencyCycleError, got %v", err)
	}
}

func TestTopoSortIgnoresEdgesOutsideModuleSet(t *testing.T) {
	modules := mods("a", "b")
	deps := []*model.ModuleDependency{dep("a", "ghost")}

	order, err := TopoSort("env-1", modules, deps)
	if err != nil {
		t.Fatalf("toposort: %v", err)
	}
	if len(order) != 2 {
		t.Fatalf("expected both modules ordered despite the dangling edge, got %v", order)
	}
}

func TestRootsReturnsModulesWithoutUpstream(t *testing.T) {
	modules := mods("a", "b", "c")
	deps := []*model.ModuleDependency{dep("b", "a"), dep("c", "a")}

	roots := Roots(modules, deps)
	if !reflect.DeepEqual(roots, []string{"a"}) {
		t.Fatalf("expected only a to be a root, got %v", roots)
	}
}

func TestDownstreamOfAndTransitiveDownstream(t *testing.T) {
	deps := []*model.ModuleDependency{dep("b", "a"), dep("c", "b"), dep("d", "b")}

	direct := DownstreamOf("a", deps)
	if !reflect.DeepEqual(direct, []string{"b"}) {
		t.Fatalf("expected b as the only direct dependent of a, got %v", direct)
	}

	transitive := TransitiveDownstream("a", deps)
	if !reflect.DeepEqual(transitive, []string{"b", "c", "d"}) {
		t.Fatalf("expected b,c,d transitively downstream of a, got %v", transitive)
	}
}

func TestUpstreamsOfReturnsOwnEdges(t *testing.T) {
	deps := []*model.ModuleDependency{dep("c", "a"), dep("c", "b")}
	up := UpstreamsOf("c", deps)
	if len(up) != 2 {
		t.Fatalf("expected 2 upstream edges for c, got %d", len(up))
	}
}
