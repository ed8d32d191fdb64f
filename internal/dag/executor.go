package dag

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/qendev/iacreg/internal/model"
	"github.com/qendev/iacreg/internal/outputs"
	"github.com/qendev/iacreg/internal/storage"
)

// Executor drives a single environment run's DAG to completion: it
// creates the initial frontier of module runs, and on each completion
// notification either advances newly-ready downstream modules (after
// resolving their upstream outputs) or propagates a skip to every
// transitive dependent.
type Executor struct {
	store   storage.Store
	outputs *outputs.Resolver
	log     *zap.Logger
}

// NewExecutor returns an Executor backed by store.
func NewExecutor(store storage.Store, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{store: store, outputs: outputs.NewResolver(store), log: log}
}

// StartEnvironmentRun begins a plan-all/apply-all/destroy-all: it sorts
// the environment's modules (failing on a cycle), creates the
// EnvironmentRun row, and enqueues a Module Run for every root.
func (e *Executor) StartEnvironmentRun(ctx context.Context, environmentID string, op model.EnvironmentRunOperation, triggeredBy string) (*model.EnvironmentRun, error) {
	modules, err := e.store.ListModulesByEnvironment(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	deps, err := e.store.ListDependencies(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}

	order, err := TopoSort(environmentID, modules, deps)
	if err != nil {
		return nil, err
	}
	_ = order // validated for cycles; frontier walk below drives actual scheduling

	envRun := &model.EnvironmentRun{
		EnvironmentID: environmentID,
		Operation:     op,
		Status:        model.EnvRunRunning,
	}
	if err := e.store.CreateEnvironmentRun(ctx, envRun); err != nil {
		return nil, fmt.Errorf("create environment run: %w", err)
	}

	moduleOp := model.ModuleOperationFor(op)
	for _, rootID := range Roots(modules, deps) {
		root := findModule(modules, rootID)
		if root == nil {
			continue
		}
		run := &model.ModuleRun{
			ModuleID:         rootID,
			EnvironmentRunID: &envRun.ID,
			Operation:        moduleOp,
			Mode:             root.Mode,
			Priority:         model.PriorityUser,
			TriggeredBy:      triggeredBy,
			Variables:        root.Variables,
			StateBackend:     root.StateBackend,
			TFVersion:        root.TFVersion,
		}
		if err := e.store.CreateRun(ctx, run); err != nil {
			return nil, fmt.Errorf("enqueue root module %s: %w", rootID, err)
		}
	}
	return envRun, nil
}

// OnModuleRunComplete reacts to a terminal Module Run that belongs to an
// environment run: on success it advances any now-ready downstream
// modules; on any other terminal status it marks every transitive
// downstream module skipped. It also closes out the environment run
// once no reachable module remains unterminated. Per spec.md §7, this
// notification is best-effort from the caller's point of view — errors
// are returned for logging, never retried synchronously against the
// callback path that triggered them.
func (e *Executor) OnModuleRunComplete(ctx context.Context, run *model.ModuleRun) error {
	if run.EnvironmentRunID == nil {
		return nil // not part of a DAG run
	}
	envRunID := *run.EnvironmentRunID

	modules, err := e.store.ListModulesByEnvironment(ctx, moduleEnvironmentID(ctx, e.store, run.ModuleID))
	if err != nil {
		return fmt.Errorf("list modules: %w", err)
	}
	deps, err := e.store.ListDependencies(ctx, moduleEnvironmentID(ctx, e.store, run.ModuleID))
	if err != nil {
		return fmt.Errorf("list dependencies: %w", err)
	}

	if run.Status == model.RunSucceeded {
		if err := e.advanceDownstream(ctx, envRunID, run.ModuleID, modules, deps); err != nil {
			return err
		}
	} else {
		if err := e.skipDownstream(ctx, envRunID, run.ModuleID, run.ID, deps); err != nil {
			return err
		}
	}

	return e.maybeCompleteEnvironmentRun(ctx, envRunID, modules, deps)
}

func (e *Executor) advanceDownstream(ctx context.Context, envRunID, moduleID string, modules []*model.Module, deps []*model.ModuleDependency) error {
	moduleOp := model.Operation("")
	if envRun, err := e.store.GetEnvironmentRun(ctx, envRunID); err == nil {
		moduleOp = model.ModuleOperationFor(envRun.Operation)
	}

	for _, downID := range DownstreamOf(moduleID, deps) {
		ready, err := e.upstreamsSucceeded(ctx, envRunID, downID, deps)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		existing, err := e.store.GetEnvironmentModuleRun(ctx, envRunID, downID)
		if err != nil {
			return fmt.Errorf("check existing run for %s: %w", downID, err)
		}
		if existing != nil {
			continue // already created (or already skipped by a sibling failure race)
		}

		down := findModule(modules, downID)
		if down == nil {
			continue
		}
		names := moduleNameIndex(modules)
		resolved, err := e.outputs.ResolveAll(ctx, UpstreamsOf(downID, deps), names)
		if err != nil {
			reason := err.Error()
			if cerr := e.store.CreateSkippedRun(ctx, &model.ModuleRun{
				ModuleID: downID, EnvironmentRunID: &envRunID, Operation: moduleOp, Mode: down.Mode,
				Priority: model.PriorityUser, TriggeredBy: "system:dag",
			}, reason); cerr != nil {
				return fmt.Errorf("record output-resolution failure for %s: %w", downID, cerr)
			}
			continue
		}

		merged := mergeVariables(down.Variables, resolved)
		run := &model.ModuleRun{
			ModuleID: downID, EnvironmentRunID: &envRunID, Operation: moduleOp, Mode: down.Mode,
			Priority: model.PriorityUser, TriggeredBy: "system:dag", Variables: merged,
			StateBackend: down.StateBackend, TFVersion: down.TFVersion,
		}
		if err := e.store.CreateRun(ctx, run); err != nil {
			return fmt.Errorf("enqueue downstream module %s: %w", downID, err)
		}
	}
	return nil
}

func (e *Executor) upstreamsSucceeded(ctx context.Context, envRunID, moduleID string, deps []*model.ModuleDependency) (bool, error) {
	for _, up := range UpstreamsOf(moduleID, deps) {
		upRun, err := e.store.GetEnvironmentModuleRun(ctx, envRunID, up.DependsOnID)
		if err != nil {
			return false, fmt.Errorf("check upstream %s: %w", up.DependsOnID, err)
		}
		if upRun == nil || upRun.Status != model.RunSucceeded {
			return false, nil
		}
	}
	return true, nil
}

func (e *Executor) skipDownstream(ctx context.Context, envRunID, failedModuleID, failedRunID string, deps []*model.ModuleDependency) error {
	for _, downID := range TransitiveDownstream(failedModuleID, deps) {
		existing, err := e.store.GetEnvironmentModuleRun(ctx, envRunID, downID)
		if err != nil {
			return fmt.Errorf("check existing run for %s: %w", downID, err)
		}
		if existing != nil {
			continue // already terminal (succeeded before the failure, or already skipped)
		}
		reason := fmt.Sprintf("skipped: ancestor module run %s failed", failedRunID)
		if err := e.store.CreateSkippedRun(ctx, &model.ModuleRun{
			ModuleID: downID, EnvironmentRunID: &envRunID, Priority: model.PriorityUser,
			TriggeredBy: "system:dag",
		}, reason); err != nil {
			return fmt.Errorf("skip downstream module %s: %w", downID, err)
		}
	}
	return nil
}

func (e *Executor) maybeCompleteEnvironmentRun(ctx context.Context, envRunID string, modules []*model.Module, deps []*model.ModuleDependency) error {
	allTerminal := true
	allSucceeded := true
	for _, m := range modules {
		r, err := e.store.GetEnvironmentModuleRun(ctx, envRunID, m.ID)
		if err != nil {
			return fmt.Errorf("check run for %s: %w", m.ID, err)
		}
		if r == nil || !r.Status.IsTerminal() {
			allTerminal = false
			break
		}
		if r.Status != model.RunSucceeded {
			allSucceeded = false
		}
	}
	if !allTerminal {
		return nil
	}
	status := model.EnvRunFailed
	if allSucceeded {
		status = model.EnvRunSucceeded
	}
	if err := e.store.UpdateEnvironmentRunStatus(ctx, envRunID, status); err != nil {
		return fmt.Errorf("finalize environment run: %w", err)
	}
	return nil
}

func findModule(modules []*model.Module, id string) *model.Module {
	for _, m := range modules {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func moduleNameIndex(modules []*model.Module) map[string]string {
	out := make(map[string]string, len(modules))
	for _, m := range modules {
		out[m.ID] = m.Name
	}
	return out
}

func mergeVariables(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

// moduleEnvironmentID looks up the owning environment for a module. The
// DAG executor only has a module id on hand in OnModuleRunComplete, so
// it re-derives the environment scope from storage rather than trusting
// a caller-supplied value.
func moduleEnvironmentID(ctx context.Context, store storage.Store, moduleID string) string {
	m, err := store.GetModule(ctx, moduleID)
	if err != nil || m == nil {
		return ""
	}
	return m.EnvironmentID
}
