package dag

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/qendev/iacreg/internal/model"
	"github.com/qendev/iacreg/internal/storage"
	"github.com/qendev/iacreg/internal/storage/sqlite"
)

type envFixture struct {
	store   *sqlite.Store
	exec    *Executor
	modules map[string]*model.Module
}

// newEnvFixture builds env-1 with the chain net -> subnet -> eks plus an
// independent monitoring module, the shape of spec scenario 3.
func newEnvFixture(t *testing.T) *envFixture {
	t.Helper()
	ctx := context.Background()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "dag.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	a := &model.Artifact{
		Namespace: "platform",
		Name:      "stack",
		Type:      model.ArtifactTerraformModule,
		Status:    model.ArtifactActive,
		Team:      "infra",
		Source:    model.SourceConfig{RepositoryURL: "https://example.test/platform/stack"},
	}
	if err := s.InsertArtifact(ctx, a); err != nil {
		t.Fatalf("insert artifact: %v", err)
	}

	f := &envFixture{store: s, exec: NewExecutor(s, zap.NewNop()), modules: map[string]*model.Module{}}
	for _, name := range []string{"net", "subnet", "eks", "monitoring"} {
		m := &model.Module{
			EnvironmentID: "env-1",
			ArtifactID:    a.ID,
			Name:          name,
			Mode:          model.ModePeaaS,
			Status:        model.ModuleActive,
		}
		if err := s.InsertModule(ctx, m); err != nil {
			t.Fatalf("insert module %s: %v", name, err)
		}
		f.modules[name] = m
	}
	for _, edge := range [][2]string{{"subnet", "net"}, {"eks", "subnet"}} {
		if err := s.InsertDependency(ctx, &model.ModuleDependency{
			ModuleID:    f.modules[edge[0]].ID,
			DependsOnID: f.modules[edge[1]].ID,
		}); err != nil {
			t.Fatalf("insert dependency %s->%s: %v", edge[0], edge[1], err)
		}
	}
	return f
}

func (f *envFixture) runFor(t *testing.T, envRunID, moduleName string) *model.ModuleRun {
	t.Helper()
	run, err := f.store.GetEnvironmentModuleRun(context.Background(), envRunID, f.modules[moduleName].ID)
	if err != nil {
		t.Fatalf("get run for %s: %v", moduleName, err)
	}
	return run
}

func (f *envFixture) finishRun(t *testing.T, run *model.ModuleRun, terminal model.RunStatus) *model.ModuleRun {
	t.Helper()
	ctx := context.Background()
	cur, err := f.store.UpdateRunStatus(ctx, run.ID, model.RunRunning, storage.RunStatusFields{})
	if err != nil {
		t.Fatalf("to running: %v", err)
	}
	cur, err = f.store.UpdateRunStatus(ctx, cur.ID, terminal, storage.RunStatusFields{})
	if err != nil {
		t.Fatalf("to %s: %v", terminal, err)
	}
	if _, err := f.store.DequeueNext(ctx, cur.ModuleID); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := f.exec.OnModuleRunComplete(ctx, cur); err != nil {
		t.Fatalf("on complete: %v", err)
	}
	return cur
}

func TestStartEnvironmentRunEnqueuesRoots(t *testing.T) {
	f := newEnvFixture(t)
	envRun, err := f.exec.StartEnvironmentRun(context.Background(), "env-1", model.EnvOpPlanAll, "user:alice")
	if err != nil {
		t.Fatalf("start environment run: %v", err)
	}

	for _, name := range []string{"net", "monitoring"} {
		run := f.runFor(t, envRun.ID, name)
		if run == nil {
			t.Fatalf("expected a root run for %s", name)
		}
		if run.Operation != model.OpPlan {
			t.Fatalf("%s operation = %s, want plan", name, run.Operation)
		}
	}
	for _, name := range []string{"subnet", "eks"} {
		if run := f.runFor(t, envRun.ID, name); run != nil {
			t.Fatalf("downstream %s should not run before its upstream completes", name)
		}
	}
}

func TestUpstreamFailureSkipsTransitiveDownstream(t *testing.T) {
	f := newEnvFixture(t)
	ctx := context.Background()
	envRun, err := f.exec.StartEnvironmentRun(ctx, "env-1", model.EnvOpPlanAll, "user:alice")
	if err != nil {
		t.Fatalf("start environment run: %v", err)
	}

	f.finishRun(t, f.runFor(t, envRun.ID, "net"), model.RunFailed)

	for _, name := range []string{"subnet", "eks"} {
		run := f.runFor(t, envRun.ID, name)
		if run == nil {
			t.Fatalf("expected a skipped run for %s", name)
		}
		if run.Status != model.RunSkipped {
			t.Fatalf("%s status = %s, want skipped", name, run.Status)
		}
	}

	// monitoring is independent; it succeeds on its own merits and that
	// closes the cohort out as failed.
	f.finishRun(t, f.runFor(t, envRun.ID, "monitoring"), model.RunSucceeded)

	after, err := f.store.GetEnvironmentRun(ctx, envRun.ID)
	if err != nil {
		t.Fatalf("get environment run: %v", err)
	}
	if after.Status != model.EnvRunFailed {
		t.Fatalf("environment run status = %s, want failed", after.Status)
	}
}

func TestSuccessAdvancesFrontierInOrder(t *testing.T) {
	f := newEnvFixture(t)
	ctx := context.Background()
	envRun, err := f.exec.StartEnvironmentRun(ctx, "env-1", model.EnvOpPlanAll, "user:alice")
	if err != nil {
		t.Fatalf("start environment run: %v", err)
	}

	f.finishRun(t, f.runFor(t, envRun.ID, "net"), model.RunSucceeded)
	subnet := f.runFor(t, envRun.ID, "subnet")
	if subnet == nil {
		t.Fatal("subnet should be enqueued once net succeeds")
	}
	if subnet.Status.IsTerminal() {
		t.Fatalf("subnet status = %s, want a live queued run", subnet.Status)
	}
	if eks := f.runFor(t, envRun.ID, "eks"); eks != nil {
		t.Fatal("eks must wait for subnet")
	}

	f.finishRun(t, subnet, model.RunSucceeded)
	eks := f.runFor(t, envRun.ID, "eks")
	if eks == nil {
		t.Fatal("eks should be enqueued once subnet succeeds")
	}

	f.finishRun(t, eks, model.RunSucceeded)
	f.finishRun(t, f.runFor(t, envRun.ID, "monitoring"), model.RunSucceeded)

	after, err := f.store.GetEnvironmentRun(ctx, envRun.ID)
	if err != nil {
		t.Fatalf("get environment run: %v", err)
	}
	if after.Status != model.EnvRunSucceeded {
		t.Fatalf("environment run status = %s, want succeeded", after.Status)
	}
}

func TestMissingUpstreamOutputSkipsDownstreamWithReason(t *testing.T) {
	ctx := context.Background()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "dag-outputs.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	a := &model.Artifact{
		Namespace: "platform", Name: "stack", Type: model.ArtifactTerraformModule,
		Status: model.ArtifactActive, Team: "infra",
		Source: model.SourceConfig{RepositoryURL: "https://example.test/platform/stack"},
	}
	if err := s.InsertArtifact(ctx, a); err != nil {
		t.Fatalf("insert artifact: %v", err)
	}
	net := &model.Module{EnvironmentID: "env-2", ArtifactID: a.ID, Name: "net", Mode: model.ModePeaaS, Status: model.ModuleActive}
	eks := &model.Module{EnvironmentID: "env-2", ArtifactID: a.ID, Name: "eks", Mode: model.ModePeaaS, Status: model.ModuleActive}
	for _, m := range []*model.Module{net, eks} {
		if err := s.InsertModule(ctx, m); err != nil {
			t.Fatalf("insert module: %v", err)
		}
	}
	if err := s.InsertDependency(ctx, &model.ModuleDependency{
		ModuleID:    eks.ID,
		DependsOnID: net.ID,
		OutputMapping: []model.OutputMapping{
			{UpstreamOutput: "vpc_id", DownstreamVariable: "vpc_id"},
		},
	}); err != nil {
		t.Fatalf("insert dependency: %v", err)
	}

	exec := NewExecutor(s, zap.NewNop())
	envRun, err := exec.StartEnvironmentRun(ctx, "env-2", model.EnvOpApplyAll, "user:alice")
	if err != nil {
		t.Fatalf("start environment run: %v", err)
	}

	// net's apply succeeds but emits subnet_ids only — no vpc_id.
	netRun, err := s.GetEnvironmentModuleRun(ctx, envRun.ID, net.ID)
	if err != nil || netRun == nil {
		t.Fatalf("get net run: %v (%+v)", err, netRun)
	}
	if _, err := s.UpdateRunStatus(ctx, netRun.ID, model.RunRunning, storage.RunStatusFields{}); err != nil {
		t.Fatalf("to running: %v", err)
	}
	done, err := s.UpdateRunStatus(ctx, netRun.ID, model.RunSucceeded, storage.RunStatusFields{
		TFOutputs: map[string]any{"subnet_ids": []any{"subnet-1", "subnet-2"}},
	})
	if err != nil {
		t.Fatalf("to succeeded: %v", err)
	}
	if err := exec.OnModuleRunComplete(ctx, done); err != nil {
		t.Fatalf("on complete: %v", err)
	}

	eksRun, err := s.GetEnvironmentModuleRun(ctx, envRun.ID, eks.ID)
	if err != nil || eksRun == nil {
		t.Fatalf("get eks run: %v (%+v)", err, eksRun)
	}
	if eksRun.Status != model.RunSkipped {
		t.Fatalf("eks status = %s, want skipped", eksRun.Status)
	}
	if !strings.Contains(eksRun.FailureReason, "vpc_id") || !strings.Contains(eksRun.FailureReason, "subnet_ids") {
		t.Fatalf("failure reason %q should name the missing key and the available keys", eksRun.FailureReason)
	}
}
