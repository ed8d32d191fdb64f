package ingest

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/qendev/iacreg/internal/audit"
	"github.com/qendev/iacreg/internal/model"
	"github.com/qendev/iacreg/internal/storage"
	"github.com/qendev/iacreg/internal/storage/sqlite"
	"github.com/qendev/iacreg/internal/webhookv"
)

type fakeCascader struct {
	calls []string
}

func (f *fakeCascader) TriggerCascade(_ context.Context, artifactID, newVersion string) error {
	f.calls = append(f.calls, artifactID+"@"+newVersion)
	return nil
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "ingest.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedArtifact(t *testing.T, store storage.Store, repoURL string) *model.Artifact {
	t.Helper()
	a := &model.Artifact{
		Namespace: "platform",
		Name:      "vpc",
		Type:      model.ArtifactTerraformModule,
		Status:    model.ArtifactActive,
		Source:    model.SourceConfig{RepositoryURL: repoURL},
	}
	if err := store.InsertArtifact(context.Background(), a); err != nil {
		t.Fatalf("insert artifact: %v", err)
	}
	return a
}

func TestIngestIgnoresNonTagPush(t *testing.T) {
	store := newTestStore(t)
	in := New(store, &fakeCascader{}, audit.NewRecorder(store, zap.NewNop()), zap.NewNop())

	res, err := in.Ingest(context.Background(), webhookv.PushEvent{RepositoryURL: "https://example.test/repo", Ref: "refs/heads/main"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.MatchedArtifacts != 0 {
		t.Fatalf("expected a branch push to be ignored, got %+v", res)
	}
}

func TestIngestIgnoresUnparseableTag(t *testing.T) {
	store := newTestStore(t)
	in := New(store, &fakeCascader{}, audit.NewRecorder(store, zap.NewNop()), zap.NewNop())

	res, err := in.Ingest(context.Background(), webhookv.PushEvent{
		RepositoryURL: "https://example.test/repo", Ref: "refs/tags/release-candidate", Tag: "release-candidate",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.MatchedArtifacts != 0 {
		t.Fatalf("expected an unparseable tag to be ignored, got %+v", res)
	}
}

func TestIngestCreatesPendingVersionWithoutAutoApprovePolicy(t *testing.T) {
	store := newTestStore(t)
	a := seedArtifact(t, store, "https://example.test/platform/vpc")
	in := New(store, &fakeCascader{}, audit.NewRecorder(store, zap.NewNop()), zap.NewNop())

	res, err := in.Ingest(context.Background(), webhookv.PushEvent{
		RepositoryURL: "https://example.test/platform/vpc", Ref: "refs/tags/v1.0.0", Tag: "v1.0.0",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.MatchedArtifacts != 1 {
		t.Fatalf("expected 1 matched artifact, got %d", res.MatchedArtifacts)
	}

	v, err := store.GetLatestVersion(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("get latest version: %v", err)
	}
	if v != nil {
		t.Fatal("expected no is_latest version yet: a pending (unapproved) version is never is_latest")
	}

	versions, err := store.ListVersions(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 1 || versions[0].Status != model.VersionPending {
		t.Fatalf("expected exactly one pending version, got %+v", versions)
	}
}

func TestIngestAutoApprovesPatchBumpAndTriggersCascade(t *testing.T) {
	store := newTestStore(t)
	a := seedArtifact(t, store, "https://example.test/platform/vpc")

	autoApprove := true
	binding := &model.PolicyBinding{
		Scope:    model.ScopeArtifact,
		ScopeKey: a.ID,
		Rules:    model.PolicyRules{AutoApprovePatches: &autoApprove},
	}
	if err := store.InsertBinding(context.Background(), binding); err != nil {
		t.Fatalf("insert policy binding: %v", err)
	}

	cascader := &fakeCascader{}
	in := New(store, cascader, audit.NewRecorder(store, zap.NewNop()), zap.NewNop())

	// First version: no prior release, so it's not a "patch bump" over
	// anything — auto-approval per spec.md §4.3 treats a first release as
	// eligible too (IsFirstVersion).
	if _, err := in.Ingest(context.Background(), webhookv.PushEvent{
		RepositoryURL: "https://example.test/platform/vpc", Ref: "refs/tags/v1.0.0", Tag: "v1.0.0",
	}); err != nil {
		t.Fatalf("ingest v1.0.0: %v", err)
	}

	first, err := store.GetLatestVersion(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("get latest version: %v", err)
	}
	if first == nil || first.Status != model.VersionApproved {
		t.Fatalf("expected first version to be auto-approved, got %+v", first)
	}

	// Second version is a patch bump over 1.0.0 and should also auto-approve
	// and trigger a cascade.
	if _, err := in.Ingest(context.Background(), webhookv.PushEvent{
		RepositoryURL: "https://example.test/platform/vpc", Ref: "refs/tags/v1.0.1", Tag: "v1.0.1",
	}); err != nil {
		t.Fatalf("ingest v1.0.1: %v", err)
	}

	latest, err := store.GetLatestVersion(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("get latest version: %v", err)
	}
	if latest == nil || latest.Version != "1.0.1" || latest.Status != model.VersionApproved {
		t.Fatalf("expected 1.0.1 to be the approved latest version, got %+v", latest)
	}
	if len(cascader.calls) != 2 {
		t.Fatalf("expected a cascade trigger per auto-approved version, got %v", cascader.calls)
	}
}

func TestIngestRedeliveredWebhookDoesNotReEvaluate(t *testing.T) {
	store := newTestStore(t)
	a := seedArtifact(t, store, "https://example.test/platform/vpc")
	cascader := &fakeCascader{}
	in := New(store, cascader, audit.NewRecorder(store, zap.NewNop()), zap.NewNop())

	event := webhookv.PushEvent{RepositoryURL: "https://example.test/platform/vpc", Ref: "refs/tags/v2.0.0", Tag: "v2.0.0"}
	if _, err := in.Ingest(context.Background(), event); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if err := store.ApproveVersion(context.Background(), mustFindVersion(t, store, a.ID, "2.0.0"), "alice"); err != nil {
		t.Fatalf("approve version: %v", err)
	}

	if _, err := in.Ingest(context.Background(), event); err != nil {
		t.Fatalf("redelivered ingest: %v", err)
	}

	v, err := store.GetVersion(context.Background(), mustFindVersion(t, store, a.ID, "2.0.0"))
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if v.Status != model.VersionApproved {
		t.Fatalf("expected redelivery to leave approval status untouched, got %s", v.Status)
	}
	if len(cascader.calls) != 0 {
		t.Fatalf("expected no cascade trigger without an auto-approve policy, got %v", cascader.calls)
	}
}

func mustFindVersion(t *testing.T, store storage.Store, artifactID, version string) string {
	t.Helper()
	versions, err := store.ListVersions(context.Background(), artifactID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	for _, v := range versions {
		if v.Version == version {
			return v.ID
		}
	}
	t.Fatalf("version %s not found for artifact %s", version, artifactID)
	return ""
}
