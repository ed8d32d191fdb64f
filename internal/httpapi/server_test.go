package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/qendev/iacreg/internal/audit"
	"github.com/qendev/iacreg/internal/calltoken"
	"github.com/qendev/iacreg/internal/cascade"
	"github.com/qendev/iacreg/internal/config"
	"github.com/qendev/iacreg/internal/dag"
	"github.com/qendev/iacreg/internal/ingest"
	"github.com/qendev/iacreg/internal/model"
	"github.com/qendev/iacreg/internal/policy"
	"github.com/qendev/iacreg/internal/storage"
	"github.com/qendev/iacreg/internal/storage/sqlite"
)

const testWebhookSecret = "hook-secret"

func newTestServer(t *testing.T) (*Server, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	rec := audit.NewRecorder(store, zap.NewNop())
	casc := cascade.New(store, rec, zap.NewNop())
	srv := New(Deps{
		Store:          store,
		Ingestor:       ingest.New(store, casc, rec, zap.NewNop()),
		Cascade:        casc,
		DAG:            dag.NewExecutor(store, zap.NewNop()),
		PolicyResolver: policy.NewResolver(),
		PolicyEval:     policy.NewEvaluator(),
		Audit:          rec,
		Webhooks:       config.WebhooksConfig{GitHubSecret: testWebhookSecret},
		Log:            zap.NewNop(),
	})
	return srv, store
}

func githubSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func githubPushBody(repoURL, tag string) []byte {
	body, _ := json.Marshal(map[string]any{
		"ref": "refs/tags/" + tag,
		"repository": map[string]any{
			"clone_url": repoURL,
			"full_name": "platform/vpc",
		},
	})
	return body
}

func seedAPIArtifact(t *testing.T, store *sqlite.Store, repoURL string) *model.Artifact {
	t.Helper()
	a := &model.Artifact{
		Namespace: "platform",
		Name:      "vpc",
		Type:      model.ArtifactTerraformModule,
		Status:    model.ArtifactActive,
		Team:      "infra",
		Source:    model.SourceConfig{RepositoryURL: repoURL},
	}
	if err := store.InsertArtifact(context.Background(), a); err != nil {
		t.Fatalf("insert artifact: %v", err)
	}
	return a
}

func TestWebhookMangledSignatureReturns200WithoutWrites(t *testing.T) {
	srv, store := newTestServer(t)
	router := srv.Router()
	a := seedAPIArtifact(t, store, "https://example.test/platform/vpc")

	body := githubPushBody("https://example.test/platform/vpc", "v1.0.0")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", githubSignature(body, "wrong-secret"))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 regardless of signature outcome", rr.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := resp["message"]; !ok {
		t.Fatalf("response %q lacks a message field", rr.Body.String())
	}

	versions, err := store.ListVersions(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 0 {
		t.Fatalf("mangled signature produced %d version rows, want 0", len(versions))
	}
}

func TestWebhookValidSignatureIngestsVersion(t *testing.T) {
	srv, store := newTestServer(t)
	router := srv.Router()
	a := seedAPIArtifact(t, store, "https://example.test/platform/vpc")

	body := githubPushBody("https://example.test/platform/vpc", "v1.0.0")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", githubSignature(body, testWebhookSecret))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	versions, err := store.ListVersions(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("got %d version rows, want 1", len(versions))
	}
	if versions[0].Version != "1.0.0" {
		t.Fatalf("version = %q, want 1.0.0", versions[0].Version)
	}

	// Idempotence: an identical re-delivery collapses onto the same row.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", githubSignature(body, testWebhookSecret))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d, want 200", rr.Code)
	}
	versions, err = store.ListVersions(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("list versions after redelivery: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("redelivery produced %d version rows, want 1", len(versions))
	}
}

func TestWebhookUnconfiguredProviderIs404(t *testing.T) {
	srv, _ := newTestServer(t) // only the github secret is configured
	router := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/gitlab", strings.NewReader("{}"))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for a disabled provider", rr.Code)
	}
}

func seedActiveRun(t *testing.T, store *sqlite.Store) (*model.ModuleRun, string) {
	t.Helper()
	ctx := context.Background()
	a := seedAPIArtifact(t, store, "https://example.test/platform/run-target")
	m := &model.Module{
		EnvironmentID: "env-1",
		ArtifactID:    a.ID,
		Name:          "vpc",
		Mode:          model.ModePeaaS,
		Status:        model.ModuleActive,
	}
	if err := store.InsertModule(ctx, m); err != nil {
		t.Fatalf("insert module: %v", err)
	}
	run := &model.ModuleRun{
		ModuleID:    m.ID,
		Operation:   model.OpPlan,
		Mode:        model.ModePeaaS,
		Priority:    model.PriorityUser,
		TriggeredBy: "user:alice",
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	minted, err := calltoken.Mint(calltoken.PrefixCallback)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	hash := minted.Hash
	if _, err := store.UpdateRunStatus(ctx, run.ID, model.RunRunning, storage.RunStatusFields{CallbackTokenHash: &hash}); err != nil {
		t.Fatalf("to running: %v", err)
	}
	return run, minted.Token
}

func TestCallbackRejectsRegistryPrefixedToken(t *testing.T) {
	srv, store := newTestServer(t)
	router := srv.Router()
	run, _ := seedActiveRun(t, store)

	minted, err := calltoken.Mint(calltoken.PrefixRegistry)
	if err != nil {
		t.Fatalf("mint registry token: %v", err)
	}
	req := httptest.NewRequest(http.MethodPatch, "/callbacks/"+run.ID+"/status",
		strings.NewReader(`{"status":"succeeded"}`))
	req.Header.Set("Authorization", "Bearer "+minted.Token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for a breg_ token at a callback endpoint", rr.Code)
	}
}

func TestRegistryRejectsCallbackPrefixedToken(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	minted, err := calltoken.Mint(calltoken.PrefixCallback)
	if err != nil {
		t.Fatalf("mint callback token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/artifacts/", nil)
	req.Header.Set("Authorization", "Bearer "+minted.Token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for a brce_ token at a registry endpoint", rr.Code)
	}
}

func TestRegistryLegacyTokenProceedsToHashLookup(t *testing.T) {
	srv, store := newTestServer(t)
	router := srv.Router()

	legacy := "0f1e2d3c4b5a69788796a5b4c3d2e1f0" // neither breg_ nor brce_
	if err := store.InsertAPIToken(context.Background(), &model.APIToken{
		Name:      "legacy",
		TokenHash: calltoken.Hash(legacy),
		Scope:     model.ScopeAdmin,
	}); err != nil {
		t.Fatalf("insert api token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/artifacts/", nil)
	req.Header.Set("Authorization", "Bearer "+legacy)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for a known legacy token (body %s)", rr.Code, rr.Body.String())
	}
}

func TestCallbackStatusDrivesPlanLifecycle(t *testing.T) {
	srv, store := newTestServer(t)
	router := srv.Router()
	run, token := seedActiveRun(t, store)

	req := httptest.NewRequest(http.MethodPatch, "/callbacks/"+run.ID+"/status",
		strings.NewReader(`{"status":"planned","exit_code":0}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rr.Code, rr.Body.String())
	}

	after, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if after.Status != model.RunPlanned {
		t.Fatalf("run status = %s, want planned", after.Status)
	}
}

func TestCallbackOnTerminalRunIsIdempotentNoOp(t *testing.T) {
	srv, store := newTestServer(t)
	router := srv.Router()
	run, token := seedActiveRun(t, store)
	ctx := context.Background()

	if _, err := store.UpdateRunStatus(ctx, run.ID, model.RunFailed, storage.RunStatusFields{}); err != nil {
		t.Fatalf("to failed: %v", err)
	}
	before, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}

	// The executor retries its final callback; the terminal run answers
	// 200 without mutating anything, so the retry loop stops.
	req := httptest.NewRequest(http.MethodPatch, "/callbacks/"+run.ID+"/status",
		strings.NewReader(`{"status":"succeeded"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want idempotent 200 on a terminal run", rr.Code)
	}

	after, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run after retry: %v", err)
	}
	if after.Status != before.Status || after.CompletedAt == nil || !after.CompletedAt.Equal(*before.CompletedAt) {
		t.Fatalf("terminal run mutated by retried callback: before %+v after %+v", before, after)
	}
}

func TestCallbackMissingTokenIs401(t *testing.T) {
	srv, store := newTestServer(t)
	router := srv.Router()
	run, _ := seedActiveRun(t, store)

	req := httptest.NewRequest(http.MethodPatch, "/callbacks/"+run.ID+"/status",
		strings.NewReader(`{"status":"succeeded"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without a bearer token", rr.Code)
	}
}

func seedLegacyToken(t *testing.T, store *sqlite.Store) string {
	t.Helper()
	legacy := "5a4b3c2d1e0f9a8b7c6d5e4f3a2b1c0d"
	if err := store.InsertAPIToken(context.Background(), &model.APIToken{
		Name:      "tester",
		TokenHash: calltoken.Hash(legacy),
		Scope:     model.ScopeAdmin,
	}); err != nil {
		t.Fatalf("insert api token: %v", err)
	}
	return legacy
}

func seedApprovedVersion(t *testing.T, store *sqlite.Store, a *model.Artifact, version string) *model.Version {
	t.Helper()
	ctx := context.Background()
	v := &model.Version{ArtifactID: a.ID, Version: version}
	if _, err := store.UpsertVersion(ctx, v); err != nil {
		t.Fatalf("upsert version: %v", err)
	}
	if err := store.ApproveVersion(ctx, v.ID, "user:approver"); err != nil {
		t.Fatalf("approve version: %v", err)
	}
	return v
}

func TestDownloadVersionPolicyBlockReturns422(t *testing.T) {
	srv, store := newTestServer(t)
	router := srv.Router()
	token := seedLegacyToken(t, store)
	a := seedAPIArtifact(t, store, "https://example.test/platform/vpc")
	v := seedApprovedVersion(t, store, a, "1.0.0")

	// A required scan grade with no scan results recorded blocks the
	// download trigger.
	grade := model.GradeB
	if err := store.InsertBinding(context.Background(), &model.PolicyBinding{
		Scope:    model.ScopeGlobal,
		ScopeKey: "",
		Rules:    model.PolicyRules{RequiredScanGrade: &grade},
	}); err != nil {
		t.Fatalf("insert binding: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/artifacts/"+a.ID+"/versions/"+v.ID+"/download", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 for a blocking download policy (body %s)", rr.Code, rr.Body.String())
	}
	var resp struct {
		Outcome string             `json:"outcome"`
		Results []model.RuleResult `json:"results"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Outcome != string(model.OutcomeFail) {
		t.Fatalf("outcome = %q, want fail", resp.Outcome)
	}
	found := false
	for _, res := range resp.Results {
		if res.Rule == "requiredScanGrade" && !res.Passed {
			found = true
		}
	}
	if !found {
		t.Fatalf("results %+v lack the failing requiredScanGrade rule", resp.Results)
	}
}

func TestDownloadUnapprovedVersionIs409(t *testing.T) {
	srv, store := newTestServer(t)
	router := srv.Router()
	token := seedLegacyToken(t, store)
	a := seedAPIArtifact(t, store, "https://example.test/platform/vpc")

	v := &model.Version{ArtifactID: a.ID, Version: "2.0.0"}
	if _, err := store.UpsertVersion(context.Background(), v); err != nil {
		t.Fatalf("upsert version: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/artifacts/"+a.ID+"/versions/"+v.ID+"/download", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 for a pending version", rr.Code)
	}
}

func TestDownloadVersionWithoutStorageIs503(t *testing.T) {
	srv, store := newTestServer(t) // no Storage config, no Artifacts client
	router := srv.Router()
	token := seedLegacyToken(t, store)
	a := seedAPIArtifact(t, store, "https://example.test/platform/vpc")
	v := seedApprovedVersion(t, store, a, "1.0.0")

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/artifacts/"+a.ID+"/versions/"+v.ID+"/download", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when artifact storage is not configured", rr.Code)
	}
}

func TestUploadVersionContentWithoutStorageIs503(t *testing.T) {
	srv, store := newTestServer(t)
	router := srv.Router()
	token := seedLegacyToken(t, store)
	a := seedAPIArtifact(t, store, "https://example.test/platform/vpc")
	v := seedApprovedVersion(t, store, a, "1.0.0")

	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/artifacts/"+a.ID+"/versions/"+v.ID+"/content", strings.NewReader("chart bytes"))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when artifact storage is not configured", rr.Code)
	}
}
