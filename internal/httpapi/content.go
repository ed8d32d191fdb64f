// Version content upload/download: the byte payload behind a Version's
// storage_ref lives in an OCI registry (internal/artifactstore); these
// handlers move it there and back. Downloads are policy-gated — the
// download trigger evaluates requirePassingTests, requirePassingValidate,
// and requiredScanGrade against the version before any byte leaves the
// registry.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/qendev/iacreg/internal/artifactstore"
	"github.com/qendev/iacreg/internal/audit"
	"github.com/qendev/iacreg/internal/model"
	"github.com/qendev/iacreg/internal/policy"
)

const maxContentUploadBytes = 64 << 20 // 64 MiB

var errStorageNotConfigured = errors.New("artifact storage not configured")

// ociClientFor returns a client authenticated for one artifact's
// repository, deriving the per-artifact password from the configured
// master key so no two artifacts share a literal secret.
func (s *Server) ociClientFor(artifactID string) (*artifactstore.Client, error) {
	if s.deps.Artifacts == nil || s.deps.Storage.OCIRegistry == "" {
		return nil, errStorageNotConfigured
	}
	clone := *s.deps.Artifacts
	client := &clone
	if s.deps.Storage.MasterKey != "" {
		password, err := artifactstore.DeriveCredential([]byte(s.deps.Storage.MasterKey), artifactID)
		if err != nil {
			return nil, err
		}
		username := s.deps.Storage.Username
		if username == "" {
			username = "iacreg"
		}
		client.WithAuth(username, password)
	}
	return client, nil
}

// ociPath is the repository path for an artifact's version payloads:
// namespace/name, with the provider segment appended when set.
func ociPath(a *model.Artifact) string {
	path := a.Namespace + "/" + a.Name
	if a.Provider != "" {
		path += "/" + a.Provider
	}
	return path
}

func (s *Server) lookupArtifactVersion(w http.ResponseWriter, r *http.Request) (*model.Artifact, *model.Version, bool) {
	a, err := s.deps.Store.GetArtifact(r.Context(), routeParam(r, "artifactID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "artifact not found")
		return nil, nil, false
	}
	v, err := s.deps.Store.GetVersion(r.Context(), routeParam(r, "versionID"))
	if err != nil || v.ArtifactID != a.ID {
		writeError(w, http.StatusNotFound, "version not found")
		return nil, nil, false
	}
	return a, v, true
}

// handleUploadVersionContent pushes a version's byte payload to the OCI
// registry and records the resulting reference, digest, and size on the
// Version row.
func (s *Server) handleUploadVersionContent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, v, ok := s.lookupArtifactVersion(w, r)
	if !ok {
		return
	}

	client, err := s.ociClientFor(a.ID)
	if errors.Is(err, errStorageNotConfigured) {
		writeError(w, http.StatusServiceUnavailable, "artifact storage not configured")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage credentials unavailable")
		return
	}

	content, err := io.ReadAll(io.LimitReader(r.Body, maxContentUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read content")
		return
	}
	if len(content) == 0 {
		writeError(w, http.StatusBadRequest, "empty content")
		return
	}

	ref := artifactstore.Ref{Registry: s.deps.Storage.OCIRegistry, Path: ociPath(a), Tag: v.Version}
	result, err := client.Push(ctx, ref, artifactstore.VersionConfig{ArtifactID: a.ID, Version: v.Version}, content)
	if err != nil {
		s.log.Error("push version content failed", zap.String("version_id", v.ID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "push to artifact storage failed")
		return
	}

	if err := s.deps.Store.SetVersionStorage(ctx, v.ID, result.Ref, result.Digest, int64(len(content))); err != nil {
		writeError(w, http.StatusInternalServerError, "record storage reference failed")
		return
	}
	s.deps.Audit.Record(ctx, model.AuditEntry{
		Action: audit.ActionVersionContentUploaded, ResourceType: "version", ResourceID: v.ID,
		VersionID: v.ID, Actor: actorFromRequest(r),
		Details: map[string]any{"ref": result.Ref, "digest": result.Digest, "size": len(content)},
	})
	if s.deps.HelmCache != nil && a.Type == model.ArtifactHelmChart {
		_ = s.deps.HelmCache.Invalidate(ctx, a.Namespace)
	}

	writeJSON(w, http.StatusCreated, result)
}

// handleDownloadVersion evaluates the download-trigger policy for the
// version, then streams its payload from the OCI registry. A blocking
// failure answers 422 with the rule results; a warn outcome proceeds
// with the warning surfaced in a header.
func (s *Server) handleDownloadVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, v, ok := s.lookupArtifactVersion(w, r)
	if !ok {
		return
	}

	if v.Status != model.VersionApproved || v.IsBad {
		writeError(w, http.StatusConflict, "version is not approved for download")
		return
	}

	results, outcome, ok := s.evaluateDownloadPolicy(w, r, a, v)
	if !ok {
		return
	}
	if outcome == model.OutcomeFail {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"message": "policy evaluation failed", "outcome": outcome, "results": results,
		})
		return
	}

	client, err := s.ociClientFor(a.ID)
	if errors.Is(err, errStorageNotConfigured) {
		writeError(w, http.StatusServiceUnavailable, "artifact storage not configured")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage credentials unavailable")
		return
	}

	ref := artifactstore.Ref{Registry: s.deps.Storage.OCIRegistry, Path: ociPath(a), Tag: v.Version, Digest: v.Digest}
	content, pulled, err := client.Pull(ctx, ref)
	if err != nil {
		s.log.Error("pull version content failed", zap.String("version_id", v.ID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "pull from artifact storage failed")
		return
	}

	s.deps.Audit.Record(ctx, model.AuditEntry{
		Action: audit.ActionVersionDownloaded, ResourceType: "version", ResourceID: v.ID,
		VersionID: v.ID, Actor: actorFromRequest(r),
		Details: map[string]any{"ref": pulled.Ref, "digest": pulled.Digest, "outcome": string(outcome)},
	})

	if outcome == model.OutcomeWarn {
		w.Header().Set("X-Policy-Outcome", string(model.OutcomeWarn))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("ETag", `"`+pulled.Digest+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

// evaluateDownloadPolicy resolves and evaluates the download trigger for
// a version, persisting the evaluation row fire-and-forget. ok=false
// means a response has already been written.
func (s *Server) evaluateDownloadPolicy(w http.ResponseWriter, r *http.Request, a *model.Artifact, v *model.Version) ([]model.RuleResult, model.PolicyOutcome, bool) {
	ctx := r.Context()
	bindings, err := s.deps.Store.ListBindings(ctx, a.ID, a.Namespace, a.Team)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list policy bindings failed")
		return nil, "", false
	}
	rules := s.deps.PolicyResolver.Resolve(bindings, a.ID, a.Namespace, a.Team)

	grades, err := s.deps.Store.ScanGrades(ctx, v.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list scan grades failed")
		return nil, "", false
	}
	ciResults, err := s.deps.Store.CIResultsForVersion(ctx, v.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list CI results failed")
		return nil, "", false
	}

	in := policy.EvalInput{
		Trigger:        model.TriggerDownload,
		Actor:          actorFromRequest(r),
		PublishedBy:    v.PublishedBy,
		ScanGrades:     grades,
		TestsPassed:    ciPassed(ciResults, "test"),
		ValidatePassed: ciPassed(ciResults, "validate"),
	}
	results, outcome, err := s.deps.PolicyEval.Evaluate(ctx, rules, in)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "policy evaluation failed")
		return nil, "", false
	}

	level := model.EnforceBlock
	if rules.EnforcementLevel != nil {
		level = *rules.EnforcementLevel
	}
	evaluation := &model.PolicyEvaluation{
		ArtifactID: a.ID, VersionID: v.ID, Trigger: model.TriggerDownload,
		Actor: in.Actor, EnforcementLevel: level, Outcome: outcome, Results: results,
	}
	if err := s.deps.Store.InsertPolicyEvaluation(ctx, evaluation); err != nil {
		s.log.Warn("insert policy evaluation failed", zap.Error(err))
	}
	s.deps.Audit.Record(ctx, model.AuditEntry{
		Action: audit.ActionPolicyEvaluated, ResourceType: "version", ResourceID: v.ID,
		VersionID: v.ID, Actor: in.Actor,
		Details: map[string]any{"trigger": "download", "outcome": string(outcome)},
	})
	return results, outcome, true
}

// pushPlanArtifact archives a run's rendered plan output to the OCI
// registry, returning the stored reference. Best-effort: archival
// failure is logged and never fails the executor's callback.
func (s *Server) pushPlanArtifact(ctx context.Context, run *model.ModuleRun, planOutput string) string {
	module, err := s.deps.Store.GetModule(ctx, run.ModuleID)
	if err != nil {
		s.log.Warn("load module for plan archival failed", zap.String("run_id", run.ID), zap.Error(err))
		return ""
	}
	client, err := s.ociClientFor(module.ArtifactID)
	if errors.Is(err, errStorageNotConfigured) {
		return ""
	}
	if err != nil {
		s.log.Warn("storage credentials for plan archival unavailable", zap.String("run_id", run.ID), zap.Error(err))
		return ""
	}

	ref := artifactstore.Ref{Registry: s.deps.Storage.OCIRegistry, Path: "plans/" + run.ModuleID, Tag: run.ID}
	result, err := client.Push(ctx, ref, artifactstore.VersionConfig{ArtifactID: module.ArtifactID, Version: run.ID}, []byte(planOutput))
	if err != nil {
		s.log.Warn("push plan artifact failed", zap.String("run_id", run.ID), zap.Error(err))
		return ""
	}
	s.deps.Audit.Record(ctx, model.AuditEntry{
		Action: audit.ActionRunPlanUploaded, ResourceType: "module_run", ResourceID: run.ID,
		Actor: "executor:callback",
		Details: map[string]any{"ref": result.Ref, "digest": result.Digest},
	})
	return result.Ref
}
