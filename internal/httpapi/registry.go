// Registry CRUD surface (breg_-token-authenticated): artifacts,
// versions, modules, dependencies, environment/module runs, policy
// bindings, API tokens, and the Helm index, grounded on
// Aureuma-si/apps/ReleaseParty/backend/internal/api's handler shape.
package httpapi

import (
	"context"
	"net/http"
	"sort"
	"strconv"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/qendev/iacreg/internal/audit"
	"github.com/qendev/iacreg/internal/calltoken"
	"github.com/qendev/iacreg/internal/dag"
	"github.com/qendev/iacreg/internal/model"
	"github.com/qendev/iacreg/internal/policy"
	"github.com/qendev/iacreg/internal/semver"
	"github.com/qendev/iacreg/internal/storage"
)

// --- Artifacts ---------------------------------------------------------

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.ArtifactFilter{
		Type:   model.ArtifactType(q.Get("type")),
		Status: model.ArtifactStatus(q.Get("status")),
		Team:   q.Get("team"),
		Tag:    q.Get("tag"),
		Cursor: q.Get("cursor"),
	}
	if l, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = l
	}
	page, err := s.deps.Store.ListArtifacts(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list artifacts failed")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type createArtifactRequest struct {
	Namespace      string               `json:"namespace" validate:"required"`
	Name           string               `json:"name" validate:"required"`
	Provider       string               `json:"provider,omitempty"`
	Type           model.ArtifactType   `json:"type" validate:"required"`
	Team           string               `json:"team,omitempty"`
	StorageConfig  map[string]any       `json:"storage_config,omitempty"`
	ApprovalPolicy map[string]any       `json:"approval_policy,omitempty"`
	Source         model.SourceConfig   `json:"source_config"`
	Tags           []string             `json:"tags,omitempty"`
}

func (s *Server) handleCreateArtifact(w http.ResponseWriter, r *http.Request) {
	var req createArtifactRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a := &model.Artifact{
		Namespace:      req.Namespace,
		Name:           req.Name,
		Provider:       req.Provider,
		Type:           req.Type,
		Status:         model.ArtifactActive,
		Team:           req.Team,
		StorageConfig:  req.StorageConfig,
		ApprovalPolicy: req.ApprovalPolicy,
		Source:         req.Source,
		Tags:           req.Tags,
	}
	if err := s.deps.Store.InsertArtifact(r.Context(), a); err != nil {
		writeError(w, http.StatusInternalServerError, "create artifact failed")
		return
	}

	s.deps.Audit.Record(r.Context(), model.AuditEntry{
		Action: audit.ActionArtifactCreated, ResourceType: "artifact", ResourceID: a.ID,
		ResourceName: a.Namespace + "/" + a.Name, Actor: actorFromRequest(r),
	})
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Store.GetArtifact(r.Context(), routeParam(r, "artifactID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type updateArtifactRequest struct {
	Status         *model.ArtifactStatus `json:"status,omitempty"`
	Team           *string               `json:"team,omitempty"`
	StorageConfig  map[string]any        `json:"storage_config,omitempty"`
	ApprovalPolicy map[string]any        `json:"approval_policy,omitempty"`
	Tags           []string              `json:"tags,omitempty"`
}

func (s *Server) handleUpdateArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Store.GetArtifact(r.Context(), routeParam(r, "artifactID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	var req updateArtifactRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status != nil {
		a.Status = *req.Status
	}
	if req.Team != nil {
		a.Team = *req.Team
	}
	if req.StorageConfig != nil {
		a.StorageConfig = req.StorageConfig
	}
	if req.ApprovalPolicy != nil {
		a.ApprovalPolicy = req.ApprovalPolicy
	}
	if req.Tags != nil {
		a.Tags = req.Tags
	}
	if err := s.deps.Store.UpdateArtifact(r.Context(), a); err != nil {
		writeError(w, http.StatusInternalServerError, "update artifact failed")
		return
	}
	s.deps.Audit.Record(r.Context(), model.AuditEntry{
		Action: audit.ActionArtifactUpdated, ResourceType: "artifact", ResourceID: a.ID,
		ResourceName: a.Namespace + "/" + a.Name, Actor: actorFromRequest(r),
	})
	writeJSON(w, http.StatusOK, a)
}

// --- Versions ------------------------------------------------------------

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.Store.ListVersions(r.Context(), routeParam(r, "artifactID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list versions failed")
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

type approveVersionRequest struct {
	Approver string `json:"approver,omitempty"`
}

// handleApproveVersion records one approval vote and evaluates the
// governing policy (spec.md §4.4): the version only transitions to
// approved once the outcome is not a fail. This mirrors the auto-approve
// path internal/ingest drives on ingestion, applied here to an explicit
// human approval.
func (s *Server) handleApproveVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	artifactID := routeParam(r, "artifactID")
	versionID := routeParam(r, "versionID")

	a, err := s.deps.Store.GetArtifact(ctx, artifactID)
	if err != nil {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	v, err := s.deps.Store.GetVersion(ctx, versionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "version not found")
		return
	}

	var req approveVersionRequest
	_ = decodeJSON(r, &req)
	approver := req.Approver
	if approver == "" {
		approver = actorFromRequest(r)
	}

	if err := s.deps.Store.RecordApproval(ctx, versionID, approver); err != nil {
		writeError(w, http.StatusInternalServerError, "record approval failed")
		return
	}

	bindings, err := s.deps.Store.ListBindings(ctx, a.ID, a.Namespace, a.Team)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list policy bindings failed")
		return
	}
	rules := s.deps.PolicyResolver.Resolve(bindings, a.ID, a.Namespace, a.Team)

	distinct, err := s.deps.Store.DistinctApprovers(ctx, versionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list approvers failed")
		return
	}
	grades, err := s.deps.Store.ScanGrades(ctx, versionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list scan grades failed")
		return
	}
	ciResults, err := s.deps.Store.CIResultsForVersion(ctx, versionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list CI results failed")
		return
	}

	latest, err := s.deps.Store.GetLatestVersion(ctx, a.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get latest version failed")
		return
	}
	isFirst := latest == nil
	isPatch := false
	if !isFirst {
		if prev, perr := semver.Parse(latest.Version); perr == nil {
			if cur, cerr := semver.Parse(v.Version); cerr == nil {
				isPatch = semver.IsPatchBump(prev, cur)
			}
		}
	}

	in := policy.EvalInput{
		Trigger:           model.TriggerApproval,
		Actor:             approver,
		PublishedBy:       v.PublishedBy,
		DistinctApprovers: distinct,
		ScanGrades:        grades,
		TestsPassed:       ciPassed(ciResults, "test"),
		ValidatePassed:    ciPassed(ciResults, "validate"),
		IsPatchBump:       isPatch,
		IsFirstVersion:    isFirst,
	}
	results, outcome, err := s.deps.PolicyEval.Evaluate(ctx, rules, in)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "policy evaluation failed")
		return
	}

	level := model.EnforceBlock
	if rules.EnforcementLevel != nil {
		level = *rules.EnforcementLevel
	}
	evaluation := &model.PolicyEvaluation{
		ArtifactID: a.ID, VersionID: versionID, Trigger: model.TriggerApproval,
		Actor: approver, EnforcementLevel: level, Outcome: outcome, Results: results,
	}
	if err := s.deps.Store.InsertPolicyEvaluation(ctx, evaluation); err != nil {
		s.log.Warn("insert policy evaluation failed", zap.Error(err))
	}
	s.deps.Audit.Record(ctx, model.AuditEntry{
		Action: audit.ActionPolicyEvaluated, ResourceType: "version", ResourceID: versionID,
		VersionID: versionID, Actor: approver,
		Details: map[string]any{"trigger": "approval", "outcome": string(outcome)},
	})

	if outcome == model.OutcomeFail {
		// PolicyFail maps to 422 with the rule results.
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"message": "policy evaluation failed", "outcome": outcome, "results": results,
		})
		return
	}

	if err := s.deps.Store.ApproveVersion(ctx, versionID, approver); err != nil {
		writeError(w, http.StatusInternalServerError, "approve version failed")
		return
	}
	s.deps.Audit.Record(ctx, model.AuditEntry{
		Action: audit.ActionVersionApproved, ResourceType: "version", ResourceID: versionID,
		VersionID: versionID, Actor: approver,
		Details: map[string]any{"is_first": isFirst, "is_patch_bump": isPatch},
	})
	if s.deps.Cascade != nil {
		if err := s.deps.Cascade.TriggerCascade(ctx, a.ID, v.Version); err != nil {
			s.log.Warn("trigger cascade failed", zap.Error(err))
		}
	}
	if s.deps.HelmCache != nil && a.Type == model.ArtifactHelmChart {
		_ = s.deps.HelmCache.Invalidate(ctx, a.Namespace)
	}

	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome, "results": results})
}

func ciPassed(results []model.CIResult, operation string) bool {
	found := false
	for _, r := range results {
		if r.Operation != operation {
			continue
		}
		found = true
		if !r.Success {
			return false
		}
	}
	return found
}

func (s *Server) handleRejectVersion(w http.ResponseWriter, r *http.Request) {
	versionID := routeParam(r, "versionID")
	if err := s.deps.Store.RejectVersion(r.Context(), versionID); err != nil {
		writeError(w, http.StatusInternalServerError, "reject version failed")
		return
	}
	s.deps.Audit.Record(r.Context(), model.AuditEntry{
		Action: audit.ActionVersionRejected, ResourceType: "version", ResourceID: versionID,
		VersionID: versionID, Actor: actorFromRequest(r),
	})
	if s.deps.HelmCache != nil {
		if a, err := s.deps.Store.GetArtifact(r.Context(), routeParam(r, "artifactID")); err == nil && a.Type == model.ArtifactHelmChart {
			_ = s.deps.HelmCache.Invalidate(r.Context(), a.Namespace)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleYankVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	artifactID := routeParam(r, "artifactID")
	versionID := routeParam(r, "versionID")
	if err := s.deps.Store.YankVersion(ctx, versionID); err != nil {
		writeError(w, http.StatusInternalServerError, "yank version failed")
		return
	}
	s.deps.Audit.Record(ctx, model.AuditEntry{
		Action: audit.ActionVersionYanked, ResourceType: "version", ResourceID: versionID,
		VersionID: versionID, Actor: actorFromRequest(r),
	})
	if s.deps.HelmCache != nil {
		if a, err := s.deps.Store.GetArtifact(ctx, artifactID); err == nil && a.Type == model.ArtifactHelmChart {
			_ = s.deps.HelmCache.Invalidate(ctx, a.Namespace)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Modules and dependencies --------------------------------------------

func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	modules, err := s.deps.Store.ListModulesByEnvironment(r.Context(), routeParam(r, "environmentID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list modules failed")
		return
	}
	writeJSON(w, http.StatusOK, modules)
}

type createModuleRequest struct {
	ArtifactID         string            `json:"artifact_id" validate:"required"`
	Name               string            `json:"name" validate:"required"`
	PinnedVersion      *string           `json:"pinned_version,omitempty"`
	Mode               model.ExecutionMode `json:"mode" validate:"required"`
	AutoPlanOnUpdate   bool              `json:"auto_plan_on_module_update"`
	TFVersion          string            `json:"tf_version,omitempty"`
	StateBackend       map[string]any    `json:"state_backend,omitempty"`
	VCSTriggerOverride map[string]any    `json:"vcs_trigger_override,omitempty"`
	Variables          map[string]any    `json:"variables,omitempty"`
}

func (s *Server) handleCreateModule(w http.ResponseWriter, r *http.Request) {
	var req createModuleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m := &model.Module{
		EnvironmentID:      routeParam(r, "environmentID"),
		ArtifactID:         req.ArtifactID,
		Name:               req.Name,
		PinnedVersion:      req.PinnedVersion,
		Mode:               req.Mode,
		AutoPlanOnUpdate:   req.AutoPlanOnUpdate,
		TFVersion:          req.TFVersion,
		StateBackend:       req.StateBackend,
		VCSTriggerOverride: req.VCSTriggerOverride,
		Variables:          req.Variables,
		Status:             model.ModuleActive,
	}
	if err := s.deps.Store.InsertModule(r.Context(), m); err != nil {
		writeError(w, http.StatusInternalServerError, "create module failed")
		return
	}
	s.deps.Audit.Record(r.Context(), model.AuditEntry{
		Action: audit.ActionModuleCreated, ResourceType: "module", ResourceID: m.ID,
		ResourceName: m.Name, Actor: actorFromRequest(r),
	})
	writeJSON(w, http.StatusCreated, m)
}

type createDependencyRequest struct {
	ModuleID      string                 `json:"module_id" validate:"required"`
	DependsOnID   string                 `json:"depends_on_id" validate:"required"`
	OutputMapping []model.OutputMapping  `json:"output_mapping,omitempty"`
}

// handleCreateDependency verifies the resulting graph stays acyclic
// before writing the edge, per internal/storage's InsertDependency
// contract.
func (s *Server) handleCreateDependency(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	environmentID := routeParam(r, "environmentID")
	var req createDependencyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	modules, err := s.deps.Store.ListModulesByEnvironment(ctx, environmentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list modules failed")
		return
	}
	deps, err := s.deps.Store.ListDependencies(ctx, environmentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list dependencies failed")
		return
	}
	candidate := &model.ModuleDependency{ModuleID: req.ModuleID, DependsOnID: req.DependsOnID, OutputMapping: req.OutputMapping}
	deps = append(deps, candidate)
	if _, err := dag.TopoSort(environmentID, modules, deps); err != nil {
		writeError(w, http.StatusBadRequest, "dependency would introduce a cycle")
		return
	}

	if err := s.deps.Store.InsertDependency(ctx, candidate); err != nil {
		writeError(w, http.StatusInternalServerError, "create dependency failed")
		return
	}
	s.deps.Audit.Record(ctx, model.AuditEntry{
		Action: audit.ActionDependencyCreated, ResourceType: "module_dependency", ResourceID: candidate.ID,
		Actor: actorFromRequest(r),
		Details: map[string]any{"module_id": req.ModuleID, "depends_on_id": req.DependsOnID},
	})
	writeJSON(w, http.StatusCreated, candidate)
}

// --- Environment and module runs -----------------------------------------

type triggerEnvironmentRunRequest struct {
	Operation model.EnvironmentRunOperation `json:"operation" validate:"required"`
}

func (s *Server) handleTriggerEnvironmentRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	environmentID := routeParam(r, "environmentID")

	var req triggerEnvironmentRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	locked, err := s.deps.Store.IsEnvironmentLocked(ctx, environmentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "check environment lock failed")
		return
	}
	if locked {
		writeError(w, http.StatusConflict, "environment is locked")
		return
	}

	run, err := s.deps.DAG.StartEnvironmentRun(ctx, environmentID, req.Operation, actorFromRequest(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Audit.Record(ctx, model.AuditEntry{
		Action: audit.ActionEnvironmentRunTriggered, ResourceType: "environment_run", ResourceID: run.ID,
		Actor:   actorFromRequest(r),
		Details: map[string]any{"environment_id": environmentID, "operation": string(req.Operation)},
	})
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetEnvironmentRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetEnvironmentRun(r.Context(), routeParam(r, "environmentRunID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "environment run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetModuleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetRun(r.Context(), routeParam(r, "runID"))
	if err != nil || run == nil {
		writeError(w, http.StatusNotFound, "module run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelModuleRun(w http.ResponseWriter, r *http.Request) {
	s.transitionModuleRunByID(w, r, model.RunCancelled, storage.RunStatusFields{})
}

func (s *Server) handleConfirmModuleRun(w http.ResponseWriter, r *http.Request) {
	s.transitionModuleRunByID(w, r, model.RunConfirmed, storage.RunStatusFields{})
}

func (s *Server) handleDiscardModuleRun(w http.ResponseWriter, r *http.Request) {
	s.transitionModuleRunByID(w, r, model.RunDiscarded, storage.RunStatusFields{})
}

// transitionModuleRunByID fetches the run named by the runID route
// parameter and reuses the same transition-plus-terminal-effects path
// the executor callback surface drives.
func (s *Server) transitionModuleRunByID(w http.ResponseWriter, r *http.Request, to model.RunStatus, fields storage.RunStatusFields) {
	run, err := s.deps.Store.GetRun(r.Context(), routeParam(r, "runID"))
	if err != nil || run == nil {
		writeError(w, http.StatusNotFound, "module run not found")
		return
	}
	s.applyRunTransition(w, r, run, to, fields)
}

// --- Policy bindings -------------------------------------------------------

type createPolicyBindingRequest struct {
	Scope    model.PolicyScope `json:"scope" validate:"required"`
	ScopeKey string            `json:"scope_key"`
	Rules    model.PolicyRules `json:"rules"`
}

func (s *Server) handleCreatePolicyBinding(w http.ResponseWriter, r *http.Request) {
	var req createPolicyBindingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	b := &model.PolicyBinding{Scope: req.Scope, ScopeKey: req.ScopeKey, Rules: req.Rules}
	if err := s.deps.Store.InsertBinding(r.Context(), b); err != nil {
		writeError(w, http.StatusInternalServerError, "create policy binding failed")
		return
	}
	s.deps.Audit.Record(r.Context(), model.AuditEntry{
		Action: audit.ActionPolicyBindingCreated, ResourceType: "policy_binding", ResourceID: b.ID,
		Actor: actorFromRequest(r),
	})
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListPolicyBindings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bindings, err := s.deps.Store.ListBindings(r.Context(), q.Get("artifact_id"), q.Get("namespace"), q.Get("team"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list policy bindings failed")
		return
	}
	writeJSON(w, http.StatusOK, bindings)
}

// --- API tokens ------------------------------------------------------------

type createAPITokenRequest struct {
	Name  string               `json:"name" validate:"required"`
	Scope model.APITokenScope  `json:"scope" validate:"required"`
}

// handleCreateAPIToken shows the raw breg_-prefixed secret exactly once,
// at mint time; only its hash is ever persisted.
func (s *Server) handleCreateAPIToken(w http.ResponseWriter, r *http.Request) {
	var req createAPITokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	minted, err := calltoken.Mint(calltoken.PrefixRegistry)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "mint token failed")
		return
	}
	t := &model.APIToken{Name: req.Name, TokenHash: minted.Hash, Scope: req.Scope, CreatedBy: actorFromRequest(r)}
	if err := s.deps.Store.InsertAPIToken(r.Context(), t); err != nil {
		writeError(w, http.StatusInternalServerError, "create api token failed")
		return
	}
	s.deps.Audit.Record(r.Context(), model.AuditEntry{
		Action: audit.ActionAPITokenCreated, ResourceType: "api_token", ResourceID: t.ID,
		ResourceName: t.Name, Actor: actorFromRequest(r),
	})
	writeJSON(w, http.StatusCreated, map[string]any{"token": minted.Token, "api_token": t})
}

func (s *Server) handleListAPITokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.deps.Store.ListAPITokens(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list api tokens failed")
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleRevokeAPIToken(w http.ResponseWriter, r *http.Request) {
	tokenID := routeParam(r, "tokenID")
	if err := s.deps.Store.RevokeAPIToken(r.Context(), tokenID); err != nil {
		writeError(w, http.StatusInternalServerError, "revoke api token failed")
		return
	}
	s.deps.Audit.Record(r.Context(), model.AuditEntry{
		Action: audit.ActionAPITokenRevoked, ResourceType: "api_token", ResourceID: tokenID,
		Actor: actorFromRequest(r),
	})
	w.WriteHeader(http.StatusNoContent)
}

// --- Helm index ------------------------------------------------------------

type helmIndexEntry struct {
	Name    string   `yaml:"name"`
	Version string   `yaml:"version"`
	Digest  string   `yaml:"digest,omitempty"`
	Created string   `yaml:"created"`
	URLs    []string `yaml:"urls"`
}

type helmIndex struct {
	APIVersion string                      `yaml:"apiVersion"`
	Generated  string                      `yaml:"generated"`
	Entries    map[string][]helmIndexEntry `yaml:"entries"`
}

// handleHelmIndex renders a Helm repository index for every helm-chart
// artifact in namespace, memoized behind the short-TTL cache (spec.md
// §4.13). The cached entry is invalidated when a chart version in that
// namespace is approved, rejected, yanked or has content uploaded through
// this API; versions created or auto-approved by webhook ingestion do not
// invalidate it and appear once the entry's TTL expires.
func (s *Server) handleHelmIndex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	namespace := routeParam(r, "namespace")

	if s.deps.HelmCache != nil {
		if entry, ok, err := s.deps.HelmCache.Get(ctx, namespace); err == nil && ok {
			if match := r.Header.Get("If-None-Match"); match != "" && match == entry.ETag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", entry.ETag)
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(entry.Content)
			return
		}
	}

	content, err := s.renderHelmIndex(ctx, namespace)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "render helm index failed")
		return
	}

	if s.deps.HelmCache != nil {
		if entry, err := s.deps.HelmCache.Set(ctx, namespace, content); err == nil {
			w.Header().Set("ETag", entry.ETag)
		}
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(content)
}

func (s *Server) renderHelmIndex(ctx context.Context, namespace string) ([]byte, error) {
	idx := helmIndex{APIVersion: "v1", Generated: now().UTC().Format("2006-01-02T15:04:05Z"), Entries: map[string][]helmIndexEntry{}}

	cursor := ""
	for {
		page, err := s.deps.Store.ListArtifacts(ctx, storage.ArtifactFilter{Type: model.ArtifactHelmChart, Cursor: cursor, Limit: 100})
		if err != nil {
			return nil, err
		}
		for _, a := range page.Items {
			if a.Namespace != namespace {
				continue
			}
			versions, err := s.deps.Store.ListVersions(ctx, a.ID)
			if err != nil {
				return nil, err
			}
			var chartEntries []helmIndexEntry
			for _, v := range versions {
				if v.Status != model.VersionApproved || v.IsBad {
					continue
				}
				chartEntries = append(chartEntries, helmIndexEntry{
					Name: a.Name, Version: v.Version, Digest: v.Digest,
					Created: v.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
					URLs:    []string{v.StorageRef},
				})
			}
			if len(chartEntries) > 0 {
				sort.Slice(chartEntries, func(i, j int) bool { return chartEntries[i].Version > chartEntries[j].Version })
				idx.Entries[a.Name] = chartEntries
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	return yaml.Marshal(idx)
}

// actorFromRequest resolves the registry token's name as the acting
// principal for audit entries, falling back to "unknown" if auth
// middleware did not run (e.g. in tests exercising a handler directly).
func actorFromRequest(r *http.Request) string {
	rec, _ := r.Context().Value(ctxKeyRegistryToken).(*model.APIToken)
	if rec == nil {
		return "unknown"
	}
	return "token:" + rec.Name
}
