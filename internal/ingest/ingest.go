// Package ingest implements version ingestion (spec.md §4.5): turning a
// verified push event into an idempotently-upserted Version, optionally
// auto-approved per policy, and cascaded to dependent modules.
package ingest

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/qendev/iacreg/internal/audit"
	"github.com/qendev/iacreg/internal/model"
	"github.com/qendev/iacreg/internal/policy"
	"github.com/qendev/iacreg/internal/semver"
	"github.com/qendev/iacreg/internal/storage"
	"github.com/qendev/iacreg/internal/webhookv"
)

// Cascader is the narrow view of the cascade manager ingestion needs,
// kept as an interface so this package does not import internal/cascade
// directly (cascade depends on ingest's output, not the reverse).
type Cascader interface {
	TriggerCascade(ctx context.Context, artifactID, newVersion string) error
}

// Result summarizes the outcome of one Ingest call, for tests and for the
// webhook handler's log line. VersionsCreated lists the parsed version
// once per matched artifact, whether or not the upsert created a new row;
// VersionsApproved is not filled in by Ingest.
type Result struct {
	MatchedArtifacts int
	VersionsCreated  []string
	VersionsApproved []string
}

// Ingestor wires the storage layer, policy engine, and cascade manager
// together to process verified push events.
type Ingestor struct {
	store    storage.Store
	resolver *policy.Resolver
	eval     *policy.Evaluator
	cascade  Cascader
	audit    *audit.Recorder
	log      *zap.Logger
}

// New returns an Ingestor.
func New(store storage.Store, cascade Cascader, auditRecorder *audit.Recorder, log *zap.Logger) *Ingestor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingestor{
		store:    store,
		resolver: policy.NewResolver(),
		eval:     policy.NewEvaluator(),
		cascade:  cascade,
		audit:    auditRecorder,
		log:      log,
	}
}

// Ingest processes a normalized push event: a non-tag push or an
// unparseable tag is silently ignored (returns a zero Result), matching
// spec.md §4.5's "given a parsed push event with a tag that parses as
// semver".
func (in *Ingestor) Ingest(ctx context.Context, event webhookv.PushEvent) (Result, error) {
	var res Result
	if event.Tag == "" {
		return res, nil
	}
	parsed, err := semver.Parse(event.Tag)
	if err != nil {
		in.log.Debug("ignoring non-semver tag push", zap.String("tag", event.Tag), zap.Error(err))
		return res, nil
	}

	artifacts, err := in.store.FindArtifactsByRepository(ctx, normalizeRepoURL(event.RepositoryURL))
	if err != nil {
		return res, fmt.Errorf("find artifacts by repository: %w", err)
	}
	res.MatchedArtifacts = len(artifacts)

	for _, a := range artifacts {
		if err := in.ingestOne(ctx, a, parsed, event); err != nil {
			return res, fmt.Errorf("ingest version for artifact %s: %w", a.ID, err)
		}
		res.VersionsCreated = append(res.VersionsCreated, parsed.String())
	}
	return res, nil
}

func (in *Ingestor) ingestOne(ctx context.Context, a *model.Artifact, parsed semver.Version, event webhookv.PushEvent) error {
	latest, err := in.store.GetLatestVersion(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("fetch latest version: %w", err)
	}

	version := &model.Version{
		ArtifactID: a.ID,
		Version:    parsed.String(),
		Status:     model.VersionPending,
	}
	created, err := in.store.UpsertVersion(ctx, version)
	if err != nil {
		return fmt.Errorf("upsert version: %w", err)
	}

	in.audit.Record(ctx, model.AuditEntry{
		Action:       audit.ActionVersionPublished,
		ResourceType: "version",
		ResourceID:   version.ID,
		VersionID:    version.ID,
		Actor:        "system:webhook",
		Details: map[string]any{
			"artifact_id": a.ID,
			"version":     version.Version,
			"new_row":     created,
			"ref":         event.Ref,
		},
	})

	if !created {
		return nil // re-delivered webhook: status already decided, no re-evaluation
	}

	rules := in.resolveRules(ctx, a)
	if rules.AutoApprovePatches == nil || !*rules.AutoApprovePatches {
		return nil
	}

	isFirst := latest == nil
	isPatch := !isFirst && semver.IsPatchBump(mustParse(latest.Version), parsed)

	decision := in.eval.AutoApproveDecision(rules, policy.EvalInput{
		IsPatchBump:    isPatch,
		IsFirstVersion: isFirst,
	})
	if !decision {
		return nil
	}

	if err := in.store.ApproveVersion(ctx, version.ID, "system:auto-approve"); err != nil {
		return fmt.Errorf("auto-approve version: %w", err)
	}
	in.audit.Record(ctx, model.AuditEntry{
		Action:       audit.ActionVersionApproved,
		ResourceType: "version",
		ResourceID:   version.ID,
		VersionID:    version.ID,
		Actor:        "system:auto-approve",
		Details: map[string]any{
			"artifact_id":   a.ID,
			"version":       version.Version,
			"is_first":      isFirst,
			"is_patch_bump": isPatch,
		},
	})

	if in.cascade != nil {
		if err := in.cascade.TriggerCascade(ctx, a.ID, version.Version); err != nil {
			return fmt.Errorf("trigger cascade: %w", err)
		}
	}
	return nil
}

func (in *Ingestor) resolveRules(ctx context.Context, a *model.Artifact) model.PolicyRules {
	bindings, err := in.store.ListBindings(ctx, a.ID, a.Namespace, a.Team)
	if err != nil {
		in.log.Warn("list policy bindings failed, treating as no bindings", zap.Error(err))
		bindings = nil
	}
	return in.resolver.Resolve(bindings, a.ID, a.Namespace, a.Team)
}

func mustParse(v string) semver.Version {
	parsed, err := semver.Parse(v)
	if err != nil {
		return semver.Version{}
	}
	return parsed
}

// normalizeRepoURL trims a single trailing slash, matching the exact-
// after-trailing-slash-normalization rule of spec.md §4.5.
func normalizeRepoURL(url string) string {
	return strings.TrimSuffix(url, "/")
}
