// Package audit records append-only audit entries for the registry's
// domain actions, grounded on marcus-qen-legator/internal/controlplane/audit's
// EventType-constant-plus-Record shape, adapted from an in-memory ring
// buffer to a thin fire-and-forget wrapper over the persistence
// contract: spec.md §4.4/§9 require that a failed audit write never
// blocks the caller's user-visible response, so Record only logs on
// error rather than returning one.
package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/qendev/iacreg/internal/model"
	"github.com/qendev/iacreg/internal/storage"
)

// Action names the domain events this registry audits. Unlike the
// teacher's EventType, these stay free-form strings matching spec.md's
// "version.published"-style examples rather than a closed enum, since
// the spec never enumerates the full action set.
const (
	ActionVersionPublished = "version.published"
	ActionVersionApproved  = "version.approved"
	ActionVersionRejected  = "version.rejected"
	ActionVersionYanked    = "version.yanked"
	ActionVersionDownloaded = "version.downloaded"
	ActionVersionContentUploaded = "version.content_uploaded"
	ActionRunPlanUploaded  = "run.plan_uploaded"
	ActionCascadeFanout    = "cascade.fanout"
	ActionRunCreated       = "run.created"
	ActionRunTransitioned  = "run.transitioned"
	ActionPolicyEvaluated  = "policy.evaluated"
	ActionArtifactCreated  = "artifact.created"
	ActionArtifactUpdated  = "artifact.updated"
	ActionModuleCreated    = "module.created"
	ActionDependencyCreated = "dependency.created"
	ActionEnvironmentRunTriggered = "environment_run.triggered"
	ActionPolicyBindingCreated    = "policy_binding.created"
	ActionAPITokenCreated  = "api_token.created"
	ActionAPITokenRevoked  = "api_token.revoked"
)

// Recorder appends audit entries, logging (never propagating) failures.
type Recorder struct {
	store storage.AuditStore
	log   *zap.Logger
}

// NewRecorder returns a Recorder. A nil logger defaults to a no-op one.
func NewRecorder(store storage.AuditStore, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{store: store, log: log}
}

// Record appends entry through the audit store, which assigns its ID and
// OccurredAt. Storage
// failures are logged, not returned, so audit writes never fail the
// user-visible operation that triggered them.
func (r *Recorder) Record(ctx context.Context, entry model.AuditEntry) {
	if err := r.store.AppendAudit(ctx, &entry); err != nil {
		r.log.Error("audit write failed",
			zap.String("action", entry.Action),
			zap.String("resource_type", entry.ResourceType),
			zap.String("resource_id", entry.ResourceID),
			zap.Error(err))
	}
}
