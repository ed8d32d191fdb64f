// Package storage defines the persistence contract (spec.md §4.14) the
// run-orchestration components depend on: typed operations over
// artifacts, versions, modules, module runs, environment runs, policy
// bindings/evaluations, audit entries, and CI results. This package
// holds no implementation — see internal/storage/sqlite for the
// reference backend. Components depend on the interfaces here, never on
// the concrete backend, so the run-queue/state-machine invariants that
// must be enforced "in the persistence layer" (spec.md §9) have exactly
// one place to live regardless of which database is wired in.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/qendev/iacreg/internal/model"
)

// ErrNotFound is returned by Get-style lookups that find no row, across
// every backend implementing this contract.
var ErrNotFound = errors.New("not found")

// ArtifactFilter narrows a List query. Zero values are "no filter".
type ArtifactFilter struct {
	Type   model.ArtifactType
	Status model.ArtifactStatus
	Team   string
	Tag    string
	Cursor string
	Limit  int
}

// Page is a cursor-paginated result set.
type Page[T any] struct {
	Items      []T
	NextCursor string
}

// ArtifactStore persists Artifact entities.
type ArtifactStore interface {
	InsertArtifact(ctx context.Context, a *model.Artifact) error
	UpdateArtifact(ctx context.Context, a *model.Artifact) error
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)
	// FindArtifactsByRepository returns artifacts whose source repository
	// URL matches repoURL exactly, after trailing-slash normalization.
	FindArtifactsByRepository(ctx context.Context, repoURL string) ([]*model.Artifact, error)
	ListArtifacts(ctx context.Context, filter ArtifactFilter) (Page[*model.Artifact], error)
}

// VersionStore persists Version entities.
type VersionStore interface {
	// UpsertVersion inserts a Version keyed by (artifact_id, version); on
	// conflict it updates only the timestamp and storage reference — the
	// approval status is never reset by a re-delivered webhook. Reports
	// whether the row was newly created.
	UpsertVersion(ctx context.Context, v *model.Version) (created bool, err error)
	ApproveVersion(ctx context.Context, versionID, approvedBy string) error
	RejectVersion(ctx context.Context, versionID string) error
	YankVersion(ctx context.Context, versionID string) error
	GetVersion(ctx context.Context, versionID string) (*model.Version, error)
	GetLatestVersion(ctx context.Context, artifactID string) (*model.Version, error)
	ListVersions(ctx context.Context, artifactID string) ([]*model.Version, error)
	RecordApproval(ctx context.Context, versionID, approver string) error
	DistinctApprovers(ctx context.Context, versionID string) ([]string, error)
	ScanGrades(ctx context.Context, versionID string) ([]model.ScanGrade, error)
	// SetVersionStorage records where a version's byte payload landed
	// after a content upload: the OCI reference, manifest digest, and
	// payload size.
	SetVersionStorage(ctx context.Context, versionID, storageRef, digest string, sizeBytes int64) error
}

// ModuleStore persists Module and ModuleDependency entities.
type ModuleStore interface {
	// InsertModule writes a new Module binding, assigning an id if one is
	// not already set.
	InsertModule(ctx context.Context, m *model.Module) error
	GetModule(ctx context.Context, id string) (*model.Module, error)
	// ListModulesForArtifact returns every module pinning the given
	// artifact, regardless of environment, for cascade fan-out.
	ListModulesForArtifact(ctx context.Context, artifactID string) ([]*model.Module, error)
	ListModulesByEnvironment(ctx context.Context, environmentID string) ([]*model.Module, error)
	ListDependencies(ctx context.Context, environmentID string) ([]*model.ModuleDependency, error)
	// InsertDependency writes an edge after the caller has verified the
	// resulting graph stays acyclic.
	InsertDependency(ctx context.Context, d *model.ModuleDependency) error
	IsEnvironmentLocked(ctx context.Context, environmentID string) (bool, error)
}

// RunStore persists ModuleRun entities and enforces the at-most-one-
// active-run-per-module invariant under a single transaction per
// mutating call.
type RunStore interface {
	// CreateRun inserts run, assigning it to the active slot or the next
	// queue position for its module (spec.md §4.9), atomically.
	CreateRun(ctx context.Context, run *model.ModuleRun) error
	GetRun(ctx context.Context, id string) (*model.ModuleRun, error)
	// UpdateRunStatus validates and applies a status transition via
	// internal/runstate, rejecting any terminal-to-anything change.
	UpdateRunStatus(ctx context.Context, id string, to model.RunStatus, fields RunStatusFields) (*model.ModuleRun, error)
	// DequeueNext terminates the module's active slot (the caller has
	// already transitioned it to a terminal status) and promotes the next
	// pending run in one atomic step, returning it (or nil).
	DequeueNext(ctx context.Context, moduleID string) (*model.ModuleRun, error)
	GetActiveRun(ctx context.Context, moduleID string) (*model.ModuleRun, error)
	GetQueuedCount(ctx context.Context, moduleID string) (int, error)
	ListRunsByStatus(ctx context.Context, status model.RunStatus, mode model.ExecutionMode) ([]*model.ModuleRun, error)
	// GetLatestSuccessfulApply returns the most recent succeeded apply run
	// for moduleID, or nil if none exists.
	GetLatestSuccessfulApply(ctx context.Context, moduleID string) (*model.ModuleRun, error)
	// ExpireTimedOut transitions every running run older than olderThan
	// to timed_out and returns the affected run IDs.
	ExpireTimedOut(ctx context.Context, olderThan time.Time) ([]string, error)
	// ExpireUnconfirmedPlanned transitions every planned run older than
	// olderThan to discarded and returns the affected run IDs.
	ExpireUnconfirmedPlanned(ctx context.Context, olderThan time.Time) ([]string, error)
	// CreateSkippedRun inserts run directly in the terminal skipped
	// status, bypassing the queue entirely — a skipped run never
	// occupies a module's active slot and never dispatches (spec.md §4.8).
	CreateSkippedRun(ctx context.Context, run *model.ModuleRun, reason string) error
	// GetEnvironmentModuleRun returns the Module Run for moduleID created
	// under environmentRunID, or nil if none exists yet.
	GetEnvironmentModuleRun(ctx context.Context, environmentRunID, moduleID string) (*model.ModuleRun, error)
}

// RunStatusFields carries the optional fields a status update may set
// alongside the new status.
type RunStatusFields struct {
	CallbackTokenHash *string
	ExitCode          *int
	ResourcesAdded    *int
	ResourcesChanged  *int
	ResourcesDestroyed *int
	TFOutputs         map[string]any
	FailureReason     *string
	StartedAt         *time.Time
	PlanArtifactRef   *string
}

// EnvRunStore persists EnvironmentRun entities.
type EnvRunStore interface {
	CreateEnvironmentRun(ctx context.Context, run *model.EnvironmentRun) error
	GetEnvironmentRun(ctx context.Context, id string) (*model.EnvironmentRun, error)
	UpdateEnvironmentRunStatus(ctx context.Context, id string, status model.EnvironmentRunStatus) error
	ExpireConfirmationPending(ctx context.Context, olderThan time.Time) ([]string, error)
}

// PolicyStore persists policy bindings and evaluation audit rows.
type PolicyStore interface {
	ListBindings(ctx context.Context, artifactID, namespace, team string) ([]model.PolicyBinding, error)
	// InsertBinding writes a new policy binding, assigning an id if one is
	// not already set.
	InsertBinding(ctx context.Context, b *model.PolicyBinding) error
	InsertPolicyEvaluation(ctx context.Context, eval *model.PolicyEvaluation) error
}

// AuditStore is the append-only audit sink.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *model.AuditEntry) error
}

// CIStore fetches CI results recorded for a version.
type CIStore interface {
	CIResultsForVersion(ctx context.Context, versionID string) ([]model.CIResult, error)
}

// AuthStore persists registry API tokens (spec.md §4.2, §6's api_tokens
// table). Lookup is by hash, never by the raw secret.
type AuthStore interface {
	InsertAPIToken(ctx context.Context, t *model.APIToken) error
	GetAPITokenByHash(ctx context.Context, hash string) (*model.APIToken, error)
	TouchAPIToken(ctx context.Context, id string) error
	RevokeAPIToken(ctx context.Context, id string) error
	ListAPITokens(ctx context.Context) ([]*model.APIToken, error)
}

// Store is the full persistence contract; components take the narrowest
// sub-interface they need, but a single backend implements all of them.
type Store interface {
	ArtifactStore
	VersionStore
	ModuleStore
	RunStore
	EnvRunStore
	PolicyStore
	AuditStore
	CIStore
	AuthStore
}
