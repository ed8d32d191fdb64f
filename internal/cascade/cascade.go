// Package cascade implements the cascade manager (spec.md §4.6): fanning
// a newly-approved version out to every environment module configured to
// auto-plan on update, subject to the module's constraint, status, and
// environment lock.
package cascade

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/qendev/iacreg/internal/audit"
	"github.com/qendev/iacreg/internal/model"
	"github.com/qendev/iacreg/internal/semver"
	"github.com/qendev/iacreg/internal/storage"
)

// Manager fans a new artifact version out to qualifying modules as
// speculative plan runs.
type Manager struct {
	store storage.Store
	audit *audit.Recorder
	log   *zap.Logger
}

// New returns a Manager.
func New(store storage.Store, auditRecorder *audit.Recorder, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: store, audit: auditRecorder, log: log}
}

// fanoutTotals accumulates the counts spec.md §4.6 requires in the
// single summarizing audit entry.
type fanoutTotals struct {
	Total             int `json:"total"`
	SkippedLocked     int `json:"skipped_locked"`
	SkippedConstraint int `json:"skipped_constraint"`
	SkippedIneligible int `json:"skipped_ineligible"`
	Created           int `json:"created"`
}

// TriggerCascade implements triggerCascade(artifactId, newVersion).
func (m *Manager) TriggerCascade(ctx context.Context, artifactID, newVersion string) error {
	candidate, err := semver.Parse(newVersion)
	if err != nil {
		return fmt.Errorf("parse candidate version %q: %w", newVersion, err)
	}

	modules, err := m.store.ListModulesForArtifact(ctx, artifactID)
	if err != nil {
		return fmt.Errorf("list modules for artifact %s: %w", artifactID, err)
	}

	totals := fanoutTotals{Total: len(modules)}
	lockedCache := make(map[string]bool)

	for _, mod := range modules {
		if mod.Status != model.ModuleActive || !mod.AutoPlanOnUpdate {
			totals.SkippedIneligible++
			continue
		}
		if !semver.ShouldCascade(mod.PinnedVersion, candidate) {
			totals.SkippedConstraint++
			continue
		}

		locked, ok := lockedCache[mod.EnvironmentID]
		if !ok {
			locked, err = m.store.IsEnvironmentLocked(ctx, mod.EnvironmentID)
			if err != nil {
				return fmt.Errorf("check environment lock for %s: %w", mod.EnvironmentID, err)
			}
			lockedCache[mod.EnvironmentID] = locked
		}
		if locked {
			totals.SkippedLocked++
			continue
		}

		run := &model.ModuleRun{
			ModuleID:     mod.ID,
			Operation:    model.OpPlan,
			Mode:         mod.Mode,
			Priority:     model.PriorityCascade,
			TriggeredBy:  "system:cascade",
			Variables:    mod.Variables,
			StateBackend: mod.StateBackend,
			TFVersion:    mod.TFVersion,
		}
		if err := m.store.CreateRun(ctx, run); err != nil {
			return fmt.Errorf("enqueue cascade run for module %s: %w", mod.ID, err)
		}
		totals.Created++
	}

	m.audit.Record(ctx, model.AuditEntry{
		Action:       audit.ActionCascadeFanout,
		ResourceType: "artifact",
		ResourceID:   artifactID,
		Actor:        "system:cascade",
		Details: map[string]any{
			"new_version":        newVersion,
			"total":              totals.Total,
			"skipped_locked":     totals.SkippedLocked,
			"skipped_constraint": totals.SkippedConstraint,
			"skipped_ineligible": totals.SkippedIneligible,
			"created":            totals.Created,
		},
	})

	m.log.Info("cascade fanout complete",
		zap.String("artifact_id", artifactID),
		zap.String("new_version", newVersion),
		zap.Int("total", totals.Total),
		zap.Int("created", totals.Created),
		zap.Int("skipped_locked", totals.SkippedLocked),
		zap.Int("skipped_constraint", totals.SkippedConstraint))
	return nil
}
