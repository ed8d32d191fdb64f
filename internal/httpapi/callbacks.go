// Executor callbacks (spec.md §4.10): the brce_-token-authenticated
// channel a dispatched run reports status, plan summaries, logs, and
// Terraform outputs back on. Every endpoint here is idempotent on a run
// already in a terminal status — runstate.Validate rejects the
// transition, and that rejection is answered as a no-op 200 rather than
// surfaced as an error, since a retried callback must never fail the
// executor's delivery loop.
package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/qendev/iacreg/internal/audit"
	"github.com/qendev/iacreg/internal/model"
	"github.com/qendev/iacreg/internal/runstate"
	"github.com/qendev/iacreg/internal/storage"
)

type statusCallbackRequest struct {
	Status        string  `json:"status" validate:"required"`
	ExitCode      *int    `json:"exit_code,omitempty"`
	FailureReason *string `json:"failure_reason,omitempty"`
}

func (s *Server) handleCallbackStatus(w http.ResponseWriter, r *http.Request) {
	run := callbackRunFromContext(r)
	var req statusCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	fields := storage.RunStatusFields{
		ExitCode:      req.ExitCode,
		FailureReason: req.FailureReason,
	}
	s.applyRunTransition(w, r, run, model.RunStatus(req.Status), fields)
}

type planCallbackRequest struct {
	ExitCode           *int   `json:"exit_code,omitempty"`
	ResourcesAdded     *int   `json:"resources_added,omitempty"`
	ResourcesChanged   *int   `json:"resources_changed,omitempty"`
	ResourcesDestroyed *int   `json:"resources_destroyed,omitempty"`
	PlanOutput         string `json:"plan_output,omitempty"`
}

func (s *Server) handleCallbackPlan(w http.ResponseWriter, r *http.Request) {
	run := callbackRunFromContext(r)
	var req planCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	fields := storage.RunStatusFields{
		ExitCode:           req.ExitCode,
		ResourcesAdded:     req.ResourcesAdded,
		ResourcesChanged:   req.ResourcesChanged,
		ResourcesDestroyed: req.ResourcesDestroyed,
	}
	if req.PlanOutput != "" {
		if ref := s.pushPlanArtifact(r.Context(), run, req.PlanOutput); ref != "" {
			fields.PlanArtifactRef = &ref
		}
	}
	s.applyRunTransition(w, r, run, model.RunPlanned, fields)
}

type outputsCallbackRequest struct {
	Outputs            map[string]any `json:"outputs,omitempty"`
	ExitCode           *int           `json:"exit_code,omitempty"`
	ResourcesAdded     *int           `json:"resources_added,omitempty"`
	ResourcesChanged   *int           `json:"resources_changed,omitempty"`
	ResourcesDestroyed *int           `json:"resources_destroyed,omitempty"`
}

func (s *Server) handleCallbackOutputs(w http.ResponseWriter, r *http.Request) {
	run := callbackRunFromContext(r)
	var req outputsCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	fields := storage.RunStatusFields{
		TFOutputs:          req.Outputs,
		ExitCode:           req.ExitCode,
		ResourcesAdded:     req.ResourcesAdded,
		ResourcesChanged:   req.ResourcesChanged,
		ResourcesDestroyed: req.ResourcesDestroyed,
	}
	to := model.RunSucceeded
	if run.Operation == model.OpPlan {
		to = model.RunPlanned
	}
	s.applyRunTransition(w, r, run, to, fields)
}

type logsCallbackRequest struct {
	Lines []string `json:"lines"`
}

// handleCallbackLogs accepts a batch of executor log lines. There is no
// dedicated log store in this registry's persistence contract, so lines
// are folded into the server's own structured log rather than dropped
// silently.
func (s *Server) handleCallbackLogs(w http.ResponseWriter, r *http.Request) {
	run := callbackRunFromContext(r)
	var req logsCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for _, line := range req.Lines {
		s.log.Info("run log", zap.String("run_id", run.ID), zap.String("line", line))
	}
	w.WriteHeader(http.StatusNoContent)
}

// applyRunTransition drives a single UpdateRunStatus call and its
// terminal side effects, matching the bookkeeping internal/dispatch
// applies after a poll-loop dispatch (queue dequeue, DAG notification).
func (s *Server) applyRunTransition(w http.ResponseWriter, r *http.Request, run *model.ModuleRun, to model.RunStatus, fields storage.RunStatusFields) {
	ctx := r.Context()
	updated, err := s.deps.Store.UpdateRunStatus(ctx, run.ID, to, fields)
	if err != nil {
		var illegal *runstate.IllegalTransition
		if errors.As(err, &illegal) {
			writeJSON(w, http.StatusOK, map[string]any{"message": "no-op: run already terminal", "run": updated})
			return
		}
		writeError(w, http.StatusInternalServerError, "status update failed")
		return
	}

	s.deps.Audit.Record(ctx, model.AuditEntry{
		Action:       audit.ActionRunTransitioned,
		ResourceType: "module_run",
		ResourceID:   updated.ID,
		Actor:        "executor:callback",
		Details:      map[string]any{"to": string(to)},
	})

	if updated.Status.IsTerminal() {
		if _, derr := s.deps.Store.DequeueNext(ctx, updated.ModuleID); derr != nil {
			s.log.Error("dequeue next run failed", zap.String("module_id", updated.ModuleID), zap.Error(derr))
		}
		if updated.EnvironmentRunID != nil && s.deps.DAG != nil {
			if derr := s.deps.DAG.OnModuleRunComplete(ctx, updated); derr != nil {
				s.log.Error("DAG completion notification failed", zap.String("run_id", updated.ID), zap.Error(derr))
			}
		}
	}

	writeJSON(w, http.StatusOK, updated)
}
