// Package dispatch implements the dispatcher (spec.md §4.11): the
// long-lived poll loop that promotes queued Module Runs to the external
// executor and re-engages confirmed runs for their apply leg (spec.md
// §4.8's confirmation model), the crash-recovery pass that reconciles
// running runs after a restart, and the confirmation sweep that expires
// stale planned runs.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/qendev/iacreg/internal/audit"
	"github.com/qendev/iacreg/internal/calltoken"
	"github.com/qendev/iacreg/internal/model"
	"github.com/qendev/iacreg/internal/storage"
)

// Config tunes the dispatcher's loops and dispatch target resolution.
type Config struct {
	Enabled                    bool
	PollInterval               time.Duration
	SweepInterval              time.Duration
	MaxConcurrentRuns          int
	TimeoutSeconds             int
	ConfirmationTimeoutSeconds int
	ButlerURL                  string
	PeaaSOwner                 string
	PeaaSRepo                  string
	GitHubToken                string
	GitHubAPIBaseURL           string
	DispatchTimeout            time.Duration
}

// DefaultConfig matches the intervals named in spec.md §4.11.
func DefaultConfig() Config {
	return Config{
		Enabled:                    true,
		PollInterval:               5 * time.Second,
		SweepInterval:              60 * time.Second,
		MaxConcurrentRuns:          10,
		TimeoutSeconds:             3600,
		ConfirmationTimeoutSeconds: 900,
		GitHubAPIBaseURL:           "https://api.github.com",
		DispatchTimeout:            30 * time.Second,
	}
}

// DAGNotifier is the narrow view onto the DAG executor the dispatcher
// needs: a best-effort completion notification per spec.md §5 ("the
// notification is best-effort; DAG errors are logged but do not fail the
// callback").
type DAGNotifier interface {
	OnModuleRunComplete(ctx context.Context, run *model.ModuleRun) error
}

// Dispatcher drains the run queue and posts dispatch events to the
// configured executor transport.
type Dispatcher struct {
	store  storage.Store
	dag    DAGNotifier
	audit  *audit.Recorder
	cfg    Config
	log    *zap.Logger
	client *http.Client
	cb     *gobreaker.CircuitBreaker

	now func() time.Time
}

// New returns a Dispatcher.
func New(store storage.Store, dagExecutor DAGNotifier, auditRecorder *audit.Recorder, cfg Config, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.DispatchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dispatch-outbound",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Dispatcher{
		store:  store,
		dag:    dagExecutor,
		audit:  auditRecorder,
		cfg:    cfg,
		log:    log,
		client: &http.Client{Timeout: timeout},
		cb:     cb,
		now:    time.Now,
	}
}

// Run blocks, driving the poll and sweep loops until ctx is cancelled. It
// performs crash recovery once before entering the loops.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.cfg.Enabled {
		d.log.Info("dispatcher disabled, not starting loops")
		return nil
	}

	if err := d.RecoverCrashed(ctx); err != nil {
		d.log.Error("crash recovery pass failed", zap.Error(err))
	}

	pollTicker := time.NewTicker(d.cfg.PollInterval)
	sweepTicker := time.NewTicker(d.cfg.SweepInterval)
	defer pollTicker.Stop()
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pollTicker.C:
			if err := d.Poll(ctx); err != nil {
				d.log.Error("poll loop failed", zap.Error(err))
			}
		case <-sweepTicker.C:
			if err := d.Sweep(ctx); err != nil {
				d.log.Error("confirmation sweep failed", zap.Error(err))
			}
		}
	}
}

// Poll implements the poll loop: re-engage any confirmed runs awaiting
// their apply dispatch, then dispatch enough queued runs to fill the
// concurrency budget, across both execution modes, user priority first.
func (d *Dispatcher) Poll(ctx context.Context) error {
	var confirmed []*model.ModuleRun
	for _, mode := range []model.ExecutionMode{model.ModePeaaS, model.ModeBYOC} {
		runs, err := d.store.ListRunsByStatus(ctx, model.RunConfirmed, mode)
		if err != nil {
			return fmt.Errorf("list confirmed runs for mode %s: %w", mode, err)
		}
		confirmed = append(confirmed, runs...)
	}
	sortByPriorityThenPosition(confirmed)
	// Confirmed runs are resuming work that already consumed a
	// concurrency slot when it was first dispatched; they are re-engaged
	// unconditionally rather than competing with fresh queued work for
	// the budget below.
	for _, run := range confirmed {
		if err := d.DispatchApply(ctx, run); err != nil {
			d.log.Error("apply dispatch failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}

	// The budget counts the full ACTIVE set (running, planned, confirmed,
	// applying): a planned run awaiting confirmation still holds its
	// executor slot until it is confirmed, discarded, or expired.
	active := 0
	for _, status := range []model.RunStatus{model.RunRunning, model.RunPlanned, model.RunConfirmed, model.RunApplying} {
		for _, mode := range []model.ExecutionMode{model.ModePeaaS, model.ModeBYOC} {
			runs, err := d.store.ListRunsByStatus(ctx, status, mode)
			if err != nil {
				return fmt.Errorf("list %s runs for mode %s: %w", status, mode, err)
			}
			active += len(runs)
		}
	}
	budget := d.cfg.MaxConcurrentRuns - active
	if budget <= 0 {
		return nil
	}

	var queued []*model.ModuleRun
	for _, mode := range []model.ExecutionMode{model.ModePeaaS, model.ModeBYOC} {
		runs, err := d.store.ListRunsByStatus(ctx, model.RunQueued, mode)
		if err != nil {
			return fmt.Errorf("list queued runs for mode %s: %w", mode, err)
		}
		queued = append(queued, runs...)
	}
	sortByPriorityThenPosition(queued)
	if len(queued) > budget {
		queued = queued[:budget]
	}

	for _, run := range queued {
		if err := d.Dispatch(ctx, run); err != nil {
			d.log.Error("dispatch failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	return nil
}

// sortByPriorityThenPosition orders user-priority runs before cascade,
// ties broken by creation order. The runs it sorts are queued or
// confirmed, and a run's queue position is cleared when it is promoted
// out of "pending", so position cannot order them.
func sortByPriorityThenPosition(runs []*model.ModuleRun) {
	for i := 1; i < len(runs); i++ {
		for j := i; j > 0 && less(runs[j], runs[j-1]); j-- {
			runs[j], runs[j-1] = runs[j-1], runs[j]
		}
	}
}

func less(a, b *model.ModuleRun) bool {
	ap := a.Priority == model.PriorityUser
	bp := b.Priority == model.PriorityUser
	if ap != bp {
		return ap
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// RecoverCrashed implements the crash-recovery pass: every run still
// "running" from before a restart is timed out if stale.
func (d *Dispatcher) RecoverCrashed(ctx context.Context) error {
	cutoff := d.now().Add(-time.Duration(d.cfg.TimeoutSeconds) * time.Second)
	ids, err := d.store.ExpireTimedOut(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("expire timed-out runs: %w", err)
	}
	for _, id := range ids {
		d.finishTerminal(ctx, id)
	}
	return nil
}

// Sweep implements the confirmation sweep: planned runs and environment
// runs past their confirmation deadline are discarded.
func (d *Dispatcher) Sweep(ctx context.Context) error {
	cutoff := d.now().Add(-time.Duration(d.cfg.ConfirmationTimeoutSeconds) * time.Second)

	ids, err := d.store.ExpireUnconfirmedPlanned(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("expire unconfirmed planned runs: %w", err)
	}
	for _, id := range ids {
		d.finishTerminal(ctx, id)
	}

	if _, err := d.store.ExpireConfirmationPending(ctx, cutoff); err != nil {
		return fmt.Errorf("expire confirmation-pending environment runs: %w", err)
	}
	return nil
}

// finishTerminal runs the shared post-terminal-transition bookkeeping
// (queue dequeue, DAG notification) for a run id that storage has
// already moved to a terminal status out-of-band (expiry sweeps).
func (d *Dispatcher) finishTerminal(ctx context.Context, runID string) {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		d.log.Error("fetch expired run failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	d.afterTerminal(ctx, run)
}

// afterTerminal performs the side effects spec.md §4.10 requires of
// every non-terminal-to-terminal transition beyond the column writes
// storage.UpdateRunStatus already applied: dequeuing the module's next
// pending run, and notifying the DAG executor when the run belongs to an
// environment run.
func (d *Dispatcher) afterTerminal(ctx context.Context, run *model.ModuleRun) {
	if _, err := d.store.DequeueNext(ctx, run.ModuleID); err != nil {
		d.log.Error("dequeue next run failed", zap.String("module_id", run.ModuleID), zap.Error(err))
	}
	if run.EnvironmentRunID == nil || d.dag == nil {
		return
	}
	if err := d.dag.OnModuleRunComplete(ctx, run); err != nil {
		d.log.Error("DAG completion notification failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// Dispatch implements the single-run dispatch steps of spec.md §4.11,
// promoting a queued run to running and instructing the executor to
// perform the run's own operation (plan, apply, or destroy).
func (d *Dispatcher) Dispatch(ctx context.Context, run *model.ModuleRun) error {
	return d.dispatchTransition(ctx, run, model.RunRunning, string(run.Operation), true)
}

// DispatchApply re-engages the executor after a plan has been confirmed
// (spec.md §4.8's confirmation model), promoting the run from confirmed
// to applying and instructing the executor to perform the apply this
// time, mirroring the queued -> running dispatch sequence of §4.11 for
// this second leg of the plan -> confirm -> apply lifecycle. A fresh
// callback token is minted, since the confirming apply may run on an
// entirely different executor invocation than the one that produced the
// plan.
func (d *Dispatcher) DispatchApply(ctx context.Context, run *model.ModuleRun) error {
	return d.dispatchTransition(ctx, run, model.RunApplying, string(model.OpApply), false)
}

// dispatchTransition mints a fresh callback token, transitions run to
// to, resolves the dispatch target, and posts the dispatch payload
// instructing the executor to perform operation. A non-2xx response (or
// an unresolvable dispatch target left for the next poll, per spec.md
// §4.11 step 2) is handled identically regardless of which leg of the
// lifecycle this call represents.
func (d *Dispatcher) dispatchTransition(ctx context.Context, run *model.ModuleRun, to model.RunStatus, operation string, setStartedAt bool) error {
	minted, err := calltoken.Mint(calltoken.PrefixCallback)
	if err != nil {
		return fmt.Errorf("mint callback token: %w", err)
	}
	hash := minted.Hash
	fields := storage.RunStatusFields{CallbackTokenHash: &hash}
	if setStartedAt {
		started := d.now()
		fields.StartedAt = &started
	}
	updated, err := d.store.UpdateRunStatus(ctx, run.ID, to, fields)
	if err != nil {
		return fmt.Errorf("transition run to %s: %w", to, err)
	}
	d.audit.Record(ctx, model.AuditEntry{
		Action:       audit.ActionRunTransitioned,
		ResourceType: "module_run",
		ResourceID:   updated.ID,
		Actor:        "system:dispatcher",
		Details:      map[string]any{"to": string(to)},
	})

	module, err := d.store.GetModule(ctx, updated.ModuleID)
	if err != nil {
		return fmt.Errorf("load module %s: %w", updated.ModuleID, err)
	}

	target, err := d.resolveTarget(module)
	if err != nil {
		d.log.Warn("dispatch target unresolved, leaving run in place for next poll",
			zap.String("run_id", updated.ID), zap.String("status", string(to)), zap.Error(err))
		return nil
	}

	payload := d.buildPayload(updated, module, minted.Token, operation)
	if err := d.post(ctx, target, payload); err != nil {
		reason := err.Error()
		failed, ferr := d.store.UpdateRunStatus(ctx, updated.ID, model.RunFailed, storage.RunStatusFields{
			FailureReason: &reason,
		})
		if ferr != nil {
			return fmt.Errorf("transition run to failed after dispatch error: %w", ferr)
		}
		d.audit.Record(ctx, model.AuditEntry{
			Action:       audit.ActionRunTransitioned,
			ResourceType: "module_run",
			ResourceID:   failed.ID,
			Actor:        "system:dispatcher",
			Details:      map[string]any{"to": string(model.RunFailed), "reason": reason},
		})
		d.afterTerminal(ctx, failed)
		return fmt.Errorf("dispatch run %s: %w", updated.ID, err)
	}
	return nil
}

// dispatchTarget is a resolved (owner, repo) pair to send the
// repository-dispatch event to.
type dispatchTarget struct {
	Owner string
	Repo  string
}

func (d *Dispatcher) resolveTarget(module *model.Module) (dispatchTarget, error) {
	switch module.Mode {
	case model.ModePeaaS:
		if d.cfg.PeaaSOwner == "" || d.cfg.PeaaSRepo == "" {
			return dispatchTarget{}, fmt.Errorf("peaas dispatch target not configured")
		}
		return dispatchTarget{Owner: d.cfg.PeaaSOwner, Repo: d.cfg.PeaaSRepo}, nil
	case model.ModeBYOC:
		repoURL, _ := module.VCSTriggerOverride["repositoryUrl"].(string)
		if repoURL == "" {
			return dispatchTarget{}, fmt.Errorf("byoc module has no vcs_trigger.repositoryUrl")
		}
		return parseOwnerRepo(repoURL)
	default:
		return dispatchTarget{}, fmt.Errorf("unknown execution mode %q", module.Mode)
	}
}

// parseOwnerRepo accepts "https://host/owner/repo[.git]" and
// "git@host:owner/repo.git" shapes, per spec.md §4.11 step 2.
func parseOwnerRepo(raw string) (dispatchTarget, error) {
	trimmed := strings.TrimSuffix(raw, ".git")

	if strings.HasPrefix(trimmed, "git@") {
		parts := strings.SplitN(trimmed, ":", 2)
		if len(parts) != 2 {
			return dispatchTarget{}, fmt.Errorf("malformed scp-style repository url %q", raw)
		}
		return ownerRepoFromPath(parts[1], raw)
	}

	for _, prefix := range []string{"https://", "http://"} {
		if !strings.HasPrefix(trimmed, prefix) {
			continue
		}
		rest := strings.TrimPrefix(trimmed, prefix)
		slash := strings.Index(rest, "/")
		if slash < 0 {
			return dispatchTarget{}, fmt.Errorf("malformed repository url %q", raw)
		}
		return ownerRepoFromPath(rest[slash+1:], raw)
	}

	return dispatchTarget{}, fmt.Errorf("unrecognized repository url shape %q", raw)
}

func ownerRepoFromPath(path, original string) (dispatchTarget, error) {
	path = strings.Trim(path, "/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return dispatchTarget{}, fmt.Errorf("malformed repository url %q", original)
	}
	return dispatchTarget{Owner: parts[0], Repo: parts[1]}, nil
}

// dispatchPayload is the JSON body posted to the executor transport.
type dispatchPayload struct {
	ButlerURL     string `json:"butler_url"`
	RunID         string `json:"run_id"`
	CallbackToken string `json:"callback_token"`
	Operation     string `json:"operation"`
	ModuleName    string `json:"module_name"`

	GCPWorkloadIdentityProvider string `json:"gcp_wif_provider,omitempty"`
	GCPServiceAccount           string `json:"gcp_service_account,omitempty"`
	GCPProjectID                string `json:"gcp_project_id,omitempty"`
	AWSRoleARN                  string `json:"aws_role_arn,omitempty"`
	AWSRegion                   string `json:"aws_region,omitempty"`
}

func (d *Dispatcher) buildPayload(run *model.ModuleRun, module *model.Module, token, operation string) dispatchPayload {
	p := dispatchPayload{
		ButlerURL:     d.cfg.ButlerURL,
		RunID:         run.ID,
		CallbackToken: token,
		Operation:     operation,
		ModuleName:    module.Name,
	}
	// Cloud-integration OIDC fields are resolved from the module's state
	// backend config, which is the only per-module JSON bag this model
	// carries; there is no dedicated cloud-integration entity in §3.
	if v, ok := module.StateBackend["gcp_wif_provider"].(string); ok {
		p.GCPWorkloadIdentityProvider = v
	}
	if v, ok := module.StateBackend["gcp_service_account"].(string); ok {
		p.GCPServiceAccount = v
	}
	if v, ok := module.StateBackend["gcp_project_id"].(string); ok {
		p.GCPProjectID = v
	}
	if v, ok := module.StateBackend["aws_role_arn"].(string); ok {
		p.AWSRoleARN = v
	}
	if v, ok := module.StateBackend["aws_region"].(string); ok {
		p.AWSRegion = v
	}
	return p
}

// dispatchEvent is the repository-dispatch envelope: the executor's
// workflow triggers on the "butler-run" event type and reads the run
// parameters from the client payload.
type dispatchEvent struct {
	EventType     string          `json:"event_type"`
	ClientPayload dispatchPayload `json:"client_payload"`
}

func (d *Dispatcher) post(ctx context.Context, target dispatchTarget, payload dispatchPayload) error {
	body, err := json.Marshal(dispatchEvent{EventType: "butler-run", ClientPayload: payload})
	if err != nil {
		return fmt.Errorf("marshal dispatch payload: %w", err)
	}

	base := d.cfg.GitHubAPIBaseURL
	if base == "" {
		base = "https://api.github.com"
	}
	url := fmt.Sprintf("%s/repos/%s/%s/dispatches", strings.TrimSuffix(base, "/"), target.Owner, target.Repo)
	_, err = d.cb.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build dispatch request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/vnd.github+json")
		if d.cfg.GitHubToken != "" {
			req.Header.Set("Authorization", "Bearer "+d.cfg.GitHubToken)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("post dispatch event: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("dispatch endpoint returned status %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}
