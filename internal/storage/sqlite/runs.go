package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/qendev/iacreg/internal/model"
	"github.com/qendev/iacreg/internal/runstate"
	"github.com/qendev/iacreg/internal/storage"
)

const runSelect = `SELECT id, module_id, environment_run_id, operation, mode, status, priority,
	queue_position, triggered_by, tf_version, variables, state_backend, callback_token_hash,
	created_at, started_at, planned_at, completed_at, exit_code, resources_added, resources_changed,
	resources_destroyed, tf_outputs, failure_reason, plan_artifact_ref FROM module_runs`

const terminalStatusesSQL = `('succeeded','failed','cancelled','timed_out','discarded','skipped')`

func scanRun(row scanner) (*model.ModuleRun, error) {
	var r model.ModuleRun
	var envRunID, tfVersion, variables, stateBackend, callbackHash sql.NullString
	var queuePos sql.NullInt64
	var startedAt, plannedAt, completedAt sql.NullString
	var exitCode sql.NullInt64
	var tfOutputs, failureReason, planRef sql.NullString
	var created string
	err := row.Scan(&r.ID, &r.ModuleID, &envRunID, &r.Operation, &r.Mode, &r.Status, &r.Priority,
		&queuePos, &r.TriggeredBy, &tfVersion, &variables, &stateBackend, &callbackHash,
		&created, &startedAt, &plannedAt, &completedAt, &exitCode, &r.ResourcesAdded, &r.ResourcesChanged,
		&r.ResourcesDestroyed, &tfOutputs, &failureReason, &planRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if envRunID.Valid {
		v := envRunID.String
		r.EnvironmentRunID = &v
	}
	if queuePos.Valid {
		v := int(queuePos.Int64)
		r.QueuePosition = &v
	}
	r.TFVersion = tfVersion.String
	r.Variables = unmarshalMap(variables)
	r.StateBackend = unmarshalMap(stateBackend)
	r.CallbackTokenHash = callbackHash.String
	r.CreatedAt = parseTime(created)
	r.StartedAt = parseTimePtr(startedAt)
	r.PlannedAt = parseTimePtr(plannedAt)
	r.CompletedAt = parseTimePtr(completedAt)
	if exitCode.Valid {
		v := int(exitCode.Int64)
		r.ExitCode = &v
	}
	r.TFOutputs = unmarshalMap(tfOutputs)
	r.FailureReason = failureReason.String
	r.PlanArtifactRef = planRef.String
	return &r, nil
}

// activeRunTx returns the module's current active-slot run (queue_position
// IS NULL, status not terminal), if any.
func activeRunTx(ctx context.Context, q queryer, moduleID string) (*model.ModuleRun, error) {
	row := q.QueryRowContext(ctx, runSelect+` WHERE module_id=? AND queue_position IS NULL
		AND status NOT IN `+terminalStatusesSQL, moduleID)
	r, err := scanRun(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return r, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateRun inserts run, assigning the active slot if the module is idle
// or the next queue position otherwise, and coalescing any pending
// cascade runs when run itself is a cascade (spec.md §4.9).
func (s *Store) CreateRun(ctx context.Context, run *model.ModuleRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create run tx: %w", err)
	}
	defer tx.Rollback()

	if run.ID == "" {
		run.ID = newID()
	}
	now := nowRFC3339()
	run.CreatedAt = parseTime(now)

	if run.Priority == model.PriorityCascade {
		// Latest-wins coalescing: superseded pending cascades are moved to
		// discarded (a terminal status) rather than deleted, keeping the
		// audit trail intact while leaving exactly one pending cascade.
		if _, err := tx.ExecContext(ctx, `UPDATE module_runs
			SET status='discarded', queue_position=NULL, completed_at=?, failure_reason='superseded by newer cascade'
			WHERE module_id=? AND priority='cascade' AND status='pending' AND queue_position IS NOT NULL`,
			now, run.ModuleID); err != nil {
			return fmt.Errorf("coalesce pending cascades: %w", err)
		}
	}

	active, err := activeRunTx(ctx, tx, run.ModuleID)
	if err != nil {
		return fmt.Errorf("check active run: %w", err)
	}

	var queuePos *int
	if active == nil {
		run.Status = model.RunQueued
		run.QueuePosition = nil
	} else {
		var maxPos sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(queue_position) FROM module_runs WHERE module_id=?`,
			run.ModuleID).Scan(&maxPos); err != nil {
			return fmt.Errorf("compute next queue position: %w", err)
		}
		next := 1
		if maxPos.Valid {
			next = int(maxPos.Int64) + 1
		}
		queuePos = &next
		run.Status = model.RunPending
		run.QueuePosition = queuePos
	}

	variables, err := marshalJSON(run.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	stateBackend, err := marshalJSON(run.StateBackend)
	if err != nil {
		return fmt.Errorf("marshal state_backend: %w", err)
	}

	var qp sql.NullInt64
	if run.QueuePosition != nil {
		qp = sql.NullInt64{Int64: int64(*run.QueuePosition), Valid: true}
	}
	var envRunID sql.NullString
	if run.EnvironmentRunID != nil {
		envRunID = sql.NullString{String: *run.EnvironmentRunID, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO module_runs
		(id, module_id, environment_run_id, operation, mode, status, priority, queue_position,
		 triggered_by, tf_version, variables, state_backend, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ModuleID, envRunID, string(run.Operation), string(run.Mode), string(run.Status),
		string(run.Priority), qp, run.TriggeredBy, run.TFVersion, variables, stateBackend, now)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetRun(ctx context.Context, id string) (*model.ModuleRun, error) {
	row := s.db.QueryRowContext(ctx, runSelect+` WHERE id=?`, id)
	return scanRun(row)
}

// UpdateRunStatus validates the transition via internal/runstate and
// applies it plus any fields the caller supplies. A terminal-to-anything
// attempt is rejected with *runstate.IllegalTransition so the HTTP layer
// can answer callbacks idempotently without mutating (spec.md §4.10).
func (s *Store) UpdateRunStatus(ctx context.Context, id string, to model.RunStatus, fields storage.RunStatusFields) (*model.ModuleRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update status tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, runSelect+` WHERE id=?`, id)
	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}

	effects, err := runstate.Validate(id, run.Status, to)
	if err != nil {
		return run, err
	}

	now := nowRFC3339()
	setClauses := []string{"status=?"}
	args := []any{string(to)}

	if fields.StartedAt != nil {
		setClauses = append(setClauses, "started_at=?")
		args = append(args, fields.StartedAt.UTC().Format(time.RFC3339Nano))
	}
	if fields.CallbackTokenHash != nil {
		setClauses = append(setClauses, "callback_token_hash=?")
		args = append(args, *fields.CallbackTokenHash)
	}
	if fields.ExitCode != nil {
		setClauses = append(setClauses, "exit_code=?")
		args = append(args, *fields.ExitCode)
	}
	if fields.ResourcesAdded != nil {
		setClauses = append(setClauses, "resources_added=?")
		args = append(args, *fields.ResourcesAdded)
	}
	if fields.ResourcesChanged != nil {
		setClauses = append(setClauses, "resources_changed=?")
		args = append(args, *fields.ResourcesChanged)
	}
	if fields.ResourcesDestroyed != nil {
		setClauses = append(setClauses, "resources_destroyed=?")
		args = append(args, *fields.ResourcesDestroyed)
	}
	if fields.TFOutputs != nil {
		outputs, merr := marshalJSON(fields.TFOutputs)
		if merr != nil {
			return nil, fmt.Errorf("marshal tf_outputs: %w", merr)
		}
		setClauses = append(setClauses, "tf_outputs=?")
		args = append(args, outputs)
	}
	if fields.FailureReason != nil {
		setClauses = append(setClauses, "failure_reason=?")
		args = append(args, *fields.FailureReason)
	}
	if fields.PlanArtifactRef != nil {
		setClauses = append(setClauses, "plan_artifact_ref=?")
		args = append(args, *fields.PlanArtifactRef)
	}
	if effects.SetCompletedAt {
		setClauses = append(setClauses, "completed_at=?")
		args = append(args, now)
	}
	if effects.ClearCallbackToken {
		setClauses = append(setClauses, "callback_token_hash=NULL")
	}
	if to == model.RunPlanned {
		// Tracked separately from created_at so the confirmation sweep
		// (ExpireUnconfirmedPlanned) can age a planned run from when it
		// actually entered "planned", not from its original enqueue time
		// (spec.md §4.11, §8 boundary behavior).
		setClauses = append(setClauses, "planned_at=?")
		args = append(args, now)
	}

	query := "UPDATE module_runs SET "
	for i, c := range setClauses {
		if i > 0 {
			query += ", "
		}
		query += c
	}
	query += " WHERE id=?"
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("apply status update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit status update: %w", err)
	}

	return s.GetRun(ctx, id)
}

// DequeueNext promotes the next pending run for moduleID into the active
// slot, ordered by priority (user before cascade) then ascending queue
// position, in one atomic step. It returns nil if the backlog is empty.
// The caller is expected to have already transitioned the previous
// active run to a terminal status.
func (s *Store) DequeueNext(ctx context.Context, moduleID string) (*model.ModuleRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin dequeue tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, runSelect+` WHERE module_id=? AND status='pending'
		ORDER BY CASE priority WHEN 'user' THEN 0 ELSE 1 END, queue_position ASC LIMIT 1`, moduleID)
	next, err := scanRun(row)
	if errors.Is(err, ErrNotFound) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, fmt.Errorf("select next pending run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE module_runs SET status='queued', queue_position=NULL WHERE id=?`,
		next.ID); err != nil {
		return nil, fmt.Errorf("promote next run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue: %w", err)
	}
	next.Status = model.RunQueued
	next.QueuePosition = nil
	return next, nil
}

func (s *Store) GetActiveRun(ctx context.Context, moduleID string) (*model.ModuleRun, error) {
	return activeRunTx(ctx, s.db, moduleID)
}

func (s *Store) GetQueuedCount(ctx context.Context, moduleID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM module_runs WHERE module_id=? AND status='pending'`,
		moduleID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count queued runs: %w", err)
	}
	return count, nil
}

func (s *Store) ListRunsByStatus(ctx context.Context, status model.RunStatus, mode model.ExecutionMode) ([]*model.ModuleRun, error) {
	query := runSelect + ` WHERE status=?`
	args := []any{string(status)}
	if mode != "" {
		query += ` AND mode=?`
		args = append(args, string(mode))
	}
	query += ` ORDER BY CASE priority WHEN 'user' THEN 0 ELSE 1 END, queue_position ASC, created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs by status: %w", err)
	}
	defer rows.Close()
	var out []*model.ModuleRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetLatestSuccessfulApply(ctx context.Context, moduleID string) (*model.ModuleRun, error) {
	row := s.db.QueryRowContext(ctx, runSelect+` WHERE module_id=? AND operation='apply' AND status='succeeded'
		ORDER BY completed_at DESC LIMIT 1`, moduleID)
	r, err := scanRun(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return r, err
}

// CreateSkippedRun inserts run with status=skipped directly, bypassing
// the active-slot/queue-position bookkeeping entirely: a skipped run
// never competes for a module's active slot (spec.md §4.8).
func (s *Store) CreateSkippedRun(ctx context.Context, run *model.ModuleRun, reason string) error {
	if run.ID == "" {
		run.ID = newID()
	}
	now := nowRFC3339()
	run.CreatedAt = parseTime(now)
	run.Status = model.RunSkipped
	run.FailureReason = reason

	variables, err := marshalJSON(run.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	var envRunID sql.NullString
	if run.EnvironmentRunID != nil {
		envRunID = sql.NullString{String: *run.EnvironmentRunID, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO module_runs
		(id, module_id, environment_run_id, operation, mode, status, priority, queue_position,
		 triggered_by, variables, created_at, completed_at, failure_reason)
		VALUES (?,?,?,?,?,?,?,NULL,?,?,?,?,?)`,
		run.ID, run.ModuleID, envRunID, string(run.Operation), string(run.Mode), string(model.RunSkipped),
		string(run.Priority), run.TriggeredBy, variables, now, now, reason)
	if err != nil {
		return fmt.Errorf("insert skipped run: %w", err)
	}
	return nil
}

// GetEnvironmentModuleRun returns the Module Run created for moduleID
// under environmentRunID, or nil if the DAG executor has not yet
// reached that module.
func (s *Store) GetEnvironmentModuleRun(ctx context.Context, environmentRunID, moduleID string) (*model.ModuleRun, error) {
	row := s.db.QueryRowContext(ctx, runSelect+` WHERE environment_run_id=? AND module_id=?
		ORDER BY created_at DESC LIMIT 1`, environmentRunID, moduleID)
	r, err := scanRun(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return r, err
}

func (s *Store) ExpireTimedOut(ctx context.Context, olderThan time.Time) ([]string, error) {
	return s.expireRuns(ctx, model.RunRunning, model.RunTimedOut, "created_at", olderThan)
}

// ExpireUnconfirmedPlanned ages a planned run from planned_at — the time
// it actually entered "planned" — not from created_at, since a run may
// have sat queued or running for a while before a plan completed
// (spec.md §4.11, §8 boundary behavior).
func (s *Store) ExpireUnconfirmedPlanned(ctx context.Context, olderThan time.Time) ([]string, error) {
	return s.expireRuns(ctx, model.RunPlanned, model.RunDiscarded, "planned_at", olderThan)
}

func (s *Store) expireRuns(ctx context.Context, from, to model.RunStatus, ageColumn string, olderThan time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin expire tx: %w", err)
	}
	defer tx.Rollback()

	cutoff := olderThan.UTC().Format(time.RFC3339Nano)
	rows, err := tx.QueryContext(ctx, `SELECT id FROM module_runs WHERE status=? AND `+ageColumn+` IS NOT NULL AND `+ageColumn+` < ?`,
		string(from), cutoff)
	if err != nil {
		return nil, fmt.Errorf("select expiring runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := nowRFC3339()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE module_runs SET status=?, completed_at=?, callback_token_hash=NULL
			WHERE id=?`, string(to), now, id); err != nil {
			return nil, fmt.Errorf("expire run %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expire: %w", err)
	}
	return ids, nil
}
