package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/qendev/iacreg/internal/model"
)

func (s *Store) CreateEnvironmentRun(ctx context.Context, run *model.EnvironmentRun) error {
	if run.ID == "" {
		run.ID = newID()
	}
	moduleRunIDs, err := marshalJSON(run.ModuleRunIDs)
	if err != nil {
		return fmt.Errorf("marshal module_run_ids: %w", err)
	}
	now := nowRFC3339()
	run.CreatedAt = parseTime(now)
	var deadline sql.NullString
	if run.ConfirmationDeadline != nil {
		deadline = sql.NullString{String: run.ConfirmationDeadline.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO environment_runs
		(id, environment_id, operation, status, confirmation_deadline, module_run_ids, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		run.ID, run.EnvironmentID, string(run.Operation), string(run.Status), deadline, moduleRunIDs, now)
	if err != nil {
		return fmt.Errorf("insert environment run: %w", err)
	}
	return nil
}

func (s *Store) GetEnvironmentRun(ctx context.Context, id string) (*model.EnvironmentRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, environment_id, operation, status, confirmation_deadline,
		module_run_ids, created_at, completed_at FROM environment_runs WHERE id=?`, id)
	var r model.EnvironmentRun
	var deadline, moduleRunIDs, completedAt sql.NullString
	var created string
	err := row.Scan(&r.ID, &r.EnvironmentID, &r.Operation, &r.Status, &deadline, &moduleRunIDs, &created, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan environment run: %w", err)
	}
	if deadline.Valid {
		t := parseTime(deadline.String)
		r.ConfirmationDeadline = &t
	}
	r.ModuleRunIDs = unmarshalStrings(moduleRunIDs)
	r.CreatedAt = parseTime(created)
	r.CompletedAt = parseTimePtr(completedAt)
	return &r, nil
}

func (s *Store) UpdateEnvironmentRunStatus(ctx context.Context, id string, status model.EnvironmentRunStatus) error {
	var completedAt sql.NullString
	if status == model.EnvRunSucceeded || status == model.EnvRunFailed {
		completedAt = sql.NullString{String: nowRFC3339(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `UPDATE environment_runs SET status=?, completed_at=COALESCE(?, completed_at)
		WHERE id=?`, string(status), completedAt, id)
	if err != nil {
		return fmt.Errorf("update environment run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ExpireConfirmationPending(ctx context.Context, olderThan time.Time) ([]string, error) {
	cutoff := olderThan.UTC().Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM environment_runs
		WHERE status=? AND confirmation_deadline < ?`, string(model.EnvRunAwaitingConfirm), cutoff)
	if err != nil {
		return nil, fmt.Errorf("select expiring environment runs: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := s.UpdateEnvironmentRunStatus(ctx, id, model.EnvRunFailed); err != nil {
			return nil, fmt.Errorf("expire environment run %s: %w", id, err)
		}
	}
	return ids, nil
}
