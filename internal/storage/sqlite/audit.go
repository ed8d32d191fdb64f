package sqlite

import (
	"context"
	"fmt"

	"github.com/qendev/iacreg/internal/model"
)

// AppendAudit writes an append-only audit row. Never mutated, never
// deleted: spec.md §3 describes the Audit Log as append-only, and
// §4.4/§9 treat these writes as fire-and-forget from the caller's
// perspective — a failure here is logged by the caller, not surfaced.
func (s *Store) AppendAudit(ctx context.Context, entry *model.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = newID()
	}
	details, err := marshalJSON(entry.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	now := nowRFC3339()
	entry.OccurredAt = parseTime(now)
	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_logs
		(id, actor, action, resource_type, resource_id, resource_name, version_id, details, occurred_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		entry.ID, entry.Actor, entry.Action, entry.ResourceType, entry.ResourceID,
		entry.ResourceName, entry.VersionID, details, now)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) CIResultsForVersion(ctx context.Context, versionID string) ([]model.CIResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, version_id, operation, success, grade, created_at
		FROM ci_results WHERE version_id=?`, versionID)
	if err != nil {
		return nil, fmt.Errorf("query ci results: %w", err)
	}
	defer rows.Close()

	var out []model.CIResult
	for rows.Next() {
		var r model.CIResult
		var success int
		var grade, created string
		if err := rows.Scan(&r.ID, &r.VersionID, &r.Operation, &success, &grade, &created); err != nil {
			return nil, fmt.Errorf("scan ci result: %w", err)
		}
		r.Success = success != 0
		r.Grade = model.ScanGrade(grade)
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}
