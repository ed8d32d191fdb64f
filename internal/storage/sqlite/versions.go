package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/qendev/iacreg/internal/model"
)

const versionSelect = `SELECT id, artifact_id, version, status, is_latest, is_bad, digest, changelog,
	metadata, storage_ref, size_bytes, published_by, approved_by, approved_at, created_at, updated_at
	FROM artifact_versions`

func scanVersion(row scanner) (*model.Version, error) {
	var v model.Version
	var digest, changelog, metadata, storageRef, publishedBy, approvedBy, approvedAt sql.NullString
	var isLatest, isBad int
	var created, updated string
	err := row.Scan(&v.ID, &v.ArtifactID, &v.Version, &v.Status, &isLatest, &isBad, &digest, &changelog,
		&metadata, &storageRef, &v.SizeBytes, &publishedBy, &approvedBy, &approvedAt, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan version: %w", err)
	}
	v.IsLatest = isLatest != 0
	v.IsBad = isBad != 0
	v.Digest = digest.String
	v.Changelog = changelog.String
	v.Metadata = unmarshalMap(metadata)
	v.StorageRef = storageRef.String
	v.PublishedBy = publishedBy.String
	v.ApprovedBy = approvedBy.String
	v.ApprovedAt = parseTimePtr(approvedAt)
	v.CreatedAt = parseTime(created)
	v.UpdatedAt = parseTime(updated)
	return &v, nil
}

// UpsertVersion inserts a Version keyed by (artifact_id, version); on
// conflict only the timestamp and storage reference are refreshed — the
// approval status is untouched so a re-delivered webhook never regresses
// an already-approved (or rejected) version, per spec.md §4.5 step 2.
func (s *Store) UpsertVersion(ctx context.Context, v *model.Version) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin upsert version tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT id FROM artifact_versions WHERE artifact_id=? AND version=?`,
		v.ArtifactID, v.Version)
	var existingID string
	err = row.Scan(&existingID)
	now := nowRFC3339()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if v.ID == "" {
			v.ID = newID()
		}
		if v.Status == "" {
			v.Status = model.VersionPending
		}
		metadata, merr := marshalJSON(v.Metadata)
		if merr != nil {
			return false, fmt.Errorf("marshal metadata: %w", merr)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO artifact_versions
			(id, artifact_id, version, status, is_latest, is_bad, digest, changelog, metadata,
			 storage_ref, size_bytes, published_by, created_at, updated_at)
			VALUES (?,?,?,?,0,0,?,?,?,?,?,?,?,?)`,
			v.ID, v.ArtifactID, v.Version, string(v.Status), v.Digest, v.Changelog, metadata,
			v.StorageRef, v.SizeBytes, v.PublishedBy, now, now)
		if err != nil {
			return false, fmt.Errorf("insert version: %w", err)
		}
		v.CreatedAt = parseTime(now)
		v.UpdatedAt = v.CreatedAt
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("commit insert version: %w", err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("lookup version: %w", err)
	default:
		v.ID = existingID
		_, err = tx.ExecContext(ctx, `UPDATE artifact_versions SET storage_ref=?, updated_at=? WHERE id=?`,
			v.StorageRef, now, existingID)
		if err != nil {
			return false, fmt.Errorf("update version on conflict: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("commit update version: %w", err)
		}
		return false, nil
	}
}

func (s *Store) ApproveVersion(ctx context.Context, versionID, approvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin approve tx: %w", err)
	}
	defer tx.Rollback()

	var artifactID string
	if err := tx.QueryRowContext(ctx, `SELECT artifact_id FROM artifact_versions WHERE id=?`, versionID).Scan(&artifactID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lookup version artifact: %w", err)
	}

	now := nowRFC3339()
	// At most one is_latest per artifact (spec.md §3): clear any existing
	// latest flag before setting this one.
	if _, err := tx.ExecContext(ctx, `UPDATE artifact_versions SET is_latest=0 WHERE artifact_id=?`, artifactID); err != nil {
		return fmt.Errorf("clear is_latest: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE artifact_versions SET status=?, approved_by=?, approved_at=?,
		is_latest=1, updated_at=? WHERE id=?`, string(model.VersionApproved), approvedBy, now, now, versionID)
	if err != nil {
		return fmt.Errorf("approve version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *Store) RejectVersion(ctx context.Context, versionID string) error {
	now := nowRFC3339()
	res, err := s.db.ExecContext(ctx, `UPDATE artifact_versions SET status=?, updated_at=? WHERE id=?`,
		string(model.VersionRejected), now, versionID)
	if err != nil {
		return fmt.Errorf("reject version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) YankVersion(ctx context.Context, versionID string) error {
	now := nowRFC3339()
	res, err := s.db.ExecContext(ctx, `UPDATE artifact_versions SET is_bad=1, updated_at=? WHERE id=?`, now, versionID)
	if err != nil {
		return fmt.Errorf("yank version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetVersion(ctx context.Context, versionID string) (*model.Version, error) {
	row := s.db.QueryRowContext(ctx, versionSelect+` WHERE id=?`, versionID)
	return scanVersion(row)
}

func (s *Store) GetLatestVersion(ctx context.Context, artifactID string) (*model.Version, error) {
	row := s.db.QueryRowContext(ctx, versionSelect+` WHERE artifact_id=? AND is_latest=1`, artifactID)
	v, err := scanVersion(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return v, err
}

func (s *Store) ListVersions(ctx context.Context, artifactID string) ([]*model.Version, error) {
	rows, err := s.db.QueryContext(ctx, versionSelect+` WHERE artifact_id=? ORDER BY created_at DESC`, artifactID)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()
	var out []*model.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) RecordApproval(ctx context.Context, versionID, approver string) error {
	// Duplicate approvals from the same actor are idempotent (spec.md §4.4).
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO version_approvals (version_id, approver, created_at)
		VALUES (?,?,?)`, versionID, approver, nowRFC3339())
	if err != nil {
		return fmt.Errorf("record approval: %w", err)
	}
	return nil
}

func (s *Store) DistinctApprovers(ctx context.Context, versionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT approver FROM version_approvals WHERE version_id=?`, versionID)
	if err != nil {
		return nil, fmt.Errorf("query approvers: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ScanGrades(ctx context.Context, versionID string) ([]model.ScanGrade, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT grade FROM scan_results WHERE version_id=?`, versionID)
	if err != nil {
		return nil, fmt.Errorf("query scan grades: %w", err)
	}
	defer rows.Close()
	var out []model.ScanGrade
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		out = append(out, model.ScanGrade(g))
	}
	return out, rows.Err()
}

// SetVersionStorage records where a version's byte payload landed after
// a content upload.
func (s *Store) SetVersionStorage(ctx context.Context, versionID, storageRef, digest string, sizeBytes int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE artifact_versions SET storage_ref=?, digest=?, size_bytes=?, updated_at=?
		WHERE id=?`, storageRef, digest, sizeBytes, nowRFC3339(), versionID)
	if err != nil {
		return fmt.Errorf("set version storage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
