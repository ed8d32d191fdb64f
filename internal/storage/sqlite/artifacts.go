package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/qendev/iacreg/internal/model"
	"github.com/qendev/iacreg/internal/storage"
)

// ErrNotFound is returned by Get-style lookups that find no row. It
// aliases the contract-level sentinel so callers match on
// storage.ErrNotFound without importing this backend.
var ErrNotFound = storage.ErrNotFound

func normalizeRepoURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

func (s *Store) InsertArtifact(ctx context.Context, a *model.Artifact) error {
	if a.ID == "" {
		a.ID = newID()
	}
	tags, err := marshalJSON(a.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	storageCfg, err := marshalJSON(a.StorageConfig)
	if err != nil {
		return fmt.Errorf("marshal storage_config: %w", err)
	}
	approvalPolicy, err := marshalJSON(a.ApprovalPolicy)
	if err != nil {
		return fmt.Errorf("marshal approval_policy: %w", err)
	}
	now := nowRFC3339()
	_, err = s.db.ExecContext(ctx, `INSERT INTO artifacts
		(id, namespace, name, provider, type, status, team, storage_config, approval_policy,
		 repository_url, source_path, tag_prefix, tags, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Namespace, a.Name, a.Provider, string(a.Type), string(a.Status), a.Team,
		storageCfg, approvalPolicy, normalizeRepoURL(a.Source.RepositoryURL), a.Source.Path, a.Source.TagPrefix,
		tags, now, now)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	a.CreatedAt = parseTime(now)
	a.UpdatedAt = a.CreatedAt
	return nil
}

func (s *Store) UpdateArtifact(ctx context.Context, a *model.Artifact) error {
	tags, err := marshalJSON(a.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	storageCfg, err := marshalJSON(a.StorageConfig)
	if err != nil {
		return fmt.Errorf("marshal storage_config: %w", err)
	}
	approvalPolicy, err := marshalJSON(a.ApprovalPolicy)
	if err != nil {
		return fmt.Errorf("marshal approval_policy: %w", err)
	}
	now := nowRFC3339()
	res, err := s.db.ExecContext(ctx, `UPDATE artifacts SET
		namespace=?, name=?, provider=?, type=?, status=?, team=?, storage_config=?, approval_policy=?,
		repository_url=?, source_path=?, tag_prefix=?, tags=?, updated_at=?
		WHERE id=?`,
		a.Namespace, a.Name, a.Provider, string(a.Type), string(a.Status), a.Team,
		storageCfg, approvalPolicy, normalizeRepoURL(a.Source.RepositoryURL), a.Source.Path, a.Source.TagPrefix,
		tags, now, a.ID)
	if err != nil {
		return fmt.Errorf("update artifact: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update artifact %s: %w", a.ID, ErrNotFound)
	}
	a.UpdatedAt = parseTime(now)
	return nil
}

func (s *Store) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	row := s.db.QueryRowContext(ctx, artifactSelect+` WHERE id=?`, id)
	return scanArtifact(row)
}

func (s *Store) FindArtifactsByRepository(ctx context.Context, repoURL string) ([]*model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, artifactSelect+` WHERE repository_url=?`, normalizeRepoURL(repoURL))
	if err != nil {
		return nil, fmt.Errorf("query artifacts by repository: %w", err)
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

func (s *Store) ListArtifacts(ctx context.Context, filter storage.ArtifactFilter) (storage.Page[*model.Artifact], error) {
	query := artifactSelect + ` WHERE 1=1`
	var args []any
	if filter.Type != "" {
		query += ` AND type=?`
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		query += ` AND status=?`
		args = append(args, string(filter.Status))
	}
	if filter.Team != "" {
		query += ` AND team=?`
		args = append(args, filter.Team)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var after storage.Cursor
	if filter.Cursor != "" {
		c, err := storage.DecodeCursor(filter.Cursor)
		if err != nil {
			return storage.Page[*model.Artifact]{}, fmt.Errorf("decode cursor: %w", err)
		}
		after = c
		query += ` AND (namespace || '/' || name > ? OR (namespace || '/' || name = ? AND id > ?))`
		args = append(args, after.Value, after.Value, after.ID)
	}
	query += ` ORDER BY namespace, name, id LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return storage.Page[*model.Artifact]{}, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()
	items, err := scanArtifacts(rows)
	if err != nil {
		return storage.Page[*model.Artifact]{}, err
	}

	page := storage.Page[*model.Artifact]{Items: items}
	if len(items) > limit {
		last := items[limit-1]
		page.Items = items[:limit]
		page.NextCursor = storage.EncodeCursor(last.Namespace+"/"+last.Name, last.ID)
	}
	if filter.Tag != "" {
		filtered := page.Items[:0]
		for _, a := range page.Items {
			for _, t := range a.Tags {
				if t == filter.Tag {
					filtered = append(filtered, a)
					break
				}
			}
		}
		page.Items = filtered
	}
	return page, nil
}

const artifactSelect = `SELECT id, namespace, name, provider, type, status, team, storage_config,
	approval_policy, repository_url, source_path, tag_prefix, tags, created_at, updated_at FROM artifacts`

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row scanner) (*model.Artifact, error) {
	var a model.Artifact
	var storageCfg, approvalPolicy, tags sql.NullString
	var created, updated string
	err := row.Scan(&a.ID, &a.Namespace, &a.Name, &a.Provider, &a.Type, &a.Status, &a.Team,
		&storageCfg, &approvalPolicy, &a.Source.RepositoryURL, &a.Source.Path, &a.Source.TagPrefix,
		&tags, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	a.StorageConfig = unmarshalMap(storageCfg)
	a.ApprovalPolicy = unmarshalMap(approvalPolicy)
	a.Tags = unmarshalStrings(tags)
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	return &a, nil
}

func scanArtifacts(rows *sql.Rows) ([]*model.Artifact, error) {
	var out []*model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
