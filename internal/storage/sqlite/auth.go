package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/qendev/iacreg/internal/model"
)

// InsertAPIToken persists a minted token's hash. The raw secret never
// reaches this layer.
func (s *Store) InsertAPIToken(ctx context.Context, t *model.APIToken) error {
	if t.ID == "" {
		t.ID = newID()
	}
	now := nowRFC3339()
	t.CreatedAt = parseTime(now)
	_, err := s.db.ExecContext(ctx, `INSERT INTO api_tokens
		(id, name, token_hash, scope, created_by, created_at)
		VALUES (?,?,?,?,?,?)`,
		t.ID, t.Name, t.TokenHash, t.Scope, t.CreatedBy, now)
	if err != nil {
		return fmt.Errorf("insert api token: %w", err)
	}
	return nil
}

// GetAPITokenByHash looks up a token by its SHA-256 hash, the only form
// internal/calltoken ever presents at an authentication boundary.
func (s *Store) GetAPITokenByHash(ctx context.Context, hash string) (*model.APIToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, token_hash, scope, created_by, created_at, last_used_at, revoked_at
		FROM api_tokens WHERE token_hash=?`, hash)
	t, err := scanAPIToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api token: %w", err)
	}
	return t, nil
}

// TouchAPIToken records the current time as the token's last-used
// timestamp. Called on every successful authentication; failures here
// are not fatal to the request, matching the fire-and-forget audit
// pattern used elsewhere in this package.
func (s *Store) TouchAPIToken(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_tokens SET last_used_at=? WHERE id=?`, nowRFC3339(), id)
	if err != nil {
		return fmt.Errorf("touch api token: %w", err)
	}
	return nil
}

func (s *Store) RevokeAPIToken(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_tokens SET revoked_at=? WHERE id=? AND revoked_at IS NULL`, nowRFC3339(), id)
	if err != nil {
		return fmt.Errorf("revoke api token: %w", err)
	}
	return nil
}

func (s *Store) ListAPITokens(ctx context.Context) ([]*model.APIToken, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, token_hash, scope, created_by, created_at, last_used_at, revoked_at
		FROM api_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api tokens: %w", err)
	}
	defer rows.Close()

	var out []*model.APIToken
	for rows.Next() {
		t, err := scanAPIToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAPIToken(row scannable) (*model.APIToken, error) {
	var t model.APIToken
	var createdBy sql.NullString
	var created string
	var lastUsed, revoked sql.NullString
	if err := row.Scan(&t.ID, &t.Name, &t.TokenHash, &t.Scope, &createdBy, &created, &lastUsed, &revoked); err != nil {
		return nil, err
	}
	t.CreatedBy = createdBy.String
	t.CreatedAt = parseTime(created)
	t.LastUsedAt = parseTimePtr(lastUsed)
	t.RevokedAt = parseTimePtr(revoked)
	return &t, nil
}
