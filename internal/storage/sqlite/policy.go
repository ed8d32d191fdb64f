package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/qendev/iacreg/internal/model"
)

func (s *Store) ListBindings(ctx context.Context, artifactID, namespace, team string) ([]model.PolicyBinding, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, scope, scope_key, rules, created_at FROM policy_bindings
		WHERE (scope='artifact' AND scope_key=?)
		   OR (scope='namespace' AND scope_key=?)
		   OR (scope='team' AND scope_key=?)
		   OR (scope='global' AND scope_key='')`, artifactID, namespace, team)
	if err != nil {
		return nil, fmt.Errorf("query policy bindings: %w", err)
	}
	defer rows.Close()

	var out []model.PolicyBinding
	for rows.Next() {
		var b model.PolicyBinding
		var rulesJSON, created string
		if err := rows.Scan(&b.ID, &b.Scope, &b.ScopeKey, &rulesJSON, &created); err != nil {
			return nil, fmt.Errorf("scan policy binding: %w", err)
		}
		if err := json.Unmarshal([]byte(rulesJSON), &b.Rules); err != nil {
			return nil, fmt.Errorf("unmarshal policy rules: %w", err)
		}
		b.CreatedAt = parseTime(created)
		out = append(out, b)
	}
	return out, rows.Err()
}

// InsertBinding writes a new policy binding row.
func (s *Store) InsertBinding(ctx context.Context, b *model.PolicyBinding) error {
	if b.ID == "" {
		b.ID = newID()
	}
	rules, err := json.Marshal(b.Rules)
	if err != nil {
		return fmt.Errorf("marshal policy rules: %w", err)
	}
	now := nowRFC3339()
	b.CreatedAt = parseTime(now)
	_, err = s.db.ExecContext(ctx, `INSERT INTO policy_bindings (id, scope, scope_key, rules, created_at)
		VALUES (?,?,?,?,?)`, b.ID, string(b.Scope), b.ScopeKey, string(rules), now)
	if err != nil {
		return fmt.Errorf("insert policy binding: %w", err)
	}
	return nil
}

// InsertPolicyEvaluation writes an evaluation audit row. Callers treat
// failure here as fire-and-forget per spec.md §4.4 — it must not block
// the caller's user-visible response.
func (s *Store) InsertPolicyEvaluation(ctx context.Context, eval *model.PolicyEvaluation) error {
	if eval.ID == "" {
		eval.ID = newID()
	}
	results, err := json.Marshal(eval.Results)
	if err != nil {
		return fmt.Errorf("marshal rule results: %w", err)
	}
	now := nowRFC3339()
	eval.CreatedAt = parseTime(now)
	_, err = s.db.ExecContext(ctx, `INSERT INTO policy_evaluations
		(id, artifact_id, version_id, trigger, actor, enforcement_level, outcome, results, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		eval.ID, eval.ArtifactID, eval.VersionID, string(eval.Trigger), eval.Actor,
		string(eval.EnforcementLevel), string(eval.Outcome), string(results), now)
	if err != nil {
		return fmt.Errorf("insert policy evaluation: %w", err)
	}
	return nil
}
