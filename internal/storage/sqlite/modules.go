package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/qendev/iacreg/internal/model"
)

const moduleSelect = `SELECT id, environment_id, artifact_id, name, pinned_version, mode,
	auto_plan_on_update, tf_version, state_backend, vcs_trigger_override, variables, status,
	created_at, updated_at FROM environment_modules`

func scanModule(row scanner) (*model.Module, error) {
	var m model.Module
	var pinned, tfVersion, stateBackend, vcsOverride, variables sql.NullString
	var autoPlan int
	var created, updated string
	err := row.Scan(&m.ID, &m.EnvironmentID, &m.ArtifactID, &m.Name, &pinned, &m.Mode,
		&autoPlan, &tfVersion, &stateBackend, &vcsOverride, &variables, &m.Status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan module: %w", err)
	}
	if pinned.Valid {
		v := pinned.String
		m.PinnedVersion = &v
	}
	m.AutoPlanOnUpdate = autoPlan != 0
	m.TFVersion = tfVersion.String
	m.StateBackend = unmarshalMap(stateBackend)
	m.VCSTriggerOverride = unmarshalMap(vcsOverride)
	m.Variables = unmarshalMap(variables)
	m.CreatedAt = parseTime(created)
	m.UpdatedAt = parseTime(updated)
	return &m, nil
}

func (s *Store) InsertModule(ctx context.Context, m *model.Module) error {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.Status == "" {
		m.Status = model.ModuleActive
	}
	// Environments are not a registry-owned resource with their own create
	// endpoint (spec.md never describes one); binding a module into an
	// environment id implicitly registers that id here so the foreign key
	// and the lock check in IsEnvironmentLocked have a row to target.
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO environments (id, name, locked) VALUES (?,?,0)`,
		m.EnvironmentID, m.EnvironmentID); err != nil {
		return fmt.Errorf("ensure environment %s: %w", m.EnvironmentID, err)
	}
	stateBackend, err := marshalJSON(m.StateBackend)
	if err != nil {
		return fmt.Errorf("marshal state_backend: %w", err)
	}
	vcsOverride, err := marshalJSON(m.VCSTriggerOverride)
	if err != nil {
		return fmt.Errorf("marshal vcs_trigger_override: %w", err)
	}
	variables, err := marshalJSON(m.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	now := nowRFC3339()
	_, err = s.db.ExecContext(ctx, `INSERT INTO environment_modules
		(id, environment_id, artifact_id, name, pinned_version, mode, auto_plan_on_update, tf_version,
		 state_backend, vcs_trigger_override, variables, status, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.EnvironmentID, m.ArtifactID, m.Name, m.PinnedVersion, string(m.Mode), m.AutoPlanOnUpdate,
		m.TFVersion, stateBackend, vcsOverride, variables, string(m.Status), now, now)
	if err != nil {
		return fmt.Errorf("insert module: %w", err)
	}
	m.CreatedAt = parseTime(now)
	m.UpdatedAt = m.CreatedAt
	return nil
}

func (s *Store) GetModule(ctx context.Context, id string) (*model.Module, error) {
	row := s.db.QueryRowContext(ctx, moduleSelect+` WHERE id=?`, id)
	return scanModule(row)
}

func (s *Store) ListModulesForArtifact(ctx context.Context, artifactID string) ([]*model.Module, error) {
	rows, err := s.db.QueryContext(ctx, moduleSelect+` WHERE artifact_id=?`, artifactID)
	if err != nil {
		return nil, fmt.Errorf("query modules for artifact: %w", err)
	}
	defer rows.Close()
	return scanModules(rows)
}

func (s *Store) ListModulesByEnvironment(ctx context.Context, environmentID string) ([]*model.Module, error) {
	rows, err := s.db.QueryContext(ctx, moduleSelect+` WHERE environment_id=?`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("query modules for environment: %w", err)
	}
	defer rows.Close()
	return scanModules(rows)
}

func scanModules(rows *sql.Rows) ([]*model.Module, error) {
	var out []*model.Module
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ListDependencies(ctx context.Context, environmentID string) ([]*model.ModuleDependency, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT d.id, d.module_id, d.depends_on_id, d.output_mapping
		FROM module_dependencies d
		JOIN environment_modules m ON m.id = d.module_id
		WHERE m.environment_id=?`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()

	var out []*model.ModuleDependency
	for rows.Next() {
		var d model.ModuleDependency
		var mapping sql.NullString
		if err := rows.Scan(&d.ID, &d.ModuleID, &d.DependsOnID, &mapping); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		if mapping.Valid && mapping.String != "" {
			if err := jsonUnmarshalInto(mapping.String, &d.OutputMapping); err != nil {
				return nil, fmt.Errorf("unmarshal output_mapping: %w", err)
			}
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// InsertDependency writes an edge. Acyclicity is the caller's
// responsibility (internal/dag.CheckAcyclic), verified on write and
// again on every topological sort per spec.md §9's belt-and-braces note.
func (s *Store) InsertDependency(ctx context.Context, d *model.ModuleDependency) error {
	if d.ID == "" {
		d.ID = newID()
	}
	mapping, err := marshalJSON(d.OutputMapping)
	if err != nil {
		return fmt.Errorf("marshal output_mapping: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO module_dependencies (id, module_id, depends_on_id, output_mapping)
		VALUES (?,?,?,?)`, d.ID, d.ModuleID, d.DependsOnID, mapping)
	if err != nil {
		return fmt.Errorf("insert dependency: %w", err)
	}
	return nil
}

func (s *Store) IsEnvironmentLocked(ctx context.Context, environmentID string) (bool, error) {
	var locked int
	err := s.db.QueryRowContext(ctx, `SELECT locked FROM environments WHERE id=?`, environmentID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query environment lock: %w", err)
	}
	return locked != 0, nil
}
