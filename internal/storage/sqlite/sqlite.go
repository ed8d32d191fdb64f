// Package sqlite is the reference implementation of the persistence
// contract (internal/storage), backed by modernc.org/sqlite — the same
// pure-Go driver marcus-qen-legator uses for its control-plane stores
// (internal/controlplane/audit/store.go, internal/controlplane/webhook/store.go,
// internal/controlplane/jobs/store.go). It follows that code's shape:
// WAL journal mode, a busy_timeout so concurrent writers back off
// instead of erroring, and CREATE TABLE IF NOT EXISTS schema bootstrap
// run at open time rather than through a separate migration tool.
//
// github.com/jackc/pgx/v5/stdlib and github.com/go-sql-driver/mysql are
// registered as database/sql drivers (as the teacher's internal/tools/sql.go
// does) so a deployment can point Open at a postgres:// or mysql:// DSN
// instead of a sqlite file path; the schema and query text in this
// package is written in SQLite dialect, so non-sqlite DSNs are accepted
// at the driver-registration layer but the bundled schema is the
// sqlite one — a deployment targeting Postgres/MySQL in production
// supplies its own DDL out of band and this package becomes a thin
// database/sql wrapper over that schema instead.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"github.com/qendev/iacreg/internal/storage"
)

// Store is the SQLite-backed implementation of storage.Store. Run-queue
// state (active slot, queue position, pending backlog) lives entirely in
// the module_runs table — per spec.md §9 it is never cached exclusively
// in-process — so mu only serializes the read-modify-write transactions
// that enforce the at-most-one-active-run invariant; it does not hold
// any queue data itself.
type Store struct {
	db  *sql.DB
	log *zap.Logger
	mu  sync.Mutex
}

// Open creates (or opens) a SQLite database at path and ensures its
// schema exists.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite: one writer; avoids SQLITE_BUSY under the app-level mutex anyway

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set foreign_keys: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			name TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			team TEXT NOT NULL DEFAULT '',
			storage_config TEXT,
			approval_policy TEXT,
			repository_url TEXT NOT NULL DEFAULT '',
			source_path TEXT NOT NULL DEFAULT '',
			tag_prefix TEXT NOT NULL DEFAULT '',
			tags TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		// Two partial-unique domains per spec.md §3: provider set vs unset.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_with_provider
			ON artifacts(namespace, name, provider) WHERE provider <> ''`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_without_provider
			ON artifacts(namespace, name) WHERE provider = ''`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_repo ON artifacts(repository_url)`,

		`CREATE TABLE IF NOT EXISTS artifact_versions (
			id TEXT PRIMARY KEY,
			artifact_id TEXT NOT NULL REFERENCES artifacts(id),
			version TEXT NOT NULL,
			status TEXT NOT NULL,
			is_latest INTEGER NOT NULL DEFAULT 0,
			is_bad INTEGER NOT NULL DEFAULT 0,
			digest TEXT,
			changelog TEXT,
			metadata TEXT,
			storage_ref TEXT,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			published_by TEXT,
			approved_by TEXT,
			approved_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(artifact_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_versions_artifact ON artifact_versions(artifact_id)`,

		`CREATE TABLE IF NOT EXISTS version_approvals (
			version_id TEXT NOT NULL REFERENCES artifact_versions(id),
			approver TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (version_id, approver)
		)`,

		`CREATE TABLE IF NOT EXISTS scan_results (
			id TEXT PRIMARY KEY,
			version_id TEXT NOT NULL REFERENCES artifact_versions(id),
			grade TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS environments (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			locked INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS environment_modules (
			id TEXT PRIMARY KEY,
			environment_id TEXT NOT NULL REFERENCES environments(id),
			artifact_id TEXT NOT NULL REFERENCES artifacts(id),
			name TEXT NOT NULL,
			pinned_version TEXT,
			mode TEXT NOT NULL,
			auto_plan_on_update INTEGER NOT NULL DEFAULT 0,
			tf_version TEXT,
			state_backend TEXT,
			vcs_trigger_override TEXT,
			variables TEXT,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_modules_artifact ON environment_modules(artifact_id)`,
		`CREATE INDEX IF NOT EXISTS idx_modules_env ON environment_modules(environment_id)`,

		`CREATE TABLE IF NOT EXISTS module_dependencies (
			id TEXT PRIMARY KEY,
			module_id TEXT NOT NULL REFERENCES environment_modules(id),
			depends_on_id TEXT NOT NULL REFERENCES environment_modules(id),
			output_mapping TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS module_runs (
			id TEXT PRIMARY KEY,
			module_id TEXT NOT NULL REFERENCES environment_modules(id),
			environment_run_id TEXT,
			operation TEXT NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			priority TEXT NOT NULL,
			queue_position INTEGER,
			triggered_by TEXT,
			tf_version TEXT,
			variables TEXT,
			state_backend TEXT,
			callback_token_hash TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			planned_at TEXT,
			completed_at TEXT,
			exit_code INTEGER,
			resources_added INTEGER NOT NULL DEFAULT 0,
			resources_changed INTEGER NOT NULL DEFAULT 0,
			resources_destroyed INTEGER NOT NULL DEFAULT 0,
			tf_outputs TEXT,
			failure_reason TEXT,
			plan_artifact_ref TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_module ON module_runs(module_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON module_runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_envrun ON module_runs(environment_run_id)`,

		`CREATE TABLE IF NOT EXISTS environment_runs (
			id TEXT PRIMARY KEY,
			environment_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			status TEXT NOT NULL,
			confirmation_deadline TEXT,
			module_run_ids TEXT,
			created_at TEXT NOT NULL,
			completed_at TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS policy_bindings (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			scope_key TEXT NOT NULL,
			rules TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_policy_scope ON policy_bindings(scope, scope_key)`,

		`CREATE TABLE IF NOT EXISTS policy_evaluations (
			id TEXT PRIMARY KEY,
			artifact_id TEXT NOT NULL,
			version_id TEXT NOT NULL,
			trigger TEXT NOT NULL,
			actor TEXT,
			enforcement_level TEXT NOT NULL,
			outcome TEXT NOT NULL,
			results TEXT,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			actor TEXT,
			action TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			resource_name TEXT,
			version_id TEXT,
			details TEXT,
			occurred_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS ci_results (
			id TEXT PRIMARY KEY,
			version_id TEXT NOT NULL REFERENCES artifact_versions(id),
			operation TEXT NOT NULL,
			success INTEGER NOT NULL,
			grade TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ci_version ON ci_results(version_id)`,

		`CREATE TABLE IF NOT EXISTS api_tokens (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			token_hash TEXT NOT NULL UNIQUE,
			scope TEXT NOT NULL,
			created_by TEXT,
			created_at TEXT NOT NULL,
			last_used_at TEXT,
			revoked_at TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w (stmt: %s)", err, firstLine(stmt))
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func newID() string { return uuid.NewString() }

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case []string:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalMap(ns sql.NullString) map[string]any {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil
	}
	return m
}

func jsonUnmarshalInto(s string, dst any) error {
	return json.Unmarshal([]byte(s), dst)
}

func unmarshalStrings(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil
	}
	return out
}

var _ storage.Store = (*Store)(nil)
