package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/qendev/iacreg/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "iacreg.db")
	s, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedArtifact(t *testing.T, s *Store) *model.Artifact {
	t.Helper()
	a := &model.Artifact{
		Namespace: "platform",
		Name:      "vpc",
		Type:      model.ArtifactTerraformModule,
		Status:    model.ArtifactActive,
		Team:      "infra",
		Source:    model.SourceConfig{RepositoryURL: "https://example.test/platform/vpc"},
	}
	if err := s.InsertArtifact(context.Background(), a); err != nil {
		t.Fatalf("insert artifact: %v", err)
	}
	return a
}

func lockEnvironment(t *testing.T, s *Store, id string) {
	t.Helper()
	if _, err := s.db.ExecContext(context.Background(),
		`UPDATE environments SET locked=1 WHERE id=?`, id); err != nil {
		t.Fatalf("lock environment: %v", err)
	}
}

func seedModule(t *testing.T, s *Store, envID, artifactID string) *model.Module {
	t.Helper()
	m := &model.Module{
		EnvironmentID: envID,
		ArtifactID:    artifactID,
		Name:          "vpc",
		Mode:          model.ModePeaaS,
	}
	if err := s.InsertModule(context.Background(), m); err != nil {
		t.Fatalf("insert module: %v", err)
	}
	return m
}
