package sqlite

import (
	"context"
	"testing"

	"github.com/qendev/iacreg/internal/model"
)

func TestUpsertVersionInsertsThenUpdatesOnConflict(t *testing.T) {
	s := newTestStore(t)
	a := seedArtifact(t, s)

	v := &model.Version{ArtifactID: a.ID, Version: "1.2.0", StorageRef: "oci://registry/vpc:1.2.0"}
	created, err := s.UpsertVersion(context.Background(), v)
	if err != nil {
		t.Fatalf("upsert version: %v", err)
	}
	if !created {
		t.Fatal("expected first upsert to report created=true")
	}
	if v.Status != model.VersionPending {
		t.Fatalf("expected default status pending, got %s", v.Status)
	}

	again := &model.Version{ArtifactID: a.ID, Version: "1.2.0", StorageRef: "oci://registry/vpc:1.2.0-rebuilt"}
	created, err = s.UpsertVersion(context.Background(), again)
	if err != nil {
		t.Fatalf("re-upsert version: %v", err)
	}
	if created {
		t.Fatal("expected conflicting upsert to report created=false")
	}
	if again.ID != v.ID {
		t.Fatalf("expected conflicting upsert to resolve to the same row id, got %s vs %s", again.ID, v.ID)
	}
}

func TestApproveVersionNeverRegressesOnReupsert(t *testing.T) {
	s := newTestStore(t)
	a := seedArtifact(t, s)

	v := &model.Version{ArtifactID: a.ID, Version: "1.0.0"}
	if _, err := s.UpsertVersion(context.Background(), v); err != nil {
		t.Fatalf("upsert version: %v", err)
	}
	if err := s.ApproveVersion(context.Background(), v.ID, "alice"); err != nil {
		t.Fatalf("approve version: %v", err)
	}

	redelivered := &model.Version{ArtifactID: a.ID, Version: "1.0.0", StorageRef: "oci://registry/vpc:1.0.0"}
	if _, err := s.UpsertVersion(context.Background(), redelivered); err != nil {
		t.Fatalf("re-upsert version: %v", err)
	}

	got, err := s.GetVersion(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if got.Status != model.VersionApproved {
		t.Fatalf("expected status to remain approved after re-delivery, got %s", got.Status)
	}
}

func TestApproveVersionIsLatestIsExclusivePerArtifact(t *testing.T) {
	s := newTestStore(t)
	a := seedArtifact(t, s)

	v1 := &model.Version{ArtifactID: a.ID, Version: "1.0.0"}
	v2 := &model.Version{ArtifactID: a.ID, Version: "1.1.0"}
	if _, err := s.UpsertVersion(context.Background(), v1); err != nil {
		t.Fatalf("upsert v1: %v", err)
	}
	if _, err := s.UpsertVersion(context.Background(), v2); err != nil {
		t.Fatalf("upsert v2: %v", err)
	}

	if err := s.ApproveVersion(context.Background(), v1.ID, "alice"); err != nil {
		t.Fatalf("approve v1: %v", err)
	}
	if err := s.ApproveVersion(context.Background(), v2.ID, "alice"); err != nil {
		t.Fatalf("approve v2: %v", err)
	}

	latest, err := s.GetLatestVersion(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("get latest version: %v", err)
	}
	if latest.ID != v2.ID {
		t.Fatalf("expected v2 to be the sole latest version, got %s", latest.ID)
	}

	got1, err := s.GetVersion(context.Background(), v1.ID)
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if got1.IsLatest {
		t.Fatal("expected v1's is_latest flag to be cleared once v2 is approved")
	}
}

func TestRecordApprovalIsIdempotentPerApprover(t *testing.T) {
	s := newTestStore(t)
	a := seedArtifact(t, s)
	v := &model.Version{ArtifactID: a.ID, Version: "1.0.0"}
	if _, err := s.UpsertVersion(context.Background(), v); err != nil {
		t.Fatalf("upsert version: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := s.RecordApproval(context.Background(), v.ID, "alice"); err != nil {
			t.Fatalf("record approval %d: %v", i, err)
		}
	}
	if err := s.RecordApproval(context.Background(), v.ID, "bob"); err != nil {
		t.Fatalf("record approval from bob: %v", err)
	}

	approvers, err := s.DistinctApprovers(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("distinct approvers: %v", err)
	}
	if len(approvers) != 2 {
		t.Fatalf("expected exactly 2 distinct approvers, got %v", approvers)
	}
}

func TestYankVersionSetsIsBadWithoutChangingStatus(t *testing.T) {
	s := newTestStore(t)
	a := seedArtifact(t, s)
	v := &model.Version{ArtifactID: a.ID, Version: "1.0.0"}
	if _, err := s.UpsertVersion(context.Background(), v); err != nil {
		t.Fatalf("upsert version: %v", err)
	}
	if err := s.ApproveVersion(context.Background(), v.ID, "alice"); err != nil {
		t.Fatalf("approve version: %v", err)
	}
	if err := s.YankVersion(context.Background(), v.ID); err != nil {
		t.Fatalf("yank version: %v", err)
	}

	got, err := s.GetVersion(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if !got.IsBad {
		t.Fatal("expected is_bad to be set")
	}
	if got.Status != model.VersionApproved {
		t.Fatalf("expected status to remain approved after yank, got %s", got.Status)
	}
}
