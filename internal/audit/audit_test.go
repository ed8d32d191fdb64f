package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/qendev/iacreg/internal/model"
)

type fakeAuditStore struct {
	err      error
	recorded []*model.AuditEntry
}

func (f *fakeAuditStore) AppendAudit(_ context.Context, entry *model.AuditEntry) error {
	if f.err != nil {
		return f.err
	}
	f.recorded = append(f.recorded, entry)
	return nil
}

func TestRecordAppendsEntry(t *testing.T) {
	store := &fakeAuditStore{}
	r := NewRecorder(store, nil)

	r.Record(context.Background(), model.AuditEntry{
		Action:       ActionVersionApproved,
		ResourceType: "version",
		ResourceID:   "v-1",
	})

	if len(store.recorded) != 1 {
		t.Fatalf("expected 1 recorded entry, got %d", len(store.recorded))
	}
	if store.recorded[0].Action != ActionVersionApproved {
		t.Fatalf("expected action %s, got %s", ActionVersionApproved, store.recorded[0].Action)
	}
}

func TestRecordSwallowsStoreError(t *testing.T) {
	store := &fakeAuditStore{err: errors.New("disk full")}
	r := NewRecorder(store, nil)

	// Record must never panic or otherwise propagate the store error to
	// the caller; a failed audit write must not fail the triggering
	// operation.
	r.Record(context.Background(), model.AuditEntry{Action: ActionRunCreated, ResourceType: "run", ResourceID: "r-1"})
}
