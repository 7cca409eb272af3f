package store

import (
	"testing"
	"time"

	"github.com/re-cinq/agentgate/internal/types"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	wo := types.WorkOrder{
		ID:        "wo-1",
		Prompt:    "do the thing, carefully and completely",
		Workspace: types.WorkspaceSource{Kind: types.SourceLocal, Path: "/tmp/x"},
		Status:    types.WorkOrderQueued,
		CreatedAt: now,
	}
	if err := s.Save(wo.ID, &wo); err != nil {
		t.Fatal(err)
	}

	var loaded types.WorkOrder
	if err := s.Load(wo.ID, &loaded); err != nil {
		t.Fatal(err)
	}

	if loaded.ID != wo.ID || loaded.Prompt != wo.Prompt || loaded.Status != wo.Status {
		t.Fatalf("round trip mismatch: got %+v, want %+v", loaded, wo)
	}
	if !loaded.CreatedAt.Equal(wo.CreatedAt) {
		t.Fatalf("timestamp round trip mismatch: got %v, want %v", loaded.CreatedAt, wo.CreatedAt)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("nonexistent"); err != nil {
		t.Fatalf("deleting nonexistent entity should not error: %v", err)
	}
	if err := s.Save("a", map[string]string{"k": "v"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("a"); err != nil {
		t.Fatalf("second delete should not error: %v", err)
	}
	if s.Exists("a") {
		t.Fatalf("entity should no longer exist")
	}
}

func TestList(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Save(id, map[string]string{"id": id}); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d: %v", len(ids), ids)
	}
}
