package storage

import (
	"testing"
	"time"

	"github.com/reflexive-dev/reflexive/pkg/types"
)

func TestMemoryStore_SaveLoadRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	snap := types.Snapshot{
		ID:        "snap-1",
		SandboxID: "sbx-1",
		Timestamp: time.Now(),
		Files:     []types.SnapshotFile{{Path: "a.txt", Content: "hi", Encoding: types.EncodingUTF8}},
		State:     map[string]interface{}{"k": "v"},
	}

	if err := s.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load("snap-1")
	if err != nil || loaded == nil {
		t.Fatalf("Load: %v, %v", loaded, err)
	}
	if loaded.ID != snap.ID || len(loaded.Files) != 1 {
		t.Errorf("unexpected loaded snapshot: %+v", loaded)
	}

	// Mutating the returned pointer must not affect the store's internal state.
	loaded.Files[0].Content = "corrupted"
	loaded.State["k"] = "corrupted"

	reloaded, _ := s.Load("snap-1")
	if reloaded.Files[0].Content != "hi" {
		t.Errorf("store was mutated through returned pointer: %q", reloaded.Files[0].Content)
	}
	if reloaded.State["k"] != "v" {
		t.Errorf("store state was mutated through returned pointer: %v", reloaded.State["k"])
	}
}

func TestMemoryStore_LoadMissingReturnsNil(t *testing.T) {
	s := NewMemoryStore()
	loaded, err := s.Load("nope")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing snapshot, got %+v", loaded)
	}
}

func TestMemoryStore_ListOrderedByTimestampDescending(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now()
	_ = s.Save(types.Snapshot{ID: "old", Timestamp: base.Add(-time.Hour)})
	_ = s.Save(types.Snapshot{ID: "new", Timestamp: base})
	_ = s.Save(types.Snapshot{ID: "mid", Timestamp: base.Add(-30 * time.Minute)})

	list, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(list))
	}
	if list[0].ID != "new" || list[1].ID != "mid" || list[2].ID != "old" {
		t.Errorf("unexpected order: %s, %s, %s", list[0].ID, list[1].ID, list[2].ID)
	}
}

func TestMemoryStore_DeleteReportsExistence(t *testing.T) {
	s := NewMemoryStore()
	_ = s.Save(types.Snapshot{ID: "a"})

	existed, err := s.Delete("a")
	if err != nil || !existed {
		t.Fatalf("Delete(a) = %v, %v; want true, nil", existed, err)
	}

	existed, err = s.Delete("a")
	if err != nil || existed {
		t.Fatalf("Delete(a) again = %v, %v; want false, nil", existed, err)
	}
}

func TestMemoryStore_Exists(t *testing.T) {
	s := NewMemoryStore()
	_ = s.Save(types.Snapshot{ID: "a"})

	ok, _ := s.Exists("a")
	if !ok {
		t.Error("expected Exists(a) = true")
	}
	ok, _ = s.Exists("b")
	if ok {
		t.Error("expected Exists(b) = false")
	}
}
