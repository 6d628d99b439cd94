package sync0

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *levelStore {
	t.Helper()
	s := newLevelStore(filepath.Join(t.TempDir(), "db"), 0)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLevelStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "q:missing"); err != nil || ok {
		t.Fatalf("get missing: ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, "q:a", []byte("one")); err != nil {
		t.Fatalf("set: %v", err)
	}
	b, ok, err := s.Get(ctx, "q:a")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(b) != "one" {
		t.Fatalf("got %q, want %q", b, "one")
	}
	if err := s.Delete(ctx, "q:a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "q:a"); ok {
		t.Fatal("expected key gone after delete")
	}
}

func TestLevelStoreListAllOrderAndNamespaces(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	// Inserted out of order on purpose; ListAll must return key order.
	for _, kv := range []KV{
		{"q:0003", []byte("c")},
		{"q:0001", []byte("a")},
		{"c:other", []byte("x")},
		{"q:0002", []byte("b")},
	} {
		if err := s.Set(ctx, kv.Key, kv.Value); err != nil {
			t.Fatalf("set %s: %v", kv.Key, err)
		}
	}

	got, err := s.ListAll(ctx, "q:")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	want := []string{"q:0001", "q:0002", "q:0003"}
	for i, kv := range got {
		if kv.Key != want[i] {
			t.Fatalf("position %d: got %q, want %q", i, kv.Key, want[i])
		}
	}
}

func TestLevelStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	s := newLevelStore(path, 0)
	ctx := context.Background()

	if err := s.Set(ctx, "c:key", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Same instance reopens lazily on the next call.
	b, ok, err := s.Get(ctx, "c:key")
	if err != nil || !ok {
		t.Fatalf("get after reopen: ok=%v err=%v", ok, err)
	}
	if string(b) != `{"v":1}` {
		t.Fatalf("got %q after reopen", b)
	}
	s.Close()
}

func TestLevelStoreDiskBudget(t *testing.T) {
	s := newLevelStore(filepath.Join(t.TempDir(), "db"), 64)
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "q:small", []byte("ok")); err != nil {
		t.Fatalf("set under budget: %v", err)
	}
	err := s.Set(ctx, "q:big", make([]byte, 256))
	if err == nil {
		t.Fatal("expected budget error")
	}
	if !errors.Is(err, errStorageUnavailable) {
		t.Fatalf("expected storage-unavailable fault, got %v", err)
	}
	// Degraded, not broken: reads still work.
	if _, ok, err := s.Get(ctx, "q:small"); err != nil || !ok {
		t.Fatalf("get after budget error: ok=%v err=%v", ok, err)
	}
}
