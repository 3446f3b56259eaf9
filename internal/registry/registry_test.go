package registry_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tripwire/console/internal/registry"
)

// openMemStore opens an in-memory SQLiteStore closed by t.Cleanup.
func openMemStore(t *testing.T) *registry.SQLiteStore {
	t.Helper()
	s, err := registry.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

func TestMemory_AbsentBeforeWrite(t *testing.T) {
	m := registry.NewMemory()
	if v, ok := m.Get(registry.ActiveEndpointKey); ok || v != "" {
		t.Errorf("Get on empty store = (%q, %v), want (\"\", false)", v, ok)
	}
}

func TestMemory_ZeroValueUsable(t *testing.T) {
	var m registry.Memory
	m.Set("k", "v")
	if v, ok := m.Get("k"); !ok || v != "v" {
		t.Errorf("Get = (%q, %v), want (v, true)", v, ok)
	}
}

func TestMemory_LastWriteWins(t *testing.T) {
	m := registry.NewMemory()
	m.Set(registry.ActiveEndpointKey, "http://a")
	m.Set(registry.ActiveEndpointKey, "http://b")

	if v, _ := m.Get(registry.ActiveEndpointKey); v != "http://b" {
		t.Errorf("Get = %q, want http://b", v)
	}

	m.Delete(registry.ActiveEndpointKey)
	if _, ok := m.Get(registry.ActiveEndpointKey); ok {
		t.Error("key still present after Delete")
	}
	m.Delete("never-set") // no-op
}

func TestMemory_ConcurrentAccess(t *testing.T) {
	m := registry.NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Set("k", "v")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = m.Get("k")
			}
		}()
	}
	wg.Wait()
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func TestSessions_UnknownSession(t *testing.T) {
	s := registry.NewSessions(nil)
	ctx := context.Background()

	if _, err := s.Registry("nope"); !errors.Is(err, registry.ErrUnknownSession) {
		t.Errorf("Registry: expected ErrUnknownSession, got %v", err)
	}
	if err := s.Set(ctx, "nope", "k", "v"); !errors.Is(err, registry.ErrUnknownSession) {
		t.Errorf("Set: expected ErrUnknownSession, got %v", err)
	}
}

func TestSessions_IsolatedPerSession(t *testing.T) {
	s := registry.NewSessions(nil)
	ctx := context.Background()
	s.Create("tab-1")
	s.Create("tab-2")

	if err := s.Set(ctx, "tab-1", registry.ActiveEndpointKey, "http://mon-a"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	r2, _ := s.Registry("tab-2")
	if _, ok := r2.Get(registry.ActiveEndpointKey); ok {
		t.Error("tab-2 sees tab-1's selection")
	}
	r1, _ := s.Registry("tab-1")
	if v, _ := r1.Get(registry.ActiveEndpointKey); v != "http://mon-a" {
		t.Errorf("tab-1 value = %q", v)
	}
}

func TestSessions_ReaderSeesLaterWrites(t *testing.T) {
	s := registry.NewSessions(nil)
	s.Create("tab")
	r, _ := s.Registry("tab")
	var reader registry.Reader = r

	if _, ok := reader.Get(registry.ActiveEndpointKey); ok {
		t.Fatal("value present before write")
	}
	_ = s.Set(context.Background(), "tab", registry.ActiveEndpointKey, "http://mon-b")
	if v, ok := reader.Get(registry.ActiveEndpointKey); !ok || v != "http://mon-b" {
		t.Errorf("Get = (%q, %v)", v, ok)
	}
}

func TestSessions_RestoreFromSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	ctx := context.Background()

	store, err := registry.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	s := registry.NewSessions(store)
	s.Create("tab-1")
	s.Create("tab-2")
	_ = s.Set(ctx, "tab-1", registry.ActiveEndpointKey, "http://mon-a")
	_ = s.Set(ctx, "tab-2", registry.ActiveEndpointKey, "http://mon-b")
	_ = s.Delete(ctx, "tab-2", registry.ActiveEndpointKey)
	_ = store.Close()

	store2, err := registry.OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()

	restored := registry.NewSessions(store2)
	n, err := restored.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 1 {
		t.Errorf("restored %d sessions, want 1", n)
	}
	r, err := restored.Registry("tab-1")
	if err != nil {
		t.Fatalf("Registry(tab-1): %v", err)
	}
	if v, _ := r.Get(registry.ActiveEndpointKey); v != "http://mon-a" {
		t.Errorf("restored value = %q, want http://mon-a", v)
	}
}

func TestSessions_Close(t *testing.T) {
	store := openMemStore(t)
	ctx := context.Background()
	s := registry.NewSessions(store)
	s.Create("tab")
	_ = s.Set(ctx, "tab", registry.ActiveEndpointKey, "http://mon")

	if err := s.Close(ctx, "tab"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.Exists("tab") {
		t.Error("session still exists after Close")
	}
	stored, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(stored) != 0 {
		t.Errorf("persisted sessions = %d, want 0", len(stored))
	}
}

// failingPersister rejects every write.
type failingPersister struct{}

var errDisk = errors.New("disk full")

func (failingPersister) Put(context.Context, string, string, string) error { return errDisk }
func (failingPersister) Remove(context.Context, string, string) error      { return errDisk }
func (failingPersister) RemoveSession(context.Context, string) error       { return errDisk }
func (failingPersister) Load(context.Context) (map[string]map[string]string, error) {
	return nil, errDisk
}

func TestSessions_FailedPersistLeavesMemoryUnchanged(t *testing.T) {
	s := registry.NewSessions(failingPersister{})
	s.Create("tab")

	err := s.Set(context.Background(), "tab", registry.ActiveEndpointKey, "http://mon")
	if !errors.Is(err, errDisk) {
		t.Fatalf("Set: expected errDisk, got %v", err)
	}
	r, _ := s.Registry("tab")
	if _, ok := r.Get(registry.ActiveEndpointKey); ok {
		t.Error("value stored in memory despite persist failure")
	}
}
