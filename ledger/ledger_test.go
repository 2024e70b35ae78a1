package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return Open(filepath.Join(t.TempDir(), "manifest.json"))
}

func TestLoadMissingFile(t *testing.T) {
	l := newTestLedger(t)
	entries, err := l.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty ledger, got %d entries", len(entries))
	}
}

func TestLoadCorruptFile(t *testing.T) {
	l := newTestLedger(t)
	if err := os.WriteFile(l.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := l.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty ledger, got %d entries", len(entries))
	}

	// The next write replaces the corrupt document.
	if err := l.Put(Entry{Name: "a", Version: "1.0.0", Path: "/x", Integrity: "sha512-x"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, ok := l.Get("a", "1.0.0"); !ok {
		t.Error("entry missing after recovering from corrupt manifest")
	}
}

func TestPutGetRemove(t *testing.T) {
	l := newTestLedger(t)
	stored := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e := Entry{
		Name:      "@babel/core",
		Version:   "7.24.0",
		Path:      "/cache/store/@babel/core/core-7.24.0.tgz",
		Integrity: "sha512-abc",
		Size:      1234,
		StoredAt:  stored,
	}

	if err := l.Put(e); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok := l.Get("@babel/core", "7.24.0")
	if !ok {
		t.Fatal("Get returned no entry")
	}
	if got.Path != e.Path || got.Integrity != e.Integrity || got.Size != e.Size || !got.StoredAt.Equal(stored) {
		t.Errorf("Get = %+v, want %+v", got, e)
	}
	if got.Key() != "@babel/core@7.24.0" {
		t.Errorf("Key() = %q", got.Key())
	}

	if err := l.Remove(e.Key(), "unknown@1.0.0"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, ok := l.Get("@babel/core", "7.24.0"); ok {
		t.Error("entry still present after Remove")
	}
}

func TestPutRequiresRef(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Put(Entry{Path: "/x"}); err == nil {
		t.Error("expected error for entry without name")
	}
}

func TestDocumentFormat(t *testing.T) {
	l := newTestLedger(t)
	_ = l.Put(Entry{Name: "b", Version: "1.0.0", Path: "/b", Integrity: "sha512-b"})
	_ = l.Put(Entry{Name: "a", Version: "2.0.0", Path: "/a", Integrity: "sha512-a", Size: 10})

	data, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}

	var doc map[string]map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("manifest is not JSON: %v", err)
	}
	if doc["a@2.0.0"]["path"] != "/a" || doc["b@1.0.0"]["integrity"] != "sha512-b" {
		t.Errorf("unexpected document: %s", data)
	}
	if _, ok := doc["b@1.0.0"]["stored_at"]; ok {
		t.Error("zero stored_at should be omitted")
	}
	if strings.Index(string(data), `"a@2.0.0"`) > strings.Index(string(data), `"b@1.0.0"`) {
		t.Error("keys should be written in sorted order")
	}
}

func TestReadsMinimalDocument(t *testing.T) {
	l := newTestLedger(t)
	doc := `{"lodash@4.17.21": {"path": "/p", "integrity": "sha512-z"}}`
	if err := os.WriteFile(l.Path(), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	e, ok := l.Get("lodash", "4.17.21")
	if !ok {
		t.Fatal("entry not found")
	}
	if e.Name != "lodash" || e.Version != "4.17.21" || e.Path != "/p" {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestEntriesSorted(t *testing.T) {
	l := newTestLedger(t)
	for _, key := range []string{"c", "a", "b"} {
		_ = l.Put(Entry{Name: key, Version: "1.0.0", Path: "/" + key, Integrity: "sha512-x"})
	}

	entries := l.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"a", "b", "c"} {
		if entries[i].Name != want {
			t.Errorf("entries[%d] = %q, want %q", i, entries[i].Name, want)
		}
	}
}

func TestConcurrentPutsAreNotLost(t *testing.T) {
	l := newTestLedger(t)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := Entry{Name: fmt.Sprintf("pkg-%d", i), Version: "1.0.0", Path: "/p", Integrity: "sha512-x"}
			if err := l.Put(e); err != nil {
				t.Errorf("Put failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := len(l.Entries()); got != 20 {
		t.Errorf("expected 20 entries, got %d", got)
	}

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(l.Path()), ".manifest-*"))
	if len(leftovers) != 0 {
		t.Errorf("temp manifests left behind: %v", leftovers)
	}
}
