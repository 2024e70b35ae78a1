// Package ledger persists the manifest of cached artifacts as a single JSON
// document keyed by "<name>@<version>".
package ledger

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/git-pkgs/pkgcache/internal/core"
)

// Entry records one stored artifact.
type Entry struct {
	Name      string    `json:"-"`
	Version   string    `json:"-"`
	Path      string    `json:"path"`
	Integrity string    `json:"integrity"`
	Size      int64     `json:"size,omitempty"`
	License   string    `json:"license,omitempty"`
	StoredAt  time.Time `json:"stored_at,omitzero"`
}

// Key returns the ledger key of the entry.
func (e Entry) Key() string {
	return e.Ref().Key()
}

func (e Entry) Ref() core.Ref {
	return core.Ref{Name: e.Name, Version: e.Version}
}

// Ledger reads and writes the manifest file. Every mutation is a
// load-modify-save under the ledger's mutex and is on disk when the call
// returns.
type Ledger struct {
	path   string
	logger *log.Logger
	mu     sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger that receives load warnings.
func WithLogger(l *log.Logger) Option {
	return func(lg *Ledger) {
		if l != nil {
			lg.logger = l
		}
	}
}

// Open returns a ledger backed by path. The file is created on first write.
func Open(path string, opts ...Option) *Ledger {
	l := &Ledger{
		path:   path,
		logger: log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the manifest file path.
func (l *Ledger) Path() string {
	return l.path
}

// Load reads the manifest. A missing or unparsable file yields an empty map;
// the cache rebuilds itself from there.
func (l *Ledger) Load() (map[string]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

func (l *Ledger) load() (map[string]Entry, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]Entry{}, nil
		}
		l.logger.Warn("manifest unreadable, starting empty", "path", l.path, "err", err)
		return map[string]Entry{}, nil
	}

	var raw map[string]Entry
	if err := json.Unmarshal(data, &raw); err != nil {
		l.logger.Warn("manifest corrupt, starting empty", "path", l.path, "err", err)
		return map[string]Entry{}, nil
	}

	entries := make(map[string]Entry, len(raw))
	for key, e := range raw {
		ref, ok := core.SplitKey(key)
		if !ok {
			l.logger.Warn("skipping manifest entry with bad key", "key", key)
			continue
		}
		e.Name, e.Version = ref.Name, ref.Version
		entries[key] = e
	}
	return entries, nil
}

// Save replaces the manifest with entries.
func (l *Ledger) Save(entries map[string]Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.save(entries)
}

func (l *Ledger) save(entries map[string]Entry) error {
	if entries == nil {
		entries = map[string]Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return core.Wrap(core.KindStorage, err, "encode manifest")
	}
	data = append(data, '\n')

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return core.Wrap(core.KindStorage, err, "create %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return core.Wrap(core.KindStorage, err, "create temp manifest")
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return core.Wrap(core.KindStorage, err, "write manifest")
	}

	if err := os.Rename(tmpName, l.path); err != nil {
		_ = os.Remove(tmpName)
		return core.Wrap(core.KindStorage, err, "replace manifest")
	}
	return nil
}

// Get returns the entry for name@version.
func (l *Ledger) Get(name, version string) (Entry, bool) {
	entries, _ := l.Load()
	e, ok := entries[core.Ref{Name: name, Version: version}.Key()]
	return e, ok
}

// Put records e, replacing any entry with the same key.
func (l *Ledger) Put(e Entry) error {
	if e.Name == "" || e.Version == "" {
		return core.New(core.KindInvalidInput, "ledger entry needs a name and a version")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load()
	if err != nil {
		return err
	}
	entries[e.Key()] = e
	return l.save(entries)
}

// Remove deletes the entries with the given keys. Unknown keys are ignored.
func (l *Ledger) Remove(keys ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load()
	if err != nil {
		return err
	}
	changed := false
	for _, key := range keys {
		if _, ok := entries[key]; ok {
			delete(entries, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return l.save(entries)
}

// Entries returns every entry sorted by key.
func (l *Ledger) Entries() []Entry {
	entries, _ := l.Load()
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
	return out
}
