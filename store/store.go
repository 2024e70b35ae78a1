// Package store keeps package tarballs on disk, addressed by name and version,
// and checks them against their registry integrity.
package store

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/git-pkgs/pkgcache/fetch"
	"github.com/git-pkgs/pkgcache/internal/core"
)

const tempPrefix = ".pkgcache-"

var errSourceRead = errors.New("reading source")

// Stored describes an artifact that is on disk.
type Stored struct {
	Path      string
	Size      int64
	Integrity string
}

// Store is a directory of tarballs laid out as <root>/<name>/<short>-<version>.tgz.
type Store struct {
	root    string
	fetcher fetch.FetcherInterface
	logger  *log.Logger

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures a Store.
type Option func(*Store)

// WithFetcher sets the downloader used by FetchAndStore.
func WithFetcher(f fetch.FetcherInterface) Option {
	return func(s *Store) {
		s.fetcher = f
	}
}

// WithLogger sets the store's logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates the root directory if needed and returns a Store on it.
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, core.New(core.KindStorage, "store path required")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, core.Wrap(core.KindStorage, err, "resolve store path")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, core.Wrap(core.KindStorage, err, "create store path")
	}

	s := &Store{
		root:   abs,
		logger: log.New(io.Discard),
		locks:  make(map[string]*entryLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fetcher == nil {
		s.fetcher = fetch.NewCircuitBreakerFetcher(fetch.NewFetcher(fetch.WithLogger(s.logger)))
	}
	return s, nil
}

// Root returns the absolute store directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns where name@version is stored. The version must be concrete.
func (s *Store) Path(name, version string) (string, error) {
	if err := core.ValidateName(name); err != nil {
		return "", err
	}
	if version == "" || version == core.Latest {
		return "", core.New(core.KindInvalidInput, "store path needs a concrete version for %s", name)
	}
	if err := core.ValidateVersion(version); err != nil {
		return "", err
	}

	ref := core.Ref{Name: name, Version: version}
	p := filepath.Join(s.root, filepath.FromSlash(name), ref.ShortName()+"-"+version+".tgz")
	if !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return "", core.New(core.KindInvalidInput, "invalid store path for %s", ref)
	}
	return p, nil
}

// Put writes r to the artifact's path through a temp file and rename, so the
// final path only ever holds a complete file.
func (s *Store) Put(ctx context.Context, name, version string, r io.Reader) (string, error) {
	st, err := s.put(ctx, name, version, r, nil)
	if err != nil {
		return "", err
	}
	return st.Path, nil
}

func (s *Store) put(ctx context.Context, name, version string, r io.Reader, want *Integrity) (*Stored, error) {
	filePath, err := s.Path(name, version)
	if err != nil {
		return nil, err
	}

	unlock := s.lockEntry(filePath)
	defer unlock()

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, core.Wrap(core.KindStorage, err, "create %s", dir)
	}

	tempFile, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return nil, core.Wrap(core.KindStorage, err, "create temp file")
	}
	tempName := tempFile.Name()

	var w io.Writer = tempFile
	var h hash.Hash
	if want != nil {
		h = want.newHash()
		w = io.MultiWriter(tempFile, h)
	}

	written, err := copyWithContext(ctx, w, r)
	if err == nil {
		err = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tempName)
		if core.KindOf(err) != "" {
			return nil, err
		}
		if ctx.Err() != nil || errors.Is(err, errSourceRead) {
			return nil, core.Wrap(core.KindNetwork, err, "receiving %s@%s", name, version)
		}
		return nil, core.Wrap(core.KindStorage, err, "writing %s@%s", name, version)
	}

	if want != nil && !want.matches(h.Sum(nil)) {
		_ = os.Remove(tempName)
		return nil, core.New(core.KindIntegrity, "%s@%s does not match %s", name, version, want.Algorithm)
	}

	if err := os.Rename(tempName, filePath); err != nil {
		_ = os.Remove(tempName)
		return nil, core.Wrap(core.KindStorage, err, "rename into %s", filePath)
	}

	st := &Stored{Path: filePath, Size: written}
	if want != nil {
		st.Integrity = want.String()
	}
	return st, nil
}

// Verify reports whether the file at path matches integrity. A missing file
// does not match. Malformed integrity strings are an error.
func (s *Store) Verify(path, integrity string) (bool, error) {
	want, err := ParseIntegrity(integrity)
	if err != nil {
		return false, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, core.Wrap(core.KindStorage, err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	h := want.newHash()
	if _, err := io.Copy(h, f); err != nil {
		return false, core.Wrap(core.KindStorage, err, "read %s", path)
	}
	return want.matches(h.Sum(nil)), nil
}

// Evict removes the file at path. Removing a missing file is not an error.
func (s *Store) Evict(path string) error {
	if !s.contains(path) {
		return core.New(core.KindInvalidInput, "%s is outside the store", path)
	}

	unlock := s.lockEntry(path)
	defer unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return core.Wrap(core.KindStorage, err, "evict %s", path)
	}
	s.logger.Debug("evicted", "path", path)
	return nil
}

// FetchAndStore downloads url into name@version's path and checks the bytes
// against integrity before they become visible. A mismatch leaves nothing
// behind and fails with an integrity error.
func (s *Store) FetchAndStore(ctx context.Context, name, version, url, integrity string) (*Stored, error) {
	want, err := ParseIntegrity(integrity)
	if err != nil {
		return nil, err
	}
	if _, err := s.Path(name, version); err != nil {
		return nil, err
	}

	start := time.Now()
	artifact, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = artifact.Body.Close() }()

	st, err := s.put(ctx, name, version, artifact.Body, &want)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("stored", "package", name, "version", version, "size", st.Size, "took", time.Since(start))
	return st, nil
}

// Artifact is a file found by Walk.
type Artifact struct {
	Path    string
	Size    int64
	ModTime time.Time
	Temp    bool
}

// Walk calls fn for every file under the store root, including leftover temp
// files, which are marked.
func (s *Store) Walk(fn func(Artifact) error) error {
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		return fn(Artifact{
			Path:    p,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Temp:    strings.HasPrefix(d.Name(), tempPrefix),
		})
	})
	if err != nil && core.KindOf(err) == "" {
		return core.Wrap(core.KindStorage, err, "walk %s", s.root)
	}
	return err
}

// RemoveStaleTemps deletes temp files older than maxAge and returns how many
// were removed. Younger ones may belong to a write in progress.
func (s *Store) RemoveStaleTemps(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	err := s.Walk(func(a Artifact) error {
		if !a.Temp || a.ModTime.After(cutoff) {
			return nil
		}
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return core.Wrap(core.KindStorage, err, "remove %s", a.Path)
		}
		removed++
		return nil
	})
	return removed, err
}

func (s *Store) contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return strings.HasPrefix(abs, s.root+string(filepath.Separator))
}

func (s *Store) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, fmt.Errorf("%w: %w", errSourceRead, err)
		}
	}
}
