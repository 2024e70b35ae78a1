package pkgcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/git-pkgs/pkgcache/client"
	"github.com/git-pkgs/pkgcache/fetch"
	"github.com/git-pkgs/pkgcache/internal/core"
	"github.com/git-pkgs/pkgcache/internal/npm"
	"github.com/git-pkgs/pkgcache/ledger"
	"github.com/git-pkgs/pkgcache/store"
)

const (
	DefaultTimeout     = 60 * time.Second
	DefaultConcurrency = 8

	// Temp files younger than this may belong to a write in progress.
	staleTempAge = time.Hour
)

// Resolver maps a version request onto a downloadable artifact.
type Resolver interface {
	Resolve(ctx context.Context, name, version string, forceRefresh bool) (*fetch.ArtifactInfo, error)
}

// Store is the on-disk artifact store the cache fills.
type Store interface {
	Path(name, version string) (string, error)
	Verify(path, integrity string) (bool, error)
	Evict(path string) error
	FetchAndStore(ctx context.Context, name, version, url, integrity string) (*store.Stored, error)
	Walk(fn func(store.Artifact) error) error
	RemoveStaleTemps(maxAge time.Duration) (int, error)
}

// Result is the outcome of a successful Acquire.
type Result struct {
	Ref       Ref // concrete version
	Path      string
	Integrity string
	Size      int64
	License   string
	Cached    bool // served from disk without downloading
}

// Stats counts cache activity since the Cache was created.
type Stats struct {
	Hits      int64
	Misses    int64
	Fetches   int64
	Evictions int64
}

type counters struct {
	hits, misses, fetches, evictions atomic.Int64
}

// Cache hands out verified tarball paths, downloading each concrete
// name@version at most once at a time per process.
type Cache struct {
	resolver    Resolver
	store       Store
	ledger      *ledger.Ledger
	logger      *log.Logger
	timeout     time.Duration
	concurrency int

	group singleflight.Group
	// Held for reading by fetches and for writing by Clean, so a freshly
	// renamed file is never collected before its ledger entry exists.
	gc    sync.RWMutex
	stats counters
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	logger      *log.Logger
	timeout     time.Duration
	concurrency int
	registry    string
	httpClient  *client.Client
	fetcher     fetch.FetcherInterface
	versions    *fetch.VersionCache
}

// WithLogger sets the logger shared by the cache and the components Open builds.
func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithTimeout bounds every resolve and download.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithConcurrency bounds the number of parallel acquisitions in AcquireAll.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithRegistry sets the registry base URL used by Open.
func WithRegistry(url string) Option {
	return func(o *options) {
		o.registry = url
	}
}

// WithHTTPClient sets the metadata client used by Open.
func WithHTTPClient(c *client.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithFetcher sets the tarball downloader used by Open.
func WithFetcher(f fetch.FetcherInterface) Option {
	return func(o *options) {
		o.fetcher = f
	}
}

// WithVersionCache shares a metadata cache between caches built by Open.
func WithVersionCache(vc *fetch.VersionCache) Option {
	return func(o *options) {
		o.versions = vc
	}
}

func buildOptions(opts []Option) *options {
	o := &options{
		timeout:     DefaultTimeout,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = log.New(io.Discard)
	}
	return o
}

// New assembles a cache from its parts.
func New(resolver Resolver, st Store, lg *ledger.Ledger, opts ...Option) *Cache {
	o := buildOptions(opts)
	return &Cache{
		resolver:    resolver,
		store:       st,
		ledger:      lg,
		logger:      o.logger,
		timeout:     o.timeout,
		concurrency: o.concurrency,
	}
}

// Open builds a cache rooted at dir: tarballs under dir/store and the
// manifest at dir/manifest.json.
func Open(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, core.New(core.KindInvalidInput, "cache directory required")
	}
	o := buildOptions(opts)

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = client.NewClient(client.WithTimeout(o.timeout))
	}
	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = fetch.NewCircuitBreakerFetcher(fetch.NewFetcher(fetch.WithLogger(o.logger)))
	}

	st, err := store.New(filepath.Join(dir, "store"), store.WithFetcher(fetcher), store.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	lg := ledger.Open(filepath.Join(dir, "manifest.json"), ledger.WithLogger(o.logger))
	resolver := fetch.NewResolver(npm.New(o.registry, httpClient), o.versions,
		fetch.WithResolverLogger(o.logger), fetch.WithResolverTimeout(o.timeout))

	return New(resolver, st, lg, opts...), nil
}

// Ledger returns the manifest the cache records into.
func (c *Cache) Ledger() *ledger.Ledger {
	return c.ledger
}

// Stats returns a snapshot of the activity counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.stats.hits.Load(),
		Misses:    c.stats.misses.Load(),
		Fetches:   c.stats.fetches.Load(),
		Evictions: c.stats.evictions.Load(),
	}
}

// Acquire returns a verified local path for ref. The ref is resolved first
// so that "latest" and the version it points to share one download.
// Concurrent calls for the same concrete version wait on a single fetch.
// Failures are returned as they are; retrying is up to the caller.
func (c *Cache) Acquire(ctx context.Context, ref Ref, forceRefresh bool) (Result, error) {
	if err := ref.Validate(); err != nil {
		return Result{}, err
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	info, err := c.resolver.Resolve(rctx, ref.Name, ref.Version, forceRefresh)
	cancel()
	if err != nil {
		return Result{}, err
	}
	concrete := info.Ref()

	res, ok, err := c.lookup(info, false)
	if err != nil {
		return Result{}, err
	}
	if ok {
		c.stats.hits.Add(1)
		c.logger.Debug("cache hit", "package", concrete)
		return res, nil
	}
	c.stats.misses.Add(1)

	ch := c.group.DoChan(concrete.Key(), func() (any, error) {
		return c.fill(ctx, info)
	})

	select {
	case <-ctx.Done():
		return Result{}, core.Wrap(core.KindNetwork, ctx.Err(), "acquiring %s", concrete)
	case out := <-ch:
		if out.Err != nil {
			return Result{}, out.Err
		}
		return out.Val.(Result), nil
	}
}

// lookup serves info from the ledger when the recorded file still verifies.
// With evictStale a failing entry is evicted along with its file. Only fill
// passes it: there the key's flight and the gc read lock keep anyone else from
// recording a fresh file between the check and the delete.
func (c *Cache) lookup(info *fetch.ArtifactInfo, evictStale bool) (Result, bool, error) {
	entry, ok := c.ledger.Get(info.Name, info.Version)
	if !ok {
		return Result{}, false, nil
	}

	valid, err := c.store.Verify(entry.Path, entry.Integrity)
	if err != nil && !core.IsKind(err, core.KindIntegrity) {
		return Result{}, false, err
	}
	if valid {
		return Result{
			Ref:       entry.Ref(),
			Path:      entry.Path,
			Integrity: entry.Integrity,
			Size:      entry.Size,
			License:   coalesce(entry.License, info.License),
			Cached:    true,
		}, true, nil
	}

	if !evictStale {
		return Result{}, false, nil
	}

	c.logger.Warn("cached artifact failed verification, refetching", "package", entry.Ref(), "path", entry.Path)
	if err := c.store.Evict(entry.Path); err != nil && !core.IsKind(err, core.KindInvalidInput) {
		return Result{}, false, err
	}
	if err := c.ledger.Remove(entry.Key()); err != nil {
		return Result{}, false, err
	}
	c.stats.evictions.Add(1)
	return Result{}, false, nil
}

// fill runs once per concrete key at a time. It is detached from the first
// caller's cancellation so waiters are not failed by someone else's ctx.
func (c *Cache) fill(ctx context.Context, info *fetch.ArtifactInfo) (Result, error) {
	c.gc.RLock()
	defer c.gc.RUnlock()

	// A flight that settled just before this one may already have recorded
	// it. A stale entry is dropped here rather than in Acquire.
	if res, ok, err := c.lookup(info, true); err != nil || ok {
		return res, err
	}

	if res, ok := c.adopt(info); ok {
		return res, nil
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	id := uuid.NewString()
	logger := c.logger.With("fetch", id[:8], "package", info.Ref())
	logger.Debug("downloading", "url", info.URL)
	start := time.Now()

	st, err := c.store.FetchAndStore(fctx, info.Name, info.Version, info.URL, info.Integrity)
	if err != nil {
		logger.Debug("download failed", "err", err)
		return Result{}, err
	}
	c.stats.fetches.Add(1)

	if err := c.record(info, st.Path, st.Size); err != nil {
		return Result{}, err
	}
	logger.Info("cached", "size", st.Size, "took", time.Since(start).Round(time.Millisecond))

	return Result{
		Ref:       info.Ref(),
		Path:      st.Path,
		Integrity: info.Integrity,
		Size:      st.Size,
		License:   info.License,
	}, nil
}

// adopt records a file that is already at the artifact's path and verifies,
// which rebuilds a lost or corrupt ledger without downloading again.
func (c *Cache) adopt(info *fetch.ArtifactInfo) (Result, bool) {
	path, err := c.store.Path(info.Name, info.Version)
	if err != nil {
		return Result{}, false
	}
	valid, err := c.store.Verify(path, info.Integrity)
	if err != nil || !valid {
		return Result{}, false
	}

	var size int64
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	}
	if err := c.record(info, path, size); err != nil {
		return Result{}, false
	}
	c.logger.Debug("adopted stored artifact", "package", info.Ref(), "path", path)

	return Result{
		Ref:       info.Ref(),
		Path:      path,
		Integrity: info.Integrity,
		Size:      size,
		License:   info.License,
		Cached:    true,
	}, true
}

func (c *Cache) record(info *fetch.ArtifactInfo, path string, size int64) error {
	return c.ledger.Put(ledger.Entry{
		Name:      info.Name,
		Version:   info.Version,
		Path:      path,
		Integrity: info.Integrity,
		Size:      size,
		License:   info.License,
		StoredAt:  time.Now().UTC(),
	})
}

// AcquireAll acquires every ref with bounded parallelism. Results are in the
// order of refs; failed slots are zero. All failures are joined.
func (c *Cache) AcquireAll(ctx context.Context, refs []Ref, forceRefresh bool) ([]Result, error) {
	results := make([]Result, len(refs))
	errs := make([]error, len(refs))

	sem := make(chan struct{}, c.concurrency)
	var wg sync.WaitGroup

	for i, ref := range refs {
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errs[i] = fmt.Errorf("%s: %w", ref, ctx.Err())
				return
			}
			defer func() { <-sem }()

			res, err := c.Acquire(ctx, ref, forceRefresh)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", ref, err)
				return
			}
			results[i] = res
		}()
	}
	wg.Wait()

	return results, errors.Join(errs...)
}

// List returns every ledger entry sorted by key.
func (c *Cache) List() []ledger.Entry {
	return c.ledger.Entries()
}

// Remove evicts every cached version of name and returns how many were removed.
func (c *Cache) Remove(ctx context.Context, name string) (int, error) {
	if err := core.ValidateName(name); err != nil {
		return 0, err
	}

	c.gc.Lock()
	defer c.gc.Unlock()

	var keys []string
	for _, e := range c.ledger.Entries() {
		if e.Name != name {
			continue
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := c.store.Evict(e.Path); err != nil {
			return 0, err
		}
		keys = append(keys, e.Key())
	}
	if err := c.ledger.Remove(keys...); err != nil {
		return 0, err
	}
	c.stats.evictions.Add(int64(len(keys)))
	return len(keys), nil
}

// CleanReport summarizes a Clean run.
type CleanReport struct {
	Checked    int   // ledger entries examined
	Dangling   int   // entries removed because their file was missing or corrupt
	Orphans    int   // stored files with no ledger entry
	StaleTemps int   // abandoned partial downloads
	Freed      int64 // bytes deleted
}

// Clean makes the ledger and the store agree: entries whose file is missing
// or fails verification are dropped, files no entry points at are deleted,
// and abandoned temp files are removed.
func (c *Cache) Clean(ctx context.Context) (CleanReport, error) {
	c.gc.Lock()
	defer c.gc.Unlock()

	var report CleanReport
	live := make(map[string]bool)
	var dangling []string

	for _, e := range c.ledger.Entries() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		valid, err := c.store.Verify(e.Path, e.Integrity)
		if err != nil && !core.IsKind(err, core.KindIntegrity) {
			return report, err
		}
		if valid {
			live[filepath.Clean(e.Path)] = true
			continue
		}

		c.logger.Debug("dropping dangling entry", "package", e.Ref(), "path", e.Path)
		if err := c.store.Evict(e.Path); err != nil && !core.IsKind(err, core.KindInvalidInput) {
			return report, err
		}
		dangling = append(dangling, e.Key())
	}
	if err := c.ledger.Remove(dangling...); err != nil {
		return report, err
	}
	report.Dangling = len(dangling)

	var orphans []store.Artifact
	err := c.store.Walk(func(a store.Artifact) error {
		if !a.Temp && !live[filepath.Clean(a.Path)] {
			orphans = append(orphans, a)
		}
		return ctx.Err()
	})
	if err != nil {
		return report, err
	}
	for _, a := range orphans {
		c.logger.Debug("removing orphan", "path", a.Path)
		if err := c.store.Evict(a.Path); err != nil {
			return report, err
		}
		report.Orphans++
		report.Freed += a.Size
	}

	temps, err := c.store.RemoveStaleTemps(staleTempAge)
	if err != nil {
		return report, err
	}
	report.StaleTemps = temps

	c.stats.evictions.Add(int64(report.Dangling + report.Orphans))
	return report, nil
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
