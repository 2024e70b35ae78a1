package fetch

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/git-pkgs/pkgcache/internal/core"
	"github.com/git-pkgs/pkgcache/internal/npm"
)

// MetadataSource fetches package documents from a registry.
// *npm.Registry satisfies it.
type MetadataSource interface {
	FetchPackument(ctx context.Context, name string) (*npm.Packument, error)
}

// VersionCache holds decoded package documents for the life of the process.
// Entries never expire; Resolve with forceRefresh replaces them.
type VersionCache struct {
	mu      sync.RWMutex
	entries map[string]*npm.Packument
}

func NewVersionCache() *VersionCache {
	return &VersionCache{entries: make(map[string]*npm.Packument)}
}

func (c *VersionCache) Get(name string) (*npm.Packument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.entries[name]
	return p, ok
}

func (c *VersionCache) Set(name string, p *npm.Packument) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = p
}

func (c *VersionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Reset drops every cached document.
func (c *VersionCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// ArtifactInfo contains information about a downloadable artifact.
type ArtifactInfo struct {
	Name      string
	Version   string
	URL       string
	Filename  string
	Integrity string // sha512-... or sha1-...
	License   string
}

// Ref returns the concrete reference the artifact was resolved to.
func (a *ArtifactInfo) Ref() core.Ref {
	return core.Ref{Name: a.Name, Version: a.Version}
}

// Resolver turns a name and a version request into a downloadable artifact.
type Resolver struct {
	source  MetadataSource
	cache   *VersionCache
	group   singleflight.Group
	timeout time.Duration
	logger  *log.Logger
}

// DefaultResolveTimeout bounds one metadata request.
const DefaultResolveTimeout = 60 * time.Second

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithResolverLogger sets the resolver's logger.
func WithResolverLogger(l *log.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithResolverTimeout bounds each metadata request, independently of the
// context of the caller that started it.
func WithResolverTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewResolver creates a resolver that reads through cache. A nil cache gets a
// private one.
func NewResolver(source MetadataSource, cache *VersionCache, opts ...ResolverOption) *Resolver {
	if cache == nil {
		cache = NewVersionCache()
	}
	r := &Resolver{
		source:  source,
		cache:   cache,
		timeout: DefaultResolveTimeout,
		logger:  log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Cache returns the resolver's version cache.
func (r *Resolver) Cache() *VersionCache {
	return r.cache
}

// Resolve returns the download URL and integrity of name at version.
// "latest" (or "") follows the latest dist-tag. At most one metadata request
// per name is in flight at a time.
func (r *Resolver) Resolve(ctx context.Context, name, version string, forceRefresh bool) (*ArtifactInfo, error) {
	if err := core.ValidateName(name); err != nil {
		return nil, err
	}
	if err := core.ValidateVersion(version); err != nil {
		return nil, err
	}

	pkg, err := r.packument(ctx, name, forceRefresh)
	if err != nil {
		return nil, err
	}

	v, err := pkg.Resolve(version)
	if err != nil {
		return nil, err
	}

	return &ArtifactInfo{
		Name:      name,
		Version:   v.Version,
		URL:       v.Tarball,
		Filename:  filenameFromURL(v.Tarball),
		Integrity: v.Integrity,
		License:   v.License,
	}, nil
}

func (r *Resolver) packument(ctx context.Context, name string, forceRefresh bool) (*npm.Packument, error) {
	if !forceRefresh {
		if pkg, ok := r.cache.Get(name); ok {
			return pkg, nil
		}
	}

	key := name
	if forceRefresh {
		key = "!" + name
	}

	ch := r.group.DoChan(key, func() (any, error) {
		// A flight that settled between the lookup above and this one
		// already stored the document.
		if !forceRefresh {
			if pkg, ok := r.cache.Get(name); ok {
				return pkg, nil
			}
		}
		r.logger.Debug("fetching metadata", "package", name, "refresh", forceRefresh)
		// Detached from the first caller so waiters are not failed by its
		// cancellation, but still bounded.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		pkg, err := r.source.FetchPackument(fctx, name)
		if err != nil {
			return nil, err
		}
		r.cache.Set(name, pkg)
		return pkg, nil
	})

	select {
	case <-ctx.Done():
		return nil, core.Wrap(core.KindNetwork, ctx.Err(), "resolving %s", name)
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*npm.Packument), nil
	}
}

func filenameFromURL(url string) string {
	if idx := strings.LastIndex(url, "/"); idx >= 0 {
		return url[idx+1:]
	}
	return url
}
