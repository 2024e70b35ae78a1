// Package pkgcache is a content-addressed cache of npm package tarballs.
//
// Every artifact is resolved against the registry, downloaded at most once
// per process for each concrete name@version, checked against the registry's
// integrity string before it becomes visible, and recorded in a JSON manifest
// next to the store. Cached files are re-verified on every hit.
//
// Basic usage:
//
//	cache, err := pkgcache.Open("/var/cache/pkgcache")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	ref, err := pkgcache.ParseRef("@babel/core@latest")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	res, err := cache.Acquire(context.Background(), ref, false)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(res.Ref, res.Path)
package pkgcache

import (
	"github.com/git-pkgs/pkgcache/internal/core"
	"github.com/git-pkgs/pkgcache/ledger"
)

// Re-export types from internal/core
type (
	// Ref names a package and a version, which is either concrete or Latest.
	Ref = core.Ref

	// Error is a failure with a kind, a message and an optional cause.
	Error = core.Error

	// Kind classifies a failure.
	Kind = core.Kind

	// NotFoundError reports a package or version the registry does not have.
	NotFoundError = core.NotFoundError
)

// Entry is a manifest record of a stored artifact.
type Entry = ledger.Entry

// Re-export constants
const (
	Latest = core.Latest

	KindInvalidInput = core.KindInvalidInput
	KindNotFound     = core.KindNotFound
	KindRegistry     = core.KindRegistry
	KindNetwork      = core.KindNetwork
	KindIntegrity    = core.KindIntegrity
	KindStorage      = core.KindStorage
	KindSubprocess   = core.KindSubprocess
)

// Re-export error sentinels
var (
	ErrInvalidInput = core.ErrInvalidInput
	ErrNotFound     = core.ErrNotFound
	ErrRegistry     = core.ErrRegistry
	ErrNetwork      = core.ErrNetwork
	ErrIntegrity    = core.ErrIntegrity
	ErrStorage      = core.ErrStorage
	ErrSubprocess   = core.ErrSubprocess
)

// ParseRef parses "name", "name@version", "@scope/name@version" or a package
// URL. A missing version becomes Latest.
func ParseRef(s string) (Ref, error) {
	return core.ParseRef(s)
}

// ParsePURL parses an npm package URL.
func ParsePURL(purl string) (Ref, error) {
	return core.ParsePURL(purl)
}

// KindOf returns the kind of err, or "" for unclassified errors.
func KindOf(err error) Kind {
	return core.KindOf(err)
}

// IsKind reports whether err carries kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return core.IsKind(err, kind)
}
