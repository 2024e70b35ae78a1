package client

import (
	"fmt"
	"net/url"
	"strings"
)

// URLBuilder constructs URLs for a registry.
type URLBuilder interface {
	Registry(name, version string) string
	Download(name, version string) string
	Documentation(name, version string) string
}

// NPMURLs builds URLs for an npm-compatible registry rooted at BaseURL.
type NPMURLs struct {
	BaseURL string
}

// Registry returns the metadata (packument) URL. Scoped names keep the "@"
// and escape the separating slash, as the npm registry expects.
func (u *NPMURLs) Registry(name, _ string) string {
	return fmt.Sprintf("%s/%s", strings.TrimSuffix(u.BaseURL, "/"), EscapeName(name))
}

// Download returns the conventional tarball URL. The packument's dist.tarball
// field takes precedence when present.
func (u *NPMURLs) Download(name, version string) string {
	if version == "" {
		return ""
	}
	shortName := name
	if _, short, ok := strings.Cut(name, "/"); ok {
		shortName = short
	}
	return fmt.Sprintf("%s/%s/-/%s-%s.tgz", strings.TrimSuffix(u.BaseURL, "/"), name, shortName, version)
}

func (u *NPMURLs) Documentation(name, version string) string {
	if version != "" {
		return fmt.Sprintf("https://www.npmjs.com/package/%s/v/%s", name, version)
	}
	return fmt.Sprintf("https://www.npmjs.com/package/%s", name)
}

// EscapeName escapes a package name for use as a single path segment.
func EscapeName(name string) string {
	if scope, short, ok := strings.Cut(name, "/"); ok && strings.HasPrefix(scope, "@") {
		return scope + "%2F" + url.PathEscape(short)
	}
	return url.PathEscape(name)
}

// BuildURLs returns a map of all non-empty URLs for a package.
// Keys are "registry", "download" and "docs".
func BuildURLs(urls URLBuilder, name, version string) map[string]string {
	result := make(map[string]string)
	if v := urls.Registry(name, version); v != "" {
		result["registry"] = v
	}
	if v := urls.Download(name, version); v != "" {
		result["download"] = v
	}
	if v := urls.Documentation(name, version); v != "" {
		result["docs"] = v
	}
	return result
}
