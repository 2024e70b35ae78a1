// Package core provides the shared types of the package cache: references,
// the package name grammar and error kinds.
package core

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Ecosystem is the only registry protocol the cache speaks.
const Ecosystem = "npm"

// Latest is the version sentinel resolved through the registry's dist-tags.
const Latest = "latest"

// MaxNameLength is npm's upper bound for package names.
const MaxNameLength = 214

// A segment may not start with "." so "." and ".." can never appear.
var namePattern = regexp.MustCompile(`^(@[A-Za-z0-9_-][A-Za-z0-9._-]*/)?[A-Za-z0-9_-][A-Za-z0-9._-]*$`)

// Ref names a package and a version, which is either concrete or Latest.
type Ref struct {
	Name    string
	Version string
}

// Key returns "<name>@<version>", the ledger key of the ref.
func (r Ref) Key() string {
	return r.Name + "@" + r.Version
}

func (r Ref) String() string {
	return r.Key()
}

// IsLatest reports whether the version still has to be resolved.
func (r Ref) IsLatest() bool {
	return r.Version == "" || r.Version == Latest
}

// Scope returns the "@scope" part of a scoped name, or "".
func (r Ref) Scope() string {
	if scope, _, ok := strings.Cut(r.Name, "/"); ok {
		return scope
	}
	return ""
}

// ShortName returns the name without its scope.
func (r Ref) ShortName() string {
	if _, short, ok := strings.Cut(r.Name, "/"); ok {
		return short
	}
	return r.Name
}

// Validate checks the name grammar and the version form.
func (r Ref) Validate() error {
	if err := ValidateName(r.Name); err != nil {
		return err
	}
	return ValidateVersion(r.Version)
}

// ValidateName rejects anything outside the package name grammar.
func ValidateName(name string) error {
	if name == "" {
		return New(KindInvalidInput, "package name is empty")
	}
	if len(name) > MaxNameLength {
		return New(KindInvalidInput, "package name %q exceeds %d characters", name, MaxNameLength)
	}
	if !namePattern.MatchString(name) {
		return New(KindInvalidInput, "invalid package name %q", name)
	}
	return nil
}

// ValidateVersion accepts "", Latest or a strict semantic version.
func ValidateVersion(version string) error {
	if version == "" || version == Latest {
		return nil
	}
	if _, err := semver.StrictNewVersion(version); err != nil {
		return Wrap(KindInvalidInput, err, "invalid version %q", version)
	}
	return nil
}

// ParseRef parses "name", "name@version", "@scope/name@version" or a
// package URL such as "pkg:npm/%40scope/name@1.0.0". A missing version
// becomes Latest.
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "pkg:") {
		return ParsePURL(s)
	}

	ref := Ref{Name: s, Version: Latest}
	if idx := strings.LastIndex(s, "@"); idx > 0 {
		ref.Name = s[:idx]
		ref.Version = s[idx+1:]
		if ref.Version == "" {
			ref.Version = Latest
		}
	}

	if err := ref.Validate(); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// SplitKey reverses Ref.Key.
func SplitKey(key string) (Ref, bool) {
	idx := strings.LastIndex(key, "@")
	if idx <= 0 {
		return Ref{}, false
	}
	return Ref{Name: key[:idx], Version: key[idx+1:]}, true
}
