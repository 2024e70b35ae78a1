package store

import (
	"crypto/sha1" //nolint:gosec // legacy npm shasum
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"hash"
	"io"
	"strings"

	"github.com/git-pkgs/pkgcache/internal/core"
)

// Supported SRI algorithms, weakest first.
var algorithms = []string{"sha1", "sha256", "sha384", "sha512"}

var hashes = map[string]func() hash.Hash{
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

func strength(algo string) int {
	for i, a := range algorithms {
		if a == algo {
			return i
		}
	}
	return -1
}

// Integrity is one parsed subresource-integrity hash.
type Integrity struct {
	Algorithm string
	Digest    string // base64
}

func (i Integrity) String() string {
	return i.Algorithm + "-" + i.Digest
}

func (i Integrity) newHash() hash.Hash {
	return hashes[i.Algorithm]()
}

// matches compares a raw digest against the expected one in constant time.
func (i Integrity) matches(sum []byte) bool {
	got := base64.StdEncoding.EncodeToString(sum)
	return subtle.ConstantTimeCompare([]byte(got), []byte(i.Digest)) == 1
}

// ParseIntegrity parses an SRI string such as "sha512-<base64>". When the
// string carries several space-separated hashes the strongest supported one
// wins. Options after "?" are ignored.
func ParseIntegrity(s string) (Integrity, error) {
	var best Integrity
	for _, field := range strings.Fields(s) {
		field, _, _ = strings.Cut(field, "?")
		algo, digest, ok := strings.Cut(field, "-")
		if !ok || digest == "" {
			continue
		}
		if _, err := base64.StdEncoding.DecodeString(digest); err != nil {
			continue
		}
		if strength(algo) > strength(best.Algorithm) {
			best = Integrity{Algorithm: algo, Digest: digest}
		}
	}
	if best.Algorithm == "" {
		return Integrity{}, core.New(core.KindIntegrity, "unsupported or malformed integrity %q", s)
	}
	return best, nil
}

// ComputeIntegrity hashes r with algo and returns the SRI string.
func ComputeIntegrity(r io.Reader, algo string) (string, error) {
	newHash, ok := hashes[algo]
	if !ok {
		return "", core.New(core.KindIntegrity, "unsupported algorithm %q", algo)
	}
	h := newHash()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return algo + "-" + base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}
