// Package npm decodes the npm registry protocol.
package npm

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/git-pkgs/pkgcache/client"
	"github.com/git-pkgs/pkgcache/internal/core"
)

const DefaultURL = "https://registry.npmjs.org"

type Registry struct {
	baseURL string
	client  *client.Client
	urls    *client.NPMURLs
}

func New(baseURL string, c *client.Client) *Registry {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if c == nil {
		c = client.DefaultClient()
	}
	r := &Registry{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  c,
	}
	r.urls = &client.NPMURLs{BaseURL: r.baseURL}
	return r
}

func (r *Registry) BaseURL() string {
	return r.baseURL
}

func (r *Registry) URLs() client.URLBuilder {
	return r.urls
}

// Packument is the subset of an npm package document the cache needs.
type Packument struct {
	Name     string
	DistTags map[string]string
	Versions map[string]Version
}

// Version is the distribution information of one published version.
type Version struct {
	Version    string
	Tarball    string
	Integrity  string
	License    string
	Deprecated string
}

// Latest returns the version the "latest" dist-tag points to.
func (p *Packument) Latest() (string, bool) {
	v, ok := p.DistTags["latest"]
	return v, ok && v != ""
}

type packageResponse struct {
	ID       string                 `json:"_id"`
	Name     string                 `json:"name"`
	Versions map[string]versionInfo `json:"versions"`
	DistTags map[string]string      `json:"dist-tags"`
}

type versionInfo struct {
	Name       string      `json:"name"`
	Version    string      `json:"version"`
	License    interface{} `json:"license"`
	Deprecated string      `json:"deprecated"`
	Dist       *distInfo   `json:"dist"`
}

type distInfo struct {
	Shasum    string `json:"shasum"`
	Tarball   string `json:"tarball"`
	Integrity string `json:"integrity"`
}

// FetchPackument performs the single metadata request for name.
// A 404 is reported as NotFound, an undecodable or incomplete document as a
// registry error and anything else that prevents a response as a network error.
func (r *Registry) FetchPackument(ctx context.Context, name string) (*Packument, error) {
	url := r.urls.Registry(name, "")

	body, err := r.client.GetBody(ctx, url)
	if err != nil {
		var httpErr *client.HTTPError
		if errors.As(err, &httpErr) {
			if httpErr.IsNotFound() {
				return nil, &core.NotFoundError{Ecosystem: core.Ecosystem, Name: name}
			}
			if !httpErr.Retryable() {
				return nil, core.Wrap(core.KindRegistry, err, "fetching metadata for %s", name)
			}
		}
		return nil, core.Wrap(core.KindNetwork, err, "fetching metadata for %s", name)
	}

	var resp packageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, core.Wrap(core.KindRegistry, err, "malformed metadata for %s", name)
	}
	if resp.DistTags == nil {
		return nil, core.New(core.KindRegistry, "metadata for %s has no dist-tags", name)
	}

	pkg := &Packument{
		Name:     coalesceString(resp.ID, resp.Name, name),
		DistTags: resp.DistTags,
		Versions: make(map[string]Version, len(resp.Versions)),
	}
	for num, v := range resp.Versions {
		ver := Version{
			Version:    num,
			License:    extractLicense(v.License),
			Deprecated: v.Deprecated,
		}
		if v.Dist != nil {
			ver.Tarball = v.Dist.Tarball
			ver.Integrity = v.Dist.Integrity
			if ver.Integrity == "" && v.Dist.Shasum != "" {
				ver.Integrity = shasumToSRI(v.Dist.Shasum)
			}
		}
		pkg.Versions[num] = ver
	}

	return pkg, nil
}

// Resolve maps a version request onto a concrete published version.
func (p *Packument) Resolve(version string) (Version, error) {
	if version == "" || version == core.Latest {
		latest, ok := p.Latest()
		if !ok {
			return Version{}, core.New(core.KindRegistry, "metadata for %s has no latest dist-tag", p.Name)
		}
		version = latest
	}

	v, ok := p.Versions[version]
	if !ok {
		return Version{}, &core.NotFoundError{Ecosystem: core.Ecosystem, Name: p.Name, Version: version}
	}
	if v.Tarball == "" {
		return Version{}, core.New(core.KindRegistry, "%s@%s has no tarball URL", p.Name, version)
	}
	if v.Integrity == "" {
		return Version{}, core.New(core.KindRegistry, "%s@%s has no integrity", p.Name, version)
	}
	return v, nil
}

// shasumToSRI converts a legacy hex sha1 into an SRI string.
func shasumToSRI(shasum string) string {
	raw, err := hex.DecodeString(shasum)
	if err != nil {
		return ""
	}
	return "sha1-" + base64.StdEncoding.EncodeToString(raw)
}

func extractLicense(v interface{}) string {
	switch l := v.(type) {
	case string:
		return l
	case map[string]interface{}:
		if t, ok := l["type"].(string); ok {
			return t
		}
	case []interface{}:
		var licenses []string
		for _, item := range l {
			switch li := item.(type) {
			case string:
				licenses = append(licenses, li)
			case map[string]interface{}:
				if t, ok := li["type"].(string); ok {
					licenses = append(licenses, t)
				}
			}
		}
		return strings.Join(licenses, ",")
	}
	return ""
}

func coalesceString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
