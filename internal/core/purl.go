package core

import (
	packageurl "github.com/package-url/packageurl-go"
)

// ParsePURL parses an npm package URL into a Ref. Versionless PURLs resolve
// to Latest.
func ParsePURL(purl string) (Ref, error) {
	p, err := packageurl.FromString(purl)
	if err != nil {
		return Ref{}, Wrap(KindInvalidInput, err, "invalid package URL %q", purl)
	}
	if p.Type != packageurl.TypeNPM {
		return Ref{}, New(KindInvalidInput, "unsupported package URL type %q", p.Type)
	}

	// packageurl-go keeps @ in namespace, so "@babel" + "/" + "core" = "@babel/core"
	name := p.Name
	if p.Namespace != "" {
		name = p.Namespace + "/" + p.Name
	}

	ref := Ref{Name: name, Version: p.Version}
	if ref.Version == "" {
		ref.Version = Latest
	}
	if err := ref.Validate(); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// PURL formats the ref as a package URL. Latest refs produce a versionless PURL.
func (r Ref) PURL() string {
	version := r.Version
	if r.IsLatest() {
		version = ""
	}
	return packageurl.NewPackageURL(packageurl.TypeNPM, r.Scope(), r.ShortName(), version, nil, "").ToString()
}
