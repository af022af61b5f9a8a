package modpack

import (
	"regexp"

	"github.com/goccy/go-json"
)

// ManifestName is the metadata file every module package must ship, either at
// the archive root or inside its single top-level directory.
const ManifestName = "module.json"

var slugRegex = regexp.MustCompile(`^[a-z0-9]+(?:[-_][a-z0-9]+)*$`)

// Manifest is the typed form of a package's module.json. It is decoded exactly
// once, at validation time, and the resulting value is what every downstream
// component consumes.
type Manifest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Version     string `json:"version"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
	Author      string `json:"author"`
}

// ParseManifest strictly decodes raw manifest bytes. Name and slug are
// required; version falls back to "1.0.0" when omitted.
func ParseManifest(b []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, newError(ErrCodeInvalidManifest, ManifestName, err.Error())
	}
	if m.Name == "" {
		return nil, newError(ErrCodeInvalidManifest, ManifestName, "missing required field \"name\"")
	}
	if m.Slug == "" {
		return nil, newError(ErrCodeInvalidManifest, ManifestName, "missing required field \"slug\"")
	}
	if !slugRegex.MatchString(m.Slug) {
		return nil, newError(ErrCodeInvalidManifest, ManifestName, "slug must be lowercase alphanumeric with dashes or underscores: "+m.Slug)
	}
	if m.Version == "" {
		m.Version = "1.0.0"
	}
	return &m, nil
}
