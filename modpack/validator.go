package modpack

import (
	"archive/zip"
	"bytes"
	"io"
	"sort"
	"strings"

	"emperror.dev/errors"
)

// incidentalRoots are top-level entries that may appear in an archive without
// counting as "another root directory" during layout detection. These show up
// in packages built on developer machines and are never extracted.
var incidentalRoots = map[string]struct{}{
	".git":         {},
	".svn":         {},
	".hg":          {},
	"__MACOSX":     {},
	".DS_Store":    {},
	"node_modules": {},
	"vendor":       {},
	".idea":        {},
	".vscode":      {},
}

// Package is the validated, ephemeral representation of an uploaded module
// archive. It is produced once by Validate and consumed during install.
type Package struct {
	// BasePath is the path prefix all module files live under. Empty for
	// root-layout packages, "<dir>/" for folder-layout packages.
	BasePath string

	Manifest    *Manifest
	RawManifest []byte

	// Files is every entry in the archive, directories included.
	Files []string

	HasBackend  bool
	HasFrontend bool

	reader *zip.Reader
}

// Validate parses raw archive bytes, detects the package layout, and decodes
// the manifest. Exactly two layouts are supported: module.json at the archive
// root, or exactly one top-level directory containing <dir>/module.json.
func Validate(b []byte) (*Package, error) {
	if len(b) == 0 {
		return nil, newError(ErrCodeEmptyArchive, "", "")
	}
	r, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return nil, newError(ErrCodeCorruptArchive, "", err.Error())
	}
	if len(r.File) == 0 {
		return nil, newError(ErrCodeEmptyArchive, "", "")
	}

	files := make([]string, 0, len(r.File))
	for _, f := range r.File {
		files = append(files, f.Name)
	}

	basePath, err := detectBasePath(files)
	if err != nil {
		return nil, err
	}

	raw, err := readArchiveFile(r, basePath+ManifestName)
	if err != nil {
		return nil, err
	}
	manifest, err := ParseManifest(raw)
	if err != nil {
		return nil, err
	}

	pkg := &Package{
		BasePath:    basePath,
		Manifest:    manifest,
		RawManifest: raw,
		Files:       files,
		reader:      r,
	}
	for _, name := range files {
		if strings.HasPrefix(name, basePath+"backend/") {
			pkg.HasBackend = true
		}
		if strings.HasPrefix(name, basePath+"frontend/") {
			pkg.HasFrontend = true
		}
	}
	return pkg, nil
}

// detectBasePath determines the layout of the archive. A root-level
// module.json wins; otherwise there must be exactly one non-incidental
// top-level directory holding the manifest.
func detectBasePath(files []string) (string, error) {
	rootDirs := make(map[string]struct{})
	for _, name := range files {
		name = strings.TrimPrefix(name, "./")
		if name == ManifestName {
			return "", nil
		}
		i := strings.Index(name, "/")
		if i < 0 {
			continue
		}
		top := name[:i]
		if _, ok := incidentalRoots[top]; ok {
			continue
		}
		rootDirs[top] = struct{}{}
	}

	if len(rootDirs) == 0 {
		return "", newError(ErrCodeMissingManifest, "", ManifestName+" at the archive root")
	}
	if len(rootDirs) > 1 {
		names := make([]string, 0, len(rootDirs))
		for d := range rootDirs {
			names = append(names, d)
		}
		sort.Strings(names)
		return "", newError(ErrCodeMultipleRoots, "", strings.Join(names, ", "))
	}

	var dir string
	for d := range rootDirs {
		dir = d
	}
	base := dir + "/"
	for _, name := range files {
		if strings.TrimPrefix(name, "./") == base+ManifestName {
			return base, nil
		}
	}
	return "", newError(ErrCodeMissingManifest, "", base+ManifestName)
}

// readArchiveFile returns the full contents of a single named entry.
func readArchiveFile(r *zip.Reader, name string) ([]byte, error) {
	for _, f := range r.File {
		if strings.TrimPrefix(f.Name, "./") != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "modpack: failed to open archive entry %s", name)
		}
		defer rc.Close()
		b, err := io.ReadAll(rc)
		if err != nil {
			return nil, errors.Wrapf(err, "modpack: failed to read archive entry %s", name)
		}
		return b, nil
	}
	return nil, newError(ErrCodeMissingManifest, "", name)
}

// TotalUncompressedSize sums the declared uncompressed size of every entry.
// Used to reject zip bombs before any byte is inflated.
func (p *Package) TotalUncompressedSize() uint64 {
	var total uint64
	for _, f := range p.reader.File {
		total += f.UncompressedSize64
	}
	return total
}
