package modpack

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"emperror.dev/errors"
	"github.com/apex/log"
)

// Extractor writes a validated package to disk with zip-slip and size guards
// applied to every entry.
type Extractor struct {
	// MaxFileSize is the maximum uncompressed size of a single entry in bytes.
	// Zero means unlimited.
	MaxFileSize int64
	// MaxArchiveSize is the maximum total uncompressed size in bytes. Zero
	// means unlimited.
	MaxArchiveSize int64
}

// Extract writes the package contents to <modulesRoot>/<slug>. Files are
// staged into a temporary directory first and atomically renamed into place
// only once every entry has been written, so a failure part way through never
// leaves a partial module directory behind.
func (e *Extractor) Extract(pkg *Package, modulesRoot string) error {
	slug := pkg.Manifest.Slug
	if err := CheckModuleNotExists(slug, modulesRoot); err != nil {
		return err
	}
	if e.MaxArchiveSize > 0 && pkg.TotalUncompressedSize() > uint64(e.MaxArchiveSize) {
		return newError(ErrCodeArchiveTooLarge, "", fmt.Sprintf("%d bytes uncompressed, limit is %d", pkg.TotalUncompressedSize(), e.MaxArchiveSize))
	}

	if err := os.MkdirAll(modulesRoot, 0o700); err != nil {
		return errors.Wrap(err, "modpack: failed to create modules root directory")
	}
	// Stage inside the modules root so the final rename is atomic on every
	// filesystem.
	staging, err := os.MkdirTemp(modulesRoot, "."+slug+"-")
	if err != nil {
		return errors.Wrap(err, "modpack: failed to create staging directory")
	}
	defer func() {
		if rerr := os.RemoveAll(staging); rerr != nil && !os.IsNotExist(rerr) {
			log.WithField("path", staging).WithField("error", rerr).Warn("failed to remove extraction staging directory")
		}
	}()

	for _, f := range pkg.reader.File {
		name := strings.TrimPrefix(f.Name, "./")
		rel, ok := packageRelative(name, pkg.BasePath)
		if !ok {
			continue
		}
		// Abort on the first unsafe entry. The deferred cleanup removes
		// everything staged so far.
		if err := CheckEntryPath(name); err != nil {
			return err
		}
		if err := CheckEntryPath(rel); err != nil {
			return err
		}

		dst := filepath.Join(staging, filepath.FromSlash(rel))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dst, 0o700); err != nil {
				return errors.Wrapf(err, "modpack: failed to create directory %s", rel)
			}
			continue
		}
		if e.MaxFileSize > 0 && f.UncompressedSize64 > uint64(e.MaxFileSize) {
			return newError(ErrCodeArchiveTooLarge, name, fmt.Sprintf("entry is %d bytes uncompressed, per-file limit is %d", f.UncompressedSize64, e.MaxFileSize))
		}
		if err := e.writeEntry(f, dst, rel); err != nil {
			return err
		}
	}

	target := filepath.Join(modulesRoot, slug)
	if err := os.Rename(staging, target); err != nil {
		return errors.Wrapf(err, "modpack: failed to move extracted module into place at %s", target)
	}
	log.WithFields(log.Fields{
		"module": slug,
		"path":   target,
	}).Info("extracted module package")
	return nil
}

func (e *Extractor) writeEntry(f *zip.File, dst string, rel string) error {
	rc, err := f.Open()
	if err != nil {
		return errors.Wrapf(err, "modpack: failed to open archive entry %s", rel)
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return errors.Wrapf(err, "modpack: failed to create parent directory for %s", rel)
	}
	w, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrapf(err, "modpack: failed to create file %s", rel)
	}
	defer w.Close()

	var r io.Reader = rc
	if e.MaxFileSize > 0 {
		// Declared sizes can lie; cap the actual inflated byte count too.
		r = io.LimitReader(rc, e.MaxFileSize+1)
	}
	n, err := io.Copy(w, r)
	if err != nil {
		return errors.Wrapf(err, "modpack: failed to write file %s", rel)
	}
	if e.MaxFileSize > 0 && n > e.MaxFileSize {
		return newError(ErrCodeArchiveTooLarge, rel, fmt.Sprintf("entry inflated past the per-file limit of %d bytes", e.MaxFileSize))
	}
	return nil
}

// packageRelative maps an archive entry to its path relative to the module
// root, or reports false for entries that are not part of the package (the
// manifest's sibling incidental directories, entries outside the base path).
func packageRelative(name string, basePath string) (string, bool) {
	if basePath != "" {
		if !strings.HasPrefix(name, basePath) {
			return "", false
		}
		rel := strings.TrimPrefix(name, basePath)
		if rel == "" {
			return "", false
		}
		return rel, true
	}
	top := name
	if i := strings.Index(name, "/"); i >= 0 {
		top = name[:i]
	}
	if _, ok := incidentalRoots[top]; ok {
		return "", false
	}
	return name, true
}
