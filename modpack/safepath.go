package modpack

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"emperror.dev/errors"
)

// deniedNames are file or directory base names that are never extracted from
// an untrusted archive. They cover secrets files, version-control metadata,
// dependency caches and dependency lockfiles.
var deniedNames = map[string]struct{}{
	".git":              {},
	".svn":              {},
	".hg":               {},
	"node_modules":      {},
	"vendor":            {},
	"composer.lock":     {},
	"package-lock.json": {},
	"yarn.lock":         {},
	".npmrc":            {},
	".htpasswd":         {},
	"id_rsa":            {},
	"id_ed25519":        {},
	"credentials.json":  {},
}

// CheckEntryPath validates a single archive entry path before it may be
// written to disk. It rejects absolute paths, any path containing a
// parent-directory segment after normalization (zip-slip), and denylisted base
// names. Every entry of an untrusted archive MUST pass this check before
// extraction.
func CheckEntryPath(p string) error {
	if p == "" {
		return newError(ErrCodeBadPath, p, "")
	}
	if path.IsAbs(p) || filepath.IsAbs(p) || strings.HasPrefix(p, `\`) {
		return newError(ErrCodeBadPath, p, "")
	}
	cleaned := path.Clean(strings.ReplaceAll(p, `\`, "/"))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.Contains(cleaned, "/../") {
		return newError(ErrCodeBadPath, p, "")
	}
	for _, segment := range strings.Split(cleaned, "/") {
		if segment == ".." {
			return newError(ErrCodeBadPath, p, "")
		}
		name := strings.ToLower(segment)
		if _, ok := deniedNames[name]; ok {
			return newError(ErrCodeDenylistFile, p, "")
		}
		if strings.HasPrefix(name, ".env") {
			return newError(ErrCodeDenylistFile, p, "")
		}
	}
	return nil
}

// CheckModuleNotExists errors if a directory for the slug already exists under
// the modules root. Installation never silently overwrites an existing module;
// re-installing requires an explicit uninstall first.
func CheckModuleNotExists(slug string, modulesRoot string) error {
	target := filepath.Join(modulesRoot, slug)
	if _, err := os.Stat(target); err == nil {
		return newError(ErrCodeModuleExists, target, "")
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "modpack: failed to stat module directory %s", target)
	}
	return nil
}
