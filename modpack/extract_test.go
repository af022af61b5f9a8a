package modpack

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func mustValidate(t *testing.T, entries map[string]string) *Package {
	t.Helper()
	pkg, err := Validate(buildZip(t, entries))
	if err != nil {
		t.Fatalf("failed to validate test package: %v", err)
	}
	return pkg
}

func TestExtract(t *testing.T) {
	root := t.TempDir()
	pkg := mustValidate(t, map[string]string{
		"pkg/module.json":         validManifest,
		"pkg/backend/service.ext": "service body",
		"pkg/readme.md":           "docs",
	})

	e := &Extractor{}
	if err := e.Extract(pkg, root); err != nil {
		t.Fatalf("extraction failed: %v", err)
	}

	// Files land under <root>/<slug> with the base path stripped.
	b, err := os.ReadFile(filepath.Join(root, "acme", "backend", "service.ext"))
	if err != nil {
		t.Fatalf("expected extracted file: %v", err)
	}
	if string(b) != "service body" {
		t.Errorf("unexpected file content: %q", b)
	}
	if _, err := os.Stat(filepath.Join(root, "acme", "module.json")); err != nil {
		t.Errorf("expected manifest in module directory: %v", err)
	}

	// No staging directory may survive a successful extraction.
	assertNoStagingLeftovers(t, root)
}

func TestExtractRootLayout(t *testing.T) {
	root := t.TempDir()
	pkg := mustValidate(t, map[string]string{
		"module.json":      validManifest,
		"frontend/app.js":  "export {}",
		"__MACOSX/._thing": "junk",
	})

	e := &Extractor{}
	if err := e.Extract(pkg, root); err != nil {
		t.Fatalf("extraction failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "acme", "frontend", "app.js")); err != nil {
		t.Errorf("expected extracted file: %v", err)
	}
	// Incidental directories never reach disk.
	if _, err := os.Stat(filepath.Join(root, "acme", "__MACOSX")); !os.IsNotExist(err) {
		t.Errorf("incidental directory should not be extracted")
	}
}

func TestExtractAbortsOnUnsafeEntry(t *testing.T) {
	root := t.TempDir()
	pkg := mustValidate(t, map[string]string{
		"pkg/module.json":       validManifest,
		"pkg/ok.txt":            "fine",
		"pkg/../escape.txt":     "not fine",
		"pkg/zz-after-that.txt": "never written",
	})

	e := &Extractor{}
	err := e.Extract(pkg, root)
	if !IsErrorCode(err, ErrCodeBadPath) {
		t.Fatalf("expected unsafe-path error, got: %v", err)
	}

	// Nothing may be left behind after a failed extraction, neither the module
	// directory nor the staging directory.
	if _, err := os.Stat(filepath.Join(root, "acme")); !os.IsNotExist(err) {
		t.Errorf("module directory should not exist after failed extraction")
	}
	if _, err := os.Stat(filepath.Join(root, "escape.txt")); !os.IsNotExist(err) {
		t.Errorf("traversal entry must never reach disk")
	}
	assertNoStagingLeftovers(t, root)
}

func TestExtractRefusesExistingModule(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "acme"), 0o755); err != nil {
		t.Fatal(err)
	}
	pkg := mustValidate(t, map[string]string{
		"pkg/module.json": validManifest,
	})

	e := &Extractor{}
	if err := e.Extract(pkg, root); !IsErrorCode(err, ErrCodeModuleExists) {
		t.Fatalf("expected module-exists error, got: %v", err)
	}
}

func TestExtractArchiveSizeLimit(t *testing.T) {
	root := t.TempDir()
	pkg := mustValidate(t, map[string]string{
		"pkg/module.json": validManifest,
		"pkg/big.bin":     strings.Repeat("x", 4096),
	})

	e := &Extractor{MaxArchiveSize: 1024}
	if err := e.Extract(pkg, root); !IsErrorCode(err, ErrCodeArchiveTooLarge) {
		t.Fatalf("expected archive-too-large error, got: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "acme")); !os.IsNotExist(err) {
		t.Errorf("module directory should not exist after rejected extraction")
	}
}

func TestExtractFileSizeLimit(t *testing.T) {
	root := t.TempDir()
	pkg := mustValidate(t, map[string]string{
		"pkg/module.json": validManifest,
		"pkg/big.bin":     strings.Repeat("x", 4096),
	})

	e := &Extractor{MaxFileSize: 1024}
	if err := e.Extract(pkg, root); !IsErrorCode(err, ErrCodeArchiveTooLarge) {
		t.Fatalf("expected archive-too-large error, got: %v", err)
	}
	assertNoStagingLeftovers(t, root)
}

func assertNoStagingLeftovers(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Errorf("staging directory %s left behind", e.Name())
		}
	}
}
