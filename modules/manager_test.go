package modules

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/priyxstudio/forge/events"
	"github.com/priyxstudio/forge/internal/models"
	"github.com/priyxstudio/forge/ledger"
	"github.com/priyxstudio/forge/modpack"
	"github.com/priyxstudio/forge/permissions"
)

type testEnv struct {
	db      *gorm.DB
	bus     *events.Bus
	acl     *permissions.Registry
	manager *Manager
	root    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&models.Module{}, &models.Migration{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	bus := events.NewBus()
	acl := permissions.NewRegistry()
	root := t.TempDir()
	m := NewManager(Options{
		DB:          db,
		Bus:         bus,
		ACL:         acl,
		Ledger:      ledger.New(db),
		ModulesRoot: root,
	})
	t.Cleanup(m.StopWait)
	return &testEnv{db: db, bus: bus, acl: acl, manager: m, root: root}
}

// packageZip builds a folder-layout archive for the given slug with a working
// schema migration and seed.
func packageZip(t *testing.T, slug string, extra map[string]string) []byte {
	t.Helper()
	entries := map[string]string{
		slug + "/module.json": fmt.Sprintf(`{"name": "Test %s", "slug": %q, "version": "1.2.0"}`, slug, slug),
		slug + "/migrations/001_create.sql": fmt.Sprintf(
			"CREATE TABLE %s_items (id INTEGER PRIMARY KEY, label TEXT);", slug),
		slug + "/seed.sql": fmt.Sprintf("INSERT INTO %s_items (label) VALUES ('first');", slug),
	}
	for k, v := range extra {
		entries[slug+"/"+k] = v
	}
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestManagerFullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const slug = "crm"

	var activatedEvents []string
	env.bus.On(events.ModuleActivatedEvent, func(e events.Event) {
		activatedEvents = append(activatedEvents, e.Data)
	})
	RegisterHook(slug, RegistrarFunc(func(rc RegistrationContext) error {
		rc.RegisterPermission(rc.Slug()+".contacts.view", "View contacts")
		return nil
	}))

	mod, err := env.manager.InstallSync(ctx, packageZip(t, slug, map[string]string{
		"backend/service.ext": "body",
	}), "ops@example.com")
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if mod.Status != models.ModuleStatusInstalled {
		t.Fatalf("expected installed status, got %s", mod.Status)
	}
	if !mod.HasBackend || mod.HasFrontend {
		t.Errorf("expected backend-only module, got backend=%v frontend=%v", mod.HasBackend, mod.HasFrontend)
	}
	if _, err := os.Stat(filepath.Join(env.root, slug, "module.json")); err != nil {
		t.Fatalf("expected extracted package on disk: %v", err)
	}
	installedAt := mod.InstalledAt

	// Activation straight from installed is forbidden.
	if err := env.manager.Activate(ctx, slug); !errors.Is(err, ErrActionNotAllowed) {
		t.Fatalf("expected ErrActionNotAllowed, got: %v", err)
	}

	if err := env.manager.PrepareDatabase(ctx, slug, "ops@example.com"); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	mod, err = env.manager.Get(ctx, slug)
	if err != nil {
		t.Fatal(err)
	}
	if mod.Status != models.ModuleStatusDbReady {
		t.Fatalf("expected db_ready status, got %s", mod.Status)
	}
	rows, err := env.manager.Migrations(ctx, slug)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected migration and seed to be recorded, got %d rows", len(rows))
	}
	for _, r := range rows {
		if r.Status != models.MigrationStatusCompleted {
			t.Errorf("expected %s to be COMPLETED, got %s", r.FileName, r.Status)
		}
		if r.ExecutedBy != "ops@example.com" {
			t.Errorf("expected recorded actor, got %q", r.ExecutedBy)
		}
	}

	if err := env.manager.Activate(ctx, slug); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	mod, err = env.manager.Get(ctx, slug)
	if err != nil {
		t.Fatal(err)
	}
	if mod.Status != models.ModuleStatusActive {
		t.Fatalf("expected active status, got %s", mod.Status)
	}
	if mod.ActivatedAt == nil {
		t.Fatal("expected activation timestamp to be set")
	}
	if mod.InstalledAt.Unix() != installedAt.Unix() {
		t.Errorf("installation timestamp must not move on activation")
	}
	if len(activatedEvents) != 1 || activatedEvents[0] != slug {
		t.Errorf("expected one activation event for %s, got %v", slug, activatedEvents)
	}
	if !env.acl.UserHasPermission(&permissions.User{Permissions: []string{slug + ".contacts.view"}}, slug+".contacts.view") {
		t.Error("expected the hook's permission to be registered")
	}
	if p, ok := env.acl.GetPermission(slug + ".contacts.view"); !ok || p.Module != slug {
		t.Errorf("expected the permission to be owned by %s, got %+v", slug, p)
	}
	firstActivation := *mod.ActivatedAt

	// Uninstalling an active module is forbidden and leaves everything intact.
	if err := env.manager.Uninstall(ctx, slug); !errors.Is(err, ErrActionNotAllowed) {
		t.Fatalf("expected ErrActionNotAllowed, got: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.root, slug)); err != nil {
		t.Fatalf("package directory must survive a rejected uninstall: %v", err)
	}

	if err := env.manager.Deactivate(ctx, slug); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	mod, err = env.manager.Get(ctx, slug)
	if err != nil {
		t.Fatal(err)
	}
	if mod.Status != models.ModuleStatusDisabled {
		t.Fatalf("expected disabled status, got %s", mod.Status)
	}

	// Re-activation from disabled keeps the install history and moves only the
	// activation timestamp.
	time.Sleep(20 * time.Millisecond)
	if err := env.manager.Activate(ctx, slug); err != nil {
		t.Fatalf("re-activate failed: %v", err)
	}
	mod, err = env.manager.Get(ctx, slug)
	if err != nil {
		t.Fatal(err)
	}
	if mod.Status != models.ModuleStatusActive {
		t.Fatalf("expected active status, got %s", mod.Status)
	}
	if mod.InstalledAt.Unix() != installedAt.Unix() {
		t.Errorf("installation timestamp must not move on re-activation")
	}
	if !mod.ActivatedAt.After(firstActivation) {
		t.Errorf("expected a fresh activation timestamp, got %v (first was %v)", mod.ActivatedAt, firstActivation)
	}

	// Full teardown: deactivate, then uninstall.
	if err := env.manager.Deactivate(ctx, slug); err != nil {
		t.Fatal(err)
	}
	if err := env.manager.Uninstall(ctx, slug); err != nil {
		t.Fatalf("uninstall failed: %v", err)
	}
	if _, err := env.manager.Get(ctx, slug); !errors.Is(err, ErrModuleNotFound) {
		t.Fatalf("expected ErrModuleNotFound after uninstall, got: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.root, slug)); !os.IsNotExist(err) {
		t.Error("expected the package directory to be removed")
	}
	// Ledger rows survive the uninstall for audit.
	var count int64
	if err := env.db.Model(&models.Migration{}).Where("module_name = ?", slug).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("expected ledger rows to be retained, got %d", count)
	}
}

func TestManagerRejectsDuplicateInstall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const slug = "billing"

	if _, err := env.manager.InstallSync(ctx, packageZip(t, slug, nil), ""); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	_, err := env.manager.InstallSync(ctx, packageZip(t, slug, nil), "")
	if !modpack.IsErrorCode(err, modpack.ErrCodeModuleExists) {
		t.Fatalf("expected module-exists error, got: %v", err)
	}
}

func TestManagerReinstallAfterUninstall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const slug = "inventory"

	mod, err := env.manager.InstallSync(ctx, packageZip(t, slug, nil), "")
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}
	originalID := mod.ID

	if err := env.manager.Uninstall(ctx, slug); err != nil {
		t.Fatalf("uninstall failed: %v", err)
	}

	mod, err = env.manager.InstallSync(ctx, packageZip(t, slug, nil), "")
	if err != nil {
		t.Fatalf("reinstall failed: %v", err)
	}
	if mod.Status != models.ModuleStatusInstalled {
		t.Errorf("expected installed status after reinstall, got %s", mod.Status)
	}
	if mod.ActivatedAt != nil {
		t.Errorf("expected a clean activation timestamp after reinstall")
	}
	// The record is revived rather than duplicated so the ledger history stays
	// attached to it.
	if mod.ID != originalID {
		t.Errorf("expected the previous record to be revived, got id %d (was %d)", mod.ID, originalID)
	}
}

func TestManagerRollsBackFailedExtraction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const slug = "broken"

	archive := packageZip(t, slug, map[string]string{
		"../escape.txt": "traversal",
	})
	if _, err := env.manager.InstallSync(ctx, archive, ""); !modpack.IsErrorCode(err, modpack.ErrCodeBadPath) {
		t.Fatalf("expected unsafe-path error, got: %v", err)
	}

	// The record created before extraction must be gone again.
	if _, err := env.manager.Get(ctx, slug); !errors.Is(err, ErrModuleNotFound) {
		t.Fatalf("expected no record after rollback, got: %v", err)
	}
	// And a fresh install of a fixed package works.
	if _, err := env.manager.InstallSync(ctx, packageZip(t, slug, nil), ""); err != nil {
		t.Fatalf("install after rollback failed: %v", err)
	}
}

func TestManagerPrepareDefaultsToSystemActor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const slug = "audit"

	if _, err := env.manager.InstallSync(ctx, packageZip(t, slug, nil), ""); err != nil {
		t.Fatal(err)
	}
	if err := env.manager.PrepareDatabase(ctx, slug, ""); err != nil {
		t.Fatal(err)
	}
	rows, err := env.manager.Migrations(ctx, slug)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rows {
		if r.ExecutedBy != ledger.SystemActor {
			t.Errorf("expected system attribution, got %q", r.ExecutedBy)
		}
	}
}

func TestManagerPrepareIsRetriable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const slug = "retry"

	archive := packageZip(t, slug, map[string]string{
		"migrations/002_broken.sql": "THIS IS NOT SQL;",
	})
	if _, err := env.manager.InstallSync(ctx, archive, ""); err != nil {
		t.Fatal(err)
	}

	if err := env.manager.PrepareDatabase(ctx, slug, ""); err == nil {
		t.Fatal("expected prepare to fail on the broken migration")
	}
	mod, err := env.manager.Get(ctx, slug)
	if err != nil {
		t.Fatal(err)
	}
	if mod.Status != models.ModuleStatusInstalled {
		t.Fatalf("a failed prepare must leave the module installed, got %s", mod.Status)
	}

	// Fix the script on disk and retry; only the failed script runs again.
	fixed := filepath.Join(env.root, slug, "migrations", "002_broken.sql")
	if err := os.WriteFile(fixed, []byte("CREATE TABLE retry_extra (id INTEGER PRIMARY KEY);"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := env.manager.PrepareDatabase(ctx, slug, ""); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	mod, err = env.manager.Get(ctx, slug)
	if err != nil {
		t.Fatal(err)
	}
	if mod.Status != models.ModuleStatusDbReady {
		t.Fatalf("expected db_ready after retry, got %s", mod.Status)
	}

	rows, err := env.manager.Migrations(ctx, slug)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 ledger rows, got %d", len(rows))
	}
	for _, r := range rows {
		if r.Status != models.MigrationStatusCompleted {
			t.Errorf("expected %s to be COMPLETED after retry, got %s", r.FileName, r.Status)
		}
	}
}

func TestManagerCheckConsistency(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const slug = "vanished"

	if _, err := env.manager.InstallSync(ctx, packageZip(t, slug, nil), ""); err != nil {
		t.Fatal(err)
	}

	// Nothing to do while the package directory is present.
	disabled, err := env.manager.CheckConsistency(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(disabled) != 0 {
		t.Fatalf("expected no modules disabled, got %v", disabled)
	}

	// Pull the directory out from under the manager.
	if err := os.RemoveAll(filepath.Join(env.root, slug)); err != nil {
		t.Fatal(err)
	}
	disabled, err = env.manager.CheckConsistency(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(disabled) != 1 || disabled[0] != slug {
		t.Fatalf("expected %s to be force-disabled, got %v", slug, disabled)
	}
	mod, err := env.manager.Get(ctx, slug)
	if err != nil {
		t.Fatal(err)
	}
	if mod.Status != models.ModuleStatusDisabled {
		t.Fatalf("expected disabled status, got %s", mod.Status)
	}

	// A second sweep is a no-op.
	disabled, err = env.manager.CheckConsistency(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(disabled) != 0 {
		t.Fatalf("expected an idempotent sweep, got %v", disabled)
	}
}

func TestManagerBackgroundInstall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const slug = "async"

	mod, err := env.manager.Install(ctx, packageZip(t, slug, nil), "")
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if mod.Status != models.ModuleStatusInstalled {
		t.Fatalf("expected installed status, got %s", mod.Status)
	}

	deadline := time.Now().Add(5 * time.Second)
	for env.manager.IsInstalling(slug) {
		if time.Now().After(deadline) {
			t.Fatal("extraction did not finish in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := os.Stat(filepath.Join(env.root, slug, "module.json")); err != nil {
		t.Fatalf("expected extracted package on disk: %v", err)
	}
}
