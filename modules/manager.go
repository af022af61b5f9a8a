package modules

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/gammazero/workerpool"
	"gorm.io/gorm"

	"github.com/priyxstudio/forge/events"
	"github.com/priyxstudio/forge/internal/models"
	"github.com/priyxstudio/forge/ledger"
	"github.com/priyxstudio/forge/modpack"
	"github.com/priyxstudio/forge/permissions"
	"github.com/priyxstudio/forge/system"
)

// ErrModuleNotFound is returned when the named module has no record.
var ErrModuleNotFound = errors.Sentinel("modules: module not found")

// ErrModuleBusy is returned when an action is requested while the module's
// package is still being extracted in the background. Callers should poll the
// module state and retry.
var ErrModuleBusy = errors.Sentinel("modules: package extraction still in progress")

// ErrAlreadyInstalled is returned when installing a package whose slug already
// has a live module record. Uninstall the existing module first.
var ErrAlreadyInstalled = errors.Sentinel("modules: module is already installed")

// Options configures a lifecycle manager. All shared collaborators are
// injected explicitly; the manager owns no global state.
type Options struct {
	DB     *gorm.DB
	Bus    *events.Bus
	ACL    *permissions.Registry
	Ledger *ledger.Ledger

	// ModulesRoot is the directory installed module packages are extracted
	// into, one directory per slug.
	ModulesRoot string

	Extractor *modpack.Extractor

	// ExtractWorkers is the number of background workers processing package
	// extraction. Defaults to 1 when unset.
	ExtractWorkers int
}

// Manager owns the module install state machine: it validates and extracts
// uploaded packages, advances module records through their lifecycle, and runs
// module registration hooks on activation.
type Manager struct {
	db        *gorm.DB
	bus       *events.Bus
	acl       *permissions.Registry
	ledger    *ledger.Ledger
	root      string
	extractor *modpack.Extractor
	pool      *workerpool.WorkerPool

	installs *system.FlagSet
}

func NewManager(opts Options) *Manager {
	workers := opts.ExtractWorkers
	if workers < 1 {
		workers = 1
	}
	ex := opts.Extractor
	if ex == nil {
		ex = &modpack.Extractor{}
	}
	return &Manager{
		db:        opts.DB,
		bus:       opts.Bus,
		acl:       opts.ACL,
		ledger:    opts.Ledger,
		root:      opts.ModulesRoot,
		extractor: ex,
		pool:      workerpool.New(workers),
		installs:  system.NewFlagSet(),
	}
}

// Get returns the module record for a slug.
func (m *Manager) Get(ctx context.Context, slug string) (*models.Module, error) {
	var mod models.Module
	if err := m.db.WithContext(ctx).Where("slug = ?", slug).First(&mod).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.WithDetails(ErrModuleNotFound, "module", slug)
		}
		return nil, errors.Wrap(err, "modules: failed to fetch module record")
	}
	return &mod, nil
}

// List returns every module record ordered by slug.
func (m *Manager) List(ctx context.Context) ([]models.Module, error) {
	var mods []models.Module
	if err := m.db.WithContext(ctx).Order("slug ASC").Find(&mods).Error; err != nil {
		return nil, errors.Wrap(err, "modules: failed to list module records")
	}
	return mods, nil
}

// Path returns the on-disk package directory for a module slug.
func (m *Manager) Path(slug string) string {
	return filepath.Join(m.root, slug)
}

// IsInstalling reports whether the module's package extraction is still
// running in the background.
func (m *Manager) IsInstalling(slug string) bool {
	return m.installs.Load(slug)
}

// Install validates an uploaded package archive, creates the module record in
// the "installed" state, and offloads extraction to a background worker. The
// returned record reflects the state at creation time; callers must poll until
// IsInstalling reports false before preparing the database. Extraction
// failure removes the record again and leaves nothing on disk.
func (m *Manager) Install(ctx context.Context, archive []byte, actor string) (*models.Module, error) {
	pkg, mod, err := m.beginInstall(ctx, archive, actor)
	if err != nil {
		return nil, err
	}
	m.pool.Submit(func() {
		defer m.installs.Store(mod.Slug, false)
		if err := m.extractor.Extract(pkg, m.root); err != nil {
			log.WithFields(log.Fields{
				"module": mod.Slug,
				"error":  err,
			}).Error("background package extraction failed, rolling back install")
			m.rollbackInstall(mod)
		}
	})
	return mod, nil
}

// InstallSync is Install without the background offload: extraction happens
// before the call returns. Intended for small archives and command-line use.
func (m *Manager) InstallSync(ctx context.Context, archive []byte, actor string) (*models.Module, error) {
	pkg, mod, err := m.beginInstall(ctx, archive, actor)
	if err != nil {
		return nil, err
	}
	defer m.installs.Store(mod.Slug, false)
	if err := m.extractor.Extract(pkg, m.root); err != nil {
		m.rollbackInstall(mod)
		return nil, err
	}
	return mod, nil
}

// beginInstall runs the synchronous part of an install: package validation,
// guard checks, and creation of the module record. On success the module's
// installing flag is held by the caller.
func (m *Manager) beginInstall(ctx context.Context, archive []byte, actor string) (*modpack.Package, *models.Module, error) {
	pkg, err := modpack.Validate(archive)
	if err != nil {
		return nil, nil, err
	}
	slug := pkg.Manifest.Slug
	if err := modpack.CheckModuleNotExists(slug, m.root); err != nil {
		return nil, nil, err
	}
	if !m.installs.SwapIf(slug, true) {
		return nil, nil, errors.WithDetails(ErrModuleBusy, "module", slug)
	}

	mod, err := m.createRecord(ctx, pkg)
	if err != nil {
		m.installs.Store(slug, false)
		return nil, nil, err
	}
	log.WithFields(log.Fields{
		"module":  slug,
		"version": mod.Version,
		"actor":   actor,
	}).Info("module package validated, record created")
	m.bus.Publish(events.ModuleInstalledEvent, slug)
	return pkg, mod, nil
}

// createRecord inserts the module record in the installed state. A record
// soft-deleted by a prior uninstall is revived in place so the slug's
// migration ledger history stays attached to it.
func (m *Manager) createRecord(ctx context.Context, pkg *modpack.Package) (*models.Module, error) {
	slug := pkg.Manifest.Slug
	now := time.Now()

	var existing models.Module
	err := m.db.WithContext(ctx).Unscoped().Where("slug = ?", slug).First(&existing).Error
	switch {
	case err == nil:
		if !existing.DeletedAt.Valid {
			return nil, errors.WithDetails(ErrAlreadyInstalled, "module", slug)
		}
		existing.DeletedAt = gorm.DeletedAt{}
		existing.Name = pkg.Manifest.Name
		existing.Version = pkg.Manifest.Version
		existing.Status = models.ModuleStatusInstalled
		existing.HasBackend = pkg.HasBackend
		existing.HasFrontend = pkg.HasFrontend
		existing.InstalledAt = now
		existing.ActivatedAt = nil
		if err := m.db.WithContext(ctx).Unscoped().Save(&existing).Error; err != nil {
			return nil, errors.Wrap(err, "modules: failed to revive module record")
		}
		return &existing, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		// fall through to create
	default:
		return nil, errors.Wrap(err, "modules: failed to look up module record")
	}

	mod := models.Module{
		Slug:        slug,
		Name:        pkg.Manifest.Name,
		Version:     pkg.Manifest.Version,
		Status:      models.ModuleStatusInstalled,
		HasBackend:  pkg.HasBackend,
		HasFrontend: pkg.HasFrontend,
		InstalledAt: now,
	}
	if err := m.db.WithContext(ctx).Create(&mod).Error; err != nil {
		return nil, errors.Wrap(err, "modules: failed to create module record")
	}
	return &mod, nil
}

// rollbackInstall removes the record created by a failed install. Migration
// ledger rows, if any somehow exist, are left untouched.
func (m *Manager) rollbackInstall(mod *models.Module) {
	if err := m.db.Delete(&models.Module{}, mod.ID).Error; err != nil {
		log.WithFields(log.Fields{
			"module": mod.Slug,
			"error":  err,
		}).Error("failed to remove module record after extraction failure")
	}
}

// PrepareDatabase applies the module's pending migration and seed scripts and
// advances it to db_ready. Only permitted from the installed state. Scripts
// already recorded COMPLETED in the ledger are not re-run, so retrying after a
// failure is safe.
func (m *Manager) PrepareDatabase(ctx context.Context, slug string, actor string) error {
	mod, err := m.Get(ctx, slug)
	if err != nil {
		return err
	}
	if m.IsInstalling(slug) {
		return errors.WithDetails(ErrModuleBusy, "module", slug)
	}
	next, err := Transition(mod.Status, ActionPrepareDatabase)
	if err != nil {
		return err
	}
	if actor == "" {
		actor = ledger.SystemActor
	}
	if err := m.ledger.Apply(ctx, slug, m.Path(slug), actor); err != nil {
		// The module stays installed; completed ledger rows are retained so a
		// retry picks up where this run stopped.
		return err
	}
	return m.transitionRecord(ctx, slug, mod.Status, next)
}

// Activate runs the module's registration hook and marks it active. Permitted
// from db_ready and, for re-activation, from disabled; installation history is
// preserved and only the activation timestamp moves.
func (m *Manager) Activate(ctx context.Context, slug string) error {
	mod, err := m.Get(ctx, slug)
	if err != nil {
		return err
	}
	next, err := Transition(mod.Status, ActionActivate)
	if err != nil {
		return err
	}

	if hook, ok := lookupHook(slug); ok {
		rc := &registrationContext{slug: slug, acl: m.acl, bus: m.bus}
		if err := hook.Register(rc); err != nil {
			return errors.Wrapf(err, "modules: registration hook failed for %s", slug)
		}
	} else {
		log.WithField("module", slug).Debug("module has no registration hook")
	}

	if err := m.transitionRecord(ctx, slug, mod.Status, next); err != nil {
		return err
	}
	now := time.Now()
	if err := m.db.WithContext(ctx).Model(&models.Module{}).
		Where("slug = ?", slug).
		Update("activated_at", &now).Error; err != nil {
		return errors.Wrap(err, "modules: failed to stamp activation time")
	}
	m.bus.Publish(events.ModuleActivatedEvent, slug)
	log.WithField("module", slug).Info("module activated")
	return nil
}

// Deactivate marks an active module disabled. Permissions the module has
// registered stay in the access-control registry so historical grants remain
// meaningful.
func (m *Manager) Deactivate(ctx context.Context, slug string) error {
	mod, err := m.Get(ctx, slug)
	if err != nil {
		return err
	}
	next, err := Transition(mod.Status, ActionDeactivate)
	if err != nil {
		return err
	}
	if err := m.transitionRecord(ctx, slug, mod.Status, next); err != nil {
		return err
	}
	m.bus.Publish(events.ModuleDeactivatedEvent, slug)
	log.WithField("module", slug).Info("module deactivated")
	return nil
}

// Uninstall removes the module's package directory and soft-deletes its
// record. Never permitted from the active state; deactivate first. Ledger
// rows referencing the module are kept for audit.
func (m *Manager) Uninstall(ctx context.Context, slug string) error {
	mod, err := m.Get(ctx, slug)
	if err != nil {
		return err
	}
	if m.IsInstalling(slug) {
		return errors.WithDetails(ErrModuleBusy, "module", slug)
	}
	if _, err := Transition(mod.Status, ActionUninstall); err != nil {
		return err
	}

	if err := os.RemoveAll(m.Path(slug)); err != nil {
		return errors.Wrapf(err, "modules: failed to remove module directory for %s", slug)
	}
	if err := m.db.WithContext(ctx).Delete(&models.Module{}, mod.ID).Error; err != nil {
		return errors.Wrap(err, "modules: failed to delete module record")
	}
	m.bus.Publish(events.ModuleUninstalledEvent, slug)
	log.WithField("module", slug).Info("module uninstalled")
	return nil
}

// CheckConsistency force-disables every module whose on-disk package
// directory has gone missing, regardless of its prior state. The check is
// idempotent and safe to invoke repeatedly or concurrently: the status update
// is guarded so a module is only moved once, and already-disabled modules are
// skipped. Returns the slugs that were disabled by this invocation.
func (m *Manager) CheckConsistency(ctx context.Context) ([]string, error) {
	mods, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var disabled []string
	for _, mod := range mods {
		if !mod.Status.Valid() {
			log.WithFields(log.Fields{
				"module": mod.Slug,
				"status": string(mod.Status),
			}).Warn("module record has an unrecognized status, no action permitted")
		}
		if mod.Status == models.ModuleStatusDisabled {
			continue
		}
		if m.IsInstalling(mod.Slug) {
			continue
		}
		if _, err := os.Stat(m.Path(mod.Slug)); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			log.WithFields(log.Fields{
				"module": mod.Slug,
				"error":  err,
			}).Warn("could not stat module directory during consistency check")
			continue
		}

		res := m.db.WithContext(ctx).Model(&models.Module{}).
			Where("slug = ? AND status <> ?", mod.Slug, models.ModuleStatusDisabled).
			Update("status", models.ModuleStatusDisabled)
		if res.Error != nil {
			return disabled, errors.Wrapf(res.Error, "modules: failed to force-disable %s", mod.Slug)
		}
		if res.RowsAffected > 0 {
			log.WithField("module", mod.Slug).Warn("module package directory missing, forced status to disabled")
			disabled = append(disabled, mod.Slug)
		}
	}
	return disabled, nil
}

// transitionRecord advances a module's status with a guard on the expected
// current status, so two racing actors cannot both apply the same transition.
func (m *Manager) transitionRecord(ctx context.Context, slug string, from, to models.ModuleStatus) error {
	res := m.db.WithContext(ctx).Model(&models.Module{}).
		Where("slug = ? AND status = ?", slug, from).
		Update("status", to)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "modules: failed to transition %s to %s", slug, to)
	}
	if res.RowsAffected == 0 {
		return errors.WithDetails(ErrActionNotAllowed, "module", slug, "status", string(to))
	}
	return nil
}

// RunRegistrationHook invokes the module's registration hook against the
// shared registries without touching lifecycle state. Used at boot to
// repopulate the registries for modules that were already active.
func (m *Manager) RunRegistrationHook(slug string) error {
	hook, ok := lookupHook(slug)
	if !ok {
		log.WithField("module", slug).Debug("module has no registration hook")
		return nil
	}
	return hook.Register(&registrationContext{slug: slug, acl: m.acl, bus: m.bus})
}

// Migrations returns the module's migration ledger rows for operator
// inspection.
func (m *Manager) Migrations(ctx context.Context, slug string) ([]models.Migration, error) {
	if _, err := m.Get(ctx, slug); err != nil {
		return nil, err
	}
	return m.ledger.Status(ctx, slug)
}

// StopWait drains the background extraction pool. Called during daemon
// shutdown.
func (m *Manager) StopWait() {
	m.pool.StopWait()
}
