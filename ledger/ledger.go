// Package ledger provides at-most-once, auditable execution of the schema
// migration and seed scripts shipped inside a module package. Every execution
// is recorded in a durable ledger keyed by (module, file, type); the storage
// level unique constraint on that key is what keeps execution correct when two
// actors prepare the same module concurrently.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"gorm.io/gorm"

	"github.com/priyxstudio/forge/internal/models"
)

const (
	// MigrationsDir is the directory inside a module package holding schema
	// migration scripts, applied in lexicographic order.
	MigrationsDir = "migrations"
	// SeedFile is the optional single seed script at the module root, applied
	// after all migrations.
	SeedFile = "seed.sql"
	// SeedsDir is the optional directory of additional seed scripts, applied
	// after the root seed file in lexicographic order.
	SeedsDir = "seeds"
)

// SystemActor is the attribution identifier recorded when no operator
// triggered the run, e.g. the scheduled consistency sweep or boot-time
// preparation.
const SystemActor = "system"

// Ledger applies a module's scripts against the target store and records the
// outcome of every attempt.
type Ledger struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

type script struct {
	fileName string
	path     string
	kind     models.MigrationType
}

// Apply runs every pending migration and seed script for the module rooted at
// moduleDir. Scripts already recorded COMPLETED are skipped; scripts recorded
// FAILED are retried; a script currently PENDING is assumed to be in flight
// with another actor and is skipped with a warning. Migrations always run
// before seeds within one module. The first execution failure aborts the run
// and is returned with the failing file named; rows for scripts completed
// earlier in the run are retained so a retry does not repeat them.
func (l *Ledger) Apply(ctx context.Context, moduleName string, moduleDir string, actor string) error {
	scripts, err := enumerate(moduleDir)
	if err != nil {
		return err
	}
	if len(scripts) == 0 {
		log.WithField("module", moduleName).Debug("no migration or seed scripts to apply")
		return nil
	}

	for _, s := range scripts {
		if err := l.applyOne(ctx, moduleName, s, actor); err != nil {
			return err
		}
	}
	return nil
}

// enumerate collects a module's scripts in execution order: migrations sorted
// lexicographically, then the root seed file, then sorted seeds.
func enumerate(moduleDir string) ([]script, error) {
	var scripts []script

	migrations, err := listDir(filepath.Join(moduleDir, MigrationsDir))
	if err != nil {
		return nil, err
	}
	for _, name := range migrations {
		scripts = append(scripts, script{
			fileName: name,
			path:     filepath.Join(moduleDir, MigrationsDir, name),
			kind:     models.MigrationTypeMigration,
		})
	}

	if _, err := os.Stat(filepath.Join(moduleDir, SeedFile)); err == nil {
		scripts = append(scripts, script{
			fileName: SeedFile,
			path:     filepath.Join(moduleDir, SeedFile),
			kind:     models.MigrationTypeSeed,
		})
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "ledger: failed to stat seed file")
	}

	seeds, err := listDir(filepath.Join(moduleDir, SeedsDir))
	if err != nil {
		return nil, err
	}
	for _, name := range seeds {
		scripts = append(scripts, script{
			fileName: name,
			path:     filepath.Join(moduleDir, SeedsDir, name),
			kind:     models.MigrationTypeSeed,
		})
	}
	return scripts, nil
}

func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "ledger: failed to read script directory %s", dir)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// applyOne executes a single script if its ledger row permits it. The claim is
// an insert of a PENDING row; a unique constraint violation on that insert
// means another actor got there first, which is treated as already applied and
// never surfaced as an error.
func (l *Ledger) applyOne(ctx context.Context, moduleName string, s script, actor string) error {
	lg := log.WithFields(log.Fields{
		"module": moduleName,
		"file":   s.fileName,
		"type":   string(s.kind),
	})

	var existing models.Migration
	err := l.db.WithContext(ctx).
		Where("module_name = ? AND file_name = ? AND type = ?", moduleName, s.fileName, s.kind).
		First(&existing).Error
	switch {
	case err == nil:
		switch existing.Status {
		case models.MigrationStatusCompleted:
			lg.Debug("script already applied, skipping")
			return nil
		case models.MigrationStatusPending:
			lg.Warn("script is pending with another actor, skipping")
			return nil
		case models.MigrationStatusFailed:
			lg.Info("retrying previously failed script")
			return l.execute(ctx, &existing, s, actor)
		default:
			return errors.Errorf("ledger: unknown status %q for %s/%s", existing.Status, moduleName, s.fileName)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		// fall through to claim
	default:
		return errors.Wrap(err, "ledger: failed to look up migration record")
	}

	row := models.Migration{
		ModuleName: moduleName,
		FileName:   s.fileName,
		Type:       s.kind,
		Status:     models.MigrationStatusPending,
		ExecutedBy: actor,
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicateKey(err) {
			lg.Debug("lost claim to a concurrent actor, treating script as already applied")
			return nil
		}
		return errors.Wrap(err, "ledger: failed to claim migration record")
	}
	return l.execute(ctx, &row, s, actor)
}

// execute runs the script and settles the claimed row as COMPLETED or FAILED.
func (l *Ledger) execute(ctx context.Context, row *models.Migration, s script, actor string) error {
	content, err := os.ReadFile(s.path)
	if err != nil {
		return errors.Wrapf(err, "ledger: failed to read script %s", s.fileName)
	}
	sum := sha256.Sum256(content)

	start := time.Now()
	execErr := l.runScript(ctx, string(content))
	elapsed := time.Since(start)

	row.Checksum = hex.EncodeToString(sum[:])
	row.ExecutedAt = start
	row.ExecutionTime = elapsed.Milliseconds()
	row.ExecutedBy = actor
	if execErr != nil {
		row.Status = models.MigrationStatusFailed
		row.Error = execErr.Error()
		if serr := l.db.WithContext(ctx).Save(row).Error; serr != nil {
			log.WithField("error", serr).Error("ledger: failed to record script failure")
		}
		return errors.Wrapf(execErr, "ledger: script %s failed for module %s", s.fileName, row.ModuleName)
	}

	row.Status = models.MigrationStatusCompleted
	row.Error = ""
	if err := l.db.WithContext(ctx).Save(row).Error; err != nil {
		return errors.Wrapf(err, "ledger: failed to record completion of %s", s.fileName)
	}
	log.WithFields(log.Fields{
		"module":  row.ModuleName,
		"file":    s.fileName,
		"elapsed": elapsed.String(),
	}).Info("applied module script")
	return nil
}

// runScript executes a script's statements against the target store. sqlite
// will not run multiple statements through a single Exec, so the script is
// split on statement boundaries.
func (l *Ledger) runScript(ctx context.Context, content string) error {
	for _, stmt := range splitStatements(content) {
		if err := l.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// splitStatements breaks a script into individual statements on semicolon
// boundaries. Full-line `--` comments are stripped first so a statement headed
// by a comment still executes. The split does not parse SQL: a semicolon
// inside a string literal will break the statement apart, so scripts must not
// embed literal semicolons.
func splitStatements(content string) []string {
	var sb strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	var out []string
	for _, stmt := range strings.Split(sb.String(), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}

// Status returns every ledger row recorded for the module, ordered by
// execution time, for operator inspection.
func (l *Ledger) Status(ctx context.Context, moduleName string) ([]models.Migration, error) {
	var rows []models.Migration
	if err := l.db.WithContext(ctx).
		Where("module_name = ?", moduleName).
		Order("executed_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "ledger: failed to fetch migration records")
	}
	return rows, nil
}

// isDuplicateKey reports whether the error is a unique constraint violation.
// gorm translates these when TranslateError is enabled, but the raw sqlite
// message is matched as well since translation depends on driver support.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
