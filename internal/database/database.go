package database

import (
	"sync"

	"emperror.dev/errors"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/priyxstudio/forge/config"
	"github.com/priyxstudio/forge/internal/models"
)

var (
	o  sync.Once
	db *gorm.DB
)

// Initialize configures the local sqlite database for the daemon and ensures
// that the models are properly migrated.
func Initialize() error {
	if db != nil {
		return nil
	}
	var err error
	o.Do(func() {
		db, err = gorm.Open(sqlite.Open(config.Get().System.DatabaseFile), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
			// Surface unique constraint violations as gorm.ErrDuplicatedKey so
			// callers can treat a losing concurrent insert as already-applied.
			TranslateError: true,
		})
		if err != nil {
			err = errors.Wrap(err, "database: could not open database file")
			return
		}
		err = db.AutoMigrate(&models.Module{}, &models.Migration{})
		if err != nil {
			err = errors.Wrap(err, "database: failed to migrate models")
		}
	})
	return err
}

// Instance returns the gorm database instance that was configured when the
// application was booted.
func Instance() *gorm.DB {
	if db == nil {
		panic("database: attempt to access instance before configured")
	}
	return db
}

// SetInstance overrides the database instance in use. This exists for tests
// which run against an in-memory database rather than the configured file.
func SetInstance(d *gorm.DB) {
	db = d
}
