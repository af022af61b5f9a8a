package models

import (
	"time"

	"gorm.io/gorm"
)

// ModuleStatus represents where a module currently sits within its install
// lifecycle.
type ModuleStatus string

const (
	// ModuleStatusDetected is a package that has been seen but not yet
	// installed.
	ModuleStatusDetected ModuleStatus = "detected"
	// ModuleStatusInstalled is a validated and extracted package whose
	// database has not been prepared yet.
	ModuleStatusInstalled ModuleStatus = "installed"
	// ModuleStatusDbReady is a module whose migrations and seeds have been
	// applied.
	ModuleStatusDbReady ModuleStatus = "db_ready"
	// ModuleStatusActive is a running module whose registration hook has been
	// invoked.
	ModuleStatusActive ModuleStatus = "active"
	// ModuleStatusDisabled is a deactivated module; history is preserved and
	// it may be re-activated.
	ModuleStatusDisabled ModuleStatus = "disabled"
)

// Valid returns true if the status is one of the five defined lifecycle
// values. Anything else blocks every lifecycle action.
func (s ModuleStatus) Valid() bool {
	switch s {
	case ModuleStatusDetected, ModuleStatusInstalled, ModuleStatusDbReady, ModuleStatusActive, ModuleStatusDisabled:
		return true
	}
	return false
}

// Module represents an installed module package's persisted state.
type Module struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Slug    string `gorm:"uniqueIndex;not null" json:"slug"`
	Name    string `gorm:"not null" json:"name"`
	Version string `gorm:"not null" json:"version"`

	Status ModuleStatus `gorm:"not null;default:detected" json:"status"`

	HasBackend  bool `gorm:"default:false" json:"has_backend"`
	HasFrontend bool `gorm:"default:false" json:"has_frontend"`

	InstalledAt time.Time  `json:"installed_at"`
	ActivatedAt *time.Time `json:"activated_at"`
}

// TableName specifies the table name for GORM
func (Module) TableName() string {
	return "modules"
}
