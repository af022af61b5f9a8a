package models

import (
	"time"
)

// MigrationType distinguishes schema migrations from seed scripts.
type MigrationType string

const (
	MigrationTypeMigration MigrationType = "MIGRATION"
	MigrationTypeSeed      MigrationType = "SEED"
)

// MigrationStatus is the execution state of a single ledger row.
type MigrationStatus string

const (
	MigrationStatusPending   MigrationStatus = "PENDING"
	MigrationStatusCompleted MigrationStatus = "COMPLETED"
	MigrationStatusFailed    MigrationStatus = "FAILED"
)

// Migration is one row of the migration ledger: the durable record of a single
// schema or seed script execution for a module. The composite unique index on
// (module_name, file_name, type) is the storage-level guard that makes script
// execution at-most-once even across concurrent actors; a losing insert means
// somebody else already ran it.
type Migration struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ModuleName string        `gorm:"uniqueIndex:idx_module_file_type;not null" json:"module_name"`
	FileName   string        `gorm:"uniqueIndex:idx_module_file_type;not null" json:"file_name"`
	Type       MigrationType `gorm:"uniqueIndex:idx_module_file_type;not null" json:"type"`

	// Checksum is a sha256 hex digest of the script content captured at
	// execution time. It is stored for audit purposes only and is not compared
	// against later uploads of the same file name.
	Checksum string `gorm:"not null" json:"checksum"`

	Status MigrationStatus `gorm:"not null;default:PENDING" json:"status"`

	ExecutedAt time.Time `json:"executed_at"`
	// ExecutionTime is the elapsed wall time of the script in milliseconds.
	ExecutionTime int64 `json:"execution_time"`
	// ExecutedBy is an attribution identifier, either an operator id or an
	// automated-actor id.
	ExecutedBy string `json:"executed_by"`

	// Error holds the underlying failure message for FAILED rows.
	Error string `gorm:"type:text" json:"error,omitempty"`
}

// TableName specifies the table name for GORM
func (Migration) TableName() string {
	return "module_migrations"
}
