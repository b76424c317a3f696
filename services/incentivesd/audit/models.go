package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Payout instruction states.
const (
	PayoutPending = "PENDING"
	PayoutSettled = "SETTLED"
)

// Record is one entry of the append-only audit log. Each record commits to
// its predecessor through PrevHash.
type Record struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Seq        uint64    `gorm:"uniqueIndex;not null"`
	Type       string    `gorm:"size:64;index"`
	Attributes string    `gorm:"type:text"`
	PrevHash   string    `gorm:"size:64"`
	Hash       string    `gorm:"size:64;uniqueIndex"`
	CreatedAt  time.Time
}

// TableName pins the audit table name.
func (Record) TableName() string { return "audit_records" }

// PayoutInstruction is a transfer the host platform must execute. LedgerSeq
// is the outbox sequence and makes enqueueing idempotent.
type PayoutInstruction struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	LedgerSeq  uint64    `gorm:"uniqueIndex;not null"`
	Token      string    `gorm:"size:96"`
	User       string    `gorm:"size:96;index"`
	Claimer    string    `gorm:"size:96"`
	Recipient  string    `gorm:"size:96;index"`
	Amount     string    `gorm:"size:80;not null"`
	Status     string    `gorm:"size:16;index"`
	Reference  string    `gorm:"size:128"`
	LedgerTime uint64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName pins the payout table name.
func (PayoutInstruction) TableName() string { return "payout_instructions" }

// AutoMigrate creates or updates the audit schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Record{}, &PayoutInstruction{})
}

// Open connects to the audit database. Supported drivers are sqlite and
// postgres.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("audit: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", driver, err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return db, nil
}
