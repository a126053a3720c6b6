package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PointsAccount represents the points_accounts table.
type PointsAccount struct {
	UserID    string    `gorm:"primaryKey;size:191"`
	Balance   int64     `gorm:"not null;default:0"`
	Tier      string    `gorm:"size:16;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (PointsAccount) TableName() string { return "points_accounts" }

// LedgerEntry mirrors the points_ledger_entries table. Rows are never updated.
type LedgerEntry struct {
	ID         int64          `gorm:"primaryKey;autoIncrement"`
	UserID     string         `gorm:"size:191;not null;index:idx_points_ledger_user_id"`
	Source     string         `gorm:"size:16;not null"`
	Delta      int64          `gorm:"not null"`
	RefType    *string        `gorm:"size:191"`
	RefID      *string        `gorm:"size:191"`
	Meta       datatypes.JSON `gorm:"not null"`
	OccurredAt time.Time      `gorm:"not null"`
}

func (LedgerEntry) TableName() string { return "points_ledger_entries" }

// AttendanceRecord mirrors the attendance_records table.
type AttendanceRecord struct {
	RecordID       string    `gorm:"primaryKey;size:36"`
	UserID         string    `gorm:"size:191;not null;uniqueIndex:uniq_attendance_user_date,priority:1"`
	AttendanceDate string    `gorm:"size:10;not null;uniqueIndex:uniq_attendance_user_date,priority:2"`
	CheckedInAt    time.Time `gorm:"not null"`
	StreakCount    int       `gorm:"not null"`
	PointsEarned   int64     `gorm:"not null"`
	Source         string    `gorm:"size:32;not null"`
	Note           string    `gorm:"size:255;not null;default:''"`
}

func (AttendanceRecord) TableName() string { return "attendance_records" }

func (record *AttendanceRecord) BeforeCreate(tx *gorm.DB) error {
	if record.RecordID == "" {
		record.RecordID = uuid.NewString()
	}
	return nil
}

// Models lists every table owned by the store, in creation order.
func Models() []any {
	return []any{&PointsAccount{}, &LedgerEntry{}, &AttendanceRecord{}}
}
