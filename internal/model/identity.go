package model

import "time"

// ExternalIdentity links a (provider, providerUserID) pair to an internal
// wallet owner. Immutable after creation except for best-effort email backfill.
type ExternalIdentity struct {
	ID             uint64    `gorm:"primaryKey"`
	OrganizationID uint64    `gorm:"not null;uniqueIndex:uniq_identity"`
	Provider       string    `gorm:"size:32;not null;uniqueIndex:uniq_identity"`
	ProviderUserID string    `gorm:"size:64;not null;uniqueIndex:uniq_identity"`
	UserID         uint64    `gorm:"not null"`
	Email          string    `gorm:"size:255"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

func (ExternalIdentity) TableName() string { return "external_identity" }

const (
	SyncCodeStatusActive = "active"
	SyncCodeStatusUsed   = "used"
)

// SyncCode is a one-time linking code. Redemption flips active -> used and
// upserts the ExternalIdentity in the same transaction. A nil ExpiresAt means
// the code never expires.
type SyncCode struct {
	ID             uint64     `gorm:"primaryKey"`
	Code           string     `gorm:"size:16;not null;uniqueIndex"`
	OrganizationID uint64     `gorm:"not null;index"`
	Provider       string     `gorm:"size:32;not null"`
	ProviderUserID string     `gorm:"size:64;not null"`
	Email          string     `gorm:"size:255"`
	Status         string     `gorm:"size:16;not null;default:'active'"`
	UserID         *uint64    `gorm:""`
	ExpiresAt      *time.Time `gorm:""`
	CreatedAt      time.Time  `gorm:"autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime"`
}

func (SyncCode) TableName() string { return "sync_code" }
