package model

import "time"

const (
	HoldStatusActive   = "active"
	HoldStatusReleased = "released"
	HoldStatusCaptured = "captured"
)

// Hold is a time-boxed reservation against a wallet's available balance.
// Rows are never deleted; only the status moves, active -> released or
// active -> captured. Expiry is not a stored transition: an active hold whose
// ExpiresAt has passed simply stops counting toward on-hold totals.
type Hold struct {
	ID              uint64    `gorm:"primaryKey"`
	WalletID        uint64    `gorm:"not null;index"`
	OrganizationID  uint64    `gorm:"not null"`
	Provider        string    `gorm:"size:32;not null"`
	ExternalOrderID string    `gorm:"size:64;not null"`
	AmountMinor     int64     `gorm:"not null"`
	Status          string    `gorm:"size:16;not null;default:'active'"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	ExpiresAt       time.Time `gorm:"not null;index"`
}

func (Hold) TableName() string { return "hold" }

// Terminal reports whether the hold reached a final state.
func (h *Hold) Terminal() bool {
	return h.Status != HoldStatusActive
}
