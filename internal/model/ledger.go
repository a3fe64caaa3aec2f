package model

import "time"

const (
	DirectionCredit = "credit"
	DirectionDebit  = "debit"
)

// LedgerEntry is one signed amount recorded against a wallet. Entries are
// append-only: corrections are offsetting entries, never edits. The partial
// unique index on (wallet_id, idempotency_key) makes insertion idempotent
// independent of the HTTP-layer guard.
type LedgerEntry struct {
	ID             uint64    `gorm:"primaryKey"`
	WalletID       uint64    `gorm:"not null;index;uniqueIndex:uniq_ledger_idem"`
	OrganizationID uint64    `gorm:"not null"`
	Direction      string    `gorm:"size:8;not null"`
	AmountMinor    int64     `gorm:"not null"`
	Reason         string    `gorm:"size:64"`
	Reference      string    `gorm:"type:jsonb"`
	IdempotencyKey *string   `gorm:"size:64;uniqueIndex:uniq_ledger_idem"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

func (LedgerEntry) TableName() string { return "ledger_entry" }
