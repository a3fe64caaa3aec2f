package model

import "time"

// Wallet holds the credits balance for one (organization, owner) pair.
// Created lazily on first access; the unique index makes concurrent
// first-access an insert-or-return-existing.
type Wallet struct {
	ID             uint64    `gorm:"primaryKey"`
	OrganizationID uint64    `gorm:"not null;uniqueIndex:uniq_wallet_owner"`
	OwnerUserID    uint64    `gorm:"not null;uniqueIndex:uniq_wallet_owner"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

func (Wallet) TableName() string { return "wallet" }

// Balances is the derived view of a wallet: settled balance, the total of
// active unexpired holds, and what remains spendable. All integer minor units.
type Balances struct {
	BalanceMinor   int64 `json:"balance_minor"`
	OnHoldMinor    int64 `json:"on_hold_minor"`
	AvailableMinor int64 `json:"available_minor"`
}
