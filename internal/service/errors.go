package service

import (
	"errors"
	"fmt"
)

// ErrInvalidAmount means a non-positive or malformed amount was passed.
var ErrInvalidAmount = errors.New("amount must be a positive integer of minor units")

// ErrInvalidDirection means a ledger direction other than credit/debit.
var ErrInvalidDirection = errors.New("direction must be credit or debit")

// ErrWalletNotFound covers both absent wallets and wallets belonging to a
// different organization; the caller must not be able to tell them apart.
var ErrWalletNotFound = errors.New("wallet not found")

// ErrHoldNotFound means no hold with that id exists in the organization.
var ErrHoldNotFound = errors.New("hold not found")

// ErrHoldTerminal means the hold was already released or captured.
var ErrHoldTerminal = errors.New("hold already settled")

// ErrHoldExpired refuses capture of a reservation that no longer backs funds.
var ErrHoldExpired = errors.New("hold expired")

// ErrCodeNotFound means no sync code with that value exists in the organization.
var ErrCodeNotFound = errors.New("sync code not found")

// ErrCodeUsed means the code was redeemed by a different user.
var ErrCodeUsed = errors.New("sync code already used")

// ErrCodeExpired means the code's expiry passed before redemption.
var ErrCodeExpired = errors.New("sync code expired")

// ErrIdentityNotFound means the provider user has not linked yet.
var ErrIdentityNotFound = errors.New("external identity not linked")

// InsufficientFundsError reports the shortfall so the caller can retry with a
// smaller amount or fail the order.
type InsufficientFundsError struct {
	AvailableMinor int64
	RequestedMinor int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %d, requested %d", e.AvailableMinor, e.RequestedMinor)
}
