package model

import "time"

// IdempotencyRecord stores the outcome of the first mutating request seen for
// a caller-supplied key so duplicates replay instead of re-executing.
// Status 0 marks a request still in flight.
type IdempotencyRecord struct {
	ID        uint64    `gorm:"primaryKey"`
	Key       string    `gorm:"size:128;not null;uniqueIndex"`
	Method    string    `gorm:"size:8;not null"`
	Path      string    `gorm:"size:255;not null"`
	Status    int       `gorm:"not null;default:0"`
	Response  string    `gorm:"type:jsonb"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_record" }
