package domain

import (
	"fmt"
	"time"
)

// ConcessionBlock is a purchased or gifted bundle of class credits.
// Invariant: 0 <= RemainingQuantity <= InitialQuantity.
type ConcessionBlock struct {
	ID                string     `json:"id"`
	StudentID         string     `json:"studentId"`
	PackageID         string     `json:"packageId"`
	TransactionID     string     `json:"transactionId"`
	InitialQuantity   int        `json:"initialQuantity"`
	RemainingQuantity int        `json:"remainingQuantity"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	IsLocked          bool       `json:"isLocked"`
	LockNote          *string    `json:"lockNote,omitempty"`
	LockedAt          *time.Time `json:"lockedAt,omitempty"`
	LockedBy          *string    `json:"lockedBy,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// BlockDisposition is the lock-or-delete decision made when the purchase behind a
// block is refunded.
type BlockDisposition string

const (
	BlockDispositionLock   BlockDisposition = "lock"
	BlockDispositionDelete BlockDisposition = "delete"
)

// ErrInvalidBlockQuantities signals remaining > initial (or negative counts).
var ErrInvalidBlockQuantities = fmt.Errorf("concession block quantities violate 0 <= remaining <= initial")

// DecideBlockDisposition locks partially consumed blocks and deletes untouched ones.
func DecideBlockDisposition(remaining, initial int) (BlockDisposition, error) {
	if remaining < 0 || initial < 0 || remaining > initial {
		return "", fmt.Errorf("%w: remaining=%d initial=%d", ErrInvalidBlockQuantities, remaining, initial)
	}
	if remaining < initial {
		return BlockDispositionLock, nil
	}
	return BlockDispositionDelete, nil
}

// LockNote is the human-readable note attached to a block locked by a refund.
func LockNote(refundedAmount int64, currency string, at time.Time) string {
	return fmt.Sprintf("Locked after refund of %s on %s; remaining classes are no longer usable.",
		FormatMinorUnits(refundedAmount, currency), at.Format("2 Jan 2006"))
}
