package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/stepsync/studio_services/internal/platform/messagebroker"
	"github.com/stepsync/studio_services/internal/studio_service/domain"
)

const (
	SubjectRefundRecorded      = "studio.refund.recorded.v1"
	SubjectConcessionPurchased = "studio.concession.purchased.v1"
	SubjectConcessionGifted    = "studio.concession.gifted.v1"
	SubjectStudentRegistered   = "studio.student.registered.v1"
)

// RefundRecordedEvent doubles as the audit record of the block disposition sub-step.
type RefundRecordedEvent struct {
	RefundTransactionID   string                  `json:"refundTransactionId"`
	OriginalTransactionID string                  `json:"originalTransactionId"`
	StudentID             string                  `json:"studentId"`
	Amount                int64                   `json:"amount"`
	Currency              string                  `json:"currency"`
	RefundMethod          domain.RefundMethod     `json:"refundMethod"`
	StripeRefundID        *string                 `json:"stripeRefundId,omitempty"`
	IsFullRefund          bool                    `json:"isFullRefund"`
	RefundedBy            string                  `json:"refundedBy"`
	Reason                string                  `json:"reason"`
	BlockDisposition      *BlockDispositionReport `json:"blockDisposition,omitempty"`
	OccurredAt            time.Time               `json:"occurredAt"`
}

type ConcessionEvent struct {
	TransactionID string     `json:"transactionId"`
	StudentID     string     `json:"studentId"`
	PackageID     string     `json:"packageId"`
	BlockID       string     `json:"blockId"`
	Quantity      int        `json:"quantity"`
	Amount        int64      `json:"amount"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	CreatedBy     string     `json:"createdBy,omitempty"`
	OccurredAt    time.Time  `json:"occurredAt"`
}

type StudentRegisteredEvent struct {
	StudentID     string    `json:"studentId"`
	Email         string    `json:"email"`
	PackageID     string    `json:"packageId,omitempty"`
	TransactionID string    `json:"transactionId,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// publishEvent never fails the caller; the ledger is already written.
func publishEvent(ctx context.Context, pub messagebroker.Publisher, logger *slog.Logger, subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to marshal event", "subject", subject, "error", err)
		return
	}
	if err := pub.Publish(ctx, subject, data); err != nil {
		logger.ErrorContext(ctx, "Failed to publish event", "subject", subject, "error", err)
	}
}
