package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/stepsync/studio_services/internal/platform/messagebroker"
	"github.com/stepsync/studio_services/internal/studio_service/domain"
	"github.com/stepsync/studio_services/internal/studio_service/repository"
)

const maxRefundIDAttempts = 3

// RefundRequest is the refund entry point input. Amount is in minor units.
// Transaction is the caller's snapshot of the original entry; it is only used for the
// up-front balance check, the ledger copy is re-read before anything is written.
type RefundRequest struct {
	TransactionID string
	Transaction   *domain.Transaction
	Amount        int64
	PaymentMethod string
	Reason        string
	IsFullRefund  bool
	RefundedBy    string
}

type RefundResponse struct {
	Success             bool                    `json:"success" yaml:"success"`
	RefundTransactionID string                  `json:"refundTransactionId" yaml:"refundTransactionId"`
	StripeRefundID      *string                 `json:"stripeRefundId" yaml:"stripeRefundId"`
	RefundMethod        domain.RefundMethod     `json:"refundMethod" yaml:"refundMethod"`
	BlockDisposition    *BlockDispositionReport `json:"blockDisposition,omitempty" yaml:"blockDisposition,omitempty"`
}

// BlockOutcome is what happened to one concession block.
type BlockOutcome struct {
	BlockID     string                  `json:"blockId" yaml:"blockId"`
	Disposition domain.BlockDisposition `json:"disposition,omitempty" yaml:"disposition,omitempty"`
	Error       string                  `json:"error,omitempty" yaml:"error,omitempty"`
}

// BlockDispositionReport records the best-effort block bookkeeping after a refund.
// NeedsReview is set when any block could not be handled.
type BlockDispositionReport struct {
	Blocks      []BlockOutcome `json:"blocks" yaml:"blocks"`
	NeedsReview bool           `json:"needsReview" yaml:"needsReview"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// RefundService validates refunds against the ledger, returns money through the
// gateway when the original payment went through it, and records the result.
type RefundService struct {
	txManager  repository.Transactor
	ledger     repository.TransactionRepository
	blocks     repository.ConcessionBlockRepository
	gateway    domain.PaymentGatewayAdapter
	publisher  messagebroker.Publisher
	authorizer *Authorizer
	currency   string
	logger     *slog.Logger
	now        func() time.Time
}

func NewRefundService(
	txManager repository.Transactor,
	ledger repository.TransactionRepository,
	blocks repository.ConcessionBlockRepository,
	gateway domain.PaymentGatewayAdapter,
	publisher messagebroker.Publisher,
	authorizer *Authorizer,
	currency string,
	logger *slog.Logger,
) *RefundService {
	return &RefundService{
		txManager:  txManager,
		ledger:     ledger,
		blocks:     blocks,
		gateway:    gateway,
		publisher:  publisher,
		authorizer: authorizer,
		currency:   currency,
		logger:     logger.With("service", "refund"),
		now:        time.Now,
	}
}

func missingRefundFields(req *RefundRequest) []string {
	var missing []string
	if strings.TrimSpace(req.TransactionID) == "" {
		missing = append(missing, "transactionId")
	}
	if req.Transaction == nil {
		missing = append(missing, "transaction")
	}
	if req.Amount == 0 {
		missing = append(missing, "amount")
	}
	if strings.TrimSpace(req.PaymentMethod) == "" {
		missing = append(missing, "paymentMethod")
	}
	if strings.TrimSpace(req.Reason) == "" {
		missing = append(missing, "reason")
	}
	return missing
}

func (s *RefundService) currencyOf(t *domain.Transaction) string {
	if t != nil && t.Currency != "" {
		return t.Currency
	}
	return s.currency
}

func exceedsBalanceError(available int64, currency string) error {
	return domain.InvalidArgument("Refund amount exceeds the refundable balance. Available to refund: %s",
		domain.FormatMinorUnits(available, currency))
}

// ProcessRefund runs the refund pipeline. Every gate fails without side effects. The
// balance check, gateway call and both ledger writes happen under a row lock on the
// original transaction, so concurrent refunds cannot overspend it. Block disposition
// runs after commit and never fails the refund.
func (s *RefundService) ProcessRefund(ctx context.Context, req RefundRequest) (*RefundResponse, error) {
	principal, err := s.authorizer.RequireAdmin(ctx)
	if err != nil {
		refundsProcessedCounter.WithLabelValues("none", "rejected").Inc()
		return nil, err
	}

	if missing := missingRefundFields(&req); len(missing) > 0 {
		refundsProcessedCounter.WithLabelValues("none", "rejected").Inc()
		return nil, domain.InvalidArgument("Missing required fields: %s", strings.Join(missing, ", "))
	}
	if req.Amount <= 0 {
		refundsProcessedCounter.WithLabelValues("none", "rejected").Inc()
		return nil, domain.InvalidArgument("Refund amount must be greater than zero.")
	}
	if available := req.Transaction.Amount - req.Transaction.TotalRefunded; req.Amount > available {
		refundsProcessedCounter.WithLabelValues("none", "rejected").Inc()
		return nil, exceedsBalanceError(available, s.currencyOf(req.Transaction))
	}

	refundedBy := req.RefundedBy
	if refundedBy == "" {
		refundedBy = principal.Email
	}
	logger := s.logger.With("transaction_id", req.TransactionID, "amount", req.Amount, "refunded_by", refundedBy)

	var (
		original      *domain.Transaction
		refundTxn     *domain.Transaction
		gatewayRefID  *string
		method        = domain.RefundMethodManual
		gatewayFailed bool
	)
	txErr := s.txManager.WithinTx(ctx, func(q repository.Querier) error {
		fresh, err := s.ledger.GetByIDForUpdate(ctx, q, req.TransactionID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.NotFound("Transaction %s not found.", req.TransactionID)
			}
			return domain.Internal("Failed to load transaction.", err)
		}
		if req.Amount > fresh.AvailableToRefund() {
			logger.WarnContext(ctx, "Refund exceeds current ledger balance", "available", fresh.AvailableToRefund(), "snapshot_total_refunded", req.Transaction.TotalRefunded)
			return exceedsBalanceError(fresh.AvailableToRefund(), s.currencyOf(fresh))
		}
		original = fresh

		if fresh.IsGatewayBacked(req.PaymentMethod) {
			ref := fresh.GatewayPaymentReference()
			if ref == "" {
				logger.WarnContext(ctx, "Gateway-backed transaction has no payment reference; recording a manual refund",
					"payment_method", req.PaymentMethod)
			} else {
				result, err := s.refundThroughGateway(ctx, fresh, ref, req.Amount, req.Reason, refundedBy)
				if err != nil {
					gatewayFailed = true
					return err
				}
				method = domain.RefundMethodStripe
				gatewayRefID = &result.RefundID
			}
		}

		now := s.now().UTC()
		reason := req.Reason
		parentID := fresh.ID
		refundMethod := method
		refundTxn = &domain.Transaction{
			ID:                  domain.RefundTransactionID(fresh.StudentID, now),
			StudentID:           fresh.StudentID,
			Type:                domain.TransactionTypeRefund,
			Amount:              -req.Amount,
			Currency:            s.currencyOf(fresh),
			PaymentMethod:       req.PaymentMethod,
			PackageID:           fresh.PackageID,
			Description:         "Refund of " + fresh.ID,
			PaymentIntentID:     fresh.PaymentIntentID,
			StripeCustomerID:    fresh.StripeCustomerID,
			ParentTransactionID: &parentID,
			AmountRefunded:      req.Amount,
			RefundMethod:        &refundMethod,
			StripeRefundID:      gatewayRefID,
			Reason:              &reason,
			CreatedBy:           refundedBy,
			CreatedAt:           now,
		}
		if err := createWithFreshID(ctx, q, s.ledger, refundTxn); err != nil {
			return domain.Internal("Failed to record refund transaction.", err)
		}

		status := domain.RefundStatusPartial
		if req.IsFullRefund {
			status = domain.RefundStatusFull
		}
		entry := domain.RefundHistoryEntry{Amount: req.Amount, Date: now, RefundedBy: refundedBy, Reason: req.Reason}
		if err := s.ledger.ApplyRefund(ctx, q, fresh.ID, entry, status, fresh.TotalRefunded); err != nil {
			return domain.Internal("Failed to update original transaction.", err)
		}
		return nil
	})
	if txErr != nil {
		// A write or commit failed after the gateway refund went through.
		if gatewayRefID != nil {
			logger.ErrorContext(ctx, "Gateway refund issued but ledger write failed; reconcile manually",
				"stripe_refund_id", *gatewayRefID, "error", txErr)
		}
		outcome := "error"
		switch {
		case gatewayFailed:
			outcome = "gateway_error"
		case domain.ErrorCode(txErr) == codes.InvalidArgument, domain.ErrorCode(txErr) == codes.NotFound:
			outcome = "rejected"
		}
		refundsProcessedCounter.WithLabelValues(string(method), outcome).Inc()
		var dErr *domain.Error
		if errors.As(txErr, &dErr) {
			return nil, dErr
		}
		return nil, domain.Internal("Failed to process refund.", txErr)
	}

	refundsProcessedCounter.WithLabelValues(string(method), "success").Inc()
	refundAmountCounter.WithLabelValues(refundTxn.Currency).Add(float64(req.Amount))
	logger.InfoContext(ctx, "Refund recorded", "refund_transaction_id", refundTxn.ID, "refund_method", method, "full", req.IsFullRefund)

	var report *BlockDispositionReport
	if original.Type == domain.TransactionTypeConcessionPurchase {
		report = s.disposeBlocks(ctx, original, req.Amount, refundedBy, refundTxn.CreatedAt)
	}

	publishEvent(ctx, s.publisher, s.logger, SubjectRefundRecorded, RefundRecordedEvent{
		RefundTransactionID:   refundTxn.ID,
		OriginalTransactionID: original.ID,
		StudentID:             original.StudentID,
		Amount:                req.Amount,
		Currency:              refundTxn.Currency,
		RefundMethod:          method,
		StripeRefundID:        gatewayRefID,
		IsFullRefund:          req.IsFullRefund,
		RefundedBy:            refundedBy,
		Reason:                req.Reason,
		BlockDisposition:      report,
		OccurredAt:            refundTxn.CreatedAt,
	})

	return &RefundResponse{
		Success:             true,
		RefundTransactionID: refundTxn.ID,
		StripeRefundID:      gatewayRefID,
		RefundMethod:        method,
		BlockDisposition:    report,
	}, nil
}

func (s *RefundService) refundThroughGateway(ctx context.Context, original *domain.Transaction, ref string, amount int64, reason, refundedBy string) (*domain.RefundResult, error) {
	start := time.Now()
	result, err := s.gateway.Refund(ctx, domain.RefundRequest{
		PaymentReference: ref,
		Amount:           amount,
		Reason:           reason,
		Metadata: map[string]string{
			"transaction_id": original.ID,
			"student_id":     original.StudentID,
			"refunded_by":    refundedBy,
			"reason":         reason,
		},
	})
	observeGateway("refund", start)
	if err != nil {
		s.logger.ErrorContext(ctx, "Gateway refund failed", "transaction_id", original.ID, "payment_reference", ref, "error", err)
		return nil, domain.Internal("Payment gateway refund failed. No refund was recorded.", err)
	}
	if !result.Succeeded() {
		s.logger.ErrorContext(ctx, "Gateway refund did not succeed", "transaction_id", original.ID, "refund_id", result.RefundID, "status", result.Status)
		return nil, domain.NewError(codes.Internal, "Payment gateway refund returned status %q. No refund was recorded.", result.Status)
	}
	return result, nil
}

// disposeBlocks locks partially used blocks and deletes untouched ones. Errors are
// logged and reported, never returned.
func (s *RefundService) disposeBlocks(ctx context.Context, original *domain.Transaction, amount int64, by string, at time.Time) *BlockDispositionReport {
	logger := s.logger.With("transaction_id", original.ID)
	report := &BlockDispositionReport{Blocks: []BlockOutcome{}}

	blocks, err := s.blocks.ListByTransactionID(ctx, original.ID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to load concession blocks for refunded purchase", "error", err)
		blockDispositionsCounter.WithLabelValues("error").Inc()
		report.NeedsReview = true
		report.Error = err.Error()
		return report
	}
	if len(blocks) == 0 {
		logger.WarnContext(ctx, "No concession block found for refunded purchase")
		return report
	}

	for _, b := range blocks {
		outcome := BlockOutcome{BlockID: b.ID}
		disposition, err := domain.DecideBlockDisposition(b.RemainingQuantity, b.InitialQuantity)
		if err == nil {
			outcome.Disposition = disposition
			switch disposition {
			case domain.BlockDispositionLock:
				err = s.blocks.Lock(ctx, b.ID, domain.LockNote(amount, s.currencyOf(original), at), at, by)
			case domain.BlockDispositionDelete:
				err = s.blocks.Delete(ctx, b.ID)
			}
		}
		if err != nil {
			logger.ErrorContext(ctx, "Concession block disposition failed; needs manual review",
				"block_id", b.ID, "remaining", b.RemainingQuantity, "initial", b.InitialQuantity, "error", err)
			blockDispositionsCounter.WithLabelValues("error").Inc()
			outcome.Error = err.Error()
			report.NeedsReview = true
		} else {
			logger.InfoContext(ctx, "Concession block disposed", "block_id", b.ID, "disposition", disposition)
			blockDispositionsCounter.WithLabelValues(string(disposition)).Inc()
		}
		report.Blocks = append(report.Blocks, outcome)
	}
	return report
}

// createWithFreshID retries Create with a suffixed id while the id is taken.
func createWithFreshID(ctx context.Context, q repository.Querier, ledger repository.TransactionRepository, txn *domain.Transaction) error {
	baseID := txn.ID
	var err error
	for attempt := 0; attempt < maxRefundIDAttempts; attempt++ {
		if attempt > 0 {
			txn.ID = domain.WithCollisionSuffix(baseID)
		}
		if err = ledger.Create(ctx, q, txn); !errors.Is(err, domain.ErrDuplicateID) {
			return err
		}
	}
	return err
}
