package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/stepsync/studio_services/internal/studio_service/domain"
	"github.com/stepsync/studio_services/internal/studio_service/repository"
)

const adminEmail = "admin@studio.test"

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func adminCtx() context.Context {
	return WithPrincipal(context.Background(), Principal{Email: adminEmail})
}

type refundTestComponents struct {
	service   *RefundService
	ledger    *MockTransactionRepository
	blocks    *MockConcessionBlockRepository
	gateway   *MockPaymentGateway
	publisher *MockPublisher
}

func setupRefundServiceTest(t *testing.T) refundTestComponents {
	t.Helper()
	c := refundTestComponents{
		ledger:    new(MockTransactionRepository),
		blocks:    new(MockConcessionBlockRepository),
		gateway:   new(MockPaymentGateway),
		publisher: new(MockPublisher),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c.service = NewRefundService(inlineTransactor{}, c.ledger, c.blocks, c.gateway, c.publisher, NewAuthorizer(adminEmail), "nzd", logger)
	c.service.now = func() time.Time { return fixedNow }
	c.publisher.On("Publish", mock.Anything, SubjectRefundRecorded, mock.Anything).Return(nil).Maybe()
	return c
}

// stripePurchase is a $100 concession purchase paid through the gateway.
func stripePurchase() *domain.Transaction {
	return &domain.Transaction{
		ID:               "jane-doe-1-concession-purchase-1",
		StudentID:        "jane-doe-1",
		Type:             domain.TransactionTypeConcessionPurchase,
		Amount:           10000,
		Currency:         "nzd",
		PaymentMethod:    domain.PaymentMethodStripe,
		PackageID:        strPtr("pkg-5"),
		PaymentIntentID:  strPtr("pi_123"),
		StripeCustomerID: strPtr("cus_123"),
		RefundHistory:    []domain.RefundHistoryEntry{},
		Refunded:         domain.RefundStatusNone,
		CreatedAt:        fixedNow.Add(-48 * time.Hour),
	}
}

func refundRequest(original *domain.Transaction, amount int64) RefundRequest {
	return RefundRequest{
		TransactionID: original.ID,
		Transaction:   original,
		Amount:        amount,
		PaymentMethod: original.PaymentMethod,
		Reason:        "injury",
		RefundedBy:    adminEmail,
	}
}

func TestRefundService_ProcessRefund_Authorization(t *testing.T) {
	c := setupRefundServiceTest(t)
	req := refundRequest(stripePurchase(), 1000)

	_, err := c.service.ProcessRefund(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, domain.ErrorCode(err))

	ctx := WithPrincipal(context.Background(), Principal{Email: "instructor@studio.test"})
	_, err = c.service.ProcessRefund(ctx, req)
	require.Error(t, err)
	assert.Equal(t, codes.PermissionDenied, domain.ErrorCode(err))

	c.ledger.AssertNotCalled(t, "GetByIDForUpdate", mock.Anything, mock.Anything, mock.Anything)
}

func TestRefundService_ProcessRefund_ValidationGates(t *testing.T) {
	original := stripePurchase()
	original.TotalRefunded = 9000

	tests := []struct {
		name        string
		mutate      func(r *RefundRequest)
		wantMessage string
	}{
		{"missing transaction id", func(r *RefundRequest) { r.TransactionID = "" }, "transactionId"},
		{"missing snapshot", func(r *RefundRequest) { r.Transaction = nil }, "transaction"},
		{"missing reason", func(r *RefundRequest) { r.Reason = " " }, "reason"},
		{"missing payment method", func(r *RefundRequest) { r.PaymentMethod = "" }, "paymentMethod"},
		{"negative amount", func(r *RefundRequest) { r.Amount = -500 }, "greater than zero"},
		{"over available", func(r *RefundRequest) { r.Amount = 1001 }, "Available to refund: $10.00"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := setupRefundServiceTest(t)
			req := refundRequest(original, 500)
			tc.mutate(&req)

			resp, err := c.service.ProcessRefund(adminCtx(), req)
			require.Error(t, err)
			assert.Nil(t, resp)
			assert.Equal(t, codes.InvalidArgument, domain.ErrorCode(err))
			assert.Contains(t, domain.ErrorMessage(err), tc.wantMessage)

			c.ledger.AssertNotCalled(t, "GetByIDForUpdate", mock.Anything, mock.Anything, mock.Anything)
			c.gateway.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything)
		})
	}
}

func TestRefundService_ProcessRefund_NotFound(t *testing.T) {
	c := setupRefundServiceTest(t)
	original := stripePurchase()
	c.ledger.On("GetByIDForUpdate", mock.Anything, nil, original.ID).Return(nil, fmt.Errorf("transaction %s: %w", original.ID, domain.ErrNotFound)).Once()

	_, err := c.service.ProcessRefund(adminCtx(), refundRequest(original, 1000))
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, domain.ErrorCode(err))
	c.gateway.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything)
	c.ledger.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
}

func TestRefundService_ProcessRefund_StaleSnapshotRechecked(t *testing.T) {
	c := setupRefundServiceTest(t)
	snapshot := stripePurchase()
	fresh := stripePurchase()
	fresh.TotalRefunded = 9500
	c.ledger.On("GetByIDForUpdate", mock.Anything, nil, snapshot.ID).Return(fresh, nil).Once()

	_, err := c.service.ProcessRefund(adminCtx(), refundRequest(snapshot, 1000))
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, domain.ErrorCode(err))
	assert.Contains(t, domain.ErrorMessage(err), "Available to refund: $5.00")
	c.gateway.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything)
	c.ledger.AssertNotCalled(t, "ApplyRefund", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRefundService_ProcessRefund_FullRefundDeletesUntouchedBlock(t *testing.T) {
	c := setupRefundServiceTest(t)
	original := stripePurchase()

	c.ledger.On("GetByIDForUpdate", mock.Anything, nil, original.ID).Return(original, nil).Once()
	c.gateway.On("Refund", mock.Anything, mock.MatchedBy(func(r domain.RefundRequest) bool {
		return r.PaymentReference == "pi_123" && r.Amount == 10000 && r.Metadata["transaction_id"] == original.ID
	})).Return(&domain.RefundResult{RefundID: "re_1", Status: "succeeded", Amount: 10000}, nil).Once()

	var created *domain.Transaction
	c.ledger.On("Create", mock.Anything, nil, mock.AnythingOfType("*domain.Transaction")).
		Run(func(args mock.Arguments) { created = args.Get(2).(*domain.Transaction) }).
		Return(nil).Once()
	c.ledger.On("ApplyRefund", mock.Anything, nil, original.ID,
		mock.MatchedBy(func(e domain.RefundHistoryEntry) bool {
			return e.Amount == 10000 && e.Reason == "injury" && e.RefundedBy == adminEmail
		}),
		domain.RefundStatusFull, int64(0)).Return(nil).Once()

	block := &domain.ConcessionBlock{ID: original.ID + "-block", TransactionID: original.ID, InitialQuantity: 5, RemainingQuantity: 5}
	c.blocks.On("ListByTransactionID", mock.Anything, original.ID).Return([]*domain.ConcessionBlock{block}, nil).Once()
	c.blocks.On("Delete", mock.Anything, block.ID).Return(nil).Once()

	req := refundRequest(original, 10000)
	req.IsFullRefund = true
	resp, err := c.service.ProcessRefund(adminCtx(), req)
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, domain.RefundMethodStripe, resp.RefundMethod)
	require.NotNil(t, resp.StripeRefundID)
	assert.Equal(t, "re_1", *resp.StripeRefundID)
	assert.Equal(t, "jane-doe-1-refund-"+fmt.Sprint(fixedNow.UnixMilli()), resp.RefundTransactionID)

	require.NotNil(t, created)
	assert.Equal(t, domain.TransactionTypeRefund, created.Type)
	assert.Equal(t, int64(10000), created.AmountRefunded)
	assert.Equal(t, original.ID, *created.ParentTransactionID)
	assert.Equal(t, domain.RefundMethodStripe, *created.RefundMethod)

	require.NotNil(t, resp.BlockDisposition)
	assert.False(t, resp.BlockDisposition.NeedsReview)
	require.Len(t, resp.BlockDisposition.Blocks, 1)
	assert.Equal(t, domain.BlockDispositionDelete, resp.BlockDisposition.Blocks[0].Disposition)

	c.blocks.AssertNotCalled(t, "Lock", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	c.ledger.AssertExpectations(t)
	c.gateway.AssertExpectations(t)
	c.blocks.AssertExpectations(t)
}

func TestRefundService_ProcessRefund_PartiallyUsedBlockIsLocked(t *testing.T) {
	c := setupRefundServiceTest(t)
	original := stripePurchase()
	original.PaymentIntentID = nil
	original.StripeCustomerID = nil
	original.PaymentMethod = domain.PaymentMethodCash

	c.ledger.On("GetByIDForUpdate", mock.Anything, nil, original.ID).Return(original, nil).Once()
	c.ledger.On("Create", mock.Anything, nil, mock.Anything).Return(nil).Once()
	c.ledger.On("ApplyRefund", mock.Anything, nil, original.ID, mock.Anything, domain.RefundStatusPartial, int64(0)).Return(nil).Once()

	block := &domain.ConcessionBlock{ID: "b-1", TransactionID: original.ID, InitialQuantity: 10, RemainingQuantity: 4}
	c.blocks.On("ListByTransactionID", mock.Anything, original.ID).Return([]*domain.ConcessionBlock{block}, nil).Once()
	c.blocks.On("Lock", mock.Anything, "b-1", domain.LockNote(4000, "nzd", fixedNow), fixedNow, adminEmail).Return(nil).Once()

	resp, err := c.service.ProcessRefund(adminCtx(), refundRequest(original, 4000))
	require.NoError(t, err)
	assert.Equal(t, domain.RefundMethodManual, resp.RefundMethod)
	assert.Nil(t, resp.StripeRefundID)
	assert.Equal(t, domain.BlockDispositionLock, resp.BlockDisposition.Blocks[0].Disposition)

	c.gateway.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything)
	c.blocks.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
	c.blocks.AssertExpectations(t)
}

func TestRefundService_ProcessRefund_BlockFailureDoesNotFailRefund(t *testing.T) {
	c := setupRefundServiceTest(t)
	original := stripePurchase()
	original.PaymentIntentID = nil

	c.ledger.On("GetByIDForUpdate", mock.Anything, nil, original.ID).Return(original, nil).Once()
	c.ledger.On("Create", mock.Anything, nil, mock.Anything).Return(nil).Once()
	c.ledger.On("ApplyRefund", mock.Anything, nil, original.ID, mock.Anything, mock.Anything, int64(0)).Return(nil).Once()

	blocks := []*domain.ConcessionBlock{
		{ID: "b-bad", TransactionID: original.ID, InitialQuantity: 5, RemainingQuantity: 6},
		{ID: "b-ok", TransactionID: original.ID, InitialQuantity: 5, RemainingQuantity: 5},
	}
	c.blocks.On("ListByTransactionID", mock.Anything, original.ID).Return(blocks, nil).Once()
	c.blocks.On("Delete", mock.Anything, "b-ok").Return(errors.New("document store unavailable")).Once()

	resp, err := c.service.ProcessRefund(adminCtx(), refundRequest(original, 2500))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.BlockDisposition)
	assert.True(t, resp.BlockDisposition.NeedsReview)
	require.Len(t, resp.BlockDisposition.Blocks, 2)
	assert.Contains(t, resp.BlockDisposition.Blocks[0].Error, "quantities")
	assert.Contains(t, resp.BlockDisposition.Blocks[1].Error, "unavailable")

	c.blocks.AssertNotCalled(t, "Lock", mock.Anything, "b-bad", mock.Anything, mock.Anything, mock.Anything)
}

func TestRefundService_ProcessRefund_GatewayBackedWithoutReferenceFallsBackToManual(t *testing.T) {
	c := setupRefundServiceTest(t)
	original := stripePurchase()
	original.Type = domain.TransactionTypeCasual
	original.PaymentIntentID = nil
	original.StripeCustomerID = nil

	c.ledger.On("GetByIDForUpdate", mock.Anything, nil, original.ID).Return(original, nil).Once()
	c.ledger.On("Create", mock.Anything, nil, mock.MatchedBy(func(t *domain.Transaction) bool {
		return *t.RefundMethod == domain.RefundMethodManual && t.StripeRefundID == nil
	})).Return(nil).Once()
	c.ledger.On("ApplyRefund", mock.Anything, nil, original.ID, mock.Anything, mock.Anything, int64(0)).Return(nil).Once()

	req := refundRequest(original, 2000)
	req.PaymentMethod = domain.PaymentMethodStripe
	resp, err := c.service.ProcessRefund(adminCtx(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.RefundMethodManual, resp.RefundMethod)
	assert.Nil(t, resp.BlockDisposition)

	c.gateway.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything)
	c.blocks.AssertNotCalled(t, "ListByTransactionID", mock.Anything, mock.Anything)
	c.ledger.AssertExpectations(t)
}

func TestRefundService_ProcessRefund_GatewayFailureWritesNothing(t *testing.T) {
	tests := []struct {
		name   string
		result *domain.RefundResult
		err    error
	}{
		{"gateway error", nil, &domain.GatewayError{Class: domain.GatewayErrorGeneric, UserMessage: domain.GenericPaymentMessage, Err: errors.New("connection reset")}},
		{"gateway reports failure", &domain.RefundResult{RefundID: "re_2", Status: "failed"}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := setupRefundServiceTest(t)
			original := stripePurchase()
			c.ledger.On("GetByIDForUpdate", mock.Anything, nil, original.ID).Return(original, nil).Once()
			c.gateway.On("Refund", mock.Anything, mock.Anything).Return(tc.result, tc.err).Once()

			before := *original
			resp, err := c.service.ProcessRefund(adminCtx(), refundRequest(original, 5000))
			require.Error(t, err)
			assert.Nil(t, resp)
			assert.Equal(t, codes.Internal, domain.ErrorCode(err))
			assert.Equal(t, before, *original)

			c.ledger.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
			c.ledger.AssertNotCalled(t, "ApplyRefund", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			c.blocks.AssertNotCalled(t, "ListByTransactionID", mock.Anything, mock.Anything)
			c.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

// commitFailingTransactor runs fn and then reports commitErr as if COMMIT failed.
type commitFailingTransactor struct {
	commitErr error
}

func (c commitFailingTransactor) WithinTx(_ context.Context, fn func(q repository.Querier) error) error {
	if err := fn(nil); err != nil {
		return err
	}
	return c.commitErr
}

func TestRefundService_ProcessRefund_LedgerFailureAfterGatewayRefundIsFlagged(t *testing.T) {
	tests := []struct {
		name      string
		txManager repository.Transactor
		applyErr  error
	}{
		{"commit fails", commitFailingTransactor{commitErr: errors.New("connection closed during commit")}, nil},
		{"original update fails", inlineTransactor{}, errors.New("statement timeout")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := setupRefundServiceTest(t)
			var logs bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&logs, nil))
			c.service = NewRefundService(tc.txManager, c.ledger, c.blocks, c.gateway, c.publisher, NewAuthorizer(adminEmail), "nzd", logger)
			c.service.now = func() time.Time { return fixedNow }

			original := stripePurchase()
			c.ledger.On("GetByIDForUpdate", mock.Anything, nil, original.ID).Return(original, nil).Once()
			c.gateway.On("Refund", mock.Anything, mock.Anything).Return(&domain.RefundResult{RefundID: "re_commit", Status: "succeeded"}, nil).Once()
			c.ledger.On("Create", mock.Anything, nil, mock.Anything).Return(nil).Once()
			c.ledger.On("ApplyRefund", mock.Anything, nil, original.ID, mock.Anything, mock.Anything, int64(0)).Return(tc.applyErr).Once()

			resp, err := c.service.ProcessRefund(adminCtx(), refundRequest(original, 5000))
			require.Error(t, err)
			assert.Nil(t, resp)
			assert.Equal(t, codes.Internal, domain.ErrorCode(err))

			assert.Equal(t, 1, strings.Count(logs.String(), "reconcile manually"))
			assert.Contains(t, logs.String(), `"stripe_refund_id":"re_commit"`)
			c.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestRefundService_ProcessRefund_RetriesTakenRefundID(t *testing.T) {
	c := setupRefundServiceTest(t)
	original := stripePurchase()
	original.PaymentIntentID = nil
	original.Type = domain.TransactionTypeCasual
	baseID := domain.RefundTransactionID(original.StudentID, fixedNow)

	c.ledger.On("GetByIDForUpdate", mock.Anything, nil, original.ID).Return(original, nil).Once()
	c.ledger.On("Create", mock.Anything, nil, mock.MatchedBy(func(t *domain.Transaction) bool { return t.ID == baseID })).
		Return(domain.ErrDuplicateID).Once()
	c.ledger.On("Create", mock.Anything, nil, mock.MatchedBy(func(t *domain.Transaction) bool { return t.ID != baseID })).
		Return(nil).Once()
	c.ledger.On("ApplyRefund", mock.Anything, nil, original.ID, mock.Anything, mock.Anything, int64(0)).Return(nil).Once()

	resp, err := c.service.ProcessRefund(adminCtx(), refundRequest(original, 1000))
	require.NoError(t, err)
	assert.NotEqual(t, baseID, resp.RefundTransactionID)
	assert.Contains(t, resp.RefundTransactionID, baseID+"-")
	c.ledger.AssertExpectations(t)
}

func TestRefundService_ProcessRefund_PublishesAuditEvent(t *testing.T) {
	c := setupRefundServiceTest(t)
	c.publisher.ExpectedCalls = nil
	original := stripePurchase()
	original.PaymentIntentID = nil

	c.ledger.On("GetByIDForUpdate", mock.Anything, nil, original.ID).Return(original, nil).Once()
	c.ledger.On("Create", mock.Anything, nil, mock.Anything).Return(nil).Once()
	c.ledger.On("ApplyRefund", mock.Anything, nil, original.ID, mock.Anything, mock.Anything, int64(0)).Return(nil).Once()
	c.blocks.On("ListByTransactionID", mock.Anything, original.ID).Return(nil, errors.New("timeout")).Once()
	c.publisher.On("Publish", mock.Anything, SubjectRefundRecorded, mock.MatchedBy(func(data []byte) bool {
		return strings.Contains(string(data), `"needsReview":true`) &&
			strings.Contains(string(data), `"originalTransactionId":"`+original.ID+`"`)
	})).Return(errors.New("nats down")).Once()

	resp, err := c.service.ProcessRefund(adminCtx(), refundRequest(original, 1000))
	require.NoError(t, err)
	assert.True(t, resp.BlockDisposition.NeedsReview)
	c.publisher.AssertExpectations(t)
}

// memLedger is an in-memory TransactionRepository with the same compare-and-swap
// semantics as the Postgres one.
type memLedger struct {
	mu   sync.Mutex
	txns map[string]*domain.Transaction
}

func newMemLedger(seed ...*domain.Transaction) *memLedger {
	l := &memLedger{txns: map[string]*domain.Transaction{}}
	for _, t := range seed {
		l.txns[t.ID] = cloneTxn(t)
	}
	return l
}

func cloneTxn(t *domain.Transaction) *domain.Transaction {
	c := *t
	c.RefundHistory = append([]domain.RefundHistoryEntry{}, t.RefundHistory...)
	return &c
}

func (l *memLedger) Create(_ context.Context, _ repository.Querier, txn *domain.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.txns[txn.ID]; ok {
		return domain.ErrDuplicateID
	}
	l.txns[txn.ID] = cloneTxn(txn)
	return nil
}

func (l *memLedger) GetByID(_ context.Context, _ repository.Querier, id string) (*domain.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.txns[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneTxn(t), nil
}

func (l *memLedger) GetByIDForUpdate(ctx context.Context, q repository.Querier, id string) (*domain.Transaction, error) {
	return l.GetByID(ctx, q, id)
}

func (l *memLedger) ApplyRefund(_ context.Context, _ repository.Querier, id string, entry domain.RefundHistoryEntry, status domain.RefundStatus, expectedTotal int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.txns[id]
	if !ok {
		return domain.ErrNotFound
	}
	if t.TotalRefunded != expectedTotal || t.TotalRefunded+entry.Amount > t.Amount {
		return domain.ErrConcurrentRefund
	}
	t.TotalRefunded += entry.Amount
	t.RefundCount++
	t.RefundHistory = append(t.RefundHistory, entry)
	t.Refunded = status
	return nil
}

func (l *memLedger) ListByStudent(_ context.Context, _ repository.Querier, studentID string, _, _ int) ([]*domain.Transaction, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*domain.Transaction
	for _, t := range l.txns {
		if t.StudentID == studentID {
			out = append(out, cloneTxn(t))
		}
	}
	return out, len(out), nil
}

func (l *memLedger) refundsOf(parentID string) (sum int64, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.txns {
		if t.ParentTransactionID != nil && *t.ParentTransactionID == parentID {
			sum += t.AmountRefunded
			n++
		}
	}
	return sum, n
}

func setupLedgerRefundTest(t *testing.T, original *domain.Transaction) (*RefundService, *memLedger) {
	t.Helper()
	ledger := newMemLedger(original)
	blocks := new(MockConcessionBlockRepository)
	blocks.On("ListByTransactionID", mock.Anything, mock.Anything).Return([]*domain.ConcessionBlock{}, nil).Maybe()
	publisher := new(MockPublisher)
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewRefundService(inlineTransactor{}, ledger, blocks, new(MockPaymentGateway), publisher, NewAuthorizer(adminEmail), "nzd", logger)
	svc.now = func() time.Time { return fixedNow }
	return svc, ledger
}

func TestRefundService_ProcessRefund_SuccessiveRefunds(t *testing.T) {
	original := stripePurchase()
	original.PaymentIntentID = nil
	original.StripeCustomerID = nil
	original.PaymentMethod = domain.PaymentMethodCash
	original.TotalRefunded = 6000
	original.RefundCount = 1
	original.RefundHistory = []domain.RefundHistoryEntry{{Amount: 6000, Date: fixedNow.Add(-time.Hour), RefundedBy: adminEmail, Reason: "moved away"}}
	svc, ledger := setupLedgerRefundTest(t, original)

	snapshot, err := ledger.GetByID(context.Background(), nil, original.ID)
	require.NoError(t, err)
	_, err = svc.ProcessRefund(adminCtx(), refundRequest(snapshot, 3000))
	require.NoError(t, err)

	after, err := ledger.GetByID(context.Background(), nil, original.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(9000), after.TotalRefunded)
	assert.Equal(t, 2, after.RefundCount)
	assert.Equal(t, domain.RefundStatusPartial, after.Refunded)

	_, err = svc.ProcessRefund(adminCtx(), refundRequest(after, 5000))
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, domain.ErrorCode(err))
	assert.Contains(t, domain.ErrorMessage(err), "Available to refund: $10.00")

	final, err := ledger.GetByID(context.Background(), nil, original.ID)
	require.NoError(t, err)
	assert.Equal(t, after, final)
	sum, n := ledger.refundsOf(original.ID)
	assert.Equal(t, int64(3000), sum)
	assert.Equal(t, 1, n)
}

func TestRefundService_ProcessRefund_StaleSnapshotsCannotOverspend(t *testing.T) {
	original := stripePurchase()
	original.PaymentIntentID = nil
	original.StripeCustomerID = nil
	original.PaymentMethod = domain.PaymentMethodCash
	svc, ledger := setupLedgerRefundTest(t, original)

	// Both callers saw the untouched transaction.
	staleA, _ := ledger.GetByID(context.Background(), nil, original.ID)
	staleB, _ := ledger.GetByID(context.Background(), nil, original.ID)

	_, err := svc.ProcessRefund(adminCtx(), refundRequest(staleA, 7000))
	require.NoError(t, err)
	_, err = svc.ProcessRefund(adminCtx(), refundRequest(staleB, 7000))
	require.Error(t, err)
	assert.Contains(t, domain.ErrorMessage(err), "Available to refund: $30.00")

	final, _ := ledger.GetByID(context.Background(), nil, original.ID)
	assert.Equal(t, int64(7000), final.TotalRefunded)
}

func TestRefundService_ProcessRefund_InvariantsHoldForRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 25; run++ {
		original := stripePurchase()
		original.ID = fmt.Sprintf("tx-%d", run)
		original.PaymentIntentID = nil
		original.StripeCustomerID = nil
		original.PaymentMethod = domain.PaymentMethodCash
		original.Amount = int64(1000 + rng.Intn(20000))
		svc, ledger := setupLedgerRefundTest(t, original)

		for step := 0; step < 12; step++ {
			current, err := ledger.GetByID(context.Background(), nil, original.ID)
			require.NoError(t, err)
			// Half the attempts deliberately ask for more than is left.
			amount := int64(1 + rng.Intn(int(original.Amount/3)))
			before := cloneTxn(current)

			_, err = svc.ProcessRefund(adminCtx(), refundRequest(current, amount))

			after, getErr := ledger.GetByID(context.Background(), nil, original.ID)
			require.NoError(t, getErr)
			if err != nil {
				assert.Equal(t, before, after, "rejected refund must not mutate the original")
			}
			assert.LessOrEqual(t, after.TotalRefunded, after.Amount)
			assert.Equal(t, after.RefundCount, len(after.RefundHistory))
			sum, n := ledger.refundsOf(original.ID)
			assert.Equal(t, after.TotalRefunded, sum)
			assert.Equal(t, after.RefundCount, n)
		}
	}
}
