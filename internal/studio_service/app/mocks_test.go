package app

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/stepsync/studio_services/internal/studio_service/domain"
	"github.com/stepsync/studio_services/internal/studio_service/repository"
)

// inlineTransactor runs fn without a database transaction.
type inlineTransactor struct{}

func (inlineTransactor) WithinTx(_ context.Context, fn func(q repository.Querier) error) error {
	return fn(nil)
}

type MockTransactionRepository struct {
	mock.Mock
}

func (m *MockTransactionRepository) Create(ctx context.Context, q repository.Querier, txn *domain.Transaction) error {
	args := m.Called(ctx, q, txn)
	return args.Error(0)
}

func (m *MockTransactionRepository) GetByID(ctx context.Context, q repository.Querier, id string) (*domain.Transaction, error) {
	args := m.Called(ctx, q, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Transaction), args.Error(1)
}

func (m *MockTransactionRepository) GetByIDForUpdate(ctx context.Context, q repository.Querier, id string) (*domain.Transaction, error) {
	args := m.Called(ctx, q, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Transaction), args.Error(1)
}

func (m *MockTransactionRepository) ApplyRefund(ctx context.Context, q repository.Querier, id string, entry domain.RefundHistoryEntry, status domain.RefundStatus, expectedTotal int64) error {
	args := m.Called(ctx, q, id, entry, status, expectedTotal)
	return args.Error(0)
}

func (m *MockTransactionRepository) ListByStudent(ctx context.Context, q repository.Querier, studentID string, limit, offset int) ([]*domain.Transaction, int, error) {
	args := m.Called(ctx, q, studentID, limit, offset)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.Transaction), args.Int(1), args.Error(2)
}

type MockConcessionBlockRepository struct {
	mock.Mock
}

func (m *MockConcessionBlockRepository) Create(ctx context.Context, q repository.Querier, block *domain.ConcessionBlock) error {
	args := m.Called(ctx, q, block)
	return args.Error(0)
}

func (m *MockConcessionBlockRepository) ListByTransactionID(ctx context.Context, transactionID string) ([]*domain.ConcessionBlock, error) {
	args := m.Called(ctx, transactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ConcessionBlock), args.Error(1)
}

func (m *MockConcessionBlockRepository) ListByStudent(ctx context.Context, studentID string) ([]*domain.ConcessionBlock, error) {
	args := m.Called(ctx, studentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ConcessionBlock), args.Error(1)
}

func (m *MockConcessionBlockRepository) Lock(ctx context.Context, id string, note string, lockedAt time.Time, lockedBy string) error {
	args := m.Called(ctx, id, note, lockedAt, lockedBy)
	return args.Error(0)
}

func (m *MockConcessionBlockRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type MockPricingRepository struct {
	mock.Mock
}

func (m *MockPricingRepository) ListCasualRates(ctx context.Context) ([]domain.CasualRate, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.CasualRate), args.Error(1)
}

func (m *MockPricingRepository) ListConcessionPackages(ctx context.Context) ([]domain.ConcessionPackage, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.ConcessionPackage), args.Error(1)
}

type MockStudentRepository struct {
	mock.Mock
}

func (m *MockStudentRepository) Create(ctx context.Context, q repository.Querier, student *domain.Student) error {
	args := m.Called(ctx, q, student)
	return args.Error(0)
}

func (m *MockStudentRepository) GetByID(ctx context.Context, id string) (*domain.Student, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Student), args.Error(1)
}

func (m *MockStudentRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	args := m.Called(ctx, email)
	return args.Bool(0), args.Error(1)
}

func (m *MockStudentRepository) SetStripeCustomerID(ctx context.Context, id string, customerID string) error {
	args := m.Called(ctx, id, customerID)
	return args.Error(0)
}

type MockPaymentGateway struct {
	mock.Mock
}

func (m *MockPaymentGateway) CreateCustomer(ctx context.Context, identity domain.CustomerIdentity) (string, error) {
	args := m.Called(ctx, identity)
	return args.String(0), args.Error(1)
}

func (m *MockPaymentGateway) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ChargeResult), args.Error(1)
}

func (m *MockPaymentGateway) Refund(ctx context.Context, req domain.RefundRequest) (*domain.RefundResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RefundResult), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	args := m.Called(ctx, subject, data)
	return args.Error(0)
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }
