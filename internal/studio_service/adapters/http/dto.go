package http

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stepsync/studio_services/internal/studio_service/app"
	"github.com/stepsync/studio_services/internal/studio_service/domain"
)

// Money in request bodies is in major units ("25.50" or 25.5).

// TransactionSnapshotDTO is the caller's copy of the transaction being refunded.
type TransactionSnapshotDTO struct {
	ID            string          `json:"id"`
	Amount        decimal.Decimal `json:"amount"`
	TotalRefunded decimal.Decimal `json:"totalRefunded"`
	Currency      string          `json:"currency,omitempty" validate:"omitempty,len=3"`
}

func (s *TransactionSnapshotDTO) toDomain() (*domain.Transaction, error) {
	if s == nil {
		return nil, nil
	}
	amount, err := domain.MajorToMinor(s.Amount)
	if err != nil {
		return nil, fmt.Errorf("transaction.amount: %w", err)
	}
	totalRefunded, err := domain.MajorToMinor(s.TotalRefunded)
	if err != nil {
		return nil, fmt.Errorf("transaction.totalRefunded: %w", err)
	}
	return &domain.Transaction{
		ID:            s.ID,
		Amount:        amount,
		TotalRefunded: totalRefunded,
		Currency:      s.Currency,
	}, nil
}

type RefundRequestDTO struct {
	TransactionID string                  `json:"transactionId" validate:"max=200"`
	Transaction   *TransactionSnapshotDTO `json:"transaction"`
	Amount        decimal.Decimal         `json:"amount"`
	PaymentMethod string                  `json:"paymentMethod" validate:"max=50"`
	Reason        string                  `json:"reason" validate:"max=1000"`
	IsFullRefund  bool                    `json:"isFullRefund"`
	RefundedBy    string                  `json:"refundedBy,omitempty" validate:"omitempty,email"`
}

func (dto *RefundRequestDTO) toRequest() (app.RefundRequest, error) {
	snapshot, err := dto.Transaction.toDomain()
	if err != nil {
		return app.RefundRequest{}, err
	}
	amount, err := domain.MajorToMinor(dto.Amount)
	if err != nil {
		return app.RefundRequest{}, fmt.Errorf("amount: %w", err)
	}
	return app.RefundRequest{
		TransactionID: dto.TransactionID,
		Transaction:   snapshot,
		Amount:        amount,
		PaymentMethod: dto.PaymentMethod,
		Reason:        dto.Reason,
		IsFullRefund:  dto.IsFullRefund,
		RefundedBy:    dto.RefundedBy,
	}, nil
}

type RegisterStudentRequestDTO struct {
	FirstName       string  `json:"firstName" validate:"required,max=100"`
	LastName        string  `json:"lastName" validate:"required,max=100"`
	Email           string  `json:"email" validate:"required,email"`
	Phone           *string `json:"phone,omitempty" validate:"omitempty,max=30"`
	PackageID       string  `json:"packageId,omitempty" validate:"max=100"`
	PaymentMethodID string  `json:"paymentMethodId,omitempty" validate:"max=255"`
}

type PurchaseConcessionRequestDTO struct {
	StudentID       string `json:"studentId" validate:"required"`
	PackageID       string `json:"packageId" validate:"required"`
	PaymentMethodID string `json:"paymentMethodId" validate:"required"`
}

type GiftConcessionRequestDTO struct {
	StudentID string     `json:"studentId" validate:"required"`
	PackageID string     `json:"packageId,omitempty"`
	Quantity  int        `json:"quantity,omitempty" validate:"omitempty,min=1,max=200"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Note      string     `json:"note,omitempty" validate:"max=500"`
}

// TransactionListResponse is one page of a student's ledger.
type TransactionListResponse struct {
	Transactions []*domain.Transaction `json:"transactions"`
	Total        int                   `json:"total"`
	Limit        int                   `json:"limit"`
	Offset       int                   `json:"offset"`
}

type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
