package domain

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// TransactionType defines the nature of a ledger entry.
type TransactionType string

const (
	TransactionTypeCasual             TransactionType = "casual"
	TransactionTypeCasualStudent      TransactionType = "casual-student"
	TransactionTypeConcessionPurchase TransactionType = "concession-purchase"
	TransactionTypeConcessionGift     TransactionType = "concession-gift"
	TransactionTypeRefund             TransactionType = "refund"
)

// Value implements the driver.Valuer interface for TransactionType.
func (tt TransactionType) Value() (driver.Value, error) {
	return string(tt), nil
}

// Scan implements the sql.Scanner interface for TransactionType.
func (tt *TransactionType) Scan(value interface{}) error {
	strVal, ok := value.(string)
	if !ok {
		bytesVal, ok := value.([]byte)
		if !ok {
			return fmt.Errorf("failed to scan TransactionType: value is not string or []byte, it is %T", value)
		}
		strVal = string(bytesVal)
	}
	*tt = TransactionType(strVal)
	if !tt.Valid() {
		return fmt.Errorf("unknown TransactionType value: %s", strVal)
	}
	return nil
}

func (tt TransactionType) Valid() bool {
	switch tt {
	case TransactionTypeCasual, TransactionTypeCasualStudent, TransactionTypeConcessionPurchase,
		TransactionTypeConcessionGift, TransactionTypeRefund:
		return true
	}
	return false
}

// Payment methods recorded on transactions.
const (
	PaymentMethodStripe = "stripe"
	PaymentMethodOnline = "online"
	PaymentMethodCash   = "cash"
	PaymentMethodBank   = "bank-transfer"
	PaymentMethodGift   = "gift"
)

// RefundMethod says how money went back to the student.
type RefundMethod string

const (
	RefundMethodStripe RefundMethod = "stripe"
	RefundMethodManual RefundMethod = "manual"
)

// RefundStatus is the refunded marker on an original transaction.
type RefundStatus string

const (
	RefundStatusNone    RefundStatus = "none"
	RefundStatusPartial RefundStatus = "partial"
	RefundStatusFull    RefundStatus = "full"
)

// RefundHistoryEntry is appended to the original transaction on every refund.
type RefundHistoryEntry struct {
	Amount     int64     `json:"amount"`
	Date       time.Time `json:"date"`
	RefundedBy string    `json:"refundedBy"`
	Reason     string    `json:"reason"`
}

// Transaction is a ledger entry. Amounts are in minor currency units.
// Only the refund bookkeeping fields change after creation.
type Transaction struct {
	ID            string          `json:"id"`
	StudentID     string          `json:"studentId"`
	Type          TransactionType `json:"type"`
	Amount        int64           `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"paymentMethod"`
	PackageID     *string         `json:"packageId,omitempty"`
	Description   string          `json:"description,omitempty"`

	PaymentIntentID  *string `json:"paymentIntentId,omitempty"`
	StripeCustomerID *string `json:"stripeCustomerId,omitempty"`
	ReceiptURL       *string `json:"receiptUrl,omitempty"`

	// Set on refund entries only.
	ParentTransactionID *string       `json:"parentTransactionId,omitempty"`
	AmountRefunded      int64         `json:"amountRefunded,omitempty"`
	RefundMethod        *RefundMethod `json:"refundMethod,omitempty"`
	StripeRefundID      *string       `json:"stripeRefundId,omitempty"`
	Reason              *string       `json:"reason,omitempty"`

	TotalRefunded int64                `json:"totalRefunded"`
	RefundCount   int                  `json:"refundCount"`
	RefundHistory []RefundHistoryEntry `json:"refundHistory"`
	Refunded      RefundStatus         `json:"refunded"`

	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AvailableToRefund is Amount - TotalRefunded, never negative.
func (t *Transaction) AvailableToRefund() int64 {
	if avail := t.Amount - t.TotalRefunded; avail > 0 {
		return avail
	}
	return 0
}

// IsGatewayBacked reports whether the payment went through the payment processor,
// either by the customer reference on the transaction or the caller's payment method.
func (t *Transaction) IsGatewayBacked(paymentMethod string) bool {
	if t.StripeCustomerID != nil && *t.StripeCustomerID != "" {
		return true
	}
	return paymentMethod == PaymentMethodStripe || paymentMethod == PaymentMethodOnline
}

// GatewayPaymentReference returns the processor payment reference, if any.
func (t *Transaction) GatewayPaymentReference() string {
	if t.PaymentIntentID == nil {
		return ""
	}
	return *t.PaymentIntentID
}
