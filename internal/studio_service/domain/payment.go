package domain

import (
	"context"
	"errors"
)

// ChargeStatus is the outcome of a charge attempt.
type ChargeStatus string

const (
	ChargeStatusSucceeded      ChargeStatus = "succeeded"
	ChargeStatusRequiresAction ChargeStatus = "requires_action"
	ChargeStatusFailed         ChargeStatus = "failed"
)

// CustomerIdentity is what the gateway needs to create a customer.
type CustomerIdentity struct {
	StudentID string
	Name      string
	Email     string
	Phone     string
}

// ChargeRequest is a charge against a stored payment method.
type ChargeRequest struct {
	CustomerRef      string
	PaymentMethodRef string
	Amount           int64 // minor units
	Currency         string
	Description      string
	ReceiptEmail     string
	Metadata         map[string]string
}

// ChargeResult carries the charge outcome. No money moved unless Status is succeeded.
type ChargeResult struct {
	Status          ChargeStatus
	PaymentIntentID string
	AmountCharged   int64
	ReceiptURL      *string
	ClientSecret    *string // set when Status is requires_action
	GatewayStatus   string  // raw processor status, surfaced when Status is failed
}

// RefundRequest targets a gateway payment reference, never an internal transaction id.
type RefundRequest struct {
	PaymentReference string
	Amount           int64 // minor units
	Reason           string
	Metadata         map[string]string
}

// RefundResult is the gateway's answer to a refund.
type RefundResult struct {
	RefundID string
	Status   string
	Amount   int64
}

// Succeeded reports whether money is on its way back. Pending refunds count.
func (r *RefundResult) Succeeded() bool {
	return r != nil && (r.Status == "succeeded" || r.Status == "pending")
}

// PaymentGatewayAdapter wraps the external payment processor. It does not deduplicate
// charges and does not infer payment method; callers decide when to skip it.
type PaymentGatewayAdapter interface {
	CreateCustomer(ctx context.Context, identity CustomerIdentity) (string, error)
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// GatewayErrorClass classifies processor errors.
type GatewayErrorClass string

const (
	GatewayErrorCardDeclined   GatewayErrorClass = "card_declined"
	GatewayErrorInvalidRequest GatewayErrorClass = "invalid_request"
	GatewayErrorGeneric        GatewayErrorClass = "generic"
)

// GenericPaymentMessage is shown for every non-decline error so gateway internals never leak.
const GenericPaymentMessage = "Payment could not be processed. Please try again or contact the studio."

// GatewayError is a classified processor error. UserMessage is safe to show to the payer.
type GatewayError struct {
	Class       GatewayErrorClass
	UserMessage string
	Err         error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return "payment gateway " + string(e.Class) + ": " + e.Err.Error()
	}
	return "payment gateway " + string(e.Class)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// AsGatewayError extracts a *GatewayError from err.
func AsGatewayError(err error) (*GatewayError, bool) {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}
