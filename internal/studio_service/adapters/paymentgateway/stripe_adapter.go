package paymentgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/stepsync/studio_services/internal/studio_service/domain"
)

// The three Stripe resources the adapter touches, narrowed for tests.
type customerCreator interface {
	New(params *stripe.CustomerParams) (*stripe.Customer, error)
}

type paymentIntentCreator interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type refundCreator interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// StripeAdapter implements domain.PaymentGatewayAdapter against the Stripe API.
type StripeAdapter struct {
	customers      customerCreator
	paymentIntents paymentIntentCreator
	refunds        refundCreator
	logger         *slog.Logger
}

func NewStripeAdapter(secretKey string, logger *slog.Logger) (*StripeAdapter, error) {
	if secretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &StripeAdapter{
		customers:      sc.Customers,
		paymentIntents: sc.PaymentIntents,
		refunds:        sc.Refunds,
		logger:         logger.With("adapter", "stripe_payment_gateway"),
	}, nil
}

var _ domain.PaymentGatewayAdapter = (*StripeAdapter)(nil)

func (a *StripeAdapter) CreateCustomer(ctx context.Context, identity domain.CustomerIdentity) (string, error) {
	params := &stripe.CustomerParams{
		Name:  stripe.String(identity.Name),
		Email: stripe.String(identity.Email),
	}
	if identity.Phone != "" {
		params.Phone = stripe.String(identity.Phone)
	}
	params.Context = ctx
	params.AddMetadata("student_id", identity.StudentID)

	cust, err := a.customers.New(params)
	if err != nil {
		a.logger.ErrorContext(ctx, "Stripe customer creation failed", "student_id", identity.StudentID, "error", err)
		return "", classifyStripeError(err)
	}
	a.logger.InfoContext(ctx, "Stripe customer created", "student_id", identity.StudentID, "customer_id", cust.ID)
	return cust.ID, nil
}

func (a *StripeAdapter) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Customer:      stripe.String(req.CustomerRef),
		PaymentMethod: stripe.String(req.PaymentMethodRef),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.ReceiptEmail != "" {
		params.ReceiptEmail = stripe.String(req.ReceiptEmail)
	}
	params.Context = ctx
	params.AddExpand("latest_charge")
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := a.paymentIntents.New(params)
	if err != nil {
		a.logger.ErrorContext(ctx, "Stripe charge failed", "customer_id", req.CustomerRef, "amount", req.Amount, "error", err)
		return nil, classifyStripeError(err)
	}
	return chargeResultFrom(pi), nil
}

func chargeResultFrom(pi *stripe.PaymentIntent) *domain.ChargeResult {
	result := &domain.ChargeResult{
		PaymentIntentID: pi.ID,
		GatewayStatus:   string(pi.Status),
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		result.Status = domain.ChargeStatusSucceeded
		result.AmountCharged = pi.AmountReceived
		if pi.LatestCharge != nil && pi.LatestCharge.ReceiptURL != "" {
			receipt := pi.LatestCharge.ReceiptURL
			result.ReceiptURL = &receipt
		}
	case stripe.PaymentIntentStatusRequiresAction:
		result.Status = domain.ChargeStatusRequiresAction
		secret := pi.ClientSecret
		result.ClientSecret = &secret
	default:
		result.Status = domain.ChargeStatusFailed
	}
	return result
}

func (a *StripeAdapter) Refund(ctx context.Context, req domain.RefundRequest) (*domain.RefundResult, error) {
	if req.PaymentReference == "" {
		return nil, &domain.GatewayError{
			Class:       domain.GatewayErrorInvalidRequest,
			UserMessage: domain.GenericPaymentMessage,
			Err:         errors.New("refund requires a payment reference"),
		}
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentReference),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	ref, err := a.refunds.New(params)
	if err != nil {
		a.logger.ErrorContext(ctx, "Stripe refund failed", "payment_intent_id", req.PaymentReference, "error", err)
		return nil, classifyStripeError(err)
	}
	a.logger.InfoContext(ctx, "Stripe refund created", "payment_intent_id", req.PaymentReference, "refund_id", ref.ID, "status", ref.Status)
	return &domain.RefundResult{RefundID: ref.ID, Status: string(ref.Status), Amount: ref.Amount}, nil
}

// classifyStripeError keeps the processor's message for card errors only.
func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return &domain.GatewayError{Class: domain.GatewayErrorGeneric, UserMessage: domain.GenericPaymentMessage, Err: err}
	}
	switch stripeErr.Type {
	case stripe.ErrorTypeCard:
		msg := stripeErr.Msg
		if msg == "" {
			msg = "Your card was declined."
		}
		return &domain.GatewayError{Class: domain.GatewayErrorCardDeclined, UserMessage: msg, Err: err}
	case stripe.ErrorTypeInvalidRequest:
		return &domain.GatewayError{Class: domain.GatewayErrorInvalidRequest, UserMessage: domain.GenericPaymentMessage,
			Err: fmt.Errorf("stripe invalid request (%s): %w", stripeErr.Code, err)}
	default:
		return &domain.GatewayError{Class: domain.GatewayErrorGeneric, UserMessage: domain.GenericPaymentMessage, Err: err}
	}
}
