package paymentgateway

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/stepsync/studio_services/internal/studio_service/domain"
)

// MockPaymentGatewayAdapter simulates the processor for local runs and tests.
type MockPaymentGatewayAdapter struct {
	logger                 *slog.Logger
	SimulateCardDecline    bool
	SimulateRequiresAction bool
	SimulateGatewayError   bool
	SimulateRefundFailure  bool
}

func NewMockPaymentGatewayAdapter(logger *slog.Logger) *MockPaymentGatewayAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MockPaymentGatewayAdapter{logger: logger.With("adapter", "mock_payment_gateway")}
}

var _ domain.PaymentGatewayAdapter = (*MockPaymentGatewayAdapter)(nil)

func (m *MockPaymentGatewayAdapter) CreateCustomer(ctx context.Context, identity domain.CustomerIdentity) (string, error) {
	if m.SimulateGatewayError {
		return "", m.genericError(ctx, "CreateCustomer")
	}
	id := "mock_cus_" + uuid.NewString()
	m.logger.InfoContext(ctx, "MockPaymentGatewayAdapter: customer created (simulated)", "student_id", identity.StudentID, "customer_id", id)
	return id, nil
}

func (m *MockPaymentGatewayAdapter) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	m.logger.InfoContext(ctx, "MockPaymentGatewayAdapter: Charge called", "customer_id", req.CustomerRef, "amount", req.Amount, "currency", req.Currency)
	switch {
	case m.SimulateGatewayError:
		return nil, m.genericError(ctx, "Charge")
	case m.SimulateCardDecline:
		return nil, &domain.GatewayError{
			Class:       domain.GatewayErrorCardDeclined,
			UserMessage: "Your card was declined.",
			Err:         errors.New("mock gateway simulated card decline"),
		}
	}

	piID := "mock_pi_" + uuid.NewString()
	if m.SimulateRequiresAction {
		secret := piID + "_secret_" + uuid.NewString()[:8]
		return &domain.ChargeResult{Status: domain.ChargeStatusRequiresAction, PaymentIntentID: piID, ClientSecret: &secret, GatewayStatus: "requires_action"}, nil
	}
	receipt := "https://mockgateway.dev/receipts/" + piID
	return &domain.ChargeResult{
		Status:          domain.ChargeStatusSucceeded,
		PaymentIntentID: piID,
		AmountCharged:   req.Amount,
		ReceiptURL:      &receipt,
		GatewayStatus:   "succeeded",
	}, nil
}

func (m *MockPaymentGatewayAdapter) Refund(ctx context.Context, req domain.RefundRequest) (*domain.RefundResult, error) {
	m.logger.InfoContext(ctx, "MockPaymentGatewayAdapter: Refund called", "payment_reference", req.PaymentReference, "amount", req.Amount)
	if m.SimulateGatewayError {
		return nil, m.genericError(ctx, "Refund")
	}
	status := "succeeded"
	if m.SimulateRefundFailure {
		status = "failed"
	}
	return &domain.RefundResult{RefundID: "mock_re_" + uuid.NewString(), Status: status, Amount: req.Amount}, nil
}

func (m *MockPaymentGatewayAdapter) genericError(ctx context.Context, op string) error {
	m.logger.WarnContext(ctx, "mock gateway simulated failure", "operation", op)
	return &domain.GatewayError{
		Class:       domain.GatewayErrorGeneric,
		UserMessage: domain.GenericPaymentMessage,
		Err:         errors.New("mock gateway simulated " + op + " failure"),
	}
}
