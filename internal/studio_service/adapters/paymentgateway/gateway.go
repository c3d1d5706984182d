package paymentgateway

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/stepsync/studio_services/internal/studio_service/domain"
)

// New returns the adapter named by kind ("stripe" or "mock").
func New(kind, stripeSecretKey string, logger *slog.Logger) (domain.PaymentGatewayAdapter, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "stripe":
		return NewStripeAdapter(stripeSecretKey, logger)
	case "", "mock":
		return NewMockPaymentGatewayAdapter(logger), nil
	default:
		return nil, fmt.Errorf("unknown payment gateway %q", kind)
	}
}
