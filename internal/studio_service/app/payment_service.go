package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/stepsync/studio_services/internal/platform/messagebroker"
	"github.com/stepsync/studio_services/internal/studio_service/domain"
	"github.com/stepsync/studio_services/internal/studio_service/repository"
)

const (
	defaultLedgerPageSize = 50
	maxLedgerPageSize     = 200
	maxIDAttempts         = 3
)

type RegisterStudentRequest struct {
	FirstName       string
	LastName        string
	Email           string
	Phone           *string
	PackageID       string
	PaymentMethodID string
}

type PurchaseConcessionRequest struct {
	StudentID       string
	PackageID       string
	PaymentMethodID string
}

// GiftConcessionRequest gifts either a package's classes or an explicit Quantity.
// Quantity and ExpiresAt override the package values when set.
type GiftConcessionRequest struct {
	StudentID string
	PackageID string
	Quantity  int
	ExpiresAt *time.Time
	Note      string
}

// PaymentResult is returned by the charging flows. Success is false for
// requires_action and failed charges; nothing is written in either case.
type PaymentResult struct {
	Success       bool                `json:"success"`
	Status        domain.ChargeStatus `json:"status,omitempty"`
	StudentID     string              `json:"studentId,omitempty"`
	TransactionID string              `json:"transactionId,omitempty"`
	BlockID       string              `json:"blockId,omitempty"`
	ReceiptURL    *string             `json:"receiptUrl,omitempty"`
	ClientSecret  *string             `json:"clientSecret,omitempty"`
	Message       string              `json:"message,omitempty"`
}

type GiftResult struct {
	TransactionID string     `json:"transactionId" yaml:"transactionId"`
	BlockID       string     `json:"blockId" yaml:"blockId"`
	Quantity      int        `json:"quantity" yaml:"quantity"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
}

// PaymentService handles registration, concession purchases and gifts, and ledger reads.
type PaymentService struct {
	txManager  repository.Transactor
	ledger     repository.TransactionRepository
	blocks     repository.ConcessionBlockRepository
	students   repository.StudentRepository
	pricing    PricingResolver
	gateway    domain.PaymentGatewayAdapter
	publisher  messagebroker.Publisher
	authorizer *Authorizer
	currency   string
	logger     *slog.Logger
	now        func() time.Time
}

func NewPaymentService(
	txManager repository.Transactor,
	ledger repository.TransactionRepository,
	blocks repository.ConcessionBlockRepository,
	students repository.StudentRepository,
	pricing PricingResolver,
	gateway domain.PaymentGatewayAdapter,
	publisher messagebroker.Publisher,
	authorizer *Authorizer,
	currency string,
	logger *slog.Logger,
) *PaymentService {
	return &PaymentService{
		txManager:  txManager,
		ledger:     ledger,
		blocks:     blocks,
		students:   students,
		pricing:    pricing,
		gateway:    gateway,
		publisher:  publisher,
		authorizer: authorizer,
		currency:   currency,
		logger:     logger.With("service", "payment"),
		now:        time.Now,
	}
}

// GetPricing exposes the resolver output.
func (s *PaymentService) GetPricing(ctx context.Context) (domain.PricingTable, error) {
	table, err := s.pricing.ResolvePricing(ctx)
	if err != nil {
		return nil, pricingError(err)
	}
	return table, nil
}

func pricingError(err error) error {
	if errors.Is(err, domain.ErrNoActivePackages) {
		return domain.Internal("No active packages are available for purchase.", err)
	}
	return domain.Internal("Failed to load pricing.", err)
}

func (s *PaymentService) resolvePackage(ctx context.Context, packageID string) (domain.PricingEntry, error) {
	table, err := s.pricing.ResolvePricing(ctx)
	if err != nil {
		return domain.PricingEntry{}, pricingError(err)
	}
	entry, ok := table[packageID]
	if !ok {
		return domain.PricingEntry{}, domain.InvalidArgument("Package %s is not available.", packageID)
	}
	return entry, nil
}

// RegisterStudent creates a student, charging for the selected package first when one
// is given. Nothing is written unless the charge succeeded.
func (s *PaymentService) RegisterStudent(ctx context.Context, req RegisterStudentRequest) (*PaymentResult, error) {
	req.FirstName, req.LastName, req.Email = strings.TrimSpace(req.FirstName), strings.TrimSpace(req.LastName), strings.TrimSpace(req.Email)
	if req.FirstName == "" || req.LastName == "" || req.Email == "" {
		return nil, domain.InvalidArgument("First name, last name and email are required.")
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return nil, domain.InvalidArgument("Email address %q is not valid.", req.Email)
	}
	exists, err := s.students.ExistsByEmail(ctx, req.Email)
	if err != nil {
		return nil, domain.Internal("Failed to check existing registrations.", err)
	}
	if exists {
		return nil, domain.InvalidArgument("A student with email %s is already registered.", req.Email)
	}

	now := s.now().UTC()
	student := &domain.Student{
		ID:        domain.NewStudentID(req.FirstName, req.LastName, now),
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Phone:     req.Phone,
		CreatedAt: now,
	}
	logger := s.logger.With("student_id", student.ID)

	if req.PackageID == "" {
		if err := s.txManager.WithinTx(ctx, func(q repository.Querier) error {
			return s.createStudent(ctx, q, student)
		}); err != nil {
			return nil, studentWriteError(err)
		}
		logger.InfoContext(ctx, "Student registered without purchase")
		publishEvent(ctx, s.publisher, s.logger, SubjectStudentRegistered, StudentRegisteredEvent{
			StudentID: student.ID, Email: student.Email, OccurredAt: now,
		})
		return &PaymentResult{Success: true, StudentID: student.ID}, nil
	}

	if req.PaymentMethodID == "" {
		return nil, domain.InvalidArgument("A payment method is required to purchase a package.")
	}
	entry, err := s.resolvePackage(ctx, req.PackageID)
	if err != nil {
		return nil, err
	}

	customerID, err := s.createCustomer(ctx, student)
	if err != nil {
		return nil, err
	}
	student.StripeCustomerID = &customerID

	charge, result, err := s.charge(ctx, "registration", student, customerID, req.PaymentMethodID, entry)
	if err != nil || !result.Success {
		return result, err
	}

	// Purchase records take the student id createStudent settled on.
	var (
		txn   *domain.Transaction
		block *domain.ConcessionBlock
	)
	err = s.txManager.WithinTx(ctx, func(q repository.Querier) error {
		if err := s.createStudent(ctx, q, student); err != nil {
			return err
		}
		txn, block = s.purchaseRecords(student, entry, charge, now)
		return s.writePurchase(ctx, q, txn, block)
	})
	if err != nil {
		logger.ErrorContext(ctx, "Charge succeeded but registration was not recorded; reconcile manually",
			"payment_intent_id", charge.PaymentIntentID, "error", err)
		return nil, studentWriteError(err)
	}

	logger.InfoContext(ctx, "Student registered with purchase", "final_student_id", student.ID, "transaction_id", txn.ID, "package_id", entry.ID)
	result.StudentID = student.ID
	result.TransactionID = txn.ID
	if block != nil {
		result.BlockID = block.ID
		s.publishConcession(ctx, SubjectConcessionPurchased, txn, block)
	}
	publishEvent(ctx, s.publisher, s.logger, SubjectStudentRegistered, StudentRegisteredEvent{
		StudentID: student.ID, Email: student.Email, PackageID: entry.ID, TransactionID: txn.ID, OccurredAt: now,
	})
	return result, nil
}

// PurchaseConcession charges an existing student for a concession package.
func (s *PaymentService) PurchaseConcession(ctx context.Context, req PurchaseConcessionRequest) (*PaymentResult, error) {
	if req.StudentID == "" || req.PackageID == "" || req.PaymentMethodID == "" {
		return nil, domain.InvalidArgument("studentId, packageId and paymentMethodId are required.")
	}
	student, err := s.students.GetByID(ctx, req.StudentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NotFound("Student %s not found.", req.StudentID)
		}
		return nil, domain.Internal("Failed to load student.", err)
	}
	entry, err := s.resolvePackage(ctx, req.PackageID)
	if err != nil {
		return nil, err
	}
	if entry.Type != domain.PackageKindConcession {
		return nil, domain.InvalidArgument("Package %s is not a concession package.", req.PackageID)
	}

	var customerID string
	if student.StripeCustomerID != nil && *student.StripeCustomerID != "" {
		customerID = *student.StripeCustomerID
	} else {
		if customerID, err = s.createCustomer(ctx, student); err != nil {
			return nil, err
		}
		if err := s.students.SetStripeCustomerID(ctx, student.ID, customerID); err != nil {
			return nil, domain.Internal("Failed to save payment customer.", err)
		}
		student.StripeCustomerID = &customerID
	}

	charge, result, err := s.charge(ctx, "concession_purchase", student, customerID, req.PaymentMethodID, entry)
	if err != nil || !result.Success {
		return result, err
	}
	result.StudentID = student.ID

	txn, block := s.purchaseRecords(student, entry, charge, s.now().UTC())
	if err := s.txManager.WithinTx(ctx, func(q repository.Querier) error {
		return s.writePurchase(ctx, q, txn, block)
	}); err != nil {
		s.logger.ErrorContext(ctx, "Charge succeeded but purchase was not recorded; reconcile manually",
			"student_id", student.ID, "payment_intent_id", charge.PaymentIntentID, "error", err)
		return nil, domain.Internal("Payment succeeded but the purchase could not be recorded. Please contact the studio.", err)
	}

	s.logger.InfoContext(ctx, "Concession purchased", "student_id", student.ID, "transaction_id", txn.ID, "block_id", block.ID)
	result.TransactionID, result.BlockID = txn.ID, block.ID
	s.publishConcession(ctx, SubjectConcessionPurchased, txn, block)
	return result, nil
}

// GiftConcession records a zero-amount gift and its block. Administrator only.
func (s *PaymentService) GiftConcession(ctx context.Context, req GiftConcessionRequest) (*GiftResult, error) {
	principal, err := s.authorizer.RequireAdmin(ctx)
	if err != nil {
		return nil, err
	}
	if req.StudentID == "" {
		return nil, domain.InvalidArgument("studentId is required.")
	}
	if req.Quantity < 0 {
		return nil, domain.InvalidArgument("Quantity must not be negative.")
	}
	if _, err := s.students.GetByID(ctx, req.StudentID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NotFound("Student %s not found.", req.StudentID)
		}
		return nil, domain.Internal("Failed to load student.", err)
	}

	now := s.now().UTC()
	packageID, quantity, expiresAt := req.PackageID, req.Quantity, req.ExpiresAt
	if packageID != "" {
		entry, err := s.resolvePackage(ctx, packageID)
		if err != nil {
			return nil, err
		}
		if entry.Type != domain.PackageKindConcession {
			return nil, domain.InvalidArgument("Package %s is not a concession package.", packageID)
		}
		if quantity == 0 && entry.NumberOfClasses != nil {
			quantity = *entry.NumberOfClasses
		}
		if expiresAt == nil {
			expiresAt = entry.ExpiryFrom(now)
		}
	} else {
		packageID = "gift"
	}
	if quantity <= 0 {
		return nil, domain.InvalidArgument("A gift needs a package or a positive quantity.")
	}

	description := fmt.Sprintf("Gifted %d classes", quantity)
	if note := strings.TrimSpace(req.Note); note != "" {
		description += ": " + note
	}
	pkg := packageID
	txn := &domain.Transaction{
		ID:            domain.NewTransactionID(req.StudentID, domain.TransactionTypeConcessionGift, now),
		StudentID:     req.StudentID,
		Type:          domain.TransactionTypeConcessionGift,
		Amount:        0,
		Currency:      s.currency,
		PaymentMethod: domain.PaymentMethodGift,
		PackageID:     &pkg,
		Description:   description,
		CreatedBy:     principal.Email,
		CreatedAt:     now,
	}
	block := &domain.ConcessionBlock{
		StudentID:         req.StudentID,
		PackageID:         packageID,
		InitialQuantity:   quantity,
		RemainingQuantity: quantity,
		ExpiresAt:         expiresAt,
		CreatedAt:         now,
	}
	if err := s.txManager.WithinTx(ctx, func(q repository.Querier) error {
		return s.writePurchase(ctx, q, txn, block)
	}); err != nil {
		return nil, domain.Internal("Failed to record gift.", err)
	}

	s.logger.InfoContext(ctx, "Concession gifted", "student_id", req.StudentID, "transaction_id", txn.ID, "quantity", quantity, "gifted_by", principal.Email)
	s.publishConcession(ctx, SubjectConcessionGifted, txn, block)
	return &GiftResult{TransactionID: txn.ID, BlockID: block.ID, Quantity: quantity, ExpiresAt: expiresAt}, nil
}

// ListStudentTransactions returns a student's ledger, newest first. Administrator only.
func (s *PaymentService) ListStudentTransactions(ctx context.Context, studentID string, limit, offset int) ([]*domain.Transaction, int, error) {
	if _, err := s.authorizer.RequireAdmin(ctx); err != nil {
		return nil, 0, err
	}
	if studentID == "" {
		return nil, 0, domain.InvalidArgument("studentId is required.")
	}
	if limit <= 0 {
		limit = defaultLedgerPageSize
	}
	if limit > maxLedgerPageSize {
		limit = maxLedgerPageSize
	}
	if offset < 0 {
		offset = 0
	}
	txns, total, err := s.ledger.ListByStudent(ctx, nil, studentID, limit, offset)
	if err != nil {
		return nil, 0, domain.Internal("Failed to load transactions.", err)
	}
	return txns, total, nil
}

func (s *PaymentService) createCustomer(ctx context.Context, student *domain.Student) (string, error) {
	identity := domain.CustomerIdentity{StudentID: student.ID, Name: student.FullName(), Email: student.Email}
	if student.Phone != nil {
		identity.Phone = *student.Phone
	}
	start := time.Now()
	customerID, err := s.gateway.CreateCustomer(ctx, identity)
	observeGateway("create_customer", start)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to create payment customer", "student_id", student.ID, "error", err)
		return "", gatewayFailure(err)
	}
	return customerID, nil
}

// charge returns a non-nil PaymentResult for every non-error outcome. Only a
// succeeded charge has Success set.
func (s *PaymentService) charge(ctx context.Context, kind string, student *domain.Student, customerID, paymentMethodID string, entry domain.PricingEntry) (*domain.ChargeResult, *PaymentResult, error) {
	start := time.Now()
	charge, err := s.gateway.Charge(ctx, domain.ChargeRequest{
		CustomerRef:      customerID,
		PaymentMethodRef: paymentMethodID,
		Amount:           entry.Price,
		Currency:         s.currency,
		Description:      entry.Name,
		ReceiptEmail:     student.Email,
		Metadata: map[string]string{
			"student_id": student.ID,
			"package_id": entry.ID,
			"kind":       kind,
		},
	})
	observeGateway("charge", start)
	if err != nil {
		paymentsProcessedCounter.WithLabelValues(kind, "error").Inc()
		s.logger.ErrorContext(ctx, "Charge failed", "student_id", student.ID, "package_id", entry.ID, "error", err)
		return nil, nil, gatewayFailure(err)
	}
	paymentsProcessedCounter.WithLabelValues(kind, string(charge.Status)).Inc()

	switch charge.Status {
	case domain.ChargeStatusSucceeded:
		return charge, &PaymentResult{Success: true, Status: charge.Status, ReceiptURL: charge.ReceiptURL}, nil
	case domain.ChargeStatusRequiresAction:
		s.logger.InfoContext(ctx, "Charge requires additional authentication", "student_id", student.ID, "payment_intent_id", charge.PaymentIntentID)
		return charge, &PaymentResult{
			Status:       charge.Status,
			ClientSecret: charge.ClientSecret,
			Message:      "Additional authentication is required to complete this payment.",
		}, nil
	default:
		s.logger.WarnContext(ctx, "Charge did not succeed", "student_id", student.ID, "gateway_status", charge.GatewayStatus)
		return charge, &PaymentResult{
			Status:  domain.ChargeStatusFailed,
			Message: fmt.Sprintf("Payment was not completed (status: %s).", charge.GatewayStatus),
		}, nil
	}
}

// gatewayFailure turns a classified gateway error into a caller-facing one. Only card
// declines carry the processor's message.
func gatewayFailure(err error) error {
	if gwErr, ok := domain.AsGatewayError(err); ok && gwErr.Class == domain.GatewayErrorCardDeclined {
		return &domain.Error{Code: codes.FailedPrecondition, Message: gwErr.UserMessage, Err: err}
	}
	return domain.Internal(domain.GenericPaymentMessage, err)
}

func (s *PaymentService) purchaseRecords(student *domain.Student, entry domain.PricingEntry, charge *domain.ChargeResult, now time.Time) (*domain.Transaction, *domain.ConcessionBlock) {
	tt := entry.TransactionType()
	packageID := entry.ID
	intentID := charge.PaymentIntentID
	txn := &domain.Transaction{
		ID:               domain.NewTransactionID(student.ID, tt, now),
		StudentID:        student.ID,
		Type:             tt,
		Amount:           charge.AmountCharged,
		Currency:         s.currency,
		PaymentMethod:    domain.PaymentMethodStripe,
		PackageID:        &packageID,
		Description:      entry.Name,
		PaymentIntentID:  &intentID,
		StripeCustomerID: student.StripeCustomerID,
		ReceiptURL:       charge.ReceiptURL,
		CreatedAt:        now,
	}
	if txn.Amount == 0 {
		txn.Amount = entry.Price
	}
	if entry.Type != domain.PackageKindConcession || entry.NumberOfClasses == nil {
		return txn, nil
	}
	return txn, &domain.ConcessionBlock{
		StudentID:         student.ID,
		PackageID:         entry.ID,
		InitialQuantity:   *entry.NumberOfClasses,
		RemainingQuantity: *entry.NumberOfClasses,
		ExpiresAt:         entry.ExpiryFrom(now),
		CreatedAt:         now,
	}
}

// writePurchase writes txn and, when given, its block. The block id follows the final
// transaction id.
func (s *PaymentService) writePurchase(ctx context.Context, q repository.Querier, txn *domain.Transaction, block *domain.ConcessionBlock) error {
	baseID := txn.ID
	var err error
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		if attempt > 0 {
			txn.ID = domain.WithCollisionSuffix(baseID)
		}
		if err = s.ledger.Create(ctx, q, txn); !errors.Is(err, domain.ErrDuplicateID) {
			break
		}
	}
	if err != nil {
		return err
	}
	if block == nil {
		return nil
	}
	block.ID = domain.NewBlockID(txn.ID)
	block.TransactionID = txn.ID
	return s.blocks.Create(ctx, q, block)
}

func (s *PaymentService) createStudent(ctx context.Context, q repository.Querier, student *domain.Student) error {
	baseID := student.ID
	var err error
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		if attempt > 0 {
			student.ID = domain.WithCollisionSuffix(baseID)
		}
		if err = s.students.Create(ctx, q, student); !errors.Is(err, domain.ErrDuplicateID) {
			return err
		}
	}
	return err
}

func studentWriteError(err error) error {
	if errors.Is(err, domain.ErrDuplicateEmail) {
		return domain.InvalidArgument("A student with this email is already registered.")
	}
	return domain.Internal("Failed to record registration.", err)
}

func (s *PaymentService) publishConcession(ctx context.Context, subject string, txn *domain.Transaction, block *domain.ConcessionBlock) {
	publishEvent(ctx, s.publisher, s.logger, subject, ConcessionEvent{
		TransactionID: txn.ID,
		StudentID:     txn.StudentID,
		PackageID:     block.PackageID,
		BlockID:       block.ID,
		Quantity:      block.InitialQuantity,
		Amount:        txn.Amount,
		ExpiresAt:     block.ExpiresAt,
		CreatedBy:     txn.CreatedBy,
		OccurredAt:    txn.CreatedAt,
	})
}
