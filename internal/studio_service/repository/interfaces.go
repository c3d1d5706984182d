package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/stepsync/studio_services/internal/studio_service/domain"
)

// Querier is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock, so repository methods can
// run inside or outside a transaction. A nil Querier means "use the repository's pool".
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Transactor runs fn inside a database transaction, committing when fn returns nil.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(q Querier) error) error
}

// TransactionRepository persists ledger entries.
type TransactionRepository interface {
	// Create inserts a new entry. Returns domain.ErrDuplicateID when the id is taken,
	// leaving q's transaction usable for a retry.
	Create(ctx context.Context, q Querier, txn *domain.Transaction) error
	// GetByID returns domain.ErrNotFound when absent.
	GetByID(ctx context.Context, q Querier, id string) (*domain.Transaction, error)
	// GetByIDForUpdate is GetByID holding a row lock until q's transaction ends.
	GetByIDForUpdate(ctx context.Context, q Querier, id string) (*domain.Transaction, error)
	// ApplyRefund adds entry to the refund bookkeeping of transaction id, only if its
	// total_refunded still equals expectedTotal and the new total stays within amount.
	// Returns domain.ErrConcurrentRefund otherwise.
	ApplyRefund(ctx context.Context, q Querier, id string, entry domain.RefundHistoryEntry, status domain.RefundStatus, expectedTotal int64) error
	ListByStudent(ctx context.Context, q Querier, studentID string, limit, offset int) ([]*domain.Transaction, int, error)
}

// ConcessionBlockRepository persists concession blocks.
type ConcessionBlockRepository interface {
	Create(ctx context.Context, q Querier, block *domain.ConcessionBlock) error
	ListByTransactionID(ctx context.Context, transactionID string) ([]*domain.ConcessionBlock, error)
	ListByStudent(ctx context.Context, studentID string) ([]*domain.ConcessionBlock, error)
	Lock(ctx context.Context, id string, note string, lockedAt time.Time, lockedBy string) error
	Delete(ctx context.Context, id string) error
}

// PricingRepository reads the two reference collections in full; filtering is the
// resolver's job.
type PricingRepository interface {
	ListCasualRates(ctx context.Context) ([]domain.CasualRate, error)
	ListConcessionPackages(ctx context.Context) ([]domain.ConcessionPackage, error)
}

// StudentRepository persists students.
type StudentRepository interface {
	// Create returns domain.ErrDuplicateID for a taken id, domain.ErrDuplicateEmail for a taken email.
	Create(ctx context.Context, q Querier, student *domain.Student) error
	GetByID(ctx context.Context, id string) (*domain.Student, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	SetStripeCustomerID(ctx context.Context, id string, customerID string) error
}
