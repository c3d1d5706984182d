package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stepsync/studio_services/internal/studio_service/domain"
	"github.com/stepsync/studio_services/internal/studio_service/repository"
)

const transactionColumns = `id, student_id, type, amount, currency, payment_method, package_id, description,
		payment_intent_id, stripe_customer_id, receipt_url,
		parent_transaction_id, amount_refunded, refund_method, stripe_refund_id, reason,
		total_refunded, refund_count, refund_history, refunded, created_by, created_at, updated_at`

type PgTransactionRepository struct {
	db     DBPool
	logger *slog.Logger
}

// NewPgTransactionRepository creates a TransactionRepository for PostgreSQL.
func NewPgTransactionRepository(db DBPool, logger *slog.Logger) *PgTransactionRepository {
	return &PgTransactionRepository{db: db, logger: logger.With("component", "transaction_repository_pg")}
}

var _ repository.TransactionRepository = (*PgTransactionRepository)(nil)

func (r *PgTransactionRepository) Create(ctx context.Context, q repository.Querier, txn *domain.Transaction) error {
	now := time.Now().UTC()
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	}
	txn.UpdatedAt = txn.CreatedAt
	if txn.Refunded == "" {
		txn.Refunded = domain.RefundStatusNone
	}
	if txn.RefundHistory == nil {
		txn.RefundHistory = []domain.RefundHistoryEntry{}
	}
	history, err := json.Marshal(txn.RefundHistory)
	if err != nil {
		return fmt.Errorf("encoding refund history: %w", err)
	}

	var refundMethod *string
	if txn.RefundMethod != nil {
		m := string(*txn.RefundMethod)
		refundMethod = &m
	}

	query := `INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		ON CONFLICT (id) DO NOTHING`
	tag, err := querier(q, r.db).Exec(ctx, query,
		txn.ID, txn.StudentID, txn.Type, txn.Amount, txn.Currency, txn.PaymentMethod, txn.PackageID, txn.Description,
		txn.PaymentIntentID, txn.StripeCustomerID, txn.ReceiptURL,
		txn.ParentTransactionID, txn.AmountRefunded, refundMethod, txn.StripeRefundID, txn.Reason,
		txn.TotalRefunded, txn.RefundCount, string(history), string(txn.Refunded), txn.CreatedBy, txn.CreatedAt, txn.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("transaction %s: %w", txn.ID, domain.ErrDuplicateID)
		}
		r.logger.ErrorContext(ctx, "Error creating transaction", "error", err, "transaction_id", txn.ID)
		return fmt.Errorf("creating transaction %s: %w", txn.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s: %w", txn.ID, domain.ErrDuplicateID)
	}
	r.logger.DebugContext(ctx, "Transaction created", "transaction_id", txn.ID, "type", txn.Type)
	return nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var txType string
	var refundMethod *string
	var refunded string
	var history []byte

	err := row.Scan(
		&t.ID, &t.StudentID, &txType, &t.Amount, &t.Currency, &t.PaymentMethod, &t.PackageID, &t.Description,
		&t.PaymentIntentID, &t.StripeCustomerID, &t.ReceiptURL,
		&t.ParentTransactionID, &t.AmountRefunded, &refundMethod, &t.StripeRefundID, &t.Reason,
		&t.TotalRefunded, &t.RefundCount, &history, &refunded, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := t.Type.Scan(txType); err != nil {
		return nil, err
	}
	if refundMethod != nil {
		m := domain.RefundMethod(*refundMethod)
		t.RefundMethod = &m
	}
	t.Refunded = domain.RefundStatus(refunded)
	t.RefundHistory = []domain.RefundHistoryEntry{}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &t.RefundHistory); err != nil {
			return nil, fmt.Errorf("decoding refund history of %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func (r *PgTransactionRepository) GetByID(ctx context.Context, q repository.Querier, id string) (*domain.Transaction, error) {
	return r.get(ctx, q, id, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`)
}

func (r *PgTransactionRepository) GetByIDForUpdate(ctx context.Context, q repository.Querier, id string) (*domain.Transaction, error) {
	return r.get(ctx, q, id, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`)
}

func (r *PgTransactionRepository) get(ctx context.Context, q repository.Querier, id, query string) (*domain.Transaction, error) {
	txn, err := scanTransaction(querier(q, r.db).QueryRow(ctx, query, id))
	if err != nil {
		err = mapNoRows(err)
		if err != domain.ErrNotFound {
			r.logger.ErrorContext(ctx, "Error fetching transaction", "transaction_id", id, "error", err)
		}
		return nil, fmt.Errorf("transaction %s: %w", id, err)
	}
	return txn, nil
}

func (r *PgTransactionRepository) ApplyRefund(ctx context.Context, q repository.Querier, id string, entry domain.RefundHistoryEntry, status domain.RefundStatus, expectedTotal int64) error {
	entryJSON, err := json.Marshal([]domain.RefundHistoryEntry{entry})
	if err != nil {
		return fmt.Errorf("encoding refund history entry: %w", err)
	}
	query := `UPDATE transactions
		SET total_refunded = total_refunded + $2,
		    refund_count = refund_count + 1,
		    refund_history = refund_history || $3::jsonb,
		    refunded = $4,
		    updated_at = $5
		WHERE id = $1 AND total_refunded = $6 AND total_refunded + $2 <= amount`
	tag, err := querier(q, r.db).Exec(ctx, query, id, entry.Amount, string(entryJSON), string(status), time.Now().UTC(), expectedTotal)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error applying refund to transaction", "transaction_id", id, "error", err)
		return fmt.Errorf("applying refund to %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "Refund bookkeeping update matched no row", "transaction_id", id, "expected_total_refunded", expectedTotal)
		return fmt.Errorf("transaction %s: %w", id, domain.ErrConcurrentRefund)
	}
	return nil
}

func (r *PgTransactionRepository) ListByStudent(ctx context.Context, q repository.Querier, studentID string, limit, offset int) ([]*domain.Transaction, int, error) {
	db := querier(q, r.db)

	var total int
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE student_id = $1`, studentID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting transactions for %s: %w", studentID, err)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE student_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := db.Query(ctx, query, studentID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing transactions for %s: %w", studentID, err)
	}
	defer rows.Close()

	transactions := []*domain.Transaction{}
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		transactions = append(transactions, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return transactions, total, nil
}
