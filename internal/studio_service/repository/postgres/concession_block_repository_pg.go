package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stepsync/studio_services/internal/studio_service/domain"
	"github.com/stepsync/studio_services/internal/studio_service/repository"
)

const blockColumns = `id, student_id, package_id, transaction_id, initial_quantity, remaining_quantity,
		expires_at, is_locked, lock_note, locked_at, locked_by, created_at`

type PgConcessionBlockRepository struct {
	db     DBPool
	logger *slog.Logger
}

func NewPgConcessionBlockRepository(db DBPool, logger *slog.Logger) *PgConcessionBlockRepository {
	return &PgConcessionBlockRepository{db: db, logger: logger.With("component", "concession_block_repository_pg")}
}

var _ repository.ConcessionBlockRepository = (*PgConcessionBlockRepository)(nil)

func (r *PgConcessionBlockRepository) Create(ctx context.Context, q repository.Querier, block *domain.ConcessionBlock) error {
	if block.CreatedAt.IsZero() {
		block.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO concession_blocks (` + blockColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`
	tag, err := querier(q, r.db).Exec(ctx, query,
		block.ID, block.StudentID, block.PackageID, block.TransactionID, block.InitialQuantity, block.RemainingQuantity,
		block.ExpiresAt, block.IsLocked, block.LockNote, block.LockedAt, block.LockedBy, block.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("concession block %s: %w", block.ID, domain.ErrDuplicateID)
		}
		r.logger.ErrorContext(ctx, "Error creating concession block", "error", err, "block_id", block.ID)
		return fmt.Errorf("creating concession block %s: %w", block.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("concession block %s: %w", block.ID, domain.ErrDuplicateID)
	}
	return nil
}

func (r *PgConcessionBlockRepository) ListByTransactionID(ctx context.Context, transactionID string) ([]*domain.ConcessionBlock, error) {
	query := `SELECT ` + blockColumns + ` FROM concession_blocks WHERE transaction_id = $1 ORDER BY created_at`
	return r.list(ctx, query, transactionID)
}

func (r *PgConcessionBlockRepository) ListByStudent(ctx context.Context, studentID string) ([]*domain.ConcessionBlock, error) {
	query := `SELECT ` + blockColumns + ` FROM concession_blocks WHERE student_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, studentID)
}

func (r *PgConcessionBlockRepository) list(ctx context.Context, query string, arg string) ([]*domain.ConcessionBlock, error) {
	rows, err := r.db.Query(ctx, query, arg)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing concession blocks", "error", err, "key", arg)
		return nil, fmt.Errorf("listing concession blocks: %w", err)
	}
	defer rows.Close()

	blocks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.ConcessionBlock, error) {
		var b domain.ConcessionBlock
		err := row.Scan(&b.ID, &b.StudentID, &b.PackageID, &b.TransactionID, &b.InitialQuantity, &b.RemainingQuantity,
			&b.ExpiresAt, &b.IsLocked, &b.LockNote, &b.LockedAt, &b.LockedBy, &b.CreatedAt)
		return &b, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning concession blocks: %w", err)
	}
	return blocks, nil
}

func (r *PgConcessionBlockRepository) Lock(ctx context.Context, id string, note string, lockedAt time.Time, lockedBy string) error {
	query := `UPDATE concession_blocks SET is_locked = TRUE, lock_note = $2, locked_at = $3, locked_by = $4 WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, note, lockedAt, lockedBy)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error locking concession block", "error", err, "block_id", id)
		return fmt.Errorf("locking concession block %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("concession block %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *PgConcessionBlockRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM concession_blocks WHERE id = $1`, id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error deleting concession block", "error", err, "block_id", id)
		return fmt.Errorf("deleting concession block %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("concession block %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
