package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/stepsync/studio_services/internal/studio_service/domain"
	"github.com/stepsync/studio_services/internal/studio_service/repository"
)

// DBPool is the part of *pgxpool.Pool the repositories use. pgxmock.PgxPoolIface satisfies it.
type DBPool interface {
	repository.Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PgTransactor implements repository.Transactor with pgx.BeginFunc.
type PgTransactor struct {
	db DBPool
}

func NewPgTransactor(db DBPool) *PgTransactor {
	return &PgTransactor{db: db}
}

func (t *PgTransactor) WithinTx(ctx context.Context, fn func(q repository.Querier) error) error {
	return pgx.BeginFunc(ctx, t.db, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

func querier(q repository.Querier, db DBPool) repository.Querier {
	if q != nil {
		return q
	}
	return db
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}
