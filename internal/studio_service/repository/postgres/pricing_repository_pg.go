package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/stepsync/studio_services/internal/studio_service/domain"
	"github.com/stepsync/studio_services/internal/studio_service/repository"
)

// PgPricingRepository reads casual_rates and concession_packages. Prices are numeric major units.
type PgPricingRepository struct {
	db     DBPool
	logger *slog.Logger
}

func NewPgPricingRepository(db DBPool, logger *slog.Logger) *PgPricingRepository {
	return &PgPricingRepository{db: db, logger: logger.With("component", "pricing_repository_pg")}
}

var _ repository.PricingRepository = (*PgPricingRepository)(nil)

func (r *PgPricingRepository) ListCasualRates(ctx context.Context) ([]domain.CasualRate, error) {
	query := `SELECT id, name, price, is_active, is_promo, is_student_rate, description, display_order
		FROM casual_rates ORDER BY display_order, name`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing casual rates", "error", err)
		return nil, fmt.Errorf("listing casual rates: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.CasualRate, error) {
		var c domain.CasualRate
		err := row.Scan(&c.ID, &c.Name, &c.Price, &c.IsActive, &c.IsPromo, &c.IsStudentRate, &c.Description, &c.DisplayOrder)
		return c, err
	})
}

func (r *PgPricingRepository) ListConcessionPackages(ctx context.Context) ([]domain.ConcessionPackage, error) {
	query := `SELECT id, name, price, number_of_classes, expiry_months, is_active, is_promo, description, display_order
		FROM concession_packages ORDER BY display_order, name`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing concession packages", "error", err)
		return nil, fmt.Errorf("listing concession packages: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ConcessionPackage, error) {
		var p domain.ConcessionPackage
		err := row.Scan(&p.ID, &p.Name, &p.Price, &p.NumberOfClasses, &p.ExpiryMonths, &p.IsActive, &p.IsPromo, &p.Description, &p.DisplayOrder)
		return p, err
	})
}
