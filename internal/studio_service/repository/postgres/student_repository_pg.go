package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stepsync/studio_services/internal/studio_service/domain"
	"github.com/stepsync/studio_services/internal/studio_service/repository"
)

type PgStudentRepository struct {
	db     DBPool
	logger *slog.Logger
}

func NewPgStudentRepository(db DBPool, logger *slog.Logger) *PgStudentRepository {
	return &PgStudentRepository{db: db, logger: logger.With("component", "student_repository_pg")}
}

var _ repository.StudentRepository = (*PgStudentRepository)(nil)

func (r *PgStudentRepository) Create(ctx context.Context, q repository.Querier, s *domain.Student) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO students (id, first_name, last_name, email, phone, stripe_customer_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`
	tag, err := querier(q, r.db).Exec(ctx, query, s.ID, s.FirstName, s.LastName, s.Email, s.Phone, s.StripeCustomerID, s.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// students_email_key; the id conflict is absorbed by ON CONFLICT.
			return fmt.Errorf("student %s: %w", s.Email, domain.ErrDuplicateEmail)
		}
		r.logger.ErrorContext(ctx, "Error creating student", "error", err, "student_id", s.ID)
		return fmt.Errorf("creating student %s: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("student %s: %w", s.ID, domain.ErrDuplicateID)
	}
	return nil
}

func (r *PgStudentRepository) GetByID(ctx context.Context, id string) (*domain.Student, error) {
	query := `SELECT id, first_name, last_name, email, phone, stripe_customer_id, created_at FROM students WHERE id = $1`
	var s domain.Student
	err := r.db.QueryRow(ctx, query, id).Scan(&s.ID, &s.FirstName, &s.LastName, &s.Email, &s.Phone, &s.StripeCustomerID, &s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("student %s: %w", id, mapNoRows(err))
	}
	return &s, nil
}

func (r *PgStudentRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM students WHERE lower(email) = lower($1))`, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking student email: %w", err)
	}
	return exists, nil
}

func (r *PgStudentRepository) SetStripeCustomerID(ctx context.Context, id string, customerID string) error {
	tag, err := r.db.Exec(ctx, `UPDATE students SET stripe_customer_id = $2 WHERE id = $1`, id, customerID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error saving stripe customer id", "error", err, "student_id", id)
		return fmt.Errorf("updating student %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("student %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
