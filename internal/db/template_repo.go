package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// TemplateRepository serves message body templates to producers.
type TemplateRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewTemplateRepository creates a new template repository
func NewTemplateRepository(db *DB, logger *zap.Logger) *TemplateRepository {
	return &TemplateRepository{
		db:     db,
		logger: logger,
	}
}

// GetByKind returns the company's active template for a message kind.
// Returns pgx.ErrNoRows wrapped when the company has none configured.
func (r *TemplateRepository) GetByKind(ctx context.Context, companyID uuid.UUID, kind string) (*Template, error) {
	query := `
		SELECT id, company_id, name, body, category, kind, default_priority, is_active, created_at
		FROM templates
		WHERE company_id = $1 AND kind = $2 AND is_active
		ORDER BY created_at DESC
		LIMIT 1
	`

	var t Template
	err := r.db.Pool().QueryRow(ctx, query, companyID, kind).Scan(
		&t.ID,
		&t.CompanyID,
		&t.Name,
		&t.Body,
		&t.Category,
		&t.Kind,
		&t.DefaultPriority,
		&t.IsActive,
		&t.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("no %s template for company %s: %w", kind, companyID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}

	return &t, nil
}

// Create inserts a new template
func (r *TemplateRepository) Create(ctx context.Context, t *Template) error {
	query := `
		INSERT INTO templates (id, company_id, name, body, category, kind, default_priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING is_active, created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		t.ID, t.CompanyID, t.Name, t.Body, t.Category, t.Kind, t.DefaultPriority,
	).Scan(&t.IsActive, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}

	r.logger.Info("template created",
		zap.String("template_id", t.ID.String()),
		zap.String("kind", t.Kind),
		zap.String("name", t.Name),
	)

	return nil
}
