package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/maheshrc27/postpilot/internal/models"
)

type auditRepository struct {
	db *sqlx.DB
}

func NewAuditRepository(db *sqlx.DB) AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Append(ctx context.Context, e *models.AuditEntry) error {
	query := `
		INSERT INTO audit_log (id, actor, action, status, description, post_id, account_id, token_id, created_at)
		VALUES (:id, :actor, :action, :status, :description, :post_id, :account_id, :token_id, :created_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, e); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (r *auditRepository) List(ctx context.Context, limit int) ([]*models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []*models.AuditEntry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT id, actor, action, status, description, post_id, account_id, token_id, created_at
		FROM audit_log ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, nil
}
