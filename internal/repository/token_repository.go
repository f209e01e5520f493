package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/maheshrc27/postpilot/internal/models"
)

const tokenColumns = `id, account_id, type, platform, ciphertext, iv, auth_tag, expires_at, is_valid,
	revoked_at, revoked_reason, previous_token_id, usage_count, last_used_at, created_at`

type tokenRepository struct {
	db *sqlx.DB
}

func NewTokenRepository(db *sqlx.DB) TokenRepository {
	return &tokenRepository{db: db}
}

func (r *tokenRepository) Insert(ctx context.Context, tok *models.Token, supersedeReason string) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if tok.PreviousTokenID != "" {
		var valid bool
		err := tx.GetContext(ctx, &valid, `SELECT is_valid FROM tokens WHERE id = $1 FOR UPDATE`, tok.PreviousTokenID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock previous token: %w", err)
		}
		if !valid {
			return ErrConflict
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tokens
		SET is_valid = FALSE, revoked_at = $3, revoked_reason = $4
		WHERE account_id = $1 AND type = $2 AND is_valid
	`, tok.AccountID, tok.Type, tok.CreatedAt, supersedeReason)
	if err != nil {
		return fmt.Errorf("supersede tokens: %w", err)
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO tokens (`+tokenColumns+`)
		VALUES (:id, :account_id, :type, :platform, :ciphertext, :iv, :auth_tag, :expires_at, :is_valid,
			:revoked_at, :revoked_reason, :previous_token_id, :usage_count, :last_used_at, :created_at)
	`, tok)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}

	return tx.Commit()
}

func (r *tokenRepository) GetByID(ctx context.Context, id string) (*models.Token, error) {
	var tok models.Token
	err := r.db.GetContext(ctx, &tok, `SELECT `+tokenColumns+` FROM tokens WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get token: %w", err)
	}
	return &tok, nil
}

func (r *tokenRepository) Revoke(ctx context.Context, id, reason string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE tokens
		SET is_valid = FALSE,
			revoked_at = COALESCE(revoked_at, $2),
			revoked_reason = CASE WHEN is_valid THEN $3 ELSE revoked_reason END
		WHERE id = $1
	`, id, at, reason)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return expectOneRow(result, ErrNotFound)
}

func (r *tokenRepository) TouchUsage(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE tokens SET usage_count = usage_count + 1, last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch token usage: %w", err)
	}
	return nil
}
