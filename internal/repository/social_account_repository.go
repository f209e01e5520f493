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

const accountColumns = `id, user_id, platform, external_id, username, display_name, is_active,
	is_token_valid, requires_reauth, reauth_reason, token_expires_at, access_token_id,
	refresh_token_id, last_post_at, disconnected_at, created_at, updated_at, version`

type accountRepository struct {
	db *sqlx.DB
}

func NewAccountRepository(db *sqlx.DB) AccountRepository {
	return &accountRepository{db: db}
}

func (r *accountRepository) Create(ctx context.Context, acc *models.Account) error {
	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES (:id, :user_id, :platform, :external_id, :username, :display_name, :is_active,
			:is_token_valid, :requires_reauth, :reauth_reason, :token_expires_at, :access_token_id,
			:refresh_token_id, :last_post_at, :disconnected_at, :created_at, :updated_at, :version)
	`
	if _, err := r.db.NamedExecContext(ctx, query, acc); err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (r *accountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	var acc models.Account
	err := r.db.GetContext(ctx, &acc, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &acc, nil
}

func (r *accountRepository) ListByUserID(ctx context.Context, userID string) ([]*models.Account, error) {
	var accounts []*models.Account
	err := r.db.SelectContext(ctx, &accounts,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

func (r *accountRepository) ListRequiringReauth(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	err := r.db.SelectContext(ctx, &accounts,
		`SELECT `+accountColumns+` FROM accounts WHERE is_active AND requires_reauth ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list reauth accounts: %w", err)
	}
	return accounts, nil
}

func (r *accountRepository) ListExpiring(ctx context.Context, before time.Time) ([]*models.Account, error) {
	var accounts []*models.Account
	err := r.db.SelectContext(ctx, &accounts, `
		SELECT `+accountColumns+` FROM accounts
		WHERE is_active AND is_token_valid AND token_expires_at < $1
		ORDER BY token_expires_at`, before)
	if err != nil {
		return nil, fmt.Errorf("list expiring accounts: %w", err)
	}
	return accounts, nil
}

func (r *accountRepository) Update(ctx context.Context, acc *models.Account) error {
	query := `
		UPDATE accounts SET
			username = :username,
			display_name = :display_name,
			is_active = :is_active,
			is_token_valid = :is_token_valid,
			requires_reauth = :requires_reauth,
			reauth_reason = :reauth_reason,
			token_expires_at = :token_expires_at,
			access_token_id = :access_token_id,
			refresh_token_id = :refresh_token_id,
			last_post_at = :last_post_at,
			disconnected_at = :disconnected_at,
			updated_at = :updated_at,
			version = version + 1
		WHERE id = :id AND version = :version
	`
	result, err := r.db.NamedExecContext(ctx, query, acc)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if err := expectOneRow(result, ErrConflict); err != nil {
		if errors.Is(err, ErrConflict) {
			if _, getErr := r.GetByID(ctx, acc.ID); errors.Is(getErr, ErrNotFound) {
				return ErrNotFound
			}
		}
		return err
	}
	acc.Version++
	return nil
}

func expectOneRow(result sql.Result, otherwise error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return otherwise
	}
	return nil
}
