package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/maheshrc27/postpilot/internal/models"
)

const postColumns = `id, user_id, account_id, platform, content, title, media_refs, scheduled_for, status,
	requires_approval, attempt_count, max_attempts, last_error, last_error_kind, last_attempt_at,
	platform_post_id, platform_post_url, published_at, idempotency_key, generation, approval,
	cancellation, created_at, updated_at`

type postRepository struct {
	db *sqlx.DB
}

func NewPostRepository(db *sqlx.DB) PostRepository {
	return &postRepository{db: db}
}

func (r *postRepository) Create(ctx context.Context, post *models.ScheduledPost) error {
	query := `
		INSERT INTO scheduled_posts (` + postColumns + `)
		VALUES (:id, :user_id, :account_id, :platform, :content, :title, :media_refs, :scheduled_for, :status,
			:requires_approval, :attempt_count, :max_attempts, :last_error, :last_error_kind, :last_attempt_at,
			:platform_post_id, :platform_post_url, :published_at, :idempotency_key, :generation, :approval,
			:cancellation, :created_at, :updated_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, post); err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	return nil
}

func (r *postRepository) GetByID(ctx context.Context, id string) (*models.ScheduledPost, error) {
	var post models.ScheduledPost
	err := r.db.GetContext(ctx, &post, `SELECT `+postColumns+` FROM scheduled_posts WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get post: %w", err)
	}
	return &post, nil
}

func (r *postRepository) List(ctx context.Context, f PostFilter) ([]*models.ScheduledPost, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", pq.Array(statusStrings(f.Statuses)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.AccountID != "" {
		add("account_id = $%d", f.AccountID)
	}
	if f.ScheduledFrom != nil {
		add("scheduled_for >= $%d", *f.ScheduledFrom)
	}
	if f.ScheduledTo != nil {
		add("scheduled_for <= $%d", *f.ScheduledTo)
	}
	if f.LastAttemptBefore != nil {
		add("last_attempt_at < $%d", *f.LastAttemptBefore)
	}

	query := `SELECT ` + postColumns + ` FROM scheduled_posts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY scheduled_for ASC, created_at ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	var posts []*models.ScheduledPost
	if err := r.db.SelectContext(ctx, &posts, query, args...); err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return posts, nil
}

func (r *postRepository) Claim(ctx context.Context, id string, at time.Time) (*models.ScheduledPost, error) {
	query := `
		UPDATE scheduled_posts
		SET status = $2, attempt_count = attempt_count + 1, last_attempt_at = $3, updated_at = $3
		WHERE id = $1 AND status = ANY($4)
		RETURNING ` + postColumns

	var post models.ScheduledPost
	err := r.db.GetContext(ctx, &post, query,
		id, models.PostStatusPublishing, at, pq.Array(statusStrings(models.ClaimableStatuses)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("claim post: %w", err)
	}
	return &post, nil
}

func (r *postRepository) UpdateIf(ctx context.Context, post *models.ScheduledPost, expected models.PostStatus) error {
	query := `
		UPDATE scheduled_posts SET
			content = :content,
			title = :title,
			media_refs = :media_refs,
			scheduled_for = :scheduled_for,
			status = :status,
			attempt_count = :attempt_count,
			last_error = :last_error,
			last_error_kind = :last_error_kind,
			last_attempt_at = :last_attempt_at,
			platform_post_id = :platform_post_id,
			platform_post_url = :platform_post_url,
			published_at = :published_at,
			approval = :approval,
			cancellation = :cancellation,
			updated_at = :updated_at
		WHERE id = :id AND status = :expected
	`
	arg := struct {
		*models.ScheduledPost
		Expected models.PostStatus `db:"expected"`
	}{post, expected}

	result, err := r.db.NamedExecContext(ctx, query, arg)
	if err != nil {
		return fmt.Errorf("update post: %w", err)
	}
	if err := expectOneRow(result, ErrConflict); err != nil {
		if errors.Is(err, ErrConflict) {
			if _, getErr := r.GetByID(ctx, post.ID); errors.Is(getErr, ErrNotFound) {
				return ErrNotFound
			}
		}
		return err
	}
	return nil
}

func (r *postRepository) SetPlatformRef(ctx context.Context, id, platformPostID, platformPostURL string, at time.Time) error {
	query := `
		UPDATE scheduled_posts
		SET platform_post_id = $2, platform_post_url = $3, updated_at = $4
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query, id, platformPostID, platformPostURL, at)
	if err != nil {
		return fmt.Errorf("set platform ref: %w", err)
	}
	return expectOneRow(result, ErrNotFound)
}

func statusStrings(statuses []models.PostStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
