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

const metricColumns = `id, post_id, account_id, platform, platform_post_id, impressions, reach, likes,
	comments, shares, saves, video_views, collected_at, created_at, updated_at`

type metricRepository struct {
	db *sqlx.DB
}

func NewMetricRepository(db *sqlx.DB) MetricRepository {
	return &metricRepository{db: db}
}

func (r *metricRepository) Create(ctx context.Context, m *models.Metric) error {
	query := `
		INSERT INTO metrics (` + metricColumns + `)
		VALUES (:id, :post_id, :account_id, :platform, :platform_post_id, :impressions, :reach, :likes,
			:comments, :shares, :saves, :video_views, :collected_at, :created_at, :updated_at)
		ON CONFLICT (post_id) DO NOTHING
	`
	if _, err := r.db.NamedExecContext(ctx, query, m); err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

func (r *metricRepository) GetByPostID(ctx context.Context, postID string) (*models.Metric, error) {
	var m models.Metric
	err := r.db.GetContext(ctx, &m, `SELECT `+metricColumns+` FROM metrics WHERE post_id = $1`, postID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get metric: %w", err)
	}
	return &m, nil
}

func (r *metricRepository) ListCreatedSince(ctx context.Context, since time.Time) ([]*models.Metric, error) {
	var metrics []*models.Metric
	err := r.db.SelectContext(ctx, &metrics,
		`SELECT `+metricColumns+` FROM metrics WHERE created_at >= $1 ORDER BY created_at`, since)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	return metrics, nil
}

func (r *metricRepository) Update(ctx context.Context, m *models.Metric) error {
	query := `
		UPDATE metrics SET
			impressions = :impressions,
			reach = :reach,
			likes = :likes,
			comments = :comments,
			shares = :shares,
			saves = :saves,
			video_views = :video_views,
			collected_at = :collected_at,
			updated_at = :updated_at
		WHERE id = :id
	`
	result, err := r.db.NamedExecContext(ctx, query, m)
	if err != nil {
		return fmt.Errorf("update metric: %w", err)
	}
	return expectOneRow(result, ErrNotFound)
}
