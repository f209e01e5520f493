package repository

import (
	"context"
	"time"

	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/models"
)

var (
	ErrNotFound = apperr.New(apperr.NotFound, "repository", "record not found")
	// ErrConflict means a conditional update lost: the row was no longer in
	// the expected state.
	ErrConflict = apperr.New(apperr.Conflict, "repository", "record changed concurrently")
)

type AccountRepository interface {
	Create(ctx context.Context, acc *models.Account) error
	GetByID(ctx context.Context, id string) (*models.Account, error)
	ListByUserID(ctx context.Context, userID string) ([]*models.Account, error)
	ListRequiringReauth(ctx context.Context) ([]*models.Account, error)
	// ListExpiring returns active accounts with a valid token that expires
	// before the given time.
	ListExpiring(ctx context.Context, before time.Time) ([]*models.Account, error)
	// Update saves acc only if the stored version still equals acc.Version,
	// otherwise ErrConflict. On success acc.Version is advanced.
	Update(ctx context.Context, acc *models.Account) error
}

type TokenRepository interface {
	// Insert stores tok and, in the same atomic step, revokes every other
	// valid token of the same account and type. When tok.PreviousTokenID is
	// set the predecessor must still be valid, otherwise ErrConflict.
	Insert(ctx context.Context, tok *models.Token, supersedeReason string) error
	GetByID(ctx context.Context, id string) (*models.Token, error)
	Revoke(ctx context.Context, id, reason string, at time.Time) error
	TouchUsage(ctx context.Context, id string, at time.Time) error
}

// PostFilter selects posts. Zero fields do not filter. Results are ordered by
// scheduled_for ascending.
type PostFilter struct {
	Statuses          []models.PostStatus
	UserID            string
	AccountID         string
	ScheduledFrom     *time.Time
	ScheduledTo       *time.Time
	LastAttemptBefore *time.Time
	Limit             int
}

type PostRepository interface {
	Create(ctx context.Context, post *models.ScheduledPost) error
	GetByID(ctx context.Context, id string) (*models.ScheduledPost, error)
	List(ctx context.Context, f PostFilter) ([]*models.ScheduledPost, error)
	// Claim atomically moves a post from approved/scheduled to publishing,
	// increments attempt_count and stamps last_attempt_at. Exactly one of any
	// number of concurrent callers gets the post; the rest get ErrConflict.
	Claim(ctx context.Context, id string, at time.Time) (*models.ScheduledPost, error)
	// UpdateIf saves post only if the stored status still equals expected.
	UpdateIf(ctx context.Context, post *models.ScheduledPost, expected models.PostStatus) error
	// SetPlatformRef stores the platform post id and url without touching the
	// status.
	SetPlatformRef(ctx context.Context, id, platformPostID, platformPostURL string, at time.Time) error
}

type MetricRepository interface {
	Create(ctx context.Context, m *models.Metric) error
	GetByPostID(ctx context.Context, postID string) (*models.Metric, error)
	ListCreatedSince(ctx context.Context, since time.Time) ([]*models.Metric, error)
	Update(ctx context.Context, m *models.Metric) error
}

type AuditRepository interface {
	Append(ctx context.Context, e *models.AuditEntry) error
	List(ctx context.Context, limit int) ([]*models.AuditEntry, error)
}

// Store groups the repositories the orchestrator needs.
type Store struct {
	Accounts AccountRepository
	Tokens   TokenRepository
	Posts    PostRepository
	Metrics  MetricRepository
	Audit    AuditRepository
}
