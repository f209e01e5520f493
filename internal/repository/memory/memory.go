// Package memory is an in-process implementation of the repository
// contracts. It backs tests and STORE_DRIVER=memory development runs.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/maheshrc27/postpilot/internal/repository"
)

// NewStore returns a Store whose repositories share nothing but live in one
// process. Every read and write copies, so callers never alias stored rows.
func NewStore() *repository.Store {
	return &repository.Store{
		Accounts: &accountRepository{rows: map[string]*models.Account{}},
		Tokens:   &tokenRepository{rows: map[string]*models.Token{}},
		Posts:    &postRepository{rows: map[string]*models.ScheduledPost{}},
		Metrics:  &metricRepository{rows: map[string]*models.Metric{}},
		Audit:    &auditRepository{},
	}
}

type accountRepository struct {
	mu   sync.RWMutex
	rows map[string]*models.Account
}

func (r *accountRepository) Create(_ context.Context, acc *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[acc.ID]; ok {
		return repository.ErrConflict
	}
	r.rows[acc.ID] = acc.Clone()
	return nil
}

func (r *accountRepository) GetByID(_ context.Context, id string) (*models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acc, ok := r.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return acc.Clone(), nil
}

func (r *accountRepository) list(keep func(*models.Account) bool) []*models.Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Account
	for _, acc := range r.rows {
		if keep(acc) {
			out = append(out, acc.Clone())
		}
	}
	return out
}

func (r *accountRepository) ListByUserID(_ context.Context, userID string) ([]*models.Account, error) {
	out := r.list(func(a *models.Account) bool { return a.UserID == userID })
	slices.SortFunc(out, func(a, b *models.Account) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (r *accountRepository) ListRequiringReauth(_ context.Context) ([]*models.Account, error) {
	out := r.list(func(a *models.Account) bool { return a.IsActive && a.RequiresReauth })
	slices.SortFunc(out, func(a, b *models.Account) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	return out, nil
}

func (r *accountRepository) ListExpiring(_ context.Context, before time.Time) ([]*models.Account, error) {
	out := r.list(func(a *models.Account) bool {
		return a.IsActive && a.IsTokenValid && a.TokenExpiresAt.Before(before)
	})
	slices.SortFunc(out, func(a, b *models.Account) int { return a.TokenExpiresAt.Compare(b.TokenExpiresAt) })
	return out, nil
}

func (r *accountRepository) Update(_ context.Context, acc *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.rows[acc.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Version != acc.Version {
		return repository.ErrConflict
	}
	acc.Version++
	r.rows[acc.ID] = acc.Clone()
	return nil
}

type tokenRepository struct {
	mu   sync.Mutex
	rows map[string]*models.Token
}

func (r *tokenRepository) Insert(_ context.Context, tok *models.Token, supersedeReason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[tok.ID]; ok {
		return repository.ErrConflict
	}
	if tok.PreviousTokenID != "" {
		prev, ok := r.rows[tok.PreviousTokenID]
		if !ok {
			return repository.ErrNotFound
		}
		if !prev.IsValid {
			return repository.ErrConflict
		}
	}
	for _, other := range r.rows {
		if other.AccountID == tok.AccountID && other.Type == tok.Type && other.IsValid {
			other.Revoke(supersedeReason, tok.CreatedAt)
		}
	}
	r.rows[tok.ID] = tok.Clone()
	return nil
}

func (r *tokenRepository) GetByID(_ context.Context, id string) (*models.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return tok.Clone(), nil
}

func (r *tokenRepository) Revoke(_ context.Context, id, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	if tok.IsValid {
		tok.Revoke(reason, at)
	}
	return nil
}

func (r *tokenRepository) TouchUsage(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tok, ok := r.rows[id]; ok {
		tok.UsageCount++
		tok.LastUsedAt = &at
	}
	return nil
}

type postRepository struct {
	mu   sync.Mutex
	rows map[string]*models.ScheduledPost
}

func (r *postRepository) Create(_ context.Context, post *models.ScheduledPost) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[post.ID]; ok {
		return repository.ErrConflict
	}
	r.rows[post.ID] = post.Clone()
	return nil
}

func (r *postRepository) GetByID(_ context.Context, id string) (*models.ScheduledPost, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	post, ok := r.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return post.Clone(), nil
}

func (r *postRepository) List(_ context.Context, f repository.PostFilter) ([]*models.ScheduledPost, error) {
	r.mu.Lock()
	var out []*models.ScheduledPost
	for _, p := range r.rows {
		if matches(p, f) {
			out = append(out, p.Clone())
		}
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b *models.ScheduledPost) int {
		return cmp.Or(a.ScheduledFor.Compare(b.ScheduledFor), a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(p *models.ScheduledPost, f repository.PostFilter) bool {
	switch {
	case len(f.Statuses) > 0 && !slices.Contains(f.Statuses, p.Status):
		return false
	case f.UserID != "" && p.UserID != f.UserID:
		return false
	case f.AccountID != "" && p.AccountID != f.AccountID:
		return false
	case f.ScheduledFrom != nil && p.ScheduledFor.Before(*f.ScheduledFrom):
		return false
	case f.ScheduledTo != nil && p.ScheduledFor.After(*f.ScheduledTo):
		return false
	case f.LastAttemptBefore != nil && (p.LastAttemptAt == nil || !p.LastAttemptAt.Before(*f.LastAttemptBefore)):
		return false
	}
	return true
}

func (r *postRepository) Claim(_ context.Context, id string, at time.Time) (*models.ScheduledPost, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	post, ok := r.rows[id]
	if !ok || !slices.Contains(models.ClaimableStatuses, post.Status) {
		return nil, repository.ErrConflict
	}
	claimed := post.Clone()
	if err := claimed.BeginPublishing(at); err != nil {
		return nil, repository.ErrConflict
	}
	r.rows[id] = claimed
	return claimed.Clone(), nil
}

func (r *postRepository) UpdateIf(_ context.Context, post *models.ScheduledPost, expected models.PostStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.rows[post.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if cur.Status != expected {
		return repository.ErrConflict
	}
	r.rows[post.ID] = post.Clone()
	return nil
}

func (r *postRepository) SetPlatformRef(_ context.Context, id, platformPostID, platformPostURL string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	next := cur.Clone()
	next.PlatformPostID = platformPostID
	next.PlatformPostURL = platformPostURL
	next.UpdatedAt = at
	r.rows[id] = next
	return nil
}

type metricRepository struct {
	mu   sync.Mutex
	rows map[string]*models.Metric
}

func (r *metricRepository) Create(_ context.Context, m *models.Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[m.PostID]; ok {
		return nil
	}
	c := *m
	r.rows[m.PostID] = &c
	return nil
}

func (r *metricRepository) GetByPostID(_ context.Context, postID string) (*models.Metric, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[postID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *m
	return &c, nil
}

func (r *metricRepository) ListCreatedSince(_ context.Context, since time.Time) ([]*models.Metric, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Metric
	for _, m := range r.rows {
		if !m.CreatedAt.Before(since) {
			c := *m
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *models.Metric) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (r *metricRepository) Update(_ context.Context, m *models.Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[m.PostID]; !ok {
		return repository.ErrNotFound
	}
	c := *m
	r.rows[m.PostID] = &c
	return nil
}

type auditRepository struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (r *auditRepository) Append(_ context.Context, e *models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *e)
	return nil
}

// List returns the newest entries first.
func (r *auditRepository) List(_ context.Context, limit int) ([]*models.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*models.AuditEntry
	for i := len(r.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := r.entries[i]
		out = append(out, &e)
	}
	return out, nil
}
