package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/maheshrc27/postpilot/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newPost(id string, status models.PostStatus, at time.Time) *models.ScheduledPost {
	return &models.ScheduledPost{
		ID:           id,
		UserID:       "u1",
		AccountID:    "a1",
		Platform:     models.PlatformX,
		Content:      "hello",
		ScheduledFor: at,
		Status:       status,
		MaxAttempts:  3,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
}

func TestClaimExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.Posts.Create(ctx, newPost("p1", models.PostStatusScheduled, t0)))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Posts.Claim(ctx, "p1", t0); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, repository.ErrConflict)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	got, err := store.Posts.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPublishing, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestClaimRejectsPending(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.Posts.Create(ctx, newPost("p1", models.PostStatusPending, t0)))

	_, err := store.Posts.Claim(ctx, "p1", t0)
	assert.ErrorIs(t, err, repository.ErrConflict)
}

func TestUpdateIfCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.Posts.Create(ctx, newPost("p1", models.PostStatusScheduled, t0)))

	claimed, err := store.Posts.Claim(ctx, "p1", t0)
	require.NoError(t, err)

	stale := newPost("p1", models.PostStatusScheduled, t0)
	require.NoError(t, stale.Cancel("admin", "changed mind", t0))
	assert.ErrorIs(t, store.Posts.UpdateIf(ctx, stale, models.PostStatusScheduled), repository.ErrConflict)

	require.NoError(t, claimed.MarkPublished("x1", "https://x.com/i/status/x1", t0))
	require.NoError(t, store.Posts.UpdateIf(ctx, claimed, models.PostStatusPublishing))

	got, err := store.Posts.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPublished, got.Status)
}

func TestListFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.Posts.Create(ctx, newPost("late", models.PostStatusScheduled, t0.Add(-time.Minute))))
	require.NoError(t, store.Posts.Create(ctx, newPost("early", models.PostStatusApproved, t0.Add(-time.Hour))))
	require.NoError(t, store.Posts.Create(ctx, newPost("pending", models.PostStatusPending, t0.Add(-time.Hour))))
	require.NoError(t, store.Posts.Create(ctx, newPost("future", models.PostStatusScheduled, t0.Add(time.Hour))))
	require.NoError(t, store.Posts.Create(ctx, newPost("stale", models.PostStatusScheduled, t0.Add(-48*time.Hour))))

	from, to := t0.Add(-24*time.Hour), t0
	posts, err := store.Posts.List(ctx, repository.PostFilter{
		Statuses:      models.ClaimableStatuses,
		ScheduledFrom: &from,
		ScheduledTo:   &to,
	})
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "early", posts[0].ID)
	assert.Equal(t, "late", posts[1].ID)
}

func TestReturnedRowsAreCopies(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.Posts.Create(ctx, newPost("p1", models.PostStatusScheduled, t0)))

	got, err := store.Posts.GetByID(ctx, "p1")
	require.NoError(t, err)
	got.Status = models.PostStatusCancelled

	again, err := store.Posts.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusScheduled, again.Status)
}

func TestTokenInsertSupersedes(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	first := &models.Token{ID: "t1", AccountID: "a1", Type: models.TokenTypeAccess, IsValid: true, CreatedAt: t0}
	require.NoError(t, store.Tokens.Insert(ctx, first, "superseded"))

	second := &models.Token{ID: "t2", AccountID: "a1", Type: models.TokenTypeAccess, IsValid: true,
		PreviousTokenID: "t1", CreatedAt: t0.Add(time.Minute)}
	require.NoError(t, store.Tokens.Insert(ctx, second, "rotated"))

	old, err := store.Tokens.GetByID(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, old.IsValid)
	assert.Equal(t, "rotated", old.RevokedReason)

	// A second rotation from the same predecessor loses.
	third := &models.Token{ID: "t3", AccountID: "a1", Type: models.TokenTypeAccess, IsValid: true,
		PreviousTokenID: "t1", CreatedAt: t0.Add(2 * time.Minute)}
	assert.ErrorIs(t, store.Tokens.Insert(ctx, third, "rotated"), repository.ErrConflict)

	cur, err := store.Tokens.GetByID(ctx, "t2")
	require.NoError(t, err)
	assert.True(t, cur.IsValid)
}

func TestAccountsExpiring(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	mk := func(id string, exp time.Time, valid bool) *models.Account {
		return &models.Account{ID: id, UserID: "u1", IsActive: true, IsTokenValid: valid, TokenExpiresAt: exp}
	}
	require.NoError(t, store.Accounts.Create(ctx, mk("soon", t0.Add(time.Hour), true)))
	require.NoError(t, store.Accounts.Create(ctx, mk("later", t0.Add(30*24*time.Hour), true)))
	require.NoError(t, store.Accounts.Create(ctx, mk("broken", t0.Add(time.Hour), false)))

	got, err := store.Accounts.ListExpiring(ctx, t0.Add(7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "soon", got[0].ID)
}

func TestAuditNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	for _, action := range []string{"a", "b", "c"} {
		require.NoError(t, store.Audit.Append(ctx, &models.AuditEntry{Action: action}))
	}
	entries, err := store.Audit.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].Action)
	assert.Equal(t, "b", entries[1].Action)
}

func TestAccountUpdateCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.Accounts.Create(ctx, &models.Account{ID: "a1", UserID: "u1", IsActive: true}))

	first, err := store.Accounts.GetByID(ctx, "a1")
	require.NoError(t, err)
	second, err := store.Accounts.GetByID(ctx, "a1")
	require.NoError(t, err)

	first.RequiresReauth = true
	require.NoError(t, store.Accounts.Update(ctx, first))
	assert.Equal(t, int64(1), first.Version)

	now := t0
	second.LastPostAt = &now
	assert.ErrorIs(t, store.Accounts.Update(ctx, second), repository.ErrConflict)

	got, err := store.Accounts.GetByID(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, got.RequiresReauth)
	assert.Nil(t, got.LastPostAt)

	assert.ErrorIs(t, store.Accounts.Update(ctx, &models.Account{ID: "missing"}), repository.ErrNotFound)
}
