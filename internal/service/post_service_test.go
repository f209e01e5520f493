package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/maheshrc27/postpilot/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCreatePost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.connect(t, models.PlatformX, "42")

	at := f.clock.Now().Add(time.Hour)
	post, err := f.posts.Create(ctx, CreatePost{AccountID: acc.ID, Content: "hello", ScheduledFor: at})
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusScheduled, post.Status)
	assert.Equal(t, "user-1", post.UserID)
	assert.Equal(t, models.PlatformX, post.Platform)
	assert.Equal(t, 3, post.MaxAttempts)
	assert.NotEmpty(t, post.IdempotencyKey)
	assert.Equal(t, at, post.ScheduledFor)

	needsApproval := true
	pending, err := f.posts.Create(ctx, CreatePost{AccountID: acc.ID, Content: "check me", RequiresApproval: &needsApproval})
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPending, pending.Status)
	assert.Equal(t, f.clock.Now(), pending.ScheduledFor)
}

func TestCreatePostValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	x := f.connect(t, models.PlatformX, "42")
	ig := f.connect(t, models.PlatformInstagram, "ig")

	_, err := f.posts.Create(ctx, CreatePost{AccountID: "nope", Content: "hi"})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	_, err = f.posts.Create(ctx, CreatePost{AccountID: x.ID, Content: strings.Repeat("a", 281)})
	assert.Equal(t, apperr.ContentRejected, apperr.KindOf(err))

	_, err = f.posts.Create(ctx, CreatePost{AccountID: ig.ID, Content: "no picture"})
	assert.Equal(t, apperr.ContentRejected, apperr.KindOf(err))

	_, err = f.posts.Create(ctx, CreatePost{AccountID: x.ID})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	_, err = f.posts.Create(ctx, CreatePost{UserID: "someone-else", AccountID: x.ID, Content: "hi"})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	require.NoError(t, f.accounts.Disconnect(ctx, x.ID, "admin"))
	_, err = f.posts.Create(ctx, CreatePost{AccountID: x.ID, Content: "hi"})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestGenerateForcesApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.connect(t, models.PlatformX, "42")

	gen := &fakeGenerator{text: strings.Repeat("word ", 100)}
	posts := NewPostService(f.store.Posts, f.store.Accounts, gen, f.audit, zap.NewNop(), f.clock.Now, false, 3)

	post, err := posts.Generate(ctx, GeneratePost{
		AccountID:       acc.ID,
		GenerateRequest: GenerateRequest{Theme: "spring sale", City: "Lisbon"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPending, post.Status)
	assert.True(t, post.RequiresApproval)
	assert.LessOrEqual(t, len([]rune(post.Content)), models.PlatformX.MaxTextLength())
	require.NotNil(t, post.Generation)
	assert.Equal(t, "spring sale", post.Generation.Theme)
	assert.Equal(t, "fake-model", post.Generation.Model)
	assert.Equal(t, models.PlatformX, gen.got.Platform)

	gen.err = apperr.New(apperr.TransientNetwork, "generator", "upstream down")
	_, err = posts.Generate(ctx, GeneratePost{AccountID: acc.ID})
	assert.Equal(t, apperr.TransientNetwork, apperr.KindOf(err))

	noGen := NewPostService(f.store.Posts, f.store.Accounts, nil, f.audit, zap.NewNop(), f.clock.Now, false, 3)
	_, err = noGen.Generate(ctx, GeneratePost{AccountID: acc.ID})
	assert.Equal(t, apperr.Configuration, apperr.KindOf(err))
}

func TestApproveAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.connect(t, models.PlatformLinkedIn, "li")
	yes := true

	post, err := f.posts.Create(ctx, CreatePost{AccountID: acc.ID, Content: "draft", RequiresApproval: &yes})
	require.NoError(t, err)

	approved, err := f.posts.Approve(ctx, post.ID, "editor")
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusApproved, approved.Status)
	require.NotNil(t, approved.Approval)
	assert.Equal(t, "editor", approved.Approval.Actor)

	_, err = f.posts.Approve(ctx, post.ID, "editor")
	assert.Equal(t, apperr.InvalidTransition, apperr.KindOf(err))

	cancelled, err := f.posts.Cancel(ctx, post.ID, "editor", "campaign pulled")
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusCancelled, cancelled.Status)

	_, err = f.posts.Cancel(ctx, post.ID, "editor", "again")
	assert.Equal(t, apperr.InvalidTransition, apperr.KindOf(err))

	_, err = f.posts.Approve(ctx, "missing", "editor")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	actions := f.auditActions(t)
	assert.Contains(t, actions, "post.approve")
	assert.Contains(t, actions, "post.cancel")
}

func TestScheduleApprovedPost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.connect(t, models.PlatformX, "x1")
	yes := true

	post, err := f.posts.Create(ctx, CreatePost{AccountID: acc.ID, Content: "for tomorrow", RequiresApproval: &yes})
	require.NoError(t, err)

	_, err = f.posts.Schedule(ctx, post.ID, "editor", time.Time{})
	assert.Equal(t, apperr.InvalidTransition, apperr.KindOf(err))

	_, err = f.posts.Approve(ctx, post.ID, "editor")
	require.NoError(t, err)

	at := f.clock.Now().Add(24 * time.Hour)
	scheduled, err := f.posts.Schedule(ctx, post.ID, "editor", at)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusScheduled, scheduled.Status)
	assert.True(t, scheduled.ScheduledFor.Equal(at))

	due, err := f.posts.Due(ctx, f.clock.Now(), time.Hour)
	require.NoError(t, err)
	assert.Empty(t, due)

	_, err = f.posts.Schedule(ctx, post.ID, "editor", at)
	assert.Equal(t, apperr.InvalidTransition, apperr.KindOf(err))
	assert.Contains(t, f.auditActions(t), "post.schedule")
}

func TestDueWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.connect(t, models.PlatformX, "42")
	now := f.clock.Now()
	yes := true

	mk := func(at time.Time, approval bool) *models.ScheduledPost {
		p, err := f.posts.Create(ctx, CreatePost{AccountID: acc.ID, Content: "x", ScheduledFor: at, RequiresApproval: &approval})
		require.NoError(t, err)
		return p
	}
	old := mk(now.Add(-3*time.Hour), false)
	recent := mk(now.Add(-10*time.Minute), false)
	mk(now.Add(time.Minute), false)
	mk(now.Add(-5*time.Minute), yes)

	due, err := f.posts.Due(ctx, now, time.Hour)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, recent.ID, due[0].ID)

	due, err = f.posts.Due(ctx, now, 4*time.Hour)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, old.ID, due[0].ID, "oldest first")
}

func TestClaimIsExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.connect(t, models.PlatformX, "42")
	post, err := f.posts.Create(ctx, CreatePost{AccountID: acc.ID, Content: "once"})
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.posts.Claim(ctx, post.ID)
			if err == nil {
				mu.Lock()
				claims++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, repository.ErrConflict))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claims)

	got, err := f.posts.Get(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPublishing, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestPublishOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.connect(t, models.PlatformX, "42")

	post, err := f.posts.Create(ctx, CreatePost{AccountID: acc.ID, Content: "ok"})
	require.NoError(t, err)
	claimed, err := f.posts.Claim(ctx, post.ID)
	require.NoError(t, err)
	require.NoError(t, f.posts.MarkPublished(ctx, claimed, "1890", "https://x.com/i/status/1890"))
	assert.Equal(t, models.PostStatusPublished, claimed.Status)

	// A worker holding a stale copy cannot overwrite the published row.
	stale := claimed.Clone()
	stale.Status = models.PostStatusPublishing
	err = f.posts.MarkFailed(ctx, stale, apperr.TransientNetwork, "late")
	assert.Error(t, err)
	assert.Equal(t, models.PostStatusPublishing, stale.Status, "caller's copy unchanged on a lost swap")

	failing, err := f.posts.Create(ctx, CreatePost{AccountID: acc.ID, Content: "boom"})
	require.NoError(t, err)
	failing, err = f.posts.Claim(ctx, failing.ID)
	require.NoError(t, err)
	require.NoError(t, f.posts.MarkFailed(ctx, failing, apperr.TransientNetwork, "503"))
	assert.True(t, failing.CanRetry())

	f.clock.Advance(time.Hour)
	require.NoError(t, f.posts.ResetForRetry(ctx, failing))
	assert.Equal(t, models.PostStatusScheduled, failing.Status)
	assert.Equal(t, f.clock.Now(), failing.ScheduledFor)
}

func TestRetryBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.connect(t, models.PlatformX, "42")
	post, err := f.posts.Create(ctx, CreatePost{AccountID: acc.ID, Content: "flaky"})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := f.posts.Claim(ctx, post.ID)
		require.NoError(t, err, "attempt %d", attempt)
		require.NoError(t, f.posts.MarkFailed(ctx, claimed, apperr.TransientNetwork, "timeout"))
		if attempt < 3 {
			require.NoError(t, f.posts.ResetForRetry(ctx, claimed))
		} else {
			assert.False(t, claimed.CanRetry())
			assert.Equal(t, apperr.InvalidTransition, apperr.KindOf(f.posts.ResetForRetry(ctx, claimed)))
		}
	}
}

func TestDeferKeepsAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.connect(t, models.PlatformX, "42")
	post, err := f.posts.Create(ctx, CreatePost{AccountID: acc.ID, Content: "later"})
	require.NoError(t, err)

	until := f.clock.Now().Add(15 * time.Minute)
	require.NoError(t, f.posts.Defer(ctx, post, until))
	got, err := f.posts.Get(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, until, got.ScheduledFor)
	assert.Equal(t, models.PostStatusScheduled, got.Status)
	assert.Zero(t, got.AttemptCount)
}
