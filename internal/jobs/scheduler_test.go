package job

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	config "github.com/maheshrc27/postpilot/configs"
	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/maheshrc27/postpilot/internal/publisher"
	"github.com/maheshrc27/postpilot/internal/ratelimit"
	"github.com/maheshrc27/postpilot/internal/repository"
	"github.com/maheshrc27/postpilot/internal/repository/memory"
	"github.com/maheshrc27/postpilot/internal/service"
	"github.com/maheshrc27/postpilot/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock    *testClock
	store    *repository.Store
	vault    service.VaultService
	audit    service.AuditService
	accounts service.AccountService
	posts    service.PostService
	cfg      config.Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	cipher, err := utils.NewCipher(key)
	require.NoError(t, err)

	f := &fixture{
		clock: &testClock{t: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)},
		store: memory.NewStore(),
		cfg: config.Scheduler{
			AutomationEnabled: true,
			PostingInterval:   15 * time.Minute,
			RefreshInterval:   6 * time.Hour,
			RetryInterval:     time.Hour,
			MetricsInterval:   6 * time.Hour,
			Lookback:          24 * time.Hour,
			SafetyWindow:      10 * time.Minute,
			RefreshAhead:      7 * 24 * time.Hour,
			RetryCooldown:     30 * time.Minute,
			MaxRetryBackoff:   6 * time.Hour,
			StaleClaimAfter:   time.Hour,
			MetricsWindow:     7 * 24 * time.Hour,
			RateLimitDelay:    15 * time.Minute,
			Concurrency:       4,
			CallTimeout:       5 * time.Second,
			MaxAttempts:       3,
			DefaultRateLimit:  10,
			RateLimits:        map[models.Platform]int{},
		},
	}
	log := zap.NewNop()
	f.audit = service.NewAuditService(f.store.Audit, log, f.clock.Now)
	f.vault = service.NewVaultService(f.store.Tokens, cipher, log, f.clock.Now)
	f.accounts = service.NewAccountService(f.store.Accounts, f.vault, f.audit, log, f.clock.Now)
	f.posts = service.NewPostService(f.store.Posts, f.store.Accounts, nil, f.audit, log, f.clock.Now, false, f.cfg.MaxAttempts)
	t.Cleanup(f.vault.Flush)
	return f
}

func (f *fixture) scheduler(pubs ...publisher.Publisher) *Scheduler {
	return NewScheduler(Deps{
		Posts:      f.posts,
		Accounts:   f.accounts,
		Vault:      f.vault,
		Audit:      f.audit,
		Metrics:    f.store.Metrics,
		Publishers: publisher.NewRegistry(pubs...),
		Now:        f.clock.Now,
	}, f.cfg)
}

func (f *fixture) connect(t *testing.T, p models.Platform, externalID string, validFor time.Duration) *models.Account {
	t.Helper()
	acc, err := f.accounts.Connect(context.Background(), "user-1", p,
		service.Profile{ExternalID: externalID, Username: "brand_" + externalID},
		&oauth2.Token{
			AccessToken:  "access-" + externalID,
			RefreshToken: "refresh-" + externalID,
			Expiry:       f.clock.Now().Add(validFor),
		})
	require.NoError(t, err)
	return acc
}

func (f *fixture) post(t *testing.T, acc *models.Account, content string) *models.ScheduledPost {
	t.Helper()
	post, err := f.posts.Create(context.Background(), service.CreatePost{
		AccountID:    acc.ID,
		Content:      content,
		ScheduledFor: f.clock.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, models.PostStatusScheduled, post.Status)
	return post
}

func (f *fixture) reload(t *testing.T, id string) *models.ScheduledPost {
	t.Helper()
	post, err := f.posts.Get(context.Background(), id)
	require.NoError(t, err)
	return post
}

func (f *fixture) account(t *testing.T, id string) *models.Account {
	t.Helper()
	acc, err := f.accounts.Get(context.Background(), id)
	require.NoError(t, err)
	return acc
}

func (f *fixture) auditActions(t *testing.T) []string {
	t.Helper()
	entries, err := f.audit.List(context.Background(), 0)
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

type fakePublisher struct {
	platform models.Platform

	mu     sync.Mutex
	calls  int
	tokens []string
	keys   map[string]int
	err    error

	// When set, Publish signals entered and waits for release.
	entered chan struct{}
	release chan struct{}
}

func newFakePublisher(p models.Platform) *fakePublisher {
	return &fakePublisher{platform: p, keys: make(map[string]int)}
}

func (p *fakePublisher) Platform() models.Platform { return p.platform }

func (p *fakePublisher) Publish(_ context.Context, req publisher.PublishRequest) (*publisher.Result, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.tokens = append(p.tokens, req.AccessToken)
	p.keys[req.IdempotencyKey]++
	err := p.err
	p.mu.Unlock()

	if p.entered != nil {
		p.entered <- struct{}{}
		<-p.release
	}
	if err != nil {
		return nil, err
	}
	id := fmt.Sprintf("%s-%d", p.platform, n)
	return &publisher.Result{PlatformPostID: id, PlatformPostURL: "https://social.test/" + id}, nil
}

func (p *fakePublisher) FetchMetrics(_ context.Context, _ *models.Account, id, _ string) (*publisher.Metrics, error) {
	return &publisher.Metrics{Likes: 7, Comments: 2, Impressions: 120}, nil
}

func (p *fakePublisher) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *fakePublisher) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakePublisher) Tokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tokens...)
}

type refreshingPublisher struct {
	*fakePublisher
	clock *testClock

	refreshMu  sync.Mutex
	refreshes  int
	refreshErr error
	creds      []publisher.Credentials
}

func newRefreshingPublisher(p models.Platform, clock *testClock) *refreshingPublisher {
	return &refreshingPublisher{fakePublisher: newFakePublisher(p), clock: clock}
}

func (p *refreshingPublisher) RefreshToken(_ context.Context, creds publisher.Credentials) (*oauth2.Token, error) {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()
	p.refreshes++
	p.creds = append(p.creds, creds)
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	return &oauth2.Token{
		AccessToken:  fmt.Sprintf("fresh-%d", p.refreshes),
		RefreshToken: fmt.Sprintf("rotated-%d", p.refreshes),
		Expiry:       p.clock.Now().Add(60 * 24 * time.Hour),
	}, nil
}

func (p *refreshingPublisher) Refreshes() int {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()
	return p.refreshes
}

func TestPostingTickPublishesDuePost(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t, models.PlatformX, "1001", 2*time.Hour)
	post := f.post(t, acc, "launch day")
	pub := newFakePublisher(models.PlatformX)
	s := f.scheduler(pub)

	r, err := s.Tick(context.Background(), TickPosting)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Examined)
	assert.Equal(t, 1, r.Succeeded)

	got := f.reload(t, post.ID)
	assert.Equal(t, models.PostStatusPublished, got.Status)
	assert.Equal(t, "x-1", got.PlatformPostID)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, []string{"access-1001"}, pub.Tokens())

	updated := f.account(t, acc.ID)
	require.NotNil(t, updated.LastPostAt)
	assert.True(t, updated.LastPostAt.Equal(f.clock.Now()))

	m, err := f.store.Metrics.GetByPostID(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, "x-1", m.PlatformPostID)
	assert.Nil(t, m.CollectedAt)

	assert.Contains(t, f.auditActions(t), "post.publish")
}

func TestRevokedTokenFailsPostAndFlagsAccount(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t, models.PlatformX, "1001", 2*time.Hour)
	approval := true
	post, err := f.posts.Create(context.Background(), service.CreatePost{
		AccountID: acc.ID, Content: "needs a sign-off", ScheduledFor: f.clock.Now(), RequiresApproval: &approval,
	})
	require.NoError(t, err)
	_, err = f.posts.Approve(context.Background(), post.ID, "editor")
	require.NoError(t, err)
	require.NoError(t, f.vault.RevokeToken(context.Background(), acc.AccessTokenID, "revoked on platform"))

	pub := newFakePublisher(models.PlatformX)
	r, err := f.scheduler(pub).Tick(context.Background(), TickPosting)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Failed)
	assert.Zero(t, pub.Calls())

	got := f.reload(t, post.ID)
	assert.Equal(t, models.PostStatusFailed, got.Status)
	assert.Equal(t, apperr.Authentication.String(), got.LastErrorKind)
	assert.False(t, got.CanRetry())

	flagged := f.account(t, acc.ID)
	assert.True(t, flagged.RequiresReauth)
	assert.False(t, flagged.IsTokenValid)
}

func TestEmergencyStopLeavesPostsUntouched(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t, models.PlatformX, "1001", 2*time.Hour)
	var before []*models.ScheduledPost
	for i := range 3 {
		before = append(before, f.post(t, acc, fmt.Sprintf("post %d", i)))
	}
	pub := newFakePublisher(models.PlatformX)
	s := f.scheduler(pub)
	s.ActivateEmergencyStop(context.Background(), "ops", "bad copy went out")
	f.clock.Advance(time.Minute)

	r, err := s.Tick(context.Background(), TickPosting)
	require.NoError(t, err)
	assert.Equal(t, "emergency stop active", r.Skipped)
	assert.Zero(t, pub.Calls())
	for _, p := range before {
		assert.Equal(t, p, f.reload(t, p.ID))
	}

	st := s.Status()
	assert.True(t, st.EmergencyStop)
	assert.Equal(t, "bad copy went out", st.StopReason)
	assert.Equal(t, "ops", st.StoppedBy)

	s.DeactivateEmergencyStop(context.Background(), "ops")
	r, err = s.Tick(context.Background(), TickPosting)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Succeeded)
	assert.Contains(t, f.auditActions(t), "scheduler.emergency_stop")
	assert.Contains(t, f.auditActions(t), "scheduler.resume")
}

func TestCancelDuringPublishIsRejected(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t, models.PlatformX, "1001", 2*time.Hour)
	post := f.post(t, acc, "racing a cancel")
	pub := newFakePublisher(models.PlatformX)
	pub.entered = make(chan struct{})
	pub.release = make(chan struct{})
	s := f.scheduler(pub)

	done := make(chan *Report)
	go func() {
		r, _ := s.Tick(context.Background(), TickPosting)
		done <- r
	}()
	<-pub.entered

	_, err := f.posts.Cancel(context.Background(), post.ID, "editor", "changed my mind")
	assert.True(t, apperr.Is(err, apperr.InvalidTransition), "got %v", err)

	close(pub.release)
	r := <-done
	assert.Equal(t, 1, r.Succeeded)
	assert.Equal(t, models.PostStatusPublished, f.reload(t, post.ID).Status)
}

func TestConcurrentSchedulersPublishEachPostOnce(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t, models.PlatformX, "1001", 2*time.Hour)
	var ids []string
	for i := range 6 {
		ids = append(ids, f.post(t, acc, fmt.Sprintf("post %d", i)).ID)
	}
	pub := newFakePublisher(models.PlatformX)
	a, b := f.scheduler(pub), f.scheduler(pub)

	var wg sync.WaitGroup
	for _, s := range []*Scheduler{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Tick(context.Background(), TickPosting)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, len(ids), pub.Calls())
	for key, n := range pub.keys {
		assert.Equal(t, 1, n, "idempotency key %s", key)
	}
	for _, id := range ids {
		got := f.reload(t, id)
		assert.Equal(t, models.PostStatusPublished, got.Status)
		assert.Equal(t, 1, got.AttemptCount)
	}
}

func TestRateLimitDefersOverflow(t *testing.T) {
	f := newFixture(t)
	f.cfg.RateLimits[models.PlatformX] = 2
	acc := f.connect(t, models.PlatformX, "1001", 2*time.Hour)
	var posts []*models.ScheduledPost
	for _, content := range []string{"one", "two", "three"} {
		posts = append(posts, f.post(t, acc, content))
		f.clock.Advance(time.Second)
	}
	pub := newFakePublisher(models.PlatformX)

	r, err := f.scheduler(pub).Tick(context.Background(), TickPosting)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Succeeded)
	assert.Equal(t, 1, r.Deferred)
	assert.Zero(t, r.Failed)

	deferred := f.reload(t, posts[2].ID)
	assert.Equal(t, models.PostStatusScheduled, deferred.Status)
	assert.Zero(t, deferred.AttemptCount)
	assert.True(t, deferred.ScheduledFor.Equal(f.clock.Now().Add(15*time.Minute)))
	assert.Contains(t, f.auditActions(t), "post.defer")

	// Both sends happened at the tick, so the window frees up one hour later.
	entries, err := f.audit.List(context.Background(), 0)
	require.NoError(t, err)
	nextSlot := f.clock.Now().Add(ratelimit.Window).Format(time.RFC3339)
	var detail string
	for _, e := range entries {
		if e.Action == "post.defer" {
			detail = e.Description
		}
	}
	assert.Contains(t, detail, "next slot at "+nextSlot)
}

func TestTransientFailuresStopAtMaxAttempts(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t, models.PlatformX, "1001", 30*24*time.Hour)
	post := f.post(t, acc, "flaky network")
	pub := newFakePublisher(models.PlatformX)
	pub.setErr(apperr.New(apperr.TransientNetwork, "x.publish", "503: upstream unavailable"))
	s := f.scheduler(pub)
	ctx := context.Background()

	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		_, err := s.Tick(ctx, TickPosting)
		require.NoError(t, err)
		got := f.reload(t, post.ID)
		require.Equal(t, models.PostStatusFailed, got.Status)
		require.Equal(t, attempt, got.AttemptCount)

		f.clock.Advance(7 * time.Hour)
		r, err := s.Tick(ctx, TickRetry)
		require.NoError(t, err)
		if attempt < f.cfg.MaxAttempts {
			assert.Equal(t, 1, r.Succeeded)
			assert.Equal(t, models.PostStatusScheduled, f.reload(t, post.ID).Status)
		} else {
			assert.Zero(t, r.Succeeded)
			assert.Equal(t, 1, r.Ignored)
		}
	}

	got := f.reload(t, post.ID)
	assert.Equal(t, models.PostStatusFailed, got.Status)
	assert.Equal(t, f.cfg.MaxAttempts, pub.Calls())
}

func TestRetryWaitsForCooldown(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t, models.PlatformX, "1001", 30*24*time.Hour)
	post := f.post(t, acc, "flaky network")
	pub := newFakePublisher(models.PlatformX)
	pub.setErr(apperr.New(apperr.TransientNetwork, "x.publish", "timeout"))
	s := f.scheduler(pub)

	_, err := s.Tick(context.Background(), TickPosting)
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	r, err := s.Tick(context.Background(), TickRetry)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Deferred)
	assert.Equal(t, models.PostStatusFailed, f.reload(t, post.ID).Status)

	f.clock.Advance(25 * time.Minute)
	r, err = s.Tick(context.Background(), TickRetry)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Succeeded)
	assert.Equal(t, models.PostStatusScheduled, f.reload(t, post.ID).Status)
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler()
	assert.Equal(t, 30*time.Minute, s.backoff(1))
	assert.Equal(t, time.Hour, s.backoff(2))
	assert.Equal(t, 2*time.Hour, s.backoff(3))
	assert.Equal(t, 6*time.Hour, s.backoff(5))
	assert.Equal(t, 6*time.Hour, s.backoff(60))
}

func TestRejectedContentIsNotRetried(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t, models.PlatformX, "1001", 30*24*time.Hour)
	post := f.post(t, acc, "policy violation")
	pub := newFakePublisher(models.PlatformX)
	pub.setErr(apperr.New(apperr.ContentRejected, "x.publish", "403: duplicate content"))
	s := f.scheduler(pub)

	_, err := s.Tick(context.Background(), TickPosting)
	require.NoError(t, err)
	f.clock.Advance(24 * time.Hour)
	r, err := s.Tick(context.Background(), TickRetry)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Ignored)

	got := f.reload(t, post.ID)
	assert.Equal(t, models.PostStatusFailed, got.Status)
	assert.Equal(t, apperr.ContentRejected.String(), got.LastErrorKind)
	assert.False(t, f.account(t, acc.ID).RequiresReauth)
}

func TestPlatformAuthErrorFlagsAccount(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t, models.PlatformX, "1001", 30*24*time.Hour)
	f.post(t, acc, "token was revoked upstream")
	pub := newFakePublisher(models.PlatformX)
	pub.setErr(apperr.New(apperr.Authentication, "x.publish", "401: Unauthorized"))

	_, err := f.scheduler(pub).Tick(context.Background(), TickPosting)
	require.NoError(t, err)

	flagged := f.account(t, acc.ID)
	assert.True(t, flagged.RequiresReauth)
	reauth, err := f.accounts.ListRequiringReauth(context.Background())
	require.NoError(t, err)
	require.Len(t, reauth, 1)
	assert.Equal(t, acc.ID, reauth[0].ID)
}

func TestUnclassifiedPublishErrorIsTransient(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t, models.PlatformX, "1001", 30*24*time.Hour)
	post := f.post(t, acc, "mystery failure")
	pub := newFakePublisher(models.PlatformX)
	pub.setErr(fmt.Errorf("connection reset by peer"))

	_, err := f.scheduler(pub).Tick(context.Background(), TickPosting)
	require.NoError(t, err)

	got := f.reload(t, post.ID)
	assert.Equal(t, apperr.TransientNetwork.String(), got.LastErrorKind)
	assert.True(t, got.CanRetry())
}

func TestExpiringTokenIsRefreshedBeforePublish(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t, models.PlatformX, "1001", 5*time.Minute)
	post := f.post(t, acc, "fresh token please")
	pub := newRefreshingPublisher(models.PlatformX, f.clock)

	r, err := f.scheduler(pub).Tick(context.Background(), TickPosting)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Succeeded)

	assert.Equal(t, 1, pub.Refreshes())
	assert.Equal(t, "refresh-1001", pub.creds[0].RefreshToken)
	assert.Equal(t, "access-1001", pub.creds[0].AccessToken)
	assert.Equal(t, []string{"fresh-1"}, pub.Tokens())
	assert.Equal(t, models.PostStatusPublished, f.reload(t, post.ID).Status)

	updated := f.account(t, acc.ID)
	assert.NotEqual(t, acc.AccessTokenID, updated.AccessTokenID)
	assert.True(t, updated.TokenExpiresAt.After(f.clock.Now().Add(30*24*time.Hour)))
}

func TestRefreshFailureFailsPostWithoutPublishing(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t, models.PlatformX, "1001", 5*time.Minute)
	post := f.post(t, acc, "refresh will fail")
	pub := newRefreshingPublisher(models.PlatformX, f.clock)
	pub.refreshErr = apperr.New(apperr.Authentication, "x.refresh", "invalid_grant")

	_, err := f.scheduler(pub).Tick(context.Background(), TickPosting)
	require.NoError(t, err)

	assert.Zero(t, pub.Calls())
	got := f.reload(t, post.ID)
	assert.Equal(t, models.PostStatusFailed, got.Status)
	assert.Equal(t, apperr.Authentication.String(), got.LastErrorKind)
	assert.Zero(t, got.AttemptCount)
	assert.True(t, f.account(t, acc.ID).RequiresReauth)
}

func TestRefreshSkipsAlreadyRotatedToken(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t, models.PlatformX, "1001", 5*time.Minute)
	pub := newRefreshingPublisher(models.PlatformX, f.clock)
	s := f.scheduler(pub)

	first, err := s.refresh(context.Background(), acc)
	require.NoError(t, err)
	// acc is now stale; its refresh token was rotated by the first call.
	second, err := s.refresh(context.Background(), acc)
	require.NoError(t, err)

	assert.Equal(t, 1, pub.Refreshes())
	assert.Equal(t, first.AccessTokenID, second.AccessTokenID)
}

func TestRefreshTick(t *testing.T) {
	f := newFixture(t)
	x := f.connect(t, models.PlatformX, "1001", 48*time.Hour)
	expiring := f.connect(t, models.PlatformLinkedIn, "li-1", 5*time.Minute)
	healthy := f.connect(t, models.PlatformLinkedIn, "li-2", 48*time.Hour)
	f.connect(t, models.PlatformFacebook, "fb-1", 30*24*time.Hour)

	xPub := newRefreshingPublisher(models.PlatformX, f.clock)
	s := f.scheduler(xPub, newFakePublisher(models.PlatformLinkedIn))
	s.ActivateEmergencyStop(context.Background(), "ops", "refresh still runs")

	r, err := s.Tick(context.Background(), TickRefresh)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Examined)
	assert.Equal(t, 1, r.Succeeded)
	assert.Equal(t, 1, r.Flagged)
	assert.Equal(t, 1, r.Ignored)

	assert.Equal(t, 1, xPub.Refreshes())
	assert.NotEqual(t, x.AccessTokenID, f.account(t, x.ID).AccessTokenID)
	assert.True(t, f.account(t, expiring.ID).RequiresReauth)
	assert.False(t, f.account(t, healthy.ID).RequiresReauth)
}

func TestRefreshTickKeepsAccountOnTransientFailure(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t, models.PlatformX, "1001", 48*time.Hour)
	pub := newRefreshingPublisher(models.PlatformX, f.clock)
	pub.refreshErr = apperr.New(apperr.TransientNetwork, "x.refresh", "502")

	r, err := f.scheduler(pub).Tick(context.Background(), TickRefresh)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Failed)

	got := f.account(t, acc.ID)
	assert.False(t, got.RequiresReauth)
	assert.True(t, got.IsTokenValid)
	assert.Equal(t, acc.AccessTokenID, got.AccessTokenID)
}

func TestRetryTickSweepsStaleClaims(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t, models.PlatformX, "1001", 30*24*time.Hour)
	post := f.post(t, acc, "worker died mid-call")
	_, err := f.posts.Claim(context.Background(), post.ID)
	require.NoError(t, err)

	s := f.scheduler(newFakePublisher(models.PlatformX))
	f.clock.Advance(30 * time.Minute)
	r, err := s.Tick(context.Background(), TickRetry)
	require.NoError(t, err)
	assert.Zero(t, r.Swept)
	assert.Equal(t, models.PostStatusPublishing, f.reload(t, post.ID).Status)

	f.clock.Advance(time.Hour)
	r, err = s.Tick(context.Background(), TickRetry)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Swept)
	// The swept attempt is already past its cool-down, so it goes straight
	// back into the queue.
	assert.Equal(t, 1, r.Succeeded)

	got := f.reload(t, post.ID)
	assert.Equal(t, models.PostStatusScheduled, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Contains(t, f.auditActions(t), "post.sweep")
}

func TestEmergencyStopSkipsRetries(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t, models.PlatformX, "1001", 30*24*time.Hour)
	post := f.post(t, acc, "retry me later")
	pub := newFakePublisher(models.PlatformX)
	pub.setErr(apperr.New(apperr.TransientNetwork, "x.publish", "timeout"))
	s := f.scheduler(pub)
	_, err := s.Tick(context.Background(), TickPosting)
	require.NoError(t, err)

	s.ActivateEmergencyStop(context.Background(), "ops", "hold everything")
	f.clock.Advance(2 * time.Hour)
	r, err := s.Tick(context.Background(), TickRetry)
	require.NoError(t, err)
	assert.Equal(t, "emergency stop active", r.Skipped)
	assert.Equal(t, models.PostStatusFailed, f.reload(t, post.ID).Status)
}

func TestMetricsTickFillsRecord(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t, models.PlatformX, "1001", 30*24*time.Hour)
	post := f.post(t, acc, "count my likes")
	s := f.scheduler(newFakePublisher(models.PlatformX))
	_, err := s.Tick(context.Background(), TickPosting)
	require.NoError(t, err)

	f.clock.Advance(6 * time.Hour)
	r, err := s.Tick(context.Background(), TickMetrics)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Succeeded)

	m, err := f.store.Metrics.GetByPostID(context.Background(), post.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 7, m.Likes)
	assert.EqualValues(t, 120, m.Impressions)
	require.NotNil(t, m.CollectedAt)
	assert.True(t, m.CollectedAt.Equal(f.clock.Now()))
}

func TestPublishPostIgnoresSchedule(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t, models.PlatformX, "1001", 30*24*time.Hour)
	later, err := f.posts.Create(context.Background(), service.CreatePost{
		AccountID: acc.ID, Content: "tomorrow, but now", ScheduledFor: f.clock.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	approval := true
	pending, err := f.posts.Create(context.Background(), service.CreatePost{
		AccountID: acc.ID, Content: "not approved", RequiresApproval: &approval,
	})
	require.NoError(t, err)

	pub := newFakePublisher(models.PlatformX)
	s := f.scheduler(pub)
	require.NoError(t, s.PublishPost(context.Background(), later.ID))
	require.NoError(t, s.PublishPost(context.Background(), pending.ID))

	assert.Equal(t, models.PostStatusPublished, f.reload(t, later.ID).Status)
	assert.Equal(t, models.PostStatusPending, f.reload(t, pending.ID).Status)
	assert.Equal(t, 1, pub.Calls())

	s.ActivateEmergencyStop(context.Background(), "ops", "halt")
	assert.ErrorIs(t, s.PublishPost(context.Background(), pending.ID), ErrEmergencyStop)
}

func TestMissingPublisherFailsAsConfiguration(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t, models.PlatformLinkedIn, "li-1", 30*24*time.Hour)
	post := f.post(t, acc, "no adapter registered")

	_, err := f.scheduler(newFakePublisher(models.PlatformX)).Tick(context.Background(), TickPosting)
	require.NoError(t, err)

	got := f.reload(t, post.ID)
	assert.Equal(t, models.PostStatusFailed, got.Status)
	assert.Equal(t, apperr.Configuration.String(), got.LastErrorKind)
}

func TestUnknownTick(t *testing.T) {
	f := newFixture(t)
	_, err := f.scheduler().Tick(context.Background(), "cleanup")
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t, models.PlatformX, "1001", 30*24*time.Hour)
	f.post(t, acc, "slow platform")
	pub := newFakePublisher(models.PlatformX)
	pub.entered = make(chan struct{})
	pub.release = make(chan struct{})
	s := f.scheduler(pub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Tick(context.Background(), TickPosting)
	}()
	<-pub.entered

	r, err := s.Tick(context.Background(), TickPosting)
	require.NoError(t, err)
	assert.Equal(t, "previous run still in progress", r.Skipped)

	close(pub.release)
	<-done
}

func TestStopWaitsForInflightPublish(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	acc := f.connect(t, models.PlatformX, "1001", 30*24*time.Hour)
	post := f.post(t, acc, "finish me")
	pub := newFakePublisher(models.PlatformX)
	pub.entered = make(chan struct{})
	pub.release = make(chan struct{})
	s := f.scheduler(pub)
	require.NoError(t, s.Start())

	go func() { _, _ = s.Tick(context.Background(), TickPosting) }()
	<-pub.entered

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a publish was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(pub.release)
	<-stopped
	assert.Equal(t, models.PostStatusPublished, f.reload(t, post.ID).Status)

	_, err := s.Tick(context.Background(), TickPosting)
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, s.Start(), ErrStopped)
}

func TestStartRespectsAutomationFlag(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	f.cfg.AutomationEnabled = false
	s := f.scheduler()
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())

	st := s.Status()
	assert.True(t, st.Running)
	assert.False(t, st.AutomationEnabled)
	require.Len(t, st.Ticks, 4)
	assert.Len(t, s.cron.Entries(), 3)

	s.Stop()
	s.Stop()
	assert.False(t, s.Status().Running)
}

// flakyPosts fails state writes a set number of times before passing them on.
type flakyPosts struct {
	service.PostService

	mu           sync.Mutex
	markFailures int
	refFailures  int
}

func (p *flakyPosts) MarkPublished(ctx context.Context, post *models.ScheduledPost, id, url string) error {
	p.mu.Lock()
	if p.markFailures > 0 {
		p.markFailures--
		p.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	p.mu.Unlock()
	return p.PostService.MarkPublished(ctx, post, id, url)
}

func (p *flakyPosts) RecordPlatformRef(ctx context.Context, post *models.ScheduledPost, id, url string) error {
	p.mu.Lock()
	if p.refFailures > 0 {
		p.refFailures--
		p.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	p.mu.Unlock()
	return p.PostService.RecordPlatformRef(ctx, post, id, url)
}

func (p *flakyPosts) heal() {
	p.mu.Lock()
	p.markFailures, p.refFailures = 0, 0
	p.mu.Unlock()
}

func (f *fixture) flakyScheduler(posts *flakyPosts, pubs ...publisher.Publisher) *Scheduler {
	s := f.scheduler(pubs...)
	s.deps.Posts = posts
	s.recordPause = time.Millisecond
	return s
}

func TestPublishedStateWriteIsRetried(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t, models.PlatformX, "1001", 30*24*time.Hour)
	post := f.post(t, acc, "second time lucky")
	pub := newFakePublisher(models.PlatformX)
	s := f.flakyScheduler(&flakyPosts{PostService: f.posts, markFailures: markPublishedAttempts - 1}, pub)

	r, err := s.Tick(context.Background(), TickPosting)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Succeeded)
	assert.Equal(t, 1, pub.Calls())

	got := f.reload(t, post.ID)
	assert.Equal(t, models.PostStatusPublished, got.Status)
	assert.Equal(t, "x-1", got.PlatformPostID)
}

func TestUnrecordedPublishIsSettledNotResent(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t, models.PlatformX, "1001", 30*24*time.Hour)
	post := f.post(t, acc, "live but unrecorded")
	pub := newFakePublisher(models.PlatformX)
	posts := &flakyPosts{PostService: f.posts, markFailures: 100}
	s := f.flakyScheduler(posts, pub)

	_, err := s.Tick(context.Background(), TickPosting)
	require.NoError(t, err)
	require.Equal(t, 1, pub.Calls())

	got := f.reload(t, post.ID)
	assert.Equal(t, models.PostStatusPublishing, got.Status)
	assert.Equal(t, "x-1", got.PlatformPostID)

	// Even a scheduler without the in-memory record must not resend.
	fresh := f.flakyScheduler(&flakyPosts{PostService: f.posts}, pub)
	f.clock.Advance(2 * time.Hour)
	r, err := fresh.Tick(context.Background(), TickRetry)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Swept)
	assert.Zero(t, r.Succeeded)

	got = f.reload(t, post.ID)
	assert.Equal(t, models.PostStatusPublished, got.Status)
	assert.Equal(t, "x-1", got.PlatformPostID)

	_, err = fresh.Tick(context.Background(), TickPosting)
	require.NoError(t, err)
	assert.Equal(t, 1, pub.Calls())
	assert.NotContains(t, f.auditActions(t), "post.retry")
}

func TestUnrecordedPublishSurvivesLostPlatformRef(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t, models.PlatformX, "1001", 30*24*time.Hour)
	post := f.post(t, acc, "nothing got written")
	pub := newFakePublisher(models.PlatformX)
	posts := &flakyPosts{PostService: f.posts, markFailures: 100, refFailures: 100}
	s := f.flakyScheduler(posts, pub)

	_, err := s.Tick(context.Background(), TickPosting)
	require.NoError(t, err)
	require.Equal(t, 1, pub.Calls())
	assert.Empty(t, f.reload(t, post.ID).PlatformPostID)

	posts.heal()
	f.clock.Advance(2 * time.Hour)
	r, err := s.Tick(context.Background(), TickRetry)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Swept)

	got := f.reload(t, post.ID)
	assert.Equal(t, models.PostStatusPublished, got.Status)
	assert.Equal(t, "x-1", got.PlatformPostID)

	_, err = s.Tick(context.Background(), TickPosting)
	require.NoError(t, err)
	assert.Equal(t, 1, pub.Calls())
}
