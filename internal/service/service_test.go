package service

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/maheshrc27/postpilot/internal/repository"
	"github.com/maheshrc27/postpilot/internal/repository/memory"
	"github.com/maheshrc27/postpilot/pkg/utils"
	"github.com/stretchr/testify/require"
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
	store    *repository.Store
	clock    *testClock
	cipher   *utils.Cipher
	vault    VaultService
	audit    AuditService
	accounts AccountService
	posts    PostService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	cipher, err := utils.NewCipher(key)
	require.NoError(t, err)

	f := &fixture{
		store:  memory.NewStore(),
		clock:  &testClock{t: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)},
		cipher: cipher,
	}
	log := zap.NewNop()
	f.audit = NewAuditService(f.store.Audit, log, f.clock.Now)
	f.vault = NewVaultService(f.store.Tokens, cipher, log, f.clock.Now)
	f.accounts = NewAccountService(f.store.Accounts, f.vault, f.audit, log, f.clock.Now)
	f.posts = NewPostService(f.store.Posts, f.store.Accounts, &fakeGenerator{text: "generated copy"}, f.audit, log, f.clock.Now, false, 3)
	t.Cleanup(f.vault.Flush)
	return f
}

func (f *fixture) connect(t *testing.T, platform models.Platform, externalID string) *models.Account {
	t.Helper()
	acc, err := f.accounts.Connect(context.Background(), "user-1", platform,
		Profile{ExternalID: externalID, Username: "brand_" + externalID},
		&oauth2.Token{AccessToken: "access-" + externalID, RefreshToken: "refresh-" + externalID, Expiry: f.clock.Now().Add(24 * time.Hour)})
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

type fakeGenerator struct {
	text string
	err  error
	got  GenerateRequest
}

func (g *fakeGenerator) GeneratePost(_ context.Context, req GenerateRequest) (string, error) {
	g.got = req
	return g.text, g.err
}

func (g *fakeGenerator) Model() string { return "fake-model" }
