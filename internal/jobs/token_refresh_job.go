package job

import (
	"context"
	"fmt"

	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/maheshrc27/postpilot/internal/publisher"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// refreshTick renews tokens that expire within RefreshAhead. It keeps running
// during an emergency stop.
func (s *Scheduler) refreshTick(ctx context.Context) *Report {
	r := &Report{}
	now := s.now()

	accounts, err := s.deps.Accounts.ListExpiring(ctx, now.Add(s.cfg.RefreshAhead))
	if err != nil {
		s.log.Error("listing expiring accounts failed", zap.Error(err))
		r.Error = err.Error()
		return r
	}
	r.Examined = len(accounts)

	t := &tally{r: r}
	var g errgroup.Group
	g.SetLimit(max(s.cfg.Concurrency, 1))
	for _, acc := range accounts {
		g.Go(func() error {
			t.add(s.refreshAccount(ctx, acc))
			return nil
		})
	}
	_ = g.Wait()
	return r
}

func (s *Scheduler) refreshAccount(ctx context.Context, acc *models.Account) outcome {
	log := s.log.With(zap.String("account_id", acc.ID), zap.String("platform", acc.Platform.String()))

	if _, ok := s.deps.Publishers.Refresher(acc.Platform); !ok {
		if acc.CanPublish(s.now(), s.cfg.SafetyWindow) {
			return outcomeIgnored
		}
		s.markInvalid(ctx, acc.ID, fmt.Errorf("%s token expires %s and cannot be refreshed, reconnect the account",
			acc.Platform, acc.TokenExpiresAt.Format("2006-01-02 15:04 MST")))
		return outcomeFlagged
	}

	if _, err := s.refresh(ctx, acc); err != nil {
		kind := classify(err)
		s.deps.Audit.LogAction(ctx, actorScheduler, "token.refresh", models.AuditFailure,
			kind.String()+": "+err.Error(), models.AuditRefs{AccountID: acc.ID})
		if kind.RequiresReauth() {
			s.markInvalid(ctx, acc.ID, err)
			return outcomeFlagged
		}
		log.Warn("token refresh failed, retrying next tick", zap.String("kind", kind.String()), zap.Error(err))
		return outcomeFailed
	}
	log.Info("token refreshed")
	return outcomeSucceeded
}

// accessToken returns the account's decrypted access token, refreshing it
// first when it expires inside the safety window.
func (s *Scheduler) accessToken(ctx context.Context, acc *models.Account) (*models.Account, string, error) {
	if !acc.CanPublish(s.now(), s.cfg.SafetyWindow) {
		refreshed, err := s.refresh(ctx, acc)
		if err != nil {
			return nil, "", err
		}
		acc = refreshed
	}
	token, err := s.deps.Vault.RetrieveToken(ctx, acc.AccessTokenID)
	if err != nil {
		return nil, "", err
	}
	return acc, token, nil
}

// refresh runs at most one refresh per account at a time. Callers that
// arrive while one is running share its result.
func (s *Scheduler) refresh(ctx context.Context, acc *models.Account) (*models.Account, error) {
	v, err, _ := s.refreshes.Do(acc.ID, func() (any, error) {
		return s.doRefresh(ctx, acc)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Account).Clone(), nil
}

func (s *Scheduler) doRefresh(ctx context.Context, seen *models.Account) (*models.Account, error) {
	ref, ok := s.deps.Publishers.Refresher(seen.Platform)
	if !ok {
		return nil, apperr.New(apperr.Authentication, "scheduler.refresh",
			"%s tokens cannot be refreshed, reconnect the account", seen.Platform)
	}

	// Another caller may have rotated the token since seen was loaded.
	acc, err := s.deps.Accounts.Get(ctx, seen.ID)
	if err != nil {
		return nil, err
	}
	if acc.AccessTokenID != seen.AccessTokenID && acc.IsTokenValid {
		return acc, nil
	}
	if !acc.IsActive {
		return nil, apperr.New(apperr.Authentication, "scheduler.refresh", "account %s is disconnected", acc.ID)
	}

	var creds publisher.Credentials
	if acc.RefreshTokenID != "" {
		rt, err := s.deps.Vault.RetrieveToken(ctx, acc.RefreshTokenID)
		if err != nil {
			return nil, err
		}
		creds.RefreshToken = rt
	}
	// Meta platforms refresh with the access token itself.
	at, err := s.deps.Vault.RetrieveToken(ctx, acc.AccessTokenID)
	switch {
	case err == nil:
		creds.AccessToken = at
	case creds.RefreshToken == "":
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CallTimeout)
	tok, err := ref.RefreshToken(callCtx, creds)
	cancel()
	if err != nil {
		return nil, err
	}
	refreshed, err := s.deps.Accounts.ApplyRefresh(ctx, acc.ID, tok)
	if apperr.Is(err, apperr.Conflict) {
		// A reconnect replaced the tokens while we were refreshing; use those.
		current, getErr := s.deps.Accounts.Get(ctx, acc.ID)
		if getErr == nil && current.IsActive && current.IsTokenValid {
			return current, nil
		}
	}
	return refreshed, err
}
