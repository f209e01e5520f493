package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/maheshrc27/postpilot/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// defaultTokenLifetime is assumed when a platform omits expires_in.
const defaultTokenLifetime = time.Hour

const maxMutateAttempts = 5

// Profile identifies the platform-side account behind an OAuth grant.
type Profile struct {
	ExternalID  string
	Username    string
	DisplayName string
}

type AccountService interface {
	// Connect registers the account behind a completed OAuth grant. A repeat
	// connect of the same platform identity reactivates the existing record.
	Connect(ctx context.Context, userID string, platform models.Platform, profile Profile, tok *oauth2.Token) (*models.Account, error)
	Get(ctx context.Context, id string) (*models.Account, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Account, error)
	ListRequiringReauth(ctx context.Context) ([]*models.Account, error)
	ListExpiring(ctx context.Context, before time.Time) ([]*models.Account, error)
	MarkInvalid(ctx context.Context, id, reason string) error
	Disconnect(ctx context.Context, id, actor string) error
	// ApplyRefresh rotates the stored tokens to tok and clears any reauth flag.
	// An empty tok.RefreshToken keeps the current refresh token.
	ApplyRefresh(ctx context.Context, id string, tok *oauth2.Token) (*models.Account, error)
	RecordPost(ctx context.Context, id string, at time.Time) error
}

type accountService struct {
	accounts repository.AccountRepository
	vault    VaultService
	audit    AuditService
	log      *zap.Logger
	now      Clock
}

func NewAccountService(accounts repository.AccountRepository, vault VaultService, audit AuditService, log *zap.Logger, now Clock) AccountService {
	return &accountService{
		accounts: accounts,
		vault:    vault,
		audit:    audit,
		log:      log,
		now:      now.orDefault(),
	}
}

func (s *accountService) expiry(tok *oauth2.Token, now time.Time) time.Time {
	if tok.Expiry.IsZero() {
		return now.Add(defaultTokenLifetime)
	}
	return tok.Expiry
}

func (s *accountService) Connect(ctx context.Context, userID string, platform models.Platform, profile Profile, tok *oauth2.Token) (*models.Account, error) {
	if userID == "" || profile.ExternalID == "" {
		return nil, apperr.New(apperr.Validation, "accounts.connect", "user id and external id are required")
	}
	if !platform.Valid() {
		return nil, apperr.New(apperr.Validation, "accounts.connect", "unknown platform %q", platform)
	}
	if tok == nil || tok.AccessToken == "" {
		return nil, apperr.New(apperr.Validation, "accounts.connect", "access token is required")
	}

	now := s.now()
	acc, err := s.findExisting(ctx, userID, platform, profile.ExternalID)
	if err != nil {
		return nil, err
	}
	isNew := acc == nil
	if isNew {
		acc = &models.Account{
			ID:         newID(),
			UserID:     userID,
			Platform:   platform,
			ExternalID: profile.ExternalID,
			CreatedAt:  now,
		}
	}

	expiresAt := s.expiry(tok, now)
	access, err := s.vault.StoreToken(ctx, acc.ID, platform, models.TokenTypeAccess, tok.AccessToken, &expiresAt)
	if err != nil {
		return nil, fmt.Errorf("store access token: %w", err)
	}
	acc.AccessTokenID = access.ID
	if tok.RefreshToken != "" {
		refresh, err := s.vault.StoreToken(ctx, acc.ID, platform, models.TokenTypeRefresh, tok.RefreshToken, nil)
		if err != nil {
			return nil, fmt.Errorf("store refresh token: %w", err)
		}
		acc.RefreshTokenID = refresh.ID
	}

	acc.Username = profile.Username
	acc.DisplayName = profile.DisplayName
	acc.IsActive = true
	acc.IsTokenValid = true
	acc.RequiresReauth = false
	acc.ReauthReason = ""
	acc.DisconnectedAt = nil
	acc.TokenExpiresAt = expiresAt
	acc.UpdatedAt = now

	if isNew {
		err = s.accounts.Create(ctx, acc)
	} else {
		// A fresh grant wins over whatever the scheduler wrote meanwhile.
		fresh := acc
		acc, err = s.mutate(ctx, fresh.ID, func(a *models.Account, _ time.Time) (bool, error) {
			a.AccessTokenID = fresh.AccessTokenID
			a.RefreshTokenID = fresh.RefreshTokenID
			a.Username = fresh.Username
			a.DisplayName = fresh.DisplayName
			a.IsActive = true
			a.IsTokenValid = true
			a.RequiresReauth = false
			a.ReauthReason = ""
			a.DisconnectedAt = nil
			a.TokenExpiresAt = fresh.TokenExpiresAt
			a.UpdatedAt = now
			return true, nil
		})
	}
	if err != nil {
		return nil, err
	}

	s.audit.LogAction(ctx, userID, "account.connect", models.AuditSuccess,
		fmt.Sprintf("connected %s account %s", platform, profile.Username),
		models.AuditRefs{AccountID: acc.ID, TokenID: acc.AccessTokenID})
	return acc, nil
}

func (s *accountService) findExisting(ctx context.Context, userID string, platform models.Platform, externalID string) (*models.Account, error) {
	accounts, err := s.accounts.ListByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, acc := range accounts {
		if acc.Platform == platform && acc.ExternalID == externalID {
			return acc, nil
		}
	}
	return nil, nil
}

func (s *accountService) Get(ctx context.Context, id string) (*models.Account, error) {
	return s.accounts.GetByID(ctx, id)
}

func (s *accountService) ListByUser(ctx context.Context, userID string) ([]*models.Account, error) {
	if userID == "" {
		return nil, apperr.New(apperr.Validation, "accounts.list", "user id is required")
	}
	return s.accounts.ListByUserID(ctx, userID)
}

func (s *accountService) ListRequiringReauth(ctx context.Context) ([]*models.Account, error) {
	return s.accounts.ListRequiringReauth(ctx)
}

func (s *accountService) ListExpiring(ctx context.Context, before time.Time) ([]*models.Account, error) {
	return s.accounts.ListExpiring(ctx, before)
}

func (s *accountService) MarkInvalid(ctx context.Context, id, reason string) error {
	acc, err := s.mutate(ctx, id, func(a *models.Account, now time.Time) (bool, error) {
		if a.RequiresReauth && !a.IsTokenValid && a.ReauthReason == reason {
			return false, nil
		}
		a.MarkInvalid(reason, now)
		return true, nil
	})
	if err != nil {
		return err
	}

	s.log.Warn("account requires reauth",
		zap.String("account_id", id),
		zap.String("platform", acc.Platform.String()),
		zap.String("reason", reason))
	s.audit.LogAction(ctx, "system", "account.mark_invalid", models.AuditSuccess, reason,
		models.AuditRefs{AccountID: id})
	return nil
}

func (s *accountService) Disconnect(ctx context.Context, id, actor string) error {
	wasActive := false
	acc, err := s.mutate(ctx, id, func(a *models.Account, now time.Time) (bool, error) {
		if !a.IsActive {
			return false, nil
		}
		wasActive = true
		a.Disconnect(now)
		return true, nil
	})
	if err != nil {
		return err
	}
	if !wasActive {
		return nil
	}

	var revokeErr error
	for _, tokenID := range []string{acc.AccessTokenID, acc.RefreshTokenID} {
		if tokenID == "" {
			continue
		}
		if err := s.vault.RevokeToken(ctx, tokenID, ReasonDisconnected); err != nil && !errors.Is(err, ErrTokenNotFound) {
			revokeErr = errors.Join(revokeErr, err)
		}
	}

	status := models.AuditSuccess
	if revokeErr != nil {
		status = models.AuditFailure
	}
	s.audit.LogAction(ctx, actor, "account.disconnect", status,
		fmt.Sprintf("disconnected %s account %s", acc.Platform, acc.Username),
		models.AuditRefs{AccountID: id})
	return revokeErr
}

func (s *accountService) ApplyRefresh(ctx context.Context, id string, tok *oauth2.Token) (*models.Account, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, apperr.New(apperr.Authentication, "accounts.refresh", "platform returned no access token")
	}
	acc, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !acc.IsActive {
		return nil, apperr.New(apperr.Authentication, "accounts.refresh", "account %s is disconnected", id)
	}

	now := s.now()
	expiresAt := s.expiry(tok, now)
	rotatedFrom := acc.AccessTokenID
	refreshFrom := acc.RefreshTokenID

	access, err := s.rotateOrStore(ctx, acc, rotatedFrom, models.TokenTypeAccess, tok.AccessToken, &expiresAt)
	if err != nil {
		return nil, fmt.Errorf("rotate access token: %w", err)
	}
	refreshID := refreshFrom
	if tok.RefreshToken != "" {
		refresh, err := s.rotateOrStore(ctx, acc, refreshFrom, models.TokenTypeRefresh, tok.RefreshToken, nil)
		if err != nil {
			return nil, fmt.Errorf("rotate refresh token: %w", err)
		}
		refreshID = refresh.ID
	}

	acc, err = s.mutate(ctx, id, func(a *models.Account, now time.Time) (bool, error) {
		if a.AccessTokenID != rotatedFrom || a.RefreshTokenID != refreshFrom {
			return false, apperr.New(apperr.Conflict, "accounts.refresh", "account %s tokens were replaced during refresh", id)
		}
		if !a.IsActive {
			return false, apperr.New(apperr.Authentication, "accounts.refresh", "account %s is disconnected", id)
		}
		a.AccessTokenID = access.ID
		a.RefreshTokenID = refreshID
		a.TokenExpiresAt = expiresAt
		a.IsTokenValid = true
		a.RequiresReauth = false
		a.ReauthReason = ""
		a.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.LogAction(ctx, "system", "token.refresh", models.AuditSuccess,
		fmt.Sprintf("refreshed %s token, expires %s", acc.Platform, expiresAt.Format(time.RFC3339)),
		models.AuditRefs{AccountID: id, TokenID: access.ID})
	return acc, nil
}

func (s *accountService) rotateOrStore(ctx context.Context, acc *models.Account, currentID string, typ models.TokenType, plaintext string, expiresAt *time.Time) (*models.Token, error) {
	if currentID == "" {
		return s.vault.StoreToken(ctx, acc.ID, acc.Platform, typ, plaintext, expiresAt)
	}
	return s.vault.RotateToken(ctx, currentID, plaintext, expiresAt)
}

func (s *accountService) RecordPost(ctx context.Context, id string, at time.Time) error {
	_, err := s.mutate(ctx, id, func(a *models.Account, now time.Time) (bool, error) {
		if a.LastPostAt != nil && !a.LastPostAt.Before(at) {
			return false, nil
		}
		a.LastPostAt = &at
		a.UpdatedAt = now
		return true, nil
	})
	return err
}

// mutate loads the account, applies fn and saves it as a compare-and-swap on
// the loaded version. A lost swap reloads and applies fn again, so fn always
// sees the latest row. fn returning false skips the write.
func (s *accountService) mutate(ctx context.Context, id string, fn func(*models.Account, time.Time) (bool, error)) (*models.Account, error) {
	for attempt := 0; ; attempt++ {
		acc, err := s.accounts.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		write, err := fn(acc, s.now())
		if err != nil || !write {
			return acc, err
		}
		err = s.accounts.Update(ctx, acc)
		if errors.Is(err, repository.ErrConflict) && attempt < maxMutateAttempts {
			continue
		}
		if err != nil {
			return nil, err
		}
		return acc, nil
	}
}
