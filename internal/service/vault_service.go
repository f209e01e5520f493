package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/maheshrc27/postpilot/internal/repository"
	"github.com/maheshrc27/postpilot/pkg/utils"
	"go.uber.org/zap"
)

var (
	ErrTokenNotFound = apperr.New(apperr.NotFound, "vault", "token not found")
	ErrTokenRevoked  = apperr.New(apperr.Authentication, "vault", "token revoked")
	ErrTokenExpired  = apperr.New(apperr.Authentication, "vault", "token expired")
)

const (
	usageWriteTimeout = 5 * time.Second

	ReasonSuperseded   = "superseded"
	ReasonRotated      = "rotated"
	ReasonDisconnected = "account disconnected"
)

// VaultService is the only place token plaintext exists outside a single
// publish or refresh call.
type VaultService interface {
	StoreToken(ctx context.Context, accountID string, platform models.Platform, typ models.TokenType, plaintext string, expiresAt *time.Time) (*models.Token, error)
	RetrieveToken(ctx context.Context, id string) (string, error)
	RotateToken(ctx context.Context, oldID, plaintext string, expiresAt *time.Time) (*models.Token, error)
	RevokeToken(ctx context.Context, id, reason string) error
	// Flush waits for pending usage writes.
	Flush()
}

type vaultService struct {
	repo   repository.TokenRepository
	cipher *utils.Cipher
	log    *zap.Logger
	now    Clock

	usage sync.WaitGroup
}

func NewVaultService(repo repository.TokenRepository, cipher *utils.Cipher, log *zap.Logger, now Clock) VaultService {
	return &vaultService{repo: repo, cipher: cipher, log: log, now: now.orDefault()}
}

func (s *vaultService) seal(plaintext string) (ct, iv, tag []byte, err error) {
	if plaintext == "" {
		return nil, nil, nil, apperr.New(apperr.Validation, "vault.store", "empty token")
	}
	return s.cipher.Encrypt([]byte(plaintext))
}

func (s *vaultService) StoreToken(ctx context.Context, accountID string, platform models.Platform, typ models.TokenType, plaintext string, expiresAt *time.Time) (*models.Token, error) {
	ct, iv, tag, err := s.seal(plaintext)
	if err != nil {
		return nil, err
	}

	tok := &models.Token{
		ID:         newID(),
		AccountID:  accountID,
		Type:       typ,
		Platform:   platform,
		Ciphertext: ct,
		IV:         iv,
		AuthTag:    tag,
		ExpiresAt:  expiresAt,
		IsValid:    true,
		CreatedAt:  s.now(),
	}
	if err := s.repo.Insert(ctx, tok, ReasonSuperseded); err != nil {
		return nil, err
	}
	return tok, nil
}

func (s *vaultService) RetrieveToken(ctx context.Context, id string) (string, error) {
	tok, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrTokenNotFound
		}
		return "", err
	}

	now := s.now()
	if !tok.IsValid {
		return "", ErrTokenRevoked
	}
	if tok.Expired(now) {
		return "", ErrTokenExpired
	}

	plaintext, err := s.cipher.Decrypt(tok.Ciphertext, tok.IV, tok.AuthTag)
	if err != nil {
		s.log.Error("token failed integrity check",
			zap.String("token_id", id),
			zap.String("account_id", tok.AccountID))
		return "", apperr.Wrap(apperr.Integrity, "vault.retrieve", err)
	}

	s.recordUsage(ctx, id, now)
	return string(plaintext), nil
}

func (s *vaultService) recordUsage(ctx context.Context, id string, at time.Time) {
	s.usage.Add(1)
	go func() {
		defer s.usage.Done()
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), usageWriteTimeout)
		defer cancel()
		if err := s.repo.TouchUsage(writeCtx, id, at); err != nil {
			s.log.Warn("recording token usage failed", zap.String("token_id", id), zap.Error(err))
		}
	}()
}

func (s *vaultService) RotateToken(ctx context.Context, oldID, plaintext string, expiresAt *time.Time) (*models.Token, error) {
	old, err := s.repo.GetByID(ctx, oldID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	if !old.IsValid {
		return nil, ErrTokenRevoked
	}

	ct, iv, tag, err := s.seal(plaintext)
	if err != nil {
		return nil, err
	}

	tok := &models.Token{
		ID:              newID(),
		AccountID:       old.AccountID,
		Type:            old.Type,
		Platform:        old.Platform,
		Ciphertext:      ct,
		IV:              iv,
		AuthTag:         tag,
		ExpiresAt:       expiresAt,
		IsValid:         true,
		PreviousTokenID: old.ID,
		CreatedAt:       s.now(),
	}
	if err := s.repo.Insert(ctx, tok, ReasonRotated); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Someone rotated it first.
			return nil, ErrTokenRevoked
		}
		return nil, err
	}
	return tok, nil
}

func (s *vaultService) RevokeToken(ctx context.Context, id, reason string) error {
	err := s.repo.Revoke(ctx, id, reason, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return ErrTokenNotFound
	}
	return err
}

func (s *vaultService) Flush() {
	s.usage.Wait()
}
