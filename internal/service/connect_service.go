package service

import (
	"context"
	"fmt"
	"time"

	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/maheshrc27/postpilot/internal/publisher"
	"github.com/maheshrc27/postpilot/pkg/utils"
	"go.uber.org/zap"
)

// stateLifetime bounds how long a user has to finish the platform consent
// screen.
const stateLifetime = 15 * time.Minute

// ConnectService runs the OAuth authorization code flow that connects an
// account. The state parameter is a signed JWT, so no session is kept
// between the redirect and the callback.
type ConnectService interface {
	AuthURL(ctx context.Context, userID string, platform models.Platform) (string, error)
	Callback(ctx context.Context, platform models.Platform, code, state string) (*models.Account, error)
}

type connectService struct {
	secretKey string
	registry  publisher.Registry
	accounts  AccountService
	audit     AuditService
	log       *zap.Logger
}

func NewConnectService(secretKey string, registry publisher.Registry, accounts AccountService, audit AuditService, log *zap.Logger) ConnectService {
	return &connectService{
		secretKey: secretKey,
		registry:  registry,
		accounts:  accounts,
		audit:     audit,
		log:       log,
	}
}

func (s *connectService) connector(platform models.Platform) (publisher.Connector, error) {
	c, ok := s.registry.Connector(platform)
	if !ok {
		return nil, apperr.New(apperr.Configuration, "connect", "%s is not enabled", platform)
	}
	return c, nil
}

func (s *connectService) AuthURL(ctx context.Context, userID string, platform models.Platform) (string, error) {
	if userID == "" {
		return "", apperr.New(apperr.Validation, "connect.auth_url", "user id is required")
	}
	c, err := s.connector(platform)
	if err != nil {
		return "", err
	}

	state, err := utils.GenerateToken(s.secretKey, utils.Claims{
		UserID:   userID,
		Platform: string(platform),
		Purpose:  utils.PurposeOAuthState,
	}, stateLifetime)
	if err != nil {
		return "", apperr.Wrap(apperr.Configuration, "connect.auth_url", err)
	}
	return c.AuthCodeURL(state), nil
}

func (s *connectService) Callback(ctx context.Context, platform models.Platform, code, state string) (*models.Account, error) {
	if code == "" {
		return nil, apperr.New(apperr.Validation, "connect.callback", "missing authorization code")
	}
	claims, err := utils.ValidateToken(s.secretKey, state, utils.PurposeOAuthState)
	if err != nil {
		return nil, apperr.Wrap(apperr.Authentication, "connect.callback", fmt.Errorf("invalid state: %w", err))
	}
	if claims.Platform != string(platform) {
		return nil, apperr.New(apperr.Validation, "connect.callback", "state was issued for %s, not %s", claims.Platform, platform)
	}

	c, err := s.connector(platform)
	if err != nil {
		return nil, err
	}
	conn, err := c.Exchange(ctx, code, state)
	if err != nil {
		s.log.Warn("oauth exchange failed",
			zap.String("platform", string(platform)),
			zap.String("user_id", claims.UserID),
			zap.Error(err))
		s.audit.LogAction(ctx, claims.UserID, "account.connect", models.AuditFailure,
			fmt.Sprintf("%s authorization failed: %v", platform, err), models.AuditRefs{})
		return nil, err
	}

	return s.accounts.Connect(ctx, claims.UserID, platform, Profile{
		ExternalID:  conn.ExternalID,
		Username:    conn.Username,
		DisplayName: conn.DisplayName,
	}, conn.Token)
}
