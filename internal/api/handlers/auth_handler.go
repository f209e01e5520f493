package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/transfer"
	"github.com/maheshrc27/postpilot/pkg/utils"
	"go.uber.org/zap"
)

const adminTokenTTL = 24 * time.Hour

type AuthHandler struct {
	secretKey  string
	apiKeyHash string
	log        *zap.Logger
}

func NewAuthHandler(secretKey, apiKeyHash string, log *zap.Logger) *AuthHandler {
	return &AuthHandler{secretKey: secretKey, apiKeyHash: apiKeyHash, log: log}
}

// IssueToken trades the admin API key for a bearer token. The actor query
// parameter names the operator in the audit log.
func (h *AuthHandler) IssueToken(c *fiber.Ctx) error {
	key := c.Get("X-API-Key")
	if key == "" || h.apiKeyHash == "" || !utils.CheckAPIKey(h.apiKeyHash, key) {
		return errorJSON(c, h.log, apperr.New(apperr.Authentication, "auth.token", "invalid api key"))
	}

	actor := c.Query("actor", "admin")
	expiresAt := time.Now().Add(adminTokenTTL)
	token, err := utils.GenerateToken(h.secretKey, utils.Claims{UserID: actor, Purpose: utils.PurposeAdmin}, adminTokenTTL)
	if err != nil {
		return errorJSON(c, h.log, apperr.Wrap(apperr.Configuration, "auth.token", err))
	}

	h.log.Info("admin token issued", zap.String("actor", actor))
	return c.Status(fiber.StatusOK).JSON(transfer.TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
	})
}
