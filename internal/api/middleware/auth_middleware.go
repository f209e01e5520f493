package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/transfer"
	"github.com/maheshrc27/postpilot/pkg/utils"
	"go.uber.org/zap"
)

const actorAPIKey = "api-key"

type AuthMiddleware struct {
	secretKey  string
	apiKeyHash string
	log        *zap.Logger
}

func NewAuthMiddleware(secretKey, apiKeyHash string, log *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{secretKey: secretKey, apiKeyHash: apiKeyHash, log: log}
}

func unauthorized(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(transfer.ErrorResponse{
		Error: msg,
		Kind:  apperr.Authentication.String(),
	})
}

// AuthMiddleware accepts a bearer token issued by /auth/token or the admin
// API key, and stores the caller in Locals("actor").
func (m *AuthMiddleware) AuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		apiKey := c.Get("X-API-Key")

		if header == "" && apiKey == "" {
			return unauthorized(c, "Missing bearer token or api key")
		}

		if header != "" {
			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenString == "" {
				return unauthorized(c, "Malformed authorization header")
			}
			claims, err := utils.ValidateToken(m.secretKey, tokenString, utils.PurposeAdmin)
			if err != nil {
				m.log.Debug("token validation failed", zap.String("path", c.Path()), zap.Error(err))
				return unauthorized(c, "Invalid or expired token")
			}
			c.Locals("actor", claims.UserID)
			return c.Next()
		}

		if m.apiKeyHash == "" || !utils.CheckAPIKey(m.apiKeyHash, apiKey) {
			m.log.Warn("rejected api key", zap.String("path", c.Path()), zap.String("ip", c.IP()))
			return unauthorized(c, "Invalid api key")
		}
		c.Locals("actor", actorAPIKey)
		return c.Next()
	}
}
