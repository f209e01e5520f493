package handlers

import (
	"fmt"
	"net/url"

	"github.com/gofiber/fiber/v2"
	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/maheshrc27/postpilot/internal/service"
	"go.uber.org/zap"
)

type PlatformHandler struct {
	connect     service.ConnectService
	accounts    service.AccountService
	frontendURL string
	log         *zap.Logger
}

func NewPlatformHandler(connect service.ConnectService, accounts service.AccountService, frontendURL string, log *zap.Logger) *PlatformHandler {
	return &PlatformHandler{
		connect:     connect,
		accounts:    accounts,
		frontendURL: frontendURL,
		log:         log,
	}
}

// AddSocialAccount sends the browser to the platform's consent screen. The
// account will belong to the user_id query parameter, or to the caller.
func (h *PlatformHandler) AddSocialAccount(c *fiber.Ctx) error {
	platform, err := models.ParsePlatform(c.Params("platform"))
	if err != nil {
		return badRequest(c, err.Error())
	}
	userID := c.Query("user_id", GetActor(c))

	authURL, err := h.connect.AuthURL(c.Context(), userID, platform)
	if err != nil {
		return errorJSON(c, h.log, err)
	}
	if c.QueryBool("json") {
		return c.JSON(fiber.Map{"auth_url": authURL})
	}
	return c.Redirect(authURL, fiber.StatusTemporaryRedirect)
}

func (h *PlatformHandler) CallbackHandler(c *fiber.Ctx) error {
	platform, err := models.ParsePlatform(c.Params("platform"))
	if err != nil {
		return badRequest(c, err.Error())
	}
	if denied := c.Query("error"); denied != "" {
		h.log.Info("user declined authorization", zap.String("platform", platform.String()), zap.String("error", denied))
		return c.Redirect(fmt.Sprintf("%s/accounts?error=%s", h.frontendURL, url.QueryEscape(denied)), fiber.StatusTemporaryRedirect)
	}

	acc, err := h.connect.Callback(c.Context(), platform, c.Query("code"), c.Query("state"))
	if err != nil {
		return errorJSON(c, h.log, err)
	}

	redirectURL := fmt.Sprintf("%s/accounts?connected=%s&account_id=%s", h.frontendURL, platform, acc.ID)
	return c.Redirect(redirectURL, fiber.StatusTemporaryRedirect)
}

func (h *PlatformHandler) ListSocialAccounts(c *fiber.Ctx) error {
	accounts, err := h.accounts.ListByUser(c.Context(), c.Query("user_id", GetActor(c)))
	if err != nil {
		return errorJSON(c, h.log, err)
	}
	if accounts == nil {
		accounts = []*models.Account{}
	}
	return c.Status(fiber.StatusOK).JSON(accounts)
}

// ListReauth is the standing list of accounts a human has to reconnect.
func (h *PlatformHandler) ListReauth(c *fiber.Ctx) error {
	accounts, err := h.accounts.ListRequiringReauth(c.Context())
	if err != nil {
		return errorJSON(c, h.log, err)
	}
	if accounts == nil {
		accounts = []*models.Account{}
	}
	return c.Status(fiber.StatusOK).JSON(accounts)
}

func (h *PlatformHandler) DeleteSocialAccount(c *fiber.Ctx) error {
	if err := h.accounts.Disconnect(c.Context(), c.Params("id"), GetActor(c)); err != nil {
		return errorJSON(c, h.log, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
