package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/transfer"
	"go.uber.org/zap"
)

// GetActor returns who the auth middleware authenticated.
func GetActor(c *fiber.Ctx) string {
	actor, _ := c.Locals("actor").(string)
	if actor == "" {
		return "admin"
	}
	return actor
}

// StatusFor maps an error kind to the HTTP status the API answers with.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.Validation:
		return fiber.StatusBadRequest
	case apperr.Authentication:
		return fiber.StatusUnauthorized
	case apperr.NotFound:
		return fiber.StatusNotFound
	case apperr.Conflict, apperr.InvalidTransition:
		return fiber.StatusConflict
	case apperr.ContentRejected:
		return fiber.StatusUnprocessableEntity
	case apperr.RateLimitExceeded:
		return fiber.StatusTooManyRequests
	case apperr.Configuration:
		return fiber.StatusServiceUnavailable
	case apperr.TransientNetwork:
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

func errorJSON(c *fiber.Ctx, log *zap.Logger, err error) error {
	kind := apperr.KindOf(err)
	status := StatusFor(kind)
	msg := err.Error()
	if status == fiber.StatusInternalServerError {
		log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		msg = "internal error"
	}
	return c.Status(status).JSON(transfer.ErrorResponse{Error: msg, Kind: kind.String()})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(transfer.ErrorResponse{Error: msg, Kind: apperr.Validation.String()})
}
