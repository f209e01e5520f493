package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	job "github.com/maheshrc27/postpilot/internal/jobs"
	"github.com/maheshrc27/postpilot/internal/service"
	"github.com/maheshrc27/postpilot/internal/transfer"
	"go.uber.org/zap"
)

// Controller is the scheduler surface the admin API drives.
type Controller interface {
	Status() job.Status
	ActivateEmergencyStop(ctx context.Context, actor, reason string)
	DeactivateEmergencyStop(ctx context.Context, actor string)
	Tick(ctx context.Context, name string) (*job.Report, error)
}

type ControlHandler struct {
	scheduler Controller
	audit     service.AuditService
	log       *zap.Logger
}

func NewControlHandler(scheduler Controller, audit service.AuditService, log *zap.Logger) *ControlHandler {
	return &ControlHandler{scheduler: scheduler, audit: audit, log: log}
}

func (h *ControlHandler) GetStatus(c *fiber.Ctx) error {
	return c.JSON(h.scheduler.Status())
}

func (h *ControlHandler) ActivateEmergencyStop(c *fiber.Ctx) error {
	var req transfer.EmergencyStopRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Unable to parse json")
		}
	}
	if req.Reason == "" {
		return badRequest(c, "reason is required")
	}

	h.scheduler.ActivateEmergencyStop(c.Context(), GetActor(c), req.Reason)
	return c.JSON(h.scheduler.Status())
}

func (h *ControlHandler) DeactivateEmergencyStop(c *fiber.Ctx) error {
	h.scheduler.DeactivateEmergencyStop(c.Context(), GetActor(c))
	return c.JSON(h.scheduler.Status())
}

// RunTick runs one tick synchronously and returns its report.
func (h *ControlHandler) RunTick(c *fiber.Ctx) error {
	report, err := h.scheduler.Tick(c.Context(), c.Params("name"))
	if err != nil {
		return errorJSON(c, h.log, err)
	}
	return c.JSON(report)
}

func (h *ControlHandler) ListAudit(c *fiber.Ctx) error {
	entries, err := h.audit.List(c.Context(), c.QueryInt("limit", 100))
	if err != nil {
		return errorJSON(c, h.log, err)
	}
	return c.JSON(entries)
}
