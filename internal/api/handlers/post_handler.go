package handlers

import (
	"slices"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/maheshrc27/postpilot/internal/queue"
	"github.com/maheshrc27/postpilot/internal/repository"
	"github.com/maheshrc27/postpilot/internal/service"
	"github.com/maheshrc27/postpilot/internal/transfer"
	"go.uber.org/zap"
)

const maxListLimit = 500

type PostHandler struct {
	s     service.PostService
	queue queue.Enqueuer
	log   *zap.Logger
}

func NewPostHandler(service service.PostService, enqueuer queue.Enqueuer, log *zap.Logger) *PostHandler {
	return &PostHandler{s: service, queue: enqueuer, log: log}
}

func scheduledFor(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func (h *PostHandler) CreatePost(c *fiber.Ctx) error {
	var req transfer.CreatePostRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Unable to parse json")
	}

	post, err := h.s.Create(c.Context(), service.CreatePost{
		UserID:           req.UserID,
		AccountID:        req.AccountID,
		Content:          req.Content,
		Title:            req.Title,
		Media:            req.Media,
		ScheduledFor:     scheduledFor(req.ScheduledFor),
		RequiresApproval: req.RequiresApproval,
	})
	if err != nil {
		return errorJSON(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(post)
}

func (h *PostHandler) GeneratePost(c *fiber.Ctx) error {
	var req transfer.GeneratePostRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Unable to parse json")
	}

	post, err := h.s.Generate(c.Context(), service.GeneratePost{
		UserID:       req.UserID,
		AccountID:    req.AccountID,
		ScheduledFor: scheduledFor(req.ScheduledFor),
		Media:        req.Media,
		GenerateRequest: service.GenerateRequest{
			ContentType: req.ContentType,
			Theme:       req.Theme,
			City:        req.City,
			Audience:    req.Audience,
			Notes:       req.Notes,
		},
	})
	if err != nil {
		return errorJSON(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(post)
}

func (h *PostHandler) ListPosts(c *fiber.Ctx) error {
	f := repository.PostFilter{
		UserID:    c.Query("user_id"),
		AccountID: c.Query("account_id"),
		Limit:     c.QueryInt("limit", 100),
	}
	if f.Limit <= 0 || f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status, err := models.ParsePostStatus(strings.TrimSpace(s))
			if err != nil {
				return badRequest(c, err.Error())
			}
			f.Statuses = append(f.Statuses, status)
		}
	}

	posts, err := h.s.List(c.Context(), f)
	if err != nil {
		return errorJSON(c, h.log, err)
	}
	if posts == nil {
		posts = []*models.ScheduledPost{}
	}
	return c.Status(fiber.StatusOK).JSON(posts)
}

func (h *PostHandler) GetPost(c *fiber.Ctx) error {
	post, err := h.s.Get(c.Context(), c.Params("id"))
	if err != nil {
		return errorJSON(c, h.log, err)
	}
	return c.Status(fiber.StatusOK).JSON(post)
}

func (h *PostHandler) ApprovePost(c *fiber.Ctx) error {
	post, err := h.s.Approve(c.Context(), c.Params("id"), GetActor(c))
	if err != nil {
		return errorJSON(c, h.log, err)
	}
	return c.Status(fiber.StatusOK).JSON(post)
}

func (h *PostHandler) SchedulePost(c *fiber.Ctx) error {
	var req transfer.SchedulePostRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Unable to parse json")
		}
	}

	post, err := h.s.Schedule(c.Context(), c.Params("id"), GetActor(c), scheduledFor(req.ScheduledFor))
	if err != nil {
		return errorJSON(c, h.log, err)
	}
	return c.Status(fiber.StatusOK).JSON(post)
}

func (h *PostHandler) CancelPost(c *fiber.Ctx) error {
	var req transfer.CancelPostRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Unable to parse json")
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by " + GetActor(c)
	}

	post, err := h.s.Cancel(c.Context(), c.Params("id"), GetActor(c), req.Reason)
	if err != nil {
		return errorJSON(c, h.log, err)
	}
	return c.Status(fiber.StatusOK).JSON(post)
}

// PublishPost queues the post for an immediate publish attempt.
func (h *PostHandler) PublishPost(c *fiber.Ctx) error {
	post, err := h.s.Get(c.Context(), c.Params("id"))
	if err != nil {
		return errorJSON(c, h.log, err)
	}
	if !slices.Contains(models.ClaimableStatuses, post.Status) {
		return errorJSON(c, h.log, apperr.New(apperr.InvalidTransition, "posts.publish",
			"post %s is %s; only approved or scheduled posts can be published", post.ID, post.Status))
	}

	if err := queue.EnqueuePublish(c.Context(), h.queue, h.log, queue.PublishPostPayload{PostID: post.ID}, 0); err != nil {
		return errorJSON(c, h.log, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"message": "Post queued for publishing",
		"post_id": post.ID,
	})
}
