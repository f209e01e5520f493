package service

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/maheshrc27/postpilot/internal/repository"
	"go.uber.org/zap"
)

// casAttempts bounds how often a read-modify-write is retried after losing
// the compare-and-swap to a concurrent writer.
const casAttempts = 3

type CreatePost struct {
	UserID           string
	AccountID        string
	Content          string
	Title            string
	Media            []models.MediaRef
	ScheduledFor     time.Time
	RequiresApproval *bool
	Generation       *models.GenerationMeta
}

type GeneratePost struct {
	UserID       string
	AccountID    string
	ScheduledFor time.Time
	Media        []models.MediaRef
	GenerateRequest
}

type PostService interface {
	Create(ctx context.Context, in CreatePost) (*models.ScheduledPost, error)
	// Generate drafts content with the generator and always creates the post
	// pending approval.
	Generate(ctx context.Context, in GeneratePost) (*models.ScheduledPost, error)
	Get(ctx context.Context, id string) (*models.ScheduledPost, error)
	List(ctx context.Context, f repository.PostFilter) ([]*models.ScheduledPost, error)
	Approve(ctx context.Context, id, actor string) (*models.ScheduledPost, error)
	// Schedule queues an approved post for at, or for now when at is zero.
	Schedule(ctx context.Context, id, actor string, at time.Time) (*models.ScheduledPost, error)
	Cancel(ctx context.Context, id, actor, reason string) (*models.ScheduledPost, error)

	Due(ctx context.Context, now time.Time, lookback time.Duration) ([]*models.ScheduledPost, error)
	Claim(ctx context.Context, id string) (*models.ScheduledPost, error)
	MarkPublished(ctx context.Context, post *models.ScheduledPost, platformPostID, platformPostURL string) error
	MarkFailed(ctx context.Context, post *models.ScheduledPost, kind apperr.Kind, msg string) error
	Defer(ctx context.Context, post *models.ScheduledPost, until time.Time) error
	ResetForRetry(ctx context.Context, post *models.ScheduledPost) error
	// RecordPlatformRef keeps the platform post id of a publish whose state
	// write failed, so the post is never sent again.
	RecordPlatformRef(ctx context.Context, post *models.ScheduledPost, platformPostID, platformPostURL string) error
}

type postService struct {
	posts            repository.PostRepository
	accounts         repository.AccountRepository
	generator        ContentGenerator
	audit            AuditService
	log              *zap.Logger
	now              Clock
	approvalRequired bool
	maxAttempts      int
}

func NewPostService(
	posts repository.PostRepository,
	accounts repository.AccountRepository,
	generator ContentGenerator,
	audit AuditService,
	log *zap.Logger,
	now Clock,
	approvalRequired bool,
	maxAttempts int) PostService {
	return &postService{
		posts:            posts,
		accounts:         accounts,
		generator:        generator,
		audit:            audit,
		log:              log,
		now:              now.orDefault(),
		approvalRequired: approvalRequired,
		maxAttempts:      maxAttempts,
	}
}

func (s *postService) Create(ctx context.Context, in CreatePost) (*models.ScheduledPost, error) {
	acc, err := s.accounts.GetByID(ctx, in.AccountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.Validation, "posts.create", "account %s does not exist", in.AccountID)
		}
		return nil, err
	}
	if in.UserID == "" {
		in.UserID = acc.UserID
	}
	if acc.UserID != in.UserID {
		return nil, apperr.New(apperr.Validation, "posts.create", "account %s does not belong to user %s", acc.ID, in.UserID)
	}
	if !acc.IsActive {
		return nil, apperr.New(apperr.Validation, "posts.create", "account %s is disconnected", acc.ID)
	}
	if err := ValidateContent(acc.Platform, in.Content, in.Media); err != nil {
		return nil, err
	}

	now := s.now()
	scheduledFor := in.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = now
	}
	requiresApproval := s.approvalRequired
	if in.RequiresApproval != nil {
		requiresApproval = *in.RequiresApproval
	}
	status := models.PostStatusScheduled
	if requiresApproval {
		status = models.PostStatusPending
	}

	post := &models.ScheduledPost{
		ID:               newID(),
		UserID:           in.UserID,
		AccountID:        acc.ID,
		Platform:         acc.Platform,
		Content:          in.Content,
		Title:            in.Title,
		MediaRefs:        in.Media,
		ScheduledFor:     scheduledFor.UTC(),
		Status:           status,
		RequiresApproval: requiresApproval,
		MaxAttempts:      s.maxAttempts,
		IdempotencyKey:   uuid.NewString(),
		Generation:       in.Generation,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.posts.Create(ctx, post); err != nil {
		return nil, err
	}

	s.audit.LogAction(ctx, in.UserID, "post.create", models.AuditSuccess,
		fmt.Sprintf("%s post created as %s", post.Platform, post.Status),
		models.AuditRefs{PostID: post.ID, AccountID: acc.ID})
	return post, nil
}

// ValidateContent applies the platform's local text and media rules.
func ValidateContent(p models.Platform, content string, media []models.MediaRef) error {
	if content == "" && len(media) == 0 {
		return apperr.New(apperr.Validation, "posts.validate", "post has neither text nor media")
	}
	if n := utf8.RuneCountInString(content); n > p.MaxTextLength() {
		return apperr.New(apperr.ContentRejected, "posts.validate",
			"%s text is %d characters, limit is %d", p, n, p.MaxTextLength())
	}
	if p.RequiresMedia() && len(media) == 0 {
		return apperr.New(apperr.ContentRejected, "posts.validate", "%s requires media", p)
	}
	for _, m := range media {
		if m.Key == "" && m.URL == "" {
			return apperr.New(apperr.Validation, "posts.validate", "media reference needs a key or url")
		}
	}
	return nil
}

func (s *postService) Generate(ctx context.Context, in GeneratePost) (*models.ScheduledPost, error) {
	if s.generator == nil {
		return nil, apperr.New(apperr.Configuration, "posts.generate", "content generator is not configured")
	}
	acc, err := s.accounts.GetByID(ctx, in.AccountID)
	if err != nil {
		return nil, err
	}
	in.Platform = acc.Platform

	text, err := s.generator.GeneratePost(ctx, in.GenerateRequest)
	if err != nil {
		return nil, err
	}

	approval := true
	return s.Create(ctx, CreatePost{
		UserID:           in.UserID,
		AccountID:        in.AccountID,
		Content:          TrimToLimit(text, acc.Platform.MaxTextLength()),
		Media:            in.Media,
		ScheduledFor:     in.ScheduledFor,
		RequiresApproval: &approval,
		Generation: &models.GenerationMeta{
			Theme:       in.Theme,
			City:        in.City,
			ContentType: orDefault(in.ContentType, "general"),
			Model:       s.generator.Model(),
		},
	})
}

func (s *postService) Get(ctx context.Context, id string) (*models.ScheduledPost, error) {
	return s.posts.GetByID(ctx, id)
}

func (s *postService) List(ctx context.Context, f repository.PostFilter) ([]*models.ScheduledPost, error) {
	return s.posts.List(ctx, f)
}

// mutate loads the post, applies fn and saves it as a compare-and-swap on the
// loaded status. A lost swap reloads and tries again, so fn sees the winner's
// state and can reject it.
func (s *postService) mutate(ctx context.Context, id string, fn func(*models.ScheduledPost, time.Time) error) (*models.ScheduledPost, error) {
	for range casAttempts {
		post, err := s.posts.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		expected := post.Status
		if err := fn(post, s.now()); err != nil {
			return nil, err
		}
		err = s.posts.UpdateIf(ctx, post, expected)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return post, nil
	}
	return nil, repository.ErrConflict
}

func (s *postService) Approve(ctx context.Context, id, actor string) (*models.ScheduledPost, error) {
	post, err := s.mutate(ctx, id, func(p *models.ScheduledPost, now time.Time) error {
		return p.Approve(actor, now)
	})
	if err != nil {
		return nil, err
	}
	s.audit.LogAction(ctx, actor, "post.approve", models.AuditSuccess, "post approved",
		models.AuditRefs{PostID: id, AccountID: post.AccountID})
	return post, nil
}

func (s *postService) Schedule(ctx context.Context, id, actor string, at time.Time) (*models.ScheduledPost, error) {
	post, err := s.mutate(ctx, id, func(p *models.ScheduledPost, now time.Time) error {
		if at.IsZero() {
			at = now
		}
		return p.Schedule(at.UTC(), now)
	})
	if err != nil {
		return nil, err
	}
	s.audit.LogAction(ctx, actor, "post.schedule", models.AuditSuccess,
		"post scheduled for "+post.ScheduledFor.Format(time.RFC3339),
		models.AuditRefs{PostID: id, AccountID: post.AccountID})
	return post, nil
}

func (s *postService) Cancel(ctx context.Context, id, actor, reason string) (*models.ScheduledPost, error) {
	post, err := s.mutate(ctx, id, func(p *models.ScheduledPost, now time.Time) error {
		return p.Cancel(actor, reason, now)
	})
	if err != nil {
		return nil, err
	}
	s.audit.LogAction(ctx, actor, "post.cancel", models.AuditSuccess, reason,
		models.AuditRefs{PostID: id, AccountID: post.AccountID})
	return post, nil
}

func (s *postService) Due(ctx context.Context, now time.Time, lookback time.Duration) ([]*models.ScheduledPost, error) {
	from := now.Add(-lookback)
	return s.posts.List(ctx, repository.PostFilter{
		Statuses:      models.ClaimableStatuses,
		ScheduledFrom: &from,
		ScheduledTo:   &now,
	})
}

func (s *postService) Claim(ctx context.Context, id string) (*models.ScheduledPost, error) {
	return s.posts.Claim(ctx, id, s.now())
}

// apply runs fn on a copy of post and persists it as a compare-and-swap on
// post's current status. post is only updated when the write lands.
func (s *postService) apply(ctx context.Context, post *models.ScheduledPost, fn func(*models.ScheduledPost, time.Time) error) error {
	next := post.Clone()
	expected := post.Status
	if err := fn(next, s.now()); err != nil {
		return err
	}
	if err := s.posts.UpdateIf(ctx, next, expected); err != nil {
		return err
	}
	*post = *next
	return nil
}

func (s *postService) MarkPublished(ctx context.Context, post *models.ScheduledPost, platformPostID, platformPostURL string) error {
	return s.apply(ctx, post, func(p *models.ScheduledPost, now time.Time) error {
		return p.MarkPublished(platformPostID, platformPostURL, now)
	})
}

func (s *postService) MarkFailed(ctx context.Context, post *models.ScheduledPost, kind apperr.Kind, msg string) error {
	return s.apply(ctx, post, func(p *models.ScheduledPost, now time.Time) error {
		return p.MarkFailed(kind, msg, now)
	})
}

func (s *postService) Defer(ctx context.Context, post *models.ScheduledPost, until time.Time) error {
	return s.apply(ctx, post, func(p *models.ScheduledPost, now time.Time) error {
		return p.Defer(until, now)
	})
}

func (s *postService) ResetForRetry(ctx context.Context, post *models.ScheduledPost) error {
	return s.apply(ctx, post, func(p *models.ScheduledPost, now time.Time) error {
		return p.ResetForRetry(now)
	})
}

func (s *postService) RecordPlatformRef(ctx context.Context, post *models.ScheduledPost, platformPostID, platformPostURL string) error {
	now := s.now()
	if err := s.posts.SetPlatformRef(ctx, post.ID, platformPostID, platformPostURL, now); err != nil {
		return err
	}
	post.PlatformPostID = platformPostID
	post.PlatformPostURL = platformPostURL
	post.UpdatedAt = now
	return nil
}
