package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/maheshrc27/postpilot/internal/repository"
	"go.uber.org/zap"
)

const auditWriteTimeout = 5 * time.Second

type AuditService interface {
	// LogAction never fails the caller. The write runs on a context detached
	// from ctx's cancellation; errors are logged.
	LogAction(ctx context.Context, actor, action string, status models.AuditStatus, description string, refs models.AuditRefs)
	List(ctx context.Context, limit int) ([]*models.AuditEntry, error)
}

type auditService struct {
	repo repository.AuditRepository
	log  *zap.Logger
	now  Clock
}

func NewAuditService(repo repository.AuditRepository, log *zap.Logger, now Clock) AuditService {
	return &auditService{repo: repo, log: log, now: now.orDefault()}
}

func (s *auditService) LogAction(ctx context.Context, actor, action string, status models.AuditStatus, description string, refs models.AuditRefs) {
	entry := &models.AuditEntry{
		ID:          uuid.NewString(),
		Actor:       actor,
		Action:      action,
		Status:      status,
		Description: description,
		AuditRefs:   refs,
		CreatedAt:   s.now(),
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()

	if err := s.repo.Append(writeCtx, entry); err != nil {
		s.log.Warn("audit write failed",
			zap.String("action", action),
			zap.String("post_id", refs.PostID),
			zap.String("account_id", refs.AccountID),
			zap.Error(err))
	}
}

func (s *auditService) List(ctx context.Context, limit int) ([]*models.AuditEntry, error) {
	return s.repo.List(ctx, limit)
}
