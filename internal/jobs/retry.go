package job

import (
	"context"
	"fmt"
	"time"

	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/maheshrc27/postpilot/internal/publisher"
	"github.com/maheshrc27/postpilot/internal/repository"
	"go.uber.org/zap"
)

// retryTick first fails claims that went stale, then puts retryable failed
// posts back in the queue once their backoff has passed.
func (s *Scheduler) retryTick(ctx context.Context) *Report {
	r := &Report{}
	now := s.now()

	r.Swept = s.sweepStaleClaims(ctx, now)

	if s.EmergencyStopped() {
		r.Skipped = "emergency stop active"
		return r
	}

	failed, err := s.deps.Posts.List(ctx, repository.PostFilter{
		Statuses: []models.PostStatus{models.PostStatusFailed},
	})
	if err != nil {
		s.log.Error("listing failed posts failed", zap.Error(err))
		r.Error = err.Error()
		return r
	}
	r.Examined = len(failed)

	for _, post := range failed {
		if _, ok := s.unrecordedRef(post.ID); ok || !post.CanRetry() {
			r.Ignored++
			continue
		}
		if post.LastAttemptAt != nil && now.Sub(*post.LastAttemptAt) < s.backoff(post.AttemptCount) {
			r.Deferred++
			continue
		}
		if err := s.deps.Posts.ResetForRetry(ctx, post); err != nil {
			s.log.Warn("requeueing post failed", zap.String("post_id", post.ID), zap.Error(err))
			r.Failed++
			continue
		}
		s.deps.Audit.LogAction(ctx, actorScheduler, "post.retry", models.AuditSuccess,
			fmt.Sprintf("requeued after attempt %d of %d", post.AttemptCount, post.MaxAttempts),
			models.AuditRefs{PostID: post.ID, AccountID: post.AccountID})
		r.Succeeded++
	}
	return r
}

// backoff is the cool-down after the given attempt: RetryCooldown doubled
// per earlier attempt, capped at MaxRetryBackoff.
func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.cfg.RetryCooldown
	limit := s.cfg.MaxRetryBackoff
	for i := 1; i < attempt; i++ {
		if limit > 0 && d >= limit {
			break
		}
		d *= 2
	}
	if limit > 0 && d > limit {
		d = limit
	}
	return d
}

// sweepStaleClaims fails posts left in publishing by a worker that died.
// Whether they reached the platform is unknown, unless a platform ref was
// kept for them, in which case they are settled as published.
func (s *Scheduler) sweepStaleClaims(ctx context.Context, now time.Time) int {
	if s.cfg.StaleClaimAfter <= 0 {
		return 0
	}
	cutoff := now.Add(-s.cfg.StaleClaimAfter)
	stale, err := s.deps.Posts.List(ctx, repository.PostFilter{
		Statuses:          []models.PostStatus{models.PostStatusPublishing},
		LastAttemptBefore: &cutoff,
	})
	if err != nil {
		s.log.Error("listing stale claims failed", zap.Error(err))
		return 0
	}

	swept := 0
	for _, post := range stale {
		if ref, ok := s.platformRef(post); ok {
			if s.settlePublished(ctx, post, ref) {
				swept++
			}
			continue
		}
		msg := fmt.Sprintf("publish outcome unknown: claim held since %s", post.LastAttemptAt.Format(time.RFC3339))
		if err := s.deps.Posts.MarkFailed(ctx, post, apperr.TransientNetwork, msg); err != nil {
			s.log.Warn("sweeping stale claim failed", zap.String("post_id", post.ID), zap.Error(err))
			continue
		}
		s.log.Warn("stale claim swept", zap.String("post_id", post.ID), zap.String("platform", post.Platform.String()))
		s.deps.Audit.LogAction(ctx, actorScheduler, "post.sweep", models.AuditFailure, msg,
			models.AuditRefs{PostID: post.ID, AccountID: post.AccountID})
		swept++
	}
	return swept
}

func (s *Scheduler) platformRef(post *models.ScheduledPost) (publisher.Result, bool) {
	if ref, ok := s.unrecordedRef(post.ID); ok {
		return ref, true
	}
	if post.ReachedPlatform() {
		return publisher.Result{PlatformPostID: post.PlatformPostID, PlatformPostURL: post.PlatformPostURL}, true
	}
	return publisher.Result{}, false
}

// settlePublished finishes a post that is live on the platform but still
// shows publishing. On failure it stays put for the next sweep.
func (s *Scheduler) settlePublished(ctx context.Context, post *models.ScheduledPost, ref publisher.Result) bool {
	log := s.log.With(zap.String("post_id", post.ID), zap.String("platform_post_id", ref.PlatformPostID))
	if err := s.deps.Posts.MarkPublished(ctx, post, ref.PlatformPostID, ref.PlatformPostURL); err != nil {
		log.Warn("settling published post failed", zap.Error(err))
		return false
	}
	s.forgetUnrecorded(post.ID)
	s.createMetricStub(ctx, log, post)
	log.Info("published post settled by sweep")
	s.deps.Audit.LogAction(ctx, actorScheduler, "post.publish", models.AuditSuccess,
		fmt.Sprintf("recorded late as %s", ref.PlatformPostID),
		models.AuditRefs{PostID: post.ID, AccountID: post.AccountID})
	return true
}
