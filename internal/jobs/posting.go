package job

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/maheshrc27/postpilot/internal/publisher"
	"github.com/maheshrc27/postpilot/internal/ratelimit"
	"github.com/maheshrc27/postpilot/internal/repository"
	"go.uber.org/zap"
)

const actorScheduler = "scheduler"

func (s *Scheduler) postingTick(ctx context.Context) *Report {
	r := &Report{}
	if s.EmergencyStopped() {
		r.Skipped = "emergency stop active"
		return r
	}

	now := s.now()
	posts, err := s.deps.Posts.Due(ctx, now, s.cfg.Lookback)
	if err != nil {
		s.log.Error("loading due posts failed", zap.Error(err))
		r.Error = err.Error()
		return r
	}
	r.Examined = len(posts)

	t := &tally{r: r}
	var wg sync.WaitGroup
	// Posts are dispatched in scheduled_for order; they may finish in any.
	for _, post := range posts {
		if s.EmergencyStopped() {
			r.Skipped = "emergency stop activated during tick"
			break
		}

		res, ok := s.deps.Limiter.Reserve(post.Platform, post.AccountID)
		if !ok {
			t.add(s.deferPost(ctx, post))
			continue
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.deps.Limiter.Release(res)
			r.Error = err.Error()
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.sem.Release(1)
			t.add(s.process(ctx, post, res))
		}()
	}
	wg.Wait()
	return r
}

// PublishPost runs the posting pipeline for one post right away, whatever
// its scheduled time. Failures are recorded on the post, not returned.
func (s *Scheduler) PublishPost(ctx context.Context, id string) error {
	if !s.begin() {
		return ErrStopped
	}
	defer s.inflight.Done()

	if s.EmergencyStopped() {
		return ErrEmergencyStop
	}
	post, err := s.deps.Posts.Get(ctx, id)
	if err != nil {
		return err
	}
	if !slices.Contains(models.ClaimableStatuses, post.Status) {
		s.log.Info("post not publishable, dropping", zap.String("post_id", id), zap.String("status", string(post.Status)))
		return nil
	}

	res, ok := s.deps.Limiter.Reserve(post.Platform, post.AccountID)
	if !ok {
		s.deferPost(ctx, post)
		return nil
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.deps.Limiter.Release(res)
		return err
	}
	defer s.sem.Release(1)

	s.process(ctx, post, res)
	return nil
}

func (s *Scheduler) deferPost(ctx context.Context, post *models.ScheduledPost) outcome {
	until := s.now().Add(s.cfg.RateLimitDelay)
	if err := s.deps.Posts.Defer(ctx, post, until); err != nil {
		s.log.Warn("deferring post failed", zap.String("post_id", post.ID), zap.Error(err))
		return outcomeIgnored
	}
	slot := s.deps.Limiter.NextSlot(post.Platform, post.AccountID)
	s.log.Info("rate limit reached, post deferred",
		zap.String("post_id", post.ID),
		zap.String("account_id", post.AccountID),
		zap.String("platform", post.Platform.String()),
		zap.Time("until", until),
		zap.Time("next_slot", slot))
	s.deps.Audit.LogAction(ctx, actorScheduler, "post.defer", models.AuditSuccess,
		fmt.Sprintf("%s rate limit reached, deferred to %s, next slot at %s",
			post.Platform, until.Format(time.RFC3339), slot.Format(time.RFC3339)),
		models.AuditRefs{PostID: post.ID, AccountID: post.AccountID})
	return outcomeDeferred
}

// process takes one due post through token check, claim, publish and the
// final state write. The reservation is given back unless a publish call
// was made.
func (s *Scheduler) process(ctx context.Context, post *models.ScheduledPost, res ratelimit.Reservation) outcome {
	log := s.log.With(
		zap.String("post_id", post.ID),
		zap.String("account_id", post.AccountID),
		zap.String("platform", post.Platform.String()))

	sent := false
	defer func() {
		if !sent {
			s.deps.Limiter.Release(res)
		}
	}()

	pub, err := s.deps.Publishers.Get(post.Platform)
	if err != nil {
		return s.fail(ctx, log, post, apperr.Configuration, err.Error())
	}

	acc, err := s.deps.Accounts.Get(ctx, post.AccountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return s.fail(ctx, log, post, apperr.Validation, "target account no longer exists")
		}
		log.Warn("loading account failed, will retry next tick", zap.Error(err))
		return outcomeIgnored
	}
	if !acc.IsActive {
		return s.fail(ctx, log, post, apperr.Authentication, "target account is disconnected")
	}

	acc, token, err := s.accessToken(ctx, acc)
	if err != nil {
		// Token problems never spend a transient retry.
		s.markInvalid(ctx, post.AccountID, err)
		return s.fail(ctx, log, post, apperr.Authentication, err.Error())
	}

	if s.EmergencyStopped() {
		return outcomeIgnored
	}
	if _, ok := s.unrecordedRef(post.ID); ok || post.ReachedPlatform() {
		log.Warn("post already reached the platform, not sending again")
		return outcomeIgnored
	}
	claimed, err := s.deps.Posts.Claim(ctx, post.ID)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			log.Debug("post claimed elsewhere")
		} else {
			log.Warn("claim failed", zap.Error(err))
		}
		return outcomeIgnored
	}

	resolved, err := s.deps.Media.Resolve(ctx, claimed.MediaRefs)
	if err != nil {
		return s.fail(ctx, log, claimed, classify(err), err.Error())
	}

	sent = true
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	result, err := pub.Publish(callCtx, publisher.PublishRequest{
		Account:        acc,
		Content:        claimed.Content,
		Title:          claimed.Title,
		Media:          resolved,
		AccessToken:    token,
		IdempotencyKey: claimed.IdempotencyKey,
	})
	cancel()
	if err != nil {
		kind := classify(err)
		if kind.RequiresReauth() {
			s.markInvalid(ctx, acc.ID, err)
		}
		return s.fail(ctx, log, claimed, kind, err.Error())
	}

	if err := s.recordPublished(ctx, log, claimed, *result); err != nil {
		log.Error("post is live but recording it failed",
			zap.String("platform_post_id", result.PlatformPostID), zap.Error(err))
		s.deps.Audit.LogAction(ctx, actorScheduler, "post.publish", models.AuditFailure,
			fmt.Sprintf("published as %s but state write failed: %v", result.PlatformPostID, err),
			models.AuditRefs{PostID: post.ID, AccountID: acc.ID})
		return outcomeFailed
	}

	now := s.now()
	s.createMetricStub(ctx, log, claimed)
	if err := s.deps.Accounts.RecordPost(ctx, acc.ID, now); err != nil {
		log.Warn("recording last post time failed", zap.Error(err))
	}

	log.Info("post published",
		zap.String("platform_post_id", result.PlatformPostID),
		zap.Int("attempt", claimed.AttemptCount),
		zap.Int("rate_remaining", s.deps.Limiter.Remaining(post.Platform, post.AccountID)))
	s.deps.Audit.LogAction(ctx, actorScheduler, "post.publish", models.AuditSuccess,
		fmt.Sprintf("published to %s as %s", post.Platform, result.PlatformPostID),
		models.AuditRefs{PostID: post.ID, AccountID: acc.ID})
	return outcomeSucceeded
}

// recordPublished writes the published state, retrying a few times. When
// that keeps failing the platform ref is saved on its own and remembered, so
// the sweep settles the post instead of requeueing it.
func (s *Scheduler) recordPublished(ctx context.Context, log *zap.Logger, post *models.ScheduledPost, result publisher.Result) error {
	var err error
	for attempt := range markPublishedAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(s.recordPause * time.Duration(attempt)):
			}
			if errors.Is(err, repository.ErrConflict) {
				if cur, getErr := s.deps.Posts.Get(ctx, post.ID); getErr == nil {
					*post = *cur
				}
			}
		}
		err = s.deps.Posts.MarkPublished(ctx, post, result.PlatformPostID, result.PlatformPostURL)
		if err == nil || apperr.Is(err, apperr.InvalidTransition) {
			break
		}
		log.Warn("recording published state failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	if err == nil {
		return nil
	}

	s.unrecordedMu.Lock()
	s.unrecorded[post.ID] = result
	s.unrecordedMu.Unlock()
	if refErr := s.deps.Posts.RecordPlatformRef(ctx, post, result.PlatformPostID, result.PlatformPostURL); refErr != nil {
		log.Error("saving platform ref failed", zap.Error(refErr))
	}
	return err
}

// unrecordedRef returns the platform ref of a publish whose state write is
// still outstanding.
func (s *Scheduler) unrecordedRef(postID string) (publisher.Result, bool) {
	s.unrecordedMu.Lock()
	defer s.unrecordedMu.Unlock()
	ref, ok := s.unrecorded[postID]
	return ref, ok
}

func (s *Scheduler) forgetUnrecorded(postID string) {
	s.unrecordedMu.Lock()
	delete(s.unrecorded, postID)
	s.unrecordedMu.Unlock()
}

func (s *Scheduler) fail(ctx context.Context, log *zap.Logger, post *models.ScheduledPost, kind apperr.Kind, msg string) outcome {
	if err := s.deps.Posts.MarkFailed(ctx, post, kind, msg); err != nil {
		log.Error("recording failure failed", zap.String("kind", kind.String()), zap.Error(err))
		return outcomeIgnored
	}
	log.Warn("publish failed",
		zap.String("kind", kind.String()),
		zap.Int("attempt", post.AttemptCount),
		zap.Bool("retryable", post.CanRetry()),
		zap.String("error", msg))
	s.deps.Audit.LogAction(ctx, actorScheduler, "post.publish", models.AuditFailure,
		kind.String()+": "+msg,
		models.AuditRefs{PostID: post.ID, AccountID: post.AccountID})
	return outcomeFailed
}

func (s *Scheduler) createMetricStub(ctx context.Context, log *zap.Logger, post *models.ScheduledPost) {
	now := s.now()
	m := &models.Metric{
		ID:             uuid.NewString(),
		PostID:         post.ID,
		AccountID:      post.AccountID,
		Platform:       post.Platform,
		PlatformPostID: post.PlatformPostID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.deps.Metrics.Create(ctx, m); err != nil {
		log.Warn("creating metric record failed", zap.Error(err))
	}
}

func (s *Scheduler) markInvalid(ctx context.Context, accountID string, cause error) {
	if err := s.deps.Accounts.MarkInvalid(ctx, accountID, cause.Error()); err != nil {
		s.log.Error("flagging account for reauth failed", zap.String("account_id", accountID), zap.Error(err))
	}
}

// classify maps an error to the taxonomy. Errors nobody classified are
// treated as transient.
func classify(err error) apperr.Kind {
	kind := apperr.KindOf(err)
	if kind == apperr.Unknown {
		return apperr.TransientNetwork
	}
	return kind
}
