package job

import (
	"context"

	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/models"
	"go.uber.org/zap"
)

// metricsTick fills in engagement numbers for posts published within
// MetricsWindow.
func (s *Scheduler) metricsTick(ctx context.Context) *Report {
	r := &Report{}
	now := s.now()

	records, err := s.deps.Metrics.ListCreatedSince(ctx, now.Add(-s.cfg.MetricsWindow))
	if err != nil {
		s.log.Error("listing metric records failed", zap.Error(err))
		r.Error = err.Error()
		return r
	}
	r.Examined = len(records)

	for _, m := range records {
		switch s.collect(ctx, m) {
		case outcomeSucceeded:
			r.Succeeded++
		case outcomeFailed:
			r.Failed++
		default:
			r.Ignored++
		}
	}
	return r
}

func (s *Scheduler) collect(ctx context.Context, m *models.Metric) outcome {
	log := s.log.With(zap.String("post_id", m.PostID), zap.String("platform", m.Platform.String()))

	pub, err := s.deps.Publishers.Get(m.Platform)
	if err != nil {
		return outcomeIgnored
	}
	acc, err := s.deps.Accounts.Get(ctx, m.AccountID)
	if err != nil || !acc.IsActive || acc.RequiresReauth {
		return outcomeIgnored
	}
	acc, token, err := s.accessToken(ctx, acc)
	if err != nil {
		log.Debug("no usable token for metrics", zap.Error(err))
		return outcomeIgnored
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	got, err := pub.FetchMetrics(callCtx, acc, m.PlatformPostID, token)
	cancel()
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return outcomeIgnored
		}
		log.Warn("fetching metrics failed", zap.String("kind", classify(err).String()), zap.Error(err))
		return outcomeFailed
	}

	now := s.now()
	m.Impressions = got.Impressions
	m.Reach = got.Reach
	m.Likes = got.Likes
	m.Comments = got.Comments
	m.Shares = got.Shares
	m.Saves = got.Saves
	m.VideoViews = got.VideoViews
	m.CollectedAt = &now
	m.UpdatedAt = now
	if err := s.deps.Metrics.Update(ctx, m); err != nil {
		log.Warn("saving metrics failed", zap.Error(err))
		return outcomeFailed
	}
	return outcomeSucceeded
}
