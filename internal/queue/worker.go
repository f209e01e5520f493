package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/maheshrc27/postpilot/internal/apperr"
	job "github.com/maheshrc27/postpilot/internal/jobs"
	"go.uber.org/zap"
)

func (q *Queue) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypePublishPost, q.HandlePublishPostTask)
	return mux
}

// HandlePublishPostTask returns an error only when asynq should try again.
// Publish failures are recorded on the post and retried by the scheduler.
func (q *Queue) HandlePublishPostTask(ctx context.Context, task *asynq.Task) error {
	var payload PublishPostPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.PostID == "" {
		return fmt.Errorf("payload has no post id: %w", asynq.SkipRetry)
	}

	err := q.publisher.PublishPost(ctx, payload.PostID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, job.ErrEmergencyStop):
		q.log.Warn("emergency stop active, publish task dropped", zap.String("post_id", payload.PostID))
		return nil
	case apperr.Is(err, apperr.NotFound):
		q.log.Warn("publish task for unknown post", zap.String("post_id", payload.PostID))
		return fmt.Errorf("post %s: %w", payload.PostID, asynq.SkipRetry)
	default:
		q.log.Error("publish task failed", zap.String("post_id", payload.PostID), zap.Error(err))
		return err
	}
}
