package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/maheshrc27/postpilot/internal/apperr"
	"go.uber.org/zap"
)

// Enqueuer is the part of *asynq.Client the API needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

const maxTaskRetry = 3

// EnqueuePublish queues an immediate publish of one post. A post has at most
// one pending task; a second enqueue returns a Conflict error.
func EnqueuePublish(ctx context.Context, client Enqueuer, log *zap.Logger, payload PublishPostPayload, delay time.Duration) error {
	taskPayload, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskTypePublishPost, taskPayload)

	_, err = client.EnqueueContext(ctx, task,
		asynq.ProcessIn(delay),
		asynq.TaskID(TaskTypePublishPost+":"+payload.PostID),
		asynq.MaxRetry(maxTaskRetry))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return apperr.New(apperr.Conflict, "queue.enqueue", "post %s is already queued for publishing", payload.PostID)
	}
	if err != nil {
		return apperr.Wrap(apperr.TransientNetwork, "queue.enqueue", err)
	}

	log.Info("publish task queued", zap.String("post_id", payload.PostID), zap.Duration("delay", delay))
	return nil
}
