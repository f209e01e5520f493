package queue

import (
	"context"

	"go.uber.org/zap"
)

// PostPublisher runs the publish pipeline for one post. The scheduler
// implements it.
type PostPublisher interface {
	PublishPost(ctx context.Context, id string) error
}

type Queue struct {
	publisher PostPublisher
	log       *zap.Logger
}

func NewQueue(publisher PostPublisher, log *zap.Logger) *Queue {
	return &Queue{
		publisher: publisher,
		log:       log.Named("queue"),
	}
}

const TaskTypePublishPost = "publish:post"

type PublishPostPayload struct {
	PostID string `json:"post_id"`
}
