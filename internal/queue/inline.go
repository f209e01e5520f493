package queue

import (
	"context"
	"sync"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Inline is an Enqueuer for deployments without Redis. Tasks run on a
// goroutine in this process and are lost on restart; the posting tick still
// picks up anything that did not run. Options other than deduplication of
// pending tasks are ignored.
type Inline struct {
	q       *Queue
	mu      sync.Mutex
	pending map[string]bool
	wg      sync.WaitGroup
}

func NewInline(q *Queue) *Inline {
	return &Inline{q: q, pending: make(map[string]bool)}
}

func (in *Inline) EnqueueContext(ctx context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	key := task.Type() + ":" + string(task.Payload())

	in.mu.Lock()
	if in.pending[key] {
		in.mu.Unlock()
		return nil, asynq.ErrTaskIDConflict
	}
	in.pending[key] = true
	in.mu.Unlock()

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		defer func() {
			in.mu.Lock()
			delete(in.pending, key)
			in.mu.Unlock()
		}()
		if err := in.q.HandlePublishPostTask(context.WithoutCancel(ctx), task); err != nil {
			in.q.log.Debug("inline task returned error", zap.String("type", task.Type()), zap.Error(err))
		}
	}()

	return &asynq.TaskInfo{ID: key, Type: task.Type(), Queue: "inline", State: asynq.TaskStateActive}, nil
}

// Wait blocks until every queued task has finished.
func (in *Inline) Wait() {
	in.wg.Wait()
}
