// Package asynqadp provides the Retry Executor's task queue: a single-worker,
// single-concurrency asynq queue enforcing strict FIFO processing of pending
// per-image retries.
package asynqadp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ascensum/gen-image-runner/internal/domain"
)

// TaskRetryImage is the asynq task type carrying one image's retry attempt.
const TaskRetryImage = "retry_image"

// RetryImagePayload identifies the image a retry task must process.
type RetryImagePayload struct {
	ImageID        string `json:"image_id"`
	JobExecutionID string `json:"job_execution_id"`
}

// Queue enqueues retry tasks.
type Queue struct{ client *asynq.Client }

// New constructs a Queue backed by the given Redis connection string.
func New(redisURL string) (*Queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return &Queue{client: asynq.NewClient(opt)}, nil
}

// EnqueueRetryImage schedules a single image for a retry attempt. Tasks are
// enqueued with MaxRetry(0), so asynq never retries them itself; the Retry
// Executor's cooldown/backoff policy (in-memory RetryInfo plus classify.Code)
// applies only to its in-process queue.
func (q *Queue) EnqueueRetryImage(ctx domain.Context, imageID, jobExecutionID string) (string, error) {
	b, err := json.Marshal(RetryImagePayload{ImageID: imageID, JobExecutionID: jobExecutionID})
	if err != nil {
		return "", fmt.Errorf("op=queue.marshal: %w", err)
	}
	t := asynq.NewTask(TaskRetryImage, b)
	info, err := q.client.EnqueueContext(ctx, t, asynq.MaxRetry(0), asynq.Retention(24*time.Hour))
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	return info.ID, nil
}

// Close closes the underlying client.
func (q *Queue) Close() error { return q.client.Close() }
