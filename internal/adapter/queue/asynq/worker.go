package asynqadp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ImageRetryHandler processes one queued image retry. Implemented by
// internal/retryexec; kept here as a function type so this package never
// imports the executor package.
type ImageRetryHandler func(ctx context.Context, imageID, jobExecutionID string) error

// Worker drains the retry queue with concurrency fixed at 1, so images are
// retried strictly FIFO and never processed concurrently with each other.
type Worker struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	handler ImageRetryHandler
}

// NewWorker constructs a Worker bound to the given handler.
func NewWorker(redisURL string, handler ImageRetryHandler) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	srv := asynq.NewServer(opt, asynq.Config{Concurrency: 1})
	mux := asynq.NewServeMux()
	w := &Worker{server: srv, mux: mux, handler: handler}

	mux.HandleFunc(TaskRetryImage, func(ctx context.Context, t *asynq.Task) error {
		tracer := otel.Tracer("queue.retry_worker")
		ctx, span := tracer.Start(ctx, "RetryImage")
		defer span.End()

		var p RetryImagePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("op=retry_worker.unmarshal: %w", err)
		}
		span.SetAttributes(
			attribute.String("image.id", p.ImageID),
			attribute.String("job_execution.id", p.JobExecutionID),
		)

		if err := w.handler(ctx, p.ImageID, p.JobExecutionID); err != nil {
			slog.Error("retry task failed", slog.String("image_id", p.ImageID), slog.Any("error", err))
			return err
		}
		return nil
	})

	return w, nil
}

// Start begins processing tasks until Stop is called.
func (w *Worker) Start(_ context.Context) error { return w.server.Start(w.mux) }

// Stop gracefully shuts down the worker server.
func (w *Worker) Stop() { w.server.Shutdown() }
