// Package retryexec implements the Retry Executor (§4.2): a FIFO,
// single-concurrency queue that replays post-processing for an individual
// failed image, optionally with modified settings and metadata
// regeneration, without creating a new JobExecution.
package retryexec

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ascensum/gen-image-runner/internal/adapter/observability"
	"github.com/ascensum/gen-image-runner/internal/classify"
	"github.com/ascensum/gen-image-runner/internal/domain"
	"github.com/ascensum/gen-image-runner/internal/postproc"
)

// metadataPayload mirrors the JSON shape persisted in GeneratedImage.Metadata
// (§3); kept package-private and duplicated from internal/engine rather than
// shared, since neither package should import the other.
type metadataPayload struct {
	Title       string           `json:"title,omitempty"`
	Description string           `json:"description,omitempty"`
	UploadTags  []string         `json:"uploadTags,omitempty"`
	Failure     *metadataFailure `json:"failure,omitempty"`
}

type metadataFailure struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

func mergeMetadataSuccess(raw, title, description string, tags []string) string {
	var m metadataPayload
	_ = json.Unmarshal([]byte(raw), &m)
	m.Title = title
	m.Description = description
	m.UploadTags = tags
	m.Failure = nil
	b, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return string(b)
}

func mergeMetadataFailure(raw string, err error) string {
	var m metadataPayload
	_ = json.Unmarshal([]byte(raw), &m)
	m.Failure = &metadataFailure{Stage: string(domain.StageMetadata), Message: err.Error()}
	b, merr := json.Marshal(m)
	if merr != nil {
		return raw
	}
	return string(b)
}

// JobStatus is the lifecycle state of one queued retry job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobError      JobStatus = "error"
)

// RetryJob is one per-image retry request and its outcome.
type RetryJob struct {
	ImageID             string
	JobExecutionID      string
	UseOriginalSettings bool
	// ModifiedSettings is transient JSON (§4.2 step 4): it flows through the
	// retry but is never written back to GeneratedImage.ProcessingSettings.
	ModifiedSettings string
	IncludeMetadata  bool
	FailOptions      domain.FailOptions
	Status           JobStatus
	Error            string
}

// BatchRetryRequest is the addBatchRetryJob input (§4.2).
type BatchRetryRequest struct {
	Type                string
	ImageIDs            []string
	UseOriginalSettings bool
	ModifiedSettings    string
	IncludeMetadata     bool
	FailOptions         domain.FailOptions
}

// Enqueuer hands a queued image off to a durable FIFO transport (the
// asynq-backed queue in internal/adapter/queue/asynq). A nil Enqueuer drives
// the queue entirely in-process, which is how this package's own tests run
// it without Redis.
type Enqueuer interface {
	EnqueueRetryImage(ctx domain.Context, imageID, jobExecutionID string) (string, error)
}

// Executor is the Retry Executor. Its ImageRetryHandler-shaped method,
// ProcessSingleImage, is what the asynq worker calls per dequeued task; its
// AddBatchRetryJob/ProcessQueue/Stop/ClearCompletedJobs methods are the
// queue-introspection surface the RPC Adapter exposes.
type Executor struct {
	Facade        domain.PersistenceFacade
	Vision        domain.VisionProvider
	Processor     domain.ImageProcessor
	BGRemover     domain.BackgroundRemover
	Publisher     domain.EventPublisher
	Enqueue       Enqueuer
	DefaultConfig func() domain.JobConfiguration

	// RetryConfig drives the cooldown/backoff policy applied to in-process
	// retries (ShouldRetry/CalculateNextRetryDelay, §4.2/§4.4). Zero value
	// selects domain.DefaultRetryConfig().
	RetryConfig domain.RetryConfig

	mu         sync.Mutex
	queue      []*RetryJob
	jobs       map[string]*RetryJob           // keyed by ImageID
	retryInfo  map[string]*domain.RetryInfo   // keyed by ImageID
	processing bool
}

// New constructs an Executor. defaultConfig supplies the system-defaults
// fallback used by getOriginalJobConfiguration when the original
// configuration cannot be resolved.
func New(facade domain.PersistenceFacade, vision domain.VisionProvider, processor domain.ImageProcessor, bgRemover domain.BackgroundRemover, publisher domain.EventPublisher, enqueue Enqueuer, defaultConfig func() domain.JobConfiguration) *Executor {
	return &Executor{
		Facade:        facade,
		Vision:        vision,
		Processor:     processor,
		BGRemover:     bgRemover,
		Publisher:     publisher,
		Enqueue:       enqueue,
		DefaultConfig: defaultConfig,
		RetryConfig:   domain.DefaultRetryConfig(),
		jobs:          make(map[string]*RetryJob),
		retryInfo:     make(map[string]*domain.RetryInfo),
	}
}

func (e *Executor) retryInfoFor(imageID string) *domain.RetryInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, ok := e.retryInfo[imageID]
	if !ok {
		info = &domain.RetryInfo{MaxAttempts: e.retryConfig().MaxRetries}
		e.retryInfo[imageID] = info
	}
	return info
}

func (e *Executor) retryConfig() domain.RetryConfig {
	if e.RetryConfig.MaxRetries == 0 && e.RetryConfig.InitialDelay == 0 {
		return domain.DefaultRetryConfig()
	}
	return e.RetryConfig
}

// AddBatchRetryJob enqueues one job per image id, starting processing if the
// executor is idle (§4.2 addBatchRetryJob).
func (e *Executor) AddBatchRetryJob(ctx context.Context, req BatchRetryRequest) error {
	if len(req.ImageIDs) == 0 {
		return fmt.Errorf("op=retryexec.add_batch: No image IDs provided: %w", domain.ErrInvalidArgument)
	}

	e.mu.Lock()
	for _, id := range req.ImageIDs {
		job := &RetryJob{
			ImageID:             id,
			UseOriginalSettings: req.UseOriginalSettings,
			ModifiedSettings:    req.ModifiedSettings,
			IncludeMetadata:     req.IncludeMetadata,
			FailOptions:         req.FailOptions,
			Status:              JobQueued,
		}
		e.jobs[id] = job
		e.queue = append(e.queue, job)
	}
	idle := !e.processing
	e.mu.Unlock()

	observability.SetRetryQueueDepth(e.QueueDepth())
	e.publish("", "queue-updated")

	if e.Enqueue != nil {
		for _, id := range req.ImageIDs {
			jobExecutionID := ""
			if img, err := e.Facade.GetImage(ctx, id); err == nil {
				jobExecutionID = img.JobExecutionID
			}
			if _, err := e.Enqueue.EnqueueRetryImage(ctx, id, jobExecutionID); err != nil {
				return fmt.Errorf("op=retryexec.add_batch.enqueue: %w", err)
			}
		}
		return nil
	}

	if idle {
		go e.ProcessQueue(context.Background())
	}
	return nil
}

// QueueDepth reports the number of jobs still queued or in flight.
func (e *Executor) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, j := range e.jobs {
		if j.Status == JobQueued || j.Status == JobProcessing {
			n++
		}
	}
	return n
}

// ProcessQueue cooperatively drains the in-process queue. A no-op if already
// processing (§4.2 processQueue); when an Enqueuer is configured, durable
// dispatch happens via the asynq worker instead and this method is unused.
func (e *Executor) ProcessQueue(ctx context.Context) {
	e.mu.Lock()
	if e.processing {
		e.mu.Unlock()
		return
	}
	e.processing = true
	e.mu.Unlock()

	e.publish("", "job-status-updated:processing")

	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.processing = false
			e.mu.Unlock()
			break
		}
		job := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		if err := e.ProcessSingleImage(ctx, job.ImageID, job.JobExecutionID); err != nil {
			e.handleProcessFailure(ctx, job, err)
		} else {
			e.mu.Lock()
			job.Status = JobCompleted
			delete(e.retryInfo, job.ImageID)
			e.mu.Unlock()
			e.publish(job.ImageID, "job-completed")
		}
		observability.SetRetryQueueDepth(e.QueueDepth())
		e.publish(job.ImageID, "progress")
	}
}

// handleProcessFailure applies the cooldown/backoff policy to a failed
// attempt (§4.2/§4.4, ported from the teacher's DLQ cooldown policy):
// upstream rate-limit/timeout failures park with a cooldown window and a
// single requeue; other retryable failures get the usual exponential
// backoff requeue; exhausted or non-retryable failures terminate the job.
func (e *Executor) handleProcessFailure(ctx context.Context, job *RetryJob, cause error) {
	code := classify.Code(cause.Error())
	info := e.retryInfoFor(job.ImageID)
	info.UpdateRetryAttempt(cause)

	cfg := e.retryConfig()

	switch {
	case code.NeedsCooldown():
		info.MarkAsDLQ()
		observability.RecordCooldown(string(code))
		e.requeueAfter(ctx, job, cfg.MaxDelay)
	case info.ShouldRetry(cause, cfg):
		info.MarkAsRetrying()
		observability.RecordRetry(string(code))
		e.requeueAfter(ctx, job, info.CalculateNextRetryDelay(cfg))
	default:
		info.MarkAsExhausted()
		e.mu.Lock()
		job.Status = JobError
		job.Error = cause.Error()
		e.mu.Unlock()
		e.publish(job.ImageID, "job-error")
	}
}

// requeueAfter re-appends job to the tail of the queue after delay, without
// blocking the caller's drain loop.
func (e *Executor) requeueAfter(ctx context.Context, job *RetryJob, delay time.Duration) {
	e.mu.Lock()
	job.Status = JobQueued
	e.mu.Unlock()

	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		e.mu.Lock()
		e.queue = append(e.queue, job)
		idle := !e.processing
		e.mu.Unlock()
		observability.SetRetryQueueDepth(e.QueueDepth())
		if idle {
			go e.ProcessQueue(ctx)
		}
	}()
}

// Stop clears the pending queue (§4.2 stop). In-flight work already dequeued
// still runs to completion.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.queue = nil
	e.mu.Unlock()
	observability.SetRetryQueueDepth(e.QueueDepth())
	e.publish("", "stopped")
}

// ClearCompletedJobs removes ledger entries with Status=JobCompleted (§4.2
// clearCompletedJobs).
func (e *Executor) ClearCompletedJobs() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, j := range e.jobs {
		if j.Status == JobCompleted {
			delete(e.jobs, id)
		}
	}
}

func (e *Executor) publish(imageID, message string) {
	if e.Publisher == nil {
		return
	}
	_ = e.Publisher.Publish(context.Background(), domain.Event{
		Kind:           domain.EventProgress,
		ImageMappingID: imageID,
		Message:        message,
		Timestamp:      time.Now(),
	})
}

// ProcessSingleImage runs the full per-image retry algorithm (§4.2
// processSingleImage). Its signature matches
// internal/adapter/queue/asynq.ImageRetryHandler so it can be wired directly
// as the worker's handler.
func (e *Executor) ProcessSingleImage(ctx context.Context, imageID, jobExecutionID string) error {
	tracer := otel.Tracer("retryexec")
	ctx, span := tracer.Start(ctx, "Executor.ProcessSingleImage")
	defer span.End()
	span.SetAttributes(attribute.String("image.id", imageID))

	job := e.jobFor(imageID)

	img, err := e.Facade.GetImage(ctx, imageID)
	if err != nil {
		return fmt.Errorf("op=retryexec.process.get_image: %w", err)
	}
	img.Status = domain.ImageProcessing
	img.QCReason = ""
	if uerr := e.Facade.UpdateImage(ctx, img); uerr != nil {
		return fmt.Errorf("op=retryexec.process.mark_processing: %w", uerr)
	}

	source := img.SourcePath
	if source == "" {
		source = img.FinalPath
	}
	if source == "" || !fileExists(source) {
		return e.fail(ctx, img, domain.QCReasonProcessingFailedQC, fmt.Errorf("op=retryexec.process: source image missing from disk"))
	}

	cfg := e.getOriginalJobConfiguration(ctx, img)
	_ = os.Setenv("REMOVE_BG_API_KEY", cfg.APIKeys.RemoveBg)
	ctx = domain.WithAPIKeys(ctx, cfg.APIKeys)

	settings := postproc.SettingsFromJSON(img.ProcessingSettings)
	useOriginal := job == nil || job.UseOriginalSettings
	includeMetadata := job != nil && job.IncludeMetadata
	failOptions := cfg.FailOptions
	if job != nil {
		failOptions = job.FailOptions
	}
	if !useOriginal && job != nil && job.ModifiedSettings != "" {
		settings = postproc.SettingsFromJSON(job.ModifiedSettings)
	}

	chain := postproc.Chain{Processor: e.Processor, BGRemover: e.BGRemover}
	result := chain.Run(ctx, source, img.MappingID, settings, cfg.OutputDirectory, cfg.TempDirectory, failOptions)
	if !result.Success {
		reason := result.QCReason
		if reason == "" {
			reason = domain.QCReasonProcessingFailedQC
		}
		return e.fail(ctx, img, reason, fmt.Errorf("op=retryexec.process: post-processing failed: %s", reason))
	}

	img.FinalPath = result.FinalPath
	img.SourcePath = ""

	if includeMetadata {
		title, description, tags, mErr := e.Vision.GenerateMetadata(ctx, cfg.OpenAIModel, img.FinalPath, img.GenerationPrompt, cfg.MetadataPrompt)
		if mErr != nil {
			if failOptions.IsHard(domain.StageMetadata) {
				return e.fail(ctx, img, classify.QCReason(domain.StageMetadata), mErr)
			}
			img.Metadata = mergeMetadataFailure(img.Metadata, mErr)
		} else {
			img.Metadata = mergeMetadataSuccess(img.Metadata, title, description, tags)
		}
	}

	img.Status = domain.ImageApproved
	img.QCReason = "Retry processing successful"
	if err := e.Facade.UpdateImage(ctx, img); err != nil {
		return fmt.Errorf("op=retryexec.process.mark_approved: %w", err)
	}
	observability.RecordApproved()
	return nil
}

func (e *Executor) fail(ctx context.Context, img domain.GeneratedImage, reason string, cause error) error {
	img.Status = domain.ImageRetryFailed
	img.QCReason = reason
	if uerr := e.Facade.UpdateImage(ctx, img); uerr != nil {
		return fmt.Errorf("op=retryexec.process.mark_failed: %w", uerr)
	}
	observability.RecordQCFailure(reason)
	return cause
}

func (e *Executor) jobFor(imageID string) *RetryJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobs[imageID]
}

// getOriginalJobConfiguration resolves the configuration that originally
// drove img's execution, retrying once after a short delay before falling
// back to system defaults (§4.2 step 3).
func (e *Executor) getOriginalJobConfiguration(ctx context.Context, img domain.GeneratedImage) domain.JobConfiguration {
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(200 * time.Millisecond)
		}
		exec, err := e.Facade.GetExecution(ctx, img.JobExecutionID)
		if err != nil {
			continue
		}
		cfg, err := e.Facade.GetConfiguration(ctx, exec.ConfigurationID)
		if err != nil {
			continue
		}
		return cfg
	}

	if e.DefaultConfig != nil {
		cfg := e.DefaultConfig()
		cfg.ID = "fallback"
		return cfg
	}
	return domain.JobConfiguration{ID: "fallback"}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
