// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrInternal          = errors.New("internal error")
)

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context

// JobExecutionStatus captures the lifecycle state of a job execution.
type JobExecutionStatus string

const (
	JobPending    JobExecutionStatus = "pending"
	JobRunning    JobExecutionStatus = "running"
	JobStopping   JobExecutionStatus = "stopping"
	JobStopped    JobExecutionStatus = "stopped"
	JobCompleted  JobExecutionStatus = "completed"
	JobFailed     JobExecutionStatus = "failed"
)

// ImageStatus captures the lifecycle state of a single generated image.
type ImageStatus string

const (
	ImagePending        ImageStatus = "pending"
	ImageProcessing     ImageStatus = "processing"
	ImageRetryPending    ImageStatus = "retry_pending"
	ImageQCPassed       ImageStatus = "qc_passed"
	ImageQCFailed       ImageStatus = "qc_failed"
	ImageApproved       ImageStatus = "approved"
	// ImageRetryFailed is the terminal state a retry lands in when
	// post-processing fails again during a Retry Executor replay (§3 QC
	// state machine: "approved, retry_failed" are the only terminal states).
	ImageRetryFailed ImageStatus = "retry_failed"
)

// RemoveBgFailureMode controls how a failed (or unapplied) background-removal
// call is handled during post-processing. Its values are the literal wire
// strings callers send over the RPC surface (spec.md §3 "processing":
// removeBgFailureMode ∈ {approve, mark_failed}); there is no translation
// layer at the RPC boundary, so these constants must stay equal to the wire
// values.
type RemoveBgFailureMode string

const (
	// RemoveBgFailSoft keeps the converted (non-bg-removed) image and approves it.
	RemoveBgFailSoft RemoveBgFailureMode = "approve"
	// RemoveBgFailHard marks the image qc_failed when background removal
	// errors, was never applied, or REMOVE_BG_API_KEY is absent (§4.1 step 4).
	RemoveBgFailHard RemoveBgFailureMode = "mark_failed"
)

// ProcessMode selects the provider batching strategy for a JobConfiguration's
// generation loop (§3 "parameters").
type ProcessMode string

const (
	ProcessModeSingle ProcessMode = "single"
	ProcessModeRelax  ProcessMode = "relax"
	ProcessModeBatch  ProcessMode = "batch"
)

// APIKeys holds vendor credentials for a single job run. Never persisted by
// the Persistence Facade; startJob exports these into the process
// environment and the in-memory JobConfiguration is discarded with the job.
type APIKeys struct {
	OpenAI   string `validate:"required"`
	Runware  string `validate:"required"`
	RemoveBg string
}

// apiKeysContextKey is unexported so only WithAPIKeys/APIKeysFromContext can
// set or read the per-job credentials carried on a pipeline ctx.
type apiKeysContextKey struct{}

// WithAPIKeys attaches a job's own credentials to ctx. Every vendor call the
// Job Engine and Retry Executor make thread this ctx through, so a real
// vendor client can read the job's own key instead of whatever key the
// process happened to have loaded at boot (§5: "concurrent retry operations
// must re-seed [keys] from the resolved configuration").
func WithAPIKeys(ctx Context, keys APIKeys) Context {
	return context.WithValue(ctx, apiKeysContextKey{}, keys)
}

// APIKeysFromContext returns the credentials ctx carries, if any.
func APIKeysFromContext(ctx Context) (APIKeys, bool) {
	keys, ok := ctx.Value(apiKeysContextKey{}).(APIKeys)
	return keys, ok
}

// JobConfiguration is the user-authored template driving a JobExecution: keyword
// files, system prompts, provider selection, and per-image processing options.
// Validate tags are enforced by engine.validateConfig via go-playground/validator,
// matching the teacher's use of the same library at its API boundary.
type JobConfiguration struct {
	ID        string
	Label     string
	CreatedAt time.Time
	UpdatedAt time.Time

	// APIKeys is never written to storage; see the type's doc comment.
	APIKeys APIKeys `validate:"required"`

	ProcessMode         ProcessMode `validate:"required,oneof=single relax batch"`
	KeywordsFilePath    string
	SystemPromptFile    string
	KeywordRandom       bool
	GenerationCount     int
	VariationsPerImage  int
	OpenAIModel         string
	RunwareModel        string
	ImageWidth          int
	ImageHeight         int

	// AdvancedProviderSettings, when enabled, carries a raw JSON payload
	// passed through to the image provider alongside the synthesized prompt.
	AdvancedProviderSettingsEnabled bool
	AdvancedProviderSettingsJSON    string

	ConvertToJPG       bool
	ConvertHardFail    bool
	TrimTransparentPNG bool
	EnhanceImage       bool
	RemoveBackground   bool
	RemoveBgFailureMode RemoveBgFailureMode

	RunQualityCheck        bool
	RunMetadataGen         bool
	QualityCheckPromptFile string
	MetadataPromptFile     string
	// QualityCheckPrompt/MetadataPrompt are loaded from the files above at
	// startJob; a file-read failure silently leaves these empty, which
	// disables the corresponding feature for this execution only.
	QualityCheckPrompt string
	MetadataPrompt     string

	OutputDirectory string `validate:"required"`
	TempDirectory   string

	PollingTimeout           time.Duration
	ParamRetryMax            int
	GenerationRetryBackoffMs int

	// FailOptions controls which post-processing stages are hard failures
	// during retry (§4.2). Enabled=false means every stage is soft.
	FailOptions FailOptions
}

// FailOptions is the retry/post-processing hard-failure policy (§4.2).
type FailOptions struct {
	Enabled bool
	Steps   []ProcessingStage
}

// IsHard reports whether a stage failure should be treated as hard under
// this policy.
func (f FailOptions) IsHard(stage ProcessingStage) bool {
	if !f.Enabled {
		return false
	}
	for _, s := range f.Steps {
		if s == stage {
			return true
		}
	}
	return false
}

// JobExecution is a single run of a JobConfiguration.
type JobExecution struct {
	ID              string
	ConfigurationID string
	Label           string
	// ConfigurationSnapshot is a JSON snapshot of the configuration that
	// drove this execution, taken at startJob. Must never contain apiKeys
	// (§3 invariant); the engine marshals a view type that has no APIKeys
	// field at all.
	ConfigurationSnapshot string
	Status                JobExecutionStatus
	IsRerun               bool
	ErrorMessage          string
	RequestedCount        int
	ProducedCount         int
	FailedCount           int
	CreatedAt             time.Time
	UpdatedAt             time.Time
	StartedAt             *time.Time
	FinishedAt            *time.Time
}

// GeneratedImage is one produced (or attempted) image belonging to a JobExecution.
type GeneratedImage struct {
	ID              string
	JobExecutionID  string
	MappingID       string // stable per-image identity, survives rerun/retry
	Status          ImageStatus
	IsRerun         bool
	GenerationPrompt string
	NegativePrompt   string
	Seed             int64
	SourcePath       string // raw provider output, pre-processing
	FinalPath        string // placed output, post-processing
	QCReason         string
	// ProcessingSettings is a JSON snapshot of the processing config that
	// produced (or will produce, on retry) this image. Retries under
	// useOriginalSettings=false never overwrite this field (§8 invariant).
	ProcessingSettings string
	// Metadata is a JSON object: title, description, upload tags, and an
	// optional failure sub-object merged in by a failed metadata pass.
	Metadata   string
	RetryCount int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Ports (interfaces)

// PersistenceFacade is the single storage boundary for every entity group; the
// Job Engine, Retry Executor, and Rerun Coordinator all talk to storage only
// through this interface, never to a concrete repository.
type PersistenceFacade interface {
	CreateConfiguration(ctx Context, c JobConfiguration) (string, error)
	GetConfiguration(ctx Context, id string) (JobConfiguration, error)

	CreateExecution(ctx Context, e JobExecution) (string, error)
	UpdateExecutionStatus(ctx Context, id string, status JobExecutionStatus, errMsg *string) error
	UpdateExecutionStatistics(ctx Context, id string, requested, produced, failed int) error
	GetExecution(ctx Context, id string) (JobExecution, error)
	ListExecutionsByStatus(ctx Context, status JobExecutionStatus, offset, limit int) ([]JobExecution, error)

	CreateImage(ctx Context, img GeneratedImage) (string, error)
	UpdateImage(ctx Context, img GeneratedImage) error
	GetImage(ctx Context, id string) (GeneratedImage, error)
	GetImageByMappingID(ctx Context, jobExecutionID, mappingID string) (GeneratedImage, error)
	ListImagesByExecution(ctx Context, jobExecutionID string) ([]GeneratedImage, error)
	ListImagesByStatus(ctx Context, status ImageStatus, offset, limit int) ([]GeneratedImage, error)
	DeleteGeneratedImage(ctx Context, id string) error
}

// ImageProvider abstracts the text-to-image vendor (e.g. Runware).
type ImageProvider interface {
	// GenerateImage produces one image for the given prompt/seed; implementations
	// may internally retry to approach a requested variation count, but always
	// return a final produced/failed outcome to the caller.
	GenerateImage(ctx Context, model, prompt, negativePrompt string, seed int64, width, height int) (sourcePath string, err error)
}

// VisionProvider abstracts the chat/vision vendor used for parameter generation
// and quality-control review (e.g. OpenAI).
type VisionProvider interface {
	// GenerateParameters returns a JSON object matching the expected parameter
	// schema, given a system prompt and a keyword-row user prompt.
	GenerateParameters(ctx Context, model, systemPrompt, userPrompt string) (string, error)
	// ReviewImage returns a QC verdict (passed/failed + reason) for the image at path.
	ReviewImage(ctx Context, model, imagePath, instructions string) (passed bool, reason string, err error)
	// GenerateMetadata produces upload metadata for a finished image (§4.1 step 3).
	GenerateMetadata(ctx Context, model, imagePath, originalPrompt, metadataPrompt string) (title, description string, uploadTags []string, err error)
}

// BackgroundRemover abstracts the background-removal vendor (e.g. remove.bg).
// applied reports whether the vendor actually ran and returned a background-
// removed file — §4.1 step 4's removeBgFailureMode=mark_failed check (b)
// needs this signal distinct from err, since a provider can return no error
// yet skip removal (e.g. a transparent no-op source image).
type BackgroundRemover interface {
	RemoveBackground(ctx Context, sourcePath string) (outputPath string, applied bool, err error)
}

// ImageProcessor performs local image post-processing: format conversion,
// transparent-border trimming, and enhancement.
type ImageProcessor interface {
	Convert(ctx Context, sourcePath, targetExt string) (string, error)
	Trim(ctx Context, path string) (string, error)
	Enhance(ctx Context, path string) (string, error)
}

// EventPublisher fans engine/retry/rerun progress out to subscribers (the RPC
// Adapter, or any external observability consumer) without the publisher
// holding a reference back to its subscribers.
type EventPublisher interface {
	Publish(ctx Context, event Event) error
}

// EventKind enumerates the event stream's message types.
type EventKind string

const (
	EventProgress     EventKind = "progress"
	EventLog          EventKind = "log"
	EventError        EventKind = "error"
	EventJobComplete  EventKind = "job_complete"
)

// Event is one message on the outbound event stream.
type Event struct {
	Kind           EventKind
	JobExecutionID string
	ImageMappingID string
	Message        string
	Timestamp      time.Time
}

// JobLock is a cross-process guard backing the "exactly one job running"
// invariant (§5) when the engine is scaled beyond a single process. The
// engine's in-memory state check remains the primary guard within one
// process; JobLock is an additional, optional layer for deployments that run
// more than one runner instance against the same store.
type JobLock interface {
	// TryAcquire attempts to take the single-job lock, valid for ttl. It
	// returns false (no error) if another process already holds it.
	TryAcquire(ctx Context, ttl time.Duration) (bool, error)
	// Release gives up the lock this process holds. A no-op if unheld.
	Release(ctx Context) error
}
