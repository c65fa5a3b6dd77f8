// Package engine implements the Job Engine (§4.1): it drives exactly one
// job end-to-end through parameter synthesis, remote image generation,
// post-processing, AI quality control, AI metadata regeneration, and
// filesystem placement, persisting every outcome through the
// domain.PersistenceFacade.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ascensum/gen-image-runner/internal/adapter/imaging"
	"github.com/ascensum/gen-image-runner/internal/adapter/observability"
	"github.com/ascensum/gen-image-runner/internal/domain"
	"github.com/ascensum/gen-image-runner/internal/paramgen"
)

// Start/stop error codes surfaced in StartResult.Code.
const (
	CodeJobAlreadyRunning   = "JOB_ALREADY_RUNNING"
	CodeMissingOpenAIKey    = "MISSING_OPENAI_KEY"
	CodeMissingImageKey     = "MISSING_IMAGE_PROVIDER_KEY"
	CodeMissingOutputDir    = "MISSING_OUTPUT_DIRECTORY"
	CodeMissingProcessMode  = "MISSING_PROCESS_MODE"
	CodeJobExecutionError   = "JOB_EXECUTION_ERROR"
	msgStoppedByUser        = "Stopped by user"
	msgForceStoppedByUser   = "Force-stopped by user"
	reasonQCDisabled        = "QC disabled"
)

// StartResult is the outcome of StartJob.
type StartResult struct {
	Success        bool
	JobExecutionID string
	Code           string
	Error          string
}

// Status is a snapshot of the engine's current (or last) job.
type Status struct {
	HasJob         bool
	JobExecutionID string
	Status         domain.JobExecutionStatus
	IsRerun        bool
	ErrorMessage   string
}

// Progress is a snapshot of the in-flight job's step and running totals.
type Progress struct {
	JobExecutionID string
	Step           string
	SubStep        string
	Requested      int
	Produced       int
	Failed         int
}

// LogLevel classifies a LogRecord for getJobLogs verbosity filtering.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogError LogLevel = "error"
)

// LogRecord is one entry in the engine's in-memory log ring buffer (§5).
type LogRecord struct {
	Level     LogLevel
	StepName  string
	SubStep   string
	Message   string
	Timestamp time.Time
}

// FinalizeHook is invoked once after an execution reaches a terminal state,
// after the execution row has been persisted. The Rerun Coordinator uses
// this to advance bulkRerunQueue without the engine holding a reference
// back to it (§9 "engine publishes, adapter subscribes").
type FinalizeHook func(ctx context.Context, executionID string, execErr error, wasRerun bool)

// Engine owns the single-job-at-a-time pipeline (§4.1, §5).
type Engine struct {
	Facade        domain.PersistenceFacade
	ImageProvider domain.ImageProvider
	Vision        domain.VisionProvider
	BGRemover     domain.BackgroundRemover
	Processor     domain.ImageProcessor
	Publisher     domain.EventPublisher
	ParamGen      *paramgen.Generator

	// DebugMode is exported as DEBUG_MODE for the duration of every job.
	DebugMode bool
	// LogBufferSize bounds the in-memory log ring; 0 selects a default.
	LogBufferSize int
	// QCSettleTimeout/QCSettlePoll bound waitForQCToSettle at finalize.
	QCSettleTimeout time.Duration
	QCSettlePoll    time.Duration

	// Lock is an optional cross-process guard (domain.JobLock) backing the
	// single-job-running invariant across runner replicas; nil disables it
	// and leaves the in-memory check as the only guard (single process).
	Lock domain.JobLock
	// LockTTL bounds how long Lock is held before it must be refreshed or
	// expires; 0 selects a default.
	LockTTL time.Duration

	mu    sync.Mutex
	state *jobState

	// pendingRerunExecutionID/pendingIsRerun are set by PrepareRerun before
	// a StartJob call that should reuse an existing execution row (§4.3).
	pendingRerunExecutionID string
	pendingIsRerun          bool

	finalizeHookFn FinalizeHook
}

type jobState struct {
	executionID string
	status      domain.JobExecutionStatus
	isRerun     bool
	cancel      context.CancelFunc
	stopReason  string
	progress    Progress
	logs        []LogRecord
	logErr      string
}

// New constructs an Engine from its collaborators.
func New(facade domain.PersistenceFacade, imageProvider domain.ImageProvider, vision domain.VisionProvider, bgRemover domain.BackgroundRemover, processor domain.ImageProcessor, publisher domain.EventPublisher, paramGen *paramgen.Generator) *Engine {
	return &Engine{
		Facade:          facade,
		ImageProvider:   imageProvider,
		Vision:          vision,
		BGRemover:       bgRemover,
		Processor:       processor,
		Publisher:       publisher,
		ParamGen:        paramGen,
		LogBufferSize:   500,
		QCSettleTimeout: 2 * time.Minute,
		QCSettlePoll:    500 * time.Millisecond,
	}
}

// PrepareRerun arms the engine so the next StartJob call reuses an existing
// execution row instead of creating a fresh one. Called by the Rerun
// Coordinator (§4.3) immediately before StartJob.
func (e *Engine) PrepareRerun(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingRerunExecutionID = executionID
	e.pendingIsRerun = true
}

// OnFinalize registers the callback invoked once a job reaches a terminal
// state. The Rerun Coordinator uses this to advance bulkRerunQueue.
func (e *Engine) OnFinalize(hook FinalizeHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finalizeHookFn = hook
}

func (e *Engine) finalizeHook() FinalizeHook {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finalizeHookFn
}

// StartJob validates cfg, persists (or reuses) a JobExecution row, and
// launches executeJob on a background goroutine (§4.1).
func (e *Engine) StartJob(ctx context.Context, cfg domain.JobConfiguration) (StartResult, error) {
	if code := validateConfig(cfg); code != "" {
		return StartResult{Success: false, Code: code}, nil
	}

	e.mu.Lock()
	if e.state != nil && e.state.status == domain.JobRunning {
		e.mu.Unlock()
		return StartResult{Success: false, Code: CodeJobAlreadyRunning}, nil
	}

	isRerun := e.pendingIsRerun
	executionID := e.pendingRerunExecutionID
	e.pendingIsRerun = false
	e.pendingRerunExecutionID = ""
	e.mu.Unlock()

	if e.Lock != nil {
		ttl := e.LockTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		acquired, err := e.Lock.TryAcquire(ctx, ttl)
		if err != nil {
			return StartResult{Success: false, Error: err.Error()}, nil
		}
		if !acquired {
			return StartResult{Success: false, Code: CodeJobAlreadyRunning}, nil
		}
	}

	// §4.3/§9 rerun safety: a rerun without a target execution id degrades to
	// a fresh job rather than silently reusing whatever state is left over.
	if isRerun && executionID == "" {
		isRerun = false
	}

	cfg = loadPromptFiles(cfg)
	exportAPIKeys(cfg, e.DebugMode)

	snapshot := buildSnapshot(cfg)

	if !isRerun {
		id, err := e.Facade.CreateExecution(ctx, domain.JobExecution{
			ConfigurationID:       cfg.ID,
			Label:                 cfg.Label,
			ConfigurationSnapshot: snapshot,
			Status:                domain.JobRunning,
			IsRerun:               false,
		})
		if err != nil {
			e.releaseLock()
			return StartResult{Success: false, Error: err.Error()}, nil
		}
		executionID = id
	} else {
		if err := e.Facade.UpdateExecutionStatus(ctx, executionID, domain.JobRunning, nil); err != nil {
			e.releaseLock()
			return StartResult{Success: false, Error: err.Error()}, nil
		}
	}

	jobCtx, cancel := context.WithCancel(domain.WithAPIKeys(context.Background(), cfg.APIKeys))
	e.mu.Lock()
	e.state = &jobState{
		executionID: executionID,
		status:      domain.JobRunning,
		isRerun:     isRerun,
		cancel:      cancel,
	}
	e.mu.Unlock()

	observability.EnqueueJob(cfg.ID)
	go e.executeJob(jobCtx, executionID, cfg, isRerun)

	return StartResult{Success: true, JobExecutionID: executionID}, nil
}

// StopJob marks the current execution failed, letting the in-flight step
// complete gracefully (§4.1 "stopJob").
func (e *Engine) StopJob() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil || e.state.status != domain.JobRunning {
		return nil
	}
	e.state.stopReason = msgStoppedByUser
	return nil
}

// ForceStopAll aborts the in-flight step via cancellation and marks the
// execution failed. Guaranteed not to hang (§4.1, §5).
func (e *Engine) ForceStopAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil || e.state.status != domain.JobRunning {
		return nil
	}
	e.state.stopReason = msgForceStoppedByUser
	if e.state.cancel != nil {
		e.state.cancel()
	}
	return nil
}

// GetJobStatus returns the engine's current job status snapshot.
func (e *Engine) GetJobStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return Status{}
	}
	return Status{
		HasJob:         true,
		JobExecutionID: e.state.executionID,
		Status:         e.state.status,
		IsRerun:        e.state.isRerun,
		ErrorMessage:   e.state.stopReason,
	}
}

// GetJobProgress returns the engine's current step/sub-step and running totals.
func (e *Engine) GetJobProgress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return Progress{}
	}
	return e.state.progress
}

// GetJobLogs returns the buffered log records, filtered by verbosity.
// "standard" drops debug-level records and appends the latest job error once.
func (e *Engine) GetJobLogs(verbosity string) []LogRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil
	}
	out := make([]LogRecord, 0, len(e.state.logs)+1)
	for _, l := range e.state.logs {
		if verbosity != "debug" && l.Level == LogDebug {
			continue
		}
		out = append(out, l)
	}
	if verbosity != "debug" && e.state.logErr != "" {
		out = append(out, LogRecord{Level: LogError, StepName: "error", Message: e.state.logErr, Timestamp: time.Now()})
	}
	return out
}

// cfgValidator runs go-playground/validator's struct-tag checks against
// JobConfiguration (§4.1 "Validation"); a *validator.Validate is safe for
// concurrent use once built, so one package-level instance is shared.
var cfgValidator = validator.New(validator.WithRequiredStructEnabled())

// validateConfig rejects configs missing the OpenAI key, image-provider key,
// output directory, or process mode (§4.1 "Validation"). It delegates the
// actual field checks to cfgValidator and maps the first failing field back
// to the specific StartResult.Code the RPC surface expects.
func validateConfig(cfg domain.JobConfiguration) string {
	err := cfgValidator.Struct(cfg)
	if err == nil {
		return ""
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return CodeMissingProcessMode
	}
	for _, fe := range verrs {
		switch fe.Namespace() {
		case "JobConfiguration.APIKeys", "JobConfiguration.APIKeys.OpenAI":
			return CodeMissingOpenAIKey
		case "JobConfiguration.APIKeys.Runware":
			return CodeMissingImageKey
		case "JobConfiguration.OutputDirectory":
			return CodeMissingOutputDir
		case "JobConfiguration.ProcessMode":
			return CodeMissingProcessMode
		}
	}
	return CodeMissingProcessMode
}

// loadPromptFiles reads the quality-check/metadata prompt files named in cfg
// into the in-memory prompt fields. A read failure silently disables the
// corresponding feature for this job only (§4.1, §6).
func loadPromptFiles(cfg domain.JobConfiguration) domain.JobConfiguration {
	if cfg.QualityCheckPromptFile != "" {
		if b, err := os.ReadFile(cfg.QualityCheckPromptFile); err == nil {
			cfg.QualityCheckPrompt = strings.TrimSpace(string(b))
		}
	}
	if cfg.MetadataPromptFile != "" {
		if b, err := os.ReadFile(cfg.MetadataPromptFile); err == nil {
			cfg.MetadataPrompt = strings.TrimSpace(string(b))
		}
	}
	return cfg
}

// exportAPIKeys sets the process-wide environment variables owned by the
// active job (§5, §6). This is a fallback for code that still reads the
// environment directly (e.g. the remove.bg key-presence check in
// internal/postproc); real vendor calls resolve their key from the job's
// own domain.APIKeys carried on ctx instead (see domain.WithAPIKeys).
// Concurrent retries re-seed these themselves since a later job may clear
// them.
func exportAPIKeys(cfg domain.JobConfiguration, debug bool) {
	_ = os.Setenv("OPENAI_API_KEY", cfg.APIKeys.OpenAI)
	_ = os.Setenv("RUNWARE_API_KEY", cfg.APIKeys.Runware)
	_ = os.Setenv("REMOVE_BG_API_KEY", cfg.APIKeys.RemoveBg)
	_ = os.Setenv("DEBUG_MODE", strconv.FormatBool(debug))
}

// snapshotView is the JSON shape persisted as JobExecution.ConfigurationSnapshot.
// It deliberately omits APIKeys (§3 invariant) and derives two fields the
// spec calls out explicitly.
type snapshotView struct {
	ID                     string `json:"id"`
	Label                  string `json:"label"`
	ProcessMode            string `json:"processMode"`
	GenerationCount        int    `json:"generationCount"`
	VariationsPerImage     int    `json:"variationsPerImage"`
	OpenAIModel            string `json:"openaiModel"`
	RunwareModel           string `json:"runwareModel"`
	RunwareAdvancedEnabled bool   `json:"runwareAdvancedEnabled"`
	RemoveBgFailureMode    string `json:"removeBgFailureMode"`
	ConvertToJPG           bool   `json:"convertToJpg"`
	TrimTransparentPNG     bool   `json:"trimTransparentPng"`
	EnhanceImage           bool   `json:"enhanceImage"`
	RemoveBackground       bool   `json:"removeBackground"`
	RunQualityCheck        bool   `json:"runQualityCheck"`
	RunMetadataGen         bool   `json:"runMetadataGen"`
	OutputDirectory        string `json:"outputDirectory"`
	TempDirectory          string `json:"tempDirectory"`
}

func buildSnapshot(cfg domain.JobConfiguration) string {
	mode := cfg.RemoveBgFailureMode
	if mode == "" {
		mode = domain.RemoveBgFailSoft
	}
	v := snapshotView{
		ID:                     cfg.ID,
		Label:                  cfg.Label,
		ProcessMode:            string(cfg.ProcessMode),
		GenerationCount:        cfg.GenerationCount,
		VariationsPerImage:     cfg.VariationsPerImage,
		OpenAIModel:            cfg.OpenAIModel,
		RunwareModel:           cfg.RunwareModel,
		RunwareAdvancedEnabled: cfg.AdvancedProviderSettingsEnabled,
		RemoveBgFailureMode:    string(mode),
		ConvertToJPG:           cfg.ConvertToJPG,
		TrimTransparentPNG:     cfg.TrimTransparentPNG,
		EnhanceImage:           cfg.EnhanceImage,
		RemoveBackground:       cfg.RemoveBackground,
		RunQualityCheck:        cfg.RunQualityCheck,
		RunMetadataGen:         cfg.RunMetadataGen,
		OutputDirectory:        cfg.OutputDirectory,
		TempDirectory:          cfg.TempDirectory,
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func (e *Engine) logf(level LogLevel, step, subStep, format string, args ...interface{}) {
	rec := LogRecord{Level: level, StepName: step, SubStep: subStep, Message: fmt.Sprintf(format, args...), Timestamp: time.Now()}
	e.mu.Lock()
	if e.state != nil {
		cap := e.LogBufferSize
		if cap <= 0 {
			cap = 500
		}
		e.state.logs = append(e.state.logs, rec)
		if len(e.state.logs) > cap {
			e.state.logs = e.state.logs[len(e.state.logs)-cap:]
		}
	}
	e.mu.Unlock()
}

func (e *Engine) setProgress(executionID, step, subStep string, requested, produced, failed int) {
	e.mu.Lock()
	if e.state != nil {
		e.state.progress = Progress{JobExecutionID: executionID, Step: step, SubStep: subStep, Requested: requested, Produced: produced, Failed: failed}
	}
	e.mu.Unlock()
	e.publish(executionID, "", domain.EventProgress, step)
}

func (e *Engine) publish(executionID, mappingID string, kind domain.EventKind, message string) {
	if e.Publisher == nil {
		return
	}
	_ = e.Publisher.Publish(context.Background(), domain.Event{
		Kind:           kind,
		JobExecutionID: executionID,
		ImageMappingID: mappingID,
		Message:        message,
		Timestamp:      time.Now(),
	})
}

// releaseLock gives up the optional distributed job lock; a no-op if Lock is
// unset. Errors are logged, not surfaced, since a held lock will still
// expire on its own via LockTTL.
func (e *Engine) releaseLock() {
	if e.Lock == nil {
		return
	}
	if err := e.Lock.Release(context.Background()); err != nil {
		e.logf(LogError, "finalize", "", "job lock release failed: %v", err)
	}
}

// stopRequested reports whether stopJob/forceStopAll was called for the
// current execution, and its recorded reason.
func (e *Engine) stopRequested() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return false, ""
	}
	return e.state.stopReason != "", e.state.stopReason
}

// executeJob runs the full pipeline for one execution (§4.1 steps 1-6).
func (e *Engine) executeJob(ctx context.Context, executionID string, cfg domain.JobConfiguration, wasRerun bool) {
	tracer := otel.Tracer("engine")
	ctx, span := tracer.Start(ctx, "Engine.executeJob")
	defer span.End()
	span.SetAttributes(attribute.String("job_execution.id", executionID))

	start := time.Now()
	e.logf(LogInfo, "initialization", "", "job started")
	e.setProgress(executionID, "initialization", "", 0, 0, 0)

	var execErr error
	produced, failed, requested := 0, 0, 0

	defer func() {
		if r := recover(); r != nil {
			execErr = fmt.Errorf("op=engine.execute_job.panic: %v", r)
		}

		stopped, stopReason := e.stopRequested()
		status := domain.JobCompleted
		var errMsg *string
		switch {
		case stopped:
			status = domain.JobFailed
			errMsg = &stopReason
			execErr = fmt.Errorf("%s", stopReason)
		case execErr != nil:
			status = domain.JobFailed
			msg := execErr.Error()
			errMsg = &msg
		}

		finalizeCtx := context.Background()
		_ = e.Facade.UpdateExecutionStatistics(finalizeCtx, executionID, requested, produced, failed)
		_ = e.Facade.UpdateExecutionStatus(finalizeCtx, executionID, status, errMsg)

		dur := time.Since(start)
		if status == domain.JobCompleted {
			observability.CompleteJob(cfg.ID, dur)
			e.logf(LogInfo, "finalize", "", "job completed")
		} else {
			observability.FailJob(cfg.ID, dur)
			if errMsg != nil {
				e.mu.Lock()
				if e.state != nil {
					e.state.logErr = *errMsg
				}
				e.mu.Unlock()
			}
			e.logf(LogError, "finalize", "", "job failed: %v", execErr)
		}
		e.publish(executionID, "", domain.EventJobComplete, string(status))

		e.mu.Lock()
		if e.state != nil {
			e.state.status = status
		}
		e.mu.Unlock()

		e.releaseLock()

		if hook := e.finalizeHook(); hook != nil {
			hook(finalizeCtx, executionID, execErr, wasRerun)
		}
	}()

	produced, failed, requested, execErr = e.runGenerationLoop(ctx, executionID, cfg)
	if execErr != nil {
		return
	}

	if cfg.RunMetadataGen {
		if err := e.runMetadataPass(ctx, executionID, cfg); err != nil {
			execErr = err
			return
		}
	}

	if err := e.runQCAndMovePass(ctx, executionID, cfg); err != nil {
		execErr = err
		return
	}

	e.runSafetyReconcile(ctx, executionID, cfg)

	if err := e.waitForQCToSettle(ctx, executionID); err != nil {
		execErr = err
		return
	}
}

// clampVariations bounds worst-case total images at 10,000 and per-generation
// at 20 (§4.1 step 2.2).
func clampVariations(requested, generations int) int {
	if generations <= 0 {
		generations = 1
	}
	capPerGen := 10000 / generations
	eff := requested
	if eff > capPerGen {
		eff = capPerGen
	}
	if eff > 20 {
		eff = 20
	}
	if eff < 0 {
		eff = 0
	}
	return eff
}

// aspectToDimensions parses a "WxH" aspect-ratio token; falls back to the
// configuration's default dimensions when unparsable.
func aspectToDimensions(ratio string, fallbackW, fallbackH int) (int, int) {
	parts := strings.SplitN(strings.ToLower(ratio), "x", 2)
	if len(parts) != 2 {
		return fallbackW, fallbackH
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return fallbackW, fallbackH
	}
	return w, h
}

func newMappingID() string {
	return ulid.Make().String()
}

// imageFinalExt returns the output file extension for a processing settings
// snapshot.
func imageFinalExt(cfg domain.JobConfiguration) string {
	if cfg.ConvertToJPG {
		return "jpg"
	}
	return "png"
}

// MoveToOutput is the filesystem placement step shared by the QC/move pass,
// the safety reconcile pass, and the Retry Executor.
var MoveToOutput = imaging.MoveToOutput

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

func baseName(path string) string {
	return filepath.Base(path)
}
