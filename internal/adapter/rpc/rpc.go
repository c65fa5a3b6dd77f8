// Package rpc implements the whitelisted RPC surface (§6): a flat
// channel-name -> payload dispatcher bridging the external control surface
// to the Job Engine, Retry Executor, and Rerun Coordinator. Every response
// is {success, ...}; unknown channels are rejected rather than silently
// ignored.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ascensum/gen-image-runner/internal/domain"
	"github.com/ascensum/gen-image-runner/internal/engine"
	"github.com/ascensum/gen-image-runner/internal/rerun"
	"github.com/ascensum/gen-image-runner/internal/retryexec"
)

// Response is the uniform RPC envelope (§6 "all responses {success, ...}").
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Handler processes one channel invocation's raw JSON payload.
type Handler func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// CredentialStore is the collaborator credential:get/credential:set route to
// (§6 "routed to the credential store collaborator"); kept as a narrow
// interface so this package never depends on a concrete secrets backend.
type CredentialStore interface {
	GetCredential(ctx context.Context, key string) (string, error)
	SetCredential(ctx context.Context, key, value string) error
}

// SettingsStore is the get-settings/save-settings collaborator (§4.6).
type SettingsStore interface {
	GetSettings(ctx context.Context) (string, error)
	SaveSettings(ctx context.Context, settingsJSON string) error
	GetDefaultSettings(ctx context.Context) (string, error)
}

// Engine is the subset of *engine.Engine the RPC Adapter drives.
type Engine interface {
	StartJob(ctx context.Context, cfg domain.JobConfiguration) (engine.StartResult, error)
	StopJob() error
	ForceStopAll() error
	GetJobStatus() engine.Status
	GetJobProgress() engine.Progress
	GetJobLogs(verbosity string) []engine.LogRecord
}

// RerunCoordinator is the subset of *rerun.Coordinator the RPC Adapter drives.
type RerunCoordinator interface {
	RerunSingle(ctx context.Context, executionID string) (engine.StartResult, error)
	RerunBulk(ctx context.Context, executionIDs []string) (rerun.BulkRerunResult, error)
}

// Adapter is the whitelisted channel registry. Construct with New, which
// registers every known channel; Dispatch rejects anything else.
type Adapter struct {
	Engine      Engine
	Retry       *retryexec.Executor
	Rerun       RerunCoordinator
	Facade      domain.PersistenceFacade
	Credentials CredentialStore
	Settings    SettingsStore

	handlers map[string]Handler
}

// New constructs an Adapter and registers its full channel whitelist.
func New(eng Engine, retry *retryexec.Executor, rerunCoord RerunCoordinator, facade domain.PersistenceFacade, creds CredentialStore, settings SettingsStore) *Adapter {
	a := &Adapter{
		Engine:      eng,
		Retry:       retry,
		Rerun:       rerunCoord,
		Facade:      facade,
		Credentials: creds,
		Settings:    settings,
	}
	a.handlers = map[string]Handler{
		"job:start":            a.handleJobStart,
		"job:stop":             a.handleJobStop,
		"job:force-stop-all":   a.handleJobForceStopAll,
		"job:status":           a.handleJobStatus,
		"job:progress":         a.handleJobProgress,
		"job:logs":             a.handleJobLogs,
		"job:rerun":            a.handleJobRerun,
		"job:rerun-batch":      a.handleJobRerunBatch,

		"generated-image:get-by-qc-status":  a.handleImageGetByQCStatus,
		"generated-image:update-qc-status":  a.handleImageUpdateQCStatus,
		"generated-image:delete":            a.handleImageDelete,

		"failed-image:retry-batch": a.handleFailedImageRetryBatch,

		"get-settings":  a.handleGetSettings,
		"save-settings": a.handleSaveSettings,

		"credential:get": a.handleCredentialGet,
		"credential:set": a.handleCredentialSet,
	}
	return a
}

// Dispatch routes one channel invocation, returning the uniform envelope
// instead of an error so transport layers (IPC, WebSocket, HTTP) never need
// to special-case a reject path (§6 "unknown channels must be rejected").
func (a *Adapter) Dispatch(ctx context.Context, channel string, payload json.RawMessage) Response {
	h, ok := a.handlers[channel]
	if !ok {
		return Response{Success: false, Error: fmt.Sprintf("Invalid channel: %s", channel)}
	}
	data, err := h(ctx, payload)
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	return Response{Success: true, Data: data}
}

// ---- job:* ----

type jobConfigDTO struct {
	ID                              string   `json:"id"`
	Label                           string   `json:"label"`
	OpenAIAPIKey                    string   `json:"openaiApiKey"`
	RunwareAPIKey                   string   `json:"runwareApiKey"`
	RemoveBgAPIKey                  string   `json:"removeBgApiKey"`
	ProcessMode                     string   `json:"processMode"`
	KeywordsFilePath                string   `json:"keywordsFilePath"`
	SystemPromptFile                string   `json:"systemPromptFile"`
	KeywordRandom                   bool     `json:"keywordRandom"`
	GenerationCount                 int      `json:"generationCount"`
	VariationsPerImage              int      `json:"variationsPerImage"`
	OpenAIModel                     string   `json:"openaiModel"`
	RunwareModel                    string   `json:"runwareModel"`
	ImageWidth                      int      `json:"imageWidth"`
	ImageHeight                     int      `json:"imageHeight"`
	AdvancedProviderSettingsEnabled bool     `json:"advancedProviderSettingsEnabled"`
	AdvancedProviderSettingsJSON    string   `json:"advancedProviderSettingsJson"`
	ConvertToJPG                    bool     `json:"convertToJpg"`
	ConvertHardFail                 bool     `json:"convertHardFail"`
	TrimTransparentPNG              bool     `json:"trimTransparentPng"`
	EnhanceImage                    bool     `json:"enhanceImage"`
	RemoveBackground                bool     `json:"removeBackground"`
	RemoveBgFailureMode             string   `json:"removeBgFailureMode"`
	RunQualityCheck                 bool     `json:"runQualityCheck"`
	RunMetadataGen                  bool     `json:"runMetadataGen"`
	QualityCheckPromptFile          string   `json:"qualityCheckPromptFile"`
	MetadataPromptFile              string   `json:"metadataPromptFile"`
	OutputDirectory                 string   `json:"outputDirectory"`
	TempDirectory                   string   `json:"tempDirectory"`
	ParamRetryMax                   int      `json:"paramRetryMax"`
	GenerationRetryBackoffMs        int      `json:"generationRetryBackoffMs"`
	FailOptionsEnabled              bool     `json:"failOptionsEnabled"`
	FailOptionsSteps                []string `json:"failOptionsSteps"`
}

func (d jobConfigDTO) toDomain() domain.JobConfiguration {
	steps := make([]domain.ProcessingStage, 0, len(d.FailOptionsSteps))
	for _, s := range d.FailOptionsSteps {
		steps = append(steps, domain.ProcessingStage(s))
	}
	return domain.JobConfiguration{
		ID:    d.ID,
		Label: d.Label,
		APIKeys: domain.APIKeys{
			OpenAI:   d.OpenAIAPIKey,
			Runware:  d.RunwareAPIKey,
			RemoveBg: d.RemoveBgAPIKey,
		},
		ProcessMode:                     domain.ProcessMode(d.ProcessMode),
		KeywordsFilePath:                d.KeywordsFilePath,
		SystemPromptFile:                d.SystemPromptFile,
		KeywordRandom:                   d.KeywordRandom,
		GenerationCount:                 d.GenerationCount,
		VariationsPerImage:              d.VariationsPerImage,
		OpenAIModel:                     d.OpenAIModel,
		RunwareModel:                    d.RunwareModel,
		ImageWidth:                      d.ImageWidth,
		ImageHeight:                     d.ImageHeight,
		AdvancedProviderSettingsEnabled: d.AdvancedProviderSettingsEnabled,
		AdvancedProviderSettingsJSON:    d.AdvancedProviderSettingsJSON,
		ConvertToJPG:                    d.ConvertToJPG,
		ConvertHardFail:                 d.ConvertHardFail,
		TrimTransparentPNG:              d.TrimTransparentPNG,
		EnhanceImage:                    d.EnhanceImage,
		RemoveBackground:                d.RemoveBackground,
		RemoveBgFailureMode:             domain.RemoveBgFailureMode(d.RemoveBgFailureMode),
		RunQualityCheck:                 d.RunQualityCheck,
		RunMetadataGen:                  d.RunMetadataGen,
		QualityCheckPromptFile:          d.QualityCheckPromptFile,
		MetadataPromptFile:              d.MetadataPromptFile,
		OutputDirectory:                 d.OutputDirectory,
		TempDirectory:                   d.TempDirectory,
		ParamRetryMax:                   d.ParamRetryMax,
		GenerationRetryBackoffMs:        d.GenerationRetryBackoffMs,
		FailOptions: domain.FailOptions{
			Enabled: d.FailOptionsEnabled,
			Steps:   steps,
		},
	}
}

func (a *Adapter) handleJobStart(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var dto jobConfigDTO
	if err := json.Unmarshal(payload, &dto); err != nil {
		return nil, fmt.Errorf("op=rpc.job_start.decode: %w", err)
	}
	return a.Engine.StartJob(ctx, dto.toDomain())
}

func (a *Adapter) handleJobStop(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return nil, a.Engine.StopJob()
}

func (a *Adapter) handleJobForceStopAll(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return nil, a.Engine.ForceStopAll()
}

func (a *Adapter) handleJobStatus(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return a.Engine.GetJobStatus(), nil
}

func (a *Adapter) handleJobProgress(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return a.Engine.GetJobProgress(), nil
}

func (a *Adapter) handleJobLogs(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req struct {
		Verbosity string `json:"verbosity"`
	}
	_ = json.Unmarshal(payload, &req)
	return a.Engine.GetJobLogs(req.Verbosity), nil
}

func (a *Adapter) handleJobRerun(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req struct {
		ExecutionID string `json:"executionId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("op=rpc.job_rerun.decode: %w", err)
	}
	if req.ExecutionID == "" {
		return nil, fmt.Errorf("op=rpc.job_rerun: %w: executionId required", domain.ErrInvalidArgument)
	}
	return a.Rerun.RerunSingle(ctx, req.ExecutionID)
}

func (a *Adapter) handleJobRerunBatch(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req struct {
		ExecutionIDs []string `json:"executionIds"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("op=rpc.job_rerun_batch.decode: %w", err)
	}
	return a.Rerun.RerunBulk(ctx, req.ExecutionIDs)
}

// ---- generated-image:* ----

func (a *Adapter) handleImageGetByQCStatus(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req struct {
		Status string `json:"status"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("op=rpc.image_get_by_qc_status.decode: %w", err)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	return a.Facade.ListImagesByStatus(ctx, domain.ImageStatus(req.Status), req.Offset, limit)
}

func (a *Adapter) handleImageUpdateQCStatus(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req struct {
		ImageID string `json:"imageId"`
		Status  string `json:"status"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("op=rpc.image_update_qc_status.decode: %w", err)
	}
	img, err := a.Facade.GetImage(ctx, req.ImageID)
	if err != nil {
		return nil, fmt.Errorf("op=rpc.image_update_qc_status.get: %w", err)
	}
	img.Status = domain.ImageStatus(req.Status)
	img.QCReason = req.Reason
	if err := a.Facade.UpdateImage(ctx, img); err != nil {
		return nil, fmt.Errorf("op=rpc.image_update_qc_status.update: %w", err)
	}
	return img, nil
}

func (a *Adapter) handleImageDelete(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req struct {
		ImageID string `json:"imageId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("op=rpc.image_delete.decode: %w", err)
	}
	return nil, a.Facade.DeleteGeneratedImage(ctx, req.ImageID)
}

// ---- failed-image:retry-batch ----

func (a *Adapter) handleFailedImageRetryBatch(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req struct {
		ImageIDs            []string `json:"imageIds"`
		UseOriginalSettings bool     `json:"useOriginalSettings"`
		ModifiedSettings    string   `json:"modifiedSettings"`
		IncludeMetadata     bool     `json:"includeMetadata"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("op=rpc.failed_image_retry_batch.decode: %w", err)
	}
	if len(req.ImageIDs) == 0 {
		return nil, fmt.Errorf("op=rpc.failed_image_retry_batch: No image IDs provided: %w", domain.ErrInvalidArgument)
	}

	// §6: under useOriginalSettings=true, every image in the batch must
	// belong to the same execution, since "original settings" means the
	// one configuration that execution was driven by.
	if req.UseOriginalSettings {
		var execID string
		for _, id := range req.ImageIDs {
			img, err := a.Facade.GetImage(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("op=rpc.failed_image_retry_batch.get: %w", err)
			}
			if execID == "" {
				execID = img.JobExecutionID
			} else if img.JobExecutionID != execID {
				return nil, fmt.Errorf("different jobs")
			}
		}
	}

	err := a.Retry.AddBatchRetryJob(ctx, retryexec.BatchRetryRequest{
		Type:                "failed-image:retry-batch",
		ImageIDs:            req.ImageIDs,
		UseOriginalSettings: req.UseOriginalSettings,
		ModifiedSettings:    req.ModifiedSettings,
		IncludeMetadata:     req.IncludeMetadata,
	})
	return nil, err
}

// ---- settings / credentials ----

func (a *Adapter) handleGetSettings(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	if a.Settings == nil {
		return nil, fmt.Errorf("op=rpc.get_settings: settings store not configured")
	}
	return a.Settings.GetSettings(ctx)
}

func (a *Adapter) handleSaveSettings(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	if a.Settings == nil {
		return nil, fmt.Errorf("op=rpc.save_settings: settings store not configured")
	}
	var req struct {
		Settings json.RawMessage `json:"settings"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("op=rpc.save_settings.decode: %w", err)
	}
	return nil, a.Settings.SaveSettings(ctx, string(req.Settings))
}

func (a *Adapter) handleCredentialGet(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	if a.Credentials == nil {
		return nil, fmt.Errorf("op=rpc.credential_get: credential store not configured")
	}
	var req struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("op=rpc.credential_get.decode: %w", err)
	}
	return a.Credentials.GetCredential(ctx, req.Key)
}

func (a *Adapter) handleCredentialSet(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	if a.Credentials == nil {
		return nil, fmt.Errorf("op=rpc.credential_set: credential store not configured")
	}
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("op=rpc.credential_set.decode: %w", err)
	}
	return nil, a.Credentials.SetCredential(ctx, req.Key, req.Value)
}
