package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ascensum/gen-image-runner/internal/adapter/imaging"
	"github.com/ascensum/gen-image-runner/internal/adapter/observability"
	"github.com/ascensum/gen-image-runner/internal/classify"
	"github.com/ascensum/gen-image-runner/internal/domain"
	"github.com/ascensum/gen-image-runner/internal/paramgen"
	"github.com/ascensum/gen-image-runner/internal/postproc"
)

// runGenerationLoop drives §4.1 step 2: per-generation parameter synthesis
// (with retry/backoff), clamped variations, remote image generation, and
// per-image persistence.
func (e *Engine) runGenerationLoop(ctx context.Context, executionID string, cfg domain.JobConfiguration) (produced, failed, requested int, err error) {
	generations := cfg.GenerationCount
	if generations <= 0 {
		generations = 1
	}
	effVariations := clampVariations(cfg.VariationsPerImage, generations)
	requested = generations * effVariations
	settingsJSON := postproc.SettingsFromConfig(cfg).JSON()

	for g := 0; g < generations; g++ {
		if stopped, reason := e.stopRequested(); stopped {
			return produced, failed, requested, fmt.Errorf("%s", reason)
		}
		select {
		case <-ctx.Done():
			return produced, failed, requested, ctx.Err()
		default:
		}

		e.setProgress(executionID, "generation", fmt.Sprintf("generation_%d", g+1), requested, produced, failed)

		forceIdx := -1
		if !cfg.KeywordRandom {
			forceIdx = g
		}

		result, genErr := e.generateParamsWithRetry(ctx, cfg, g, forceIdx)
		if genErr != nil {
			e.logf(LogError, "generation", "generation_failed", "generation %d: %v", g+1, genErr)
			failed += effVariations
			_ = e.Facade.UpdateExecutionStatistics(ctx, executionID, requested, produced, failed)
			continue
		}

		for v := 0; v < effVariations; v++ {
			if stopped, reason := e.stopRequested(); stopped {
				return produced, failed, requested, fmt.Errorf("%s", reason)
			}
			select {
			case <-ctx.Done():
				return produced, failed, requested, ctx.Err()
			default:
			}

			ratio := fmt.Sprintf("%dx%d", cfg.ImageWidth, cfg.ImageHeight)
			if len(result.AspectRatios) > 0 {
				ratio = result.AspectRatios[v%len(result.AspectRatios)]
			}
			width, height := aspectToDimensions(ratio, cfg.ImageWidth, cfg.ImageHeight)

			mappingID := newMappingID()
			sourcePath, genErr := e.ImageProvider.GenerateImage(ctx, cfg.RunwareModel, result.Prompt, result.NegativePrompt, result.Seed, width, height)
			if genErr != nil {
				failed++
				e.logf(LogError, "generation", "image_generation_failed", "generation %d variation %d: %v", g+1, v+1, genErr)
				img := domain.GeneratedImage{
					JobExecutionID:     executionID,
					MappingID:          mappingID,
					Status:             domain.ImageQCFailed,
					QCReason:           classify.QCReason(domain.StageQC),
					GenerationPrompt:   result.Prompt,
					NegativePrompt:     result.NegativePrompt,
					Seed:               result.Seed,
					ProcessingSettings: settingsJSON,
				}
				if _, perr := e.Facade.CreateImage(ctx, img); perr != nil {
					e.logf(LogError, "generation", "persist_failed", "failed to persist failed image %s: %v", mappingID, perr)
				}
				observability.RecordQCFailure(img.QCReason)
				continue
			}

			status := domain.ImagePending
			if cfg.RunQualityCheck {
				status = domain.ImageQCFailed // placeholder pending review (§4.1 step 2.4)
			}
			img := domain.GeneratedImage{
				JobExecutionID:     executionID,
				MappingID:          mappingID,
				Status:             status,
				GenerationPrompt:   result.Prompt,
				NegativePrompt:     result.NegativePrompt,
				Seed:               result.Seed,
				SourcePath:         sourcePath,
				ProcessingSettings: settingsJSON,
			}
			if _, perr := e.Facade.CreateImage(ctx, img); perr != nil {
				e.logf(LogError, "generation", "persist_failed", "failed to persist image %s: %v", mappingID, perr)
				failed++
				continue
			}
			produced++
		}

		_ = e.Facade.UpdateExecutionStatistics(ctx, executionID, requested, produced, failed)
	}

	return produced, failed, requested, nil
}

// generateParamsWithRetry retries paramgen.Generate up to cfg.ParamRetryMax
// times with cfg.GenerationRetryBackoffMs between attempts (§4.1 step 2.1).
func (e *Engine) generateParamsWithRetry(ctx context.Context, cfg domain.JobConfiguration, genIndex, forceIdx int) (paramgen.Result, error) {
	attempts := cfg.ParamRetryMax
	if attempts <= 0 {
		attempts = 1
	}
	backoff := time.Duration(cfg.GenerationRetryBackoffMs) * time.Millisecond
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := e.ParamGen.Generate(ctx, cfg, cfg.OpenAIModel, forceIdx)
		if err == nil {
			if attempt > 1 {
				e.logf(LogInfo, "generation", "generation_retry_success", "generation %d succeeded on attempt %d", genIndex+1, attempt)
			}
			return result, nil
		}
		lastErr = err
		e.logf(LogDebug, "generation", "generation_retry", "generation %d attempt %d failed: %v", genIndex+1, attempt, err)
		if attempt < attempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return paramgen.Result{}, ctx.Err()
			}
		}
	}
	return paramgen.Result{}, lastErr
}

// metadataPayload is the JSON shape of GeneratedImage.Metadata (§3).
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

// runMetadataPass drives §4.1 step 3: for every successfully generated image
// not already marked failed by an earlier stage, call VisionProvider.GenerateMetadata
// and merge the result. Failures are collected and raised as one aggregate
// error after the loop so the job-level finalize still fails, even though
// each image was already individually marked.
func (e *Engine) runMetadataPass(ctx context.Context, executionID string, cfg domain.JobConfiguration) error {
	images, err := e.Facade.ListImagesByExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("op=engine.metadata_pass.list: %w", err)
	}

	failures := 0
	for _, img := range images {
		if img.QCReason != "" || img.SourcePath == "" {
			continue // already failed in an earlier stage, or nothing to review
		}
		if stopped, reason := e.stopRequested(); stopped {
			return fmt.Errorf("%s", reason)
		}

		title, description, tags, mErr := e.Vision.GenerateMetadata(ctx, cfg.OpenAIModel, img.SourcePath, img.GenerationPrompt, cfg.MetadataPrompt)
		if mErr != nil {
			failures++
			img.Status = domain.ImageQCFailed
			img.QCReason = classify.QCReason(domain.StageMetadata)
			img.Metadata = mergeMetadataFailure(img.Metadata, mErr)
			if uerr := e.Facade.UpdateImage(ctx, img); uerr != nil {
				e.logf(LogError, "metadata", "persist_failed", "image %s: %v", img.MappingID, uerr)
			}
			observability.RecordQCFailure(img.QCReason)
			e.logf(LogError, "metadata", "metadata_failed", "image %s: %v", img.MappingID, mErr)
			continue
		}

		img.Metadata = mergeMetadataSuccess(img.Metadata, title, description, tags)
		if uerr := e.Facade.UpdateImage(ctx, img); uerr != nil {
			e.logf(LogError, "metadata", "persist_failed", "image %s: %v", img.MappingID, uerr)
		}
	}

	if failures > 0 {
		return fmt.Errorf("Metadata generation failed for %d image(s)", failures)
	}
	return nil
}

// runQCAndMovePass drives §4.1 step 4: AI quality review (if enabled),
// remove-background policy, and the shared post-processing/move chain.
func (e *Engine) runQCAndMovePass(ctx context.Context, executionID string, cfg domain.JobConfiguration) error {
	images, err := e.Facade.ListImagesByExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("op=engine.qc_pass.list: %w", err)
	}

	chain := postproc.Chain{Processor: e.Processor, BGRemover: e.BGRemover}
	settings := postproc.SettingsFromConfig(cfg)

	for _, img := range images {
		if stopped, reason := e.stopRequested(); stopped {
			return fmt.Errorf("%s", reason)
		}
		if img.QCReason != "" {
			continue // already failed in an earlier stage
		}

		if cfg.RunQualityCheck {
			if img.SourcePath == "" {
				img.Status = domain.ImageQCFailed
				img.QCReason = domain.QCReasonMissingInput
				if uerr := e.Facade.UpdateImage(ctx, img); uerr != nil {
					e.logf(LogError, "qc", "persist_failed", "image %s: %v", img.MappingID, uerr)
				}
				observability.RecordQCFailure(img.QCReason)
				continue
			}

			passed, reason, qcErr := e.Vision.ReviewImage(ctx, cfg.OpenAIModel, img.SourcePath, cfg.QualityCheckPrompt)
			if qcErr != nil || !passed {
				img.Status = domain.ImageQCFailed
				switch {
				case reason != "":
					img.QCReason = reason
				default:
					img.QCReason = classify.QCReason(domain.StageQC)
				}
				if uerr := e.Facade.UpdateImage(ctx, img); uerr != nil {
					e.logf(LogError, "qc", "persist_failed", "image %s: %v", img.MappingID, uerr)
				}
				observability.RecordQCFailure(img.QCReason)
				continue
			}

			img.Status = domain.ImageApproved
			if uerr := e.Facade.UpdateImage(ctx, img); uerr != nil {
				e.logf(LogError, "qc", "persist_failed", "image %s: %v", img.MappingID, uerr)
				continue
			}
		}

		if img.SourcePath == "" {
			continue // QC disabled but nothing was ever produced for this row
		}

		result := chain.Run(ctx, img.SourcePath, img.MappingID, settings, cfg.OutputDirectory, cfg.TempDirectory, cfg.FailOptions)
		if !result.Success {
			img.Status = domain.ImageQCFailed
			img.QCReason = result.QCReason
			if uerr := e.Facade.UpdateImage(ctx, img); uerr != nil {
				e.logf(LogError, "qc", "persist_failed", "image %s: %v", img.MappingID, uerr)
			}
			observability.RecordQCFailure(img.QCReason)
			continue
		}

		img.Status = domain.ImageApproved
		img.FinalPath = result.FinalPath
		img.SourcePath = ""
		img.QCReason = ""
		if !cfg.RunQualityCheck {
			img.QCReason = reasonQCDisabled
		}
		if uerr := e.Facade.UpdateImage(ctx, img); uerr != nil {
			e.logf(LogError, "qc", "persist_failed", "image %s: %v", img.MappingID, uerr)
			continue
		}
		observability.RecordApproved()
	}

	return nil
}

// runSafetyReconcile drives §4.1 step 5: repair images left `approved`
// without a finalPath (a move attempted earlier in the run failed, or the
// process was interrupted between writes).
func (e *Engine) runSafetyReconcile(ctx context.Context, executionID string, cfg domain.JobConfiguration) {
	images, err := e.Facade.ListImagesByExecution(ctx, executionID)
	if err != nil {
		e.logf(LogError, "safety_reconcile", "list_failed", "%v", err)
		return
	}

	mode := cfg.RemoveBgFailureMode
	if mode == "" {
		mode = domain.RemoveBgFailSoft
	}

	for _, img := range images {
		if img.Status != domain.ImageApproved || img.FinalPath != "" || img.SourcePath == "" {
			continue
		}

		if finalPath, mErr := imaging.MoveToOutput(img.SourcePath, cfg.OutputDirectory, img.MappingID); mErr == nil {
			img.FinalPath = finalPath
			img.SourcePath = ""
			if uerr := e.Facade.UpdateImage(ctx, img); uerr != nil {
				e.logf(LogError, "safety_reconcile", "persist_failed", "image %s: %v", img.MappingID, uerr)
			}
			continue
		}

		if mode == domain.RemoveBgFailHard {
			img.Status = domain.ImageQCFailed
			img.QCReason = classify.QCReason(domain.StageRemoveBG)
			if uerr := e.Facade.UpdateImage(ctx, img); uerr != nil {
				e.logf(LogError, "safety_reconcile", "persist_failed", "image %s: %v", img.MappingID, uerr)
			}
			continue
		}

		// Still failing: persist the processed temp path so downstream
		// consumers see a file, rather than leaving finalPath empty (§4.1 step 5).
		img.FinalPath = img.SourcePath
		if uerr := e.Facade.UpdateImage(ctx, img); uerr != nil {
			e.logf(LogError, "safety_reconcile", "persist_failed", "image %s: %v", img.MappingID, uerr)
		}
	}
}

// waitForQCToSettle polls until no image for this execution is in
// processing/retry_pending, or times out (§4.1 "QC finalize wait").
func (e *Engine) waitForQCToSettle(ctx context.Context, executionID string) error {
	deadline := time.Now().Add(e.QCSettleTimeout)
	poll := e.QCSettlePoll
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}

	for {
		images, err := e.Facade.ListImagesByExecution(ctx, executionID)
		if err != nil {
			return fmt.Errorf("op=engine.qc_settle.list: %w", err)
		}
		settled := true
		for _, img := range images {
			if img.Status == domain.ImageProcessing || img.Status == domain.ImageRetryPending {
				settled = false
				break
			}
		}
		if settled {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("op=engine.qc_settle: timed out waiting for images to settle")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}
