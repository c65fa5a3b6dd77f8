// Package postproc implements the shared post-processing chain used by both
// the Job Engine's QC/move pass (§4.1 step 4) and the Retry Executor's
// runPostProcessing (§4.2): convert -> trim -> enhance -> remove-background
// -> move-to-output. Centralizing it here is what keeps the qcReason
// taxonomy stable across retry replays (§4.4).
package postproc

import (
	"encoding/json"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ascensum/gen-image-runner/internal/adapter/imaging"
	"github.com/ascensum/gen-image-runner/internal/classify"
	"github.com/ascensum/gen-image-runner/internal/domain"
)

// Settings is the effective per-image processing configuration (§3 "processing").
type Settings struct {
	ConvertToJPG        bool
	ConvertHardFail      bool
	TrimTransparentPNG  bool
	EnhanceImage        bool
	RemoveBackground    bool
	RemoveBgFailureMode domain.RemoveBgFailureMode
}

// SettingsFromConfig derives Settings from a JobConfiguration (used by the
// Job Engine, where processing is driven by the execution's own config).
func SettingsFromConfig(cfg domain.JobConfiguration) Settings {
	mode := cfg.RemoveBgFailureMode
	if mode == "" {
		mode = domain.RemoveBgFailSoft
	}
	return Settings{
		ConvertToJPG:        cfg.ConvertToJPG,
		ConvertHardFail:     cfg.ConvertHardFail,
		TrimTransparentPNG:  cfg.TrimTransparentPNG,
		EnhanceImage:        cfg.EnhanceImage,
		RemoveBackground:    cfg.RemoveBackground,
		RemoveBgFailureMode: mode,
	}
}

// SettingsFromJSON parses a GeneratedImage.ProcessingSettings snapshot (or a
// retry's modifiedSettings payload), falling back to system defaults on
// parse failure (§4.2 step 4).
func SettingsFromJSON(raw string) Settings {
	s := Settings{RemoveBgFailureMode: domain.RemoveBgFailSoft}
	if raw == "" {
		return s
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return s
	}
	if v, ok := m["convertToJpg"].(bool); ok {
		s.ConvertToJPG = v
	}
	if v, ok := m["convertHardFail"].(bool); ok {
		s.ConvertHardFail = v
	}
	if v, ok := m["trimTransparent"].(bool); ok {
		s.TrimTransparentPNG = v
	}
	if v, ok := m["enhance"].(bool); ok {
		s.EnhanceImage = v
	}
	if v, ok := m["removeBackground"].(bool); ok {
		s.RemoveBackground = v
	}
	if v, ok := m["removeBgFailureMode"].(string); ok && v != "" {
		s.RemoveBgFailureMode = domain.RemoveBgFailureMode(v)
	}
	return s
}

// JSON serializes Settings back into the shape persisted on GeneratedImage.ProcessingSettings.
func (s Settings) JSON() string {
	m := map[string]interface{}{
		"convertToJpg":        s.ConvertToJPG,
		"convertHardFail":     s.ConvertHardFail,
		"trimTransparent":     s.TrimTransparentPNG,
		"enhance":             s.EnhanceImage,
		"removeBackground":    s.RemoveBackground,
		"removeBgFailureMode": string(s.RemoveBgFailureMode),
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func targetExt(s Settings) string {
	if s.ConvertToJPG {
		return "jpg"
	}
	return "png"
}

// Chain bundles the vendor/processing ports the post-processing algorithm
// drives. BGRemover may be nil when remove-background is never enabled by
// the caller.
type Chain struct {
	Processor domain.ImageProcessor
	BGRemover domain.BackgroundRemover
}

// Result is the outcome of Run.
type Result struct {
	Success   bool
	FinalPath string
	// QCReason is set only when Success is false.
	QCReason string
}

// Run drives convert -> trim -> enhance -> remove-background -> move for one
// image (§4.2 runPostProcessing; also the Job Engine's QC/move pass per
// §4.4's centralization note). A stage's error is hard when failOptions
// selects its ProcessingStage; remove-background is also hard under the
// mark_failed mode, and a failed final move is also hard when
// ConvertHardFail is set. Otherwise the chain falls back to the pre-stage
// path and continues (soft failure).
func (c Chain) Run(ctx domain.Context, sourcePath, mappingID string, settings Settings, outputDir, tempDir string, failOptions domain.FailOptions) Result {
	tracer := otel.Tracer("postproc")
	ctx, span := tracer.Start(ctx, "postproc.Run")
	defer span.End()
	span.SetAttributes(attribute.String("image.mapping_id", mappingID))

	path := sourcePath

	if settings.ConvertToJPG {
		if out, err := c.Processor.Convert(ctx, path, targetExt(settings)); err == nil {
			path = out
		} else if failOptions.IsHard(domain.StageConvert) {
			return Result{QCReason: classify.QCReason(domain.StageConvert)}
		}
	}

	if settings.TrimTransparentPNG {
		if out, err := c.Processor.Trim(ctx, path); err == nil {
			path = out
		} else if failOptions.IsHard(domain.StageTrim) {
			return Result{QCReason: classify.QCReason(domain.StageTrim)}
		}
	}

	if settings.EnhanceImage {
		if out, err := c.Processor.Enhance(ctx, path); err == nil {
			path = out
		} else if failOptions.IsHard(domain.StageEnhancement) {
			return Result{QCReason: classify.QCReason(domain.StageEnhancement)}
		}
	}

	if settings.RemoveBackground && c.BGRemover != nil {
		out, applied, err := c.BGRemover.RemoveBackground(ctx, path)
		if err == nil {
			path = out
		}

		var hardFail bool
		if settings.RemoveBgFailureMode == domain.RemoveBgFailHard {
			// §4.1 step 4 mark_failed policy: require (a) the key is present,
			// (b) the provider actually applied removal, and (c) no error
			// was raised for this stage.
			hardFail = os.Getenv("REMOVE_BG_API_KEY") == "" || err != nil || !applied
		} else if failOptions.IsHard(domain.StageRemoveBG) {
			hardFail = err != nil
		}
		if hardFail {
			return Result{QCReason: classify.QCReason(domain.StageRemoveBG)}
		}
		// soft: on failure path is left at its pre-removeBg value and the
		// chain proceeds with the original (not-bg-removed) image.
	}

	finalPath, err := imaging.MoveToOutput(path, outputDir, mappingID)
	if err != nil {
		if failOptions.IsHard(domain.StageSaveFinal) || settings.ConvertHardFail {
			return Result{QCReason: classify.QCReason(domain.StageSaveFinal)}
		}
		return Result{}
	}

	if tempDir != "" && strings.HasPrefix(sourcePath, tempDir) && sourcePath != finalPath {
		_ = os.Remove(sourcePath)
	}

	return Result{Success: true, FinalPath: finalPath}
}
