// Package classify maps per-stage processing errors to the qcReason taxonomy
// and to stable upstream failure codes used by the Retry Executor's cooldown
// policy and by metrics labels.
package classify

import (
	"strings"

	"github.com/ascensum/gen-image-runner/internal/domain"
)

// UpstreamCode is a stable, low-cardinality classification of an error used
// to decide retry/cooldown policy, independent of the pipeline stage it
// occurred in.
type UpstreamCode string

const (
	CodeSchemaInvalid     UpstreamCode = "SCHEMA_INVALID"
	CodeUpstreamRateLimit UpstreamCode = "UPSTREAM_RATE_LIMIT"
	CodeUpstreamTimeout   UpstreamCode = "UPSTREAM_TIMEOUT"
	CodeNotFound          UpstreamCode = "NOT_FOUND"
	CodeInvalidArgument   UpstreamCode = "INVALID_ARGUMENT"
	CodeInternal          UpstreamCode = "INTERNAL"
)

// Code classifies a raw error message into a stable upstream failure code.
func Code(msg string) UpstreamCode {
	s := strings.ToLower(strings.TrimSpace(msg))
	if s == "" {
		return CodeInternal
	}

	switch {
	case strings.Contains(s, "schema invalid"),
		strings.Contains(s, "invalid json"),
		strings.Contains(s, "out of range"),
		strings.Contains(s, "empty"):
		return CodeSchemaInvalid
	case strings.Contains(s, "rate limit"):
		return CodeUpstreamRateLimit
	case strings.Contains(s, "timeout"),
		strings.Contains(s, "deadline exceeded"):
		return CodeUpstreamTimeout
	case strings.Contains(s, "not found"):
		return CodeNotFound
	case strings.Contains(s, "invalid argument"):
		return CodeInvalidArgument
	default:
		return CodeInternal
	}
}

// NeedsCooldown reports whether the classified code should bypass immediate
// retry and be parked with a cooldown window instead (§4.2, ported from the
// teacher's DLQ cooldown policy).
func (c UpstreamCode) NeedsCooldown() bool {
	if t := activeTable(); t != nil {
		return t.needsCooldown(c)
	}
	return c == CodeUpstreamRateLimit || c == CodeUpstreamTimeout
}

// QCReason maps a processing-stage failure to its qcReason taxonomy string.
// The input path case is checked separately by callers before reaching here,
// since it is not a processing_failed:<stage> variant. A table installed via
// SetActivePolicyTable is consulted first, so a site can override the
// mapping without a rebuild.
func QCReason(stage domain.ProcessingStage) string {
	if t := activeTable(); t != nil {
		if reason, ok := t.qcReasonForStage(stage); ok {
			return reason
		}
	}
	switch stage {
	case domain.StageConvert:
		return domain.QCReasonProcessingFailedConvert
	case domain.StageSaveFinal:
		return domain.QCReasonProcessingFailedSaveFinal
	case domain.StageMetadata:
		return domain.QCReasonProcessingFailedMetadata
	case domain.StageTrim:
		return domain.QCReasonProcessingFailedTrim
	case domain.StageEnhancement:
		return domain.QCReasonProcessingFailedEnhancement
	case domain.StageRemoveBG:
		return domain.QCReasonProcessingFailedRemoveBG
	case domain.StageQC:
		return domain.QCReasonProcessingFailedQC
	default:
		return domain.QCReasonProcessingFailedQC
	}
}
