package classify

import (
	"testing"

	"github.com/ascensum/gen-image-runner/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	cases := []struct {
		name string
		msg  string
		want UpstreamCode
	}{
		{name: "empty", msg: "", want: CodeInternal},
		{name: "whitespace", msg: "   \n\t", want: CodeInternal},
		{name: "schema_invalid_phrase", msg: "schema invalid: payload", want: CodeSchemaInvalid},
		{name: "invalid_json", msg: "Invalid JSON body", want: CodeSchemaInvalid},
		{name: "out_of_range", msg: "value OUT OF RANGE", want: CodeSchemaInvalid},
		{name: "rate_limit", msg: "upstream rate limit exceeded", want: CodeUpstreamRateLimit},
		{name: "timeout", msg: "request timeout from upstream", want: CodeUpstreamTimeout},
		{name: "deadline_exceeded", msg: "context deadline exceeded while calling provider", want: CodeUpstreamTimeout},
		{name: "not_found", msg: "resource not found in store", want: CodeNotFound},
		{name: "invalid_argument", msg: "invalid argument provided", want: CodeInvalidArgument},
		{name: "default_internal", msg: "some unexpected provider error", want: CodeInternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Code(tc.msg))
		})
	}
}

func TestNeedsCooldown(t *testing.T) {
	assert.True(t, CodeUpstreamRateLimit.NeedsCooldown())
	assert.True(t, CodeUpstreamTimeout.NeedsCooldown())
	assert.False(t, CodeSchemaInvalid.NeedsCooldown())
	assert.False(t, CodeInternal.NeedsCooldown())
}

func TestQCReason(t *testing.T) {
	assert.Equal(t, domain.QCReasonProcessingFailedConvert, QCReason(domain.StageConvert))
	assert.Equal(t, domain.QCReasonProcessingFailedSaveFinal, QCReason(domain.StageSaveFinal))
	assert.Equal(t, domain.QCReasonProcessingFailedRemoveBG, QCReason(domain.StageRemoveBG))
}
