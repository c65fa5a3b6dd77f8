package classify

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ascensum/gen-image-runner/internal/domain"
)

// PolicyEntry is one row of the failure-policy table: which stage maps to
// which qcReason string. Cooldown codes are listed separately as
// CooldownCode entries.
type PolicyEntry struct {
	Stage    string `yaml:"stage"`
	QCReason string `yaml:"qc_reason"`
}

// CooldownCode is one upstream code the table marks as needing a cooldown
// window instead of an immediate retry (§4.2/§4.4).
type CooldownCode struct {
	Code string `yaml:"code"`
}

// PolicyTable is the YAML shape of the failure-policy fixture (ported from
// the teacher's config/*.yaml loading pattern, see internal/config/ragconfig.go
// in the source this was adapted from).
type PolicyTable struct {
	Stages    []PolicyEntry  `yaml:"stages"`
	Cooldowns []CooldownCode `yaml:"cooldowns"`
}

var (
	mu     sync.RWMutex
	active *PolicyTable
)

// DefaultPolicyTable returns the table matching this package's built-in
// QCReason/NeedsCooldown mapping, usable as a starting point for a
// site-local override file.
func DefaultPolicyTable() PolicyTable {
	return PolicyTable{
		Stages: []PolicyEntry{
			{Stage: string(domain.StageConvert), QCReason: domain.QCReasonProcessingFailedConvert},
			{Stage: string(domain.StageSaveFinal), QCReason: domain.QCReasonProcessingFailedSaveFinal},
			{Stage: string(domain.StageMetadata), QCReason: domain.QCReasonProcessingFailedMetadata},
			{Stage: string(domain.StageTrim), QCReason: domain.QCReasonProcessingFailedTrim},
			{Stage: string(domain.StageEnhancement), QCReason: domain.QCReasonProcessingFailedEnhancement},
			{Stage: string(domain.StageRemoveBG), QCReason: domain.QCReasonProcessingFailedRemoveBG},
			{Stage: string(domain.StageQC), QCReason: domain.QCReasonProcessingFailedQC},
		},
		Cooldowns: []CooldownCode{
			{Code: string(CodeUpstreamRateLimit)},
			{Code: string(CodeUpstreamTimeout)},
		},
	}
}

// LoadPolicyTable reads and parses a failure-policy YAML file. Callers pass
// the result to SetActivePolicyTable to override this package's built-in
// mapping at startup.
func LoadPolicyTable(path string) (PolicyTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return PolicyTable{}, fmt.Errorf("op=classify.load_policy_table: %w", err)
	}
	var t PolicyTable
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return PolicyTable{}, fmt.Errorf("op=classify.load_policy_table.parse: %w", err)
	}
	return t, nil
}

// SetActivePolicyTable installs t as the override consulted by QCReason and
// NeedsCooldown ahead of their built-in defaults (Code does not consult it). Passing a zero-value
// PolicyTable clears the override.
func SetActivePolicyTable(t PolicyTable) {
	mu.Lock()
	defer mu.Unlock()
	if len(t.Stages) == 0 && len(t.Cooldowns) == 0 {
		active = nil
		return
	}
	cp := t
	active = &cp
}

func activeTable() *PolicyTable {
	mu.RLock()
	defer mu.RUnlock()
	return active
}

func (t PolicyTable) qcReasonForStage(stage domain.ProcessingStage) (string, bool) {
	for _, e := range t.Stages {
		if e.Stage == string(stage) {
			return e.QCReason, true
		}
	}
	return "", false
}

func (t PolicyTable) needsCooldown(code UpstreamCode) bool {
	for _, c := range t.Cooldowns {
		if strings.EqualFold(c.Code, string(code)) {
			return true
		}
	}
	return false
}
