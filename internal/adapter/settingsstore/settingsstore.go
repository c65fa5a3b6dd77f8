// Package settingsstore implements the settings-store collaborator (§4.6):
// the persisted JSON blob behind get-settings/save-settings.
package settingsstore

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ascensum/gen-image-runner/internal/domain"
)

const settingsKey = "app_settings"

// KV is the minimal key/value persistence settingsstore needs; satisfied by
// postgres.KVRepo.
type KV interface {
	Get(ctx domain.Context, key string) (string, bool, error)
	Set(ctx domain.Context, key, value string) error
}

// Store implements rpc.SettingsStore over a KV, falling back to a
// process-supplied default JSON document until the first SaveSettings call.
type Store struct {
	kv      KV
	Default string
}

// NewStore constructs a Store; defaultJSON is returned by GetDefaultSettings
// and by GetSettings before anything has ever been saved.
func NewStore(kv KV, defaultJSON string) *Store {
	return &Store{kv: kv, Default: defaultJSON}
}

// GetSettings returns the saved settings JSON, or the default if none has
// ever been saved.
func (s *Store) GetSettings(ctx domain.Context) (string, error) {
	raw, found, err := s.kv.Get(ctx, settingsKey)
	if err != nil {
		return "", fmt.Errorf("op=settingsstore.get: %w", err)
	}
	if !found {
		return s.Default, nil
	}
	return raw, nil
}

// SaveSettings persists the given settings JSON verbatim.
func (s *Store) SaveSettings(ctx domain.Context, settingsJSON string) error {
	if err := s.kv.Set(ctx, settingsKey, settingsJSON); err != nil {
		return fmt.Errorf("op=settingsstore.save: %w", err)
	}
	return nil
}

// GetDefaultSettings returns the built-in default settings JSON, ignoring
// anything saved via SaveSettings.
func (s *Store) GetDefaultSettings(ctx domain.Context) (string, error) {
	return s.Default, nil
}

// LoadDefaultSettingsYAML reads a YAML fixture (an example job-configuration
// settings document) and re-encodes it as the JSON string GetDefaultSettings
// returns, following the teacher's config-fixture loading pattern.
func LoadDefaultSettingsYAML(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("op=settingsstore.load_default_yaml: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("op=settingsstore.load_default_yaml.parse: %w", err)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("op=settingsstore.load_default_yaml.encode: %w", err)
	}
	return string(b), nil
}
