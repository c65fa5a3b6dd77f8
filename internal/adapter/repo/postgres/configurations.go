// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ascensum/gen-image-runner/internal/domain"
)

// ConfigurationRepo persists JobConfiguration rows.
type ConfigurationRepo struct{ Pool PgxPool }

// NewConfigurationRepo constructs a ConfigurationRepo with the given pool.
func NewConfigurationRepo(p PgxPool) *ConfigurationRepo { return &ConfigurationRepo{Pool: p} }

// Create inserts a new job configuration and returns its id.
func (r *ConfigurationRepo) Create(ctx domain.Context, c domain.JobConfiguration) (string, error) {
	tracer := otel.Tracer("repo.configurations")
	ctx, span := tracer.Start(ctx, "configurations.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "job_configurations"),
	)

	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	failSteps := make([]string, 0, len(c.FailOptions.Steps))
	for _, s := range c.FailOptions.Steps {
		failSteps = append(failSteps, string(s))
	}

	q := `INSERT INTO job_configurations (
		id, label, created_at, updated_at, process_mode,
		keywords_file_path, system_prompt_file, keyword_random, generation_count, variations_per_image,
		openai_model, runware_model, image_width, image_height,
		advanced_provider_settings_enabled, advanced_provider_settings_json,
		convert_to_jpg, convert_hard_fail, trim_transparent_png, enhance_image,
		remove_background, remove_bg_failure_mode,
		run_quality_check, run_metadata_gen, quality_check_prompt_file, metadata_prompt_file,
		output_directory, temp_directory, polling_timeout_seconds, param_retry_max,
		generation_retry_backoff_ms, fail_options_enabled, fail_options_steps
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33)`
	_, err := r.Pool.Exec(ctx, q,
		id, c.Label, now, now, string(c.ProcessMode),
		c.KeywordsFilePath, c.SystemPromptFile, c.KeywordRandom, c.GenerationCount, c.VariationsPerImage,
		c.OpenAIModel, c.RunwareModel, c.ImageWidth, c.ImageHeight,
		c.AdvancedProviderSettingsEnabled, c.AdvancedProviderSettingsJSON,
		c.ConvertToJPG, c.ConvertHardFail, c.TrimTransparentPNG, c.EnhanceImage,
		c.RemoveBackground, string(c.RemoveBgFailureMode),
		c.RunQualityCheck, c.RunMetadataGen, c.QualityCheckPromptFile, c.MetadataPromptFile,
		c.OutputDirectory, c.TempDirectory, int(c.PollingTimeout.Seconds()), c.ParamRetryMax,
		c.GenerationRetryBackoffMs, c.FailOptions.Enabled, failSteps,
	)
	if err != nil {
		return "", fmt.Errorf("op=configuration.create: %w", err)
	}
	return id, nil
}

// Get loads a job configuration by id.
func (r *ConfigurationRepo) Get(ctx domain.Context, id string) (domain.JobConfiguration, error) {
	tracer := otel.Tracer("repo.configurations")
	ctx, span := tracer.Start(ctx, "configurations.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "job_configurations"),
	)

	q := `SELECT id, label, created_at, updated_at, process_mode,
		keywords_file_path, system_prompt_file, keyword_random, generation_count, variations_per_image,
		openai_model, runware_model, image_width, image_height,
		advanced_provider_settings_enabled, advanced_provider_settings_json,
		convert_to_jpg, convert_hard_fail, trim_transparent_png, enhance_image,
		remove_background, remove_bg_failure_mode,
		run_quality_check, run_metadata_gen, quality_check_prompt_file, metadata_prompt_file,
		output_directory, temp_directory, polling_timeout_seconds, param_retry_max,
		generation_retry_backoff_ms, fail_options_enabled, fail_options_steps
	FROM job_configurations WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)

	var c domain.JobConfiguration
	var processMode, failureMode string
	var pollingSeconds int
	var failSteps []string
	if err := row.Scan(
		&c.ID, &c.Label, &c.CreatedAt, &c.UpdatedAt, &processMode,
		&c.KeywordsFilePath, &c.SystemPromptFile, &c.KeywordRandom, &c.GenerationCount, &c.VariationsPerImage,
		&c.OpenAIModel, &c.RunwareModel, &c.ImageWidth, &c.ImageHeight,
		&c.AdvancedProviderSettingsEnabled, &c.AdvancedProviderSettingsJSON,
		&c.ConvertToJPG, &c.ConvertHardFail, &c.TrimTransparentPNG, &c.EnhanceImage,
		&c.RemoveBackground, &failureMode,
		&c.RunQualityCheck, &c.RunMetadataGen, &c.QualityCheckPromptFile, &c.MetadataPromptFile,
		&c.OutputDirectory, &c.TempDirectory, &pollingSeconds, &c.ParamRetryMax,
		&c.GenerationRetryBackoffMs, &c.FailOptions.Enabled, &failSteps,
	); err != nil {
		if err == pgx.ErrNoRows {
			return domain.JobConfiguration{}, fmt.Errorf("op=configuration.get: %w", domain.ErrNotFound)
		}
		return domain.JobConfiguration{}, fmt.Errorf("op=configuration.get: %w", err)
	}
	c.ProcessMode = domain.ProcessMode(processMode)
	c.RemoveBgFailureMode = domain.RemoveBgFailureMode(failureMode)
	c.PollingTimeout = time.Duration(pollingSeconds) * time.Second
	for _, s := range failSteps {
		c.FailOptions.Steps = append(c.FailOptions.Steps, domain.ProcessingStage(s))
	}
	return c, nil
}
