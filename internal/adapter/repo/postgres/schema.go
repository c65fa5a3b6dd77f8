package postgres

import (
	"context"
	"fmt"
)

// schemaDDL is the full set of idempotent table definitions this runner
// depends on. There is no migration-chain framework: each statement is
// written defensively (IF NOT EXISTS) so ApplySchema can run unconditionally
// on every boot, mirroring the teacher's one-shot bootstrap approach in
// cmd/ragseed rather than a stepwise migration tool.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS job_configurations (
	id                                  TEXT PRIMARY KEY,
	label                               TEXT NOT NULL DEFAULT '',
	created_at                          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                          TIMESTAMPTZ NOT NULL DEFAULT now(),
	process_mode                        TEXT NOT NULL DEFAULT 'single',
	keywords_file_path                  TEXT NOT NULL DEFAULT '',
	system_prompt_file                  TEXT NOT NULL DEFAULT '',
	keyword_random                      BOOLEAN NOT NULL DEFAULT false,
	generation_count                    INT NOT NULL DEFAULT 0,
	variations_per_image                INT NOT NULL DEFAULT 0,
	openai_model                        TEXT NOT NULL DEFAULT '',
	runware_model                       TEXT NOT NULL DEFAULT '',
	image_width                         INT NOT NULL DEFAULT 0,
	image_height                        INT NOT NULL DEFAULT 0,
	advanced_provider_settings_enabled  BOOLEAN NOT NULL DEFAULT false,
	advanced_provider_settings_json     TEXT NOT NULL DEFAULT '',
	convert_to_jpg                      BOOLEAN NOT NULL DEFAULT false,
	convert_hard_fail                   BOOLEAN NOT NULL DEFAULT false,
	trim_transparent_png                BOOLEAN NOT NULL DEFAULT false,
	enhance_image                       BOOLEAN NOT NULL DEFAULT false,
	remove_background                   BOOLEAN NOT NULL DEFAULT false,
	remove_bg_failure_mode              TEXT NOT NULL DEFAULT 'approve',
	run_quality_check                   BOOLEAN NOT NULL DEFAULT false,
	run_metadata_gen                    BOOLEAN NOT NULL DEFAULT false,
	quality_check_prompt_file           TEXT NOT NULL DEFAULT '',
	metadata_prompt_file                TEXT NOT NULL DEFAULT '',
	output_directory                    TEXT NOT NULL DEFAULT '',
	temp_directory                      TEXT NOT NULL DEFAULT '',
	polling_timeout_seconds             INT NOT NULL DEFAULT 0,
	param_retry_max                     INT NOT NULL DEFAULT 0,
	generation_retry_backoff_ms         INT NOT NULL DEFAULT 0,
	fail_options_enabled                BOOLEAN NOT NULL DEFAULT false,
	fail_options_steps                  TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS job_executions (
	id                      TEXT PRIMARY KEY,
	configuration_id        TEXT NOT NULL REFERENCES job_configurations(id),
	label                   TEXT NOT NULL DEFAULT '',
	configuration_snapshot  TEXT NOT NULL DEFAULT '{}',
	status                  TEXT NOT NULL,
	is_rerun                BOOLEAN NOT NULL DEFAULT false,
	error_message           TEXT NOT NULL DEFAULT '',
	requested_count         INT NOT NULL DEFAULT 0,
	produced_count          INT NOT NULL DEFAULT 0,
	failed_count            INT NOT NULL DEFAULT 0,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at              TIMESTAMPTZ,
	finished_at             TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_job_executions_status ON job_executions(status);

CREATE TABLE IF NOT EXISTS generated_images (
	id                  TEXT PRIMARY KEY,
	job_execution_id    TEXT NOT NULL REFERENCES job_executions(id),
	mapping_id          TEXT NOT NULL,
	status              TEXT NOT NULL,
	is_rerun            BOOLEAN NOT NULL DEFAULT false,
	generation_prompt   TEXT NOT NULL DEFAULT '',
	negative_prompt     TEXT NOT NULL DEFAULT '',
	seed                BIGINT NOT NULL DEFAULT 0,
	source_path         TEXT NOT NULL DEFAULT '',
	final_path          TEXT NOT NULL DEFAULT '',
	qc_reason           TEXT NOT NULL DEFAULT '',
	processing_settings TEXT NOT NULL DEFAULT '{}',
	metadata            TEXT NOT NULL DEFAULT '{}',
	retry_count         INT NOT NULL DEFAULT 0,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_generated_images_execution ON generated_images(job_execution_id);
CREATE INDEX IF NOT EXISTS idx_generated_images_status ON generated_images(status, updated_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_generated_images_mapping ON generated_images(job_execution_id, mapping_id);

CREATE TABLE IF NOT EXISTS key_value_store (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// ApplySchema applies schemaDDL against pool. Safe to call on every process
// boot: every statement is CREATE ... IF NOT EXISTS.
func ApplySchema(ctx context.Context, pool PgxPool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("op=postgres.apply_schema: %w", err)
	}
	return nil
}
