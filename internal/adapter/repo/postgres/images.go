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

// ImageRepo persists GeneratedImage rows.
type ImageRepo struct{ Pool PgxPool }

// NewImageRepo constructs an ImageRepo with the given pool.
func NewImageRepo(p PgxPool) *ImageRepo { return &ImageRepo{Pool: p} }

const imageColumns = `id, job_execution_id, mapping_id, status, is_rerun,
	generation_prompt, negative_prompt, seed, source_path, final_path, qc_reason,
	processing_settings, metadata,
	retry_count, created_at, updated_at`

func scanImage(row interface{ Scan(...interface{}) error }) (domain.GeneratedImage, error) {
	var img domain.GeneratedImage
	err := row.Scan(
		&img.ID, &img.JobExecutionID, &img.MappingID, &img.Status, &img.IsRerun,
		&img.GenerationPrompt, &img.NegativePrompt, &img.Seed, &img.SourcePath, &img.FinalPath, &img.QCReason,
		&img.ProcessingSettings, &img.Metadata,
		&img.RetryCount, &img.CreatedAt, &img.UpdatedAt,
	)
	return img, err
}

// Create inserts a new generated image and returns its id.
func (r *ImageRepo) Create(ctx domain.Context, img domain.GeneratedImage) (string, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "generated_images"),
	)

	id := img.ID
	if id == "" {
		id = uuid.New().String()
	}
	mappingID := img.MappingID
	if mappingID == "" {
		mappingID = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO generated_images (
		id, job_execution_id, mapping_id, status, is_rerun,
		generation_prompt, negative_prompt, seed, source_path, final_path, qc_reason,
		processing_settings, metadata,
		retry_count, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err := r.Pool.Exec(ctx, q,
		id, img.JobExecutionID, mappingID, img.Status, img.IsRerun,
		img.GenerationPrompt, img.NegativePrompt, img.Seed, img.SourcePath, img.FinalPath, img.QCReason,
		img.ProcessingSettings, img.Metadata,
		img.RetryCount, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("op=image.create: %w", err)
	}
	return id, nil
}

// Update replaces a generated image row's mutable fields in full.
func (r *ImageRepo) Update(ctx domain.Context, img domain.GeneratedImage) error {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.Update")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "generated_images"),
	)

	q := `UPDATE generated_images SET status=$2, is_rerun=$3,
		generation_prompt=$4, negative_prompt=$5, seed=$6, source_path=$7, final_path=$8,
		qc_reason=$9, processing_settings=$10, metadata=$11, retry_count=$12, updated_at=$13
		WHERE id=$1`
	result, err := r.Pool.Exec(ctx, q,
		img.ID, img.Status, img.IsRerun,
		img.GenerationPrompt, img.NegativePrompt, img.Seed, img.SourcePath, img.FinalPath,
		img.QCReason, img.ProcessingSettings, img.Metadata, img.RetryCount, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("op=image.update: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("op=image.update: %w", domain.ErrNotFound)
	}
	return nil
}

// Get loads a generated image by id.
func (r *ImageRepo) Get(ctx domain.Context, id string) (domain.GeneratedImage, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "generated_images"),
	)

	row := r.Pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM generated_images WHERE id=$1`, id)
	img, err := scanImage(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.GeneratedImage{}, fmt.Errorf("op=image.get: %w", domain.ErrNotFound)
		}
		return domain.GeneratedImage{}, fmt.Errorf("op=image.get: %w", err)
	}
	return img, nil
}

// GetByMappingID loads a generated image by its stable mapping id within an execution.
func (r *ImageRepo) GetByMappingID(ctx domain.Context, jobExecutionID, mappingID string) (domain.GeneratedImage, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.GetByMappingID")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "generated_images"),
	)

	row := r.Pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM generated_images WHERE job_execution_id=$1 AND mapping_id=$2`, jobExecutionID, mappingID)
	img, err := scanImage(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.GeneratedImage{}, fmt.Errorf("op=image.get_by_mapping_id: %w", domain.ErrNotFound)
		}
		return domain.GeneratedImage{}, fmt.Errorf("op=image.get_by_mapping_id: %w", err)
	}
	return img, nil
}

// ListByExecution returns every generated image belonging to a job execution.
func (r *ImageRepo) ListByExecution(ctx domain.Context, jobExecutionID string) ([]domain.GeneratedImage, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.ListByExecution")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "generated_images"),
	)

	rows, err := r.Pool.Query(ctx, `SELECT `+imageColumns+` FROM generated_images WHERE job_execution_id=$1 ORDER BY created_at ASC`, jobExecutionID)
	if err != nil {
		return nil, fmt.Errorf("op=image.list_by_execution: %w", err)
	}
	defer rows.Close()

	var out []domain.GeneratedImage
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("op=image.list_by_execution_scan: %w", err)
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=image.list_by_execution_rows: %w", err)
	}
	return out, nil
}

// Delete removes a generated image row (generated-image:delete, §6).
func (r *ImageRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.Delete")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "DELETE"),
		attribute.String("db.sql.table", "generated_images"),
	)

	result, err := r.Pool.Exec(ctx, `DELETE FROM generated_images WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=image.delete: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("op=image.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// ListByStatus returns a paginated list of generated images in the given status,
// ordered oldest-first so StuckImageSweeper and the Retry Executor process
// in FIFO order.
func (r *ImageRepo) ListByStatus(ctx domain.Context, status domain.ImageStatus, offset, limit int) ([]domain.GeneratedImage, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.ListByStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "generated_images"),
	)

	rows, err := r.Pool.Query(ctx, `SELECT `+imageColumns+` FROM generated_images WHERE status=$1 ORDER BY updated_at ASC LIMIT $2 OFFSET $3`, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=image.list_by_status: %w", err)
	}
	defer rows.Close()

	var out []domain.GeneratedImage
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("op=image.list_by_status_scan: %w", err)
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=image.list_by_status_rows: %w", err)
	}
	return out, nil
}
