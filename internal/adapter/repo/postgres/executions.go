package postgres

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ascensum/gen-image-runner/internal/domain"
)

// ExecutionRepo persists JobExecution rows.
type ExecutionRepo struct{ Pool PgxPool }

// NewExecutionRepo constructs an ExecutionRepo with the given pool.
func NewExecutionRepo(p PgxPool) *ExecutionRepo { return &ExecutionRepo{Pool: p} }

// Create inserts a new job execution and returns its id.
func (r *ExecutionRepo) Create(ctx domain.Context, e domain.JobExecution) (string, error) {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "job_executions"),
	)

	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO job_executions (
		id, configuration_id, label, configuration_snapshot, status, is_rerun, error_message,
		requested_count, produced_count, failed_count, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := r.Pool.Exec(ctx, q,
		id, e.ConfigurationID, e.Label, e.ConfigurationSnapshot, e.Status, e.IsRerun, e.ErrorMessage,
		e.RequestedCount, e.ProducedCount, e.FailedCount, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("op=execution.create: %w", err)
	}
	return id, nil
}

// UpdateExecutionStatistics updates only the running image-count totals for
// an execution, leaving status/error untouched. Called after every
// per-generation batch and at finalize (§4.1 step 2.5, §4.6).
func (r *ExecutionRepo) UpdateExecutionStatistics(ctx domain.Context, id string, requested, produced, failed int) error {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.UpdateStatistics")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "job_executions"),
	)

	q := `UPDATE job_executions SET requested_count=$2, produced_count=$3, failed_count=$4, updated_at=$5 WHERE id=$1`
	result, err := r.Pool.Exec(ctx, q, id, requested, produced, failed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=execution.update_statistics: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("op=execution.update_statistics: %w", domain.ErrNotFound)
	}
	return nil
}

// UpdateExecutionStatus updates an execution's status and optional error message,
// using an explicit transaction with read-committed isolation (teacher idiom).
func (r *ExecutionRepo) UpdateExecutionStatus(ctx domain.Context, id string, status domain.JobExecutionStatus, errMsg *string) error {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.UpdateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "job_executions"),
	)

	errVal := ""
	if errMsg != nil {
		errVal = *errMsg
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=execution.update_status.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rerr := tx.Rollback(ctx); rerr != nil {
				slog.Error("failed to rollback execution status update", slog.String("execution_id", id), slog.Any("error", rerr))
			}
		}
	}()

	now := time.Now().UTC()
	var finishedAt *time.Time
	if status == domain.JobCompleted || status == domain.JobFailed || status == domain.JobStopped {
		finishedAt = &now
	}
	var startedAt *time.Time
	if status == domain.JobRunning {
		startedAt = &now
	}

	q := `UPDATE job_executions SET status=$2, error_message=$3, updated_at=$4,
		started_at=COALESCE($5, started_at), finished_at=COALESCE($6, finished_at)
		WHERE id=$1`
	result, err := tx.Exec(ctx, q, id, status, errVal, now, startedAt, finishedAt)
	if err != nil {
		return fmt.Errorf("op=execution.update_status.exec: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("op=execution.update_status: %w", domain.ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=execution.update_status.commit: %w", err)
	}
	committed = true
	return nil
}

// Get loads a job execution by id.
func (r *ExecutionRepo) Get(ctx domain.Context, id string) (domain.JobExecution, error) {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "job_executions"),
	)

	q := `SELECT id, configuration_id, label, configuration_snapshot, status, is_rerun, COALESCE(error_message,''),
		requested_count, produced_count, failed_count, created_at, updated_at, started_at, finished_at
		FROM job_executions WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var e domain.JobExecution
	if err := row.Scan(
		&e.ID, &e.ConfigurationID, &e.Label, &e.ConfigurationSnapshot, &e.Status, &e.IsRerun, &e.ErrorMessage,
		&e.RequestedCount, &e.ProducedCount, &e.FailedCount, &e.CreatedAt, &e.UpdatedAt, &e.StartedAt, &e.FinishedAt,
	); err != nil {
		if err == pgx.ErrNoRows {
			return domain.JobExecution{}, fmt.Errorf("op=execution.get: %w", domain.ErrNotFound)
		}
		return domain.JobExecution{}, fmt.Errorf("op=execution.get: %w", err)
	}
	return e, nil
}

// ListExecutionsByStatus returns a paginated list of executions in the given status.
func (r *ExecutionRepo) ListExecutionsByStatus(ctx domain.Context, status domain.JobExecutionStatus, offset, limit int) ([]domain.JobExecution, error) {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.ListByStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "job_executions"),
	)

	q := `SELECT id, configuration_id, label, configuration_snapshot, status, is_rerun, COALESCE(error_message,''),
		requested_count, produced_count, failed_count, created_at, updated_at, started_at, finished_at
		FROM job_executions WHERE status=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=execution.list_by_status: %w", err)
	}
	defer rows.Close()

	var out []domain.JobExecution
	for rows.Next() {
		var e domain.JobExecution
		if err := rows.Scan(
			&e.ID, &e.ConfigurationID, &e.Label, &e.ConfigurationSnapshot, &e.Status, &e.IsRerun, &e.ErrorMessage,
			&e.RequestedCount, &e.ProducedCount, &e.FailedCount, &e.CreatedAt, &e.UpdatedAt, &e.StartedAt, &e.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("op=execution.list_by_status_scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=execution.list_by_status_rows: %w", err)
	}
	return out, nil
}
