package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ascensum/gen-image-runner/internal/domain"
)

// KVRepo is a small generic key/value table backing the credential store
// and settings store collaborators, which have no natural entity shape of
// their own (§4.6).
type KVRepo struct{ Pool PgxPool }

// NewKVRepo constructs a KVRepo with the given pool.
func NewKVRepo(p PgxPool) *KVRepo { return &KVRepo{Pool: p} }

// Get returns the stored value for key, or ("", false, nil) if absent.
func (r *KVRepo) Get(ctx domain.Context, key string) (string, bool, error) {
	tracer := otel.Tracer("repo.kv")
	ctx, span := tracer.Start(ctx, "kv.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "key_value_store"),
	)

	var value string
	err := r.Pool.QueryRow(ctx, `SELECT value FROM key_value_store WHERE key=$1`, key).Scan(&value)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("op=kv.get: %w", err)
	}
	return value, true, nil
}

// Set upserts the value for key.
func (r *KVRepo) Set(ctx domain.Context, key, value string) error {
	tracer := otel.Tracer("repo.kv")
	ctx, span := tracer.Start(ctx, "kv.Set")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "key_value_store"),
	)

	q := `INSERT INTO key_value_store (key, value, updated_at) VALUES ($1,$2,$3)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at`
	if _, err := r.Pool.Exec(ctx, q, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=kv.set: %w", err)
	}
	return nil
}
