//go:build integration

// Package integration holds tests that exercise real Postgres/Redis
// containers end to end, grounded on the teacher's
// internal/integration/containers_test.go (testcontainers-go +
// docker/go-connections idiom) and internal/adapter/queue/redpanda's
// container_pool.go host-port-binding pattern. Disabled by default (the
// "integration" build tag); run with `go test -tags=integration ./...`
// against a machine with a Docker daemon.
package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ascensum/gen-image-runner/internal/adapter/lock"
	"github.com/ascensum/gen-image-runner/internal/adapter/repo/postgres"
	"github.com/ascensum/gen-image-runner/internal/domain"
)

func startPostgres(t *testing.T, ctx context.Context) string {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "runner"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithStartupTimeout(90 * time.Second),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://postgres:postgres@%s:%s/runner?sslmode=disable", host, port.Port())
}

func startRedis(t *testing.T, ctx context.Context) string {
	t.Helper()
	const hostPort = 16390
	req := tc.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	// Bind a fixed host port, mirroring container_pool.go's
	// HostConfigModifier/nat.PortBinding pattern (there it's used to give
	// Redpanda brokers a stable advertised address; here it's simpler
	// because nothing but this test needs the address).
	req.HostConfigModifier = func(hc *containerTypes.HostConfig) {
		if hc.PortBindings == nil {
			hc.PortBindings = nat.PortMap{}
		}
		hc.PortBindings[nat.Port("6379/tcp")] = []nat.PortBinding{
			{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", hostPort)},
		}
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })
	return fmt.Sprintf("127.0.0.1:%d", hostPort)
}

// Test_Postgres_Facade_CreateAndGetExecution exercises the real pgx pool,
// schema bootstrap, and Facade.CreateExecution/GetExecution round trip
// against a live Postgres container.
func Test_Postgres_Facade_CreateAndGetExecution(t *testing.T) {
	ctx := context.Background()
	dsn := startPostgres(t, ctx)

	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()
	require.Eventually(t, func() bool { return pool.Ping(ctx) == nil }, 30*time.Second, time.Second)

	require.NoError(t, postgres.ApplySchema(ctx, pool))

	facade := postgres.NewFacade(pool)
	_, err = facade.CreateConfiguration(ctx, domain.JobConfiguration{ID: "cfg-1", Label: "integration test"})
	require.NoError(t, err)
	id, err := facade.CreateExecution(ctx, domain.JobExecution{
		ConfigurationID:       "cfg-1",
		Label:                 "integration test",
		ConfigurationSnapshot: `{"id":"cfg-1"}`,
		Status:                domain.JobRunning,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := facade.GetExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "cfg-1", got.ConfigurationID)
	require.Equal(t, domain.JobRunning, got.Status)
}

// Test_RedisLock_AcrossProcesses exercises RedisLock against a live Redis
// container, standing in for two runner replicas racing to start a job.
func Test_RedisLock_AcrossProcesses(t *testing.T) {
	ctx := context.Background()
	addr := startRedis(t, ctx)

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	require.Eventually(t, func() bool { return rdb.Ping(ctx).Err() == nil }, 30*time.Second, time.Second)
	defer func() { _ = rdb.Close() }()

	replicaA := lock.New(rdb, "integration-job-lock")
	replicaB := lock.New(rdb, "integration-job-lock")

	ok, err := replicaA.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = replicaB.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "replica B must not start a job while replica A holds the lock")

	require.NoError(t, replicaA.Release(ctx))

	ok, err = replicaB.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "replica B should acquire once replica A releases")
}
