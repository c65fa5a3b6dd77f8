package retryexec

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ascensum/gen-image-runner/internal/adapter/ai/stub"
	"github.com/ascensum/gen-image-runner/internal/domain"
)

func writeSourceImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.png")
	require.NoError(t, os.WriteFile(path, []byte("source-bytes"), 0o600))
	return path
}

func newTestExecutor(facade domain.PersistenceFacade, vision domain.VisionProvider) *Executor {
	return New(facade, vision, noopProcessor{}, nil, noopPublisher{}, nil, func() domain.JobConfiguration {
		return domain.JobConfiguration{OutputDirectory: filepath.Join(os.TempDir(), "retryexec-default-output")}
	})
}

func TestProcessSingleImage_Success(t *testing.T) {
	facade := newFakeFacade()
	outDir := t.TempDir()
	cfg := domain.JobConfiguration{ID: "cfg-1", OutputDirectory: outDir}
	_, err := facade.CreateConfiguration(t.Context(), cfg)
	require.NoError(t, err)
	_, err = facade.CreateExecution(t.Context(), domain.JobExecution{ID: "exec-1", ConfigurationID: "cfg-1"})
	require.NoError(t, err)

	img := domain.GeneratedImage{ID: "img-1", JobExecutionID: "exec-1", MappingID: "map-1", SourcePath: writeSourceImage(t), Status: domain.ImageQCFailed}
	_, err = facade.CreateImage(t.Context(), img)
	require.NoError(t, err)

	executor := newTestExecutor(facade, &stub.VisionClient{})
	err = executor.ProcessSingleImage(t.Context(), "img-1", "exec-1")
	require.NoError(t, err)

	got, err := facade.GetImage(t.Context(), "img-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ImageApproved, got.Status)
	assert.NotEmpty(t, got.FinalPath)
	assert.Empty(t, got.SourcePath)
}

func TestProcessSingleImage_MissingSourceFails(t *testing.T) {
	facade := newFakeFacade()
	_, err := facade.CreateConfiguration(t.Context(), domain.JobConfiguration{ID: "cfg-1", OutputDirectory: t.TempDir()})
	require.NoError(t, err)
	_, err = facade.CreateExecution(t.Context(), domain.JobExecution{ID: "exec-1", ConfigurationID: "cfg-1"})
	require.NoError(t, err)

	img := domain.GeneratedImage{ID: "img-1", JobExecutionID: "exec-1", MappingID: "map-1", Status: domain.ImageQCFailed}
	_, err = facade.CreateImage(t.Context(), img)
	require.NoError(t, err)

	executor := newTestExecutor(facade, &stub.VisionClient{})
	err = executor.ProcessSingleImage(t.Context(), "img-1", "exec-1")
	require.Error(t, err)

	got, err := facade.GetImage(t.Context(), "img-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ImageRetryFailed, got.Status)
	assert.NotEmpty(t, got.QCReason)
}

func TestProcessSingleImage_IncludesMetadataWhenRequested(t *testing.T) {
	facade := newFakeFacade()
	_, err := facade.CreateConfiguration(t.Context(), domain.JobConfiguration{ID: "cfg-1", OutputDirectory: t.TempDir()})
	require.NoError(t, err)
	_, err = facade.CreateExecution(t.Context(), domain.JobExecution{ID: "exec-1", ConfigurationID: "cfg-1"})
	require.NoError(t, err)

	img := domain.GeneratedImage{ID: "img-1", JobExecutionID: "exec-1", MappingID: "map-1", SourcePath: writeSourceImage(t), Status: domain.ImageQCFailed}
	_, err = facade.CreateImage(t.Context(), img)
	require.NoError(t, err)

	executor := newTestExecutor(facade, &stub.VisionClient{})
	executor.jobs["img-1"] = &RetryJob{ImageID: "img-1", UseOriginalSettings: true, IncludeMetadata: true}

	require.NoError(t, executor.ProcessSingleImage(t.Context(), "img-1", "exec-1"))

	got, err := facade.GetImage(t.Context(), "img-1")
	require.NoError(t, err)
	assert.Contains(t, got.Metadata, "Stub title")
}

func TestAddBatchRetryJob_DrainsQueueInProcess(t *testing.T) {
	facade := newFakeFacade()
	_, err := facade.CreateConfiguration(t.Context(), domain.JobConfiguration{ID: "cfg-1", OutputDirectory: t.TempDir()})
	require.NoError(t, err)
	_, err = facade.CreateExecution(t.Context(), domain.JobExecution{ID: "exec-1", ConfigurationID: "cfg-1"})
	require.NoError(t, err)

	for _, id := range []string{"img-1", "img-2"} {
		img := domain.GeneratedImage{ID: id, JobExecutionID: "exec-1", MappingID: id, SourcePath: writeSourceImage(t), Status: domain.ImageQCFailed}
		_, err := facade.CreateImage(t.Context(), img)
		require.NoError(t, err)
	}

	executor := newTestExecutor(facade, &stub.VisionClient{})
	err = executor.AddBatchRetryJob(t.Context(), BatchRetryRequest{
		ImageIDs:            []string{"img-1", "img-2"},
		UseOriginalSettings: true,
	})
	require.NoError(t, err)

	deadline := time.Now().Add(3 * time.Second)
	for executor.QueueDepth() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("queue did not drain in time")
		}
		time.Sleep(10 * time.Millisecond)
	}

	for _, id := range []string{"img-1", "img-2"} {
		got, err := facade.GetImage(t.Context(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.ImageApproved, got.Status)
	}
}

func TestAddBatchRetryJob_RejectsEmptyRequest(t *testing.T) {
	facade := newFakeFacade()
	executor := newTestExecutor(facade, &stub.VisionClient{})
	err := executor.AddBatchRetryJob(t.Context(), BatchRetryRequest{})
	assert.Error(t, err)
}

func TestStop_ClearsPendingQueue(t *testing.T) {
	facade := newFakeFacade()
	executor := newTestExecutor(facade, &stub.VisionClient{})
	executor.mu.Lock()
	executor.queue = append(executor.queue, &RetryJob{ImageID: "img-1", Status: JobQueued})
	executor.jobs["img-1"] = executor.queue[0]
	executor.mu.Unlock()

	executor.Stop()
	assert.Equal(t, 0, len(executor.queue))
}

func TestClearCompletedJobs_RemovesOnlyCompleted(t *testing.T) {
	facade := newFakeFacade()
	executor := newTestExecutor(facade, &stub.VisionClient{})
	executor.jobs["done"] = &RetryJob{ImageID: "done", Status: JobCompleted}
	executor.jobs["pending"] = &RetryJob{ImageID: "pending", Status: JobQueued}

	executor.ClearCompletedJobs()

	_, hasDone := executor.jobs["done"]
	_, hasPending := executor.jobs["pending"]
	assert.False(t, hasDone)
	assert.True(t, hasPending)
}
