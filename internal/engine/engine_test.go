package engine_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ascensum/gen-image-runner/internal/adapter/ai/stub"
	"github.com/ascensum/gen-image-runner/internal/domain"
	"github.com/ascensum/gen-image-runner/internal/engine"
	"github.com/ascensum/gen-image-runner/internal/paramgen"
)

func writeKeywordsFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "keywords.txt")
	require.NoError(t, os.WriteFile(path, []byte("a lone wolf under a neon sign\n"), 0o600))
	return path
}

func baseConfig(t *testing.T, outDir string) domain.JobConfiguration {
	t.Helper()
	return domain.JobConfiguration{
		ID:                 "cfg-1",
		APIKeys:            domain.APIKeys{OpenAI: "sk-test", Runware: "rw-test"},
		ProcessMode:        domain.ProcessModeSingle,
		KeywordsFilePath:   writeKeywordsFile(t, t.TempDir()),
		GenerationCount:    1,
		VariationsPerImage: 1,
		OpenAIModel:        "gpt-4o-mini",
		RunwareModel:       "runware:100@1",
		ImageWidth:         512,
		ImageHeight:        512,
		OutputDirectory:    outDir,
		ParamRetryMax:      1,
	}
}

// waitForSettled polls the engine until the job leaves the running state or
// the timeout elapses.
func waitForSettled(t *testing.T, eng *engine.Engine, timeout time.Duration) engine.Status {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		st := eng.GetJobStatus()
		if !st.HasJob || st.Status != domain.JobRunning {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not settle within %s (last status: %+v)", timeout, st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newTestEngine(facade domain.PersistenceFacade, image domain.ImageProvider, vision domain.VisionProvider) *engine.Engine {
	eng := engine.New(facade, image, vision, nil, passthroughProcessor{}, fakePublisher{}, paramgen.New(vision))
	eng.QCSettleTimeout = 2 * time.Second
	eng.QCSettlePoll = 10 * time.Millisecond
	return eng
}

func TestStartJob_CompletesAndApprovesImages(t *testing.T) {
	facade := newFakeFacade()
	image := &stub.ImageClient{}
	vision := &stub.VisionClient{}
	eng := newTestEngine(facade, image, vision)

	cfg := baseConfig(t, t.TempDir())
	result, err := eng.StartJob(t.Context(), cfg)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotEmpty(t, result.JobExecutionID)

	st := waitForSettled(t, eng, 3*time.Second)
	assert.Equal(t, domain.JobCompleted, st.Status)

	exec, err := facade.GetExecution(t.Context(), result.JobExecutionID)
	require.NoError(t, err)
	assert.Equal(t, 1, exec.ProducedCount)
	assert.Equal(t, 0, exec.FailedCount)

	images, err := facade.ListImagesByExecution(t.Context(), result.JobExecutionID)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, domain.ImageApproved, images[0].Status)
	assert.NotEmpty(t, images[0].FinalPath)
}

func TestStartJob_ValidationRejectsMissingAPIKey(t *testing.T) {
	facade := newFakeFacade()
	eng := newTestEngine(facade, &stub.ImageClient{}, &stub.VisionClient{})

	cfg := baseConfig(t, t.TempDir())
	cfg.APIKeys.Runware = ""

	result, err := eng.StartJob(t.Context(), cfg)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, engine.CodeMissingImageKey, result.Code)
}

func TestStartJob_RejectsSecondJobWhileRunning(t *testing.T) {
	facade := newFakeFacade()
	eng := newTestEngine(facade, &stub.ImageClient{}, &stub.VisionClient{})

	cfg := baseConfig(t, t.TempDir())
	cfg.GenerationCount = 5

	first, err := eng.StartJob(t.Context(), cfg)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := eng.StartJob(t.Context(), cfg)
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, engine.CodeJobAlreadyRunning, second.Code)

	waitForSettled(t, eng, 3*time.Second)
}

func TestStartJob_ImageGenerationFailureMarksQCFailed(t *testing.T) {
	facade := newFakeFacade()
	image := &stub.ImageClient{FailNext: true}
	vision := &stub.VisionClient{}
	eng := newTestEngine(facade, image, vision)

	cfg := baseConfig(t, t.TempDir())
	result, err := eng.StartJob(t.Context(), cfg)
	require.NoError(t, err)
	require.True(t, result.Success)

	st := waitForSettled(t, eng, 3*time.Second)
	assert.Equal(t, domain.JobCompleted, st.Status)

	images, err := facade.ListImagesByExecution(t.Context(), result.JobExecutionID)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, domain.ImageQCFailed, images[0].Status)
	assert.NotEmpty(t, images[0].QCReason)
}

func TestStartJob_RerunReusesExecution(t *testing.T) {
	facade := newFakeFacade()
	image := &stub.ImageClient{}
	vision := &stub.VisionClient{}
	eng := newTestEngine(facade, image, vision)

	cfg := baseConfig(t, t.TempDir())
	first, err := eng.StartJob(t.Context(), cfg)
	require.NoError(t, err)
	waitForSettled(t, eng, 3*time.Second)

	var finalized string
	eng.OnFinalize(func(ctx domain.Context, executionID string, execErr error, wasRerun bool) {
		finalized = executionID
	})

	eng.PrepareRerun(first.JobExecutionID)
	second, err := eng.StartJob(t.Context(), cfg)
	require.NoError(t, err)
	require.True(t, second.Success)
	assert.Equal(t, first.JobExecutionID, second.JobExecutionID)

	waitForSettled(t, eng, 3*time.Second)
	assert.Equal(t, first.JobExecutionID, finalized)
}

func TestStopJob_MarksFailedGracefully(t *testing.T) {
	facade := newFakeFacade()
	image := &slowImageClient{inner: &stub.ImageClient{}, delay: 100 * time.Millisecond}
	vision := &stub.VisionClient{}
	eng := newTestEngine(facade, image, vision)

	cfg := baseConfig(t, t.TempDir())
	cfg.GenerationCount = 20

	result, err := eng.StartJob(t.Context(), cfg)
	require.NoError(t, err)
	require.True(t, result.Success)

	require.NoError(t, eng.StopJob())

	st := waitForSettled(t, eng, 5*time.Second)
	assert.Equal(t, domain.JobFailed, st.Status)
	assert.NotEmpty(t, st.ErrorMessage)
}
