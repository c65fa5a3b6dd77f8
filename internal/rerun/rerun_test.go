package rerun_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ascensum/gen-image-runner/internal/domain"
	"github.com/ascensum/gen-image-runner/internal/engine"
	"github.com/ascensum/gen-image-runner/internal/rerun"
)

// fakeEngine stands in for *engine.Engine, recording every StartJob call and
// letting tests drive the finalize hook themselves to simulate a job
// completing.
type fakeEngine struct {
	mu            sync.Mutex
	status        engine.Status
	hook          engine.FinalizeHook
	preparedExec  string
	startedConfig []domain.JobConfiguration
	startErr      error
	startResult   engine.StartResult
	nextExecID    int
}

func (f *fakeEngine) PrepareRerun(executionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preparedExec = executionID
}

func (f *fakeEngine) OnFinalize(hook engine.FinalizeHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = hook
}

func (f *fakeEngine) StartJob(ctx domain.Context, cfg domain.JobConfiguration) (engine.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startedConfig = append(f.startedConfig, cfg)
	if f.startErr != nil {
		return engine.StartResult{}, f.startErr
	}
	if !f.startResult.Success && f.startResult.Code == "" && f.startResult.Error == "" {
		f.nextExecID++
		return engine.StartResult{Success: true, JobExecutionID: fmt.Sprintf("started-%d", f.nextExecID)}, nil
	}
	return f.startResult, nil
}

func (f *fakeEngine) GetJobStatus() engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeEngine) finalize(t *testing.T, executionID string) {
	t.Helper()
	f.mu.Lock()
	hook := f.hook
	f.mu.Unlock()
	require.NotNil(t, hook)
	hook(t.Context(), executionID, nil, true)
}

type fakeFacade struct {
	mu      sync.Mutex
	configs map[string]domain.JobConfiguration
	execs   map[string]domain.JobExecution
	nextID  int
}

func newFakeFacade() *fakeFacade {
	return &fakeFacade{configs: map[string]domain.JobConfiguration{}, execs: map[string]domain.JobExecution{}}
}

func (f *fakeFacade) CreateConfiguration(ctx domain.Context, c domain.JobConfiguration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[c.ID] = c
	return c.ID, nil
}

func (f *fakeFacade) GetConfiguration(ctx domain.Context, id string) (domain.JobConfiguration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.configs[id]
	if !ok {
		return domain.JobConfiguration{}, fmt.Errorf("configuration %s not found", id)
	}
	return c, nil
}

func (f *fakeFacade) CreateExecution(ctx domain.Context, e domain.JobExecution) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("exec-new-%d", f.nextID)
	e.ID = id
	f.execs[id] = e
	return id, nil
}

func (f *fakeFacade) UpdateExecutionStatus(ctx domain.Context, id string, status domain.JobExecutionStatus, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[id]
	if !ok {
		return fmt.Errorf("execution %s not found", id)
	}
	e.Status = status
	if errMsg != nil {
		e.ErrorMessage = *errMsg
	}
	f.execs[id] = e
	return nil
}

func (f *fakeFacade) UpdateExecutionStatistics(ctx domain.Context, id string, requested, produced, failed int) error {
	return nil
}

func (f *fakeFacade) GetExecution(ctx domain.Context, id string) (domain.JobExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[id]
	if !ok {
		return domain.JobExecution{}, fmt.Errorf("execution %s not found", id)
	}
	return e, nil
}

func (f *fakeFacade) ListExecutionsByStatus(ctx domain.Context, status domain.JobExecutionStatus, offset, limit int) ([]domain.JobExecution, error) {
	return nil, nil
}

func (f *fakeFacade) CreateImage(ctx domain.Context, img domain.GeneratedImage) (string, error) {
	return "", nil
}
func (f *fakeFacade) UpdateImage(ctx domain.Context, img domain.GeneratedImage) error { return nil }
func (f *fakeFacade) GetImage(ctx domain.Context, id string) (domain.GeneratedImage, error) {
	return domain.GeneratedImage{}, domain.ErrNotFound
}
func (f *fakeFacade) GetImageByMappingID(ctx domain.Context, jobExecutionID, mappingID string) (domain.GeneratedImage, error) {
	return domain.GeneratedImage{}, domain.ErrNotFound
}
func (f *fakeFacade) ListImagesByExecution(ctx domain.Context, jobExecutionID string) ([]domain.GeneratedImage, error) {
	return nil, nil
}
func (f *fakeFacade) ListImagesByStatus(ctx domain.Context, status domain.ImageStatus, offset, limit int) ([]domain.GeneratedImage, error) {
	return nil, nil
}
func (f *fakeFacade) DeleteGeneratedImage(ctx domain.Context, id string) error { return nil }

func TestRerunSingle_StartsFreshExecutionLabeledRerun(t *testing.T) {
	facade := newFakeFacade()
	_, err := facade.CreateConfiguration(t.Context(), domain.JobConfiguration{ID: "cfg-1", Label: "nightly batch"})
	require.NoError(t, err)
	_, err = facade.CreateExecution(t.Context(), domain.JobExecution{ID: "exec-1", ConfigurationID: "cfg-1"})
	require.NoError(t, err)
	facade.execs["exec-1"] = domain.JobExecution{ID: "exec-1", ConfigurationID: "cfg-1"}

	eng := &fakeEngine{}
	coord := rerun.New(eng, facade)

	result, err := coord.RerunSingle(t.Context(), "exec-1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, eng.startedConfig, 1)
	assert.Equal(t, "nightly batch (Rerun)", eng.startedConfig[0].Label)
}

func TestRerunSingle_RejectsWhileEngineRunning(t *testing.T) {
	facade := newFakeFacade()
	eng := &fakeEngine{status: engine.Status{HasJob: true, Status: domain.JobRunning}}
	coord := rerun.New(eng, facade)

	result, err := coord.RerunSingle(t.Context(), "exec-1")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, engine.CodeJobAlreadyRunning, result.Code)
}

func TestRerunBulk_QueuesRemainingAndAdvancesOnFinalize(t *testing.T) {
	facade := newFakeFacade()
	_, err := facade.CreateConfiguration(t.Context(), domain.JobConfiguration{ID: "cfg-1", Label: "batch"})
	require.NoError(t, err)
	for _, id := range []string{"exec-1", "exec-2", "exec-3"} {
		facade.execs[id] = domain.JobExecution{ID: id, ConfigurationID: "cfg-1"}
	}

	eng := &fakeEngine{}
	coord := rerun.New(eng, facade)

	result, err := coord.RerunBulk(t.Context(), []string{"exec-1", "exec-2", "exec-3"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, coord.QueueDepth())
	assert.Len(t, eng.startedConfig, 1)

	eng.finalize(t, "started-1")
	assert.Equal(t, 1, coord.QueueDepth())
	assert.Len(t, eng.startedConfig, 2)

	eng.finalize(t, "started-2")
	assert.Equal(t, 0, coord.QueueDepth())
	assert.Len(t, eng.startedConfig, 3)
}

func TestRerunBulk_RejectsIfAnyExecutionIsRunning(t *testing.T) {
	facade := newFakeFacade()
	facade.execs["exec-1"] = domain.JobExecution{ID: "exec-1", ConfigurationID: "cfg-1", Status: domain.JobRunning}

	eng := &fakeEngine{}
	coord := rerun.New(eng, facade)

	_, err := coord.RerunBulk(t.Context(), []string{"exec-1"})
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Empty(t, eng.startedConfig)
}

func TestRerunBulk_RejectsEmptyList(t *testing.T) {
	facade := newFakeFacade()
	eng := &fakeEngine{}
	coord := rerun.New(eng, facade)

	_, err := coord.RerunBulk(t.Context(), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRerunBulk_PartitionsMissingConfigurationsAsFailedJobs(t *testing.T) {
	facade := newFakeFacade()
	_, err := facade.CreateConfiguration(t.Context(), domain.JobConfiguration{ID: "cfg-1", Label: "batch"})
	require.NoError(t, err)
	facade.execs["exec-1"] = domain.JobExecution{ID: "exec-1", ConfigurationID: "cfg-1"}
	facade.execs["exec-2"] = domain.JobExecution{ID: "exec-2", ConfigurationID: "cfg-deleted"}
	facade.execs["exec-3"] = domain.JobExecution{ID: "exec-3"}

	eng := &fakeEngine{}
	coord := rerun.New(eng, facade)

	result, err := coord.RerunBulk(t.Context(), []string{"exec-1", "exec-2", "exec-3"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"exec-1"}, result.Queued)
	require.Len(t, result.FailedJobs, 2)
	assert.Equal(t, "exec-2", result.FailedJobs[0].ExecutionID)
	assert.Equal(t, "exec-3", result.FailedJobs[1].ExecutionID)
	assert.Len(t, eng.startedConfig, 1)
}

func TestRerunBulk_AllMissingConfigurationsReturnsUnsuccessfulWithoutStartingEngine(t *testing.T) {
	facade := newFakeFacade()
	facade.execs["exec-1"] = domain.JobExecution{ID: "exec-1"}

	eng := &fakeEngine{}
	coord := rerun.New(eng, facade)

	result, err := coord.RerunBulk(t.Context(), []string{"exec-1"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.Len(t, result.FailedJobs, 1)
	assert.Empty(t, eng.startedConfig)
}
