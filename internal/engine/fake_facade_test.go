package engine_test

import (
	"fmt"
	"sync"
	"time"

	"github.com/ascensum/gen-image-runner/internal/domain"
)

// fakeFacade is an in-memory stand-in for domain.PersistenceFacade, mirroring
// just enough of the real Postgres facade's behavior (id assignment,
// mapping-id lookup, status/statistics bookkeeping) to drive the engine
// through a full job without a database.
type fakeFacade struct {
	mu     sync.Mutex
	nextID int

	configs    map[string]domain.JobConfiguration
	executions map[string]domain.JobExecution
	images     map[string]domain.GeneratedImage
}

func newFakeFacade() *fakeFacade {
	return &fakeFacade{
		configs:    map[string]domain.JobConfiguration{},
		executions: map[string]domain.JobExecution{},
		images:     map[string]domain.GeneratedImage{},
	}
}

func (f *fakeFacade) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeFacade) CreateConfiguration(ctx domain.Context, c domain.JobConfiguration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == "" {
		c.ID = f.id("cfg")
	}
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
	e.ID = f.id("exec")
	f.executions[e.ID] = e
	return e.ID, nil
}

func (f *fakeFacade) UpdateExecutionStatus(ctx domain.Context, id string, status domain.JobExecutionStatus, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return fmt.Errorf("execution %s not found", id)
	}
	e.Status = status
	if errMsg != nil {
		e.ErrorMessage = *errMsg
	}
	f.executions[id] = e
	return nil
}

func (f *fakeFacade) UpdateExecutionStatistics(ctx domain.Context, id string, requested, produced, failed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return fmt.Errorf("execution %s not found", id)
	}
	e.RequestedCount, e.ProducedCount, e.FailedCount = requested, produced, failed
	f.executions[id] = e
	return nil
}

func (f *fakeFacade) GetExecution(ctx domain.Context, id string) (domain.JobExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return domain.JobExecution{}, fmt.Errorf("execution %s not found", id)
	}
	return e, nil
}

func (f *fakeFacade) ListExecutionsByStatus(ctx domain.Context, status domain.JobExecutionStatus, offset, limit int) ([]domain.JobExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.JobExecution
	for _, e := range f.executions {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeFacade) CreateImage(ctx domain.Context, img domain.GeneratedImage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img.ID = f.id("img")
	f.images[img.ID] = img
	return img.ID, nil
}

func (f *fakeFacade) UpdateImage(ctx domain.Context, img domain.GeneratedImage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.images[img.ID]; !ok {
		return fmt.Errorf("image %s not found", img.ID)
	}
	f.images[img.ID] = img
	return nil
}

func (f *fakeFacade) GetImage(ctx domain.Context, id string) (domain.GeneratedImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[id]
	if !ok {
		return domain.GeneratedImage{}, fmt.Errorf("image %s not found", id)
	}
	return img, nil
}

func (f *fakeFacade) GetImageByMappingID(ctx domain.Context, jobExecutionID, mappingID string) (domain.GeneratedImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, img := range f.images {
		if img.JobExecutionID == jobExecutionID && img.MappingID == mappingID {
			return img, nil
		}
	}
	return domain.GeneratedImage{}, fmt.Errorf("image for mapping %s not found", mappingID)
}

func (f *fakeFacade) ListImagesByExecution(ctx domain.Context, jobExecutionID string) ([]domain.GeneratedImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.GeneratedImage
	for _, img := range f.images {
		if img.JobExecutionID == jobExecutionID {
			out = append(out, img)
		}
	}
	return out, nil
}

func (f *fakeFacade) ListImagesByStatus(ctx domain.Context, status domain.ImageStatus, offset, limit int) ([]domain.GeneratedImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.GeneratedImage
	for _, img := range f.images {
		if img.Status == status {
			out = append(out, img)
		}
	}
	return out, nil
}

func (f *fakeFacade) DeleteGeneratedImage(ctx domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.images, id)
	return nil
}

// passthroughProcessor implements domain.ImageProcessor as a no-op: every
// stage is disabled in the tests that use it, so these should never be
// called, but satisfy the interface for wiring.
type passthroughProcessor struct{}

func (passthroughProcessor) Convert(ctx domain.Context, sourcePath, targetExt string) (string, error) {
	return sourcePath, nil
}

func (passthroughProcessor) Trim(ctx domain.Context, path string) (string, error) {
	return path, nil
}

func (passthroughProcessor) Enhance(ctx domain.Context, path string) (string, error) {
	return path, nil
}

// fakePublisher discards every event; the engine's publish calls are
// fire-and-forget so tests don't need to observe them.
type fakePublisher struct{}

func (fakePublisher) Publish(ctx domain.Context, event domain.Event) error { return nil }

// slowImageClient wraps an ImageProvider with a fixed delay per call, giving
// a test a reliable window to call StopJob/ForceStopAll mid-run.
type slowImageClient struct {
	inner domain.ImageProvider
	delay time.Duration
}

func (s *slowImageClient) GenerateImage(ctx domain.Context, model, prompt, negativePrompt string, seed int64, width, height int) (string, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return s.inner.GenerateImage(ctx, model, prompt, negativePrompt, seed, width, height)
}
