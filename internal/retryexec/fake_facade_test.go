package retryexec

import (
	"fmt"
	"sync"

	"github.com/ascensum/gen-image-runner/internal/domain"
)

// fakeFacade is a minimal in-memory domain.PersistenceFacade for exercising
// the Retry Executor without a database.
type fakeFacade struct {
	mu      sync.Mutex
	configs map[string]domain.JobConfiguration
	execs   map[string]domain.JobExecution
	images  map[string]domain.GeneratedImage
}

func newFakeFacade() *fakeFacade {
	return &fakeFacade{
		configs: map[string]domain.JobConfiguration{},
		execs:   map[string]domain.JobExecution{},
		images:  map[string]domain.GeneratedImage{},
	}
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
	f.execs[e.ID] = e
	return e.ID, nil
}

func (f *fakeFacade) UpdateExecutionStatus(ctx domain.Context, id string, status domain.JobExecutionStatus, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[id]
	if !ok {
		return fmt.Errorf("execution %s not found", id)
	}
	e.Status = status
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
	f.mu.Lock()
	defer f.mu.Unlock()
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
	return domain.GeneratedImage{}, fmt.Errorf("image not found")
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

// noopProcessor implements domain.ImageProcessor without touching the
// source file, matching tests that disable every postproc stage.
type noopProcessor struct{}

func (noopProcessor) Convert(ctx domain.Context, sourcePath, targetExt string) (string, error) {
	return sourcePath, nil
}

func (noopProcessor) Trim(ctx domain.Context, path string) (string, error) { return path, nil }

func (noopProcessor) Enhance(ctx domain.Context, path string) (string, error) { return path, nil }

type noopPublisher struct{}

func (noopPublisher) Publish(ctx domain.Context, event domain.Event) error { return nil }
