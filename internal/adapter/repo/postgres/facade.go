package postgres

import "github.com/ascensum/gen-image-runner/internal/domain"

// Facade composes the configuration/execution/image repos into the single
// domain.PersistenceFacade boundary the Job Engine, Retry Executor, and
// Rerun Coordinator depend on.
type Facade struct {
	Configurations *ConfigurationRepo
	Executions     *ExecutionRepo
	Images         *ImageRepo
}

// NewFacade constructs a Facade backed by a single pool.
func NewFacade(pool PgxPool) *Facade {
	return &Facade{
		Configurations: NewConfigurationRepo(pool),
		Executions:     NewExecutionRepo(pool),
		Images:         NewImageRepo(pool),
	}
}

var _ domain.PersistenceFacade = (*Facade)(nil)

func (f *Facade) CreateConfiguration(ctx domain.Context, c domain.JobConfiguration) (string, error) {
	return f.Configurations.Create(ctx, c)
}

func (f *Facade) GetConfiguration(ctx domain.Context, id string) (domain.JobConfiguration, error) {
	return f.Configurations.Get(ctx, id)
}

func (f *Facade) CreateExecution(ctx domain.Context, e domain.JobExecution) (string, error) {
	return f.Executions.Create(ctx, e)
}

func (f *Facade) UpdateExecutionStatus(ctx domain.Context, id string, status domain.JobExecutionStatus, errMsg *string) error {
	return f.Executions.UpdateExecutionStatus(ctx, id, status, errMsg)
}

func (f *Facade) UpdateExecutionStatistics(ctx domain.Context, id string, requested, produced, failed int) error {
	return f.Executions.UpdateExecutionStatistics(ctx, id, requested, produced, failed)
}

func (f *Facade) GetExecution(ctx domain.Context, id string) (domain.JobExecution, error) {
	return f.Executions.Get(ctx, id)
}

func (f *Facade) ListExecutionsByStatus(ctx domain.Context, status domain.JobExecutionStatus, offset, limit int) ([]domain.JobExecution, error) {
	return f.Executions.ListExecutionsByStatus(ctx, status, offset, limit)
}

func (f *Facade) CreateImage(ctx domain.Context, img domain.GeneratedImage) (string, error) {
	return f.Images.Create(ctx, img)
}

func (f *Facade) UpdateImage(ctx domain.Context, img domain.GeneratedImage) error {
	return f.Images.Update(ctx, img)
}

func (f *Facade) GetImage(ctx domain.Context, id string) (domain.GeneratedImage, error) {
	return f.Images.Get(ctx, id)
}

func (f *Facade) GetImageByMappingID(ctx domain.Context, jobExecutionID, mappingID string) (domain.GeneratedImage, error) {
	return f.Images.GetByMappingID(ctx, jobExecutionID, mappingID)
}

func (f *Facade) ListImagesByExecution(ctx domain.Context, jobExecutionID string) ([]domain.GeneratedImage, error) {
	return f.Images.ListByExecution(ctx, jobExecutionID)
}

func (f *Facade) ListImagesByStatus(ctx domain.Context, status domain.ImageStatus, offset, limit int) ([]domain.GeneratedImage, error) {
	return f.Images.ListByStatus(ctx, status, offset, limit)
}

func (f *Facade) DeleteGeneratedImage(ctx domain.Context, id string) error {
	return f.Images.Delete(ctx, id)
}
