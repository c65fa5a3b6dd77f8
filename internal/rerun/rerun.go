// Package rerun implements the Rerun Coordinator (§4.3): single and bulk
// rerun of past job executions, serialized against the Job Engine's
// single-job-at-a-time invariant via a process-wide queue that only
// advances from the engine's own finalize hook.
package rerun

import (
	"context"
	"fmt"
	"sync"

	"github.com/ascensum/gen-image-runner/internal/domain"
	"github.com/ascensum/gen-image-runner/internal/engine"
)

// StartJobFunc is the subset of Engine's surface the coordinator drives.
// Matching it as an interface (rather than depending on *engine.Engine
// directly) keeps this package trivially testable with a fake.
type StartJobFunc interface {
	PrepareRerun(executionID string)
	OnFinalize(hook engine.FinalizeHook)
	StartJob(ctx context.Context, cfg domain.JobConfiguration) (engine.StartResult, error)
	GetJobStatus() engine.Status
}

// Coordinator owns bulkRerunQueue and the single/bulk rerun entry points.
type Coordinator struct {
	Engine StartJobFunc
	Facade domain.PersistenceFacade

	mu    sync.Mutex
	queue []string // execution IDs awaiting rerun, bulk mode only
}

// New constructs a Coordinator and installs its finalize hook on eng so
// bulkRerunQueue advances automatically once the engine idles (§4.3).
func New(eng StartJobFunc, facade domain.PersistenceFacade) *Coordinator {
	c := &Coordinator{Engine: eng, Facade: facade}
	eng.OnFinalize(c.onEngineFinalize)
	return c
}

func (c *Coordinator) onEngineFinalize(ctx context.Context, executionID string, execErr error, wasRerun bool) {
	c.processNextBulkRerunJob(ctx)
}

// RerunSingle reruns one prior execution (§4.3 "single rerun"). It creates a
// fresh JobExecution row labeled "<configLabel> (Rerun)" and starts the
// engine against it; on start failure the fresh row is marked failed rather
// than left stuck in pending.
func (c *Coordinator) RerunSingle(ctx context.Context, executionID string) (engine.StartResult, error) {
	if status := c.Engine.GetJobStatus(); status.HasJob && status.Status == domain.JobRunning {
		return engine.StartResult{Success: false, Code: engine.CodeJobAlreadyRunning}, nil
	}

	cfg, newExecID, err := c.prepareRerunExecution(ctx, executionID)
	if err != nil {
		return engine.StartResult{Success: false, Error: err.Error()}, nil
	}

	c.Engine.PrepareRerun(newExecID)
	result, err := c.Engine.StartJob(ctx, cfg)
	if err != nil || !result.Success {
		msg := "rerun failed to start"
		if err != nil {
			msg = err.Error()
		} else if result.Error != "" {
			msg = result.Error
		}
		_ = c.Facade.UpdateExecutionStatus(ctx, newExecID, domain.JobFailed, &msg)
		return result, err
	}
	return result, nil
}

// prepareRerunExecution loads the prior execution + its configuration and
// creates the fresh execution row the rerun will drive (§4.3).
func (c *Coordinator) prepareRerunExecution(ctx context.Context, executionID string) (domain.JobConfiguration, string, error) {
	prior, err := c.Facade.GetExecution(ctx, executionID)
	if err != nil {
		return domain.JobConfiguration{}, "", fmt.Errorf("op=rerun.prepare.get_execution: %w", err)
	}
	if prior.ConfigurationID == "" {
		return domain.JobConfiguration{}, "", fmt.Errorf("op=rerun.prepare: %w: execution has no configuration", domain.ErrInvalidArgument)
	}

	cfg, err := c.Facade.GetConfiguration(ctx, prior.ConfigurationID)
	if err != nil {
		return domain.JobConfiguration{}, "", fmt.Errorf("op=rerun.prepare.get_configuration: %w", err)
	}

	label := cfg.Label
	if label == "" {
		label = cfg.ID
	}
	if label == "" {
		label = prior.Label
	}
	label = label + " (Rerun)"

	newExecID, err := c.Facade.CreateExecution(ctx, domain.JobExecution{
		ConfigurationID: cfg.ID,
		Label:           label,
		Status:          domain.JobPending,
		IsRerun:         true,
	})
	if err != nil {
		return domain.JobConfiguration{}, "", fmt.Errorf("op=rerun.prepare.create_execution: %w", err)
	}

	cfg.Label = label
	return cfg, newExecID, nil
}

// FailedRerunJob names one execution that the bulk rerun request could not
// queue, and why (§4.3 step 2 "partition into queueable ... and failed (with
// reason)").
type FailedRerunJob struct {
	ExecutionID string
	Reason      string
}

// BulkRerunResult is the §4.3/§6 bulk-rerun outcome: which executions were
// actually queued (the head started immediately, the rest wait on
// bulkRerunQueue) and which were skipped with a reason.
type BulkRerunResult struct {
	Success    bool
	Queued     []string
	FailedJobs []FailedRerunJob
}

// RerunBulk reruns many prior executions (§4.3 "bulk rerun"). Any execution
// that is currently running aborts the whole request. Executions missing a
// configuration (deleted or never set) are partitioned into FailedJobs
// rather than aborting the batch; if none of the requested executions are
// queueable, RerunBulk returns {Success:false} without touching the engine.
// Otherwise the first queueable execution starts immediately (if the engine
// is idle) and the rest wait on bulkRerunQueue, advanced only by the
// engine's finalize hook.
func (c *Coordinator) RerunBulk(ctx context.Context, executionIDs []string) (BulkRerunResult, error) {
	if len(executionIDs) == 0 {
		return BulkRerunResult{}, fmt.Errorf("op=rerun.bulk: %w", domain.ErrInvalidArgument)
	}

	execs := make(map[string]domain.JobExecution, len(executionIDs))
	for _, id := range executionIDs {
		exec, err := c.Facade.GetExecution(ctx, id)
		if err != nil {
			return BulkRerunResult{}, fmt.Errorf("op=rerun.bulk.get_execution: %w", err)
		}
		if exec.Status == domain.JobRunning {
			return BulkRerunResult{}, fmt.Errorf("op=rerun.bulk: %w: execution %s is still running", domain.ErrConflict, id)
		}
		execs[id] = exec
	}

	var queueable []string
	var failed []FailedRerunJob
	for _, id := range executionIDs {
		exec := execs[id]
		if exec.ConfigurationID == "" {
			failed = append(failed, FailedRerunJob{ExecutionID: id, Reason: "execution has no configuration"})
			continue
		}
		if _, err := c.Facade.GetConfiguration(ctx, exec.ConfigurationID); err != nil {
			failed = append(failed, FailedRerunJob{ExecutionID: id, Reason: "configuration no longer exists"})
			continue
		}
		queueable = append(queueable, id)
	}

	if len(queueable) == 0 {
		return BulkRerunResult{Success: false, FailedJobs: failed}, nil
	}

	status := c.Engine.GetJobStatus()
	if status.HasJob && status.Status == domain.JobRunning {
		return BulkRerunResult{}, fmt.Errorf("op=rerun.bulk: %w: another job is currently running", domain.ErrConflict)
	}

	head, rest := queueable[0], queueable[1:]

	c.mu.Lock()
	c.queue = append(c.queue, rest...)
	c.mu.Unlock()

	if _, err := c.RerunSingle(ctx, head); err != nil {
		return BulkRerunResult{}, err
	}
	return BulkRerunResult{Success: true, Queued: queueable, FailedJobs: failed}, nil
}

// processNextBulkRerunJob dequeues and starts the next bulk rerun job, if
// any, once the engine has gone idle (§4.3 invariant: the queue advances
// only via the engine's own finalize hook).
func (c *Coordinator) processNextBulkRerunJob(ctx context.Context) {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	c.mu.Unlock()

	if _, err := c.RerunSingle(ctx, next); err != nil {
		// Start failure already marked the fresh execution row failed;
		// keep draining the rest of the batch rather than stalling it.
		c.processNextBulkRerunJob(ctx)
	}
}

// QueueDepth reports how many bulk rerun jobs are still waiting.
func (c *Coordinator) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
