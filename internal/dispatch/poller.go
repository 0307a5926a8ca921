package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/gox/slicex"
	"github.com/savaki/pipeline-git-source/internal/dao/jobdao"
	errs "github.com/savaki/pipeline-git-source/internal/errors"
	"github.com/savaki/pipeline-git-source/internal/models"
	"github.com/savaki/pipeline-git-source/internal/orchestrator"
	"github.com/savaki/pipeline-git-source/internal/services"
	"github.com/segmentio/ksuid"
)

const sweepLock = "sweep"

// Poller checks builds once per invocation and reports terminal outcomes. It never waits.
type Poller struct {
	orchestrator Orchestrator
	runner       BuildRunner
	store        Store
	artifacts    Artifacts
	config       *services.Config
	locker       Locker
	lockTTL      time.Duration
}

// NewPoller creates a Poller
func NewPoller(o Orchestrator, runner BuildRunner, store Store, artifacts Artifacts, config *services.Config) *Poller {
	return &Poller{
		orchestrator: o,
		runner:       runner,
		store:        store,
		artifacts:    artifacts,
		config:       config,
	}
}

// WithLocker makes Sweep skip while another sweep holds the lease. ttl bounds how long a
// crashed sweep blocks the next one.
func (p *Poller) WithLocker(locker Locker, ttl time.Duration) *Poller {
	p.locker = locker
	p.lockTTL = ttl
	return p
}

// Poll checks one build. Errors are returned only for transient lookups that the next poll
// can retry; every terminal outcome has been reported to CodePipeline when Poll returns.
func (p *Poller) Poll(ctx context.Context, input models.PollInput) (*models.PollResult, error) {
	logger := zerolog.Ctx(ctx)

	executionID := input.ExecutionID
	if executionID == "" && input.ProjectName != "" {
		logger.Warn().
			Str("project", input.ProjectName).
			Msg("No execution id, falling back to the latest build of the project")

		latest, err := p.runner.Latest(ctx, input.ProjectName)
		if errors.Is(err, errs.ErrExecutionNotFound) {
			return p.lost(ctx, input.JobID, nil, "", fmt.Sprintf("execution lost: no build found for project %s", input.ProjectName))
		}
		if err != nil {
			return nil, err
		}
		executionID = latest
	}

	if executionID == "" {
		logger.Warn().Str("job_id", input.JobID).Msg("Ignoring poll without execution id or project")
		return &models.PollResult{
			Status:  models.PollStatusIgnored,
			JobID:   input.JobID,
			Message: "missing execution id",
		}, nil
	}

	l := logger.With().Str("execution_id", executionID).Logger()
	ctx = l.WithContext(ctx)
	logger = &l

	record, err := p.find(ctx, executionID)
	if err != nil && !errors.Is(err, errs.ErrRecordNotFound) {
		return nil, err
	}

	if record != nil && record.Status.Terminal() {
		logger.Info().
			Str("job_id", record.JobID).
			Str("status", string(record.Status)).
			Msg("Build already reported")
		return &models.PollResult{
			Status:      models.PollStatusAlreadyCompleted,
			JobID:       record.JobID,
			ExecutionID: executionID,
		}, nil
	}

	jobID := input.JobID
	if record != nil && record.JobID != "" {
		jobID = record.JobID
	}
	if jobID == "" {
		logger.Warn().Msg("No job correlated with build, ignoring")
		return &models.PollResult{
			Status:      models.PollStatusIgnored,
			ExecutionID: executionID,
			Message:     "no job correlated with build",
		}, nil
	}

	l = logger.With().Str("job_id", jobID).Logger()
	ctx = l.WithContext(ctx)
	logger = &l

	status, err := p.runner.Status(ctx, executionID)
	if errors.Is(err, errs.ErrExecutionNotFound) {
		return p.lost(ctx, jobID, record, executionID, fmt.Sprintf("execution lost: build %s not found", executionID))
	}
	if err != nil {
		return nil, err
	}

	result := &models.PollResult{
		JobID:       jobID,
		ExecutionID: executionID,
		Phase:       status.Phase,
		Message:     status.Message,
	}

	switch status.Phase {
	case models.PhaseSucceeded:
		if location := artifactOf(record); !location.IsZero() {
			ok, err := p.exists(ctx, location)
			if err != nil {
				return nil, err
			}
			if !ok {
				message := fmt.Sprintf("output artifact missing: s3://%s/%s", location.Bucket, location.Key)
				reportFailure(ctx, p.orchestrator, jobID, orchestrator.Failure{
					Kind:                orchestrator.FailureJobFailed,
					Message:             message,
					ExternalExecutionID: executionID,
				})
				p.complete(ctx, record, jobdao.StatusFailed, message)
				result.Status = models.PollStatusFailed
				result.Message = message
				return result, nil
			}
		}

		reportSuccess(ctx, p.orchestrator, jobID, orchestrator.Success{
			ExternalExecutionID: executionID,
			Summary:             status.Message,
		})
		p.complete(ctx, record, jobdao.StatusSucceeded, "")
		result.Status = models.PollStatusSucceeded
		return result, nil

	case models.PhaseFailed, models.PhaseStopped, models.PhaseTimedOut:
		reportFailure(ctx, p.orchestrator, jobID, orchestrator.Failure{
			Kind:                orchestrator.FailureJobFailed,
			Message:             status.Message,
			ExternalExecutionID: executionID,
		})
		p.stopPipeline(ctx, record, status.Message)
		p.complete(ctx, record, jobdao.StatusFailed, status.Message)
		result.Status = models.PollStatusFailed
		return result, nil

	default:
		logger.Info().Str("phase", string(status.Phase)).Msg("Build still running")
		result.Status = models.PollStatusInProgress
		return result, nil
	}
}

// Sweep polls every outstanding build concurrently
func (p *Poller) Sweep(ctx context.Context) ([]*models.PollResult, error) {
	logger := zerolog.Ctx(ctx)

	if p.locker != nil {
		holder := ksuid.New().String()
		acquired, err := p.acquire(ctx, holder)
		if err != nil {
			return nil, err
		}
		if !acquired {
			logger.Info().Msg("Another sweep is running, skipping")
			return nil, nil
		}
		defer func() {
			if err := p.release(ctx, holder); err != nil {
				logger.Warn().Err(err).Msg("Failed to release sweep lock")
			}
		}()
	}

	ids, err := p.listOutstanding(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		logger.Info().Msg("No outstanding builds")
		return nil, nil
	}

	callback := func(ctx context.Context, executionID string) (*models.PollResult, error) {
		result, err := p.Poll(ctx, models.PollInput{ExecutionID: executionID})
		if err != nil {
			zerolog.Ctx(ctx).Warn().
				Err(err).
				Str("execution_id", executionID).
				Msg("Failed to poll build, will retry on next sweep")
			return nil, nil
		}
		if result.Status == models.PollStatusAlreadyCompleted || result.Status == models.PollStatusIgnored {
			// stale index entry
			if err := p.deleteOutstanding(ctx, executionID); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Str("execution_id", executionID).Msg("Failed to prune outstanding entry")
			}
		}
		return result, nil
	}

	concurrency := p.config.SweepConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	results, err := slicex.MapConcurrent(callback).
		Concurrency(concurrency).
		CollectErrors().
		DoValues(ctx, ids...)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep outstanding builds: %w", err)
	}

	polled := make([]*models.PollResult, 0, len(results))
	for _, result := range results {
		if result != nil {
			polled = append(polled, result)
		}
	}

	logger.Info().
		Int("outstanding", len(ids)).
		Int("polled", len(polled)).
		Msg("Sweep complete")

	return polled, nil
}

// lost reports a build the runner no longer knows about
func (p *Poller) lost(ctx context.Context, jobID string, record *jobdao.Record, executionID, message string) (*models.PollResult, error) {
	logger := zerolog.Ctx(ctx)

	if jobID == "" {
		logger.Warn().Str("message", message).Msg("Execution lost with no job to report to, ignoring")
		return &models.PollResult{
			Status:      models.PollStatusIgnored,
			ExecutionID: executionID,
			Message:     message,
		}, nil
	}

	logger.Warn().Str("job_id", jobID).Msg(message)
	reportFailure(ctx, p.orchestrator, jobID, orchestrator.Failure{
		Kind:                orchestrator.FailureJobFailed,
		Message:             message,
		ExternalExecutionID: executionID,
	})
	p.complete(ctx, record, jobdao.StatusFailed, message)

	return &models.PollResult{
		Status:      models.PollStatusFailed,
		JobID:       jobID,
		ExecutionID: executionID,
		Message:     message,
	}, nil
}

// stopPipeline halts the pipeline execution after a failed source build when configured
func (p *Poller) stopPipeline(ctx context.Context, record *jobdao.Record, reason string) {
	if !p.config.StopOnFailure || record == nil || record.PipelineName == "" || record.PipelineExecutionID == "" {
		return
	}

	err := p.orchestrator.StopPipelineExecution(ctx, record.PipelineName, record.PipelineExecutionID, reason)
	if err != nil {
		zerolog.Ctx(ctx).Error().
			Err(err).
			Str("pipeline", record.PipelineName).
			Str("pipeline_execution_id", record.PipelineExecutionID).
			Msg("Failed to stop pipeline execution")
	}
}

// complete marks the record terminal once its callback has been attempted
func (p *Poller) complete(ctx context.Context, record *jobdao.Record, status jobdao.Status, message string) {
	if record == nil {
		return
	}

	logger := zerolog.Ctx(ctx)

	_, err := p.markComplete(ctx, jobdao.CompleteInput{
		ExecutionID: record.ExecutionID,
		Status:      status,
		ErrorMsg:    message,
	})
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrAlreadyCompleted):
		logger.Info().Msg("Record completed by a concurrent poll")
	default:
		logger.Error().Err(err).Msg("Failed to mark job record complete")
	}
}

func (p *Poller) acquire(ctx context.Context, holder string) (bool, error) {
	ctx, cancel := withCallTimeout(ctx, p.config)
	defer cancel()
	return p.locker.Acquire(ctx, sweepLock, holder, p.lockTTL)
}

func (p *Poller) release(ctx context.Context, holder string) error {
	ctx, cancel := withCallTimeout(ctx, p.config)
	defer cancel()
	return p.locker.Release(ctx, sweepLock, holder)
}

func (p *Poller) listOutstanding(ctx context.Context) ([]string, error) {
	ctx, cancel := withCallTimeout(ctx, p.config)
	defer cancel()
	return p.store.ListOutstanding(ctx)
}

func (p *Poller) deleteOutstanding(ctx context.Context, executionID string) error {
	ctx, cancel := withCallTimeout(ctx, p.config)
	defer cancel()
	return p.store.DeleteOutstanding(ctx, executionID)
}

func (p *Poller) find(ctx context.Context, executionID string) (*jobdao.Record, error) {
	ctx, cancel := withCallTimeout(ctx, p.config)
	defer cancel()
	return p.store.Find(ctx, executionID)
}

func (p *Poller) markComplete(ctx context.Context, input jobdao.CompleteInput) (*jobdao.Record, error) {
	ctx, cancel := withCallTimeout(ctx, p.config)
	defer cancel()
	return p.store.Complete(ctx, input)
}

func (p *Poller) exists(ctx context.Context, location models.ArtifactLocation) (bool, error) {
	ctx, cancel := withCallTimeout(ctx, p.config)
	defer cancel()
	return p.artifacts.Exists(ctx, location)
}

func artifactOf(record *jobdao.Record) models.ArtifactLocation {
	if record == nil {
		return models.ArtifactLocation{}
	}
	return models.ArtifactLocation{
		Bucket: record.OutputBucket,
		Key:    record.OutputKey,
	}
}
