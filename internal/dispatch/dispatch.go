// Package dispatch connects CodePipeline custom source jobs to CodeBuild runs. Trigger starts
// a build for a started job; Poller reports the build's terminal outcome back to the job.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/pipeline-git-source/internal/buildrunner"
	"github.com/savaki/pipeline-git-source/internal/dao/jobdao"
	errs "github.com/savaki/pipeline-git-source/internal/errors"
	"github.com/savaki/pipeline-git-source/internal/models"
	"github.com/savaki/pipeline-git-source/internal/orchestrator"
	"github.com/savaki/pipeline-git-source/internal/services"
)

// Orchestrator reports job outcomes to CodePipeline
type Orchestrator interface {
	AcknowledgeJob(ctx context.Context, job models.JobRef) error
	PutJobSuccess(ctx context.Context, jobID string, success orchestrator.Success) error
	PutJobFailure(ctx context.Context, jobID string, failure orchestrator.Failure) error
	StopPipelineExecution(ctx context.Context, pipelineName, executionID, reason string) error
}

// BuildRunner starts and inspects CodeBuild runs
type BuildRunner interface {
	Start(ctx context.Context, input buildrunner.StartInput) (models.ExecutionRef, error)
	Status(ctx context.Context, executionID string) (models.BuildStatus, error)
	Latest(ctx context.Context, projectName string) (string, error)
	Stop(ctx context.Context, executionID string) error
}

// Store persists the job to build correlation
type Store interface {
	Create(ctx context.Context, input jobdao.CreateInput) (*jobdao.Record, error)
	Find(ctx context.Context, executionID string) (*jobdao.Record, error)
	Complete(ctx context.Context, input jobdao.CompleteInput) (*jobdao.Record, error)
	ListOutstanding(ctx context.Context) ([]string, error)
	DeleteOutstanding(ctx context.Context, executionID string) error
}

// Artifacts checks that a build uploaded its output
type Artifacts interface {
	Exists(ctx context.Context, location models.ArtifactLocation) (bool, error)
}

// Locker keeps overlapping sweeps from polling the same builds
type Locker interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, holder string) error
}

// withCallTimeout bounds a single store, lease or S3 call by the configured CallTimeout
func withCallTimeout(ctx context.Context, config *services.Config) (context.Context, context.CancelFunc) {
	if config == nil || config.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, config.CallTimeout)
}

// reportFailure sends the job's single failure callback. Already-resolved jobs and exhausted
// retries are logged; neither is returned since the job can no longer be helped by a retry.
func reportFailure(ctx context.Context, o Orchestrator, jobID string, failure orchestrator.Failure) {
	logger := zerolog.Ctx(ctx)

	err := o.PutJobFailure(ctx, jobID, failure)
	switch {
	case err == nil:
		logger.Info().
			Str("job_id", jobID).
			Str("failure_type", string(failure.Kind)).
			Str("message", failure.Message).
			Msg("Reported job failure")
	case errors.Is(err, errs.ErrAlreadyCompleted):
		logger.Info().
			Err(err).
			Str("job_id", jobID).
			Msg("Job already resolved, ignoring failure callback")
	default:
		logger.Error().
			Err(err).
			Str("job_id", jobID).
			Str("message", failure.Message).
			Msg("Failed to report job failure, dropping callback")
	}
}

// reportSuccess is the success counterpart of reportFailure
func reportSuccess(ctx context.Context, o Orchestrator, jobID string, success orchestrator.Success) {
	logger := zerolog.Ctx(ctx)

	err := o.PutJobSuccess(ctx, jobID, success)
	switch {
	case err == nil:
		logger.Info().
			Str("job_id", jobID).
			Str("execution_id", success.ExternalExecutionID).
			Msg("Reported job success")
	case errors.Is(err, errs.ErrAlreadyCompleted):
		logger.Info().
			Err(err).
			Str("job_id", jobID).
			Msg("Job already resolved, ignoring success callback")
	default:
		logger.Error().
			Err(err).
			Str("job_id", jobID).
			Msg("Failed to report job success, dropping callback")
	}
}
