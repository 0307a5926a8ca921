package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline/types"
	"github.com/rs/zerolog"
	"github.com/savaki/pipeline-git-source/internal/backoff"
	errs "github.com/savaki/pipeline-git-source/internal/errors"
	"github.com/savaki/pipeline-git-source/internal/models"
)

const (
	maxFailureMessage = 5000
	maxSummary        = 2048
	maxBatchSize      = 10
)

// CodePipelineAPI is the subset of the CodePipeline client used to drive custom action jobs
type CodePipelineAPI interface {
	PollForJobs(ctx context.Context, params *codepipeline.PollForJobsInput, optFns ...func(*codepipeline.Options)) (*codepipeline.PollForJobsOutput, error)
	AcknowledgeJob(ctx context.Context, params *codepipeline.AcknowledgeJobInput, optFns ...func(*codepipeline.Options)) (*codepipeline.AcknowledgeJobOutput, error)
	PutJobSuccessResult(ctx context.Context, params *codepipeline.PutJobSuccessResultInput, optFns ...func(*codepipeline.Options)) (*codepipeline.PutJobSuccessResultOutput, error)
	PutJobFailureResult(ctx context.Context, params *codepipeline.PutJobFailureResultInput, optFns ...func(*codepipeline.Options)) (*codepipeline.PutJobFailureResultOutput, error)
	StopPipelineExecution(ctx context.Context, params *codepipeline.StopPipelineExecutionInput, optFns ...func(*codepipeline.Options)) (*codepipeline.StopPipelineExecutionOutput, error)
	StartPipelineExecution(ctx context.Context, params *codepipeline.StartPipelineExecutionInput, optFns ...func(*codepipeline.Options)) (*codepipeline.StartPipelineExecutionOutput, error)
}

// FailureKind maps to the CodePipeline failure type
type FailureKind string

const (
	FailureJobFailed     FailureKind = FailureKind(types.FailureTypeJobFailed)
	FailureConfiguration FailureKind = FailureKind(types.FailureTypeConfigurationError)
)

// Failure describes why a job failed
type Failure struct {
	Kind                FailureKind
	Message             string
	ExternalExecutionID string
}

// Success describes a completed job
type Success struct {
	ExternalExecutionID string
	Summary             string
}

// Orchestrator reports custom action job outcomes back to CodePipeline
type Orchestrator struct {
	client CodePipelineAPI
	policy backoff.Policy
}

// New creates a new Orchestrator instance. Every callback runs under policy.
func New(client CodePipelineAPI, policy backoff.Policy) *Orchestrator {
	return &Orchestrator{
		client: client,
		policy: policy,
	}
}

// PollForJobs claims up to ten jobs queued for the given custom action type
func (o *Orchestrator) PollForJobs(ctx context.Context, actionType models.ActionType) ([]models.TriggerEvent, error) {
	var output *codepipeline.PollForJobsOutput
	err := o.policy.Do(ctx, "PollForJobs", func(ctx context.Context) error {
		var err error
		output, err = o.client.PollForJobs(ctx, &codepipeline.PollForJobsInput{
			ActionTypeId: &types.ActionTypeId{
				Category: types.ActionCategory(actionType.Category),
				Owner:    types.ActionOwner(actionType.Owner),
				Provider: aws.String(actionType.Provider),
				Version:  aws.String(actionType.Version),
			},
			MaxBatchSize: aws.Int32(maxBatchSize),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to poll for jobs: %w", err)
	}

	events := make([]models.TriggerEvent, 0, len(output.Jobs))
	for i := range output.Jobs {
		events = append(events, toTriggerEvent(&output.Jobs[i]))
	}
	return events, nil
}

// AcknowledgeJob tells CodePipeline the worker has accepted the job
func (o *Orchestrator) AcknowledgeJob(ctx context.Context, job models.JobRef) error {
	err := o.policy.Do(ctx, "AcknowledgeJob", func(ctx context.Context) error {
		_, err := o.client.AcknowledgeJob(ctx, &codepipeline.AcknowledgeJobInput{
			JobId: aws.String(job.JobID),
			Nonce: aws.String(job.Nonce),
		})
		return classify(err)
	})
	if err != nil {
		return fmt.Errorf("failed to acknowledge job %s: %w", job.JobID, err)
	}
	return nil
}

// PutJobSuccess marks the job succeeded. This is terminal for the job.
func (o *Orchestrator) PutJobSuccess(ctx context.Context, jobID string, success Success) error {
	input := &codepipeline.PutJobSuccessResultInput{
		JobId: aws.String(jobID),
	}
	if success.ExternalExecutionID != "" || success.Summary != "" {
		input.ExecutionDetails = &types.ExecutionDetails{
			ExternalExecutionId: optional(success.ExternalExecutionID),
			PercentComplete:     aws.Int32(100),
			Summary:             optional(truncate(success.Summary, maxSummary)),
		}
	}

	err := o.policy.Do(ctx, "PutJobSuccessResult", func(ctx context.Context) error {
		_, err := o.client.PutJobSuccessResult(ctx, input)
		return classify(err)
	})
	if err != nil {
		return fmt.Errorf("failed to put job success for %s: %w", jobID, err)
	}
	return nil
}

// PutJobFailure marks the job failed. This is terminal for the job.
func (o *Orchestrator) PutJobFailure(ctx context.Context, jobID string, failure Failure) error {
	kind := failure.Kind
	if kind == "" {
		kind = FailureJobFailed
	}
	message := failure.Message
	if message == "" {
		message = "job failed"
	}

	input := &codepipeline.PutJobFailureResultInput{
		JobId: aws.String(jobID),
		FailureDetails: &types.FailureDetails{
			Type:                types.FailureType(kind),
			Message:             aws.String(truncate(message, maxFailureMessage)),
			ExternalExecutionId: optional(failure.ExternalExecutionID),
		},
	}

	err := o.policy.Do(ctx, "PutJobFailureResult", func(ctx context.Context) error {
		_, err := o.client.PutJobFailureResult(ctx, input)
		return classify(err)
	})
	if err != nil {
		return fmt.Errorf("failed to put job failure for %s: %w", jobID, err)
	}
	return nil
}

// StopPipelineExecution stops an execution, letting in-progress actions finish.
// Executions that can no longer be stopped are logged and ignored.
func (o *Orchestrator) StopPipelineExecution(ctx context.Context, pipelineName, executionID, reason string) error {
	logger := zerolog.Ctx(ctx)

	err := o.policy.Do(ctx, "StopPipelineExecution", func(ctx context.Context) error {
		_, err := o.client.StopPipelineExecution(ctx, &codepipeline.StopPipelineExecutionInput{
			PipelineName:        aws.String(pipelineName),
			PipelineExecutionId: aws.String(executionID),
			Reason:              optional(truncate(reason, 200)),
		})
		var notStoppable *types.PipelineExecutionNotStoppableException
		var duplicate *types.DuplicatedStopRequestException
		if errors.As(err, &notStoppable) || errors.As(err, &duplicate) {
			logger.Info().
				Str("pipeline", pipelineName).
				Str("pipeline_execution_id", executionID).
				Msg("Pipeline execution not stoppable, ignoring")
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to stop pipeline execution %s: %w", executionID, err)
	}
	return nil
}

// StartPipelineExecution starts the named pipeline. token makes the call idempotent.
func (o *Orchestrator) StartPipelineExecution(ctx context.Context, pipelineName, token string) (string, error) {
	var output *codepipeline.StartPipelineExecutionOutput
	err := o.policy.Do(ctx, "StartPipelineExecution", func(ctx context.Context) error {
		var err error
		output, err = o.client.StartPipelineExecution(ctx, &codepipeline.StartPipelineExecutionInput{
			Name:               aws.String(pipelineName),
			ClientRequestToken: optional(token),
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to start pipeline %s: %w", pipelineName, err)
	}
	return aws.ToString(output.PipelineExecutionId), nil
}

// classify turns "job already resolved" rejections into ErrAlreadyCompleted and stops
// retrying errors that cannot succeed on another attempt
func classify(err error) error {
	if err == nil {
		return nil
	}

	var invalidState *types.InvalidJobStateException
	var notFound *types.JobNotFoundException
	if errors.As(err, &invalidState) || errors.As(err, &notFound) {
		return backoff.Permanent(fmt.Errorf("%w: %v", errs.ErrAlreadyCompleted, err))
	}

	var invalidNonce *types.InvalidNonceException
	var validation *types.ValidationException
	if errors.As(err, &invalidNonce) || errors.As(err, &validation) {
		return backoff.Permanent(err)
	}

	return err
}

func toTriggerEvent(job *types.Job) models.TriggerEvent {
	event := models.TriggerEvent{
		JobRef: models.JobRef{
			JobID: aws.ToString(job.Id),
			Nonce: aws.ToString(job.Nonce),
		},
	}

	data := job.Data
	if data == nil {
		return event
	}

	if data.ActionTypeId != nil {
		event.ActionType = models.ActionType{
			Owner:    string(data.ActionTypeId.Owner),
			Category: string(data.ActionTypeId.Category),
			Provider: aws.ToString(data.ActionTypeId.Provider),
			Version:  aws.ToString(data.ActionTypeId.Version),
		}
	}

	if data.ActionConfiguration != nil {
		event.Config = data.ActionConfiguration.Configuration
	}

	if pc := data.PipelineContext; pc != nil {
		event.PipelineName = aws.ToString(pc.PipelineName)
		event.PipelineExecutionID = aws.ToString(pc.PipelineExecutionId)
		if pc.Stage != nil {
			event.StageName = aws.ToString(pc.Stage.Name)
		}
		if pc.Action != nil {
			event.ActionName = aws.ToString(pc.Action.Name)
		}
	}

	for _, artifact := range data.OutputArtifacts {
		if artifact.Location == nil || artifact.Location.S3Location == nil {
			continue
		}
		event.OutputArtifact = models.ArtifactLocation{
			Bucket: aws.ToString(artifact.Location.S3Location.BucketName),
			Key:    aws.ToString(artifact.Location.S3Location.ObjectKey),
		}
		break
	}

	return event
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
