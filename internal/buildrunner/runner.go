package buildrunner

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	"github.com/aws/aws-sdk-go-v2/service/codebuild/types"
	"github.com/savaki/pipeline-git-source/internal/backoff"
	errs "github.com/savaki/pipeline-git-source/internal/errors"
	"github.com/savaki/pipeline-git-source/internal/models"
)

// CodeBuildAPI is the subset of the CodeBuild client the runner needs
type CodeBuildAPI interface {
	StartBuild(ctx context.Context, params *codebuild.StartBuildInput, optFns ...func(*codebuild.Options)) (*codebuild.StartBuildOutput, error)
	BatchGetBuilds(ctx context.Context, params *codebuild.BatchGetBuildsInput, optFns ...func(*codebuild.Options)) (*codebuild.BatchGetBuildsOutput, error)
	ListBuildsForProject(ctx context.Context, params *codebuild.ListBuildsForProjectInput, optFns ...func(*codebuild.Options)) (*codebuild.ListBuildsForProjectOutput, error)
	StopBuild(ctx context.Context, params *codebuild.StopBuildInput, optFns ...func(*codebuild.Options)) (*codebuild.StopBuildOutput, error)
}

// StartInput describes one build run
type StartInput struct {
	ProjectName          string
	EnvironmentVariables []types.EnvironmentVariable
	Artifact             models.ArtifactLocation // zip destination; zero keeps the project's own
	IdempotencyToken     string
}

// Runner starts CodeBuild runs and reports their phase
type Runner struct {
	client      CodeBuildAPI
	startPolicy backoff.Policy
	queryPolicy backoff.Policy
	now         func() time.Time
}

// New creates a Runner. startPolicy bounds StartBuild; queryPolicy bounds status lookups.
func New(client CodeBuildAPI, startPolicy, queryPolicy backoff.Policy) *Runner {
	return &Runner{
		client:      client,
		startPolicy: startPolicy,
		queryPolicy: queryPolicy,
		now:         time.Now,
	}
}

// Start begins a build and returns its execution reference
func (r *Runner) Start(ctx context.Context, input StartInput) (models.ExecutionRef, error) {
	params := &codebuild.StartBuildInput{
		ProjectName:                  aws.String(input.ProjectName),
		EnvironmentVariablesOverride: input.EnvironmentVariables,
	}
	if input.IdempotencyToken != "" {
		params.IdempotencyToken = aws.String(input.IdempotencyToken)
	}
	if !input.Artifact.IsZero() {
		params.ArtifactsOverride = &types.ProjectArtifacts{
			Type:          types.ArtifactsTypeS3,
			Location:      aws.String(input.Artifact.Bucket),
			Path:          aws.String(path.Dir(input.Artifact.Key)),
			Name:          aws.String(path.Base(input.Artifact.Key)),
			Packaging:     types.ArtifactPackagingZip,
			NamespaceType: types.ArtifactNamespaceNone,
		}
	}

	var output *codebuild.StartBuildOutput
	err := r.startPolicy.Do(ctx, "StartBuild", func(ctx context.Context) error {
		var err error
		output, err = r.client.StartBuild(ctx, params)
		return classifyStart(err)
	})
	if err != nil {
		return models.ExecutionRef{}, fmt.Errorf("failed to start build for project %s: %w", input.ProjectName, err)
	}
	if output == nil || output.Build == nil || output.Build.Id == nil {
		return models.ExecutionRef{}, fmt.Errorf("start build for project %s returned no build id", input.ProjectName)
	}

	startedAt := r.now()
	if output.Build.StartTime != nil {
		startedAt = *output.Build.StartTime
	}

	return models.ExecutionRef{
		ExecutionID: aws.ToString(output.Build.Id),
		ProjectName: input.ProjectName,
		StartedAt:   startedAt,
	}, nil
}

// Status returns the normalized phase of a build. Unknown builds return ErrExecutionNotFound.
func (r *Runner) Status(ctx context.Context, executionID string) (models.BuildStatus, error) {
	var output *codebuild.BatchGetBuildsOutput
	err := r.queryPolicy.Do(ctx, "BatchGetBuilds", func(ctx context.Context) error {
		var err error
		output, err = r.client.BatchGetBuilds(ctx, &codebuild.BatchGetBuildsInput{
			Ids: []string{executionID},
		})
		return err
	})
	if err != nil {
		return models.BuildStatus{}, fmt.Errorf("failed to get build %s: %w", executionID, err)
	}

	for i := range output.Builds {
		build := &output.Builds[i]
		if aws.ToString(build.Id) == executionID {
			return statusOf(build), nil
		}
	}

	return models.BuildStatus{}, fmt.Errorf("%w: %s", errs.ErrExecutionNotFound, executionID)
}

// Latest returns the id of the most recent build of a project
func (r *Runner) Latest(ctx context.Context, projectName string) (string, error) {
	var output *codebuild.ListBuildsForProjectOutput
	err := r.queryPolicy.Do(ctx, "ListBuildsForProject", func(ctx context.Context) error {
		var err error
		output, err = r.client.ListBuildsForProject(ctx, &codebuild.ListBuildsForProjectInput{
			ProjectName: aws.String(projectName),
			SortOrder:   types.SortOrderTypeDescending,
		})
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return backoff.Permanent(fmt.Errorf("%w: project %s", errs.ErrExecutionNotFound, projectName))
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to list builds for project %s: %w", projectName, err)
	}
	if len(output.Ids) == 0 {
		return "", fmt.Errorf("%w: no builds for project %s", errs.ErrExecutionNotFound, projectName)
	}
	return output.Ids[0], nil
}

// Stop asks CodeBuild to stop a build. Builds that are already gone are not an error.
func (r *Runner) Stop(ctx context.Context, executionID string) error {
	err := r.queryPolicy.Do(ctx, "StopBuild", func(ctx context.Context) error {
		_, err := r.client.StopBuild(ctx, &codebuild.StopBuildInput{
			Id: aws.String(executionID),
		})
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil
		}
		var invalid *types.InvalidInputException
		if errors.As(err, &invalid) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to stop build %s: %w", executionID, err)
	}
	return nil
}

func classifyStart(err error) error {
	if err == nil {
		return nil
	}

	var invalid *types.InvalidInputException
	var notFound *types.ResourceNotFoundException
	var limit *types.AccountLimitExceededException
	if errors.As(err, &invalid) || errors.As(err, &notFound) || errors.As(err, &limit) {
		return backoff.Permanent(err)
	}
	return err
}

func statusOf(build *types.Build) models.BuildStatus {
	phase := phaseOf(build.BuildStatus)
	message := phaseMessage(build.Phases)
	if message == "" {
		message = fmt.Sprintf("build %s %s", aws.ToString(build.Id), strings.ToLower(strings.ReplaceAll(string(phase), "_", " ")))
	}
	return models.BuildStatus{
		Phase:   phase,
		Message: message,
	}
}

func phaseOf(status types.StatusType) models.Phase {
	switch status {
	case types.StatusTypeSucceeded:
		return models.PhaseSucceeded
	case types.StatusTypeFailed, types.StatusTypeFault:
		return models.PhaseFailed
	case types.StatusTypeStopped:
		return models.PhaseStopped
	case types.StatusTypeTimedOut:
		return models.PhaseTimedOut
	default:
		return models.PhaseInProgress
	}
}

// phaseMessage returns the most recent phase-change context message
func phaseMessage(phases []types.BuildPhase) string {
	for i := len(phases) - 1; i >= 0; i-- {
		for _, c := range phases[i].Contexts {
			if msg := strings.TrimSpace(aws.ToString(c.Message)); msg != "" {
				return msg
			}
		}
	}
	return ""
}
