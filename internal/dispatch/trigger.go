package dispatch

import (
	"context"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"
	"github.com/savaki/pipeline-git-source/internal/buildrunner"
	"github.com/savaki/pipeline-git-source/internal/dao/jobdao"
	errs "github.com/savaki/pipeline-git-source/internal/errors"
	"github.com/savaki/pipeline-git-source/internal/models"
	"github.com/savaki/pipeline-git-source/internal/orchestrator"
	"github.com/savaki/pipeline-git-source/internal/services"
	"github.com/savaki/pipeline-git-source/internal/utils"
	"github.com/segmentio/ksuid"
)

var invalidProjectChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Trigger starts one build per started source job
type Trigger struct {
	orchestrator Orchestrator
	runner       BuildRunner
	store        Store
	config       *services.Config
	newID        func() string
}

// NewTrigger creates a Trigger
func NewTrigger(o Orchestrator, runner BuildRunner, store Store, config *services.Config) *Trigger {
	return &Trigger{
		orchestrator: o,
		runner:       runner,
		store:        store,
		config:       config,
		newID:        func() string { return ksuid.New().String() },
	}
}

// settings are the resolved action configuration of one job
type settings struct {
	Branch        string
	GitURL        string
	PipelineName  string
	SSHSecretName string
	ProjectName   string
}

func (t *Trigger) resolve(event models.TriggerEvent) settings {
	s := settings{
		Branch:        firstNonEmpty(event.Config[models.ConfigBranch], t.config.Branch),
		GitURL:        firstNonEmpty(event.Config[models.ConfigGitURL], t.config.GitURL),
		PipelineName:  firstNonEmpty(event.Config[models.ConfigPipelineName], event.PipelineName, t.config.PipelineName),
		SSHSecretName: firstNonEmpty(event.Config[models.ConfigSSHSecretKeyName], t.config.SSHSecretName),
	}
	s.ProjectName = firstNonEmpty(event.Config[models.ConfigProjectName], t.config.GitPullProject)
	if s.ProjectName == "" {
		s.ProjectName = ProjectName(s.PipelineName, s.Branch)
	}
	return s
}

// ProjectName derives the CodeBuild project of a pipeline branch
func ProjectName(pipelineName, branch string) string {
	return invalidProjectChars.ReplaceAllString(pipelineName+"-"+branch, "-")
}

// Handle starts the build for one job, records the correlation and acknowledges the job.
// Every outcome is reported through the returned result; CodePipeline has been told of any failure.
func (t *Trigger) Handle(ctx context.Context, event models.TriggerEvent) (*models.TriggerResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if event.JobID == "" {
		zerolog.Ctx(ctx).Warn().
			Str("pipeline", event.PipelineName).
			Msg("Ignoring trigger event without job id")
		return &models.TriggerResult{
			Status:  models.TriggerStatusIgnored,
			Message: "missing job id",
		}, nil
	}

	logger := zerolog.Ctx(ctx).With().Str("job_id", event.JobID).Logger()
	ctx = logger.WithContext(ctx)

	if want := t.config.ActionType(); !event.ActionType.IsZero() && event.ActionType != want {
		logger.Info().
			Str("provider", event.ActionType.Provider).
			Str("category", event.ActionType.Category).
			Str("want_provider", want.Provider).
			Msg("Ignoring job for another action type")
		return &models.TriggerResult{
			Status:  models.TriggerStatusIgnored,
			JobID:   event.JobID,
			Message: fmt.Sprintf("action type %s/%s/%s is not handled", event.ActionType.Owner, event.ActionType.Category, event.ActionType.Provider),
		}, nil
	}

	s := t.resolve(event)

	var missing []string
	if s.Branch == "" {
		missing = append(missing, models.ConfigBranch)
	}
	if s.GitURL == "" {
		missing = append(missing, models.ConfigGitURL)
	}
	if len(missing) > 0 {
		message := fmt.Sprintf("%v: %v", errs.ErrMissingConfiguration, missing)
		reportFailure(ctx, t.orchestrator, event.JobID, orchestrator.Failure{
			Kind:    orchestrator.FailureConfiguration,
			Message: message,
		})
		return &models.TriggerResult{
			Status:  models.TriggerStatusFailed,
			JobID:   event.JobID,
			Message: message,
		}, nil
	}

	dispatchID := t.newID()
	logger = logger.With().Str("dispatch_id", dispatchID).Str("project", s.ProjectName).Logger()
	ctx = logger.WithContext(ctx)

	vars := utils.MergeEnvironmentVariables(map[string]string{
		"GIT_URL":               s.GitURL,
		"BRANCH":                s.Branch,
		"PIPELINE_NAME":         s.PipelineName,
		"ACTION_NAME":           event.ActionName,
		"JOB_ID":                event.JobID,
		"PIPELINE_EXECUTION_ID": event.PipelineExecutionID,
		"OUTPUT_BUCKET":         event.OutputArtifact.Bucket,
		"OUTPUT_KEY":            event.OutputArtifact.Key,
	})
	if s.SSHSecretName != "" {
		vars = append(vars, utils.SecretEnvironmentVariable("SSH_KEY", s.SSHSecretName))
	}

	logger.Info().
		Str("branch", s.Branch).
		Str("git_url", s.GitURL).
		Msg("Starting build")

	execution, err := t.runner.Start(ctx, buildrunner.StartInput{
		ProjectName:          s.ProjectName,
		EnvironmentVariables: vars,
		Artifact:             event.OutputArtifact,
		IdempotencyToken:     dispatchID,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start build")
		reportFailure(ctx, t.orchestrator, event.JobID, orchestrator.Failure{
			Kind:    orchestrator.FailureJobFailed,
			Message: err.Error(),
		})
		return &models.TriggerResult{
			Status:     models.TriggerStatusFailed,
			JobID:      event.JobID,
			DispatchID: dispatchID,
			Message:    err.Error(),
		}, nil
	}

	logger = logger.With().Str("execution_id", execution.ExecutionID).Logger()
	ctx = logger.WithContext(ctx)

	_, err = t.create(ctx, jobdao.CreateInput{
		ExecutionID:         execution.ExecutionID,
		JobID:               event.JobID,
		PipelineName:        s.PipelineName,
		StageName:           event.StageName,
		ActionName:          event.ActionName,
		PipelineExecutionID: event.PipelineExecutionID,
		ProjectName:         execution.ProjectName,
		Branch:              s.Branch,
		GitURL:              s.GitURL,
		OutputBucket:        event.OutputArtifact.Bucket,
		OutputKey:           event.OutputArtifact.Key,
		DispatchID:          dispatchID,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to record build correlation")
		if err := t.runner.Stop(ctx, execution.ExecutionID); err != nil {
			logger.Warn().Err(err).Msg("Failed to stop untracked build")
		}
		message := "failed to record build correlation"
		reportFailure(ctx, t.orchestrator, event.JobID, orchestrator.Failure{
			Kind:                orchestrator.FailureJobFailed,
			Message:             message,
			ExternalExecutionID: execution.ExecutionID,
		})
		return &models.TriggerResult{
			Status:     models.TriggerStatusFailed,
			JobID:      event.JobID,
			DispatchID: dispatchID,
			Execution:  &execution,
			Message:    message,
		}, nil
	}

	if event.Nonce == "" {
		logger.Info().Msg("No nonce on job, skipping acknowledge")
	} else if err := t.orchestrator.AcknowledgeJob(ctx, event.JobRef); err != nil {
		logger.Error().Err(err).Msg("Failed to acknowledge job")
	} else {
		logger.Info().Msg("Acknowledged job")
	}

	return &models.TriggerResult{
		Status:     models.TriggerStatusInProgress,
		JobID:      event.JobID,
		DispatchID: dispatchID,
		Execution:  &execution,
	}, nil
}

func (t *Trigger) create(ctx context.Context, input jobdao.CreateInput) (*jobdao.Record, error) {
	ctx, cancel := withCallTimeout(ctx, t.config)
	defer cancel()
	return t.store.Create(ctx, input)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
