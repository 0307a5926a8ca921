package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"
	"github.com/savaki/pipeline-git-source/internal/di"
	"github.com/savaki/pipeline-git-source/internal/dispatch"
	errs "github.com/savaki/pipeline-git-source/internal/errors"
	"github.com/savaki/pipeline-git-source/internal/models"
	"github.com/savaki/pipeline-git-source/internal/orchestrator"
	"github.com/savaki/pipeline-git-source/internal/services"
	"github.com/urfave/cli/v2"
)

const actionStateChange = "CodePipeline Action Execution State Change"

// ActionDetail is the detail of a CodePipeline action execution state change event
type ActionDetail struct {
	Pipeline    string            `json:"pipeline"`
	ExecutionID string            `json:"execution-id"`
	Stage       string            `json:"stage"`
	Action      string            `json:"action"`
	State       string            `json:"state"`
	Type        models.ActionType `json:"type"`
}

// Dispatcher handles one source job
type Dispatcher interface {
	Handle(ctx context.Context, event models.TriggerEvent) (*models.TriggerResult, error)
}

// JobPoller claims queued jobs for the custom action
type JobPoller interface {
	PollForJobs(ctx context.Context, actionType models.ActionType) ([]models.TriggerEvent, error)
}

type Handler struct {
	dispatcher Dispatcher
	jobs       JobPoller
	actionType models.ActionType
}

func NewHandler(dispatcher Dispatcher, jobs JobPoller, actionType models.ActionType) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		jobs:       jobs,
		actionType: actionType,
	}
}

// HandleEvent accepts either a TriggerEvent or an EventBridge action state change
func (h *Handler) HandleEvent(ctx context.Context, raw json.RawMessage) ([]*models.TriggerResult, error) {
	var envelope events.CloudWatchEvent
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.DetailType != "" {
		return h.HandleActionStateChange(ctx, envelope)
	}

	var event models.TriggerEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Ignoring malformed trigger event")
		return []*models.TriggerResult{{Status: models.TriggerStatusIgnored, Message: "malformed event"}}, nil
	}

	result, err := h.dispatcher.Handle(ctx, event)
	if err != nil {
		return nil, err
	}
	return []*models.TriggerResult{result}, nil
}

// HandleActionStateChange claims the queued jobs of a started custom source action and
// dispatches each one. The event itself carries no job id.
func (h *Handler) HandleActionStateChange(ctx context.Context, event events.CloudWatchEvent) ([]*models.TriggerResult, error) {
	logger := zerolog.Ctx(ctx)

	if event.DetailType != actionStateChange {
		logger.Info().Err(errs.ErrUnsupportedEvent).Str("detail_type", event.DetailType).Msg("Ignoring unsupported event")
		return nil, nil
	}

	var detail ActionDetail
	if err := json.Unmarshal(event.Detail, &detail); err != nil {
		logger.Warn().Err(err).Msg("Ignoring action state change with malformed detail")
		return nil, nil
	}

	if detail.State != "STARTED" {
		logger.Info().Str("state", detail.State).Msg("Ignoring action state change")
		return nil, nil
	}
	if !detail.Type.IsZero() && detail.Type != h.actionType {
		logger.Info().
			Str("provider", detail.Type.Provider).
			Str("category", detail.Type.Category).
			Msg("Ignoring action of another type")
		return nil, nil
	}

	logger.Info().
		Str("pipeline", detail.Pipeline).
		Str("pipeline_execution_id", detail.ExecutionID).
		Str("stage", detail.Stage).
		Str("action", detail.Action).
		Msg("Source action started, polling for jobs")

	jobs, err := h.jobs.PollForJobs(ctx, h.actionType)
	if err != nil {
		return nil, err
	}

	results := make([]*models.TriggerResult, 0, len(jobs))
	for _, job := range jobs {
		result, err := h.dispatcher.Handle(ctx, job)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}

	logger.Info().Int("job_count", len(jobs)).Msg("Dispatched jobs")
	return results, nil
}

func setupContainer(env, configFile string) (di.Container, error) {
	return di.New(env,
		di.WithConfigFile(configFile),
		di.WithProviders(di.DispatchProviders...),
	)
}

func newHandlerFromContainer(container di.Container) *Handler {
	config := di.MustGet[*services.Config](container)
	return NewHandler(
		di.MustGet[*dispatch.Trigger](container),
		di.MustGet[*orchestrator.Orchestrator](container),
		config.ActionType(),
	)
}

func main() {
	logger := di.ProvideLogger().With().Str("lambda", "trigger-source").Logger()

	env := os.Getenv("ENV")
	if env == "" {
		env = os.Getenv("ENVIRONMENT")
	}
	if env == "" {
		logger.Error().Msg("ENV or ENVIRONMENT variable is required")
		os.Exit(1)
	}

	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		container, err := setupContainer(env, "")
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create DI container")
			os.Exit(1)
		}
		handler := newHandlerFromContainer(container)

		// Wrap handler to inject logger into context
		wrappedHandler := func(ctx context.Context, raw json.RawMessage) ([]*models.TriggerResult, error) {
			ctx = logger.WithContext(ctx)
			return handler.HandleEvent(ctx, raw)
		}
		lambda.Start(wrappedHandler)
		return
	}

	app := &cli.App{
		Name:  "trigger-source",
		Usage: "Start the git pull build for a CodePipeline custom source job",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "job-id", Usage: "CodePipeline job id", Required: true},
			&cli.StringFlag{Name: "nonce", Usage: "Job nonce; acknowledge is skipped when empty"},
			&cli.StringFlag{Name: "branch", Usage: "Branch to pull"},
			&cli.StringFlag{Name: "git-url", Usage: "Repository URL"},
			&cli.StringFlag{Name: "pipeline-name", Usage: "Pipeline name"},
			&cli.StringFlag{Name: "ssh-secret", Usage: "Secrets Manager name of the SSH key"},
			&cli.StringFlag{Name: "config", Usage: "YAML config file", EnvVars: []string{"CONFIG_FILE"}},
		},
		Action: func(c *cli.Context) error {
			container, err := setupContainer(env, c.String("config"))
			if err != nil {
				return fmt.Errorf("failed to create DI container: %w", err)
			}
			handler := newHandlerFromContainer(container)

			event := models.TriggerEvent{
				JobRef: models.JobRef{
					JobID:        c.String("job-id"),
					Nonce:        c.String("nonce"),
					PipelineName: c.String("pipeline-name"),
				},
				Config: map[string]string{
					models.ConfigBranch:           c.String("branch"),
					models.ConfigGitURL:           c.String("git-url"),
					models.ConfigPipelineName:     c.String("pipeline-name"),
					models.ConfigSSHSecretKeyName: c.String("ssh-secret"),
				},
			}

			ctx := logger.WithContext(context.Background())
			result, err := handler.dispatcher.Handle(ctx, event)
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal result: %w", err)
			}
			fmt.Println(string(data))
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
