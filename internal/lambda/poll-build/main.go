package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"
	"github.com/savaki/pipeline-git-source/internal/di"
	"github.com/savaki/pipeline-git-source/internal/dispatch"
	errs "github.com/savaki/pipeline-git-source/internal/errors"
	"github.com/savaki/pipeline-git-source/internal/models"
	"github.com/urfave/cli/v2"
)

const (
	scheduledEvent   = "Scheduled Event"
	buildStateChange = "CodeBuild Build State Change"
)

// BuildDetail is the detail of a CodeBuild build state change event
type BuildDetail struct {
	BuildStatus string `json:"build-status"`
	ProjectName string `json:"project-name"`
	BuildID     string `json:"build-id"` // build ARN
}

// BuildPoller reports build outcomes to CodePipeline
type BuildPoller interface {
	Poll(ctx context.Context, input models.PollInput) (*models.PollResult, error)
	Sweep(ctx context.Context) ([]*models.PollResult, error)
}

type Handler struct {
	poller BuildPoller
}

func NewHandler(poller BuildPoller) *Handler {
	return &Handler{
		poller: poller,
	}
}

// HandleEvent accepts a PollInput, a scheduled sweep or a CodeBuild state change
func (h *Handler) HandleEvent(ctx context.Context, raw json.RawMessage) ([]*models.PollResult, error) {
	logger := zerolog.Ctx(ctx)

	var envelope events.CloudWatchEvent
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.DetailType != "" {
		switch envelope.DetailType {
		case scheduledEvent:
			return h.poller.Sweep(ctx)
		case buildStateChange:
			result, err := h.HandleBuildStateChange(ctx, envelope)
			if err != nil {
				return nil, err
			}
			return []*models.PollResult{result}, nil
		default:
			logger.Info().Err(errs.ErrUnsupportedEvent).Str("detail_type", envelope.DetailType).Msg("Ignoring unsupported event")
			return nil, nil
		}
	}

	var input models.PollInput
	if err := json.Unmarshal(raw, &input); err != nil {
		logger.Warn().Err(err).Msg("Ignoring malformed poll input")
		return []*models.PollResult{{Status: models.PollStatusIgnored, Message: "malformed event"}}, nil
	}

	result, err := h.poller.Poll(ctx, input)
	if err != nil {
		return nil, err
	}
	return []*models.PollResult{result}, nil
}

// HandleBuildStateChange polls the build named by a CodeBuild state change event
func (h *Handler) HandleBuildStateChange(ctx context.Context, event events.CloudWatchEvent) (*models.PollResult, error) {
	var detail BuildDetail
	if err := json.Unmarshal(event.Detail, &detail); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Ignoring build state change with malformed detail")
		return &models.PollResult{Status: models.PollStatusIgnored, Message: "malformed event"}, nil
	}

	zerolog.Ctx(ctx).Info().
		Str("build_id", detail.BuildID).
		Str("project", detail.ProjectName).
		Str("build_status", detail.BuildStatus).
		Msg("Build state changed")

	return h.poller.Poll(ctx, models.PollInput{
		ExecutionID: BuildIDFromARN(detail.BuildID),
		ProjectName: detail.ProjectName,
	})
}

// BuildIDFromARN turns arn:aws:codebuild:{region}:{account}:build/{project}:{uuid} into
// the {project}:{uuid} id returned by StartBuild. Other values are returned unchanged.
func BuildIDFromARN(arn string) string {
	if !strings.HasPrefix(arn, "arn:") {
		return arn
	}
	if _, id, ok := strings.Cut(arn, ":build/"); ok {
		return id
	}
	return arn
}

func setupContainer(env, configFile string) (di.Container, error) {
	return di.New(env,
		di.WithConfigFile(configFile),
		di.WithProviders(di.DispatchProviders...),
	)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func main() {
	logger := di.ProvideLogger().With().Str("lambda", "poll-build").Logger()

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
		handler := NewHandler(di.MustGet[*dispatch.Poller](container))

		// Wrap handler to inject logger into context
		wrappedHandler := func(ctx context.Context, raw json.RawMessage) ([]*models.PollResult, error) {
			ctx = logger.WithContext(ctx)
			return handler.HandleEvent(ctx, raw)
		}
		lambda.Start(wrappedHandler)
		return
	}

	app := &cli.App{
		Name:  "poll-build",
		Usage: "Report the outcome of a git pull build to CodePipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "YAML config file", EnvVars: []string{"CONFIG_FILE"}},
		},
		Commands: []*cli.Command{
			{
				Name:  "poll",
				Usage: "Poll one build",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "execution-id", Usage: "CodeBuild build id"},
					&cli.StringFlag{Name: "project", Usage: "CodeBuild project; its latest build is polled"},
					&cli.StringFlag{Name: "job-id", Usage: "CodePipeline job id when no record exists"},
				},
				Action: func(c *cli.Context) error {
					container, err := setupContainer(env, c.String("config"))
					if err != nil {
						return fmt.Errorf("failed to create DI container: %w", err)
					}
					handler := NewHandler(di.MustGet[*dispatch.Poller](container))

					ctx := logger.WithContext(context.Background())
					result, err := handler.poller.Poll(ctx, models.PollInput{
						ExecutionID: c.String("execution-id"),
						ProjectName: c.String("project"),
						JobID:       c.String("job-id"),
					})
					if err != nil {
						return err
					}
					return printJSON(result)
				},
			},
			{
				Name:  "sweep",
				Usage: "Poll every outstanding build",
				Action: func(c *cli.Context) error {
					container, err := setupContainer(env, c.String("config"))
					if err != nil {
						return fmt.Errorf("failed to create DI container: %w", err)
					}
					handler := NewHandler(di.MustGet[*dispatch.Poller](container))

					ctx := logger.WithContext(context.Background())
					results, err := handler.poller.Sweep(ctx)
					if err != nil {
						return err
					}
					return printJSON(results)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
