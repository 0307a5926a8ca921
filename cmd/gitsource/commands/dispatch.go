package commands

import (
	"github.com/rs/zerolog"
	"github.com/savaki/pipeline-git-source/internal/di"
	"github.com/savaki/pipeline-git-source/internal/dispatch"
	"github.com/savaki/pipeline-git-source/internal/models"
	"github.com/urfave/cli/v2"
)

// TriggerCommand returns the trigger command for dispatching one source job
func TriggerCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "trigger",
		Usage: "Start the git pull build for a CodePipeline job",
		Description: `Run the trigger handler for one job. Action configuration flags override the
configured defaults.

Examples:
  gitsource --env dev trigger --job-id 11111111-2222-3333-4444-555555555555 --nonce 1 \
    --branch develop --pipeline-name my-pipeline`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "job-id", Usage: "CodePipeline job id", Required: true},
			&cli.StringFlag{Name: "nonce", Usage: "Job nonce; acknowledge is skipped when empty"},
			&cli.StringFlag{Name: "branch", Usage: "Branch to pull"},
			&cli.StringFlag{Name: "git-url", Usage: "Repository URL"},
			&cli.StringFlag{Name: "pipeline-name", Usage: "Pipeline name"},
			&cli.StringFlag{Name: "ssh-secret", Usage: "Secrets Manager name of the SSH key"},
			&cli.StringFlag{Name: "output-bucket", Usage: "S3 bucket of the source artifact"},
			&cli.StringFlag{Name: "output-key", Usage: "S3 key of the source artifact"},
		},
		Action: func(c *cli.Context) error {
			container, err := newContainer(c, di.DispatchProviders...)
			if err != nil {
				return err
			}
			trigger := di.MustGet[*dispatch.Trigger](container)

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
				OutputArtifact: models.ArtifactLocation{
					Bucket: c.String("output-bucket"),
					Key:    c.String("output-key"),
				},
			}

			ctx := logger.WithContext(c.Context)
			result, err := trigger.Handle(ctx, event)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

// PollCommand returns the poll command for checking one build
func PollCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "poll",
		Usage: "Report the outcome of one build to CodePipeline",
		Description: `Poll a build by id, or the latest build of a project. Nothing is sent while
the build is still running.

Examples:
  gitsource --env dev poll --execution-id my-pipeline-develop:0a1b2c3d
  gitsource --env dev poll --project my-pipeline-develop --job-id 11111111-2222-3333-4444-555555555555`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "execution-id", Usage: "CodeBuild build id"},
			&cli.StringFlag{Name: "project", Usage: "CodeBuild project; its latest build is polled"},
			&cli.StringFlag{Name: "job-id", Usage: "CodePipeline job id when no record exists"},
		},
		Action: func(c *cli.Context) error {
			if c.String("execution-id") == "" && c.String("project") == "" {
				return cli.Exit("one of --execution-id or --project is required", 1)
			}

			container, err := newContainer(c, di.DispatchProviders...)
			if err != nil {
				return err
			}
			poller := di.MustGet[*dispatch.Poller](container)

			ctx := logger.WithContext(c.Context)
			result, err := poller.Poll(ctx, models.PollInput{
				ExecutionID: c.String("execution-id"),
				ProjectName: c.String("project"),
				JobID:       c.String("job-id"),
			})
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

// SweepCommand returns the sweep command for polling every outstanding build
func SweepCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Poll every build that has not reported back yet",
		Action: func(c *cli.Context) error {
			container, err := newContainer(c, di.DispatchProviders...)
			if err != nil {
				return err
			}
			poller := di.MustGet[*dispatch.Poller](container)

			ctx := logger.WithContext(c.Context)
			results, err := poller.Sweep(ctx)
			if err != nil {
				return err
			}
			return printJSON(results)
		},
	}
}
