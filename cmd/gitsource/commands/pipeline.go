package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/savaki/pipeline-git-source/internal/di"
	"github.com/savaki/pipeline-git-source/internal/orchestrator"
	"github.com/savaki/pipeline-git-source/internal/services"
	"github.com/segmentio/ksuid"
	"github.com/urfave/cli/v2"
)

// StartPipelineCommand returns the start-pipeline command
func StartPipelineCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "start-pipeline",
		Usage: "Start an execution of the configured pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "pipeline-name", Usage: "Pipeline to start (defaults to the configured pipeline)"},
		},
		Action: func(c *cli.Context) error {
			container, err := newContainer(c, di.ProvideOrchestrator)
			if err != nil {
				return err
			}
			config := di.MustGet[*services.Config](container)
			o := di.MustGet[*orchestrator.Orchestrator](container)

			pipelineName := c.String("pipeline-name")
			if pipelineName == "" {
				pipelineName = config.PipelineName
			}
			if pipelineName == "" {
				return cli.Exit("no pipeline configured; pass --pipeline-name", 1)
			}

			ctx := logger.WithContext(c.Context)
			executionID, err := o.StartPipelineExecution(ctx, pipelineName, ksuid.New().String())
			if err != nil {
				return err
			}

			fmt.Printf("✓ Started %s: %s\n", pipelineName, executionID)
			return nil
		},
	}
}
