package main

import (
	"context"
	"os"

	"github.com/savaki/pipeline-git-source/cmd/gitsource/commands"
	"github.com/savaki/pipeline-git-source/internal/di"
	"github.com/urfave/cli/v2"
)

func main() {
	logger := di.ProvideLogger()
	ctx := logger.WithContext(context.Background())

	app := &cli.App{
		Name:  "gitsource",
		Usage: "CodePipeline custom git source toolkit",
		Description: `Operate the CustomSourceForGit action outside of Lambda.

This tool provides commands for:
  - Dispatching a source job or polling its build by hand
  - Inspecting build correlation records
  - Creating the jobs table and starting the pipeline`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "env",
				Aliases:  []string{"e"},
				Usage:    "Environment name (dev, stg, or prd) - selects configuration and the jobs table",
				Required: true,
				EnvVars:  []string{"ENV", "ENVIRONMENT"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file with one section per environment (overrides Parameter Store)",
				EnvVars: []string{"CONFIG_FILE"},
			},
		},
		Commands: []*cli.Command{
			commands.TriggerCommand(&logger),
			commands.PollCommand(&logger),
			commands.SweepCommand(&logger),
			commands.JobsCommand(&logger),
			commands.SetupCommand(&logger),
			commands.StartPipelineCommand(&logger),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
