package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/pipeline-git-source/internal/dao/jobdao"
	"github.com/savaki/pipeline-git-source/internal/di"
	"github.com/urfave/cli/v2"
)

// JobsCommand returns the jobs command for inspecting correlation records
func JobsCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:    "jobs",
		Aliases: []string{"j"},
		Usage:   "Inspect build correlation records",
		Subcommands: []*cli.Command{
			{
				Name:    "list",
				Aliases: []string{"l", "ls"},
				Usage:   "List recorded builds, newest first",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "outstanding", Usage: "Only builds that have not reported back"},
					&cli.BoolFlag{Name: "json", Usage: "Output as JSON"},
				},
				Action: func(c *cli.Context) error {
					container, err := newContainer(c, di.ProvideJobDAO)
					if err != nil {
						return err
					}
					dao := di.MustGet[*jobdao.DAO](container)

					ctx := logger.WithContext(c.Context)
					records, err := dao.List(ctx)
					if err != nil {
						return fmt.Errorf("failed to list jobs: %w", err)
					}

					if c.Bool("outstanding") {
						filtered := records[:0]
						for _, record := range records {
							if !record.Status.Terminal() {
								filtered = append(filtered, record)
							}
						}
						records = filtered
					}

					if c.Bool("json") {
						return printJSON(records)
					}
					displayRecords(records)
					return nil
				},
			},
			{
				Name:    "get",
				Aliases: []string{"g", "show"},
				Usage:   "Show one recorded build",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "execution-id", Usage: "CodeBuild build id", Required: true},
				},
				Action: func(c *cli.Context) error {
					container, err := newContainer(c, di.ProvideJobDAO)
					if err != nil {
						return err
					}
					dao := di.MustGet[*jobdao.DAO](container)

					ctx := logger.WithContext(c.Context)
					record, err := dao.Find(ctx, c.String("execution-id"))
					if err != nil {
						return err
					}
					return printJSON(record)
				},
			},
		},
	}
}

func displayRecords(records []*jobdao.Record) {
	if len(records) == 0 {
		fmt.Println("No jobs recorded")
		return
	}

	fmt.Println()
	fmt.Printf("%-12s %-20s %-48s %s\n", "STATUS", "CREATED", "EXECUTION", "JOB")
	fmt.Println(strings.Repeat("=", 120))
	for _, record := range records {
		created := time.Unix(record.CreatedAt, 0).UTC().Format(time.RFC3339)
		fmt.Printf("%-12s %-20s %-48s %s\n", record.Status, created, record.ExecutionID, record.JobID)
		if record.ErrorMsg != "" {
			fmt.Printf("%-12s %s\n", "", record.ErrorMsg)
		}
	}
	fmt.Println()
	fmt.Printf("Total: %d\n", len(records))
}
