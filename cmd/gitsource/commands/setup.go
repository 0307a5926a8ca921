package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/savaki/pipeline-git-source/internal/dao/jobdao"
	"github.com/savaki/pipeline-git-source/internal/di"
	"github.com/urfave/cli/v2"
)

// SetupCommand returns the setup command for provisioning the jobs table
func SetupCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Provision resources used by the git source",
		Subcommands: []*cli.Command{
			{
				Name:  "table",
				Usage: "Create the jobs table if it does not exist",
				Action: func(c *cli.Context) error {
					container, err := newContainer(c, di.ProvideJobDAO)
					if err != nil {
						return err
					}
					dao := di.MustGet[*jobdao.DAO](container)

					ctx := logger.WithContext(c.Context)
					if err := dao.Table().CreateTableIfNotExists(ctx); err != nil {
						return fmt.Errorf("failed to create table %s: %w", jobdao.TableName(c.String("env")), err)
					}

					fmt.Printf("✓ Table ready: %s\n", jobdao.TableName(c.String("env")))
					return nil
				},
			},
		},
	}
}
