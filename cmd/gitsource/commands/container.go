package commands

import (
	"encoding/json"
	"fmt"

	"github.com/savaki/pipeline-git-source/internal/di"
	"github.com/urfave/cli/v2"
)

// newContainer builds the DI container from the global --env and --config flags
func newContainer(c *cli.Context, providers ...any) (di.Container, error) {
	container, err := di.New(c.String("env"),
		di.WithConfigFile(c.String("config")),
		di.WithProviders(providers...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create DI container: %w", err)
	}
	return container, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
