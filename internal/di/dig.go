// Package di wires the dispatcher's AWS clients, stores and services with uber's dig.
package di

import (
	"fmt"

	"go.uber.org/dig"
)

// Container is the subset of *dig.Container the lambdas and CLI depend on
type Container interface {
	Invoke(function any, opts ...dig.InvokeOption) error
	Provide(constructor any, opts ...dig.ProvideOption) error
	Scope(name string, opts ...dig.ScopeOption) *dig.Scope
}

// MustGet resolves T from the container and panics if it cannot be built.
// Intended for main() where a wiring error is fatal anyway.
//
//	trigger := di.MustGet[*dispatch.Trigger](container)
func MustGet[T any](container Container) (want T) {
	if err := container.Invoke(func(got T) { want = got }); err != nil {
		panic(err)
	}
	return want
}

// New returns a container for env. The environment name is injectable as a plain
// string, the config file as ConfigFile. The AWS clients and configuration in core
// are always registered; dispatch components are added through WithProviders.
func New(env string, opts ...Option) (Container, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	container := dig.New()
	values := []any{
		func() string { return env },
		func() ConfigFile { return o.configFile },
	}

	for _, provider := range append(append(values, core...), o.providers...) {
		if err := container.Provide(provider); err != nil {
			return nil, fmt.Errorf("failed to register provider %T: %w", provider, err)
		}
	}

	return container, nil
}

var core = []any{
	ProvideAWSConfig,
	ProvideContext,
	ProvideSSMClient,
	ProvideParameterStore,
	ProvideAppConfig,
	ProvideDynamoDB,
	ProvideCodePipeline,
	ProvideCodeBuild,
	ProvideS3Client,
	ProvideSecretsManager,
	ProvideSecretsManagerService,
	ProvideArtifactStore,
}
