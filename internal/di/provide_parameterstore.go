package di

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog"
	"github.com/savaki/pipeline-git-source/internal/services"
)

// ProvideSSMClient provides an SSM client for Parameter Store access
// Returns nil if SSM is disabled (for local development)
func ProvideSSMClient(awsConfig aws.Config) *ssm.Client {
	if os.Getenv("DISABLE_SSM") == "true" {
		return nil
	}

	return ssm.NewFromConfig(awsConfig)
}

// ProvideParameterStore provides a ParameterStore implementation.
// A config file wins; otherwise SSM Parameter Store, falling back to environment variables when disabled.
func ProvideParameterStore(ctx context.Context, ssmClient *ssm.Client, configFile ConfigFile, env string) services.ParameterStore {
	logger := zerolog.Ctx(ctx)

	if configFile != "" {
		logger.Info().Str("config_file", string(configFile)).Msg("Using config file for configuration")
		return services.NewFileParameterStore(string(configFile), env)
	}

	if ssmClient == nil {
		logger.Info().Msg("Using environment variables for configuration (SSM disabled)")
		return services.NewEnvParameterStore(env)
	}

	logger.Info().Msg("Using AWS Systems Manager Parameter Store for configuration")
	return services.NewSSMParameterStore(ssmClient, env)
}

// ProvideAppConfig loads application configuration from Parameter Store or environment variables
func ProvideAppConfig(ctx context.Context, store services.ParameterStore) (*services.Config, error) {
	logger := zerolog.Ctx(ctx)

	config, err := store.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Info().
		Str("pipeline_name", config.PipelineName).
		Str("branch", config.Branch).
		Str("action_provider", config.ActionProvider).
		Bool("stop_on_failure", config.StopOnFailure).
		Bool("has_webhook_secret", config.WebhookSecretName != "").
		Msg("Configuration loaded successfully")

	return config, nil
}
