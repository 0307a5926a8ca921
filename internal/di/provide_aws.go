package di

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/savaki/pipeline-git-source/internal/services"
)

// ProvideContext returns the root context used while constructing dependencies
func ProvideContext() context.Context {
	logger := ProvideLogger()
	return logger.WithContext(context.Background())
}

func ProvideAWSConfig(ctx context.Context) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx)
}

func ProvideDynamoDB(config aws.Config) *dynamodb.Client {
	return dynamodb.NewFromConfig(config)
}

// ProvideCodePipeline disables the SDK retryer; orchestrator callbacks retry through backoff.Policy
func ProvideCodePipeline(config aws.Config) *codepipeline.Client {
	return codepipeline.NewFromConfig(config, func(o *codepipeline.Options) {
		o.Retryer = aws.NopRetryer{}
	})
}

// ProvideCodeBuild disables the SDK retryer so StartBuild attempts are bounded by StartAttempts
func ProvideCodeBuild(config aws.Config) *codebuild.Client {
	return codebuild.NewFromConfig(config, func(o *codebuild.Options) {
		o.Retryer = aws.NopRetryer{}
	})
}

func ProvideS3Client(config aws.Config) *s3.Client {
	return s3.NewFromConfig(config)
}

func ProvideSecretsManager(config aws.Config) *secretsmanager.Client {
	return secretsmanager.NewFromConfig(config)
}

func ProvideSecretsManagerService(client *secretsmanager.Client) *services.SecretsManagerService {
	return services.NewSecretsManagerService(client)
}

func ProvideArtifactStore(client *s3.Client) *services.ArtifactStore {
	return services.NewArtifactStore(client)
}
