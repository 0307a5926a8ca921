package di

import (
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline"
	"github.com/savaki/pipeline-git-source/internal/buildrunner"
	"github.com/savaki/pipeline-git-source/internal/dao/jobdao"
	"github.com/savaki/pipeline-git-source/internal/dao/lockdao"
	"github.com/savaki/pipeline-git-source/internal/dispatch"
	"github.com/savaki/pipeline-git-source/internal/orchestrator"
	"github.com/savaki/pipeline-git-source/internal/services"
)

func ProvideOrchestrator(client *codepipeline.Client, config *services.Config) *orchestrator.Orchestrator {
	return orchestrator.New(client, config.CallbackPolicy())
}

func ProvideBuildRunner(client *codebuild.Client, config *services.Config) *buildrunner.Runner {
	return buildrunner.New(client, config.StartPolicy(), config.CallbackPolicy())
}

func ProvideWebhookSecrets(secrets *services.SecretsManagerService, config *services.Config) *services.WebhookSecrets {
	return services.NewWebhookSecrets(secrets, config.WebhookSecretName)
}

func ProvideTrigger(o *orchestrator.Orchestrator, runner *buildrunner.Runner, dao *jobdao.DAO, config *services.Config) *dispatch.Trigger {
	return dispatch.NewTrigger(o, runner, dao, config)
}

func ProvidePoller(o *orchestrator.Orchestrator, runner *buildrunner.Runner, dao *jobdao.DAO, locks *lockdao.DAO, artifacts *services.ArtifactStore, config *services.Config) *dispatch.Poller {
	return dispatch.NewPoller(o, runner, dao, artifacts, config).
		WithLocker(locks, config.SweepLockTTL)
}

// DispatchProviders are the providers every dispatch function needs on top of core
var DispatchProviders = []any{
	ProvideJobDAO,
	ProvideLockDAO,
	ProvideOrchestrator,
	ProvideBuildRunner,
	ProvideTrigger,
	ProvidePoller,
}
