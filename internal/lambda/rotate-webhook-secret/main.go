package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/rs/zerolog"
	"github.com/savaki/pipeline-git-source/internal/di"
	"github.com/savaki/pipeline-git-source/internal/services"
	"github.com/urfave/cli/v2"
)

const (
	stageCurrent = "AWSCURRENT"
	stagePending = "AWSPENDING"

	// new secret plus the one git hosts may still sign with
	maxVersions = 2
)

type RotationEvent struct {
	Step               string `json:"Step"`
	SecretId           string `json:"SecretId"`
	ClientRequestToken string `json:"ClientRequestToken"`
}

// SecretsClient is the subset of Secrets Manager used by rotation
type SecretsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
	UpdateSecretVersionStage(ctx context.Context, params *secretsmanager.UpdateSecretVersionStageInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretVersionStageOutput, error)
}

type Handler struct {
	client SecretsClient
	now    func() time.Time
}

func NewHandler(client SecretsClient) *Handler {
	return &Handler{
		client: client,
		now:    time.Now,
	}
}

func generateWebhookSecret() (string, error) {
	data := make([]byte, 32)
	if _, err := rand.Read(data); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(data), nil
}

// parseVersions reads a stored webhook secret. A plain string is a single unversioned secret.
func parseVersions(value string) ([]services.SecretVersion, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if !strings.HasPrefix(value, "[") {
		return []services.SecretVersion{{Secret: value}}, nil
	}

	var versions []services.SecretVersion
	if err := json.Unmarshal([]byte(value), &versions); err != nil {
		return nil, err
	}
	return slices.DeleteFunc(versions, func(v services.SecretVersion) bool {
		return strings.TrimSpace(v.Secret) == ""
	}), nil
}

func (h *Handler) HandleRotation(ctx context.Context, event RotationEvent) error {
	zerolog.Ctx(ctx).Info().
		Str("step", event.Step).
		Str("secret_id", event.SecretId).
		Str("version_id", event.ClientRequestToken).
		Msg("Rotating webhook secret")

	switch event.Step {
	case "createSecret":
		return h.createSecret(ctx, event)
	case "setSecret":
		return h.setSecret(ctx, event)
	case "testSecret":
		return h.testSecret(ctx, event)
	case "finishSecret":
		return h.finishSecret(ctx, event)
	default:
		return fmt.Errorf("unknown rotation step: %s", event.Step)
	}
}

func (h *Handler) createSecret(ctx context.Context, event RotationEvent) error {
	logger := zerolog.Ctx(ctx)

	// a retried step must not replace the pending version
	_, err := h.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(event.SecretId),
		VersionId:    aws.String(event.ClientRequestToken),
		VersionStage: aws.String(stagePending),
	})
	if err == nil {
		logger.Info().Msg("Pending version already exists")
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to get pending secret: %w", err)
	}

	var versions []services.SecretVersion
	current, err := h.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(event.SecretId),
		VersionStage: aws.String(stageCurrent),
	})
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("Failed to get current secret, starting fresh")
	default:
		versions, err = parseVersions(aws.ToString(current.SecretString))
		if err != nil {
			logger.Warn().Err(err).Msg("Current secret is not valid JSON, starting fresh")
			versions = nil
		}
	}

	secret, err := generateWebhookSecret()
	if err != nil {
		return err
	}

	versions = append([]services.SecretVersion{{
		Secret:    secret,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	}}, versions...)
	if len(versions) > maxVersions {
		versions = versions[:maxVersions]
	}

	data, err := json.Marshal(versions)
	if err != nil {
		return fmt.Errorf("failed to marshal secret: %w", err)
	}

	_, err = h.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:           aws.String(event.SecretId),
		SecretString:       aws.String(string(data)),
		ClientRequestToken: aws.String(event.ClientRequestToken),
		VersionStages:      []string{stagePending},
	})
	if err != nil {
		return fmt.Errorf("failed to put secret value: %w", err)
	}

	logger.Info().Int("version_count", len(versions)).Msg("Created pending webhook secret")
	return nil
}

// setSecret has nothing to do; git hosts are given the new secret out of band and the
// previous one stays accepted until the next rotation
func (h *Handler) setSecret(ctx context.Context, event RotationEvent) error {
	return nil
}

func (h *Handler) testSecret(ctx context.Context, event RotationEvent) error {
	output, err := h.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(event.SecretId),
		VersionId:    aws.String(event.ClientRequestToken),
		VersionStage: aws.String(stagePending),
	})
	if err != nil {
		return fmt.Errorf("failed to get pending secret: %w", err)
	}

	versions, err := parseVersions(aws.ToString(output.SecretString))
	if err != nil {
		return fmt.Errorf("pending secret is not valid JSON: %w", err)
	}
	if len(versions) == 0 {
		return fmt.Errorf("pending secret has no versions")
	}

	secrets := make([]string, 0, len(versions))
	for _, v := range versions {
		secrets = append(secrets, v.Secret)
	}

	body := []byte(`{"ref":"refs/heads/rotation-test"}`)
	if err := services.VerifySignature(secrets, body, services.Sign(versions[0].Secret, body)); err != nil {
		return fmt.Errorf("pending secret does not verify: %w", err)
	}

	return nil
}

func (h *Handler) finishSecret(ctx context.Context, event RotationEvent) error {
	logger := zerolog.Ctx(ctx)

	output, err := h.client.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
		SecretId: aws.String(event.SecretId),
	})
	if err != nil {
		return fmt.Errorf("failed to describe secret: %w", err)
	}

	var currentVersion string
	for versionID, stages := range output.VersionIdsToStages {
		if slices.Contains(stages, stageCurrent) {
			currentVersion = versionID
			break
		}
	}

	if currentVersion == event.ClientRequestToken {
		logger.Info().Msg("Version is already current")
		return nil
	}

	input := &secretsmanager.UpdateSecretVersionStageInput{
		SecretId:        aws.String(event.SecretId),
		VersionStage:    aws.String(stageCurrent),
		MoveToVersionId: aws.String(event.ClientRequestToken),
	}
	if currentVersion != "" {
		input.RemoveFromVersionId = aws.String(currentVersion)
	}

	if _, err := h.client.UpdateSecretVersionStage(ctx, input); err != nil {
		return fmt.Errorf("failed to update version stage: %w", err)
	}

	logger.Info().Str("previous_version_id", currentVersion).Msg("Promoted webhook secret")
	return nil
}

func newHandlerFromContainer() (*Handler, error) {
	container, err := di.New(os.Getenv("ENV"))
	if err != nil {
		return nil, fmt.Errorf("failed to create DI container: %w", err)
	}
	return NewHandler(di.MustGet[*secretsmanager.Client](container)), nil
}

func handleRotateCommand(logger zerolog.Logger) cli.ActionFunc {
	return func(c *cli.Context) error {
		handler, err := newHandlerFromContainer()
		if err != nil {
			return err
		}

		ctx := logger.WithContext(context.Background())
		token := fmt.Sprintf("manual-%d", time.Now().Unix())
		for _, step := range []string{"createSecret", "setSecret", "testSecret", "finishSecret"} {
			event := RotationEvent{
				Step:               step,
				SecretId:           c.String("secret-id"),
				ClientRequestToken: token,
			}
			if err := handler.HandleRotation(ctx, event); err != nil {
				return fmt.Errorf("%s step failed: %w", step, err)
			}
		}

		fmt.Println("Rotation completed successfully")
		return nil
	}
}

func main() {
	logger := di.ProvideLogger().With().Str("lambda", "rotate-webhook-secret").Logger()

	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		handler, err := newHandlerFromContainer()
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create handler")
			os.Exit(1)
		}

		// Wrap handler to inject logger into context
		wrappedHandler := func(ctx context.Context, event RotationEvent) error {
			ctx = logger.WithContext(ctx)
			return handler.HandleRotation(ctx, event)
		}
		lambda.Start(wrappedHandler)
		return
	}

	app := &cli.App{
		Name:           "rotate-webhook-secret",
		Usage:          "Secrets Manager rotation function for the webhook signing secret",
		DefaultCommand: "rotate",
		Commands: []*cli.Command{
			{
				Name:  "rotate",
				Usage: "Manually trigger a rotation",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "secret-id",
						Usage:    "Secret ID to rotate",
						Required: true,
						EnvVars:  []string{"SECRET_ID"},
					},
				},
				Action: handleRotateCommand(logger),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
