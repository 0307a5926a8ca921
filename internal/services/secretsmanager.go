package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/rs/zerolog"
)

const webhookSecretRefresh = 5 * time.Minute

// SecretVersion represents a single rotated secret version
type SecretVersion struct {
	Secret    string `json:"secret"`
	Timestamp string `json:"timestamp"`
}

// SecretsManagerAPI is the subset of the Secrets Manager client used to read secrets
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type SecretsManagerService struct {
	client SecretsManagerAPI
}

func NewSecretsManagerService(client SecretsManagerAPI) *SecretsManagerService {
	return &SecretsManagerService{
		client: client,
	}
}

// GetSecret retrieves a secret value by path from AWS Secrets Manager
func (s *SecretsManagerService) GetSecret(ctx context.Context, secretPath string) (string, error) {
	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretPath),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", secretPath, err)
	}

	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", secretPath)
	}

	return *result.SecretString, nil
}

// WebhookSecrets provides the shared secrets accepted on webhook signatures
type WebhookSecrets struct {
	secrets    *SecretsManagerService
	secretName string
	refresh    time.Duration
	now        func() time.Time

	mu        sync.Mutex
	keys      []string
	fetchedAt time.Time
}

// NewWebhookSecrets creates a webhook secret source. An empty secretName disables verification.
func NewWebhookSecrets(secrets *SecretsManagerService, secretName string) *WebhookSecrets {
	return &WebhookSecrets{
		secrets:    secrets,
		secretName: secretName,
		refresh:    webhookSecretRefresh,
		now:        time.Now,
	}
}

// Enabled reports whether webhook signatures must be verified
func (w *WebhookSecrets) Enabled() bool {
	return w != nil && w.secretName != ""
}

// Get returns the accepted secrets, most recent first. Successful reads are cached
// for a few minutes so warm invocations pick up rotations; failures are not cached.
func (w *WebhookSecrets) Get(ctx context.Context) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.keys != nil && w.now().Sub(w.fetchedAt) < w.refresh {
		return w.keys, nil
	}

	keys, err := w.fetch(ctx)
	if err != nil {
		return nil, err
	}
	w.keys, w.fetchedAt = keys, w.now()
	return keys, nil
}

// fetch reads either a JSON array of rotated versions or a plain secret string
func (w *WebhookSecrets) fetch(ctx context.Context) ([]string, error) {
	logger := zerolog.Ctx(ctx)

	value, err := w.secrets.GetSecret(ctx, w.secretName)
	if err != nil {
		return nil, err
	}

	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "[") {
		if value == "" {
			return nil, fmt.Errorf("secret %s is empty", w.secretName)
		}
		return []string{value}, nil
	}

	var versions []SecretVersion
	if err := json.Unmarshal([]byte(value), &versions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secret versions: %w", err)
	}

	keys := make([]string, 0, len(versions))
	for i, version := range versions {
		if version.Secret == "" {
			logger.Warn().
				Int("index", i).
				Str("timestamp", version.Timestamp).
				Msg("Empty secret version, skipping")
			continue
		}
		keys = append(keys, version.Secret)
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("no webhook secrets found in %s", w.secretName)
	}

	return keys, nil
}
