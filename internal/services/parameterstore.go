package services

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/savaki/pipeline-git-source/internal/backoff"
	"github.com/savaki/pipeline-git-source/internal/models"
	"gopkg.in/yaml.v3"
)

const appName = "pipeline-git-source"

// Parameter names, relative to /{env}/pipeline-git-source
const (
	ParamPipelineName       = "pipeline-name"
	ParamBranch             = "branch"
	ParamGitURL             = "git-url"
	ParamSSHSecretName      = "ssh-secret-name"
	ParamGitPullProject     = "git-pull-project"
	ParamActionProvider     = "action-provider"
	ParamActionVersion      = "action-version"
	ParamStopOnFailure      = "stop-on-failure"
	ParamCallbackAttempts   = "callback-attempts"
	ParamCallbackMaxBackoff = "callback-max-backoff"
	ParamStartAttempts      = "start-attempts"
	ParamCallTimeout        = "call-timeout"
	ParamSweepConcurrency   = "sweep-concurrency"
	ParamSweepLockTTL       = "sweep-lock-ttl"
	ParamWebhookSecretName  = "webhook-secret-name"
)

// Config holds all application configuration values from Parameter Store
type Config struct {
	PipelineName       string
	Branch             string
	GitURL             string
	SSHSecretName      string
	GitPullProject     string
	ActionProvider     string
	ActionVersion      string
	StopOnFailure      bool
	CallbackAttempts   int
	CallbackMaxBackoff time.Duration
	StartAttempts      int
	CallTimeout        time.Duration
	SweepConcurrency   int
	SweepLockTTL       time.Duration
	WebhookSecretName  string
}

// ActionType returns the custom source action this deployment serves
func (c *Config) ActionType() models.ActionType {
	return models.ActionType{
		Owner:    "Custom",
		Category: "Source",
		Provider: c.ActionProvider,
		Version:  c.ActionVersion,
	}
}

// CallbackPolicy bounds CodePipeline calls
func (c *Config) CallbackPolicy() backoff.Policy {
	return backoff.Policy{
		Attempts:   c.CallbackAttempts,
		MaxBackoff: c.CallbackMaxBackoff,
		Timeout:    c.CallTimeout,
	}
}

// StartPolicy bounds StartBuild; one retry at most by default
func (c *Config) StartPolicy() backoff.Policy {
	return backoff.Policy{
		Attempts:   c.StartAttempts,
		MaxBackoff: c.CallbackMaxBackoff,
		Timeout:    c.CallTimeout,
	}
}

// ParameterStore defines the interface for accessing configuration parameters
type ParameterStore interface {
	// GetParameter retrieves a single parameter by name
	GetParameter(ctx context.Context, name string) (string, error)

	// GetConfig loads all application configuration
	GetConfig(ctx context.Context) (*Config, error)
}

// NewConfig builds a Config from parameter values keyed by the Param* names, applying defaults
func NewConfig(values map[string]string) (*Config, error) {
	config := &Config{
		PipelineName:      values[ParamPipelineName],
		Branch:            values[ParamBranch],
		GitURL:            values[ParamGitURL],
		SSHSecretName:     values[ParamSSHSecretName],
		GitPullProject:    values[ParamGitPullProject],
		ActionProvider:    values[ParamActionProvider],
		ActionVersion:     values[ParamActionVersion],
		WebhookSecretName: values[ParamWebhookSecretName],
	}

	if config.ActionProvider == "" {
		config.ActionProvider = "CustomSourceForGit"
	}
	if config.ActionVersion == "" {
		config.ActionVersion = "1"
	}

	defaults := backoff.DefaultPolicy()

	var err error
	if config.StopOnFailure, err = parseBool(values, ParamStopOnFailure, false); err != nil {
		return nil, err
	}
	if config.CallbackAttempts, err = parseInt(values, ParamCallbackAttempts, defaults.Attempts); err != nil {
		return nil, err
	}
	if config.StartAttempts, err = parseInt(values, ParamStartAttempts, 2); err != nil {
		return nil, err
	}
	if config.SweepConcurrency, err = parseInt(values, ParamSweepConcurrency, 8); err != nil {
		return nil, err
	}
	if config.CallbackMaxBackoff, err = parseDuration(values, ParamCallbackMaxBackoff, defaults.MaxBackoff); err != nil {
		return nil, err
	}
	if config.CallTimeout, err = parseDuration(values, ParamCallTimeout, defaults.Timeout); err != nil {
		return nil, err
	}
	if config.SweepLockTTL, err = parseDuration(values, ParamSweepLockTTL, 5*time.Minute); err != nil {
		return nil, err
	}

	return config, nil
}

// SSMClient is the subset of the SSM client used for configuration
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
}

// SSMParameterStore implements ParameterStore using AWS Systems Manager Parameter Store
type SSMParameterStore struct {
	client SSMClient
	env    string
	mu     sync.RWMutex
	cache  map[string]string
}

// NewSSMParameterStore creates a new SSM-backed parameter store
func NewSSMParameterStore(client SSMClient, env string) *SSMParameterStore {
	return &SSMParameterStore{
		client: client,
		env:    env,
		cache:  make(map[string]string),
	}
}

func (s *SSMParameterStore) path() string {
	return fmt.Sprintf("/%s/%s", s.env, appName)
}

// GetParameter retrieves a single parameter from SSM Parameter Store
func (s *SSMParameterStore) GetParameter(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if value, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get parameter %s: %w", name, err)
	}

	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s not found", name)
	}

	value := *result.Parameter.Value

	s.mu.Lock()
	s.cache[name] = value
	s.mu.Unlock()

	return value, nil
}

// GetConfig loads all application configuration from Parameter Store
func (s *SSMParameterStore) GetConfig(ctx context.Context) (*Config, error) {
	path := s.path()
	prefix := path + "/"

	values := make(map[string]string)
	var nextToken *string
	for {
		result, err := s.client.GetParametersByPath(ctx, &ssm.GetParametersByPathInput{
			Path:           aws.String(path),
			Recursive:      aws.Bool(true),
			WithDecryption: aws.Bool(true),
			NextToken:      nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get parameters by path %s: %w", path, err)
		}

		s.mu.Lock()
		for _, param := range result.Parameters {
			if param.Name == nil || param.Value == nil {
				continue
			}
			s.cache[*param.Name] = *param.Value
			values[strings.TrimPrefix(*param.Name, prefix)] = *param.Value
		}
		s.mu.Unlock()

		if result.NextToken == nil || *result.NextToken == "" {
			break
		}
		nextToken = result.NextToken
	}

	return NewConfig(values)
}

// EnvParameterStore implements ParameterStore using environment variables.
// Parameter names map to upper snake case, e.g. pipeline-name reads PIPELINE_NAME.
type EnvParameterStore struct {
	env string
}

// NewEnvParameterStore creates a new environment variable-backed parameter store
func NewEnvParameterStore(env string) *EnvParameterStore {
	return &EnvParameterStore{
		env: env,
	}
}

// GetParameter retrieves a parameter from environment variables
func (e *EnvParameterStore) GetParameter(ctx context.Context, name string) (string, error) {
	return os.Getenv(envKey(name)), nil
}

// GetConfig loads all application configuration from environment variables
func (e *EnvParameterStore) GetConfig(ctx context.Context) (*Config, error) {
	values := make(map[string]string)
	for _, name := range paramNames {
		if v := os.Getenv(envKey(name)); v != "" {
			values[name] = v
		}
	}
	return NewConfig(values)
}

// FileParameterStore reads configuration from a YAML file with one section per environment:
//
//	dev:
//	  pipeline-name: my-pipeline
//	  branch: develop
type FileParameterStore struct {
	filename string
	env      string
}

// NewFileParameterStore creates a new YAML file-backed parameter store
func NewFileParameterStore(filename, env string) *FileParameterStore {
	return &FileParameterStore{
		filename: filename,
		env:      env,
	}
}

func (f *FileParameterStore) load() (map[string]string, error) {
	data, err := os.ReadFile(f.filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", f.filename, err)
	}

	var sections map[string]map[string]string
	if err := yaml.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", f.filename, err)
	}

	values, ok := sections[f.env]
	if !ok {
		return nil, fmt.Errorf("config file %s has no section for environment %s", f.filename, f.env)
	}
	return values, nil
}

// GetParameter retrieves a parameter from the environment's section
func (f *FileParameterStore) GetParameter(ctx context.Context, name string) (string, error) {
	values, err := f.load()
	if err != nil {
		return "", err
	}
	return values[name], nil
}

// GetConfig loads all application configuration from the environment's section
func (f *FileParameterStore) GetConfig(ctx context.Context) (*Config, error) {
	values, err := f.load()
	if err != nil {
		return nil, err
	}
	return NewConfig(values)
}

var paramNames = []string{
	ParamPipelineName,
	ParamBranch,
	ParamGitURL,
	ParamSSHSecretName,
	ParamGitPullProject,
	ParamActionProvider,
	ParamActionVersion,
	ParamStopOnFailure,
	ParamCallbackAttempts,
	ParamCallbackMaxBackoff,
	ParamStartAttempts,
	ParamCallTimeout,
	ParamSweepConcurrency,
	ParamSweepLockTTL,
	ParamWebhookSecretName,
}

func envKey(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func parseBool(values map[string]string, name string, fallback bool) (bool, error) {
	v, ok := values[name]
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return b, nil
}

func parseInt(values map[string]string, name string, fallback int) (int, error) {
	v, ok := values[name]
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("invalid %s %q: must be at least 1", name, v)
	}
	return n, nil
}

func parseDuration(values map[string]string, name string, fallback time.Duration) (time.Duration, error) {
	v, ok := values[name]
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return d, nil
}
