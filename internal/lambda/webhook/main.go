package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/rs/zerolog"
	"github.com/savaki/pipeline-git-source/internal/di"
	errs "github.com/savaki/pipeline-git-source/internal/errors"
	"github.com/savaki/pipeline-git-source/internal/orchestrator"
	"github.com/savaki/pipeline-git-source/internal/services"
	"github.com/segmentio/ksuid"
	"github.com/urfave/cli/v2"
)

const (
	maxBodySize     = 1 << 20
	signatureHeader = "X-Hub-Signature-256"
)

// PipelineStarter starts pipeline executions
type PipelineStarter interface {
	StartPipelineExecution(ctx context.Context, pipelineName, token string) (string, error)
}

// SecretSource supplies the secrets accepted on webhook signatures
type SecretSource interface {
	Enabled() bool
	Get(ctx context.Context) ([]string, error)
}

type Handler struct {
	starter  PipelineStarter
	secrets  SecretSource
	config   *services.Config
	newToken func() string
}

// PushEvent is the subset of a git push webhook payload the handler reads
type PushEvent struct {
	Ref string `json:"ref"`
}

type StartResponse struct {
	PipelineExecutionID string `json:"pipelineExecutionId"`
}

type SkippedResponse struct {
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewHandler(starter PipelineStarter, secrets SecretSource, config *services.Config) *Handler {
	return &Handler{
		starter:  starter,
		secrets:  secrets,
		config:   config,
		newToken: func() string { return ksuid.New().String() },
	}
}

// loggingMiddleware logs details about each request and response
func loggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := logger.WithContext(r.Context())
			r = r.WithContext(ctx)

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			zerolog.Ctx(ctx).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Str("user_agent", r.UserAgent()).
				Msg("Incoming request")

			next.ServeHTTP(rw, r)

			zerolog.Ctx(ctx).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status_code", rw.statusCode).
				Dur("duration", time.Since(start)).
				Msg("Request completed")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// stripEnvPrefixMiddleware removes the /{env} stage prefix from request paths
func stripEnvPrefixMiddleware(env string, next http.Handler) http.Handler {
	if env == "" {
		return next
	}

	prefix := "/" + env
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = strings.TrimPrefix(r.URL.Path, prefix)
		if r.URL.Path == "" {
			r.URL.Path = "/"
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) jsonResponse(w http.ResponseWriter, statusCode int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"failed to marshal response"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

func (h *Handler) errorResponse(w http.ResponseWriter, statusCode int, message string) {
	h.jsonResponse(w, statusCode, ErrorResponse{Error: message})
}

// handleWebhook starts the pipeline when a push lands on the configured branch
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if h.secrets.Enabled() {
		secrets, err := h.secrets.Get(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to load webhook secrets")
			h.errorResponse(w, http.StatusInternalServerError, "webhook secrets unavailable")
			return
		}
		if err := services.VerifySignature(secrets, body, r.Header.Get(signatureHeader)); err != nil {
			logger.Warn().Err(err).Msg("Rejecting webhook")
			h.errorResponse(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.errorResponse(w, http.StatusBadRequest, "invalid payload")
		return
	}

	want := "refs/heads/" + h.config.Branch
	if h.config.Branch == "" || event.Ref != want {
		logger.Info().
			Str("ref", event.Ref).
			Str("branch", h.config.Branch).
			Msg("Push is not for the tracked branch, skipping")
		h.jsonResponse(w, http.StatusOK, SkippedResponse{Skipped: true, Reason: "ref " + event.Ref + " is not tracked"})
		return
	}

	h.startPipeline(w, r)
}

// handleStart starts the pipeline unconditionally
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	h.startPipeline(w, r)
}

func (h *Handler) startPipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)

	if h.config.PipelineName == "" {
		logger.Error().Err(errs.ErrMissingConfiguration).Msg("No pipeline configured")
		h.errorResponse(w, http.StatusInternalServerError, "pipeline name is not configured")
		return
	}

	executionID, err := h.starter.StartPipelineExecution(ctx, h.config.PipelineName, h.newToken())
	if err != nil {
		logger.Error().Err(err).Str("pipeline", h.config.PipelineName).Msg("Failed to start pipeline")
		h.errorResponse(w, http.StatusBadGateway, "failed to start pipeline")
		return
	}

	logger.Info().
		Str("pipeline", h.config.PipelineName).
		Str("pipeline_execution_id", executionID).
		Msg("Started pipeline")
	h.jsonResponse(w, http.StatusAccepted, StartResponse{PipelineExecutionID: executionID})
}

// setupRouter configures all HTTP routes
func (h *Handler) setupRouter() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", h.handleWebhook)
	mux.HandleFunc("/accionar", h.handleStart)
	return mux
}

func setupContainer(env, configFile string) (di.Container, error) {
	return di.New(env,
		di.WithConfigFile(configFile),
		di.WithProviders(
			di.ProvideOrchestrator,
			di.ProvideWebhookSecrets,
		),
	)
}

func newHandlerFromContainer(container di.Container) *Handler {
	return NewHandler(
		di.MustGet[*orchestrator.Orchestrator](container),
		di.MustGet[*services.WebhookSecrets](container),
		di.MustGet[*services.Config](container),
	)
}

// serveAction starts a local HTTP server for testing
func serveAction(logger zerolog.Logger, env string) cli.ActionFunc {
	return func(c *cli.Context) error {
		addr := fmt.Sprintf(":%s", c.String("port"))

		container, err := setupContainer(env, c.String("config"))
		if err != nil {
			return fmt.Errorf("failed to setup DI container: %w", err)
		}
		handler := newHandlerFromContainer(container)

		logger.Info().Str("addr", addr).Msg("Starting HTTP server")

		server := &http.Server{
			Addr:              addr,
			Handler:           loggingMiddleware(logger)(handler.setupRouter()),
			ReadHeaderTimeout: 10 * time.Second,
		}
		err = server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func main() {
	logger := di.ProvideLogger().With().Str("lambda", "webhook").Logger()

	env := os.Getenv("ENV")
	if env == "" {
		env = os.Getenv("ENVIRONMENT")
	}
	if env == "" {
		logger.Error().Msg("ENV or ENVIRONMENT variable is required")
		os.Exit(1)
	}

	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		container, err := setupContainer(env, "")
		if err != nil {
			logger.Error().Err(err).Msg("Failed to setup DI container")
			os.Exit(1)
		}
		handler := newHandlerFromContainer(container)

		// Apply middleware stack: strip env prefix -> logging
		httpHandler := loggingMiddleware(logger)(stripEnvPrefixMiddleware(env, handler.setupRouter()))

		// Use AWS Lambda HTTP adapter for API Gateway V2
		lambda.Start(httpadapter.NewV2(httpHandler).ProxyWithContext)
		return
	}

	app := &cli.App{
		Name:  "webhook",
		Usage: "Start the pipeline from git push webhooks",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Start local HTTP server for testing",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "port", Usage: "Port to listen on", Value: "8080"},
					&cli.StringFlag{Name: "config", Usage: "YAML config file", EnvVars: []string{"CONFIG_FILE"}},
				},
				Action: serveAction(logger, env),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
