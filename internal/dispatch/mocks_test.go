package dispatch

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/pipeline-git-source/internal/buildrunner"
	"github.com/savaki/pipeline-git-source/internal/dao/jobdao"
	errs "github.com/savaki/pipeline-git-source/internal/errors"
	"github.com/savaki/pipeline-git-source/internal/models"
	"github.com/savaki/pipeline-git-source/internal/orchestrator"
	"github.com/savaki/pipeline-git-source/internal/services"
)

func testContext() context.Context {
	logger := zerolog.New(io.Discard)
	return logger.WithContext(context.Background())
}

func testConfig() *services.Config {
	config, err := services.NewConfig(map[string]string{})
	if err != nil {
		panic(err)
	}
	return config
}

type failureCall struct {
	JobID   string
	Failure orchestrator.Failure
}

type successCall struct {
	JobID   string
	Success orchestrator.Success
}

type stopCall struct {
	PipelineName string
	ExecutionID  string
	Reason       string
}

// mockOrchestrator records every callback
type mockOrchestrator struct {
	mu          sync.Mutex
	acks        []models.JobRef
	failures    []failureCall
	successes   []successCall
	stops       []stopCall
	ackErr      error
	failureErr  error
	successErr  error
	resolvedIDs map[string]bool // jobs CodePipeline already considers resolved
}

func (m *mockOrchestrator) AcknowledgeJob(ctx context.Context, job models.JobRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks = append(m.acks, job)
	return m.ackErr
}

func (m *mockOrchestrator) PutJobSuccess(ctx context.Context, jobID string, success orchestrator.Success) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes = append(m.successes, successCall{JobID: jobID, Success: success})
	if m.resolvedIDs[jobID] {
		return errs.ErrAlreadyCompleted
	}
	if m.resolvedIDs == nil {
		m.resolvedIDs = map[string]bool{}
	}
	m.resolvedIDs[jobID] = true
	return m.successErr
}

func (m *mockOrchestrator) PutJobFailure(ctx context.Context, jobID string, failure orchestrator.Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, failureCall{JobID: jobID, Failure: failure})
	if m.resolvedIDs[jobID] {
		return errs.ErrAlreadyCompleted
	}
	if m.resolvedIDs == nil {
		m.resolvedIDs = map[string]bool{}
	}
	m.resolvedIDs[jobID] = true
	return m.failureErr
}

func (m *mockOrchestrator) StopPipelineExecution(ctx context.Context, pipelineName, executionID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops = append(m.stops, stopCall{PipelineName: pipelineName, ExecutionID: executionID, Reason: reason})
	return nil
}

type mockRunner struct {
	startFunc  func(ctx context.Context, input buildrunner.StartInput) (models.ExecutionRef, error)
	statusFunc func(ctx context.Context, executionID string) (models.BuildStatus, error)
	latestFunc func(ctx context.Context, projectName string) (string, error)
	stopErr    error

	mu     sync.Mutex
	starts []buildrunner.StartInput
	stops  []string
}

func (m *mockRunner) Start(ctx context.Context, input buildrunner.StartInput) (models.ExecutionRef, error) {
	m.mu.Lock()
	m.starts = append(m.starts, input)
	m.mu.Unlock()
	return m.startFunc(ctx, input)
}

func (m *mockRunner) Status(ctx context.Context, executionID string) (models.BuildStatus, error) {
	return m.statusFunc(ctx, executionID)
}

func (m *mockRunner) Latest(ctx context.Context, projectName string) (string, error) {
	return m.latestFunc(ctx, projectName)
}

func (m *mockRunner) Stop(ctx context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops = append(m.stops, executionID)
	return m.stopErr
}

// phases returns a status func answering from a fixed table; unknown ids are not found
func phases(table map[string]models.BuildStatus) func(ctx context.Context, executionID string) (models.BuildStatus, error) {
	return func(ctx context.Context, executionID string) (models.BuildStatus, error) {
		status, ok := table[executionID]
		if !ok {
			return models.BuildStatus{}, errs.ErrExecutionNotFound
		}
		return status, nil
	}
}

// memStore is an in-memory Store with the same terminal semantics as jobdao
type memStore struct {
	mu          sync.Mutex
	records     map[string]*jobdao.Record
	outstanding map[string]bool
	createErr   error
	calls       []string // operations, in order
	noDeadline  []string // operations called without a context deadline
}

// track must be called with mu held
func (m *memStore) track(ctx context.Context, op string) {
	m.calls = append(m.calls, op)
	if _, ok := ctx.Deadline(); !ok {
		m.noDeadline = append(m.noDeadline, op)
	}
}

func newMemStore() *memStore {
	return &memStore{
		records:     map[string]*jobdao.Record{},
		outstanding: map[string]bool{},
	}
}

func (m *memStore) Create(ctx context.Context, input jobdao.CreateInput) (*jobdao.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track(ctx, "Create")
	if m.createErr != nil {
		return nil, m.createErr
	}
	record := &jobdao.Record{
		PK:                  jobdao.NewPK(input.ExecutionID),
		SK:                  "JOB",
		ExecutionID:         input.ExecutionID,
		JobID:               input.JobID,
		PipelineName:        input.PipelineName,
		StageName:           input.StageName,
		ActionName:          input.ActionName,
		PipelineExecutionID: input.PipelineExecutionID,
		ProjectName:         input.ProjectName,
		Branch:              input.Branch,
		GitURL:              input.GitURL,
		OutputBucket:        input.OutputBucket,
		OutputKey:           input.OutputKey,
		DispatchID:          input.DispatchID,
		Status:              jobdao.StatusInProgress,
	}
	m.records[input.ExecutionID] = record
	m.outstanding[input.ExecutionID] = true
	copied := *record
	return &copied, nil
}

func (m *memStore) Find(ctx context.Context, executionID string) (*jobdao.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track(ctx, "Find")
	record, ok := m.records[executionID]
	if !ok {
		return nil, errs.ErrRecordNotFound
	}
	copied := *record
	return &copied, nil
}

func (m *memStore) Complete(ctx context.Context, input jobdao.CompleteInput) (*jobdao.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track(ctx, "Complete")
	record, ok := m.records[input.ExecutionID]
	if !ok {
		return nil, errs.ErrRecordNotFound
	}
	if record.Status.Terminal() {
		return record, errs.ErrAlreadyCompleted
	}
	record.Status = input.Status
	record.ErrorMsg = input.ErrorMsg
	delete(m.outstanding, input.ExecutionID)
	copied := *record
	return &copied, nil
}

func (m *memStore) ListOutstanding(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track(ctx, "ListOutstanding")
	var ids []string
	for id := range m.outstanding {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memStore) DeleteOutstanding(ctx context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track(ctx, "DeleteOutstanding")
	delete(m.outstanding, executionID)
	return nil
}

type mockArtifacts struct {
	existsFunc func(ctx context.Context, location models.ArtifactLocation) (bool, error)
}

func (m *mockArtifacts) Exists(ctx context.Context, location models.ArtifactLocation) (bool, error) {
	return m.existsFunc(ctx, location)
}

type mockLocker struct {
	held       map[string]string
	acquired   []string
	released   []string
	err        error
	noDeadline int
}

func (m *mockLocker) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	if _, ok := ctx.Deadline(); !ok {
		m.noDeadline++
	}
	if m.err != nil {
		return false, m.err
	}
	if current, ok := m.held[name]; ok && current != holder {
		return false, nil
	}
	if m.held == nil {
		m.held = map[string]string{}
	}
	m.held[name] = holder
	m.acquired = append(m.acquired, holder)
	return true, nil
}

func (m *mockLocker) Release(ctx context.Context, name, holder string) error {
	if _, ok := ctx.Deadline(); !ok {
		m.noDeadline++
	}
	if m.held[name] == holder {
		delete(m.held, name)
	}
	m.released = append(m.released, holder)
	return nil
}
