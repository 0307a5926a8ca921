package jobdao

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/savaki/ddb/v2"
	"github.com/savaki/gox/slicex"
	errs "github.com/savaki/pipeline-git-source/internal/errors"
)

const (
	jobSK          = "JOB"
	buildPrefix    = "build/"
	outstandingPK  = "outstanding"
	recordTTLHours = 7 * 24 // correlation records expire after a week
)

// TableName returns the jobs table for an environment
func TableName(env string) string {
	return fmt.Sprintf("%s-pipeline-git-source-jobs", env)
}

// PK represents the partition key: build/{executionID}
type PK string

// NewPK creates a partition key from a build execution id
func NewPK(executionID string) PK {
	return PK(buildPrefix + executionID)
}

// ParsePK returns the build execution id held by the partition key
func ParsePK(pk PK) (executionID string, err error) {
	s := string(pk)
	if !strings.HasPrefix(s, buildPrefix) || len(s) == len(buildPrefix) {
		return "", fmt.Errorf("invalid PK format: %s, expected build/{executionID}", s)
	}
	return strings.TrimPrefix(s, buildPrefix), nil
}

// String returns the string representation
func (pk PK) String() string {
	return string(pk)
}

// Status of the CodePipeline job a build was started for
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further callback is expected
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Record correlates a CodeBuild run with the CodePipeline job that started it
type Record struct {
	PK                  PK     `ddb:"hash" dynamodbav:"pk"`  // build/{executionID}, or "outstanding"
	SK                  string `ddb:"range" dynamodbav:"sk"` // "JOB", or {executionID} for the outstanding index
	ExecutionID         string `dynamodbav:"execution_id,omitempty"`
	JobID               string `dynamodbav:"job_id,omitempty"`
	PipelineName        string `dynamodbav:"pipeline_name,omitempty"`
	StageName           string `dynamodbav:"stage_name,omitempty"`
	ActionName          string `dynamodbav:"action_name,omitempty"`
	PipelineExecutionID string `dynamodbav:"pipeline_execution_id,omitempty"`
	ProjectName         string `dynamodbav:"project_name,omitempty"`
	Branch              string `dynamodbav:"branch,omitempty"`
	GitURL              string `dynamodbav:"git_url,omitempty"`
	OutputBucket        string `dynamodbav:"output_bucket,omitempty"`
	OutputKey           string `dynamodbav:"output_key,omitempty"`
	DispatchID          string `dynamodbav:"dispatch_id,omitempty"` // KSUID of the trigger invocation
	Status              Status `dynamodbav:"status,omitempty"`
	ErrorMsg            string `dynamodbav:"error_msg,omitempty"`
	CreatedAt           int64  `dynamodbav:"created_at,omitempty"`
	UpdatedAt           int64  `dynamodbav:"updated_at,omitempty"`
	FinishedAt          int64  `dynamodbav:"finished_at,omitempty"`
	TTL                 int64  `dynamodbav:"ttl,omitempty"`
}

// CreateInput contains the fields recorded when a build is started
type CreateInput struct {
	ExecutionID         string
	JobID               string
	PipelineName        string
	StageName           string
	ActionName          string
	PipelineExecutionID string
	ProjectName         string
	Branch              string
	GitURL              string
	OutputBucket        string
	OutputKey           string
	DispatchID          string
}

// CompleteInput marks a record terminal
type CompleteInput struct {
	ExecutionID string
	Status      Status // StatusSucceeded or StatusFailed
	ErrorMsg    string
}

// DAO provides data access operations for job correlation records
type DAO struct {
	db    *ddb.DDB
	table *ddb.Table
	now   func() time.Time
}

// New creates a new DAO instance
func New(client *dynamodb.Client, tableName string) *DAO {
	db := ddb.New(client)
	table := db.MustTable(tableName, &Record{})
	return &DAO{
		db:    db,
		table: table,
		now:   time.Now,
	}
}

// Table exposes the underlying table for setup commands
func (d *DAO) Table() *ddb.Table {
	return d.table
}

// Create stores the correlation record and its outstanding index entry in one transaction.
// Creating a record that already exists for the same dispatch is a no-op.
func (d *DAO) Create(ctx context.Context, input CreateInput) (*Record, error) {
	if input.ExecutionID == "" {
		return nil, fmt.Errorf("execution id is required")
	}

	existing, err := d.Find(ctx, input.ExecutionID)
	if err == nil {
		if existing.DispatchID == input.DispatchID {
			return existing, nil
		}
		return nil, fmt.Errorf("build %s already recorded for job %s", input.ExecutionID, existing.JobID)
	}
	if !errors.Is(err, errs.ErrRecordNotFound) {
		return nil, err
	}

	now := d.now().Unix()
	record := &Record{
		PK:                  NewPK(input.ExecutionID),
		SK:                  jobSK,
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
		Status:              StatusInProgress,
		CreatedAt:           now,
		UpdatedAt:           now,
		TTL:                 now + recordTTLHours*3600,
	}
	outstanding := &Record{
		PK:          outstandingPK,
		SK:          input.ExecutionID,
		ExecutionID: input.ExecutionID,
		JobID:       input.JobID,
		CreatedAt:   now,
		TTL:         record.TTL,
	}

	put := d.table.Put(record)
	index := d.table.Put(outstanding)
	if _, err := d.db.TransactWriteItemsWithContext(ctx, put, index); err != nil {
		return nil, fmt.Errorf("failed to create job record: %w", err)
	}

	return record, nil
}

// Find retrieves the record for a build execution id.
// Returns ErrRecordNotFound when no record exists.
func (d *DAO) Find(ctx context.Context, executionID string) (*Record, error) {
	var record Record

	err := d.table.Get(NewPK(executionID).String()).
		Range(jobSK).
		ConsistentRead(true).
		ScanWithContext(ctx, &record)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "item not found") || strings.Contains(errStr, "ItemNotFound") {
			return nil, fmt.Errorf("%w: %s", errs.ErrRecordNotFound, executionID)
		}
		return nil, fmt.Errorf("failed to find job record: %w", err)
	}

	if record.PK == "" && record.SK == "" {
		return nil, fmt.Errorf("%w: %s", errs.ErrRecordNotFound, executionID)
	}

	return &record, nil
}

// Complete marks a record terminal and removes it from the outstanding index.
// The update is conditional on the record still being in progress, so of two concurrent
// polls only one wins; the other gets ErrAlreadyCompleted and the winner's record.
func (d *DAO) Complete(ctx context.Context, input CompleteInput) (*Record, error) {
	if !input.Status.Terminal() {
		return nil, fmt.Errorf("status %s is not terminal", input.Status)
	}

	record, err := d.Find(ctx, input.ExecutionID)
	if err != nil {
		return nil, err
	}
	if record.Status.Terminal() {
		return record, fmt.Errorf("%w: build %s is %s", errs.ErrAlreadyCompleted, input.ExecutionID, record.Status)
	}

	now := d.now().Unix()
	update := d.table.Update(record.PK.String()).
		Range(jobSK).
		Set("#Status = ?", string(input.Status)).
		Set("#UpdatedAt = ?", now).
		Set("#FinishedAt = ?", now).
		Condition("#Status = ?", string(StatusInProgress))

	if input.ErrorMsg != "" {
		update = update.Set("#ErrorMsg = ?", input.ErrorMsg)
	}

	if err := update.RunWithContext(ctx); err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if !errors.As(err, &conditionFailed) {
			return nil, fmt.Errorf("failed to complete job record: %w", err)
		}
		current, findErr := d.Find(ctx, input.ExecutionID)
		if findErr != nil {
			return nil, findErr
		}
		return current, fmt.Errorf("%w: build %s is %s", errs.ErrAlreadyCompleted, input.ExecutionID, current.Status)
	}

	if err := d.DeleteOutstanding(ctx, input.ExecutionID); err != nil {
		return nil, err
	}

	record.Status = input.Status
	record.ErrorMsg = input.ErrorMsg
	record.UpdatedAt = now
	record.FinishedAt = now
	return record, nil
}

// ListOutstanding returns the execution ids of builds still awaiting a terminal callback
func (d *DAO) ListOutstanding(ctx context.Context) ([]string, error) {
	var records []Record

	err := d.table.Query("#PK = ?", outstandingPK).
		FindAllWithContext(ctx, &records)
	if err != nil {
		return nil, fmt.Errorf("failed to query outstanding builds: %w", err)
	}

	return slicex.Map(records, func(r Record) string { return r.SK }), nil
}

// DeleteOutstanding removes a build from the outstanding index
func (d *DAO) DeleteOutstanding(ctx context.Context, executionID string) error {
	err := d.table.Delete(outstandingPK).
		Range(executionID).
		RunWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete outstanding entry: %w", err)
	}
	return nil
}

// List scans every correlation record, most recent first
func (d *DAO) List(ctx context.Context) ([]*Record, error) {
	var records []*Record
	err := d.table.Scan().ConsistentRead(false).EachWithContext(ctx, func(item ddb.Item) (bool, error) {
		var record Record
		if err := item.Unmarshal(&record); err != nil {
			return false, err
		}
		if record.SK != jobSK {
			return true, nil
		}
		records = append(records, &record)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan job records: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt > records[j].CreatedAt
	})
	return records, nil
}
