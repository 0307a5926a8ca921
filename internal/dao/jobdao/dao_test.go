package jobdao

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/ddb/v2"
	"github.com/savaki/ddb/v2/ddbtest"
	errs "github.com/savaki/pipeline-git-source/internal/errors"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Data struct {
	DAO *DAO
}

func setup(t *testing.T) (ctx context.Context, data Data, cleanup func()) {
	ctx = context.Background()

	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion("us-west-2"),
		config.WithBaseEndpoint("http://localhost:8000"),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("blah", "blah", ""),
		),
	)
	require.NoError(t, err)

	var (
		client    = dynamodb.NewFromConfig(cfg)
		db        = ddb.New(client)
		tableName = fmt.Sprintf("jobs-test-%v", ksuid.New().String())
		table     = db.MustTable(tableName, Record{})
		dao       = New(client, tableName)
	)

	if err := table.CreateTableIfNotExists(ctx); err != nil {
		t.Skipf("DynamoDB Local not available on localhost:8000: %v", err)
	}

	return ctx, Data{DAO: dao}, func() {
		_ = table.DeleteTableIfExists(ctx)
	}
}

func newInput(executionID string) CreateInput {
	return CreateInput{
		ExecutionID:         executionID,
		JobID:               "J-" + ksuid.New().String(),
		PipelineName:        "P",
		StageName:           "Source",
		ActionName:          "GitSource",
		PipelineExecutionID: ksuid.New().String(),
		ProjectName:         "P-develop",
		Branch:              "develop",
		GitURL:              "ssh://repo",
		OutputBucket:        "artifact-bucket",
		OutputKey:           "P/SourceArti/abc.zip",
		DispatchID:          ksuid.New().String(),
	}
}

func TestDAO(t *testing.T) {
	ddbtest.WithTable[Data](t, setup, func(t *testing.T, ctx context.Context, data Data) {
		dao := data.DAO

		t.Run("Create_And_Find", func(t *testing.T) {
			executionID := "P-develop:" + ksuid.New().String()
			input := newInput(executionID)

			created, err := dao.Create(ctx, input)
			require.NoError(t, err)
			assert.Equal(t, StatusInProgress, created.Status)
			assert.Greater(t, created.TTL, created.CreatedAt)

			found, err := dao.Find(ctx, executionID)
			require.NoError(t, err)
			assert.Equal(t, NewPK(executionID), found.PK)
			assert.Equal(t, input.JobID, found.JobID)
			assert.Equal(t, "P-develop", found.ProjectName)
			assert.Equal(t, "artifact-bucket", found.OutputBucket)
			assert.Equal(t, "P/SourceArti/abc.zip", found.OutputKey)
			assert.Equal(t, StatusInProgress, found.Status)

			outstanding, err := dao.ListOutstanding(ctx)
			require.NoError(t, err)
			assert.Contains(t, outstanding, executionID)
		})

		t.Run("Create_SameDispatchIsNoop", func(t *testing.T) {
			executionID := "P-develop:" + ksuid.New().String()
			input := newInput(executionID)

			_, err := dao.Create(ctx, input)
			require.NoError(t, err)

			again, err := dao.Create(ctx, input)
			require.NoError(t, err)
			assert.Equal(t, input.DispatchID, again.DispatchID)
		})

		t.Run("Create_ConflictingDispatch", func(t *testing.T) {
			executionID := "P-develop:" + ksuid.New().String()

			_, err := dao.Create(ctx, newInput(executionID))
			require.NoError(t, err)

			_, err = dao.Create(ctx, newInput(executionID))
			assert.Error(t, err)
		})

		t.Run("Find_NotFound", func(t *testing.T) {
			_, err := dao.Find(ctx, "missing:"+ksuid.New().String())
			assert.ErrorIs(t, err, errs.ErrRecordNotFound)
		})

		t.Run("Complete", func(t *testing.T) {
			executionID := "P-develop:" + ksuid.New().String()
			_, err := dao.Create(ctx, newInput(executionID))
			require.NoError(t, err)

			completed, err := dao.Complete(ctx, CompleteInput{
				ExecutionID: executionID,
				Status:      StatusFailed,
				ErrorMsg:    "compile error",
			})
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, completed.Status)

			found, err := dao.Find(ctx, executionID)
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, found.Status)
			assert.Equal(t, "compile error", found.ErrorMsg)
			assert.NotZero(t, found.FinishedAt)

			outstanding, err := dao.ListOutstanding(ctx)
			require.NoError(t, err)
			assert.NotContains(t, outstanding, executionID)
		})

		t.Run("Complete_Twice", func(t *testing.T) {
			executionID := "P-develop:" + ksuid.New().String()
			_, err := dao.Create(ctx, newInput(executionID))
			require.NoError(t, err)

			_, err = dao.Complete(ctx, CompleteInput{ExecutionID: executionID, Status: StatusSucceeded})
			require.NoError(t, err)

			record, err := dao.Complete(ctx, CompleteInput{ExecutionID: executionID, Status: StatusFailed, ErrorMsg: "late"})
			assert.ErrorIs(t, err, errs.ErrAlreadyCompleted)
			require.NotNil(t, record)
			assert.Equal(t, StatusSucceeded, record.Status)

			found, err := dao.Find(ctx, executionID)
			require.NoError(t, err)
			assert.Equal(t, StatusSucceeded, found.Status)
			assert.Empty(t, found.ErrorMsg)
		})

		t.Run("Complete_ConcurrentPollsOneWins", func(t *testing.T) {
			executionID := "P-develop:" + ksuid.New().String()
			_, err := dao.Create(ctx, newInput(executionID))
			require.NoError(t, err)

			statuses := []Status{StatusSucceeded, StatusFailed}
			results := make([]error, len(statuses))

			var wg sync.WaitGroup
			for i, status := range statuses {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, results[i] = dao.Complete(ctx, CompleteInput{ExecutionID: executionID, Status: status})
				}()
			}
			wg.Wait()

			var winner Status
			completed := 0
			for i, err := range results {
				if err == nil {
					winner = statuses[i]
					completed++
					continue
				}
				assert.ErrorIs(t, err, errs.ErrAlreadyCompleted)
			}
			require.Equal(t, 1, completed)

			found, err := dao.Find(ctx, executionID)
			require.NoError(t, err)
			assert.Equal(t, winner, found.Status)
		})

		t.Run("Complete_Missing", func(t *testing.T) {
			_, err := dao.Complete(ctx, CompleteInput{ExecutionID: "missing", Status: StatusSucceeded})
			assert.ErrorIs(t, err, errs.ErrRecordNotFound)
		})

		t.Run("Complete_RejectsNonTerminal", func(t *testing.T) {
			_, err := dao.Complete(ctx, CompleteInput{ExecutionID: "any", Status: StatusInProgress})
			assert.Error(t, err)
		})

		t.Run("List_SkipsIndexEntries", func(t *testing.T) {
			records, err := dao.List(ctx)
			require.NoError(t, err)
			assert.NotEmpty(t, records)
			for _, record := range records {
				assert.Equal(t, jobSK, record.SK)
			}
		})
	})
}

func TestPK(t *testing.T) {
	pk := NewPK("P-develop:abc")
	assert.Equal(t, "build/P-develop:abc", pk.String())

	executionID, err := ParsePK(pk)
	require.NoError(t, err)
	assert.Equal(t, "P-develop:abc", executionID)

	_, err = ParsePK("outstanding")
	assert.Error(t, err)

	_, err = ParsePK("build/")
	assert.Error(t, err)
}

func TestTableName(t *testing.T) {
	assert.Equal(t, "dev-pipeline-git-source-jobs", TableName("dev"))
}
