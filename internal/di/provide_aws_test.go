package di

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/savaki/pipeline-git-source/internal/backoff"
	"github.com/savaki/pipeline-git-source/internal/buildrunner"
	"github.com/savaki/pipeline-git-source/internal/orchestrator"
	"github.com/stretchr/testify/assert"
)

// throttlingServer answers every JSON 1.1 request with ThrottlingException and counts them
func throttlingServer(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()

	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Header().Set("Content-Type", "application/x-amz-json-1.1")
		w.Header().Set("X-Amzn-Errortype", "ThrottlingException")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"__type":"ThrottlingException","message":"Rate exceeded"}`))
	}))
	t.Cleanup(server.Close)

	return server, &requests
}

func testAWSConfig(endpoint string) aws.Config {
	return aws.Config{
		Region:       "us-east-1",
		Credentials:  credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),
		BaseEndpoint: aws.String(endpoint),
	}
}

func TestProvideCodeBuild_StartAttemptsBoundRequests(t *testing.T) {
	server, requests := throttlingServer(t)

	client := ProvideCodeBuild(testAWSConfig(server.URL))
	policy := backoff.Policy{Attempts: 2, MaxBackoff: time.Millisecond, Timeout: 5 * time.Second}
	runner := buildrunner.New(client, policy, policy)

	_, err := runner.Start(context.Background(), buildrunner.StartInput{ProjectName: "P-develop"})
	assert.Error(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(requests))
}

func TestProvideCodePipeline_CallbackAttemptsBoundRequests(t *testing.T) {
	server, requests := throttlingServer(t)

	client := ProvideCodePipeline(testAWSConfig(server.URL))
	o := orchestrator.New(client, backoff.Policy{Attempts: 3, MaxBackoff: time.Millisecond, Timeout: 5 * time.Second})

	err := o.PutJobSuccess(context.Background(), "J1", orchestrator.Success{ExternalExecutionID: "E1"})
	assert.Error(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(requests))
}
