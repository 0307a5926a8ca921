package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"
	"github.com/savaki/pipeline-git-source/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPoller struct {
	inputs   []models.PollInput
	sweeps   int
	pollErr  error
	sweepRes []*models.PollResult
}

func (m *mockPoller) Poll(ctx context.Context, input models.PollInput) (*models.PollResult, error) {
	m.inputs = append(m.inputs, input)
	if m.pollErr != nil {
		return nil, m.pollErr
	}
	return &models.PollResult{Status: models.PollStatusInProgress, ExecutionID: input.ExecutionID}, nil
}

func (m *mockPoller) Sweep(ctx context.Context) ([]*models.PollResult, error) {
	m.sweeps++
	return m.sweepRes, nil
}

func testContext() context.Context {
	return zerolog.Nop().WithContext(context.Background())
}

func cloudWatchEvent(t *testing.T, detailType string, detail any) json.RawMessage {
	t.Helper()

	detailJSON, err := json.Marshal(detail)
	require.NoError(t, err)

	raw, err := json.Marshal(events.CloudWatchEvent{
		DetailType: detailType,
		Detail:     detailJSON,
	})
	require.NoError(t, err)
	return raw
}

func TestHandleEvent_PollInput(t *testing.T) {
	poller := &mockPoller{}
	handler := NewHandler(poller)

	results, err := handler.HandleEvent(testContext(), json.RawMessage(`{"executionId":"P-develop:abc","jobId":"J1"}`))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.PollStatusInProgress, results[0].Status)
	assert.Equal(t, []models.PollInput{{ExecutionID: "P-develop:abc", JobID: "J1"}}, poller.inputs)
}

func TestHandleEvent_PollError(t *testing.T) {
	poller := &mockPoller{pollErr: errors.New("throttled")}
	handler := NewHandler(poller)

	_, err := handler.HandleEvent(testContext(), json.RawMessage(`{"executionId":"E1"}`))
	assert.Error(t, err)
}

func TestHandleEvent_Malformed(t *testing.T) {
	poller := &mockPoller{}
	handler := NewHandler(poller)

	results, err := handler.HandleEvent(testContext(), json.RawMessage(`"nope"`))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.PollStatusIgnored, results[0].Status)
	assert.Empty(t, poller.inputs)
}

func TestHandleEvent_ScheduledSweep(t *testing.T) {
	poller := &mockPoller{
		sweepRes: []*models.PollResult{{Status: models.PollStatusSucceeded, ExecutionID: "E1"}},
	}
	handler := NewHandler(poller)

	results, err := handler.HandleEvent(testContext(), cloudWatchEvent(t, scheduledEvent, map[string]string{}))
	require.NoError(t, err)
	assert.Equal(t, 1, poller.sweeps)
	assert.Len(t, results, 1)
	assert.Empty(t, poller.inputs)
}

func TestHandleEvent_BuildStateChange(t *testing.T) {
	poller := &mockPoller{}
	handler := NewHandler(poller)

	raw := cloudWatchEvent(t, buildStateChange, BuildDetail{
		BuildStatus: "SUCCEEDED",
		ProjectName: "P-develop",
		BuildID:     "arn:aws:codebuild:us-east-1:123456789012:build/P-develop:8745a7a9-c340-456a-9166-edf953571bEX",
	})

	results, err := handler.HandleEvent(testContext(), raw)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, poller.inputs, 1)
	assert.Equal(t, "P-develop:8745a7a9-c340-456a-9166-edf953571bEX", poller.inputs[0].ExecutionID)
	assert.Equal(t, "P-develop", poller.inputs[0].ProjectName)
}

func TestHandleEvent_UnsupportedEvent(t *testing.T) {
	poller := &mockPoller{}
	handler := NewHandler(poller)

	results, err := handler.HandleEvent(testContext(), cloudWatchEvent(t, "EC2 Instance State-change Notification", map[string]string{}))
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, poller.inputs)
	assert.Zero(t, poller.sweeps)
}

func TestBuildIDFromARN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "arn:aws:codebuild:us-east-1:123456789012:build/P:uuid", want: "P:uuid"},
		{in: "P:uuid", want: "P:uuid"},
		{in: "arn:aws:codebuild:us-east-1:123456789012:project/P", want: "arn:aws:codebuild:us-east-1:123456789012:project/P"},
		{in: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildIDFromARN(tt.in))
		})
	}
}
