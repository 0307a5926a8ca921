package models

import "time"

// Action configuration keys of the custom source action type
const (
	ConfigBranch           = "Branch"
	ConfigGitURL           = "GitUrl"
	ConfigPipelineName     = "PipelineName"
	ConfigSSHSecretKeyName = "SSHSecretKeyName"
	ConfigProjectName      = "ProjectName"
)

// JobRef identifies one CodePipeline job callback context
type JobRef struct {
	JobID               string `json:"jobId"`
	Nonce               string `json:"nonce,omitempty"` // required by AcknowledgeJob
	PipelineName        string `json:"pipelineName,omitempty"`
	StageName           string `json:"stageName,omitempty"`
	ActionName          string `json:"actionName,omitempty"`
	PipelineExecutionID string `json:"pipelineExecutionId,omitempty"`
}

// ExecutionRef identifies one CodeBuild run
type ExecutionRef struct {
	ExecutionID string    `json:"executionId"`
	ProjectName string    `json:"projectName"`
	StartedAt   time.Time `json:"startedAt"`
}

// ActionType mirrors the CodePipeline actionTypeId
type ActionType struct {
	Owner    string `json:"owner"`
	Category string `json:"category"`
	Provider string `json:"provider"`
	Version  string `json:"version"`
}

// IsZero reports whether no action type was supplied
func (a ActionType) IsZero() bool {
	return a == ActionType{}
}

// ArtifactLocation is the S3 location CodePipeline expects the source artifact at
type ArtifactLocation struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// IsZero reports whether no location was supplied
func (a ArtifactLocation) IsZero() bool {
	return a.Bucket == "" || a.Key == ""
}

// TriggerEvent is the input of the trigger handler: one started source job
type TriggerEvent struct {
	JobRef
	ActionType     ActionType        `json:"actionType,omitempty"`
	Config         map[string]string `json:"config,omitempty"`
	OutputArtifact ArtifactLocation  `json:"outputArtifact,omitempty"`
}

// TriggerStatus is the outcome of one trigger invocation
type TriggerStatus string

const (
	TriggerStatusIgnored    TriggerStatus = "IGNORED"
	TriggerStatusInProgress TriggerStatus = "IN_PROGRESS"
	TriggerStatusFailed     TriggerStatus = "FAILED"
)

// TriggerResult is returned to the caller and logged for correlation
type TriggerResult struct {
	Status     TriggerStatus `json:"status"`
	JobID      string        `json:"jobId,omitempty"`
	DispatchID string        `json:"dispatchId,omitempty"`
	Execution  *ExecutionRef `json:"execution,omitempty"`
	Message    string        `json:"message,omitempty"`
}
