package models

// Phase is the normalized state of a build run
type Phase string

const (
	PhaseInProgress Phase = "IN_PROGRESS"
	PhaseSucceeded  Phase = "SUCCEEDED"
	PhaseFailed     Phase = "FAILED"
	PhaseStopped    Phase = "STOPPED"
	PhaseTimedOut   Phase = "TIMED_OUT"
)

// Terminal reports whether no further transition is possible
func (p Phase) Terminal() bool {
	switch p {
	case PhaseSucceeded, PhaseFailed, PhaseStopped, PhaseTimedOut:
		return true
	default:
		return false
	}
}

// BuildStatus is a phase plus the runner's own description of it
type BuildStatus struct {
	Phase   Phase  `json:"phase"`
	Message string `json:"message,omitempty"`
}

// PollInput identifies the build to check. ExecutionID wins over ProjectName.
type PollInput struct {
	ExecutionID string `json:"executionId,omitempty"`
	ProjectName string `json:"projectName,omitempty"`
	JobID       string `json:"jobId,omitempty"`
}

// PollStatus is the outcome of one poll
type PollStatus string

const (
	PollStatusIgnored          PollStatus = "IGNORED"
	PollStatusInProgress       PollStatus = "IN_PROGRESS"
	PollStatusSucceeded        PollStatus = "SUCCEEDED"
	PollStatusFailed           PollStatus = "FAILED"
	PollStatusAlreadyCompleted PollStatus = "ALREADY_COMPLETED"
)

// PollResult is returned by the poller
type PollResult struct {
	Status      PollStatus `json:"status"`
	JobID       string     `json:"jobId,omitempty"`
	ExecutionID string     `json:"executionId,omitempty"`
	Phase       Phase      `json:"phase,omitempty"`
	Message     string     `json:"message,omitempty"`
}
