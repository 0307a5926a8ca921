package models

import "testing"

func TestPhaseTerminal(t *testing.T) {
	tests := []struct {
		phase Phase
		want  bool
	}{
		{PhaseInProgress, false},
		{PhaseSucceeded, true},
		{PhaseFailed, true},
		{PhaseStopped, true},
		{PhaseTimedOut, true},
		{Phase("UNKNOWN"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			if got := tt.phase.Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestArtifactLocationIsZero(t *testing.T) {
	if !(ArtifactLocation{}).IsZero() {
		t.Error("empty location should be zero")
	}
	if !(ArtifactLocation{Bucket: "bucket"}).IsZero() {
		t.Error("location without key should be zero")
	}
	if (ArtifactLocation{Bucket: "bucket", Key: "key"}).IsZero() {
		t.Error("complete location should not be zero")
	}
}
