package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestExitCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ExitCode
	}{
		{"nil", nil, ExitOK},
		{"plain", errors.New("boom"), ExitFailure},
		{"config", Configf("stagehand.yaml", "unknown task %q", "docs"), ExitUsage},
		{"wrapped precondition", fmt.Errorf("prep: %w", &PreconditionError{Gate: "release-ready", Code: ExitStaleReleaseEnv}), ExitStaleReleaseEnv},
		{"drift without code", &DriftError{Files: []string{"REQUIREMENTS.txt"}}, ExitFailure},
		{"uncommitted drift", &DriftError{Code: ExitUncommittedRequirements}, ExitUncommittedRequirements},
		{"command", &CommandError{Task: "fast", ExitCode: 2}, ExitFailure},
	}
	for _, tt := range tests {
		if got := ExitCodeOf(tt.err); got != tt.want {
			t.Errorf("%s: ExitCodeOf = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestTypeOf(t *testing.T) {
	if got := TypeOf(fmt.Errorf("wrap: %w", &ConflictError{Path: ".venv"})); got != ErrConflict {
		t.Errorf("TypeOf(conflict) = %s", got)
	}
	if got := TypeOf(&CommandError{Task: "decode"}); got != ErrCommandFailed {
		t.Errorf("TypeOf(command) = %s", got)
	}
	if got := TypeOf(errors.New("boom")); got != ErrInternalError {
		t.Errorf("TypeOf(plain) = %s", got)
	}
}

func TestCommandErrorKeepsParameters(t *testing.T) {
	err := &CommandError{
		Task:     "filter_primary",
		Command:  "starfish filter",
		Params:   map[string]string{"masking-radius": "15", "algorithm": "WhiteTophat"},
		ExitCode: 1,
	}
	want := `filter_primary: "starfish filter" exited with code 1 [algorithm=WhiteTophat masking-radius=15]`
	if err.Error() != want {
		t.Errorf("Error() = %s", err.Error())
	}
}
