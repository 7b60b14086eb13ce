package model

import "time"

// LoopStatus is the state of a consistency loop.
type LoopStatus string

const (
	LoopStatusRunning   LoopStatus = "running"
	LoopStatusConverged LoopStatus = "converged"
	LoopStatusExhausted LoopStatus = "exhausted"
)

// Terminal reports whether no further iterations may run.
func (s LoopStatus) Terminal() bool {
	return s == LoopStatusConverged || s == LoopStatusExhausted
}

// ConvergenceState is the per-session state of a consistency loop. It is
// created at loop start and mutated once per iteration.
type ConvergenceState struct {
	RunID               string       `json:"run_id"`
	SessionID           string       `json:"session_id"`
	Iteration           int          `json:"iteration"`
	InputRecord         *Record      `json:"input_record,omitempty"`
	CurrentOutputRecord *Record      `json:"current_output_record,omitempty"`
	DiffHistory         []DiffResult `json:"diff_history"`
	Status              LoopStatus   `json:"status"`
	Cancelled           bool         `json:"cancelled,omitempty"`
	Diagnostic          string       `json:"diagnostic,omitempty"`
	Prompt              string       `json:"prompt,omitempty"`
	GeneratorCalls      int          `json:"generator_calls"`
	StartedAt           time.Time    `json:"started_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// LastDiff returns the most recent diff, or nil before the first iteration.
func (s *ConvergenceState) LastDiff() *DiffResult {
	if len(s.DiffHistory) == 0 {
		return nil
	}
	return &s.DiffHistory[len(s.DiffHistory)-1]
}
