package harness

import (
	"time"
)

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepOK     StepStatus = "ok"
	StepFailed StepStatus = "failed"
)

// Step is one logged harness action.
type Step struct {
	Name     string                 `json:"name"`
	Status   StepStatus             `json:"status"`
	Input    map[string]interface{} `json:"input,omitempty"`
	Output   map[string]interface{} `json:"output,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Duration time.Duration          `json:"duration"`
}

// Report is the outcome of a harness run.
type Report struct {
	RunID      string    `json:"run_id"`
	RoomNumber string    `json:"room_number"`
	SessionID  string    `json:"session_id,omitempty"`
	Steps      []Step    `json:"steps"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func newReport(runID, room string) *Report {
	return &Report{RunID: runID, RoomNumber: room, StartedAt: time.Now()}
}

func (r *Report) finish() {
	r.FinishedAt = time.Now()
}

// Succeeded reports whether every step passed.
func (r *Report) Succeeded() bool {
	if len(r.Steps) == 0 {
		return false
	}
	for _, s := range r.Steps {
		if s.Status != StepOK {
			return false
		}
	}
	return true
}

// Status is "passed" or "failed".
func (r *Report) Status() string {
	if r.Succeeded() {
		return "passed"
	}
	return "failed"
}

// Step returns the named step.
func (r *Report) Step(name string) (Step, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
