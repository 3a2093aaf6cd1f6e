package domain

import (
	"encoding/json"
	"fmt"
)

// Job is a declared, schedulable unit of work on the host. Identity is Name.
type Job struct {
	Name    string   `json:"name"`
	JobType string   `json:"job_type"`
	Enabled bool     `json:"enabled"`
	Cron    string   `json:"cron"`
	Group   string   `json:"group"`
	Slug    string   `json:"slug"`
	WorkDir string   `json:"work_dir,omitempty"`
	Path    string   `json:"path,omitempty"`
	Params  []string `json:"params,omitempty"`
}

// JobState is the discriminant of JobStatus.
type JobState string

const (
	JobIdle    JobState = "idle"
	JobRunning JobState = "running"
	JobSuccess JobState = "success"
	JobFailed  JobState = "failed"
	JobPaused  JobState = "paused"
)

// JobStatus is a tagged union keyed by State. Only the fields belonging to the
// current state are meaningful; the zero value is idle.
type JobStatus struct {
	State     JobState
	RunID     string // running
	StartedAt string // running
	LastRun   string // success, failed
	ExitCode  int    // failed
}

// Idle returns the status implied by an absent map entry.
func Idle() JobStatus { return JobStatus{State: JobIdle} }

// Running builds a running status.
func Running(runID, startedAt string) JobStatus {
	return JobStatus{State: JobRunning, RunID: runID, StartedAt: startedAt}
}

// Succeeded builds a success status.
func Succeeded(lastRun string) JobStatus {
	return JobStatus{State: JobSuccess, LastRun: lastRun}
}

// Failed builds a failed status.
func Failed(lastRun string, exitCode int) JobStatus {
	return JobStatus{State: JobFailed, LastRun: lastRun, ExitCode: exitCode}
}

// Paused builds a paused status.
func Paused() JobStatus { return JobStatus{State: JobPaused} }

// IsRunning reports whether the job is currently executing.
func (s JobStatus) IsRunning() bool { return s.State == JobRunning }

type jobStatusWire struct {
	State     JobState `json:"state"`
	RunID     string   `json:"run_id,omitempty"`
	StartedAt string   `json:"started_at,omitempty"`
	LastRun   string   `json:"last_run,omitempty"`
	ExitCode  *int     `json:"exit_code,omitempty"`
}

// MarshalJSON encodes the status in the host's internally tagged form,
// e.g. {"state":"running","run_id":"r1","started_at":"t0"}.
func (s JobStatus) MarshalJSON() ([]byte, error) {
	w := jobStatusWire{State: s.State}
	if w.State == "" {
		w.State = JobIdle
	}
	switch w.State {
	case JobRunning:
		w.RunID, w.StartedAt = s.RunID, s.StartedAt
	case JobSuccess:
		w.LastRun = s.LastRun
	case JobFailed:
		code := s.ExitCode
		w.LastRun, w.ExitCode = s.LastRun, &code
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the internally tagged form. Unknown states are
// rejected so that a malformed push never invents a status.
func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var w jobStatusWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.State {
	case JobIdle, JobPaused:
		*s = JobStatus{State: w.State}
	case JobRunning:
		*s = Running(w.RunID, w.StartedAt)
	case JobSuccess:
		*s = Succeeded(w.LastRun)
	case JobFailed:
		code := 0
		if w.ExitCode != nil {
			code = *w.ExitCode
		}
		*s = Failed(w.LastRun, code)
	default:
		return fmt.Errorf("job status: unknown state %q", w.State)
	}
	return nil
}

// RunRecord summarizes a single past run of a job.
type RunRecord struct {
	ID         string `json:"id"`
	JobName    string `json:"job_name"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Trigger    string `json:"trigger"`
}

// RunDetail is a RunRecord plus captured output.
type RunDetail struct {
	RunRecord
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// HostStatus reports host liveness as seen by the relay.
type HostStatus struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Online     bool   `json:"online"`
}
