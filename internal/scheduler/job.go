package scheduler

import (
	"time"

	"github.com/groupcast/groupcast/internal/poster"
)

// Status is a job's lifecycle state.
type Status string

const (
	// StatusActive jobs are eligible for scheduling.
	StatusActive Status = "active"
	// StatusPaused jobs are skipped by sweeps but keep their timing fields.
	StatusPaused Status = "paused"
	// StatusStopped is terminal. It exists in persisted data for
	// compatibility; the API deletes jobs instead of stopping them.
	StatusStopped Status = "stopped"
)

// Job is a recurring broadcast definition. The template is referenced
// by id rather than embedded, so content edits apply to future runs
// without touching the job.
type Job struct {
	ID            string     `json:"id"`
	TemplateID    string     `json:"template_id"`
	Targets       []string   `json:"targets"`
	IntervalHours int        `json:"interval_hours"`
	Status        Status     `json:"status"`
	NextRunAt     time.Time  `json:"next_run_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Interval returns the recurrence interval as a duration.
func (j Job) Interval() time.Duration {
	return time.Duration(j.IntervalHours) * time.Hour
}

func (j Job) clone() Job {
	out := j
	out.Targets = append([]string(nil), j.Targets...)
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		out.LastRunAt = &t
	}
	return out
}

// QueuedExecution is an immutable snapshot of a job plus its resolved
// payload, captured at enqueue time. The worker operates on the
// snapshot so concurrent edits to the job never affect a run already
// in the queue.
type QueuedExecution struct {
	JobID      string
	Targets    []string
	Payload    poster.Payload
	EnqueuedAt time.Time
}

// ExecutionRecord is one entry in the append-only execution log.
type ExecutionRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	JobID         string    `json:"job_id"`
	TemplateID    string    `json:"template_id"`
	TargetsTotal  int       `json:"targets_total"`
	Successes     int       `json:"successes"`
	Failures      int       `json:"failures"`
	NextScheduled time.Time `json:"next_scheduled"`
	Status        string    `json:"status"` // success, partial, failed
}
