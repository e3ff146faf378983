package importer

import (
	"time"

	"github.com/google/uuid"

	"github.com/SanteonNL/heron/cmd/heron/manifest"
	"github.com/SanteonNL/heron/cmd/heron/plan"
)

// JobState is the lifecycle state of one import job.
type JobState string

const (
	StatePending   JobState = "pending"
	StateSubmitted JobState = "submitted"
	StatePolling   JobState = "polling"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateTimedOut  JobState = "timedOut"
)

// Terminal reports whether the state can never change again.
func (s JobState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// Job tracks one file through submission and polling. A job is owned by a
// single worker goroutine while it runs; everything else reads it only after
// the session finished.
type Job struct {
	ID          string                `json:"id"`
	Level       int                   `json:"level"`
	File        manifest.ResourceFile `json:"file"`
	State       JobState              `json:"state"`
	ServerJobID string                `json:"serverJobId,omitempty"`
	Attempts    int                   `json:"attempts"`
	Progress    string                `json:"progress,omitempty"`
	Resources   int                   `json:"resources"`
	ErrorCount  int                   `json:"errorCount"`
	Error       string                `json:"error,omitempty"`
	SubmittedAt time.Time             `json:"submittedAt,omitempty"`
	FinishedAt  time.Time             `json:"finishedAt,omitempty"`
}

// transition moves the job to a new state unless it already reached a
// terminal one.
func (j *Job) transition(to JobState) bool {
	if j.State.Terminal() {
		return false
	}
	j.State = to
	return true
}

func (j *Job) succeed(resources, errorCount int) {
	if j.transition(StateSucceeded) {
		j.Resources = resources
		j.ErrorCount = errorCount
		j.FinishedAt = time.Now()
	}
}

func (j *Job) fail(message string) {
	if j.transition(StateFailed) {
		j.Error = message
		j.FinishedAt = time.Now()
	}
}

func (j *Job) timeout(message string) {
	if j.transition(StateTimedOut) {
		j.Error = message
		j.FinishedAt = time.Now()
	}
}

// Duration is the wall time from submission to completion, zero while the
// job has not finished.
func (j *Job) Duration() time.Duration {
	if j.SubmittedAt.IsZero() || j.FinishedAt.IsZero() {
		return 0
	}
	return j.FinishedAt.Sub(j.SubmittedAt)
}

// Session is one full import run over a plan.
type Session struct {
	ID         string    `json:"id"`
	FHIRBase   string    `json:"fhirBase"`
	FileServer string    `json:"fileServer"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Levels     int       `json:"levels"`
	Jobs       []*Job    `json:"jobs"`
	Aborted    bool      `json:"aborted,omitempty"`
}

// NewSession lays out one job per planned file, all pending.
func NewSession(p plan.Plan) *Session {
	session := &Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		Levels:    len(p.Levels),
	}
	for levelIdx, level := range p.Levels {
		for _, file := range level.Files {
			session.Jobs = append(session.Jobs, &Job{
				ID:    uuid.NewString(),
				Level: levelIdx,
				File:  file,
				State: StatePending,
			})
		}
	}
	return session
}

// JobsForLevel returns the jobs scheduled in one level.
func (s *Session) JobsForLevel(level int) []*Job {
	var jobs []*Job
	for _, job := range s.Jobs {
		if job.Level == level {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// CountByState tallies jobs per state.
func (s *Session) CountByState() map[JobState]int {
	counts := make(map[JobState]int)
	for _, job := range s.Jobs {
		counts[job.State]++
	}
	return counts
}

// Succeeded reports whether every job reached the succeeded state.
func (s *Session) Succeeded() bool {
	for _, job := range s.Jobs {
		if job.State != StateSucceeded {
			return false
		}
	}
	return true
}

// TotalResources sums the resource counts reported by succeeded jobs.
func (s *Session) TotalResources() int {
	total := 0
	for _, job := range s.Jobs {
		total += job.Resources
	}
	return total
}

func (s *Session) Elapsed() time.Duration {
	if s.FinishedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
