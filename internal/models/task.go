package models

import (
	"context"
	"sort"
	"time"
)

// Task is a named, idempotency-checked unit of work with declared prerequisites.
type Task struct {
	Name  string   `yaml:"-" json:"name"`
	Usage string   `yaml:"usage,omitempty" json:"usage,omitempty"`
	Deps  []string `yaml:"deps,omitempty" json:"deps,omitempty"`

	// Run is executed in order; an empty list makes the task a pure aggregate
	// of its prerequisites.
	Run []string `yaml:"run,omitempty" json:"run,omitempty"`

	// Sources are glob patterns for inputs; Targets are the files the task
	// produces. A task with no targets is always stale.
	Sources []string `yaml:"sources,omitempty" json:"sources,omitempty"`
	Targets []string `yaml:"targets,omitempty" json:"targets,omitempty"`

	Dir string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Func replaces Run when the action is implemented in Go.
	Func func(ctx context.Context) error `yaml:"-" json:"-"`
}

// TaskStatus is the outcome of a task within one invocation.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskFresh     TaskStatus = "fresh"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// Done reports whether dependents may proceed.
func (s TaskStatus) Done() bool {
	return s == TaskFresh || s == TaskSucceeded
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TaskResult records what happened to one task during an invocation.
type TaskResult struct {
	Name        string     `json:"name"`
	Status      TaskStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     time.Time  `json:"ended_at"`
	DurationSec float64    `json:"duration_sec"`
}

// RunResult summarises one invocation of the task engine.
type RunResult struct {
	RunID     string                 `json:"run_id"`
	Requested []string               `json:"requested"`
	Order     []string               `json:"order"` // completion order of executed tasks
	Tasks     map[string]*TaskResult `json:"tasks"`
	Skipped   int                    `json:"skipped"`
	Cancelled bool                   `json:"cancelled"`
}

// Status returns the recorded status of name, or TaskPending when it was
// never scheduled.
func (r *RunResult) Status(name string) TaskStatus {
	if t, ok := r.Tasks[name]; ok {
		return t.Status
	}
	return TaskPending
}

// Ran reports whether name's action actually executed.
func (r *RunResult) Ran(name string) bool {
	s := r.Status(name)
	return s == TaskSucceeded || s == TaskFailed
}
