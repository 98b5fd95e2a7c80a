package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes the two maintenance jobs the operator API can start.
type Kind string

const (
	KindLogin    Kind = "login"
	KindRegister Kind = "register"
)

// Status is the lifecycle state of a Task. Success and Failed are terminal.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Result is the outcome of one unit of work inside a task, in the order
// the units completed.
type Result struct {
	Target  string `json:"target"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// LogEntry is one timestamped line of the task's progress log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Task tracks one background maintenance run. All mutation goes through
// methods that hold the task's own lock, so the orchestrator can snapshot
// a task while its runner is still appending.
type Task struct {
	mu sync.Mutex

	ID        string
	Kind      Kind
	status    Status
	total     int
	done      int
	successes int
	failures  int
	results   []Result
	log       []LogEntry
	createdAt time.Time
	finished  time.Time
}

// New creates a task already in the running state. Marking it running at
// creation closes the window where a second start request could slip past
// the per-kind exclusivity check while the runner goroutine spins up.
func New(kind Kind, total int) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		status:    StatusRunning,
		total:     total,
		createdAt: time.Now(),
	}
}

// Logf appends a formatted line to the task log.
func (t *Task) Logf(level, format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log = append(t.log, LogEntry{
		Time:    time.Now(),
		Level:   level,
		Message: fmt.Sprintf(format, args...),
	})
}

// Record appends one unit result and bumps the progress counters.
func (t *Task) Record(target string, success bool, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results = append(t.results, Result{Target: target, Success: success, Message: message})
	t.done++
	if success {
		t.successes++
	} else {
		t.failures++
	}
}

// Finish moves the task to a terminal state. It is a no-op if the task
// already finished.
func (t *Task) Finish(status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	t.status = status
	t.finished = time.Now()
}

// Status returns the current lifecycle state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Snapshot is the JSON shape served by the operator API.
type Snapshot struct {
	ID           string     `json:"id"`
	Kind         Kind       `json:"kind"`
	Status       Status     `json:"status"`
	Total        int        `json:"total"`
	Done         int        `json:"done"`
	SuccessCount int        `json:"success_count"`
	FailCount    int        `json:"fail_count"`
	Results      []Result   `json:"results"`
	Log          []LogEntry `json:"log"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Snapshot copies the task state for serialization.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		ID:           t.ID,
		Kind:         t.Kind,
		Status:       t.status,
		Total:        t.total,
		Done:         t.done,
		SuccessCount: t.successes,
		FailCount:    t.failures,
		Results:      append([]Result(nil), t.results...),
		Log:          append([]LogEntry(nil), t.log...),
		CreatedAt:    t.createdAt,
	}
	if !t.finished.IsZero() {
		f := t.finished
		s.FinishedAt = &f
	}
	return s
}
