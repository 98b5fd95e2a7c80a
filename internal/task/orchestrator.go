package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrAlreadyRunning is returned when a task of the same kind has not yet
// reached a terminal state.
var ErrAlreadyRunning = errors.New("a task of this kind is already running")

// Orchestrator enforces at most one live task per kind and keeps finished
// tasks around for the operator API to inspect.
type Orchestrator struct {
	mu     sync.Mutex
	active map[Kind]string
	tasks  map[string]*Task

	ctx    context.Context
	runner *Runner
	log    *slog.Logger
}

func NewOrchestrator(ctx context.Context, runner *Runner, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		active: make(map[Kind]string),
		tasks:  make(map[string]*Task),
		ctx:    ctx,
		runner: runner,
		log:    log.With("component", "tasks"),
	}
}

// start claims the kind's slot and spawns the runner. The new task is
// created already running, so a concurrent start of the same kind cannot
// slip in between the slot check and the runner goroutine starting.
func (o *Orchestrator) start(kind Kind, total int, run func(ctx context.Context, t *Task)) (*Task, error) {
	o.mu.Lock()
	if id, ok := o.active[kind]; ok {
		if !o.tasks[id].Status().Terminal() {
			o.mu.Unlock()
			return nil, ErrAlreadyRunning
		}
	}
	t := New(kind, total)
	o.active[kind] = t.ID
	o.tasks[t.ID] = t
	o.mu.Unlock()

	o.log.Info("task started", "kind", kind, "id", t.ID, "total", total)
	go func() {
		run(o.ctx, t)
		o.log.Info("task finished", "kind", kind, "id", t.ID, "status", t.Status())
	}()
	return t, nil
}

// StartLogin begins a sequential re-login run over the given account ids.
// An empty target list means every account eligible for refresh.
func (o *Orchestrator) StartLogin(targets []string) (*Task, error) {
	records, err := o.runner.loginTargets(targets)
	if err != nil {
		return nil, err
	}
	return o.start(KindLogin, len(records), func(ctx context.Context, t *Task) {
		o.runner.RunLogin(ctx, t, records)
	})
}

// StartRegister begins a registration run producing count new accounts.
func (o *Orchestrator) StartRegister(count int) (*Task, error) {
	return o.start(KindRegister, count, func(ctx context.Context, t *Task) {
		o.runner.RunRegister(ctx, t, count)
	})
}

// Get returns a snapshot of the task with the given id.
func (o *Orchestrator) Get(id string) (Snapshot, bool) {
	o.mu.Lock()
	t, ok := o.tasks[id]
	o.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return t.Snapshot(), true
}

// List returns snapshots of every known task.
func (o *Orchestrator) List() []Snapshot {
	o.mu.Lock()
	tasks := make([]*Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		tasks = append(tasks, t)
	}
	o.mu.Unlock()

	out := make([]Snapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Snapshot())
	}
	return out
}
