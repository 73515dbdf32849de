// Package scheduling runs the coordinator's maintenance tasks (history
// trimming, health sweeps, auto-optimization) on cron or interval schedules.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mosaic-ai/internal/domain"
	"mosaic-ai/internal/infra/config"
)

const subsystem = "scheduling"

// Action identifies a type of maintenance action.
type Action string

const (
	ActionTrimHistory  Action = "trim_history"
	ActionHealthSweep  Action = "health_sweep"
	ActionAutoOptimize Action = "auto_optimize"
)

// defaultTaskTimeout bounds a single task run.
const defaultTaskTimeout = 5 * time.Minute

// Task is a recurring maintenance task.
type Task struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" or duration "30m"
	Action   Action
}

// TasksFromConfig maps the scheduler config section.
func TasksFromConfig(cfg config.SchedulerConfig) []Task {
	tasks := make([]Task, 0, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		tasks = append(tasks, Task{Name: t.Name, Schedule: t.Schedule, Action: Action(t.Action)})
	}
	return tasks
}

// TaskInfo describes a scheduled task for status output.
type TaskInfo struct {
	Name    string    `json:"name"`
	Action  Action    `json:"action"`
	Next    time.Time `json:"next"`
	LastRun time.Time `json:"last_run,omitempty"`
	LastErr string    `json:"last_error,omitempty"`
}

type entry struct {
	id      cron.EntryID
	task    Task
	lastRun time.Time
	lastErr string
}

// Scheduler runs tasks on a recurring schedule.
type Scheduler struct {
	cron    *cron.Cron
	actions map[Action]func(ctx context.Context) error
	entries map[string]*entry
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		actions: make(map[Action]func(ctx context.Context) error),
		entries: make(map[string]*entry),
		timeout: defaultTaskTimeout,
		logger:  logger,
	}
}

// RegisterAction registers the handler for an action.
func (s *Scheduler) RegisterAction(action Action, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// AddTask schedules task. Task names are unique.
func (s *Scheduler) AddTask(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.Name == "" {
		return domain.NewSubSystemError(subsystem, "Scheduler.AddTask", domain.ErrInvalidInput, "task name is required")
	}
	if _, dup := s.entries[task.Name]; dup {
		return domain.NewSubSystemError(subsystem, "Scheduler.AddTask", domain.ErrDuplicate, task.Name)
	}
	fn, ok := s.actions[task.Action]
	if !ok {
		return domain.NewSubSystemError(subsystem, "Scheduler.AddTask", domain.ErrConfiguration,
			fmt.Sprintf("unknown action %q for task %q", task.Action, task.Name))
	}
	schedule, err := ParseSchedule(task.Schedule)
	if err != nil {
		return domain.NewSubSystemError(subsystem, "Scheduler.AddTask", domain.ErrConfiguration,
			fmt.Sprintf("task %q: %v", task.Name, err))
	}

	e := &entry{task: task}
	e.id = s.cron.Schedule(schedule, cron.FuncJob(func() { s.run(e, fn) }))
	s.entries[task.Name] = e

	s.logger.Info("task added to scheduler", "name", task.Name, "schedule", task.Schedule, "action", string(task.Action))
	return nil
}

func (s *Scheduler) run(e *entry, fn func(ctx context.Context) error) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		s.logger.Debug("scheduler stopped, skipping task", "task", e.task.Name)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := fn(taskCtx)

	s.mu.Lock()
	e.lastRun = start
	e.lastErr = ""
	if err != nil {
		e.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("scheduled task failed", "task", e.task.Name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Info("scheduled task completed", "task", e.task.Name, "duration", time.Since(start))
}

// RunNow runs the named task immediately on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	var fn func(context.Context) error
	if ok {
		fn = s.actions[e.task.Action]
	}
	s.mu.Unlock()
	if !ok {
		return domain.NewSubSystemError(subsystem, "Scheduler.RunNow", domain.ErrNotFound, name)
	}
	taskCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return fn(taskCtx)
}

// RemoveTask unschedules the named task.
func (s *Scheduler) RemoveTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return domain.NewSubSystemError(subsystem, "Scheduler.RemoveTask", domain.ErrNotFound, name)
	}
	s.cron.Remove(e.id)
	delete(s.entries, name)
	s.logger.Info("task removed from scheduler", "name", name)
	return nil
}

// Tasks lists scheduled tasks by name.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, TaskInfo{
			Name:    e.task.Name,
			Action:  e.task.Action,
			Next:    s.cron.Entry(e.id).Next,
			LastRun: e.lastRun,
			LastErr: e.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins running the scheduler. Tasks run with a context derived
// from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.ctx = nil
	s.started = false
	s.mu.Unlock()

	// Running jobs take s.mu on completion.
	<-s.cron.Stop().Done()
	return nil
}

// ParseSchedule parses a cron expression, falling back to a positive
// duration string.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay(dur), nil
}

// constantDelay fires at a fixed interval. Unlike cron.Every it keeps
// sub-second intervals.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}
