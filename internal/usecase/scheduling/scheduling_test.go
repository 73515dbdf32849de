package scheduling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"mosaic-ai/internal/domain"
	"mosaic-ai/internal/infra/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(newTestLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestSchedulerActionFires(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionHealthSweep, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	if err := s.AddTask(Task{Name: "sweep", Schedule: "50ms", Action: ActionHealthSweep}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if c := count.Load(); c < 1 {
		t.Errorf("action fired %d times, expected at least 1", c)
	}
}

func TestSchedulerStopsFiringAfterStop(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionTrimHistory, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	s.AddTask(Task{Name: "trim", Schedule: "20ms", Action: ActionTrimHistory})
	s.Start(context.Background())
	time.Sleep(80 * time.Millisecond)
	s.Stop()

	after := count.Load()
	time.Sleep(80 * time.Millisecond)
	if c := count.Load(); c != after {
		t.Errorf("action fired after Stop: %d -> %d", after, c)
	}
}

func TestSchedulerAddTaskErrors(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionTrimHistory, func(context.Context) error { return nil })

	tests := []struct {
		name string
		task Task
		want error
	}{
		{"unknown action", Task{Name: "x", Schedule: "1m", Action: "does_not_exist"}, domain.ErrConfiguration},
		{"bad schedule", Task{Name: "y", Schedule: "whenever", Action: ActionTrimHistory}, domain.ErrConfiguration},
		{"no name", Task{Schedule: "1m", Action: ActionTrimHistory}, domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.AddTask(tt.task); !errors.Is(err, tt.want) {
				t.Errorf("AddTask error = %v, want %v", err, tt.want)
			}
		})
	}

	if err := s.AddTask(Task{Name: "trim", Schedule: "1m", Action: ActionTrimHistory}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := s.AddTask(Task{Name: "trim", Schedule: "5m", Action: ActionTrimHistory}); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("duplicate AddTask error = %v", err)
	}
}

func TestSchedulerRunNowAndTasks(t *testing.T) {
	var ran atomic.Bool
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionAutoOptimize, func(context.Context) error {
		ran.Store(true)
		return nil
	})
	s.AddTask(Task{Name: "optimize", Schedule: "@hourly", Action: ActionAutoOptimize})

	if err := s.RunNow(context.Background(), "optimize"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if !ran.Load() {
		t.Error("RunNow did not run the action")
	}
	if err := s.RunNow(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("RunNow missing = %v", err)
	}

	s.Start(context.Background())
	defer s.Stop()
	tasks := s.Tasks()
	if len(tasks) != 1 || tasks[0].Name != "optimize" || tasks[0].Action != ActionAutoOptimize {
		t.Fatalf("Tasks = %+v", tasks)
	}
	if tasks[0].Next.IsZero() {
		t.Error("next run not set after Start")
	}
}

func TestSchedulerRecordsLastError(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionHealthSweep, func(context.Context) error { return errors.New("store offline") })
	s.AddTask(Task{Name: "sweep", Schedule: "20ms", Action: ActionHealthSweep})
	s.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	tasks := s.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("Tasks = %+v", tasks)
	}
	if tasks[0].LastErr != "store offline" || tasks[0].LastRun.IsZero() {
		t.Errorf("last run not recorded: %+v", tasks[0])
	}
}

func TestSchedulerRemoveTask(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionTrimHistory, func(context.Context) error { return nil })
	s.AddTask(Task{Name: "trim", Schedule: "1h", Action: ActionTrimHistory})

	if err := s.RemoveTask("trim"); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}
	if err := s.RemoveTask("trim"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second RemoveTask = %v", err)
	}
	if n := len(s.Tasks()); n != 0 {
		t.Errorf("%d tasks left", n)
	}
}

func TestParseSchedule(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		next time.Time
	}{
		{"*/5 * * * *", now.Add(5 * time.Minute)},
		{"@hourly", now.Add(time.Hour)},
		{"30m", now.Add(30 * time.Minute)},
		{"100ms", now.Add(100 * time.Millisecond)},
	}
	for _, tt := range tests {
		sched, err := ParseSchedule(tt.in)
		if err != nil {
			t.Errorf("ParseSchedule(%q): %v", tt.in, err)
			continue
		}
		if got := sched.Next(now); !got.Equal(tt.next) {
			t.Errorf("ParseSchedule(%q).Next = %v, want %v", tt.in, got, tt.next)
		}
	}

	for _, bad := range []string{"", "not-valid", "-5m", "0s"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Errorf("ParseSchedule(%q) succeeded", bad)
		}
	}
}

func TestTasksFromConfig(t *testing.T) {
	tasks := TasksFromConfig(config.SchedulerConfig{Tasks: []config.ScheduledTaskConfig{
		{Name: "trim", Schedule: "1h", Action: "trim_history"},
	}})
	if len(tasks) != 1 || tasks[0].Action != ActionTrimHistory || tasks[0].Schedule != "1h" {
		t.Errorf("TasksFromConfig = %+v", tasks)
	}
}

type fakeRouter struct{ maxAge time.Duration }

func (f *fakeRouter) TrimHistory(maxAge time.Duration) int {
	f.maxAge = maxAge
	return 3
}

type fakeMonitor struct {
	trimmed, swept, optimized atomic.Int32
	optimizeErr               error
}

func (f *fakeMonitor) Trim() int { f.trimmed.Add(1); return 1 }

func (f *fakeMonitor) HealthSweep(context.Context) []domain.HealthReport {
	f.swept.Add(1)
	return []domain.HealthReport{{AgentID: "a", Status: domain.HealthHealthy}, {AgentID: "b", Status: domain.HealthCritical}}
}

func (f *fakeMonitor) AutoOptimize(context.Context) (domain.OptimizationReport, error) {
	f.optimized.Add(1)
	return domain.OptimizationReport{}, f.optimizeErr
}

func TestMaintenanceActions(t *testing.T) {
	router := &fakeRouter{}
	mon := &fakeMonitor{optimizeErr: errors.New("actuator down")}
	s := NewScheduler(newTestLogger())
	Maintenance{Router: router, Monitor: mon, Retention: 48 * time.Hour, Logger: newTestLogger()}.Register(s)

	err := AddTasks(s, []Task{
		{Name: "trim", Schedule: "1h", Action: ActionTrimHistory},
		{Name: "sweep", Schedule: "1h", Action: ActionHealthSweep},
		{Name: "optimize", Schedule: "1h", Action: ActionAutoOptimize},
	})
	if err != nil {
		t.Fatalf("AddTasks: %v", err)
	}

	ctx := context.Background()
	if err := s.RunNow(ctx, "trim"); err != nil {
		t.Errorf("trim: %v", err)
	}
	if router.maxAge != 48*time.Hour || mon.trimmed.Load() != 1 {
		t.Errorf("trim did not reach router and monitor: %v, %d", router.maxAge, mon.trimmed.Load())
	}
	if err := s.RunNow(ctx, "sweep"); err != nil || mon.swept.Load() != 1 {
		t.Errorf("sweep: %v, %d", err, mon.swept.Load())
	}
	if err := s.RunNow(ctx, "optimize"); err == nil || mon.optimized.Load() != 1 {
		t.Errorf("optimize: %v, %d", err, mon.optimized.Load())
	}
}

func TestMaintenanceWithoutMonitor(t *testing.T) {
	s := NewScheduler(newTestLogger())
	Maintenance{Router: &fakeRouter{}, Logger: newTestLogger()}.Register(s)

	if err := s.AddTask(Task{Name: "trim", Schedule: "1h", Action: ActionTrimHistory}); err != nil {
		t.Errorf("trim: %v", err)
	}
	if err := s.AddTask(Task{Name: "sweep", Schedule: "1h", Action: ActionHealthSweep}); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("sweep without monitor = %v", err)
	}
}
