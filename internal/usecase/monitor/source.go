package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"mosaic-ai/internal/domain"
)

// MetricsSource samples process resource usage.
type MetricsSource interface {
	Sample(ctx context.Context) (domain.ResourceUsage, error)
}

// StaticSource returns a fixed sample. Used for tests and for deployments
// where process metrics are collected elsewhere.
type StaticSource struct {
	mu    sync.Mutex
	usage domain.ResourceUsage
}

// NewStaticSource creates a StaticSource reporting usage.
func NewStaticSource(usage domain.ResourceUsage) *StaticSource {
	return &StaticSource{usage: usage}
}

// Set replaces the reported sample.
func (s *StaticSource) Set(usage domain.ResourceUsage) {
	s.mu.Lock()
	s.usage = usage
	s.mu.Unlock()
}

func (s *StaticSource) Sample(context.Context) (domain.ResourceUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage, nil
}

// ProcSource reads this process's CPU and memory use from /proc. CPU is the
// share of all cores used since the previous sample.
type ProcSource struct {
	fs       procfs.FS
	sessions func() int // optional active session count
	now      func() time.Time

	mu      sync.Mutex
	lastCPU float64
	lastAt  time.Time
}

// NewProcSource opens the default /proc mount.
func NewProcSource(sessions func() int) (*ProcSource, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcSource{fs: fs, sessions: sessions, now: time.Now}, nil
}

func (s *ProcSource) Sample(ctx context.Context) (domain.ResourceUsage, error) {
	if err := ctx.Err(); err != nil {
		return domain.ResourceUsage{}, err
	}
	proc, err := s.fs.Self()
	if err != nil {
		return domain.ResourceUsage{}, fmt.Errorf("read self: %w", err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return domain.ResourceUsage{}, fmt.Errorf("read stat: %w", err)
	}
	now := s.now()
	cpu := stat.CPUTime()

	s.mu.Lock()
	since, prev := s.lastAt, s.lastCPU
	if since.IsZero() {
		if start, err := stat.StartTime(); err == nil {
			since = time.Unix(0, int64(start*float64(time.Second)))
		}
		prev = 0
	}
	s.lastAt, s.lastCPU = now, cpu
	s.mu.Unlock()

	var usage domain.ResourceUsage
	if elapsed := now.Sub(since).Seconds(); elapsed > 0 {
		usage.CPUPercent = clamp(100*(cpu-prev)/elapsed/float64(runtime.NumCPU()), 0, 100)
	}
	if mi, err := s.fs.Meminfo(); err == nil && mi.MemTotal != nil && *mi.MemTotal > 0 {
		total := float64(*mi.MemTotal) * 1024
		usage.MemoryPercent = clamp(100*float64(stat.ResidentMemory())/total, 0, 100)
	}
	if s.sessions != nil {
		usage.ActiveSessions = s.sessions()
	}
	return usage, nil
}
