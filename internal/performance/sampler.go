package performance

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/procfs"

	"tutor/internal/logging"
)

// ResourceUsage is an instantaneous read of memory and CPU.
type ResourceUsage struct {
	MemoryMB   float64   `json:"memory_mb"`
	CPUPercent float64   `json:"cpu_percent"`
	SampledAt  time.Time `json:"sampled_at"`
}

// Probe reads current resource usage.
type Probe interface {
	Usage() (ResourceUsage, error)
}

// ProcProbe reads resident memory and CPU time from /proc/self.
type ProcProbe struct {
	proc procfs.Proc

	mu      sync.Mutex
	lastCPU float64
	lastAt  time.Time
}

// NewProcProbe opens /proc/self.
func NewProcProbe() (*ProcProbe, error) {
	proc, err := procfs.Self()
	if err != nil {
		return nil, fmt.Errorf("open /proc/self: %w", err)
	}
	return &ProcProbe{proc: proc}, nil
}

// Usage returns RSS and CPU utilisation since the previous call. The first
// call reports zero CPU.
func (p *ProcProbe) Usage() (ResourceUsage, error) {
	stat, err := p.proc.Stat()
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("read process stat: %w", err)
	}
	now := time.Now()
	cpu := stat.CPUTime()

	p.mu.Lock()
	var pct float64
	if !p.lastAt.IsZero() {
		if elapsed := now.Sub(p.lastAt).Seconds(); elapsed > 0 {
			pct = 100 * (cpu - p.lastCPU) / elapsed
		}
	}
	p.lastCPU, p.lastAt = cpu, now
	p.mu.Unlock()

	if pct < 0 {
		pct = 0
	}
	return ResourceUsage{
		MemoryMB:   float64(stat.ResidentMemory()) / (1024 * 1024),
		CPUPercent: pct,
		SampledAt:  now,
	}, nil
}

// RuntimeProbe reports memory obtained from the OS by the Go runtime. It is
// used where procfs is unavailable and never reports CPU.
type RuntimeProbe struct{}

// Usage implements Probe.
func (RuntimeProbe) Usage() (ResourceUsage, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ResourceUsage{MemoryMB: float64(ms.Sys) / (1024 * 1024), SampledAt: time.Now()}, nil
}

// SystemProbe reports host memory in use (MemTotal minus MemAvailable), which
// includes the model server, with CPU taken from a process probe.
type SystemProbe struct {
	fs  procfs.FS
	cpu Probe
}

// NewSystemProbe reads /proc/meminfo for memory and /proc/self for CPU.
func NewSystemProbe() (*SystemProbe, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open /proc: %w", err)
	}
	cpu, err := NewProcProbe()
	if err != nil {
		return nil, err
	}
	return &SystemProbe{fs: fs, cpu: cpu}, nil
}

// Usage implements Probe.
func (p *SystemProbe) Usage() (ResourceUsage, error) {
	info, err := p.fs.Meminfo()
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("read meminfo: %w", err)
	}
	used, err := usedMemoryMB(info)
	if err != nil {
		return ResourceUsage{}, err
	}
	usage := ResourceUsage{SampledAt: time.Now()}
	if p.cpu != nil {
		if cpu, err := p.cpu.Usage(); err == nil {
			usage = cpu
		}
	}
	usage.MemoryMB = used
	return usage, nil
}

// usedMemoryMB derives used memory from meminfo kB fields. Kernels without
// MemAvailable fall back to free plus buffers plus page cache.
func usedMemoryMB(m procfs.Meminfo) (float64, error) {
	if m.MemTotal == nil {
		return 0, fmt.Errorf("meminfo has no MemTotal")
	}
	total := *m.MemTotal
	var available uint64
	switch {
	case m.MemAvailable != nil:
		available = *m.MemAvailable
	case m.MemFree != nil:
		available = *m.MemFree
		if m.Buffers != nil {
			available += *m.Buffers
		}
		if m.Cached != nil {
			available += *m.Cached
		}
	default:
		return 0, fmt.Errorf("meminfo has neither MemAvailable nor MemFree")
	}
	if available >= total {
		return 0, nil
	}
	return float64(total-available) / 1024, nil
}

// DefaultProbe prefers system memory from procfs, then the process RSS, then
// the runtime.
func DefaultProbe(logger logging.Logger) Probe {
	logger = logging.OrNop(logger)
	system, err := NewSystemProbe()
	if err == nil {
		return system
	}
	logger.Warn("system meminfo unavailable, falling back to process memory: %v", err)
	proc, err := NewProcProbe()
	if err != nil {
		logger.Warn("procfs unavailable, falling back to runtime memory stats: %v", err)
		return RuntimeProbe{}
	}
	return proc
}

// Sampler polls a Probe on an interval so callers outside the query path can
// read resource usage without touching /proc themselves.
type Sampler struct {
	probe    Probe
	interval time.Duration
	logger   logging.Logger
	metrics  *Metrics

	current atomic.Pointer[ResourceUsage]
}

// NewSampler builds a sampler. A non-positive interval defaults to 2s.
func NewSampler(probe Probe, interval time.Duration, logger logging.Logger, metrics *Metrics) *Sampler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if probe == nil {
		probe = RuntimeProbe{}
	}
	return &Sampler{probe: probe, interval: interval, logger: logging.OrNop(logger), metrics: metrics}
}

// Run samples until ctx is done.
func (s *Sampler) Run(ctx context.Context) error {
	s.sample()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() (ResourceUsage, bool) {
	usage, err := s.probe.Usage()
	if err != nil {
		s.logger.Debug("Resource sample failed: %v", err)
		return ResourceUsage{}, false
	}
	s.current.Store(&usage)
	s.metrics.setUsage(usage)
	return usage, true
}

// Current returns the latest sample, taking one synchronously if the
// background loop has not produced one yet.
func (s *Sampler) Current() ResourceUsage {
	if cur := s.current.Load(); cur != nil {
		return *cur
	}
	usage, _ := s.sample()
	return usage
}

// MemoryMB returns the latest sampled resident memory.
func (s *Sampler) MemoryMB() float64 {
	return s.Current().MemoryMB
}
