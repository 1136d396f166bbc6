package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one resource reading of the managed database server.
type Sample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig configures the sampler.
type ResourceConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// PIDFunc returns the pid to sample, or 0 when nothing is running.
type PIDFunc func() int

// ResourceCollector periodically samples CPU and memory of a single pid
// and keeps a fixed-size ring of readings.
type ResourceCollector struct {
	enabled  bool
	interval time.Duration

	mu      sync.RWMutex
	ring    []Sample
	start   int
	count   int
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	cpu     prometheus.Gauge
	rss     prometheus.Gauge
	threads prometheus.Gauge
	fds     prometheus.Gauge

	sample func(pid int32) (Sample, error)
}

func NewResourceCollector(cfg ResourceConfig) *ResourceCollector {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "couchctl", Subsystem: "managed", Name: name, Help: help,
		})
	}
	return &ResourceCollector{
		enabled:  cfg.Enabled,
		interval: cfg.Interval,
		ring:     make([]Sample, cfg.MaxHistory),
		stopCh:   make(chan struct{}),
		cpu:      gauge("cpu_percent", "CPU usage of the managed database server."),
		rss:      gauge("memory_rss_bytes", "Resident memory of the managed database server."),
		threads:  gauge("num_threads", "Threads of the managed database server."),
		fds:      gauge("num_fds", "Open file descriptors of the managed database server (Unix only)."),
		sample:   readSample,
	}
}

// Register adds the gauges to r, replacing gauges of an earlier collector
// under the same names. Disabled collectors register nothing.
func (c *ResourceCollector) Register(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	cs := []prometheus.Collector{c.cpu, c.rss, c.threads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.fds)
	}
	for _, col := range cs {
		err := r.Register(col)
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if are.ExistingCollector == col {
				continue
			}
			r.Unregister(are.ExistingCollector)
			err = r.Register(col)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Start samples pid() every interval until ctx is done or Stop is called.
func (c *ResourceCollector) Start(ctx context.Context, pid PIDFunc) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(pid())
			}
		}
	}()
}

func (c *ResourceCollector) Stop() {
	c.stopped.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one reading. A zero pid resets the gauges.
func (c *ResourceCollector) Collect(pid int) {
	if pid <= 0 {
		c.cpu.Set(0)
		c.rss.Set(0)
		c.threads.Set(0)
		c.fds.Set(0)
		return
	}
	s, err := c.sample(int32(pid))
	if err != nil {
		slog.Debug("resource sample failed", "component", "metrics", "pid", pid, "error", err)
		return
	}
	c.cpu.Set(s.CPUPercent)
	c.rss.Set(float64(s.MemoryRSS))
	c.threads.Set(float64(s.NumThreads))
	if s.NumFDs > 0 {
		c.fds.Set(float64(s.NumFDs))
	}

	c.mu.Lock()
	size := len(c.ring)
	if c.count < size {
		c.ring[(c.start+c.count)%size] = s
		c.count++
	} else {
		c.ring[c.start] = s
		c.start = (c.start + 1) % size
	}
	c.mu.Unlock()
}

// History returns readings oldest first.
func (c *ResourceCollector) History() []Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Sample, 0, c.count)
	for i := 0; i < c.count; i++ {
		out = append(out, c.ring[(c.start+i)%len(c.ring)])
	}
	return out
}

// Latest returns the most recent reading.
func (c *ResourceCollector) Latest() (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.count == 0 {
		return Sample{}, false
	}
	return c.ring[(c.start+c.count-1)%len(c.ring)], true
}

func readSample(pid int32) (Sample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return Sample{}, fmt.Errorf("open process %d: %w", pid, err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Sample{}, fmt.Errorf("memory info: %w", err)
	}
	s := Sample{PID: pid, MemoryRSS: mem.RSS, MemoryVMS: mem.VMS, Timestamp: time.Now()}
	if cpu, err := proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		s.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			s.NumFDs = n
		}
	}
	return s, nil
}
