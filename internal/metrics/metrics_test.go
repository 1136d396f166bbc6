package metrics

import (
	"io"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testRegOnce sync.Once
	testReg     *prometheus.Registry
)

// registry registers the package collectors exactly once for the whole test binary.
func registry(t *testing.T) *prometheus.Registry {
	t.Helper()
	testRegOnce.Do(func() {
		testReg = prometheus.NewRegistry()
		require.NoError(t, Register(testReg))
	})
	return testReg
}

func names(t *testing.T, g prometheus.Gatherer) map[string]bool {
	t.Helper()
	mfs, err := g.Gather()
	require.NoError(t, err)
	out := map[string]bool{}
	for _, mf := range mfs {
		out[mf.GetName()] = len(mf.GetMetric()) > 0
	}
	return out
}

func TestRegisterIdempotentAndHelpersRecord(t *testing.T) {
	reg := registry(t)
	require.NoError(t, Register(reg))

	ObserveOperation("manager", "start", true, 150*time.Millisecond)
	ObserveOperation("manager", "start", false, time.Second)
	RecordStateTransition("absent", "starting")
	SetManagedRunning(true)

	got := names(t, reg)
	for _, n := range []string{
		"couchctl_operation_total",
		"couchctl_operation_duration_seconds",
		"couchctl_managed_state_transitions_total",
		"couchctl_managed_running",
	} {
		assert.True(t, got[n], "expected samples for %s", n)
	}
}

func TestHandlerForServesExposition(t *testing.T) {
	reg := registry(t)
	ObserveOperation("native", "stop", true, time.Millisecond)

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Result().Body)
	assert.Contains(t, string(body), `couchctl_operation_total{component="native",operation="stop",outcome="success"}`)
}

func TestResourceCollectorRing(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{Enabled: true, MaxHistory: 3})
	n := int32(0)
	c.sample = func(pid int32) (Sample, error) {
		n++
		return Sample{PID: pid, CPUPercent: float64(n)}, nil
	}
	_, ok := c.Latest()
	assert.False(t, ok)

	for i := 0; i < 5; i++ {
		c.Collect(42)
	}
	h := c.History()
	require.Len(t, h, 3)
	assert.Equal(t, []float64{3, 4, 5}, []float64{h[0].CPUPercent, h[1].CPUPercent, h[2].CPUPercent})
	last, ok := c.Latest()
	require.True(t, ok)
	assert.Equal(t, 5.0, last.CPUPercent)

	// pid 0 resets gauges without adding history
	c.Collect(0)
	assert.Len(t, c.History(), 3)
}

func TestResourceCollectorSamplesSelf(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{Enabled: true})
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))

	c.Collect(os.Getpid())
	s, ok := c.Latest()
	require.True(t, ok)
	assert.Equal(t, int32(os.Getpid()), s.PID)
	assert.Greater(t, s.MemoryRSS, uint64(0))

	got := names(t, reg)
	assert.True(t, got["couchctl_managed_memory_rss_bytes"])
}

func TestResourceCollectorStartStop(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{Enabled: true, Interval: 10 * time.Millisecond})
	var mu sync.Mutex
	calls := 0
	c.sample = func(pid int32) (Sample, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return Sample{PID: pid}, nil
	}
	c.Start(t.Context(), func() int { return 7 })
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, 2*time.Second, 5*time.Millisecond)
	c.Stop()
	c.Stop()
}

func TestDisabledCollectorIsInert(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{})
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))
	c.Start(t.Context(), func() int { return 1 })
	c.Stop()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, mfs)
}

func TestRegisterServesEveryRegistry(t *testing.T) {
	registry(t)
	second := prometheus.NewRegistry()
	require.NoError(t, Register(second))
	require.NoError(t, Register(second))

	ObserveOperation("autoconfig", "configure", true, time.Millisecond)
	assert.True(t, names(t, second)["couchctl_operation_total"])
	assert.True(t, names(t, registry(t))["couchctl_operation_total"])
}

func TestResourceCollectorReplacesEarlierGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewResourceCollector(ResourceConfig{Enabled: true})
	require.NoError(t, first.Register(reg))

	second := NewResourceCollector(ResourceConfig{Enabled: true})
	second.sample = func(pid int32) (Sample, error) { return Sample{PID: pid, MemoryRSS: 42}, nil }
	require.NoError(t, second.Register(reg))
	second.Collect(9)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	var rss float64
	for _, mf := range mfs {
		if mf.GetName() == "couchctl_managed_memory_rss_bytes" {
			rss = mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, 42.0, rss)
}
