// Package monitor samples process resource usage in the background and
// summarizes pipeline performance.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultInterval = 30 * time.Second
	maxSamples      = 100
	maxStageSamples = 50
	// slowStage is the average stage duration above which a stage is flagged.
	slowStage = 30 * time.Second
)

// Sample is one resource measurement.
type Sample struct {
	At         time.Time `json:"at"`
	HeapBytes  uint64    `json:"heap_bytes"`
	SysBytes   uint64    `json:"sys_bytes"`
	RSSBytes   uint64    `json:"rss_bytes"`
	MemPercent float64   `json:"memory_percent"`
	CPUPercent float64   `json:"cpu_percent"`
	Goroutines int       `json:"goroutines"`
}

// Sources supplies counters owned by other components.
type Sources struct {
	OracleCalls func() int64
	CacheCounts func() (hits, misses int64)
}

// Monitor records resource samples and stage durations.
type Monitor struct {
	interval time.Duration
	logger   *slog.Logger
	sources  Sources
	proc     procReader
	now      func() time.Time
	start    time.Time

	stop    atomic.Bool
	running atomic.Bool
	done    chan struct{}

	mu      sync.Mutex
	samples []Sample
	stages  map[string][]time.Duration
	lastCPU float64
	lastAt  time.Time
}

// New creates a Monitor. A non-positive interval means DefaultInterval.
func New(interval time.Duration, sources Sources, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		interval: interval,
		logger:   logger,
		sources:  sources,
		proc:     newProcReader(),
		now:      time.Now,
		start:    time.Now(),
		stages:   make(map[string][]time.Duration),
	}
}

// Start launches the sampling loop. It returns immediately; the loop ends
// when Stop is called or ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.stop.Store(false)
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
	m.logger.Info("monitor started", "interval", m.interval.String())
}

// Stop ends the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	if !m.running.Load() {
		return
	}
	m.stop.Store(true)
	<-m.done
	m.running.Store(false)
	m.logger.Info("monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// The stop flag is polled at most every pollEvery so Stop never waits a
	// full interval.
	pollEvery := min(m.interval, 100*time.Millisecond)
	poll := time.NewTicker(pollEvery)
	defer poll.Stop()

	m.Sample()
	for !m.stop.Load() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		case <-poll.C:
		}
	}
}

// Sample takes one measurement and appends it to the history.
func (m *Monitor) Sample() Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	now := m.now()
	s := Sample{
		At:         now,
		HeapBytes:  ms.HeapAlloc,
		SysBytes:   ms.Sys,
		Goroutines: runtime.NumGoroutine(),
	}

	stat, err := m.proc.read()
	if err != nil {
		m.logger.Debug("process stats unavailable", "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		s.RSSBytes = stat.rss
		if stat.memTotal > 0 {
			s.MemPercent = round2(float64(stat.memTotal-stat.memAvailable) / float64(stat.memTotal) * 100)
		}
		if !m.lastAt.IsZero() {
			if wall := now.Sub(m.lastAt).Seconds(); wall > 0 {
				s.CPUPercent = round2((stat.cpuSeconds - m.lastCPU) / wall * 100)
			}
		}
		m.lastCPU, m.lastAt = stat.cpuSeconds, now
	}
	m.samples = append(m.samples, s)
	if len(m.samples) > maxSamples {
		m.samples = m.samples[len(m.samples)-maxSamples:]
	}
	return s
}

// RecordStage records how long a pipeline stage took.
func (m *Monitor) RecordStage(stage string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := append(m.stages[stage], d)
	if len(h) > maxStageSamples {
		h = h[len(h)-maxStageSamples:]
	}
	m.stages[stage] = h
}

// Samples returns a copy of the sample history.
func (m *Monitor) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sample(nil), m.samples...)
}

// CacheReport summarizes cache effectiveness across namespaces.
type CacheReport struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Report is a point-in-time performance summary.
type Report struct {
	Timestamp       time.Time          `json:"timestamp"`
	UptimeSeconds   float64            `json:"uptime_seconds"`
	Uptime          string             `json:"uptime_human"`
	OracleCalls     int64              `json:"oracle_calls_total"`
	Cache           CacheReport        `json:"cache_performance"`
	StageAverages   map[string]float64 `json:"average_processing_seconds"`
	Current         *Sample            `json:"current_system_status,omitempty"`
	Recommendations []string           `json:"performance_recommendations"`
}

// Report summarizes uptime, oracle usage, cache hit rate, stage timings and
// the latest resource sample.
func (m *Monitor) Report() Report {
	now := m.now()
	uptime := now.Sub(m.start)
	r := Report{
		Timestamp:     now,
		UptimeSeconds: math.Round(uptime.Seconds()),
		Uptime:        formatUptime(uptime),
		StageAverages: make(map[string]float64),
	}
	if m.sources.OracleCalls != nil {
		r.OracleCalls = m.sources.OracleCalls()
	}
	if m.sources.CacheCounts != nil {
		r.Cache.Hits, r.Cache.Misses = m.sources.CacheCounts()
		if total := r.Cache.Hits + r.Cache.Misses; total > 0 {
			r.Cache.HitRate = round2(float64(r.Cache.Hits) / float64(total) * 100)
		}
	}

	m.mu.Lock()
	averages := make(map[string]time.Duration, len(m.stages))
	for stage, ds := range m.stages {
		if len(ds) == 0 {
			continue
		}
		var sum time.Duration
		for _, d := range ds {
			sum += d
		}
		avg := sum / time.Duration(len(ds))
		averages[stage] = avg
		r.StageAverages[stage] = round2(avg.Seconds())
	}
	var recentMem []float64
	if n := len(m.samples); n > 0 {
		cur := m.samples[n-1]
		r.Current = &cur
		for _, s := range m.samples[max(0, n-10):] {
			recentMem = append(recentMem, s.MemPercent)
		}
	}
	m.mu.Unlock()

	r.Recommendations = recommend(r.Cache, averages, recentMem)
	return r
}

func recommend(c CacheReport, stages map[string]time.Duration, recentMem []float64) []string {
	var out []string
	if c.Hits+c.Misses > 0 && c.HitRate < 50 {
		out = append(out, "cache hit rate is low; review cache TTLs and keys")
	}
	if len(recentMem) > 0 {
		var sum float64
		for _, v := range recentMem {
			sum += v
		}
		if sum/float64(len(recentMem)) > 80 {
			out = append(out, "memory usage is high")
		}
	}
	for stage, avg := range stages {
		if avg > slowStage {
			out = append(out, fmt.Sprintf("stage %s averages %s; consider smaller batches or more workers", stage, avg.Round(time.Second)))
		}
	}
	if len(out) == 0 {
		out = append(out, "performance is good")
	}
	return out
}

func formatUptime(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%02dm", h, m)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
