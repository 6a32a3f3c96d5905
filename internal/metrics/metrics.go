// Package metrics tracks operational counters for chatrelay.
// Use dot import to access MetricInc, MetricSet, etc. directly.
package metrics

import (
	"sync"
	"time"
)

// CounterStat tracks incrementing values
type CounterStat struct {
	Value int64     `json:"value"`
	Last  time.Time `json:"last"`
}

// GaugeStat tracks values that can go up or down
type GaugeStat struct {
	Value int64     `json:"value"`
	Min   int64     `json:"min"`
	Max   int64     `json:"max"`
	Last  time.Time `json:"last"`
}

// TimingStat tracks duration statistics
type TimingStat struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Last  time.Duration `json:"last"`
}

// Manager is the global metrics manager
type Manager struct {
	mu       sync.RWMutex
	started  time.Time
	counters map[string]*CounterStat
	gauges   map[string]*GaugeStat
	timings  map[string]*TimingStat
}

var (
	instance *Manager
	once     sync.Once
)

// GetInstance returns the singleton metrics manager
func GetInstance() *Manager {
	once.Do(func() {
		instance = &Manager{
			started:  time.Now(),
			counters: make(map[string]*CounterStat),
			gauges:   make(map[string]*GaugeStat),
			timings:  make(map[string]*TimingStat),
		}
	})
	return instance
}

// AddCounter adds delta to the named counter
func (m *Manager) AddCounter(name string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[name]
	if !ok {
		c = &CounterStat{}
		m.counters[name] = c
	}
	c.Value += delta
	c.Last = time.Now()
}

// SetGauge sets the named gauge to value
func (m *Manager) SetGauge(name string, value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.gauges[name]
	if !ok {
		g = &GaugeStat{Min: value, Max: value}
		m.gauges[name] = g
	}
	g.Value = value
	if value < g.Min {
		g.Min = value
	}
	if value > g.Max {
		g.Max = value
	}
	g.Last = time.Now()
}

// RecordDuration records a duration against the named timing
func (m *Manager) RecordDuration(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timings[name]
	if !ok {
		t = &TimingStat{Min: d, Max: d}
		m.timings[name] = t
	}
	t.Count++
	t.Total += d
	if d < t.Min {
		t.Min = d
	}
	if d > t.Max {
		t.Max = d
	}
	t.Last = d
}

// Report holds a point-in-time view of all metrics
type Report struct {
	Uptime   string                  `json:"uptime"`
	Counters map[string]CounterStat  `json:"counters"`
	Gauges   map[string]GaugeStat    `json:"gauges"`
	Timings  map[string]TimingStat   `json:"timings"`
}

// Export returns a snapshot of all metrics for JSON serialization
func (m *Manager) Export() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Report{
		Uptime:   time.Since(m.started).Round(time.Second).String(),
		Counters: make(map[string]CounterStat, len(m.counters)),
		Gauges:   make(map[string]GaugeStat, len(m.gauges)),
		Timings:  make(map[string]TimingStat, len(m.timings)),
	}
	for name, c := range m.counters {
		snap.Counters[name] = *c
	}
	for name, g := range m.gauges {
		snap.Gauges[name] = *g
	}
	for name, t := range m.timings {
		snap.Timings[name] = *t
	}
	return snap
}

// Global functions for dot-import usage

// MetricInc increments a counter by 1
func MetricInc(name string) {
	GetInstance().AddCounter(name, 1)
}

// MetricAdd adds a value to a counter
func MetricAdd(name string, delta int64) {
	GetInstance().AddCounter(name, delta)
}

// MetricSet sets a gauge value
func MetricSet(name string, value int64) {
	GetInstance().SetGauge(name, value)
}

// MetricDuration records a duration
func MetricDuration(name string, d time.Duration) {
	GetInstance().RecordDuration(name, d)
}

// MetricSince records the elapsed time since start
func MetricSince(name string, start time.Time) {
	GetInstance().RecordDuration(name, time.Since(start))
}
