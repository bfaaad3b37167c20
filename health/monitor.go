package health

import (
	"sort"
	"sync"
	"time"
)

// Checker reports its own health on demand
type Checker interface {
	Health() Status
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func() Status

// Health calls f
func (f CheckerFunc) Health() Status { return f() }

// Monitor tracks pushed statuses and polls registered checkers
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	checkers map[string]Checker
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		checkers: make(map[string]Checker),
	}
}

// Register adds a checker polled on every Get/AggregateHealth call
func (m *Monitor) Register(name string, c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

// Update records a pushed status for name
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// Get returns the status for name, polling its checker if one is registered
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	c, hasChecker := m.checkers[name]
	status, exists := m.statuses[name]
	m.mu.RUnlock()

	if hasChecker {
		s := c.Health()
		s.Component = name
		return s, true
	}
	return status, exists
}

// Remove removes a component from monitoring
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.checkers, name)
}

// GetAll returns every status, sorted by component name
func (m *Monitor) GetAll() []Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.statuses)+len(m.checkers))
	for name := range m.statuses {
		names = append(names, name)
	}
	for name := range m.checkers {
		if _, dup := m.statuses[name]; !dup {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()

	sort.Strings(names)
	out := make([]Status, 0, len(names))
	for _, name := range names {
		if s, ok := m.Get(name); ok {
			out = append(out, s)
		}
	}
	return out
}

// AggregateHealth returns an aggregated health status for the entire system
func (m *Monitor) AggregateHealth(systemName string) Status {
	return Aggregate(systemName, m.GetAll())
}
