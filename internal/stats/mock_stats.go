package stats

import "sync"

type MockStatsUpdater struct {
	mu     sync.Mutex
	counts map[string]int
}

var _ StatsProvider = (*MockStatsUpdater)(nil)

func (m *MockStatsUpdater) Incr(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[name]++
}

func (m *MockStatsUpdater) Decr(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[name]--
}

func (m *MockStatsUpdater) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

func (m *MockStatsUpdater) RegisterMetric(name string) {}

func (m *MockStatsUpdater) Run() {}
