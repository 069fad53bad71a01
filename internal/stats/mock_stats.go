package stats

import "github.com/stretchr/testify/mock"

type MockStatsUpdater struct {
	mock.Mock
}

func (m *MockStatsUpdater) Incr(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) Decr(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) Add(name string, v float64) {
	m.Called(name, v)
}
func (m *MockStatsUpdater) RegisterMetric(name, help string) {
	m.Called(name, help)
}
func (m *MockStatsUpdater) RegisterCounter(name, help string) {
	m.Called(name, help)
}
