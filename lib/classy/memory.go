package classy

import (
	"context"
	"sync"
)

// MemCounter is an in-memory Counter. Safe for concurrent use.
type MemCounter struct {
	lock     sync.RWMutex
	features map[string]map[string]int // feature -> category -> count
	cats     map[string]int
	order    []string // categories in registration order
}

// NewMemCounter makes an empty MemCounter
func NewMemCounter() *MemCounter {
	return &MemCounter{features: make(map[string]map[string]int), cats: make(map[string]int)}
}

// IncFeature increments the count of the feature in the category
func (m *MemCounter) IncFeature(_ context.Context, feature, category string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.incFeature(feature, category)
	return nil
}

// IncCategory increments the count of the category
func (m *MemCounter) IncCategory(_ context.Context, category string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.incCategory(category)
	return nil
}

// Learn increments all features and the category under a single lock
func (m *MemCounter) Learn(_ context.Context, category string, features []string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, f := range features {
		m.incFeature(f, category)
	}
	m.incCategory(category)
	return nil
}

// FeatureCount returns the count of the feature in the category
func (m *MemCounter) FeatureCount(_ context.Context, feature, category string) (int, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.features[feature][category], nil
}

// CategoryCount returns the count of the category
func (m *MemCounter) CategoryCount(_ context.Context, category string) (int, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.cats[category], nil
}

// TotalCount returns the sum of all category counts
func (m *MemCounter) TotalCount(_ context.Context) (int, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	total := 0
	for _, c := range m.cats {
		total += c
	}
	return total, nil
}

// Categories returns all known categories in registration order
func (m *MemCounter) Categories(_ context.Context) ([]string, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	res := make([]string, len(m.order))
	copy(res, m.order)
	return res, nil
}

// Reset drops all counts
func (m *MemCounter) Reset(_ context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.features = make(map[string]map[string]int)
	m.cats = make(map[string]int)
	m.order = nil
	return nil
}

func (m *MemCounter) incFeature(feature, category string) {
	if _, ok := m.features[feature]; !ok {
		m.features[feature] = make(map[string]int)
	}
	m.features[feature][category]++
}

func (m *MemCounter) incCategory(category string) {
	if _, ok := m.cats[category]; !ok {
		m.order = append(m.order, category)
	}
	m.cats[category]++
}
