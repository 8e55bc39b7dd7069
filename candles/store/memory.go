package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linluma/signalwatch/shared/models"
)

// MemoryStore keeps signals in process memory
type MemoryStore struct {
	mutex   sync.RWMutex
	signals map[int64]models.Signal
	nextID  int64
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{signals: make(map[int64]models.Signal)}
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]models.Signal, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	out := make([]models.Signal, 0, len(m.signals))
	for _, s := range m.signals {
		if s.IsActive {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (models.Signal, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	s, ok := m.signals[id]
	if !ok {
		return models.Signal{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, s models.Signal) (models.Signal, error) {
	if err := validateSignal(s); err != nil {
		return models.Signal{}, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if s.ID == 0 {
		m.nextID++
		s.ID = m.nextID
	} else if s.ID > m.nextID {
		m.nextID = s.ID
	}
	if stored, ok := m.signals[s.ID]; ok {
		s = keepHits(s, stored)
	} else {
		s = s.Clone()
	}
	m.signals[s.ID] = s
	return s.Clone(), nil
}

func (m *MemoryStore) MarkTakeProfitsHit(ctx context.Context, id int64, levels []int, at time.Time) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s, ok := m.signals[id]
	if !ok {
		return ErrNotFound
	}
	s = s.Clone()
	if markHits(&s, levels, at) {
		m.signals[id] = s
	}
	return nil
}

func (m *MemoryStore) UpdatePrice(ctx context.Context, id int64, price float64, at time.Time) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s, ok := m.signals[id]
	if !ok {
		return ErrNotFound
	}
	setPrice(&s, price, at)
	m.signals[id] = s
	return nil
}
