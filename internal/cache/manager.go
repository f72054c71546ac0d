package cache

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ID identifies a reader registered with a Manager.
type ID = uuid.UUID

// budget caps the payload bytes retained by all readers of one Manager. A nil
// budget is unlimited.
type budget struct {
	sem *semaphore.Weighted
}

func newBudget(limitBytes int64) *budget {
	if limitBytes <= 0 {
		return nil
	}
	return &budget{sem: semaphore.NewWeighted(limitBytes)}
}

func (b *budget) tryAcquire(n int64) bool {
	if b == nil || n <= 0 {
		return true
	}
	return b.sem.TryAcquire(n)
}

func (b *budget) release(n int64) {
	if b == nil || n <= 0 {
		return
	}
	b.sem.Release(n)
}

// Manager keeps track of the live readers of a process.
type Manager struct {
	mu         sync.RWMutex
	log        *zap.Logger
	limitBytes int64
	budget     *budget
	readers    map[ID]RegionReader
}

// NewManager creates an empty manager. limitBytes <= 0 disables the memory budget.
func NewManager(limitBytes int64, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:        log,
		limitBytes: limitBytes,
		budget:     newBudget(limitBytes),
		readers:    make(map[ID]RegionReader),
	}
}

// Register adds r and returns its identity. Readers that retain tiles draw from
// the manager's memory budget.
func (m *Manager) Register(r RegionReader) ID {
	id := uuid.New()
	if reg, ok := r.(registrant); ok {
		reg.register(id, m.budget)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.readers[id] = r
	m.log.Debug("Registered reader", zap.String("id", id.String()), zap.Int("readers", len(m.readers)))
	return id
}

// Get returns the reader registered under id.
func (m *Manager) Get(id ID) (RegionReader, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.readers[id]
	return r, ok
}

// Remove disposes and forgets the reader registered under id.
func (m *Manager) Remove(id ID) bool {
	m.mu.Lock()
	r, ok := m.readers[id]
	delete(m.readers, id)
	m.mu.Unlock()

	if !ok {
		return false
	}
	r.Dispose()
	m.log.Debug("Removed reader", zap.String("id", id.String()))
	return true
}

// SizeInBytes sums the payload bytes of all registered readers.
func (m *Manager) SizeInBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, r := range m.readers {
		total += r.SizeInBytes()
	}
	return total
}

// Len returns the number of registered readers.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.readers)
}

// LimitBytes returns the configured memory budget, 0 when unlimited.
func (m *Manager) LimitBytes() int64 {
	if m.limitBytes < 0 {
		return 0
	}
	return m.limitBytes
}

// Dispose disposes every registered reader and leaves the manager empty. Calling
// it again is a no-op.
func (m *Manager) Dispose() {
	m.mu.Lock()
	readers := m.readers
	m.readers = make(map[ID]RegionReader)
	m.mu.Unlock()

	for _, r := range readers {
		r.Dispose()
	}
	if len(readers) > 0 {
		m.log.Info("Disposed cache manager", zap.Int("readers", len(readers)))
	}
}

// Registry hands out a process-wide Manager, created on first use and replaced
// after Dispose.
type Registry struct {
	mu         sync.Mutex
	limitBytes int64
	log        *zap.Logger
	manager    *Manager
}

func NewRegistry(limitBytes int64, log *zap.Logger) *Registry {
	return &Registry{limitBytes: limitBytes, log: log}
}

// Instance returns the current manager, creating it if needed.
func (r *Registry) Instance() *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.manager == nil {
		r.manager = NewManager(r.limitBytes, r.log)
	}
	return r.manager
}

// Dispose disposes the current manager, if any. The next Instance call returns a
// fresh one.
func (r *Registry) Dispose() {
	r.mu.Lock()
	m := r.manager
	r.manager = nil
	r.mu.Unlock()

	if m != nil {
		m.Dispose()
	}
}
