package writecache

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"rastercache/internal/metrics"
	"rastercache/internal/stream"
)

// WriteCache holds one VariableCache per variable, keyed by identity.
type WriteCache struct {
	mu        sync.Mutex
	log       *zap.Logger
	rec       metrics.Recorder
	variables map[*Variable]*VariableCache
}

// New creates an empty write cache. log and rec may be nil.
func New(log *zap.Logger, rec metrics.Recorder) *WriteCache {
	if log == nil {
		log = zap.NewNop()
	}
	if rec == nil {
		rec = metrics.Noop()
	}
	return &WriteCache{
		log:       log,
		rec:       rec,
		variables: make(map[*Variable]*VariableCache),
	}
}

// Get returns the cache of v, creating it on first use.
func (w *WriteCache) Get(v *Variable) (*VariableCache, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.variables[v]; ok {
		return c, nil
	}
	c, err := NewVariableCache(v)
	if err != nil {
		return nil, err
	}
	c.log = w.log
	c.rec = w.rec
	w.variables[v] = c
	w.log.Debug("Created write cache",
		zap.String("variable", v.Name),
		zap.Int("blocks", len(c.blocks)),
	)
	return c, nil
}

func (w *WriteCache) snapshot() []*VariableCache {
	w.mu.Lock()
	defer w.mu.Unlock()
	caches := make([]*VariableCache, 0, len(w.variables))
	for _, c := range w.variables {
		caches = append(caches, c)
	}
	return caches
}

// Flush flushes the complete blocks of every variable. It keeps going after a
// failing variable and returns the combined errors.
func (w *WriteCache) Flush(ctx context.Context, sink stream.Sink) (int, error) {
	var (
		total int
		errs  error
	)
	for _, c := range w.snapshot() {
		n, err := c.Flush(ctx, sink)
		total += n
		errs = multierr.Append(errs, err)
	}
	return total, errs
}

// Pending returns the number of retained blocks over all variables.
func (w *WriteCache) Pending() int {
	n := 0
	for _, c := range w.snapshot() {
		n += c.Pending()
	}
	return n
}

// Remove forgets the cache of v.
func (w *WriteCache) Remove(v *Variable) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.variables, v)
}
