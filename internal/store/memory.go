package store

import (
	"HeavySpectra/internal/config"
	"HeavySpectra/internal/model"
	"context"
	"sync"
)

func init() {
	Register("memory", func(config.StoreConfig) (model.Store, error) {
		return NewMemory(), nil
	})
}

// Memory keeps window results in process. It is the reference behavior for
// the other backends.
type Memory struct {
	mu      sync.RWMutex
	windows map[string]*model.WindowResult
	latest  string
}

func NewMemory() *Memory {
	return &Memory{windows: make(map[string]*model.WindowResult)}
}

func (m *Memory) AppendWindow(ctx context.Context, r *model.WindowResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[r.WindowID] = cloneResult(r)
	if cur, ok := m.windows[m.latest]; !ok || !r.End.Before(cur.End) {
		m.latest = r.WindowID
	}
	return nil
}

func (m *Memory) ReadCurrentWindow(ctx context.Context) (*model.WindowResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.windows[m.latest]
	if !ok {
		return nil, model.ErrNotFound
	}
	return cloneResult(r), nil
}

// Len returns the number of distinct windows stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.windows)
}

func (m *Memory) Close() error { return nil }
