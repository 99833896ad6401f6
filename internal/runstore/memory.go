package runstore

import (
	"context"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// memoryRun holds all state for a single run in memory.
type memoryRun struct {
	ec        *types.ExecutionContext
	expiresAt time.Time
}

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.Mutex
	runs   map[string]*memoryRun
	config *Config
	now    func() time.Time
}

// NewMemoryStore creates a new in-memory Store.
func NewMemoryStore(cfg *Config) *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]*memoryRun),
		config: cfg.withDefaults(),
		now:    time.Now,
	}
}

// get returns the live run, dropping it when its TTL has passed.
// Caller holds s.mu.
func (s *MemoryStore) get(wf string) (*memoryRun, bool) {
	r, ok := s.runs[wf]
	if !ok {
		return nil, false
	}
	if !r.expiresAt.IsZero() && s.now().After(r.expiresAt) {
		delete(s.runs, wf)
		return nil, false
	}
	return r, true
}

// touch refreshes the TTL. Caller holds s.mu.
func (s *MemoryStore) touch(r *memoryRun) {
	if s.config.TTL > 0 {
		r.expiresAt = s.now().Add(s.config.TTL)
	}
}

// CreateContext implements Store.
func (s *MemoryStore) CreateContext(_ context.Context, ec *types.ExecutionContext) (*types.ExecutionContext, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.get(ec.WorkflowID); ok {
		return r.ec.Clone(), false, nil
	}
	r := &memoryRun{ec: ec.Clone()}
	if r.ec.NodeExecutions == nil {
		r.ec.NodeExecutions = make(map[string]*types.NodeExecution)
	}
	if r.ec.CompletedNodes == nil {
		r.ec.CompletedNodes = types.NewNodeSet()
	}
	s.touch(r)
	s.runs[ec.WorkflowID] = r
	return r.ec.Clone(), true, nil
}

// LoadContext implements Store.
func (s *MemoryStore) LoadContext(_ context.Context, wf string) (*types.ExecutionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.get(wf)
	if !ok {
		return nil, ErrContextNotFound
	}
	return r.ec.Clone(), nil
}

// UpdateNode implements Store.
func (s *MemoryStore) UpdateNode(_ context.Context, wf, nodeID string, fn func(*types.NodeExecution) error) (*types.NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.get(wf)
	if !ok {
		return nil, ErrContextNotFound
	}
	ne := r.ec.NodeExecutions[nodeID].Clone()
	if ne == nil {
		ne = &types.NodeExecution{}
	}
	prev := ne.Version
	if err := fn(ne); err != nil {
		return nil, err
	}
	ne.Version = prev + 1
	r.ec.NodeExecutions[nodeID] = ne
	s.touch(r)
	return ne.Clone(), nil
}

// MarkCompleted implements Store.
func (s *MemoryStore) MarkCompleted(_ context.Context, wf string, nodeIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.get(wf)
	if !ok {
		return ErrContextNotFound
	}
	for _, id := range nodeIDs {
		r.ec.CompletedNodes.Add(id)
	}
	s.touch(r)
	return nil
}

// UpdateRun implements Store.
func (s *MemoryStore) UpdateRun(_ context.Context, wf string, fn func(*types.ExecutionContext) error) (*types.ExecutionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.get(wf)
	if !ok {
		return nil, ErrContextNotFound
	}
	next := r.ec.Clone()
	prev := next.Version
	if err := fn(next); err != nil {
		return nil, err
	}
	// node records and the completed set are owned by their own operations
	next.NodeExecutions = r.ec.NodeExecutions
	next.CompletedNodes = r.ec.CompletedNodes
	next.Version = prev + 1
	next.UpdatedAt = s.now().UTC()
	r.ec = next
	s.touch(r)
	return next.Clone(), nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
