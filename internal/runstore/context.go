package runstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/flowerr"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// RunOptions carries the admission fields of a run.
type RunOptions struct {
	TriggerID string
	SessionID string
	ProjectID string
	Inputs    map[string]interface{}
}

// Manager creates and resumes execution contexts.
type Manager struct {
	store  Store
	paths  *PathEvaluator
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a manager over a store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		paths:  NewPathEvaluator(),
		logger: logger.With("component", "runstore"),
		now:    time.Now,
	}
}

// Store returns the underlying backend.
func (m *Manager) Store() Store { return m.store }

// Initialize returns a handle to the persisted context for workflowID,
// creating and seeding one if none exists. A second call for the same id
// resumes the existing context.
func (m *Manager) Initialize(ctx context.Context, workflowID string, def *types.WorkflowDefinition, opts RunOptions) (*Handle, error) {
	now := m.now().UTC()
	inputs := opts.Inputs
	if inputs == nil {
		inputs = map[string]interface{}{}
	}

	seed := &types.ExecutionContext{
		WorkflowID:     workflowID,
		SessionID:      opts.SessionID,
		TriggerID:      opts.TriggerID,
		ProjectID:      opts.ProjectID,
		WorkflowInputs: inputs,
		NodeExecutions: make(map[string]*types.NodeExecution),
		CompletedNodes: types.NewNodeSet(),
		AllNodes:       types.NewNodeSet(def.NodeIDs()...),
		Status:         types.RunStatusInitialized,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	entryID, hasEntry := def.EntrypointID()
	if hasEntry {
		seed.NodeExecutions[entryID] = entrypointRecord(inputs)
	}

	ec, created, err := m.store.CreateContext(ctx, seed)
	if err != nil {
		return nil, fmt.Errorf("initialize context %s: %w", workflowID, err)
	}

	h := &Handle{
		store:   m.store,
		paths:   m.paths,
		logger:  m.logger.With(slog.String("workflow_id", workflowID)),
		ec:      ec,
		resumed: !created,
	}

	if !created {
		h.logger.Info("resuming execution context",
			slog.String("status", string(ec.Status)),
			slog.Int("completed", len(ec.CompletedNodes)),
			slog.Int("total", len(ec.AllNodes)),
		)
		// A crash between creating the run record and seeding the node
		// records leaves the entrypoint unseeded.
		if hasEntry && ec.NodeExecutions[entryID] == nil && !ec.Status.Terminal() {
			if err := h.UpdateNode(ctx, entryID, func(ne *types.NodeExecution) error {
				*ne = *entrypointRecord(ec.WorkflowInputs)
				return nil
			}); err != nil {
				return nil, err
			}
		}
	}
	return h, nil
}

func entrypointRecord(inputs map[string]interface{}) *types.NodeExecution {
	return &types.NodeExecution{
		Status: types.NodeStatusPending,
		Inputs: inputs,
	}
}

// Handle is the scheduler's view of one run's context. Every mutation is
// persisted before the in-memory copy is updated.
type Handle struct {
	store   Store
	paths   *PathEvaluator
	logger  *slog.Logger
	resumed bool
	owner   string

	mu sync.RWMutex
	ec *types.ExecutionContext
}

// Resumed reports whether the context existed before Initialize.
func (h *Handle) Resumed() bool { return h.resumed }

// Snapshot returns a copy of the current in-memory context.
func (h *Handle) Snapshot() *types.ExecutionContext {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ec.Clone()
}

// Completed returns a copy of the completed set.
func (h *Handle) Completed() types.NodeSet {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ec.CompletedNodes.Clone()
}

// Refresh replaces the in-memory copy with the persisted context.
func (h *Handle) Refresh(ctx context.Context) error {
	ec, err := h.store.LoadContext(ctx, h.workflowID())
	if err != nil {
		return fmt.Errorf("refresh context: %w", err)
	}
	h.mu.Lock()
	h.ec = ec
	h.mu.Unlock()
	return nil
}

func (h *Handle) workflowID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ec.WorkflowID
}

// UpdateNode applies fn to a node record and persists it.
func (h *Handle) UpdateNode(ctx context.Context, nodeID string, fn func(*types.NodeExecution) error) error {
	ne, err := h.store.UpdateNode(ctx, h.workflowID(), nodeID, fn)
	if err != nil {
		return fmt.Errorf("update node %s: %w", nodeID, err)
	}
	h.mu.Lock()
	h.ec.NodeExecutions[nodeID] = ne
	h.mu.Unlock()
	return nil
}

// UpdateNodeInputs records resolved inputs and marks the node running.
func (h *Handle) UpdateNodeInputs(ctx context.Context, nodeID string, inputs map[string]interface{}) error {
	return h.UpdateNode(ctx, nodeID, func(ne *types.NodeExecution) error {
		ne.Status = types.NodeStatusRunning
		ne.Inputs = inputs
		ne.StartedAt = time.Now().UTC()
		ne.Success = false
		ne.Error, ne.ErrorKind, ne.ErrorCode = "", "", ""
		return nil
	})
}

// UpdateNodeOutputs records a successful result.
func (h *Handle) UpdateNodeOutputs(ctx context.Context, nodeID string, output interface{}, elapsed time.Duration) error {
	return h.UpdateNode(ctx, nodeID, func(ne *types.NodeExecution) error {
		ne.Status = types.NodeStatusCompleted
		ne.Success = true
		ne.Output = output
		ne.ExecutionTime = elapsed.Milliseconds()
		return nil
	})
}

// UpdateNodeError records a failure.
func (h *Handle) UpdateNodeError(ctx context.Context, nodeID string, nodeErr *flowerr.Error, elapsed time.Duration) error {
	return h.UpdateNode(ctx, nodeID, func(ne *types.NodeExecution) error {
		ne.Status = types.NodeStatusFailed
		ne.Success = false
		ne.Error = nodeErr.Error()
		ne.ErrorKind = string(nodeErr.Kind)
		ne.ErrorCode = string(nodeErr.Code)
		ne.ExecutionTime = elapsed.Milliseconds()
		return nil
	})
}

// MarkNodeCompleted adds nodes to the completed set. Ids outside the run's
// node set are rejected so completed stays a subset of all.
func (h *Handle) MarkNodeCompleted(ctx context.Context, nodeIDs ...string) error {
	h.mu.RLock()
	var unknown []string
	for _, id := range nodeIDs {
		if !h.ec.AllNodes.Has(id) {
			unknown = append(unknown, id)
		}
	}
	wf := h.ec.WorkflowID
	h.mu.RUnlock()
	if len(unknown) > 0 {
		return fmt.Errorf("mark completed: nodes %v are not part of workflow %s", unknown, wf)
	}

	if err := h.store.MarkCompleted(ctx, wf, nodeIDs...); err != nil {
		return err
	}
	h.mu.Lock()
	for _, id := range nodeIDs {
		h.ec.CompletedNodes.Add(id)
	}
	h.mu.Unlock()
	return nil
}

// Acquire takes the run's lease for owner. A lease held by another owner
// that has not expired fails with ErrRunOwned. Once acquired, status changes
// through this handle are rejected if the lease is lost.
func (h *Handle) Acquire(ctx context.Context, owner string, ttl time.Duration) error {
	return h.lease(ctx, owner, ttl, false)
}

// Renew extends the lease held by this handle. It fails with ErrRunOwned
// when another owner has taken the run over.
func (h *Handle) Renew(ctx context.Context, ttl time.Duration) error {
	return h.lease(ctx, h.leaseOwner(), ttl, true)
}

// Owned reports whether the in-memory context still names this handle's
// owner. It reflects the last Refresh.
func (h *Handle) Owned() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.owner == "" || h.ec.Owner == h.owner
}

func (h *Handle) leaseOwner() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.owner
}

func (h *Handle) lease(ctx context.Context, owner string, ttl time.Duration, renew bool) error {
	ec, err := h.store.UpdateRun(ctx, h.workflowID(), func(ec *types.ExecutionContext) error {
		if ec.Status.Terminal() {
			return fmt.Errorf("run already %s", ec.Status)
		}
		now := time.Now().UTC()
		if ec.Owner != "" && ec.Owner != owner {
			if renew || (ec.LeaseExpiresAt != nil && now.Before(*ec.LeaseExpiresAt)) {
				return fmt.Errorf("%w: held by %s", ErrRunOwned, ec.Owner)
			}
		}
		expires := now.Add(ttl)
		ec.Owner = owner
		ec.LeaseExpiresAt = &expires
		return nil
	})
	if err != nil {
		return fmt.Errorf("lease run: %w", err)
	}
	if !renew {
		h.logger.Debug("run lease acquired", slog.String("owner", owner))
	}
	h.mu.Lock()
	h.owner = owner
	h.applyRun(ec)
	h.mu.Unlock()
	return nil
}

// SetStatus moves the run to a new status. Terminal statuses also record the
// output or error message and are never overwritten. A handle that acquired
// a lease may only write while it still owns the run.
func (h *Handle) SetStatus(ctx context.Context, status types.RunStatus, output interface{}, errMsg string) error {
	owner := h.leaseOwner()
	ec, err := h.store.UpdateRun(ctx, h.workflowID(), func(ec *types.ExecutionContext) error {
		if ec.Status.Terminal() {
			return fmt.Errorf("run already %s", ec.Status)
		}
		if owner != "" && ec.Owner != owner {
			return fmt.Errorf("%w: held by %s", ErrRunOwned, ec.Owner)
		}
		ec.Status = status
		if status.Terminal() {
			now := time.Now().UTC()
			ec.FinishedAt = &now
			ec.Output = output
			ec.Error = errMsg
			ec.LeaseExpiresAt = nil
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	h.mu.Lock()
	h.applyRun(ec)
	h.mu.Unlock()
	return nil
}

// applyRun copies run-level fields from ec. Caller holds h.mu.
func (h *Handle) applyRun(ec *types.ExecutionContext) {
	h.ec.Status = ec.Status
	h.ec.Output = ec.Output
	h.ec.Error = ec.Error
	h.ec.FinishedAt = ec.FinishedAt
	h.ec.Owner = ec.Owner
	h.ec.LeaseExpiresAt = ec.LeaseExpiresAt
	h.ec.Version = ec.Version
	h.ec.UpdatedAt = ec.UpdatedAt
}

// ResolveInputs computes a node's input values from the context.
//
// The entrypoint receives the raw run inputs. For other nodes each declared
// input is taken, in order of preference, from its source node's recorded
// output, a workflow input of the same name, or its static value. Inputs
// that resolve to nothing are left out; node validation decides whether
// that is fatal.
func (h *Handle) ResolveInputs(nodeID string, def *types.WorkflowDefinition) map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	node := def.Nodes[nodeID]
	if node == nil {
		return map[string]interface{}{}
	}
	if node.Type == types.NodeTypeEntrypoint {
		return copyMap(h.ec.WorkflowInputs)
	}

	resolved := make(map[string]interface{}, len(node.Inputs))
	for name, spec := range node.Inputs {
		if spec.Source != "" {
			v, ok := h.resolveSource(nodeID, name, spec.Source)
			if ok {
				resolved[name] = v
			}
			continue
		}
		if v, ok := h.ec.WorkflowInputs[name]; ok {
			resolved[name] = v
			continue
		}
		if spec.StaticValue != nil {
			resolved[name] = spec.StaticValue
			continue
		}
		h.logger.Warn("input unresolved",
			slog.String("node_id", nodeID),
			slog.String("input", name),
		)
	}
	return resolved
}

// resolveSource reads a source reference. Caller holds h.mu.
func (h *Handle) resolveSource(nodeID, input, source string) (interface{}, bool) {
	srcID, path := types.ParseSource(source)
	ne := h.ec.NodeExecutions[srcID]
	if ne == nil || !ne.Success {
		h.logger.Warn("input source has no recorded output",
			slog.String("node_id", nodeID),
			slog.String("input", input),
			slog.String("source", source),
		)
		return nil, false
	}
	v, ok, err := h.paths.Extract(ne.Output, path)
	if err != nil || !ok {
		attrs := []any{
			slog.String("node_id", nodeID),
			slog.String("input", input),
			slog.String("source", source),
		}
		if err != nil {
			attrs = append(attrs, slog.Any("error", err))
		}
		h.logger.Warn("input source field not found", attrs...)
		return nil, false
	}
	return v, true
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// IsNotFound reports whether err means the context does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrContextNotFound)
}
