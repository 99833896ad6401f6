// Package scheduler executes workflow definitions in dependency waves.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/archive"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/flowerr"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/metrics"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/nodes"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/notifier"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/runstore"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/tracing"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// DefinitionValidator checks a definition before a run is admitted.
type DefinitionValidator interface {
	ValidateDefinition(def *types.WorkflowDefinition) error
}

// Archiver stores finished contexts.
type Archiver interface {
	Save(ctx context.Context, ec *types.ExecutionContext) (*archive.ObjectRef, error)
}

// Config holds executor configuration.
type Config struct {
	// NodeTimeout bounds a node that does not set timeoutSeconds.
	NodeTimeout time.Duration

	// MaxParallelism limits concurrent nodes within a wave (0 = unlimited)
	MaxParallelism int

	// Owner identifies this executor in run leases (default: random).
	Owner string

	// LeaseTTL is how long a run lease lasts without renewal. It must stay
	// well below the queue's idle threshold so a crashed worker's runs can
	// be taken over once its messages are reclaimed.
	LeaseTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NodeTimeout:    10 * time.Minute,
		MaxParallelism: 0,
		LeaseTTL:       30 * time.Second,
	}
}

// Outcome is the result of one Execute call.
type Outcome struct {
	WorkflowID string
	Status     types.RunStatus
	Output     interface{}
	Error      string

	// Resumed is set when the context already existed.
	Resumed bool
}

// Executor runs workflows.
type Executor struct {
	registry  *nodes.Registry
	contexts  *runstore.Manager
	publisher notifier.Publisher
	validator DefinitionValidator
	archiver  Archiver
	cfg       Config
	logger    *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithValidator checks definitions before binding.
func WithValidator(v DefinitionValidator) Option {
	return func(e *Executor) { e.validator = v }
}

// WithArchiver stores every finished context.
func WithArchiver(a Archiver) Option {
	return func(e *Executor) { e.archiver = a }
}

// New creates an executor.
func New(registry *nodes.Registry, contexts *runstore.Manager, publisher notifier.Publisher, cfg *Config, logger *slog.Logger, opts ...Option) *Executor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = notifier.NewRecorder()
	}
	e := &Executor{
		registry:  registry,
		contexts:  contexts,
		publisher: publisher,
		cfg:       *cfg,
		logger:    logger.With("component", "scheduler"),
	}
	if e.cfg.NodeTimeout <= 0 {
		e.cfg.NodeTimeout = DefaultConfig().NodeTimeout
	}
	if e.cfg.LeaseTTL <= 0 {
		e.cfg.LeaseTTL = DefaultConfig().LeaseTTL
	}
	if e.cfg.Owner == "" {
		e.cfg.Owner = "executor-" + uuid.NewString()[:8]
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run is the per-request state shared by the waves of one run.
type run struct {
	req    *types.RunRequest
	def    *types.WorkflowDefinition
	all    types.NodeSet
	h      *runstore.Handle
	deps   Dependencies
	logger *slog.Logger
}

// Execute runs req to completion and returns its outcome. The returned
// error is non-nil when the run failed or could not be started. A request
// whose context is already terminal is not executed again; the recorded
// outcome is returned instead.
func (e *Executor) Execute(ctx context.Context, req *types.RunRequest) (*Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, flowerr.Wrap(flowerr.CodeInvalidFormat, err, "invalid run request")
	}
	logger := e.logger.With(
		slog.String("workflow_id", req.WorkflowID),
		slog.String("trigger_id", req.TriggerID),
	)

	ctx, span := tracing.StartRun(ctx, req.WorkflowID, req.TriggerID)
	outcome, err := e.execute(ctx, req, logger)
	tracing.End(span, err)
	return outcome, err
}

func (e *Executor) execute(ctx context.Context, req *types.RunRequest, logger *slog.Logger) (*Outcome, error) {
	def := req.Definition
	if err := e.admit(def); err != nil {
		logger.Warn("rejected workflow definition", slog.Any("error", err))
		e.publish(ctx, req, &types.WorkflowFailed{Message: err.Error()})
		metrics.RunsTotal.WithLabelValues(string(types.RunStatusFailed)).Inc()
		return &Outcome{WorkflowID: req.WorkflowID, Status: types.RunStatusFailed, Error: err.Error()}, err
	}

	h, err := e.contexts.Initialize(ctx, req.WorkflowID, def, runstore.RunOptions{
		TriggerID: req.TriggerID,
		SessionID: req.SessionID,
		ProjectID: req.ProjectID,
		Inputs:    req.Inputs,
	})
	if err != nil {
		return nil, err
	}

	snap := h.Snapshot()
	if snap.Status.Terminal() {
		logger.Info("run already finished, returning recorded outcome", slog.String("status", string(snap.Status)))
		metrics.RunsTotal.WithLabelValues("resumed_terminal").Inc()
		return recorded(snap)
	}

	r := &run{
		req:    req,
		def:    def,
		all:    types.NewNodeSet(def.NodeIDs()...),
		h:      h,
		deps:   BuildDependencies(def),
		logger: logger,
	}

	if err := h.Acquire(ctx, e.cfg.Owner, e.cfg.LeaseTTL); err != nil {
		return e.superseded(ctx, r, err)
	}

	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()
	start := time.Now()

	// runCtx is cancelled with ErrRunOwned if the lease is lost.
	runCtx, cancel := context.WithCancelCause(ctx)
	renewDone := make(chan struct{})
	go e.renewLease(runCtx, r, cancel, renewDone)
	defer func() {
		cancel(nil)
		<-renewDone
	}()

	if err := h.SetStatus(ctx, types.RunStatusRunning, nil, ""); err != nil {
		return e.superseded(ctx, r, err)
	}
	logger.Info("run started", slog.Int("nodes", len(def.Nodes)), slog.Bool("resumed", h.Resumed()))
	e.publish(ctx, req, &types.WorkflowStarted{Nodes: def.NodeIDs()})

	if err := e.loop(runCtx, r); err != nil {
		if lost := context.Cause(runCtx); errors.Is(lost, runstore.ErrRunOwned) {
			return e.superseded(ctx, r, lost)
		}
		if errors.Is(err, runstore.ErrRunOwned) {
			return e.superseded(ctx, r, err)
		}
		return e.fail(ctx, r, err, start)
	}

	output := e.finalOutput(r)
	if err := h.SetStatus(ctx, types.RunStatusCompleted, output, ""); err != nil {
		return e.superseded(ctx, r, err)
	}
	elapsed := time.Since(start)
	metrics.RunsTotal.WithLabelValues(string(types.RunStatusCompleted)).Inc()
	metrics.RunDuration.WithLabelValues(string(types.RunStatusCompleted)).Observe(elapsed.Seconds())
	logger.Info("run completed", slog.Duration("duration", elapsed))

	e.publish(ctx, req, &types.WorkflowCompleted{Output: output, DurationMs: elapsed.Milliseconds()})
	e.archive(ctx, r)

	return &Outcome{
		WorkflowID: req.WorkflowID,
		Status:     types.RunStatusCompleted,
		Output:     output,
		Resumed:    h.Resumed(),
	}, nil
}

// recorded turns a terminal context into an outcome.
func recorded(snap *types.ExecutionContext) (*Outcome, error) {
	out := &Outcome{
		WorkflowID: snap.WorkflowID,
		Status:     snap.Status,
		Output:     snap.Output,
		Error:      snap.Error,
		Resumed:    true,
	}
	if snap.Status == types.RunStatusFailed {
		return out, errors.New(snap.Error)
	}
	return out, nil
}

// renewLease extends the run lease until ctx ends. Losing the lease to
// another owner cancels the run with ErrRunOwned; other renewal errors are
// retried on the next tick.
func (e *Executor) renewLease(ctx context.Context, r *run, cancel context.CancelCauseFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.h.Renew(ctx, e.cfg.LeaseTTL)
			switch {
			case err == nil:
			case errors.Is(err, runstore.ErrRunOwned):
				cancel(err)
				return
			case ctx.Err() != nil:
				return
			default:
				r.logger.Warn("failed to renew run lease", slog.Any("error", err))
			}
		}
	}
}

// superseded reports a run this executor may not drive: another worker
// holds its lease, or finished it first. The persisted state is returned
// and nothing is written or published.
func (e *Executor) superseded(ctx context.Context, r *run, cause error) (*Outcome, error) {
	if err := r.h.Refresh(ctx); err != nil {
		r.logger.Warn("failed to reload superseded run", slog.Any("error", err))
	}
	snap := r.h.Snapshot()
	if errors.Is(cause, runstore.ErrRunOwned) {
		r.logger.Info("run is driven by another worker", slog.String("owner", snap.Owner))
		metrics.RunsTotal.WithLabelValues("superseded").Inc()
	} else {
		r.logger.Error("run state update failed", slog.Any("error", cause))
	}
	if snap.Status.Terminal() {
		out, _ := recorded(snap)
		return out, cause
	}
	return &Outcome{
		WorkflowID: r.req.WorkflowID,
		Status:     snap.Status,
		Error:      cause.Error(),
		Resumed:    r.h.Resumed(),
	}, cause
}

func (e *Executor) admit(def *types.WorkflowDefinition) error {
	if e.validator != nil {
		if err := e.validator.ValidateDefinition(def); err != nil {
			return err
		}
	} else if err := def.Validate(); err != nil {
		return flowerr.Wrap(flowerr.CodeInvalidFormat, err, "invalid workflow definition")
	}
	return e.registry.Bind(def)
}

// loop dispatches waves until every node is completed.
func (e *Executor) loop(ctx context.Context, r *run) error {
	for {
		// The completed set is re-read so a resumed or concurrent writer's
		// progress is observed.
		if err := r.h.Refresh(ctx); err != nil {
			return err
		}
		if !r.h.Owned() {
			return fmt.Errorf("before wave: %w", runstore.ErrRunOwned)
		}
		completed := r.h.Completed()
		if r.all.SubsetOf(completed) {
			return nil
		}

		ready := r.deps.Ready(completed)
		if len(ready) == 0 {
			return flowerr.New(flowerr.CodeUnexpectedState, "%s", r.deps.Blocked(completed))
		}

		metrics.WavesTotal.Inc()
		r.logger.Debug("dispatching wave", slog.Any("nodes", ready))
		if err := e.wave(ctx, r, ready); err != nil {
			return err
		}
		if err := r.h.MarkNodeCompleted(ctx, ready...); err != nil {
			return err
		}
	}
}

// wave runs ready nodes concurrently and waits for all of them. Failures
// do not cancel siblings; they are joined after the barrier.
func (e *Executor) wave(ctx context.Context, r *run, ready []string) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	if e.cfg.MaxParallelism > 0 {
		g.SetLimit(e.cfg.MaxParallelism)
	}
	for _, id := range ready {
		g.Go(func() error {
			if err := e.runNode(ctx, r, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (e *Executor) runNode(ctx context.Context, r *run, nodeID string) error {
	nd := r.def.Nodes[nodeID]
	logger := r.logger.With(slog.String("node_id", nodeID), slog.String("node_type", nd.Type))

	node, err := e.registry.Create(nd.Type)
	if err != nil {
		return e.nodeFailed(ctx, r, nodeID, nd, flowerr.Classify(err), 0, logger)
	}

	inputs := r.h.ResolveInputs(nodeID, r.def)
	if err := r.h.UpdateNodeInputs(ctx, nodeID, inputs); err != nil {
		return fmt.Errorf("node %s: %w", nodeID, err)
	}
	e.publish(ctx, r.req, &types.NodeStarted{NodeID: nodeID, NodeType: nd.Type})

	if missing := missingRequired(nd, inputs); len(missing) > 0 {
		fe := flowerr.New(flowerr.CodeMissingParameter, "node %s: required inputs %v did not resolve", nodeID, missing)
		return e.nodeFailed(ctx, r, nodeID, nd, fe, 0, logger)
	}

	timeout := e.cfg.NodeTimeout
	if nd.TimeoutSeconds > 0 {
		timeout = time.Duration(nd.TimeoutSeconds) * time.Second
	}
	nctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	nctx, span := tracing.StartNode(nctx, nodeID, nd.Type)

	start := time.Now()
	output, err := e.invoke(nctx, node, nodeID, nd, inputs, e.nodeOptions(ctx, r, nodeID))
	elapsed := time.Since(start)
	metrics.NodeDuration.WithLabelValues(nd.Type).Observe(elapsed.Seconds())
	tracing.End(span, err)

	if err != nil {
		if lost := context.Cause(ctx); errors.Is(lost, runstore.ErrRunOwned) {
			return lost
		}
		fe := flowerr.Classify(err)
		if errors.Is(nctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && fe.Code != flowerr.CodeTimeout {
			fe = flowerr.Wrap(flowerr.CodeTimeout, err, "node %s exceeded %s", nodeID, timeout)
		}
		return e.nodeFailed(ctx, r, nodeID, nd, fe, elapsed, logger)
	}

	if err := r.h.UpdateNodeOutputs(ctx, nodeID, output, elapsed); err != nil {
		return fmt.Errorf("node %s: %w", nodeID, err)
	}
	metrics.NodesTotal.WithLabelValues(nd.Type, string(types.NodeStatusCompleted)).Inc()
	logger.Debug("node completed", slog.Duration("duration", elapsed))
	e.publish(ctx, r.req, &types.NodeCompleted{
		NodeID:     nodeID,
		NodeType:   nd.Type,
		Output:     output,
		DurationMs: elapsed.Milliseconds(),
	})
	return nil
}

// missingRequired lists the required inputs of nd absent from inputs.
func missingRequired(nd *types.NodeDefinition, inputs map[string]interface{}) []string {
	var missing []string
	for name, spec := range nd.Inputs {
		if _, ok := inputs[name]; spec.Required && !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// invoke calls the node, turning a panic into a system error.
func (e *Executor) invoke(ctx context.Context, node nodes.Node, nodeID string, nd *types.NodeDefinition, inputs map[string]interface{}, opts nodes.Options) (out interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("node panicked",
				slog.String("node_id", nodeID),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			err = flowerr.New(flowerr.CodeInternal, "node %s panicked: %v", nodeID, rec)
		}
	}()
	return node.Execute(ctx, nodeID, nd, inputs, opts)
}

func (e *Executor) nodeFailed(ctx context.Context, r *run, nodeID string, nd *types.NodeDefinition, fe *flowerr.Error, elapsed time.Duration, logger *slog.Logger) error {
	logger.Warn("node failed",
		slog.String("kind", string(fe.Kind)),
		slog.String("code", string(fe.Code)),
		slog.String("error", fe.Error()),
		slog.Any("blocked_dependents", r.deps.Dependents(nodeID)),
	)
	metrics.NodesTotal.WithLabelValues(nd.Type, string(types.NodeStatusFailed)).Inc()
	if err := r.h.UpdateNodeError(ctx, nodeID, fe, elapsed); err != nil {
		logger.Error("failed to record node error", slog.Any("error", err))
	}
	e.publish(ctx, r.req, &types.NodeFailed{
		NodeID:   nodeID,
		NodeType: nd.Type,
		Message:  fe.Error(),
		Kind:     string(fe.Kind),
		Code:     string(fe.Code),
	})
	return fmt.Errorf("node %s failed: %w", nodeID, fe)
}

func (e *Executor) nodeOptions(ctx context.Context, r *run, nodeID string) nodes.Options {
	return nodes.Options{
		WorkflowID: r.req.WorkflowID,
		TriggerID:  r.req.TriggerID,
		SessionID:  r.req.SessionID,
		OnNodeResult: func(field string, chunk interface{}, ioType string) {
			e.publish(ctx, r.req, &types.NodeResult{NodeID: nodeID, Field: field, Chunk: chunk, IOType: ioType})
		},
		OnNodeLog: func(message string) {
			e.publish(ctx, r.req, &types.NodeLog{NodeID: nodeID, Message: message})
		},
		OnEvent: func(data types.EventData) {
			e.publish(ctx, r.req, data)
		},
	}
}

// finalOutput picks the run output: the single result node's output, a map
// of result node outputs, or with no result nodes a map of sink outputs.
func (e *Executor) finalOutput(r *run) interface{} {
	snap := r.h.Snapshot()
	outputOf := func(id string) interface{} {
		if ne := snap.NodeExecutions[id]; ne != nil {
			return ne.Output
		}
		return nil
	}

	results := r.def.NodesOfType(types.NodeTypeResult)
	switch len(results) {
	case 1:
		return outputOf(results[0])
	case 0:
		sinks := r.deps.Sinks()
		r.logger.Warn("workflow has no result node, returning sink outputs", slog.Any("sinks", sinks))
		results = sinks
	}
	out := make(map[string]interface{}, len(results))
	for _, id := range results {
		out[id] = outputOf(id)
	}
	return out
}

func (e *Executor) fail(ctx context.Context, r *run, cause error, start time.Time) (*Outcome, error) {
	msg := cause.Error()
	elapsed := time.Since(start)
	r.logger.Error("run failed", slog.String("error", msg), slog.Duration("duration", elapsed))

	if err := r.h.SetStatus(ctx, types.RunStatusFailed, nil, msg); err != nil {
		if errors.Is(err, runstore.ErrRunOwned) {
			return e.superseded(ctx, r, err)
		}
		r.logger.Error("failed to record run failure", slog.Any("error", err))
	}
	metrics.RunsTotal.WithLabelValues(string(types.RunStatusFailed)).Inc()
	metrics.RunDuration.WithLabelValues(string(types.RunStatusFailed)).Observe(elapsed.Seconds())

	e.publish(ctx, r.req, &types.WorkflowFailed{Message: msg})
	e.archive(ctx, r)

	return &Outcome{
		WorkflowID: r.req.WorkflowID,
		Status:     types.RunStatusFailed,
		Error:      msg,
		Resumed:    r.h.Resumed(),
	}, cause
}

func (e *Executor) archive(ctx context.Context, r *run) {
	if e.archiver == nil {
		return
	}
	if _, err := e.archiver.Save(ctx, r.h.Snapshot()); err != nil {
		r.logger.Warn("failed to archive context", slog.Any("error", err))
	}
}

// publish delivers an event. Delivery is best-effort.
func (e *Executor) publish(ctx context.Context, req *types.RunRequest, data types.EventData) {
	ev := types.NewEvent(req.WorkflowID, req.TriggerID, req.SessionID, data)
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn("failed to publish event",
			slog.String("workflow_id", req.WorkflowID),
			slog.String("type", string(ev.Type)),
			slog.Any("error", err),
		)
	}
}
