package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/archive"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/flowerr"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/nodes"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/nodes/llm"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/notifier"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/runstore"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/secrets"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// stub is a node kind that records calls and can be told to fail, hang,
// wait on a gate or panic per node id.
type stub struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	hang  map[string]bool
	panic map[string]bool
	wait  map[string]chan struct{}

	delay        time.Duration
	active, peak int
}

func newStub() *stub {
	return &stub{
		calls: map[string]int{},
		fail:  map[string]error{},
		hang:  map[string]bool{},
		panic: map[string]bool{},
		wait:  map[string]chan struct{}{},
	}
}

func (p *stub) Execute(ctx context.Context, nodeID string, _ *types.NodeDefinition, inputs map[string]interface{}, _ nodes.Options) (interface{}, error) {
	p.mu.Lock()
	p.calls[nodeID]++
	err, hang, boom := p.fail[nodeID], p.hang[nodeID], p.panic[nodeID]
	gate := p.wait[nodeID]
	p.active++
	if p.active > p.peak {
		p.peak = p.active
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch {
	case boom:
		panic("stub exploded")
	case hang:
		<-ctx.Done()
		return nil, ctx.Err()
	case err != nil:
		return nil, err
	}
	return map[string]interface{}{"node": nodeID}, nil
}

func (p *stub) callCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

type harness struct {
	exec     *Executor
	stub     *stub
	events   *notifier.Recorder
	contexts *runstore.Manager
	archive  *archive.Archive
}

func newHarness(t *testing.T, store runstore.Store, cfg *Config) *harness {
	t.Helper()
	p := newStub()

	reg := nodes.NewRegistry()
	nodes.RegisterBuiltins(reg)
	reg.MustRegister("stub", nodes.Kind{New: func() nodes.Node { return p }})

	providers := llm.NewProviders(0, 0)
	providers.Register("mock", &llm.StaticProvider{Chunks: []string{"hel", "lo"}})
	llm.Register(reg, &llm.Pipeline{
		Providers: providers,
		Decrypter: secrets.DecrypterFunc(func(_ context.Context, ct string) (string, error) { return ct, nil }),
	})

	if store == nil {
		store = runstore.NewMemoryStore(nil)
	}
	contexts := runstore.NewManager(store, nil)
	events := notifier.NewRecorder()
	arch := archive.NewWithBackend(archive.NewMemoryBackend(), nil)

	return &harness{
		exec:     New(reg, contexts, events, cfg, nil, WithArchiver(arch)),
		stub:     p,
		events:   events,
		contexts: contexts,
		archive:  arch,
	}
}

func request(id string, def *types.WorkflowDefinition, inputs map[string]interface{}) *types.RunRequest {
	return &types.RunRequest{
		WorkflowID: id,
		TriggerID:  "trig-" + id,
		SessionID:  "sess",
		Definition: def,
		Inputs:     inputs,
	}
}

func src(source string) types.InputSpec { return types.InputSpec{Source: source} }

func stubNode(sources ...string) *types.NodeDefinition {
	in := map[string]types.InputSpec{}
	for _, s := range sources {
		id, _ := types.ParseSource(s)
		in["from_"+id] = src(s)
	}
	return &types.NodeDefinition{Type: "stub", Inputs: in}
}

func TestBuildDependencies(t *testing.T) {
	def := &types.WorkflowDefinition{Nodes: map[string]*types.NodeDefinition{
		"entry": {Type: types.NodeTypeEntrypoint},
		"a": {Type: "stub", Inputs: map[string]types.InputSpec{
			"x":     src("entry.x"),
			"y":     src("entry.y.z"),
			"fixed": {StaticValue: 3},
		}},
		"b": {Type: "stub", Inputs: map[string]types.InputSpec{
			"whole": src("a"),
			"x":     src("entry.items[0]"),
		}},
	}}

	deps := BuildDependencies(def)
	assert.Equal(t, Dependencies{
		"entry": {},
		"a":     {"entry"},
		"b":     {"a", "entry"},
	}, deps)

	assert.Equal(t, []string{"entry"}, deps.Ready(types.NewNodeSet()))
	assert.Equal(t, []string{"a"}, deps.Ready(types.NewNodeSet("entry")))
	assert.Equal(t, []string{"b"}, deps.Sinks())
	assert.Equal(t, []string{"a", "b"}, deps.Dependents("entry"))
}

func TestExecute_EndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	h := newHarness(t, runstore.NewRedisStore(client, nil), nil)

	var def types.WorkflowDefinition
	require.NoError(t, json.Unmarshal([]byte(`{
		"nodes": {
			"start": {"type": "entrypoint"},
			"ask": {
				"type": "llm",
				"inputs": {"prompt": {"source": "start.question"}},
				"outputs": {"response": {"ioType": "string"}},
				"config": {"provider": "mock", "model": "m", "apiKey": "enc", "stream": true}
			},
			"done": {
				"type": "result",
				"inputs": {"response": {"source": "ask.response"}}
			}
		}
	}`), &def))

	out, err := h.exec.Execute(context.Background(), request("wf-e2e", &def, map[string]interface{}{"question": "hi?"}))
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, out.Status)
	assert.Equal(t, map[string]interface{}{"response": "hello"}, out.Output)

	evTypes := h.events.Types()
	require.NotEmpty(t, evTypes)
	assert.Equal(t, types.EventWorkflowStarted, evTypes[0])
	assert.Equal(t, types.EventWorkflowCompleted, evTypes[len(evTypes)-1])

	var chunks []interface{}
	for _, d := range h.events.OfType(types.EventNodeResult) {
		r := d.(*types.NodeResult)
		assert.Equal(t, "ask", r.NodeID)
		assert.Equal(t, "response", r.Field)
		chunks = append(chunks, r.Chunk)
	}
	assert.Equal(t, []interface{}{"hel", "lo"}, chunks)
	assert.Len(t, h.events.OfType(types.EventNodeCompleted), 3)

	for _, ev := range h.events.Events() {
		assert.Equal(t, "trig-wf-e2e", ev.TriggerID)
	}

	archived, err := h.archive.Load(context.Background(), "wf-e2e")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, archived.Status)
}

func TestExecute_CycleDiagnostic(t *testing.T) {
	h := newHarness(t, nil, nil)
	def := &types.WorkflowDefinition{Nodes: map[string]*types.NodeDefinition{
		"a": stubNode("b.out"),
		"b": stubNode("a.out"),
	}}

	out, err := h.exec.Execute(context.Background(), request("wf-cycle", def, nil))
	require.Error(t, err)
	assert.Equal(t, types.RunStatusFailed, out.Status)
	assert.Contains(t, err.Error(), "a waits on [b]")
	assert.Contains(t, err.Error(), "b waits on [a]")
	assert.Zero(t, h.stub.callCount("a"))
	assert.Zero(t, h.stub.callCount("b"))

	failed := h.events.OfType(types.EventWorkflowFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].(*types.WorkflowFailed).Message, "circular")
}

func TestExecute_SingleResultOutput(t *testing.T) {
	h := newHarness(t, nil, nil)
	def := &types.WorkflowDefinition{Nodes: map[string]*types.NodeDefinition{
		"entry": {Type: types.NodeTypeEntrypoint},
		"work":  stubNode("entry"),
		"out": {Type: types.NodeTypeResult, Inputs: map[string]types.InputSpec{
			"value": src("work.node"),
		}},
	}}

	out, err := h.exec.Execute(context.Background(), request("wf-single", def, nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"value": "work"}, out.Output)
}

func TestExecute_MultipleResultOutputs(t *testing.T) {
	h := newHarness(t, nil, nil)
	def := &types.WorkflowDefinition{Nodes: map[string]*types.NodeDefinition{
		"entry": {Type: types.NodeTypeEntrypoint},
		"r1":    {Type: types.NodeTypeResult, Inputs: map[string]types.InputSpec{"x": src("entry.x")}},
		"r2":    {Type: types.NodeTypeResult, Inputs: map[string]types.InputSpec{"y": src("entry.y")}},
	}}

	out, err := h.exec.Execute(context.Background(), request("wf-multi", def, map[string]interface{}{"x": "1", "y": "2"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"r1": map[string]interface{}{"x": "1"},
		"r2": map[string]interface{}{"y": "2"},
	}, out.Output)
}

func TestExecute_NoResultNodesReturnsSinks(t *testing.T) {
	h := newHarness(t, nil, nil)
	def := &types.WorkflowDefinition{Nodes: map[string]*types.NodeDefinition{
		"entry": {Type: types.NodeTypeEntrypoint},
		"a":     stubNode("entry"),
		"b":     stubNode("entry"),
	}}

	out, err := h.exec.Execute(context.Background(), request("wf-sinks", def, nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"a": map[string]interface{}{"node": "a"},
		"b": map[string]interface{}{"node": "b"},
	}, out.Output)
}

func TestExecute_ResumeIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, nil)
	def := &types.WorkflowDefinition{Nodes: map[string]*types.NodeDefinition{
		"entry": {Type: types.NodeTypeEntrypoint},
		"work":  stubNode("entry"),
		"out":   {Type: types.NodeTypeResult, Inputs: map[string]types.InputSpec{"v": src("work.node")}},
	}}
	ctx := context.Background()

	first, err := h.exec.Execute(ctx, request("wf-resume", def, nil))
	require.NoError(t, err)
	assert.False(t, first.Resumed)
	startedBefore := len(h.events.OfType(types.EventNodeStarted))

	second, err := h.exec.Execute(ctx, request("wf-resume", def, nil))
	require.NoError(t, err)
	assert.True(t, second.Resumed)
	assert.Equal(t, first.Output, second.Output)
	assert.Equal(t, 1, h.stub.callCount("work"))
	assert.Len(t, h.events.OfType(types.EventNodeStarted), startedBefore)
}

func TestExecute_ResumeSkipsCompletedNodes(t *testing.T) {
	h := newHarness(t, nil, nil)
	def := &types.WorkflowDefinition{Nodes: map[string]*types.NodeDefinition{
		"entry": {Type: types.NodeTypeEntrypoint},
		"a":     stubNode("entry"),
		"b":     stubNode("a.node"),
	}}
	ctx := context.Background()

	// Simulate a crash after the first two waves.
	handle, err := h.contexts.Initialize(ctx, "wf-crash", def, runstore.RunOptions{TriggerID: "t"})
	require.NoError(t, err)
	require.NoError(t, handle.SetStatus(ctx, types.RunStatusRunning, nil, ""))
	require.NoError(t, handle.UpdateNodeOutputs(ctx, "entry", map[string]interface{}{}, 0))
	require.NoError(t, handle.UpdateNodeOutputs(ctx, "a", map[string]interface{}{"node": "a"}, 0))
	require.NoError(t, handle.MarkNodeCompleted(ctx, "entry", "a"))

	out, err := h.exec.Execute(ctx, request("wf-crash", def, nil))
	require.NoError(t, err)
	assert.True(t, out.Resumed)
	assert.Zero(t, h.stub.callCount("a"))
	assert.Equal(t, 1, h.stub.callCount("b"))
}

func TestExecute_NodeFailureAbortsRun(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.stub.fail["a"] = errors.New("connection refused")
	def := &types.WorkflowDefinition{Nodes: map[string]*types.NodeDefinition{
		"entry": {Type: types.NodeTypeEntrypoint},
		"a":     stubNode("entry"),
		"b":     stubNode("entry"),
		"c":     stubNode("a.node", "b.node"),
	}}
	ctx := context.Background()

	out, err := h.exec.Execute(ctx, request("wf-fail", def, nil))
	require.Error(t, err)
	assert.Equal(t, types.RunStatusFailed, out.Status)
	assert.Contains(t, out.Error, "node a failed")
	assert.Equal(t, 1, h.stub.callCount("b"))
	assert.Zero(t, h.stub.callCount("c"))

	nodeFailed := h.events.OfType(types.EventNodeFailed)
	require.Len(t, nodeFailed, 1)
	nf := nodeFailed[0].(*types.NodeFailed)
	assert.Equal(t, "a", nf.NodeID)
	assert.Equal(t, string(flowerr.KindNetwork), nf.Kind)
	assert.Equal(t, string(flowerr.CodeConnectionFailed), nf.Code)

	ec, err := h.contexts.Store().LoadContext(ctx, "wf-fail")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, ec.Status)
	assert.True(t, ec.NodeExecutions["b"].Success, "sibling result is retained")
	assert.False(t, ec.NodeExecutions["a"].Success)
	assert.False(t, ec.CompletedNodes.Has("b"))

	// a re-delivered request returns the recorded failure without running
	again, err := h.exec.Execute(ctx, request("wf-fail", def, nil))
	require.Error(t, err)
	assert.True(t, again.Resumed)
	assert.Equal(t, 1, h.stub.callCount("a"))
}

func TestExecute_NodeTimeout(t *testing.T) {
	h := newHarness(t, nil, &Config{NodeTimeout: 50 * time.Millisecond})
	h.stub.hang["slow"] = true
	def := &types.WorkflowDefinition{Nodes: map[string]*types.NodeDefinition{
		"entry": {Type: types.NodeTypeEntrypoint},
		"slow":  stubNode("entry"),
	}}

	_, err := h.exec.Execute(context.Background(), request("wf-timeout", def, nil))
	require.Error(t, err)
	var fe *flowerr.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, flowerr.CodeTimeout, fe.Code)
	assert.Equal(t, flowerr.KindNetwork, fe.Kind)
}

func TestExecute_PanicBecomesSystemError(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.stub.panic["boom"] = true
	def := &types.WorkflowDefinition{Nodes: map[string]*types.NodeDefinition{
		"boom": stubNode(),
	}}

	_, err := h.exec.Execute(context.Background(), request("wf-panic", def, nil))
	var fe *flowerr.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, flowerr.KindSystem, fe.Kind)
	assert.Equal(t, flowerr.CodeInternal, fe.Code)
}

func TestExecute_RejectsInvalidDefinition(t *testing.T) {
	h := newHarness(t, nil, nil)
	def := &types.WorkflowDefinition{Nodes: map[string]*types.NodeDefinition{
		"x": {Type: "does-not-exist"},
	}}

	out, err := h.exec.Execute(context.Background(), request("wf-bad", def, nil))
	require.Error(t, err)
	assert.Equal(t, types.RunStatusFailed, out.Status)
	fe, ok := flowerr.As(err)
	require.True(t, ok)
	assert.Equal(t, flowerr.KindValidation, fe.Kind)
	assert.Equal(t, []types.EventType{types.EventWorkflowFailed}, h.events.Types())

	_, err = h.contexts.Store().LoadContext(context.Background(), "wf-bad")
	assert.True(t, runstore.IsNotFound(err))
}

func TestExecute_RejectsIncompleteRequest(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.exec.Execute(context.Background(), &types.RunRequest{WorkflowID: "wf"})
	require.Error(t, err)
	assert.Empty(t, h.events.Types())
}

func TestExecute_RequiredInputMissingFailsNode(t *testing.T) {
	h := newHarness(t, nil, nil)
	def := &types.WorkflowDefinition{Nodes: map[string]*types.NodeDefinition{
		"in": {Type: types.NodeTypeEntrypoint},
		"out": {Type: types.NodeTypeResult, Inputs: map[string]types.InputSpec{
			"present": {Source: "in.q"},
			"absent":  {Source: "in.missing", Required: true},
		}},
	}}

	out, err := h.exec.Execute(context.Background(), request("wf-required", def, map[string]interface{}{"q": "hi"}))
	require.Error(t, err)
	assert.Equal(t, types.RunStatusFailed, out.Status)
	fe, ok := flowerr.As(err)
	require.True(t, ok)
	assert.Equal(t, flowerr.CodeMissingParameter, fe.Code)
	assert.Equal(t, flowerr.KindValidation, fe.Kind)
	assert.Contains(t, fe.Error(), "absent")

	nodeFailed := h.events.OfType(types.EventNodeFailed)
	require.Len(t, nodeFailed, 1)
	assert.Equal(t, "out", nodeFailed[0].(*types.NodeFailed).NodeID)
}

func TestExecute_OptionalInputMayBeMissing(t *testing.T) {
	h := newHarness(t, nil, nil)
	def := &types.WorkflowDefinition{Nodes: map[string]*types.NodeDefinition{
		"in":  {Type: types.NodeTypeEntrypoint},
		"out": {Type: types.NodeTypeResult, Inputs: map[string]types.InputSpec{"absent": src("in.missing")}},
	}}

	out, err := h.exec.Execute(context.Background(), request("wf-optional", def, nil))
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, out.Status)
}

func TestExecute_LeasedRunIsNotExecutedTwice(t *testing.T) {
	store := runstore.NewMemoryStore(nil)
	first := newHarness(t, store, &Config{Owner: "w1"})
	second := newHarness(t, store, &Config{Owner: "w2"})
	release := make(chan struct{})
	first.stub.wait["slow"] = release
	def := &types.WorkflowDefinition{Nodes: map[string]*types.NodeDefinition{
		"entry": {Type: types.NodeTypeEntrypoint},
		"slow":  stubNode("entry"),
	}}
	ctx := context.Background()

	type result struct {
		out *Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := first.exec.Execute(ctx, request("same", def, nil))
		done <- result{out, err}
	}()
	require.Eventually(t, func() bool { return first.stub.callCount("slow") == 1 }, 2*time.Second, 5*time.Millisecond)

	out, err := second.exec.Execute(ctx, request("same", def, nil))
	require.ErrorIs(t, err, runstore.ErrRunOwned)
	require.NotNil(t, out)
	assert.Equal(t, types.RunStatusRunning, out.Status)
	assert.Zero(t, second.stub.callCount("slow"))
	assert.Empty(t, second.events.Types())

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, types.RunStatusCompleted, res.out.Status)
	assert.Equal(t, 1, first.stub.callCount("slow"))

	// once finished, the other worker gets the recorded outcome
	again, err := second.exec.Execute(ctx, request("same", def, nil))
	require.NoError(t, err)
	assert.True(t, again.Resumed)
	assert.Equal(t, types.RunStatusCompleted, again.Status)
	assert.Zero(t, second.stub.callCount("slow"))
}

func TestExecute_LostLeaseStopsRun(t *testing.T) {
	store := runstore.NewMemoryStore(nil)
	h := newHarness(t, store, &Config{Owner: "w1", LeaseTTL: 30 * time.Millisecond})
	h.stub.hang["slow"] = true
	def := &types.WorkflowDefinition{Nodes: map[string]*types.NodeDefinition{
		"entry": {Type: types.NodeTypeEntrypoint},
		"slow":  stubNode("entry"),
	}}
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.exec.Execute(ctx, request("stolen", def, nil))
		done <- err
	}()
	require.Eventually(t, func() bool { return h.stub.callCount("slow") == 1 }, 2*time.Second, 5*time.Millisecond)

	// another worker takes the run over, as after a missed renewal
	_, err := store.UpdateRun(ctx, "stolen", func(ec *types.ExecutionContext) error {
		ec.Owner = "w2"
		return nil
	})
	require.NoError(t, err)

	select {
	case err := <-done:
		require.ErrorIs(t, err, runstore.ErrRunOwned)
	case <-time.After(2 * time.Second):
		t.Fatal("run kept going after losing its lease")
	}

	ec, err := store.LoadContext(ctx, "stolen")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusRunning, ec.Status)
	assert.Equal(t, "w2", ec.Owner)
	assert.Empty(t, h.events.OfType(types.EventNodeFailed))
	assert.Empty(t, h.events.OfType(types.EventWorkflowFailed))
}

func TestExecute_MaxParallelismBoundsWave(t *testing.T) {
	h := newHarness(t, nil, &Config{MaxParallelism: 2})
	h.stub.delay = 20 * time.Millisecond
	def := &types.WorkflowDefinition{Nodes: map[string]*types.NodeDefinition{
		"entry": {Type: types.NodeTypeEntrypoint},
		"a":     stubNode("entry"),
		"b":     stubNode("entry"),
		"c":     stubNode("entry"),
		"d":     stubNode("entry"),
	}}

	_, err := h.exec.Execute(context.Background(), request("wf-limit", def, nil))
	require.NoError(t, err)
	h.stub.mu.Lock()
	defer h.stub.mu.Unlock()
	assert.Equal(t, 2, h.stub.peak)
}
