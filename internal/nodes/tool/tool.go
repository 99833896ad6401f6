// Package tool implements callable tools, their registry, and the tool node.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/flowerr"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/nodes"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// Tool is a named capability invocable by tool and agent nodes.
type Tool interface {
	Name() string
	Description() string
	// Parameters is a JSON schema for the arguments.
	Parameters() map[string]interface{}
	Call(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// Registry holds the tools available to a process.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry with the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Add(t)
	}
	return r
}

// Add registers a tool, replacing one with the same name.
func (r *Registry) Add(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Invoke runs a tool, emitting TOOL_STARTED and then TOOL_COMPLETED or
// TOOL_FAILED through opts.
func Invoke(ctx context.Context, r *Registry, nodeID, callID, name string, args map[string]interface{}, opts nodes.Options) (interface{}, error) {
	t, ok := r.Get(name)
	if !ok {
		err := flowerr.New(flowerr.CodeInvalidParameter, "tool %q is not registered", name)
		opts.Emit(&types.ToolFailed{NodeID: nodeID, Tool: name, CallID: callID, Message: err.Error()})
		return nil, err
	}

	opts.Emit(&types.ToolStarted{NodeID: nodeID, Tool: name, CallID: callID, Arguments: flowerr.Scrub(args)})
	result, err := t.Call(ctx, args)
	if err != nil {
		fe := flowerr.Classify(err)
		opts.Emit(&types.ToolFailed{NodeID: nodeID, Tool: name, CallID: callID, Message: fe.Error()})
		return nil, fmt.Errorf("tool %s: %w", name, fe)
	}
	opts.Emit(&types.ToolCompleted{NodeID: nodeID, Tool: name, CallID: callID, Result: result})
	return result, nil
}

// Node runs one configured tool. Static arguments from the config are
// overlaid by resolved inputs of the same name.
type Node struct {
	tools *Registry
}

// NewNode creates a tool node.
func NewNode(tools *Registry) *Node {
	return &Node{tools: tools}
}

// Execute implements nodes.Node.
func (n *Node) Execute(ctx context.Context, nodeID string, def *types.NodeDefinition, inputs map[string]interface{}, opts nodes.Options) (interface{}, error) {
	cfg, ok := def.Config.(*types.ToolConfig)
	if !ok {
		return nil, flowerr.New(flowerr.CodeInvalidFormat, "tool node has %T config", def.Config)
	}
	if cfg.Tool == "" {
		return nil, flowerr.New(flowerr.CodeMissingParameter, "tool is required")
	}

	args := make(map[string]interface{}, len(cfg.Arguments)+len(inputs))
	for k, v := range cfg.Arguments {
		args[k] = v
	}
	for k, v := range inputs {
		args[k] = v
	}
	return Invoke(ctx, n.tools, nodeID, nodeID, cfg.Tool, args, opts)
}

// Register adds the tool kind to a node registry.
func Register(r *nodes.Registry, tools *Registry) {
	r.MustRegister(types.NodeTypeTool, nodes.Kind{
		New:    func() nodes.Node { return NewNode(tools) },
		Config: func() types.NodeConfig { return &types.ToolConfig{} },
	})
}
