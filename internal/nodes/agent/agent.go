// Package agent implements a model that calls tools in a bounded loop.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/flowerr"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/nodes"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/nodes/llm"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/nodes/tool"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

const defaultMaxIterations = 8

// Node runs the LLM pipeline, executing requested tool calls and feeding
// their results back until the model answers without calling a tool.
type Node struct {
	pipeline *llm.Pipeline
	tools    *tool.Registry
}

// NewNode creates an agent node.
func NewNode(p *llm.Pipeline, tools *tool.Registry) *Node {
	return &Node{pipeline: p, tools: tools}
}

// Execute implements nodes.Node. The output is {resultKey: answer}.
func (n *Node) Execute(ctx context.Context, nodeID string, def *types.NodeDefinition, inputs map[string]interface{}, opts nodes.Options) (interface{}, error) {
	cfg, ok := def.Config.(*types.AgentConfig)
	if !ok {
		return nil, flowerr.New(flowerr.CodeInvalidFormat, "agent node has %T config", def.Config)
	}

	specs := make([]llm.ToolSpec, 0, len(cfg.Tools))
	allowed := make(map[string]bool, len(cfg.Tools))
	for _, name := range cfg.Tools {
		t, ok := n.tools.Get(name)
		if !ok {
			return nil, flowerr.New(flowerr.CodeInvalidParameter, "tool %q is not registered", name)
		}
		allowed[name] = true
		specs = append(specs, llm.ToolSpec{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()})
	}

	prep, err := n.pipeline.Prepare(ctx, nodeID, &cfg.LLMConfig, def, inputs, opts)
	if err != nil {
		return nil, err
	}
	prep.Request.Tools = specs

	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	for i := 1; i <= maxIter; i++ {
		resp, err := prep.Provider.Generate(ctx, prep.Request)
		if err != nil {
			return nil, llm.ProviderError(prep.ProviderName, err)
		}

		if len(resp.ToolCalls) == 0 {
			if resp.Content != "" {
				opts.Result(prep.ResultKey, resp.Content, prep.IOType)
			}
			n.pipeline.Remember(ctx, cfg.Memory, opts.SessionID, nodeID, prep, resp.Content)
			return map[string]interface{}{prep.ResultKey: resp.Content}, nil
		}

		opts.Emit(&types.AgentNotification{
			NodeID:    nodeID,
			Iteration: i,
			Message:   fmt.Sprintf("calling %d tool(s)", len(resp.ToolCalls)),
		})
		prep.Request.Messages = append(prep.Request.Messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			var content string
			if !allowed[call.Name] {
				content = fmt.Sprintf("error: tool %q is not available to this agent", call.Name)
				opts.Emit(&types.ToolFailed{NodeID: nodeID, Tool: call.Name, CallID: call.ID, Message: content})
			} else if result, err := tool.Invoke(ctx, n.tools, nodeID, call.ID, call.Name, call.Arguments, opts); err != nil {
				content = "error: " + err.Error()
			} else {
				content = encodeResult(result)
			}
			prep.Request.Messages = append(prep.Request.Messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    content,
				ToolCallID: call.ID,
			})
		}
	}

	opts.Emit(&types.AgentNotification{
		NodeID:    nodeID,
		Iteration: maxIter,
		Message:   "iteration limit reached",
	})
	return nil, flowerr.New(flowerr.CodeUnexpectedState, "agent did not finish within %d iterations", maxIter)
}

func encodeResult(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// Register adds the agent kind to a node registry.
func Register(r *nodes.Registry, p *llm.Pipeline, tools *tool.Registry) {
	r.MustRegister(types.NodeTypeAgent, nodes.Kind{
		New:    func() nodes.Node { return NewNode(p, tools) },
		Config: func() types.NodeConfig { return &types.AgentConfig{} },
	})
}
