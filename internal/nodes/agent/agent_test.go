package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/flowerr"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/nodes"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/nodes/llm"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/nodes/tool"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/secrets"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// scriptedProvider returns one response per call.
type scriptedProvider struct {
	responses []*llm.Response
	requests  []*llm.Request
}

func (s *scriptedProvider) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	cp := *req
	cp.Messages = append([]llm.Message(nil), req.Messages...)
	s.requests = append(s.requests, &cp)
	resp := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return resp, nil
}

func (s *scriptedProvider) Stream(context.Context, *llm.Request) (<-chan llm.Chunk, error) {
	panic("agent does not stream")
}

type addTool struct{}

func (addTool) Name() string                       { return "add" }
func (addTool) Description() string                { return "adds a and b" }
func (addTool) Parameters() map[string]interface{} { return nil }
func (addTool) Call(_ context.Context, args map[string]interface{}) (interface{}, error) {
	return args["a"].(float64) + args["b"].(float64), nil
}

func setup(p llm.Provider) *Node {
	providers := llm.NewProviders(0, 0)
	providers.Register("mock", p)
	pipeline := &llm.Pipeline{
		Providers: providers,
		Decrypter: secrets.DecrypterFunc(func(_ context.Context, ct string) (string, error) { return ct, nil }),
	}
	return NewNode(pipeline, tool.NewRegistry(addTool{}))
}

func agentDefinition(maxIter int) *types.NodeDefinition {
	return &types.NodeDefinition{
		Type:    types.NodeTypeAgent,
		Outputs: map[string]types.OutputSpec{"answer": {IOType: "string"}},
		Config: &types.AgentConfig{
			LLMConfig:     types.LLMConfig{Provider: "mock", Model: "m", APIKey: "k"},
			Tools:         []string{"add"},
			MaxIterations: maxIter,
		},
	}
}

func TestAgent_ToolLoop(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "add", Arguments: map[string]interface{}{"a": 2.0, "b": 3.0}}}},
		{Content: "the sum is 5"},
	}}
	node := setup(provider)

	var events []types.EventType
	opts := nodes.Options{OnEvent: func(d types.EventData) { events = append(events, d.EventType()) }}

	out, err := node.Execute(context.Background(), "agent", agentDefinition(4), map[string]interface{}{"prompt": "2+3?"}, opts)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"answer": "the sum is 5"}, out)

	assert.Equal(t, []types.EventType{
		types.EventAgentNotification,
		types.EventToolStarted,
		types.EventToolCompleted,
	}, events)

	require.Len(t, provider.requests, 2)
	assert.Len(t, provider.requests[0].Tools, 1)
	last := provider.requests[1].Messages
	assert.Equal(t, llm.RoleTool, last[len(last)-1].Role)
	assert.Equal(t, "5", last[len(last)-1].Content)
}

func TestAgent_IterationLimit(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c", Name: "add", Arguments: map[string]interface{}{"a": 1.0, "b": 1.0}}}},
	}}
	node := setup(provider)

	_, err := node.Execute(context.Background(), "agent", agentDefinition(2), map[string]interface{}{"prompt": "loop"}, nodes.Options{})
	require.Error(t, err)
	fe, ok := flowerr.As(err)
	require.True(t, ok)
	assert.Equal(t, flowerr.CodeUnexpectedState, fe.Code)
	assert.Len(t, provider.requests, 2)
}

func TestAgent_UnknownConfiguredTool(t *testing.T) {
	node := setup(&scriptedProvider{responses: []*llm.Response{{Content: "x"}}})
	def := agentDefinition(1)
	def.Config.(*types.AgentConfig).Tools = []string{"missing"}

	_, err := node.Execute(context.Background(), "agent", def, map[string]interface{}{"prompt": "p"}, nodes.Options{})
	fe, ok := flowerr.As(err)
	require.True(t, ok)
	assert.Equal(t, flowerr.KindValidation, fe.Kind)
}
