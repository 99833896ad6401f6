package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/flowerr"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/metrics"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/nodes"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/secrets"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// Pipeline is the validation, credential, memory and invocation sequence
// shared by every model-backed node. Provider adapters differ only in how
// they talk to their backend.
type Pipeline struct {
	Providers *Providers
	Decrypter secrets.Decrypter
	Memory    MemoryStore // optional
	Logger    *slog.Logger
}

// Prepared is a validated call ready to run.
type Prepared struct {
	ProviderName string
	Provider     Provider
	Request      *Request
	Prompt       string
	Images       []string
	ResultKey    string
	IOType       string
	Stream       bool
}

// Prepare validates inputs and outputs, decrypts the API key and assembles
// the message sequence: system prompt, remembered turns, then the prompt.
func (p *Pipeline) Prepare(ctx context.Context, nodeID string, cfg *types.LLMConfig, def *types.NodeDefinition, inputs map[string]interface{}, opts nodes.Options) (*Prepared, error) {
	prompt, images, err := validateInputs(inputs)
	if err != nil {
		return nil, err
	}

	resultKey, out, err := def.ResultField()
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CodeInvalidParameter, err, "outputs must declare a single result field")
	}
	if out.IOType == "" {
		return nil, flowerr.New(flowerr.CodeMissingParameter, "output %q must declare an ioType", resultKey)
	}

	switch {
	case cfg.Provider == "":
		return nil, flowerr.New(flowerr.CodeMissingParameter, "provider is required")
	case cfg.Model == "":
		return nil, flowerr.New(flowerr.CodeMissingParameter, "model is required")
	case cfg.APIKey == "":
		return nil, flowerr.New(flowerr.CodeMissingParameter, "apiKey is required")
	}
	if p.Decrypter == nil {
		return nil, flowerr.New(flowerr.CodeUnexpectedState, "no decrypter configured")
	}
	apiKey, err := p.Decrypter.Decrypt(ctx, cfg.APIKey)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CodeAuthenticationFailed, err, "decrypt api key")
	}

	provider, err := p.Providers.Get(cfg.Provider)
	if err != nil {
		return nil, err
	}

	var msgs []Message
	if cfg.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: cfg.SystemPrompt})
	}
	history, err := p.history(ctx, cfg.Memory, opts.SessionID, nodeID)
	if err != nil {
		p.logger().Warn("memory read failed",
			slog.String("node_id", nodeID),
			slog.Any("error", err),
		)
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, Message{Role: RoleUser, Content: prompt, Images: images})

	return &Prepared{
		ProviderName: cfg.Provider,
		Provider:     provider,
		Request: &Request{
			Model:       cfg.Model,
			APIKey:      apiKey,
			Messages:    msgs,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		},
		Prompt:    prompt,
		Images:    images,
		ResultKey: resultKey,
		IOType:    out.IOType,
		Stream:    cfg.Stream,
	}, nil
}

// Complete invokes the provider. Streamed chunks are forwarded to the
// result callback before they are appended to the response.
func (p *Pipeline) Complete(ctx context.Context, prep *Prepared, opts nodes.Options) (string, error) {
	if !prep.Stream {
		resp, err := prep.Provider.Generate(ctx, prep.Request)
		if err != nil {
			return "", ProviderError(prep.ProviderName, err)
		}
		if resp.Content != "" {
			opts.Result(prep.ResultKey, resp.Content, prep.IOType)
		}
		return resp.Content, nil
	}

	stream, err := prep.Provider.Stream(ctx, prep.Request)
	if err != nil {
		return "", ProviderError(prep.ProviderName, err)
	}
	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", flowerr.Wrap(flowerr.CodeTimeout, ctx.Err(), "provider %s stream interrupted", prep.ProviderName)
		case chunk, ok := <-stream:
			if !ok {
				return sb.String(), nil
			}
			if chunk.Err != nil {
				return "", ProviderError(prep.ProviderName, chunk.Err)
			}
			opts.Result(prep.ResultKey, chunk.Content, prep.IOType)
			metrics.LLMChunks.WithLabelValues(prep.ProviderName).Inc()
			sb.WriteString(chunk.Content)
		}
	}
}

// Remember stores the prompt and a non-empty response as one turn.
func (p *Pipeline) Remember(ctx context.Context, policy *types.MemoryPolicy, sessionID, nodeID string, prep *Prepared, response string) {
	if response == "" || !p.memoryEnabled(policy, sessionID) {
		return
	}
	err := p.Memory.AddMessages(ctx, sessionID, nodeID, []Message{
		{Role: RoleUser, Content: prep.Prompt, Images: prep.Images},
		{Role: RoleAssistant, Content: response},
	})
	if err != nil {
		p.logger().Warn("memory write failed",
			slog.String("node_id", nodeID),
			slog.Any("error", err),
		)
	}
}

func (p *Pipeline) memoryEnabled(policy *types.MemoryPolicy, sessionID string) bool {
	if p.Memory == nil || sessionID == "" {
		return false
	}
	return policy == nil || policy.Enabled
}

func (p *Pipeline) history(ctx context.Context, policy *types.MemoryPolicy, sessionID, nodeID string) ([]Message, error) {
	if !p.memoryEnabled(policy, sessionID) {
		return nil, nil
	}
	msgs, err := p.Memory.GetMessages(ctx, sessionID, nodeID)
	if err != nil {
		return nil, err
	}
	if policy != nil && policy.MaxTurns > 0 && len(msgs) > policy.MaxTurns*2 {
		msgs = msgs[len(msgs)-policy.MaxTurns*2:]
	}
	return msgs, nil
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// validateInputs requires a string prompt and accepts an optional list of
// image strings.
func validateInputs(inputs map[string]interface{}) (string, []string, error) {
	raw, ok := inputs["prompt"]
	if !ok || raw == nil {
		return "", nil, flowerr.New(flowerr.CodeMissingParameter, "input prompt is required")
	}
	prompt, ok := raw.(string)
	if !ok {
		return "", nil, flowerr.New(flowerr.CodeInvalidParameter, "input prompt must be a string, got %T", raw)
	}

	var images []string
	switch v := inputs["images"].(type) {
	case nil:
	case []string:
		images = v
	case []interface{}:
		images = make([]string, 0, len(v))
		for i, e := range v {
			s, ok := e.(string)
			if !ok {
				return "", nil, flowerr.New(flowerr.CodeInvalidParameter, "input images[%d] must be a string, got %T", i, e)
			}
			images = append(images, s)
		}
	default:
		return "", nil, flowerr.New(flowerr.CodeInvalidParameter, "input images must be a list of strings, got %T", v)
	}
	return prompt, images, nil
}

// Node is the single model-call node.
type Node struct {
	pipeline *Pipeline
}

// NewNode creates an LLM node over a shared pipeline.
func NewNode(p *Pipeline) *Node {
	return &Node{pipeline: p}
}

// Execute implements nodes.Node. The output is {resultKey: response}.
func (n *Node) Execute(ctx context.Context, nodeID string, def *types.NodeDefinition, inputs map[string]interface{}, opts nodes.Options) (interface{}, error) {
	cfg, ok := def.Config.(*types.LLMConfig)
	if !ok {
		return nil, flowerr.New(flowerr.CodeInvalidFormat, "llm node has %T config", def.Config)
	}
	prep, err := n.pipeline.Prepare(ctx, nodeID, cfg, def, inputs, opts)
	if err != nil {
		return nil, err
	}
	opts.Log(fmt.Sprintf("calling %s model %s", cfg.Provider, cfg.Model))

	text, err := n.pipeline.Complete(ctx, prep, opts)
	if err != nil {
		return nil, err
	}
	n.pipeline.Remember(ctx, cfg.Memory, opts.SessionID, nodeID, prep, text)
	return map[string]interface{}{prep.ResultKey: text}, nil
}

// Register adds the llm kind to a registry.
func Register(r *nodes.Registry, p *Pipeline) {
	r.MustRegister(types.NodeTypeLLM, nodes.Kind{
		New:    func() nodes.Node { return NewNode(p) },
		Config: func() types.NodeConfig { return &types.LLMConfig{} },
	})
}
