// Package llm implements the model-call node and the pipeline it shares
// with provider adapters and the agent node.
package llm

import (
	"context"
	"sort"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/flowerr"
)

// Role of a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one conversation turn.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Images     []string   `json:"images,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
}

// ToolSpec advertises a callable tool to the model.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolCall is a model request to run a tool.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// Request is a provider call.
type Request struct {
	Model       string
	APIKey      string
	Messages    []Message
	Temperature *float64
	MaxTokens   int
	Tools       []ToolSpec
}

// Response is a completed single-shot call.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// Chunk is one piece of a streamed response. A chunk with Err set ends the
// stream.
type Chunk struct {
	Content string
	Err     error
}

// Provider talks to one model backend.
type Provider interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// Providers looks up adapters by name and rate limits calls per provider.
type Providers struct {
	mu        sync.RWMutex
	providers map[string]Provider
	limiters  map[string]*rate.Limiter
	rps       rate.Limit
	burst     int
}

// NewProviders creates an empty set. rps <= 0 disables rate limiting.
func NewProviders(rps float64, burst int) *Providers {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Providers{
		providers: make(map[string]Provider),
		limiters:  make(map[string]*rate.Limiter),
		rps:       limit,
		burst:     burst,
	}
}

// Register adds or replaces an adapter.
func (p *Providers) Register(name string, provider Provider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.providers[name] = provider
	p.limiters[name] = rate.NewLimiter(p.rps, p.burst)
}

// Names lists registered providers.
func (p *Providers) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.providers))
	for n := range p.providers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Get returns the named adapter wrapped with its rate limiter.
func (p *Providers) Get(name string) (Provider, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	provider, ok := p.providers[name]
	if !ok {
		return nil, flowerr.New(flowerr.CodeProviderUnavailable, "provider %q is not configured", name)
	}
	return &limited{Provider: provider, limiter: p.limiters[name]}, nil
}

type limited struct {
	Provider
	limiter *rate.Limiter
}

func (l *limited) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return flowerr.Wrap(flowerr.CodeTimeout, err, "waiting for provider rate limit")
	}
	return nil
}

func (l *limited) Generate(ctx context.Context, req *Request) (*Response, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.Provider.Generate(ctx, req)
}

func (l *limited) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.Provider.Stream(ctx, req)
}

// StaticProvider replies with fixed content. It backs local development
// and tests; chunks are streamed in order.
type StaticProvider struct {
	Chunks []string
	Err    error
}

func (s *StaticProvider) Generate(_ context.Context, _ *Request) (*Response, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return &Response{Content: strings.Join(s.Chunks, "")}, nil
}

func (s *StaticProvider) Stream(ctx context.Context, _ *Request) (<-chan Chunk, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		for _, c := range s.Chunks {
			select {
			case ch <- Chunk{Content: c}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// ProviderError classifies a provider failure, treating anything
// unrecognized as the provider being unavailable.
func ProviderError(provider string, err error) error {
	fe := flowerr.Classify(err)
	if fe.Code == flowerr.CodeInternal {
		fe = flowerr.Wrap(flowerr.CodeProviderUnavailable, err, "provider %s call failed", provider)
	}
	return fe
}
