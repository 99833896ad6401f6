package types

import "encoding/json"

// NodeConfig is the type-specific part of a node definition. Each node kind
// owns exactly one variant.
type NodeConfig interface {
	NodeType() string
}

// EntrypointConfig configures the node that seeds the run's inputs.
type EntrypointConfig struct{}

func (*EntrypointConfig) NodeType() string { return NodeTypeEntrypoint }

// ResultConfig configures a terminal result node.
type ResultConfig struct{}

func (*ResultConfig) NodeType() string { return NodeTypeResult }

// MemoryPolicy controls conversation memory for LLM-backed nodes.
type MemoryPolicy struct {
	Enabled  bool `json:"enabled"`
	MaxTurns int  `json:"maxTurns,omitempty"`
}

// LLMConfig configures a single model call.
type LLMConfig struct {
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	APIKey       string        `json:"apiKey"` // encrypted
	SystemPrompt string        `json:"systemPrompt,omitempty"`
	Stream       bool          `json:"stream,omitempty"`
	Temperature  *float64      `json:"temperature,omitempty"`
	MaxTokens    int           `json:"maxTokens,omitempty"`
	Memory       *MemoryPolicy `json:"memory,omitempty"`
}

func (*LLMConfig) NodeType() string { return NodeTypeLLM }

// AgentConfig configures a model that may call tools in a loop.
type AgentConfig struct {
	LLMConfig
	Tools         []string `json:"tools,omitempty"`
	MaxIterations int      `json:"maxIterations,omitempty"`
}

func (*AgentConfig) NodeType() string { return NodeTypeAgent }

// ToolConfig configures a single tool invocation.
type ToolConfig struct {
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

func (*ToolConfig) NodeType() string { return NodeTypeTool }

// CodeConfig configures a sandboxed script.
type CodeConfig struct {
	Code         string `json:"code"`
	AllowNetwork bool   `json:"allowNetwork,omitempty"`
}

func (*CodeConfig) NodeType() string { return NodeTypeCode }

// RawConfig carries the config of kinds registered without a typed variant.
type RawConfig struct {
	Type string
	Data json.RawMessage
}

func (c *RawConfig) NodeType() string { return c.Type }
