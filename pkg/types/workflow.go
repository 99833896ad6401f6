// Package types provides shared types for the flow engine.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Built-in node type tags.
const (
	NodeTypeEntrypoint = "entrypoint"
	NodeTypeResult     = "result"
	NodeTypeLLM        = "llm"
	NodeTypeAgent      = "agent"
	NodeTypeTool       = "tool"
	NodeTypeCode       = "code"
)

// WorkflowDefinition is the graph a run executes.
type WorkflowDefinition struct {
	Nodes    map[string]*NodeDefinition `json:"nodes"`
	Edges    []Edge                     `json:"edges,omitempty"`
	Metadata map[string]interface{}     `json:"metadata,omitempty"`
}

// Edge is an informational connection drawn in the builder. Scheduling is
// derived from input sources, not from edges.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// NodeDefinition describes one node of a workflow.
type NodeDefinition struct {
	Type           string                `json:"type"`
	Inputs         map[string]InputSpec  `json:"inputs,omitempty"`
	Outputs        map[string]OutputSpec `json:"outputs,omitempty"`
	TimeoutSeconds int                   `json:"timeoutSeconds,omitempty"`

	// RawConfig is the undecoded type-specific configuration as received.
	RawConfig json.RawMessage `json:"-"`

	// Config is the decoded variant, set once the definition has been bound
	// against a node registry.
	Config NodeConfig `json:"-"`
}

// InputSpec declares where a node input comes from.
type InputSpec struct {
	// Source is "nodeId" or "nodeId.field[.field...]".
	Source      string      `json:"source,omitempty"`
	StaticValue interface{} `json:"staticValue,omitempty"`
	IOType      string      `json:"ioType,omitempty"`
	Required    bool        `json:"required,omitempty"`
}

// OutputSpec declares a node output.
type OutputSpec struct {
	IOType    string `json:"ioType"`
	ResultKey string `json:"resultKey,omitempty"`
}

type nodeDefinitionWire struct {
	Type           string                `json:"type"`
	Inputs         map[string]InputSpec  `json:"inputs,omitempty"`
	Outputs        map[string]OutputSpec `json:"outputs,omitempty"`
	TimeoutSeconds int                   `json:"timeoutSeconds,omitempty"`
	Config         json.RawMessage       `json:"config,omitempty"`
}

// UnmarshalJSON keeps the config block raw; the registry decodes it into the
// variant owned by the node's kind.
func (d *NodeDefinition) UnmarshalJSON(data []byte) error {
	var w nodeDefinitionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*d = NodeDefinition{
		Type:           w.Type,
		Inputs:         w.Inputs,
		Outputs:        w.Outputs,
		TimeoutSeconds: w.TimeoutSeconds,
		RawConfig:      w.Config,
	}
	return nil
}

// MarshalJSON encodes the decoded config when present, else the raw one.
func (d NodeDefinition) MarshalJSON() ([]byte, error) {
	w := nodeDefinitionWire{
		Type:           d.Type,
		Inputs:         d.Inputs,
		Outputs:        d.Outputs,
		TimeoutSeconds: d.TimeoutSeconds,
		Config:         d.RawConfig,
	}
	if d.Config != nil {
		if raw, ok := d.Config.(*RawConfig); ok {
			w.Config = raw.Data
		} else {
			b, err := json.Marshal(d.Config)
			if err != nil {
				return nil, fmt.Errorf("marshal %s config: %w", d.Type, err)
			}
			w.Config = b
		}
	}
	return json.Marshal(w)
}

// ResultField returns the single declared output name and spec. It fails
// unless exactly one output is declared.
func (d *NodeDefinition) ResultField() (string, OutputSpec, error) {
	if len(d.Outputs) != 1 {
		return "", OutputSpec{}, fmt.Errorf("expected exactly one output, got %d", len(d.Outputs))
	}
	for name, spec := range d.Outputs {
		key := spec.ResultKey
		if key == "" {
			key = name
		}
		return key, spec, nil
	}
	return "", OutputSpec{}, errors.New("unreachable")
}

// NodeIDs returns the node ids in sorted order.
func (w *WorkflowDefinition) NodeIDs() []string {
	ids := make([]string, 0, len(w.Nodes))
	for id := range w.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EntrypointID returns the id of the entrypoint node, if any.
func (w *WorkflowDefinition) EntrypointID() (string, bool) {
	for _, id := range w.NodeIDs() {
		if w.Nodes[id].Type == NodeTypeEntrypoint {
			return id, true
		}
	}
	return "", false
}

// NodesOfType returns the sorted ids of every node with the given type.
func (w *WorkflowDefinition) NodesOfType(nodeType string) []string {
	var ids []string
	for _, id := range w.NodeIDs() {
		if w.Nodes[id].Type == nodeType {
			ids = append(ids, id)
		}
	}
	return ids
}

// ParseSource splits an input source into the producing node id and the
// remaining field path ("" when the whole output is referenced).
func ParseSource(source string) (nodeID, path string) {
	nodeID, path, _ = strings.Cut(source, ".")
	return nodeID, path
}

// Validate checks structural invariants of the definition.
func (w *WorkflowDefinition) Validate() error {
	if w == nil || len(w.Nodes) == 0 {
		return errors.New("definition has no nodes")
	}
	var errs []error
	for _, id := range w.NodeIDs() {
		node := w.Nodes[id]
		if node == nil {
			errs = append(errs, fmt.Errorf("node %q: empty definition", id))
			continue
		}
		if node.Type == "" {
			errs = append(errs, fmt.Errorf("node %q: missing type", id))
		}
		for name, in := range node.Inputs {
			if in.Source == "" {
				continue
			}
			src, _ := ParseSource(in.Source)
			switch {
			case src == id:
				errs = append(errs, fmt.Errorf("node %q: input %q references its own output", id, name))
			case w.Nodes[src] == nil:
				errs = append(errs, fmt.Errorf("node %q: input %q references unknown node %q", id, name, src))
			}
		}
	}
	if len(w.NodesOfType(NodeTypeEntrypoint)) > 1 {
		errs = append(errs, errors.New("definition declares more than one entrypoint"))
	}
	return errors.Join(errs...)
}
