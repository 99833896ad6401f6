package nodes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/flowerr"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// ErrUnknownKind is returned for a type tag with no registration.
var ErrUnknownKind = errors.New("unknown node type")

// Kind describes how to build a node type.
type Kind struct {
	// New constructs the node implementation.
	New func() Node

	// Config returns an empty config variant to decode into. Nil means the
	// kind accepts any config and receives it as *types.RawConfig.
	Config func() types.NodeConfig
}

// Registry maps type tags to node kinds. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Kind)}
}

// Register adds a kind. Registering a tag twice is an error.
func (r *Registry) Register(nodeType string, kind Kind) error {
	if nodeType == "" || kind.New == nil {
		return fmt.Errorf("register %q: type and constructor are required", nodeType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[nodeType]; exists {
		return fmt.Errorf("register %q: already registered", nodeType)
	}
	r.kinds[nodeType] = kind
	return nil
}

// MustRegister is Register for process wiring; it panics on error.
func (r *Registry) MustRegister(nodeType string, kind Kind) {
	if err := r.Register(nodeType, kind); err != nil {
		panic(err)
	}
}

// Types lists registered tags.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for t := range r.kinds {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Create builds the node for a type tag.
func (r *Registry) Create(nodeType string) (Node, error) {
	kind, err := r.kind(nodeType)
	if err != nil {
		return nil, err
	}
	return kind.New(), nil
}

func (r *Registry) kind(nodeType string) (Kind, error) {
	r.mu.RLock()
	kind, ok := r.kinds[nodeType]
	r.mu.RUnlock()
	if !ok {
		return Kind{}, fmt.Errorf("%w: %q", ErrUnknownKind, nodeType)
	}
	return kind, nil
}

// Bind decodes every node's config into the variant owned by its kind.
// Unknown kinds, unknown config fields and type mismatches are validation
// errors; all offending nodes are reported together.
func (r *Registry) Bind(def *types.WorkflowDefinition) error {
	var errs []error
	for _, id := range def.NodeIDs() {
		node := def.Nodes[id]
		if err := r.bindNode(node); err != nil {
			errs = append(errs, fmt.Errorf("node %q: %w", id, err))
		}
	}
	if len(errs) > 0 {
		return flowerr.Wrap(flowerr.CodeInvalidFormat, errors.Join(errs...), "invalid workflow definition")
	}
	return nil
}

func (r *Registry) bindNode(node *types.NodeDefinition) error {
	if node.Config != nil {
		return nil
	}
	kind, err := r.kind(node.Type)
	if err != nil {
		return err
	}
	if kind.Config == nil {
		node.Config = &types.RawConfig{Type: node.Type, Data: node.RawConfig}
		return nil
	}

	cfg := kind.Config()
	raw := bytes.TrimSpace(node.RawConfig)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("decode %s config: %w", node.Type, err)
		}
	}
	if cfg.NodeType() != node.Type {
		return fmt.Errorf("config variant %s does not match type %s", cfg.NodeType(), node.Type)
	}
	node.Config = cfg
	return nil
}
