// Package nodes defines the node contract, the registry that maps type tags
// to implementations, and the built-in entrypoint and result kinds.
package nodes

import (
	"context"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// Node is a unit of work. Execute returns the node's output or an error;
// errors are classified by the executor at the node boundary.
type Node interface {
	Execute(ctx context.Context, nodeID string, def *types.NodeDefinition, inputs map[string]interface{}, opts Options) (interface{}, error)
}

// NodeFunc adapts a function to Node.
type NodeFunc func(ctx context.Context, nodeID string, def *types.NodeDefinition, inputs map[string]interface{}, opts Options) (interface{}, error)

func (f NodeFunc) Execute(ctx context.Context, nodeID string, def *types.NodeDefinition, inputs map[string]interface{}, opts Options) (interface{}, error) {
	return f(ctx, nodeID, def, inputs, opts)
}

// Options exposes run identity and observer callbacks to a node. Callbacks
// may be nil.
type Options struct {
	WorkflowID string
	TriggerID  string
	SessionID  string

	// OnNodeResult receives incremental output for a declared field.
	OnNodeResult func(field string, chunk interface{}, ioType string)

	// OnNodeLog receives diagnostic lines.
	OnNodeLog func(message string)

	// OnEvent receives tool and agent notifications.
	OnEvent func(data types.EventData)
}

// Result forwards a chunk when a result callback is set.
func (o Options) Result(field string, chunk interface{}, ioType string) {
	if o.OnNodeResult != nil {
		o.OnNodeResult(field, chunk, ioType)
	}
}

// Log forwards a diagnostic line when a log callback is set.
func (o Options) Log(message string) {
	if o.OnNodeLog != nil {
		o.OnNodeLog(message)
	}
}

// Emit forwards an event when an event callback is set.
func (o Options) Emit(data types.EventData) {
	if o.OnEvent != nil {
		o.OnEvent(data)
	}
}
