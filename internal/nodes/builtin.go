package nodes

import (
	"context"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// Entrypoint passes the run's raw inputs through as its output.
type Entrypoint struct{}

func (Entrypoint) Execute(_ context.Context, _ string, _ *types.NodeDefinition, inputs map[string]interface{}, _ Options) (interface{}, error) {
	out := make(map[string]interface{}, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	return out, nil
}

// Result is a terminal passthrough: its output is its resolved inputs.
type Result struct{}

func (Result) Execute(_ context.Context, _ string, _ *types.NodeDefinition, inputs map[string]interface{}, _ Options) (interface{}, error) {
	out := make(map[string]interface{}, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	return out, nil
}

// RegisterBuiltins adds the entrypoint and result kinds.
func RegisterBuiltins(r *Registry) {
	r.MustRegister(types.NodeTypeEntrypoint, Kind{
		New:    func() Node { return Entrypoint{} },
		Config: func() types.NodeConfig { return &types.EntrypointConfig{} },
	})
	r.MustRegister(types.NodeTypeResult, Kind{
		New:    func() Node { return Result{} },
		Config: func() types.NodeConfig { return &types.ResultConfig{} },
	})
}
