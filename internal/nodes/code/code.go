// Package code implements the node kind that runs user TypeScript in the
// sandbox.
package code

import (
	"context"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/flowerr"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/nodes"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/sandbox"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// Executor runs a script. *sandbox.Sandbox satisfies it.
type Executor interface {
	Execute(ctx context.Context, code string, opts sandbox.ExecuteOptions) (interface{}, error)
}

// Node calls the script's main with the resolved inputs as its only
// argument. Script output lines are forwarded as node logs.
type Node struct {
	exec Executor
}

// NewNode creates a code node.
func NewNode(exec Executor) *Node {
	return &Node{exec: exec}
}

// Execute implements nodes.Node. When the node declares a single output and
// main returns a non-object, the value is placed under that output's key.
func (n *Node) Execute(ctx context.Context, nodeID string, def *types.NodeDefinition, inputs map[string]interface{}, opts nodes.Options) (interface{}, error) {
	cfg, ok := def.Config.(*types.CodeConfig)
	if !ok {
		return nil, flowerr.New(flowerr.CodeInvalidFormat, "code node has %T config", def.Config)
	}
	if cfg.Code == "" {
		return nil, flowerr.New(flowerr.CodeMissingParameter, "code is required")
	}
	if inputs == nil {
		inputs = map[string]interface{}{}
	}

	result, err := n.exec.Execute(ctx, cfg.Code, sandbox.ExecuteOptions{
		Args:         []interface{}{inputs},
		AllowNetwork: cfg.AllowNetwork,
		Stdout:       func(line string) { opts.Log(line) },
		Stderr:       func(line string) { opts.Log("stderr: " + line) },
	})
	if err != nil {
		return nil, err
	}

	if _, isMap := result.(map[string]interface{}); isMap {
		return result, nil
	}
	if key, out, err := def.ResultField(); err == nil {
		opts.Result(key, result, out.IOType)
		return map[string]interface{}{key: result}, nil
	}
	return result, nil
}

// Register adds the code kind to a registry.
func Register(r *nodes.Registry, exec Executor) {
	r.MustRegister(types.NodeTypeCode, nodes.Kind{
		New:    func() nodes.Node { return NewNode(exec) },
		Config: func() types.NodeConfig { return &types.CodeConfig{} },
	})
}
