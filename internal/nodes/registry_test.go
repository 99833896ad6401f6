package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/flowerr"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	RegisterBuiltins(r)
	require.NoError(t, r.Register(types.NodeTypeCode, Kind{
		New:    func() Node { return Result{} },
		Config: func() types.NodeConfig { return &types.CodeConfig{} },
	}))
	require.NoError(t, r.Register("custom", Kind{
		New: func() Node { return Result{} },
	}))
	return r
}

func decodeDefinition(t *testing.T, raw string) *types.WorkflowDefinition {
	t.Helper()
	var def types.WorkflowDefinition
	require.NoError(t, json.Unmarshal([]byte(raw), &def))
	return &def
}

func TestRegistry_RegisterTwice(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)
	err := r.Register(types.NodeTypeResult, Kind{New: func() Node { return Result{} }})
	assert.Error(t, err)
	assert.Equal(t, []string{"entrypoint", "result"}, r.Types())
}

func TestRegistry_CreateUnknown(t *testing.T) {
	_, err := NewRegistry().Create("nope")
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestRegistry_BindDecodesVariants(t *testing.T) {
	r := testRegistry(t)
	def := decodeDefinition(t, `{
		"nodes": {
			"entry": {"type": "entrypoint"},
			"run":   {"type": "code", "config": {"code": "function main() { return 1 }", "allowNetwork": true}},
			"ext":   {"type": "custom", "config": {"anything": [1, 2]}},
			"out":   {"type": "result", "inputs": {"v": {"source": "run"}}}
		}
	}`)

	require.NoError(t, r.Bind(def))

	code, ok := def.Nodes["run"].Config.(*types.CodeConfig)
	require.True(t, ok)
	assert.True(t, code.AllowNetwork)
	assert.Contains(t, code.Code, "function main")

	raw, ok := def.Nodes["ext"].Config.(*types.RawConfig)
	require.True(t, ok)
	assert.JSONEq(t, `{"anything": [1, 2]}`, string(raw.Data))

	_, ok = def.Nodes["entry"].Config.(*types.EntrypointConfig)
	assert.True(t, ok)
}

func TestRegistry_BindRejectsMismatch(t *testing.T) {
	r := testRegistry(t)
	def := decodeDefinition(t, `{
		"nodes": {
			"run":  {"type": "code", "config": {"code": "x", "model": "gpt"}},
			"what": {"type": "mystery"}
		}
	}`)

	err := r.Bind(def)
	require.Error(t, err)
	fe, ok := flowerr.As(err)
	require.True(t, ok)
	assert.Equal(t, flowerr.KindValidation, fe.Kind)
	assert.Contains(t, err.Error(), `node "run"`)
	assert.Contains(t, err.Error(), `node "what"`)
}

func TestBuiltins(t *testing.T) {
	ctx := context.Background()
	in := map[string]interface{}{"prompt": "hi"}

	out, err := Entrypoint{}.Execute(ctx, "entry", nil, in, Options{})
	require.NoError(t, err)
	assert.Equal(t, in, out)

	out, err = Result{}.Execute(ctx, "out", nil, map[string]interface{}{"response": "hello"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"response": "hello"}, out)
}
