package sandbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/flowerr"
)

const script = `export async function main(a: number, b: number) {
  return { sum: a + b };
}
`

func newTestSandbox(t *testing.T, run string) (*Sandbox, string) {
	t.Helper()
	base := t.TempDir()
	sb := New(&Config{
		BaseDir:    base,
		Isolation:  IsolationNone,
		InstallCmd: []string{"sh", "-c", "test -f package.json"},
		// the compiler is stood in for by a check that the wrapper was appended
		CompileCmd: []string{"sh", "-c", "grep -q JSON.stringify index.ts && test -f tsconfig.json"},
		RunCmd:     []string{"sh", "-c", run},
		RunTimeout: 5 * time.Second,
		Env:        []string{"PATH"},
		NewID:      func() string { return "test1" },
	}, nil)
	return sb, filepath.Join(base, "sandbox-test1")
}

func assertRemoved(t *testing.T, dir string) {
	t.Helper()
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "sandbox directory %s should be removed", dir)
}

func requireCode(t *testing.T, err error, code flowerr.Code) {
	t.Helper()
	require.Error(t, err)
	fe, ok := flowerr.As(err)
	require.True(t, ok, "expected classified error, got %v", err)
	assert.Equal(t, code, fe.Code)
}

func TestExecute_Success(t *testing.T) {
	marker := resultMarker("test1")
	sb, dir := newTestSandbox(t, `echo "working"; echo '`+marker+`{"sum":5}'; echo "oops" >&2`)

	var stdout, stderr []string
	result, err := sb.Execute(context.Background(), script, ExecuteOptions{
		Args:   []interface{}{2, 3},
		Stdout: func(l string) { stdout = append(stdout, l) },
		Stderr: func(l string) { stderr = append(stderr, l) },
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"sum": float64(5)}, result)
	assert.Equal(t, []string{"working"}, stdout)
	assert.Equal(t, []string{"oops"}, stderr)
	assertRemoved(t, dir)
}

func TestExecute_MissingEntryFunction(t *testing.T) {
	sb, _ := newTestSandbox(t, "true")
	_, err := sb.Execute(context.Background(), "const x = 1;", ExecuteOptions{})
	requireCode(t, err, flowerr.CodeEntryFunctionMissing)
}

func TestExecute_CompileFailureCleansUp(t *testing.T) {
	sb, dir := newTestSandbox(t, "true")
	sb.cfg.CompileCmd = []string{"sh", "-c", "echo 'index.ts(1,1): error TS1005' ; exit 2"}

	_, err := sb.Execute(context.Background(), script, ExecuteOptions{})
	requireCode(t, err, flowerr.CodeCompileFailed)
	assert.Contains(t, err.Error(), "TS1005")
	assertRemoved(t, dir)
}

func TestExecute_RuntimeFailure(t *testing.T) {
	sb, dir := newTestSandbox(t, "echo boom >&2; exit 1")
	_, err := sb.Execute(context.Background(), script, ExecuteOptions{})
	requireCode(t, err, flowerr.CodeRuntimeFailed)
	assertRemoved(t, dir)
}

func TestExecute_ResultParseFailure(t *testing.T) {
	marker := resultMarker("test1")

	sb, _ := newTestSandbox(t, "echo no-marker")
	_, err := sb.Execute(context.Background(), script, ExecuteOptions{})
	requireCode(t, err, flowerr.CodeResultParseFailed)

	sb, _ = newTestSandbox(t, `echo '`+marker+`{not json'`)
	_, err = sb.Execute(context.Background(), script, ExecuteOptions{})
	requireCode(t, err, flowerr.CodeResultParseFailed)
}

func TestExecute_InstallsNodeTypesAndDependencies(t *testing.T) {
	marker := resultMarker("test1")
	sb, dir := newTestSandbox(t, `echo '`+marker+`null'`)
	sb.cfg.InstallCmd = []string{"sh", "-c", "grep -q '\"@types/node\": \"" + nodeTypesVersion + "\"' package.json || exit 3; grep -q lodash package.json || exit 4"}

	withDeps := "import _ from 'lodash';\n" + script
	result, err := sb.Execute(context.Background(), withDeps, ExecuteOptions{})
	require.NoError(t, err)
	assert.Nil(t, result)
	assertRemoved(t, dir)

	// install still runs without imports, for the node typings
	_, err = sb.Execute(context.Background(), script, ExecuteOptions{})
	requireCode(t, err, flowerr.CodeDependencyInstallFailed)
	assert.Contains(t, err.Error(), "status 4")
}

func TestExecute_OversizedResultLine(t *testing.T) {
	marker := resultMarker("test1")
	sb, dir := newTestSandbox(t, `printf '%s' '`+marker+`"'; head -c 5000000 /dev/zero | tr '\0' a; echo '"'`)

	_, err := sb.Execute(context.Background(), script, ExecuteOptions{})
	requireCode(t, err, flowerr.CodeResultParseFailed)
	assert.Contains(t, err.Error(), "exceeds")
	assert.NotContains(t, err.Error(), "produced no result")
	assertRemoved(t, dir)
}

func TestExecute_Timeout(t *testing.T) {
	sb, dir := newTestSandbox(t, "exec sleep 5")
	sb.cfg.RunTimeout = 100 * time.Millisecond

	_, err := sb.Execute(context.Background(), script, ExecuteOptions{})
	requireCode(t, err, flowerr.CodeTimeout)
	assertRemoved(t, dir)
}

func TestDiscoverDependencies(t *testing.T) {
	code := strings.Join([]string{
		`import axios from "axios";`,
		`import { z } from 'zod';`,
		`import type { Foo } from "@scope/pkg/sub/path";`,
		`import "reflect-metadata";`,
		`import * as fs from "fs";`,
		`import path from "node:path";`,
		`import helper from "./helper";`,
		`const fp = require("lodash/fp");`,
		`const later = await import('date-fns');`,
		`import { readFile } from "fs/promises";`,
		`export { thing } from "re-export";`,
	}, "\n")

	assert.Equal(t, []string{
		"@scope/pkg",
		"axios",
		"date-fns",
		"lodash",
		"re-export",
		"reflect-metadata",
		"zod",
	}, DiscoverDependencies(code))
}

func TestWrap_EmbedsArgumentsAndMarker(t *testing.T) {
	out, err := wrap(script, []interface{}{"it's", map[string]interface{}{"n": 1}}, resultMarker("abc"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, script))
	assert.Contains(t, out, `"__FLOWENGINE_RESULT__abc:"`)
	assert.Contains(t, out, `JSON.parse("[\"it's\",{\"n\":1}]")`)
}

func TestNsjailPolicy_Network(t *testing.T) {
	assert.Contains(t, nsjailPolicy("x", "/tmp/sandbox-x", false), "clone_newnet: true")
	assert.Contains(t, nsjailPolicy("x", "/tmp/sandbox-x", true), "clone_newnet: false")
}

func TestNsjailPolicy_SandboxDirSurvivesTmpfs(t *testing.T) {
	policy := nsjailPolicy("x", "/tmp/sandbox-x", false)

	assert.Contains(t, policy, `cwd: "/sandbox"`)
	assert.NotContains(t, policy, `dst: "/tmp/sandbox-x"`)

	tmpfs := strings.Index(policy, `dst: "/tmp"`)
	bind := strings.Index(policy, "src: \"/tmp/sandbox-x\"\n  dst: \"/sandbox\"")
	require.NotEqual(t, -1, tmpfs)
	require.NotEqual(t, -1, bind)
	assert.Less(t, tmpfs, bind, "tmpfs on /tmp must be mounted before the sandbox bind")
}

func TestMaterialize_PinsNodeTypes(t *testing.T) {
	sb := New(&Config{BaseDir: t.TempDir(), Isolation: IsolationNone}, nil)
	dir := filepath.Join(sb.cfg.BaseDir, "sandbox-m")
	require.NoError(t, sb.materialize(dir, "m", script, []string{"zod"}, false))

	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	require.NoError(t, err)
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	require.NoError(t, json.Unmarshal(raw, &pkg))
	assert.Equal(t, map[string]string{"zod": "latest"}, pkg.Dependencies)
	assert.Equal(t, nodeTypesVersion, pkg.DevDependencies["@types/node"])
}
