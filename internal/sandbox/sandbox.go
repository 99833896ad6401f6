// Package sandbox runs user-submitted TypeScript under process isolation.
//
// A script goes through validate, wrap, materialize, dependency discovery,
// install, compile and run. Each stage fails with its own error code, and
// the sandbox directory is removed on every exit path.
package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/flowerr"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/metrics"
)

// Isolation selects how child processes are confined.
type Isolation string

const (
	IsolationNsjail Isolation = "nsjail"
	IsolationNone   Isolation = "none" // development only
)

const resultMarkerPrefix = "__FLOWENGINE_RESULT__"

// Stage names, used in errors and metrics.
const (
	stageInstall = "install"
	stageCompile = "compile"
	stageRun     = "run"
)

var entryFunction = regexp.MustCompile(`(?m)(?:^|[\s;])(?:export\s+)?(?:async\s+)?function\s+main\s*[<(]|(?:^|[\s;])(?:export\s+)?(?:const|let|var)\s+main\s*[:=]`)

// Config holds configuration for the sandbox.
type Config struct {
	// BaseDir is where sandbox directories are created.
	BaseDir string

	Isolation  Isolation
	NsjailPath string

	// Commands run inside the sandbox directory.
	InstallCmd []string
	CompileCmd []string
	RunCmd     []string

	InstallTimeout time.Duration
	CompileTimeout time.Duration
	RunTimeout     time.Duration

	// Env lists host variables passed through to child processes.
	Env []string

	// NewID generates sandbox ids (default: uuid).
	NewID func() string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseDir:        os.TempDir(),
		Isolation:      IsolationNsjail,
		NsjailPath:     "nsjail",
		InstallCmd:     []string{"npm", "install", "--no-audit", "--no-fund", "--silent"},
		CompileCmd:     []string{"tsc", "-p", "tsconfig.json"},
		RunCmd:         []string{"node", "dist/index.js"},
		InstallTimeout: 2 * time.Minute,
		CompileTimeout: time.Minute,
		RunTimeout:     5 * time.Minute,
		Env:            []string{"PATH", "HOME"},
	}
}

// Sink receives one line of child output.
type Sink func(line string)

// ExecuteOptions are per-script settings.
type ExecuteOptions struct {
	// Args are passed to main, JSON-encoded.
	Args         []interface{}
	AllowNetwork bool
	Stdout       Sink
	Stderr       Sink
}

// Sandbox executes scripts.
type Sandbox struct {
	cfg    *Config
	logger *slog.Logger
}

// New creates a sandbox. Unset fields in cfg take their defaults.
func New(cfg *Config, logger *slog.Logger) *Sandbox {
	d := DefaultConfig()
	if cfg == nil {
		cfg = d
	}
	c := *cfg
	if c.BaseDir == "" {
		c.BaseDir = d.BaseDir
	}
	if c.Isolation == "" {
		c.Isolation = d.Isolation
	}
	if c.NsjailPath == "" {
		c.NsjailPath = d.NsjailPath
	}
	if len(c.InstallCmd) == 0 {
		c.InstallCmd = d.InstallCmd
	}
	if len(c.CompileCmd) == 0 {
		c.CompileCmd = d.CompileCmd
	}
	if len(c.RunCmd) == 0 {
		c.RunCmd = d.RunCmd
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandbox{cfg: &c, logger: logger.With("component", "sandbox")}
}

// Execute runs code's main function with opts.Args and returns its
// JSON-decoded return value.
func (s *Sandbox) Execute(ctx context.Context, code string, opts ExecuteOptions) (result interface{}, err error) {
	if !entryFunction.MatchString(code) {
		return nil, flowerr.New(flowerr.CodeEntryFunctionMissing, "script must declare a main function")
	}

	id := s.cfg.NewID()
	marker := resultMarker(id)
	wrapped, err := wrap(code, opts.Args, marker)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CodeInvalidParameter, err, "encode arguments")
	}

	dir := filepath.Join(s.cfg.BaseDir, "sandbox-"+id)
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			s.logger.Error("failed to remove sandbox directory",
				slog.String("dir", dir),
				slog.Any("error", rmErr),
			)
		}
	}()

	deps := DiscoverDependencies(wrapped)
	if err := s.materialize(dir, id, wrapped, deps, opts.AllowNetwork); err != nil {
		return nil, flowerr.Wrap(flowerr.CodeInternal, err, "materialize sandbox")
	}

	logger := s.logger.With(slog.String("sandbox_id", id))
	logger.Debug("sandbox prepared", slog.Int("dependencies", len(deps)))

	// Install runs even without imports: the compiler needs @types/node.
	if _, err := s.run(ctx, stageInstall, dir, s.cfg.InstallTimeout, s.cfg.InstallCmd, policyInstall, opts, ""); err != nil {
		return nil, stageError(flowerr.CodeDependencyInstallFailed, stageInstall, err)
	}
	if _, err := s.run(ctx, stageCompile, dir, s.cfg.CompileTimeout, s.cfg.CompileCmd, policyRun, opts, ""); err != nil {
		return nil, stageError(flowerr.CodeCompileFailed, stageCompile, err)
	}
	captured, err := s.run(ctx, stageRun, dir, s.cfg.RunTimeout, s.cfg.RunCmd, policyRun, opts, marker)
	if errors.Is(err, bufio.ErrTooLong) {
		return nil, flowerr.Wrap(flowerr.CodeResultParseFailed, err, "script output line exceeds %d bytes", maxLineSize)
	}
	if err != nil {
		return nil, stageError(flowerr.CodeRuntimeFailed, stageRun, err)
	}

	if captured == nil {
		return nil, flowerr.New(flowerr.CodeResultParseFailed, "script produced no result")
	}
	if err := json.Unmarshal([]byte(*captured), &result); err != nil {
		return nil, flowerr.Wrap(flowerr.CodeResultParseFailed, err, "parse script result")
	}
	return result, nil
}

func resultMarker(id string) string {
	return resultMarkerPrefix + id + ":"
}

// wrap appends an invocation of main that prints the marker line followed by
// the JSON-encoded return value.
func wrap(code string, args []interface{}, marker string) (string, error) {
	if args == nil {
		args = []interface{}{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	// JSON string literals are valid JS string literals.
	argsLit, _ := json.Marshal(string(argsJSON))
	markerLit, _ := json.Marshal(marker)

	var b strings.Builder
	b.WriteString(code)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, `(async () => {
  const __args: any[] = JSON.parse(%s);
  try {
    const __result = await (main as any)(...__args);
    console.log(%s + JSON.stringify(__result === undefined ? null : __result));
  } catch (err: any) {
    console.error(err && err.stack ? err.stack : String(err));
    process.exit(1);
  }
})();
`, argsLit, markerLit)
	return b.String(), nil
}

type exitError struct {
	stage string
	code  int
	tail  []string
}

func (e *exitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.stage, e.code)
	if len(e.tail) > 0 {
		msg += ": " + strings.Join(e.tail, "\n")
	}
	return msg
}

func stageError(code flowerr.Code, stage string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return flowerr.Wrap(flowerr.CodeTimeout, err, "sandbox %s timed out", stage)
	}
	return flowerr.Wrap(code, err, "sandbox %s failed", stage)
}

const tailLines = 20

// run executes one stage and streams its output. When marker is set, the
// stdout line carrying it is captured instead of forwarded.
func (s *Sandbox) run(ctx context.Context, stage, dir string, timeout time.Duration, argv []string, policy string, opts ExecuteOptions, marker string) (*string, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty %s command", stage)
	}
	if s.cfg.Isolation == IsolationNsjail {
		argv = append([]string{s.cfg.NsjailPath, "--config", filepath.Join(dir, policy), "--"}, argv...)
	}

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	c.Dir = dir
	c.Env = s.env()
	c.WaitDelay = 2 * time.Second

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	if err := c.Start(); err != nil {
		metrics.SandboxExecutions.WithLabelValues(stage, "start_failed").Inc()
		return nil, fmt.Errorf("start %s: %w", stage, err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		tail     []string
		captured *string
		scanErr  error
	)
	remember := func(line string) {
		mu.Lock()
		tail = append(tail, line)
		if len(tail) > tailLines {
			tail = tail[1:]
		}
		mu.Unlock()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		err := scanLines(stdout, func(line string) {
			if marker != "" && strings.HasPrefix(line, marker) {
				v := strings.TrimPrefix(line, marker)
				captured = &v
				return
			}
			remember(line)
			if opts.Stdout != nil {
				opts.Stdout(line)
			}
		})
		if err != nil {
			mu.Lock()
			scanErr = err
			mu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		_ = scanLines(stderr, func(line string) {
			remember(line)
			if opts.Stderr != nil {
				opts.Stderr(line)
			}
		})
	}()
	wg.Wait()

	err = c.Wait()
	s.logger.Debug("sandbox stage finished",
		slog.String("stage", stage),
		slog.Duration("duration", time.Since(start)),
		slog.Any("error", err),
	)
	if err != nil {
		metrics.SandboxExecutions.WithLabelValues(stage, "failed").Inc()
		if ctxErr := execCtx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", stage, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &exitError{stage: stage, code: exitErr.ExitCode(), tail: tail}
		}
		return nil, fmt.Errorf("%s: %w", stage, err)
	}
	if scanErr != nil {
		metrics.SandboxExecutions.WithLabelValues(stage, "failed").Inc()
		return nil, fmt.Errorf("%s: read stdout: %w", stage, scanErr)
	}
	metrics.SandboxExecutions.WithLabelValues(stage, "succeeded").Inc()
	return captured, nil
}

const maxLineSize = 4 * 1024 * 1024

// scanLines calls fn for each non-empty line of r. A scan error such as
// bufio.ErrTooLong is returned after the rest of r is drained.
func scanLines(r io.Reader, fn func(string)) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, maxLineSize)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fn(line)
	}
	// drain so the child never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
	return scanner.Err()
}

func (s *Sandbox) env() []string {
	env := make([]string, 0, len(s.cfg.Env)+1)
	for _, name := range s.cfg.Env {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return append(env, "NODE_ENV=production")
}
