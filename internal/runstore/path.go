package runstore

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var simplePath = regexp.MustCompile(`^[A-Za-z0-9_\-]+(\.[A-Za-z0-9_\-]+)*$`)

// PathEvaluator extracts fields from node outputs. Plain dotted paths are
// walked directly; anything else (indexing, filters) is compiled as an
// expression over the variable "output" and cached.
type PathEvaluator struct {
	compiled map[string]*vm.Program
	mu       sync.RWMutex

	// MaxExpressionLength limits expression size (default: 1024)
	MaxExpressionLength int
}

// NewPathEvaluator creates a new evaluator.
func NewPathEvaluator() *PathEvaluator {
	return &PathEvaluator{
		compiled:            make(map[string]*vm.Program),
		MaxExpressionLength: 1024,
	}
}

// Extract returns the value at path inside value. The boolean is false when
// a segment is missing.
func (p *PathEvaluator) Extract(value interface{}, path string) (interface{}, bool, error) {
	if path == "" {
		return value, true, nil
	}
	if simplePath.MatchString(path) {
		v, ok := walk(value, strings.Split(path, "."))
		return v, ok, nil
	}
	v, err := p.evaluate("output."+path, map[string]interface{}{"output": value})
	if err != nil {
		return nil, false, err
	}
	return v, v != nil, nil
}

func walk(value interface{}, segments []string) (interface{}, bool) {
	cur := value
	for _, seg := range segments {
		switch t := cur.(type) {
		case map[string]interface{}:
			next, ok := t[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []interface{}:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(t) {
				return nil, false
			}
			cur = t[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func (p *PathEvaluator) evaluate(expression string, env map[string]interface{}) (interface{}, error) {
	if len(expression) > p.MaxExpressionLength {
		return nil, fmt.Errorf("path expression exceeds maximum length of %d characters", p.MaxExpressionLength)
	}

	p.mu.RLock()
	prog, ok := p.compiled[expression]
	p.mu.RUnlock()

	if !ok {
		var err error
		prog, err = expr.Compile(expression, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("compile path %q: %w", expression, err)
		}
		p.mu.Lock()
		p.compiled[expression] = prog
		p.mu.Unlock()
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate path %q: %w", expression, err)
	}
	return result, nil
}
