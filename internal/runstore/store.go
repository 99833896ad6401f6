// Package runstore persists the execution context of workflow runs.
package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrContextNotFound = errors.New("execution context not found")
	ErrVersionConflict = errors.New("execution context version conflict")
	ErrRunOwned        = errors.New("run is leased by another worker")
)

// Store is the durable backend behind a run's execution context. Run-level
// fields and every node record are stored separately, so writers touching
// different nodes never overwrite each other. Each record carries a version
// that is advanced under an optimistic check on every write.
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateContext persists ec unless a context already exists for its
	// workflow id. It returns the persisted context and whether it was
	// created by this call.
	CreateContext(ctx context.Context, ec *types.ExecutionContext) (*types.ExecutionContext, bool, error)

	// LoadContext reads the full context including node records.
	LoadContext(ctx context.Context, workflowID string) (*types.ExecutionContext, error)

	// UpdateNode applies fn to one node record (a zero record when none
	// exists yet) and persists the result.
	UpdateNode(ctx context.Context, workflowID, nodeID string, fn func(*types.NodeExecution) error) (*types.NodeExecution, error)

	// MarkCompleted adds node ids to the completed set.
	MarkCompleted(ctx context.Context, workflowID string, nodeIDs ...string) error

	// UpdateRun applies fn to the run-level fields and persists the result.
	// Node records and the completed set passed to fn are informational.
	UpdateRun(ctx context.Context, workflowID string, fn func(*types.ExecutionContext) error) (*types.ExecutionContext, error)

	Ping(ctx context.Context) error
	Close() error
}

// Config holds configuration shared by Store implementations.
type Config struct {
	// Prefix for all keys (default: "workflow:context")
	Prefix string

	// TTL for contexts, refreshed on every write (0 = no expiry)
	TTL time.Duration

	// MaxRetries bounds optimistic update retries (default: 16)
	MaxRetries int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Prefix:     "workflow:context",
		TTL:        24 * time.Hour,
		MaxRetries: 16,
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.Prefix == "" {
		out.Prefix = d.Prefix
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = d.MaxRetries
	}
	return &out
}
