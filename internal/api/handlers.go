package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/archive"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/flowerr"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/notifier"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/runstore"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// ContextReader loads persisted execution contexts. runstore.Store
// satisfies it.
type ContextReader interface {
	LoadContext(ctx context.Context, workflowID string) (*types.ExecutionContext, error)
}

// ArchiveReader loads archived terminal contexts.
type ArchiveReader interface {
	Load(ctx context.Context, workflowID string) (*types.ExecutionContext, error)
}

// EventSource replays and tails published run events.
type EventSource interface {
	Replay(ctx context.Context, triggerID string) ([]*notifier.Record, error)
	Subscribe(ctx context.Context, triggerID string) <-chan *notifier.Record
}

// CheckFunc is a readiness probe for one dependency.
type CheckFunc func(ctx context.Context) error

// Options configures Handlers.
type Options struct {
	Contexts ContextReader
	Archive  ArchiveReader
	Events   EventSource
	Checks   map[string]CheckFunc

	// Heartbeat is the interval between keep-alive comments on event
	// streams (default 15s).
	Heartbeat time.Duration
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	contexts  ContextReader
	archive   ArchiveReader
	events    EventSource
	checks    map[string]CheckFunc
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(opts Options, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	return &Handlers{
		contexts:  opts.Contexts,
		archive:   opts.Archive,
		events:    opts.Events,
		checks:    opts.Checks,
		heartbeat: opts.Heartbeat,
		logger:    logger.With("component", "api"),
	}
}

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles /ready, running every dependency check.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	h.respondJSON(w, status, map[string]interface{}{
		"status": state,
		"checks": results,
	})
}

// GetContext handles GET /api/v1/workflows/{id}/context. Sensitive keys are
// removed from the response. Contexts expired from the live store are served
// from the archive when one is configured.
func (h *Handlers) GetContext(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workflowID := mux.Vars(r)["id"]

	ec, err := h.loadContext(ctx, workflowID)
	if err != nil {
		if runstore.IsNotFound(err) || errors.Is(err, archive.ErrNotFound) {
			h.respondError(w, r, http.StatusNotFound, "execution context not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to load execution context", err)
		return
	}

	body, err := scrubContext(ec)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to encode execution context", err)
		return
	}
	h.respondJSON(w, http.StatusOK, body)
}

func (h *Handlers) loadContext(ctx context.Context, workflowID string) (*types.ExecutionContext, error) {
	if h.contexts == nil {
		return nil, runstore.ErrContextNotFound
	}
	ec, err := h.contexts.LoadContext(ctx, workflowID)
	if err == nil || !runstore.IsNotFound(err) || h.archive == nil {
		return ec, err
	}
	return h.archive.Load(ctx, workflowID)
}

func scrubContext(ec *types.ExecutionContext) (map[string]interface{}, error) {
	raw, err := json.Marshal(ec)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return flowerr.Scrub(m), nil
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	if err != nil && status >= http.StatusInternalServerError {
		h.logger.Error(message,
			"error", err,
			"status", status,
			"request_id", GetRequestID(r.Context(), r),
		)
	}
	writeErrorResponse(w, r, status, message, err)
}
