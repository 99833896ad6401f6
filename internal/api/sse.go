package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/metrics"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/notifier"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// StreamEvents handles GET /api/v1/triggers/{id}/events. Stored lifecycle
// events are replayed first, then new dispatch and result records are
// streamed until the run reaches a terminal event or the client leaves.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	triggerID := mux.Vars(r)["id"]
	requestID := GetRequestID(ctx, r)
	startTime := time.Now()

	if h.events == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "event streaming not configured", nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	// Subscribe before replaying so records published in between are not lost.
	live := h.events.Subscribe(ctx, triggerID)
	history, err := h.events.Replay(ctx, triggerID)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to replay events", err)
		return
	}

	metrics.SSEActiveConnections.Inc()
	defer metrics.SSEActiveConnections.Dec()

	logger := h.logger.With(
		slog.String("trigger_id", triggerID),
		slog.String("request_id", requestID),
	)
	logger.Info("event stream opened", slog.Int("replayed", len(history)))
	closed := func(reason string) {
		logger.Info("event stream closed",
			slog.Duration("duration", time.Since(startTime)),
			slog.String("reason", reason),
		)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for _, rec := range history {
		if !h.writeRecord(w, flusher, rec) {
			return
		}
		if terminal(rec.Type) {
			closed("run_finished")
			return
		}
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			closed("client_disconnect")
			return
		case rec, ok := <-live:
			if !ok {
				closed("subscription_ended")
				return
			}
			if !h.writeRecord(w, flusher, rec) {
				return
			}
			if terminal(rec.Type) {
				closed("run_finished")
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func terminal(t types.EventType) bool {
	return t == types.EventWorkflowCompleted || t == types.EventWorkflowFailed
}

// writeRecord writes one record in SSE framing. The data line is the
// published event envelope.
func (h *Handlers) writeRecord(w http.ResponseWriter, flusher http.Flusher, rec *notifier.Record) bool {
	if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", rec.ID, rec.Type, rec.Payload); err != nil {
		h.logger.Warn("failed to write event", "error", err)
		return false
	}
	flusher.Flush()
	return true
}
