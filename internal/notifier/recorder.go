package notifier

import (
	"context"
	"sync"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// Recorder keeps published events in memory. It is used in development
// mode and tests.
type Recorder struct {
	mu     sync.Mutex
	events []*types.Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, ev *types.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Close implements Publisher.
func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []*types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.Event(nil), r.events...)
}

// Types returns the event types in publish order.
func (r *Recorder) Types() []types.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// OfType returns the payloads of events with type t.
func (r *Recorder) OfType(t types.EventType) []types.EventData {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.EventData
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev.Data)
		}
	}
	return out
}

var _ Publisher = (*Recorder)(nil)
