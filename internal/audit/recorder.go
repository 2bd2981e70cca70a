package audit

import (
	"context"
	"sync"
)

// Recorder is an in-memory Sink. It keeps events in write order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error // returned from Log when set
}

// Log appends the event, even when Err is set.
func (r *Recorder) Log(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.Err
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Actions returns the recorded action names in order.
func (r *Recorder) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Action
	}
	return out
}
