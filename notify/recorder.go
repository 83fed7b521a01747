package notify

import (
	"context"
	"slices"
	"sync"

	"github.com/warp/household-points/points"
)

// Recorder keeps published events in memory, oldest first.
type Recorder struct {
	mu     sync.Mutex
	events []points.Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, ev points.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []points.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// For returns the events addressed to userID.
func (r *Recorder) For(userID points.UserID) []points.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []points.Event
	for _, ev := range r.events {
		if ev.UserID == userID {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
