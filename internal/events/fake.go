package events

import (
	"sync"
	"time"
)

// Fake is an in-memory [Recorder] for tests.
type Fake struct {
	mu     sync.Mutex
	Events []Event
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{}
}

// Record appends e with the next sequence number.
func (f *Fake) Record(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.Seq = uint64(len(f.Events)) + 1
	if e.Ts.IsZero() {
		e.Ts = time.Now()
	}
	f.Events = append(f.Events, e)
}

// Types returns the recorded event types in order.
func (f *Fake) Types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Events))
	for i, e := range f.Events {
		out[i] = e.Type
	}
	return out
}

// List returns the recorded events matching filter.
func (f *Fake) List(filter Filter) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return filter.Select(f.Events), nil
}
