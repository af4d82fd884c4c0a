// Package events provides the build event log.
//
// Builds append one JSON line per event to .apack/events.jsonl: start and
// finish, every bundle outcome, hook runs and worker lifecycle. Several
// apack processes may share one log (a watch loop next to a one-off
// build), so appends are serialized with a lock file. Recording never
// fails a build: errors go to stderr.
package events

import (
	"encoding/json"
	"time"
)

// Event types.
const (
	BuildStarted  = "build.started"
	BuildFinished = "build.finished"
	BundleBuilt   = "bundle.built"
	BundleFailed  = "bundle.failed"
	WorkerSpawned = "worker.spawned"
	WorkerExited  = "worker.exited"
	WorkerKilled  = "worker.killed"
	HookRan       = "hook.ran"
	CacheCleaned  = "cache.cleaned"
)

// Event is one line of the log.
type Event struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Ts      time.Time       `json:"ts"`
	Actor   string          `json:"actor"`
	Subject string          `json:"subject,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Recorder records events. Implementations are safe for concurrent use
// and never block a build on a failed write.
type Recorder interface {
	Record(e Event)
}

// Discard drops every event.
var Discard Recorder = discardRecorder{}

type discardRecorder struct{}

func (discardRecorder) Record(Event) {}

// Filter selects events. Zero fields match everything.
type Filter struct {
	Type     string
	Actor    string
	Subject  string    // bundle name or worker task
	Since    time.Time // at or after
	AfterSeq uint64
}

// Match reports whether e passes every set field of f.
func (f Filter) Match(e Event) bool {
	switch {
	case f.AfterSeq > 0 && e.Seq <= f.AfterSeq:
		return false
	case f.Type != "" && e.Type != f.Type:
		return false
	case f.Actor != "" && e.Actor != f.Actor:
		return false
	case f.Subject != "" && e.Subject != f.Subject:
		return false
	case !f.Since.IsZero() && e.Ts.Before(f.Since):
		return false
	}
	return true
}

// Select returns the events of evts that match f, in order.
func (f Filter) Select(evts []Event) []Event {
	var out []Event
	for _, e := range evts {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out
}
