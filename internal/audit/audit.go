// Package audit provides a unified helper for logging session lifecycle
// events: connects, reuses, shares, and command executions. Every daemon
// handler writes through Write() so the daemon's log file carries one
// consistent shape for these events regardless of which code path produced
// them.
package audit

import "github.com/rs/zerolog"

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Entry holds all fields for a single audit record. A named struct avoids
// the swap-bug risk of several consecutive string parameters.
type Entry struct {
	ConnID string
	// Action is a dot-namespaced verb, e.g. "session.connect", "session.exec".
	Action string
	// Target is the affected host, e.g. "alice@db01:22".
	Target string
	// Status must be StatusSuccess or StatusFailed.
	Status string
	// Reason carries the failure detail when Status is StatusFailed.
	Reason string
}

// Write logs one audit record through log at info level (success) or warn
// level (failed). It never returns an error: an audit failure must never
// break the calling operation.
func Write(log zerolog.Logger, entry Entry) {
	event := log.Info()
	if entry.Status == StatusFailed {
		event = log.Warn()
	}
	event = event.
		Bool("audit", true).
		Str("conn_id", entry.ConnID).
		Str("action", entry.Action).
		Str("target", entry.Target).
		Str("status", entry.Status)
	if entry.Reason != "" {
		event = event.Str("reason", entry.Reason)
	}
	event.Msg(entry.Action)
}
