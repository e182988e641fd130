// Package logsink receives client_log frames forwarded by the gateway and
// persists them for later retrieval by debugging tools.
//
// Two backends are available:
//   - MemorySink — in-process capped ring, zero external dependencies.
//   - RedisSink  — capped Redis list, shared across gateway restarts.
//
// Both degrade gracefully: a failing sink never affects request handling.
package logsink

import (
	"context"
	"time"
)

// Entry is one client-side log line.
type Entry struct {
	ClientID string    `json:"client_id"`
	Level    string    `json:"level"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Sink accepts client log entries. Implementations must be safe for
// concurrent use.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}
