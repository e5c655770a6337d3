package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys. Use these consistently so logs can be queried.
const (
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Protocol
	KeyCommand   = "command"
	KeyMessageID = "message_id"
	KeyAsyncID   = "async_id"
	KeyStatus    = "status"
	KeyDialect   = "dialect"
	KeyCredits   = "credits"
	KeySessionID = "session_id"
	KeyTreeID    = "tree_id"
	KeyState     = "state"

	// Targets
	KeyServer = "server"
	KeyShare  = "share"
	KeyPath   = "path"

	// DFS
	KeyReferral = "referral"
	KeyTTL      = "ttl"

	KeyDurationMs = "duration_ms"
	KeyError      = "error"
)

// Err returns an error attribute; a nil error yields an empty attribute.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Hex formats an identifier as 0x%X, the way protocol traces show them.
func Hex(key string, v uint64) slog.Attr {
	return slog.String(key, fmt.Sprintf("0x%X", v))
}
