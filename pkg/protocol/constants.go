package protocol

// HomeDir is the user-level state directory (e.g., ~/.papergw).
const HomeDir = ".papergw"

// DefaultAPIPrefix is the path prefix every gateway route is mounted under.
const DefaultAPIPrefix = "/api"

// StatusOK and StatusError are the status values used by upstream workers and
// the gateway envelopes.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Event types written to the events table.
const (
	EventGatewayStart   = "gateway_start"
	EventGatewayStop    = "gateway_stop"
	EventSessionInit    = "session_init"
	EventSessionStop    = "session_stop"
	EventSetLot         = "set_lot"
	EventUpstreamError  = "upstream_error"
	EventStreamOpen     = "stream_open"
	EventStreamClose    = "stream_close"
	EventPlaybackLoad   = "playback_load"
	EventPlaybackReload = "playback_reload"
	EventHandlerPanic   = "handler_panic"
)

// Event sources.
const (
	SourceGateway  = "gateway"
	SourceSession  = "session"
	SourcePlayback = "playback"
)
