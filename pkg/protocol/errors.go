package protocol

import "fmt"

// UninitializedError is returned when an operation needs a worker session that
// has not completed its upstream init handshake.
type UninitializedError struct {
	Kind Kind
}

func (e *UninitializedError) Error() string {
	return fmt.Sprintf("%s not initialized", e.Kind.Title())
}

// NotReadyError is returned by data fetches before a lot has been applied.
type NotReadyError struct {
	Kind Kind
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("%s not initialized or no lot set", e.Kind.Title())
}

// UpstreamRejectedError carries a non-ok upstream response. Error returns the
// upstream message verbatim so it can be surfaced to clients.
type UpstreamRejectedError struct {
	Kind    Kind
	Op      string
	Message string
}

func (e *UpstreamRejectedError) Error() string {
	return e.Message
}

// NetworkError wraps a transport or decoding failure talking to an upstream
// worker.
type NetworkError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// DataFetchError is returned when a data request fails for any reason after
// the preconditions passed. The message is the cause's message.
type DataFetchError struct {
	Kind Kind
	Err  error
}

func (e *DataFetchError) Error() string {
	if e.Err == nil {
		return "data fetch failed"
	}
	return e.Err.Error()
}

func (e *DataFetchError) Unwrap() error { return e.Err }

// DataNotLoadedError reports that the playback cursor cannot serve a record.
// Empty distinguishes "loaded but no records" from "never loaded".
type DataNotLoadedError struct {
	Empty bool
}

func (e *DataNotLoadedError) Error() string {
	if e.Empty {
		return "playback data is empty"
	}
	return "playback data not loaded"
}
