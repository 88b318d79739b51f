package wsocket

import (
	"context"
	"errors"
)

// Sentinels carry no stack; call sites add context with errors.WithMessagef.

// Protocol errors. The offending frame is dropped and the session keeps reading
// unless the error callback asks for a disconnect or the violation limit is hit.
var (
	// ErrMalformedFrame is returned when a message cannot be decoded into a Frame.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownStream is returned for Streaming or StreamEnd frames with no active stream.
	ErrUnknownStream = errors.New("unknown stream")
	// ErrDuplicateStream is returned when StreamStart names a stream id already in use.
	ErrDuplicateStream = errors.New("duplicate stream")
	// ErrStreamReused is returned when StreamStart names a stream id that already finished.
	ErrStreamReused = errors.New("stream id reused")
	// ErrStreamTooLarge is returned when a stream outgrows the configured maximum size.
	ErrStreamTooLarge = errors.New("stream too large")
	// ErrTooManyViolations tears the session down once the violation limit is exceeded.
	ErrTooManyViolations = errors.New("too many protocol violations")
)

// Stream outcome errors reported through the stream error callback.
var (
	// ErrIncompleteStream flags a stream whose size differs from the size announced
	// in StreamStart. The accumulated bytes are still delivered.
	ErrIncompleteStream = errors.New("incomplete stream")
	// ErrStreamTimeout is reported when a stream sees no chunk within the idle timeout.
	ErrStreamTimeout = errors.New("stream idle timeout")
	// ErrStreamAborted is reported for streams still in flight at session teardown.
	ErrStreamAborted = errors.New("stream aborted")
	// ErrStreamDiscarded is returned for chunks and StreamEnd frames that belong to
	// a stream already dropped for size, idle timeout or a sink failure. Such frames
	// are ignored without counting as a protocol error.
	ErrStreamDiscarded = errors.New("stream discarded")
)

// Transport and liveness errors.
var (
	// ErrConnectionClosed is returned when operating on a closed session.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrBufferFull is returned when the send queue cannot accept another frame.
	ErrBufferFull = errors.New("send buffer full")
	// ErrHeartbeatTimeout is the teardown cause when the peer stops talking.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
)

// Resource and controller errors, surfaced synchronously.
var (
	// ErrAddressInUse is returned by Start when the port is already taken.
	ErrAddressInUse = errors.New("address in use")
	// ErrBindFailure is returned by Start when the listener cannot be created.
	ErrBindFailure = errors.New("bind failure")
	// ErrUnreadableFile is returned by SendFile before any frame is written.
	ErrUnreadableFile = errors.New("file unreadable")
	// ErrServerStarted is returned by Start on a running server.
	ErrServerStarted = errors.New("server already started")
	// ErrSessionActive answers connections arriving while a session is open.
	ErrSessionActive = errors.New("session already active")
	// ErrSessionRunning is returned when Run is called twice on one session.
	ErrSessionRunning = errors.New("session already running")
	// ErrInvalidPath is returned by Start for a path not starting with '/'.
	ErrInvalidPath = errors.New("invalid path")
	// ErrInvalidChunkSize is returned when a chunk frame would not fit in one message.
	ErrInvalidChunkSize = errors.New("chunk size exceeds max message size")
)

// IsProtocolError reports whether err is a recoverable frame-level error.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrMalformedFrame) ||
		errors.Is(err, ErrUnknownStream) ||
		errors.Is(err, ErrDuplicateStream) ||
		errors.Is(err, ErrStreamReused) ||
		errors.Is(err, ErrStreamTooLarge) ||
		errors.Is(err, ErrTooManyViolations)
}

// IsLivenessError reports whether err was caused by missing heartbeats.
func IsLivenessError(err error) bool {
	return errors.Is(err, ErrHeartbeatTimeout)
}

// TransportError wraps a failed read or write on the websocket connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err came from the connection itself.
// Liveness failures count as transport failures.
func IsTransportError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransportError
	return errors.As(err, &te) || IsLivenessError(err) || errors.Is(err, ErrConnectionClosed)
}

// IsResourceError reports whether err is a synchronous resource failure.
func IsResourceError(err error) bool {
	return errors.Is(err, ErrAddressInUse) ||
		errors.Is(err, ErrBindFailure) ||
		errors.Is(err, ErrUnreadableFile)
}
