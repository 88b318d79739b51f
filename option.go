package wsocket

import (
	"time"

	"nhooyr.io/websocket"
)

// ErrorAction defines the action to take when a protocol error occurs.
type ErrorAction int

const (
	// Disconnect tears the session down.
	Disconnect ErrorAction = iota
	// Continue drops the offending frame and keeps reading.
	Continue
)

// ConnState is reported through the connection state callback.
type ConnState int

const (
	StateOpen ConnState = iota
	StateClosed
)

func (s ConnState) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// Default configuration values.
const (
	defaultBufferSize        = 16
	defaultMaxMessageSize    = 1024 * 1024
	defaultChunkSize         = 64 * 1024
	defaultHeartbeatInterval = 5 * time.Second
	defaultMissedHeartbeats  = 3
	defaultViolationLimit    = 16
)

var defaultHello = []byte("hello world!")

// options holds the configuration for a session.
type options struct {
	codec  Codec
	logger Logger

	onMessage     func(t MessageType, text string)
	onData        func(t MessageType, data []byte)
	onStreamError func(streamID uint32, err error)
	// onStreamProgress sees the byte count of a stream after its start and
	// after every chunk. declared is -1 when the size was not announced.
	onStreamProgress func(streamID uint32, received, declared int64)
	onConnState      func(s *Session, state ConnState, err error)
	// onError is called for every protocol error.
	// Returns Disconnect to close the session, Continue to drop the frame.
	onError func(error) ErrorAction

	bufferSize        int           // size of the outbound queue
	maxMessageSize    int           // largest websocket message accepted
	chunkSize         int           // file chunk size for SendFile
	heartbeat         time.Duration // interval between HeartBeat frames
	missedHeartbeats  int           // silent intervals before the peer is suspect
	streamTimeout     time.Duration // idle timeout for inbound streams
	maxStreamSize     int64         // 0 means unlimited
	spoolDir          string        // empty keeps streams in memory
	violationLimit    int           // protocol errors tolerated per session
	hello             []byte
	helloSet          bool
	writeTimeout      time.Duration
	remoteAddr        string
	disableHeartbeats bool
}

// Option is a function that configures session options.
type Option func(*options)

// checkOptions validates and sets default values for session options.
func checkOptions(opts *options) error {
	if opts.codec == nil {
		opts.codec = BinaryCodec{}
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxMessageSize <= 0 {
		opts.maxMessageSize = defaultMaxMessageSize
	}

	if opts.chunkSize <= 0 {
		opts.chunkSize = defaultChunkSize
	}

	if opts.chunkSize+HeaderLen > opts.maxMessageSize {
		return ErrInvalidChunkSize
	}

	if opts.heartbeat <= 0 {
		opts.heartbeat = defaultHeartbeatInterval
	}

	if opts.missedHeartbeats <= 0 {
		opts.missedHeartbeats = defaultMissedHeartbeats
	}

	if opts.streamTimeout <= 0 {
		opts.streamTimeout = opts.heartbeat * 3
	}

	if opts.violationLimit == 0 {
		opts.violationLimit = defaultViolationLimit
	}

	if !opts.helloSet {
		opts.hello = defaultHello
	}

	if opts.writeTimeout <= 0 {
		opts.writeTimeout = opts.heartbeat * 2
	}

	if opts.onMessage == nil {
		opts.onMessage = func(MessageType, string) {}
	}

	if opts.onData == nil {
		opts.onData = func(MessageType, []byte) {}
	}

	if opts.onStreamError == nil {
		opts.onStreamError = func(uint32, error) {}
	}

	if opts.onStreamProgress == nil {
		opts.onStreamProgress = func(uint32, int64, int64) {}
	}

	if opts.onConnState == nil {
		opts.onConnState = func(*Session, ConnState, error) {}
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Continue }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

// CustomCodecOption returns an Option that replaces the default BinaryCodec.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// BufferSizeOption returns an Option that sets the size of the outbound queue.
// A larger buffer allows more frames to be queued before senders block.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// HeartbeatOption returns an Option that sets the heartbeat interval.
// It also drives the default stream idle timeout (3 intervals) and write timeout (2 intervals).
func HeartbeatOption(interval time.Duration) Option {
	return func(o *options) {
		o.heartbeat = interval
	}
}

// MissedHeartbeatsOption returns an Option that sets how many silent intervals
// mark the peer as suspect.
func MissedHeartbeatsOption(n int) Option {
	return func(o *options) {
		o.missedHeartbeats = n
	}
}

// DisableHeartbeatsOption stops the session from emitting HeartBeat frames.
// Peer liveness is still checked.
func DisableHeartbeatsOption() Option {
	return func(o *options) {
		o.disableHeartbeats = true
	}
}

// StreamTimeoutOption returns an Option that sets the idle timeout for inbound streams.
func StreamTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.streamTimeout = d
	}
}

// ChunkSizeOption returns an Option that sets the chunk size used by SendFile.
func ChunkSizeOption(size int) Option {
	return func(o *options) {
		o.chunkSize = size
	}
}

// MessageMaxSize returns an Option that sets the largest websocket message accepted.
// Larger messages close the connection.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxMessageSize = size
	}
}

// MaxStreamSizeOption returns an Option that caps the size of one inbound stream.
func MaxStreamSizeOption(size int64) Option {
	return func(o *options) {
		o.maxStreamSize = size
	}
}

// SpoolDirOption returns an Option that spools inbound streams to files in dir.
// The data callback then receives the file path instead of the bytes.
func SpoolDirOption(dir string) Option {
	return func(o *options) {
		o.spoolDir = dir
	}
}

// ViolationLimitOption returns an Option that sets how many protocol errors a
// session tolerates. A negative limit disables the check.
func ViolationLimitOption(n int) Option {
	return func(o *options) {
		o.violationLimit = n
	}
}

// HelloOption returns an Option that sets the greeting sent when the session opens.
// A nil payload disables the greeting.
func HelloOption(payload []byte) Option {
	return func(o *options) {
		o.hello = payload
		o.helloSet = true
	}
}

// WriteTimeoutOption returns an Option that bounds a single websocket write.
func WriteTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// OnMessageOption returns an Option that sets the callback for String frames.
func OnMessageOption(cb func(t MessageType, text string)) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// OnDataOption returns an Option that sets the callback for Raw, Hello and Data
// frames and for completed streams (delivered as StreamEnd).
func OnDataOption(cb func(t MessageType, data []byte)) Option {
	return func(o *options) {
		o.onData = cb
	}
}

// OnStreamErrorOption returns an Option that sets the callback for streams that
// time out, are aborted, or finish with a size mismatch.
func OnStreamErrorOption(cb func(streamID uint32, err error)) Option {
	return func(o *options) {
		o.onStreamError = cb
	}
}

// OnStreamProgressOption returns an Option that sets the callback reporting how
// much of an inbound stream has arrived.
func OnStreamProgressOption(cb func(streamID uint32, received, declared int64)) Option {
	return func(o *options) {
		o.onStreamProgress = cb
	}
}

// OnConnStateOption returns an Option that sets the callback invoked once when
// the session opens and once when it closes. err is nil for a local close.
func OnConnStateOption(cb func(s *Session, state ConnState, err error)) Option {
	return func(o *options) {
		o.onConnState = cb
	}
}

// OnErrorOption returns an Option that sets the protocol error callback.
// Return Disconnect to close the session, or Continue to drop the frame.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func remoteAddrOption(addr string) Option {
	return func(o *options) {
		o.remoteAddr = addr
	}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerHostOption sets the host the listener binds to. Empty binds all interfaces.
func ServerHostOption(host string) ServerOption {
	return func(s *Server) {
		s.host = host
	}
}

// SessionOptions sets the options applied to every accepted session.
func SessionOptions(opts ...Option) ServerOption {
	return func(s *Server) {
		s.sessionOpts = append(s.sessionOpts, opts...)
	}
}

// SessionPolicy decides what happens to a connection arriving while a session is open.
type SessionPolicy int

const (
	// RejectNewSession answers the newcomer with 409 Conflict.
	RejectNewSession SessionPolicy = iota
	// ReplaceSession tears the active session down and accepts the newcomer.
	ReplaceSession
)

// SessionPolicyOption sets the SessionPolicy.
func SessionPolicyOption(p SessionPolicy) ServerOption {
	return func(s *Server) {
		s.policy = p
	}
}

// AcceptOption sets the options passed to websocket.Accept, e.g. OriginPatterns.
func AcceptOption(opts *websocket.AcceptOptions) ServerOption {
	return func(s *Server) {
		s.acceptOpts = opts
	}
}
