// Package wsocket serves a typed, multiplexed message protocol over a single
// websocket connection. Strings, binary payloads and chunked file streams share
// one socket; heartbeats keep the peer relationship honest.
package wsocket

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

// Session owns one websocket connection. It decodes inbound frames and routes
// them to the callbacks, reassembles streams, emits heartbeats, and serializes
// every outbound frame through a single writer goroutine.
//
// The same type serves both ends: Server wraps accepted connections, Dial wraps
// outgoing ones.
type Session struct {
	id     string
	ws     *websocket.Conn
	logger Logger
	opts   options

	monitor *HeartbeatMonitor
	// assembler and violations belong to the dispatch goroutine.
	assembler  *StreamAssembler
	violations int

	sendMsg  chan outbound
	inbound  chan inbound
	streamID atomic.Uint32

	running       atomic.Bool
	closed        atomic.Bool
	closeOnce     sync.Once
	transportOnce sync.Once
	closing       chan struct{}
	done          chan struct{}
}

type outbound struct {
	kind websocket.MessageType
	data []byte
	// sent receives the write result; nil for fire-and-forget frames.
	sent chan error
}

type inbound struct {
	kind websocket.MessageType
	data []byte
}

// NewSession wraps an established websocket connection.
// It applies the provided options and validates them before returning.
func NewSession(ws *websocket.Conn, opt ...Option) (*Session, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	ws.SetReadLimit(int64(opts.maxMessageSize))

	return &Session{
		id:      uuid.NewString(),
		ws:      ws,
		logger:  opts.logger,
		opts:    opts,
		monitor: NewHeartbeatMonitor(opts.heartbeat, opts.missedHeartbeats),
		assembler: NewStreamAssembler(AssemblerConfig{
			IdleTimeout:   opts.streamTimeout,
			MaxStreamSize: opts.maxStreamSize,
			SpoolDir:      opts.spoolDir,
		}),
		sendMsg: make(chan outbound, opts.bufferSize),
		inbound: make(chan inbound, opts.bufferSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Run drives the session until the peer goes away, the heartbeat declares it
// dead, the protocol error budget runs out, ctx is canceled or Close is called.
// Everything the session started has stopped by the time Run returns.
func (c *Session) Run(ctx context.Context) error {
	if c.running.Swap(true) {
		return ErrSessionRunning
	}
	defer close(c.done)

	c.logger.Info("session opened", "session", c.id, "addr", c.opts.remoteAddr)
	c.logger.Debug("session options", "session", c.id,
		"buffer_size", c.opts.bufferSize,
		"max_message_size", c.opts.maxMessageSize,
		"chunk_size", c.opts.chunkSize,
		"heartbeat", c.opts.heartbeat,
		"missed_heartbeats", c.opts.missedHeartbeats,
		"stream_timeout", c.opts.streamTimeout)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, child := errgroup.WithContext(ctx)

	c.monitor.Start(time.Now())
	c.opts.onConnState(c, StateOpen, nil)

	if c.opts.hello != nil {
		if err := c.Write(Frame{Type: Hello, Payload: c.opts.hello}); err != nil {
			c.logger.Debug("hello not queued", "session", c.id, "error", err)
		}
	}

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.dispatchLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	group.Go(func() error {
		return c.heartbeatLoop(child)
	})

	group.Go(func() error {
		select {
		case <-c.closing:
			_ = c.closeTransport(websocket.StatusGoingAway, "session closed")
			return context.Canceled
		case <-child.Done():
			return nil
		}
	})

	return c.teardown(group.Wait())
}

// Close stops the session. Run returns once teardown completes; wait on Done
// to observe it. Safe to call multiple times.
func (c *Session) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.closeOnce.Do(func() { close(c.closing) })
	if !c.running.Load() {
		return c.closeTransport(websocket.StatusGoingAway, "session closed")
	}
	return nil
}

// Done is closed when Run has returned.
func (c *Session) Done() <-chan struct{} {
	return c.done
}

// IsClosed returns true once the session is closing or closed.
func (c *Session) IsClosed() bool {
	return c.closed.Load()
}

// ID returns the session's unique id.
func (c *Session) ID() string {
	return c.id
}

// RemoteAddr returns the peer address as reported by the transport.
func (c *Session) RemoteAddr() string {
	return c.opts.remoteAddr
}

// HeartbeatState returns the current liveness view of the peer.
func (c *Session) HeartbeatState() HeartbeatState {
	return c.monitor.State()
}

// NextStreamID returns a fresh session-local stream id. Zero is never used.
func (c *Session) NextStreamID() uint32 {
	for {
		if id := c.streamID.Add(1); id != 0 {
			return id
		}
	}
}

// Write queues a frame without blocking (fire-and-forget).
//
// Returns:
//   - nil: frame was queued (not yet sent)
//   - ErrBufferFull: the queue is full, frame was NOT queued
//   - ErrConnectionClosed: session is closed
//   - encoding error: if the codec rejects the frame
func (c *Session) Write(f Frame) error {
	out, err := c.prepare(f, false)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- out:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking queues a frame and waits until the writer has put it on the
// wire, the session closes, or ctx is done.
func (c *Session) WriteBlocking(ctx context.Context, f Frame) error {
	out, err := c.prepare(f, true)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- out:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closing:
		return ErrConnectionClosed
	}

	select {
	case err := <-out.sent:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closing:
		select {
		case err := <-out.sent:
			return err
		default:
			return ErrConnectionClosed
		}
	}
}

// WriteTimeout is WriteBlocking bounded by timeout.
func (c *Session) WriteTimeout(f Frame, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.WriteBlocking(ctx, f)
}

// Send writes one self-contained frame and waits for the write to finish.
func (c *Session) Send(t MessageType, payload []byte) error {
	if t.IsStreaming() {
		return errors.WithMessagef(ErrMalformedFrame, "%s frames are sent with SendStream", t)
	}
	return c.WriteBlocking(context.Background(), Frame{Type: t, Payload: payload})
}

// SendMessage sends text as a String frame.
func (c *Session) SendMessage(text string) error {
	return c.Send(String, []byte(text))
}

// SendData sends data as a Data frame.
func (c *Session) SendData(data []byte) error {
	return c.Send(Data, data)
}

// SendFile streams the file at path. Nothing is written when the file cannot
// be opened. The call returns after StreamEnd has been written.
func (c *Session) SendFile(path string) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.WithMessagef(ErrUnreadableFile, "%s: %v", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.WithMessagef(ErrUnreadableFile, "%s: %v", path, err)
	}
	if !info.Mode().IsRegular() {
		return errors.WithMessagef(ErrUnreadableFile, "%s: not a regular file", path)
	}

	return c.SendStream(f, info.Size())
}

// SendStream sends everything r yields as one stream of chunk-sized Streaming
// frames. size is announced in StreamStart; pass -1 when unknown. If r fails
// midway the stream is ended early so the peer can flag it incomplete.
func (c *Session) SendStream(r io.Reader, size int64) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	ctx := context.Background()
	id := c.NextStreamID()

	err := c.WriteBlocking(ctx, Frame{Type: StreamStart, StreamID: id, Payload: EncodeStreamSize(size)})
	if err != nil {
		return err
	}

	buf := make([]byte, c.opts.chunkSize)
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			// the codec copies the chunk, so buf can be reused
			err = c.WriteBlocking(ctx, Frame{Type: Streaming, StreamID: id, Payload: buf[:n]})
			if err != nil {
				return err
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			c.logger.Warn("stream source failed", "session", c.id, "stream", id, "error", rerr)
			_ = c.WriteBlocking(ctx, Frame{Type: StreamEnd, StreamID: id})
			return errors.WithMessagef(ErrUnreadableFile, "stream %d: %v", id, rerr)
		}
	}

	return c.WriteBlocking(ctx, Frame{Type: StreamEnd, StreamID: id})
}

func (c *Session) prepare(f Frame, wait bool) (outbound, error) {
	if c.closed.Load() {
		return outbound{}, ErrConnectionClosed
	}

	data, err := c.opts.codec.Encode(f)
	if err != nil {
		return outbound{}, err
	}

	out := outbound{kind: f.Type.Kind(), data: data}
	if wait {
		out.sent = make(chan error, 1)
	}
	return out, nil
}

// readLoop pulls whole messages off the websocket and hands them to the
// dispatcher. Every message counts as peer activity.
func (c *Session) readLoop(ctx context.Context) error {
	for {
		kind, data, err := c.ws.Read(ctx)
		if err != nil {
			select {
			case <-c.closing:
				return context.Canceled
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return errors.WithMessage(ErrConnectionClosed, "peer closed")
			}
			return &TransportError{Op: "read", Err: err}
		}

		if c.monitor.Observe(time.Now()) {
			c.logger.Info("peer recovered", "session", c.id)
		}

		select {
		case c.inbound <- inbound{kind: kind, data: data}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatchLoop decodes and routes inbound frames in arrival order and sweeps
// idle streams. It is the only goroutine touching the assembler.
func (c *Session) dispatchLoop(ctx context.Context) error {
	interval := c.opts.streamTimeout / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	sweep := time.NewTicker(interval)
	defer sweep.Stop()
	defer c.abortStreams()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-c.inbound:
			if err := c.dispatch(msg); err != nil {
				return err
			}
		case now := <-sweep.C:
			for _, id := range c.assembler.Sweep(now) {
				c.logger.Warn("stream timed out", "session", c.id, "stream", id)
				c.opts.onStreamError(id, errors.WithMessagef(ErrStreamTimeout, "stream %d", id))
			}
		}
	}
}

func (c *Session) dispatch(msg inbound) error {
	frame, err := c.opts.codec.Decode(msg.kind, msg.data)
	if err != nil {
		return c.violation(err)
	}

	c.logger.Debug("frame received", "session", c.id, "frame", frame.String())

	switch frame.Type {
	case HeartBeat:
		// activity was already recorded by the reader
	case StreamStart:
		size, err := DecodeStreamSize(frame.Payload)
		if err == nil {
			err = c.assembler.Start(frame.StreamID, size, time.Now())
		}
		if err != nil {
			if errors.Is(err, ErrStreamTooLarge) {
				c.opts.onStreamError(frame.StreamID, err)
			}
			return c.violation(err)
		}
		c.progress(frame.StreamID)
	case Streaming:
		if err := c.assembler.Append(frame.StreamID, frame.Payload, time.Now()); err != nil {
			switch {
			case errors.Is(err, ErrStreamDiscarded):
				c.logger.Debug("ignoring frame", "session", c.id, "error", err)
				return nil
			case errors.Is(err, ErrStreamTooLarge):
				c.opts.onStreamError(frame.StreamID, err)
			}
			return c.violation(err)
		}
		c.progress(frame.StreamID)
	case StreamEnd:
		done, err := c.assembler.End(frame.StreamID)
		switch {
		case errors.Is(err, ErrIncompleteStream):
			c.logger.Warn("incomplete stream", "session", c.id, "stream", frame.StreamID, "error", err)
			c.opts.onStreamError(frame.StreamID, err)
		case errors.Is(err, ErrStreamDiscarded):
			c.logger.Debug("ignoring frame", "session", c.id, "error", err)
			return nil
		case err != nil:
			return c.violation(err)
		}
		c.opts.onData(StreamEnd, done.Payload())
	case String:
		c.opts.onMessage(frame.Type, string(frame.Payload))
	default:
		// text messages other than String frames carry the JSON envelope,
		// whose body is handed over as text whatever its type
		if msg.kind == websocket.MessageText {
			c.opts.onMessage(frame.Type, string(frame.Payload))
			return nil
		}
		c.opts.onData(frame.Type, frame.Payload)
	}

	return nil
}

func (c *Session) progress(id uint32) {
	if received, declared, ok := c.assembler.Progress(id); ok {
		c.opts.onStreamProgress(id, received, declared)
	}
}

// violation logs a dropped frame and decides whether the session survives it.
func (c *Session) violation(err error) error {
	c.logger.Warn("dropping frame", "session", c.id, "error", err)

	if c.opts.onError(err) == Disconnect {
		return err
	}

	c.violations++
	if c.opts.violationLimit > 0 && c.violations > c.opts.violationLimit {
		return errors.WithMessagef(ErrTooManyViolations, "%d protocol errors, last: %v", c.violations, err)
	}
	return nil
}

func (c *Session) abortStreams() {
	for _, id := range c.assembler.AbortAll() {
		c.logger.Debug("stream aborted", "session", c.id, "stream", id)
		c.opts.onStreamError(id, errors.WithMessagef(ErrStreamAborted, "stream %d", id))
	}
}

// writeLoop is the only goroutine writing to the websocket.
func (c *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out := <-c.sendMsg:
			err := c.write(ctx, out)
			if out.sent != nil {
				out.sent <- err
			}
			if err != nil {
				return err
			}
		}
	}
}

func (c *Session) write(ctx context.Context, out outbound) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.writeTimeout)
	defer cancel()

	if err := c.ws.Write(ctx, out.kind, out.data); err != nil {
		c.logger.Debug("write error", "session", c.id, "error", err)
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// heartbeatLoop emits HeartBeat frames through the send queue and advances
// the liveness state machine.
func (c *Session) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if !c.opts.disableHeartbeats {
				if err := c.Write(Frame{Type: HeartBeat}); err != nil {
					c.logger.Debug("heartbeat not queued", "session", c.id, "error", err)
				}
			}

			state, changed := c.monitor.Check(now)
			if !changed {
				continue
			}
			switch state {
			case HeartbeatSuspect:
				c.logger.Warn("peer silent", "session", c.id, "last_seen", c.monitor.LastSeen())
			case HeartbeatDead:
				c.logger.Warn("peer dead", "session", c.id, "last_seen", c.monitor.LastSeen())
				return errors.WithMessagef(ErrHeartbeatTimeout, "silent since %s", c.monitor.LastSeen().Format(time.RFC3339Nano))
			}
		}
	}
}

// teardown runs once per session after every goroutine has stopped.
func (c *Session) teardown(err error) error {
	c.closed.Store(true)
	c.closeOnce.Do(func() { close(c.closing) })
	_ = c.closeTransport(closeStatus(err), closeReason(err))

	c.drain()

	if errors.Is(err, context.Canceled) {
		c.logger.Info("session closed", "session", c.id, "addr", c.opts.remoteAddr)
		c.opts.onConnState(c, StateClosed, nil)
		return err
	}

	c.logger.Info("session closed with error", "session", c.id, "addr", c.opts.remoteAddr, "error", err)
	c.opts.onConnState(c, StateClosed, err)
	return err
}

// drain fails every frame still queued so blocked senders return.
func (c *Session) drain() {
	for {
		select {
		case out := <-c.sendMsg:
			if out.sent != nil {
				out.sent <- ErrConnectionClosed
			}
		default:
			return
		}
	}
}

func (c *Session) closeTransport(code websocket.StatusCode, reason string) error {
	var err error
	c.transportOnce.Do(func() {
		err = c.ws.Close(code, reason)
	})
	return err
}

func closeStatus(err error) websocket.StatusCode {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return websocket.StatusGoingAway
	case IsLivenessError(err), IsProtocolError(err):
		return websocket.StatusPolicyViolation
	case errors.Is(err, ErrConnectionClosed):
		return websocket.StatusNormalClosure
	default:
		return websocket.StatusInternalError
	}
}

func closeReason(err error) string {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return "session closed"
	case IsLivenessError(err):
		return "heartbeat timeout"
	case IsProtocolError(err):
		return "protocol error"
	default:
		return ""
	}
}
