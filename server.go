package wsocket

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"nhooyr.io/websocket"
)

// Server listens for websocket upgrades on one port and path and keeps at most
// one Session open at a time. Arrivals while a session is open are handled by
// the SessionPolicy: rejected with 409 Conflict by default.
//
// The host talks to the peer through SendMessage, SendData and SendFile, which
// report false when no session is open or the write fails.
type Server struct {
	logger      Logger
	host        string
	sessionOpts []Option
	acceptOpts  *websocket.AcceptOptions
	policy      SessionPolicy

	mu     sync.Mutex
	run    *serverRun
	active *slot
}

// serverRun holds everything created by one Start.
type serverRun struct {
	listener   net.Listener
	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	served     chan struct{}
	stopping   bool
}

// slot is the single session seat. It is claimed before the upgrade so two
// racing connections cannot both get in.
type slot struct {
	session  *Session
	released chan struct{}
}

// NewServer creates a stopped server.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		logger: slog.Default(),
		policy: RejectNewSession,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start binds port and serves websocket upgrades on path. Port 0 picks a free
// port; see Addr. Returns ErrAddressInUse or ErrBindFailure when the listener
// cannot be created.
func (s *Server) Start(port uint16, path string) error {
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		return errors.WithMessagef(ErrInvalidPath, "%q", path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run != nil {
		return ErrServerStarted
	}

	run := &serverRun{served: make(chan struct{})}
	router, err := s.router(run, path)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(s.host, strconv.Itoa(int(port)))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return errors.WithMessagef(ErrAddressInUse, "listen %s: %v", addr, err)
		}
		return errors.WithMessagef(ErrBindFailure, "listen %s: %v", addr, err)
	}

	run.listener = listener
	run.ctx, run.cancel = context.WithCancel(context.Background())
	run.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.run = run

	go func() {
		defer close(run.served)
		if err := run.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve error", "addr", listener.Addr(), "error", err)
		}
	}()

	s.logger.Info("server started", "addr", listener.Addr(), "path", path)
	return nil
}

// router builds the upgrade route. httprouter panics on paths it cannot
// register, which is turned into ErrInvalidPath.
func (s *Server) router(run *serverRun, path string) (r *httprouter.Router, err error) {
	defer func() {
		if p := recover(); p != nil {
			r, err = nil, errors.WithMessagef(ErrInvalidPath, "%q: %v", path, p)
		}
	}()

	r = httprouter.New()
	r.GET(path, func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		s.serveWebsocket(run, w, req)
	})
	return r, nil
}

// Stop closes the open session, if any, and releases the listener. It returns
// after the session has fully torn down. Stopping a stopped server is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	run := s.run
	if run == nil {
		s.mu.Unlock()
		return nil
	}
	run.stopping = true
	s.run = nil
	active := s.active
	var session *Session
	if active != nil {
		session = active.session
	}
	s.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
	run.cancel()

	err := run.httpServer.Close()
	<-run.served
	if active != nil {
		<-active.released
	}

	s.logger.Info("server stopped", "addr", run.listener.Addr())
	return err
}

// Addr returns the listener's network address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.listener.Addr()
}

// URL returns the ws:// URL for path on the running listener.
func (s *Server) URL(path string) string {
	addr := s.Addr()
	if addr == nil {
		return ""
	}
	return fmt.Sprintf("ws://%s%s", addr, path)
}

// Session returns the open session, or nil.
func (s *Server) Session() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	return s.active.session
}

// Send writes one self-contained frame to the open session.
func (s *Server) Send(t MessageType, payload []byte) bool {
	session := s.Session()
	if session == nil {
		return false
	}
	if err := session.Send(t, payload); err != nil {
		s.logger.Debug("send failed", "session", session.ID(), "type", t, "error", err)
		return false
	}
	return true
}

// SendMessage sends text as a String frame.
func (s *Server) SendMessage(text string) bool {
	return s.Send(String, []byte(text))
}

// SendData sends data as a Data frame.
func (s *Server) SendData(data []byte) bool {
	return s.Send(Data, data)
}

// SendFile streams the file at path to the open session.
func (s *Server) SendFile(path string) bool {
	session := s.Session()
	if session == nil {
		return false
	}
	if err := session.SendFile(path); err != nil {
		s.logger.Warn("send file failed", "session", session.ID(), "path", path, "error", err)
		return false
	}
	return true
}

func (s *Server) serveWebsocket(run *serverRun, w http.ResponseWriter, r *http.Request) {
	seat, ok := s.claim(run)
	if !ok {
		s.logger.Warn("rejecting connection", "addr", r.RemoteAddr, "error", ErrSessionActive)
		http.Error(w, ErrSessionActive.Error(), http.StatusConflict)
		return
	}
	defer s.release(seat)

	ws, err := websocket.Accept(w, r, s.acceptOpts)
	if err != nil {
		// Accept has already written the HTTP error
		s.logger.Debug("websocket accept failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	opts := make([]Option, 0, len(s.sessionOpts)+2)
	opts = append(opts, LoggerOption(s.logger))
	opts = append(opts, s.sessionOpts...)
	opts = append(opts, remoteAddrOption(r.RemoteAddr))

	session, err := NewSession(ws, opts...)
	if err != nil {
		s.logger.Error("session setup failed", "addr", r.RemoteAddr, "error", err)
		_ = ws.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	if !s.attach(run, seat, session) {
		_ = session.Close()
		return
	}

	_ = session.Run(run.ctx)
}

// claim takes the session seat for a new connection. Under ReplaceSession the
// current session is closed and awaited first.
func (s *Server) claim(run *serverRun) (*slot, bool) {
	for {
		s.mu.Lock()
		if s.run != run || run.stopping {
			s.mu.Unlock()
			return nil, false
		}
		if s.active == nil {
			seat := &slot{released: make(chan struct{})}
			s.active = seat
			s.mu.Unlock()
			return seat, true
		}
		old := s.active
		oldSession := old.session
		s.mu.Unlock()

		if s.policy != ReplaceSession || oldSession == nil {
			return nil, false
		}

		s.logger.Info("replacing active session", "session", oldSession.ID())
		_ = oldSession.Close()
		<-old.released
	}
}

func (s *Server) attach(run *serverRun, seat *slot, session *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.stopping {
		return false
	}
	seat.session = session
	return true
}

func (s *Server) release(seat *slot) {
	s.mu.Lock()
	if s.active == seat {
		s.active = nil
	}
	s.mu.Unlock()
	close(seat.released)
}
