package wsocket

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

const testPath = "/ws"

func startTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()

	opts = append([]ServerOption{ServerHostOption("127.0.0.1"), ServerLoggerOption(NopLogger())}, opts...)
	srv := NewServer(opts...)
	require.NoError(t, srv.Start(0, testPath))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func dialTestClient(t *testing.T, srv *Server, opts ...Option) (*Session, <-chan error) {
	t.Helper()

	s, err := Dial(context.Background(), srv.URL(testPath), opts...)
	require.NoError(t, err)
	return s, runSession(t, s)
}

func waitServerSession(t *testing.T, srv *Server) *Session {
	t.Helper()

	var s *Session
	require.Eventually(t, func() bool {
		s = srv.Session()
		return s != nil
	}, 5*time.Second, 10*time.Millisecond)
	return s
}

func TestServer_Start(t *testing.T) {
	logger := &mockLogger{}
	srv := startTestServer(t, ServerLoggerOption(logger))

	addr := srv.Addr()
	require.NotNil(t, addr)
	assert.True(t, strings.HasPrefix(srv.URL(testPath), "ws://127.0.0.1:"))
	assert.True(t, strings.HasSuffix(srv.URL(testPath), testPath))
	assert.True(t, logger.has("info", "server started"))

	assert.ErrorIs(t, srv.Start(0, testPath), ErrServerStarted)
}

func TestServer_Start_AddressInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	port := l.Addr().(*net.TCPAddr).Port
	srv := NewServer(ServerHostOption("127.0.0.1"), ServerLoggerOption(NopLogger()))

	err = srv.Start(uint16(port), testPath)
	assert.ErrorIs(t, err, ErrAddressInUse)
	assert.True(t, IsResourceError(err))
	assert.Nil(t, srv.Addr())
}

func TestServer_Start_BindFailure(t *testing.T) {
	srv := NewServer(ServerHostOption("192.0.2.1"), ServerLoggerOption(NopLogger()))

	err := srv.Start(0, testPath)
	assert.ErrorIs(t, err, ErrBindFailure)
	assert.True(t, IsResourceError(err))
}

func TestServer_Start_InvalidPath(t *testing.T) {
	srv := NewServer(ServerHostOption("127.0.0.1"), ServerLoggerOption(NopLogger()))

	assert.ErrorIs(t, srv.Start(0, "ws"), ErrInvalidPath)
	assert.ErrorIs(t, srv.Start(0, "/files/*name/tail"), ErrInvalidPath)
	assert.Nil(t, srv.Addr())
}

func TestServer_Stop(t *testing.T) {
	srv := NewServer(ServerLoggerOption(NopLogger()))
	assert.NoError(t, srv.Stop())

	require.NoError(t, srv.Start(0, testPath))
	assert.NoError(t, srv.Stop())
	assert.NoError(t, srv.Stop())
	assert.Nil(t, srv.Addr())
	assert.Equal(t, "", srv.URL(testPath))
}

func TestServer_Restart(t *testing.T) {
	srv := NewServer(ServerHostOption("127.0.0.1"), ServerLoggerOption(NopLogger()))
	require.NoError(t, srv.Start(0, testPath))
	port := srv.Addr().(*net.TCPAddr).Port
	require.NoError(t, srv.Stop())

	require.NoError(t, srv.Start(uint16(port), testPath))
	defer srv.Stop()

	assert.Equal(t, strconv.Itoa(port), portOf(t, srv.Addr()))
}

func portOf(t *testing.T, addr net.Addr) string {
	t.Helper()
	_, port, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	return port
}

func TestServer_SendWithoutSession(t *testing.T) {
	srv := startTestServer(t)

	assert.Nil(t, srv.Session())
	assert.False(t, srv.SendMessage("nobody"))
	assert.False(t, srv.SendData([]byte("nobody")))
	assert.False(t, srv.SendFile(filepath.Join(t.TempDir(), "missing")))
}

func TestServer_MessageExchange(t *testing.T) {
	serverRec := newRecorder()
	srv := startTestServer(t, SessionOptions(serverRec.options()...))

	clientRec := newRecorder()
	_, clientDone := dialTestClient(t, srv, clientRec.options()...)
	waitServerSession(t, srv)

	require.True(t, srv.SendMessage("hello"))
	assert.Equal(t, "hello", receive(t, clientRec.messages))

	require.NoError(t, srv.Stop())
	assert.False(t, srv.SendMessage("hello"))

	err := waitRun(t, clientDone)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestServer_ReceivesFromPeer(t *testing.T) {
	serverRec := newRecorder()
	srv := startTestServer(t, SessionOptions(serverRec.options()...))

	client, _ := dialTestClient(t, srv)
	session := waitServerSession(t, srv)
	assert.NotEmpty(t, session.RemoteAddr())

	require.NoError(t, client.SendMessage("from peer"))
	assert.Equal(t, "from peer", receive(t, serverRec.messages))

	require.NoError(t, client.SendData([]byte("bin")))
	var got received
	for got.t != Data {
		got = receive(t, serverRec.data)
	}
	assert.Equal(t, "bin", string(got.data))
}

func TestServer_SendFile(t *testing.T) {
	srv := startTestServer(t, SessionOptions(ChunkSizeOption(16)))

	clientRec := newRecorder()
	dialTestClient(t, srv, clientRec.options()...)
	waitServerSession(t, srv)

	content := []byte(strings.Repeat("file body ", 10))
	path := filepath.Join(t.TempDir(), "body.txt")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	require.True(t, srv.SendFile(path))

	var got received
	for got.t != StreamEnd {
		got = receive(t, clientRec.data)
	}
	assert.Equal(t, content, got.data)

	assert.False(t, srv.SendFile(filepath.Join(t.TempDir(), "missing")))
}

func TestServer_RejectsSecondConnection(t *testing.T) {
	srv := startTestServer(t)

	dialTestClient(t, srv)
	first := waitServerSession(t, srv)

	_, resp, err := websocket.Dial(context.Background(), srv.URL(testPath), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	assert.Same(t, first, srv.Session())
	assert.False(t, first.IsClosed())
}

func TestServer_ReplaceSession(t *testing.T) {
	srv := startTestServer(t, SessionPolicyOption(ReplaceSession))

	_, firstDone := dialTestClient(t, srv)
	first := waitServerSession(t, srv)

	secondRec := newRecorder()
	dialTestClient(t, srv, secondRec.options()...)

	assert.ErrorIs(t, waitRun(t, firstDone), ErrConnectionClosed)
	require.Eventually(t, func() bool {
		s := srv.Session()
		return s != nil && s != first
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, first.IsClosed())

	require.True(t, srv.SendMessage("to second"))
	assert.Equal(t, "to second", receive(t, secondRec.messages))
}

func TestServer_WrongPath(t *testing.T) {
	srv := startTestServer(t)

	_, resp, err := websocket.Dial(context.Background(), srv.URL("/other"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDial_Failure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = Dial(context.Background(), "ws://"+addr+testPath)
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
}
