package wsocket

import (
	"context"

	"github.com/pkg/errors"
	"nhooyr.io/websocket"
)

// Dial connects to a server at url (ws:// or wss://) and returns the peer-side
// Session. The caller runs it with Run.
func Dial(ctx context.Context, url string, opt ...Option) (*Session, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, &TransportError{Op: "dial " + url, Err: err}
	}

	session, err := NewSession(ws, append(opt[:len(opt):len(opt)], remoteAddrOption(url))...)
	if err != nil {
		_ = ws.Close(websocket.StatusInternalError, "bad session options")
		return nil, errors.WithMessage(err, "new session")
	}
	return session, nil
}
