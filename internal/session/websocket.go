package session

import (
	"context"
	"io"
	"sync"

	"github.com/coder/websocket"

	"github.com/philsphicas/vlessrelay/internal/protocol"
)

// DefaultReadLimit is the largest message a WebSocket channel accepts.
const DefaultReadLimit = 2 << 20

// WebSocket adapts a *websocket.Conn to Channel.
type WebSocket struct {
	conn *websocket.Conn

	mu    sync.Mutex
	early []byte

	closeOnce sync.Once
}

// NewWebSocket wraps conn. If early is non-nil it is returned by the first
// ReadMessage as a binary message, ahead of anything read from conn.
func NewWebSocket(conn *websocket.Conn, early []byte) *WebSocket {
	conn.SetReadLimit(DefaultReadLimit)
	return &WebSocket{conn: conn, early: early}
}

// ReadMessage implements Channel.
func (w *WebSocket) ReadMessage(ctx context.Context) (bool, []byte, error) {
	w.mu.Lock()
	early := w.early
	w.early = nil
	w.mu.Unlock()
	if early != nil {
		return true, early, nil
	}

	typ, data, err := w.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return false, nil, io.EOF
		}
		return false, nil, err
	}
	return typ == websocket.MessageBinary, data, nil
}

// WriteMessage implements Channel.
func (w *WebSocket) WriteMessage(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageBinary, data)
}

// Ping implements Pinger.
func (w *WebSocket) Ping(ctx context.Context) error {
	return w.conn.Ping(ctx)
}

// Close implements Channel. The close status is the reason's code and the
// close text is its generic public text.
func (w *WebSocket) Close(reason protocol.CloseReason) error {
	w.closeOnce.Do(func() {
		_ = w.conn.Close(websocket.StatusCode(reason.Code()), reason.Text())
	})
	return nil
}

// Abort implements Aborter. No close frame is sent and the peer's reply is
// not awaited. Only the first Close or Abort has any effect.
func (w *WebSocket) Abort(protocol.CloseReason) error {
	w.closeOnce.Do(func() {
		_ = w.conn.CloseNow()
	})
	return nil
}
