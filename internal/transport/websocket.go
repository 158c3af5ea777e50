package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/superfly/fly.rs/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
	CheckOrigin: func(r *http.Request) bool {
		return true // isolates connect directly, not from browsers
	},
}

const wsWriteTimeout = 10 * time.Second

type wsFramer struct {
	conn *websocket.Conn
}

func (w *wsFramer) ReadFrame() (wire.Frame, error) {
	for {
		typ, data, err := w.conn.ReadMessage()
		if err != nil {
			return wire.Frame{}, err
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		return wire.UnmarshalFrame(data)
	}
}

func (w *wsFramer) WriteFrame(f wire.Frame) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteMessage(websocket.BinaryMessage, f.Marshal())
}

func (w *wsFramer) Close() error {
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.conn.Close()
}

// DialWebSocket connects to a host listening on url.
func DialWebSocket(ctx context.Context, url string, header http.Header, logger *zap.Logger) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newMux(&wsFramer{conn: conn}, logger), nil
}

// AcceptWebSocket upgrades an HTTP request from an isolate.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return newMux(&wsFramer{conn: conn}, logger), nil
}
