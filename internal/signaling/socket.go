package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNormalClosure is reported by a Socket when the connection ended with a
// clean close handshake. The channel never reconnects after it.
var ErrNormalClosure = errors.New("signaling: normal closure")

// Socket is a single established control-plane connection.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(normal bool) error
}

// Dialer establishes a Socket against the signaling endpoint.
type Dialer func(ctx context.Context, url string, header http.Header) (Socket, error)

type wsSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// DialWebSocket is the production Dialer backed by gorilla/websocket.
func DialWebSocket(ctx context.Context, url string, header http.Header) (Socket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to websocket: %w", err)
	}

	conn.SetReadLimit(1 * 1024 * 1024)
	return &wsSocket{conn: conn}, nil
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, ErrNormalClosure
		}
		return nil, err
	}
	return data, nil
}

func (s *wsSocket) WriteMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Close(normal bool) error {
	if normal {
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		s.writeMu.Unlock()
	}
	return s.conn.Close()
}
