package channel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

const (
	// MaxPayloadSize is the maximum accepted inbound payload (10 MB).
	MaxPayloadSize = 10 * 1024 * 1024
	// DefaultDialTimeout bounds one websocket dial attempt.
	DefaultDialTimeout = 15 * time.Second
)

// DialWebSocket establishes a websocket transport, retrying with backoff
// until the context is done.
func DialWebSocket(ctx context.Context, url string, header http.Header) (Transport, error) {
	retry := &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    10 * time.Second,
		Jitter: true,
	}

	for {
		dialCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, header)
		cancel()
		if err == nil {
			conn.SetReadLimit(MaxPayloadSize)
			return &webSocketTransport{conn: conn}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w (last error: %v)", url, ctx.Err(), err)
		case <-time.After(retry.Duration()):
		}
	}
}

type webSocketTransport struct {
	conn *websocket.Conn
}

func (t *webSocketTransport) ReadMessage() ([]byte, error) {
	_, payload, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (t *webSocketTransport) WriteMessage(payload []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *webSocketTransport) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}
