package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/referly/leadchat/internal/wire"
)

const wsReadLimit = 1 << 20

// WebSocket dials {BaseURL}/chats/{id}/ws?token=...
type WebSocket struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (w *WebSocket) Name() string { return "websocket" }

func (w *WebSocket) Dial(ctx context.Context, conversationID, token string) (Stream, error) {
	u, err := endpoint(w.BaseURL, "chats", conversationID, "ws", token)
	if err != nil {
		return nil, err
	}
	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: w.HTTPClient})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Read(ctx context.Context) (wire.Frame, error) {
	var f wire.Frame
	err := wsjson.Read(ctx, s.conn, &f)
	return f, err
}

func (s *wsStream) Write(ctx context.Context, f wire.Frame) error {
	return wsjson.Write(ctx, s.conn, f)
}

func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
