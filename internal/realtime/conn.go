package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one live stream connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens stream connections. Tests substitute an in-process dialer.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

// websocketDialer dials the backend's websocket endpoint.
type websocketDialer struct {
	apiKey string
	dialer *websocket.Dialer
}

func newWebsocketDialer(apiKey string) *websocketDialer {
	return &websocketDialer{
		apiKey: apiKey,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (d *websocketDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	header := http.Header{}
	if d.apiKey != "" {
		header.Set("Authorization", "Bearer "+d.apiKey)
	}
	ws, resp, err := d.dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &websocketConn{ws: ws}, nil
}

type websocketConn struct {
	ws *websocket.Conn
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *websocketConn) WriteJSON(v any) error {
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(v)
}

func (c *websocketConn) Close() error {
	return c.ws.Close()
}
