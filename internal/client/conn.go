package client

import (
	"context"
	"time"

	"github.com/coder/websocket"
)

// Conn is the minimal surface the transport needs from a websocket.
// Tests substitute in-memory fakes; production uses the coder/websocket
// adapter below.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a connection to a relay address.
type Dialer func(ctx context.Context, addr string) (Conn, error)

const dialTimeout = 10 * time.Second

type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "bye")
}

// WebsocketDialer returns the production dialer.
func WebsocketDialer() Dialer {
	return func(ctx context.Context, addr string) (Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		c, _, err := websocket.Dial(ctx, addr, nil)
		if err != nil {
			return nil, err
		}
		return wsConn{c: c}, nil
	}
}
