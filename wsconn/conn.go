// Package wsconn implements component C3: a uniform send/recv/close
// abstraction over both server-accepted and client-dialed WebSocket
// sockets, built on github.com/gorilla/websocket the way
// other_examples/925b93a6_thatcooperguy-nvremote__apps-host-agent-internal-heartbeat-websocket.go.go
// and other_examples/c71e9cf5_..._internal-client-ws.go drive that library,
// and the graceful-listener lifecycle the teacher's listener.go established
// (WaitGroup-gated accept loop, per-connection goroutine, halt() closes the
// listener then waits).
package wsconn

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	perrors "github.com/pkg/errors"
)

// Kind distinguishes frame kinds surfaced to callers; everything else
// (ping/pong/continuation, non-binary control frames) is absorbed by the
// read loop and never reaches Recv (spec §4.3).
type Kind int

const (
	KindBinary Kind = iota
	KindClose
	KindClosed
)

// Message is one inbound frame.
type Message struct {
	Kind Kind
	Data []byte
}

// Conn is the uniform wrapper spec §4.3 describes: split into independent
// send/recv halves, close, and a timed recv for the login handshake.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	remoteAddr string
}

// Wrap adapts an already-established *websocket.Conn (from either Dial or
// Upgrade) into the uniform Conn.
func Wrap(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws, remoteAddr: ws.RemoteAddr().String()}
}

// RemoteAddr is the peer's address, used for allowed_ips filtering.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Send writes one binary frame. Safe for concurrent use with Recv, but not
// with another concurrent Send (gorilla/websocket permits one writer).
func (c *Conn) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// Recv returns the next binary frame, absorbing control frames internally.
// Text frames are relabeled Binary, per spec §4.3's note that some
// intermediaries rewrite frame types.
func (c *Conn) Recv() (Message, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Message{Kind: KindClosed}, nil
			}
			return Message{}, perrors.Wrap(err, "wsconn: read failed")
		}
		switch mt {
		case websocket.BinaryMessage, websocket.TextMessage:
			return Message{Kind: KindBinary, Data: data}, nil
		case websocket.CloseMessage:
			return Message{Kind: KindClose}, nil
		default:
			continue // ping/pong/continuation: absorbed
		}
	}
}

// RecvWithTimeout is Recv bounded by d, used by the login flow's
// AUTH_TIMEOUT per-frame deadline (spec §4.4).
func (c *Conn) RecvWithTimeout(d time.Duration) (Message, error) {
	if err := c.ws.SetReadDeadline(time.Now().Add(d)); err != nil {
		return Message{}, perrors.Wrap(err, "wsconn: failed to set read deadline")
	}
	defer c.ws.SetReadDeadline(time.Time{})
	msg, err := c.Recv()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Message{}, perrors.Wrap(err, "wsconn: recv timed out")
		}
		return Message{}, err
	}
	return msg, nil
}

// Close sends a close frame with code/reason and tears down the socket.
func (c *Conn) Close(code int, reason string) error {
	c.writeMu.Lock()
	deadline := time.Now().Add(2 * time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.writeMu.Unlock()
	return c.ws.Close()
}
