package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/livemirror/protocol"
	"github.com/danmuck/livemirror/protocol/frame"
	"github.com/gorilla/websocket"
)

var (
	ErrClientClosed  = errors.New("transport: client closed")
	ErrClientTimeout = errors.New("transport: receive timeout")
)

// Client is the peer side of a session, used by mirrorctl and tests. A
// reader goroutine buffers inbound frames so Next can time out without
// touching socket deadlines.
type Client struct {
	sendMu  sync.Mutex
	send    func([]byte) error
	closeFn func() error

	msgs   chan []byte
	done   chan struct{}
	stop   chan struct{}
	err    error
	closed atomic.Bool
	once   sync.Once
}

func newClient(send func([]byte) error, recv func() ([]byte, error), closeFn func() error) *Client {
	c := &Client{
		send:    send,
		closeFn: closeFn,
		msgs:    make(chan []byte, 256),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	go c.readLoop(recv)
	return c
}

func (c *Client) readLoop(recv func() ([]byte, error)) {
	defer close(c.done)
	for {
		raw, err := recv()
		if err != nil {
			c.err = err
			return
		}
		select {
		case c.msgs <- raw:
		case <-c.stop:
			return
		}
	}
}

// DialTCP connects to a server's TCP listener.
func DialTCP(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	splitter := frame.NewSplitter(frame.DefaultLimits())
	var queue [][]byte
	buf := make([]byte, readChunk)
	recv := func() ([]byte, error) {
		for len(queue) == 0 {
			n, err := conn.Read(buf)
			if n > 0 {
				frames, _ := splitter.Write(buf[:n])
				queue = append(queue, frames...)
			}
			if err != nil && len(queue) == 0 {
				return nil, err
			}
			if err != nil {
				break
			}
		}
		next := queue[0]
		queue = queue[1:]
		return next, nil
	}
	send := func(payload []byte) error {
		_, err := conn.Write(frame.Encode(payload))
		return err
	}
	return newClient(send, recv, conn.Close), nil
}

// DialWebSocket connects to a server's /ws endpoint, e.g. ws://127.0.0.1:5051/ws.
func DialWebSocket(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	recv := func() ([]byte, error) {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return nil, err
			}
			msg, err := frame.Decode(data)
			if err != nil || len(msg) == 0 {
				continue
			}
			return msg, nil
		}
	}
	send := func(payload []byte) error {
		return ws.WriteMessage(websocket.TextMessage, frame.Encode(payload))
	}
	return newClient(send, recv, ws.Close), nil
}

// Send writes one peer->server message.
func (c *Client) Send(msg protocol.PeerMessage) error {
	payload, err := protocol.EncodePeer(msg)
	if err != nil {
		return err
	}
	return c.SendRaw(payload)
}

// SendRaw writes an arbitrary payload as one frame.
func (c *Client) SendRaw(payload []byte) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.send(payload)
}

// Next waits for the next server->peer message. A zero timeout waits
// forever; an expired one returns ErrClientTimeout and leaves the session
// usable.
func (c *Client) Next(timeout time.Duration) (protocol.ServerMessage, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case raw := <-c.msgs:
		return protocol.DecodeServer(raw)
	case <-c.done:
		select {
		case raw := <-c.msgs:
			return protocol.DecodeServer(raw)
		default:
		}
		if c.closed.Load() || c.err == nil {
			return nil, ErrClientClosed
		}
		if errors.Is(c.err, net.ErrClosed) || isEOF(c.err) {
			return nil, ErrClientClosed
		}
		return nil, c.err
	case <-expired:
		return nil, ErrClientTimeout
	}
}

func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.stop)
		err = c.closeFn()
	})
	return err
}

// isEOF reports whether err means the server ended the session normally.
func isEOF(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure)
}
