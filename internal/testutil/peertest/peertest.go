// Package peertest provides an in-memory transport.Conn that records
// server->peer messages for assertions.
package peertest

import (
	"sync"
	"testing"
	"time"

	"github.com/danmuck/livemirror/protocol"
)

const DefaultWait = 2 * time.Second

type Conn struct {
	name string
	out  chan []byte

	mu     sync.Mutex
	closed bool
}

func NewConn(name string) *Conn {
	return &Conn{name: name, out: make(chan []byte, 1024)}
}

func (c *Conn) Send(payload []byte) error {
	c.out <- append([]byte(nil), payload...)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Conn) RemoteAddr() string { return c.name }

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Next waits for the next message and decodes it.
func (c *Conn) Next(t testing.TB) protocol.ServerMessage {
	t.Helper()
	select {
	case raw := <-c.out:
		msg, err := protocol.DecodeServer(raw)
		if err != nil {
			t.Fatalf("%s: decode %q: %v", c.name, raw, err)
		}
		return msg
	case <-time.After(DefaultWait):
		t.Fatalf("%s: no message within %v", c.name, DefaultWait)
		return nil
	}
}

// Take waits for n messages.
func (c *Conn) Take(t testing.TB, n int) []protocol.ServerMessage {
	t.Helper()
	out := make([]protocol.ServerMessage, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, c.Next(t))
	}
	return out
}

// ExpectQuiet fails if a message arrives within d.
func (c *Conn) ExpectQuiet(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case raw := <-c.out:
		t.Fatalf("%s: unexpected message %q", c.name, raw)
	case <-time.After(d):
	}
}
