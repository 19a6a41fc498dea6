package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/danmuck/livemirror/protocol/frame"
	"github.com/rs/zerolog/log"
)

const readChunk = 4096

// TCPConfig bounds socket writes.
type TCPConfig struct {
	WriteTimeout time.Duration
}

type tcpConn struct {
	conn         net.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func (c *tcpConn) Send(payload []byte) error {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.conn.Write(frame.Encode(payload))
	return err
}

func (c *tcpConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *tcpConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// ServeTCP accepts peers on ln until ctx is cancelled or ln is closed.
func ServeTCP(ctx context.Context, ln net.Listener, hub *Hub, cfg TCPConfig) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		tc := &tcpConn{conn: conn, writeTimeout: cfg.WriteTimeout}
		id, err := hub.Attach(tc)
		if err != nil {
			_ = tc.Close()
			return nil
		}
		log.Info().Uint64("peer", id).Str("remote", tc.RemoteAddr()).Msg("transport.tcp peer connected")
		go readTCP(hub, id, tc)
	}
}

func readTCP(hub *Hub, id PeerID, tc *tcpConn) {
	defer hub.Detach(id)
	splitter := frame.NewSplitter(hub.Limits())
	buf := make([]byte, readChunk)
	for {
		n, err := tc.conn.Read(buf)
		if n > 0 {
			frames, ferr := splitter.Write(buf[:n])
			for _, f := range frames {
				if !hub.Deliver(id, f) {
					return
				}
			}
			if ferr != nil {
				log.Warn().Uint64("peer", id).Err(ferr).Msg("transport.tcp oversized frame")
			}
		}
		if err != nil {
			log.Info().Uint64("peer", id).Str("remote", tc.RemoteAddr()).Msg("transport.tcp peer disconnected")
			return
		}
	}
}
