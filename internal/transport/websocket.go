package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/livemirror/protocol/frame"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketConfig configures the /ws upgrade handler.
type WebSocketConfig struct {
	WriteTimeout time.Duration
	// AllowedOrigins empty means any origin.
	AllowedOrigins []string
}

type wsConn struct {
	conn         *websocket.Conn
	remote       string
	writeTimeout time.Duration
	closeOnce    sync.Once
}

// Send writes one websocket text message carrying exactly one frame.
func (c *wsConn) Send(payload []byte) error {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame.Encode(payload))
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) RemoteAddr() string {
	return c.remote
}

// WebSocketHandler upgrades requests and attaches each socket to hub.
func WebSocketHandler(hub *Hub, cfg WebSocketConfig) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  readChunk,
		WriteBufferSize: readChunk,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("transport.ws upgrade failed")
			return
		}
		ws.SetReadLimit(int64(hub.Limits().MaxFrameBytes))
		wc := &wsConn{conn: ws, remote: r.RemoteAddr, writeTimeout: cfg.WriteTimeout}
		id, err := hub.Attach(wc)
		if err != nil {
			_ = wc.Close()
			return
		}
		log.Info().Uint64("peer", id).Str("remote", wc.remote).Msg("transport.ws peer connected")
		readWS(hub, id, wc)
	})
}

func readWS(hub *Hub, id PeerID, wc *wsConn) {
	defer hub.Detach(id)
	for {
		kind, data, err := wc.conn.ReadMessage()
		if err != nil {
			log.Info().Uint64("peer", id).Str("remote", wc.remote).Msg("transport.ws peer disconnected")
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		msg, err := frame.Decode(data)
		if err != nil {
			log.Debug().Uint64("peer", id).Err(err).Msg("transport.ws bad escape")
			continue
		}
		if len(msg) == 0 {
			continue
		}
		if !hub.Deliver(id, msg) {
			return
		}
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
