package transport

import (
	"errors"
	"sync"

	"github.com/danmuck/livemirror/internal/observability"
	"github.com/danmuck/livemirror/protocol/frame"
	"github.com/danmuck/livemirror/registry"
	"github.com/rs/zerolog/log"
)

var ErrHubClosed = errors.New("transport: hub closed")

// PeerID identifies one attached connection. IDs are not reused while the
// hub lives: a recycled slot carries a new generation.
type PeerID = uint64

type EventKind int

const (
	EventConnect EventKind = iota
	EventMessage
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventMessage:
		return "message"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Event is one inbound occurrence, in arrival order.
type Event struct {
	Kind EventKind
	Peer PeerID
	Data []byte
}

// Conn is one peer connection. Send receives an unframed payload and is
// only ever called from the peer's writer goroutine.
type Conn interface {
	Send(payload []byte) error
	Close() error
	RemoteAddr() string
}

// Config bounds per-peer buffering. RecvQueue caps the frames a peer may
// have waiting in the hub before it is dropped.
type Config struct {
	SendQueue int
	RecvQueue int
	Limits    frame.Limits
}

func DefaultConfig() Config {
	return Config{
		SendQueue: 256,
		RecvQueue: 1024,
		Limits:    frame.DefaultLimits(),
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.SendQueue <= 0 {
		c.SendQueue = def.SendQueue
	}
	if c.RecvQueue <= 0 {
		c.RecvQueue = def.RecvQueue
	}
	if c.Limits.MaxFrameBytes <= 0 {
		c.Limits = def.Limits
	}
	return c
}

type peer struct {
	conn    Conn
	out     chan []byte
	inbound int
	active  bool
	closed  bool
}

// Hub tracks attached peers and queues their inbound traffic.
type Hub struct {
	cfg Config

	mu     sync.Mutex
	peers  *registry.Registry[*peer]
	events []Event
	closed bool

	writers sync.WaitGroup
}

func NewHub(cfg Config) *Hub {
	return &Hub{
		cfg:   cfg.WithDefaults(),
		peers: registry.New[*peer](),
	}
}

// Limits returns the frame limits readers should apply.
func (h *Hub) Limits() frame.Limits {
	return h.cfg.Limits
}

// Attach registers conn and starts its writer. The peer stays invisible to
// Send and Peers until Activate is called for it.
func (h *Hub) Attach(conn Conn) (PeerID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrHubClosed
	}
	p := &peer{conn: conn, out: make(chan []byte, h.cfg.SendQueue)}
	id := uint64(h.peers.Insert(p))
	h.events = append(h.events, Event{Kind: EventConnect, Peer: id})
	h.writers.Add(1)
	go h.writeLoop(id, p)
	observability.SetConnectedPeers(h.peers.Len())
	log.Debug().Uint64("peer", id).Str("remote", conn.RemoteAddr()).Msg("transport.Hub attach")
	return id, nil
}

// Deliver queues one complete inbound frame from id. It returns false when
// the peer is gone or has exceeded RecvQueue, in which case it is detached
// and the reader should stop.
func (h *Hub) Deliver(id PeerID, data []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	p, ok := h.peers.Get(registry.ID(id))
	if !ok || p.closed {
		return false
	}
	if p.inbound >= h.cfg.RecvQueue {
		observability.RecordDropped("recv_queue_full")
		log.Warn().Uint64("peer", id).Int("queue", h.cfg.RecvQueue).Msg("transport.Hub receive queue full, dropping peer")
		h.detachLocked(id)
		return false
	}
	p.inbound++
	h.events = append(h.events, Event{Kind: EventMessage, Peer: id, Data: data})
	return true
}

// Detach drops id and queues a disconnect event. Safe to call repeatedly.
func (h *Hub) Detach(id PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(id)
}

func (h *Hub) detachLocked(id PeerID) {
	p, ok := h.peers.Remove(registry.ID(id))
	if !ok {
		return
	}
	h.shutPeer(p)
	_ = p.conn.Close()
	if !h.closed {
		h.events = append(h.events, Event{Kind: EventDisconnect, Peer: id})
	}
	observability.SetConnectedPeers(h.peers.Len())
	log.Debug().Uint64("peer", id).Msg("transport.Hub detach")
}

func (h *Hub) shutPeer(p *peer) {
	if p.closed {
		return
	}
	p.closed = true
	close(p.out)
}

// Drain returns every queued event without blocking and releases the
// receive budget of the drained messages.
func (h *Hub) Drain() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) == 0 {
		return nil
	}
	out := h.events
	h.events = nil
	for _, ev := range out {
		if ev.Kind != EventMessage {
			continue
		}
		if p, ok := h.peers.Get(registry.ID(ev.Peer)); ok && p.inbound > 0 {
			p.inbound--
		}
	}
	return out
}

// Activate makes a drained peer visible to Send, Broadcast and Peers. The
// server calls it while handling the peer's connect event.
func (h *Hub) Activate(id PeerID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.peers.Get(registry.ID(id))
	if !ok || p.closed {
		return false
	}
	p.active = true
	return true
}

// Send enqueues payload for one active peer. A full queue disconnects the
// peer rather than blocking the caller.
func (h *Hub) Send(id PeerID, payload []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sendLocked(id, payload)
}

// SendMany enqueues payload for each listed peer and returns how many took it.
func (h *Hub) SendMany(ids []PeerID, payload []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, id := range ids {
		if h.sendLocked(id, payload) {
			n++
		}
	}
	return n
}

// Broadcast enqueues payload for every active peer.
func (h *Hub) Broadcast(payload []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, id := range h.activeLocked() {
		if h.sendLocked(id, payload) {
			n++
		}
	}
	return n
}

func (h *Hub) sendLocked(id PeerID, payload []byte) bool {
	p, ok := h.peers.Get(registry.ID(id))
	if !ok || !p.active || p.closed {
		return false
	}
	select {
	case p.out <- payload:
		return true
	default:
		log.Warn().Uint64("peer", id).Int("queue", cap(p.out)).Msg("transport.Hub send queue full, dropping peer")
		h.detachLocked(id)
		return false
	}
}

// Peers returns active peer ids in slot order.
func (h *Hub) Peers() []PeerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activeLocked()
}

// Connected reports whether id is attached and active.
func (h *Hub) Connected(id PeerID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.peers.Get(registry.ID(id))
	return ok && p.active
}

func (h *Hub) activeLocked() []PeerID {
	out := make([]PeerID, 0, h.peers.Len())
	h.peers.Each(func(id registry.ID, p *peer) bool {
		if p.active && !p.closed {
			out = append(out, uint64(id))
		}
		return true
	})
	return out
}

// Close stops accepting peers, lets every writer flush its queue, and
// closes all connections.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.events = nil
	for _, id := range h.peers.IDs() {
		p, _ := h.peers.Remove(id)
		h.shutPeer(p)
	}
	observability.SetConnectedPeers(0)
	h.mu.Unlock()
	h.writers.Wait()
}

func (h *Hub) writeLoop(id PeerID, p *peer) {
	defer h.writers.Done()
	defer p.conn.Close()
	for payload := range p.out {
		if err := p.conn.Send(payload); err != nil {
			log.Debug().Uint64("peer", id).Err(err).Msg("transport.Hub write failed")
			h.Detach(id)
			for range p.out {
			}
			return
		}
	}
}
