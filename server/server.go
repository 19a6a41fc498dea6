// Package server is the session manager: it owns the entry registry, the
// peer hub and the inbox, and is the only component that sends wire messages.
//
// Nothing here runs on its own schedule. Transport goroutines buffer inbound
// frames in the hub; entry state only moves when a mirror calls Pump and then
// commits the outcome of its reconciliation pass.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/danmuck/livemirror/internal/inbox"
	"github.com/danmuck/livemirror/internal/observability"
	"github.com/danmuck/livemirror/internal/transport"
	"github.com/danmuck/livemirror/protocol"
	"github.com/danmuck/livemirror/reconcile"
	"github.com/danmuck/livemirror/registry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrListen = errors.New("server: listen failed")

type entry struct {
	name string
	// last is nil until the entry is first broadcast.
	last    []byte
	pending []reconcile.Proposal
}

// EntryInfo is a read-only view of one registered entry.
type EntryInfo struct {
	ID   registry.ID
	Name string
	Last string
}

// Server coordinates entries and peers.
type Server struct {
	cfg   Config
	hub   *transport.Hub
	inbox *inbox.Reader

	mu      sync.Mutex
	entries *registry.Registry[*entry]
	closed  bool

	tcpAddr  net.Addr
	httpAddr net.Addr
	httpSrv  *http.Server
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// New binds the configured listeners and starts serving. Bind failures are
// returned wrapped in ErrListen.
func New(cfg Config) (*Server, error) {
	cfg = cfg.WithDefaults()
	observability.RegisterMetrics()

	hub := transport.NewHub(transport.Config{SendQueue: cfg.SendQueue, RecvQueue: cfg.RecvQueue})
	s := newServer(cfg, hub)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.group = g

	if cfg.InboxOnly {
		log.Info().Str("inbox", cfg.InboxDir).Msg("server.New inbox-only mode")
		return s, nil
	}

	tcpLn, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: tcp %s: %v", ErrListen, cfg.ListenAddr, err)
	}
	var httpLn net.Listener
	if cfg.HTTPAddr != "" {
		httpLn, err = net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			_ = tcpLn.Close()
			cancel()
			return nil, fmt.Errorf("%w: http %s: %v", ErrListen, cfg.HTTPAddr, err)
		}
	}

	s.tcpAddr = tcpLn.Addr()
	g.Go(func() error {
		return transport.ServeTCP(ctx, tcpLn, hub, transport.TCPConfig{WriteTimeout: cfg.WriteTimeout})
	})
	log.Info().Str("addr", s.tcpAddr.String()).Msg("server.New tcp listening")

	if httpLn != nil {
		s.httpSrv = &http.Server{Handler: newRouter(hub, cfg)}
		s.httpAddr = httpLn.Addr()
		g.Go(func() error {
			if err := s.httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		log.Info().Str("addr", s.httpAddr.String()).Msg("server.New http listening")
	}
	return s, nil
}

// NewWithHub builds a server around an existing hub without binding any
// listener. Peers are attached to hub by the caller.
func NewWithHub(cfg Config, hub *transport.Hub) *Server {
	cfg = cfg.WithDefaults()
	observability.RegisterMetrics()
	return newServer(cfg, hub)
}

func newServer(cfg Config, hub *transport.Hub) *Server {
	return &Server{
		cfg:     cfg,
		hub:     hub,
		inbox:   inbox.NewReader(cfg.Fs, cfg.InboxDir),
		entries: registry.New[*entry](),
	}
}

// Addr returns the bound TCP address, or "" in inbox-only mode.
func (s *Server) Addr() string {
	if s.tcpAddr == nil {
		return ""
	}
	return s.tcpAddr.String()
}

// HTTPAddr returns the bound HTTP address, or "" when disabled.
func (s *Server) HTTPAddr() string {
	if s.httpAddr == nil {
		return ""
	}
	return s.httpAddr.String()
}

// Register creates an entry. A non-nil initial value is broadcast to every
// connected peer and recorded as the entry's last value.
func (s *Server) Register(name string, initial []byte) registry.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.entries.Insert(&entry{name: name})
	observability.SetEntries(s.entries.Len())
	log.Debug().Stringer("id", id).Str("name", name).Msg("server.Register")
	if initial != nil {
		s.notifyLocked(id, initial, reconcile.All())
	}
	return id
}

// Deregister removes an entry and tells every peer. Stale ids are ignored.
func (s *Server) Deregister(id registry.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries.Remove(id)
	if !ok {
		return
	}
	observability.SetEntries(s.entries.Len())
	log.Debug().Stringer("id", id).Str("name", e.name).Msg("server.Deregister")
	if s.closed {
		return
	}
	s.broadcastLocked(protocol.Remove{ID: uint64(id)})
}

// Pump drains transport events and then the inbox, applying each in order.
func (s *Server) Pump() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ev := range s.hub.Drain() {
		switch ev.Kind {
		case transport.EventConnect:
			if !s.hub.Activate(ev.Peer) {
				continue
			}
			log.Info().Uint64("peer", ev.Peer).Msg("server.Pump peer connected")
			s.sendSnapshotLocked(ev.Peer)
		case transport.EventMessage:
			s.onMessageLocked(ev.Peer, ev.Data)
		case transport.EventDisconnect:
			log.Info().Uint64("peer", ev.Peer).Msg("server.Pump peer disconnected")
		}
	}
	for _, msg := range s.inbox.Collect() {
		log.Debug().Uint64("peer", msg.Peer).Uint64("seq", msg.Seq).Msg("server.Pump inbox message")
		s.onMessageLocked(msg.Peer, msg.Data)
	}
}

func (s *Server) onMessageLocked(peer uint64, raw []byte) {
	msg, err := protocol.DecodePeer(raw)
	if err != nil {
		observability.RecordDropped("malformed")
		log.Debug().Uint64("peer", peer).Err(err).Msg("server.onMessage dropped")
		return
	}
	switch m := msg.(type) {
	case protocol.UpdateValue:
		id := registry.ID(m.ID)
		ok := s.entries.Update(id, func(e **entry) {
			(*e).pending = append((*e).pending, reconcile.Proposal{Peer: peer, Payload: []byte(m.NewValue)})
		})
		if !ok {
			observability.RecordDropped("unknown_entry")
			log.Debug().Uint64("peer", peer).Stringer("id", id).Msg("server.onMessage update for unknown entry")
		}
	case protocol.Renotify:
		s.renotifyLocked(peer)
	}
}

func (s *Server) renotifyLocked(peer uint64) {
	if s.hub.Connected(peer) {
		s.sendSnapshotLocked(peer)
		return
	}
	log.Debug().Uint64("peer", peer).Msg("server.renotify requester not connected, broadcasting snapshot")
	for _, p := range s.hub.Peers() {
		s.sendSnapshotLocked(p)
	}
}

func (s *Server) sendSnapshotLocked(peer uint64) {
	if !s.sendLocked(peer, protocol.AssignPeerID{PeerID: peer}) {
		return
	}
	s.entries.Each(func(id registry.ID, e *entry) bool {
		value := protocol.EmptyValue
		if e.last != nil {
			value = string(e.last)
		}
		return s.sendLocked(peer, protocol.Notify{ID: uint64(id), Name: e.name, ValueJSON: value})
	})
}

// TakePending returns the entry's last broadcast value and clears its
// pending proposals. ok is false when id no longer names an entry.
func (s *Server) TakePending(id registry.ID) (last []byte, proposals []reconcile.Proposal, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok = s.entries.Update(id, func(e **entry) {
		last = (*e).last
		proposals = (*e).pending
		(*e).pending = nil
	})
	return last, proposals, ok
}

// Notify records value as the entry's last value and sends it to the
// audience. It returns the number of peers the notify was queued for.
func (s *Server) Notify(id registry.ID, value []byte, audience reconcile.Audience) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifyLocked(id, value, audience)
}

func (s *Server) notifyLocked(id registry.ID, value []byte, audience reconcile.Audience) int {
	var e *entry
	if !s.entries.Update(id, func(p **entry) { e = *p }) {
		return 0
	}
	e.last = value
	if value == nil || audience.Empty() || s.closed {
		return 0
	}
	payload, err := protocol.EncodeServer(protocol.Notify{ID: uint64(id), Name: e.name, ValueJSON: string(value)})
	if err != nil {
		log.Error().Err(err).Stringer("id", id).Msg("server.notify encode")
		return 0
	}
	n := s.hub.SendMany(audience.Select(s.hub.Peers()), payload)
	observability.RecordSent("notify", n)
	log.Debug().Stringer("id", id).Str("audience", audience.Kind.String()).Int("peers", n).Msg("server.notify")
	return n
}

func (s *Server) sendLocked(peer uint64, msg protocol.ServerMessage) bool {
	payload, err := protocol.EncodeServer(msg)
	if err != nil {
		log.Error().Err(err).Msg("server.send encode")
		return false
	}
	if !s.hub.Send(peer, payload) {
		return false
	}
	observability.RecordSent(messageType(msg), 1)
	return true
}

func (s *Server) broadcastLocked(msg protocol.ServerMessage) int {
	payload, err := protocol.EncodeServer(msg)
	if err != nil {
		log.Error().Err(err).Msg("server.broadcast encode")
		return 0
	}
	n := s.hub.Broadcast(payload)
	observability.RecordSent(messageType(msg), n)
	return n
}

func messageType(msg protocol.ServerMessage) string {
	switch msg.(type) {
	case protocol.AssignPeerID:
		return "assign_peer_id"
	case protocol.Notify:
		return "notify"
	case protocol.Remove:
		return "remove"
	case protocol.RemoveAll:
		return "remove_all"
	default:
		return "unknown"
	}
}

// Snapshot lists registered entries in slot order.
func (s *Server) Snapshot() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, s.entries.Len())
	s.entries.Each(func(id registry.ID, e *entry) bool {
		info := EntryInfo{ID: id, Name: e.name}
		if e.last != nil {
			info.Last = string(e.last)
		}
		out = append(out, info)
		return true
	})
	return out
}

// Peers returns the connected peer ids.
func (s *Server) Peers() []uint64 {
	return s.hub.Peers()
}

// Closed reports whether Close has run.
func (s *Server) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tells every peer to drop all entries, flushes and closes the
// transport, and waits for the listeners to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	n := s.broadcastLocked(protocol.RemoveAll{})
	s.mu.Unlock()
	log.Info().Int("peers", n).Msg("server.Close")

	s.hub.Close()
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(context.Background())
	}
	if s.group != nil {
		return s.group.Wait()
	}
	return nil
}
