package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/livemirror/internal/inbox"
	"github.com/danmuck/livemirror/internal/testutil/peertest"
	"github.com/danmuck/livemirror/internal/testutil/testlog"
	"github.com/danmuck/livemirror/internal/transport"
	"github.com/danmuck/livemirror/protocol"
	"github.com/danmuck/livemirror/reconcile"
	"github.com/danmuck/livemirror/registry"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const quiet = 50 * time.Millisecond

func newHubServer(t *testing.T, cfg Config) (*Server, *transport.Hub) {
	t.Helper()
	hub := transport.NewHub(transport.DefaultConfig())
	srv := NewWithHub(cfg, hub)
	t.Cleanup(func() { _ = srv.Close() })
	return srv, hub
}

func connect(t *testing.T, srv *Server, hub *transport.Hub, name string) (uint64, *peertest.Conn) {
	t.Helper()
	conn := peertest.NewConn(name)
	id, err := hub.Attach(conn)
	require.NoError(t, err)
	srv.Pump()
	return id, conn
}

func sendPeer(t *testing.T, hub *transport.Hub, peer uint64, msg protocol.PeerMessage) {
	t.Helper()
	raw, err := protocol.EncodePeer(msg)
	require.NoError(t, err)
	hub.Deliver(peer, raw)
}

func TestNewPeerReceivesSnapshotInSlotOrder(t *testing.T) {
	testlog.Start(t)
	srv, hub := newHubServer(t, Config{})

	a := srv.Register("speed", []byte("1.5"))
	b := srv.Register("pending", nil)
	c := srv.Register("label", []byte(`"x"`))

	peer, conn := connect(t, srv, hub, "p")
	got := conn.Take(t, 4)
	require.Equal(t, protocol.AssignPeerID{PeerID: peer}, got[0])
	require.Equal(t, protocol.Notify{ID: uint64(a), Name: "speed", ValueJSON: "1.5"}, got[1])
	require.Equal(t, protocol.Notify{ID: uint64(b), Name: "pending", ValueJSON: protocol.EmptyValue}, got[2])
	require.Equal(t, protocol.Notify{ID: uint64(c), Name: "label", ValueJSON: `"x"`}, got[3])
	conn.ExpectQuiet(t, quiet)
}

func TestRegisterBroadcastsInitialValue(t *testing.T) {
	testlog.Start(t)
	srv, hub := newHubServer(t, Config{})

	peer, conn := connect(t, srv, hub, "p")
	require.Equal(t, protocol.AssignPeerID{PeerID: peer}, conn.Next(t))

	id := srv.Register("count", []byte("0"))
	require.Equal(t, protocol.Notify{ID: uint64(id), Name: "count", ValueJSON: "0"}, conn.Next(t))

	snap := srv.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, EntryInfo{ID: id, Name: "count", Last: "0"}, snap[0])
}

func TestUpdatesQueueAsProposalsAndClearOnTake(t *testing.T) {
	testlog.Start(t)
	srv, hub := newHubServer(t, Config{})

	id := srv.Register("count", []byte("0"))
	p1, c1 := connect(t, srv, hub, "p1")
	p2, c2 := connect(t, srv, hub, "p2")
	c1.Take(t, 2)
	c2.Take(t, 2)

	sendPeer(t, hub, p1, protocol.UpdateValue{ID: uint64(id), NewValue: "1"})
	sendPeer(t, hub, p2, protocol.UpdateValue{ID: uint64(id), NewValue: "2"})
	sendPeer(t, hub, p1, protocol.UpdateValue{ID: uint64(id) + 7, NewValue: "9"})
	hub.Deliver(p2, []byte("not json"))
	srv.Pump()

	last, proposals, ok := srv.TakePending(id)
	require.True(t, ok)
	require.Equal(t, []byte("0"), last)
	require.Equal(t, []reconcile.Proposal{
		{Peer: p1, Payload: []byte("1")},
		{Peer: p2, Payload: []byte("2")},
	}, proposals)

	_, proposals, ok = srv.TakePending(id)
	require.True(t, ok)
	require.Empty(t, proposals)
}

func TestNotifyRecordsLastAndHonorsAudience(t *testing.T) {
	testlog.Start(t)
	srv, hub := newHubServer(t, Config{})

	id := srv.Register("count", []byte("0"))
	p1, c1 := connect(t, srv, hub, "p1")
	_, c2 := connect(t, srv, hub, "p2")
	c1.Take(t, 2)
	c2.Take(t, 2)

	n := srv.Notify(id, []byte("5"), reconcile.AllBut(p1))
	require.Equal(t, 1, n)
	require.Equal(t, protocol.Notify{ID: uint64(id), Name: "count", ValueJSON: "5"}, c2.Next(t))
	c1.ExpectQuiet(t, quiet)

	last, _, _ := srv.TakePending(id)
	require.Equal(t, []byte("5"), last)

	require.Zero(t, srv.Notify(id, []byte("5"), reconcile.Audience{}))
	require.Zero(t, srv.Notify(registry.ID(99), []byte("1"), reconcile.All()))
}

func TestRenotifyFromConnectedPeerRepliesToRequesterOnly(t *testing.T) {
	testlog.Start(t)
	srv, hub := newHubServer(t, Config{})

	id := srv.Register("count", []byte("3"))
	p1, c1 := connect(t, srv, hub, "p1")
	_, c2 := connect(t, srv, hub, "p2")
	c1.Take(t, 2)
	c2.Take(t, 2)

	sendPeer(t, hub, p1, protocol.Renotify{})
	srv.Pump()
	got := c1.Take(t, 2)
	require.Equal(t, protocol.AssignPeerID{PeerID: p1}, got[0])
	require.Equal(t, protocol.Notify{ID: uint64(id), Name: "count", ValueJSON: "3"}, got[1])
	c2.ExpectQuiet(t, quiet)
}

func TestRenotifyFromUnknownPeerBroadcastsSnapshot(t *testing.T) {
	testlog.Start(t)
	fs := afero.NewMemMapFs()
	srv, hub := newHubServer(t, Config{InboxDir: "/inbox", Fs: fs})

	srv.Register("count", []byte("3"))
	p1, c1 := connect(t, srv, hub, "p1")
	p2, c2 := connect(t, srv, hub, "p2")
	c1.Take(t, 2)
	c2.Take(t, 2)

	raw, err := protocol.EncodePeer(protocol.Renotify{})
	require.NoError(t, err)
	_, err = inbox.NewWriter(fs, "/inbox").Drop(1000, 1, raw)
	require.NoError(t, err)
	srv.Pump()

	require.Equal(t, protocol.AssignPeerID{PeerID: p1}, c1.Next(t))
	require.IsType(t, protocol.Notify{}, c1.Next(t))
	require.Equal(t, protocol.AssignPeerID{PeerID: p2}, c2.Next(t))
	require.IsType(t, protocol.Notify{}, c2.Next(t))
}

func TestDeregisterSendsRemoveAndStaleIDsAreInert(t *testing.T) {
	testlog.Start(t)
	srv, hub := newHubServer(t, Config{})

	old := srv.Register("a", []byte("1"))
	peer, conn := connect(t, srv, hub, "p")
	conn.Take(t, 2)

	srv.Deregister(old)
	require.Equal(t, protocol.Remove{ID: uint64(old)}, conn.Next(t))
	srv.Deregister(old)
	conn.ExpectQuiet(t, quiet)

	fresh := srv.Register("b", []byte("2"))
	require.Equal(t, old.Slot(), fresh.Slot())
	require.NotEqual(t, old, fresh)
	conn.Next(t)

	sendPeer(t, hub, peer, protocol.UpdateValue{ID: uint64(old), NewValue: "9"})
	srv.Pump()
	_, proposals, ok := srv.TakePending(fresh)
	require.True(t, ok)
	require.Empty(t, proposals)

	_, _, ok = srv.TakePending(old)
	require.False(t, ok)
}

func TestCloseSendsRemoveAll(t *testing.T) {
	testlog.Start(t)
	hub := transport.NewHub(transport.DefaultConfig())
	srv := NewWithHub(Config{}, hub)

	srv.Register("a", []byte("1"))
	_, conn := connect(t, srv, hub, "p")
	conn.Take(t, 2)

	require.NoError(t, srv.Close())
	require.Equal(t, protocol.RemoveAll{}, conn.Next(t))
	require.True(t, conn.Closed())
	require.True(t, srv.Closed())
	require.NoError(t, srv.Close())

	srv.Pump()
	require.Empty(t, srv.Peers())
}

func TestInboxOnlyServerReplaysDroppedUpdates(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	srv, err := New(Config{InboxOnly: true, InboxDir: dir})
	require.NoError(t, err)
	defer srv.Close()
	require.Empty(t, srv.Addr())

	id := srv.Register("count", []byte("0"))
	raw, err := protocol.EncodePeer(protocol.UpdateValue{ID: uint64(id), NewValue: "41"})
	require.NoError(t, err)
	_, err = inbox.Drop(dir, 7, 2, raw)
	require.NoError(t, err)
	raw, err = protocol.EncodePeer(protocol.UpdateValue{ID: uint64(id), NewValue: "40"})
	require.NoError(t, err)
	_, err = inbox.Drop(dir, 7, 1, raw)
	require.NoError(t, err)

	srv.Pump()
	_, proposals, ok := srv.TakePending(id)
	require.True(t, ok)
	require.Equal(t, []reconcile.Proposal{
		{Peer: 7, Payload: []byte("40")},
		{Peer: 7, Payload: []byte("41")},
	}, proposals)
}

func TestNewServesTCPPeers(t *testing.T) {
	testlog.Start(t)
	srv, err := New(Config{ListenAddr: "127.0.0.1:0", HTTPAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer srv.Close()
	require.NotEmpty(t, srv.HTTPAddr())

	id := srv.Register("count", []byte("1"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := transport.DialTCP(ctx, srv.Addr())
	require.NoError(t, err)
	defer client.Close()

	var assigned protocol.ServerMessage
	require.Eventually(t, func() bool {
		srv.Pump()
		msg, err := client.Next(20 * time.Millisecond)
		if err != nil {
			return false
		}
		assigned = msg
		return true
	}, 2*time.Second, 10*time.Millisecond)
	require.IsType(t, protocol.AssignPeerID{}, assigned)

	msg, err := client.Next(time.Second)
	require.NoError(t, err)
	require.Equal(t, protocol.Notify{ID: uint64(id), Name: "count", ValueJSON: "1"}, msg)

	require.NoError(t, srv.Close())
	msg, err = client.Next(time.Second)
	require.NoError(t, err)
	require.Equal(t, protocol.RemoveAll{}, msg)
}

func TestNewReportsBindFailure(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = New(Config{ListenAddr: ln.Addr().String()})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrListen), "got=%v", err)
}

func TestPeerConnectingBehindStaleRenotifyGetsOneSnapshot(t *testing.T) {
	testlog.Start(t)
	srv, hub := newHubServer(t, Config{})

	id := srv.Register("count", []byte("1"))
	gone, goneConn := connect(t, srv, hub, "gone")
	goneConn.Take(t, 2)

	sendPeer(t, hub, gone, protocol.Renotify{})
	hub.Detach(gone)
	fresh := peertest.NewConn("fresh")
	freshID, err := hub.Attach(fresh)
	require.NoError(t, err)
	srv.Pump()

	got := fresh.Take(t, 2)
	require.Equal(t, protocol.AssignPeerID{PeerID: freshID}, got[0])
	require.Equal(t, protocol.Notify{ID: uint64(id), Name: "count", ValueJSON: "1"}, got[1])
	fresh.ExpectQuiet(t, quiet)
}
