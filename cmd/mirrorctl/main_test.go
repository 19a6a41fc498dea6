package main

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/livemirror/internal/inbox"
	"github.com/danmuck/livemirror/internal/testutil/testlog"
	"github.com/danmuck/livemirror/mirror"
	"github.com/danmuck/livemirror/protocol"
	"github.com/danmuck/livemirror/server"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// pumpUntil keeps accessing v until ctx ends, like a host program would.
func pumpUntil[T any](ctx context.Context, v *mirror.Value[T]) {
	for ctx.Err() == nil {
		v.Sync()
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunUsageErrors(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	var out bytes.Buffer

	require.ErrorIs(t, run(ctx, nil, &out), errUsage)
	require.ErrorIs(t, run(ctx, []string{"bogus"}, &out), errUsage)
	require.ErrorIs(t, run(ctx, []string{"set", "1"}, &out), errUsage)
	require.Error(t, run(ctx, []string{"set", "x", "1"}, &out))
	require.ErrorIs(t, run(ctx, []string{"drop", "/tmp"}, &out), errUsage)
}

func TestRunDropWritesInboxFile(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	var out bytes.Buffer

	require.NoError(t, run(context.Background(), []string{"drop", dir, "3", "9", "0", `{"a":1}`}, &out))
	require.Contains(t, out.String(), inbox.FileName(3, 9))

	msgs := inbox.NewReader(afero.NewOsFs(), dir).Collect()
	require.Len(t, msgs, 1)
	msg, err := protocol.DecodePeer(msgs[0].Data)
	require.NoError(t, err)
	require.Equal(t, protocol.UpdateValue{ID: 0, NewValue: `{"a":1}`}, msg)
}

func TestRunSetAndWatchAgainstServer(t *testing.T) {
	testlog.Start(t)
	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer srv.Close()

	v, err := mirror.New(srv, "count", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pumpUntil(ctx, v)

	watchCtx, stopWatch := context.WithCancel(ctx)
	watchOut := &lockedBuffer{}
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- run(watchCtx, []string{"--addr", srv.Addr(), "watch"}, watchOut)
	}()
	require.Eventually(t, func() bool {
		return strings.Contains(watchOut.String(), `"name":"count"`)
	}, 2*time.Second, 10*time.Millisecond)

	var setOut bytes.Buffer
	id := strconv.FormatUint(uint64(v.ID()), 10)
	require.NoError(t, run(ctx, []string{"--addr", srv.Addr(), "--wait", "200ms", "set", id, "42"}, &setOut))
	require.Contains(t, setOut.String(), "proposed "+id+" = 42")
	require.NotContains(t, setOut.String(), `"value_json":"1"`)

	require.Eventually(t, func() bool { return v.Get() == 42 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return strings.Contains(watchOut.String(), `"value_json":"42"`)
	}, 2*time.Second, 10*time.Millisecond)

	stopWatch()
	select {
	case err := <-watchDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal(errors.New("watch did not stop"))
	}
}

func TestRunSetPrintsOnlyCorrectionAfterProposal(t *testing.T) {
	testlog.Start(t)
	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer srv.Close()

	v, err := mirror.New(srv, "count", 7)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pumpUntil(ctx, v)

	var out bytes.Buffer
	id := strconv.FormatUint(uint64(v.ID()), 10)
	require.NoError(t, run(ctx, []string{"--addr", srv.Addr(), "--wait", "300ms", "set", id, `"seven"`}, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2, "out=%q", out.String())
	require.Equal(t, "proposed "+id+` = "seven"`, lines[0])
	require.Contains(t, lines[1], `"value_json":"7"`)
	require.Equal(t, 7, v.Get())
}

func TestRunSetFailsWithoutPeerID(t *testing.T) {
	testlog.Start(t)
	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer srv.Close()

	var out bytes.Buffer
	err = run(context.Background(), []string{"--addr", srv.Addr(), "--timeout", "100ms", "set", "1", "2"}, &out)
	require.ErrorContains(t, err, "no peer id assigned")
	require.Empty(t, out.String())
}
