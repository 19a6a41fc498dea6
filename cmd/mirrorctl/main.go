package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/livemirror/internal/inbox"
	"github.com/danmuck/livemirror/internal/logging"
	"github.com/danmuck/livemirror/internal/transport"
	"github.com/danmuck/livemirror/protocol"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

var errUsage = errors.New("usage: mirrorctl [--addr host:port | --ws url] <watch | set <id> <json> | renotify | drop <dir> <peer> <seq> <id> <json>>")

type options struct {
	addr      string
	wsURL     string
	wait      time.Duration
	timeout   time.Duration
	settle    time.Duration
	reconnect bool
}

func main() {
	logging.ConfigureRuntime()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "mirrorctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("mirrorctl", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	opts := options{}
	fs.StringVar(&opts.addr, "addr", "127.0.0.1:5050", "server TCP address")
	fs.StringVar(&opts.wsURL, "ws", "", "server websocket URL, e.g. ws://127.0.0.1:5051/ws")
	fs.DurationVar(&opts.wait, "wait", time.Second, "how long set reports changes after proposing")
	fs.DurationVar(&opts.timeout, "timeout", 5*time.Second, "dial timeout, also how long set waits for its peer id")
	fs.DurationVar(&opts.settle, "settle", 150*time.Millisecond, "set: quiet period that ends the initial snapshot")
	fs.BoolVar(&opts.reconnect, "reconnect", false, "watch: redial with backoff when the session ends")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return errUsage
	}

	switch rest[0] {
	case "drop":
		return runDrop(rest[1:], out)
	case "watch":
		if len(rest) != 1 {
			return errUsage
		}
		if opts.reconnect {
			return watchForever(ctx, opts, transport.DefaultBackoffConfig(), out)
		}
		return withClient(ctx, opts, func(c *transport.Client) error { return runWatch(ctx, c, out) })
	case "renotify":
		if len(rest) != 1 {
			return errUsage
		}
		return withClient(ctx, opts, func(c *transport.Client) error { return c.Send(protocol.Renotify{}) })
	case "set":
		if len(rest) != 3 {
			return errUsage
		}
		id, err := strconv.ParseUint(rest[1], 10, 64)
		if err != nil {
			return fmt.Errorf("parse id %q: %w", rest[1], err)
		}
		return withClient(ctx, opts, func(c *transport.Client) error { return runSet(c, id, rest[2], opts, out) })
	default:
		return fmt.Errorf("unknown command %q: %w", rest[0], errUsage)
	}
}

func withClient(ctx context.Context, opts options, fn func(*transport.Client) error) error {
	dialCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	var (
		c   *transport.Client
		err error
	)
	if opts.wsURL != "" {
		c, err = transport.DialWebSocket(dialCtx, opts.wsURL)
	} else {
		c, err = transport.DialTCP(dialCtx, opts.addr)
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer c.Close()
	return fn(c)
}

// runWatch prints every server message as one JSON line until the session
// ends or ctx is cancelled.
func runWatch(ctx context.Context, c *transport.Client, out io.Writer) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	for {
		msg, err := c.Next(0)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClientClosed) {
				return nil
			}
			return err
		}
		if err := printMessage(out, msg); err != nil {
			return err
		}
		if _, ok := msg.(protocol.RemoveAll); ok {
			return nil
		}
	}
}

// watchForever redials after every session end until ctx is cancelled.
func watchForever(ctx context.Context, opts options, backoff transport.BackoffConfig, out io.Writer) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		err := withClient(ctx, opts, func(c *transport.Client) error {
			attempt = 0
			return runWatch(ctx, c, out)
		})
		if ctx.Err() != nil {
			return nil
		}
		attempt++
		delay := backoff.NextDelay(attempt, rng)
		log.Info().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("mirrorctl watch redial")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// awaitSnapshot consumes the session greeting: the peer id assignment and
// the notify burst that follows it. The burst is over once the server stays
// quiet for settle.
func awaitSnapshot(c *transport.Client, timeout, settle time.Duration) error {
	for {
		msg, err := c.Next(timeout)
		if errors.Is(err, transport.ErrClientTimeout) {
			return fmt.Errorf("no peer id assigned within %v; is the host accessing its values?", timeout)
		}
		if err != nil {
			return err
		}
		if _, ok := msg.(protocol.AssignPeerID); ok {
			break
		}
	}
	for {
		_, err := c.Next(settle)
		if errors.Is(err, transport.ErrClientTimeout) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// runSet proposes value for id once the snapshot has been consumed, then
// prints every message about id seen during wait. An accepted proposal is
// not echoed back to its proposer, so anything printed is a correction or a
// later change.
func runSet(c *transport.Client, id uint64, value string, opts options, out io.Writer) error {
	if err := awaitSnapshot(c, opts.timeout, opts.settle); err != nil {
		return err
	}
	if err := c.Send(protocol.UpdateValue{ID: id, NewValue: value}); err != nil {
		return fmt.Errorf("send update: %w", err)
	}
	if _, err := fmt.Fprintf(out, "proposed %d = %s\n", id, value); err != nil {
		return err
	}
	deadline := time.Now().Add(opts.wait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		msg, err := c.Next(remaining)
		if errors.Is(err, transport.ErrClientTimeout) {
			return nil
		}
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case protocol.Notify:
			if m.ID == id {
				if err := printMessage(out, m); err != nil {
					return err
				}
			}
		case protocol.Remove:
			if m.ID == id {
				return fmt.Errorf("entry %d removed", id)
			}
		case protocol.RemoveAll:
			return errors.New("server closed")
		}
	}
}

func runDrop(args []string, out io.Writer) error {
	if len(args) != 5 {
		return errUsage
	}
	nums := make([]uint64, 3)
	for i, raw := range args[1:4] {
		n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("parse %q: %w", raw, err)
		}
		nums[i] = n
	}
	payload, err := protocol.EncodePeer(protocol.UpdateValue{ID: nums[2], NewValue: args[4]})
	if err != nil {
		return err
	}
	path, err := inbox.Drop(args[0], nums[0], nums[1], payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, path)
	return err
}

func printMessage(out io.Writer, msg protocol.ServerMessage) error {
	raw, err := protocol.EncodeServer(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n", raw)
	return err
}
