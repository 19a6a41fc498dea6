package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/livemirror/internal/logging"
	"github.com/danmuck/livemirror/mirror"
	"github.com/danmuck/livemirror/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// demoSettings is the editable value mirrord exposes.
type demoSettings struct {
	Label   string  `json:"label"`
	Rate    float64 `json:"rate"`
	Enabled bool    `json:"enabled"`
}

func main() {
	logging.ConfigureRuntime()

	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "mirrord: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "mirrord: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (daemonConfig, error) {
	fs := pflag.NewFlagSet("mirrord", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "TOML config file")
	listen := fs.String("listen", "", "TCP peer listen address")
	httpAddr := fs.String("http", "", "HTTP listen address for /ws and /metrics")
	inboxDir := fs.String("inbox", "", "inbox directory for dropped peer messages")
	inboxOnly := fs.Bool("inbox-only", false, "disable socket listeners")
	tick := fs.Duration("tick", 0, "demo counter interval")
	if err := fs.Parse(args); err != nil {
		return daemonConfig{}, err
	}

	cfg := defaultDaemonConfig()
	if *configPath != "" {
		loaded, err := loadDaemonConfig(*configPath)
		if err != nil {
			return daemonConfig{}, err
		}
		cfg = loaded
	}
	if fs.Changed("listen") {
		cfg.Server.ListenAddr = *listen
	}
	if fs.Changed("http") {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if fs.Changed("inbox") {
		cfg.Server.InboxDir = *inboxDir
	}
	if fs.Changed("inbox-only") {
		cfg.Server.InboxOnly = *inboxOnly
	}
	if fs.Changed("tick") {
		cfg.Tick = *tick
	}
	if err := cfg.validate(); err != nil {
		return daemonConfig{}, err
	}
	return cfg, nil
}

// run serves the demo values until ctx is cancelled.
func run(ctx context.Context, cfg daemonConfig) error {
	if err := server.SetDefaultConfig(cfg.Server); err != nil {
		return err
	}
	srv, err := server.Default()
	if err != nil {
		return err
	}

	counter, err := mirror.NewDefault("counter", 0)
	if err != nil {
		_ = srv.Close()
		return err
	}
	settings, err := mirror.NewDefault("settings", demoSettings{Label: "demo", Rate: 1, Enabled: true})
	if err != nil {
		counter.Close()
		_ = srv.Close()
		return err
	}
	log.Info().
		Str("tcp", srv.Addr()).
		Str("http", srv.HTTPAddr()).
		Str("inbox", cfg.Server.InboxDir).
		Msg("mirrord ready")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tickLoop(ctx, cfg.Tick, counter, settings)
	})
	err = g.Wait()

	counter.Close()
	settings.Close()
	if cerr := srv.Close(); cerr != nil && err == nil {
		err = cerr
	}
	log.Info().Msg("mirrord stopped")
	return err
}

func tickLoop(ctx context.Context, every time.Duration, counter *mirror.Value[int], settings *mirror.Value[demoSettings]) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	prev := settings.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		cur := settings.Get()
		if cur != prev {
			log.Info().
				Str("label", cur.Label).
				Float64("rate", cur.Rate).
				Bool("enabled", cur.Enabled).
				Msg("mirrord settings edited")
			prev = cur
		}
		if cur.Enabled {
			counter.Update(func(n *int) { *n++ })
		} else {
			counter.Sync()
		}
	}
}
