package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/livemirror/server"
)

type fileConfig struct {
	ListenAddr     string   `toml:"listen_addr"`
	HTTPAddr       string   `toml:"http_addr"`
	InboxDir       string   `toml:"inbox_dir"`
	InboxOnly      bool     `toml:"inbox_only"`
	WriteTimeout   string   `toml:"write_timeout"`
	SendQueue      int      `toml:"send_queue"`
	RecvQueue      int      `toml:"recv_queue"`
	AllowedOrigins []string `toml:"allowed_origins"`
	Tick           string   `toml:"tick"`
}

// daemonConfig is the server config plus demo settings.
type daemonConfig struct {
	Server server.Config
	Tick   time.Duration
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		Server: server.DefaultConfig(),
		Tick:   time.Second,
	}
}

func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("load mirrord config: %w", err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.Server.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}

	if meta.IsDefined("http_addr") {
		cfg.Server.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}

	if meta.IsDefined("inbox_dir") {
		cfg.Server.InboxDir = strings.TrimSpace(raw.InboxDir)
	}

	if meta.IsDefined("inbox_only") {
		cfg.Server.InboxOnly = raw.InboxOnly
	}

	if meta.IsDefined("write_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.WriteTimeout))
		if err != nil {
			return daemonConfig{}, fmt.Errorf("parse write_timeout: %w", err)
		}
		cfg.Server.WriteTimeout = d
	}

	if meta.IsDefined("send_queue") {
		if raw.SendQueue <= 0 {
			return daemonConfig{}, fmt.Errorf("send_queue must be positive, got %d", raw.SendQueue)
		}
		cfg.Server.SendQueue = raw.SendQueue
	}

	if meta.IsDefined("recv_queue") {
		if raw.RecvQueue <= 0 {
			return daemonConfig{}, fmt.Errorf("recv_queue must be positive, got %d", raw.RecvQueue)
		}
		cfg.Server.RecvQueue = raw.RecvQueue
	}

	if meta.IsDefined("allowed_origins") {
		cfg.Server.AllowedOrigins = normalizeList(raw.AllowedOrigins)
	}

	if meta.IsDefined("tick") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Tick))
		if err != nil {
			return daemonConfig{}, fmt.Errorf("parse tick: %w", err)
		}
		cfg.Tick = d
	}

	if err := cfg.validate(); err != nil {
		return daemonConfig{}, err
	}
	return cfg, nil
}

// validate checks settings that depend on each other. It runs after every
// source has been applied.
func (c daemonConfig) validate() error {
	if c.Server.InboxOnly && strings.TrimSpace(c.Server.InboxDir) == "" {
		return fmt.Errorf("inbox_only requires inbox_dir")
	}
	if c.Tick <= 0 {
		return fmt.Errorf("tick must be positive, got %v", c.Tick)
	}
	return nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, item := range in {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
