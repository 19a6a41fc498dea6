package server

import (
	"strings"
	"time"

	"github.com/danmuck/livemirror/internal/transport"
	"github.com/spf13/afero"
)

// Session manager listener and inbox configuration.
type Config struct {
	// ListenAddr is the TCP peer listener. Ignored when InboxOnly is set.
	ListenAddr string
	// HTTPAddr optionally serves /ws and /metrics. Empty disables it.
	HTTPAddr string
	// InboxDir is scanned for dropped peer messages on every pass. Empty
	// disables the inbox.
	InboxDir string
	// InboxOnly disables every socket listener.
	InboxOnly      bool
	WriteTimeout   time.Duration
	SendQueue      int
	RecvQueue      int
	AllowedOrigins []string
	// Fs backs the inbox. Defaults to the OS filesystem.
	Fs afero.Fs
}

// Session manager defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "127.0.0.1:5050",
		WriteTimeout: 5 * time.Second,
		SendQueue:    transport.DefaultConfig().SendQueue,
		RecvQueue:    transport.DefaultConfig().RecvQueue,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	c.HTTPAddr = strings.TrimSpace(c.HTTPAddr)
	c.InboxDir = strings.TrimSpace(c.InboxDir)
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.SendQueue <= 0 {
		c.SendQueue = def.SendQueue
	}
	if c.RecvQueue <= 0 {
		c.RecvQueue = def.RecvQueue
	}
	if c.Fs == nil {
		c.Fs = afero.NewOsFs()
	}
	return c
}
