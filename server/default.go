package server

import (
	"errors"
	"sync"
)

var ErrDefaultInitialized = errors.New("server: default already initialized")

var (
	defaultMu     sync.Mutex
	defaultConfig = DefaultConfig()
	defaultServer *Server
)

// SetDefaultConfig replaces the configuration Default will use. It fails
// once the default server exists.
func SetDefaultConfig(cfg Config) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultServer != nil {
		return ErrDefaultInitialized
	}
	defaultConfig = cfg
	return nil
}

// Default returns the process-wide server, starting it on first use. A
// failed start is returned and retried on the next call.
func Default() (*Server, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultServer != nil {
		return defaultServer, nil
	}
	srv, err := New(defaultConfig)
	if err != nil {
		return nil, err
	}
	defaultServer = srv
	return srv, nil
}

// MustDefault is Default that panics on startup failure.
func MustDefault() *Server {
	srv, err := Default()
	if err != nil {
		panic(err)
	}
	return srv
}

// DefaultInitialized reports whether the default server has been started.
func DefaultInitialized() bool {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultServer != nil
}
