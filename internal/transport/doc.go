// Package transport owns peer connections for a mirror server.
//
// Ownership boundary:
// - peer id assignment (Hub)
// - per-peer reader/writer goroutines for TCP and WebSocket
// - buffering inbound frames until the server drains them
//
// Nothing in this package touches entry state. Goroutines only move bytes
// into the Hub queue; the server pulls that queue on value access.
package transport
