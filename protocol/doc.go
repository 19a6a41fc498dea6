// Package protocol owns the wire contract between a mirror server and its peers.
//
// Ownership boundary:
// - server->peer and peer->server message variants
// - JSON envelope encode/decode
// - frame/ delimiter framing and escaping
package protocol
