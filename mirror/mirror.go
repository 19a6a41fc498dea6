// Package mirror exposes host values to connected peers.
//
// A Value[T] is a handle on one registered entry. Every access runs a
// reconciliation pass first, so peer edits become visible and local edits
// are published as a side effect of using the value.
package mirror

import (
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/livemirror/internal/observability"
	"github.com/danmuck/livemirror/reconcile"
	"github.com/danmuck/livemirror/registry"
	"github.com/danmuck/livemirror/server"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoHost = errors.New("mirror: nil host")
	ErrEncode = errors.New("mirror: encode initial value")
)

// Host is the session side a mirror talks to. *server.Server implements it.
type Host interface {
	Pump()
	Register(name string, initial []byte) registry.ID
	Deregister(id registry.ID)
	TakePending(id registry.ID) (last []byte, proposals []reconcile.Proposal, ok bool)
	Notify(id registry.ID, value []byte, audience reconcile.Audience) int
}

type Option[T any] func(*Value[T])

// WithCodec replaces the default JSON codec.
func WithCodec[T any](c Codec[T]) Option[T] {
	return func(v *Value[T]) {
		if c != nil {
			v.codec = c
		}
	}
}

// Value mirrors one host value of type T.
type Value[T any] struct {
	mu     sync.Mutex
	value  T
	name   string
	id     registry.ID
	host   Host
	codec  Codec[T]
	closed bool
}

// New registers name on host and broadcasts initial to every peer.
func New[T any](host Host, name string, initial T, opts ...Option[T]) (*Value[T], error) {
	if host == nil {
		return nil, ErrNoHost
	}
	v := &Value[T]{value: initial, name: name, host: host, codec: JSONCodec[T]{}}
	for _, opt := range opts {
		opt(v)
	}
	data, err := v.codec.Marshal(initial)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEncode, name, err)
	}
	v.id = host.Register(name, data)
	return v, nil
}

// NewDefault is New on the process default server.
func NewDefault[T any](name string, initial T, opts ...Option[T]) (*Value[T], error) {
	srv, err := server.Default()
	if err != nil {
		return nil, err
	}
	return New(srv, name, initial, opts...)
}

func (v *Value[T]) ID() registry.ID {
	return v.id
}

func (v *Value[T]) Name() string {
	return v.name
}

// Get syncs and returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.syncLocked()
	return v.value
}

// Set syncs, replaces the value, and publishes it.
func (v *Value[T]) Set(x T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.syncLocked()
	v.value = x
	v.syncLocked()
}

// Update syncs, applies fn to the value in place, and publishes the result.
func (v *Value[T]) Update(fn func(*T)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.syncLocked()
	fn(&v.value)
	v.syncLocked()
}

// Sync runs one reconciliation pass.
func (v *Value[T]) Sync() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.syncLocked()
}

func (v *Value[T]) String() string {
	return fmt.Sprint(v.Get())
}

// Close withdraws the entry from every peer. The handle keeps its last value
// but stops syncing.
func (v *Value[T]) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	v.host.Deregister(v.id)
}

func (v *Value[T]) decode(payload []byte) (T, []byte, error) {
	value, err := v.codec.Unmarshal(payload)
	if err != nil {
		return value, nil, err
	}
	canonical, err := v.codec.Marshal(value)
	if err != nil {
		return value, nil, err
	}
	return value, canonical, nil
}

func (v *Value[T]) syncLocked() {
	if v.closed {
		return
	}
	v.host.Pump()

	current, err := v.codec.Marshal(v.value)
	if err != nil {
		log.Warn().Err(err).Str("name", v.name).Msg("mirror.sync encode current")
		current = nil
	}
	last, proposals, ok := v.host.TakePending(v.id)
	if !ok {
		return
	}

	res := reconcile.Resolve(reconcile.Input{Current: current, Last: last, Proposals: proposals}, v.decode)
	observability.RecordProposals("received", len(proposals))
	observability.RecordProposals("invalid", len(res.Erring))

	outcome := "noop"
	switch {
	case res.Accepted:
		outcome = "accepted"
		v.value = res.Value
		observability.RecordProposals("accepted", 1)
		log.Info().Str("name", v.name).Uint64("peer", res.Proposer).Msg("mirror.sync accepted peer value")
	case res.LocalChange:
		outcome = "local_change"
	case len(res.Erring) > 0:
		outcome = "corrective"
		log.Debug().Str("name", v.name).Interface("peers", res.Erring).Msg("mirror.sync rejected invalid proposals")
	}
	if res.Changed() {
		v.host.Notify(v.id, res.Broadcast, res.Audience)
	}
	observability.RecordPass(outcome)
}
