// Package reconcile decides, for one entry and one pass, which pending
// proposal wins and who must be told.
//
// The pass is most-recent-valid-wins: proposals are scanned from newest to
// oldest, the first one that differs from the current value and survives a
// decode/re-encode round trip is accepted, and everything older is dropped
// unexamined. Serialized values are compared byte for byte; a nil slice
// means "no serialization available".
package reconcile

import (
	"bytes"
	"slices"
)

// Proposal is one peer-submitted candidate replacement, in arrival order.
type Proposal struct {
	Peer    uint64
	Payload []byte
}

type AudienceKind int

const (
	AudienceNone AudienceKind = iota
	AudienceAll
	AudienceAllBut
	AudienceOnly
)

func (k AudienceKind) String() string {
	switch k {
	case AudienceAll:
		return "all"
	case AudienceAllBut:
		return "all_but"
	case AudienceOnly:
		return "only"
	default:
		return "none"
	}
}

// Audience names the peers that receive a notify.
type Audience struct {
	Kind   AudienceKind
	Except uint64
	Peers  []uint64
}

func All() Audience { return Audience{Kind: AudienceAll} }

func AllBut(peer uint64) Audience { return Audience{Kind: AudienceAllBut, Except: peer} }

func Only(peers ...uint64) Audience { return Audience{Kind: AudienceOnly, Peers: peers} }

func (a Audience) Empty() bool { return a.Kind == AudienceNone }

// Includes reports whether peer is part of the audience.
func (a Audience) Includes(peer uint64) bool {
	switch a.Kind {
	case AudienceAll:
		return true
	case AudienceAllBut:
		return peer != a.Except
	case AudienceOnly:
		return slices.Contains(a.Peers, peer)
	default:
		return false
	}
}

// Select filters connected to the peers in the audience, keeping order.
func (a Audience) Select(connected []uint64) []uint64 {
	out := make([]uint64, 0, len(connected))
	for _, p := range connected {
		if a.Includes(p) {
			out = append(out, p)
		}
	}
	return out
}

// Input is the entry state observed at the start of a pass.
type Input struct {
	Current   []byte
	Last      []byte
	Proposals []Proposal
}

// Decoder turns a proposal payload into a typed value and its canonical
// re-serialization. Any error marks the proposing peer as erring.
type Decoder[T any] func(payload []byte) (T, []byte, error)

// Result is the outcome of one pass.
type Result[T any] struct {
	Accepted    bool
	Proposer    uint64
	Value       T
	LocalChange bool
	Erring      []uint64
	Audience    Audience
	// Broadcast is the serialization to notify with and record as last.
	Broadcast []byte
}

// Changed reports whether the pass produced anything to send.
func (r Result[T]) Changed() bool {
	return !r.Audience.Empty()
}

// Resolve runs steps 4 through 7 of the pass. It never mutates in.
func Resolve[T any](in Input, decode Decoder[T]) Result[T] {
	res := Result[T]{LocalChange: !sameSerialization(in.Current, in.Last)}

	var erring []uint64
	for i := len(in.Proposals) - 1; i >= 0; i-- {
		p := in.Proposals[i]
		if in.Current != nil && bytes.Equal(p.Payload, in.Current) {
			continue
		}
		value, canonical, err := decode(p.Payload)
		if err != nil || canonical == nil {
			if !slices.Contains(erring, p.Peer) {
				erring = append(erring, p.Peer)
			}
			continue
		}
		res.Accepted = true
		res.Proposer = p.Peer
		res.Value = value
		res.Broadcast = canonical
		break
	}
	slices.Sort(erring)
	res.Erring = erring

	switch {
	case res.Accepted:
		res.Audience = AllBut(res.Proposer)
	case res.LocalChange:
		res.Audience = All()
		res.Broadcast = in.Current
	case len(erring) > 0:
		res.Audience = Only(erring...)
		res.Broadcast = in.Current
	default:
		res.Audience = Audience{}
	}
	return res
}

func sameSerialization(a, b []byte) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return bytes.Equal(a, b)
}
