package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	typeAssignPeerID = "assign_peer_id"
	typeNotify       = "notify"
	typeRemove       = "remove"
	typeRemoveAll    = "remove_all"
	typeUpdateValue  = "update_value"
	typeRenotify     = "renotify"

	// EmptyValue is sent for entries that have never been broadcast.
	EmptyValue = "{}"
)

var (
	ErrMalformed      = errors.New("protocol: malformed message")
	ErrUnknownType    = errors.New("protocol: unknown message type")
	ErrWrongDirection = errors.New("protocol: message not valid in this direction")
)

// ServerMessage is sent from the server to peers. The set of variants is closed.
type ServerMessage interface {
	serverMessage()
}

// PeerMessage is sent from a peer to the server. The set of variants is closed.
type PeerMessage interface {
	peerMessage()
}

// AssignPeerID tells a freshly connected peer its identifier.
type AssignPeerID struct {
	PeerID uint64
}

// Notify carries the full serialized value of one entry.
type Notify struct {
	ID        uint64
	Name      string
	ValueJSON string
}

// Remove withdraws one entry.
type Remove struct {
	ID uint64
}

// RemoveAll tells peers to drop every cached entry.
type RemoveAll struct{}

// UpdateValue proposes a replacement value for one entry.
type UpdateValue struct {
	ID       uint64
	NewValue string
}

// Renotify asks for a full snapshot.
type Renotify struct{}

func (AssignPeerID) serverMessage() {}
func (Notify) serverMessage()       {}
func (Remove) serverMessage()       {}
func (RemoveAll) serverMessage()    {}

func (UpdateValue) peerMessage() {}
func (Renotify) peerMessage()    {}

type envelope struct {
	Type      string  `json:"type"`
	PeerID    *uint64 `json:"peer_id,omitempty"`
	ID        *uint64 `json:"id,omitempty"`
	Name      *string `json:"name,omitempty"`
	ValueJSON *string `json:"value_json,omitempty"`
	NewValue  *string `json:"new_value,omitempty"`
}

// EncodeServer renders msg as one JSON object, unframed.
func EncodeServer(msg ServerMessage) ([]byte, error) {
	var env envelope
	switch m := msg.(type) {
	case AssignPeerID:
		env = envelope{Type: typeAssignPeerID, PeerID: &m.PeerID}
	case Notify:
		env = envelope{Type: typeNotify, ID: &m.ID, Name: &m.Name, ValueJSON: &m.ValueJSON}
	case Remove:
		env = envelope{Type: typeRemove, ID: &m.ID}
	case RemoveAll:
		env = envelope{Type: typeRemoveAll}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}
	return json.Marshal(env)
}

// EncodePeer renders msg as one JSON object, unframed.
func EncodePeer(msg PeerMessage) ([]byte, error) {
	var env envelope
	switch m := msg.(type) {
	case UpdateValue:
		env = envelope{Type: typeUpdateValue, ID: &m.ID, NewValue: &m.NewValue}
	case Renotify:
		env = envelope{Type: typeRenotify}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}
	return json.Marshal(env)
}

// DecodeServer parses one server->peer message.
func DecodeServer(raw []byte) (ServerMessage, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case typeAssignPeerID:
		if env.PeerID == nil {
			return nil, fmt.Errorf("%w: %s missing peer_id", ErrMalformed, env.Type)
		}
		return AssignPeerID{PeerID: *env.PeerID}, nil
	case typeNotify:
		if env.ID == nil || env.ValueJSON == nil {
			return nil, fmt.Errorf("%w: %s missing id or value_json", ErrMalformed, env.Type)
		}
		msg := Notify{ID: *env.ID, ValueJSON: *env.ValueJSON}
		if env.Name != nil {
			msg.Name = *env.Name
		}
		return msg, nil
	case typeRemove:
		if env.ID == nil {
			return nil, fmt.Errorf("%w: %s missing id", ErrMalformed, env.Type)
		}
		return Remove{ID: *env.ID}, nil
	case typeRemoveAll:
		return RemoveAll{}, nil
	case typeUpdateValue, typeRenotify:
		return nil, fmt.Errorf("%w: %s", ErrWrongDirection, env.Type)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// DecodePeer parses one peer->server message.
func DecodePeer(raw []byte) (PeerMessage, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case typeUpdateValue:
		if env.ID == nil || env.NewValue == nil {
			return nil, fmt.Errorf("%w: %s missing id or new_value", ErrMalformed, env.Type)
		}
		return UpdateValue{ID: *env.ID, NewValue: *env.NewValue}, nil
	case typeRenotify:
		return Renotify{}, nil
	case typeAssignPeerID, typeNotify, typeRemove, typeRemoveAll:
		return nil, fmt.Errorf("%w: %s", ErrWrongDirection, env.Type)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}
