// Package transport describes the physical link a mesh runs on: a peer
// registered with a rendezvous service that can open reliable, ordered,
// JSON-carrying channels to other peers.
package transport

import (
	"encoding/json"
	"errors"
)

// ErrClosed is returned when sending on a closed channel or peer.
var ErrClosed = errors.New("transport: closed")

type PeerEventKind int

const (
	// PeerOpen carries the id assigned by the rendezvous service.
	PeerOpen PeerEventKind = iota
	// PeerConnection carries a channel opened by a remote peer.
	PeerConnection
	PeerClose
	PeerError
)

func (k PeerEventKind) String() string {
	switch k {
	case PeerOpen:
		return "open"
	case PeerConnection:
		return "connection"
	case PeerClose:
		return "close"
	case PeerError:
		return "error"
	}
	return "unknown"
}

type PeerEvent struct {
	Kind PeerEventKind
	ID   string
	Conn Conn
	Err  error
}

// Peer is this process's endpoint on the rendezvous service.
type Peer interface {
	// Events is closed after PeerClose has been delivered.
	Events() <-chan PeerEvent
	// Connect starts opening a channel to id. The channel reports ConnOpen
	// once usable, or ConnError if id cannot be reached.
	Connect(id string) Conn
	Close() error
}

type ConnEventKind int

const (
	ConnOpen ConnEventKind = iota
	ConnData
	ConnClose
	ConnError
)

func (k ConnEventKind) String() string {
	switch k {
	case ConnOpen:
		return "open"
	case ConnData:
		return "data"
	case ConnClose:
		return "close"
	case ConnError:
		return "error"
	}
	return "unknown"
}

type ConnEvent struct {
	Kind ConnEventKind
	Data json.RawMessage
	Err  error
}

// Conn is a reliable, ordered channel to one remote peer.
type Conn interface {
	RemoteID() string
	// Events is closed after ConnClose has been delivered.
	Events() <-chan ConnEvent
	// Send encodes v as JSON. It is safe for concurrent use.
	Send(v any) error
	Close() error
}
