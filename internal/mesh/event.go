package mesh

import (
	"encoding/json"
	"fmt"

	"github.com/Seednode/impostor/internal/hybrid"
)

type Status int

const (
	NotReady Status = iota
	// PeerServerConnected means the relay has assigned this instance an id.
	PeerServerConnected
	// HostConnected means a spoke's channel to the hub is open.
	HostConnected
	Closed
)

func (s Status) String() string {
	switch s {
	case NotReady:
		return "NotReady"
	case PeerServerConnected:
		return "PeerServerConnected"
	case HostConnected:
		return "HostConnected"
	case Closed:
		return "Closed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

type EventType string

const (
	TypePublic  EventType = "public"
	TypePrivate EventType = "private"
)

// Event is an application message. Public events reach every member;
// private events reach Recipient only.
type Event[T any] struct {
	Type      EventType `json:"type"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient,omitempty"`
	Data      T         `json:"data"`
}

func Public[T any](sender string, data T) Event[T] {
	return Event[T]{Type: TypePublic, Sender: sender, Data: data}
}

func Private[T any](sender, recipient string, data T) Event[T] {
	return Event[T]{Type: TypePrivate, Sender: sender, Recipient: recipient, Data: data}
}

// Delivery is an event handed to subscribers. From is the id of the peer the
// event originated with; Replay marks events from the hub's history.
type Delivery[T any] struct {
	Event  Event[T]
	From   string
	Replay bool
}

// ConnectionError reports a transport failure. Peer is empty for the relay
// link itself.
type ConnectionError struct {
	Peer string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Peer == "" {
		return fmt.Sprintf("mesh: relay: %v", e.Err)
	}

	return fmt.Sprintf("mesh: connection to %s: %v", e.Peer, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

const (
	typeMembers   = "_members"
	typePublicKey = "_publicKey"
	typeEncrypted = "_encrypted"
	typeReplay    = "_replay"
)

// frame is the union of every message that travels between instances.
type frame struct {
	Type      string          `json:"type"`
	Sender    string          `json:"sender,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	JWK       *hybrid.JWK     `json:"jwk,omitempty"`
	CipherHex string          `json:"cipherHex,omitempty"`
	Events    []replayEntry   `json:"events,omitempty"`
}

type membersFrame struct {
	Type string   `json:"type"`
	Data []string `json:"data"`
}

type publicKeyFrame struct {
	Type   string     `json:"type"`
	Sender string     `json:"sender"`
	JWK    hybrid.JWK `json:"jwk"`
}

type encryptedFrame struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	CipherHex string `json:"cipherHex"`
}

type replayFrame struct {
	Type   string        `json:"type"`
	Events []replayEntry `json:"events"`
}

// replayEntry is one logged public event, encoded as [event, sender].
type replayEntry struct {
	Event  json.RawMessage
	Sender string
}

func (e replayEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Event, e.Sender})
}

func (e *replayEntry) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("mesh: replay entry has %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[1], &e.Sender); err != nil {
		return err
	}
	e.Event = pair[0]

	return nil
}
