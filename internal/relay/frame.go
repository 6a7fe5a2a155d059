// Package relay is the rendezvous service peers register with. A party groups
// peers under one id; the server assigns each peer an id, tells peers when
// another opens a channel to them, and forwards channel data by peer id.
//
// The server only sees channel frames. Mesh payloads travel inside them as
// opaque JSON.
package relay

import (
	"encoding/json"
	"time"
)

const (
	KindOpen    = "open"
	KindConnect = "connect"
	KindAccept  = "accept"
	KindData    = "data"
	KindClose   = "close"
	KindLeave   = "leave"
	KindError   = "error"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 256
)

// Frame is the only message type on a relay websocket. From is always set by
// the server; a peer addresses frames with To.
type Frame struct {
	Kind    string          `json:"kind"`
	ID      string          `json:"id,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
}

// routed reports whether the server forwards frames of this kind between
// peers.
func (f Frame) routed() bool {
	switch f.Kind {
	case KindConnect, KindAccept, KindData, KindClose:
		return true
	}

	return false
}
