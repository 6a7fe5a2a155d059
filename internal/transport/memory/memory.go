// Package memory is an in-process transport. A Switchboard plays the
// rendezvous service; peers and channels deliver JSON frames through unbounded
// queues, so tests can run whole meshes without sockets.
package memory

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Seednode/impostor/internal/queue"
	"github.com/Seednode/impostor/internal/transport"
)

// Tap observes every frame sent through the switchboard.
type Tap func(from, to string, data json.RawMessage)

type Switchboard struct {
	mu    sync.Mutex
	peers map[string]*Peer
	taps  []Tap
}

func NewSwitchboard() *Switchboard {
	return &Switchboard{peers: make(map[string]*Peer)}
}

// Tap registers fn for all future frames.
func (s *Switchboard) Tap(fn Tap) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.taps = append(s.taps, fn)
}

// NewPeer registers id without announcing it; call Open to deliver PeerOpen.
func (s *Switchboard) NewPeer(id string) *Peer {
	p := &Peer{
		sb:     s,
		id:     id,
		events: queue.New[transport.PeerEvent](),
	}

	s.mu.Lock()
	s.peers[id] = p
	s.mu.Unlock()

	return p
}

// Join registers and opens id.
func (s *Switchboard) Join(id string) *Peer {
	p := s.NewPeer(id)
	p.Open()

	return p
}

func (s *Switchboard) lookup(id string) *Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.peers[id]
}

func (s *Switchboard) remove(p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.peers[p.id] == p {
		delete(s.peers, p.id)
	}
}

func (s *Switchboard) tap(from, to string, data json.RawMessage) {
	s.mu.Lock()
	taps := append([]Tap(nil), s.taps...)
	s.mu.Unlock()

	for _, fn := range taps {
		fn(from, to, data)
	}
}

type Peer struct {
	sb     *Switchboard
	id     string
	events *queue.Queue[transport.PeerEvent]

	mu     sync.Mutex
	conns  []*Conn
	open   bool
	closed bool
}

var _ transport.Peer = (*Peer)(nil)

func (p *Peer) ID() string {
	return p.id
}

// Open delivers PeerOpen with the peer's id.
func (p *Peer) Open() {
	p.mu.Lock()
	p.open = true
	p.mu.Unlock()

	p.events.Push(transport.PeerEvent{Kind: transport.PeerOpen, ID: p.id})
}

// Fail delivers a PeerError.
func (p *Peer) Fail(err error) {
	p.events.Push(transport.PeerEvent{Kind: transport.PeerError, Err: err})
}

func (p *Peer) Events() <-chan transport.PeerEvent {
	return p.events.C()
}

func (p *Peer) Connect(id string) transport.Conn {
	c := newConn(p, id)

	target := p.sb.lookup(id)
	if target == nil || !target.accepting() {
		c.events.Push(transport.ConnEvent{
			Kind: transport.ConnError,
			Err:  fmt.Errorf("memory: peer %q unavailable", id),
		})
		_ = c.Close()
		return c
	}

	remote := newConn(target, p.id)
	c.remote, remote.remote = remote, c

	p.track(c)
	target.track(remote)

	target.events.Push(transport.PeerEvent{Kind: transport.PeerConnection, Conn: remote})
	remote.events.Push(transport.ConnEvent{Kind: transport.ConnOpen})
	c.events.Push(transport.ConnEvent{Kind: transport.ConnOpen})

	return c
}

func (p *Peer) accepting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.open && !p.closed
}

func (p *Peer) track(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.conns = append(p.conns, c)
}

// Close drops the peer from the switchboard, closes its channels and delivers
// PeerClose.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	p.sb.remove(p)

	for _, c := range conns {
		_ = c.Close()
	}

	p.events.Push(transport.PeerEvent{Kind: transport.PeerClose})
	p.events.Close()

	return nil
}

type Conn struct {
	owner    *Peer
	remoteID string
	remote   *Conn
	events   *queue.Queue[transport.ConnEvent]

	mu     sync.Mutex
	closed bool
}

var _ transport.Conn = (*Conn)(nil)

func newConn(owner *Peer, remoteID string) *Conn {
	return &Conn{
		owner:    owner,
		remoteID: remoteID,
		events:   queue.New[transport.ConnEvent](),
	}
}

func (c *Conn) RemoteID() string {
	return c.remoteID
}

func (c *Conn) Events() <-chan transport.ConnEvent {
	return c.events.C()
}

func (c *Conn) Send(v any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || c.remote == nil {
		return transport.ErrClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.owner.sb.tap(c.owner.id, c.remoteID, data)

	if !c.remote.events.Push(transport.ConnEvent{Kind: transport.ConnData, Data: data}) {
		return transport.ErrClosed
	}

	return nil
}

// Close closes both ends of the channel.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.events.Push(transport.ConnEvent{Kind: transport.ConnClose})
	c.events.Close()

	if c.remote != nil {
		_ = c.remote.Close()
	}

	return nil
}
