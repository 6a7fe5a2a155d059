package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Seednode/impostor/internal/queue"
	"github.com/Seednode/impostor/internal/transport"
)

// ErrRelay wraps errors the relay reports for a peer or one of its channels.
var ErrRelay = errors.New("relay: error")

// PartyURL returns the websocket endpoint of party on the relay at base, an
// http(s) or ws(s) URL optionally carrying a path prefix.
func PartyURL(base, party string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("relay: unsupported scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/party/" + url.PathEscape(party) + "/ws"
	u.RawQuery = ""

	return u.String(), nil
}

// InviteURL returns the page a guest opens to join hostID's party.
func InviteURL(base, party, hostID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/party/" + url.PathEscape(party)
	u.RawQuery = url.Values{"host": {hostID}}.Encode()

	return u.String(), nil
}

// Peer is a transport.Peer registered with a relay party over one websocket.
type Peer struct {
	conn   *websocket.Conn
	logf   func(format string, args ...any)
	events *queue.Queue[transport.PeerEvent]
	done   chan struct{}

	writeMu sync.Mutex

	mu     sync.Mutex
	id     string
	conns  map[string]*Conn
	closed bool
}

var _ transport.Peer = (*Peer)(nil)

// Dial joins the party whose websocket endpoint is endpoint, asking for id.
// An empty id lets the relay pick one. PeerOpen arrives once the relay has
// accepted the peer.
func Dial(ctx context.Context, endpoint, id string, logf func(format string, args ...any)) (*Peer, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if id != "" {
		q := u.Query()
		q.Set("id", id)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", endpoint, err)
	}

	if logf == nil {
		logf = func(string, ...any) {}
	}

	p := &Peer{
		conn:   conn,
		logf:   logf,
		events: queue.New[transport.PeerEvent](),
		done:   make(chan struct{}),
		conns:  make(map[string]*Conn),
	}

	go p.readLoop()

	return p, nil
}

// ID returns the relay-assigned id, or "" before PeerOpen.
func (p *Peer) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.id
}

func (p *Peer) Events() <-chan transport.PeerEvent {
	return p.events.C()
}

// Connect opens a channel to id through the relay.
func (p *Peer) Connect(id string) transport.Conn {
	c := newConn(p, id, uuid.NewString())

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.shutdown(transport.ErrClosed)
		return c
	}
	p.conns[c.channel] = c
	p.mu.Unlock()

	if err := p.write(Frame{Kind: KindConnect, To: id, Channel: c.channel}); err != nil {
		c.shutdown(err)
	}

	return c
}

// Close leaves the party. PeerClose is delivered once the websocket is down.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.writeMu.Lock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = p.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	p.writeMu.Unlock()

	err := p.conn.Close()
	<-p.done

	return err
}

func (p *Peer) write(f Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))

	return p.conn.WriteJSON(f)
}

func (p *Peer) channel(id string) (*Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.conns[id]

	return c, ok
}

func (p *Peer) forget(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conns[c.channel] == c {
		delete(p.conns, c.channel)
	}
}

// channelsTo returns every channel whose remote end is id.
func (p *Peer) channelsTo(id string) []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*Conn
	for _, c := range p.conns {
		if c.remoteID == id {
			out = append(out, c)
		}
	}

	return out
}

func (p *Peer) readLoop() {
	defer close(p.done)

	var failure error
	for {
		var f Frame
		if err := p.conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !p.isClosed() {
				failure = err
			}
			break
		}

		p.handle(f)
	}

	p.mu.Lock()
	p.closed = true
	conns := p.conns
	p.conns = make(map[string]*Conn)
	p.mu.Unlock()

	for _, c := range conns {
		c.shutdown(nil)
	}

	if failure != nil {
		p.events.Push(transport.PeerEvent{Kind: transport.PeerError, Err: fmt.Errorf("relay: %w", failure)})
	}
	p.events.Push(transport.PeerEvent{Kind: transport.PeerClose})
	p.events.Close()

	_ = p.conn.Close()
}

func (p *Peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closed
}

func (p *Peer) handle(f Frame) {
	switch f.Kind {
	case KindOpen:
		p.mu.Lock()
		p.id = f.ID
		p.mu.Unlock()

		p.logf("RELAY: Registered as %s", f.ID)
		p.events.Push(transport.PeerEvent{Kind: transport.PeerOpen, ID: f.ID})

	case KindConnect:
		c := newConn(p, f.From, f.Channel)

		p.mu.Lock()
		p.conns[c.channel] = c
		p.mu.Unlock()

		if err := p.write(Frame{Kind: KindAccept, To: f.From, Channel: f.Channel}); err != nil {
			c.shutdown(err)
			return
		}

		p.events.Push(transport.PeerEvent{Kind: transport.PeerConnection, Conn: c})
		c.events.Push(transport.ConnEvent{Kind: transport.ConnOpen})

	case KindAccept:
		if c, ok := p.channel(f.Channel); ok {
			c.events.Push(transport.ConnEvent{Kind: transport.ConnOpen})
		}

	case KindData:
		if c, ok := p.channel(f.Channel); ok {
			c.events.Push(transport.ConnEvent{Kind: transport.ConnData, Data: f.Payload})
		}

	case KindClose:
		if c, ok := p.channel(f.Channel); ok {
			c.shutdown(nil)
		}

	case KindLeave:
		for _, c := range p.channelsTo(f.From) {
			c.shutdown(nil)
		}

	case KindError:
		err := fmt.Errorf("%w: %s", ErrRelay, f.Message)
		if f.Channel == "" {
			p.events.Push(transport.PeerEvent{Kind: transport.PeerError, Err: err})
			return
		}
		if c, ok := p.channel(f.Channel); ok {
			c.shutdown(err)
		}

	default:
		p.logf("RELAY: Ignoring frame of kind %q", f.Kind)
	}
}

// Conn is one channel between two peers of a party.
type Conn struct {
	peer     *Peer
	remoteID string
	channel  string
	events   *queue.Queue[transport.ConnEvent]

	mu     sync.Mutex
	closed bool
}

var _ transport.Conn = (*Conn)(nil)

func newConn(p *Peer, remoteID, channel string) *Conn {
	return &Conn{
		peer:     p,
		remoteID: remoteID,
		channel:  channel,
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
	if closed {
		return transport.ErrClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return c.peer.write(Frame{Kind: KindData, To: c.remoteID, Channel: c.channel, Payload: data})
}

// Close closes this end and tells the remote end.
func (c *Conn) Close() error {
	if !c.markClosed() {
		return nil
	}

	c.peer.forget(c)
	if !c.peer.isClosed() {
		_ = c.peer.write(Frame{Kind: KindClose, To: c.remoteID, Channel: c.channel})
	}

	c.events.Push(transport.ConnEvent{Kind: transport.ConnClose})
	c.events.Close()

	return nil
}

// shutdown closes this end without notifying the remote, reporting err first
// if set.
func (c *Conn) shutdown(err error) {
	if !c.markClosed() {
		return
	}

	c.peer.forget(c)

	if err != nil {
		c.events.Push(transport.ConnEvent{Kind: transport.ConnError, Err: err})
	}
	c.events.Push(transport.ConnEvent{Kind: transport.ConnClose})
	c.events.Close()
}

func (c *Conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.closed = true

	return true
}
