// Package mesh runs a logical network of peers over a star-shaped relay
// topology.
//
// One instance is the hub: every other instance (a spoke) holds a single
// channel to it, and the hub fans public events out and forwards private ones.
// Private events between spokes are sealed with the recipient's RSA key so the
// hub only ever relays ciphertext. The hub keeps every public event and
// replays the history to spokes that join late.
package mesh

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"

	"github.com/Seednode/impostor/internal/future"
	"github.com/Seednode/impostor/internal/hybrid"
	"github.com/Seednode/impostor/internal/lifecycle"
	"github.com/Seednode/impostor/internal/queue"
	"github.com/Seednode/impostor/internal/transport"
)

var (
	// ErrClosed is returned by operations on a closed network.
	ErrClosed = errors.New("mesh: closed")
	// ErrSender is returned when an emitted event names another peer as sender.
	ErrSender = errors.New("mesh: event sender is not this peer")
)

// closeNotifyWait bounds how long Close waits for subscribers to take the
// final Closed status.
const closeNotifyWait = time.Second

type Options struct {
	// HostID is the hub to join. Leave it empty to act as the hub.
	HostID string
	// KeyBits sizes the instance RSA key; zero selects hybrid.DefaultKeyBits.
	KeyBits int
	Logf    func(format string, args ...any)
}

// link is one channel owned by the event loop. Messages sent before the
// channel opens wait in pending.
type link struct {
	conn    transport.Conn
	open    bool
	pending []any
}

func (l *link) send(v any) error {
	if !l.open {
		l.pending = append(l.pending, v)
		return nil
	}

	return l.conn.Send(v)
}

func (l *link) flush() error {
	l.open = true
	pending := l.pending
	l.pending = nil

	var errs []error
	for _, v := range pending {
		if err := l.conn.Send(v); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

type Network[T any] struct {
	peer   transport.Peer
	hostID string
	key    *rsa.PrivateKey
	jwk    hybrid.JWK
	logf   func(format string, args ...any)

	ctx    context.Context
	cancel context.CancelFunc
	ops    *queue.Queue[func()]
	done   chan struct{}
	lcm    lifecycle.Manager

	peerID    *future.Future[string]
	hostReady *future.Future[transport.Conn]

	mu      sync.RWMutex
	status  Status
	members []string
	keys    map[string]*future.Future[*rsa.PublicKey]
	closing bool

	// Owned by the event loop.
	host    *link
	spokes  map[string]*link
	order   []string
	history []replayEntry

	scope         event.SubscriptionScope
	eventFeed     event.FeedOf[Delivery[T]]
	statusFeed    event.FeedOf[Status]
	membersFeed   event.FeedOf[[]string]
	connectedFeed event.FeedOf[string]
	errorFeed     event.FeedOf[error]
}

// New generates the instance key pair and starts processing events from peer.
// The network takes ownership of peer and closes it on Close.
func New[T any](peer transport.Peer, opts Options) (*Network[T], error) {
	key, err := hybrid.GenerateKey(opts.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("mesh: generate key: %w", err)
	}

	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Network[T]{
		peer:      peer,
		hostID:    opts.HostID,
		key:       key,
		jwk:       hybrid.MarshalJWK(&key.PublicKey),
		logf:      logf,
		ctx:       ctx,
		cancel:    cancel,
		ops:       queue.New[func()](),
		done:      make(chan struct{}),
		peerID:    future.New[string](),
		hostReady: future.New[transport.Conn](),
		status:    NotReady,
		keys:      make(map[string]*future.Future[*rsa.PublicKey]),
		spokes:    make(map[string]*link),
	}

	lifecycle.Register(&n.lcm, peer, transport.Peer.Close)
	n.lcm.Defer(n.ops.Stop)

	go n.run()
	go n.watchPeer()

	return n, nil
}

func (n *Network[T]) run() {
	defer close(n.done)

	for op := range n.ops.C() {
		op()
	}
}

func (n *Network[T]) watchPeer() {
	for ev := range n.peer.Events() {
		n.ops.Push(func() { n.handlePeerEvent(ev) })
	}
}

func (n *Network[T]) watchConn(l *link, handle func(*link, transport.ConnEvent)) {
	for ev := range l.conn.Events() {
		n.ops.Push(func() { handle(l, ev) })
	}
}

// do queues op on the event loop.
func (n *Network[T]) do(op func()) error {
	if !n.ops.Push(op) {
		return ErrClosed
	}

	return nil
}

// bind returns a context that also ends when the network closes.
func (n *Network[T]) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(n.ctx, cancel)

	return ctx, func() {
		stop()
		cancel()
	}
}

func (n *Network[T]) IsHub() bool {
	return n.hostID == ""
}

func (n *Network[T]) HostID() string {
	return n.hostID
}

// ID returns the relay-assigned id, or "" before the relay has answered.
func (n *Network[T]) ID() string {
	id, _, _ := n.peerID.Get()

	return id
}

// PeerID waits for the relay-assigned id.
func (n *Network[T]) PeerID(ctx context.Context) (string, error) {
	ctx, done := n.bind(ctx)
	defer done()

	return n.peerID.Wait(ctx)
}

func (n *Network[T]) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.status
}

// Members returns the current membership: for the hub its own id followed by
// its spokes in connection order, for a spoke the last list the hub pushed.
func (n *Network[T]) Members() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return slices.Clone(n.members)
}

func (n *Network[T]) PublicKeyJWK() hybrid.JWK {
	return n.jwk
}

func (n *Network[T]) SubscribeEvents(ch chan<- Delivery[T]) event.Subscription {
	return n.scope.Track(n.eventFeed.Subscribe(ch))
}

func (n *Network[T]) SubscribeStatus(ch chan<- Status) event.Subscription {
	return n.scope.Track(n.statusFeed.Subscribe(ch))
}

func (n *Network[T]) SubscribeMembers(ch chan<- []string) event.Subscription {
	return n.scope.Track(n.membersFeed.Subscribe(ch))
}

// SubscribeConnected delivers the relay-assigned id once it is known.
func (n *Network[T]) SubscribeConnected(ch chan<- string) event.Subscription {
	return n.scope.Track(n.connectedFeed.Subscribe(ch))
}

// SubscribeErrors delivers transport failures as *ConnectionError and
// messages that could not be decrypted.
func (n *Network[T]) SubscribeErrors(ch chan<- error) event.Subscription {
	return n.scope.Track(n.errorFeed.Subscribe(ch))
}

// EmitEvent sends ev to its audience. It returns once the sends and the local
// echo are queued; it does not wait for delivery. A spoke sending privately to
// another peer first waits for that peer's public key.
func (n *Network[T]) EmitEvent(ctx context.Context, ev Event[T]) error {
	ctx, done := n.bind(ctx)
	defer done()

	self, err := n.peerID.Wait(ctx)
	if err != nil {
		return err
	}

	if ev.Sender != self {
		return fmt.Errorf("%w: sender %q is not %q", ErrSender, ev.Sender, self)
	}

	switch ev.Type {
	case TypePublic:
	case TypePrivate:
		if ev.Recipient == "" {
			return errors.New("mesh: private event without recipient")
		}
	default:
		return fmt.Errorf("mesh: unknown event type %q", ev.Type)
	}

	if n.IsHub() {
		return n.emitFromHub(self, ev)
	}

	return n.emitFromSpoke(ctx, self, ev)
}

func (n *Network[T]) emitFromHub(self string, ev Event[T]) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	switch {
	case ev.Type == TypePublic:
		return n.do(func() {
			n.sendAll(json.RawMessage(raw), "")
			n.record(raw, self)
			n.deliver(ev, self, false)
		})
	case ev.Recipient == self:
		return n.do(func() { n.deliver(ev, self, false) })
	default:
		return n.do(func() { n.sendTo(ev.Recipient, json.RawMessage(raw)) })
	}
}

func (n *Network[T]) emitFromSpoke(ctx context.Context, self string, ev Event[T]) error {
	if ev.Type == TypePrivate && ev.Recipient == self {
		return n.do(func() { n.deliver(ev, self, false) })
	}

	if _, err := n.hostReady.Wait(ctx); err != nil {
		return err
	}

	if ev.Type == TypePublic {
		return n.do(func() {
			n.sendHost(ev)
			n.deliver(ev, self, false)
		})
	}

	pub, err := n.keyFor(ev.Recipient).Wait(ctx)
	if err != nil {
		return err
	}

	plain, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	sealed, err := hybrid.Encrypt(plain, pub)
	if err != nil {
		return err
	}

	msg := encryptedFrame{
		Type:      typeEncrypted,
		Sender:    ev.Sender,
		Recipient: ev.Recipient,
		CipherHex: hybrid.EncodeHex(sealed),
	}

	return n.do(func() { n.sendHost(msg) })
}

// Close closes the hub channel or every spoke channel, stops the event loop
// and releases the relay peer. Closing twice returns ErrClosed.
func (n *Network[T]) Close() error {
	n.mu.Lock()
	if n.closing {
		n.mu.Unlock()
		return ErrClosed
	}
	n.closing = true
	n.mu.Unlock()

	n.cancel()
	n.notifyClosed()
	n.scope.Close()

	n.ops.Push(n.closeLinks)
	n.ops.Close()
	<-n.done

	return n.lcm.Close()
}

func (n *Network[T]) closeLinks() {
	if n.host != nil {
		_ = n.host.conn.Close()
	}
	for _, id := range n.order {
		_ = n.spokes[id].conn.Close()
	}
}

// notifyClosed publishes Closed before subscriptions are torn down. A
// subscriber that does not take it within closeNotifyWait misses it.
func (n *Network[T]) notifyClosed() {
	n.mu.Lock()
	if n.status == Closed {
		n.mu.Unlock()
		return
	}
	n.status = Closed
	n.mu.Unlock()

	sent := make(chan struct{})
	go func() {
		n.statusFeed.Send(Closed)
		close(sent)
	}()

	select {
	case <-sent:
	case <-time.After(closeNotifyWait):
	}
}

func (n *Network[T]) handlePeerEvent(ev transport.PeerEvent) {
	switch ev.Kind {
	case transport.PeerOpen:
		if _, set, _ := n.peerID.Get(); set {
			n.logf("MESH: Ignoring second registration as %s", ev.ID)
			return
		}

		var members []string
		if n.IsHub() {
			members = n.updateMembers(ev.ID)
		}
		_ = n.peerID.Resolve(ev.ID)
		n.logf("MESH: Registered with relay as %s", ev.ID)

		n.setStatus(PeerServerConnected)
		n.connectedFeed.Send(ev.ID)

		if n.IsHub() {
			n.membersFeed.Send(members)
			return
		}

		n.logf("MESH: Connecting to hub %s", n.hostID)
		n.host = &link{conn: n.peer.Connect(n.hostID)}
		go n.watchConn(n.host, n.handleHostEvent)

	case transport.PeerConnection:
		if !n.IsHub() {
			n.logf("MESH: Refusing channel from %s, not a hub", ev.Conn.RemoteID())
			_ = ev.Conn.Close()
			return
		}
		n.acceptSpoke(ev.Conn)

	case transport.PeerClose:
		n.logf("MESH: Relay link closed")
		n.setStatus(Closed)

	case transport.PeerError:
		n.fail(&ConnectionError{Err: ev.Err})
	}
}

func (n *Network[T]) acceptSpoke(conn transport.Conn) {
	id := conn.RemoteID()
	l := &link{conn: conn}

	if prev, ok := n.spokes[id]; ok {
		n.logf("MESH: %s reconnected, closing previous channel", id)
		_ = prev.conn.Close()
	} else {
		n.order = append(n.order, id)
	}
	n.spokes[id] = l

	go n.watchConn(l, n.handleSpokeEvent)

	n.logf("MESH: %s joined", id)

	members := n.updateMembers(n.ID())
	n.sendAll(membersFrame{Type: typeMembers, Data: members}, "")
	n.send(l, n.publicKeyFrame())
	n.send(l, replayFrame{Type: typeReplay, Events: append([]replayEntry{}, n.history...)})
	n.membersFeed.Send(members)
}

func (n *Network[T]) handleSpokeEvent(l *link, ev transport.ConnEvent) {
	id := l.conn.RemoteID()
	current := n.spokes[id] == l

	switch ev.Kind {
	case transport.ConnOpen:
		if err := l.flush(); err != nil {
			n.fail(&ConnectionError{Peer: id, Err: err})
		}

	case transport.ConnData:
		if !current {
			n.logf("MESH: Dropped message from stale channel to %s", id)
			return
		}
		n.handleSpokeFrame(id, ev.Data)

	case transport.ConnClose:
		if !current {
			return
		}
		delete(n.spokes, id)
		n.order = slices.DeleteFunc(n.order, func(s string) bool { return s == id })
		n.logf("MESH: %s left", id)

		members := n.updateMembers(n.ID())
		n.sendAll(membersFrame{Type: typeMembers, Data: members}, "")
		n.membersFeed.Send(members)

	case transport.ConnError:
		n.fail(&ConnectionError{Peer: id, Err: ev.Err})
	}
}

func (n *Network[T]) handleHostEvent(l *link, ev transport.ConnEvent) {
	switch ev.Kind {
	case transport.ConnOpen:
		n.logf("MESH: Connected to hub %s", n.hostID)
		if err := l.flush(); err != nil {
			n.fail(&ConnectionError{Peer: n.hostID, Err: err})
		}
		n.setStatus(HostConnected)
		_ = n.hostReady.Resolve(l.conn)

	case transport.ConnData:
		n.handleHostFrame(ev.Data)

	case transport.ConnClose:
		n.logf("MESH: Channel to hub %s closed", n.hostID)
		_ = n.hostReady.Reject(transport.ErrClosed)
		n.setStatus(Closed)

	case transport.ConnError:
		_ = n.hostReady.Reject(ev.Err)
		n.fail(&ConnectionError{Peer: n.hostID, Err: ev.Err})
	}
}

// handleSpokeFrame processes a message a spoke sent to the hub.
func (n *Network[T]) handleSpokeFrame(from string, data json.RawMessage) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		n.logf("MESH: Ignoring malformed message from %s", from)
		return
	}

	switch f.Type {
	case string(TypePublic), string(TypePrivate), typePublicKey, typeEncrypted:
		if f.Sender != from {
			n.logf("MESH: Dropped %s from %s claiming to be %s", f.Type, from, f.Sender)
			return
		}
	}

	switch f.Type {
	case string(TypePublic):
		n.sendAll(data, from)
		n.record(data, from)
		n.dispatch(data, from, false)

	case string(TypePrivate):
		if f.Recipient == n.ID() {
			n.dispatch(data, from, false)
			return
		}
		n.logf("MESH: Relaying unencrypted private message from %s to %s", from, f.Recipient)
		n.sendTo(f.Recipient, data)

	case typePublicKey:
		n.sendAll(data, from)
		n.learnKey(f)

	case typeEncrypted:
		if f.Recipient == n.ID() {
			n.unseal(f)
			return
		}
		n.sendTo(f.Recipient, data)

	default:
		n.logf("MESH: Ignoring %s from %s", f.Type, from)
	}
}

// handleHostFrame processes a message the hub sent to this spoke.
func (n *Network[T]) handleHostFrame(data json.RawMessage) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		n.logf("MESH: Ignoring malformed message from hub")
		return
	}

	self := n.ID()

	switch f.Type {
	case string(TypePublic):
		n.dispatch(data, f.Sender, false)

	case string(TypePrivate):
		if f.Recipient != self {
			n.logf("MESH: Dropped private message for %s", f.Recipient)
			return
		}
		n.dispatch(data, f.Sender, false)

	case typeMembers:
		var members []string
		if err := json.Unmarshal(f.Data, &members); err != nil {
			n.logf("MESH: Ignoring malformed member list: %v", err)
			return
		}
		n.mu.Lock()
		n.members = members
		n.mu.Unlock()

		n.membersFeed.Send(slices.Clone(members))
		n.sendHost(n.publicKeyFrame())

	case typePublicKey:
		n.learnKey(f)

	case typeEncrypted:
		if f.Recipient != self {
			n.logf("MESH: Dropped encrypted message for %s", f.Recipient)
			return
		}
		n.unseal(f)

	case typeReplay:
		n.logf("MESH: Replaying %d events", len(f.Events))
		for _, e := range f.Events {
			n.dispatch(e.Event, e.Sender, true)
		}

	default:
		n.logf("MESH: Ignoring %s from hub", f.Type)
	}
}

func (n *Network[T]) unseal(f frame) {
	sealed, err := hybrid.DecodeHex(f.CipherHex)
	if err == nil {
		sealed, err = hybrid.Decrypt(sealed, n.key)
	}
	if err != nil {
		n.fail(fmt.Errorf("mesh: message from %s: %w", f.Sender, err))
		return
	}

	var inner frame
	if err := json.Unmarshal(sealed, &inner); err != nil {
		n.logf("MESH: Ignoring malformed sealed message from %s", f.Sender)
		return
	}
	if inner.Type != string(TypePrivate) || inner.Sender != f.Sender {
		n.logf("MESH: Dropped sealed %s from %s claiming to be %s", inner.Type, f.Sender, inner.Sender)
		return
	}

	n.dispatch(sealed, inner.Sender, false)
}

func (n *Network[T]) dispatch(raw json.RawMessage, from string, replay bool) {
	var ev Event[T]
	if err := json.Unmarshal(raw, &ev); err != nil {
		n.logf("MESH: Ignoring undecodable event from %s: %v", from, err)
		return
	}

	n.deliver(ev, from, replay)
}

func (n *Network[T]) deliver(ev Event[T], from string, replay bool) {
	n.eventFeed.Send(Delivery[T]{Event: ev, From: from, Replay: replay})
}

func (n *Network[T]) record(raw json.RawMessage, sender string) {
	n.history = append(n.history, replayEntry{Event: raw, Sender: sender})
}

func (n *Network[T]) learnKey(f frame) {
	if f.JWK == nil {
		n.logf("MESH: Ignoring empty key from %s", f.Sender)
		return
	}

	pub, err := hybrid.ParseJWK(*f.JWK)
	if err != nil {
		n.logf("MESH: Ignoring key from %s: %v", f.Sender, err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	fut, ok := n.keys[f.Sender]
	if !ok {
		n.keys[f.Sender] = future.Resolved(pub)
		return
	}

	if cur, set, _ := fut.Get(); set {
		if !cur.Equal(pub) {
			n.keys[f.Sender] = future.Resolved(pub)
		}
		return
	}

	_ = fut.Resolve(pub)
}

// keyFor returns the registry entry for id, creating a pending one if no key
// has arrived yet.
func (n *Network[T]) keyFor(id string) *future.Future[*rsa.PublicKey] {
	n.mu.Lock()
	defer n.mu.Unlock()

	fut, ok := n.keys[id]
	if !ok {
		fut = future.New[*rsa.PublicKey]()
		n.keys[id] = fut
	}

	return fut
}

func (n *Network[T]) publicKeyFrame() publicKeyFrame {
	return publicKeyFrame{Type: typePublicKey, Sender: n.ID(), JWK: n.jwk}
}

func (n *Network[T]) updateMembers(self string) []string {
	members := append([]string{self}, n.order...)

	n.mu.Lock()
	n.members = members
	n.mu.Unlock()

	return slices.Clone(members)
}

func (n *Network[T]) setStatus(s Status) {
	n.mu.Lock()
	if n.status == Closed || n.status == s {
		n.mu.Unlock()
		return
	}
	n.status = s
	n.mu.Unlock()

	n.statusFeed.Send(s)
}

func (n *Network[T]) fail(err error) {
	n.logf("MESH: %v", err)
	n.errorFeed.Send(err)
}

func (n *Network[T]) send(l *link, v any) {
	if err := l.send(v); err != nil {
		n.fail(&ConnectionError{Peer: l.conn.RemoteID(), Err: err})
	}
}

func (n *Network[T]) sendTo(id string, v any) {
	l, ok := n.spokes[id]
	if !ok {
		n.logf("MESH: Dropped message for unknown peer %s", id)
		return
	}

	n.send(l, v)
}

func (n *Network[T]) sendAll(v any, except string) {
	for _, id := range n.order {
		if id != except {
			n.send(n.spokes[id], v)
		}
	}
}

func (n *Network[T]) sendHost(v any) {
	if n.host == nil {
		n.logf("MESH: Dropped message, no hub channel")
		return
	}

	n.send(n.host, v)
}
