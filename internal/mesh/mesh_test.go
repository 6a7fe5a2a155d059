package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/impostor/internal/transport"
	"github.com/Seednode/impostor/internal/transport/memory"
)

const (
	testKeyBits = 1024
	timeout     = 5 * time.Second
	quiet       = 200 * time.Millisecond
)

type node struct {
	net     *Network[string]
	peer    *memory.Peer
	events  chan Delivery[string]
	status  chan Status
	members chan []string
	errs    chan error
}

func newNode(t *testing.T, sb *memory.Switchboard, id, host string) *node {
	t.Helper()

	p := sb.NewPeer(id)
	n, err := New[string](p, Options{HostID: host, KeyBits: testKeyBits, Logf: t.Logf})
	require.NoError(t, err)

	nd := &node{
		net:     n,
		peer:    p,
		events:  make(chan Delivery[string], 64),
		status:  make(chan Status, 16),
		members: make(chan []string, 64),
		errs:    make(chan error, 16),
	}
	n.SubscribeEvents(nd.events)
	n.SubscribeStatus(nd.status)
	n.SubscribeMembers(nd.members)
	n.SubscribeErrors(nd.errs)
	t.Cleanup(func() { _ = n.Close() })

	p.Open()

	return nd
}

func (nd *node) waitStatus(t *testing.T, want Status) []Status {
	t.Helper()

	var seen []Status
	for {
		select {
		case s := <-nd.status:
			seen = append(seen, s)
			if s == want {
				return seen
			}
		case <-time.After(timeout):
			t.Fatalf("timed out waiting for %s, saw %v", want, seen)
		}
	}
}

func (nd *node) waitMembers(t *testing.T, want ...string) {
	t.Helper()

	for {
		select {
		case m := <-nd.members:
			if sameMembers(m, want) {
				return
			}
		case <-time.After(timeout):
			t.Fatalf("timed out waiting for members %v, have %v", want, nd.net.Members())
		}
	}
}

func sameMembers(a, b []string) bool {
	return strings.Join(a, ",") == strings.Join(b, ",")
}

func (nd *node) next(t *testing.T) Delivery[string] {
	t.Helper()

	select {
	case d := <-nd.events:
		return d
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
	}

	return Delivery[string]{}
}

func (nd *node) none(t *testing.T) {
	t.Helper()

	select {
	case d := <-nd.events:
		t.Fatalf("unexpected event %+v", d)
	case <-time.After(quiet):
	}
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)

	return c
}

// star starts a hub and joins the spokes one at a time.
func star(t *testing.T, sb *memory.Switchboard, spokes ...string) (*node, []*node) {
	t.Helper()

	hub := newNode(t, sb, "host", "")
	hub.waitStatus(t, PeerServerConnected)

	members := []string{"host"}
	var out []*node
	for _, id := range spokes {
		nd := newNode(t, sb, id, "host")
		members = append(members, id)
		hub.waitMembers(t, members...)
		out = append(out, nd)
	}
	for _, nd := range out {
		nd.waitMembers(t, members...)
	}

	return hub, out
}

func TestHubStatus(t *testing.T) {
	sb := memory.NewSwitchboard()
	p := sb.NewPeer("host")

	n, err := New[string](p, Options{KeyBits: testKeyBits})
	require.NoError(t, err)
	defer n.Close()

	status := make(chan Status, 8)
	n.SubscribeStatus(status)
	assert.Equal(t, NotReady, n.Status())

	p.Open()
	id, err := n.PeerID(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, "host", id)
	assert.Equal(t, []string{"host"}, n.Members())

	require.NoError(t, p.Close())

	nd := &node{status: status}
	assert.Equal(t, []Status{PeerServerConnected, Closed}, nd.waitStatus(t, Closed))
	assert.Equal(t, Closed, n.Status())
}

func TestSpokeStatus(t *testing.T) {
	sb := memory.NewSwitchboard()
	hub := newNode(t, sb, "host", "")
	hub.waitStatus(t, PeerServerConnected)

	spoke := newNode(t, sb, "guest", "host")
	assert.Equal(t, []Status{PeerServerConnected, HostConnected}, spoke.waitStatus(t, HostConnected))

	require.NoError(t, spoke.peer.Close())
	assert.Equal(t, []Status{Closed}, spoke.waitStatus(t, Closed))

	select {
	case s := <-spoke.status:
		t.Fatalf("status changed after Closed: %s", s)
	case <-time.After(quiet):
	}
}

func TestMembership(t *testing.T) {
	sb := memory.NewSwitchboard()
	hub, spokes := star(t, sb, "guest0", "guest1", "guest2")

	assert.Equal(t, []string{"host", "guest0", "guest1", "guest2"}, hub.net.Members())
	assert.Equal(t, []string{"host", "guest0", "guest1", "guest2"}, spokes[2].net.Members())

	require.NoError(t, spokes[1].net.Close())

	hub.waitMembers(t, "host", "guest0", "guest2")
	spokes[0].waitMembers(t, "host", "guest0", "guest2")
	spokes[2].waitMembers(t, "host", "guest0", "guest2")
}

func TestSpokeStartsWithoutMembers(t *testing.T) {
	sb := memory.NewSwitchboard()
	p := sb.NewPeer("guest")

	n, err := New[string](p, Options{HostID: "host", KeyBits: testKeyBits})
	require.NoError(t, err)
	defer n.Close()

	p.Open()
	_, err = n.PeerID(ctx(t))
	require.NoError(t, err)
	assert.Empty(t, n.Members())
}

func TestPublicBroadcast(t *testing.T) {
	sb := memory.NewSwitchboard()
	hub, spokes := star(t, sb, "guest0", "guest1")
	all := []*node{hub, spokes[0], spokes[1]}

	require.NoError(t, spokes[0].net.EmitEvent(ctx(t), Public("guest0", "from a spoke")))
	for _, nd := range all {
		d := nd.next(t)
		assert.Equal(t, Public("guest0", "from a spoke"), d.Event)
		assert.Equal(t, "guest0", d.From)
		assert.False(t, d.Replay)
	}

	require.NoError(t, hub.net.EmitEvent(ctx(t), Public("host", "from the hub")))
	for _, nd := range all {
		d := nd.next(t)
		assert.Equal(t, Public("host", "from the hub"), d.Event)
		assert.Equal(t, "host", d.From)
	}
}

func TestPrivateConfidentiality(t *testing.T) {
	sb := memory.NewSwitchboard()

	var (
		mu     sync.Mutex
		seen   []string
		sealed int
	)
	sb.Tap(func(from, to string, data json.RawMessage) {
		if to != "host" || from != "guest0" {
			return
		}
		var f frame
		_ = json.Unmarshal(data, &f)

		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(data))
		if f.Type == typeEncrypted {
			sealed++
		}
	})

	hub, spokes := star(t, sb, "guest0", "guest1")

	require.NoError(t, spokes[0].net.EmitEvent(ctx(t), Private("guest0", "guest1", "the secret word")))

	d := spokes[1].next(t)
	assert.Equal(t, Private("guest0", "guest1", "the secret word"), d.Event)
	assert.Equal(t, "guest0", d.From)

	hub.none(t)
	spokes[0].none(t)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, sealed)
	for _, s := range seen {
		assert.NotContains(t, s, "the secret word")
	}
}

func TestPrivateThroughHub(t *testing.T) {
	sb := memory.NewSwitchboard()
	hub, spokes := star(t, sb, "guest0", "guest1")

	require.NoError(t, hub.net.EmitEvent(ctx(t), Private("host", "guest1", "to a spoke")))
	assert.Equal(t, Private("host", "guest1", "to a spoke"), spokes[1].next(t).Event)

	require.NoError(t, spokes[0].net.EmitEvent(ctx(t), Private("guest0", "host", "to the hub")))
	d := hub.next(t)
	assert.Equal(t, Private("guest0", "host", "to the hub"), d.Event)
	assert.Equal(t, "guest0", d.From)

	require.NoError(t, spokes[0].net.EmitEvent(ctx(t), Private("guest0", "guest0", "to myself")))
	assert.Equal(t, Private("guest0", "guest0", "to myself"), spokes[0].next(t).Event)

	hub.none(t)
	spokes[0].none(t)
	spokes[1].none(t)
}

func TestUnknownRecipientDropped(t *testing.T) {
	sb := memory.NewSwitchboard()
	hub, spokes := star(t, sb, "guest0")

	require.NoError(t, hub.net.EmitEvent(ctx(t), Private("host", "ghost", "lost")))

	hub.none(t)
	spokes[0].none(t)
}

func TestLateJoinerReplay(t *testing.T) {
	sb := memory.NewSwitchboard()

	var (
		mu      sync.Mutex
		replays []frame
	)
	sb.Tap(func(from, to string, data json.RawMessage) {
		if to != "late" {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err == nil && f.Type == typeReplay {
			mu.Lock()
			replays = append(replays, f)
			mu.Unlock()
		}
	})

	hub, spokes := star(t, sb, "guest0")

	history := []Event[string]{
		Public("host", "one"),
		Public("guest0", "two"),
		Public("host", "three"),
	}
	for _, ev := range history {
		emitter := hub
		if ev.Sender == "guest0" {
			emitter = spokes[0]
		}
		require.NoError(t, emitter.net.EmitEvent(ctx(t), ev))
		assert.Equal(t, ev, hub.next(t).Event)
	}

	late := newNode(t, sb, "late", "host")
	for _, ev := range history {
		d := late.next(t)
		assert.Equal(t, ev, d.Event)
		assert.Equal(t, ev.Sender, d.From)
		assert.True(t, d.Replay)
	}

	require.NoError(t, spokes[0].net.EmitEvent(ctx(t), Public("guest0", "live")))
	d := late.next(t)
	assert.Equal(t, Public("guest0", "live"), d.Event)
	assert.False(t, d.Replay)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, replays, 1)
	require.Len(t, replays[0].Events, 3)
	assert.Equal(t, "guest0", replays[0].Events[1].Sender)
}

func TestHubDropsSpoofedSender(t *testing.T) {
	sb := memory.NewSwitchboard()
	hub, _ := star(t, sb)

	mallory := sb.Join("mallory")
	c := mallory.Connect("host")
	for ev := range c.Events() {
		if ev.Kind == transport.ConnOpen {
			break
		}
	}
	hub.waitMembers(t, "host", "mallory")

	require.NoError(t, c.Send(Public("someone-else", "forged")))
	hub.none(t)

	require.NoError(t, c.Send(Public("mallory", "honest")))
	d := hub.next(t)
	assert.Equal(t, Public("mallory", "honest"), d.Event)
	assert.Equal(t, "mallory", d.From)
}

func TestLastConnectionWins(t *testing.T) {
	sb := memory.NewSwitchboard()
	hub, _ := star(t, sb)

	dup := sb.Join("dup")
	first := dup.Connect("host")
	hub.waitMembers(t, "host", "dup")

	second := dup.Connect("host")
	hub.waitMembers(t, "host", "dup")

	closed := false
	deadline := time.After(timeout)
	for !closed {
		select {
		case ev, ok := <-first.Events():
			closed = !ok || ev.Kind == transport.ConnClose
		case <-deadline:
			t.Fatal("previous channel was not closed")
		}
	}

	require.NoError(t, second.Send(Public("dup", "still here")))
	assert.Equal(t, "still here", hub.next(t).Event.Data)
	assert.Equal(t, []string{"host", "dup"}, hub.net.Members())
}

func TestUnreachableHub(t *testing.T) {
	sb := memory.NewSwitchboard()
	spoke := newNode(t, sb, "guest", "nobody")

	select {
	case err := <-spoke.errs:
		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, "nobody", connErr.Peer)
	case <-time.After(timeout):
		t.Fatal("no connection error")
	}

	assert.Error(t, spoke.net.EmitEvent(ctx(t), Public("guest", "hello")))
}

func TestClose(t *testing.T) {
	sb := memory.NewSwitchboard()
	hub, spokes := star(t, sb, "guest0")

	require.NoError(t, spokes[0].net.Close())
	assert.ErrorIs(t, spokes[0].net.Close(), ErrClosed)
	assert.Equal(t, Closed, spokes[0].net.Status())
	hub.waitMembers(t, "host")

	require.NoError(t, hub.net.Close())
	err := hub.net.EmitEvent(ctx(t), Public("host", "late"))
	assert.True(t, errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled), "got %v", err)
}

func TestCloseNotifiesSubscribers(t *testing.T) {
	sb := memory.NewSwitchboard()
	hub, spokes := star(t, sb, "guest0")

	require.NoError(t, spokes[0].net.Close())
	spokes[0].waitStatus(t, Closed)

	require.NoError(t, hub.net.Close())
	hub.waitStatus(t, Closed)
}

func TestEmitRejectsForeignSender(t *testing.T) {
	sb := memory.NewSwitchboard()
	hub, spokes := star(t, sb, "guest0")

	assert.ErrorIs(t, hub.net.EmitEvent(ctx(t), Public("guest0", "forged")), ErrSender)
	assert.ErrorIs(t, hub.net.EmitEvent(ctx(t), Private("guest0", "host", "forged")), ErrSender)
	assert.ErrorIs(t, spokes[0].net.EmitEvent(ctx(t), Public("host", "forged")), ErrSender)

	select {
	case d := <-spokes[0].events:
		t.Fatalf("unexpected delivery %+v", d)
	case <-time.After(quiet):
	}
}

func TestRejectsMalformedEvents(t *testing.T) {
	sb := memory.NewSwitchboard()
	hub, _ := star(t, sb)

	assert.Error(t, hub.net.EmitEvent(ctx(t), Event[string]{Type: "broadcast", Sender: "host"}))
	assert.Error(t, hub.net.EmitEvent(ctx(t), Event[string]{Type: TypePrivate, Sender: "host"}))
}
