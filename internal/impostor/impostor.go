// Package impostor deals a word-impostor round over a mesh network.
//
// Two members hold keys. Alice builds and encrypts the deck, Bob adds his
// layer, and each then swaps the shared layer for per-card keys. Dealing a
// card means each key-holder privately sends the recipient its key for that
// one offset; with both keys the recipient decrypts the card and learns either
// a word or that it is an impostor. Nobody else, the hub included, learns it.
package impostor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/event"
	"golang.org/x/sync/errgroup"

	"github.com/Seednode/impostor/internal/deck"
	"github.com/Seednode/impostor/internal/future"
	"github.com/Seednode/impostor/internal/lifecycle"
	"github.com/Seednode/impostor/internal/mentalpoker"
	"github.com/Seednode/impostor/internal/mesh"
)

var (
	// ErrConfiguration rejects a start that cannot produce a fair deal.
	ErrConfiguration = deck.ErrConfiguration
	// ErrCardTimeout is published when a card's keys do not arrive within
	// Options.CardTimeout.
	ErrCardTimeout = errors.New("impostor: card keys did not arrive in time")
)

// Network is the part of a mesh network a game uses.
type Network interface {
	PeerID(ctx context.Context) (string, error)
	Members() []string
	EmitEvent(ctx context.Context, ev mesh.Event[Message]) error
	SubscribeEvents(ch chan<- mesh.Delivery[Message]) event.Subscription
	SubscribeStatus(ch chan<- mesh.Status) event.Subscription
	SubscribeMembers(ch chan<- []string) event.Subscription
	SubscribeConnected(ch chan<- string) event.Subscription
	Close() error
}

var _ Network = (*mesh.Network[Message])(nil)

type Options struct {
	// CardTimeout bounds the wait for a card's keys and the final deck once
	// the first key for it has arrived. Zero waits until Close.
	CardTimeout time.Duration
	Logf        func(format string, args ...any)
}

// Card is a resolved deal. Impostor cards carry Word -1 and no Text.
type Card struct {
	Offset   int
	Round    int
	Word     int
	Text     string
	Impostor bool
}

type cardKeys struct {
	alice *future.Future[mentalpoker.Key]
	bob   *future.Future[mentalpoker.Key]
}

// Game is one round. Starting another round needs a new Game.
type Game struct {
	net   Network
	words []string
	opts  Options
	logf  func(format string, args ...any)

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	loopDone chan struct{}
	lcm      lifecycle.Manager

	// turn is held by the running message handler. Handlers start in
	// delivery order and only interleave while one of them waits.
	turn sync.Mutex

	settings *future.Future[Settings]
	width    *future.Future[int]
	keys     *future.Future[[]cardKeys]
	alice    *future.Future[*mentalpoker.Player]
	bob      *future.Future[*mentalpoker.Player]
	deck     *future.Future[*deck.Deck]

	dealt    mapset.Set[int]
	watching mapset.Set[int]

	scope        event.SubscriptionScope
	shuffledFeed event.FeedOf[struct{}]
	cardFeed     event.FeedOf[Card]
	errorFeed    event.FeedOf[error]
}

// New binds a game to net. The game takes ownership of net and closes it on
// Close.
func New(net Network, words []string, opts Options) (*Game, error) {
	if len(words) == 0 {
		return nil, fmt.Errorf("%w: empty vocabulary", ErrConfiguration)
	}

	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}

	ctx, cancel := context.WithCancel(context.Background())

	g := &Game{
		net:      net,
		words:    words,
		opts:     opts,
		logf:     logf,
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		settings: future.New[Settings](),
		width:    future.New[int](),
		keys:     future.New[[]cardKeys](),
		alice:    future.New[*mentalpoker.Player](),
		bob:      future.New[*mentalpoker.Player](),
		deck:     future.New[*deck.Deck](),
		dealt:    mapset.NewSet[int](),
		watching: mapset.NewSet[int](),
	}

	events := make(chan mesh.Delivery[Message], 64)
	sub := net.SubscribeEvents(events)

	g.lcm.Defer(cancel)
	g.lcm.Defer(g.scope.Close)
	g.lcm.Defer(sub.Unsubscribe)
	lifecycle.Register(&g.lcm, net, Network.Close)
	g.lcm.Defer(func() {
		<-g.loopDone
		g.wg.Wait()
	})

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if _, err := g.deck.Wait(g.ctx); err == nil {
			g.logf("IMPOSTOR: Deck finalized")
			g.shuffledFeed.Send(struct{}{})
		}
	}()

	go g.loop(events, sub)

	return g, nil
}

func (g *Game) loop(events <-chan mesh.Delivery[Message], sub event.Subscription) {
	defer close(g.loopDone)

	for {
		select {
		case d := <-events:
			g.turn.Lock()
			g.wg.Add(1)
			go func() {
				defer g.wg.Done()
				defer g.turn.Unlock()
				g.handle(d)
			}()
		case <-sub.Err():
			return
		case <-g.ctx.Done():
			return
		}
	}
}

// Close closes the network and cancels every pending wait. Waiters return
// silently. Closing twice returns lifecycle.ErrClosed.
func (g *Game) Close() error {
	return g.lcm.Close()
}

// SubscribeShuffled fires once the finalized deck is known.
func (g *Game) SubscribeShuffled(ch chan<- struct{}) event.Subscription {
	return g.scope.Track(g.shuffledFeed.Subscribe(ch))
}

// SubscribeCards delivers every card this peer resolves.
func (g *Game) SubscribeCards(ch chan<- Card) event.Subscription {
	return g.scope.Track(g.cardFeed.Subscribe(ch))
}

// SubscribeErrors delivers failures from message handlers and card timeouts.
func (g *Game) SubscribeErrors(ch chan<- error) event.Subscription {
	return g.scope.Track(g.errorFeed.Subscribe(ch))
}

func (g *Game) SubscribeStatus(ch chan<- mesh.Status) event.Subscription {
	return g.scope.Track(g.net.SubscribeStatus(ch))
}

func (g *Game) SubscribeMembers(ch chan<- []string) event.Subscription {
	return g.scope.Track(g.net.SubscribeMembers(ch))
}

func (g *Game) SubscribeConnected(ch chan<- string) event.Subscription {
	return g.scope.Track(g.net.SubscribeConnected(ch))
}

// Words returns the vocabulary cards index into.
func (g *Game) Words() []string {
	return g.words
}

// StartGame announces a round with the given key-holders. The impostor count
// is checked against the current membership before anything is sent.
func (g *Game) StartGame(ctx context.Context, settings Settings, impostors int) error {
	if settings.Alice == "" || settings.Bob == "" {
		return fmt.Errorf("%w: both key-holders must be named", ErrConfiguration)
	}
	if settings.Bits != 0 && settings.Bits < mentalpoker.MinBits {
		return fmt.Errorf("%w: key size below %d bits", ErrConfiguration, mentalpoker.MinBits)
	}

	if _, err := deck.Prepare(len(g.net.Members()), impostors, len(g.words)); err != nil {
		return err
	}

	return g.emitPublic(ctx, Message{
		Type:      MsgStart,
		Settings:  &settings,
		Impostors: impostors,
	})
}

// DealCard sends this peer's Alice and Bob keys for one card to recipient. The
// card is row round, column playerOffset. A peer holding neither role sends
// nothing, and each card is disclosed at most once.
func (g *Game) DealCard(ctx context.Context, round, playerOffset int, recipient string) error {
	ctx, done := g.bind(ctx)
	defer done()

	width, err := g.width.Wait(ctx)
	if err != nil {
		return err
	}
	if playerOffset < 0 || playerOffset >= width {
		return fmt.Errorf("impostor: player offset %d out of range [0, %d)", playerOffset, width)
	}
	if round < 0 || round >= len(g.words) {
		return fmt.Errorf("impostor: round %d out of range [0, %d)", round, len(g.words))
	}

	offset := round*width + playerOffset

	if !g.dealt.Add(offset) {
		g.logf("IMPOSTOR: Card %d already dealt, not disclosing again", offset)
		return nil
	}

	if err := g.disclose(ctx, offset, recipient); err != nil {
		g.dealt.Remove(offset)
		return err
	}

	return nil
}

func (g *Game) disclose(ctx context.Context, offset int, recipient string) error {
	for _, role := range []struct {
		name   string
		player *future.Future[*mentalpoker.Player]
	}{
		{roleAlice, g.alice},
		{roleBob, g.bob},
	} {
		p, err := role.player.Wait(ctx)
		if err != nil {
			return err
		}
		if p == nil {
			continue
		}

		kp, err := p.IndividualKey(offset)
		if err != nil {
			return err
		}

		g.logf("IMPOSTOR: Sending %s key for card %d to %s", role.name, offset, recipient)

		err = g.emitPrivate(ctx, recipient, Message{
			Type:          MsgCardDecrypt,
			DeckOffset:    &offset,
			AliceOrBob:    role.name,
			DecryptionKey: keyMaterial(kp.Decryption),
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// DealRound deals row round to every member, in membership order.
func (g *Game) DealRound(ctx context.Context, round int) error {
	ctx, done := g.bind(ctx)
	defer done()

	width, err := g.width.Wait(ctx)
	if err != nil {
		return err
	}

	members := g.net.Members()
	if len(members) != width {
		return fmt.Errorf("impostor: %d members, deck dealt for %d", len(members), width)
	}

	eg, ctx := errgroup.WithContext(ctx)
	for i, member := range members {
		eg.Go(func() error {
			return g.DealCard(ctx, round, i, member)
		})
	}

	return eg.Wait()
}

// bind returns a context that also ends when the game closes.
func (g *Game) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(g.ctx, cancel)

	return ctx, func() {
		stop()
		cancel()
	}
}

func (g *Game) emitPublic(ctx context.Context, m Message) error {
	self, err := g.net.PeerID(ctx)
	if err != nil {
		return err
	}

	return g.net.EmitEvent(ctx, mesh.Public(self, m))
}

func (g *Game) emitPrivate(ctx context.Context, recipient string, m Message) error {
	self, err := g.net.PeerID(ctx)
	if err != nil {
		return err
	}

	return g.net.EmitEvent(ctx, mesh.Private(self, recipient, m))
}

// yield runs fn with the turn released. A handler calls it around anything
// that may block.
func (g *Game) yield(fn func() error) error {
	g.turn.Unlock()
	defer g.turn.Lock()

	return fn()
}

// await waits for f from inside a handler.
func await[T any](g *Game, f *future.Future[T]) (T, error) {
	if v, ok, err := f.Get(); ok {
		return v, err
	}

	var v T
	err := g.yield(func() (err error) {
		v, err = f.Wait(g.ctx)
		return err
	})

	return v, err
}

// self returns this peer's id from inside a handler.
func (g *Game) self() (string, error) {
	var id string
	err := g.yield(func() (err error) {
		id, err = g.net.PeerID(g.ctx)
		return err
	})

	return id, err
}

// publish broadcasts m from inside a handler.
func (g *Game) publish(m Message) error {
	return g.yield(func() error {
		return g.emitPublic(g.ctx, m)
	})
}

func (g *Game) handle(d mesh.Delivery[Message]) {
	m := d.Event.Data

	var err error
	switch m.Type {
	case MsgStart:
		err = g.onStart(m)
	case MsgDeckStep1:
		err = g.onStep1(m)
	case MsgDeckStep2:
		err = g.onStep2(m)
	case MsgDeckStep3:
		err = g.onStep3(m)
	case MsgFinalized:
		err = g.onFinalized(m)
	case MsgCardDecrypt:
		err = g.onCardKey(m)
	default:
		g.logf("IMPOSTOR: Ignoring message of type %q from %s", m.Type, d.From)
		return
	}

	if err != nil {
		g.fail(fmt.Errorf("impostor: %s from %s: %w", m.Type, d.From, err))
	}
}

func (g *Game) fail(err error) {
	if g.ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return
	}

	if errors.Is(err, future.ErrResolved) {
		g.logf("IMPOSTOR: Ignoring duplicate: %v", err)
		return
	}

	g.logf("IMPOSTOR: %v", err)
	g.errorFeed.Send(err)
}

func (g *Game) onStart(m Message) error {
	if m.Settings == nil {
		return errors.New("missing settings")
	}
	settings := *m.Settings

	if err := g.settings.Resolve(settings); err != nil {
		return err
	}

	self, err := g.self()
	if err != nil {
		return err
	}

	width := len(g.net.Members())
	cards := width * len(g.words)

	keys := make([]cardKeys, cards)
	for i := range keys {
		keys[i] = cardKeys{
			alice: future.New[mentalpoker.Key](),
			bob:   future.New[mentalpoker.Key](),
		}
	}
	_ = g.width.Resolve(width)
	_ = g.keys.Resolve(keys)

	g.logf("IMPOSTOR: Round started with %d members, alice %s, bob %s", width, settings.Alice, settings.Bob)

	if settings.Bob != self {
		_ = g.bob.Resolve(nil)
	}

	if settings.Alice != self {
		_ = g.alice.Resolve(nil)
		return nil
	}

	alice, err := mentalpoker.NewPlayer(cards, settings.Bits, nil)
	if err != nil {
		_ = g.alice.Reject(err)
		return err
	}
	_ = g.alice.Resolve(alice)

	plain, err := deck.Prepare(width, m.Impostors, len(g.words))
	if err != nil {
		return err
	}

	g.logf("IMPOSTOR: Encrypting and shuffling the deck as alice")

	encoded, err := mentalpoker.EncodeDeck(plain)
	if err != nil {
		return err
	}

	step1, err := alice.EncryptAndShuffle(encoded)
	if err != nil {
		return err
	}

	return g.publish(Message{
		Type:      MsgDeckStep1,
		Deck:      step1.Strings(),
		PublicKey: sharedKey(alice.PublicKey),
	})
}

func (g *Game) onStep1(m Message) error {
	settings, err := await(g, g.settings)
	if err != nil {
		return err
	}
	self, err := g.self()
	if err != nil {
		return err
	}
	if settings.Bob != self {
		return nil
	}

	if m.PublicKey == nil {
		return errors.New("missing shared key")
	}
	pk, err := m.PublicKey.parse()
	if err != nil {
		return err
	}

	d, err := g.parseDeck(m.Deck)
	if err != nil {
		return err
	}

	bob, err := mentalpoker.NewPlayer(d.Len(), settings.Bits, pk)
	if err != nil {
		_ = g.bob.Reject(err)
		return err
	}
	if err := g.bob.Resolve(bob); err != nil {
		return err
	}

	g.logf("IMPOSTOR: Encrypting and shuffling the deck as bob")

	step2, err := bob.EncryptAndShuffle(d)
	if err != nil {
		return err
	}

	return g.publish(Message{Type: MsgDeckStep2, Deck: step2.Strings()})
}

func (g *Game) onStep2(m Message) error {
	alice, err := await(g, g.alice)
	if err != nil || alice == nil {
		return err
	}

	d, err := g.parseDeck(m.Deck)
	if err != nil {
		return err
	}

	g.logf("IMPOSTOR: Applying individual keys as alice")

	step3, err := alice.DecryptAndEncryptIndividually(d)
	if err != nil {
		return err
	}

	return g.publish(Message{Type: MsgDeckStep3, Deck: step3.Strings()})
}

func (g *Game) onStep3(m Message) error {
	bob, err := await(g, g.bob)
	if err != nil || bob == nil {
		return err
	}

	d, err := g.parseDeck(m.Deck)
	if err != nil {
		return err
	}

	g.logf("IMPOSTOR: Applying individual keys as bob")

	final, err := bob.DecryptAndEncryptIndividually(d)
	if err != nil {
		return err
	}

	return g.publish(Message{Type: MsgFinalized, Deck: final.Strings()})
}

func (g *Game) onFinalized(m Message) error {
	d, err := g.parseDeck(m.Deck)
	if err != nil {
		return err
	}

	return g.deck.Resolve(d)
}

func (g *Game) onCardKey(m Message) error {
	if m.DeckOffset == nil || m.DecryptionKey == nil {
		return errors.New("missing key material")
	}

	key, err := m.DecryptionKey.parse()
	if err != nil {
		return err
	}

	keys, err := await(g, g.keys)
	if err != nil {
		return err
	}

	offset := *m.DeckOffset
	if offset < 0 || offset >= len(keys) {
		return fmt.Errorf("card %d out of range [0, %d)", offset, len(keys))
	}

	var slot *future.Future[mentalpoker.Key]
	switch m.AliceOrBob {
	case roleAlice:
		slot = keys[offset].alice
	case roleBob:
		slot = keys[offset].bob
	default:
		g.logf("IMPOSTOR: Ignoring key for unknown role %q", m.AliceOrBob)
		return nil
	}

	if err := slot.Resolve(key); err != nil {
		return fmt.Errorf("%s key for card %d: %w", m.AliceOrBob, offset, err)
	}

	if g.watching.Add(offset) {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.resolve(offset, keys[offset])
		}()
	}

	return nil
}

// resolve waits for both keys and the final deck, then publishes the card.
func (g *Game) resolve(offset int, keys cardKeys) {
	ctx := g.ctx
	if g.opts.CardTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.CardTimeout)
		defer cancel()
	}

	a, err := keys.alice.Wait(ctx)
	if err == nil {
		var b mentalpoker.Key
		b, err = keys.bob.Wait(ctx)
		if err == nil {
			var d *deck.Deck
			d, err = g.deck.Wait(ctx)
			if err == nil {
				g.publishCard(offset, d, a, b)
				return
			}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		g.fail(fmt.Errorf("%w: card %d", ErrCardTimeout, offset))
	}
}

func (g *Game) publishCard(offset int, d *deck.Deck, alice, bob mentalpoker.Key) {
	v := mentalpoker.DecodeCard(bob.Apply(alice.Apply(d.Cards[offset])))

	card := Card{
		Offset: offset,
		Round:  offset / d.Width,
		Word:   -1,
	}
	if v.IsInt64() && v.Int64() >= 0 && v.Int64() < int64(len(g.words)) {
		card.Word = int(v.Int64())
		card.Text = g.words[card.Word]
	} else {
		card.Impostor = true
	}

	g.logf("IMPOSTOR: Resolved card %d", offset)
	g.cardFeed.Send(card)
}

func (g *Game) parseDeck(cards []string) (*deck.Deck, error) {
	width, err := await(g, g.width)
	if err != nil {
		return nil, err
	}

	d, err := deck.Parse(cards, width)
	if err != nil {
		return nil, err
	}
	if d.Len() != width*len(g.words) {
		return nil, fmt.Errorf("deck has %d cards, want %d", d.Len(), width*len(g.words))
	}

	return d, nil
}
