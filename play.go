package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/skip2/go-qrcode"
	"golang.org/x/sync/errgroup"

	"github.com/Seednode/impostor/internal/impostor"
	"github.com/Seednode/impostor/internal/mesh"
	"github.com/Seednode/impostor/internal/relay"
)

var errMeshClosed = errors.New("connection to the party was lost")

var (
	wordColor     = color.New(color.FgGreen, color.Bold)
	impostorColor = color.New(color.FgRed, color.Bold)
	noticeColor   = color.New(color.FgCyan)
	errorColor    = color.New(color.FgYellow)
)

// player is one game peer driven from the terminal.
type player struct {
	cfg  *Config
	out  io.Writer
	net  *mesh.Network[impostor.Message]
	game *impostor.Game

	announced bool
	started   bool
	dealt     bool
}

func runPlay(ctx context.Context, cfg *Config) error {
	p := &cfg.play

	words, err := loadWords(p.wordsFile, p.words)
	if err != nil {
		return err
	}

	endpoint, err := relay.PartyURL(p.relay, p.party)
	if err != nil {
		return err
	}

	logger := func(format string, args ...any) { logf(cfg, format, args...) }

	logf(cfg, "START: impostor v%s joining %s", releaseVersion, endpoint)

	peer, err := relay.Dial(ctx, endpoint, p.id, logger)
	if err != nil {
		return err
	}

	net, err := mesh.New[impostor.Message](peer, mesh.Options{
		HostID:  p.join,
		KeyBits: p.keyBits,
		Logf:    logger,
	})
	if err != nil {
		_ = peer.Close()
		return err
	}

	game, err := impostor.New(net, words, impostor.Options{
		CardTimeout: p.cardTimeout,
		Logf:        logger,
	})
	if err != nil {
		_ = net.Close()
		return err
	}
	defer game.Close()

	pl := &player{cfg: cfg, out: os.Stdout, net: net, game: game}

	return pl.run(ctx)
}

func (pl *player) run(ctx context.Context) error {
	connected := make(chan string, 1)
	members := make(chan []string, 16)
	status := make(chan mesh.Status, 16)
	shuffled := make(chan struct{}, 1)
	cards := make(chan impostor.Card, 16)
	gameErrs := make(chan error, 16)
	netErrs := make(chan error, 16)

	pl.game.SubscribeConnected(connected)
	pl.game.SubscribeMembers(members)
	pl.game.SubscribeStatus(status)
	pl.game.SubscribeShuffled(shuffled)
	pl.game.SubscribeCards(cards)
	pl.game.SubscribeErrors(gameErrs)
	pl.net.SubscribeErrors(netErrs)

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		// The relay may have answered before the subscriptions above.
		if id := pl.net.ID(); id != "" {
			pl.onConnected(id)
		}
		if m := pl.net.Members(); len(m) > 0 {
			pl.onMembers(ctx, eg, m)
		}

		for {
			select {
			case id := <-connected:
				pl.onConnected(id)

			case m := <-members:
				pl.onMembers(ctx, eg, m)

			case s := <-status:
				logf(pl.cfg, "PLAY: Status %s", s)
				if s == mesh.Closed {
					return errMeshClosed
				}

			case <-shuffled:
				pl.onShuffled(ctx, eg)

			case c := <-cards:
				pl.showCard(c)

			case err := <-gameErrs:
				errorColor.Fprintf(pl.out, "Game error: %v\n", err)

			case err := <-netErrs:
				errorColor.Fprintf(pl.out, "Network error: %v\n", err)

			case <-ctx.Done():
				return nil
			}
		}
	})

	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (pl *player) onConnected(id string) {
	if pl.announced {
		return
	}
	pl.announced = true

	noticeColor.Fprintf(pl.out, "Joined party %s as %s\n", pl.cfg.play.party, id)

	if !pl.net.IsHub() {
		return
	}

	invite, err := relay.InviteURL(pl.cfg.play.relay, pl.cfg.play.party, id)
	if err != nil {
		errorColor.Fprintf(pl.out, "Invite unavailable: %v\n", err)
		return
	}

	fmt.Fprintf(pl.out, "Invite other players with:\n\n  impostor play --relay %s --party %s --join %s\n\nor share %s\n",
		pl.cfg.play.relay, pl.cfg.play.party, id, invite)

	if qr, err := qrcode.New(invite, qrcode.Medium); err == nil {
		fmt.Fprintln(pl.out, qr.ToSmallString(false))
	}
}

func (pl *player) onMembers(ctx context.Context, eg *errgroup.Group, members []string) {
	noticeColor.Fprintf(pl.out, "Players (%d): %s\n", len(members), strings.Join(members, ", "))

	if !pl.net.IsHub() || pl.started || len(members) < pl.cfg.play.players {
		return
	}
	pl.started = true

	settings := impostor.Settings{
		Alice: members[0],
		Bob:   members[1],
		Bits:  pl.cfg.play.bits,
	}

	eg.Go(func() error {
		fmt.Fprintln(pl.out, "Everyone is here, shuffling the deck...")
		return pl.game.StartGame(ctx, settings, pl.cfg.play.impostors)
	})
}

func (pl *player) onShuffled(ctx context.Context, eg *errgroup.Group) {
	if pl.dealt {
		return
	}
	pl.dealt = true

	round := pl.cfg.play.round
	logf(pl.cfg, "PLAY: Dealing round %d", round)

	eg.Go(func() error {
		return pl.game.DealRound(ctx, round)
	})
}

func (pl *player) showCard(c impostor.Card) {
	if c.Impostor {
		impostorColor.Fprintf(pl.out, "Round %d: you are the impostor!\n", c.Round)
	} else {
		wordColor.Fprintf(pl.out, "Round %d: your word is %q\n", c.Round, c.Text)
	}

	fmt.Fprintln(pl.out, "Keep this window open until everyone has their card. Press Ctrl-C to leave.")
}
