package impostor

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/impostor/internal/mesh"
	"github.com/Seednode/impostor/internal/transport/memory"
)

func joinMesh(t *testing.T, sb *memory.Switchboard, id, host string) (*player, chan []string) {
	t.Helper()

	p := sb.NewPeer(id)
	net, err := mesh.New[Message](p, mesh.Options{HostID: host, KeyBits: 1024, Logf: t.Logf})
	require.NoError(t, err)

	pl := newPlayer(t, net, Options{Logf: t.Logf})

	members := make(chan []string, 16)
	pl.game.SubscribeMembers(members)

	p.Open()

	return pl, members
}

func waitMembers(t *testing.T, ch <-chan []string, want ...string) {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case m := <-ch:
			if slices.Equal(m, want) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for members %v", want)
		}
	}
}

func TestDealOverMesh(t *testing.T) {
	sb := memory.NewSwitchboard()

	host, hostMembers := joinMesh(t, sb, "host", "")
	guest, guestMembers := joinMesh(t, sb, "guest", "host")

	waitMembers(t, hostMembers, "host", "guest")
	waitMembers(t, guestMembers, "host", "guest")

	settings := Settings{Alice: "host", Bob: "guest", Bits: testBits}
	require.NoError(t, host.game.StartGame(ctx(t), settings, 1))

	host.waitShuffled(t)
	guest.waitShuffled(t)

	for round := range words {
		require.NoError(t, host.game.DealRound(ctx(t), round))
		require.NoError(t, guest.game.DealRound(ctx(t), round))
	}

	hostCards := make(map[int]Card)
	guestCards := make(map[int]Card)
	for range words {
		c := host.nextCard(t)
		hostCards[c.Round] = c
		c = guest.nextCard(t)
		guestCards[c.Round] = c
	}

	require.Len(t, hostCards, len(words))
	require.Len(t, guestCards, len(words))

	for round := range words {
		h, g := hostCards[round], guestCards[round]
		validCard(t, h)
		validCard(t, g)
		assert.Equal(t, round*2, h.Offset)
		assert.Equal(t, round*2+1, g.Offset)
		assert.NotEqual(t, h.Impostor, g.Impostor, "round %d needs exactly one impostor", round)
	}

	host.noCard(t)
	guest.noCard(t)
}
