// Package deck builds and shuffles the word-impostor card grid.
//
// A deck has one row per word and one column per player slot. In row r,
// members-impostors cards carry r and the rest carry negative sentinels that
// are unique across the whole deck. Dealing row r hands every player the word
// r except the impostors, who learn nothing.
package deck

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	mrand "math/rand/v2"
)

// ErrConfiguration rejects a deck that cannot produce a fair deal.
var ErrConfiguration = errors.New("deck: invalid configuration")

type Deck struct {
	// Cards holds the grid row by row.
	Cards []*big.Int
	// Width is the number of player slots per row.
	Width int
}

// Prepare builds the unshuffled grid.
func Prepare(members, impostors, words int) (*Deck, error) {
	if members < 2 {
		return nil, fmt.Errorf("%w: need at least 2 members, have %d", ErrConfiguration, members)
	}
	if impostors < 1 || impostors >= members {
		return nil, fmt.Errorf("%w: impostors must be between 1 and %d", ErrConfiguration, members-1)
	}
	if words < 1 {
		return nil, fmt.Errorf("%w: need at least one word", ErrConfiguration)
	}

	d := &Deck{
		Cards: make([]*big.Int, 0, members*words),
		Width: members,
	}

	sentinel := int64(0)
	for row := range words {
		for range members - impostors {
			d.Cards = append(d.Cards, big.NewInt(int64(row)))
		}
		for range impostors {
			sentinel--
			d.Cards = append(d.Cards, big.NewInt(sentinel))
		}
	}

	return d, nil
}

// New wraps cards as a deck of the given width.
func New(cards []*big.Int, width int) (*Deck, error) {
	if width < 1 || len(cards)%width != 0 {
		return nil, fmt.Errorf("deck: %d cards do not fill rows of %d", len(cards), width)
	}

	return &Deck{Cards: cards, Width: width}, nil
}

// Parse decodes the decimal wire form.
func Parse(cards []string, width int) (*Deck, error) {
	parsed := make([]*big.Int, len(cards))
	for i, s := range cards {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("deck: card %d: invalid integer %q", i, s)
		}
		parsed[i] = v
	}

	return New(parsed, width)
}

// Strings encodes the deck as decimal strings.
func (d *Deck) Strings() []string {
	out := make([]string, len(d.Cards))
	for i, c := range d.Cards {
		out[i] = c.String()
	}

	return out
}

func (d *Deck) Len() int {
	return len(d.Cards)
}

func (d *Deck) Rows() int {
	return len(d.Cards) / d.Width
}

// Row returns row i as a sub-slice of the deck.
func (d *Deck) Row(i int) []*big.Int {
	return d.Cards[i*d.Width : (i+1)*d.Width]
}

// Clone deep-copies the deck.
func (d *Deck) Clone() *Deck {
	cards := make([]*big.Int, len(d.Cards))
	for i, c := range d.Cards {
		cards[i] = new(big.Int).Set(c)
	}

	return &Deck{Cards: cards, Width: d.Width}
}

// Shuffle permutes the deck deterministically for seed: first the cards of
// every row among its columns, then whole rows among each other. Values never
// leave their row group, so the grid stays dealable.
func (d *Deck) Shuffle(seed uint64) {
	rows := d.Rows()

	for r := range rows {
		rng := mrand.New(mrand.NewPCG(seed, uint64(r)+1))
		row := d.Row(r)
		for i := len(row) - 1; i > 0; i-- {
			j := rng.IntN(i + 1)
			row[i], row[j] = row[j], row[i]
		}
	}

	rng := mrand.New(mrand.NewPCG(seed, 0))
	for i := rows - 1; i > 0; i-- {
		j := rng.IntN(i + 1)
		if i != j {
			d.swapRows(i, j)
		}
	}
}

// ShuffleRandom shuffles with a fresh seed from crypto/rand.
func (d *Deck) ShuffleRandom() error {
	seed, err := RandomSeed()
	if err != nil {
		return err
	}
	d.Shuffle(seed)

	return nil
}

func (d *Deck) swapRows(i, j int) {
	a, b := d.Row(i), d.Row(j)
	for k := range a {
		a[k], b[k] = b[k], a[k]
	}
}

// RandomSeed draws a shuffle seed from crypto/rand.
func RandomSeed() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}
