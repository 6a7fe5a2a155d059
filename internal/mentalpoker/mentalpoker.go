// Package mentalpoker implements SRA commutative encryption for two
// key-holders who share a modulus N = P*Q.
//
// Encrypting with e and decrypting with d = e^-1 mod phi(N) commute across
// key pairs on the same modulus, so a card encrypted by Alice then Bob can be
// decrypted in either order. Each holder keeps one shared pair, used while
// shuffling, and one individual pair per deck offset, disclosed card by card.
package mentalpoker

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/Seednode/impostor/internal/deck"
)

const (
	// DefaultBits is the size of each prime.
	DefaultBits = 256
	// MinBits keeps the modulus well above the encoded card range.
	MinBits = 64
)

const (
	// saltShift leaves room below the salt for every shifted card value.
	saltShift = 40
	// saltBits keeps salted cards below 2^104, under any modulus of MinBits
	// primes.
	saltBits = 64
)

var (
	// cardShift moves plaintext cards off the SRA fixed points 0, 1 and N-1.
	cardShift = new(big.Int).Lsh(big.NewInt(1), 32)
	cardMask  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), saltShift), big.NewInt(1))
	saltLimit = new(big.Int).Lsh(big.NewInt(1), saltBits)
)

var one = big.NewInt(1)

// PublicKey is the shared prime pair. Both holders need it to build key pairs
// on the same modulus.
type PublicKey struct {
	P, Q *big.Int
}

// NewPublicKey draws two distinct primes of the given size.
func NewPublicKey(bits int) (*PublicKey, error) {
	if bits < MinBits {
		return nil, fmt.Errorf("mentalpoker: prime size %d below %d bits", bits, MinBits)
	}

	for {
		p, err := rand.Prime(rand.Reader, bits)
		if err != nil {
			return nil, err
		}
		q, err := rand.Prime(rand.Reader, bits)
		if err != nil {
			return nil, err
		}
		if p.Cmp(q) != 0 {
			return &PublicKey{P: p, Q: q}, nil
		}
	}
}

func (k *PublicKey) N() *big.Int {
	return new(big.Int).Mul(k.P, k.Q)
}

func (k *PublicKey) phi() *big.Int {
	p1 := new(big.Int).Sub(k.P, one)
	q1 := new(big.Int).Sub(k.Q, one)

	return p1.Mul(p1, q1)
}

// Key is one exponent on the shared modulus.
type Key struct {
	Exp *big.Int
	N   *big.Int
}

// Apply raises c to the key's exponent mod N.
func (k Key) Apply(c *big.Int) *big.Int {
	return new(big.Int).Exp(c, k.Exp, k.N)
}

type KeyPair struct {
	Encryption Key
	Decryption Key
}

// NewKeyPair picks a random e coprime to phi(N) and its inverse d.
func NewKeyPair(pk *PublicKey) (KeyPair, error) {
	n := pk.N()
	phi := pk.phi()
	limit := new(big.Int).Sub(phi, big.NewInt(3))

	for {
		e, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return KeyPair{}, err
		}
		e.Add(e, big.NewInt(3))

		d := new(big.Int).ModInverse(e, phi)
		if d == nil {
			continue
		}

		return KeyPair{
			Encryption: Key{Exp: e, N: n},
			Decryption: Key{Exp: d, N: n},
		}, nil
	}
}

// Player is one key-holder.
type Player struct {
	PublicKey  *PublicKey
	shared     KeyPair
	individual []KeyPair
}

// NewPlayer creates a holder for a deck of the given size. With a nil shared
// key the player draws fresh primes; the other holder passes the first one's
// PublicKey.
func NewPlayer(cards, bits int, shared *PublicKey) (*Player, error) {
	if cards < 1 {
		return nil, errors.New("mentalpoker: empty deck")
	}
	if bits == 0 {
		bits = DefaultBits
	}

	pk := shared
	if pk == nil {
		var err error
		pk, err = NewPublicKey(bits)
		if err != nil {
			return nil, err
		}
	}

	sharedPair, err := NewKeyPair(pk)
	if err != nil {
		return nil, err
	}

	individual := make([]KeyPair, cards)
	for i := range individual {
		individual[i], err = NewKeyPair(pk)
		if err != nil {
			return nil, err
		}
	}

	return &Player{
		PublicKey:  pk,
		shared:     sharedPair,
		individual: individual,
	}, nil
}

// EncryptAndShuffle encrypts every card with the shared key and shuffles the
// result with a fresh seed. d is left untouched.
func (p *Player) EncryptAndShuffle(d *deck.Deck) (*deck.Deck, error) {
	if err := p.checkSize(d); err != nil {
		return nil, err
	}

	out := &deck.Deck{Cards: make([]*big.Int, d.Len()), Width: d.Width}
	for i, c := range d.Cards {
		out.Cards[i] = p.shared.Encryption.Apply(c)
	}

	if err := out.ShuffleRandom(); err != nil {
		return nil, err
	}

	return out, nil
}

// DecryptAndEncryptIndividually strips the shared layer and applies the
// individual key of each offset to the card at that offset.
func (p *Player) DecryptAndEncryptIndividually(d *deck.Deck) (*deck.Deck, error) {
	if err := p.checkSize(d); err != nil {
		return nil, err
	}

	out := &deck.Deck{Cards: make([]*big.Int, d.Len()), Width: d.Width}
	for i, c := range d.Cards {
		out.Cards[i] = p.individual[i].Encryption.Apply(p.shared.Decryption.Apply(c))
	}

	return out, nil
}

// IndividualKey returns the pair for one deck offset.
func (p *Player) IndividualKey(offset int) (KeyPair, error) {
	if offset < 0 || offset >= len(p.individual) {
		return KeyPair{}, fmt.Errorf("mentalpoker: offset %d out of range [0, %d)", offset, len(p.individual))
	}

	return p.individual[offset], nil
}

func (p *Player) checkSize(d *deck.Deck) error {
	if d.Len() != len(p.individual) {
		return fmt.Errorf("mentalpoker: deck has %d cards, player has %d keys", d.Len(), len(p.individual))
	}

	return nil
}

// EncodeCard maps a plaintext card value into the message space. A random
// salt sits above the card so equal values encrypt to different ciphertexts.
func EncodeCard(v *big.Int) (*big.Int, error) {
	salt, err := rand.Int(rand.Reader, saltLimit)
	if err != nil {
		return nil, err
	}

	m := salt.Lsh(salt, saltShift)

	return m.Add(m, v).Add(m, cardShift), nil
}

// DecodeCard reverses EncodeCard, dropping the salt.
func DecodeCard(m *big.Int) *big.Int {
	v := new(big.Int).And(m, cardMask)

	return v.Sub(v, cardShift)
}

// EncodeDeck returns a copy of d with every card encoded under its own salt.
func EncodeDeck(d *deck.Deck) (*deck.Deck, error) {
	out := &deck.Deck{Cards: make([]*big.Int, d.Len()), Width: d.Width}
	for i, c := range d.Cards {
		m, err := EncodeCard(c)
		if err != nil {
			return nil, err
		}
		out.Cards[i] = m
	}

	return out, nil
}
