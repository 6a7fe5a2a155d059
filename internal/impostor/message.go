package impostor

import (
	"fmt"
	"math/big"

	"github.com/Seednode/impostor/internal/mentalpoker"
)

const (
	MsgStart       = "start"
	MsgDeckStep1   = "deck/step1"
	MsgDeckStep2   = "deck/step2"
	MsgDeckStep3   = "deck/step3"
	MsgFinalized   = "deck/finalized"
	MsgCardDecrypt = "card/decrypt"
)

const (
	roleAlice = "alice"
	roleBob   = "bob"
)

// Settings names the two key-holders. Bits sizes the shared primes; zero
// selects mentalpoker.DefaultBits.
type Settings struct {
	Alice string `json:"alice"`
	Bob   string `json:"bob"`
	Bits  int    `json:"bits,omitempty"`
}

// SharedKey carries Alice's prime pair in deck/step1.
type SharedKey struct {
	P string `json:"p"`
	Q string `json:"q"`
}

// KeyMaterial is one disclosed per-card decryption key.
type KeyMaterial struct {
	D string `json:"d"`
	N string `json:"n"`
}

// Message is the union of every game message. Big integers travel as decimal
// strings.
type Message struct {
	Type string `json:"type"`

	Settings  *Settings `json:"mentalPokerSettings,omitempty"`
	Impostors int       `json:"impostors,omitempty"`

	Deck      []string   `json:"deck,omitempty"`
	PublicKey *SharedKey `json:"publicKey,omitempty"`

	DeckOffset    *int         `json:"deckOffset,omitempty"`
	AliceOrBob    string       `json:"aliceOrBob,omitempty"`
	DecryptionKey *KeyMaterial `json:"decryptionKey,omitempty"`
}

func sharedKey(pk *mentalpoker.PublicKey) *SharedKey {
	return &SharedKey{P: pk.P.String(), Q: pk.Q.String()}
}

func (k *SharedKey) parse() (*mentalpoker.PublicKey, error) {
	p, ok := new(big.Int).SetString(k.P, 10)
	if !ok {
		return nil, fmt.Errorf("impostor: invalid prime %q", k.P)
	}
	q, ok := new(big.Int).SetString(k.Q, 10)
	if !ok {
		return nil, fmt.Errorf("impostor: invalid prime %q", k.Q)
	}

	return &mentalpoker.PublicKey{P: p, Q: q}, nil
}

func keyMaterial(k mentalpoker.Key) *KeyMaterial {
	return &KeyMaterial{D: k.Exp.String(), N: k.N.String()}
}

func (k *KeyMaterial) parse() (mentalpoker.Key, error) {
	d, ok := new(big.Int).SetString(k.D, 10)
	if !ok {
		return mentalpoker.Key{}, fmt.Errorf("impostor: invalid exponent %q", k.D)
	}
	n, ok := new(big.Int).SetString(k.N, 10)
	if !ok || n.Sign() <= 0 {
		return mentalpoker.Key{}, fmt.Errorf("impostor: invalid modulus %q", k.N)
	}

	return mentalpoker.Key{Exp: d, N: n}, nil
}
