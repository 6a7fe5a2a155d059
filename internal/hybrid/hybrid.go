// Package hybrid seals payloads for a single recipient: a fresh ChaCha20-Poly1305
// key encrypts the message and RSA-OAEP wraps that key for the recipient.
//
// Wire layout of a sealed message:
//
//	[ u32le len(wrapped) ][ wrapped key ][ nonce (12) ][ ciphertext + tag ]
package hybrid

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// DefaultKeyBits is the modulus size used for instance key pairs.
	DefaultKeyBits = 4096

	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSize

	lengthSize = 4
)

// ErrDecryption is returned for every failure to open a sealed message.
var ErrDecryption = errors.New("hybrid: decryption failed")

// GenerateKey creates an RSA key pair for unwrapping message keys.
func GenerateKey(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	return rsa.GenerateKey(rand.Reader, bits)
}

// Encrypt seals plaintext for the holder of pub's private key.
func Encrypt(plaintext []byte, pub *rsa.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, errors.New("hybrid: missing public key")
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("hybrid: wrap key: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, lengthSize+len(wrapped)+NonceSize+len(plaintext)+aead.Overhead())
	out = binary.LittleEndian.AppendUint32(out, uint32(len(wrapped)))
	out = append(out, wrapped...)
	out = append(out, nonce...)

	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt. Any malformed, tampered or foreign message yields
// an error wrapping ErrDecryption and no plaintext.
func Decrypt(ciphertext []byte, priv *rsa.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: missing private key", ErrDecryption)
	}
	if len(ciphertext) < lengthSize {
		return nil, fmt.Errorf("%w: message too short", ErrDecryption)
	}

	wrappedLen := int(binary.LittleEndian.Uint32(ciphertext[:lengthSize]))
	rest := ciphertext[lengthSize:]
	if wrappedLen <= 0 || wrappedLen > len(rest)-NonceSize {
		return nil, fmt.Errorf("%w: bad key length %d", ErrDecryption, wrappedLen)
	}

	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, rest[:wrappedLen], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap key: %v", ErrDecryption, err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	nonce := rest[wrappedLen : wrappedLen+NonceSize]
	sealed := rest[wrappedLen+NonceSize:]

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	return plaintext, nil
}

// EncodeHex renders a sealed message as lower-case hex.
func EncodeHex(ciphertext []byte) string {
	return hex.EncodeToString(ciphertext)
}

// DecodeHex parses the output of EncodeHex.
func DecodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return b, nil
}
