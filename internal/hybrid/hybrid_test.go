package hybrid

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func key(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		testKey, err = GenerateKey(2048)
		require.NoError(t, err)
	})
	return testKey
}

func TestEncryptDecrypt(t *testing.T) {
	priv := key(t)

	for _, plaintext := range [][]byte{
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0xab}, 64*1024),
	} {
		sealed, err := Encrypt(plaintext, &priv.PublicKey)
		require.NoError(t, err)

		opened, err := Decrypt(sealed, priv)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(plaintext, opened), "payload mismatch for %d bytes", len(plaintext))
	}
}

func TestLayout(t *testing.T) {
	priv := key(t)
	plaintext := []byte("layout")

	sealed, err := Encrypt(plaintext, &priv.PublicKey)
	require.NoError(t, err)

	wrapped := priv.PublicKey.Size()
	assert.Equal(t, []byte{byte(wrapped), byte(wrapped >> 8), 0, 0}, sealed[:4])
	assert.Len(t, sealed, 4+wrapped+NonceSize+len(plaintext)+16)
}

func TestFreshKeyAndNonce(t *testing.T) {
	priv := key(t)

	a, err := Encrypt([]byte("same"), &priv.PublicKey)
	require.NoError(t, err)
	b, err := Encrypt([]byte("same"), &priv.PublicKey)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestTamperFails(t *testing.T) {
	priv := key(t)

	sealed, err := Encrypt([]byte("do not touch"), &priv.PublicKey)
	require.NoError(t, err)

	for i := range sealed {
		corrupted := bytes.Clone(sealed)
		corrupted[i] ^= 0x01

		opened, err := Decrypt(corrupted, priv)
		require.Error(t, err, "byte %d", i)
		assert.True(t, errors.Is(err, ErrDecryption))
		assert.Nil(t, opened)
	}
}

func TestTruncatedFails(t *testing.T) {
	priv := key(t)

	sealed, err := Encrypt([]byte("short"), &priv.PublicKey)
	require.NoError(t, err)

	for _, n := range []int{0, 3, 4, 100, len(sealed) - 1} {
		_, err := Decrypt(sealed[:n], priv)
		assert.ErrorIs(t, err, ErrDecryption, "length %d", n)
	}
}

func TestWrongKeyFails(t *testing.T) {
	other, err := GenerateKey(1024)
	require.NoError(t, err)

	sealed, err := Encrypt([]byte("secret"), &other.PublicKey)
	require.NoError(t, err)

	_, err = Decrypt(sealed, key(t))
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestHexRoundTrip(t *testing.T) {
	priv := key(t)

	sealed, err := Encrypt([]byte("hex"), &priv.PublicKey)
	require.NoError(t, err)

	decoded, err := DecodeHex(EncodeHex(sealed))
	require.NoError(t, err)
	assert.Equal(t, sealed, decoded)

	_, err = DecodeHex("zz")
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestJWK(t *testing.T) {
	priv := key(t)

	raw, err := json.Marshal(MarshalJWK(&priv.PublicKey))
	require.NoError(t, err)

	var k JWK
	require.NoError(t, json.Unmarshal(raw, &k))
	assert.Equal(t, "RSA", k.Kty)
	assert.Equal(t, "AQAB", k.E)

	pub, err := ParseJWK(k)
	require.NoError(t, err)
	assert.True(t, priv.PublicKey.Equal(pub))

	sealed, err := Encrypt([]byte("via jwk"), pub)
	require.NoError(t, err)
	opened, err := Decrypt(sealed, priv)
	require.NoError(t, err)
	assert.Equal(t, "via jwk", string(opened))

	_, err = ParseJWK(JWK{Kty: "EC"})
	assert.Error(t, err)
}
