package hybrid

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
)

// JWK is the JSON Web Key form of an RSA-OAEP public key, as exchanged in
// _publicKey messages.
type JWK struct {
	Kty    string   `json:"kty"`
	Alg    string   `json:"alg,omitempty"`
	N      string   `json:"n"`
	E      string   `json:"e"`
	Ext    bool     `json:"ext,omitempty"`
	KeyOps []string `json:"key_ops,omitempty"`
}

// MarshalJWK exports pub as a JWK.
func MarshalJWK(pub *rsa.PublicKey) JWK {
	return JWK{
		Kty:    "RSA",
		Alg:    "RSA-OAEP-256",
		N:      base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:      base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		Ext:    true,
		KeyOps: []string{"encrypt"},
	}
}

// ParseJWK imports an RSA public key.
func ParseJWK(k JWK) (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("hybrid: unsupported key type %q", k.Kty)
	}

	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("hybrid: modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("hybrid: exponent: %w", err)
	}
	if len(n) == 0 || len(e) == 0 || len(e) > 4 {
		return nil, errors.New("hybrid: malformed RSA key")
	}

	exp := new(big.Int).SetBytes(e)

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(exp.Int64()),
	}, nil
}
