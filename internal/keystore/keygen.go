package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
)

// Field sets for the two sides of the keystore. A record must carry exactly
// these fields; exp is stamped by the keystore at rotation time.
var (
	SecretFields = []string{"kty", "alg", "exp", "n", "e", "d", "p", "q", "dp", "dq", "qi"}
	PublicFields = []string{"kty", "alg", "exp", "n", "e"}
)

// KeyGenerator produces paired secret/public key records in JWK shape,
// without the exp field.
type KeyGenerator interface {
	Generate(bits int) (secret Record, public Record, err error)
	Alg() string
}

// RSAGenerator generates RSA key pairs for one of the RS256/RS384/RS512
// signature algorithms.
type RSAGenerator struct {
	alg string
}

// NewRSAGenerator returns a generator for the given JWA algorithm name.
func NewRSAGenerator(alg string) (*RSAGenerator, error) {
	switch alg {
	case "RS256", "RS384", "RS512":
		return &RSAGenerator{alg: alg}, nil
	}
	return nil, fmt.Errorf("unsupported signature algorithm: %s", alg)
}

// Alg returns the JWA algorithm name the generator stamps into records.
func (g *RSAGenerator) Alg() string { return g.alg }

// Generate creates one RSA key pair and returns its two JWK-shaped sides.
func (g *RSAGenerator) Generate(bits int) (Record, Record, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate rsa key: %w", err)
	}
	key.Precompute()

	pub := Record{
		"kty": "RSA",
		"alg": g.alg,
		"n":   b64uInt(key.N),
		"e":   b64uInt(big.NewInt(int64(key.E))),
	}
	sec := Record{
		"kty": "RSA",
		"alg": g.alg,
		"n":   b64uInt(key.N),
		"e":   b64uInt(big.NewInt(int64(key.E))),
		"d":   b64uInt(key.D),
		"p":   b64uInt(key.Primes[0]),
		"q":   b64uInt(key.Primes[1]),
		"dp":  b64uInt(key.Precomputed.Dp),
		"dq":  b64uInt(key.Precomputed.Dq),
		"qi":  b64uInt(key.Precomputed.Qinv),
	}
	return sec, pub, nil
}

// RSAPrivateKey reconstructs the signing key from a secret-side record.
func (r Record) RSAPrivateKey() (*rsa.PrivateKey, error) {
	n, err := b64uBig(r["n"])
	if err != nil {
		return nil, fmt.Errorf("jwk field n: %w", err)
	}
	e, err := b64uBig(r["e"])
	if err != nil {
		return nil, fmt.Errorf("jwk field e: %w", err)
	}
	d, err := b64uBig(r["d"])
	if err != nil {
		return nil, fmt.Errorf("jwk field d: %w", err)
	}
	p, err := b64uBig(r["p"])
	if err != nil {
		return nil, fmt.Errorf("jwk field p: %w", err)
	}
	q, err := b64uBig(r["q"])
	if err != nil {
		return nil, fmt.Errorf("jwk field q: %w", err)
	}
	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	key.Precompute()
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rsa key material: %w", err)
	}
	return key, nil
}

// RSAPublicKey reconstructs the verification key from a public-side record.
func (r Record) RSAPublicKey() (*rsa.PublicKey, error) {
	n, err := b64uBig(r["n"])
	if err != nil {
		return nil, fmt.Errorf("jwk field n: %w", err)
	}
	e, err := b64uBig(r["e"])
	if err != nil {
		return nil, fmt.Errorf("jwk field e: %w", err)
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func b64uInt(i *big.Int) string {
	return base64.RawURLEncoding.EncodeToString(i.Bytes())
}

func b64uBig(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing value")
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}
