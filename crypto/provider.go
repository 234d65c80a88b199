package crypto

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // mandated by the Basic128Rsa15/Basic256 wire policies
	"crypto/x509"
	"errors"
	"fmt"
	"hash"
)

// SymmetricKeys is the (signing, encrypting, initialization vector)
// bundle the PRF derives from a nonce pair for one direction of
// traffic.
type SymmetricKeys struct {
	SigningKey    []byte
	EncryptingKey []byte
	InitVector    []byte
}

// Zero overwrites every slice in the bundle. Called on channel abort.
func (k *SymmetricKeys) Zero() {
	if k == nil {
		return
	}
	ZeroBytes(k.SigningKey)
	ZeroBytes(k.EncryptingKey)
	ZeroBytes(k.InitVector)
}

// Provider is the crypto surface the channel drives: RSA
// sign/encrypt, symmetric key derivation, key/block size accounting,
// and certificate thumbprints. package uasc depends on this
// interface; the derivation algorithm itself is this package's
// concern, not uasc's.
type Provider interface {
	// SymmetricSigner adds the MSG-chunk sign/encrypt surface package
	// chunk drives alongside the asymmetric OPN-chunk surface below.
	SymmetricSigner

	// DeriveKeys derives the server-to-client and client-to-server
	// symmetric key bundles from the two nonces exchanged during OPN.
	DeriveKeys(policy SecurityPolicy, serverNonce, clientNonce []byte) (serverKeys, clientKeys SymmetricKeys, err error)

	// SignAsymmetric signs data with priv using the signature scheme
	// p's policy specifies.
	SignAsymmetric(policy SecurityPolicy, priv *rsa.PrivateKey, data []byte) ([]byte, error)

	// VerifyAsymmetric verifies a signature produced by SignAsymmetric.
	VerifyAsymmetric(policy SecurityPolicy, pub *rsa.PublicKey, data, signature []byte) error

	// EncryptAsymmetric encrypts data for pub using the scheme p's
	// policy specifies.
	EncryptAsymmetric(policy SecurityPolicy, pub *rsa.PublicKey, data []byte) ([]byte, error)

	// DecryptAsymmetric reverses EncryptAsymmetric.
	DecryptAsymmetric(policy SecurityPolicy, priv *rsa.PrivateKey, data []byte) ([]byte, error)

	// Thumbprint returns the SHA-1 digest of cert's DER encoding.
	Thumbprint(cert *x509.Certificate) [20]byte

	// RandomNonce returns length cryptographically random bytes, used
	// for the server nonce during OPN.
	RandomNonce(length int) ([]byte, error)
}

// DefaultProvider is the stock RSA/PRF-SHA1 implementation used by a
// production server: a small stateless struct implementing the crypto
// surface directly against the standard library.
type DefaultProvider struct{}

var _ Provider = DefaultProvider{}

// DeriveKeys implements the OPC-UA Part 6 P_SHA1 pseudo-random
// function: each of the signing key, encrypting key, and IV for a
// direction is the next slice of PRF(secret, seed) where secret and
// seed are swapped between the two directions.
func (DefaultProvider) DeriveKeys(policy SecurityPolicy, serverNonce, clientNonce []byte) (serverKeys, clientKeys SymmetricKeys, err error) {
	if policy == PolicyNone {
		return SymmetricKeys{}, SymmetricKeys{}, nil
	}
	if len(serverNonce) != len(clientNonce) {
		return SymmetricKeys{}, SymmetricKeys{}, errors.New("crypto: nonce length mismatch")
	}

	signLen := policy.SymmetricKeyLength()
	encLen := policy.SymmetricKeyLength()
	ivLen := policy.SymmetricBlockSize()
	total := signLen + encLen + ivLen

	// Keys used to secure traffic FROM the server TO the client are
	// derived with the client's nonce as secret and the server's nonce
	// as seed; the reverse direction swaps them.
	clientDirection := p_sha1(clientNonce, serverNonce, total)
	serverDirection := p_sha1(serverNonce, clientNonce, total)

	serverKeys = SymmetricKeys{
		SigningKey:    clientDirection[:signLen],
		EncryptingKey: clientDirection[signLen : signLen+encLen],
		InitVector:    clientDirection[signLen+encLen : total],
	}
	clientKeys = SymmetricKeys{
		SigningKey:    serverDirection[:signLen],
		EncryptingKey: serverDirection[signLen : signLen+encLen],
		InitVector:    serverDirection[signLen+encLen : total],
	}
	return serverKeys, clientKeys, nil
}

// p_sha1 implements the P_SHA1(secret, seed) pseudo-random function
// from RFC 2246 section 5, truncated/extended to length bytes, the
// PRF OPC-UA Part 6 mandates for Basic128Rsa15 and Basic256 key
// derivation.
func p_sha1(secret, seed []byte, length int) []byte {
	return hmacPRF(sha1.New, secret, seed, length)
}

func hmacPRF(newHash func() hash.Hash, secret, seed []byte, length int) []byte {
	out := make([]byte, 0, length)
	a := hmacSum(newHash, secret, seed)
	for len(out) < length {
		out = append(out, hmacSum(newHash, secret, append(append([]byte{}, a...), seed...))...)
		a = hmacSum(newHash, secret, a)
	}
	return out[:length]
}

func hmacSum(newHash func() hash.Hash, key, data []byte) []byte {
	h := hmac.New(newHash, key)
	h.Write(data)
	return h.Sum(nil)
}

func (DefaultProvider) SignAsymmetric(policy SecurityPolicy, priv *rsa.PrivateKey, data []byte) ([]byte, error) {
	if priv == nil {
		return nil, errors.New("crypto: nil private key")
	}
	switch policy {
	case PolicyBasic128Rsa15, PolicyBasic256:
		digest := sha1.Sum(data)
		return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA1, digest[:])
	case PolicyNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("crypto: unsupported policy %s", policy)
	}
}

func (DefaultProvider) VerifyAsymmetric(policy SecurityPolicy, pub *rsa.PublicKey, data, signature []byte) error {
	switch policy {
	case PolicyBasic128Rsa15, PolicyBasic256:
		if pub == nil {
			return errors.New("crypto: nil public key")
		}
		digest := sha1.Sum(data)
		return rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], signature)
	case PolicyNone:
		return nil
	default:
		return fmt.Errorf("crypto: unsupported policy %s", policy)
	}
}

func (DefaultProvider) EncryptAsymmetric(policy SecurityPolicy, pub *rsa.PublicKey, data []byte) ([]byte, error) {
	switch policy {
	case PolicyBasic128Rsa15:
		return rsa.EncryptPKCS1v15(rand.Reader, pub, data)
	case PolicyBasic256:
		return rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, data, nil)
	case PolicyNone:
		return data, nil
	default:
		return nil, fmt.Errorf("crypto: unsupported policy %s", policy)
	}
}

func (DefaultProvider) DecryptAsymmetric(policy SecurityPolicy, priv *rsa.PrivateKey, data []byte) ([]byte, error) {
	switch policy {
	case PolicyBasic128Rsa15:
		return rsa.DecryptPKCS1v15(rand.Reader, priv, data)
	case PolicyBasic256:
		return rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, data, nil)
	case PolicyNone:
		return data, nil
	default:
		return nil, fmt.Errorf("crypto: unsupported policy %s", policy)
	}
}

// Thumbprint returns the SHA-1 digest of cert's raw DER bytes, the
// identifier clients echo back as receiverCertificateThumbprint.
func (DefaultProvider) Thumbprint(cert *x509.Certificate) [20]byte {
	if cert == nil {
		return [20]byte{}
	}
	return sha1.Sum(cert.Raw)
}

func (DefaultProvider) RandomNonce(length int) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("crypto: random nonce: %w", err)
	}
	return buf, nil
}
