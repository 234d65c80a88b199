// Package crypto implements the crypto provider the secure channel
// core (package uasc) depends on but does not own: RSA asymmetric
// sign/encrypt, the OPC-UA symmetric key derivation PRF, key/block
// size accounting, certificate thumbprints, and explicit zeroization
// of key material.
package crypto

import "fmt"

// SecurityPolicy identifies one of the symmetric/asymmetric cipher
// suites a secure channel may negotiate during OPN.
type SecurityPolicy int

const (
	// PolicyInvalid is the zero value; no channel should remain at this
	// policy past the first OPN.
	PolicyInvalid SecurityPolicy = iota
	PolicyNone
	PolicyBasic128Rsa15
	PolicyBasic256
)

const uriPrefix = "http://opcfoundation.org/UA/SecurityPolicy#"

const (
	URINone          = uriPrefix + "None"
	URIBasic128Rsa15 = uriPrefix + "Basic128Rsa15"
	URIBasic256      = uriPrefix + "Basic256"
)

// PolicyFromURI maps a security policy URI to its enum value. It
// returns ok=false for any URI outside the three policies this server
// recognises, including well-formed but unsupported ones such as
// Basic256Sha256 or Aes256_Sha256_RsaPss.
func PolicyFromURI(uri string) (policy SecurityPolicy, ok bool) {
	switch uri {
	case URINone:
		return PolicyNone, true
	case URIBasic128Rsa15:
		return PolicyBasic128Rsa15, true
	case URIBasic256:
		return PolicyBasic256, true
	default:
		return PolicyInvalid, false
	}
}

// URI returns the canonical security policy URI for p.
func (p SecurityPolicy) URI() string {
	switch p {
	case PolicyNone:
		return URINone
	case PolicyBasic128Rsa15:
		return URIBasic128Rsa15
	case PolicyBasic256:
		return URIBasic256
	default:
		return ""
	}
}

func (p SecurityPolicy) String() string {
	switch p {
	case PolicyNone:
		return "None"
	case PolicyBasic128Rsa15:
		return "Basic128Rsa15"
	case PolicyBasic256:
		return "Basic256"
	default:
		return fmt.Sprintf("Invalid(%d)", int(p))
	}
}

// SymmetricKeyLength returns the length in bytes of the symmetric
// signing key, encryption key and nonce for p. PolicyNone has no
// symmetric material.
func (p SecurityPolicy) SymmetricKeyLength() int {
	switch p {
	case PolicyBasic128Rsa15:
		return 16
	case PolicyBasic256:
		return 32
	default:
		return 0
	}
}

// SymmetricBlockSize returns the cipher block size in bytes used for
// padding and IV sizing.
func (p SecurityPolicy) SymmetricBlockSize() int {
	switch p {
	case PolicyBasic128Rsa15, PolicyBasic256:
		return 16
	default:
		return 0
	}
}

// SymmetricSignatureLength returns the length in bytes of the HMAC
// signature appended to each symmetric chunk.
func (p SecurityPolicy) SymmetricSignatureLength() int {
	switch p {
	case PolicyBasic128Rsa15, PolicyBasic256:
		return 20 // HMAC-SHA1
	default:
		return 0
	}
}

// AsymmetricBlockPaddingSize returns the number of bytes the
// asymmetric cipher reserves for padding, used to compute the usable
// plaintext block size from a receiver's RSA modulus length.
func (p SecurityPolicy) AsymmetricBlockPaddingSize() int {
	switch p {
	case PolicyBasic128Rsa15:
		return 11 // PKCS#1 v1.5
	case PolicyBasic256:
		return 42 // OAEP-SHA1
	default:
		return 0
	}
}
