package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // mandated by the Basic128Rsa15/Basic256 wire policies
	"errors"
	"fmt"
)

// SymmetricSigner mirrors the symmetric half of Provider: HMAC signing
// and AES-CBC encryption of MSG chunk bodies using the keys the PRF in
// DeriveKeys produced. Split out of Provider so package chunk can
// depend on just the surface it drives.
type SymmetricSigner interface {
	EncryptSymmetric(policy SecurityPolicy, key, iv, plaintext []byte) ([]byte, error)
	DecryptSymmetric(policy SecurityPolicy, key, iv, ciphertext []byte) ([]byte, error)
	SignSymmetric(policy SecurityPolicy, key, data []byte) ([]byte, error)
	VerifySymmetric(policy SecurityPolicy, key, data, signature []byte) error
}

var _ SymmetricSigner = DefaultProvider{}

// EncryptSymmetric PKCS#7-pads plaintext to the policy's block size and
// encrypts it with AES-CBC, the cipher both Basic128Rsa15 and Basic256
// specify for MSG chunks.
func (DefaultProvider) EncryptSymmetric(policy SecurityPolicy, key, iv, plaintext []byte) ([]byte, error) {
	if policy == PolicyNone {
		return plaintext, nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes key: %w", err)
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// DecryptSymmetric reverses EncryptSymmetric.
func (DefaultProvider) DecryptSymmetric(policy SecurityPolicy, key, iv, ciphertext []byte) ([]byte, error) {
	if policy == PolicyNone {
		return ciphertext, nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes key: %w", err)
	}
	if len(ciphertext)%block.BlockSize() != 0 {
		return nil, errors.New("crypto: ciphertext is not a multiple of the block size")
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

// SignSymmetric computes the HMAC-SHA1 both policies use to sign MSG
// chunks with the channel's symmetric signing key.
func (DefaultProvider) SignSymmetric(policy SecurityPolicy, key, data []byte) ([]byte, error) {
	if policy == PolicyNone {
		return nil, nil
	}
	h := hmac.New(sha1.New, key)
	h.Write(data)
	return h.Sum(nil), nil
}

// VerifySymmetric reports whether signature is the correct HMAC-SHA1
// of data under key.
func (DefaultProvider) VerifySymmetric(policy SecurityPolicy, key, data, signature []byte) error {
	if policy == PolicyNone {
		return nil
	}
	want, _ := DefaultProvider{}.SignSymmetric(policy, key, data)
	if !hmac.Equal(want, signature) {
		return errors.New("crypto: symmetric signature mismatch")
	}
	return nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("crypto: empty padded data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, errors.New("crypto: invalid PKCS#7 padding")
	}
	if !bytes.Equal(data[len(data)-padLen:], bytes.Repeat([]byte{byte(padLen)}, padLen)) {
		return nil, errors.New("crypto: invalid PKCS#7 padding")
	}
	return data[:len(data)-padLen], nil
}
