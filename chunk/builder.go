package chunk

import (
	"bytes"
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/opcua-uasc/server/crypto"
	"github.com/opcua-uasc/server/message"
)

// DecodedAsymmetric is what Builder.DecodeAsymmetric exposes to the
// handshake state machine: the parsed headers plus the verified,
// decrypted body.
type DecodedAsymmetric struct {
	SecureChannelID uint32
	Header          AsymmetricSecurityHeader
	Sequence        SequenceHeader
	Body            []byte
}

// DecodedSymmetric is the MSG/CLO equivalent of DecodedAsymmetric.
type DecodedSymmetric struct {
	SecureChannelID uint32
	TokenID         uint32
	Sequence        SequenceHeader
	Body            []byte
}

// AsymmetricRecvOptions supplies the key material needed to verify and
// decrypt an inbound OPN chunk.
type AsymmetricRecvOptions struct {
	Mode         message.SecurityMode
	Policy       crypto.SecurityPolicy
	DecryptWith  *rsa.PrivateKey // the server's own private key
	VerifyWith   *rsa.PublicKey  // the client's public key, extracted from its certificate
	SignatureLen int
}

// SymmetricRecvOptions supplies the key material needed to verify and
// decrypt an inbound MSG/CLO chunk.
type SymmetricRecvOptions struct {
	Mode   message.SecurityMode
	Policy crypto.SecurityPolicy
	Keys   crypto.SymmetricKeys
}

// Builder is the inbound half of the chunk layer: it parses a raw
// chunk into its header fields and verified/decrypted body.
type Builder struct {
	provider crypto.Provider
}

// NewBuilder returns a Builder backed by provider for verify/decrypt.
func NewBuilder(provider crypto.Provider) *Builder {
	return &Builder{provider: provider}
}

// PeekMessageType reads only the chunk header's message type without
// consuming key material, so the channel can dispatch to the right
// Decode* method.
func PeekMessageType(raw []byte) (MessageType, error) {
	if len(raw) < 3 {
		return "", fmt.Errorf("chunk: short chunk (%d bytes)", len(raw))
	}
	return MessageType(raw[0:3]), nil
}

// PeekAsymmetricHeader parses only the chunk header and the asymmetric
// security header of an OPN chunk, without touching the encrypted
// payload. The handshake state machine calls this first: the security
// policy URI it returns is what decides which crypto parameters to use
// for the real DecodeAsymmetric call that follows.
func PeekAsymmetricHeader(raw []byte) (AsymmetricSecurityHeader, error) {
	r := bytes.NewReader(raw)
	header, err := decodeChunkHeader(r)
	if err != nil {
		return AsymmetricSecurityHeader{}, fmt.Errorf("chunk: header: %w", err)
	}
	if header.MessageType != MessageTypeOPN {
		return AsymmetricSecurityHeader{}, fmt.Errorf("chunk: expected OPN, got %q", header.MessageType)
	}
	if _, err := readLEUint32(r); err != nil {
		return AsymmetricSecurityHeader{}, fmt.Errorf("chunk: secure channel id: %w", err)
	}
	secHeader, err := decodeAsymmetricSecurityHeader(r)
	if err != nil {
		return AsymmetricSecurityHeader{}, fmt.Errorf("chunk: asymmetric security header: %w", err)
	}
	return secHeader, nil
}

// PeekSecureChannelID reads just the 4-byte secureChannelId field
// following any chunk's 8-byte header, the way a real server dispatches
// MSG/CLO traffic to the right channel before it knows the token.
func PeekSecureChannelID(raw []byte) (uint32, error) {
	if len(raw) < headerSize+4 {
		return 0, fmt.Errorf("chunk: short chunk (%d bytes)", len(raw))
	}
	return binary.LittleEndian.Uint32(raw[headerSize : headerSize+4]), nil
}

// PeekTokenID reads the plaintext symmetric security header of an MSG
// or CLO chunk, so the channel can look up the right SecurityToken (and
// its keys) before the full DecodeSymmetric call.
func PeekTokenID(raw []byte) (uint32, error) {
	if len(raw) < headerSize+8 {
		return 0, fmt.Errorf("chunk: short chunk (%d bytes)", len(raw))
	}
	return binary.LittleEndian.Uint32(raw[headerSize+4 : headerSize+8]), nil
}

// DecodeAsymmetric parses and, per opts, verifies/decrypts an OPN chunk.
func (b *Builder) DecodeAsymmetric(raw []byte, opts AsymmetricRecvOptions) (*DecodedAsymmetric, error) {
	r := bytes.NewReader(raw)
	header, err := decodeChunkHeader(r)
	if err != nil {
		return nil, fmt.Errorf("chunk: header: %w", err)
	}
	if header.MessageType != MessageTypeOPN {
		return nil, fmt.Errorf("chunk: expected OPN, got %q", header.MessageType)
	}

	secureChannelID, err := readLEUint32(r)
	if err != nil {
		return nil, fmt.Errorf("chunk: secure channel id: %w", err)
	}
	secHeader, err := decodeAsymmetricSecurityHeader(r)
	if err != nil {
		return nil, fmt.Errorf("chunk: asymmetric security header: %w", err)
	}
	seq, err := decodeSequenceHeader(r)
	if err != nil {
		return nil, fmt.Errorf("chunk: sequence header: %w", err)
	}

	rest := make([]byte, r.Len())
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("chunk: payload: %w", err)
	}

	var secHeaderBuf bytes.Buffer
	_ = secHeader.encode(&secHeaderBuf)
	var seqBuf bytes.Buffer
	_ = seq.encode(&seqBuf)

	body, err := b.verifyAndDecryptAsymmetric(opts, secureChannelID, secHeaderBuf.Bytes(), seqBuf.Bytes(), rest)
	if err != nil {
		return nil, err
	}

	return &DecodedAsymmetric{
		SecureChannelID: secureChannelID,
		Header:          secHeader,
		Sequence:        seq,
		Body:            body,
	}, nil
}

func (b *Builder) verifyAndDecryptAsymmetric(opts AsymmetricRecvOptions, secureChannelID uint32, secHeader, seqHeader, payload []byte) ([]byte, error) {
	if opts.Mode == message.SecurityModeNone {
		return payload, nil
	}

	plaintext := payload
	if opts.Mode == message.SecurityModeSignAndEncrypt {
		decrypted, err := b.decryptAsymmetricBlocks(opts.Policy, opts.DecryptWith, payload)
		if err != nil {
			return nil, err
		}
		plaintext = decrypted
	}

	sigLen := opts.SignatureLen
	if sigLen <= 0 || sigLen > len(plaintext) {
		return nil, fmt.Errorf("chunk: invalid signature length %d for %d-byte payload", sigLen, len(plaintext))
	}
	body := plaintext[:len(plaintext)-sigLen]
	signature := plaintext[len(plaintext)-sigLen:]

	var chanID [4]byte
	binary.LittleEndian.PutUint32(chanID[:], secureChannelID)
	sigData := concat(chanID[:], secHeader, seqHeader, body)

	if err := b.provider.VerifyAsymmetric(opts.Policy, opts.VerifyWith, sigData, signature); err != nil {
		return nil, fmt.Errorf("chunk: verify OPN chunk signature: %w", err)
	}
	return body, nil
}

// decryptAsymmetricBlocks reverses Chunker.encryptAsymmetricBlocks: the
// ciphertext is a concatenation of fixed-size RSA blocks, one modulus
// length each.
func (b *Builder) decryptAsymmetricBlocks(policy crypto.SecurityPolicy, priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("chunk: decrypt OPN chunk: server private key required")
	}
	blockSize := priv.Size()
	if blockSize == 0 || len(ciphertext)%blockSize != 0 {
		return nil, fmt.Errorf("chunk: decrypt OPN chunk: ciphertext length %d is not a multiple of block size %d", len(ciphertext), blockSize)
	}

	var out []byte
	for i := 0; i < len(ciphertext); i += blockSize {
		block, err := b.provider.DecryptAsymmetric(policy, priv, ciphertext[i:i+blockSize])
		if err != nil {
			return nil, fmt.Errorf("chunk: decrypt OPN chunk: %w", err)
		}
		out = append(out, block...)
	}
	return out, nil
}

// DecodeSymmetric parses and, per opts, verifies/decrypts an MSG or CLO
// chunk. msgType identifies which of the two wire tags was seen so the
// caller (package uasc) can dispatch without re-peeking.
func (b *Builder) DecodeSymmetric(raw []byte, opts SymmetricRecvOptions) (msgType MessageType, decoded *DecodedSymmetric, err error) {
	r := bytes.NewReader(raw)
	header, err := decodeChunkHeader(r)
	if err != nil {
		return "", nil, fmt.Errorf("chunk: header: %w", err)
	}
	if header.MessageType != MessageTypeMSG && header.MessageType != MessageTypeCLO {
		return "", nil, fmt.Errorf("chunk: expected MSG or CLO, got %q", header.MessageType)
	}

	secureChannelID, err := readLEUint32(r)
	if err != nil {
		return "", nil, fmt.Errorf("chunk: secure channel id: %w", err)
	}
	symHeader, err := decodeSymmetricSecurityHeader(r)
	if err != nil {
		return "", nil, fmt.Errorf("chunk: symmetric security header: %w", err)
	}
	seq, err := decodeSequenceHeader(r)
	if err != nil {
		return "", nil, fmt.Errorf("chunk: sequence header: %w", err)
	}

	rest := make([]byte, r.Len())
	if _, err := io.ReadFull(r, rest); err != nil {
		return "", nil, fmt.Errorf("chunk: payload: %w", err)
	}

	var symBuf bytes.Buffer
	_ = symHeader.encode(&symBuf)
	var seqBuf bytes.Buffer
	_ = seq.encode(&seqBuf)

	body, err := b.verifyAndDecryptSymmetric(opts, secureChannelID, symBuf.Bytes(), seqBuf.Bytes(), rest)
	if err != nil {
		return "", nil, err
	}

	return header.MessageType, &DecodedSymmetric{
		SecureChannelID: secureChannelID,
		TokenID:         symHeader.TokenID,
		Sequence:        seq,
		Body:            body,
	}, nil
}

func (b *Builder) verifyAndDecryptSymmetric(opts SymmetricRecvOptions, secureChannelID uint32, symHeader, seqHeader, payload []byte) ([]byte, error) {
	if opts.Mode == message.SecurityModeNone {
		return payload, nil
	}

	plaintext := payload
	if opts.Mode == message.SecurityModeSignAndEncrypt {
		decrypted, err := b.provider.DecryptSymmetric(opts.Policy, opts.Keys.EncryptingKey, opts.Keys.InitVector, payload)
		if err != nil {
			return nil, fmt.Errorf("chunk: decrypt MSG chunk: %w", err)
		}
		plaintext = decrypted
	}

	sigLen := opts.Policy.SymmetricSignatureLength()
	if sigLen <= 0 || sigLen > len(plaintext) {
		return nil, fmt.Errorf("chunk: invalid signature length %d for %d-byte payload", sigLen, len(plaintext))
	}
	body := plaintext[:len(plaintext)-sigLen]
	signature := plaintext[len(plaintext)-sigLen:]

	var chanID [4]byte
	binary.LittleEndian.PutUint32(chanID[:], secureChannelID)
	sigData := concat(chanID[:], symHeader, seqHeader, body)

	if err := b.provider.VerifySymmetric(opts.Policy, opts.Keys.SigningKey, sigData, signature); err != nil {
		return nil, fmt.Errorf("chunk: verify MSG chunk signature: %w", err)
	}
	return body, nil
}

func readLEUint32(r *bytes.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
