package chunk

import (
	"bytes"
	"crypto/rsa"
	"encoding/binary"
	"fmt"

	"github.com/opcua-uasc/server/crypto"
	"github.com/opcua-uasc/server/message"
)

// AsymmetricSendOptions parameterizes Chunker.EncodeAsymmetric: the
// security header to stamp on the wire plus the key material needed to
// sign/encrypt, exactly the inputs the handshake state machine
// produces for an OPN response.
type AsymmetricSendOptions struct {
	SecureChannelID uint32
	RequestID       uint32
	SequenceNumber  uint32
	Header          AsymmetricSecurityHeader
	Mode            message.SecurityMode
	Policy          crypto.SecurityPolicy

	// SignWith is the server's own private key; EncryptWith is the
	// receiver's public key (nil when mode is None or Sign-only).
	SignWith    *rsa.PrivateKey
	EncryptWith *rsa.PublicKey
}

// SymmetricSendOptions parameterizes Chunker.EncodeSymmetric for a
// steady-state MSG chunk secured with the derived symmetric keys.
type SymmetricSendOptions struct {
	SecureChannelID uint32
	TokenID         uint32
	RequestID       uint32
	SequenceNumber  uint32
	Mode            message.SecurityMode
	Policy          crypto.SecurityPolicy
	Keys            crypto.SymmetricKeys
}

// Chunker is the outbound half of the chunk layer: it turns a decoded
// outbound message body into one signed/encrypted wire chunk.
// This implementation produces exactly one chunk per message; splitting
// across multiple chunks for bodies too large for a single transport
// write is out of scope for the secure-channel core (it belongs to the
// upper dispatcher's message sizing policy).
type Chunker struct {
	provider crypto.Provider
}

// NewChunker returns a Chunker backed by provider for sign/encrypt.
func NewChunker(provider crypto.Provider) *Chunker {
	return &Chunker{provider: provider}
}

// EncodeAsymmetric produces one OPN chunk carrying body.
func (c *Chunker) EncodeAsymmetric(opts AsymmetricSendOptions, body []byte) ([]byte, error) {
	var secHeaderBuf bytes.Buffer
	if err := opts.Header.encode(&secHeaderBuf); err != nil {
		return nil, err
	}
	var seqBuf bytes.Buffer
	seq := SequenceHeader{SequenceNumber: opts.SequenceNumber, RequestID: opts.RequestID}
	if err := seq.encode(&seqBuf); err != nil {
		return nil, err
	}

	payload, err := c.signAndEncryptAsymmetric(opts, secHeaderBuf.Bytes(), seqBuf.Bytes(), body)
	if err != nil {
		return nil, err
	}

	return assembleChunk(MessageTypeOPN, opts.SecureChannelID, secHeaderBuf.Bytes(), seqBuf.Bytes(), payload)
}

func (c *Chunker) signAndEncryptAsymmetric(opts AsymmetricSendOptions, secHeader, seqHeader, body []byte) ([]byte, error) {
	if opts.Mode == message.SecurityModeNone {
		return body, nil
	}

	var chanID [4]byte
	binary.LittleEndian.PutUint32(chanID[:], opts.SecureChannelID)
	sigData := concat(chanID[:], secHeader, seqHeader, body)

	signature, err := c.provider.SignAsymmetric(opts.Policy, opts.SignWith, sigData)
	if err != nil {
		return nil, fmt.Errorf("chunk: sign OPN chunk: %w", err)
	}
	plaintext := append(append([]byte{}, body...), signature...)

	if opts.Mode == message.SecurityModeSign {
		return plaintext, nil
	}

	return c.encryptAsymmetricBlocks(opts.Policy, opts.EncryptWith, plaintext)
}

// encryptAsymmetricBlocks RSA-encrypts plaintext one block of
// publicKey.Size()-paddingSize bytes at a time, the way a conforming
// client decrypts it: the signed plaintext is almost always larger
// than a single RSA block can hold once the signature itself is
// appended.
func (c *Chunker) encryptAsymmetricBlocks(policy crypto.SecurityPolicy, pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	if pub == nil {
		return nil, fmt.Errorf("chunk: encrypt OPN chunk: receiver public key required")
	}
	blockSize := pub.Size() - policy.AsymmetricBlockPaddingSize()
	if blockSize <= 0 {
		return nil, fmt.Errorf("chunk: encrypt OPN chunk: key too small for policy %s", policy)
	}

	var out []byte
	for i := 0; i < len(plaintext); i += blockSize {
		end := i + blockSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		block, err := c.provider.EncryptAsymmetric(policy, pub, plaintext[i:end])
		if err != nil {
			return nil, fmt.Errorf("chunk: encrypt OPN chunk: %w", err)
		}
		out = append(out, block...)
	}
	return out, nil
}

// EncodeSymmetric produces one MSG chunk carrying body.
func (c *Chunker) EncodeSymmetric(opts SymmetricSendOptions, body []byte) ([]byte, error) {
	symHeader := SymmetricSecurityHeader{TokenID: opts.TokenID}
	var symBuf bytes.Buffer
	if err := symHeader.encode(&symBuf); err != nil {
		return nil, err
	}
	var seqBuf bytes.Buffer
	seq := SequenceHeader{SequenceNumber: opts.SequenceNumber, RequestID: opts.RequestID}
	if err := seq.encode(&seqBuf); err != nil {
		return nil, err
	}

	payload, err := c.signAndEncryptSymmetric(opts, symBuf.Bytes(), seqBuf.Bytes(), body)
	if err != nil {
		return nil, err
	}

	return assembleChunk(MessageTypeMSG, opts.SecureChannelID, symBuf.Bytes(), seqBuf.Bytes(), payload)
}

func (c *Chunker) signAndEncryptSymmetric(opts SymmetricSendOptions, symHeader, seqHeader, body []byte) ([]byte, error) {
	if opts.Mode == message.SecurityModeNone {
		return body, nil
	}

	var chanID [4]byte
	binary.LittleEndian.PutUint32(chanID[:], opts.SecureChannelID)
	sigData := concat(chanID[:], symHeader, seqHeader, body)

	signature, err := c.provider.SignSymmetric(opts.Policy, opts.Keys.SigningKey, sigData)
	if err != nil {
		return nil, fmt.Errorf("chunk: sign MSG chunk: %w", err)
	}
	plaintext := append(append([]byte{}, body...), signature...)

	if opts.Mode == message.SecurityModeSign {
		return plaintext, nil
	}

	ciphertext, err := c.provider.EncryptSymmetric(opts.Policy, opts.Keys.EncryptingKey, opts.Keys.InitVector, plaintext)
	if err != nil {
		return nil, fmt.Errorf("chunk: encrypt MSG chunk: %w", err)
	}
	return ciphertext, nil
}

// EncodeClose produces a CLO chunk. Close requests carry the same
// symmetric security header (the tokenId) as MSG and ride the existing
// symmetric token like any other MSG, matching how a real server treats
// CLO as just another symmetrically secured chunk type.
func (c *Chunker) EncodeClose(opts SymmetricSendOptions, body []byte) ([]byte, error) {
	symHeader := SymmetricSecurityHeader{TokenID: opts.TokenID}
	var symBuf bytes.Buffer
	if err := symHeader.encode(&symBuf); err != nil {
		return nil, err
	}
	var seqBuf bytes.Buffer
	seq := SequenceHeader{SequenceNumber: opts.SequenceNumber, RequestID: opts.RequestID}
	if err := seq.encode(&seqBuf); err != nil {
		return nil, err
	}
	payload, err := c.signAndEncryptSymmetric(opts, symBuf.Bytes(), seqBuf.Bytes(), body)
	if err != nil {
		return nil, err
	}
	return assembleChunk(MessageTypeCLO, opts.SecureChannelID, symBuf.Bytes(), seqBuf.Bytes(), payload)
}

func assembleChunk(msgType MessageType, secureChannelID uint32, securityHeader, seqHeader, payload []byte) ([]byte, error) {
	var chanID [4]byte
	binary.LittleEndian.PutUint32(chanID[:], secureChannelID)

	total := headerSize + len(chanID) + len(securityHeader) + len(seqHeader) + len(payload)
	header := ChunkHeader{MessageType: msgType, ChunkType: ChunkTypeFinal, MessageSize: uint32(total)}

	var buf bytes.Buffer
	buf.Grow(total)
	if err := header.encode(&buf); err != nil {
		return nil, err
	}
	buf.Write(chanID[:])
	buf.Write(securityHeader)
	buf.Write(seqHeader)
	buf.Write(payload)
	return buf.Bytes(), nil
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
