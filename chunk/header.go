// Package chunk implements the message builder and chunker layer: the
// UACP chunk header, the asymmetric and symmetric security headers,
// and the sequence header that together frame every OPC-UA
// secure-channel message. It applies the inbound decrypt/verify and
// outbound sign/encrypt steps the handshake and channel-session logic
// in package uasc drive.
package chunk

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageType is the three-letter wire tag identifying a chunk's role.
type MessageType string

const (
	MessageTypeOPN MessageType = "OPN"
	MessageTypeMSG MessageType = "MSG"
	MessageTypeCLO MessageType = "CLO"
)

// ChunkType marks whether a chunk is the final one in a message, a
// continuation, or an abort notice. This implementation only ever
// produces 'F' chunks (one chunk per message); 'C' and 'A' are defined
// for protocol completeness, but the inbound decoders do not look at the
// chunk type, so every chunk is decoded as a complete message.
type ChunkType byte

const (
	ChunkTypeFinal        ChunkType = 'F'
	ChunkTypeIntermediate ChunkType = 'C'
	ChunkTypeAbort        ChunkType = 'A'
)

// headerSize is the fixed 8-byte UACP chunk header: 3 bytes message
// type, 1 byte chunk type, 4 bytes little-endian total chunk size
// (header included).
const headerSize = 8

// ChunkHeader is the common leading header of every chunk.
type ChunkHeader struct {
	MessageType MessageType
	ChunkType   ChunkType
	MessageSize uint32
}

func (h ChunkHeader) encode(w io.Writer) error {
	if len(h.MessageType) != 3 {
		return fmt.Errorf("chunk: message type %q must be 3 bytes", h.MessageType)
	}
	var buf [headerSize]byte
	copy(buf[0:3], h.MessageType)
	buf[3] = byte(h.ChunkType)
	binary.LittleEndian.PutUint32(buf[4:8], h.MessageSize)
	_, err := w.Write(buf[:])
	return err
}

func decodeChunkHeader(r io.Reader) (ChunkHeader, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return ChunkHeader{}, err
	}
	return ChunkHeader{
		MessageType: MessageType(buf[0:3]),
		ChunkType:   ChunkType(buf[3]),
		MessageSize: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// SequenceHeader correlates a chunk to its secure channel sequence
// number and, for the first chunk of a message, the requestId the
// upper layer uses to pair a response with its request.
type SequenceHeader struct {
	SequenceNumber uint32
	RequestID      uint32
}

func (h SequenceHeader) encode(w io.Writer) error {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.SequenceNumber)
	binary.LittleEndian.PutUint32(buf[4:8], h.RequestID)
	_, err := w.Write(buf[:])
	return err
}

func decodeSequenceHeader(r io.Reader) (SequenceHeader, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return SequenceHeader{}, err
	}
	return SequenceHeader{
		SequenceNumber: binary.LittleEndian.Uint32(buf[0:4]),
		RequestID:      binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// AsymmetricSecurityHeader carries the handshake's RSA-era identity
// fields: the negotiated policy URI, the sender's
// certificate (or nil before mode None strips it), and the thumbprint
// of the certificate the sender expects the receiver to hold.
type AsymmetricSecurityHeader struct {
	SecurityPolicyURI             string
	SenderCertificate             []byte
	ReceiverCertificateThumbprint []byte
}

func writeByteString(w io.Writer, b []byte) error {
	if b == nil {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], 0xFFFFFFFF)
		_, err := w.Write(buf[:])
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(len(b)))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readByteString(r io.Reader) ([]byte, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(buf[:])
	if n == 0xFFFFFFFF {
		return nil, nil
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h AsymmetricSecurityHeader) encode(w io.Writer) error {
	if err := writeByteString(w, []byte(h.SecurityPolicyURI)); err != nil {
		return err
	}
	if err := writeByteString(w, h.SenderCertificate); err != nil {
		return err
	}
	return writeByteString(w, h.ReceiverCertificateThumbprint)
}

func decodeAsymmetricSecurityHeader(r io.Reader) (AsymmetricSecurityHeader, error) {
	var h AsymmetricSecurityHeader
	uri, err := readByteString(r)
	if err != nil {
		return h, err
	}
	h.SecurityPolicyURI = string(uri)
	if h.SenderCertificate, err = readByteString(r); err != nil {
		return h, err
	}
	if h.ReceiverCertificateThumbprint, err = readByteString(r); err != nil {
		return h, err
	}
	return h, nil
}

// SymmetricSecurityHeader is the steady-state MSG header: just the
// tokenId identifying which SecurityToken secures this chunk.
type SymmetricSecurityHeader struct {
	TokenID uint32
}

func (h SymmetricSecurityHeader) encode(w io.Writer) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], h.TokenID)
	_, err := w.Write(buf[:])
	return err
}

func decodeSymmetricSecurityHeader(r io.Reader) (SymmetricSecurityHeader, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return SymmetricSecurityHeader{}, err
	}
	return SymmetricSecurityHeader{TokenID: binary.LittleEndian.Uint32(buf[:])}, nil
}
