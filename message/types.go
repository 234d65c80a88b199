// Package message defines the typed OPC-UA service messages the secure
// channel core exchanges during the handshake, plus the minimal binary
// codec for them. A full object factory decoding every service type
// from its binary schema lives above this layer; this package covers
// only what the secure channel itself reads and writes.
//
// Encoding follows OPC-UA Part 6 binary rules where they matter for
// round-tripping: little-endian integers, length-prefixed byte strings
// with -1 (0xFFFFFFFF) meaning "null".
package message

import (
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/opcua-uasc/server/uastatus"
)

// SecurityMode mirrors the OPC-UA MessageSecurityMode enum.
type SecurityMode int

const (
	SecurityModeInvalid SecurityMode = iota
	SecurityModeNone
	SecurityModeSign
	SecurityModeSignAndEncrypt
)

func (m SecurityMode) String() string {
	switch m {
	case SecurityModeNone:
		return "None"
	case SecurityModeSign:
		return "Sign"
	case SecurityModeSignAndEncrypt:
		return "SignAndEncrypt"
	default:
		return "Invalid"
	}
}

// RequestType distinguishes a fresh channel from a renewal. The
// handshake state machine treats the two identically at the
// token-allocation level; the distinction is informational.
type RequestType int

const (
	RequestTypeIssue RequestType = iota
	RequestTypeRenew
)

func (t RequestType) String() string {
	if t == RequestTypeRenew {
		return "Renew"
	}
	return "Issue"
}

// RequestHeader is the standard header every service request carries.
type RequestHeader struct {
	RequestHandle       uint32
	Timestamp           time.Time
	TimeoutHint         uint32
	AuthenticationToken []byte
}

// ResponseHeader is the standard header every service response carries.
// ServiceResult is the field the handshake state machine sets to a
// non-Good status code when a fault occurs.
type ResponseHeader struct {
	Timestamp     time.Time
	RequestHandle uint32
	ServiceResult uastatus.Code
}

// OpenSecureChannelRequest is decoded from an OPN chunk body.
type OpenSecureChannelRequest struct {
	RequestHeader         RequestHeader
	ClientProtocolVersion uint32
	RequestType           RequestType
	SecurityMode          SecurityMode
	ClientNonce           []byte
	RequestedLifetime     uint32 // milliseconds
}

// ChannelSecurityToken is the wire form of token.SecurityToken.
type ChannelSecurityToken struct {
	ChannelID       uint32
	TokenID         uint32
	CreatedAt       time.Time
	RevisedLifetime uint32 // milliseconds
}

// OpenSecureChannelResponse is the OPN reply.
type OpenSecureChannelResponse struct {
	ResponseHeader        ResponseHeader
	ServerProtocolVersion uint32
	SecurityToken         ChannelSecurityToken
	ServerNonce           []byte
}

// CloseSecureChannelRequest is decoded from a CLO chunk body.
type CloseSecureChannelRequest struct {
	RequestHeader RequestHeader
}

// ServiceFault is sent in place of a normal response when processing
// fails with a protocol-level error.
type ServiceFault struct {
	ResponseHeader ResponseHeader
}

// --- minimal binary codec ---
//
// Only the fields this server reads or writes are encoded; this is not
// a general OPC-UA binary codec, just enough wire fidelity for the
// secure channel handshake to round-trip with a conforming peer.

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeByteString(w io.Writer, b []byte) error {
	if b == nil {
		return writeUint32(w, 0xFFFFFFFF)
	}
	if err := writeUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readByteString(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0xFFFFFFFF {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeInt64(w io.Writer, v int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

func readInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

// opcuaEpoch is January 1, 1601 UTC, the origin OPC-UA DateTime values
// count 100ns ticks from.
var opcuaEpoch = time.Date(1601, 1, 1, 0, 0, 0, 0, time.UTC)

func writeTime(w io.Writer, t time.Time) error {
	if t.IsZero() {
		return writeInt64(w, 0)
	}
	// The span since 1601 does not fit in a time.Duration, so ticks are
	// built from Unix seconds rather than from t.Sub(opcuaEpoch).
	t = t.UTC()
	ticks := (t.Unix()-opcuaEpoch.Unix())*10_000_000 + int64(t.Nanosecond())/100
	return writeInt64(w, ticks)
}

func readTime(r io.Reader) (time.Time, error) {
	ticks, err := readInt64(r)
	if err != nil {
		return time.Time{}, err
	}
	if ticks == 0 {
		return time.Time{}, nil
	}
	secs := ticks / 10_000_000
	nanos := (ticks % 10_000_000) * 100
	return time.Unix(opcuaEpoch.Unix()+secs, nanos).UTC(), nil
}

func (h RequestHeader) encode(w io.Writer) error {
	if err := writeByteString(w, h.AuthenticationToken); err != nil {
		return err
	}
	if err := writeTime(w, h.Timestamp); err != nil {
		return err
	}
	if err := writeUint32(w, h.RequestHandle); err != nil {
		return err
	}
	return writeUint32(w, h.TimeoutHint)
}

func decodeRequestHeader(r io.Reader) (RequestHeader, error) {
	var h RequestHeader
	var err error
	if h.AuthenticationToken, err = readByteString(r); err != nil {
		return h, err
	}
	if h.Timestamp, err = readTime(r); err != nil {
		return h, err
	}
	if h.RequestHandle, err = readUint32(r); err != nil {
		return h, err
	}
	if h.TimeoutHint, err = readUint32(r); err != nil {
		return h, err
	}
	return h, nil
}

// DecodeRequestHeader reads a standalone RequestHeader from r. The
// channel session uses it to peel the standard header off a decrypted
// MSG body before handing the service-specific remainder upward.
func DecodeRequestHeader(r io.Reader) (RequestHeader, error) {
	return decodeRequestHeader(r)
}

// Encode writes h's binary form to w, for callers assembling a raw MSG
// body around an opaque service payload.
func (h RequestHeader) Encode(w io.Writer) error {
	return h.encode(w)
}

// DecodeResponseHeader reads a standalone ResponseHeader from r, the
// inverse of ResponseHeader.Encode.
func DecodeResponseHeader(r io.Reader) (ResponseHeader, error) {
	return decodeResponseHeader(r)
}

// Encode writes h's binary form to w. Exported so the channel session
// can prefix an opaque response body with the standard header.
func (h ResponseHeader) Encode(w io.Writer) error {
	return h.encode(w)
}

func (h ResponseHeader) encode(w io.Writer) error {
	if err := writeTime(w, h.Timestamp); err != nil {
		return err
	}
	if err := writeUint32(w, h.RequestHandle); err != nil {
		return err
	}
	return writeUint32(w, uint32(h.ServiceResult))
}

func decodeResponseHeader(r io.Reader) (ResponseHeader, error) {
	var h ResponseHeader
	var err error
	if h.Timestamp, err = readTime(r); err != nil {
		return h, err
	}
	if h.RequestHandle, err = readUint32(r); err != nil {
		return h, err
	}
	code, err := readUint32(r)
	if err != nil {
		return h, err
	}
	h.ServiceResult = uastatus.Code(code)
	return h, nil
}

// Encode writes r's binary form to w.
func (r OpenSecureChannelRequest) Encode(w io.Writer) error {
	if err := r.RequestHeader.encode(w); err != nil {
		return err
	}
	if err := writeUint32(w, r.ClientProtocolVersion); err != nil {
		return err
	}
	reqType := uint32(0)
	if r.RequestType == RequestTypeRenew {
		reqType = 1
	}
	if err := writeUint32(w, reqType); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(r.SecurityMode)); err != nil {
		return err
	}
	if err := writeByteString(w, r.ClientNonce); err != nil {
		return err
	}
	return writeUint32(w, r.RequestedLifetime)
}

// DecodeOpenSecureChannelRequest reads an OpenSecureChannelRequest from r.
func DecodeOpenSecureChannelRequest(r io.Reader) (*OpenSecureChannelRequest, error) {
	req := &OpenSecureChannelRequest{}
	var err error
	if req.RequestHeader, err = decodeRequestHeader(r); err != nil {
		return nil, err
	}
	if req.ClientProtocolVersion, err = readUint32(r); err != nil {
		return nil, err
	}
	reqType, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if reqType == 1 {
		req.RequestType = RequestTypeRenew
	} else {
		req.RequestType = RequestTypeIssue
	}
	mode, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	req.SecurityMode = SecurityMode(mode)
	if req.ClientNonce, err = readByteString(r); err != nil {
		return nil, err
	}
	if req.RequestedLifetime, err = readUint32(r); err != nil {
		return nil, err
	}
	return req, nil
}

func (t ChannelSecurityToken) encode(w io.Writer) error {
	if err := writeUint32(w, t.ChannelID); err != nil {
		return err
	}
	if err := writeUint32(w, t.TokenID); err != nil {
		return err
	}
	if err := writeTime(w, t.CreatedAt); err != nil {
		return err
	}
	return writeUint32(w, t.RevisedLifetime)
}

func decodeChannelSecurityToken(r io.Reader) (ChannelSecurityToken, error) {
	var t ChannelSecurityToken
	var err error
	if t.ChannelID, err = readUint32(r); err != nil {
		return t, err
	}
	if t.TokenID, err = readUint32(r); err != nil {
		return t, err
	}
	if t.CreatedAt, err = readTime(r); err != nil {
		return t, err
	}
	if t.RevisedLifetime, err = readUint32(r); err != nil {
		return t, err
	}
	return t, nil
}

// Encode writes r's binary form to w.
func (r OpenSecureChannelResponse) Encode(w io.Writer) error {
	if err := r.ResponseHeader.encode(w); err != nil {
		return err
	}
	if err := writeUint32(w, r.ServerProtocolVersion); err != nil {
		return err
	}
	if err := r.SecurityToken.encode(w); err != nil {
		return err
	}
	return writeByteString(w, r.ServerNonce)
}

// DecodeOpenSecureChannelResponse reads an OpenSecureChannelResponse
// from r; clients and tests use it to check the encode/decode pair
// round-trips.
func DecodeOpenSecureChannelResponse(r io.Reader) (*OpenSecureChannelResponse, error) {
	resp := &OpenSecureChannelResponse{}
	var err error
	if resp.ResponseHeader, err = decodeResponseHeader(r); err != nil {
		return nil, err
	}
	if resp.ServerProtocolVersion, err = readUint32(r); err != nil {
		return nil, err
	}
	if resp.SecurityToken, err = decodeChannelSecurityToken(r); err != nil {
		return nil, err
	}
	if resp.ServerNonce, err = readByteString(r); err != nil {
		return nil, err
	}
	return resp, nil
}

// Encode writes r's binary form to w.
func (r CloseSecureChannelRequest) Encode(w io.Writer) error {
	return r.RequestHeader.encode(w)
}

// DecodeCloseSecureChannelRequest reads a CloseSecureChannelRequest from r.
func DecodeCloseSecureChannelRequest(r io.Reader) (*CloseSecureChannelRequest, error) {
	req := &CloseSecureChannelRequest{}
	var err error
	if req.RequestHeader, err = decodeRequestHeader(r); err != nil {
		return nil, err
	}
	return req, nil
}

// Encode writes f's binary form to w.
func (f ServiceFault) Encode(w io.Writer) error {
	return f.ResponseHeader.encode(w)
}

// DecodeServiceFault reads a ServiceFault from r.
func DecodeServiceFault(r io.Reader) (*ServiceFault, error) {
	f := &ServiceFault{}
	var err error
	if f.ResponseHeader, err = decodeResponseHeader(r); err != nil {
		return nil, err
	}
	return f, nil
}

// ErrShortBuffer is returned by callers that wrap a decode error
// originating from a chunk body ending before a field's declared length.
var ErrShortBuffer = errors.New("message: short buffer")
