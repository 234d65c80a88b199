// Package uasc implements the server-side OPC-UA secure channel core:
// the lifecycle control, handshake state machine, and session send
// path that together establish, renew, and tear down one
// cryptographically protected channel with a single remote client.
//
// It depends on, but does not implement, the transport, chunk
// builder/chunker, and crypto provider layers (packages transport,
// chunk, crypto); those are wired in by NewChannel. The
// generic service dispatcher above this layer is represented only by
// the Observers callbacks and the opaque GenericRequest/GenericResponse
// bodies this package passes through unparsed.
package uasc

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opcua-uasc/server/cert"
	"github.com/opcua-uasc/server/chunk"
	"github.com/opcua-uasc/server/crypto"
	"github.com/opcua-uasc/server/message"
	"github.com/opcua-uasc/server/metrics"
	"github.com/opcua-uasc/server/obs"
	"github.com/opcua-uasc/server/token"
	"github.com/opcua-uasc/server/transport"
	"github.com/opcua-uasc/server/uastatus"
)

// State is the channel's lifecycle state.
type State int

const (
	StateInit State = iota
	StateAwaitingInitialOpn
	StateOpen
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateAwaitingInitialOpn:
		return "AwaitingInitialOpn"
	case StateOpen:
		return "Open"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// EndpointRegistry supplies the server's certificate chain, private
// key, and the (mode, policy) pairs it is willing to serve. It is
// owned by the embedding endpoint, not by the channel.
type EndpointRegistry interface {
	// SupportsSecurityMode reports whether some endpoint accepts mode
	// combined with policy.
	SupportsSecurityMode(mode message.SecurityMode, policy crypto.SecurityPolicy) bool

	// Certificate returns the server's own certificate (DER-parsed),
	// sent to the client as senderCertificate.
	Certificate() *x509.Certificate

	// PrivateKey returns the server's RSA private key, used to decrypt
	// inbound OPN chunks and sign outbound ones.
	PrivateKey() *rsa.PrivateKey
}

// Options configures a Channel. Fields left at their zero value take
// the documented default.
type Options struct {
	// Timeout bounds how long Init waits for the first OPN request
	// before closing the transport. Default 10s.
	Timeout time.Duration

	// DefaultSecureTokenLifetime caps a client's requested token
	// lifetime. Default 600000ms (token.DefaultLifetime).
	// Handed to the token.Manager created on first OPN.
	DefaultSecureTokenLifetime time.Duration

	// DebugDuplicateResponseDetection keeps the per-requestId
	// already-responded set alive for the channel's lifetime, a
	// development aid. Off by default because the set grows unbounded.
	DebugDuplicateResponseDetection bool
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return 10 * time.Second
	}
	return o.Timeout
}

// GenericRequest is the opaque body of a non-handshake (MSG) request:
// the standard request header this layer must read to correlate a
// response, followed by whatever service-specific bytes the dispatcher
// above owns. Decoding those bytes into a typed service request is the
// object factory's job, out of scope here.
type GenericRequest struct {
	Header message.RequestHeader
	Body   []byte
}

// GenericResponse is the outbound counterpart to GenericRequest. The
// caller supplies Header.ServiceResult and the encoded service-specific
// Body; SendResponse fills in Header.RequestHandle itself, copied from
// the original request.
type GenericResponse struct {
	Header message.ResponseHeader
	Body   []byte
}

// InboundMessage is delivered to Observers.OnMessage for every decoded
// MSG request.
type InboundMessage struct {
	SecureChannelID uint32
	RequestID       uint32
	TokenID         uint32
	Request         GenericRequest
}

// Observers are the channel's event callbacks: message, abort, and
// transaction_done. A small struct of function fields registered at
// construction; the single-threaded per-channel executor (one
// receive-loop goroutine) guarantees dispatch order without extra
// locking.
type Observers struct {
	OnMessage         func(InboundMessage)
	OnAbort           func(secureChannelID uint32, err error)
	OnTransactionDone func(TransactionStats)
}

// TransactionStats is recorded once per completed request/response
// transaction.
type TransactionStats struct {
	SecureChannelID uint32
	RequestID       uint32
	BytesRead       int
	BytesWritten    int
	LapReception    time.Duration
	LapProcessing   time.Duration
	LapEmission     time.Duration
}

// Channel is one server-side secure channel bound to a single remote
// client over one transport.
type Channel struct {
	opts     Options
	registry EndpointRegistry
	provider crypto.Provider
	trans    transport.Transport
	builder  *chunk.Builder
	chunker  *chunk.Chunker
	certVal  *cert.Validator
	tokens   *token.Manager
	observ   Observers
	log      *obs.Logger

	mu sync.Mutex

	secureChannelID uint32
	protocolVersion uint32
	securityMode    message.SecurityMode
	securityPolicy  crypto.SecurityPolicy

	clientNonce []byte
	serverNonce []byte
	serverKeys  crypto.SymmetricKeys
	clientKeys  crypto.SymmetricKeys

	clientCertificate       *x509.Certificate
	receiverPublicKey       *rsa.PublicKey
	receiverPublicKeyLength int
	clientSecurityHeader    chunk.AsymmetricSecurityHeader

	sessionTokens map[uuid.UUID]struct{}

	state State

	outboundSeq uint32

	pending          map[uint32]*pendingTransaction
	sentResponses    map[uint32]bool
	firstMessageSeen bool

	bytesRead        int
	bytesWritten     int
	lastBytesRead    int
	lastBytesWritten int

	initTimer *time.Timer
}

// pendingTransaction tracks one in-flight request between its arrival
// and the completion of its response, carrying the requestHandle the
// response must echo and the timing ticks the transaction laps are
// computed from.
type pendingTransaction struct {
	requestHandle uint32
	tick0         time.Time // first chunk of the request received
	tick1         time.Time // request fully decoded
}

// nextSecureChannelID is the process-wide monotonic allocator. Atomic:
// it is the only state shared across channels. First id issued is 1.
var nextSecureChannelID uint32

func allocateSecureChannelID() uint32 {
	return atomic.AddUint32(&nextSecureChannelID, 1)
}

// NewChannel constructs a Channel bound to trans. The channel does not
// start reading until Init is called.
func NewChannel(trans transport.Transport, registry EndpointRegistry, provider crypto.Provider, observ Observers, opts Options) *Channel {
	return &Channel{
		opts:          opts,
		registry:      registry,
		provider:      provider,
		trans:         trans,
		builder:       chunk.NewBuilder(provider),
		chunker:       chunk.NewChunker(provider),
		certVal:       cert.NewValidator(),
		observ:        observ,
		log:           obs.New("uasc"),
		state:         StateInit,
		sessionTokens: make(map[uuid.UUID]struct{}),
		pending:       make(map[uint32]*pendingTransaction),
		sentResponses: make(map[uint32]bool),
	}
}

// SecureChannelID returns the channel's allocated id, or 0 before the
// first OPN completes.
func (c *Channel) SecureChannelID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secureChannelID
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AddSessionToken records a session bound to this channel by the
// upper layer; the channel itself never creates sessions.
func (c *Channel) AddSessionToken(sessionToken uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionTokens[sessionToken] = struct{}{}
}

// RemoveSessionToken drops a session token, e.g. on session close.
func (c *Channel) RemoveSessionToken(sessionToken uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessionTokens, sessionToken)
}

// HasSessionToken reports whether sessionToken is bound to this channel.
func (c *Channel) HasSessionToken(sessionToken uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessionTokens[sessionToken]
	return ok
}

// Init binds the transport's chunk stream, arms the initial-OPN
// timeout, and blocks until either the first OPN request has been
// handled or the timeout fires.
func (c *Channel) Init() error {
	c.mu.Lock()
	c.state = StateAwaitingInitialOpn
	c.mu.Unlock()

	initDone := make(chan error, 1)
	go c.receiveLoop(initDone)

	timer := time.NewTimer(c.opts.timeout())
	defer timer.Stop()
	c.mu.Lock()
	c.initTimer = timer
	c.mu.Unlock()

	select {
	case err := <-initDone:
		return err
	case <-timer.C:
		c.log.Warn("initial OPN timeout; closing transport")
		_ = c.trans.Close()
		timeoutErr := fmt.Errorf("uasc: initial OPN timeout after %s", c.opts.timeout())
		c.abort(timeoutErr)
		return timeoutErr
	}
}

// Close instructs the transport to disconnect and transitions the
// channel to Aborted. Idempotent.
func (c *Channel) Close() error {
	err := c.trans.Close()
	c.abort(nil)
	return err
}

// abort is the single internal transition to Aborted; the abort event
// fires at most once per channel lifetime. err is nil for a clean
// close.
func (c *Channel) abort(err error) {
	c.terminate(err, true)
}

// abortQuiet transitions to Aborted without emitting the abort event,
// for transport failures that happen before the channel ever reached
// Open: callers of Init get the error directly, so no event fires.
func (c *Channel) abortQuiet(err error) {
	c.terminate(err, false)
}

func (c *Channel) terminate(err error, emit bool) {
	c.mu.Lock()
	if c.state == StateAborted {
		c.mu.Unlock()
		return
	}
	c.state = StateAborted
	secureChannelID := c.secureChannelID
	if c.initTimer != nil {
		c.initTimer.Stop()
	}
	c.tokensCloseLocked()
	c.serverKeys.Zero()
	c.clientKeys.Zero()
	crypto.ZeroBytes(c.serverNonce)
	crypto.ZeroBytes(c.clientNonce)
	c.mu.Unlock()

	metrics.ChannelAborted()
	c.log.WithField("secure_channel_id", secureChannelID).Info("channel aborted")
	if emit && c.observ.OnAbort != nil {
		c.observ.OnAbort(secureChannelID, err)
	}
}

func (c *Channel) tokensCloseLocked() {
	if c.tokens != nil {
		c.tokens.Close()
	}
}

// statusError builds a *uastatus.Error, the uniform way every failure
// in this package that must be reported on the wire is represented.
func statusError(code uastatus.Code, message string) *uastatus.Error {
	return uastatus.New(code, message)
}
