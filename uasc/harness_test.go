package uasc

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opcua-uasc/server/chunk"
	"github.com/opcua-uasc/server/crypto"
	"github.com/opcua-uasc/server/message"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

// fakeTransport is an in-memory Transport: the test plays the client by
// pushing chunks into in and reading the server's chunks from out.
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadChunk() ([]byte, error) {
	select {
	case raw, ok := <-t.in:
		if !ok {
			return nil, io.EOF
		}
		return raw, nil
	case <-t.closed:
		return nil, io.ErrClosedPipe
	}
}

func (t *fakeTransport) WriteChunk(chunk []byte) error {
	select {
	case t.out <- chunk:
		return nil
	case <-t.closed:
		return io.ErrClosedPipe
	}
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) ReceiveBufferSize() int { return 64 * 1024 }
func (t *fakeTransport) RemoteAddr() net.Addr   { return fakeAddr("client:0") }

func (t *fakeTransport) nextOut(tb testing.TB) []byte {
	tb.Helper()
	select {
	case raw := <-t.out:
		return raw
	case <-time.After(2 * time.Second):
		tb.Fatal("server wrote no chunk within 2s")
		return nil
	}
}

// testRegistry is an EndpointRegistry accepting None/None plus Sign and
// SignAndEncrypt under both RSA policies.
type testRegistry struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

func (r *testRegistry) SupportsSecurityMode(mode message.SecurityMode, policy crypto.SecurityPolicy) bool {
	switch policy {
	case crypto.PolicyNone:
		return mode == message.SecurityModeNone
	case crypto.PolicyBasic128Rsa15, crypto.PolicyBasic256:
		return mode == message.SecurityModeSign || mode == message.SecurityModeSignAndEncrypt
	default:
		return false
	}
}

func (r *testRegistry) Certificate() *x509.Certificate { return r.cert }
func (r *testRegistry) PrivateKey() *rsa.PrivateKey    { return r.key }

// newTestIdentity generates a self-signed RSA certificate valid over
// the given window.
func newTestIdentity(tb testing.TB, cn string, notBefore, notAfter time.Time) (*x509.Certificate, *rsa.PrivateKey) {
	tb.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(tb, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(tb, err)
	parsed, err := x509.ParseCertificate(der)
	require.NoError(tb, err)
	return parsed, key
}

func newTestChannel(tb testing.TB, observ Observers, opts Options) (*Channel, *fakeTransport, *testRegistry) {
	tb.Helper()
	cert, key := newTestIdentity(tb, "uasc-test-server", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	registry := &testRegistry{cert: cert, key: key}
	trans := newFakeTransport()
	ch := NewChannel(trans, registry, crypto.DefaultProvider{}, observ, opts)
	return ch, trans, registry
}

func startInit(ch *Channel) chan error {
	done := make(chan error, 1)
	go func() { done <- ch.Init() }()
	return done
}

// encodeOpenRequest plays the client's side of the OPN exchange.
func encodeOpenRequest(tb testing.TB, req message.OpenSecureChannelRequest, opts chunk.AsymmetricSendOptions) []byte {
	tb.Helper()
	var body bytes.Buffer
	require.NoError(tb, req.Encode(&body))
	raw, err := chunk.NewChunker(crypto.DefaultProvider{}).EncodeAsymmetric(opts, body.Bytes())
	require.NoError(tb, err)
	return raw
}

func decodeOpenResponse(tb testing.TB, raw []byte, opts chunk.AsymmetricRecvOptions) *message.OpenSecureChannelResponse {
	tb.Helper()
	decoded, err := chunk.NewBuilder(crypto.DefaultProvider{}).DecodeAsymmetric(raw, opts)
	require.NoError(tb, err)
	resp, err := message.DecodeOpenSecureChannelResponse(bytes.NewReader(decoded.Body))
	require.NoError(tb, err)
	return resp
}

// decodeUnsecuredFault decodes a ServiceFault the server sent before
// any key material existed (the unsecured OPN-framed fault path).
func decodeUnsecuredFault(tb testing.TB, raw []byte) *message.ServiceFault {
	tb.Helper()
	decoded, err := chunk.NewBuilder(crypto.DefaultProvider{}).DecodeAsymmetric(raw, chunk.AsymmetricRecvOptions{
		Mode:   message.SecurityModeNone,
		Policy: crypto.PolicyNone,
	})
	require.NoError(tb, err)
	fault, err := message.DecodeServiceFault(bytes.NewReader(decoded.Body))
	require.NoError(tb, err)
	return fault
}

// openPolicyNone drives a complete, successful None/None handshake and
// returns the OPN response. Shared setup for the steady-state tests.
func openPolicyNone(tb testing.TB, ch *Channel, trans *fakeTransport, done chan error, requestHandle uint32) *message.OpenSecureChannelResponse {
	tb.Helper()
	req := message.OpenSecureChannelRequest{
		RequestHeader: message.RequestHeader{RequestHandle: requestHandle, Timestamp: time.Now()},
		RequestType:   message.RequestTypeIssue,
		SecurityMode:  message.SecurityModeNone,
		ClientNonce:   []byte{},
	}
	trans.in <- encodeOpenRequest(tb, req, chunk.AsymmetricSendOptions{
		RequestID:      1,
		SequenceNumber: 1,
		Header:         chunk.AsymmetricSecurityHeader{SecurityPolicyURI: crypto.URINone},
		Mode:           message.SecurityModeNone,
		Policy:         crypto.PolicyNone,
	})
	require.NoError(tb, <-done)
	return decodeOpenResponse(tb, trans.nextOut(tb), chunk.AsymmetricRecvOptions{
		Mode:   message.SecurityModeNone,
		Policy: crypto.PolicyNone,
	})
}
