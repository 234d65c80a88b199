// Package transport implements the framed TCP layer beneath the
// secure channel: byte-accurate chunk I/O over a net.Conn and close
// notification. Each accepted connection carries exactly one secure
// channel, so the framing is a single persistent length-prefixed
// stream per connection.
package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opcua-uasc/server/obs"
)

// maxChunkSize bounds a single inbound chunk to guard against a
// malformed or hostile length prefix forcing an unbounded allocation.
const maxChunkSize = 16 * 1024 * 1024

// Transport is what package uasc depends on for wire I/O: it delivers
// and accepts raw message chunks and reports socket close.
type Transport interface {
	// ReadChunk blocks for the next complete chunk, or returns an error
	// if the connection closes or the read fails.
	ReadChunk() ([]byte, error)

	// WriteChunk writes one complete chunk. Safe to call concurrently
	// with ReadChunk but not with itself.
	WriteChunk(chunk []byte) error

	// Close disconnects the underlying socket. Idempotent.
	Close() error

	// ReceiveBufferSize is the chunk size the channel session uses to
	// bound outbound chunks.
	ReceiveBufferSize() int

	// RemoteAddr identifies the peer, for logging and diagnostics.
	RemoteAddr() net.Addr
}

// TCPTransport implements Transport over a single accepted net.Conn,
// framing each chunk with a 4-byte big-endian length prefix.
type TCPTransport struct {
	conn   net.Conn
	reader *bufio.Reader

	receiveBufferSize int
	writeTimeout      time.Duration

	mu     sync.Mutex
	closed bool

	log *obs.Logger
}

// NewTCPTransport wraps an already-accepted connection.
// receiveBufferSize is advertised to the channel session as the
// transport's chunking size.
func NewTCPTransport(conn net.Conn, receiveBufferSize int) *TCPTransport {
	if receiveBufferSize <= 0 {
		receiveBufferSize = 64 * 1024
	}
	return &TCPTransport{
		conn:              conn,
		reader:            bufio.NewReaderSize(conn, receiveBufferSize),
		receiveBufferSize: receiveBufferSize,
		writeTimeout:      5 * time.Second,
		log:               obs.New("transport").WithField("remote_addr", conn.RemoteAddr().String()),
	}
}

// ReadChunk reads one length-prefixed chunk from the stream.
func (t *TCPTransport) ReadChunk() ([]byte, error) {
	var prefix [4]byte
	if _, err := readFull(t.reader, prefix[:]); err != nil {
		return nil, fmt.Errorf("transport: read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 || length > maxChunkSize {
		return nil, fmt.Errorf("transport: chunk length %d out of bounds", length)
	}

	data := make([]byte, length)
	if _, err := readFull(t.reader, data); err != nil {
		return nil, fmt.Errorf("transport: read chunk body: %w", err)
	}
	return data, nil
}

// WriteChunk writes one length-prefixed chunk to the stream.
func (t *TCPTransport) WriteChunk(chunk []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(chunk)))

	if _, err := t.conn.Write(prefix[:]); err != nil {
		return fmt.Errorf("transport: write length prefix: %w", err)
	}
	if _, err := t.conn.Write(chunk); err != nil {
		return fmt.Errorf("transport: write chunk body: %w", err)
	}
	return nil
}

// Close disconnects the socket. Idempotent.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.log.Debug("closing transport")
	return t.conn.Close()
}

func (t *TCPTransport) ReceiveBufferSize() int { return t.receiveBufferSize }

func (t *TCPTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Listener accepts incoming TCP connections and hands each off as a
// Transport, one per connection: an OPC-UA secure channel is 1:1 with
// its TCP connection.
type Listener struct {
	ln                net.Listener
	receiveBufferSize int
	log               *obs.Logger
}

// Listen binds addr and returns a Listener ready to Accept.
func Listen(addr string, receiveBufferSize int) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln, receiveBufferSize: receiveBufferSize, log: obs.New("transport")}, nil
}

// Accept blocks for the next inbound connection and wraps it as a Transport.
func (l *Listener) Accept() (Transport, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	l.log.WithField("remote_addr", conn.RemoteAddr().String()).Info("accepted connection")
	return NewTCPTransport(conn, l.receiveBufferSize), nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }
