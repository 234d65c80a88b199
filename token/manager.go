// Package token issues and renews SecurityTokens for one secure
// channel, enforces the requested-vs-default lifetime rule, and
// watches for expiry.
//
// A renewed token does not replace the previous one outright: the
// previous token stays acceptable for a grace window, so in-flight MSG
// chunks signed against it are not rejected while the new token
// propagates to the client.
package token

import (
	"encoding/binary"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/opcua-uasc/server/crypto"
	"github.com/opcua-uasc/server/obs"
)

// DefaultLifetime is the server default token lifetime, 600000 ms.
const DefaultLifetime = 600000 * time.Millisecond

// watchdogGraceFactor is the 1.20 multiplier both the channel-level
// watchdog and the previous-token grace window apply to the revised
// lifetime.
const watchdogGraceFactor = 1.20

// SecurityToken is one issued or renewed token for a channel: the
// unit of symmetric-key validity.
type SecurityToken struct {
	ChannelID       uint32
	TokenID         uint32
	CreatedAt       time.Time
	RevisedLifetime time.Duration
	ServerNonce     []byte
	ClientNonce     []byte
	ServerKeys      crypto.SymmetricKeys
	ClientKeys      crypto.SymmetricKeys
}

// ExpiresAt returns when this token's grace window closes.
func (t *SecurityToken) ExpiresAt() time.Time {
	return t.CreatedAt.Add(time.Duration(float64(t.RevisedLifetime) * watchdogGraceFactor))
}

// Zero wipes this token's derived key material.
func (t *SecurityToken) Zero() {
	if t == nil {
		return
	}
	crypto.ZeroBytes(t.ServerNonce)
	crypto.ZeroBytes(t.ClientNonce)
	t.ServerKeys.Zero()
	t.ClientKeys.Zero()
}

// Manager owns the current and previous tokens for exactly one
// channel. Beyond the watchdog callback it expects the
// single-goroutine-per-channel calling discipline the channel's
// receive loop provides.
type Manager struct {
	channelID uint32
	provider  crypto.Provider
	log       *obs.Logger

	mu          sync.Mutex
	nextID      uint32
	maxLifetime time.Duration
	current     *SecurityToken
	previous    *gocache.Cache

	watchdog *time.Timer

	// OnExpire is invoked (from the watchdog's own goroutine) when the
	// current token's grace window elapses with no renewal. A nil
	// OnExpire means expiry is silently ignored.
	OnExpire func(channelID uint32)
}

// NewManager returns a Manager for channelID. provider supplies nonces
// and symmetric key derivation.
func NewManager(channelID uint32, provider crypto.Provider) *Manager {
	return &Manager{
		channelID:   channelID,
		provider:    provider,
		maxLifetime: DefaultLifetime,
		log:         obs.New("token").WithChannel(channelID),
		previous:    gocache.New(gocache.NoExpiration, time.Minute),
	}
}

// SetDefaultLifetime overrides the server default that caps every
// requested lifetime. Values <= 0 keep DefaultLifetime.
func (m *Manager) SetDefaultLifetime(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.maxLifetime = d
	}
}

// revisedLifetime: zero means "use the server's default"; anything
// else is capped at the server's default.
func (m *Manager) revisedLifetime(requested time.Duration) time.Duration {
	if requested <= 0 {
		return m.maxLifetime
	}
	if requested > m.maxLifetime {
		return m.maxLifetime
	}
	return requested
}

// Issue allocates the channel's first token. clientNonce is whatever
// the client sent in the OpenSecureChannelRequest; a fresh server
// nonce is generated here.
func (m *Manager) Issue(requestedLifetime time.Duration, clientNonce []byte) (*SecurityToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issueLocked(requestedLifetime, clientNonce)
}

// Renew issues a new token, retaining the current one (if any) as the
// previous token for its grace window.
func (m *Manager) Renew(requestedLifetime time.Duration, clientNonce []byte) (*SecurityToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		// A non-positive TTL would make go-cache keep the entry forever,
		// so a token whose grace window already closed is not retained.
		if remaining := m.current.ExpiresAt().Sub(time.Now()); remaining > 0 {
			m.previous.Set(previousKey(m.current.TokenID), m.current, remaining)
			m.log.WithField("token_id", m.current.TokenID).Debug("retaining previous token for grace window")
		}
	}
	return m.issueLocked(requestedLifetime, clientNonce)
}

func (m *Manager) issueLocked(requestedLifetime time.Duration, clientNonce []byte) (*SecurityToken, error) {
	serverNonce, err := m.provider.RandomNonce(len(clientNonce))
	if err != nil {
		return nil, err
	}

	m.nextID++
	lifetime := m.revisedLifetime(requestedLifetime)

	tok := &SecurityToken{
		ChannelID:       m.channelID,
		TokenID:         m.nextID,
		CreatedAt:       time.Now(),
		RevisedLifetime: lifetime,
		ServerNonce:     serverNonce,
		ClientNonce:     append([]byte(nil), clientNonce...),
	}

	m.current = tok
	m.resetWatchdogLocked(tok)

	m.log.WithField("token_id", tok.TokenID).
		WithField("revised_lifetime_ms", lifetime.Milliseconds()).
		Info("issued security token")
	m.log.WithFields(obs.KeyPreview(serverNonce, "server_nonce")).Debug("generated server nonce")
	return tok, nil
}

func (m *Manager) resetWatchdogLocked(tok *SecurityToken) {
	if m.watchdog != nil {
		m.watchdog.Stop()
	}
	grace := time.Duration(float64(tok.RevisedLifetime) * watchdogGraceFactor)
	tokenID := tok.TokenID
	m.watchdog = time.AfterFunc(grace, func() {
		m.mu.Lock()
		expired := m.current != nil && m.current.TokenID == tokenID
		m.mu.Unlock()
		if expired && m.OnExpire != nil {
			m.OnExpire(m.channelID)
		}
	})
}

// Lookup returns the token matching tokenID, whether it is the
// current token or a previous one still inside its grace window.
func (m *Manager) Lookup(tokenID uint32) (*SecurityToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.TokenID == tokenID {
		if time.Now().After(m.current.ExpiresAt()) {
			m.log.WithField("token_id", tokenID).Warn("rejecting message secured with an expired token")
			return nil, false
		}
		return m.current, true
	}
	if cached, ok := m.previous.Get(previousKey(tokenID)); ok {
		return cached.(*SecurityToken), true
	}
	return nil, false
}

// Current returns the channel's active token, or nil if none has been
// issued yet.
func (m *Manager) Current() *SecurityToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close stops the watchdog and zeroizes every retained token's key
// material.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watchdog != nil {
		m.watchdog.Stop()
	}
	m.current.Zero()
	m.current = nil
	for key, item := range m.previous.Items() {
		if tok, ok := item.Object.(*SecurityToken); ok {
			tok.Zero()
		}
		m.previous.Delete(key)
	}
}

func previousKey(tokenID uint32) string {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, tokenID)
	return string(buf)
}
