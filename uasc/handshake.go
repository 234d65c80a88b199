package uasc

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/opcua-uasc/server/chunk"
	"github.com/opcua-uasc/server/crypto"
	"github.com/opcua-uasc/server/message"
	"github.com/opcua-uasc/server/metrics"
	"github.com/opcua-uasc/server/token"
	"github.com/opcua-uasc/server/uastatus"
)

// handleOpen runs the handshake state machine for one OPN request,
// atomically: by the time it returns, either the channel is Open with
// a freshly issued token and the OPN response flushed, or the channel is
// Aborted. A non-nil return means the latter; protocol-level failures
// first send a ServiceFault or a non-Good OPN response, while decoder,
// token-allocation and send errors abort without a reply.
func (c *Channel) handleOpen(raw []byte, tick0 time.Time) error {
	secHeader, err := chunk.PeekAsymmetricHeader(raw)
	if err != nil {
		c.abort(err)
		return err
	}

	// The policy check runs before decryption out of necessity: the
	// policy URI in the plaintext header is what names the algorithms
	// needed to decode the rest of the chunk. An unknown policy means
	// the payload cannot even be decrypted, so the fault goes out
	// unsecured.
	policy, ok := crypto.PolicyFromURI(secHeader.SecurityPolicyURI)
	if !ok {
		return c.failOpen(0, 0, uastatus.BadSecurityPolicyRejected,
			fmt.Sprintf("unsupported security policy %q", secHeader.SecurityPolicyURI))
	}

	clientCert, clientPub, err := parseSenderCertificate(secHeader.SenderCertificate)
	if err != nil {
		return c.failOpen(0, 0, uastatus.BadCertificateInvalid, err.Error())
	}
	if policy != crypto.PolicyNone && clientPub == nil {
		return c.failOpen(0, 0, uastatus.BadSecurityChecksFailed,
			"policy requires a client certificate but none was presented")
	}

	recvMode := message.SecurityModeNone
	sigLen := 0
	if policy != crypto.PolicyNone {
		recvMode = message.SecurityModeSignAndEncrypt
		sigLen = clientPub.Size()
	}
	decoded, err := c.builder.DecodeAsymmetric(raw, chunk.AsymmetricRecvOptions{
		Mode:         recvMode,
		Policy:       policy,
		DecryptWith:  c.registry.PrivateKey(),
		VerifyWith:   clientPub,
		SignatureLen: sigLen,
	})
	if err != nil {
		// Decoder errors are fatal, like transport errors.
		c.abort(err)
		return err
	}
	requestID := decoded.Sequence.RequestID

	// The decoded body must be an OpenSecureChannelRequest.
	req, err := message.DecodeOpenSecureChannelRequest(bytes.NewReader(decoded.Body))
	if err != nil {
		return c.failOpen(requestID, 0, uastatus.BadCommunicationError,
			"OPN chunk body is not an OpenSecureChannelRequest")
	}
	requestHandle := req.RequestHeader.RequestHandle
	tick1 := time.Now()

	// Adopt the requested security mode.
	c.mu.Lock()
	c.securityMode = req.SecurityMode
	c.securityPolicy = policy
	c.mu.Unlock()

	// Some endpoint must serve this (mode, policy) pair.
	if !c.registry.SupportsSecurityMode(req.SecurityMode, policy) {
		return c.failOpen(requestID, requestHandle, uastatus.BadSecurityPolicyRejected,
			fmt.Sprintf("no endpoint supports mode %s with policy %s", req.SecurityMode, policy))
	}

	// Cache the client's identity material and nonce.
	c.mu.Lock()
	if clientCert != nil {
		c.clientCertificate = clientCert
		c.receiverPublicKey = clientPub
		c.receiverPublicKeyLength = clientPub.Size()
	}
	c.clientSecurityHeader = decoded.Header
	c.clientNonce = append([]byte(nil), req.ClientNonce...)
	renew := c.secureChannelID != 0
	if !renew {
		c.secureChannelID = allocateSecureChannelID()
		c.tokens = token.NewManager(c.secureChannelID, c.provider)
		c.tokens.SetDefaultLifetime(c.opts.DefaultSecureTokenLifetime)
		c.tokens.OnExpire = func(channelID uint32) {
			c.log.WithChannel(channelID).Warn("security token expired without renewal")
		}
	}
	tokens := c.tokens
	secureChannelID := c.secureChannelID
	c.mu.Unlock()

	// Allocate the token; the manager applies the revised-lifetime
	// rule and arms the watchdog.
	requestedLifetime := time.Duration(req.RequestedLifetime) * time.Millisecond
	var tok *token.SecurityToken
	if req.RequestType == message.RequestTypeRenew && renew {
		tok, err = tokens.Renew(requestedLifetime, req.ClientNonce)
	} else {
		tok, err = tokens.Issue(requestedLifetime, req.ClientNonce)
	}
	if err != nil {
		c.abort(err)
		return err
	}
	metrics.TokenIssued(req.RequestType == message.RequestTypeRenew)

	// Server nonce and key derivation, policy None excluded.
	serviceResult := uastatus.Good
	if policy != crypto.PolicyNone {
		if len(req.ClientNonce) != policy.SymmetricKeyLength() {
			c.log.WithField("client_nonce_len", len(req.ClientNonce)).
				WithField("expected_len", policy.SymmetricKeyLength()).
				Warn("client nonce length does not match policy")
			serviceResult = uastatus.BadSecurityModeRejected
		} else {
			serverKeys, clientKeys, err := c.provider.DeriveKeys(policy, tok.ServerNonce, tok.ClientNonce)
			if err != nil {
				c.abort(err)
				return err
			}
			// The new inbound (client) keys ride the token, so the
			// symmetric decode path picks them up via Lookup; the
			// outbound (server) keys feed the chunker on send.
			tok.ServerKeys = serverKeys
			tok.ClientKeys = clientKeys
			c.mu.Lock()
			c.serverKeys = serverKeys
			c.clientKeys = clientKeys
			c.serverNonce = tok.ServerNonce
			c.mu.Unlock()
		}
	}

	// The client's receiverCertificateThumbprint must name our
	// certificate. Checked before the response goes out, but a mismatch
	// still gets an OPN response rather than a ServiceFault.
	if req.SecurityMode != message.SecurityModeNone && serviceResult.IsGood() {
		if !c.thumbprintMatches(decoded.Header.ReceiverCertificateThumbprint) {
			serviceResult = uastatus.BadCertificateInvalid
		}
	}

	// Client certificate validity window. Takes precedence over the
	// thumbprint check because it replaces the response with a
	// ServiceFault.
	if req.SecurityMode != message.SecurityModeNone {
		if code := c.certVal.Validate(secHeader.SenderCertificate); code == uastatus.BadCertificateTimeInvalid {
			return c.failOpen(requestID, requestHandle, code, "client certificate outside its validity window")
		} else if !code.IsGood() && serviceResult.IsGood() {
			serviceResult = code
		}
	}

	// Send the OPN response; a non-Good serviceResult closes the
	// channel once the response has flushed.
	serverNonce := tok.ServerNonce
	if policy == crypto.PolicyNone {
		serverNonce = nil
	}
	resp := message.OpenSecureChannelResponse{
		ResponseHeader: message.ResponseHeader{
			Timestamp:     time.Now(),
			RequestHandle: requestHandle,
			ServiceResult: serviceResult,
		},
		ServerProtocolVersion: c.protocolVersion,
		SecurityToken: message.ChannelSecurityToken{
			ChannelID:       secureChannelID,
			TokenID:         tok.TokenID,
			CreatedAt:       tok.CreatedAt,
			RevisedLifetime: uint32(tok.RevisedLifetime.Milliseconds()),
		},
		ServerNonce: serverNonce,
	}

	tick2 := time.Now()
	written, err := c.sendOpenResponse(requestID, resp)
	if err != nil {
		c.abort(err)
		return err
	}
	c.completeTransaction(requestID, &pendingTransaction{
		requestHandle: requestHandle,
		tick0:         tick0,
		tick1:         tick1,
	}, tick2, written)

	if !serviceResult.IsGood() {
		statusErr := statusError(serviceResult, "secure channel handshake failed")
		_ = c.trans.Close()
		c.abort(statusErr)
		return statusErr
	}

	c.mu.Lock()
	c.state = StateOpen
	c.mu.Unlock()
	if !renew {
		metrics.ChannelOpened()
	}
	c.log.WithChannel(secureChannelID).
		WithField("token_id", tok.TokenID).
		WithField("policy", policy.String()).
		WithField("mode", req.SecurityMode.String()).
		WithField("request_type", req.RequestType.String()).
		Info("secure channel open")
	return nil
}

// sendOpenResponse encodes and writes the asymmetric-secured OPN
// response chunk: signed with the server key and, under
// SignAndEncrypt, encrypted with the receiver's public key. Returns
// bytes written.
func (c *Channel) sendOpenResponse(requestID uint32, resp message.OpenSecureChannelResponse) (int, error) {
	var body bytes.Buffer
	if err := resp.Encode(&body); err != nil {
		return 0, fmt.Errorf("uasc: encode OPN response: %w", err)
	}

	c.mu.Lock()
	secureChannelID := c.secureChannelID
	mode := c.securityMode
	policy := c.securityPolicy
	receiverPub := c.receiverPublicKey
	c.outboundSeq++
	seq := c.outboundSeq
	c.mu.Unlock()

	raw, err := c.chunker.EncodeAsymmetric(chunk.AsymmetricSendOptions{
		SecureChannelID: secureChannelID,
		RequestID:       requestID,
		SequenceNumber:  seq,
		Header:          c.outboundAsymmetricHeader(),
		Mode:            mode,
		Policy:          policy,
		SignWith:        c.registry.PrivateKey(),
		EncryptWith:     receiverPub,
	}, body.Bytes())
	if err != nil {
		return 0, err
	}
	if err := c.trans.WriteChunk(raw); err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.bytesWritten += len(raw)
	c.mu.Unlock()
	return len(raw), nil
}

// outboundAsymmetricHeader builds the outbound handshake security
// header: mode None strips both certificate fields; otherwise the
// server's own certificate goes out as senderCertificate and the
// client's thumbprint (when a client certificate exists) as
// receiverCertificateThumbprint.
func (c *Channel) outboundAsymmetricHeader() chunk.AsymmetricSecurityHeader {
	c.mu.Lock()
	mode := c.securityMode
	policy := c.securityPolicy
	clientCert := c.clientCertificate
	c.mu.Unlock()

	if mode == message.SecurityModeNone {
		return chunk.AsymmetricSecurityHeader{SecurityPolicyURI: crypto.URINone}
	}

	header := chunk.AsymmetricSecurityHeader{SecurityPolicyURI: policy.URI()}
	if serverCert := c.registry.Certificate(); serverCert != nil {
		header.SenderCertificate = serverCert.Raw
	}
	if clientCert != nil {
		thumb := c.provider.Thumbprint(clientCert)
		header.ReceiverCertificateThumbprint = thumb[:]
	}
	return header
}

// thumbprintMatches compares the thumbprint the client sent against the
// SHA-1 of our own certificate, byte-exact in lowercase hex.
func (c *Channel) thumbprintMatches(sent []byte) bool {
	serverCert := c.registry.Certificate()
	if serverCert == nil || len(sent) == 0 {
		return false
	}
	want := c.provider.Thumbprint(serverCert)
	return hex.EncodeToString(sent) == hex.EncodeToString(want[:])
}

// failOpen reports a handshake fault to the client as a ServiceFault,
// closes the transport, and aborts the channel: report, then close.
func (c *Channel) failOpen(requestID, requestHandle uint32, code uastatus.Code, msg string) error {
	err := statusError(code, msg)
	c.log.WithField("status", code.String()).Warn(msg)
	c.sendFault(requestID, requestHandle, code)
	_ = c.trans.Close()
	c.abort(err)
	return err
}

// parseSenderCertificate extracts the client's certificate and RSA
// public key from the asymmetric header. A zero-length certificate is
// treated as absent.
func parseSenderCertificate(der []byte) (*x509.Certificate, *rsa.PublicKey, error) {
	if len(der) == 0 {
		return nil, nil, nil
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("uasc: parse sender certificate: %w", err)
	}
	pub, ok := parsed.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("uasc: sender certificate carries a %T key, want RSA", parsed.PublicKey)
	}
	return parsed, pub, nil
}
