package uasc

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/opcua-uasc/server/chunk"
	"github.com/opcua-uasc/server/crypto"
	"github.com/opcua-uasc/server/message"
	"github.com/opcua-uasc/server/token"
	"github.com/opcua-uasc/server/uastatus"
)

// receiveLoop is the channel's single logical executor: every
// inbound chunk, handshake step, and observer callback runs on this
// goroutine, serially. It sends on initDone once, when the first
// decoded message has been handled (or the transport failed before one
// arrived); a panic recovered here aborts the channel without sending
// on initDone, so Init then returns at its timeout.
func (c *Channel) receiveLoop(initDone chan<- error) {
	defer func() {
		if r := recover(); r != nil {
			c.abort(fmt.Errorf("uasc: receive loop panic: %v", r))
		}
	}()

	for {
		raw, err := c.trans.ReadChunk()
		tick0 := time.Now()
		if err != nil {
			c.mu.Lock()
			first := !c.firstMessageSeen
			c.mu.Unlock()
			if first {
				// Transport failed while awaiting the initial OPN: Init
				// completes with the error, no abort event.
				c.abortQuiet(err)
				initDone <- err
				return
			}
			c.abort(err)
			return
		}

		c.mu.Lock()
		c.bytesRead += len(raw)
		first := !c.firstMessageSeen
		c.firstMessageSeen = true
		c.mu.Unlock()

		msgType, err := chunk.PeekMessageType(raw)
		if err != nil {
			// Malformed framing is a decoder error, fatal.
			if first {
				c.abortQuiet(err)
				initDone <- err
				return
			}
			c.abort(err)
			return
		}

		switch msgType {
		case chunk.MessageTypeOPN:
			err := c.handleOpen(raw, tick0)
			if first {
				initDone <- err
			}
			if err != nil {
				return
			}

		case chunk.MessageTypeMSG:
			if first {
				err := c.rejectWrongFirstMessage()
				initDone <- err
				return
			}
			if err := c.handleMessage(raw, tick0); err != nil {
				return
			}

		case chunk.MessageTypeCLO:
			if first {
				err := c.rejectWrongFirstMessage()
				initDone <- err
				return
			}
			c.handleClose(raw)
			return

		default:
			err := statusError(uastatus.BadCommunicationError, fmt.Sprintf("unexpected message type %q", msgType))
			c.sendFault(0, 0, err.Code)
			if first {
				c.abortQuiet(err)
				initDone <- err
				return
			}
			c.abort(err)
			return
		}
	}
}

// rejectWrongFirstMessage enforces that the very first decoded message
// on a channel is an OPN.
func (c *Channel) rejectWrongFirstMessage() error {
	err := statusError(uastatus.BadCommunicationError, "first message on channel is not OpenSecureChannel")
	c.log.Warn(err.Message)
	c.sendFault(0, 0, err.Code)
	_ = c.trans.Close()
	c.abortQuiet(err)
	return err
}

// handleMessage processes one symmetric MSG chunk: token lookup,
// decrypt/verify, request-header peel, and the message event.
func (c *Channel) handleMessage(raw []byte, tick0 time.Time) error {
	tok, decoded, err := c.decodeSymmetric(raw)
	if err != nil {
		return err
	}

	if decoded.Sequence.RequestID == 0 {
		err := statusError(uastatus.BadCommunicationError, "MSG chunk carries requestId 0")
		c.sendFault(0, 0, err.Code)
		_ = c.trans.Close()
		c.abort(err)
		return err
	}

	body := bytes.NewReader(decoded.Body)
	header, err := message.DecodeRequestHeader(body)
	if err != nil {
		err := statusError(uastatus.BadCommunicationError, "malformed request header")
		c.abort(err)
		return err
	}
	rest := make([]byte, body.Len())
	_, _ = io.ReadFull(body, rest)

	c.mu.Lock()
	c.pending[decoded.Sequence.RequestID] = &pendingTransaction{
		requestHandle: header.RequestHandle,
		tick0:         tick0,
		tick1:         time.Now(),
	}
	secureChannelID := c.secureChannelID
	c.mu.Unlock()

	c.log.WithChannel(secureChannelID).
		WithField("request_id", decoded.Sequence.RequestID).
		WithField("request_handle", header.RequestHandle).
		Debug("dispatching application message")

	if c.observ.OnMessage != nil {
		c.observ.OnMessage(InboundMessage{
			SecureChannelID: secureChannelID,
			RequestID:       decoded.Sequence.RequestID,
			TokenID:         tok.TokenID,
			Request:         GenericRequest{Header: header, Body: rest},
		})
	}
	return nil
}

// handleClose processes a CLO chunk: decode (so a tampered close is
// still rejected), then initiate close.
func (c *Channel) handleClose(raw []byte) {
	if _, _, err := c.decodeSymmetric(raw); err != nil {
		return
	}
	c.log.WithChannel(c.SecureChannelID()).Info("close requested by client")
	_ = c.Close()
}

// decodeSymmetric resolves the chunk's token (current, or previous
// inside its grace window) and runs the Builder's verify/decrypt path.
// Any failure terminates the channel; the returned error is the status
// the client was told, if a fault could be sent at all.
func (c *Channel) decodeSymmetric(raw []byte) (*token.SecurityToken, *chunk.DecodedSymmetric, error) {
	chanID, err := chunk.PeekSecureChannelID(raw)
	if err != nil {
		c.abort(err)
		return nil, nil, err
	}
	c.mu.Lock()
	ownID := c.secureChannelID
	mode := c.securityMode
	policy := c.securityPolicy
	tokens := c.tokens
	c.mu.Unlock()

	if tokens == nil {
		err := statusError(uastatus.BadSecureChannelClosed, "no token issued on this channel")
		c.abort(err)
		return nil, nil, err
	}
	if chanID != ownID {
		err := statusError(uastatus.BadTcpSecureChannelUnknown, fmt.Sprintf("chunk names secure channel %d, this channel is %d", chanID, ownID))
		c.sendFault(0, 0, err.Code)
		_ = c.trans.Close()
		c.abort(err)
		return nil, nil, err
	}

	tokenID, err := chunk.PeekTokenID(raw)
	if err != nil {
		c.abort(err)
		return nil, nil, err
	}
	tok, ok := tokens.Lookup(tokenID)
	if !ok {
		err := statusError(uastatus.BadSecureChannelTokenUnknown, fmt.Sprintf("token %d is neither current nor inside its grace window", tokenID))
		c.sendFault(0, 0, err.Code)
		_ = c.trans.Close()
		c.abort(err)
		return nil, nil, err
	}

	_, decoded, err := c.builder.DecodeSymmetric(raw, chunk.SymmetricRecvOptions{
		Mode:   mode,
		Policy: policy,
		Keys:   tok.ClientKeys,
	})
	if err != nil {
		// Decoder errors are treated as fatal transport errors.
		c.abort(err)
		return nil, nil, err
	}
	return tok, decoded, nil
}

// sendFault writes a ServiceFault for requestID with the given status
// code: secured with the current token's symmetric keys once the
// channel is Open, sent as an unsecured OPN-style chunk before then. A
// failed fault write is logged and swallowed; the channel is about to
// terminate either way.
func (c *Channel) sendFault(requestID, requestHandle uint32, code uastatus.Code) {
	fault := message.ServiceFault{ResponseHeader: message.ResponseHeader{
		Timestamp:     time.Now(),
		RequestHandle: requestHandle,
		ServiceResult: code,
	}}
	var body bytes.Buffer
	if err := fault.Encode(&body); err != nil {
		c.log.WithError(err, "encode_fault").Error("dropping service fault")
		return
	}

	c.mu.Lock()
	secureChannelID := c.secureChannelID
	mode := c.securityMode
	policy := c.securityPolicy
	tokens := c.tokens
	open := c.state == StateOpen
	c.outboundSeq++
	seq := c.outboundSeq
	c.mu.Unlock()

	// Faults on an Open channel ride the symmetric token like any MSG;
	// handshake-phase faults go out unsecured because the client cannot
	// have derived keys it was never told the server nonce for.
	var raw []byte
	var err error
	if open && tokens != nil && tokens.Current() != nil && mode != message.SecurityModeInvalid {
		tok := tokens.Current()
		raw, err = c.chunker.EncodeSymmetric(chunk.SymmetricSendOptions{
			SecureChannelID: secureChannelID,
			TokenID:         tok.TokenID,
			RequestID:       requestID,
			SequenceNumber:  seq,
			Mode:            mode,
			Policy:          policy,
			Keys:            tok.ServerKeys,
		}, body.Bytes())
	} else {
		raw, err = c.chunker.EncodeAsymmetric(chunk.AsymmetricSendOptions{
			SecureChannelID: secureChannelID,
			RequestID:       requestID,
			SequenceNumber:  seq,
			Header:          chunk.AsymmetricSecurityHeader{SecurityPolicyURI: crypto.URINone},
			Mode:            message.SecurityModeNone,
			Policy:          crypto.PolicyNone,
		}, body.Bytes())
	}
	if err != nil {
		c.log.WithError(err, "chunk_fault").Error("dropping service fault")
		return
	}

	if err := c.trans.WriteChunk(raw); err != nil {
		c.log.WithError(err, "write_fault").Warn("transport rejected service fault")
		return
	}
	c.mu.Lock()
	c.bytesWritten += len(raw)
	c.mu.Unlock()
}
