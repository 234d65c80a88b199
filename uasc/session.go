package uasc

import (
	"bytes"
	"fmt"
	"time"

	"github.com/opcua-uasc/server/chunk"
	"github.com/opcua-uasc/server/metrics"
	"github.com/opcua-uasc/server/uastatus"
)

// Correlation pairs an outbound response with the inbound request it
// answers: the requestId from the sequence header, and the original
// request whose requestHandle the response must echo.
type Correlation struct {
	RequestID uint32
	Request   GenericRequest
}

// SendResponse sends a symmetric-secured MSG response for the request
// identified by corr. The response's requestHandle is overwritten with
// the request's own, which is how the client pairs the two.
func (c *Channel) SendResponse(resp GenericResponse, corr Correlation) error {
	if corr.RequestID == 0 {
		return fmt.Errorf("uasc: correlation requestId must be > 0")
	}

	c.mu.Lock()
	if c.state != StateOpen {
		state := c.state
		c.mu.Unlock()
		return statusError(uastatus.BadSecureChannelClosed, fmt.Sprintf("channel is %s, not Open", state))
	}
	if c.opts.DebugDuplicateResponseDetection {
		if c.sentResponses[corr.RequestID] {
			c.mu.Unlock()
			return fmt.Errorf("uasc: response for requestId %d already sent on this channel", corr.RequestID)
		}
		c.sentResponses[corr.RequestID] = true
	}
	tx := c.pending[corr.RequestID]
	delete(c.pending, corr.RequestID)
	c.mu.Unlock()

	resp.Header.RequestHandle = corr.Request.Header.RequestHandle
	if tx != nil {
		resp.Header.RequestHandle = tx.requestHandle
	}
	if resp.Header.Timestamp.IsZero() {
		resp.Header.Timestamp = time.Now()
	}

	var body bytes.Buffer
	if err := resp.Header.Encode(&body); err != nil {
		return fmt.Errorf("uasc: encode response header: %w", err)
	}
	body.Write(resp.Body)

	tick2 := time.Now()
	written, err := c.sendSymmetric(corr.RequestID, body.Bytes())
	if err != nil {
		c.abort(err)
		return err
	}

	if tx == nil {
		tx = &pendingTransaction{requestHandle: resp.Header.RequestHandle, tick0: tick2, tick1: tick2}
	}
	c.completeTransaction(corr.RequestID, tx, tick2, written)
	return nil
}

// SendErrorAndAbort sends a ServiceFault carrying code as its
// serviceResult, then closes the channel after the fault flushes.
func (c *Channel) SendErrorAndAbort(code uastatus.Code, description string, corr Correlation) error {
	c.log.WithField("status", code.String()).
		WithField("request_id", corr.RequestID).
		Warn(description)

	c.mu.Lock()
	tx := c.pending[corr.RequestID]
	delete(c.pending, corr.RequestID)
	c.mu.Unlock()

	requestHandle := corr.Request.Header.RequestHandle
	if tx != nil {
		requestHandle = tx.requestHandle
	}
	c.sendFault(corr.RequestID, requestHandle, code)
	return c.Close()
}

// sendSymmetric drives the chunker for one MSG-type response body:
// requestId, secureChannelId, and the current tokenId stamp the chunk,
// bounded by the transport's receive buffer size; security is
// symmetric via the derived server keys, or absent for mode None.
func (c *Channel) sendSymmetric(requestID uint32, body []byte) (int, error) {
	c.mu.Lock()
	secureChannelID := c.secureChannelID
	mode := c.securityMode
	policy := c.securityPolicy
	tokens := c.tokens
	c.outboundSeq++
	seq := c.outboundSeq
	c.mu.Unlock()

	if tokens == nil || tokens.Current() == nil {
		return 0, statusError(uastatus.BadSecureChannelClosed, "no current security token")
	}
	tok := tokens.Current()

	if limit := c.trans.ReceiveBufferSize(); len(body) > limit {
		return 0, fmt.Errorf("uasc: response body %d bytes exceeds chunk size %d", len(body), limit)
	}

	raw, err := c.chunker.EncodeSymmetric(chunk.SymmetricSendOptions{
		SecureChannelID: secureChannelID,
		TokenID:         tok.TokenID,
		RequestID:       requestID,
		SequenceNumber:  seq,
		Mode:            mode,
		Policy:          policy,
		Keys:            tok.ServerKeys,
	}, body)
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

// completeTransaction records the per-transaction statistics and emits
// the transaction_done event, only after the final chunk has been
// handed to the transport.
func (c *Channel) completeTransaction(requestID uint32, tx *pendingTransaction, tick2 time.Time, written int) {
	tick3 := time.Now()

	c.mu.Lock()
	secureChannelID := c.secureChannelID
	readDelta := c.bytesRead - c.lastBytesRead
	writtenDelta := c.bytesWritten - c.lastBytesWritten
	c.lastBytesRead = c.bytesRead
	c.lastBytesWritten = c.bytesWritten
	c.mu.Unlock()

	stats := TransactionStats{
		SecureChannelID: secureChannelID,
		RequestID:       requestID,
		BytesRead:       readDelta,
		BytesWritten:    writtenDelta,
		LapReception:    tx.tick1.Sub(tx.tick0),
		LapProcessing:   tick2.Sub(tx.tick1),
		LapEmission:     tick3.Sub(tick2),
	}

	metrics.BytesTransferred(readDelta, writtenDelta)
	metrics.TransactionDone(metrics.TransactionLaps{
		Reception:  stats.LapReception.Seconds(),
		Processing: stats.LapProcessing.Seconds(),
		Emission:   stats.LapEmission.Seconds(),
	})

	if c.observ.OnTransactionDone != nil {
		c.observ.OnTransactionDone(stats)
	}
}
