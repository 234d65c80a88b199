package uasc

import (
	"bytes"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opcua-uasc/server/chunk"
	"github.com/opcua-uasc/server/crypto"
	"github.com/opcua-uasc/server/message"
	"github.com/opcua-uasc/server/uastatus"
)

func TestOpenPolicyNone(t *testing.T) {
	ch, trans, _ := newTestChannel(t, Observers{}, Options{})
	done := startInit(ch)

	resp := openPolicyNone(t, ch, trans, done, 11)

	assert.Equal(t, uastatus.Good, resp.ResponseHeader.ServiceResult)
	assert.Equal(t, uint32(11), resp.ResponseHeader.RequestHandle)
	assert.Equal(t, uint32(1), resp.SecurityToken.TokenID)
	assert.Equal(t, uint32(600000), resp.SecurityToken.RevisedLifetime)
	assert.Empty(t, resp.ServerNonce)
	assert.Equal(t, StateOpen, ch.State())
	assert.Equal(t, resp.SecurityToken.ChannelID, ch.SecureChannelID())
	require.NoError(t, ch.Close())
}

func TestOpenUnknownPolicy(t *testing.T) {
	ch, trans, _ := newTestChannel(t, Observers{}, Options{})
	done := startInit(ch)

	req := message.OpenSecureChannelRequest{
		RequestHeader: message.RequestHeader{RequestHandle: 5},
		SecurityMode:  message.SecurityModeSignAndEncrypt,
	}
	trans.in <- encodeOpenRequest(t, req, chunk.AsymmetricSendOptions{
		RequestID:      1,
		SequenceNumber: 1,
		Header: chunk.AsymmetricSecurityHeader{
			SecurityPolicyURI: "http://opcfoundation.org/UA/SecurityPolicy#Aes256_Sha256_RsaPss",
		},
		Mode:   message.SecurityModeNone,
		Policy: crypto.PolicyNone,
	})

	err := <-done
	require.Error(t, err)
	assert.Equal(t, uastatus.BadSecurityPolicyRejected, uastatus.CodeOf(err, uastatus.Good))

	fault := decodeUnsecuredFault(t, trans.nextOut(t))
	assert.Equal(t, uastatus.BadSecurityPolicyRejected, fault.ResponseHeader.ServiceResult)
	assert.Equal(t, StateAborted, ch.State())
}

func TestRequestedLifetimeCappedAtDefault(t *testing.T) {
	ch, trans, _ := newTestChannel(t, Observers{}, Options{})
	done := startInit(ch)

	req := message.OpenSecureChannelRequest{
		RequestHeader:     message.RequestHeader{RequestHandle: 1},
		SecurityMode:      message.SecurityModeNone,
		ClientNonce:       []byte{},
		RequestedLifetime: 900000000,
	}
	trans.in <- encodeOpenRequest(t, req, chunk.AsymmetricSendOptions{
		RequestID:      1,
		SequenceNumber: 1,
		Header:         chunk.AsymmetricSecurityHeader{SecurityPolicyURI: crypto.URINone},
		Mode:           message.SecurityModeNone,
		Policy:         crypto.PolicyNone,
	})
	require.NoError(t, <-done)

	resp := decodeOpenResponse(t, trans.nextOut(t), chunk.AsymmetricRecvOptions{
		Mode:   message.SecurityModeNone,
		Policy: crypto.PolicyNone,
	})
	assert.Equal(t, uint32(600000), resp.SecurityToken.RevisedLifetime)
	require.NoError(t, ch.Close())
}

func TestRenewalIncrementsTokenID(t *testing.T) {
	ch, trans, _ := newTestChannel(t, Observers{}, Options{})
	done := startInit(ch)
	first := openPolicyNone(t, ch, trans, done, 11)
	require.Equal(t, uint32(1), first.SecurityToken.TokenID)

	renew := message.OpenSecureChannelRequest{
		RequestHeader: message.RequestHeader{RequestHandle: 22},
		RequestType:   message.RequestTypeRenew,
		SecurityMode:  message.SecurityModeNone,
		ClientNonce:   []byte{},
	}
	trans.in <- encodeOpenRequest(t, renew, chunk.AsymmetricSendOptions{
		SecureChannelID: first.SecurityToken.ChannelID,
		RequestID:       2,
		SequenceNumber:  2,
		Header:          chunk.AsymmetricSecurityHeader{SecurityPolicyURI: crypto.URINone},
		Mode:            message.SecurityModeNone,
		Policy:          crypto.PolicyNone,
	})

	resp := decodeOpenResponse(t, trans.nextOut(t), chunk.AsymmetricRecvOptions{
		Mode:   message.SecurityModeNone,
		Policy: crypto.PolicyNone,
	})
	assert.Equal(t, uastatus.Good, resp.ResponseHeader.ServiceResult)
	assert.Equal(t, uint32(2), resp.SecurityToken.TokenID)
	assert.Equal(t, uint32(22), resp.ResponseHeader.RequestHandle)
	assert.Equal(t, first.SecurityToken.ChannelID, resp.SecurityToken.ChannelID)
	assert.Equal(t, StateOpen, ch.State())
	require.NoError(t, ch.Close())
}

func TestWrongFirstMessage(t *testing.T) {
	var aborts atomic.Int32
	ch, trans, _ := newTestChannel(t, Observers{
		OnAbort: func(uint32, error) { aborts.Add(1) },
	}, Options{})
	done := startInit(ch)

	raw, err := chunk.NewChunker(crypto.DefaultProvider{}).EncodeSymmetric(chunk.SymmetricSendOptions{
		TokenID:        1,
		RequestID:      1,
		SequenceNumber: 1,
		Mode:           message.SecurityModeNone,
		Policy:         crypto.PolicyNone,
	}, []byte("not an OPN"))
	require.NoError(t, err)
	trans.in <- raw

	initErr := <-done
	require.Error(t, initErr)
	assert.Equal(t, uastatus.BadCommunicationError, uastatus.CodeOf(initErr, uastatus.Good))

	fault := decodeUnsecuredFault(t, trans.nextOut(t))
	assert.Equal(t, uastatus.BadCommunicationError, fault.ResponseHeader.ServiceResult)
	assert.Equal(t, StateAborted, ch.State())
	assert.Equal(t, int32(0), aborts.Load(), "channel never reached Open, no abort event expected")
}

func TestInitTimeout(t *testing.T) {
	ch, _, _ := newTestChannel(t, Observers{}, Options{Timeout: 50 * time.Millisecond})
	err := ch.Init()
	require.Error(t, err)
	assert.Equal(t, StateAborted, ch.State())
}

func TestTransportErrorBeforeOpenDoesNotEmitAbort(t *testing.T) {
	var aborts atomic.Int32
	ch, trans, _ := newTestChannel(t, Observers{
		OnAbort: func(uint32, error) { aborts.Add(1) },
	}, Options{})
	done := startInit(ch)

	close(trans.in)
	require.Error(t, <-done)
	assert.Equal(t, int32(0), aborts.Load())
	assert.Equal(t, StateAborted, ch.State())
}

func TestAbortEmittedAtMostOnce(t *testing.T) {
	var aborts atomic.Int32
	ch, trans, _ := newTestChannel(t, Observers{
		OnAbort: func(uint32, error) { aborts.Add(1) },
	}, Options{})
	done := startInit(ch)
	openPolicyNone(t, ch, trans, done, 1)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	// Let the receive loop observe the closed transport too.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), aborts.Load())
}

func TestMessageDispatchAndResponse(t *testing.T) {
	msgs := make(chan InboundMessage, 1)
	txs := make(chan TransactionStats, 4)
	ch, trans, _ := newTestChannel(t, Observers{
		OnMessage:         func(m InboundMessage) { msgs <- m },
		OnTransactionDone: func(s TransactionStats) { txs <- s },
	}, Options{})
	done := startInit(ch)
	open := openPolicyNone(t, ch, trans, done, 1)
	<-txs // the OPN exchange's own transaction

	var body bytes.Buffer
	require.NoError(t, message.RequestHeader{RequestHandle: 77}.Encode(&body))
	body.WriteString("read-request")

	raw, err := chunk.NewChunker(crypto.DefaultProvider{}).EncodeSymmetric(chunk.SymmetricSendOptions{
		SecureChannelID: open.SecurityToken.ChannelID,
		TokenID:         open.SecurityToken.TokenID,
		RequestID:       2,
		SequenceNumber:  2,
		Mode:            message.SecurityModeNone,
		Policy:          crypto.PolicyNone,
	}, body.Bytes())
	require.NoError(t, err)
	trans.in <- raw

	var inbound InboundMessage
	select {
	case inbound = <-msgs:
	case <-time.After(2 * time.Second):
		t.Fatal("no message event within 2s")
	}
	assert.Equal(t, uint32(2), inbound.RequestID)
	assert.Equal(t, uint32(77), inbound.Request.Header.RequestHandle)
	assert.Equal(t, []byte("read-request"), inbound.Request.Body)

	require.NoError(t, ch.SendResponse(GenericResponse{
		Header: message.ResponseHeader{ServiceResult: uastatus.Good},
		Body:   []byte("read-response"),
	}, Correlation{RequestID: inbound.RequestID, Request: inbound.Request}))

	_, decoded, err := chunk.NewBuilder(crypto.DefaultProvider{}).DecodeSymmetric(trans.nextOut(t), chunk.SymmetricRecvOptions{
		Mode:   message.SecurityModeNone,
		Policy: crypto.PolicyNone,
	})
	require.NoError(t, err)
	header, err := message.DecodeResponseHeader(bytes.NewReader(decoded.Body))
	require.NoError(t, err)
	assert.Equal(t, uint32(77), header.RequestHandle, "response must echo the request's requestHandle")
	assert.Equal(t, uastatus.Good, header.ServiceResult)
	assert.True(t, bytes.HasSuffix(decoded.Body, []byte("read-response")))

	stats := <-txs
	assert.Equal(t, uint32(2), stats.RequestID)
	assert.Greater(t, stats.BytesWritten, 0)
	require.NoError(t, ch.Close())
}

func TestDuplicateResponseDetection(t *testing.T) {
	msgs := make(chan InboundMessage, 1)
	ch, trans, _ := newTestChannel(t, Observers{
		OnMessage: func(m InboundMessage) { msgs <- m },
	}, Options{DebugDuplicateResponseDetection: true})
	done := startInit(ch)
	open := openPolicyNone(t, ch, trans, done, 1)

	var body bytes.Buffer
	require.NoError(t, message.RequestHeader{RequestHandle: 8}.Encode(&body))
	raw, err := chunk.NewChunker(crypto.DefaultProvider{}).EncodeSymmetric(chunk.SymmetricSendOptions{
		SecureChannelID: open.SecurityToken.ChannelID,
		TokenID:         open.SecurityToken.TokenID,
		RequestID:       2,
		SequenceNumber:  2,
		Mode:            message.SecurityModeNone,
		Policy:          crypto.PolicyNone,
	}, body.Bytes())
	require.NoError(t, err)
	trans.in <- raw
	inbound := <-msgs

	corr := Correlation{RequestID: inbound.RequestID, Request: inbound.Request}
	require.NoError(t, ch.SendResponse(GenericResponse{}, corr))
	err = ch.SendResponse(GenericResponse{}, corr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already sent")
	require.NoError(t, ch.Close())
}

func TestSendResponseRejectsZeroRequestID(t *testing.T) {
	ch, trans, _ := newTestChannel(t, Observers{}, Options{})
	done := startInit(ch)
	openPolicyNone(t, ch, trans, done, 1)

	err := ch.SendResponse(GenericResponse{}, Correlation{RequestID: 0})
	require.Error(t, err)
	require.NoError(t, ch.Close())
}

func TestSecureChannelIDsAreUnique(t *testing.T) {
	seen := map[uint32]bool{}
	for i := 0; i < 3; i++ {
		ch, trans, _ := newTestChannel(t, Observers{}, Options{})
		done := startInit(ch)
		resp := openPolicyNone(t, ch, trans, done, 1)
		assert.False(t, seen[resp.SecurityToken.ChannelID], "secureChannelId %d reused", resp.SecurityToken.ChannelID)
		seen[resp.SecurityToken.ChannelID] = true
		require.NoError(t, ch.Close())
	}
}

func TestCloseRequestClosesChannel(t *testing.T) {
	var aborts atomic.Int32
	ch, trans, _ := newTestChannel(t, Observers{
		OnAbort: func(uint32, error) { aborts.Add(1) },
	}, Options{})
	done := startInit(ch)
	open := openPolicyNone(t, ch, trans, done, 1)

	var body bytes.Buffer
	require.NoError(t, message.CloseSecureChannelRequest{
		RequestHeader: message.RequestHeader{RequestHandle: 9},
	}.Encode(&body))
	raw, err := chunk.NewChunker(crypto.DefaultProvider{}).EncodeClose(chunk.SymmetricSendOptions{
		SecureChannelID: open.SecurityToken.ChannelID,
		TokenID:         open.SecurityToken.TokenID,
		RequestID:       2,
		SequenceNumber:  2,
		Mode:            message.SecurityModeNone,
		Policy:          crypto.PolicyNone,
	}, body.Bytes())
	require.NoError(t, err)
	trans.in <- raw

	require.Eventually(t, func() bool { return ch.State() == StateAborted }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), aborts.Load())
}

func TestUnknownTokenRejected(t *testing.T) {
	ch, trans, _ := newTestChannel(t, Observers{}, Options{})
	done := startInit(ch)
	open := openPolicyNone(t, ch, trans, done, 1)

	var body bytes.Buffer
	require.NoError(t, message.RequestHeader{RequestHandle: 4}.Encode(&body))
	raw, err := chunk.NewChunker(crypto.DefaultProvider{}).EncodeSymmetric(chunk.SymmetricSendOptions{
		SecureChannelID: open.SecurityToken.ChannelID,
		TokenID:         999,
		RequestID:       2,
		SequenceNumber:  2,
		Mode:            message.SecurityModeNone,
		Policy:          crypto.PolicyNone,
	}, body.Bytes())
	require.NoError(t, err)
	trans.in <- raw

	_, decoded, err := chunk.NewBuilder(crypto.DefaultProvider{}).DecodeSymmetric(trans.nextOut(t), chunk.SymmetricRecvOptions{
		Mode:   message.SecurityModeNone,
		Policy: crypto.PolicyNone,
	})
	require.NoError(t, err)
	fault, err := message.DecodeServiceFault(bytes.NewReader(decoded.Body))
	require.NoError(t, err)
	assert.Equal(t, uastatus.BadSecureChannelTokenUnknown, fault.ResponseHeader.ServiceResult)
	require.Eventually(t, func() bool { return ch.State() == StateAborted }, 2*time.Second, 10*time.Millisecond)
}
