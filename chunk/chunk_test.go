package chunk

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opcua-uasc/server/crypto"
	"github.com/opcua-uasc/server/message"
)

func TestAsymmetricRoundTripNone(t *testing.T) {
	provider := crypto.DefaultProvider{}
	chunker := NewChunker(provider)
	builder := NewBuilder(provider)

	body := []byte("open secure channel request body")
	raw, err := chunker.EncodeAsymmetric(AsymmetricSendOptions{
		SecureChannelID: 7,
		RequestID:       1,
		Header:          AsymmetricSecurityHeader{SecurityPolicyURI: crypto.URINone},
		Mode:            message.SecurityModeNone,
		Policy:          crypto.PolicyNone,
	}, body)
	require.NoError(t, err)

	decoded, err := builder.DecodeAsymmetric(raw, AsymmetricRecvOptions{
		Mode:   message.SecurityModeNone,
		Policy: crypto.PolicyNone,
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(7), decoded.SecureChannelID)
	assert.Equal(t, body, decoded.Body)
}

func TestAsymmetricRoundTripSignAndEncrypt(t *testing.T) {
	provider := crypto.DefaultProvider{}
	chunker := NewChunker(provider)
	builder := NewBuilder(provider)

	serverKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	clientKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	body := []byte("open secure channel response body, small enough for one RSA block")
	raw, err := chunker.EncodeAsymmetric(AsymmetricSendOptions{
		SecureChannelID: 3,
		RequestID:       9,
		Header:          AsymmetricSecurityHeader{SecurityPolicyURI: crypto.URIBasic256},
		Mode:            message.SecurityModeSignAndEncrypt,
		Policy:          crypto.PolicyBasic256,
		SignWith:        serverKey,
		EncryptWith:     &clientKey.PublicKey,
	}, body)
	require.NoError(t, err)

	decoded, err := builder.DecodeAsymmetric(raw, AsymmetricRecvOptions{
		Mode:         message.SecurityModeSignAndEncrypt,
		Policy:       crypto.PolicyBasic256,
		DecryptWith:  clientKey,
		VerifyWith:   &serverKey.PublicKey,
		SignatureLen: serverKey.Size(),
	})
	require.NoError(t, err)
	assert.Equal(t, body, decoded.Body)
}

func TestAsymmetricDecodeRejectsTamperedSignature(t *testing.T) {
	provider := crypto.DefaultProvider{}
	chunker := NewChunker(provider)
	builder := NewBuilder(provider)

	serverKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	raw, err := chunker.EncodeAsymmetric(AsymmetricSendOptions{
		SecureChannelID: 1,
		Header:          AsymmetricSecurityHeader{SecurityPolicyURI: crypto.URIBasic128Rsa15},
		Mode:            message.SecurityModeSign,
		Policy:          crypto.PolicyBasic128Rsa15,
		SignWith:        serverKey,
	}, []byte("body"))
	require.NoError(t, err)

	raw[len(raw)-1] ^= 0xFF // corrupt the trailing signature byte

	_, err = builder.DecodeAsymmetric(raw, AsymmetricRecvOptions{
		Mode:         message.SecurityModeSign,
		Policy:       crypto.PolicyBasic128Rsa15,
		VerifyWith:   &serverKey.PublicKey,
		SignatureLen: serverKey.Size(),
	})
	assert.Error(t, err)
}

func TestSymmetricRoundTripSignAndEncrypt(t *testing.T) {
	provider := crypto.DefaultProvider{}
	chunker := NewChunker(provider)
	builder := NewBuilder(provider)

	keys := crypto.SymmetricKeys{
		SigningKey:    make([]byte, 32),
		EncryptingKey: make([]byte, 32),
		InitVector:    make([]byte, 16),
	}
	_, _ = rand.Read(keys.SigningKey)
	_, _ = rand.Read(keys.EncryptingKey)
	_, _ = rand.Read(keys.InitVector)

	body := []byte("an application-layer request body")
	raw, err := chunker.EncodeSymmetric(SymmetricSendOptions{
		SecureChannelID: 5,
		TokenID:         1,
		RequestID:       2,
		Mode:            message.SecurityModeSignAndEncrypt,
		Policy:          crypto.PolicyBasic256,
		Keys:            keys,
	}, body)
	require.NoError(t, err)

	msgType, decoded, err := builder.DecodeSymmetric(raw, SymmetricRecvOptions{
		Mode:   message.SecurityModeSignAndEncrypt,
		Policy: crypto.PolicyBasic256,
		Keys:   keys,
	})
	require.NoError(t, err)
	assert.Equal(t, MessageTypeMSG, msgType)
	assert.Equal(t, uint32(1), decoded.TokenID)
	assert.Equal(t, body, decoded.Body)
}

func TestSymmetricRoundTripNone(t *testing.T) {
	provider := crypto.DefaultProvider{}
	chunker := NewChunker(provider)
	builder := NewBuilder(provider)

	body := []byte("plain body")
	raw, err := chunker.EncodeSymmetric(SymmetricSendOptions{
		SecureChannelID: 5,
		TokenID:         1,
		Mode:            message.SecurityModeNone,
		Policy:          crypto.PolicyNone,
	}, body)
	require.NoError(t, err)

	msgType, decoded, err := builder.DecodeSymmetric(raw, SymmetricRecvOptions{
		Mode:   message.SecurityModeNone,
		Policy: crypto.PolicyNone,
	})
	require.NoError(t, err)
	assert.Equal(t, MessageTypeMSG, msgType)
	assert.Equal(t, body, decoded.Body)
}

func TestEncodeClose(t *testing.T) {
	provider := crypto.DefaultProvider{}
	chunker := NewChunker(provider)
	builder := NewBuilder(provider)

	raw, err := chunker.EncodeClose(SymmetricSendOptions{
		SecureChannelID: 5,
		TokenID:         1,
		Mode:            message.SecurityModeNone,
		Policy:          crypto.PolicyNone,
	}, []byte("close body"))
	require.NoError(t, err)

	msgType, decoded, err := builder.DecodeSymmetric(raw, SymmetricRecvOptions{Mode: message.SecurityModeNone})
	require.NoError(t, err)
	assert.Equal(t, MessageTypeCLO, msgType)
	assert.Equal(t, []byte("close body"), decoded.Body)
}

func TestPeekMessageType(t *testing.T) {
	mt, err := PeekMessageType([]byte("OPN...."))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeOPN, mt)

	_, err = PeekMessageType([]byte("OP"))
	assert.Error(t, err)
}
