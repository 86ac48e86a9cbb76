package wire

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/corewire/wireerr"
)

func TestPeekVariant(t *testing.T) {
	_, err := PeekVariant(nil)
	require.ErrorIs(t, err, ErrEmptyFrame)

	_, err = PeekVariant([]byte{0x09})
	require.ErrorIs(t, err, ErrUnknownVariant)

	v, err := PeekVariant([]byte{0x00, byte(VariantTerminal)})
	require.NoError(t, err)
	require.Equal(t, VariantTerminal, v)
}

func TestLoginFrameRoundTripSuccess(t *testing.T) {
	inner := EncodeLoginInner(LoginNonce, []byte("01234567890123456789012345678901"[:32]))
	frame := EncodeLoginFrame(true, inner, nil)

	ok, decodedInner, loginErr, err := DecodeLoginFrame(frame)
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, loginErr)

	sub, payload, err := DecodeLoginInner(decodedInner)
	require.NoError(t, err)
	require.Equal(t, LoginNonce, sub)
	require.Equal(t, []byte("01234567890123456789012345678901"[:32]), payload)
}

func TestLoginFrameRoundTripFailure(t *testing.T) {
	failure := wireerr.New(wireerr.KindBadPublicKey, "offered key not recognized")
	frame := EncodeLoginFrame(false, nil, failure)

	ok, inner, loginErr, err := DecodeLoginFrame(frame)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, inner)
	require.Equal(t, wireerr.KindBadPublicKey, loginErr.Kind)
	require.Equal(t, "offered key not recognized", loginErr.Root)
}

func TestRequestFrameRoundTrip(t *testing.T) {
	channel := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	envelope := RequestEnvelope{Type: "GetVersion", Params: json.RawMessage(`{}`)}

	frame, err := EncodeRequestFrame(channel, envelope)
	require.NoError(t, err)

	decodedChannel, decodedEnvelope, err := DecodeRequestFrame(frame)
	require.NoError(t, err)
	require.Equal(t, channel, decodedChannel)
	require.Equal(t, "GetVersion", decodedEnvelope.Type)
	require.JSONEq(t, `{}`, string(decodedEnvelope.Params))
}

func TestResponseFrameInProgress(t *testing.T) {
	channel := uuid.New()
	frame, err := EncodeResponseFrame(channel, StateInProgress, nil, nil)
	require.NoError(t, err)

	decodedChannel, state, body, respErr, err := DecodeResponseFrame(frame)
	require.NoError(t, err)
	require.Equal(t, channel, decodedChannel)
	require.Equal(t, StateInProgress, state)
	require.Nil(t, body)
	require.Nil(t, respErr)
}

func TestResponseFrameSuccessful(t *testing.T) {
	channel := uuid.New()
	payload := json.RawMessage(`{"version":"X"}`)
	frame, err := EncodeResponseFrame(channel, StateSuccessful, payload, nil)
	require.NoError(t, err)

	decodedChannel, state, body, respErr, err := DecodeResponseFrame(frame)
	require.NoError(t, err)
	require.Equal(t, channel, decodedChannel)
	require.Equal(t, StateSuccessful, state)
	require.Nil(t, respErr)
	require.JSONEq(t, `{"version":"X"}`, string(body))
}

func TestResponseFrameFailed(t *testing.T) {
	channel := uuid.New()
	failure := wireerr.New(wireerr.KindResponseTimeout, "deadline exceeded")
	frame, err := EncodeResponseFrame(channel, StateFailed, nil, failure)
	require.NoError(t, err)

	decodedChannel, state, body, respErr, err := DecodeResponseFrame(frame)
	require.NoError(t, err)
	require.Equal(t, channel, decodedChannel)
	require.Equal(t, StateFailed, state)
	require.Nil(t, body)
	require.Equal(t, wireerr.KindResponseTimeout, respErr.Kind)
}

func TestTerminalFrameRoundTrip(t *testing.T) {
	channel := uuid.New()
	payload := append([]byte{0x00}, []byte("hello\n")...)

	frame := EncodeTerminalFrame(channel, payload)
	decodedChannel, decodedPayload, err := DecodeTerminalFrame(frame)
	require.NoError(t, err)
	require.Equal(t, channel, decodedChannel)
	require.Equal(t, payload, decodedPayload)
}

func TestTruncatedFramesFailCleanly(t *testing.T) {
	_, _, err := DecodeRequestFrame([]byte{byte(VariantRequest)})
	require.ErrorIs(t, err, ErrTruncated)

	_, _, err = DecodeTerminalFrame(append(make([]byte, 10), byte(VariantTerminal)))
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeLoginPublicKeyRejectsInvalidUTF8(t *testing.T) {
	_, err := DecodeLoginPublicKey([]byte{0xff, 0xfe, 0xfd})
	require.ErrorIs(t, err, ErrBadPublicKey)

	s, err := DecodeLoginPublicKey([]byte("MCowBQYDK2VuAyEA"))
	require.NoError(t, err)
	require.Equal(t, "MCowBQYDK2VuAyEA", s)
}

func TestPrologueDiffersOnAnyInput(t *testing.T) {
	base := Prologue("core.example:8120", "server=p1", "abc123accept==", []byte("nonce-a-32-bytes-aaaaaaaaaaaaaaa"))
	variants := [][]byte{
		Prologue("core.example:8121", "server=p1", "abc123accept==", []byte("nonce-a-32-bytes-aaaaaaaaaaaaaaa")),
		Prologue("core.example:8120", "server=p2", "abc123accept==", []byte("nonce-a-32-bytes-aaaaaaaaaaaaaaa")),
		Prologue("core.example:8120", "server=p1", "xyz999accept==", []byte("nonce-a-32-bytes-aaaaaaaaaaaaaaa")),
		Prologue("core.example:8120", "server=p1", "abc123accept==", []byte("nonce-b-32-bytes-bbbbbbbbbbbbbbb")),
	}
	for _, v := range variants {
		require.NotEqual(t, base, v)
	}
}
