package terminal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeDownstreamBegin(t *testing.T) {
	isBegin, resize, input, err := DecodeDownstream(nil)
	require.NoError(t, err)
	require.True(t, isBegin)
	require.Nil(t, resize)
	require.Nil(t, input)
}

func TestDecodeDownstreamInput(t *testing.T) {
	payload := EncodeInput([]byte("ls -la\n"))
	isBegin, resize, input, err := DecodeDownstream(payload)
	require.NoError(t, err)
	require.False(t, isBegin)
	require.Nil(t, resize)
	require.Equal(t, "ls -la\n", string(input))
}

func TestDecodeDownstreamResize(t *testing.T) {
	payload, err := EncodeResize(ResizeMessage{Rows: 40, Cols: 120})
	require.NoError(t, err)
	isBegin, resize, input, err := DecodeDownstream(payload)
	require.NoError(t, err)
	require.False(t, isBegin)
	require.Nil(t, input)
	require.Equal(t, uint16(40), resize.Rows)
	require.Equal(t, uint16(120), resize.Cols)
}

func TestDecodeDownstreamUnrecognizedPrefixTreatedAsInput(t *testing.T) {
	isBegin, resize, input, err := DecodeDownstream([]byte("plain bytes"))
	require.NoError(t, err)
	require.False(t, isBegin)
	require.Nil(t, resize)
	require.Equal(t, "plain bytes", string(input))
}

func TestDecodeDownstreamBadResizeJSON(t *testing.T) {
	_, _, _, err := DecodeDownstream(append([]byte{downstreamResize}, "not json"...))
	require.Error(t, err)
}
