package worker

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	sent := Command{
		ID:        "cmd-1",
		Kind:      CmdAddPrompts,
		Handle:    "sess-1",
		FrameIdx:  7,
		Points:    []Point{{X: 0.5, Y: 0.25, Label: 1}, {X: 0.1, Y: 0.9, Label: 0}},
		Box:       []float64{0.1, 0.1, 0.4, 0.4},
		Direction: "forward",
	}
	require.NoError(t, WriteFrame(&buf, sent))

	var got Command
	require.NoError(t, ReadFrame(&buf, &got))
	assert.Equal(t, sent, got)
}

func TestFrameRoundTripResponse(t *testing.T) {
	var buf bytes.Buffer
	sent := Response{
		ID:       "cmd-2",
		Kind:     RespFrame,
		FrameIdx: 12,
		Width:    4,
		Height:   2,
		Mask:     []byte{0, 255, 0, 255, 0, 0, 0, 255},
		Box:      []float64{1, 0, 4, 2},
	}
	require.NoError(t, WriteFrame(&buf, sent))

	var got Response
	require.NoError(t, ReadFrame(&buf, &got))
	assert.Equal(t, sent, got)
}

func TestReadFrameRejectsOversizedPrefix(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], MaxFrameSize+1)
	buf.Write(lenBuf[:])

	var got Response
	err := ReadFrame(&buf, &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of bounds")
}

func TestReadFrameRejectsZeroPrefix(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})

	var got Response
	require.Error(t, ReadFrame(&buf, &got))
}

func TestWriteFrameRejectsOversizedMessage(t *testing.T) {
	var buf bytes.Buffer
	resp := Response{ID: "big", Kind: RespFrame, Mask: make([]byte, MaxFrameSize)}
	err := WriteFrame(&buf, resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
	assert.Zero(t, buf.Len())
}

func TestParseCommandKind(t *testing.T) {
	for _, kind := range []CommandKind{
		CmdLoadModel, CmdInitSession, CmdAddPrompts, CmdPropagate,
		CmdResetFrame, CmdResetSession, CmdCloseSession, CmdPing, CmdShutdown,
	} {
		got, err := ParseCommandKind(string(kind))
		require.NoError(t, err)
		assert.Equal(t, kind, got)
	}

	_, err := ParseCommandKind("explode")
	require.Error(t, err)
}
