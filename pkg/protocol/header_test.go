package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWriteMessage(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		payload []byte
		wantErr error
	}{
		{
			name:    "empty payload",
			cmd:     CmdLogout,
			payload: []byte{},
		},
		{
			name:    "text payload",
			cmd:     CmdLogin,
			payload: []byte("alice secret"),
		},
		{
			name:    "binary chunk payload",
			cmd:     CmdFileChunk,
			payload: bytes.Repeat([]byte{0x00, 0xFF, 0x7F}, 1000),
		},
		{
			name:    "max payload size",
			cmd:     CmdMessage,
			payload: make([]byte, MaxPayloadSize),
		},
		{
			name:    "oversized payload",
			cmd:     CmdMessage,
			payload: make([]byte, MaxPayloadSize+1),
			wantErr: ErrPayloadTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := WriteMessage(&buf, tt.cmd, tt.payload)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			h, payload, err := ReadMessage(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.cmd, h.Command)
			assert.Equal(t, uint32(len(tt.payload)), h.PayloadLen)
			assert.Equal(t, tt.payload, payload)
			assert.Zero(t, buf.Len(), "no trailing bytes expected")
		})
	}
}

func TestHeaderWireLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHeader(&buf, Header{Command: CmdFileChunk, PayloadLen: 4096}))

	// Two little-endian uint32s: 88, then 4096.
	want := []byte{0x58, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00}
	assert.Equal(t, want, buf.Bytes())
}

func TestReadMessageTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHeader(&buf, Header{Command: CmdMessage, PayloadLen: 10}))
	buf.Write([]byte("short"))

	_, _, err := ReadMessage(&buf)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadMessageTruncatedHeader(t *testing.T) {
	_, _, err := ReadMessage(bytes.NewReader([]byte{0x01, 0x00}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadMessageEmptyStream(t *testing.T) {
	_, _, err := ReadMessage(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadMessageDeclaredLengthTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHeader(&buf, Header{Command: CmdMessage, PayloadLen: MaxPayloadSize + 1}))

	_, _, err := ReadMessage(&buf)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestCommandKnown(t *testing.T) {
	for _, c := range []Command{
		CmdEcho, CmdRegister, CmdLogin, CmdLogout, CmdMessage, CmdBroadcast,
		CmdSendFile, CmdList, CmdExit, CmdHistory,
		CmdFileBegin, CmdFileEnd, CmdFileChunk,
	} {
		assert.True(t, c.Known(), "command %d should be known", c)
		assert.NotEqual(t, "UNKNOWN", c.String())
	}

	for _, c := range []Command{0, 11, 54, 56, 76, 89, 1 << 20} {
		assert.False(t, c.Known(), "command %d should be unknown", c)
		assert.Equal(t, "UNKNOWN", c.String())
	}
}
