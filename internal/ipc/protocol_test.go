package ipc

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	payload, err := Encode(&HistoryRequest{Limit: 7})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, NewMessage(MsgHistoryRequest, 42, payload).Write(&buf))
	assert.Equal(t, HeaderSize+len(payload), buf.Len())

	raw := buf.Bytes()
	assert.Equal(t, uint32(ProtocolMagic), binary.BigEndian.Uint32(raw[0:4]))
	assert.Equal(t, uint16(MsgHistoryRequest), binary.BigEndian.Uint16(raw[6:8]))

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgHistoryRequest, msg.Header.Type)
	assert.Equal(t, uint32(42), msg.Header.RequestID)
	assert.Equal(t, FlagJSON, msg.Header.Flags)

	var req HistoryRequest
	require.NoError(t, Decode(msg.Payload, &req))
	assert.Equal(t, 7, req.Limit)
}

func TestEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewMessage(MsgPing, 1, nil).Write(&buf))
	assert.Equal(t, HeaderSize, buf.Len())

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Empty(t, msg.Payload)

	// Decoding nothing leaves the target untouched.
	req := HistoryRequest{Limit: 3}
	require.NoError(t, Decode(nil, &req))
	assert.Equal(t, 3, req.Limit)
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	h := Header{Magic: 0xdeadbeef, Version: ProtocolVersion, Type: MsgPing}
	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))

	_, err := ReadHeader(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid magic number: deadbeef")
}

func TestReadHeaderRejectsNewerVersion(t *testing.T) {
	h := Header{Magic: ProtocolMagic, Version: ProtocolVersion + 1, Type: MsgPing}
	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))

	_, err := ReadHeader(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported protocol version")
}

func TestPayloadSizeLimit(t *testing.T) {
	h := Header{Magic: ProtocolMagic, Version: ProtocolVersion, Type: MsgFocus, Length: MaxPayloadSize + 1}
	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))

	_, err := ReadMessage(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payload too large")

	big := NewMessage(MsgFocus, 1, make([]byte, MaxPayloadSize+1))
	assert.Error(t, big.Write(&bytes.Buffer{}))
}

func TestTruncatedMessage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewMessage(MsgFocus, 1, []byte(`{"window":1}`)).Write(&buf))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])

	_, err := ReadMessage(truncated)
	assert.Error(t, err)
}

func TestErrorMessage(t *testing.T) {
	msg := NewErrorMessage(9, ErrInvalidRequest, "window is required")
	assert.Equal(t, MsgError, msg.Header.Type)
	assert.Equal(t, uint32(9), msg.Header.RequestID)

	var resp ErrorResponse
	require.NoError(t, Decode(msg.Payload, &resp))
	assert.Equal(t, ErrInvalidRequest, resp.Code)
	assert.Equal(t, "window is required", resp.Error())

	resp.Details = "window=0"
	assert.Equal(t, "window is required: window=0", resp.Error())
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "focus", MsgFocus.String())
	assert.Equal(t, "reload_config", MsgReloadConfig.String())
	assert.Equal(t, "0x7fff", MessageType(0x7fff).String())
}

func TestNewEvent(t *testing.T) {
	ev, err := NewEvent(EventSubtypeSwitched, map[string]int{"subtype_index": 2})
	require.NoError(t, err)
	assert.Equal(t, EventSubtypeSwitched, ev.Type)
	assert.JSONEq(t, `{"subtype_index":2}`, string(ev.Data))
	assert.False(t, ev.Timestamp.IsZero())

	ev, err = NewEvent(EventDaemonShutdown, nil)
	require.NoError(t, err)
	assert.Nil(t, ev.Data)
}
