// Package ipc carries requests between imetrackd and its clients over a
// unix socket.
//
// Every message is a fixed 16-byte header followed by a JSON payload. The
// server answers each request with exactly one response carrying the same
// request id; events pushed to subscribers use ids of their own.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x494d4544 // "IMED"
)

// MaxPayloadSize bounds the payload of a single message.
const MaxPayloadSize = 4 << 20

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005
	MsgAck          MessageType = 0x0006

	// Status messages (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101
	MsgDumpRequest    MessageType = 0x0102
	MsgDumpResponse   MessageType = 0x0103
	MsgStatsRequest   MessageType = 0x0104
	MsgStatsResponse  MessageType = 0x0105
	MsgHistoryRequest MessageType = 0x0106
	MsgHistoryResp    MessageType = 0x0107

	// Visibility (0x02xx)
	MsgFocus              MessageType = 0x0200
	MsgFocusResp          MessageType = 0x0201
	MsgVisibilityRequest  MessageType = 0x0202
	MsgVisibilityResp     MessageType = 0x0203
	MsgWindowRemoved      MessageType = 0x0204
	MsgA11yShowMode       MessageType = 0x0206
	MsgInteractive        MessageType = 0x0208
	MsgInteractiveResp    MessageType = 0x0209
	MsgTargetVisibility   MessageType = 0x020a
	MsgImeLayeringOverlay MessageType = 0x020c

	// Request ledger (0x03xx)
	MsgTrackerStart     MessageType = 0x0300
	MsgTrackerStartResp MessageType = 0x0301
	MsgTrackerSignal    MessageType = 0x0302

	// Subtype switching (0x04xx)
	MsgSubtypeUpdate     MessageType = 0x0400
	MsgSubtypeUpdateResp MessageType = 0x0401
	MsgSwitch            MessageType = 0x0402
	MsgSwitchResp        MessageType = 0x0403
	MsgUserAction        MessageType = 0x0404
	MsgUserActionResp    MessageType = 0x0405
	MsgSubtypeChanged    MessageType = 0x0406
	MsgSwitcherMenu      MessageType = 0x0408
	MsgSwitcherMenuResp  MessageType = 0x0409

	// Configuration (0x05xx)
	MsgReloadConfig     MessageType = 0x0500
	MsgReloadConfigResp MessageType = 0x0501

	// Event streaming (0x06xx)
	MsgSubscribe       MessageType = 0x0600
	MsgSubscribeResp   MessageType = 0x0601
	MsgUnsubscribe     MessageType = 0x0602
	MsgUnsubscribeResp MessageType = 0x0603
	MsgEvent           MessageType = 0x0604
)

var messageNames = map[MessageType]string{
	MsgPing:               "ping",
	MsgPong:               "pong",
	MsgHandshake:          "handshake",
	MsgHandshakeAck:       "handshake_ack",
	MsgError:              "error",
	MsgAck:                "ack",
	MsgStatusRequest:      "status",
	MsgStatusResponse:     "status_resp",
	MsgDumpRequest:        "dump",
	MsgDumpResponse:       "dump_resp",
	MsgStatsRequest:       "stats",
	MsgStatsResponse:      "stats_resp",
	MsgHistoryRequest:     "history",
	MsgHistoryResp:        "history_resp",
	MsgFocus:              "focus",
	MsgFocusResp:          "focus_resp",
	MsgVisibilityRequest:  "visibility",
	MsgVisibilityResp:     "visibility_resp",
	MsgWindowRemoved:      "window_removed",
	MsgA11yShowMode:       "a11y_show_mode",
	MsgInteractive:        "interactive",
	MsgInteractiveResp:    "interactive_resp",
	MsgTargetVisibility:   "target_visibility",
	MsgImeLayeringOverlay: "ime_layering_overlay",
	MsgTrackerStart:       "tracker_start",
	MsgTrackerStartResp:   "tracker_start_resp",
	MsgTrackerSignal:      "tracker_signal",
	MsgSubtypeUpdate:      "subtype_update",
	MsgSubtypeUpdateResp:  "subtype_update_resp",
	MsgSwitch:             "switch",
	MsgSwitchResp:         "switch_resp",
	MsgUserAction:         "user_action",
	MsgUserActionResp:     "user_action_resp",
	MsgSubtypeChanged:     "subtype_changed",
	MsgSwitcherMenu:       "switcher_menu",
	MsgSwitcherMenuResp:   "switcher_menu_resp",
	MsgReloadConfig:       "reload_config",
	MsgReloadConfigResp:   "reload_config_resp",
	MsgSubscribe:          "subscribe",
	MsgSubscribeResp:      "subscribe_resp",
	MsgUnsubscribe:        "unsubscribe",
	MsgUnsubscribeResp:    "unsubscribe_resp",
	MsgEvent:              "event",
}

func (t MessageType) String() string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// EventType identifies the type of streamed event
type EventType uint16

const (
	EventVerdict          EventType = 0x0001
	EventRequestCompleted EventType = 0x0002
	EventSubtypeSwitched  EventType = 0x0003
	EventConfigReloaded   EventType = 0x0004
	EventDaemonShutdown   EventType = 0x0005
)

// AllEvents lists every event type; an empty subscription means all of them.
var AllEvents = []EventType{
	EventVerdict,
	EventRequestCompleted,
	EventSubtypeSwitched,
	EventConfigReloaded,
	EventDaemonShutdown,
}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Header flags
const (
	FlagJSON uint8 = 0x04
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

func (h *Header) put(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	var buf [HeaderSize]byte
	h.put(buf[:])
	_, err := w.Write(buf[:])
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}

	return h, nil
}

// Write writes the header and payload in a single call.
func (m *Message) Write(w io.Writer) error {
	if len(m.Payload) > MaxPayloadSize {
		return fmt.Errorf("payload too large: %d bytes", len(m.Payload))
	}
	m.Header.Length = uint32(len(m.Payload))

	buf := make([]byte, HeaderSize, HeaderSize+len(m.Payload))
	m.Header.put(buf)
	buf = append(buf, m.Payload...)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayloadSize {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// HandshakeRequest is sent by the client to initiate connection
type HandshakeRequest struct {
	ClientID        string `json:"client_id"`
	ClientName      string `json:"client_name"`
	ClientVersion   string `json:"client_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge connection
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	PeerUID         int    `json:"peer_uid"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *ErrorResponse) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// Error codes
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrNotFound         = 3
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrNotAvailable     = 6
)

// AckResponse answers requests that return nothing else.
type AckResponse struct {
	OK bool `json:"ok"`
}

// SubscribeRequest requests event subscription
type SubscribeRequest struct {
	Events []EventType `json:"events,omitempty"` // Empty means all events
}

// SubscribeResponse acknowledges subscription
type SubscribeResponse struct {
	SubscriptionID string      `json:"subscription_id"`
	Events         []EventType `json:"events"`
}

// Event is pushed to subscribed clients.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event carrying data encoded as JSON.
func NewEvent(t EventType, data any) (*Event, error) {
	ev := &Event{Type: t, Timestamp: time.Now()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode event data: %w", err)
		}
		ev.Data = raw
	}
	return ev, nil
}

// Encode encodes a payload to JSON bytes. A nil payload encodes to nothing.
func Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload. An empty payload leaves v alone.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
