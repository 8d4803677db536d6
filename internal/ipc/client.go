package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"imetrackd/internal/imf"
	"imetrackd/internal/switching"
	"imetrackd/internal/tracker"
	"imetrackd/internal/visibility"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// IPCClient talks to imetrackd over its unix socket.
type IPCClient struct {
	mu         sync.RWMutex
	conn       net.Conn
	socketPath string
	clientID   string
	sessionID  string
	version    string
	peerUID    int

	connected atomic.Bool

	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32
	writeMu   sync.Mutex

	eventChan    chan *Event
	eventHandler EventHandler
	eventMu      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	config ClientConfig
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "imectl",
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// EventHandler is called when events are received
type EventHandler func(event *Event)

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *IPCClient {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	return &IPCClient{
		socketPath: cfg.SocketPath,
		clientID:   uuid.NewString(),
		peerUID:    -1,
		pending:    make(map[uint32]chan *Message),
		eventChan:  make(chan *Event, 100),
		ctx:        ctx,
		cancel:     cancel,
		config:     cfg,
	}
}

// Dial connects and handshakes with the daemon at cfg.SocketPath.
func Dial(ctx context.Context, cfg ClientConfig) (*IPCClient, error) {
	c := NewClient(cfg)
	if err := c.Connect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Connect establishes a connection to the daemon
func (c *IPCClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected.Load() {
		c.mu.Unlock()
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.conn = conn
	c.connected.Store(true)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)

	if err := c.handshake(ctx); err != nil {
		c.close()
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// Close closes the connection to the daemon
func (c *IPCClient) Close() error {
	c.cancel()
	c.close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	c.eventMu.Lock()
	if c.eventChan != nil {
		close(c.eventChan)
		c.eventChan = nil
	}
	c.eventMu.Unlock()
	return nil
}

// close drops the connection and fails every pending request.
func (c *IPCClient) close() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)
	c.mu.Unlock()

	c.pendingMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[uint32]chan *Message)
	c.pendingMu.Unlock()
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// ClientID returns the id this client announced in the handshake.
func (c *IPCClient) ClientID() string { return c.clientID }

// SessionID returns the session ID assigned by the server
func (c *IPCClient) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// ServerVersion returns the version the server reported.
func (c *IPCClient) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// PeerUID returns the uid the server saw for this connection.
func (c *IPCClient) PeerUID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerUID
}

// SetEventHandler sets the handler for streamed events
func (c *IPCClient) SetEventHandler(handler EventHandler) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.eventHandler = handler
}

// Events returns the event channel for streaming events
func (c *IPCClient) Events() <-chan *Event {
	c.eventMu.RLock()
	defer c.eventMu.RUnlock()
	return c.eventChan
}

func (c *IPCClient) handshake(ctx context.Context) error {
	req := &HandshakeRequest{
		ClientID:        c.clientID,
		ClientName:      c.config.ClientName,
		ClientVersion:   c.config.ClientVersion,
		ProtocolVersion: ProtocolVersion,
	}

	var ack HandshakeResponse
	if err := c.Request(ctx, MsgHandshake, req, &ack); err != nil {
		return err
	}

	c.mu.Lock()
	c.sessionID = ack.SessionID
	c.version = ack.ServerVersion
	c.peerUID = ack.PeerUID
	c.mu.Unlock()
	return nil
}

// Request sends payload as msgType and decodes the response into out,
// which may be nil. An error response is returned as *ErrorResponse.
func (c *IPCClient) Request(ctx context.Context, msgType MessageType, payload, out any) error {
	resp, err := c.roundTrip(ctx, msgType, payload)
	if err != nil {
		return err
	}

	if resp.Header.Type == MsgError {
		var errResp ErrorResponse
		if err := Decode(resp.Payload, &errResp); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return &errResp
	}

	if out == nil {
		return nil
	}
	if err := Decode(resp.Payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", msgType, err)
	}
	return nil
}

func (c *IPCClient) roundTrip(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	data, err := Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	reqID := c.nextReqID.Add(1)
	msg := NewMessage(msgType, reqID, data)

	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err = msg.Write(conn)
	c.writeMu.Unlock()
	if err != nil {
		c.close()
		return nil, fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrNotConnected
	}
}

func (c *IPCClient) readLoop(conn net.Conn) {
	defer c.wg.Done()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			if c.ctx.Err() == nil {
				c.close()
			}
			return
		}
		c.handleMessage(conn, msg)
	}
}

func (c *IPCClient) handleMessage(conn net.Conn, msg *Message) {
	switch msg.Header.Type {
	case MsgPing:
		pong := NewMessage(MsgPong, msg.Header.RequestID, nil)
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		pong.Write(conn)
		c.writeMu.Unlock()

	case MsgEvent:
		var event Event
		if err := Decode(msg.Payload, &event); err != nil {
			return
		}
		c.eventMu.RLock()
		if c.eventChan != nil {
			select {
			case c.eventChan <- &event:
			default:
			}
		}
		handler := c.eventHandler
		c.eventMu.RUnlock()
		if handler != nil {
			handler(&event)
		}

	default:
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

// Ping checks if the daemon is responsive
func (c *IPCClient) Ping(ctx context.Context) error {
	resp, err := c.roundTrip(ctx, MsgPing, nil)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgPong {
		return fmt.Errorf("unexpected response: %s", resp.Header.Type)
	}
	return nil
}

// Status requests the daemon status
func (c *IPCClient) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.Request(ctx, MsgStatusRequest, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Dump returns the textual state dump.
func (c *IPCClient) Dump(ctx context.Context) (string, error) {
	var resp DumpResponse
	if err := c.Request(ctx, MsgDumpRequest, nil, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Stats returns counts of completed requests.
func (c *IPCClient) Stats(ctx context.Context) (*StatsResponse, error) {
	var resp StatsResponse
	if err := c.Request(ctx, MsgStatsRequest, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History returns up to limit completed requests, newest first.
func (c *IPCClient) History(ctx context.Context, limit int) (*HistoryResponse, error) {
	var resp HistoryResponse
	if err := c.Request(ctx, MsgHistoryRequest, &HistoryRequest{Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Focus reports a start input and returns the verdict, if any.
func (c *IPCClient) Focus(ctx context.Context, ev imf.FocusEvent) (*imf.Verdict, error) {
	var resp FocusResponse
	if err := c.Request(ctx, MsgFocus, &ev, &resp); err != nil {
		return nil, err
	}
	return resp.Verdict, nil
}

// RequestVisibility sends an explicit show or hide request.
func (c *IPCClient) RequestVisibility(ctx context.Context, req VisibilityRequest) (imf.Verdict, error) {
	var resp VisibilityResponse
	err := c.Request(ctx, MsgVisibilityRequest, &req, &resp)
	return resp.Verdict, err
}

// WindowRemoved reports a destroyed window.
func (c *IPCClient) WindowRemoved(ctx context.Context, window visibility.WindowToken) error {
	return c.Request(ctx, MsgWindowRemoved, &WindowRemovedRequest{Window: window}, nil)
}

// SetA11yShowMode changes the accessibility keyboard show mode.
func (c *IPCClient) SetA11yShowMode(ctx context.Context, mode int) error {
	return c.Request(ctx, MsgA11yShowMode, &A11yShowModeRequest{Mode: mode}, nil)
}

// SetInteractive reports device interactivity.
func (c *IPCClient) SetInteractive(ctx context.Context, interactive bool) (*InteractiveResponse, error) {
	var resp InteractiveResponse
	if err := c.Request(ctx, MsgInteractive, &InteractiveRequest{Interactive: interactive}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TrackerStart opens a ledger entry and returns its token.
func (c *IPCClient) TrackerStart(ctx context.Context, req TrackerStartRequest) (tracker.Token, error) {
	var resp TrackerStartResponse
	err := c.Request(ctx, MsgTrackerStart, &req, &resp)
	return resp.Token, err
}

// TrackerSignal reports a pipeline signal.
func (c *IPCClient) TrackerSignal(ctx context.Context, req TrackerSignalRequest) error {
	return c.Request(ctx, MsgTrackerSignal, &req, nil)
}

// UpdateSubtypes replaces the enabled IMEs.
func (c *IPCClient) UpdateSubtypes(ctx context.Context, req SubtypeUpdateRequest) (int, error) {
	var resp SubtypeUpdateResponse
	err := c.Request(ctx, MsgSubtypeUpdate, &req, &resp)
	return resp.Items, err
}

// Switch asks for the item after the given one.
func (c *IPCClient) Switch(ctx context.Context, req SwitchRequest) (*switching.Item, error) {
	var resp SwitchResponse
	if err := c.Request(ctx, MsgSwitch, &req, &resp); err != nil {
		return nil, err
	}
	return resp.Item, nil
}

// UserAction records a user action on an IME and subtype.
func (c *IPCClient) UserAction(ctx context.Context, imeID string, subtypeIndex int) (bool, error) {
	var resp UserActionResponse
	err := c.Request(ctx, MsgUserAction, &UserActionRequest{ImeID: imeID, SubtypeIndex: subtypeIndex}, &resp)
	return resp.Moved, err
}

// SubtypeChanged reports that the IME subtype changed.
func (c *IPCClient) SubtypeChanged(ctx context.Context) error {
	return c.Request(ctx, MsgSubtypeChanged, nil, nil)
}

// SwitcherMenu returns the switcher menu items.
func (c *IPCClient) SwitcherMenu(ctx context.Context, includeAuxiliary bool) ([]switching.Item, error) {
	var resp SwitcherMenuResponse
	if err := c.Request(ctx, MsgSwitcherMenu, &SwitcherMenuRequest{IncludeAuxiliary: includeAuxiliary}, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// ReloadConfig asks the daemon to reload its config file.
func (c *IPCClient) ReloadConfig(ctx context.Context) (*ReloadConfigResponse, error) {
	var resp ReloadConfigResponse
	if err := c.Request(ctx, MsgReloadConfig, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Subscribe subscribes to events. No types means all of them.
func (c *IPCClient) Subscribe(ctx context.Context, events ...EventType) error {
	return c.Request(ctx, MsgSubscribe, &SubscribeRequest{Events: events}, nil)
}

// Unsubscribe cancels the subscription.
func (c *IPCClient) Unsubscribe(ctx context.Context) error {
	return c.Request(ctx, MsgUnsubscribe, nil, nil)
}
