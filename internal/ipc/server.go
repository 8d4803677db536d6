package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// Server is the IPC server that manages client connections
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	socketPath  string
	handler     Handler
	clients     map[string]*Client
	subscribers map[string]*subscription
	version     string
	startedAt   time.Time
	log         *slog.Logger

	readTimeout    time.Duration
	writeTimeout   time.Duration
	maxConnections int

	// Shutdown coordination
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	// Request ID counter for pushed messages
	nextRequestID atomic.Uint32

	eventChan chan *Event
}

// Client represents a connected client
type Client struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	Peer         *PeerCredentials
	Version      string
	Name         string
	ConnectedAt  time.Time
	LastActivity time.Time

	// Write serialization
	writeMu sync.Mutex
}

// UID returns the peer uid, or -1 when it could not be read.
func (c *Client) UID() int {
	if c.Peer == nil {
		return -1
	}
	return c.Peer.UID
}

// subscription tracks event subscriptions
type subscription struct {
	clientID string
	events   map[EventType]bool
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string
	Version        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
	Logger         *slog.Logger
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:     socketPath,
		Version:        "dev",
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 32,
	}
}

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 32
	}

	return &Server{
		socketPath:     cfg.SocketPath,
		handler:        handler,
		version:        cfg.Version,
		log:            cfg.Logger.With("component", "ipc"),
		readTimeout:    cfg.ReadTimeout,
		writeTimeout:   cfg.WriteTimeout,
		maxConnections: cfg.MaxConnections,
		clients:        make(map[string]*Client),
		subscribers:    make(map[string]*subscription),
		ctx:            ctx,
		cancel:         cancel,
		eventChan:      make(chan *Event, 100),
	}
}

// Start begins listening for connections
func (s *Server) Start() error {
	socketDir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if IsSocketListening(s.socketPath) {
		return fmt.Errorf("socket %s is already in use", s.socketPath)
	}
	if err := CleanupSocket(s.socketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	// Owner only
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(1)
	go s.eventBroadcaster()

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("ipc server listening", "socket", s.socketPath)
	return nil
}

// Serve starts the server and stops it when ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
	return s.Stop()
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	close(s.eventChan)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("ipc server shutdown timed out")
	}

	os.Remove(s.socketPath)
	s.log.Info("ipc server stopped")
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.socketPath
}

// StartedAt returns when the server started listening.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// SubscriberCount returns the number of clients with a subscription.
func (s *Server) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Broadcast queues an event for subscribed clients. It never blocks; a
// full queue drops the event.
func (s *Server) Broadcast(event *Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running.Load() {
		return
	}
	select {
	case s.eventChan <- event:
	default:
		s.log.Warn("event queue full, dropping event", "type", int(event.Type))
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		s.mu.RLock()
		count := len(s.clients)
		s.mu.RUnlock()

		if count >= s.maxConnections {
			s.log.Warn("connection limit reached", "limit", s.maxConnections)
			conn.Close()
			continue
		}

		now := time.Now()
		client := &Client{
			ID:           uuid.NewString(),
			conn:         conn,
			ConnectedAt:  now,
			LastActivity: now,
		}
		if cred, err := GetPeerCredentials(conn); err != nil {
			s.log.Debug("peer credentials unavailable", "error", err)
		} else {
			client.Peer = cred
		}

		s.mu.Lock()
		s.clients[client.ID] = client
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		delete(s.subscribers, client.ID)
		s.mu.Unlock()
		client.conn.Close()
	}()

	log := s.log.With("client", client.ID, "uid", client.UID())
	log.Debug("client connected")

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		client.conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		msg, err := ReadMessage(client.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Debug("client disconnected")
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if err := s.sendPing(client); err != nil {
					return
				}
				continue
			}
			log.Warn("read message", "error", err)
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		response, err := s.processMessage(client, msg)
		if err != nil {
			log.Error("handle message", "type", msg.Header.Type.String(), "error", err)
			response = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}

		if response != nil {
			if err := s.sendMessage(client, response); err != nil {
				log.Debug("write response", "error", err)
				return
			}
		}
	}
}

// processMessage answers protocol messages itself and hands the rest to
// the handler.
func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil

	case MsgPong:
		return nil, nil

	case MsgHandshake:
		return s.handleHandshake(client, msg)

	case MsgSubscribe:
		return s.handleSubscribe(client, msg)

	case MsgUnsubscribe:
		return s.handleUnsubscribe(client, msg)

	default:
		if s.handler != nil {
			return s.handler.HandleMessage(s.ctx, client, msg)
		}
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "no handler"), nil
	}
}

func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid handshake"), nil
	}
	if req.ProtocolVersion > ProtocolVersion {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unsupported protocol version: %d", req.ProtocolVersion)), nil
	}

	client.mu.Lock()
	client.Version = req.ClientVersion
	client.Name = req.ClientName
	client.mu.Unlock()

	s.log.Debug("handshake", "client", client.ID, "name", req.ClientName, "client_id", req.ClientID)

	resp := &HandshakeResponse{
		ServerVersion:   s.version,
		ProtocolVersion: ProtocolVersion,
		SessionID:       client.ID,
		PeerUID:         client.UID(),
	}
	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, resp)
}

func (s *Server) handleSubscribe(client *Client, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid subscribe request"), nil
	}

	events := req.Events
	if len(events) == 0 {
		events = AllEvents
	}
	sub := &subscription{
		clientID: client.ID,
		events:   make(map[EventType]bool, len(events)),
	}
	for _, et := range events {
		sub.events[et] = true
	}

	s.mu.Lock()
	s.subscribers[client.ID] = sub
	s.mu.Unlock()

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{
		SubscriptionID: client.ID,
		Events:         events,
	})
}

func (s *Server) handleUnsubscribe(client *Client, msg *Message) (*Message, error) {
	s.mu.Lock()
	delete(s.subscribers, client.ID)
	s.mu.Unlock()

	return NewMessage(MsgUnsubscribeResp, msg.Header.RequestID, nil), nil
}

func (s *Server) eventBroadcaster() {
	defer s.wg.Done()

	for event := range s.eventChan {
		payload, err := Encode(event)
		if err != nil {
			s.log.Error("encode event", "type", int(event.Type), "error", err)
			continue
		}

		s.mu.RLock()
		var targets []*Client
		for clientID, sub := range s.subscribers {
			if !sub.events[event.Type] {
				continue
			}
			if client, ok := s.clients[clientID]; ok {
				targets = append(targets, client)
			}
		}
		s.mu.RUnlock()

		for _, client := range targets {
			msg := NewMessage(MsgEvent, s.nextRequestID.Add(1), payload)
			if err := s.sendMessage(client, msg); err != nil {
				s.log.Debug("send event", "client", client.ID, "error", err)
			}
		}
	}
}

func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return msg.Write(client.conn)
}

func (s *Server) sendPing(client *Client) error {
	return s.sendMessage(client, NewMessage(MsgPing, s.nextRequestID.Add(1), nil))
}
