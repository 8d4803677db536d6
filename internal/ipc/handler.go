package ipc

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"imetrackd/internal/imf"
	"imetrackd/internal/metrics"
	"imetrackd/internal/store"
	"imetrackd/internal/switching"
	"imetrackd/internal/tracker"
)

// RequestStore is the part of store.Store the handler reads from.
type RequestStore interface {
	RecentRequests(limit int) ([]store.Request, error)
	StatusCounts() (map[string]int64, error)
	ReasonCounts() (map[string]int64, error)
}

// SinkStats reports how many records reached or missed the store.
type SinkStats interface {
	Written() uint64
	Dropped() uint64
}

// DaemonHandlerConfig configures the daemon handler
type DaemonHandlerConfig struct {
	Manager *imf.Manager
	Version string

	// Store and Sink are nil when storage is disabled.
	Store       RequestStore
	Sink        SinkStats
	StoragePath string

	Metrics *metrics.Registry

	// Reload re-reads the config file. Nil disables reload requests.
	Reload     func() error
	ConfigPath string
	LogLevel   func() string

	MetricsAddr string
	Logger      *slog.Logger
}

// DaemonHandler implements Handler on top of an imf.Manager.
type DaemonHandler struct {
	mu        sync.RWMutex
	cfg       DaemonHandlerConfig
	mgr       *imf.Manager
	log       *slog.Logger
	startedAt time.Time
	server    *Server
}

// NewDaemonHandler creates a new daemon handler
func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	if cfg.Manager == nil {
		panic("ipc: nil manager")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &DaemonHandler{
		cfg:       cfg,
		mgr:       cfg.Manager,
		log:       cfg.Logger.With("component", "ipc.handler"),
		startedAt: time.Now(),
	}
}

// Attach sets the server used for status and event broadcast.
func (h *DaemonHandler) Attach(s *Server) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.server = s
}

func (h *DaemonHandler) publish(t EventType, data any) {
	if h == nil {
		return
	}
	h.mu.RLock()
	s := h.server
	h.mu.RUnlock()
	if s == nil {
		return
	}
	ev, err := NewEvent(t, data)
	if err != nil {
		h.log.Error("build event", "type", int(t), "error", err)
		return
	}
	s.Broadcast(ev)
}

// PublishVerdict broadcasts a verdict to subscribers. It is safe to call on
// a nil handler.
func (h *DaemonHandler) PublishVerdict(v imf.Verdict) { h.publish(EventVerdict, v) }

// PublishCompletion broadcasts a completed ledger entry. It matches
// tracker.Recorder and is safe to call on a nil handler.
func (h *DaemonHandler) PublishCompletion(e tracker.Entry) { h.publish(EventRequestCompleted, e) }

// PublishShutdown tells subscribers the daemon is going away.
func (h *DaemonHandler) PublishShutdown() { h.publish(EventDaemonShutdown, nil) }

// HandleMessage processes an IPC message
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(msg)
	case MsgDumpRequest:
		return h.handleDump(msg)
	case MsgStatsRequest:
		return h.handleStats(msg)
	case MsgHistoryRequest:
		return h.handleHistory(msg)

	case MsgFocus:
		return h.handleFocus(client, msg)
	case MsgVisibilityRequest:
		return h.handleVisibility(client, msg)
	case MsgWindowRemoved:
		return h.handleWindowRemoved(msg)
	case MsgA11yShowMode:
		return h.handleA11yShowMode(msg)
	case MsgInteractive:
		return h.handleInteractive(msg)
	case MsgTargetVisibility:
		return h.handleTargetVisibility(msg)
	case MsgImeLayeringOverlay:
		return h.handleLayeringOverlay(msg)

	case MsgTrackerStart:
		return h.handleTrackerStart(client, msg)
	case MsgTrackerSignal:
		return h.handleTrackerSignal(msg)

	case MsgSubtypeUpdate:
		return h.handleSubtypeUpdate(msg)
	case MsgSwitch:
		return h.handleSwitch(msg)
	case MsgUserAction:
		return h.handleUserAction(msg)
	case MsgSubtypeChanged:
		h.mgr.SubtypeChanged()
		return ack(msg)
	case MsgSwitcherMenu:
		return h.handleSwitcherMenu(msg)

	case MsgReloadConfig:
		return h.handleReload(msg)

	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unknown message type: %s", msg.Header.Type)), nil
	}
}

func ack(msg *Message) (*Message, error) {
	return NewResponse(MsgAck, msg.Header.RequestID, &AckResponse{OK: true})
}

func invalid(msg *Message, format string, args ...any) (*Message, error) {
	return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, fmt.Sprintf(format, args...)), nil
}

// decode reads the payload into v and reports a malformed payload as an
// error response.
func decode(msg *Message, v any) *Message {
	if err := Decode(msg.Payload, v); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("invalid %s payload: %v", msg.Header.Type, err))
	}
	return nil
}

// uidOr returns uid, or the peer uid when uid was omitted.
func uidOr(uid int, client *Client) int {
	if uid == 0 && client != nil {
		return client.UID()
	}
	return uid
}

func (h *DaemonHandler) handleStatus(msg *Message) (*Message, error) {
	h.mu.RLock()
	s := h.server
	h.mu.RUnlock()

	resp := &StatusResponse{
		Version:     h.cfg.Version,
		Uptime:      time.Since(h.startedAt),
		StartedAt:   h.startedAt,
		Manager:     h.mgr.Status(),
		ConfigPath:  h.cfg.ConfigPath,
		MetricsAddr: h.cfg.MetricsAddr,
		Storage: StorageStatus{
			Enabled: h.cfg.Store != nil,
			Path:    h.cfg.StoragePath,
		},
	}
	if h.cfg.Sink != nil {
		resp.Storage.Written = h.cfg.Sink.Written()
		resp.Storage.Dropped = h.cfg.Sink.Dropped()
	}
	if h.cfg.LogLevel != nil {
		resp.LogLevel = h.cfg.LogLevel()
	}
	if s != nil {
		resp.Clients = s.ClientCount()
		resp.SocketPath = s.SocketPath()
	}
	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleDump(msg *Message) (*Message, error) {
	var buf bytes.Buffer
	h.mgr.Dump(&buf)
	return NewResponse(MsgDumpResponse, msg.Header.RequestID, &DumpResponse{Text: buf.String()})
}

func (h *DaemonHandler) handleStats(msg *Message) (*Message, error) {
	resp := &StatsResponse{}
	if h.cfg.Store != nil {
		statuses, err := h.cfg.Store.StatusCounts()
		if err != nil {
			return nil, fmt.Errorf("status counts: %w", err)
		}
		reasons, err := h.cfg.Store.ReasonCounts()
		if err != nil {
			return nil, fmt.Errorf("reason counts: %w", err)
		}
		resp.Source, resp.Statuses, resp.Reasons = "store", statuses, reasons
	} else {
		resp.Source = "ledger"
		resp.Statuses = make(map[string]int64)
		resp.Reasons = make(map[string]int64)
		for _, e := range h.mgr.Ledger().CompletedEntries() {
			resp.Statuses[e.Status.String()]++
			resp.Reasons[e.Reason.String()]++
		}
	}
	if h.cfg.Metrics != nil {
		resp.Metrics = h.cfg.Metrics.Snapshot()
	}
	return NewResponse(MsgStatsResponse, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleHistory(msg *Message) (*Message, error) {
	var req HistoryRequest
	if bad := decode(msg, &req); bad != nil {
		return bad, nil
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}

	resp := &HistoryResponse{}
	if h.cfg.Store != nil {
		rows, err := h.cfg.Store.RecentRequests(req.Limit)
		if err != nil {
			return nil, fmt.Errorf("recent requests: %w", err)
		}
		resp.Source, resp.Requests = "store", rows
	} else {
		entries := h.mgr.Ledger().CompletedEntries()
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Sequence > entries[j].Sequence })
		if len(entries) > req.Limit {
			entries = entries[:req.Limit]
		}
		resp.Source = "ledger"
		resp.Requests = make([]store.Request, 0, len(entries))
		for _, e := range entries {
			resp.Requests = append(resp.Requests, *store.RecordFromEntry(e))
		}
	}
	return NewResponse(MsgHistoryResp, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleFocus(client *Client, msg *Message) (*Message, error) {
	var ev imf.FocusEvent
	if bad := decode(msg, &ev); bad != nil {
		return bad, nil
	}
	if ev.Window == 0 {
		return invalid(msg, "window is required")
	}
	ev.UID = uidOr(ev.UID, client)

	resp := &FocusResponse{}
	if v, ok := h.mgr.StartInput(ev); ok {
		resp.Verdict = &v
	}
	return NewResponse(MsgFocusResp, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleVisibility(client *Client, msg *Message) (*Message, error) {
	var req VisibilityRequest
	if bad := decode(msg, &req); bad != nil {
		return bad, nil
	}
	if req.Window == 0 {
		return invalid(msg, "window is required")
	}
	v := h.mgr.RequestVisibility(req.Window, req.Show, uidOr(req.UID, client), req.FromUser)
	return NewResponse(MsgVisibilityResp, msg.Header.RequestID, &VisibilityResponse{Verdict: v})
}

func (h *DaemonHandler) handleWindowRemoved(msg *Message) (*Message, error) {
	var req WindowRemovedRequest
	if bad := decode(msg, &req); bad != nil {
		return bad, nil
	}
	h.mgr.WindowRemoved(req.Window)
	return ack(msg)
}

func (h *DaemonHandler) handleA11yShowMode(msg *Message) (*Message, error) {
	var req A11yShowModeRequest
	if bad := decode(msg, &req); bad != nil {
		return bad, nil
	}
	h.mgr.SetA11yShowMode(req.Mode)
	return ack(msg)
}

func (h *DaemonHandler) handleInteractive(msg *Message) (*Message, error) {
	var req InteractiveRequest
	if bad := decode(msg, &req); bad != nil {
		return bad, nil
	}
	show, changed := h.mgr.SetInteractive(req.Interactive)
	return NewResponse(MsgInteractiveResp, msg.Header.RequestID,
		&InteractiveResponse{ShowScreenshot: show, Changed: changed})
}

func (h *DaemonHandler) handleTargetVisibility(msg *Message) (*Message, error) {
	var req TargetVisibilityRequest
	if bad := decode(msg, &req); bad != nil {
		return bad, nil
	}
	h.mgr.InputTargetVisibilityChanged(req.Target, req.VisibleAndNotRemoved)
	return ack(msg)
}

func (h *DaemonHandler) handleLayeringOverlay(msg *Message) (*Message, error) {
	var req LayeringOverlayRequest
	if bad := decode(msg, &req); bad != nil {
		return bad, nil
	}
	h.mgr.SetImeLayeringOverlay(req.Visible)
	return ack(msg)
}

func (h *DaemonHandler) handleTrackerStart(client *Client, msg *Message) (*Message, error) {
	var req TrackerStartRequest
	if bad := decode(msg, &req); bad != nil {
		return bad, nil
	}
	if req.Origin == tracker.OriginNotSet {
		req.Origin = tracker.OriginClient
	}
	tok := h.mgr.TrackRequest(uidOr(req.UID, client), req.Type, req.Origin, req.Reason, req.FromUser)
	return NewResponse(MsgTrackerStartResp, msg.Header.RequestID, &TrackerStartResponse{Token: tok})
}

func (h *DaemonHandler) handleTrackerSignal(msg *Message) (*Message, error) {
	var req TrackerSignalRequest
	if bad := decode(msg, &req); bad != nil {
		return bad, nil
	}
	if req.Token.ID == 0 {
		return invalid(msg, "token id is required")
	}
	if req.WindowName != "" {
		h.mgr.Ledger().OnImmsUpdate(req.Token, req.WindowName)
	}
	h.mgr.Report(req.Token, req.Signal, req.Phase)
	return ack(msg)
}

func (h *DaemonHandler) handleSubtypeUpdate(msg *Message) (*Message, error) {
	var req SubtypeUpdateRequest
	if bad := decode(msg, &req); bad != nil {
		return bad, nil
	}
	n := h.mgr.UpdateSubtypes(req.InputMethods, req.SystemLocale)
	return NewResponse(MsgSubtypeUpdateResp, msg.Header.RequestID, &SubtypeUpdateResponse{Items: n})
}

func (h *DaemonHandler) handleSwitch(msg *Message) (*Message, error) {
	var req SwitchRequest
	if bad := decode(msg, &req); bad != nil {
		return bad, nil
	}
	if req.ImeID == "" {
		return invalid(msg, "ime_id is required")
	}

	resp := &SwitchResponse{}
	var it switching.Item
	if it, resp.Found = h.mgr.SwitchToNext(req.ImeID, req.SubtypeIndex, req.OnlyCurrentIME, req.Forward, req.Hardware); resp.Found {
		resp.Item = &it
		h.publish(EventSubtypeSwitched, it)
	}
	return NewResponse(MsgSwitchResp, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleUserAction(msg *Message) (*Message, error) {
	var req UserActionRequest
	if bad := decode(msg, &req); bad != nil {
		return bad, nil
	}
	moved := h.mgr.UserAction(req.ImeID, req.SubtypeIndex)
	return NewResponse(MsgUserActionResp, msg.Header.RequestID, &UserActionResponse{Moved: moved})
}

func (h *DaemonHandler) handleSwitcherMenu(msg *Message) (*Message, error) {
	var req SwitcherMenuRequest
	if bad := decode(msg, &req); bad != nil {
		return bad, nil
	}
	items := h.mgr.SwitcherMenu(req.IncludeAuxiliary)
	if items == nil {
		items = []switching.Item{}
	}
	return NewResponse(MsgSwitcherMenuResp, msg.Header.RequestID, &SwitcherMenuResponse{Items: items})
}

func (h *DaemonHandler) handleReload(msg *Message) (*Message, error) {
	if h.cfg.Reload == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotAvailable, "config reload not available"), nil
	}

	resp := &ReloadConfigResponse{Path: h.cfg.ConfigPath}
	if err := h.cfg.Reload(); err != nil {
		h.log.Warn("config reload failed", "path", h.cfg.ConfigPath, "error", err)
		resp.Error = err.Error()
	} else {
		resp.Success = true
		h.publish(EventConfigReloaded, resp)
	}
	return NewResponse(MsgReloadConfigResp, msg.Header.RequestID, resp)
}
