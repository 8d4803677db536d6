package ipc

import (
	"time"

	"imetrackd/internal/imf"
	"imetrackd/internal/softinput"
	"imetrackd/internal/store"
	"imetrackd/internal/switching"
	"imetrackd/internal/tracker"
	"imetrackd/internal/visibility"
)

// StatusResponse contains daemon status
type StatusResponse struct {
	Version     string        `json:"version"`
	Uptime      time.Duration `json:"uptime"`
	StartedAt   time.Time     `json:"started_at"`
	Manager     imf.Status    `json:"manager"`
	Storage     StorageStatus `json:"storage"`
	Clients     int           `json:"clients"`
	SocketPath  string        `json:"socket_path,omitempty"`
	ConfigPath  string        `json:"config_path,omitempty"`
	LogLevel    string        `json:"log_level,omitempty"`
	MetricsAddr string        `json:"metrics_addr,omitempty"`
}

// StorageStatus describes the completed request store.
type StorageStatus struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
}

// DumpResponse carries the textual state dump.
type DumpResponse struct {
	Text string `json:"text"`
}

// StatsResponse counts completed requests.
type StatsResponse struct {
	Source   string           `json:"source"`
	Statuses map[string]int64 `json:"statuses"`
	Reasons  map[string]int64 `json:"reasons"`
	Metrics  map[string]any   `json:"metrics,omitempty"`
}

// HistoryRequest asks for recently completed requests.
type HistoryRequest struct {
	Limit int `json:"limit,omitempty"`
}

// HistoryResponse lists completed requests, newest first.
type HistoryResponse struct {
	Source   string          `json:"source"`
	Requests []store.Request `json:"requests"`
}

// FocusResponse carries the verdict of a start input, if there was one.
type FocusResponse struct {
	Verdict *imf.Verdict `json:"verdict,omitempty"`
}

// VisibilityRequest is an explicit show or hide request from an app.
type VisibilityRequest struct {
	Window   visibility.WindowToken `json:"window" yaml:"window"`
	Show     bool                   `json:"show" yaml:"show"`
	UID      int                    `json:"uid,omitempty" yaml:"uid,omitempty"`
	FromUser bool                   `json:"from_user,omitempty" yaml:"from_user,omitempty"`
}

// VisibilityResponse carries the resulting verdict.
type VisibilityResponse struct {
	Verdict imf.Verdict `json:"verdict"`
}

// WindowRemovedRequest reports a destroyed window.
type WindowRemovedRequest struct {
	Window visibility.WindowToken `json:"window" yaml:"window"`
}

// A11yShowModeRequest changes the accessibility keyboard show mode.
type A11yShowModeRequest struct {
	Mode int `json:"mode" yaml:"mode"`
}

// InteractiveRequest reports device interactivity.
type InteractiveRequest struct {
	Interactive bool `json:"interactive" yaml:"interactive"`
}

// InteractiveResponse says whether the IME screenshot should be shown.
type InteractiveResponse struct {
	ShowScreenshot bool `json:"show_screenshot"`
	Changed        bool `json:"changed"`
}

// TargetVisibilityRequest reports the visibility of the IME input target.
type TargetVisibilityRequest struct {
	Target               visibility.WindowToken `json:"target" yaml:"target"`
	VisibleAndNotRemoved bool                   `json:"visible_and_not_removed" yaml:"visible_and_not_removed"`
}

// LayeringOverlayRequest reports an overlay above the input target.
type LayeringOverlayRequest struct {
	Visible bool `json:"visible" yaml:"visible"`
}

// TrackerStartRequest opens a ledger entry for a client-side request.
type TrackerStartRequest struct {
	UID      int              `json:"uid" yaml:"uid"`
	Type     tracker.Type     `json:"type" yaml:"type"`
	Origin   tracker.Origin   `json:"origin" yaml:"origin"`
	Reason   softinput.Reason `json:"reason" yaml:"reason"`
	FromUser bool             `json:"from_user,omitempty" yaml:"from_user,omitempty"`
}

// TrackerStartResponse returns the token to report signals against.
type TrackerStartResponse struct {
	Token tracker.Token `json:"token"`
}

// TrackerSignalRequest reports a pipeline signal for a tracked request.
// A non-empty WindowName records the requesting window first.
type TrackerSignalRequest struct {
	Token      tracker.Token  `json:"token" yaml:"token"`
	Signal     imf.SignalKind `json:"signal" yaml:"signal"`
	Phase      tracker.Phase  `json:"phase,omitempty" yaml:"phase,omitempty"`
	WindowName string         `json:"window_name,omitempty" yaml:"window_name,omitempty"`
}

// SubtypeUpdateRequest replaces the enabled IMEs.
type SubtypeUpdateRequest struct {
	InputMethods []switching.InputMethod `json:"input_methods" yaml:"input_methods"`
	SystemLocale string                  `json:"system_locale,omitempty" yaml:"system_locale,omitempty"`
}

// SubtypeUpdateResponse counts the resulting items.
type SubtypeUpdateResponse struct {
	Items int `json:"items"`
}

// SwitchRequest asks for the item after the given one.
type SwitchRequest struct {
	ImeID          string `json:"ime_id" yaml:"ime_id"`
	SubtypeIndex   int    `json:"subtype_index" yaml:"subtype_index"`
	OnlyCurrentIME bool   `json:"only_current_ime,omitempty" yaml:"only_current_ime,omitempty"`
	Forward        bool   `json:"forward" yaml:"forward"`
	Hardware       bool   `json:"hardware,omitempty" yaml:"hardware,omitempty"`
}

// SwitchResponse carries the next item, if any.
type SwitchResponse struct {
	Found bool            `json:"found"`
	Item  *switching.Item `json:"item,omitempty"`
}

// UserActionRequest records a user action on an IME and subtype.
type UserActionRequest struct {
	ImeID        string `json:"ime_id" yaml:"ime_id"`
	SubtypeIndex int    `json:"subtype_index" yaml:"subtype_index"`
}

// UserActionResponse says whether the recency order changed.
type UserActionResponse struct {
	Moved bool `json:"moved"`
}

// SwitcherMenuRequest asks for the switcher menu items.
type SwitcherMenuRequest struct {
	IncludeAuxiliary bool `json:"include_auxiliary,omitempty"`
}

// SwitcherMenuResponse lists the switcher menu items.
type SwitcherMenuResponse struct {
	Items []switching.Item `json:"items"`
}

// ReloadConfigResponse reports the outcome of a config reload.
type ReloadConfigResponse struct {
	Success bool   `json:"success"`
	Path    string `json:"path,omitempty"`
	Error   string `json:"error,omitempty"`
}
