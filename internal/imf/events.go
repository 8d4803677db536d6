package imf

import (
	"fmt"

	"imetrackd/internal/softinput"
	"imetrackd/internal/switching"
	"imetrackd/internal/tracker"
	"imetrackd/internal/visibility"
)

// FocusEvent reports that a window started input.
type FocusEvent struct {
	Window                      visibility.WindowToken `json:"window" yaml:"window"`
	WindowName                  string                 `json:"window_name,omitempty" yaml:"window_name,omitempty"`
	DisplayID                   int                    `json:"display_id,omitempty" yaml:"display_id,omitempty"`
	UID                         int                    `json:"uid,omitempty" yaml:"uid,omitempty"`
	Mode                        softinput.Mode         `json:"mode" yaml:"mode"`
	Flags                       softinput.WindowFlags  `json:"flags,omitempty" yaml:"flags,omitempty"`
	ImeFocusChanged             bool                   `json:"ime_focus_changed" yaml:"ime_focus_changed"`
	HasFocusedEditor            bool                   `json:"has_focused_editor" yaml:"has_focused_editor"`
	StartInputByWindowGainFocus bool                   `json:"start_input_by_window_gain_focus" yaml:"start_input_by_window_gain_focus"`
	ToolType                    softinput.ToolType     `json:"tool_type,omitempty" yaml:"tool_type,omitempty"`
	ImeRequestedVisible         bool                   `json:"ime_requested_visible,omitempty" yaml:"ime_requested_visible,omitempty"`
	// RestoreImeVisibility is the window system's answer to whether this
	// window's last IME visibility may be restored.
	RestoreImeVisibility bool `json:"restore_ime_visibility,omitempty" yaml:"restore_ime_visibility,omitempty"`
}

// Verdict is a show or hide decision handed to the Applier.
type Verdict struct {
	Window  visibility.WindowToken  `json:"window"`
	Visible bool                    `json:"visible"`
	Reason  softinput.Reason        `json:"reason"`
	Token   tracker.Token           `json:"token"`
	Request visibility.RequestToken `json:"request,omitempty"`
}

// Applier carries out verdicts. It is called with the manager lock held
// and must not call back into the Manager.
type Applier interface {
	ApplyImeVisibility(v Verdict)
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(Verdict)

func (f ApplierFunc) ApplyImeVisibility(v Verdict) { f(v) }

// SignalKind names a pipeline signal for a tracked request.
type SignalKind int

const (
	SignalProgress SignalKind = iota
	SignalShown
	SignalHidden
	SignalFailed
	SignalCancelled
	SignalDispatched
)

var signalNames = map[SignalKind]string{
	SignalProgress:   "progress",
	SignalShown:      "shown",
	SignalHidden:     "hidden",
	SignalFailed:     "failed",
	SignalCancelled:  "cancelled",
	SignalDispatched: "dispatched",
}

func (k SignalKind) String() string {
	if s, ok := signalNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseSignalKind reverses String.
func ParseSignalKind(s string) (SignalKind, bool) {
	for k, name := range signalNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// MarshalText implements encoding.TextMarshaler.
func (k SignalKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *SignalKind) UnmarshalText(b []byte) error {
	v, ok := ParseSignalKind(string(b))
	if !ok {
		return fmt.Errorf("imf: unknown signal %q", b)
	}
	*k = v
	return nil
}

// Status summarizes the manager.
type Status struct {
	Windows             int                    `json:"windows"`
	FocusedWindow       visibility.WindowToken `json:"focused_window"`
	InputShown          bool                   `json:"input_shown"`
	ActiveRequests      int                    `json:"active_requests"`
	CompletedRequests   int                    `json:"completed_requests"`
	SwitchMode          switching.Mode         `json:"switch_mode"`
	A11yNoSoftKeyboard  bool                   `json:"a11y_no_soft_keyboard"`
	ImeHiddenByDisplay  bool                   `json:"ime_hidden_by_display"`
	EnabledSubtypeItems int                    `json:"enabled_subtype_items"`
}
