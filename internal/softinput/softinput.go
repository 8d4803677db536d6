// Package softinput defines the soft-input mode bits, window flags, tool
// types and show/hide reasons shared by the visibility engine, the request
// ledger and the wire protocol.
package softinput

import (
	"fmt"
	"strconv"
	"strings"
)

// Mode is a window's soft-input mode: a state nibble, an adjust nibble and
// the forward-navigation bit.
type Mode uint32

// State values, selected by StateMask.
const (
	StateUnspecified   Mode = 0
	StateUnchanged     Mode = 1
	StateHidden        Mode = 2
	StateAlwaysHidden  Mode = 3
	StateVisible       Mode = 4
	StateAlwaysVisible Mode = 5

	StateMask Mode = 0x0f
)

// Adjust values, selected by AdjustMask.
const (
	AdjustUnspecified Mode = 0x00
	AdjustResize      Mode = 0x10
	AdjustPan         Mode = 0x20
	AdjustNothing     Mode = 0x30

	AdjustMask Mode = 0xf0
)

// IsForwardNavigation is set by the window system when focus arrived through
// forward navigation (a new window, not a return to an existing one).
const IsForwardNavigation Mode = 0x100

// State returns the state nibble.
func (m Mode) State() Mode { return m & StateMask }

// Adjust returns the adjust nibble.
func (m Mode) Adjust() Mode { return m & AdjustMask }

// IsForwardNavigation reports whether the forward-navigation bit is set.
func (m Mode) IsForwardNavigation() bool { return m&IsForwardNavigation != 0 }

var stateNames = map[Mode]string{
	StateUnspecified:   "STATE_UNSPECIFIED",
	StateUnchanged:     "STATE_UNCHANGED",
	StateHidden:        "STATE_HIDDEN",
	StateAlwaysHidden:  "STATE_ALWAYS_HIDDEN",
	StateVisible:       "STATE_VISIBLE",
	StateAlwaysVisible: "STATE_ALWAYS_VISIBLE",
}

var adjustNames = map[Mode]string{
	AdjustUnspecified: "ADJUST_UNSPECIFIED",
	AdjustResize:      "ADJUST_RESIZE",
	AdjustPan:         "ADJUST_PAN",
	AdjustNothing:     "ADJUST_NOTHING",
}

// String renders the mode as a pipe-separated list of symbolic names.
func (m Mode) String() string {
	parts := make([]string, 0, 3)
	if name, ok := stateNames[m.State()]; ok {
		parts = append(parts, name)
	} else {
		parts = append(parts, fmt.Sprintf("STATE_0x%x", uint32(m.State())))
	}
	if name, ok := adjustNames[m.Adjust()]; ok && m.Adjust() != AdjustUnspecified {
		parts = append(parts, name)
	}
	if m.IsForwardNavigation() {
		parts = append(parts, "IS_FORWARD_NAVIGATION")
	}
	return strings.Join(parts, "|")
}

// ParseMode parses the form produced by String. A plain integer (decimal or
// 0x-prefixed) is accepted as well.
func ParseMode(s string) (Mode, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseUint(s, 0, 32); err == nil {
		return Mode(n), nil
	}

	var m Mode
	for _, part := range strings.Split(s, "|") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part == "IS_FORWARD_NAVIGATION" {
			m |= IsForwardNavigation
			continue
		}
		if v, ok := lookupName(stateNames, part); ok {
			m = m&^StateMask | v
			continue
		}
		if v, ok := lookupName(adjustNames, part); ok {
			m = m&^AdjustMask | v
			continue
		}
		return 0, fmt.Errorf("unknown soft input mode component %q", part)
	}
	return m, nil
}

// MarshalText encodes the mode by name, or as a hex number when its state
// nibble has no name.
func (m Mode) MarshalText() ([]byte, error) {
	if _, ok := stateNames[m.State()]; !ok {
		return []byte(fmt.Sprintf("0x%x", uint32(m))), nil
	}
	return []byte(m.String()), nil
}

// UnmarshalText accepts anything ParseMode does.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func lookupName(names map[Mode]string, want string) (Mode, bool) {
	for v, name := range names {
		if name == want {
			return v, true
		}
	}
	return 0, false
}

// WindowFlags carries the window layout flags relevant to IME decisions.
type WindowFlags uint32

const (
	FlagNotFocusable   WindowFlags = 0x00000008
	FlagAltFocusableIM WindowFlags = 0x00020000
)

// MayUseInputMethod reports whether a window with the given flags may
// interact with the input method. Setting both flags, or neither, allows it.
func MayUseInputMethod(flags WindowFlags) bool {
	switch flags & (FlagNotFocusable | FlagAltFocusableIM) {
	case 0, FlagNotFocusable | FlagAltFocusableIM:
		return true
	}
	return false
}

// ToolType is the pointer tool that caused a focus change, if any.
type ToolType int

const (
	ToolTypeUnknown ToolType = iota
	ToolTypeFinger
	ToolTypeStylus
	ToolTypeMouse
	ToolTypeEraser
)

func (t ToolType) String() string {
	switch t {
	case ToolTypeFinger:
		return "finger"
	case ToolTypeStylus:
		return "stylus"
	case ToolTypeMouse:
		return "mouse"
	case ToolTypeEraser:
		return "eraser"
	default:
		return "unknown"
	}
}

// ParseToolType reverses String. Unrecognized names map to ToolTypeUnknown.
func ParseToolType(s string) ToolType {
	switch strings.ToLower(s) {
	case "finger":
		return ToolTypeFinger
	case "stylus":
		return ToolTypeStylus
	case "mouse":
		return ToolTypeMouse
	case "eraser":
		return ToolTypeEraser
	default:
		return ToolTypeUnknown
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t ToolType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ToolType) UnmarshalText(b []byte) error {
	*t = ParseToolType(string(b))
	return nil
}
