package visibility

import (
	"fmt"

	"imetrackd/internal/softinput"
)

// WindowToken identifies a window. Zero means no window.
type WindowToken uint64

// RequestToken correlates a visibility request with its asynchronous
// completion. Zero means none.
type RequestToken uint64

// Display ids with special meaning.
const (
	DefaultDisplay  = 0
	InvalidDisplay  = -1
	FallbackDisplay = DefaultDisplay
)

// WindowState is the soft-input state recorded for a window at its latest
// focus event. The mode, flags, focus and tool fields are fixed at
// creation; the remaining fields are updated by the Computer.
type WindowState struct {
	mode                        softinput.Mode
	flags                       softinput.WindowFlags
	imeFocusChanged             bool
	hasFocusedEditor            bool
	startInputByWindowGainFocus bool
	toolType                    softinput.ToolType

	requestedImeVisible bool
	requestToken        RequestToken
	imeDisplayID        int
}

// NewWindowState creates the state for a focus event.
func NewWindowState(mode softinput.Mode, flags softinput.WindowFlags, imeFocusChanged, hasFocusedEditor, startInputByWindowGainFocus bool, toolType softinput.ToolType) *WindowState {
	return &WindowState{
		mode:                        mode,
		flags:                       flags,
		imeFocusChanged:             imeFocusChanged,
		hasFocusedEditor:            hasFocusedEditor,
		startInputByWindowGainFocus: startInputByWindowGainFocus,
		toolType:                    toolType,
		imeDisplayID:                DefaultDisplay,
	}
}

func (s *WindowState) SoftInputMode() softinput.Mode       { return s.mode }
func (s *WindowState) WindowFlags() softinput.WindowFlags  { return s.flags }
func (s *WindowState) ImeFocusChanged() bool               { return s.imeFocusChanged }
func (s *WindowState) HasFocusedEditor() bool              { return s.hasFocusedEditor }
func (s *WindowState) StartInputByWindowGainFocus() bool   { return s.startInputByWindowGainFocus }
func (s *WindowState) ToolType() softinput.ToolType        { return s.toolType }
func (s *WindowState) RequestedImeVisible() bool           { return s.requestedImeVisible }
func (s *WindowState) RequestToken() RequestToken          { return s.requestToken }
func (s *WindowState) ImeDisplayID() int                   { return s.imeDisplayID }
func (s *WindowState) setRequestedImeVisible(visible bool) { s.requestedImeVisible = visible }

func (s *WindowState) String() string {
	return fmt.Sprintf("WindowState{mode=%s flags=0x%x imeFocusChanged=%t hasFocusedEditor=%t startInputByWindowGainFocus=%t toolType=%s requestedImeVisible=%t requestToken=%d imeDisplayId=%d}",
		s.mode, uint32(s.flags), s.imeFocusChanged, s.hasFocusedEditor, s.startInputByWindowGainFocus,
		s.toolType, s.requestedImeVisible, s.requestToken, s.imeDisplayID)
}
