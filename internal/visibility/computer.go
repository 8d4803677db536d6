// Package visibility decides whether the IME should be shown or hidden when
// a window gains input focus.
//
// A Computer keeps the soft-input state of every known window and the
// accessibility and display policy. It is not safe for concurrent use;
// callers hold one lock across all calls (see package imf).
package visibility

import (
	"fmt"
	"io"
	"log/slog"

	"imetrackd/internal/softinput"
)

// Result is a visibility verdict.
type Result struct {
	Visible bool             `json:"visible"`
	Reason  softinput.Reason `json:"reason"`
}

func (r Result) String() string {
	return fmt.Sprintf("visible=%t reason=%s", r.Visible, r.Reason)
}

// Deps are the queries and callbacks a Computer needs from the window
// system. Nil functions select conservative defaults: no restore, fallback
// display policy, not a large screen, hide when no editor is focused, and
// no hide callback.
type Deps struct {
	// RestorePredicate reports whether the window's last IME visibility
	// may be restored on refocus.
	RestorePredicate func(WindowToken) bool
	// DisplayPolicy returns how a display hosts the IME.
	DisplayPolicy func(displayID int) DisplayImePolicy
	// LargeScreen reports a large-screen form factor, which auto-shows the
	// IME for unspecified windows without resize adjustment.
	LargeScreen func() bool
	// HideImeWhenNoEditorFocus reports whether gaining focus without an
	// editor hides the IME.
	HideImeWhenNoEditorFocus func() bool
	// OnHideRequested is called when the IME must be hidden on the focused
	// window outside of a focus event.
	OnHideRequested func(reason softinput.Reason)
}

// Computer is the window state store and decision engine.
type Computer struct {
	deps   Deps
	log    *slog.Logger
	policy Policy

	states      map[WindowToken]*WindowState
	nextRequest RequestToken

	inputShown                   bool
	requestedImeScreenshot       bool
	hasVisibleImeLayeringOverlay bool
	curVisibleImeInputTarget     WindowToken
	lastImeTargetWindow          WindowToken
}

// NewComputer creates a Computer.
func NewComputer(deps Deps, logger *slog.Logger) *Computer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Computer{
		deps:   deps,
		log:    logger.With(slog.String("component", "visibility")),
		states: make(map[WindowToken]*WindowState),
	}
}

// Policy returns the accessibility and display policy.
func (c *Computer) Policy() *Policy { return &c.policy }

// ComputeState returns the verdict for a window that started input, or
// false when the current visibility should be left alone. It may update
// the state's requested visibility.
func (c *Computer) ComputeState(state *WindowState, allowVisible, imeRequestedVisible bool) (Result, bool) {
	if state.hasFocusedEditor && c.shouldRestoreImeVisibility(state) {
		state.setRequestedImeVisible(true)
		if tok := c.tokenOf(state); tok != 0 {
			c.SetWindowState(tok, state)
		}
		return Result{Visible: true, Reason: softinput.ShowRestoreImeVisibility}, true
	}

	mode := state.mode
	forward := mode.IsForwardNavigation()
	switch mode.State() {
	case softinput.StateUnspecified:
		if state.imeFocusChanged && !state.hasFocusedEditor {
			if softinput.MayUseInputMethod(state.flags) {
				return Result{Visible: false, Reason: softinput.HideUnspecifiedWindow}, true
			}
		} else if state.hasFocusedEditor && c.doAutoShow(mode) && forward {
			return Result{Visible: true, Reason: softinput.ShowAutoEditorForwardNav}, true
		}
	case softinput.StateUnchanged:
		if last := c.states[c.lastImeTargetWindow]; last != nil {
			state.setRequestedImeVisible(last.requestedImeVisible)
		}
	case softinput.StateHidden, softinput.StateAlwaysHidden:
	case softinput.StateVisible:
		if forward {
			if allowVisible {
				return Result{Visible: true, Reason: softinput.ShowStateVisibleForwardNav}, true
			}
			c.log.Error("soft input state visible without a focused editor", "state", state.String())
		}
	case softinput.StateAlwaysVisible:
		if allowVisible {
			if state.imeFocusChanged {
				return Result{Visible: true, Reason: softinput.ShowStateAlwaysVisible}, true
			}
		} else {
			c.log.Error("soft input state always visible without a focused editor", "state", state.String())
		}
	}

	if !state.imeFocusChanged && state.startInputByWindowGainFocus {
		// Refocusing the same window without an editor hides an IME that
		// was shown for an earlier editor in it.
		return Result{Visible: false, Reason: softinput.HideSameWindowFocusedWithoutEditor}, true
	}
	if !state.hasFocusedEditor && (c.inputShown || imeRequestedVisible) &&
		state.startInputByWindowGainFocus && c.hideWhenNoEditorFocus() {
		state.setRequestedImeVisible(false)
		return Result{Visible: false, Reason: softinput.HideWindowGainedFocusWithoutEditor}, true
	}
	return Result{}, false
}

func (c *Computer) doAutoShow(mode softinput.Mode) bool {
	if mode.Adjust() == softinput.AdjustResize {
		return true
	}
	return c.deps.LargeScreen != nil && c.deps.LargeScreen()
}

func (c *Computer) hideWhenNoEditorFocus() bool {
	if c.deps.HideImeWhenNoEditorFocus == nil {
		return true
	}
	return c.deps.HideImeWhenNoEditorFocus()
}

func (c *Computer) shouldRestoreImeVisibility(state *WindowState) bool {
	switch state.mode.State() {
	case softinput.StateAlwaysHidden:
		return false
	case softinput.StateHidden:
		if state.mode.IsForwardNavigation() {
			return false
		}
	}
	if c.deps.RestorePredicate == nil {
		return false
	}
	return c.deps.RestorePredicate(c.tokenOf(state))
}

// tokenOf finds the window a state is stored under.
func (c *Computer) tokenOf(state *WindowState) WindowToken {
	for tok, s := range c.states {
		if s == state {
			return tok
		}
	}
	return 0
}

// SetWindowState stores the state for a window. A new state with a focused
// editor inherits the requested visibility of the state it replaces.
func (c *Computer) SetWindowState(token WindowToken, state *WindowState) {
	if old := c.states[token]; old != nil && state.hasFocusedEditor {
		state.setRequestedImeVisible(old.requestedImeVisible)
	}
	c.states[token] = state
}

// WindowState returns the stored state for a window, or nil.
func (c *Computer) WindowState(token WindowToken) *WindowState {
	return c.states[token]
}

// GetOrCreateWindowState returns the stored state for a window, creating an
// unspecified one if none exists.
func (c *Computer) GetOrCreateWindowState(token WindowToken) *WindowState {
	if s := c.states[token]; s != nil {
		return s
	}
	s := NewWindowState(softinput.StateUnspecified, 0, false, false, false, softinput.ToolTypeUnknown)
	c.states[token] = s
	return s
}

// RequestImeVisibility records an explicit show or hide request for a
// window and returns the request token stamped on its state. A pending
// accessibility hide is consumed instead of recording the request.
func (c *Computer) RequestImeVisibility(token WindowToken, show bool) RequestToken {
	state := c.GetOrCreateWindowState(token)
	if !c.policy.pendingA11yHide {
		state.setRequestedImeVisible(show)
	} else {
		c.policy.pendingA11yHide = false
	}
	c.nextRequest++
	state.requestToken = c.nextRequest
	c.SetWindowState(token, state)
	return state.requestToken
}

// WindowTokenFromRequest returns the window whose state carries the request
// token, or fallback if none does.
func (c *Computer) WindowTokenFromRequest(req RequestToken, fallback WindowToken) WindowToken {
	if req != 0 {
		for tok, s := range c.states {
			if s.requestToken == req {
				return tok
			}
		}
	}
	return fallback
}

// ForgetWindow drops everything known about a destroyed window.
func (c *Computer) ForgetWindow(token WindowToken) {
	delete(c.states, token)
	if c.lastImeTargetWindow == token {
		c.lastImeTargetWindow = 0
	}
	if c.curVisibleImeInputTarget == token {
		c.curVisibleImeInputTarget = 0
	}
}

// WindowCount returns the number of stored window states.
func (c *Computer) WindowCount() int { return len(c.states) }

// ComputeImeDisplayID resolves which display hosts the IME for a window on
// displayID, records it on the state and updates the display policy.
func (c *Computer) ComputeImeDisplayID(state *WindowState, displayID int) int {
	id := c.imeDisplayForTarget(displayID)
	state.imeDisplayID = id
	c.policy.SetImeHiddenByDisplayPolicy(id == InvalidDisplay)
	return id
}

func (c *Computer) imeDisplayForTarget(displayID int) int {
	if displayID == DefaultDisplay || displayID == InvalidDisplay {
		return FallbackDisplay
	}
	policy := DisplayImePolicyFallback
	if c.deps.DisplayPolicy != nil {
		policy = c.deps.DisplayPolicy(displayID)
	}
	switch policy {
	case DisplayImePolicyLocal:
		return displayID
	case DisplayImePolicyHide:
		return InvalidDisplay
	default:
		return FallbackDisplay
	}
}

// IsAllowedByAccessibilityAndDisplayPolicy reports whether neither
// accessibility nor the display policy suppresses the IME.
func (c *Computer) IsAllowedByAccessibilityAndDisplayPolicy() bool {
	return !c.policy.a11yRequestingNoKeyboard && !c.policy.imeHiddenByDisplayPolicy
}

// ShouldShowImeScreenshot updates the screenshot state when the device
// becomes non-interactive or interactive again. changed is false when
// nothing applies.
func (c *Computer) ShouldShowImeScreenshot(token WindowToken, interactive bool) (show, changed bool) {
	state := c.states[token]
	if state != nil && state.requestedImeVisible && c.inputShown && !interactive {
		c.requestedImeScreenshot = true
		return true, true
	}
	if interactive && c.requestedImeScreenshot {
		c.requestedImeScreenshot = false
		return false, true
	}
	return false, false
}

// SetHasVisibleImeLayeringOverlay records whether an overlay that can
// occlude the IME input target is visible.
func (c *Computer) SetHasVisibleImeLayeringOverlay(visible bool) {
	c.hasVisibleImeLayeringOverlay = visible
}

// OnImeInputTargetVisibilityChanged tracks the visible input target. When
// the current target becomes invisible under an overlay, the IME is hidden.
func (c *Computer) OnImeInputTargetVisibilityChanged(target WindowToken, visibleAndNotRemoved bool) {
	if visibleAndNotRemoved {
		c.curVisibleImeInputTarget = target
		return
	}
	if c.hasVisibleImeLayeringOverlay && c.curVisibleImeInputTarget == target && c.deps.OnHideRequested != nil {
		c.deps.OnHideRequested(softinput.HideWhenInputTargetInvisible)
	}
	c.curVisibleImeInputTarget = 0
}

// SetA11yShowMode applies an accessibility keyboard show mode.
func (c *Computer) SetA11yShowMode(mode int) { c.policy.SetA11yShowMode(mode) }

func (c *Computer) SetInputShown(shown bool)               { c.inputShown = shown }
func (c *Computer) InputShown() bool                       { return c.inputShown }
func (c *Computer) SetLastImeTargetWindow(tok WindowToken) { c.lastImeTargetWindow = tok }
func (c *Computer) LastImeTargetWindow() WindowToken       { return c.lastImeTargetWindow }

// SetDeps replaces the collaborator functions.
func (c *Computer) SetDeps(deps Deps) { c.deps = deps }

// Dump writes the visibility state.
func (c *Computer) Dump(w io.Writer, prefix string) {
	fmt.Fprintf(w, "%simeHiddenByDisplayPolicy=%t a11yRequestingNoKeyboard=%t\n",
		prefix, c.policy.imeHiddenByDisplayPolicy, c.policy.a11yRequestingNoKeyboard)
	fmt.Fprintf(w, "%sinputShown=%t requestedImeScreenshot=%t\n", prefix, c.inputShown, c.requestedImeScreenshot)
	fmt.Fprintf(w, "%slastImeTargetWindow=%d curVisibleImeInputTarget=%d\n",
		prefix, c.lastImeTargetWindow, c.curVisibleImeInputTarget)
	fmt.Fprintf(w, "%swindows: %d\n", prefix, len(c.states))
}
