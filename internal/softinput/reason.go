package softinput

import "fmt"

// Reason identifies why the IME was shown or hidden.
type Reason int

const (
	ReasonNotSet Reason = iota
	ShowSoftInput
	HideSoftInput
	ShowAutoEditorForwardNav
	ShowStateVisibleForwardNav
	ShowStateAlwaysVisible
	ShowRestoreImeVisibility
	HideUnspecifiedWindow
	HideSameWindowFocusedWithoutEditor
	HideWindowGainedFocusWithoutEditor
	HideWhenInputTargetInvisible
	HideSwitchUser
	HideAccessibilityRequest
	ShowSoftInputByInsetsAPI
	HideSoftInputByInsetsAPI
)

var reasonNames = [...]string{
	ReasonNotSet:                       "NOT_SET",
	ShowSoftInput:                      "SHOW_SOFT_INPUT",
	HideSoftInput:                      "HIDE_SOFT_INPUT",
	ShowAutoEditorForwardNav:           "SHOW_AUTO_EDITOR_FORWARD_NAV",
	ShowStateVisibleForwardNav:         "SHOW_STATE_VISIBLE_FORWARD_NAV",
	ShowStateAlwaysVisible:             "SHOW_STATE_ALWAYS_VISIBLE",
	ShowRestoreImeVisibility:           "SHOW_RESTORE_IME_VISIBILITY",
	HideUnspecifiedWindow:              "HIDE_UNSPECIFIED_WINDOW",
	HideSameWindowFocusedWithoutEditor: "HIDE_SAME_WINDOW_FOCUSED_WITHOUT_EDITOR",
	HideWindowGainedFocusWithoutEditor: "HIDE_WINDOW_GAINED_FOCUS_WITHOUT_EDITOR",
	HideWhenInputTargetInvisible:       "HIDE_WHEN_INPUT_TARGET_INVISIBLE",
	HideSwitchUser:                     "HIDE_SWITCH_USER",
	HideAccessibilityRequest:           "HIDE_ACCESSIBILITY_REQUEST",
	ShowSoftInputByInsetsAPI:           "SHOW_SOFT_INPUT_BY_INSETS_API",
	HideSoftInputByInsetsAPI:           "HIDE_SOFT_INPUT_BY_INSETS_API",
}

func (r Reason) String() string {
	if r >= 0 && int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("REASON_%d", int(r))
}

// ParseReason reverses String.
func ParseReason(s string) (Reason, error) {
	for i, name := range reasonNames {
		if name == s {
			return Reason(i), nil
		}
	}
	return ReasonNotSet, fmt.Errorf("unknown reason %q", s)
}

// MarshalText encodes the reason by name.
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a reason name.
func (r *Reason) UnmarshalText(b []byte) error {
	v, err := ParseReason(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
