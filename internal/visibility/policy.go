package visibility

// DisplayImePolicy is how a display hosts the IME.
type DisplayImePolicy int

const (
	// DisplayImePolicyLocal shows the IME on the display itself.
	DisplayImePolicyLocal DisplayImePolicy = iota
	// DisplayImePolicyFallback shows the IME on the fallback display.
	DisplayImePolicyFallback
	// DisplayImePolicyHide never shows the IME for the display.
	DisplayImePolicyHide
)

func (p DisplayImePolicy) String() string {
	switch p {
	case DisplayImePolicyLocal:
		return "local"
	case DisplayImePolicyHide:
		return "hide"
	default:
		return "fallback"
	}
}

// ParseDisplayImePolicy reverses String. Unknown names select fallback.
func ParseDisplayImePolicy(s string) DisplayImePolicy {
	switch s {
	case "local":
		return DisplayImePolicyLocal
	case "hide":
		return DisplayImePolicyHide
	default:
		return DisplayImePolicyFallback
	}
}

// Accessibility keyboard show modes.
const (
	A11yShowModeAuto   = 0
	A11yShowModeHidden = 1
	a11yShowModeMask   = 0x3
)

// Policy tracks the accessibility and display rules that can veto showing
// the IME.
type Policy struct {
	imeHiddenByDisplayPolicy bool
	a11yRequestingNoKeyboard bool
	// pendingA11yHide is consumed by the next visibility request, which
	// then leaves the window's requested visibility untouched.
	pendingA11yHide bool
}

// SetImeHiddenByDisplayPolicy records whether the current display hides the
// IME.
func (p *Policy) SetImeHiddenByDisplayPolicy(hidden bool) { p.imeHiddenByDisplayPolicy = hidden }

// ImeHiddenByDisplayPolicy reports whether the current display hides the IME.
func (p *Policy) ImeHiddenByDisplayPolicy() bool { return p.imeHiddenByDisplayPolicy }

// SetA11yShowMode applies an accessibility keyboard show mode.
func (p *Policy) SetA11yShowMode(mode int) {
	p.a11yRequestingNoKeyboard = mode&a11yShowModeMask == A11yShowModeHidden
	if p.a11yRequestingNoKeyboard {
		p.pendingA11yHide = true
	}
}

// A11yRequestingNoKeyboard reports whether accessibility asked for no soft
// keyboard.
func (p *Policy) A11yRequestingNoKeyboard() bool { return p.a11yRequestingNoKeyboard }

// PendingA11yHide reports whether an accessibility hide is waiting to be
// consumed by the next visibility request.
func (p *Policy) PendingA11yHide() bool { return p.pendingA11yHide }
