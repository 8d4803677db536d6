// Package imf owns the visibility computer, the subtype switching
// controller and the request ledger behind a single lock.
//
// Every exported Manager method takes the lock for its whole duration, so
// the computer and controller see strictly serialized calls. The ledger
// has its own lock; its timeout callbacks never take the manager lock.
package imf

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"imetrackd/internal/delay"
	"imetrackd/internal/softinput"
	"imetrackd/internal/switching"
	"imetrackd/internal/tracker"
	"imetrackd/internal/visibility"
)

// Options configures a Manager.
type Options struct {
	Scheduler delay.Scheduler
	Applier   Applier
	Logger    *slog.Logger

	// Ledger settings. Scheduler and Logger are filled in from above.
	Ledger tracker.Options

	SwitchMode               switching.Mode
	HideImeWhenNoEditorFocus bool
	LargeScreen              bool
	DisplayPolicies          map[int]visibility.DisplayImePolicy

	// OnVerdict and OnSwitch observe decisions, for metrics.
	OnVerdict func(Verdict)
	OnSwitch  func(switching.Item)
}

// Manager is the single-lock owner of the IME subsystem state.
type Manager struct {
	mu sync.Mutex

	computer   *visibility.Computer
	controller *switching.Controller
	ledger     *tracker.Service

	sched   delay.Scheduler
	applier Applier
	log     *slog.Logger

	focused        visibility.WindowToken
	restoreWindow  visibility.WindowToken
	restoreAllowed bool

	switchMode      switching.Mode
	hideNoEditor    bool
	largeScreen     bool
	displayPolicies map[int]visibility.DisplayImePolicy

	onVerdict func(Verdict)
	onSwitch  func(switching.Item)

	nextID atomic.Uint64
}

// New creates a Manager.
func New(opts Options) *Manager {
	if opts.Scheduler == nil {
		panic("imf: nil scheduler")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Applier == nil {
		opts.Applier = ApplierFunc(func(Verdict) {})
	}
	m := &Manager{
		sched:           opts.Scheduler,
		applier:         opts.Applier,
		log:             opts.Logger.With(slog.String("component", "imf")),
		switchMode:      opts.SwitchMode,
		hideNoEditor:    opts.HideImeWhenNoEditorFocus,
		largeScreen:     opts.LargeScreen,
		displayPolicies: make(map[int]visibility.DisplayImePolicy),
		onVerdict:       opts.OnVerdict,
		onSwitch:        opts.OnSwitch,
	}
	for id, p := range opts.DisplayPolicies {
		m.displayPolicies[id] = p
	}

	ledgerOpts := opts.Ledger
	ledgerOpts.Scheduler = opts.Scheduler
	ledgerOpts.Logger = opts.Logger
	m.ledger = tracker.NewService(ledgerOpts)
	m.controller = switching.NewController(opts.Logger)
	m.computer = visibility.NewComputer(visibility.Deps{
		RestorePredicate: func(tok visibility.WindowToken) bool {
			return m.restoreAllowed && tok == m.restoreWindow
		},
		DisplayPolicy: func(id int) visibility.DisplayImePolicy {
			if p, ok := m.displayPolicies[id]; ok {
				return p
			}
			return visibility.DisplayImePolicyFallback
		},
		LargeScreen:              func() bool { return m.largeScreen },
		HideImeWhenNoEditorFocus: func() bool { return m.hideNoEditor },
		OnHideRequested:          m.hideFocusedLocked,
	}, opts.Logger)
	return m
}

// Ledger returns the request ledger.
func (m *Manager) Ledger() *tracker.Service { return m.ledger }

func (m *Manager) newToken(component string) tracker.Token {
	return tracker.Token{ID: m.nextID.Add(1), Tag: tracker.NewTag(component)}
}

// StartInput handles a window starting input and returns the verdict, if
// any. The verdict has already been passed to the Applier.
func (m *Manager) StartInput(ev FocusEvent) (Verdict, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := visibility.NewWindowState(ev.Mode, ev.Flags, ev.ImeFocusChanged, ev.HasFocusedEditor,
		ev.StartInputByWindowGainFocus, ev.ToolType)
	m.computer.SetWindowState(ev.Window, state)
	m.computer.ComputeImeDisplayID(state, ev.DisplayID)

	m.restoreWindow, m.restoreAllowed = ev.Window, ev.RestoreImeVisibility
	allowVisible := ev.HasFocusedEditor && m.computer.IsAllowedByAccessibilityAndDisplayPolicy()
	res, ok := m.computer.ComputeState(state, allowVisible, ev.ImeRequestedVisible)
	m.restoreWindow, m.restoreAllowed = 0, false

	m.computer.SetLastImeTargetWindow(ev.Window)
	m.focused = ev.Window
	if !ok {
		m.log.Debug("start input without verdict", "window", uint64(ev.Window), "mode", ev.Mode.String())
		return Verdict{}, false
	}
	v := m.applyLocked(ev.Window, res.Visible, res.Reason, ev.UID, false, ev.WindowName)
	return v, true
}

// RequestVisibility handles an explicit show or hide request from an app.
// A show that accessibility or the display policy forbids is cancelled in
// the ledger and not applied.
func (m *Manager) RequestVisibility(window visibility.WindowToken, show bool, uid int, fromUser bool) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	reason := softinput.HideSoftInput
	if show {
		reason = softinput.ShowSoftInput
	}
	visible := show && m.computer.IsAllowedByAccessibilityAndDisplayPolicy()
	req := m.computer.RequestImeVisibility(window, visible)

	if show && !visible {
		tok := m.newToken("server")
		m.ledger.OnStart(tok, uid, tracker.TypeShow, tracker.OriginServer, reason, fromUser, m.sched.Now())
		m.ledger.OnCancelled(tok, tracker.PhaseServerShouldHide)
		m.log.Info("show request blocked by policy", "window", uint64(window), "tag", tok.Tag)
		return Verdict{Window: window, Visible: false, Reason: reason, Token: tok, Request: req}
	}
	v := m.applyLocked(window, visible, reason, uid, fromUser, "")
	v.Request = req
	return v
}

func (m *Manager) applyLocked(window visibility.WindowToken, visible bool, reason softinput.Reason, uid int, fromUser bool, windowName string) Verdict {
	typ := tracker.TypeHide
	if visible {
		typ = tracker.TypeShow
	}
	tok := m.newToken("server")
	m.ledger.OnStart(tok, uid, typ, tracker.OriginServer, reason, fromUser, m.sched.Now())
	if windowName != "" {
		m.ledger.OnImmsUpdate(tok, windowName)
	}
	v := Verdict{Window: window, Visible: visible, Reason: reason, Token: tok}
	m.applier.ApplyImeVisibility(v)
	if m.onVerdict != nil {
		m.onVerdict(v)
	}
	return v
}

// hideFocusedLocked hides the IME on the focused window. The caller holds
// the lock.
func (m *Manager) hideFocusedLocked(reason softinput.Reason) {
	if m.focused == 0 {
		m.log.Warn("hide requested without a focused window", "reason", reason.String())
		return
	}
	m.applyLocked(m.focused, false, reason, -1, false, "")
}

// TrackRequest opens a ledger entry for a request issued outside the
// manager and returns its token.
func (m *Manager) TrackRequest(uid int, typ tracker.Type, origin tracker.Origin, reason softinput.Reason, fromUser bool) tracker.Token {
	tok := m.newToken("client")
	m.ledger.OnStart(tok, uid, typ, origin, reason, fromUser, m.sched.Now())
	return tok
}

// Report forwards a pipeline signal for a tracked request. Shown and
// hidden signals also update whether the IME is shown.
func (m *Manager) Report(tok tracker.Token, kind SignalKind, phase tracker.Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch kind {
	case SignalProgress:
		m.ledger.OnProgress(tok, phase)
	case SignalShown:
		m.computer.SetInputShown(true)
		m.ledger.OnShown(tok)
	case SignalHidden:
		m.computer.SetInputShown(false)
		m.ledger.OnHidden(tok)
	case SignalFailed:
		m.ledger.OnFailed(tok, phase)
	case SignalCancelled:
		m.ledger.OnCancelled(tok, phase)
	case SignalDispatched:
		m.ledger.OnDispatched(tok)
	default:
		m.log.Warn("unknown signal", "kind", int(kind), "tag", tok.Tag)
	}
}

// ReportShown records that the IME was shown for tok.
func (m *Manager) ReportShown(tok tracker.Token) { m.Report(tok, SignalShown, tracker.PhaseNotSet) }

// ReportHidden records that the IME was hidden for tok.
func (m *Manager) ReportHidden(tok tracker.Token) { m.Report(tok, SignalHidden, tracker.PhaseNotSet) }

// ReportProgress records that tok reached phase.
func (m *Manager) ReportProgress(tok tracker.Token, phase tracker.Phase) {
	m.Report(tok, SignalProgress, phase)
}

// ReportFailed records that tok failed at phase.
func (m *Manager) ReportFailed(tok tracker.Token, phase tracker.Phase) {
	m.Report(tok, SignalFailed, phase)
}

// ReportCancelled records that tok was cancelled at phase.
func (m *Manager) ReportCancelled(tok tracker.Token, phase tracker.Phase) {
	m.Report(tok, SignalCancelled, phase)
}

// WindowRemoved forgets a destroyed window.
func (m *Manager) WindowRemoved(window visibility.WindowToken) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.computer.ForgetWindow(window)
	if m.focused == window {
		m.focused = 0
	}
}

// SetA11yShowMode applies an accessibility keyboard show mode. Switching to
// hidden while the IME is shown hides it.
func (m *Manager) SetA11yShowMode(mode int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.computer.SetA11yShowMode(mode)
	if m.computer.Policy().A11yRequestingNoKeyboard() && m.computer.InputShown() {
		m.hideFocusedLocked(softinput.HideAccessibilityRequest)
	}
}

// SetInteractive reports a change of device interactivity and returns
// whether the IME screenshot should be shown, and whether that changed.
func (m *Manager) SetInteractive(interactive bool) (show, changed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.computer.ShouldShowImeScreenshot(m.focused, interactive)
}

// InputTargetVisibilityChanged reports the visibility of the IME input
// target window.
func (m *Manager) InputTargetVisibilityChanged(target visibility.WindowToken, visibleAndNotRemoved bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.computer.OnImeInputTargetVisibilityChanged(target, visibleAndNotRemoved)
}

// SetImeLayeringOverlay reports whether an overlay above the input target
// is visible.
func (m *Manager) SetImeLayeringOverlay(visible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.computer.SetHasVisibleImeLayeringOverlay(visible)
}

// UpdateSubtypes replaces the enabled IMEs.
func (m *Manager) UpdateSubtypes(imes []switching.InputMethod, systemLocale string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := switching.EnabledItems(imes, systemLocale)
	m.controller.Update(items)
	return len(items)
}

// SwitchToNext returns the item after the given IME and subtype using the
// configured switch mode.
func (m *Manager) SwitchToNext(imeID string, subtypeIndex int, onlyCurrentIME, forward, hardware bool) (switching.Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		it switching.Item
		ok bool
	)
	if hardware {
		it, ok = m.controller.NextInputMethodForHardware(imeID, subtypeIndex, onlyCurrentIME, m.switchMode, forward)
	} else {
		it, ok = m.controller.NextInputMethod(imeID, subtypeIndex, onlyCurrentIME, m.switchMode, forward)
	}
	if ok && m.onSwitch != nil {
		m.onSwitch(it)
	}
	return it, ok
}

// UserAction records a user action on the given IME and subtype.
func (m *Manager) UserAction(imeID string, subtypeIndex int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controller.OnUserAction(imeID, subtypeIndex)
}

// SubtypeChanged records that the IME subtype changed.
func (m *Manager) SubtypeChanged() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controller.OnInputMethodSubtypeChanged()
}

// SwitcherMenu returns the items shown in the IME switcher menu.
func (m *Manager) SwitcherMenu(includeAuxiliary bool) []switching.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controller.ItemsForSwitcherMenu(includeAuxiliary)
}

// SetSwitchMode changes the subtype switch mode.
func (m *Manager) SetSwitchMode(mode switching.Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.switchMode = mode
}

// SetHideImeWhenNoEditorFocus changes whether focusing a window without an
// editor hides the IME.
func (m *Manager) SetHideImeWhenNoEditorFocus(hide bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hideNoEditor = hide
}

// SetLargeScreen changes the large-screen form factor flag.
func (m *Manager) SetLargeScreen(large bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.largeScreen = large
}

// SetDisplayPolicy sets how a display hosts the IME.
func (m *Manager) SetDisplayPolicy(displayID int, p visibility.DisplayImePolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.displayPolicies[displayID] = p
}

// WaitIdle blocks until no ledger entry is active or timeout elapses.
func (m *Manager) WaitIdle(timeout time.Duration) error {
	return <-m.ledger.WaitUntilNoPendingRequests(timeout)
}

// Status returns a summary of the manager state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Windows:             m.computer.WindowCount(),
		FocusedWindow:       m.focused,
		InputShown:          m.computer.InputShown(),
		ActiveRequests:      m.ledger.ActiveCount(),
		CompletedRequests:   m.ledger.CompletedCount(),
		SwitchMode:          m.switchMode,
		A11yNoSoftKeyboard:  m.computer.Policy().A11yRequestingNoKeyboard(),
		ImeHiddenByDisplay:  m.computer.Policy().ImeHiddenByDisplayPolicy(),
		EnabledSubtypeItems: len(m.controller.ItemsForSwitching(false)),
	}
}

// Dump writes the visibility, switching and ledger state.
func (m *Manager) Dump(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fmt.Fprintf(w, "focusedWindow=%d switchMode=%s\n", m.focused, m.switchMode)
	fmt.Fprintln(w, "visibility:")
	m.computer.Dump(w, "  ")
	fmt.Fprintln(w, "switching:")
	m.controller.Dump(w, "  ")
	fmt.Fprintln(w, "ledger:")
	m.ledger.Dump(w, "  ")
}
