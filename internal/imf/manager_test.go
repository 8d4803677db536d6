package imf

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imetrackd/internal/delay"
	"imetrackd/internal/softinput"
	"imetrackd/internal/switching"
	"imetrackd/internal/tracker"
	"imetrackd/internal/visibility"
)

type harness struct {
	m        *Manager
	queue    *delay.ManualQueue
	applied  []Verdict
	recorded []tracker.Entry
	switched []switching.Item
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{queue: delay.NewManualQueue(time.Unix(1700000000, 0))}
	opts := Options{
		Scheduler:                h.queue,
		Applier:                  ApplierFunc(func(v Verdict) { h.applied = append(h.applied, v) }),
		Logger:                   slog.New(slog.NewTextHandler(io.Discard, nil)),
		HideImeWhenNoEditorFocus: true,
		Ledger: tracker.Options{
			Recorder: func(e tracker.Entry) { h.recorded = append(h.recorded, e) },
		},
		OnSwitch: func(it switching.Item) { h.switched = append(h.switched, it) },
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.m = New(opts)
	return h
}

func editorFocus(win visibility.WindowToken, mode softinput.Mode) FocusEvent {
	return FocusEvent{
		Window:                      win,
		WindowName:                  "com.example/.MainActivity",
		UID:                         10001,
		Mode:                        mode,
		ImeFocusChanged:             true,
		HasFocusedEditor:            true,
		StartInputByWindowGainFocus: true,
	}
}

func TestStartInputHideCompletesOnHidden(t *testing.T) {
	h := newHarness(t, nil)

	v, ok := h.m.StartInput(FocusEvent{Window: 1, Mode: softinput.StateUnspecified, ImeFocusChanged: true, UID: 10001})
	require.True(t, ok)
	assert.False(t, v.Visible)
	assert.Equal(t, softinput.HideUnspecifiedWindow, v.Reason)
	require.Len(t, h.applied, 1)
	assert.Equal(t, v, h.applied[0])
	assert.Equal(t, 1, h.m.Ledger().ActiveCount())

	h.m.ReportHidden(v.Token)

	assert.Zero(t, h.m.Ledger().ActiveCount())
	require.Len(t, h.recorded, 1)
	e := h.recorded[0]
	assert.Equal(t, tracker.StatusSuccess, e.Status)
	assert.Equal(t, tracker.TypeHide, e.Type)
	assert.Equal(t, tracker.OriginServer, e.Origin)
	assert.Equal(t, 10001, e.UID)
	assert.False(t, h.m.Status().InputShown)
}

func TestStartInputWithoutVerdict(t *testing.T) {
	h := newHarness(t, nil)
	_, ok := h.m.StartInput(editorFocus(1, softinput.StateHidden))
	assert.False(t, ok)
	assert.Empty(t, h.applied)
	assert.Equal(t, visibility.WindowToken(1), h.m.Status().FocusedWindow)
}

func TestStartInputShowRecordsWindowName(t *testing.T) {
	h := newHarness(t, nil)
	v, ok := h.m.StartInput(editorFocus(2, softinput.StateAlwaysVisible))
	require.True(t, ok)
	assert.True(t, v.Visible)
	assert.Equal(t, softinput.ShowStateAlwaysVisible, v.Reason)

	e, ok := h.m.Ledger().Active(v.Token.ID)
	require.True(t, ok)
	assert.Equal(t, "com.example/.MainActivity", e.RequestWindowName)

	h.m.ReportShown(v.Token)
	assert.True(t, h.m.Status().InputShown)
}

func TestStartInputTimesOut(t *testing.T) {
	h := newHarness(t, nil)
	v, ok := h.m.StartInput(editorFocus(2, softinput.StateAlwaysVisible))
	require.True(t, ok)
	h.m.ReportProgress(v.Token, tracker.PhaseServerWaitIME)

	h.queue.Advance(tracker.DefaultTimeout)

	require.Len(t, h.recorded, 1)
	assert.Equal(t, tracker.StatusTimeout, h.recorded[0].Status)
	assert.Equal(t, tracker.PhaseServerWaitIME, h.recorded[0].Phase)
	assert.Equal(t, tracker.DefaultTimeout, h.recorded[0].Duration)
}

func TestStartInputRestore(t *testing.T) {
	h := newHarness(t, nil)
	ev := editorFocus(3, softinput.StateUnspecified)
	ev.RestoreImeVisibility = true

	v, ok := h.m.StartInput(ev)
	require.True(t, ok)
	assert.True(t, v.Visible)
	assert.Equal(t, softinput.ShowRestoreImeVisibility, v.Reason)

	// The hint applies to that event only.
	ev.RestoreImeVisibility = false
	_, ok = h.m.StartInput(ev)
	assert.False(t, ok)
}

func TestHiddenDisplayBlocksVisible(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.DisplayPolicies = map[int]visibility.DisplayImePolicy{4: visibility.DisplayImePolicyHide}
	})
	ev := editorFocus(5, softinput.StateAlwaysVisible)
	ev.DisplayID = 4

	_, ok := h.m.StartInput(ev)
	assert.False(t, ok)
	assert.True(t, h.m.Status().ImeHiddenByDisplay)

	h.m.SetDisplayPolicy(4, visibility.DisplayImePolicyLocal)
	_, ok = h.m.StartInput(ev)
	assert.True(t, ok)
}

func TestRequestVisibilityBlockedByAccessibility(t *testing.T) {
	h := newHarness(t, nil)
	h.m.SetA11yShowMode(visibility.A11yShowModeHidden)

	v := h.m.RequestVisibility(6, true, 10002, true)

	assert.False(t, v.Visible)
	assert.Empty(t, h.applied)
	require.Len(t, h.recorded, 1)
	assert.Equal(t, tracker.StatusCancel, h.recorded[0].Status)
	assert.Equal(t, softinput.ShowSoftInput, h.recorded[0].Reason)
	assert.True(t, h.recorded[0].FromUser)
}

func TestA11yHiddenHidesShownIME(t *testing.T) {
	h := newHarness(t, nil)
	_, _ = h.m.StartInput(editorFocus(7, softinput.StateHidden))
	v := h.m.RequestVisibility(7, true, 10003, false)
	require.True(t, v.Visible)
	assert.NotZero(t, v.Request)
	h.m.ReportShown(v.Token)

	h.m.SetA11yShowMode(visibility.A11yShowModeHidden)

	require.Len(t, h.applied, 2)
	hide := h.applied[1]
	assert.False(t, hide.Visible)
	assert.Equal(t, softinput.HideAccessibilityRequest, hide.Reason)
	assert.Equal(t, visibility.WindowToken(7), hide.Window)
}

func TestOccludedInputTargetHides(t *testing.T) {
	h := newHarness(t, nil)
	_, _ = h.m.StartInput(editorFocus(8, softinput.StateHidden))
	h.m.InputTargetVisibilityChanged(8, true)
	h.m.SetImeLayeringOverlay(true)

	h.m.InputTargetVisibilityChanged(8, false)

	require.Len(t, h.applied, 1)
	assert.Equal(t, softinput.HideWhenInputTargetInvisible, h.applied[0].Reason)
	assert.Equal(t, visibility.WindowToken(8), h.applied[0].Window)
}

func TestSetInteractiveScreenshot(t *testing.T) {
	h := newHarness(t, nil)
	_, _ = h.m.StartInput(editorFocus(9, softinput.StateHidden))
	v := h.m.RequestVisibility(9, true, 0, false)
	h.m.ReportShown(v.Token)

	show, changed := h.m.SetInteractive(false)
	assert.True(t, changed)
	assert.True(t, show)
	show, changed = h.m.SetInteractive(true)
	assert.True(t, changed)
	assert.False(t, show)
}

func TestWindowRemoved(t *testing.T) {
	h := newHarness(t, nil)
	_, _ = h.m.StartInput(editorFocus(10, softinput.StateHidden))
	require.Equal(t, 1, h.m.Status().Windows)

	h.m.WindowRemoved(10)

	st := h.m.Status()
	assert.Zero(t, st.Windows)
	assert.Zero(t, st.FocusedWindow)
}

func TestTrackRequestAndSignals(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.m.TrackRequest(10004, tracker.TypeShow, tracker.OriginClient, softinput.ShowSoftInput, true)
	assert.Contains(t, tok.Tag, "client:")

	h.m.Report(tok, SignalProgress, tracker.PhaseClientViewServed)
	h.m.Report(tok, SignalFailed, tracker.PhaseClientShowInsets)

	require.Len(t, h.recorded, 1)
	assert.Equal(t, tracker.StatusFail, h.recorded[0].Status)
	assert.Equal(t, tracker.PhaseClientShowInsets, h.recorded[0].Phase)
}

func TestSwitchToNext(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SwitchMode = switching.ModeRecent })
	n := h.m.UpdateSubtypes([]switching.InputMethod{
		{ID: "latin", Name: "Latin", ShowInPicker: true, Subtypes: []switching.Subtype{
			{Name: "English", Locale: "en_US"}, {Name: "French", Locale: "fr"}, {Name: "Italian", Locale: "it"},
		}},
	}, "en_US")
	require.Equal(t, 3, n)

	require.True(t, h.m.UserAction("latin", 2))
	it, ok := h.m.SwitchToNext("latin", 2, false, true, false)
	require.True(t, ok)
	assert.Equal(t, 0, it.SubtypeIndex)
	require.Len(t, h.switched, 1)

	h.m.SetSwitchMode(switching.ModeStatic)
	it, ok = h.m.SwitchToNext("latin", 2, false, true, false)
	require.True(t, ok)
	assert.Equal(t, 0, it.SubtypeIndex)
	it, _ = h.m.SwitchToNext("latin", 0, false, true, false)
	assert.Equal(t, 1, it.SubtypeIndex)

	h.m.SubtypeChanged()
	assert.Len(t, h.m.SwitcherMenu(false), 3)

	_, ok = h.m.SwitchToNext("latin", 0, false, true, true)
	assert.False(t, ok, "no hardware items")
}

func TestHideWhenNoEditorPolicyReload(t *testing.T) {
	h := newHarness(t, nil)
	v, ok := h.m.StartInput(editorFocus(11, softinput.StateAlwaysVisible))
	require.True(t, ok)
	h.m.ReportShown(v.Token)

	noEditor := FocusEvent{Window: 12, Mode: softinput.StateUnchanged, ImeFocusChanged: true, StartInputByWindowGainFocus: true}

	h.m.SetHideImeWhenNoEditorFocus(false)
	_, ok = h.m.StartInput(noEditor)
	assert.False(t, ok)

	h.m.SetHideImeWhenNoEditorFocus(true)
	v, ok = h.m.StartInput(noEditor)
	require.True(t, ok)
	assert.Equal(t, softinput.HideWindowGainedFocusWithoutEditor, v.Reason)
}

func TestLargeScreenAutoShow(t *testing.T) {
	h := newHarness(t, nil)
	ev := editorFocus(13, softinput.StateUnspecified|softinput.IsForwardNavigation)
	_, ok := h.m.StartInput(ev)
	assert.False(t, ok)

	h.m.SetLargeScreen(true)
	v, ok := h.m.StartInput(ev)
	require.True(t, ok)
	assert.Equal(t, softinput.ShowAutoEditorForwardNav, v.Reason)
}

func TestWaitIdle(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.m.WaitIdle(time.Second))

	v, _ := h.m.StartInput(editorFocus(14, softinput.StateAlwaysVisible))
	done := h.m.Ledger().WaitUntilNoPendingRequests(time.Second)
	h.m.ReportShown(v.Token)
	assert.NoError(t, <-done)
}

func TestDump(t *testing.T) {
	h := newHarness(t, nil)
	_, _ = h.m.StartInput(editorFocus(15, softinput.StateAlwaysVisible))
	var buf bytes.Buffer
	h.m.Dump(&buf)
	out := buf.String()
	assert.Contains(t, out, "focusedWindow=15 switchMode=static")
	assert.Contains(t, out, "visibility:\n  imeHiddenByDisplayPolicy=false")
	assert.Contains(t, out, "switching:\n  rotation list:")
	assert.Contains(t, out, "ledger:\n  active entries: 1")
}

func TestSignalKindText(t *testing.T) {
	for k := SignalProgress; k <= SignalDispatched; k++ {
		b, err := k.MarshalText()
		require.NoError(t, err)
		var got SignalKind
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, k, got)
	}
	var k SignalKind
	assert.Error(t, k.UnmarshalText([]byte("exploded")))
}
