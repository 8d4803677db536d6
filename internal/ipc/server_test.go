package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imetrackd/internal/delay"
	"imetrackd/internal/imf"
	"imetrackd/internal/metrics"
	"imetrackd/internal/softinput"
	"imetrackd/internal/switching"
	"imetrackd/internal/tracker"
	"imetrackd/internal/visibility"
)

type testDaemon struct {
	queue   *delay.ManualQueue
	mgr     *imf.Manager
	handler *DaemonHandler
	server  *Server
	client  *IPCClient
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// shortSocketPath keeps the path under the unix socket length limit.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "imed")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

func startDaemon(t *testing.T, mutate func(*DaemonHandlerConfig)) *testDaemon {
	t.Helper()
	d := &testDaemon{queue: delay.NewManualQueue(time.Unix(1700000000, 0))}

	var handler *DaemonHandler
	d.mgr = imf.New(imf.Options{
		Scheduler:                d.queue,
		Logger:                   quietLogger(),
		HideImeWhenNoEditorFocus: true,
		OnVerdict:                func(v imf.Verdict) { handler.PublishVerdict(v) },
	})

	cfg := DaemonHandlerConfig{
		Manager: d.mgr,
		Version: "test",
		Metrics: metrics.NewRegistry("imetrackd", ""),
		Logger:  quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	handler = NewDaemonHandler(cfg)
	d.handler = handler

	scfg := DefaultServerConfig(shortSocketPath(t))
	scfg.Version = "test"
	scfg.Logger = quietLogger()
	d.server = NewServer(scfg, handler)
	handler.Attach(d.server)
	require.NoError(t, d.server.Start())
	t.Cleanup(func() { d.server.Stop() })

	ccfg := DefaultClientConfig(d.server.SocketPath())
	ccfg.RequestTimeout = 5 * time.Second
	client, err := Dial(context.Background(), ccfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	d.client = client
	return d
}

func editorFocus(window uint64, mode softinput.Mode) imf.FocusEvent {
	return imf.FocusEvent{
		Window:                      visibility.WindowToken(window),
		WindowName:                  "com.example/.Main",
		UID:                         10001,
		Mode:                        mode,
		ImeFocusChanged:             true,
		HasFocusedEditor:            true,
		StartInputByWindowGainFocus: true,
	}
}

func TestHandshake(t *testing.T) {
	d := startDaemon(t, nil)
	ctx := context.Background()

	assert.True(t, d.client.IsConnected())
	assert.Equal(t, "test", d.client.ServerVersion())
	assert.NotEmpty(t, d.client.SessionID())
	assert.NotEmpty(t, d.client.ClientID())
	if runtime.GOOS == "linux" || runtime.GOOS == "darwin" {
		assert.Equal(t, os.Getuid(), d.client.PeerUID())
	}
	require.NoError(t, d.client.Ping(ctx))
	assert.Equal(t, 1, d.server.ClientCount())
}

func TestDialWithoutDaemon(t *testing.T) {
	_, err := Dial(context.Background(), DefaultClientConfig(shortSocketPath(t)))
	assert.True(t, errors.Is(err, ErrDaemonNotRunning), "got %v", err)
}

func TestStartRefusesLiveSocket(t *testing.T) {
	d := startDaemon(t, nil)
	other := NewServer(ServerConfig{SocketPath: d.server.SocketPath(), Logger: quietLogger()}, nil)
	assert.Error(t, other.Start())
}

func TestFocusReturnsVerdict(t *testing.T) {
	d := startDaemon(t, nil)
	ctx := context.Background()

	v, err := d.client.Focus(ctx, editorFocus(1, softinput.StateAlwaysVisible))
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.True(t, v.Visible)
	assert.Equal(t, softinput.ShowStateAlwaysVisible, v.Reason)
	assert.NotZero(t, v.Token.ID)

	// Same window started input again without a focus change: no verdict.
	ev := editorFocus(1, softinput.StateUnspecified)
	ev.ImeFocusChanged = false
	ev.StartInputByWindowGainFocus = false
	v, err = d.client.Focus(ctx, ev)
	require.NoError(t, err)
	assert.Nil(t, v)

	status, err := d.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", status.Version)
	assert.EqualValues(t, 1, status.Manager.FocusedWindow)
	assert.Equal(t, 1, status.Manager.ActiveRequests)
	assert.Equal(t, 1, status.Clients)
	assert.False(t, status.Storage.Enabled)
}

func TestFocusRequiresWindow(t *testing.T) {
	d := startDaemon(t, nil)

	_, err := d.client.Focus(context.Background(), imf.FocusEvent{})
	var resp *ErrorResponse
	require.True(t, errors.As(err, &resp), "got %v", err)
	assert.Equal(t, ErrInvalidRequest, resp.Code)
}

func TestUnknownMessageType(t *testing.T) {
	d := startDaemon(t, nil)

	err := d.client.Request(context.Background(), MessageType(0x7fff), nil, nil)
	var resp *ErrorResponse
	require.True(t, errors.As(err, &resp))
	assert.Contains(t, resp.Message, "unknown message type")
}

func TestTrackerSignalsAndHistory(t *testing.T) {
	d := startDaemon(t, nil)
	ctx := context.Background()

	tok, err := d.client.TrackerStart(ctx, TrackerStartRequest{
		UID: 10001, Type: tracker.TypeShow, Reason: softinput.ShowSoftInput, FromUser: true,
	})
	require.NoError(t, err)
	require.NotZero(t, tok.ID)

	require.NoError(t, d.client.TrackerSignal(ctx, TrackerSignalRequest{
		Token: tok, Signal: imf.SignalProgress, Phase: tracker.PhaseServerWaitIME, WindowName: "com.example/.Main",
	}))
	require.NoError(t, d.client.TrackerSignal(ctx, TrackerSignalRequest{Token: tok, Signal: imf.SignalShown}))

	lost, err := d.client.TrackerStart(ctx, TrackerStartRequest{UID: 10001, Type: tracker.TypeHide, Reason: softinput.HideSoftInput})
	require.NoError(t, err)
	d.queue.Advance(tracker.DefaultTimeout)

	hist, err := d.client.History(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "ledger", hist.Source)
	require.Len(t, hist.Requests, 2)
	assert.Equal(t, lost.Tag, hist.Requests[0].Tag)
	assert.Equal(t, tracker.StatusTimeout.String(), hist.Requests[0].Status)
	assert.Equal(t, tok.Tag, hist.Requests[1].Tag)
	assert.Equal(t, tracker.StatusSuccess.String(), hist.Requests[1].Status)
	assert.Equal(t, tracker.OriginClient.String(), hist.Requests[1].Origin)
	assert.Equal(t, "com.example/.Main", hist.Requests[1].WindowName)

	stats, err := d.client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ledger", stats.Source)
	assert.Equal(t, int64(1), stats.Statuses[tracker.StatusSuccess.String()])
	assert.Equal(t, int64(1), stats.Statuses[tracker.StatusTimeout.String()])

	err = d.client.TrackerSignal(ctx, TrackerSignalRequest{Signal: imf.SignalShown})
	assert.Error(t, err)
}

func TestVisibilityAndWindowEvents(t *testing.T) {
	d := startDaemon(t, nil)
	ctx := context.Background()

	v, err := d.client.RequestVisibility(ctx, VisibilityRequest{Window: 4, Show: true, UID: 10001})
	require.NoError(t, err)
	assert.True(t, v.Visible)
	assert.Equal(t, softinput.ShowSoftInput, v.Reason)

	// Accessibility hidden mode blocks later show requests.
	require.NoError(t, d.client.SetA11yShowMode(ctx, 1))
	v, err = d.client.RequestVisibility(ctx, VisibilityRequest{Window: 4, Show: true})
	require.NoError(t, err)
	assert.False(t, v.Visible)

	resp, err := d.client.SetInteractive(ctx, false)
	require.NoError(t, err)
	assert.NotNil(t, resp)

	require.NoError(t, d.client.WindowRemoved(ctx, 4))
	require.NoError(t, d.client.Request(ctx, MsgTargetVisibility, &TargetVisibilityRequest{Target: 4}, nil))
	require.NoError(t, d.client.Request(ctx, MsgImeLayeringOverlay, &LayeringOverlayRequest{Visible: true}, nil))

	dump, err := d.client.Dump(ctx)
	require.NoError(t, err)
	assert.Contains(t, dump, "ledger:")
}

func TestSwitchingOverIPC(t *testing.T) {
	d := startDaemon(t, nil)
	ctx := context.Background()

	n, err := d.client.UpdateSubtypes(ctx, SubtypeUpdateRequest{
		InputMethods: []switching.InputMethod{
			{ID: "latin", Name: "Latin", ShowInPicker: true, Subtypes: []switching.Subtype{
				{Name: "English", Locale: "en_US"}, {Name: "French", Locale: "fr"},
			}},
		},
		SystemLocale: "en_US",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	it, err := d.client.Switch(ctx, SwitchRequest{ImeID: "latin", SubtypeIndex: 0, Forward: true})
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, 1, it.SubtypeIndex)

	it, err = d.client.Switch(ctx, SwitchRequest{ImeID: "latin", SubtypeIndex: 0, Forward: true, Hardware: true})
	require.NoError(t, err)
	assert.Nil(t, it)

	_, err = d.client.UserAction(ctx, "latin", 1)
	require.NoError(t, err)
	require.NoError(t, d.client.SubtypeChanged(ctx))

	menu, err := d.client.SwitcherMenu(ctx, false)
	require.NoError(t, err)
	assert.Len(t, menu, 2)
}

func TestSubscribeReceivesVerdicts(t *testing.T) {
	d := startDaemon(t, nil)
	ctx := context.Background()

	require.NoError(t, d.client.Subscribe(ctx, EventVerdict))
	require.Eventually(t, func() bool { return d.server.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err := d.client.Focus(ctx, editorFocus(1, softinput.StateAlwaysVisible))
	require.NoError(t, err)

	select {
	case ev := <-d.client.Events():
		require.NotNil(t, ev)
		assert.Equal(t, EventVerdict, ev.Type)
		var v imf.Verdict
		require.NoError(t, json.Unmarshal(ev.Data, &v))
		assert.True(t, v.Visible)
		assert.EqualValues(t, 1, v.Window)
	case <-time.After(3 * time.Second):
		t.Fatal("no verdict event")
	}

	require.NoError(t, d.client.Unsubscribe(ctx))
	assert.Equal(t, 0, d.server.SubscriberCount())
}

func TestReloadConfig(t *testing.T) {
	d := startDaemon(t, nil)
	ctx := context.Background()

	var resp *ErrorResponse
	_, err := d.client.ReloadConfig(ctx)
	require.True(t, errors.As(err, &resp))
	assert.Equal(t, ErrNotAvailable, resp.Code)

	var calls atomic.Int32
	var failing atomic.Bool
	d = startDaemon(t, func(cfg *DaemonHandlerConfig) {
		cfg.ConfigPath = "/etc/imetrackd.toml"
		cfg.Reload = func() error {
			calls.Add(1)
			if failing.Load() {
				return errors.New("bad config")
			}
			return nil
		}
	})

	rr, err := d.client.ReloadConfig(ctx)
	require.NoError(t, err)
	assert.True(t, rr.Success)
	assert.Equal(t, "/etc/imetrackd.toml", rr.Path)

	failing.Store(true)
	rr, err = d.client.ReloadConfig(ctx)
	require.NoError(t, err)
	assert.False(t, rr.Success)
	assert.Equal(t, "bad config", rr.Error)
	assert.Equal(t, int32(2), calls.Load())
}

func TestStopDisconnectsClients(t *testing.T) {
	d := startDaemon(t, nil)
	require.NoError(t, d.server.Stop())
	require.NoError(t, d.server.Stop())

	require.Eventually(t, func() bool { return !d.client.IsConnected() }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, errors.Is(d.client.Ping(context.Background()), ErrNotConnected))

	_, err := os.Stat(d.server.SocketPath())
	assert.True(t, os.IsNotExist(err))
}
