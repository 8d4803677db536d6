package tracker

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imetrackd/internal/delay"
	"imetrackd/internal/softinput"
)

const testTimeout = 3 * time.Second

type ledgerFixture struct {
	svc      *Service
	queue    *delay.ManualQueue
	recorded []Entry
}

func newFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	f := &ledgerFixture{queue: delay.NewManualQueue(time.Unix(1700000000, 0))}
	f.svc = NewService(Options{
		Scheduler: f.queue,
		Timeout:   testTimeout,
		Recorder:  func(e Entry) { f.recorded = append(f.recorded, e) },
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

type startArgs struct {
	uid      int
	typ      Type
	origin   Origin
	reason   softinput.Reason
	fromUser bool
}

var showArgs = startArgs{uid: 10, typ: TypeShow, origin: OriginClient, reason: softinput.ShowSoftInput}

func (f *ledgerFixture) start(tok Token, a startArgs) {
	f.svc.OnStart(tok, a.uid, a.typ, a.origin, a.reason, a.fromUser, f.queue.Now())
}

func verifyEntry(t *testing.T, e Entry, tag string, a startArgs, status Status, phase Phase) {
	t.Helper()
	assert.Equal(t, tag, e.Tag, "tag")
	assert.Equal(t, a.uid, e.UID, "uid")
	assert.Equal(t, a.typ, e.Type, "type")
	assert.Equal(t, status, e.Status, "status")
	assert.Equal(t, a.origin, e.Origin, "origin")
	assert.Equal(t, a.reason, e.Reason, "reason")
	assert.Equal(t, phase, e.Phase, "phase")
	assert.Equal(t, a.fromUser, e.FromUser, "fromUser")
}

func TestStartAndFinishVariants(t *testing.T) {
	hide := startArgs{uid: 10, typ: TypeHide, origin: OriginClient, reason: softinput.HideSoftInput}
	tests := []struct {
		name   string
		args   startArgs
		finish func(s *Service, tok Token)
		status Status
		phase  Phase
	}{
		{"shown", showArgs, func(s *Service, tok Token) { s.OnShown(tok) }, StatusSuccess, PhaseNotSet},
		{"hidden", hide, func(s *Service, tok Token) { s.OnHidden(tok) }, StatusSuccess, PhaseNotSet},
		{"cancelled", showArgs, func(s *Service, tok Token) { s.OnCancelled(tok, PhaseServerShouldHide) }, StatusCancel, PhaseServerShouldHide},
		{"failed", showArgs, func(s *Service, tok Token) { s.OnFailed(tok, PhaseClientViewServed) }, StatusFail, PhaseClientViewServed},
		{"dispatched", hide, func(s *Service, tok Token) { s.OnDispatched(tok) }, StatusSuccess, PhaseNotSet},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tok := Token{ID: 0, Tag: "A"}

			f.start(tok, tt.args)
			_, ok := f.svc.Active(tok.ID)
			require.True(t, ok, "created entry")

			tt.finish(f.svc, tok)
			assert.Equal(t, 0, f.svc.ActiveCount(), "no active entries remaining")

			f.queue.Advance(testTimeout)
			require.Len(t, f.recorded, 1)
			verifyEntry(t, f.recorded[0], "A", tt.args, tt.status, tt.phase)
		})
	}
}

func TestStartTwice(t *testing.T) {
	f := newFixture(t)
	tok := Token{ID: 5, Tag: "a"}

	f.start(tok, showArgs)
	first, _ := f.svc.Active(tok.ID)

	f.start(tok, startArgs{uid: 20, typ: TypeHide, origin: OriginServer, reason: softinput.HideSoftInput})
	second, ok := f.svc.Active(tok.ID)
	require.True(t, ok)
	assert.Equal(t, first, second, "second start must not change start data")

	f.svc.OnShown(tok)
	f.queue.Advance(testTimeout)

	require.Len(t, f.recorded, 1)
	verifyEntry(t, f.recorded[0], "a", showArgs, StatusSuccess, PhaseNotSet)
}

func TestStartAfterComplete(t *testing.T) {
	f := newFixture(t)
	tok := Token{ID: 0, Tag: "A"}

	f.start(tok, showArgs)
	f.svc.OnShown(tok)
	assert.Equal(t, 0, f.svc.ActiveCount())

	hide := showArgs
	hide.typ = TypeHide
	f.start(tok, hide)
	_, ok := f.svc.Active(tok.ID)
	require.True(t, ok, "second created entry")

	f.svc.OnFailed(tok, PhaseClientViewServed)
	assert.Equal(t, 0, f.svc.ActiveCount())

	f.queue.Advance(testTimeout)
	require.Len(t, f.recorded, 2)
	verifyEntry(t, f.recorded[0], "A", showArgs, StatusSuccess, PhaseNotSet)
	verifyEntry(t, f.recorded[1], "A", hide, StatusFail, PhaseClientViewServed)
	assert.Equal(t, 1, f.svc.CompletedCount(), "reused id replaces its completed slot")
}

func TestStartOnReusedID(t *testing.T) {
	f := newFixture(t)
	first := Token{ID: 0, Tag: "A"}
	second := Token{ID: 0, Tag: "B"}

	f.svc.OnCancelled(second, PhaseServerShouldHide)
	_, ok := f.svc.Active(0)
	require.True(t, ok)

	// A start carrying a different tag must not attach to B's entry.
	f.start(first, showArgs)
	assert.Equal(t, 1, f.svc.ActiveCount())

	hide := startArgs{uid: 10, typ: TypeHide, origin: OriginClient, reason: softinput.HideSoftInput}
	f.start(second, hide)
	assert.Equal(t, 0, f.svc.ActiveCount())

	f.queue.Advance(testTimeout)
	require.Len(t, f.recorded, 1)
	verifyEntry(t, f.recorded[0], "B", hide, StatusCancel, PhaseServerShouldHide)
}

func TestProgressAndStartAndFinish(t *testing.T) {
	f := newFixture(t)
	tok := Token{ID: 0, Tag: "A"}

	f.svc.OnProgress(tok, PhaseClientViewServed)
	_, ok := f.svc.Active(tok.ID)
	require.True(t, ok)

	f.start(tok, showArgs)
	f.svc.OnShown(tok)
	assert.Equal(t, 0, f.svc.ActiveCount())

	f.queue.Advance(testTimeout)
	require.Len(t, f.recorded, 1)
	verifyEntry(t, f.recorded[0], "A", showArgs, StatusSuccess, PhaseClientViewServed)
}

func TestProgressAfterFinish(t *testing.T) {
	f := newFixture(t)
	tok := Token{ID: 0, Tag: "A"}

	f.svc.OnShown(tok)
	f.svc.OnProgress(tok, PhaseServerClientKnown)
	f.start(tok, showArgs)
	assert.Equal(t, 0, f.svc.ActiveCount())

	f.queue.Advance(testTimeout)
	require.Len(t, f.recorded, 1)
	verifyEntry(t, f.recorded[0], "A", showArgs, StatusSuccess, PhaseNotSet)
}

func TestProgressAfterComplete(t *testing.T) {
	f := newFixture(t)
	tok := Token{ID: 0, Tag: "A"}

	f.start(tok, showArgs)
	f.svc.OnProgress(tok, PhaseClientViewServed)
	f.svc.OnShown(tok)

	f.svc.OnProgress(tok, PhaseServerClientKnown)
	_, ok := f.svc.Active(tok.ID)
	assert.False(t, ok, "no entry created for progress after complete")

	f.queue.Advance(testTimeout)
	require.Len(t, f.recorded, 1)
	verifyEntry(t, f.recorded[0], "A", showArgs, StatusSuccess, PhaseClientViewServed)
}

func TestLateSignalsOnReusedID(t *testing.T) {
	late := map[string]func(s *Service, tok Token){
		"progress": func(s *Service, tok Token) { s.OnProgress(tok, PhaseClientViewServed) },
		"finish":   func(s *Service, tok Token) { s.OnFailed(tok, PhaseClientViewServed) },
		"start":    func(s *Service, tok Token) { s.OnStart(tok, 99, TypeShow, OriginIME, softinput.ShowSoftInput, true, time.Time{}) },
	}
	for name, signal := range late {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			first := Token{ID: 0, Tag: "A"}
			second := Token{ID: 0, Tag: "B"}

			f.start(first, showArgs)
			f.svc.OnShown(first)

			hide := showArgs
			hide.typ = TypeHide
			f.start(second, hide)

			signal(f.svc, first)
			assert.Equal(t, 1, f.svc.ActiveCount(), "one active entry")

			f.svc.OnCancelled(second, PhaseServerShouldHide)
			assert.Equal(t, 0, f.svc.ActiveCount())

			f.queue.Advance(testTimeout)
			require.Len(t, f.recorded, 2)
			verifyEntry(t, f.recorded[0], "A", showArgs, StatusSuccess, PhaseNotSet)
			verifyEntry(t, f.recorded[1], "B", hide, StatusCancel, PhaseServerShouldHide)
		})
	}
}

func TestFinishAndStart(t *testing.T) {
	f := newFixture(t)
	tok := Token{ID: 0, Tag: "A"}

	f.svc.OnShown(tok)
	require.Equal(t, 1, f.svc.ActiveCount())
	assert.Empty(t, f.recorded, "finish alone does not complete")

	f.start(tok, showArgs)
	assert.Equal(t, 0, f.svc.ActiveCount())
	require.Len(t, f.recorded, 1, "recorded once at completion")

	f.queue.Advance(testTimeout)
	require.Len(t, f.recorded, 1, "timeout does not record again")
	verifyEntry(t, f.recorded[0], "A", showArgs, StatusSuccess, PhaseNotSet)
}

func TestFinishTwice(t *testing.T) {
	f := newFixture(t)
	tok := Token{ID: 0, Tag: "A"}

	f.svc.OnShown(tok)
	f.svc.OnFailed(tok, PhaseClientViewServed)
	f.start(tok, showArgs)

	f.queue.Advance(testTimeout)
	require.Len(t, f.recorded, 1)
	verifyEntry(t, f.recorded[0], "A", showArgs, StatusSuccess, PhaseNotSet)
}

func TestFinishAfterComplete(t *testing.T) {
	f := newFixture(t)
	tok := Token{ID: 0, Tag: "A"}

	f.start(tok, showArgs)
	f.svc.OnShown(tok)
	f.svc.OnFailed(tok, PhaseClientViewServed)
	_, ok := f.svc.Active(tok.ID)
	assert.False(t, ok, "no entry created for finish after complete")

	f.queue.Advance(testTimeout)
	require.Len(t, f.recorded, 1)
	verifyEntry(t, f.recorded[0], "A", showArgs, StatusSuccess, PhaseNotSet)
}

func TestTimeouts(t *testing.T) {
	notSet := startArgs{uid: -1}
	tests := []struct {
		name   string
		signal func(f *ledgerFixture, tok Token)
		args   startArgs
		phase  Phase
	}{
		{"from start", func(f *ledgerFixture, tok Token) { f.start(tok, showArgs) }, showArgs, PhaseNotSet},
		{"from progress", func(f *ledgerFixture, tok Token) { f.svc.OnProgress(tok, PhaseClientViewServed) }, notSet, PhaseClientViewServed},
		{"from finish", func(f *ledgerFixture, tok Token) { f.svc.OnShown(tok) }, notSet, PhaseNotSet},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tok := Token{ID: 0, Tag: "A"}

			tt.signal(f, tok)
			require.Equal(t, 1, f.svc.ActiveCount())

			f.queue.Advance(testTimeout - time.Millisecond)
			assert.Empty(t, f.recorded, "not yet timed out")

			f.queue.Advance(time.Millisecond)
			assert.Equal(t, 0, f.svc.ActiveCount())
			require.Len(t, f.recorded, 1)
			verifyEntry(t, f.recorded[0], "A", tt.args, StatusTimeout, tt.phase)
		})
	}
}

func TestTimeoutDuration(t *testing.T) {
	f := newFixture(t)
	f.svc = NewService(Options{
		Scheduler: f.queue,
		Recorder:  func(e Entry) { f.recorded = append(f.recorded, e) },
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	tok := Token{ID: 5, Tag: "a"}
	f.start(tok, showArgs)

	f.queue.Advance(DefaultTimeout)
	require.Len(t, f.recorded, 1)
	assert.Equal(t, StatusTimeout, f.recorded[0].Status)
	assert.Equal(t, DefaultTimeout, f.recorded[0].Duration)
}

func TestTimeoutOnReusedID(t *testing.T) {
	f := newFixture(t)
	first := Token{ID: 0, Tag: "A"}
	second := Token{ID: 0, Tag: "B"}

	f.start(first, showArgs)
	f.svc.OnShown(first)

	f.queue.Advance(testTimeout / 2)

	hide := showArgs
	hide.typ = TypeHide
	f.start(second, hide)

	// Past the first entry's timeout, not the second's.
	f.queue.Advance(testTimeout / 2)
	_, ok := f.svc.Active(0)
	require.True(t, ok, "old timeout must not affect the new entry")

	f.svc.OnCancelled(second, PhaseServerShouldHide)
	f.queue.Advance(testTimeout / 2)

	require.Len(t, f.recorded, 2)
	verifyEntry(t, f.recorded[0], "A", showArgs, StatusSuccess, PhaseNotSet)
	verifyEntry(t, f.recorded[1], "B", hide, StatusCancel, PhaseServerShouldHide)
}

func TestCompletedEviction(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < DefaultCompletedCapacity+5; i++ {
		tok := Token{ID: uint64(i), Tag: fmt.Sprintf("t%d", i)}
		f.start(tok, showArgs)
		f.svc.OnShown(tok)
	}

	assert.Equal(t, DefaultCompletedCapacity, f.svc.CompletedCount())
	_, ok := f.svc.Completed(0)
	assert.False(t, ok, "oldest evicted")
	_, ok = f.svc.Completed(5)
	assert.True(t, ok)

	entries := f.svc.CompletedEntries()
	assert.Equal(t, "t5", entries[0].Tag)
	assert.Equal(t, fmt.Sprintf("t%d", DefaultCompletedCapacity+4), entries[len(entries)-1].Tag)

	// An evicted id is no longer known as completed, so a late finish
	// opens a new entry.
	f.svc.OnShown(Token{ID: 0, Tag: "t0"})
	assert.Equal(t, 1, f.svc.ActiveCount())
}

func TestActiveCapacity(t *testing.T) {
	f := newFixture(t)
	f.svc = NewService(Options{
		Scheduler:      f.queue,
		ActiveCapacity: 2,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	for i := 0; i < 3; i++ {
		f.start(Token{ID: uint64(i), Tag: "x"}, showArgs)
	}
	assert.Equal(t, 2, f.svc.ActiveCount())
	f.svc.OnProgress(Token{ID: 7, Tag: "y"}, PhaseClientViewServed)
	f.svc.OnShown(Token{ID: 8, Tag: "z"})
	assert.Equal(t, 2, f.svc.ActiveCount())
}

func TestOnImmsUpdate(t *testing.T) {
	f := newFixture(t)
	tok := Token{ID: 1, Tag: "A"}

	f.svc.OnImmsUpdate(tok, "ignored")
	f.start(tok, showArgs)
	f.svc.OnImmsUpdate(tok, "com.example/.MainActivity")
	f.svc.OnShown(tok)

	require.Len(t, f.recorded, 1)
	assert.Equal(t, "com.example/.MainActivity", f.recorded[0].RequestWindowName)
}

func TestWaitUntilNoPendingRequests(t *testing.T) {
	f := newFixture(t)

	assert.NoError(t, <-f.svc.WaitUntilNoPendingRequests(time.Second), "no pending requests")

	tok := Token{ID: 1, Tag: "A"}
	f.start(tok, showArgs)
	done := f.svc.WaitUntilNoPendingRequests(time.Second)
	select {
	case <-done:
		t.Fatal("resolved while a request is pending")
	default:
	}

	f.svc.OnShown(tok)
	select {
	case err := <-done:
		assert.NoError(t, err)
	default:
		t.Fatal("not resolved after the last request completed")
	}

	f.start(Token{ID: 2, Tag: "B"}, showArgs)
	done = f.svc.WaitUntilNoPendingRequests(time.Second)
	f.queue.Advance(time.Second)
	assert.ErrorIs(t, <-done, ErrPendingTimeout)
}

func TestFinishTrackingPendingRequests(t *testing.T) {
	f := newFixture(t)
	f.start(Token{ID: 1, Tag: "A"}, showArgs)
	f.svc.OnProgress(Token{ID: 2, Tag: "B"}, PhaseServerHasIME)
	done := f.svc.WaitUntilNoPendingRequests(time.Minute)

	f.svc.FinishTrackingPendingRequests()
	assert.Equal(t, 0, f.svc.ActiveCount())
	assert.NoError(t, <-done)

	f.queue.Advance(testTimeout)
	assert.Empty(t, f.recorded, "dropped entries are not recorded")
}

func TestDump(t *testing.T) {
	f := newFixture(t)
	f.start(Token{ID: 1, Tag: "A"}, showArgs)
	f.start(Token{ID: 2, Tag: "B"}, showArgs)
	f.svc.OnImmsUpdate(Token{ID: 2, Tag: "B"}, "win")
	f.queue.Advance(testTimeout)

	var buf bytes.Buffer
	f.svc.Dump(&buf, "  ")
	out := buf.String()

	assert.Contains(t, out, "  active entries: 0\n")
	assert.Contains(t, out, "  completed entries: 2\n")
	assert.Contains(t, out, "TYPE_SHOW - STATUS_TIMEOUT - A (3000ms):")
	assert.Contains(t, out, "reason=SHOW_SOFT_INPUT PHASE_NOT_SET lastProgressTime=")
	assert.Contains(t, out, "requestWindowName=win")
	assert.Equal(t, 1, strings.Count(out, "requestWindowName=not set"))
}

func TestNewTag(t *testing.T) {
	tag := NewTag("imetrackd")
	require.True(t, strings.HasPrefix(tag, "imetrackd:"))
	assert.Len(t, strings.TrimPrefix(tag, "imetrackd:"), 8)
	assert.NotEqual(t, tag, NewTag("imetrackd"))
}

func TestEnumText(t *testing.T) {
	var p Phase
	require.NoError(t, p.UnmarshalText([]byte("phase_server_should_hide")))
	assert.Equal(t, PhaseServerShouldHide, p)
	assert.Error(t, p.UnmarshalText([]byte("PHASE_BOGUS")))
	assert.Equal(t, "STATUS_7", Status(7).String())

	o, err := ParseOrigin("")
	require.NoError(t, err)
	assert.Equal(t, OriginNotSet, o)
}
