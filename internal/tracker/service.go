// Package tracker keeps a ledger of IME show and hide requests.
//
// Each request is reported in two halves that race each other: a start
// signal from the side that issued the request, and a finish signal from
// the side that carried it out. Progress signals may arrive in between.
// The ledger pairs the halves by id and tag, tolerates any arrival order,
// forces a TIMEOUT finish on requests that never complete, and keeps a
// bounded history of completed requests for diagnostics and metrics.
package tracker

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"imetrackd/internal/delay"
	"imetrackd/internal/softinput"
)

// DefaultTimeout is how long an entry may stay active before it is forced
// to finish with StatusTimeout.
const DefaultTimeout = 10 * time.Second

// ErrPendingTimeout is delivered by WaitUntilNoPendingRequests when active
// requests remain after the wait timeout.
var ErrPendingTimeout = errors.New("tracker: pending requests did not finish in time")

// Recorder receives a copy of every completed entry, exactly once.
type Recorder func(Entry)

// Options configures a Service.
type Options struct {
	Scheduler         delay.Scheduler
	Timeout           time.Duration
	ActiveCapacity    int
	CompletedCapacity int
	Recorder          Recorder
	Logger            *slog.Logger
}

// Service is the request ledger. It is safe for concurrent use; timeout
// callbacks take the same lock as the signal methods.
type Service struct {
	mu       sync.Mutex
	history  *History
	timers   map[*Entry]*delay.Timer
	waiters  map[*waiter]struct{}
	sched    delay.Scheduler
	timeout  time.Duration
	recorder Recorder
	log      *slog.Logger
}

type waiter struct {
	done  chan error
	timer *delay.Timer
}

// NewService creates a ledger.
func NewService(opts Options) *Service {
	if opts.Scheduler == nil {
		panic("tracker: nil scheduler")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Recorder == nil {
		opts.Recorder = func(Entry) {}
	}
	return &Service{
		history:  NewHistory(opts.ActiveCapacity, opts.CompletedCapacity),
		timers:   make(map[*Entry]*delay.Timer),
		waiters:  make(map[*waiter]struct{}),
		sched:    opts.Scheduler,
		timeout:  opts.Timeout,
		recorder: opts.Recorder,
		log:      opts.Logger.With(slog.String("component", "tracker")),
	}
}

// OnStart records the start of a request.
func (s *Service) OnStart(tok Token, uid int, typ Type, origin Origin, reason softinput.Reason, fromUser bool, startTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.history.Active(tok.ID); e != nil {
		if e.Tag != tok.Tag {
			// The id was reused after the entry holding it completed.
			s.log.Info("start on previously finished token", "tag", tok.Tag, "id", tok.ID)
			return
		}
		if e.Started {
			s.log.Info("start on previously started and not finished token", "tag", tok.Tag, "id", tok.ID)
			return
		}
		e.start(tok.Tag, uid, typ, origin, reason, fromUser, startTime)
		if e.Finished {
			s.complete(tok.ID, e)
		}
		return
	}

	if s.history.isActiveFull() {
		s.log.Info("start while active entries are full, not tracking request", "tag", tok.Tag)
		return
	}

	now := s.sched.Now()
	e := newEntry(now)
	// A fresh entry uses the local clock rather than the reported time.
	e.start(tok.Tag, uid, typ, origin, reason, fromUser, now)
	s.history.putActive(tok.ID, e)
	s.registerTimeout(tok.ID, e)
}

// OnProgress records that a request reached phase.
func (s *Service) OnProgress(tok Token, phase Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.sched.Now()
	if e := s.history.Active(tok.ID); e != nil {
		if e.Tag != tok.Tag || e.Finished {
			return
		}
		e.progress(phase, now)
		return
	}

	if s.history.IsCompleted(tok.ID) {
		return
	}
	if s.history.isActiveFull() {
		s.log.Info("progress while active entries are full, not tracking request", "tag", tok.Tag)
		return
	}

	e := newEntry(now)
	e.Tag = tok.Tag
	e.progress(phase, now)
	s.history.putActive(tok.ID, e)
	s.registerTimeout(tok.ID, e)
}

// OnFailed records that a request failed at phase.
func (s *Service) OnFailed(tok Token, phase Phase) { s.finish(tok, StatusFail, phase) }

// OnCancelled records that a request was cancelled at phase.
func (s *Service) OnCancelled(tok Token, phase Phase) { s.finish(tok, StatusCancel, phase) }

// OnShown records that a show request succeeded.
func (s *Service) OnShown(tok Token) { s.finish(tok, StatusSuccess, PhaseNotSet) }

// OnHidden records that a hide request succeeded.
func (s *Service) OnHidden(tok Token) { s.finish(tok, StatusSuccess, PhaseNotSet) }

// OnDispatched records that a request was handed off to another component
// that tracks it from there on.
func (s *Service) OnDispatched(tok Token) { s.finish(tok, StatusSuccess, PhaseNotSet) }

// OnFinish records a terminal status for a request. The convenience
// methods above all route here.
func (s *Service) OnFinish(tok Token, status Status, phase Phase) { s.finish(tok, status, phase) }

func (s *Service) finish(tok Token, status Status, phase Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.sched.Now()
	if e := s.history.Active(tok.ID); e != nil {
		if e.Tag != tok.Tag {
			s.log.Info("finish on previously finished token",
				"tag", tok.Tag, "phase", phase, "status", status)
			return
		}
		if e.Finished {
			s.log.Info("finish on previously finished but active token",
				"tag", tok.Tag, "phase", phase, "status", status)
			return
		}
		e.finish(status, phase, now)
		if e.Started {
			s.complete(tok.ID, e)
		}
		return
	}

	if s.history.IsCompleted(tok.ID) {
		s.log.Info("finish on previously finished token",
			"tag", tok.Tag, "phase", phase, "status", status)
		return
	}
	if s.history.isActiveFull() {
		s.log.Info("finish while active entries are full, not tracking request",
			"tag", tok.Tag, "phase", phase, "status", status)
		return
	}

	e := newEntry(now)
	e.Tag = tok.Tag
	e.finish(status, phase, now)
	s.history.putActive(tok.ID, e)
	s.registerTimeout(tok.ID, e)
}

// OnImmsUpdate records the name of the window that issued the request.
func (s *Service) OnImmsUpdate(tok Token, windowName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.history.Active(tok.ID); e != nil {
		e.RequestWindowName = windowName
	}
}

func (s *Service) registerTimeout(id uint64, e *Entry) {
	s.timers[e] = s.sched.AfterFunc(s.timeout, func() { s.onTimeout(id, e) })
}

func (s *Service) onTimeout(id uint64, e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A different entry, or none, means this timeout belongs to a request
	// that already completed.
	if s.history.Active(id) != e {
		return
	}
	s.log.Info("request timed out", "tag", e.Tag, "phase", e.Phase)
	e.finish(StatusTimeout, e.Phase, s.sched.Now())
	s.complete(id, e)
}

func (s *Service) complete(id uint64, e *Entry) {
	if !e.StartTime.IsZero() {
		e.Duration = e.FinishTime.Sub(e.StartTime)
	}
	if t, ok := s.timers[e]; ok {
		t.Stop()
		delete(s.timers, e)
	}
	s.history.complete(id, e)
	s.recorder(*e)

	if s.history.ActiveLen() == 0 {
		s.releaseWaiters()
	}
}

func (s *Service) releaseWaiters() {
	for w := range s.waiters {
		w.timer.Stop()
		w.done <- nil
		delete(s.waiters, w)
	}
}

// WaitUntilNoPendingRequests returns a channel that receives nil once no
// active entries remain, or ErrPendingTimeout if that does not happen
// within timeout.
func (s *Service) WaitUntilNoPendingRequests(timeout time.Duration) <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := make(chan error, 1)
	if s.history.ActiveLen() == 0 {
		done <- nil
		return done
	}

	w := &waiter{done: done}
	w.timer = s.sched.AfterFunc(timeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.waiters[w]; !ok {
			return
		}
		delete(s.waiters, w)
		w.done <- ErrPendingTimeout
	})
	s.waiters[w] = struct{}{}
	return done
}

// FinishTrackingPendingRequests drops every active entry without recording
// it. Waiters are released.
func (s *Service) FinishTrackingPendingRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for e, t := range s.timers {
		t.Stop()
		delete(s.timers, e)
	}
	s.history.clearActive()
	s.releaseWaiters()
}

// ActiveCount returns the number of active entries.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.ActiveLen()
}

// CompletedCount returns the number of retained completed entries.
func (s *Service) CompletedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.CompletedLen()
}

// Active returns a copy of the active entry for id.
func (s *Service) Active(id uint64) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.history.Active(id); e != nil {
		return *e, true
	}
	return Entry{}, false
}

// Completed returns a copy of the completed entry for id.
func (s *Service) Completed(id uint64) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.history.Completed(id); e != nil {
		return *e, true
	}
	return Entry{}, false
}

// CompletedEntries returns copies of the retained completed entries,
// oldest first.
func (s *Service) CompletedEntries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.CompletedEntries()
}

// Dump writes the ledger contents.
func (s *Service) Dump(w io.Writer, prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Dump(w, prefix)
}
