package tracker

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"imetrackd/internal/softinput"
)

// NotSet is the placeholder for tags and window names that have not been
// reported yet.
const NotSet = "not set"

// Token identifies a request. IDs may be reused once a request is done; the
// tag distinguishes a reused id from the request still holding it.
type Token struct {
	ID  uint64 `json:"id"`
	Tag string `json:"tag"`
}

func (t Token) String() string {
	return fmt.Sprintf("%d/%s", t.ID, t.Tag)
}

// NewTag returns a logging tag of the form "component:xxxxxxxx".
func NewTag(component string) string {
	id := uuid.New()
	return fmt.Sprintf("%s:%s", component, strings.ReplaceAll(id.String(), "-", "")[:8])
}

var sequence atomic.Uint64

// Entry is the record of one tracked request.
type Entry struct {
	Sequence uint64 `json:"seq"`
	Started  bool   `json:"started"`
	Finished bool   `json:"finished"`

	// StartTime is the wall time the request was started.
	StartTime time.Time `json:"start_time"`
	// FinishTime is when the finish signal, or the timeout, arrived.
	FinishTime time.Time     `json:"finish_time"`
	Duration   time.Duration `json:"duration"`
	// LastProgressTime is when the most recent progress signal arrived.
	LastProgressTime time.Time `json:"last_progress_time"`

	Tag               string           `json:"tag"`
	UID               int              `json:"uid"`
	Type              Type             `json:"type"`
	Status            Status           `json:"status"`
	Origin            Origin           `json:"origin"`
	Reason            softinput.Reason `json:"reason"`
	Phase             Phase            `json:"phase"`
	FromUser          bool             `json:"from_user"`
	RequestWindowName string           `json:"request_window_name"`
}

func newEntry(now time.Time) *Entry {
	return &Entry{
		Sequence:          sequence.Add(1) - 1,
		LastProgressTime:  now,
		Tag:               NotSet,
		UID:               -1,
		Type:              TypeNotSet,
		Status:            StatusRun,
		Origin:            OriginNotSet,
		Reason:            softinput.ReasonNotSet,
		Phase:             PhaseNotSet,
		RequestWindowName: NotSet,
	}
}

func (e *Entry) start(tag string, uid int, typ Type, origin Origin, reason softinput.Reason, fromUser bool, startTime time.Time) {
	e.Tag = tag
	e.UID = uid
	e.Type = typ
	e.Origin = origin
	e.Reason = reason
	e.FromUser = fromUser
	e.StartTime = startTime
	e.Started = true
}

func (e *Entry) progress(phase Phase, now time.Time) {
	e.Phase = phase
	e.LastProgressTime = now
}

// finish keeps the previous phase when phase is PhaseNotSet.
func (e *Entry) finish(status Status, phase Phase, now time.Time) {
	if phase != PhaseNotSet {
		e.Phase = phase
	}
	e.Status = status
	e.FinishTime = now
	e.Finished = true
}

const dumpTimeFormat = "2006-01-02 15:04:05.000"

func (e *Entry) dump(w io.Writer, prefix string) {
	fmt.Fprintf(w, "%s#%d %s - %s - %s (%dms):\n",
		prefix, e.Sequence, e.Type, e.Status, e.Tag, e.Duration.Milliseconds())

	fmt.Fprintf(w, "%s  startTime=%s %s\n", prefix, formatTime(e.StartTime), e.Origin)

	fmt.Fprintf(w, "%s  reason=%s %s", prefix, e.Reason, e.Phase)
	if e.Status == StatusTimeout {
		fmt.Fprintf(w, " lastProgressTime=%s", formatTime(e.LastProgressTime))
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%s  requestWindowName=%s\n", prefix, e.RequestWindowName)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return NotSet
	}
	return t.Format(dumpTimeFormat)
}
