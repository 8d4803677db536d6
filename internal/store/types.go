// Package store persists completed IME requests to SQLite.
package store

import (
	"time"

	"imetrackd/internal/tracker"
)

// Request is one completed request as stored in the requests table.
type Request struct {
	ID         int64  `json:"id"`
	Tag        string `json:"tag"`
	UID        int    `json:"uid"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	Origin     string `json:"origin"`
	Reason     string `json:"reason"`
	Phase      string `json:"phase"`
	FromUser   bool   `json:"from_user"`
	WindowName string `json:"window_name"`
	StartNs    int64  `json:"start_ns"`
	DurationMs int64  `json:"duration_ms"`
	RecordedNs int64  `json:"recorded_ns"`
}

// StartTime returns StartNs as a time.
func (r *Request) StartTime() time.Time { return time.Unix(0, r.StartNs) }

// RecordFromEntry converts a completed ledger entry to a row. Enum values
// are stored by name so the table stays readable if the numbering changes.
func RecordFromEntry(e tracker.Entry) *Request {
	var startNs int64
	if !e.StartTime.IsZero() {
		startNs = e.StartTime.UnixNano()
	}
	return &Request{
		Tag:        e.Tag,
		UID:        e.UID,
		Type:       e.Type.String(),
		Status:     e.Status.String(),
		Origin:     e.Origin.String(),
		Reason:     e.Reason.String(),
		Phase:      e.Phase.String(),
		FromUser:   e.FromUser,
		WindowName: e.RequestWindowName,
		StartNs:    startNs,
		DurationMs: e.Duration.Milliseconds(),
		RecordedNs: time.Now().UnixNano(),
	}
}
