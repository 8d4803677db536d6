package tracker

import (
	"fmt"
	"strings"
)

// Type is the kind of request being tracked.
type Type int

const (
	TypeNotSet Type = iota
	TypeShow
	TypeHide
)

var typeNames = []string{"TYPE_NOT_SET", "TYPE_SHOW", "TYPE_HIDE"}

func (t Type) String() string { return enumName(typeNames, int(t), "TYPE") }

// ParseType reverses String.
func ParseType(s string) (Type, error) {
	v, err := parseEnum(typeNames, s, "type")
	return Type(v), err
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	*t = v
	return err
}

// Status is the lifecycle state of a request. Every status other than
// StatusRun is terminal.
type Status int

const (
	StatusRun Status = iota
	StatusCancel
	StatusFail
	StatusSuccess
	StatusTimeout
)

var statusNames = []string{"STATUS_RUN", "STATUS_CANCEL", "STATUS_FAIL", "STATUS_SUCCESS", "STATUS_TIMEOUT"}

func (s Status) String() string { return enumName(statusNames, int(s), "STATUS") }

// ParseStatus reverses String.
func ParseStatus(s string) (Status, error) {
	v, err := parseEnum(statusNames, s, "status")
	return Status(v), err
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	*s = v
	return err
}

// Origin is the component where a request originated.
type Origin int

const (
	OriginNotSet Origin = iota
	OriginClient
	OriginServer
	OriginIME
	OriginWMShell
)

var originNames = []string{"ORIGIN_NOT_SET", "ORIGIN_CLIENT", "ORIGIN_SERVER", "ORIGIN_IME", "ORIGIN_WM_SHELL"}

func (o Origin) String() string { return enumName(originNames, int(o), "ORIGIN") }

// ParseOrigin reverses String.
func ParseOrigin(s string) (Origin, error) {
	v, err := parseEnum(originNames, s, "origin")
	return Origin(v), err
}

func (o Origin) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Origin) UnmarshalText(b []byte) error {
	v, err := ParseOrigin(string(b))
	*o = v
	return err
}

// Phase is the last pipeline step a request reached.
type Phase int

const (
	PhaseNotSet Phase = iota
	PhaseClientViewServed
	PhaseServerClientKnown
	PhaseServerHasIME
	PhaseServerShouldHide
	PhaseServerWaitIME
	PhaseServerSystemReady
	PhaseServerUpdateClientVisibility
	PhaseIMEShowWindow
	PhaseWMSetRemoteTargetIMEVisibility
	PhaseWMNotifyHideAnimationFinished
	PhaseClientShowInsets
	PhaseClientControlAnimation
	PhaseClientApplyAnimation
	PhaseClientAnimationRunning
	PhaseClientAnimationCancel
	PhaseClientAlreadyHidden
	PhaseClientAnimationFinishedShow
)

var phaseNames = []string{
	"PHASE_NOT_SET",
	"PHASE_CLIENT_VIEW_SERVED",
	"PHASE_SERVER_CLIENT_KNOWN",
	"PHASE_SERVER_HAS_IME",
	"PHASE_SERVER_SHOULD_HIDE",
	"PHASE_SERVER_WAIT_IME",
	"PHASE_SERVER_SYSTEM_READY",
	"PHASE_SERVER_UPDATE_CLIENT_VISIBILITY",
	"PHASE_IME_SHOW_WINDOW",
	"PHASE_WM_SET_REMOTE_TARGET_IME_VISIBILITY",
	"PHASE_WM_NOTIFY_HIDE_ANIMATION_FINISHED",
	"PHASE_CLIENT_SHOW_INSETS",
	"PHASE_CLIENT_CONTROL_ANIMATION",
	"PHASE_CLIENT_APPLY_ANIMATION",
	"PHASE_CLIENT_ANIMATION_RUNNING",
	"PHASE_CLIENT_ANIMATION_CANCEL",
	"PHASE_CLIENT_ALREADY_HIDDEN",
	"PHASE_CLIENT_ANIMATION_FINISHED_SHOW",
}

func (p Phase) String() string { return enumName(phaseNames, int(p), "PHASE") }

// ParsePhase reverses String.
func ParsePhase(s string) (Phase, error) {
	v, err := parseEnum(phaseNames, s, "phase")
	return Phase(v), err
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	v, err := ParsePhase(string(b))
	*p = v
	return err
}

func enumName(names []string, v int, prefix string) string {
	if v >= 0 && v < len(names) {
		return names[v]
	}
	return fmt.Sprintf("%s_%d", prefix, v)
}

func parseEnum(names []string, s, kind string) (int, error) {
	if s == "" {
		return 0, nil
	}
	want := strings.ToUpper(s)
	for i, name := range names {
		if name == want {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown %s %q", kind, s)
}
