package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"imetrackd/internal/imf"
	"imetrackd/internal/ipc"
	"imetrackd/internal/switching"
	"imetrackd/internal/tracker"
	"imetrackd/internal/visibility"
)

// Target receives the steps. *ipc.IPCClient implements it.
type Target interface {
	Focus(ctx context.Context, ev imf.FocusEvent) (*imf.Verdict, error)
	RequestVisibility(ctx context.Context, req ipc.VisibilityRequest) (imf.Verdict, error)
	TrackerSignal(ctx context.Context, req ipc.TrackerSignalRequest) error
	WindowRemoved(ctx context.Context, window visibility.WindowToken) error
	SetA11yShowMode(ctx context.Context, mode int) error
	SetInteractive(ctx context.Context, interactive bool) (*ipc.InteractiveResponse, error)
	UpdateSubtypes(ctx context.Context, req ipc.SubtypeUpdateRequest) (int, error)
	Switch(ctx context.Context, req ipc.SwitchRequest) (*switching.Item, error)
	UserAction(ctx context.Context, imeID string, subtypeIndex int) (bool, error)
	SubtypeChanged(ctx context.Context) error
}

// Result describes the outcome of one step.
type Result struct {
	Index   int             `json:"index"`
	ID      string          `json:"id,omitempty"`
	Kind    string          `json:"kind"`
	Verdict *imf.Verdict    `json:"verdict,omitempty"`
	Item    *switching.Item `json:"item,omitempty"`
	Detail  string          `json:"detail,omitempty"`
}

func (r Result) String() string {
	s := fmt.Sprintf("#%d %s", r.Index, r.Kind)
	if r.ID != "" {
		s += " [" + r.ID + "]"
	}
	if r.Detail != "" {
		s += ": " + r.Detail
	}
	return s
}

// Runner plays scenarios against a Target.
type Runner struct {
	target Target
	log    *slog.Logger

	tokens map[string]tracker.Token
	last   tracker.Token
}

// NewRunner creates a runner.
func NewRunner(target Target, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		target: target,
		log:    logger.With("component", "scenario"),
		tokens: make(map[string]tracker.Token),
	}
}

// Run executes the steps in order and passes each result to report, which
// may be nil. It stops at the first failing step.
func (r *Runner) Run(ctx context.Context, sc *Scenario, report func(Result)) error {
	for i, st := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := r.step(ctx, st)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i, st.Kind(), err)
		}
		res.Index, res.ID, res.Kind = i, st.ID, st.Kind()
		r.log.Debug("step done", "index", i, "kind", res.Kind, "detail", res.Detail)
		if report != nil {
			report(res)
		}
	}
	return nil
}

func (r *Runner) remember(id string, v imf.Verdict) {
	r.last = v.Token
	if id != "" {
		r.tokens[id] = v.Token
	}
}

func describeVerdict(v imf.Verdict) string {
	action := "hide"
	if v.Visible {
		action = "show"
	}
	return fmt.Sprintf("%s window=%d reason=%s tag=%s", action, v.Window, v.Reason, v.Token.Tag)
}

func (r *Runner) step(ctx context.Context, st Step) (Result, error) {
	var res Result
	switch {
	case st.Focus != nil:
		v, err := r.target.Focus(ctx, *st.Focus)
		if err != nil {
			return res, err
		}
		if v == nil {
			res.Detail = "no verdict"
			return res, nil
		}
		r.remember(st.ID, *v)
		res.Verdict, res.Detail = v, describeVerdict(*v)

	case st.Request != nil:
		v, err := r.target.RequestVisibility(ctx, *st.Request)
		if err != nil {
			return res, err
		}
		r.remember(st.ID, v)
		res.Verdict, res.Detail = &v, describeVerdict(v)

	case st.Signal != nil:
		tok := r.last
		if st.Signal.Ref != "" {
			var ok bool
			if tok, ok = r.tokens[st.Signal.Ref]; !ok {
				return res, fmt.Errorf("no verdict recorded for %q", st.Signal.Ref)
			}
		}
		if tok.ID == 0 {
			return res, fmt.Errorf("no verdict to signal")
		}
		err := r.target.TrackerSignal(ctx, ipc.TrackerSignalRequest{
			Token:      tok,
			Signal:     st.Signal.Signal,
			Phase:      st.Signal.Phase,
			WindowName: st.Signal.WindowName,
		})
		if err != nil {
			return res, err
		}
		res.Detail = fmt.Sprintf("%s %s", st.Signal.Signal, tok.Tag)

	case st.Remove != nil:
		if err := r.target.WindowRemoved(ctx, st.Remove.Window); err != nil {
			return res, err
		}
		res.Detail = fmt.Sprintf("window=%d", st.Remove.Window)

	case st.A11y != nil:
		if err := r.target.SetA11yShowMode(ctx, st.A11y.Mode); err != nil {
			return res, err
		}
		res.Detail = fmt.Sprintf("mode=%d", st.A11y.Mode)

	case st.Interactive != nil:
		resp, err := r.target.SetInteractive(ctx, st.Interactive.Interactive)
		if err != nil {
			return res, err
		}
		res.Detail = fmt.Sprintf("screenshot=%t changed=%t", resp.ShowScreenshot, resp.Changed)

	case st.Subtypes != nil:
		n, err := r.target.UpdateSubtypes(ctx, *st.Subtypes)
		if err != nil {
			return res, err
		}
		res.Detail = fmt.Sprintf("%d items", n)

	case st.Switch != nil:
		it, err := r.target.Switch(ctx, ipc.SwitchRequest{
			ImeID:          st.Switch.ImeID,
			SubtypeIndex:   st.Switch.SubtypeIndex,
			OnlyCurrentIME: st.Switch.OnlyCurrentIME,
			Forward:        !st.Switch.Backward,
			Hardware:       st.Switch.Hardware,
		})
		if err != nil {
			return res, err
		}
		if it == nil {
			res.Detail = "no next item"
			return res, nil
		}
		res.Item, res.Detail = it, it.String()

	case st.UserAction != nil:
		moved, err := r.target.UserAction(ctx, st.UserAction.ImeID, st.UserAction.SubtypeIndex)
		if err != nil {
			return res, err
		}
		res.Detail = fmt.Sprintf("moved=%t", moved)

	case st.SubtypeChanged:
		if err := r.target.SubtypeChanged(ctx); err != nil {
			return res, err
		}

	case st.Sleep > 0:
		t := time.NewTimer(time.Duration(st.Sleep))
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return res, ctx.Err()
		}
		res.Detail = time.Duration(st.Sleep).String()

	default:
		return res, fmt.Errorf("no action")
	}
	return res, nil
}
