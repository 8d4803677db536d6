// Package switching picks the next IME subtype when the user cycles
// through enabled input methods.
//
// The Controller is not safe for concurrent use; callers hold one lock
// across all calls (see package imf).
package switching

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Mode selects the order used when switching.
type Mode int

const (
	// ModeStatic always uses the static order.
	ModeStatic Mode = iota
	// ModeRecent always uses the recency order.
	ModeRecent
	// ModeAuto uses the recency order for the first forward switch after a
	// user action, and the static order otherwise.
	ModeAuto
)

func (m Mode) String() string {
	switch m {
	case ModeStatic:
		return "static"
	case ModeRecent:
		return "recent"
	case ModeAuto:
		return "auto"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses "static", "recent" or "auto".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "static", "":
		return ModeStatic, nil
	case "recent":
		return ModeRecent, nil
	case "auto":
		return ModeAuto, nil
	}
	return ModeStatic, fmt.Errorf("switching: unknown mode %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Controller owns the software and hardware rotation lists.
type Controller struct {
	log *slog.Logger

	enabled  []Item
	list     *RotationList
	hardware *RotationList

	userActionSinceSwitch bool
}

// NewController creates a controller with empty lists.
func NewController(logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "switching"))
	return &Controller{
		log:      logger,
		list:     NewRotationList(nil, logger),
		hardware: NewRotationList(nil, logger),
	}
}

// Update replaces the enabled items, which must already be sorted, and
// rebuilds the rotation lists from them.
func (c *Controller) Update(enabled []Item) {
	if len(enabled) == 0 {
		c.log.Warn("enabled input method list is empty")
	}
	c.enabled = append([]Item(nil), enabled...)
	c.UpdateLists(c.ItemsForSwitching(false), c.ItemsForSwitching(true))
}

// UpdateLists replaces each rotation list whose items differ from the
// given ones. An unchanged list keeps its recency order.
func (c *Controller) UpdateLists(sorted, hardware []Item) {
	if !sameItems(c.list.items, sorted) {
		c.list = NewRotationList(sorted, c.log)
	}
	if !sameItems(c.hardware.items, hardware) {
		c.hardware = NewRotationList(hardware, c.log)
	}
}

// NextInputMethod returns the item to switch to from the given IME and
// subtype.
func (c *Controller) NextInputMethod(imeID string, subtypeIndex int, onlyCurrentIME bool, mode Mode, forward bool) (Item, bool) {
	return c.list.Next(imeID, subtypeIndex, onlyCurrentIME, c.isRecency(mode, forward), forward)
}

// NextInputMethodForHardware is NextInputMethod over the items suitable
// for a hardware keyboard.
func (c *Controller) NextInputMethodForHardware(imeID string, subtypeIndex int, onlyCurrentIME bool, mode Mode, forward bool) (Item, bool) {
	return c.hardware.Next(imeID, subtypeIndex, onlyCurrentIME, c.isRecency(mode, forward), forward)
}

// OnUserAction marks the given IME and subtype as most recently used. It
// reports whether either recency order changed.
func (c *Controller) OnUserAction(imeID string, subtypeIndex int) bool {
	updated := c.list.SetMostRecent(imeID, subtypeIndex)
	if c.hardware.SetMostRecent(imeID, subtypeIndex) {
		updated = true
	}
	if updated {
		c.userActionSinceSwitch = true
	}
	return updated
}

// OnInputMethodSubtypeChanged records that a switch happened.
func (c *Controller) OnInputMethodSubtypeChanged() {
	c.userActionSinceSwitch = false
}

// UserActionSinceSwitch reports whether a user action happened since the
// last switch.
func (c *Controller) UserActionSinceSwitch() bool { return c.userActionSinceSwitch }

func (c *Controller) isRecency(mode Mode, forward bool) bool {
	return mode == ModeRecent || (mode == ModeAuto && c.userActionSinceSwitch && forward)
}

// ItemsForSwitching returns the enabled items used for switching: the
// non-auxiliary items, or the hardware-suitable ones.
func (c *Controller) ItemsForSwitching(forHardware bool) []Item {
	var out []Item
	for _, it := range c.enabled {
		ok := !it.IsAuxiliary
		if forHardware {
			ok = it.SuitableForHardware
		}
		if ok {
			out = append(out, it)
		}
	}
	return out
}

// ItemsForSwitcherMenu returns the enabled items shown in the switcher
// menu.
func (c *Controller) ItemsForSwitcherMenu(includeAuxiliary bool) []Item {
	var out []Item
	for _, it := range c.enabled {
		if !it.ShowInSwitcherMenu {
			continue
		}
		if includeAuxiliary || !it.IsAuxiliary {
			out = append(out, it)
		}
	}
	return out
}

// Dump writes the rotation lists and enabled items.
func (c *Controller) Dump(w io.Writer, prefix string) {
	fmt.Fprintf(w, "%srotation list:\n", prefix)
	c.list.Dump(w, prefix+"  ")
	fmt.Fprintf(w, "%shardware rotation list:\n", prefix)
	c.hardware.Dump(w, prefix+"  ")
	fmt.Fprintf(w, "%senabled items:\n", prefix)
	for i, it := range c.enabled {
		fmt.Fprintf(w, "%s  i=%d item=%s\n", prefix, i, it)
	}
	fmt.Fprintf(w, "%suser action since last switch: %t\n", prefix, c.userActionSinceSwitch)
}
