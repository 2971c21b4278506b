// Package runner supervises the on-device XCUITest harness and speaks its
// JSON command protocol.
package runner

import (
	"github.com/devicelab-dev/agent-device/pkg/core"
)

// Kind names a harness command.
type Kind string

const (
	KindTap           Kind = "tap"
	KindLongPress     Kind = "longPress"
	KindDrag          Kind = "drag"
	KindType          Kind = "type"
	KindSwipe         Kind = "swipe"
	KindFindText      Kind = "findText"
	KindListTappables Kind = "listTappables"
	KindSnapshot      Kind = "snapshot"
	KindBack          Kind = "back"
	KindHome          Kind = "home"
	KindAppSwitcher   Kind = "appSwitcher"
	KindAlert         Kind = "alert"
	KindPinch         Kind = "pinch"
	KindShutdown      Kind = "shutdown"
)

// Alert actions.
const (
	AlertGet     = "get"
	AlertAccept  = "accept"
	AlertDismiss = "dismiss"
)

var knownKinds = map[Kind]bool{
	KindTap: true, KindLongPress: true, KindDrag: true, KindType: true,
	KindSwipe: true, KindFindText: true, KindListTappables: true, KindSnapshot: true,
	KindBack: true, KindHome: true, KindAppSwitcher: true, KindAlert: true,
	KindPinch: true, KindShutdown: true,
}

// Command is the JSON body posted to the harness. Which optional fields are
// meaningful depends on Kind.
type Command struct {
	Kind Kind `json:"command"`

	X  *float64 `json:"x,omitempty"`
	Y  *float64 `json:"y,omitempty"`
	X2 *float64 `json:"x2,omitempty"`
	Y2 *float64 `json:"y2,omitempty"`

	DurationMs int     `json:"durationMs,omitempty"`
	Text       string  `json:"text,omitempty"`
	Direction  string  `json:"direction,omitempty"`
	Action     string  `json:"action,omitempty"`
	Scale      float64 `json:"scale,omitempty"`
	AppBundle  string  `json:"appBundleId,omitempty"`

	// Interactive limits snapshots to hittable elements.
	Interactive bool `json:"interactiveOnly,omitempty"`
}

func coord(v float64) *float64 { return &v }

// Tap taps at a point.
func Tap(x, y float64) Command {
	return Command{Kind: KindTap, X: coord(x), Y: coord(y)}
}

// LongPress presses at a point for durationMs.
func LongPress(x, y float64, durationMs int) Command {
	return Command{Kind: KindLongPress, X: coord(x), Y: coord(y), DurationMs: durationMs}
}

// Drag drags from (x, y) to (x2, y2).
func Drag(x, y, x2, y2 float64) Command {
	return Command{Kind: KindDrag, X: coord(x), Y: coord(y), X2: coord(x2), Y2: coord(y2)}
}

// TypeText types text into the focused element.
func TypeText(text string) Command {
	return Command{Kind: KindType, Text: text}
}

// Swipe swipes in a direction (up, down, left, right).
func Swipe(direction string) Command {
	return Command{Kind: KindSwipe, Direction: direction}
}

// FindText locates an element by visible text.
func FindText(text string) Command {
	return Command{Kind: KindFindText, Text: text}
}

// Snapshot captures the accessibility tree.
func Snapshot(interactiveOnly bool) Command {
	return Command{Kind: KindSnapshot, Interactive: interactiveOnly}
}

// Alert inspects or answers a system alert.
func Alert(action string) Command {
	return Command{Kind: KindAlert, Action: action}
}

// Pinch pinches with scale (>1 zooms in).
func Pinch(scale float64) Command {
	return Command{Kind: KindPinch, Scale: scale}
}

// Simple returns a command without arguments (back, home, appSwitcher,
// listTappables, shutdown).
func Simple(kind Kind) Command {
	return Command{Kind: kind}
}

// ReadOnly reports whether the command only inspects UI state and may be
// safely repeated.
func (c Command) ReadOnly() bool {
	switch c.Kind {
	case KindSnapshot, KindFindText, KindListTappables:
		return true
	case KindAlert:
		return c.Action == "" || c.Action == AlertGet
	}
	return false
}

// Validate checks that the fields Kind requires are present.
func (c Command) Validate() error {
	if !knownKinds[c.Kind] {
		return core.Errorf(core.CodeInvalidArgs, "unknown runner command %q", c.Kind)
	}
	missing := func(field string) error {
		return core.Errorf(core.CodeInvalidArgs, "%s requires %s", c.Kind, field)
	}
	switch c.Kind {
	case KindTap, KindLongPress:
		if c.X == nil || c.Y == nil {
			return missing("x and y")
		}
	case KindDrag:
		if c.X == nil || c.Y == nil || c.X2 == nil || c.Y2 == nil {
			return missing("x, y, x2 and y2")
		}
	case KindType, KindFindText:
		if c.Text == "" {
			return missing("text")
		}
	case KindSwipe:
		switch c.Direction {
		case "up", "down", "left", "right":
		default:
			return core.Errorf(core.CodeInvalidArgs, "swipe direction must be up, down, left or right, got %q", c.Direction)
		}
	case KindAlert:
		switch c.Action {
		case "", AlertGet, AlertAccept, AlertDismiss:
		default:
			return core.Errorf(core.CodeInvalidArgs, "unknown alert action %q", c.Action)
		}
	case KindPinch:
		if c.Scale <= 0 {
			return missing("a positive scale")
		}
	}
	return nil
}
