package control

import "time"

// InputEvent is a driver button gesture.
type InputEvent int

const (
	NoPress InputEvent = iota
	ShortPress
	LongPress
)

func (e InputEvent) String() string {
	switch e {
	case ShortPress:
		return "short_press"
	case LongPress:
		return "long_press"
	default:
		return "none"
	}
}

// StatusEvent reports the headway source back to the driver.
type StatusEvent int

const (
	// StatusDynamic: TR comes from dynamic follow.
	StatusDynamic StatusEvent = iota + 1
	// StatusOverridden: TR is pinned by the manual override.
	StatusOverridden
)

func (e StatusEvent) String() string {
	switch e {
	case StatusDynamic:
		return "dynamic"
	case StatusOverridden:
		return "overridden"
	default:
		return "unknown"
	}
}

var (
	shortPressMin = 700 * time.Millisecond
	shortPressMax = 2 * time.Second
	longPressMin  = 3 * time.Second
	longPressMax  = 5 * time.Second
)

// ClassifyPress maps how long a button was held to a gesture. Holds outside
// both windows are ignored.
func ClassifyPress(held time.Duration) InputEvent {
	switch {
	case held >= shortPressMin && held <= shortPressMax:
		return ShortPress
	case held >= longPressMin && held <= longPressMax:
		return LongPress
	default:
		return NoPress
	}
}
