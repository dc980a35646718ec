// Package timezone resolves user timezones and local reminder windows.
package timezone

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the layout of local day keys.
const DateLayout = "2006-01-02"

// Resolver maps stored timezone names to locations, falling back to a
// configured default.
type Resolver struct {
	def *time.Location
}

// NewResolver builds a Resolver. An invalid default falls back to UTC.
func NewResolver(defaultName string) *Resolver {
	loc, err := time.LoadLocation(strings.TrimSpace(defaultName))
	if err != nil || strings.TrimSpace(defaultName) == "" {
		loc = time.UTC
	}
	return &Resolver{def: loc}
}

// Default returns the fallback location.
func (r *Resolver) Default() *time.Location {
	if r == nil || r.def == nil {
		return time.UTC
	}
	return r.def
}

// Location resolves name, returning the default for empty or unknown names.
func (r *Resolver) Location(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return r.Default()
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return r.Default()
	}
	return loc
}

// Validate reports whether name is a loadable IANA timezone.
func Validate(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("timezone is required")
	}
	if _, err := time.LoadLocation(name); err != nil {
		return fmt.Errorf("unknown timezone %q: %w", name, err)
	}
	return nil
}

// LocalDay returns the YYYY-MM-DD key of t in loc.
func LocalDay(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}

// ParseDay parses a local day key at midnight in loc.
func ParseDay(day string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(DateLayout, day, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse local day %q: %w", day, err)
	}
	return t, nil
}

// Clock is a local time of day with minute precision.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses HH:MM (24h).
func ParseClock(raw string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return Clock{}, fmt.Errorf("invalid time %q: expected HH:MM", raw)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// Minutes returns minutes since local midnight.
func (c Clock) Minutes() int {
	return c.Hour*60 + c.Minute
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// ClockOf returns the local clock of t in loc.
func ClockOf(t time.Time, loc *time.Location) Clock {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return Clock{Hour: local.Hour(), Minute: local.Minute()}
}

// InWindow reports whether the local clock of now lies in [start, start+window)
// measured in minutes of the local day. The window does not wrap past
// midnight, so a 23:58 start with a 5 minute window ends at 24:00.
func InWindow(now time.Time, loc *time.Location, start Clock, window time.Duration) bool {
	current := ClockOf(now, loc).Minutes()
	from := start.Minutes()
	to := from + int(window/time.Minute)
	return current >= from && current < to
}

// Phase describes where now falls relative to the day's window.
type Phase int

const (
	BeforeWindow Phase = iota
	InsideWindow
	AfterWindow
)

// WindowPhase classifies now against [start, start+window) on the local day.
func WindowPhase(now time.Time, loc *time.Location, start Clock, window time.Duration) Phase {
	current := ClockOf(now, loc).Minutes()
	from := start.Minutes()
	switch {
	case current < from:
		return BeforeWindow
	case current < from+int(window/time.Minute):
		return InsideWindow
	default:
		return AfterWindow
	}
}
