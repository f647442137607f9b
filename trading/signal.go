package trading

import (
	"sync"
	"time"
)

// Direction is the side a trade signal points at.
type Direction int

// Sell, None and Buy enumerations
const (
	Sell Direction = -1
	None Direction = 0
	Buy  Direction = 1
)

// Side returns the exchange-side string for the direction.
func (d Direction) Side() string {
	if d == Sell {
		return "SELL"
	}
	return "BUY"
}

// InvertSide flips BUY to SELL and back; protective orders sit on the
// opposite side of the entry.
func InvertSide(side string) string {
	if side == "BUY" {
		return "SELL"
	}
	return "BUY"
}

// TradeSignal is one row of the external signal feed.
type TradeSignal struct {
	Value    Direction
	Datetime time.Time
	Lag      time.Duration
}

// DatetimeRange is a blackout interval. A zero range matches nothing.
type DatetimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the range, inclusive.
func (r DatetimeRange) Contains(t time.Time) bool {
	if r.Start.IsZero() || r.End.IsZero() {
		return false
	}
	return !t.Before(r.Start) && !t.After(r.End)
}

// SignalSettings holds the currently active blackout ranges, keyed by
// their source (news feed, manual deactivation). Each source keeps one
// current range; feeds overwrite their own entry as new rows arrive.
type SignalSettings struct {
	mu     sync.Mutex
	ranges map[string]DatetimeRange
}

// NewSignalSettings returns an empty settings store.
func NewSignalSettings() *SignalSettings {
	return &SignalSettings{ranges: make(map[string]DatetimeRange)}
}

// SetRange replaces the blackout range published by one source.
func (s *SignalSettings) SetRange(source string, r DatetimeRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranges[source] = r
}

// Ranges returns a snapshot of all active ranges.
func (s *SignalSettings) Ranges() []DatetimeRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DatetimeRange, 0, len(s.ranges))
	for _, r := range s.ranges {
		out = append(out, r)
	}
	return out
}

// Blocked reports whether any active range contains one of the given
// instants.
func (s *SignalSettings) Blocked(instants ...time.Time) bool {
	for _, r := range s.Ranges() {
		for _, t := range instants {
			if r.Contains(t) {
				return true
			}
		}
	}
	return false
}
