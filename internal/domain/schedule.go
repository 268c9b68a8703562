package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Frequency is how often a scheduled rule ticks.
type Frequency string

const (
	FrequencyInterval Frequency = "INTERVAL"
	FrequencyHourly   Frequency = "HOURLY"
	FrequencyDaily    Frequency = "DAILY"
	FrequencyWeekly   Frequency = "WEEKLY"
)

// Schedule drives SCHEDULE ticks for a rule. Times are "HH:MM" in Timezone;
// Weekdays use time.Weekday numbering (0 = Sunday).
type Schedule struct {
	Frequency       Frequency  `json:"frequency"`
	IntervalMinutes int        `json:"interval_minutes,omitempty"`
	Times           []string   `json:"times,omitempty"`
	Weekdays        []int      `json:"weekdays,omitempty"`
	Timezone        string     `json:"timezone,omitempty"`
	ValidFrom       *time.Time `json:"valid_from,omitempty"`
	ValidUntil      *time.Time `json:"valid_until,omitempty"`
}

func (s Schedule) Validate(field string) error {
	switch s.Frequency {
	case FrequencyInterval:
		if s.IntervalMinutes < 1 {
			return invalid(field+".interval_minutes", "must be at least 1 for INTERVAL")
		}
	case FrequencyHourly:
	case FrequencyDaily, FrequencyWeekly:
		for i, t := range s.Times {
			if _, err := parseClock(t); err != nil {
				return invalid(fmt.Sprintf("%s.times[%d]", field, i), "%v", err)
			}
		}
		if s.Frequency == FrequencyWeekly && len(s.Weekdays) == 0 {
			return invalid(field+".weekdays", "required for WEEKLY")
		}
	default:
		return invalid(field+".frequency", "unknown frequency %q", s.Frequency)
	}
	for _, d := range s.Weekdays {
		if d < 0 || d > 6 {
			return invalid(field+".weekdays", "weekday %d out of range 0-6", d)
		}
	}
	if _, err := loadZone(s.Timezone); err != nil {
		return invalid(field+".timezone", "%v", err)
	}
	if s.ValidFrom != nil && s.ValidUntil != nil && !s.ValidUntil.After(*s.ValidFrom) {
		return invalid(field+".valid_until", "must be after valid_from")
	}
	return nil
}

// NextRun returns the first tick strictly after `after`, or false when the
// validity window has closed.
func (s Schedule) NextRun(after time.Time) (time.Time, bool) {
	loc, err := loadZone(s.Timezone)
	if err != nil {
		loc = time.UTC
	}
	if s.ValidFrom != nil && after.Before(*s.ValidFrom) {
		after = s.ValidFrom.Add(-time.Nanosecond)
	}

	var next time.Time
	switch s.Frequency {
	case FrequencyInterval:
		next = after.Add(time.Duration(s.IntervalMinutes) * time.Minute)
		if s.ValidFrom != nil && after.Before(*s.ValidFrom) {
			next = *s.ValidFrom
		}
	case FrequencyHourly:
		l := after.In(loc)
		next = time.Date(l.Year(), l.Month(), l.Day(), l.Hour(), 0, 0, 0, loc).Add(time.Hour)
	default:
		var ok bool
		next, ok = s.nextClockTick(after, loc)
		if !ok {
			return time.Time{}, false
		}
	}

	if s.ValidUntil != nil && next.After(*s.ValidUntil) {
		return time.Time{}, false
	}
	return next, true
}

func (s Schedule) nextClockTick(after time.Time, loc *time.Location) (time.Time, bool) {
	times := s.Times
	if len(times) == 0 {
		times = []string{"00:00"}
	}
	minutes := make([]int, 0, len(times))
	for _, t := range times {
		m, err := parseClock(t)
		if err != nil {
			continue
		}
		minutes = append(minutes, m)
	}
	sort.Ints(minutes)

	l := after.In(loc)
	for day := 0; day <= 7; day++ {
		d := time.Date(l.Year(), l.Month(), l.Day()+day, 0, 0, 0, 0, loc)
		if s.Frequency == FrequencyWeekly && !containsInt(s.Weekdays, int(d.Weekday())) {
			continue
		}
		for _, m := range minutes {
			c := time.Date(d.Year(), d.Month(), d.Day(), m/60, m%60, 0, 0, loc)
			if c.After(after) {
				return c, true
			}
		}
	}
	return time.Time{}, false
}

// BlackoutWindow forbids price changes between Start and End ("HH:MM") on
// the listed weekdays in Timezone. End before Start spans midnight; the
// weekday is the one the window opens on. No weekdays means every day.
type BlackoutWindow struct {
	Weekdays []int  `json:"weekdays,omitempty"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone,omitempty"`
}

func (b BlackoutWindow) Validate(field string) error {
	if _, err := parseClock(b.Start); err != nil {
		return invalid(field+".start", "%v", err)
	}
	if _, err := parseClock(b.End); err != nil {
		return invalid(field+".end", "%v", err)
	}
	for _, d := range b.Weekdays {
		if d < 0 || d > 6 {
			return invalid(field+".weekdays", "weekday %d out of range 0-6", d)
		}
	}
	if _, err := loadZone(b.Timezone); err != nil {
		return invalid(field+".timezone", "%v", err)
	}
	return nil
}

// Contains reports whether t falls inside the window.
func (b BlackoutWindow) Contains(t time.Time) bool {
	loc, err := loadZone(b.Timezone)
	if err != nil {
		return false
	}
	start, err1 := parseClock(b.Start)
	end, err2 := parseClock(b.End)
	if err1 != nil || err2 != nil || start == end {
		return false
	}

	l := t.In(loc)
	m := l.Hour()*60 + l.Minute()
	day := int(l.Weekday())
	dayOK := func(d int) bool { return len(b.Weekdays) == 0 || containsInt(b.Weekdays, d) }

	if start < end {
		return m >= start && m < end && dayOK(day)
	}
	if m >= start {
		return dayOK(day)
	}
	if m < end {
		return dayOK((day + 6) % 7)
	}
	return false
}

func parseClock(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%q has an invalid hour", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%q has an invalid minute", s)
	}
	return h*60 + m, nil
}

func loadZone(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
