package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DayHours is the open window of one weekday, in minutes after local midnight.
type DayHours struct {
	Open   int
	Close  int
	Closed bool
}

// BusinessHours maps each weekday to its open window. Missing days are closed.
type BusinessHours map[time.Weekday]DayHours

// DefaultBusinessHours is Mon–Fri 09:00–18:00, Sat 10:00–16:00, Sun closed.
func DefaultBusinessHours() BusinessHours {
	weekday := DayHours{Open: 9 * 60, Close: 18 * 60}
	return BusinessHours{
		time.Monday:    weekday,
		time.Tuesday:   weekday,
		time.Wednesday: weekday,
		time.Thursday:  weekday,
		time.Friday:    weekday,
		time.Saturday:  {Open: 10 * 60, Close: 16 * 60},
		time.Sunday:    {Closed: true},
	}
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseBusinessHours parses "mon=09:00-18:00;sat=10:00-16:00;sun=closed".
// An empty string yields DefaultBusinessHours.
func ParseBusinessHours(raw string) (BusinessHours, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultBusinessHours(), nil
	}

	hours := BusinessHours{}
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ';' || r == ',' }) {
		name, window, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, fmt.Errorf("business hours: %q is not day=window", part)
		}
		day, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("business hours: unknown weekday %q", name)
		}
		window = strings.ToLower(strings.TrimSpace(window))
		if window == "closed" {
			hours[day] = DayHours{Closed: true}
			continue
		}
		from, to, ok := strings.Cut(window, "-")
		if !ok {
			return nil, fmt.Errorf("business hours: %q is not start-end", window)
		}
		open, err := parseClock(from)
		if err != nil {
			return nil, err
		}
		closing, err := parseClock(to)
		if err != nil {
			return nil, err
		}
		if closing <= open {
			return nil, fmt.Errorf("business hours: %s closes before it opens", name)
		}
		hours[day] = DayHours{Open: open, Close: closing}
	}
	return hours, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("business hours: %q is not HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("business hours: bad hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("business hours: bad minute in %q", s)
	}
	return h*60 + m, nil
}

// Open reports whether the minute containing t lies inside that day's hours.
// t must already be in the business location.
func (h BusinessHours) Open(t time.Time) bool {
	day, ok := h[t.Weekday()]
	if !ok || day.Closed {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	return m >= day.Open && m < day.Close
}

// Fits reports whether the whole window [start, start+d) lies inside the
// business hours of start's day. Windows that run past midnight never fit;
// one ending exactly at midnight fits a day that closes at 24:00.
func (h BusinessHours) Fits(start time.Time, d time.Duration) bool {
	if !h.Open(start) {
		return false
	}
	// End is exclusive, so the last occupied minute must be open on the same
	// date.
	last := start.Add(d - time.Minute)
	sy, sm, sd := start.Date()
	ly, lm, ld := last.Date()
	if sy != ly || sm != lm || sd != ld {
		return false
	}
	return h.Open(last)
}

// TimeOfDay buckets used for caller preferences, as [from, to) hours.
var timeOfDay = map[string][2]int{
	"morning":   {8, 12},
	"afternoon": {12, 17},
	"evening":   {17, 20},
}

// matchesPreferred reports whether t falls in any of the named buckets.
// Unknown bucket names are ignored.
func matchesPreferred(t time.Time, preferred []string) bool {
	for _, p := range preferred {
		if r, ok := timeOfDay[strings.ToLower(strings.TrimSpace(p))]; ok {
			if t.Hour() >= r[0] && t.Hour() < r[1] {
				return true
			}
		}
	}
	return false
}
