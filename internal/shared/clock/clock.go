// Package clock handles the timestamps reported by tracking devices.
//
// Devices report local wall-clock time with no reliable zone marker, so every
// reading is mapped onto one fixed calendar and only differences between
// readings are meaningful. LocalClockReading does not convert implicitly to
// time.Time.
package clock

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// LocalClockReading is a wall-clock instant stripped of any zone information.
type LocalClockReading struct {
	ms int64
}

var localPattern = regexp.MustCompile(`^\s*(\d{4})-(\d{1,2})-(\d{1,2})(?:[T ](\d{1,2}):(\d{2})(?::(\d{2})(?:[.,](\d{1,9}))?)?)?`)

// ParseLocal reads the calendar fields of text and ignores anything after
// them, including zone suffixes such as "Z", "+02:00" or "CEST".
func ParseLocal(text string) (LocalClockReading, bool) {
	m := localPattern.FindStringSubmatch(text)
	if m == nil {
		return LocalClockReading{}, false
	}

	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	hour, minute, second := atoiOr(m[4]), atoiOr(m[5]), atoiOr(m[6])
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || second > 60 {
		return LocalClockReading{}, false
	}

	// time.Date normalises 2024-02-31 into March
	if d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC); d.Day() != day {
		return LocalClockReading{}, false
	}

	t := time.Date(year, time.Month(month), day, hour, minute, second, fractionNanos(m[7]), time.UTC)
	return LocalClockReading{ms: t.UnixMilli()}, true
}

// MustParseLocal is ParseLocal for literals known to be valid.
func MustParseLocal(text string) LocalClockReading {
	r, ok := ParseLocal(text)
	if !ok {
		panic("clock: invalid local timestamp " + strconv.Quote(text))
	}
	return r
}

// FromWallClock keeps the calendar fields of t and drops its location.
func FromWallClock(t time.Time) LocalClockReading {
	wall := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	return LocalClockReading{ms: wall.UnixMilli()}
}

func FromMillis(ms int64) LocalClockReading {
	return LocalClockReading{ms: ms}
}

func (r LocalClockReading) Millis() int64 { return r.ms }

// WallTime returns the reading as a UTC-labelled time, suitable for binding
// to "timestamp without time zone" columns.
func (r LocalClockReading) WallTime() time.Time {
	return time.UnixMilli(r.ms).UTC()
}

func (r LocalClockReading) Sub(o LocalClockReading) time.Duration {
	return time.Duration(r.ms-o.ms) * time.Millisecond
}

func (r LocalClockReading) Add(d time.Duration) LocalClockReading {
	return LocalClockReading{ms: r.ms + d.Milliseconds()}
}

func (r LocalClockReading) Before(o LocalClockReading) bool { return r.ms < o.ms }
func (r LocalClockReading) After(o LocalClockReading) bool { return r.ms > o.ms }
func (r LocalClockReading) Equal(o LocalClockReading) bool { return r.ms == o.ms }

func (r LocalClockReading) String() string {
	return r.WallTime().Format("2006-01-02T15:04:05.000")
}

func (r LocalClockReading) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(r.String())), nil
}

func (r *LocalClockReading) UnmarshalJSON(data []byte) error {
	text, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("clock: expected quoted timestamp: %w", err)
	}
	parsed, ok := ParseLocal(text)
	if !ok {
		return fmt.Errorf("clock: invalid local timestamp %q", text)
	}
	*r = parsed
	return nil
}

// FormatElapsed renders d as 00h45m00s.
func FormatElapsed(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%s%02dh%02dm%02ds", sign, total/3600, (total%3600)/60, total%60)
}

func atoiOr(s string) int {
	if s == "" {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}

func fractionNanos(frac string) int {
	if frac == "" {
		return 0
	}
	frac = (frac + strings.Repeat("0", 9))[:9]
	n, _ := strconv.Atoi(frac)
	return n
}
