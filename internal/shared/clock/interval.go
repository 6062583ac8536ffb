package clock

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	clockInterval   = regexp.MustCompile(`^(?:(\d+)\s*days?\s+)?(\d+):(\d{1,2}):(\d{1,2})(?:\.(\d{1,9}))?$`)
	verboseInterval = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*([a-zA-Z]+)`)
)

var intervalUnits = map[string]time.Duration{
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
}

// ParseInterval accepts "HH:MM:SS[.fff]" (optionally prefixed by "N days")
// or the verbose "N hours N mins N secs" form.
func ParseInterval(text string) (time.Duration, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}

	if m := clockInterval.FindStringSubmatch(text); m != nil {
		minutes, _ := strconv.Atoi(m[3])
		seconds, _ := strconv.Atoi(m[4])
		if minutes > 59 || seconds > 59 {
			return 0, false
		}
		hours, _ := strconv.Atoi(m[2])
		d := time.Duration(atoiOr(m[1]))*24*time.Hour +
			time.Duration(hours)*time.Hour +
			time.Duration(minutes)*time.Minute +
			time.Duration(seconds)*time.Second +
			time.Duration(fractionNanos(m[5]))
		return d, true
	}

	matches := verboseInterval.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return 0, false
	}

	var total time.Duration
	consumed := 0
	for _, loc := range matches {
		if strings.Trim(text[consumed:loc[0]], " ,") != "" {
			return 0, false
		}
		value, err := strconv.ParseFloat(text[loc[2]:loc[3]], 64)
		if err != nil {
			return 0, false
		}
		unit, ok := intervalUnits[strings.ToLower(text[loc[4]:loc[5]])]
		if !ok {
			return 0, false
		}
		total += time.Duration(value * float64(unit))
		consumed = loc[1]
	}
	if strings.Trim(text[consumed:], " ,") != "" {
		return 0, false
	}
	return total, true
}
