package messaging

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// unit lengths for word-unit durations. Months and years are calendar
// approximations; silencing windows do not need calendar arithmetic.
var durationUnits = map[string]time.Duration{
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
	"week":   7 * 24 * time.Hour,
	"month":  30 * 24 * time.Hour,
	"year":   365 * 24 * time.Hour,
}

// ParseHumanDuration parses configuration durations of the form "<n> <unit>",
// e.g. "2 weeks", "1 day", "12 hours".
func ParseHumanDuration(s string) (time.Duration, error) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) != 2 {
		return 0, fmt.Errorf("parse duration %q: want \"<n> <unit>\"", s)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	unit := strings.ToLower(strings.TrimSuffix(fields[1], "s"))
	base, ok := durationUnits[unit]
	if !ok {
		return 0, fmt.Errorf("parse duration %q: unknown unit %q", s, fields[1])
	}
	return time.Duration(n) * base, nil
}
