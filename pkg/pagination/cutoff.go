package pagination

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
)

const day = 24 * time.Hour

var durationPattern = regexp.MustCompile(`(\d+)\s*(minute|hour|day|week|month|year)s?\b`)

var durationUnits = map[string]time.Duration{
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    day,
	"week":   7 * day,
	"month":  30 * day,
	"year":   365 * day,
}

// ParseDuration parses a lookback window such as "7 days", "2 weeks",
// "1 month" or "36h". Months count as 30 days and years as 365 days.
// Compact forms ("1w2d", "90m") are accepted as well.
func ParseDuration(s string) (time.Duration, error) {
	in := strings.ToLower(strings.TrimSpace(s))
	if in == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if m := durationPattern.FindStringSubmatch(in); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("parse duration %q: %w", s, err)
		}
		d := time.Duration(n) * durationUnits[m[2]]
		if d <= 0 {
			return 0, fmt.Errorf("duration %q must be positive", s)
		}
		return d, nil
	}

	d, err := str2duration.ParseDuration(strings.ReplaceAll(in, " ", ""))
	if err != nil {
		return 0, fmt.Errorf("unable to parse duration %q, use a form like \"7 days\" or \"1 month\"", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}

// Cutoff returns the oldest creation time still extracted for a lookback
// window d ending at now.
func Cutoff(now time.Time, d time.Duration) time.Time {
	return now.UTC().Add(-d)
}
