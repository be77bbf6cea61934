package domain

import (
	"regexp"
	"strconv"
	"strings"
)

var minuteTimeframes = map[int]string{
	1:     "1m",
	5:     "5m",
	15:    "15m",
	30:    "30m",
	60:    "1h",
	240:   "4h",
	1440:  "1d",
	10080: "1w",
}

var canonicalTimeframe = regexp.MustCompile(`^[1-9][0-9]*(m|h|d|w|M)$`)

// NormalizeTimeframe maps a chart interval onto the canonical <n><unit> form.
// changed is true when the input was not already canonical; ok is false when it could not be interpreted.
func NormalizeTimeframe(raw string) (tf string, changed bool, ok bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false, false
	}
	if canonicalTimeframe.MatchString(s) {
		return s, false, true
	}

	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		if tf, known := minuteTimeframes[n]; known {
			return tf, true, true
		}
		return strconv.Itoa(n) + "m", true, true
	}

	switch strings.ToUpper(s) {
	case "D", "1D":
		return "1d", true, true
	case "W", "1W":
		return "1w", true, true
	case "M", "1M":
		return "1M", true, true
	}

	lower := strings.ToLower(s)
	if canonicalTimeframe.MatchString(lower) {
		return lower, true, true
	}

	return lower, true, false
}
