package reconcile

import (
	"regexp"
	"strconv"
)

// durationPattern matches "45 min", "45mins", "45 minutes" and a bare "45 m".
var durationPattern = regexp.MustCompile(`(?i)(\d+)\s*(?:min|m\b)`)

// ExtractDurationMinutes returns the first minute count mentioned in text.
func ExtractDurationMinutes(text string) (int, bool) {
	if text == "" {
		return 0, false
	}
	m := durationPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
