package youtube

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// reISODuration matches the subset of ISO-8601 durations the Data API emits,
// e.g. PT1H2M3S, P1DT4H, P0D
var reISODuration = regexp.MustCompile(`^P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)(?:\.\d+)?S)?)?$`)

// ParseDuration converts an ISO-8601 duration to whole seconds
func ParseDuration(raw string) (int, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return 0, nil
	}
	m := reISODuration.FindStringSubmatch(s)
	if m == nil || s == "P" || strings.HasSuffix(s, "T") {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", raw)
	}

	units := []int{7 * 24 * 3600, 24 * 3600, 3600, 60, 1}
	total := 0
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", raw, err)
		}
		total += n * unit
	}
	return total, nil
}
