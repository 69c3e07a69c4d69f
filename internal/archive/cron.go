package archive

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed five-field cron expression
// (minute hour day-of-month month day-of-week), evaluated in UTC. Fields
// accept "*", numbers, lists "1,15", ranges "1-5" and steps "*/10" or
// "0-30/5".
type Schedule struct {
	minute, hour, dom, month, dow field
}

type field struct {
	any  bool
	vals map[int]bool
}

func (f field) match(v int) bool { return f.any || f.vals[v] }

// ParseCron parses expr.
func ParseCron(expr string) (Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return Schedule{}, fmt.Errorf("cron %q: want 5 fields, got %d", expr, len(parts))
	}
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	names := [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

	var fs [5]field
	for i, p := range parts {
		f, err := parseField(p, bounds[i][0], bounds[i][1])
		if err != nil {
			return Schedule{}, fmt.Errorf("cron %q: %s: %w", expr, names[i], err)
		}
		fs[i] = f
	}
	return Schedule{minute: fs[0], hour: fs[1], dom: fs[2], month: fs[3], dow: fs[4]}, nil
}

func parseField(s string, lo, hi int) (field, error) {
	if s == "*" {
		return field{any: true}, nil
	}
	vals := make(map[int]bool)
	for _, term := range strings.Split(s, ",") {
		rng, stepStr, hasStep := strings.Cut(term, "/")
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return field{}, fmt.Errorf("invalid step %q", stepStr)
			}
			step = n
		}

		start, end := lo, hi
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var err error
			if start, err = strconv.Atoi(a); err != nil {
				return field{}, fmt.Errorf("invalid value %q", a)
			}
			if end, err = strconv.Atoi(b); err != nil {
				return field{}, fmt.Errorf("invalid value %q", b)
			}
		default:
			n, err := strconv.Atoi(rng)
			if err != nil {
				return field{}, fmt.Errorf("invalid value %q", rng)
			}
			start, end = n, n
			if hasStep {
				end = hi
			}
		}
		if start < lo || end > hi || start > end {
			return field{}, fmt.Errorf("%q out of range %d-%d", term, lo, hi)
		}
		for v := start; v <= end; v += step {
			vals[v] = true
		}
	}
	return field{vals: vals}, nil
}

// Next returns the first matching minute strictly after t.
func (s Schedule) Next(t time.Time) (time.Time, error) {
	c := t.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := c.AddDate(1, 0, 1)
	for c.Before(limit) {
		if s.month.match(int(c.Month())) && s.dom.match(c.Day()) && s.dow.match(int(c.Weekday())) &&
			s.hour.match(c.Hour()) && s.minute.match(c.Minute()) {
			return c, nil
		}
		c = c.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("cron: no match within a year")
}
