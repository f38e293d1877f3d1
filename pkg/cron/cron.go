// Package cron parses 5-field cron expressions and computes fire times.
// Fields are minute (0-59), hour (0-23), day of month (1-31), month (1-12),
// day of week (0-6, 0 = Sunday). Field grammar: *, */N, N, N-M, N,M,P,
// N/step, lo-hi/step, and comma-joined combinations.
package cron

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed cron expression. Each slice is sorted, deduplicated,
// and never empty.
type Schedule struct {
	Minutes     []int
	Hours       []int
	DaysOfMonth []int
	Months      []int
	DaysOfWeek  []int
}

// maxScanMinutes bounds the forward scan in Next: roughly four years.
const maxScanMinutes = 4 * 366 * 24 * 60

// Parse parses a 5-field cron expression.
func Parse(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	minutes, err := parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("minute field: %w", err)
	}
	hours, err := parseField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("hour field: %w", err)
	}
	dom, err := parseField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("day-of-month field: %w", err)
	}
	months, err := parseField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("month field: %w", err)
	}
	dow, err := parseField(fields[4], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("day-of-week field: %w", err)
	}

	return &Schedule{
		Minutes:     minutes,
		Hours:       hours,
		DaysOfMonth: dom,
		Months:      months,
		DaysOfWeek:  dow,
	}, nil
}

// parseField expands one cron field into its sorted, deduplicated values.
func parseField(field string, lo, hi int) ([]int, error) {
	seen := make(map[int]bool)

	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.Contains(part, "/"):
			pieces := strings.SplitN(part, "/", 2)
			step, err := strconv.Atoi(pieces[1])
			if err != nil {
				return nil, fmt.Errorf("invalid step %q", pieces[1])
			}
			if step <= 0 {
				return nil, fmt.Errorf("step must be positive, got %d", step)
			}
			var rangeLo, rangeHi int
			switch {
			case pieces[0] == "*":
				rangeLo, rangeHi = lo, hi
			case strings.Contains(pieces[0], "-"):
				rangeLo, rangeHi, err = parseRange(pieces[0], lo, hi)
				if err != nil {
					return nil, err
				}
			default:
				start, err := strconv.Atoi(pieces[0])
				if err != nil {
					return nil, fmt.Errorf("invalid value %q", pieces[0])
				}
				rangeLo, rangeHi = start, hi
			}
			for v := rangeLo; v <= rangeHi; v += step {
				seen[v] = true
			}
		case strings.Contains(part, "-"):
			rangeLo, rangeHi, err := parseRange(part, lo, hi)
			if err != nil {
				return nil, err
			}
			for v := rangeLo; v <= rangeHi; v++ {
				seen[v] = true
			}
		case part == "*":
			for v := lo; v <= hi; v++ {
				seen[v] = true
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", part)
			}
			if v < lo || v > hi {
				return nil, fmt.Errorf("value %d out of range %d-%d", v, lo, hi)
			}
			seen[v] = true
		}
	}

	if len(seen) == 0 {
		return nil, fmt.Errorf("empty field")
	}
	values := make([]int, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	sort.Ints(values)
	return values, nil
}

// parseRange parses "lo-hi" and validates the bounds.
func parseRange(s string, lo, hi int) (int, int, error) {
	pieces := strings.SplitN(s, "-", 2)
	rangeLo, err := strconv.Atoi(pieces[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range start %q", pieces[0])
	}
	rangeHi, err := strconv.Atoi(pieces[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range end %q", pieces[1])
	}
	if rangeLo < lo || rangeHi > hi || rangeLo > rangeHi {
		return 0, 0, fmt.Errorf("range %d-%d out of bounds %d-%d", rangeLo, rangeHi, lo, hi)
	}
	return rangeLo, rangeHi, nil
}

// matches reports whether t satisfies every field of the schedule.
func (s *Schedule) matches(t time.Time) bool {
	return contains(s.Minutes, t.Minute()) &&
		contains(s.Hours, t.Hour()) &&
		contains(s.DaysOfMonth, t.Day()) &&
		contains(s.Months, int(t.Month())) &&
		contains(s.DaysOfWeek, int(t.Weekday()))
}

func contains(vs []int, v int) bool {
	for _, x := range vs {
		if x == v {
			return true
		}
	}
	return false
}

// Next computes the next fire time strictly after from, in UTC. Returns an
// error if no matching time exists within roughly four years.
func (s *Schedule) Next(from time.Time) (time.Time, error) {
	current := from.UTC().Truncate(time.Minute).Add(time.Minute)

	for i := 0; i < maxScanMinutes; i++ {
		if s.matches(current) {
			return current, nil
		}

		// Skip ahead at the coarsest mismatching granularity.
		if !contains(s.Months, int(current.Month())) {
			year, month := current.Year(), current.Month()
			if month == time.December {
				year, month = year+1, time.January
			} else {
				month++
			}
			current = time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !contains(s.DaysOfMonth, current.Day()) || !contains(s.DaysOfWeek, int(current.Weekday())) {
			next := current.AddDate(0, 0, 1)
			current = time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, time.UTC)
			continue
		}
		if !contains(s.Hours, current.Hour()) {
			next := current.Add(time.Hour)
			current = next.Truncate(time.Hour)
			continue
		}
		current = current.Add(time.Minute)
	}

	return time.Time{}, fmt.Errorf("no fire time within scan window")
}
