package cronspec

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrFormat is matched by every error returned from Parse.
var ErrFormat = errors.New("incorrect cron format")

// FormatError describes why an expression was rejected.
type FormatError struct {
	Expr   string
	Field  string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s %q: %s", ErrFormat, e.Expr, e.Reason)
	}
	return fmt.Sprintf("%s %q: %s field: %s", ErrFormat, e.Expr, e.Field, e.Reason)
}

func (e *FormatError) Unwrap() error {
	return ErrFormat
}

type domain struct {
	name     string
	min, max int
}

// Field order of an expression: second minute hour day month weekday.
var domains = [6]domain{
	{name: "second", min: 0, max: 59},
	{name: "minute", min: 0, max: 59},
	{name: "hour", min: 0, max: 23},
	{name: "day", min: 1, max: 31},
	{name: "month", min: 1, max: 12},
	{name: "weekday", min: 0, max: 6},
}

var fieldPattern = regexp.MustCompile(`^(\*|\?|\d{1,2}(?:-\d{1,2})?(?:,\d{1,2}(?:-\d{1,2})?)*)(?:/(\d{1,2}))?$`)

// Parse compiles a six-field expression (second minute hour day month weekday)
// into a Schedule.
func Parse(expr string) (Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != len(domains) {
		return Schedule{}, &FormatError{Expr: expr, Reason: fmt.Sprintf("expected 6 fields, got %d", len(parts))}
	}
	var masks [6]uint64
	for i, part := range parts {
		mask, err := parseField(part, domains[i])
		if err != nil {
			return Schedule{}, &FormatError{Expr: expr, Field: domains[i].name, Reason: err.Error()}
		}
		masks[i] = mask
	}
	return Schedule{
		Second:  masks[0],
		Minute:  masks[1],
		Hour:    masks[2],
		Day:     masks[3],
		Month:   masks[4],
		Weekday: masks[5],
	}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(expr string) Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

func parseField(raw string, d domain) (uint64, error) {
	m := fieldPattern.FindStringSubmatch(raw)
	if m == nil {
		return 0, fmt.Errorf("%q does not match the field grammar", raw)
	}
	step := 1
	if m[2] != "" {
		step, _ = strconv.Atoi(m[2])
		if step == 0 {
			return 0, fmt.Errorf("step must be positive")
		}
	}

	if m[1] == "*" || m[1] == "?" {
		return rangeMask(d.min, d.max, step), nil
	}

	var mask uint64
	for _, item := range strings.Split(m[1], ",") {
		lo, hi, isRange := strings.Cut(item, "-")
		start, _ := strconv.Atoi(lo)
		if !isRange {
			// Steps only thin out ranges; singletons are taken verbatim.
			if start < d.min || start > d.max {
				return 0, fmt.Errorf("value %d outside %d-%d", start, d.min, d.max)
			}
			mask |= 1 << uint(start)
			continue
		}
		end, _ := strconv.Atoi(hi)
		if start > end {
			return 0, fmt.Errorf("inverted range %s", item)
		}
		start = max(start, d.min)
		end = min(end, d.max)
		if start > end {
			return 0, fmt.Errorf("range %s outside %d-%d", item, d.min, d.max)
		}
		mask |= rangeMask(start, end, step)
	}
	return mask, nil
}

func rangeMask(start, end, step int) uint64 {
	var mask uint64
	for v := start; v <= end; v += step {
		mask |= 1 << uint(v)
	}
	return mask
}
