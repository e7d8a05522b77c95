// Package cronspec compiles six-field cron expressions into bit masks and
// searches for the next instant a compiled schedule allows.
package cronspec

import (
	"math/bits"
	"strconv"
	"strings"
	"time"
)

// searchYears bounds Next for schedules that rarely or never fire
// (29 February, 31 April). Eight years always covers a leap day.
const searchYears = 8

const fullWeek uint64 = 1<<7 - 1

// Schedule holds one mask per field; bit v is set when value v is allowed.
type Schedule struct {
	Second  uint64
	Minute  uint64
	Hour    uint64
	Day     uint64
	Month   uint64
	Weekday uint64
}

// IsZero reports whether s is the zero Schedule, as stored for one-shot tasks.
func (s Schedule) IsZero() bool {
	return s == Schedule{}
}

func (s Schedule) valid() bool {
	return s.Second != 0 && s.Minute != 0 && s.Hour != 0 && s.Day != 0 && s.Month != 0 && s.Weekday != 0
}

// WeekdayConstrained reports whether the weekday field narrows the days.
// When it does, the day-of-month field is ignored entirely.
func (s Schedule) WeekdayConstrained() bool {
	return s.Weekday&fullWeek != fullWeek
}

// Matches reports whether t (to the second) is allowed by s.
func (s Schedule) Matches(t time.Time) bool {
	if !s.valid() {
		return false
	}
	if !has(s.Second, t.Second()) || !has(s.Minute, t.Minute()) ||
		!has(s.Hour, t.Hour()) || !has(s.Month, int(t.Month())) {
		return false
	}
	if s.WeekdayConstrained() {
		return has(s.Weekday, int(t.Weekday()))
	}
	return has(s.Day, t.Day())
}

// Next returns the earliest instant at or after t, truncated to whole
// seconds, that s allows. Pass now+1s to get a strictly future instant.
// The zero time is returned when nothing matches within the search horizon.
func (s Schedule) Next(t time.Time) time.Time {
	if !s.valid() {
		return time.Time{}
	}
	loc := t.Location()
	cur := t.Truncate(time.Second)
	if cur.Before(t) {
		cur = cur.Add(time.Second)
	}
	limit := cur.Year() + searchYears

	for cur.Year() <= limit {
		year, month, day := cur.Date()
		hour, minute, second := cur.Clock()

		m, ok := nextBit(s.Month, int(month), 12)
		if !ok {
			cur = forward(cur, time.Date(year+1, time.January, 1, 0, 0, 0, 0, loc))
			continue
		}
		if m != int(month) {
			cur = forward(cur, time.Date(year, time.Month(m), 1, 0, 0, 0, 0, loc))
			continue
		}

		if s.WeekdayConstrained() {
			wd := int(cur.Weekday())
			w, ok := nextBit(s.Weekday, wd, 6)
			if !ok {
				w = bits.TrailingZeros64(s.Weekday) + 7
			}
			if w != wd {
				cur = forward(cur, time.Date(year, month, day+w-wd, 0, 0, 0, 0, loc))
				continue
			}
		} else {
			d, ok := nextBit(s.Day, day, daysIn(year, month))
			if !ok {
				cur = forward(cur, time.Date(year, month+1, 1, 0, 0, 0, 0, loc))
				continue
			}
			if d != day {
				cur = forward(cur, time.Date(year, month, d, 0, 0, 0, 0, loc))
				continue
			}
		}

		h, ok := nextBit(s.Hour, hour, 23)
		if !ok {
			cur = forward(cur, time.Date(year, month, day+1, 0, 0, 0, 0, loc))
			continue
		}
		if h != hour {
			cur = forward(cur, time.Date(year, month, day, h, 0, 0, 0, loc))
			continue
		}

		mi, ok := nextBit(s.Minute, minute, 59)
		if !ok {
			cur = forward(cur, time.Date(year, month, day, hour+1, 0, 0, 0, loc))
			continue
		}
		if mi != minute {
			cur = forward(cur, time.Date(year, month, day, hour, mi, 0, 0, loc))
			continue
		}

		se, ok := nextBit(s.Second, second, 59)
		if !ok {
			cur = forward(cur, time.Date(year, month, day, hour, minute+1, 0, 0, loc))
			continue
		}
		// Offset from cur rather than rebuilding with time.Date so an
		// ambiguous wall clock (DST fall-back) keeps the current offset.
		return cur.Add(time.Duration(se-second) * time.Second)
	}
	return time.Time{}
}

// forward moves from prev to the wall clock of next. time.Date resolves an
// ambiguous wall clock (DST fall-back) to the earlier offset, which can lie
// before prev; the wall-clock distance is then added to prev instead.
func forward(prev, next time.Time) time.Time {
	if next.After(prev) {
		return next
	}
	step := wallClock(next).Sub(wallClock(prev))
	if step <= 0 {
		step = time.Second
	}
	return prev.Add(step)
}

func wallClock(t time.Time) time.Time {
	year, month, day := t.Date()
	hour, minute, second := t.Clock()
	return time.Date(year, month, day, hour, minute, second, 0, time.UTC)
}

// String renders s back into a six-field expression.
func (s Schedule) String() string {
	masks := [6]uint64{s.Second, s.Minute, s.Hour, s.Day, s.Month, s.Weekday}
	out := make([]string, len(masks))
	for i, mask := range masks {
		out[i] = formatMask(mask, domains[i])
	}
	return strings.Join(out, " ")
}

func formatMask(mask uint64, d domain) string {
	if mask == rangeMask(d.min, d.max, 1) {
		return "*"
	}
	var parts []string
	for v := d.min; v <= d.max; v++ {
		if !has(mask, v) {
			continue
		}
		end := v
		for end+1 <= d.max && has(mask, end+1) {
			end++
		}
		switch {
		case end == v:
			parts = append(parts, strconv.Itoa(v))
		default:
			parts = append(parts, strconv.Itoa(v)+"-"+strconv.Itoa(end))
		}
		v = end
	}
	return strings.Join(parts, ",")
}

// nextBit returns the smallest set bit of mask in [from, limit].
func nextBit(mask uint64, from, limit int) (int, bool) {
	if from > limit {
		return 0, false
	}
	window := mask & (^uint64(0) << uint(from)) & (uint64(1)<<uint(limit+1) - 1)
	if window == 0 {
		return 0, false
	}
	return bits.TrailingZeros64(window), true
}

func has(mask uint64, v int) bool {
	return mask&(1<<uint(v)) != 0
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
