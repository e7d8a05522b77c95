package core

import (
	"strings"
	"time"

	"taskcron/internal/cronspec"
)

// MaxPreview bounds how many fire times Preview computes.
const MaxPreview = 50

// Preview parses expr and returns its next n fire times strictly after base.
// The list is shorter when the schedule stops firing.
func Preview(expr string, base time.Time, n int) ([]time.Time, error) {
	sched, err := cronspec.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, err
	}
	n = min(max(n, 1), MaxPreview)
	times := make([]time.Time, 0, n)
	next := base.Truncate(time.Second)
	for i := 0; i < n; i++ {
		next = sched.Next(next.Add(time.Second))
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times, nil
}
