// Package chunking splits inclusive calendar date ranges into fixed-size pieces.
package chunking

import (
	"errors"
	"time"
)

var (
	ErrInvalidSize  = errors.New("chunk size must be at least one day")
	ErrInvalidRange = errors.New("range start is after range end")
)

const day = 24 * time.Hour

// DateRange is an inclusive span of whole days. Number is 1-based.
type DateRange struct {
	Number int       `json:"number"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
}

// Days returns how many calendar days the range covers.
func (r DateRange) Days() int {
	return int(r.To.Sub(r.From)/day) + 1
}

// Date truncates t to midnight UTC of its calendar day.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Partition splits [from, to] into consecutive ranges of size days; the last
// range is clipped to to. The ranges never overlap and cover every day once.
func Partition(from, to time.Time, size int) ([]DateRange, error) {
	if size < 1 {
		return nil, ErrInvalidSize
	}
	from, to = Date(from), Date(to)
	if from.After(to) {
		return nil, ErrInvalidRange
	}

	ranges := make([]DateRange, 0, Count(from, to, size))
	for start, n := from, 1; !start.After(to); n++ {
		end := start.AddDate(0, 0, size-1)
		if end.After(to) {
			end = to
		}
		ranges = append(ranges, DateRange{Number: n, From: start, To: end})
		start = end.AddDate(0, 0, 1)
	}
	return ranges, nil
}

// Count returns len(Partition(from, to, size)) without allocating.
func Count(from, to time.Time, size int) int {
	from, to = Date(from), Date(to)
	if size < 1 || from.After(to) {
		return 0
	}
	days := int(to.Sub(from)/day) + 1
	return (days + size - 1) / size
}
