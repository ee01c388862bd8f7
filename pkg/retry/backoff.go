// Package retry runs a unit of sync work under the retry policy and
// classifies its failures.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Fibonacci is a backoff.BackOff whose delays grow as base*1, 1, 2, 3, 5... capped at Max.
type Fibonacci struct {
	Base time.Duration
	Max  time.Duration

	a, b int64
}

var _ backoff.BackOff = (*Fibonacci)(nil)

func NewFibonacci(base, max time.Duration) *Fibonacci {
	f := &Fibonacci{Base: base, Max: max}
	f.Reset()
	return f
}

func (f *Fibonacci) NextBackOff() time.Duration {
	d := time.Duration(f.a) * f.Base
	f.a, f.b = f.b, f.a+f.b
	if f.Max > 0 && (d > f.Max || d < 0) {
		return f.Max
	}
	return d
}

func (f *Fibonacci) Reset() {
	f.a, f.b = 1, 1
}
