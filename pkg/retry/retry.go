package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Ramsey-B/sorrel/pkg/models"
)

// Policy bounds how often a failing unit is attempted again.
type Policy struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Failure describes one failed attempt. Attempt is zero for the first call.
// Final is set when no further attempt will follow, either because the code
// is permanent or because the policy is spent.
type Failure struct {
	Attempt int
	Code    models.ErrorCode
	Err     error
	Final   bool
}

// Outcome summarizes a unit after the policy has run.
type Outcome struct {
	// Failures counts failed attempts, which is also the number of retries
	// spent when the unit eventually succeeded.
	Failures int
	Code     models.ErrorCode
}

// Do calls op until it succeeds, fails permanently or exhausts the policy.
// onFailure sees every failed attempt before the next one is scheduled; if it
// returns an error the unit stops with that error.
func Do[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error), onFailure func(Failure) error) (T, Outcome, error) {
	return Continue(ctx, policy, 0, op, onFailure)
}

// Continue is Do for a unit that already failed spent times under the same
// policy, such as one interrupted by a restart. Attempt numbering and
// Outcome.Failures include the earlier failures. At least one attempt is
// always made.
func Continue[T any](ctx context.Context, policy Policy, spent int, op func(ctx context.Context) (T, error), onFailure func(Failure) error) (T, Outcome, error) {
	spent = max(spent, 0)
	out := Outcome{Failures: spent}
	tries := max(policy.MaxRetries+1-spent, 1)

	attempt := func() (T, error) {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		code := Classify(err)
		failure := Failure{
			Attempt: out.Failures,
			Code:    code,
			Err:     err,
			Final:   !code.Retryable() || out.Failures >= spent+tries-1,
		}
		out.Failures++
		out.Code = code

		if onFailure != nil {
			if ferr := onFailure(failure); ferr != nil {
				return v, backoff.Permanent(ferr)
			}
		}
		if !code.Retryable() {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	v, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(NewFibonacci(policy.BaseDelay, policy.MaxDelay)),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithMaxElapsedTime(0),
	)
	return v, out, err
}
