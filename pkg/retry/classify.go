package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/Ramsey-B/sorrel/pkg/models"
)

// Coded is implemented by errors that already know their classification.
type Coded interface {
	ErrorCode() models.ErrorCode
}

// Delayed is implemented by errors carrying an upstream back-off hint.
type Delayed interface {
	RetryAfter() time.Duration
}

// Classify maps err onto the ledger taxonomy.
func Classify(err error) models.ErrorCode {
	if err == nil {
		return ""
	}

	var coded Coded
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrorCodeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return models.ErrorCodeTimeout
		}
		return models.ErrorCodeNetwork
	}

	return models.ErrorCodeUnknown
}

// RetryAfter returns the hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var d Delayed
	if errors.As(err, &d) {
		return d.RetryAfter()
	}
	return 0
}
