package customs

import (
	"fmt"
	"net/http"
	"time"

	"github.com/Ramsey-B/sorrel/pkg/models"
)

// Error is an upstream failure already classified for the retry policy.
type Error struct {
	Code       models.ErrorCode
	StatusCode int
	Message    string
	Retry      time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("customs api %d: %s", e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("customs api: %s: %v", e.Message, e.Err)
	}
	return "customs api: " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ErrorCode() models.ErrorCode { return e.Code }

func (e *Error) RetryAfter() time.Duration { return e.Retry }

// codeForStatus maps an HTTP status onto the ledger taxonomy.
func codeForStatus(status int) models.ErrorCode {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.ErrorCodeAuth
	case status == http.StatusTooManyRequests:
		return models.ErrorCodeRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return models.ErrorCodeTimeout
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusNotFound:
		return models.ErrorCodeValidation
	case status >= 500:
		return models.ErrorCodeNetwork
	default:
		return models.ErrorCodeUnknown
	}
}
