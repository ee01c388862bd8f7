package models

import (
	"time"

	"github.com/google/uuid"
)

// ErrorCode classifies a unit failure and decides whether it is retried.
type ErrorCode string

const (
	ErrorCodeNetwork    ErrorCode = "network"
	ErrorCodeTimeout    ErrorCode = "timeout"
	ErrorCodeAuth       ErrorCode = "auth"
	ErrorCodeRateLimit  ErrorCode = "rate_limit"
	ErrorCodeParse      ErrorCode = "parse"
	ErrorCodeValidation ErrorCode = "validation"
	ErrorCodeUnknown    ErrorCode = "unknown"
)

// Retryable is false for failures another attempt cannot fix.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrorCodeAuth, ErrorCodeValidation, ErrorCodeParse:
		return false
	default:
		return true
	}
}

// UnitStage says which stage produced a ledger row.
type UnitStage string

const (
	UnitStageList   UnitStage = "list"
	UnitStageDetail UnitStage = "detail"
)

// SyncJobError is one ledger row. A unit has at most one row per job; retries
// update RetryAttempts and IsRetried in place, and a later success sets Resolved.
// Exhausted means the unit's retry budget is spent or its failure is permanent;
// an unresolved row without it is still owed attempts.
type SyncJobError struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	JobID         uuid.UUID  `db:"job_id" json:"job_id"`
	Stage         UnitStage  `db:"stage" json:"stage"`
	ChunkNumber   int        `db:"chunk_number" json:"chunk_number"`
	DateFrom      *time.Time `db:"date_from" json:"date_from,omitempty"`
	DateTo        *time.Time `db:"date_to" json:"date_to,omitempty"`
	Identifier    *string    `db:"identifier" json:"identifier,omitempty"`
	ErrorMessage  string     `db:"error_message" json:"error_message"`
	ErrorCode     ErrorCode  `db:"error_code" json:"error_code"`
	RetryAttempts int        `db:"retry_attempts" json:"retry_attempts"`
	IsRetried     bool       `db:"is_retried" json:"is_retried"`
	Resolved      bool       `db:"resolved" json:"resolved"`
	Exhausted     bool       `db:"exhausted" json:"exhausted"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

func (SyncJobError) TableName() string {
	return "sync_job_errors"
}

// Unit identifies one piece of stage work: a list chunk or a detail identifier.
// Failures counts attempts that already failed in an earlier run of the job.
type Unit struct {
	Stage      UnitStage
	Number     int
	DateFrom   time.Time
	DateTo     time.Time
	Identifier string
	Failures   int
}

// Spent is the number of attempts an unresolved row has used.
func (e SyncJobError) Spent() int {
	return e.RetryAttempts + 1
}
