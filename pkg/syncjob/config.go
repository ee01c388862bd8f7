package syncjob

import (
	"time"

	"github.com/Ramsey-B/sorrel/pkg/retry"
)

type Config struct {
	// ChunkDays is the list-stage window size, bounded by the upstream's per-request limit.
	ChunkDays    int
	MaxRangeDays int
	Policy       retry.Policy
	// A stage aborts once more than FailureRateThreshold of its settled units
	// failed, provided at least FailureRateMinSample units have settled.
	FailureRateThreshold float64
	FailureRateMinSample int
	// Concurrency bounds in-flight units per job.
	Concurrency        int
	CancelPollInterval time.Duration
	StaleAfter         time.Duration
}

func DefaultConfig() Config {
	return Config{
		ChunkDays:            7,
		MaxRangeDays:         1095,
		Policy:               retry.DefaultPolicy(),
		FailureRateThreshold: 0.5,
		FailureRateMinSample: 10,
		Concurrency:          4,
		CancelPollInterval:   2 * time.Second,
		StaleAfter:           2 * time.Minute,
	}
}
