package syncjob

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// cancelToken is the in-memory view of a job's cancellation stamp. Stage
// loops read it before every unit instead of querying the database.
type cancelToken struct {
	cancelled atomic.Bool
}

func (t *cancelToken) Cancelled() bool { return t.cancelled.Load() }

func (t *cancelToken) cancel() { t.cancelled.Store(true) }

// watch heartbeats the job and trips token once cancellation is requested or
// the job leaves processing.
func (e *Engine) watch(ctx context.Context, jobID uuid.UUID, token *cancelToken) {
	ticker := time.NewTicker(e.cfg.CancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.poll(ctx, jobID, token) {
				return
			}
		}
	}
}

func (e *Engine) poll(ctx context.Context, jobID uuid.UUID, token *cancelToken) bool {
	stop, err := e.Jobs.Heartbeat(ctx, jobID)
	if err != nil {
		// a missed heartbeat only delays cancellation
		e.log(ctx).WithError(err).Warn("sync job heartbeat failed")
		return false
	}
	if stop {
		token.cancel()
	}
	return stop
}
