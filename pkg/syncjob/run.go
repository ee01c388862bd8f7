package syncjob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/sorrel/pkg/chunking"
	appctx "github.com/Ramsey-B/sorrel/pkg/context"
	"github.com/Ramsey-B/sorrel/pkg/kafka"
	"github.com/Ramsey-B/sorrel/pkg/metrics"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/repositories"
	"github.com/Ramsey-B/sorrel/pkg/retry"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

var errStopped = errors.New("sync job stopped")

// ledgerError marks a failure to write the ledger itself, which ends the run.
type ledgerError struct{ err error }

func (e *ledgerError) Error() string { return e.err.Error() }
func (e *ledgerError) Unwrap() error { return e.err }

// stage tracks how many units of one stage have settled in this job.
type stage struct {
	name       models.UnitStage
	completed  atomic.Int64
	unresolved atomic.Int64
}

func (s *stage) failureRateExceeded(threshold float64, minSample int) bool {
	unresolved := s.unresolved.Load()
	settled := s.completed.Load() + unresolved
	if settled == 0 || settled < int64(minSample) {
		return false
	}
	return float64(unresolved)/float64(settled) > threshold
}

type run struct {
	e       *Engine
	job     *models.SyncJob
	creds   models.Credentials
	token   *cancelToken
	aborted atomic.Bool
	key     string
}

func (r *run) stopped() bool {
	return r.token.Cancelled() || r.aborted.Load()
}

func (e *Engine) run(ctx context.Context, job *models.SyncJob) {
	ctx, span := tracing.StartSpan(ctx, "syncjob.Run")
	defer span.End()

	metrics.SyncJobsInFlight.Inc()
	defer metrics.SyncJobsInFlight.Dec()

	r := &run{e: e, job: job, token: &cancelToken{}, key: job.TenantID.String()}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if !e.poll(ctx, job.ID, r.token) {
		go e.watch(watchCtx, job.ID, r.token)
	}

	err := r.execute(ctx)
	if ctx.Err() != nil {
		e.log(ctx).Info("sync job interrupted, it will resume on next start")
		return
	}
	if err != nil {
		e.log(ctx).WithError(err).Error("sync job failed")
		msg := err.Error()
		r.finish(ctx, models.SyncJobStatusError, &msg)
	}
	// a refused finish above trips the token when the job was cancelled meanwhile
	if r.token.Cancelled() {
		r.finish(ctx, models.SyncJobStatusCancelled, nil)
	}
}

func (r *run) execute(ctx context.Context) error {
	e := r.e
	creds, err := e.credentials(ctx)
	if err != nil {
		return fmt.Errorf("tenant credentials unavailable: %w", err)
	}
	r.creds = creds

	if r.job.Stage == models.StageListInProgress {
		if err := r.listStage(ctx); err != nil || r.stopped() {
			return err
		}
		if e.poll(ctx, r.job.ID, r.token) {
			return nil
		}
		if err := e.Jobs.FinishListStage(ctx, r.job.ID); err != nil {
			return err
		}
		r.job.Stage = models.StageListDone

		failed, err := e.Ledger.FailedNumbers(ctx, r.job.ID, models.UnitStageList)
		if err != nil {
			return err
		}
		if len(failed) > 0 {
			e.log(ctx).WithField("chunks", failed).
				Warnf("list stage settled with %d failed chunks, detail stage covers only what the rest stored", len(failed))
		}
	}

	if err := r.detailStage(ctx); err != nil || r.stopped() {
		return err
	}
	if e.poll(ctx, r.job.ID, r.token) {
		return nil
	}
	return r.complete(ctx)
}

func (e *Engine) credentials(ctx context.Context) (models.Credentials, error) {
	cred, err := e.Credentials.Get(ctx)
	if err != nil {
		return models.Credentials{}, err
	}
	token, err := e.Decryptor.Decrypt(cred.EncryptedToken)
	if err != nil {
		return models.Credentials{}, err
	}
	return models.Credentials{TenantID: cred.TenantID, Token: token}, nil
}

func (r *run) listStage(ctx context.Context) error {
	e := r.e
	ctx = appctx.SetStage(ctx, string(models.UnitStageList))

	ranges, err := chunking.Partition(r.job.DateFrom, r.job.DateTo, r.job.ChunkDays)
	if err != nil {
		return err
	}
	failed, err := e.Ledger.FailedNumbers(ctx, r.job.ID, models.UnitStageList)
	if err != nil {
		return err
	}
	pending, err := e.Ledger.PendingUnits(ctx, r.job.ID, models.UnitStageList)
	if err != nil {
		return err
	}

	st := &stage{name: models.UnitStageList}
	st.completed.Store(int64(r.job.CompletedChunks))
	st.unresolved.Store(int64(len(failed)))

	skip := make(map[int]bool, len(failed))
	for _, n := range failed {
		skip[n] = true
	}
	spent := make(map[int]int, len(pending))
	for _, row := range pending {
		spent[row.ChunkNumber] = row.Spent()
	}
	units := make([]models.Unit, 0, len(ranges))
	for _, rg := range ranges {
		if r.job.ChunkDone(rg.Number) || skip[rg.Number] {
			continue
		}
		units = append(units, models.Unit{
			Stage:    models.UnitStageList,
			Number:   rg.Number,
			DateFrom: rg.From,
			DateTo:   rg.To,
			Failures: spent[rg.Number],
		})
	}

	e.log(ctx).Infof("list stage: %d of %d chunks to fetch, %d resumed mid-retry", len(units), len(ranges), len(pending))
	return r.process(ctx, st, units, r.listUnit)
}

func (r *run) detailStage(ctx context.Context) error {
	e := r.e
	ctx = appctx.SetStage(ctx, string(models.UnitStageDetail))

	guids, err := e.Declaration.ListDetailCandidates(ctx, r.job.ID, r.job.StartedAt)
	if err != nil {
		return err
	}

	st := &stage{name: models.UnitStageDetail}
	first := 1
	resumed := map[string]models.SyncJobError{}
	if r.job.Stage == models.StageListDone {
		if err := e.Jobs.BeginDetailStage(ctx, r.job.ID, len(guids)); err != nil {
			return err
		}
		r.job.Stage = models.StageDetailInProgress
		r.job.TotalGuids = len(guids)
		r.job.CompletedGuids = 0
	} else {
		failed, err := e.Ledger.FailedNumbers(ctx, r.job.ID, models.UnitStageDetail)
		if err != nil {
			return err
		}
		pending, err := e.Ledger.PendingUnits(ctx, r.job.ID, models.UnitStageDetail)
		if err != nil {
			return err
		}
		high, err := e.Ledger.MaxChunkNumber(ctx, r.job.ID, models.UnitStageDetail)
		if err != nil {
			return err
		}
		for _, row := range pending {
			if row.Identifier != nil {
				resumed[*row.Identifier] = row
			}
		}
		st.completed.Store(int64(r.job.CompletedGuids))
		st.unresolved.Store(int64(len(failed)))
		first = max(high, r.job.CompletedGuids+len(failed)+len(pending)) + 1
	}

	// identifiers left mid-retry keep their ledger number and spent attempts
	units := make([]models.Unit, 0, len(guids))
	next := first
	for _, guid := range guids {
		unit := models.Unit{Stage: models.UnitStageDetail, Identifier: guid}
		if row, ok := resumed[guid]; ok {
			unit.Number, unit.Failures = row.ChunkNumber, row.Spent()
		} else {
			unit.Number = next
			next++
		}
		units = append(units, unit)
	}

	e.log(ctx).Infof("detail stage: %d declarations to fetch", len(units))
	return r.process(ctx, st, units, r.detailUnit)
}

// process runs units through the per-job pool. Cancellation and aborts are
// checked before each unit is scheduled; units already running finish.
func (r *run) process(ctx context.Context, st *stage, units []models.Unit, do func(ctx context.Context, st *stage, unit models.Unit) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.e.cfg.Concurrency)

	for _, unit := range units {
		if r.stopped() || gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if r.stopped() {
				return nil
			}
			return do(gctx, st, unit)
		})
	}
	return g.Wait()
}

func (r *run) listUnit(ctx context.Context, st *stage, unit models.Unit) error {
	e := r.e
	return runUnit(ctx, r, st, unit,
		func(ctx context.Context) ([]models.ListRecord, error) {
			return e.Upstream.ListDeclarations(ctx, r.creds, unit.DateFrom, unit.DateTo)
		},
		func(ctx context.Context, records []models.ListRecord, out retry.Outcome) (bool, error) {
			var counted bool
			err := e.Jobs.InTx(ctx, func(ctx context.Context) error {
				if _, err := e.Declaration.UpsertListRecords(ctx, records); err != nil {
					return err
				}
				if out.Failures > 0 {
					if err := e.Ledger.Resolve(ctx, r.job.ID, unit, out.Failures); err != nil {
						return err
					}
				}
				ok, err := e.Jobs.MarkChunkCompleted(ctx, r.job.ID, unit.Number)
				counted = ok
				return err
			})
			return counted, err
		},
	)
}

func (r *run) detailUnit(ctx context.Context, st *stage, unit models.Unit) error {
	e := r.e
	return runUnit(ctx, r, st, unit,
		func(ctx context.Context) (map[string]any, error) {
			return e.Upstream.GetDeclaration(ctx, r.creds, unit.Identifier)
		},
		func(ctx context.Context, detail map[string]any, out retry.Outcome) (bool, error) {
			decl, err := e.Declaration.GetByGUID(ctx, unit.Identifier)
			if err != nil {
				return false, err
			}
			payload := decl.RawPayload.Data
			if payload == nil {
				payload = map[string]any{}
			}
			payload["detail"] = detail

			result := repositories.DetailResult{GUID: unit.Identifier, Payload: payload}
			summary, codes, err := e.Mapper.Map(payload)
			if err != nil {
				e.log(ctx).WithError(err).WithField("guid", unit.Identifier).Warn("declaration detail could not be mapped, keeping raw payload only")
			} else {
				result.Summary, result.Codes = summary, codes
			}

			var counted bool
			err = e.Jobs.InTx(ctx, func(ctx context.Context) error {
				if err := e.Declaration.SaveDetail(ctx, result); err != nil {
					return err
				}
				if out.Failures > 0 {
					if err := e.Ledger.Resolve(ctx, r.job.ID, unit, out.Failures); err != nil {
						return err
					}
				}
				ok, err := e.Jobs.IncrementGuids(ctx, r.job.ID)
				counted = ok
				return err
			})
			return counted, err
		},
	)
}

// runUnit applies the retry policy to one unit, writing each failed attempt
// to the ledger and committing the result on success.
func runUnit[T any](
	ctx context.Context,
	r *run,
	st *stage,
	unit models.Unit,
	call func(ctx context.Context) (T, error),
	commit func(ctx context.Context, v T, out retry.Outcome) (bool, error),
) error {
	e := r.e
	fields := map[string]any{"stage": unit.Stage, "chunk": unit.Number}
	if unit.Identifier != "" {
		fields["guid"] = unit.Identifier
	}

	v, out, err := retry.Continue(ctx, e.cfg.Policy, unit.Failures,
		func(ctx context.Context) (T, error) {
			var zero T
			release, err := e.Limiter.Acquire(ctx, r.key)
			if err != nil {
				return zero, err
			}
			defer release()

			v, err := call(ctx)
			if d := retry.RetryAfter(err); d > 0 {
				e.Limiter.Throttle(ctx, r.key, d)
			}
			return v, err
		},
		func(f retry.Failure) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// re-read the job: no retry or ledger write follows a cancel
			if r.stopped() || e.poll(ctx, r.job.ID, r.token) {
				return errStopped
			}
			metrics.SyncUnitRetries.WithLabelValues(string(unit.Stage), string(f.Code)).Inc()
			if err := e.Ledger.RecordFailure(ctx, r.job.ID, unit, f.Attempt, f.Code, f.Err.Error(), f.Final); err != nil {
				return &ledgerError{err: err}
			}
			e.log(ctx).WithError(f.Err).WithFields(fields).Warnf("unit attempt %d failed (%s)", f.Attempt+1, f.Code)
			return nil
		},
	)

	var lerr *ledgerError
	switch {
	case err == nil:
		counted, err := commit(ctx, v, out)
		if err != nil {
			return err
		}
		if !counted {
			// the guarded counter refused the write: the job was cancelled or left processing
			e.poll(ctx, r.job.ID, r.token)
			return nil
		}
		st.completed.Add(1)
		metrics.SyncUnitsTotal.WithLabelValues(string(unit.Stage), "succeeded").Inc()
		return nil
	case errors.As(err, &lerr):
		return lerr.err
	case errors.Is(err, errStopped) || ctx.Err() != nil:
		return nil
	}

	st.unresolved.Add(1)
	metrics.SyncUnitsTotal.WithLabelValues(string(unit.Stage), "failed").Inc()
	e.log(ctx).WithError(err).WithFields(fields).Errorf("unit failed after %d attempts", out.Failures)

	if st.failureRateExceeded(e.cfg.FailureRateThreshold, e.cfg.FailureRateMinSample) {
		r.abort(ctx, st)
	}
	return nil
}

func (r *run) abort(ctx context.Context, st *stage) {
	if !r.aborted.CompareAndSwap(false, true) {
		return
	}
	unresolved := st.unresolved.Load()
	msg := fmt.Sprintf("%s stage failure rate exceeded: %d of %d settled units failed",
		st.name, unresolved, unresolved+st.completed.Load())
	r.e.log(ctx).Error(msg)
	r.finish(ctx, models.SyncJobStatusError, &msg)
}

// complete closes a run whose stages both settled. Unrecovered units do not
// fail the job; they are summarized in its message.
func (r *run) complete(ctx context.Context) error {
	e := r.e
	var msg *string

	var parts []string
	for _, s := range []models.UnitStage{models.UnitStageList, models.UnitStageDetail} {
		numbers, err := e.Ledger.FailedNumbers(ctx, r.job.ID, s)
		if err != nil {
			return err
		}
		if len(numbers) > 0 {
			parts = append(parts, fmt.Sprintf("%d %s units failed", len(numbers), s))
		}
	}
	if len(parts) > 0 {
		m := "completed with failures: " + strings.Join(parts, ", ")
		msg = &m
	}

	r.finish(ctx, models.SyncJobStatusCompleted, msg)
	return nil
}

func (r *run) finish(ctx context.Context, status models.SyncJobStatus, msg *string) {
	e := r.e
	ok, err := e.Jobs.Finish(ctx, r.job.ID, status, msg)
	if err != nil {
		e.log(ctx).WithError(err).Errorf("failed to mark sync job %s", status)
		return
	}
	if !ok {
		if status != models.SyncJobStatusCancelled {
			e.poll(ctx, r.job.ID, r.token)
		}
		return
	}

	metrics.SyncJobsTotal.WithLabelValues(string(status), string(r.job.Trigger)).Inc()
	metrics.SyncJobDuration.WithLabelValues(string(status)).Observe(time.Since(r.job.StartedAt).Seconds())

	job, err := e.Jobs.GetByID(ctx, r.job.ID)
	if err != nil {
		job = r.job
	}
	e.log(ctx).WithFields(map[string]any{
		"status":           status,
		"completed_chunks": job.CompletedChunks,
		"completed_guids":  job.CompletedGuids,
	}).Info("sync job finished")

	eventType := map[models.SyncJobStatus]string{
		models.SyncJobStatusCompleted: kafka.EventJobCompleted,
		models.SyncJobStatusCancelled: kafka.EventJobCancelled,
		models.SyncJobStatusError:     kafka.EventJobFailed,
	}[status]
	e.publish(ctx, eventType, job)
}
