package syncjob

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appctx "github.com/Ramsey-B/sorrel/pkg/context"
	"github.com/Ramsey-B/sorrel/pkg/database"
	"github.com/Ramsey-B/sorrel/pkg/kafka"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/ratelimit"
	"github.com/Ramsey-B/sorrel/pkg/retry"
)

type harness struct {
	engine   *Engine
	store    *store
	upstream *upstream
	events   *events
	ctx      context.Context
	cfg      Config
	deps     Deps
}

func newHarness(t *testing.T, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	logger := zapadapter.NewZapEctoLogger(zap.NewNop(), nil)

	h := &harness{
		store:    newStore(),
		upstream: newUpstream(),
		events:   &events{},
		ctx:      appctx.SetTenantID(context.Background(), uuid.NewString()),
	}

	cfg := DefaultConfig()
	cfg.Policy = retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	cfg.Concurrency = 1
	cfg.CancelPollInterval = 5 * time.Millisecond

	deps := Deps{
		Jobs:        h.store,
		Ledger:      h.store,
		Declaration: h.store,
		Credentials: h.store,
		System:      h.store,
		Upstream:    h.upstream,
		Decryptor:   decryptor{},
		Mapper: mapperFunc(func(map[string]any) (*models.DeclarationSummary, []models.DeclarationCode, error) {
			declType := "IM"
			return &models.DeclarationSummary{DeclarationType: &declType}, nil, nil
		}),
		Limiter: ratelimit.NewManager(nil, ratelimit.Config{Concurrency: 4}, logger),
		Events:  h.events,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	h.cfg, h.deps = cfg, deps
	h.engine = NewEngine(deps, cfg, logger)
	t.Cleanup(func() { _ = h.engine.Shutdown(context.Background()) })
	return h
}

// restart stops the running engine and replaces it with a fresh one over the
// same store, as a redeploy would.
func (h *harness) restart(t *testing.T, mutate func(*Config)) {
	t.Helper()
	require.NoError(t, h.engine.Shutdown(context.Background()))
	cfg := h.cfg
	if mutate != nil {
		mutate(&cfg)
	}
	h.engine = NewEngine(h.deps, cfg, zapadapter.NewZapEctoLogger(zap.NewNop(), nil))
	t.Cleanup(func() { _ = h.engine.Shutdown(context.Background()) })
}

// seedJob stores a processing job whose runner stopped heartbeating an hour ago.
func (h *harness) seedJob(t *testing.T, job *models.SyncJob) {
	t.Helper()
	tenantID, err := uuid.Parse(appctx.GetTenantID(h.ctx))
	require.NoError(t, err)
	stale := time.Now().Add(-time.Hour)
	job.ID = uuid.New()
	job.TenantID = tenantID
	job.Status = models.SyncJobStatusProcessing
	job.HeartbeatAt = &stale
	job.StartedAt = stale
	h.store.mu.Lock()
	h.store.jobs[job.ID] = job
	h.store.mu.Unlock()
}

func (h *harness) seedListFailure(job *models.SyncJob, number int, from, to string, retryAttempts int, exhausted bool) {
	f, tt := date(from), date(to)
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	h.store.ledger[ledgerKey{job.ID, models.UnitStageList, number}] = &models.SyncJobError{
		ID: uuid.New(), JobID: job.ID, Stage: models.UnitStageList, ChunkNumber: number,
		DateFrom: &f, DateTo: &tt, ErrorCode: models.ErrorCodeTimeout,
		RetryAttempts: retryAttempts, IsRetried: retryAttempts > 0, Exhausted: exhausted,
	}
}

func date(s string) time.Time {
	d, _ := time.Parse(time.DateOnly, s)
	return d
}

func (h *harness) start(t *testing.T, from, to string) *models.SyncJob {
	t.Helper()
	job, err := h.engine.StartSync(h.ctx, StartRequest{DateFrom: date(from), DateTo: date(to)})
	require.NoError(t, err)
	return job
}

func (h *harness) wait() {
	h.engine.runs.Wait()
}

func TestEngine_ListRetryIsResolvedAndDetailCompletes(t *testing.T) {
	h := newHarness(t, nil)
	h.upstream.list = func(from time.Time, call int) ([]models.ListRecord, error) {
		if from.Equal(date("2024-01-08")) && call < 2 {
			return nil, upstreamError{code: models.ErrorCodeTimeout}
		}
		guid := "g-" + from.Format(time.DateOnly)
		return []models.ListRecord{{GUID: guid, DeclaredAt: from, Raw: map[string]any{"guid": guid}}}, nil
	}

	job := h.start(t, "2024-01-01", "2024-01-20")
	assert.Equal(t, 3, job.TotalChunks)
	h.wait()

	got := h.store.job(job.ID)
	assert.Equal(t, models.SyncJobStatusCompleted, got.Status)
	assert.Equal(t, models.StageDone, got.Stage)
	assert.Equal(t, 3, got.CompletedChunks)
	assert.ElementsMatch(t, []int64{1, 2, 3}, []int64(got.CompletedChunkNumbers))
	assert.Equal(t, 3, got.TotalGuids)
	assert.Equal(t, 3, got.CompletedGuids)
	assert.Nil(t, got.ErrorMessage)

	rows := h.store.ledgerRows(job.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, models.UnitStageList, rows[0].Stage)
	assert.Equal(t, 2, rows[0].ChunkNumber)
	assert.Equal(t, date("2024-01-08"), *rows[0].DateFrom)
	assert.Equal(t, date("2024-01-14"), *rows[0].DateTo)
	assert.Equal(t, models.ErrorCodeTimeout, rows[0].ErrorCode)
	assert.Equal(t, 2, rows[0].RetryAttempts)
	assert.True(t, rows[0].IsRetried)
	assert.True(t, rows[0].Resolved)
	assert.False(t, rows[0].Exhausted)

	for _, d := range h.store.decls {
		assert.True(t, d.HasFullDetail)
		assert.Contains(t, d.RawPayload.Data, "list")
		assert.Contains(t, d.RawPayload.Data, "detail")
	}
	assert.Equal(t, []string{kafka.EventJobStarted, kafka.EventJobCompleted}, h.events.list())
}

func TestEngine_NoDeclarationsCompletesWithoutDetailCalls(t *testing.T) {
	h := newHarness(t, nil)
	h.upstream.list = func(time.Time, int) ([]models.ListRecord, error) { return nil, nil }

	job := h.start(t, "2024-01-01", "2024-01-07")
	h.wait()

	got := h.store.job(job.ID)
	assert.Equal(t, models.SyncJobStatusCompleted, got.Status)
	assert.Equal(t, 0, got.TotalGuids)
	assert.Equal(t, 0, got.CompletedGuids)
	assert.Zero(t, h.upstream.totalDetailCalls())
	assert.Equal(t, 100.0, newJobStatus(&got).DetailProgress)
}

func TestEngine_AlreadyRunning(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	h.upstream.list = func(time.Time, int) ([]models.ListRecord, error) {
		<-release
		return nil, nil
	}

	first := h.start(t, "2024-01-01", "2024-01-07")
	_, err := h.engine.StartSync(h.ctx, StartRequest{DateFrom: date("2024-01-01"), DateTo: date("2024-01-07")})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	h.store.mu.Lock()
	assert.Len(t, h.store.jobs, 1)
	h.store.mu.Unlock()

	other := appctx.SetTenantID(context.Background(), uuid.NewString())
	_, err = h.engine.StartSync(other, StartRequest{DateFrom: date("2024-01-01"), DateTo: date("2024-01-07")})
	assert.NoError(t, err, "other tenants are not blocked")

	close(release)
	h.wait()
	assert.Equal(t, models.SyncJobStatusCompleted, h.store.job(first.ID).Status)
}

func TestEngine_CancelStopsAtUnitBoundary(t *testing.T) {
	h := newHarness(t, nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.upstream.list = func(from time.Time, call int) ([]models.ListRecord, error) {
		close(entered)
		<-release
		return []models.ListRecord{{GUID: "g-1", DeclaredAt: from, Raw: map[string]any{}}}, nil
	}

	job := h.start(t, "2024-01-01", "2024-01-31")
	<-entered

	cancelled, err := h.engine.CancelSync(h.ctx, job.ID)
	require.NoError(t, err)
	assert.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, models.SyncJobStatusProcessing, cancelled.Status)

	<-h.store.stopSeen
	close(release)
	h.wait()

	got := h.store.job(job.ID)
	assert.Equal(t, models.SyncJobStatusCancelled, got.Status)
	assert.Equal(t, 0, got.CompletedChunks, "the in-flight chunk is not counted after cancellation")
	assert.Equal(t, 1, h.upstream.totalListCalls())
	assert.Empty(t, h.store.ledgerRows(job.ID))
	assert.Contains(t, h.store.decls, "g-1", "committed declaration writes are kept")
	assert.Equal(t, []string{kafka.EventJobStarted, kafka.EventJobCancelled}, h.events.list())
}

func TestEngine_CancelDuringListChunkWinsOverCompletion(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) { cfg.CancelPollInterval = time.Hour })
	entered := make(chan struct{})
	release := make(chan struct{})
	h.upstream.list = func(from time.Time, call int) ([]models.ListRecord, error) {
		if from.Equal(date("2024-01-01")) {
			close(entered)
			<-release
		}
		guid := "g-" + from.Format(time.DateOnly)
		return []models.ListRecord{{GUID: guid, DeclaredAt: from, Raw: map[string]any{}}}, nil
	}

	job := h.start(t, "2024-01-01", "2024-01-21")
	<-entered
	_, err := h.engine.CancelSync(h.ctx, job.ID)
	require.NoError(t, err)
	close(release)
	h.wait()

	got := h.store.job(job.ID)
	assert.Equal(t, models.SyncJobStatusCancelled, got.Status)
	assert.NotNil(t, got.CancelledAt)
	assert.Equal(t, 0, got.CompletedChunks)
	assert.Equal(t, 1, h.upstream.totalListCalls(), "no chunk is fetched once the refused write is seen")
	assert.Zero(t, h.upstream.totalDetailCalls())
	assert.Equal(t, []string{kafka.EventJobStarted, kafka.EventJobCancelled}, h.events.list())
}

func TestEngine_CancelDuringFailingAttemptStopsRetries(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) { cfg.CancelPollInterval = time.Hour })
	entered := make(chan struct{})
	release := make(chan struct{})
	h.upstream.list = func(_ time.Time, call int) ([]models.ListRecord, error) {
		if call == 0 {
			close(entered)
			<-release
		}
		return nil, upstreamError{code: models.ErrorCodeNetwork}
	}

	job := h.start(t, "2024-01-01", "2024-01-07")
	<-entered
	_, err := h.engine.CancelSync(h.ctx, job.ID)
	require.NoError(t, err)
	close(release)
	h.wait()

	got := h.store.job(job.ID)
	assert.Equal(t, models.SyncJobStatusCancelled, got.Status)
	assert.Equal(t, 1, h.upstream.totalListCalls(), "the failed attempt is not retried after the cancel")
	assert.Empty(t, h.store.ledgerRows(job.ID))
}

func TestEngine_CancelDuringDetailStopsRemainingIdentifiers(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) { cfg.CancelPollInterval = time.Hour })
	h.upstream.list = func(from time.Time, _ int) ([]models.ListRecord, error) {
		return []models.ListRecord{
			{GUID: "g-a", DeclaredAt: from, Raw: map[string]any{}},
			{GUID: "g-b", DeclaredAt: from.Add(time.Hour), Raw: map[string]any{}},
		}, nil
	}
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.upstream.detail = func(guid string, _ int) (map[string]any, error) {
		once.Do(func() {
			close(entered)
			<-release
		})
		return map[string]any{"declarationType": "IM"}, nil
	}

	job := h.start(t, "2024-01-01", "2024-01-07")
	<-entered
	_, err := h.engine.CancelSync(h.ctx, job.ID)
	require.NoError(t, err)
	close(release)
	h.wait()

	got := h.store.job(job.ID)
	assert.Equal(t, models.SyncJobStatusCancelled, got.Status)
	assert.Equal(t, 1, got.CompletedChunks)
	assert.Equal(t, 2, got.TotalGuids)
	assert.Equal(t, 0, got.CompletedGuids)
	assert.Equal(t, 1, h.upstream.totalDetailCalls())
	assert.Equal(t, []string{kafka.EventJobStarted, kafka.EventJobCancelled}, h.events.list())
}

func TestEngine_PermanentFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.upstream.list = func(from time.Time, call int) ([]models.ListRecord, error) {
		if from.Equal(date("2024-01-01")) {
			return nil, upstreamError{code: models.ErrorCodeAuth}
		}
		return nil, nil
	}

	job := h.start(t, "2024-01-01", "2024-01-14")
	h.wait()

	assert.Equal(t, 1, h.upstream.listCalls["2024-01-01"])

	rows := h.store.ledgerRows(job.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, models.ErrorCodeAuth, rows[0].ErrorCode)
	assert.Equal(t, 0, rows[0].RetryAttempts)
	assert.False(t, rows[0].IsRetried)
	assert.False(t, rows[0].Resolved)
	assert.True(t, rows[0].Exhausted)

	got := h.store.job(job.ID)
	assert.Equal(t, models.SyncJobStatusCompleted, got.Status)
	assert.Equal(t, 1, got.CompletedChunks)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "1 list units failed")
}

func TestEngine_FailureRateAbortsJob(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.FailureRateMinSample = 2
		cfg.FailureRateThreshold = 0.5
	})
	h.upstream.list = func(time.Time, int) ([]models.ListRecord, error) {
		return nil, upstreamError{code: models.ErrorCodeValidation}
	}

	job := h.start(t, "2024-01-01", "2024-01-21")
	h.wait()

	got := h.store.job(job.ID)
	assert.Equal(t, models.SyncJobStatusError, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "failure rate exceeded")
	assert.Equal(t, 2, h.upstream.totalListCalls(), "no chunk is scheduled after the abort")
	assert.Equal(t, models.StageListInProgress, got.Stage)
	assert.Equal(t, []string{kafka.EventJobStarted, kafka.EventJobFailed}, h.events.list())
}

func TestEngine_RetriesExhaustedFailOpen(t *testing.T) {
	h := newHarness(t, nil)
	h.upstream.detail = func(guid string, _ int) (map[string]any, error) {
		if guid == "g-2024-01-01" {
			return nil, upstreamError{code: models.ErrorCodeNetwork}
		}
		return map[string]any{"declarationType": "IM"}, nil
	}

	job := h.start(t, "2024-01-01", "2024-01-14")
	h.wait()

	assert.Equal(t, 4, h.upstream.detailCalls["g-2024-01-01"], "first attempt plus three retries")

	got := h.store.job(job.ID)
	assert.Equal(t, models.SyncJobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.TotalGuids)
	assert.Equal(t, 1, got.CompletedGuids)

	rows := h.store.ledgerRows(job.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, models.UnitStageDetail, rows[0].Stage)
	assert.Equal(t, 1, rows[0].ChunkNumber)
	assert.Equal(t, "g-2024-01-01", *rows[0].Identifier)
	assert.Equal(t, 3, rows[0].RetryAttempts)
	assert.False(t, rows[0].Resolved)
	assert.True(t, rows[0].Exhausted)
}

func TestEngine_MappingFailureKeepsRawPayload(t *testing.T) {
	h := newHarness(t, func(_ *Config, deps *Deps) {
		deps.Mapper = mapperFunc(func(map[string]any) (*models.DeclarationSummary, []models.DeclarationCode, error) {
			return nil, nil, errors.New("unmappable")
		})
	})

	job := h.start(t, "2024-01-01", "2024-01-07")
	h.wait()

	got := h.store.job(job.ID)
	assert.Equal(t, models.SyncJobStatusCompleted, got.Status)
	assert.Equal(t, 1, got.CompletedGuids)

	d := h.store.decls["g-2024-01-01"]
	assert.False(t, d.HasFullDetail)
	assert.Contains(t, d.RawPayload.Data, "detail")
	assert.NotNil(t, d.DetailFetchedAt)
}

func TestEngine_TokenFailureErrorsWithoutUpstreamCalls(t *testing.T) {
	h := newHarness(t, func(_ *Config, deps *Deps) {
		deps.Decryptor = decryptor{err: errors.New("bad key")}
	})

	job := h.start(t, "2024-01-01", "2024-01-07")
	h.wait()

	got := h.store.job(job.ID)
	assert.Equal(t, models.SyncJobStatusError, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "credentials")
	assert.Zero(t, h.upstream.totalListCalls())
}

func TestEngine_StartSyncValidatesRange(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) { cfg.MaxRangeDays = 30 })

	_, err := h.engine.StartSync(h.ctx, StartRequest{DateFrom: date("2024-02-01"), DateTo: date("2024-01-01")})
	assert.Error(t, err)
	_, err = h.engine.StartSync(h.ctx, StartRequest{DateFrom: date("2024-01-01"), DateTo: date("2024-03-01")})
	assert.Error(t, err)
	_, err = h.engine.StartSync(h.ctx, StartRequest{DateFrom: time.Now(), DateTo: time.Now().AddDate(0, 0, 2)})
	assert.Error(t, err)

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	assert.Empty(t, h.store.jobs)
}

func TestEngine_ResumeSkipsSettledChunks(t *testing.T) {
	h := newHarness(t, nil)
	job := &models.SyncJob{
		Stage:                 models.StageListInProgress,
		DateFrom:              date("2024-01-01"),
		DateTo:                date("2024-01-21"),
		ChunkDays:             7,
		TotalChunks:           3,
		CompletedChunks:       1,
		CompletedChunkNumbers: []int64{1},
	}
	h.seedJob(t, job)
	// chunk 2 was interrupted mid-retry, chunk 3 already failed for good
	h.seedListFailure(job, 2, "2024-01-08", "2024-01-14", 0, false)
	h.seedListFailure(job, 3, "2024-01-15", "2024-01-21", 3, true)

	n, err := h.engine.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.wait()

	assert.Equal(t, map[string]int{"2024-01-08": 1}, h.upstream.listCalls)
	got := h.store.job(job.ID)
	assert.Equal(t, models.SyncJobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.CompletedChunks)
	assert.ElementsMatch(t, []int64{1, 2}, []int64(got.CompletedChunkNumbers))
	assert.Equal(t, 1, got.CompletedGuids)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "1 list units failed")

	rows := h.store.ledgerRows(job.ID)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Resolved, "the mid-retry chunk recovers on resume")
	assert.Equal(t, 1, rows[0].RetryAttempts)
	assert.True(t, rows[0].IsRetried)
	assert.False(t, rows[1].Resolved)
	assert.True(t, rows[1].Exhausted)

	n, err = h.engine.Resume(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "finished jobs are not resumed")
}

func TestEngine_ResumeContinuesRetryBudget(t *testing.T) {
	h := newHarness(t, nil)
	h.upstream.list = func(time.Time, int) ([]models.ListRecord, error) {
		return nil, upstreamError{code: models.ErrorCodeTimeout}
	}
	job := &models.SyncJob{
		Stage:       models.StageListInProgress,
		DateFrom:    date("2024-01-01"),
		DateTo:      date("2024-01-07"),
		ChunkDays:   7,
		TotalChunks: 1,
	}
	h.seedJob(t, job)
	h.seedListFailure(job, 1, "2024-01-01", "2024-01-07", 2, false)

	n, err := h.engine.Resume(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	h.wait()

	assert.Equal(t, 1, h.upstream.totalListCalls(), "three of four attempts were spent before the restart")

	rows := h.store.ledgerRows(job.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rows[0].RetryAttempts)
	assert.True(t, rows[0].Exhausted)
	assert.False(t, rows[0].Resolved)

	got := h.store.job(job.ID)
	assert.Equal(t, models.SyncJobStatusCompleted, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "1 list units failed")
}

func TestEngine_ShutdownMidRetryIsRefetchedAfterRestart(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.Policy.BaseDelay = time.Hour
		cfg.Policy.MaxDelay = time.Hour
	})
	h.upstream.list = func(from time.Time, call int) ([]models.ListRecord, error) {
		if call == 0 {
			return nil, upstreamError{code: models.ErrorCodeNetwork}
		}
		guid := "g-" + from.Format(time.DateOnly)
		return []models.ListRecord{{GUID: guid, DeclaredAt: from, Raw: map[string]any{}}}, nil
	}

	job := h.start(t, "2024-01-01", "2024-01-07")
	require.Eventually(t, func() bool { return len(h.store.ledgerRows(job.ID)) == 1 }, time.Second, time.Millisecond)

	h.restart(t, func(cfg *Config) {
		cfg.Policy.BaseDelay = time.Millisecond
		cfg.Policy.MaxDelay = 5 * time.Millisecond
	})

	interrupted := h.store.job(job.ID)
	assert.Equal(t, models.SyncJobStatusProcessing, interrupted.Status)
	rows := h.store.ledgerRows(job.ID)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Exhausted, "the unit still has attempts left")
	assert.False(t, rows[0].Resolved)

	h.store.mu.Lock()
	stale := time.Now().Add(-time.Hour)
	h.store.jobs[job.ID].HeartbeatAt = &stale
	h.store.mu.Unlock()

	n, err := h.engine.Resume(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	h.wait()

	assert.Equal(t, 2, h.upstream.totalListCalls())
	got := h.store.job(job.ID)
	assert.Equal(t, models.SyncJobStatusCompleted, got.Status)
	assert.Equal(t, 1, got.CompletedChunks)
	assert.Nil(t, got.ErrorMessage)

	rows = h.store.ledgerRows(job.ID)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Resolved)
	assert.Equal(t, 1, rows[0].RetryAttempts)
}

func TestEngine_ResumedDetailKeepsLedgerNumber(t *testing.T) {
	h := newHarness(t, nil)
	job := &models.SyncJob{
		Stage:                 models.StageDetailInProgress,
		DateFrom:              date("2024-01-01"),
		DateTo:                date("2024-01-07"),
		ChunkDays:             7,
		TotalChunks:           1,
		CompletedChunks:       1,
		CompletedChunkNumbers: []int64{1},
		TotalGuids:            2,
	}
	h.seedJob(t, job)
	for _, guid := range []string{"g-a", "g-b"} {
		h.store.decls[guid] = &models.Declaration{GUID: guid, DeclaredAt: date("2024-01-02"), RawPayload: database.JSONB[map[string]any]{Data: map[string]any{}}}
	}
	guid := "g-b"
	h.store.ledger[ledgerKey{job.ID, models.UnitStageDetail, 2}] = &models.SyncJobError{
		ID: uuid.New(), JobID: job.ID, Stage: models.UnitStageDetail, ChunkNumber: 2,
		Identifier: &guid, ErrorCode: models.ErrorCodeNetwork, RetryAttempts: 1, IsRetried: true,
	}

	n, err := h.engine.Resume(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	h.wait()

	assert.Equal(t, map[string]int{"g-a": 1, "g-b": 1}, h.upstream.detailCalls)
	got := h.store.job(job.ID)
	assert.Equal(t, models.SyncJobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.CompletedGuids)

	rows := h.store.ledgerRows(job.ID)
	require.Len(t, rows, 1, "the resumed identifier reuses its row")
	assert.Equal(t, 2, rows[0].ChunkNumber)
	assert.True(t, rows[0].Resolved)
	assert.Equal(t, 2, rows[0].RetryAttempts)
}

func TestEngine_GetJobErrorsPages(t *testing.T) {
	h := newHarness(t, nil)
	h.upstream.list = func(time.Time, int) ([]models.ListRecord, error) {
		return nil, upstreamError{code: models.ErrorCodeParse}
	}

	job := h.start(t, "2024-01-01", "2024-01-21")
	h.wait()

	page, err := h.engine.GetJobErrors(h.ctx, job.ID, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 2)

	page, err = h.engine.GetJobErrors(h.ctx, job.ID, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)

	status, err := h.engine.GetCurrentJob(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, status.ID)
	assert.Equal(t, 0.0, status.ListProgress)
}
