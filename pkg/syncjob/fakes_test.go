package syncjob

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Ramsey-B/sorrel/pkg/database"
	"github.com/Ramsey-B/sorrel/pkg/kafka"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/repositories"
)

type ledgerKey struct {
	job    uuid.UUID
	stage  models.UnitStage
	number int
}

// store is an in-memory stand-in for every repository the engine uses. Guards
// mirror the SQL ones: writes to a cancelled or finished job are ignored.
type store struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*models.SyncJob
	ledger   map[ledgerKey]*models.SyncJobError
	decls    map[string]*models.Declaration
	cred     *models.TenantCredential
	stopSeen chan struct{}
	stopOnce sync.Once
}

func newStore() *store {
	return &store{
		jobs:     map[uuid.UUID]*models.SyncJob{},
		ledger:   map[ledgerKey]*models.SyncJobError{},
		decls:    map[string]*models.Declaration{},
		cred:     &models.TenantCredential{EncryptedToken: "sealed"},
		stopSeen: make(chan struct{}),
	}
}

func active(j *models.SyncJob) bool {
	return j.Status == models.SyncJobStatusProcessing && j.CancelledAt == nil
}

func (s *store) job(id uuid.UUID) models.SyncJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := *s.jobs[id]
	j.CompletedChunkNumbers = append(pq.Int64Array(nil), j.CompletedChunkNumbers...)
	return j
}

func (s *store) ledgerRows(id uuid.UUID) []models.SyncJobError {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []models.SyncJobError
	for k, row := range s.ledger {
		if k.job == id {
			rows = append(rows, *row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Stage != rows[j].Stage {
			return rows[i].Stage > rows[j].Stage
		}
		return rows[i].ChunkNumber < rows[j].ChunkNumber
	})
	return rows
}

// SyncJobRepo

func (s *store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *store) CreateProcessing(ctx context.Context, job *models.SyncJob) (bool, error) {
	tenantID, err := repositories.GetTenantID(ctx)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.TenantID == tenantID && j.Status == models.SyncJobStatusProcessing {
			return false, nil
		}
	}
	now := time.Now()
	job.ID = uuid.New()
	job.TenantID = tenantID
	job.Status = models.SyncJobStatusProcessing
	job.Stage = models.StageListInProgress
	job.StartedAt, job.CreatedAt, job.UpdatedAt = now, now, now
	j := *job
	s.jobs[job.ID] = &j
	return true, nil
}

func (s *store) GetByID(_ context.Context, id uuid.UUID) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, httperror.NewHTTPError(http.StatusNotFound, "not found")
	}
	c := *j
	c.CompletedChunkNumbers = append(pq.Int64Array(nil), j.CompletedChunkNumbers...)
	return &c, nil
}

func (s *store) GetLatest(ctx context.Context) (*models.SyncJob, error) {
	s.mu.Lock()
	var latest *models.SyncJob
	for _, j := range s.jobs {
		if latest == nil || j.Status == models.SyncJobStatusProcessing || j.CreatedAt.After(latest.CreatedAt) {
			latest = j
		}
	}
	s.mu.Unlock()
	if latest == nil {
		return nil, httperror.NewHTTPError(http.StatusNotFound, "none")
	}
	return s.GetByID(ctx, latest.ID)
}

func (s *store) MarkChunkCompleted(_ context.Context, id uuid.UUID, n int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if !active(j) || j.ChunkDone(n) || j.CompletedChunks >= j.TotalChunks {
		return false, nil
	}
	j.CompletedChunks++
	j.CompletedChunkNumbers = append(j.CompletedChunkNumbers, int64(n))
	return true, nil
}

func (s *store) FinishListStage(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.jobs[id]; j.Status == models.SyncJobStatusProcessing && j.Stage == models.StageListInProgress {
		j.Stage = models.StageListDone
	}
	return nil
}

func (s *store) BeginDetailStage(_ context.Context, id uuid.UUID, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.jobs[id]; j.Status == models.SyncJobStatusProcessing && j.Stage == models.StageListDone {
		j.Stage = models.StageDetailInProgress
		j.TotalGuids = total
		j.CompletedGuids = 0
	}
	return nil
}

func (s *store) IncrementGuids(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if !active(j) || j.CompletedGuids >= j.TotalGuids {
		return false, nil
	}
	j.CompletedGuids++
	return true, nil
}

func (s *store) Finish(_ context.Context, id uuid.UUID, status models.SyncJobStatus, message *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if j.Status != models.SyncJobStatusProcessing {
		return false, nil
	}
	if status != models.SyncJobStatusCancelled && j.CancelledAt != nil {
		return false, nil
	}
	now := time.Now()
	j.Status = status
	j.ErrorMessage = message
	j.FinishedAt = &now
	if status == models.SyncJobStatusCompleted {
		j.Stage = models.StageDone
	}
	return true, nil
}

func (s *store) RequestCancel(ctx context.Context, id uuid.UUID) (*models.SyncJob, error) {
	s.mu.Lock()
	if j, ok := s.jobs[id]; ok && j.Status == models.SyncJobStatusProcessing && j.CancelledAt == nil {
		now := time.Now()
		j.CancelledAt = &now
	}
	s.mu.Unlock()
	return s.GetByID(ctx, id)
}

func (s *store) Heartbeat(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	now := time.Now()
	j.HeartbeatAt = &now
	stop := !active(j)
	if stop {
		s.stopOnce.Do(func() { close(s.stopSeen) })
	}
	return stop, nil
}

// SyncJobErrorRepo

func (s *store) RecordFailure(_ context.Context, jobID uuid.UUID, unit models.Unit, attempt int, code models.ErrorCode, message string, exhausted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !active(s.jobs[jobID]) {
		return nil
	}
	key := ledgerKey{jobID, unit.Stage, unit.Number}
	row, ok := s.ledger[key]
	if !ok {
		row = &models.SyncJobError{ID: uuid.New(), JobID: jobID, Stage: unit.Stage, ChunkNumber: unit.Number}
		if unit.Stage == models.UnitStageList {
			from, to := unit.DateFrom, unit.DateTo
			row.DateFrom, row.DateTo = &from, &to
		} else {
			guid := unit.Identifier
			row.Identifier = &guid
		}
		s.ledger[key] = row
	}
	row.ErrorMessage = message
	row.ErrorCode = code
	row.RetryAttempts = max(row.RetryAttempts, attempt)
	row.IsRetried = row.IsRetried || attempt > 0
	row.Resolved = false
	row.Exhausted = exhausted
	return nil
}

func (s *store) Resolve(_ context.Context, jobID uuid.UUID, unit models.Unit, retries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !active(s.jobs[jobID]) {
		return nil
	}
	if row, ok := s.ledger[ledgerKey{jobID, unit.Stage, unit.Number}]; ok {
		row.RetryAttempts = retries
		row.IsRetried = retries > 0
		row.Resolved = true
		row.Exhausted = false
	}
	return nil
}

func (s *store) ListByJob(_ context.Context, jobID uuid.UUID, limit, offset int) ([]models.SyncJobError, int, error) {
	rows := s.ledgerRows(jobID)
	total := len(rows)
	if offset > total {
		offset = total
	}
	end := min(offset+limit, total)
	return rows[offset:end], total, nil
}

func (s *store) FailedNumbers(_ context.Context, jobID uuid.UUID, stage models.UnitStage) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	numbers := []int{}
	for k, row := range s.ledger {
		if k.job == jobID && k.stage == stage && !row.Resolved && row.Exhausted {
			numbers = append(numbers, k.number)
		}
	}
	sort.Ints(numbers)
	return numbers, nil
}

func (s *store) PendingUnits(_ context.Context, jobID uuid.UUID, stage models.UnitStage) ([]models.SyncJobError, error) {
	var rows []models.SyncJobError
	for _, row := range s.ledgerRows(jobID) {
		if row.Stage == stage && !row.Resolved && !row.Exhausted {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (s *store) MaxChunkNumber(_ context.Context, jobID uuid.UUID, stage models.UnitStage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	high := 0
	for k := range s.ledger {
		if k.job == jobID && k.stage == stage {
			high = max(high, k.number)
		}
	}
	return high, nil
}

// DeclarationRepo

func (s *store) UpsertListRecords(_ context.Context, records []models.ListRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		d, ok := s.decls[rec.GUID]
		if !ok {
			d = &models.Declaration{GUID: rec.GUID, RawPayload: database.JSONB[map[string]any]{Data: map[string]any{}}}
			s.decls[rec.GUID] = d
		}
		status := rec.Status
		d.Status = &status
		d.DeclaredAt = rec.DeclaredAt
		d.RawPayload.Data["list"] = rec.Raw
	}
	return len(records), nil
}

func (s *store) GetByGUID(_ context.Context, guid string) (*models.Declaration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decls[guid]
	if !ok {
		return nil, httperror.NewHTTPError(http.StatusNotFound, "not found")
	}
	c := *d
	c.RawPayload.Data = map[string]any{}
	for k, v := range d.RawPayload.Data {
		c.RawPayload.Data[k] = v
	}
	return &c, nil
}

func (s *store) ListDetailCandidates(_ context.Context, jobID uuid.UUID, since time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	failed := map[string]bool{}
	for k, row := range s.ledger {
		if k.job == jobID && k.stage == models.UnitStageDetail && !row.Resolved && row.Exhausted {
			failed[*row.Identifier] = true
		}
	}
	var found []*models.Declaration
	for _, d := range s.decls {
		if d.HasFullDetail || failed[d.GUID] {
			continue
		}
		if d.DetailFetchedAt != nil && !d.DetailFetchedAt.Before(since) {
			continue
		}
		found = append(found, d)
	}
	sort.Slice(found, func(i, j int) bool {
		if !found[i].DeclaredAt.Equal(found[j].DeclaredAt) {
			return found[i].DeclaredAt.Before(found[j].DeclaredAt)
		}
		return found[i].GUID < found[j].GUID
	})
	guids := []string{}
	for _, d := range found {
		guids = append(guids, d.GUID)
	}
	return guids, nil
}

func (s *store) SaveDetail(_ context.Context, result repositories.DetailResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.decls[result.GUID]
	now := time.Now()
	d.RawPayload.Data = result.Payload
	d.DetailFetchedAt = &now
	d.HasFullDetail = result.Summary != nil
	return nil
}

func (s *store) PeriodBuckets(context.Context, time.Time, time.Time, int) ([]repositories.PeriodBucket, error) {
	return nil, nil
}

// TenantCredentialRepo

func (s *store) Get(ctx context.Context) (*models.TenantCredential, error) {
	tenantID, err := repositories.GetTenantID(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return nil, httperror.NewHTTPError(http.StatusPreconditionFailed, "no credentials")
	}
	c := *s.cred
	c.TenantID = tenantID
	return &c, nil
}

func (s *store) Upsert(_ context.Context, cred *models.TenantCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = cred
	return nil
}

func (s *store) TouchLastSync(context.Context) error { return nil }

// SystemRepo

func (s *store) StaleProcessingJobs(_ context.Context, staleAfter time.Duration) ([]repositories.StaleJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []repositories.StaleJob
	for _, j := range s.jobs {
		if j.Status == models.SyncJobStatusProcessing && (j.HeartbeatAt == nil || time.Since(*j.HeartbeatAt) > staleAfter) {
			stale = append(stale, repositories.StaleJob{ID: j.ID, TenantID: j.TenantID})
		}
	}
	return stale, nil
}

func (s *store) ClaimStaleJob(_ context.Context, id uuid.UUID, staleAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if !active(j) || (j.HeartbeatAt != nil && time.Since(*j.HeartbeatAt) <= staleAfter) {
		return false, nil
	}
	now := time.Now()
	j.HeartbeatAt = &now
	return true, nil
}

func (s *store) TenantsDueForSync(context.Context, time.Duration) ([]uuid.UUID, error) {
	return nil, nil
}

func (s *store) TryAdvanceLease(context.Context, string, string, time.Time) (bool, error) {
	return false, nil
}

// upstream is a scripted customs.API.
type upstream struct {
	mu          sync.Mutex
	listCalls   map[string]int
	detailCalls map[string]int
	list        func(from time.Time, call int) ([]models.ListRecord, error)
	detail      func(guid string, call int) (map[string]any, error)
}

func newUpstream() *upstream {
	return &upstream{
		listCalls:   map[string]int{},
		detailCalls: map[string]int{},
		list: func(from time.Time, _ int) ([]models.ListRecord, error) {
			guid := "g-" + from.Format(time.DateOnly)
			return []models.ListRecord{{GUID: guid, Status: "released", DeclaredAt: from, Raw: map[string]any{"guid": guid}}}, nil
		},
		detail: func(guid string, _ int) (map[string]any, error) {
			return map[string]any{"declarationType": "IM", "guid": guid}, nil
		},
	}
}

func (u *upstream) ListDeclarations(_ context.Context, _ models.Credentials, from, _ time.Time) ([]models.ListRecord, error) {
	u.mu.Lock()
	key := from.Format(time.DateOnly)
	call := u.listCalls[key]
	u.listCalls[key]++
	u.mu.Unlock()
	return u.list(from, call)
}

func (u *upstream) GetDeclaration(_ context.Context, _ models.Credentials, guid string) (map[string]any, error) {
	u.mu.Lock()
	call := u.detailCalls[guid]
	u.detailCalls[guid]++
	u.mu.Unlock()
	return u.detail(guid, call)
}

func (u *upstream) totalListCalls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, c := range u.listCalls {
		n += c
	}
	return n
}

func (u *upstream) totalDetailCalls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, c := range u.detailCalls {
		n += c
	}
	return n
}

type decryptor struct{ err error }

func (d decryptor) Decrypt(string) (string, error) { return "token", d.err }

type mapperFunc func(map[string]any) (*models.DeclarationSummary, []models.DeclarationCode, error)

func (f mapperFunc) Map(p map[string]any) (*models.DeclarationSummary, []models.DeclarationCode, error) {
	return f(p)
}

type events struct {
	mu    sync.Mutex
	types []string
}

func (e *events) PublishJobEvent(_ context.Context, evt *kafka.JobEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, evt.Type)
	return nil
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.types...)
}

// upstreamError carries a fixed classification.
type upstreamError struct {
	code models.ErrorCode
}

func (e upstreamError) Error() string               { return "upstream " + string(e.code) }
func (e upstreamError) ErrorCode() models.ErrorCode { return e.code }
