package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/sorrel/pkg/models"
)

// SyncJobRepo is the durable job record. Every mutation of a processing job
// is guarded by status and cancellation so late writers become no-ops.
type SyncJobRepo interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreateProcessing(ctx context.Context, job *models.SyncJob) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.SyncJob, error)
	GetLatest(ctx context.Context) (*models.SyncJob, error)
	MarkChunkCompleted(ctx context.Context, id uuid.UUID, chunkNumber int) (bool, error)
	FinishListStage(ctx context.Context, id uuid.UUID) error
	BeginDetailStage(ctx context.Context, id uuid.UUID, totalGuids int) error
	IncrementGuids(ctx context.Context, id uuid.UUID) (bool, error)
	Finish(ctx context.Context, id uuid.UUID, status models.SyncJobStatus, message *string) (bool, error)
	RequestCancel(ctx context.Context, id uuid.UUID) (*models.SyncJob, error)
	Heartbeat(ctx context.Context, id uuid.UUID) (cancelled bool, err error)
}

// SyncJobErrorRepo is the append-only failure ledger.
type SyncJobErrorRepo interface {
	RecordFailure(ctx context.Context, jobID uuid.UUID, unit models.Unit, attempt int, code models.ErrorCode, message string, exhausted bool) error
	Resolve(ctx context.Context, jobID uuid.UUID, unit models.Unit, retries int) error
	ListByJob(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]models.SyncJobError, int, error)
	FailedNumbers(ctx context.Context, jobID uuid.UUID, stage models.UnitStage) ([]int, error)
	PendingUnits(ctx context.Context, jobID uuid.UUID, stage models.UnitStage) ([]models.SyncJobError, error)
	MaxChunkNumber(ctx context.Context, jobID uuid.UUID, stage models.UnitStage) (int, error)
}

// PeriodBucket is the per-period aggregate the reconciler classifies.
type PeriodBucket struct {
	Bucket int `db:"bucket"`
	Count  int `db:"count"`
	Full   int `db:"full"`
}

// DetailResult is what the detail worker persists for one identifier.
type DetailResult struct {
	GUID    string
	Payload map[string]any
	Summary *models.DeclarationSummary
	Codes   []models.DeclarationCode
}

type DeclarationRepo interface {
	UpsertListRecords(ctx context.Context, records []models.ListRecord) (int, error)
	GetByGUID(ctx context.Context, guid string) (*models.Declaration, error)
	ListDetailCandidates(ctx context.Context, jobID uuid.UUID, since time.Time) ([]string, error)
	SaveDetail(ctx context.Context, result DetailResult) error
	PeriodBuckets(ctx context.Context, windowStart, windowEnd time.Time, periodDays int) ([]PeriodBucket, error)
}

type ExchangeRateRepo interface {
	ListByDate(ctx context.Context, date time.Time) ([]models.ExchangeRate, error)
	Upsert(ctx context.Context, rates []models.ExchangeRate) error
}

type TenantCredentialRepo interface {
	Get(ctx context.Context) (*models.TenantCredential, error)
	Upsert(ctx context.Context, cred *models.TenantCredential) error
	TouchLastSync(ctx context.Context) error
}
