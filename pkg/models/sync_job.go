package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// SyncJobStatus is the lifecycle state of a sync job.
type SyncJobStatus string

const (
	SyncJobStatusProcessing SyncJobStatus = "processing"
	SyncJobStatusCompleted  SyncJobStatus = "completed"
	SyncJobStatusCancelled  SyncJobStatus = "cancelled"
	SyncJobStatusError      SyncJobStatus = "error"
)

// IsTerminal reports whether no further work will happen for the job.
func (s SyncJobStatus) IsTerminal() bool {
	return s == SyncJobStatusCompleted || s == SyncJobStatusCancelled || s == SyncJobStatusError
}

// Stage is the durable checkpoint of a processing job. A resumed job
// continues from the stage recorded here.
type Stage string

const (
	StageListInProgress   Stage = "list_in_progress"
	StageListDone         Stage = "list_done"
	StageDetailInProgress Stage = "detail_in_progress"
	StageDone             Stage = "done"
)

// Trigger records who requested the sync.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// SyncJob is one synchronization run for a tenant.
type SyncJob struct {
	ID                    uuid.UUID     `db:"id" json:"id"`
	TenantID              uuid.UUID     `db:"tenant_id" json:"tenant_id"`
	Status                SyncJobStatus `db:"status" json:"status"`
	Stage                 Stage         `db:"stage" json:"stage"`
	Trigger               Trigger       `db:"trigger" json:"trigger"`
	DateFrom              time.Time     `db:"date_from" json:"date_from"`
	DateTo                time.Time     `db:"date_to" json:"date_to"`
	ChunkDays             int           `db:"chunk_days" json:"chunk_days"`
	TotalChunks           int           `db:"total_chunks" json:"total_chunks"`
	CompletedChunks       int           `db:"completed_chunks" json:"completed_chunks"`
	CompletedChunkNumbers pq.Int64Array `db:"completed_chunk_numbers" json:"-"`
	TotalGuids            int           `db:"total_guids" json:"total_guids"`
	CompletedGuids        int           `db:"completed_guids" json:"completed_guids"`
	CancelledAt           *time.Time    `db:"cancelled_at" json:"cancelled_at,omitempty"`
	ErrorMessage          *string       `db:"error_message" json:"error_message,omitempty"`
	HeartbeatAt           *time.Time    `db:"heartbeat_at" json:"heartbeat_at,omitempty"`
	StartedAt             time.Time     `db:"started_at" json:"started_at"`
	FinishedAt            *time.Time    `db:"finished_at" json:"finished_at,omitempty"`
	CreatedAt             time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time     `db:"updated_at" json:"updated_at"`
}

func (SyncJob) TableName() string {
	return "sync_jobs"
}

// ChunkDone reports whether list chunk n already succeeded.
func (j *SyncJob) ChunkDone(n int) bool {
	for _, c := range j.CompletedChunkNumbers {
		if int(c) == n {
			return true
		}
	}
	return false
}

// ListProgress returns list-stage completion in [0,100].
func (j *SyncJob) ListProgress() float64 {
	return percent(j.CompletedChunks, j.TotalChunks)
}

// DetailProgress returns detail-stage completion in [0,100]. It is only
// meaningful once the list stage has finished.
func (j *SyncJob) DetailProgress() float64 {
	switch j.Stage {
	case StageListInProgress, StageListDone:
		return 0
	case StageDone:
		return 100
	}
	return percent(j.CompletedGuids, j.TotalGuids)
}

func percent(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(done) * 100 / float64(total)
}
