package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/sorrel/pkg/database"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

const (
	declarationsTable         = "declarations"
	declarationSummariesTable = "declaration_summaries"
	declarationCodesTable     = "declaration_codes"
)

var declarationStruct = database.NewStruct(new(models.Declaration))

type DeclarationRepository struct {
	*Repository
}

func NewDeclarationRepository(db database.DB, logger ectologger.Logger) *DeclarationRepository {
	return &DeclarationRepository{Repository: NewRepository(db, logger)}
}

// UpsertListRecords writes the list-stage view of each record. Existing rows
// get their list fields refreshed; detail, summary and has_full_detail are left alone.
func (r *DeclarationRepository) UpsertListRecords(ctx context.Context, records []models.ListRecord) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "DeclarationRepository.UpsertListRecords")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO declarations (tenant_id, guid, declaration_number, status, declared_at, raw_payload, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, jsonb_build_object('list', $6::jsonb), NOW(), NOW())
		ON CONFLICT (tenant_id, guid) DO UPDATE
		SET declaration_number = COALESCE(EXCLUDED.declaration_number, declarations.declaration_number),
			status = COALESCE(EXCLUDED.status, declarations.status),
			declared_at = EXCLUDED.declared_at,
			raw_payload = jsonb_set(declarations.raw_payload, '{list}', EXCLUDED.raw_payload->'list'),
			updated_at = NOW()`

	written := 0
	err = r.InTx(ctx, func(ctx context.Context) error {
		for _, rec := range records {
			raw := rec.Raw
			if raw == nil {
				raw = map[string]any{}
			}
			payload, err := json.Marshal(raw)
			if err != nil {
				return err
			}
			if _, err := r.DB(ctx).ExecContext(ctx, query,
				tenantID, rec.GUID, rec.DeclarationNumber, rec.Status, rec.DeclaredAt, string(payload),
			); err != nil {
				return err
			}
			written++
		}
		return nil
	})
	if err != nil {
		r.log(ctx, map[string]any{"records": len(records)}).WithError(err).Error("failed to upsert list records")
		return 0, internal("failed to upsert declarations")
	}
	return written, nil
}

func (r *DeclarationRepository) GetByGUID(ctx context.Context, guid string) (*models.Declaration, error) {
	ctx, span := tracing.StartSpan(ctx, "DeclarationRepository.GetByGUID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := declarationStruct.SelectFrom(declarationsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("guid", guid))

	query, args := sb.Build()
	var decl models.Declaration
	err = r.DB(ctx).GetContext(ctx, &decl, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "declaration %s does not exist", guid)
	}
	if err != nil {
		r.log(ctx, map[string]any{"guid": guid}).WithError(err).Error("failed to get declaration")
		return nil, internal("failed to get declaration")
	}
	return &decl, nil
}

// ListDetailCandidates returns identifiers still lacking full detail that the
// job has not already handled: not fetched since the job started and not
// failed for good in its ledger. Identifiers left mid-retry are included.
func (r *DeclarationRepository) ListDetailCandidates(ctx context.Context, jobID uuid.UUID, since time.Time) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "DeclarationRepository.ListDetailCandidates")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT d.guid
		FROM declarations d
		WHERE d.tenant_id = $1
			AND d.has_full_detail = FALSE
			AND (d.detail_fetched_at IS NULL OR d.detail_fetched_at < $3)
			AND NOT EXISTS (
				SELECT 1 FROM sync_job_errors e
				WHERE e.job_id = $2 AND e.stage = 'detail' AND e.identifier = d.guid
					AND e.resolved = FALSE AND e.exhausted = TRUE
			)
		ORDER BY d.declared_at, d.guid`

	guids := []string{}
	if err := r.DB(ctx).SelectContext(ctx, &guids, query, tenantID, jobID, since); err != nil {
		r.log(ctx, map[string]any{"job_id": jobID}).WithError(err).Error("failed to list detail candidates")
		return nil, internal("failed to list declarations missing detail")
	}
	return guids, nil
}

// SaveDetail stores the merged payload and, when mapping succeeded, the
// derived summary and codes together with has_full_detail.
func (r *DeclarationRepository) SaveDetail(ctx context.Context, result DetailResult) error {
	ctx, span := tracing.StartSpan(ctx, "DeclarationRepository.SaveDetail")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	fields := map[string]any{"guid": result.GUID}

	err = r.InTx(ctx, func(ctx context.Context) error {
		ub := database.NewUpdateBuilder()
		ub.Update(declarationsTable).
			Set(
				ub.Assign("raw_payload", database.JSONB[map[string]any]{Data: result.Payload}),
				ub.Assign("has_full_detail", result.Summary != nil),
				ub.Assign("detail_fetched_at", database.Now()),
				ub.Assign("updated_at", database.Now()),
			).
			Where(ub.Equal("tenant_id", tenantID), ub.Equal("guid", result.GUID))

		query, args := ub.Build()
		if _, err := r.DB(ctx).ExecContext(ctx, query, args...); err != nil {
			return err
		}
		if result.Summary == nil {
			return nil
		}
		return r.saveSummary(ctx, tenantID, result)
	})
	if err != nil {
		r.log(ctx, fields).WithError(err).Error("failed to save declaration detail")
		return internal("failed to save declaration detail")
	}
	return nil
}

func (r *DeclarationRepository) saveSummary(ctx context.Context, tenantID uuid.UUID, result DetailResult) error {
	s := result.Summary
	query := `
		INSERT INTO declaration_summaries (tenant_id, guid, declaration_type, customs_office, declarant,
			total_value, currency, goods_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (tenant_id, guid) DO UPDATE
		SET declaration_type = EXCLUDED.declaration_type,
			customs_office = EXCLUDED.customs_office,
			declarant = EXCLUDED.declarant,
			total_value = EXCLUDED.total_value,
			currency = EXCLUDED.currency,
			goods_count = EXCLUDED.goods_count,
			updated_at = NOW()`

	if _, err := r.DB(ctx).ExecContext(ctx, query,
		tenantID, result.GUID, s.DeclarationType, s.CustomsOffice, s.Declarant, s.TotalValue, s.Currency, s.GoodsCount,
	); err != nil {
		return err
	}

	if _, err := r.DB(ctx).ExecContext(ctx,
		`DELETE FROM declaration_codes WHERE tenant_id = $1 AND guid = $2`, tenantID, result.GUID,
	); err != nil {
		return err
	}
	if len(result.Codes) == 0 {
		return nil
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(declarationCodesTable).Cols("tenant_id", "guid", "line_number", "code", "description")
	for _, c := range result.Codes {
		ib.Values(tenantID, result.GUID, c.LineNumber, c.Code, c.Description)
	}
	ib.OnConflictDoNothing()

	query, args := ib.Build()
	_, err := r.DB(ctx).ExecContext(ctx, query, args...)
	return err
}

// PeriodBuckets counts declarations per fixed-size bucket of the window in a
// single pass. Buckets with no rows are absent.
func (r *DeclarationRepository) PeriodBuckets(ctx context.Context, windowStart, windowEnd time.Time, periodDays int) ([]PeriodBucket, error) {
	ctx, span := tracing.StartSpan(ctx, "DeclarationRepository.PeriodBuckets")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT FLOOR(EXTRACT(EPOCH FROM (declared_at - $2)) / ($4::int * 86400))::int AS bucket,
			COUNT(*) AS count,
			COUNT(*) FILTER (WHERE has_full_detail) AS full
		FROM declarations
		WHERE tenant_id = $1 AND declared_at >= $2 AND declared_at <= $3
		GROUP BY bucket
		ORDER BY bucket`

	buckets := []PeriodBucket{}
	if err := r.DB(ctx).SelectContext(ctx, &buckets, query, tenantID, windowStart, windowEnd, periodDays); err != nil {
		r.log(ctx, map[string]any{"period_days": periodDays}).WithError(err).Error("failed to aggregate periods")
		return nil, internal("failed to compute period status")
	}
	return buckets, nil
}
