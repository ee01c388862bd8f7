package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sorrel/pkg/database"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

const tenantCredentialsTable = "tenant_credentials"

var tenantCredentialStruct = database.NewStruct(new(models.TenantCredential))

type TenantCredentialRepository struct {
	*Repository
}

func NewTenantCredentialRepository(db database.DB, logger ectologger.Logger) *TenantCredentialRepository {
	return &TenantCredentialRepository{Repository: NewRepository(db, logger)}
}

func (r *TenantCredentialRepository) Get(ctx context.Context) (*models.TenantCredential, error) {
	ctx, span := tracing.StartSpan(ctx, "TenantCredentialRepository.Get")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := tenantCredentialStruct.SelectFrom(tenantCredentialsTable)
	sb.Where(sb.Equal("tenant_id", tenantID))

	query, args := sb.Build()
	var cred models.TenantCredential
	err = r.DB(ctx).GetContext(ctx, &cred, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPError(http.StatusPreconditionFailed, "tenant has no customs credentials configured")
	}
	if err != nil {
		r.log(ctx, nil).WithError(err).Error("failed to get tenant credentials")
		return nil, internal("failed to get tenant credentials")
	}
	return &cred, nil
}

func (r *TenantCredentialRepository) Upsert(ctx context.Context, cred *models.TenantCredential) error {
	ctx, span := tracing.StartSpan(ctx, "TenantCredentialRepository.Upsert")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	cred.TenantID = tenantID

	query := `
		INSERT INTO tenant_credentials (tenant_id, encrypted_token, auto_sync, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (tenant_id) DO UPDATE
		SET encrypted_token = EXCLUDED.encrypted_token, auto_sync = EXCLUDED.auto_sync, updated_at = NOW()
		RETURNING created_at, updated_at, last_sync_at`

	err = r.DB(ctx).QueryRowxContext(ctx, query, cred.TenantID, cred.EncryptedToken, cred.AutoSync).
		Scan(&cred.CreatedAt, &cred.UpdatedAt, &cred.LastSyncAt)
	if err != nil {
		r.log(ctx, nil).WithError(err).Error("failed to store tenant credentials")
		return internal("failed to store tenant credentials")
	}
	return nil
}

// TouchLastSync records that a job was started for the tenant.
func (r *TenantCredentialRepository) TouchLastSync(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "TenantCredentialRepository.TouchLastSync")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(tenantCredentialsTable).
		Set(ub.Assign("last_sync_at", database.Now()), ub.Assign("updated_at", database.Now())).
		Where(ub.Equal("tenant_id", tenantID))

	query, args := ub.Build()
	if _, err := r.DB(ctx).ExecContext(ctx, query, args...); err != nil {
		r.log(ctx, nil).WithError(err).Error("failed to update last sync time")
		return internal("failed to update tenant credentials")
	}
	return nil
}
