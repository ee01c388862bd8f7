package repositories

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/sorrel/pkg/context"
	"github.com/Ramsey-B/sorrel/pkg/database"
)

// Repository provides common database access with tenant isolation.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// DB returns the statement runner for ctx, joining an open transaction when there is one.
func (r *Repository) DB(ctx context.Context) database.Queryer {
	return database.Executor(ctx, r.db)
}

// InTx runs fn in a transaction shared by every repository call made with the ctx it receives.
func (r *Repository) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return database.InTx(ctx, r.db, fn)
}

func (r *Repository) log(ctx context.Context, fields map[string]any) ectologger.Logger {
	return r.logger.WithContext(ctx).WithFields(fields)
}

// GetTenantID extracts and validates tenant_id from context.
func GetTenantID(ctx context.Context) (uuid.UUID, error) {
	tenantIDStr := appctx.GetTenantID(ctx)
	if tenantIDStr == "" {
		return uuid.Nil, httperror.NewHTTPError(http.StatusUnauthorized, "tenant required")
	}

	tenantID, err := uuid.Parse(tenantIDStr)
	if err != nil {
		return uuid.Nil, httperror.NewHTTPError(http.StatusUnauthorized, "invalid tenant")
	}

	return tenantID, nil
}

func internal(message string) error {
	return httperror.NewHTTPError(http.StatusInternalServerError, message)
}
