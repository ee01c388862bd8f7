package handlers

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
	"github.com/Ramsey-B/sorrel/pkg/utils"
)

type CredentialStore interface {
	Get(ctx context.Context) (*models.TenantCredential, error)
	Upsert(ctx context.Context, cred *models.TenantCredential) error
}

type Encryptor interface {
	Encrypt(plaintext string) (string, error)
}

// TenantHandler manages the tenant's upstream access token.
type TenantHandler struct {
	repo   CredentialStore
	box    Encryptor
	logger ectologger.Logger
}

func NewTenantHandler(repo CredentialStore, box Encryptor, logger ectologger.Logger) *TenantHandler {
	return &TenantHandler{repo: repo, box: box, logger: logger}
}

type PutCredentialsRequest struct {
	Token    string `json:"token" validate:"required"`
	AutoSync bool   `json:"auto_sync"`
}

func (h *TenantHandler) Register(g *echo.Group) {
	g.GET("/credentials", h.Get)
	g.PUT("/credentials", h.Put)
}

func (h *TenantHandler) Get(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "TenantHandler.Get")
	defer span.End()

	cred, err := h.repo.Get(ctx)
	if err != nil {
		return err
	}
	return SuccessResponse(c, cred)
}

func (h *TenantHandler) Put(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "TenantHandler.Put")
	defer span.End()

	req, err := utils.BindRequest[PutCredentialsRequest](c)
	if err != nil {
		return err
	}
	sealed, err := h.box.Encrypt(req.Token)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to encrypt tenant token")
		return err
	}

	cred := &models.TenantCredential{EncryptedToken: sealed, AutoSync: req.AutoSync}
	if err := h.repo.Upsert(ctx, cred); err != nil {
		return err
	}
	return SuccessResponse(c, cred)
}
