package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Ramsey-B/sorrel/pkg/database"
)

// Declaration is the local mirror of one customs declaration.
type Declaration struct {
	TenantID          uuid.UUID                      `db:"tenant_id" json:"tenant_id"`
	GUID              string                         `db:"guid" json:"guid"`
	DeclarationNumber *string                        `db:"declaration_number" json:"declaration_number,omitempty"`
	Status            *string                        `db:"status" json:"status,omitempty"`
	DeclaredAt        time.Time                      `db:"declared_at" json:"declared_at"`
	RawPayload        database.JSONB[map[string]any] `db:"raw_payload" json:"raw_payload"`
	HasFullDetail     bool                           `db:"has_full_detail" json:"has_full_detail"`
	DetailFetchedAt   *time.Time                     `db:"detail_fetched_at" json:"detail_fetched_at,omitempty"`
	CreatedAt         time.Time                      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time                      `db:"updated_at" json:"updated_at"`
}

func (Declaration) TableName() string {
	return "declarations"
}

// ListRecord is the minimal record returned by the upstream list operation.
type ListRecord struct {
	GUID              string         `json:"guid"`
	DeclarationNumber string         `json:"declarationNumber"`
	Status            string         `json:"status"`
	DeclaredAt        time.Time      `json:"declaredAt"`
	Raw               map[string]any `json:"-"`
}

// DeclarationSummary holds the normalized columns derived from a detail payload.
type DeclarationSummary struct {
	TenantID        uuid.UUID        `db:"tenant_id" json:"tenant_id"`
	GUID            string           `db:"guid" json:"guid"`
	DeclarationType *string          `db:"declaration_type" json:"declaration_type,omitempty"`
	CustomsOffice   *string          `db:"customs_office" json:"customs_office,omitempty"`
	Declarant       *string          `db:"declarant" json:"declarant,omitempty"`
	TotalValue      *decimal.Decimal `db:"total_value" json:"total_value,omitempty"`
	Currency        *string          `db:"currency" json:"currency,omitempty"`
	GoodsCount      int              `db:"goods_count" json:"goods_count"`
}

// DeclarationCode is one commodity code line of a declaration.
type DeclarationCode struct {
	TenantID    uuid.UUID `db:"tenant_id" json:"tenant_id"`
	GUID        string    `db:"guid" json:"guid"`
	LineNumber  int       `db:"line_number" json:"line_number"`
	Code        string    `db:"code" json:"code"`
	Description *string   `db:"description" json:"description,omitempty"`
}
