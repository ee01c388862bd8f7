package models

import (
	"time"

	"github.com/google/uuid"
)

// TenantCredential holds the encrypted upstream access token for a tenant.
type TenantCredential struct {
	TenantID       uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	EncryptedToken string     `db:"encrypted_token" json:"-"`
	AutoSync       bool       `db:"auto_sync" json:"auto_sync"`
	LastSyncAt     *time.Time `db:"last_sync_at" json:"last_sync_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

func (TenantCredential) TableName() string {
	return "tenant_credentials"
}

// Credentials are the decrypted values handed to the upstream client.
type Credentials struct {
	TenantID uuid.UUID
	Token    string
}
