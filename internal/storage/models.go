package storage

import "time"

// LLMConfiguration is a tenant's BYOLLM record. APIKeyEncrypted always holds
// vault ciphertext.
type LLMConfiguration struct {
	TenantID        string
	Provider        string
	APIKeyEncrypted string
	BaseURL         *string
	DefaultModel    *string
	Policy          string
	LastTestedAt    *time.Time
	LastTestResult  *string
	LastTestLatency *int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type EncryptedKey struct {
	TenantID        string
	APIKeyEncrypted string
}

type AuditEntry struct {
	TenantID string
	Actor    string
	Action   string
	MetaJSON string
}

type Thread struct {
	ID        string
	TenantID  string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Message struct {
	ID          string
	ThreadID    string
	Role        string
	Content     string
	IsError     bool
	MetaJSON    string
	CreatedAtMs int64
}
