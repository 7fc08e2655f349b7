package store

import "time"

// Provider status values.
const (
	ProviderEnabled  = "enabled"
	ProviderDisabled = "disabled"
)

// Provider type tags. The set is closed: the adapter factory rejects
// anything else when it first builds the provider's adapter during dispatch,
// and the engine then skips that candidate.
const (
	TypeOpenAI     = "openai"
	TypeAnthropic  = "anthropic"
	TypeOllama     = "ollama"
	TypeMock       = "mock"
	TypeCustomHTTP = "custom-http"
)

// APIKey status values.
const (
	KeyActive   = "active"
	KeyDisabled = "disabled"
	KeyFailed   = "failed"
)

// Provider is a named upstream. Soft-deletion is status=disabled; the
// dispatch path treats disabled providers as absent.
type Provider struct {
	ID         string `gorm:"primaryKey;size:36"`
	Name       string `gorm:"uniqueIndex;size:128;not null"`
	Type       string `gorm:"size:32;not null"`
	BaseURL    string `gorm:"size:512"`
	TimeoutMs  int
	MaxRetries int
	Status     string `gorm:"size:16;not null;default:enabled"`
	CreatedAt  time.Time
}

// Timeout returns the per-attempt timeout for this provider, or zero when
// the record does not override the default.
func (p *Provider) Timeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// APIKey is an upstream credential. Ciphertext is opaque to everything but
// the vault; Masked is fixed at creation and is the only form that may
// appear in logs or error bodies.
type APIKey struct {
	ID         string `gorm:"primaryKey;size:36"`
	ProviderID string `gorm:"index;size:36;not null"`
	KeyID      string `gorm:"uniqueIndex;size:128;not null"`
	Ciphertext string `gorm:"size:1024;not null"`
	Masked     string `gorm:"size:16;not null"`

	Priority   int   `gorm:"default:100"`
	RPM        int   // requests per minute; 0 = unlimited
	TPM        int   // tokens per minute; 0 = unlimited
	DailyQuota int64 // tokens per day; 0 = unlimited

	Status        string `gorm:"size:16;not null;default:active"`
	FailureCount  int
	LastFailureAt *time.Time
	LastUsedAt    *time.Time
	CreatedAt     time.Time
}

// OverrideConfig is the per-mapping request override. Nil fields are unset.
// When Forced is true the override wins over client-supplied values.
type OverrideConfig struct {
	Temperature *float64 `gorm:"column:ov_temperature"`
	TopP        *float64 `gorm:"column:ov_top_p"`
	MaxTokens   *int     `gorm:"column:ov_max_tokens"`
	Forced      bool     `gorm:"column:ov_forced"`
}

// ModelMapping binds a client-visible alias to a provider-native model.
// (Alias, OrderIndex) is unique; at most one mapping per alias is default.
type ModelMapping struct {
	ID            string `gorm:"primaryKey;size:36"`
	Alias         string `gorm:"uniqueIndex:idx_alias_order,priority:1;size:128;not null"`
	ProviderID    string `gorm:"index;size:36;not null"`
	ProviderModel string `gorm:"size:128;not null"`
	OrderIndex    int    `gorm:"uniqueIndex:idx_alias_order,priority:2"`
	IsDefault     bool
	Override      OverrideConfig `gorm:"embedded"`
	CreatedAt     time.Time

	Provider Provider `gorm:"foreignKey:ProviderID"`
}
