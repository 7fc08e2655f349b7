// Package store is the configuration store: provider, API key, and model
// mapping records. The dispatch path only reads; mutation happens through
// the admin surface and the key health feedback hooks.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps the gorm handle with the queries the gateway needs.
type Store struct {
	db *gorm.DB
}

// Open connects to the database named by url and migrates the schema.
// postgres:// URLs use the pgx driver; anything else is treated as a SQLite
// DSN (path or ":memory:").
func Open(url string) (*Store, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		dialector = postgres.Open(url)
	default:
		dialector = sqlite.Open(url)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	if err := db.AutoMigrate(&Provider{}, &APIKey{}, &ModelMapping{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Ping verifies database connectivity; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// MappingsForAlias returns the mappings for alias whose provider is enabled,
// default mapping first, then order_index ascending. An empty result means
// the alias does not resolve.
func (s *Store) MappingsForAlias(ctx context.Context, alias string) ([]ModelMapping, error) {
	var out []ModelMapping
	err := s.db.WithContext(ctx).
		Joins("Provider").
		Where("model_mappings.alias = ? AND \"Provider\".status = ?", alias, ProviderEnabled).
		Order("model_mappings.is_default DESC, model_mappings.order_index ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: mappings for %q: %w", alias, err)
	}
	return out, nil
}

// Aliases returns the distinct aliases that have at least one mapping to an
// enabled provider. Feeds GET /v1/models.
func (s *Store) Aliases(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.WithContext(ctx).
		Model(&ModelMapping{}).
		Joins("JOIN providers ON providers.id = model_mappings.provider_id AND providers.status = ?", ProviderEnabled).
		Distinct("model_mappings.alias").
		Order("model_mappings.alias").
		Pluck("model_mappings.alias", &out).Error
	if err != nil {
		return nil, fmt.Errorf("store: aliases: %w", err)
	}
	return out, nil
}

// KeysForProvider returns the active keys for a provider, priority ascending.
// Disabled and failed keys never reach the selector.
func (s *Store) KeysForProvider(ctx context.Context, providerID string) ([]APIKey, error) {
	var out []APIKey
	err := s.db.WithContext(ctx).
		Where("provider_id = ? AND status = ?", providerID, KeyActive).
		Order("priority ASC, created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: keys for provider %s: %w", providerID, err)
	}
	return out, nil
}

// MarkKeyFailed demotes a key after repeated upstream auth/quota errors.
// The record stays failed until an operator resets it.
func (s *Store) MarkKeyFailed(ctx context.Context, keyID string, failures int) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).
		Model(&APIKey{}).
		Where("id = ?", keyID).
		Updates(map[string]any{
			"status":          KeyFailed,
			"failure_count":   failures,
			"last_failure_at": &now,
		}).Error
	if err != nil {
		return fmt.Errorf("store: mark key failed: %w", err)
	}
	return nil
}

// TouchKeyUsed records a successful use. Best-effort: the dispatch path
// ignores the error.
func (s *Store) TouchKeyUsed(ctx context.Context, keyID string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&APIKey{}).
		Where("id = ?", keyID).
		Updates(map[string]any{"last_used_at": &now, "failure_count": 0}).Error
}

// ── Admin-side writes (exercised by tests and the admin surface) ─────────────

// CreateProvider inserts a provider record, assigning an id when absent.
func (s *Store) CreateProvider(ctx context.Context, p *Provider) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = ProviderEnabled
	}
	return s.db.WithContext(ctx).Create(p).Error
}

// CreateKey inserts an API key record, assigning an id when absent.
func (s *Store) CreateKey(ctx context.Context, k *APIKey) error {
	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	if k.Status == "" {
		k.Status = KeyActive
	}
	return s.db.WithContext(ctx).Create(k).Error
}

// CreateMapping inserts a model mapping record, assigning an id when absent.
func (s *Store) CreateMapping(ctx context.Context, m *ModelMapping) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(m).Error
}

// SetProviderStatus flips a provider between enabled and disabled.
func (s *Store) SetProviderStatus(ctx context.Context, providerID, status string) error {
	return s.db.WithContext(ctx).
		Model(&Provider{}).
		Where("id = ?", providerID).
		Update("status", status).Error
}
