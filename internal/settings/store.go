package settings

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
	"usecasehub/internal/backend"
	"usecasehub/pkg/domain"
)

// Loader fetches the landing payload from the knowledge backend.
type Loader interface {
	Landing(ctx context.Context, p domain.Principal) (backend.LandingResponse, error)
}

// Store holds the tenant settings and metadata delivered by the landing
// endpoint. The payload is loaded once and then served from memory;
// Populated reports explicitly whether a load has succeeded, so callers never
// have to interpret zero values.
type Store struct {
	loader Loader
	group  singleflight.Group

	mu        sync.RWMutex
	populated bool
	tenants   []domain.TenantSettings
	byID      map[string]domain.TenantSettings
	metadata  domain.Metadata
}

// NewStore creates an empty, unpopulated store.
func NewStore(loader Loader) *Store {
	return &Store{loader: loader}
}

// Populated reports whether a load has completed successfully.
func (s *Store) Populated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.populated
}

// Load fetches the landing payload unless the store is already populated.
// Concurrent callers during the initial fetch share one backend request.
func (s *Store) Load(ctx context.Context, p domain.Principal) error {
	if s.Populated() {
		return nil
	}
	_, err, _ := s.group.Do("landing", func() (any, error) {
		if s.Populated() {
			return nil, nil
		}
		return nil, s.fetch(ctx, p)
	})
	return err
}

// Reload unconditionally re-fetches the landing payload and swaps the
// snapshot. Intended for administrative refresh after backend-side edits.
func (s *Store) Reload(ctx context.Context, p domain.Principal) error {
	_, err, _ := s.group.Do("landing", func() (any, error) {
		return nil, s.fetch(ctx, p)
	})
	return err
}

func (s *Store) fetch(ctx context.Context, p domain.Principal) error {
	resp, err := s.loader.Landing(ctx, p)
	if err != nil {
		return fmt.Errorf("load usecase types: %w", err)
	}
	byID := make(map[string]domain.TenantSettings, len(resp.UsecaseTypes))
	for _, tenant := range resp.UsecaseTypes {
		byID[tenant.ID] = tenant
	}
	s.mu.Lock()
	s.tenants = resp.UsecaseTypes
	s.byID = byID
	s.metadata = resp.Metadata
	s.populated = true
	s.mu.Unlock()
	return nil
}

// ForTenant returns the settings of one usecase type.
func (s *Store) ForTenant(id string) (domain.TenantSettings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenant, ok := s.byID[id]
	return tenant, ok
}

// Tenants returns all usecase types in backend order.
func (s *Store) Tenants() []domain.TenantSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.TenantSettings, len(s.tenants))
	copy(out, s.tenants)
	return out
}

// Metadata returns the model and temperature options.
func (s *Store) Metadata() domain.Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadata
}

// Approach returns the configured chat approach of one tenant, or "" when
// the tenant or the setting is unknown.
func (s *Store) Approach(tenantID string) string {
	tenant, ok := s.ForTenant(tenantID)
	if !ok {
		return ""
	}
	def, ok := tenant.Chat["approach"]
	if !ok {
		return ""
	}
	approach, _ := def.Default.(string)
	return approach
}

// OverrideDefaults returns the configured override defaults of one tenant.
// These are the values sent with every chat request.
func (s *Store) OverrideDefaults(tenantID string) map[string]any {
	tenant, ok := s.ForTenant(tenantID)
	if !ok {
		return map[string]any{}
	}
	out := make(map[string]any, len(tenant.Overrides))
	for key, def := range tenant.Overrides {
		out[key] = def.Default
	}
	return out
}
