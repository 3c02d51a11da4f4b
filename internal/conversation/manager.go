package conversation

import (
	"fmt"
	"sync"

	"usecasehub/internal/settings"
	"usecasehub/internal/store"
	"usecasehub/pkg/domain"
)

// Manager hands out the per-user, per-category conversation views.
type Manager struct {
	backend  Backend
	settings *settings.Store
	history  store.HistoryCache

	mu    sync.Mutex
	views map[string]*View
}

// NewManager creates an empty view registry.
func NewManager(backend Backend, st *settings.Store, history store.HistoryCache) *Manager {
	return &Manager{
		backend:  backend,
		settings: st,
		history:  history,
		views:    make(map[string]*View),
	}
}

// View returns the conversation view for a user and category, creating it on
// first use.
func (m *Manager) View(p domain.Principal, scope Scope) *View {
	key := fmt.Sprintf("%s|%s|%s|%s", p.Subject, scope.TenantID, scope.IndexID, scope.CategoryID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.views[key]; ok {
		return v
	}
	v := newView(m.backend, m.settings, m.history, scope)
	m.views[key] = v
	return v
}

// DropUser removes all views of one user, typically on sign-out.
func (m *Manager) DropUser(subject string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.views {
		if len(key) > len(subject) && key[:len(subject)] == subject && key[len(subject)] == '|' {
			delete(m.views, key)
		}
	}
}
