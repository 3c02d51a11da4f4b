package store

import (
	"bytes"
	"sync"

	"usecasehub/pkg/domain"
)

// MemoryStore keeps history lists and drafts in-process. Default for
// single-replica deployments and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string][]domain.HistoryEntry // key: userID|categoryID
	drafts        map[string][]byte                // key: userID|draftID
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string][]domain.HistoryEntry),
		drafts:        make(map[string][]byte),
	}
}

func compositeKey(a, b string) string {
	return a + "|" + b
}

// GetConversations returns the cached list for a user and category.
func (m *MemoryStore) GetConversations(userID, categoryID string) ([]domain.HistoryEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries, ok := m.conversations[compositeKey(userID, categoryID)]
	if !ok {
		return nil, false, nil
	}
	out := make([]domain.HistoryEntry, len(entries))
	copy(out, entries)
	return out, true, nil
}

// PutConversations replaces the cached list.
func (m *MemoryStore) PutConversations(userID, categoryID string, entries []domain.HistoryEntry) error {
	stored := make([]domain.HistoryEntry, len(entries))
	copy(stored, entries)
	m.mu.Lock()
	m.conversations[compositeKey(userID, categoryID)] = stored
	m.mu.Unlock()
	return nil
}

// UpsertConversation inserts or replaces one entry in the cached list.
func (m *MemoryStore) UpsertConversation(userID, categoryID string, entry domain.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := compositeKey(userID, categoryID)
	entries := m.conversations[key]
	for i, existing := range entries {
		if existing.ConversationID == entry.ConversationID {
			entries[i] = entry
			m.conversations[key] = entries
			return nil
		}
	}
	m.conversations[key] = append(entries, entry)
	return nil
}

// RemoveConversation drops one entry from the cached list.
func (m *MemoryStore) RemoveConversation(userID, categoryID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := compositeKey(userID, categoryID)
	entries := m.conversations[key]
	filtered := entries[:0]
	for _, e := range entries {
		if e.ConversationID != conversationID {
			filtered = append(filtered, e)
		}
	}
	m.conversations[key] = filtered
	return nil
}

// SaveDraft stores a draft document.
func (m *MemoryStore) SaveDraft(userID, draftID string, payload []byte) error {
	m.mu.Lock()
	m.drafts[compositeKey(userID, draftID)] = bytes.Clone(payload)
	m.mu.Unlock()
	return nil
}

// GetDraft returns a draft document.
func (m *MemoryStore) GetDraft(userID, draftID string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	payload, ok := m.drafts[compositeKey(userID, draftID)]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(payload), true, nil
}

// DeleteDraft removes a draft document.
func (m *MemoryStore) DeleteDraft(userID, draftID string) error {
	m.mu.Lock()
	delete(m.drafts, compositeKey(userID, draftID))
	m.mu.Unlock()
	return nil
}
