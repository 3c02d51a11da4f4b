package store

import "usecasehub/pkg/domain"

// HistoryCache caches each user's conversation list per category so the
// sidebar renders without a backend round trip.
type HistoryCache interface {
	GetConversations(userID, categoryID string) ([]domain.HistoryEntry, bool, error)
	PutConversations(userID, categoryID string, entries []domain.HistoryEntry) error
	UpsertConversation(userID, categoryID string, entry domain.HistoryEntry) error
	RemoveConversation(userID, categoryID, conversationID string) error
}

// DraftStore persists in-progress hierarchy edits as opaque JSON documents
// so a browser reload does not lose a half-finished form.
type DraftStore interface {
	SaveDraft(userID, draftID string, payload []byte) error
	GetDraft(userID, draftID string) ([]byte, bool, error)
	DeleteDraft(userID, draftID string) error
}
