package store

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"usecasehub/pkg/domain"
)

// GORM models used for persistence.
type ConversationListModel struct {
	UserID     string         `gorm:"primaryKey"`
	CategoryID string         `gorm:"primaryKey"`
	Payload    datatypes.JSON `gorm:"not null"`
	UpdatedAt  time.Time      `gorm:"not null"`
}

type DraftModel struct {
	UserID    string         `gorm:"primaryKey"`
	DraftID   string         `gorm:"primaryKey"`
	Payload   datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}

// GormStore implements HistoryCache and DraftStore on Postgres. Used when
// cached state must survive restarts without Redis.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&ConversationListModel{}, &DraftModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// GetConversations returns the cached list for a user and category.
func (s *GormStore) GetConversations(userID, categoryID string) ([]domain.HistoryEntry, bool, error) {
	var model ConversationListModel
	if err := s.db.First(&model, "user_id = ? AND category_id = ?", userID, categoryID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	var entries []domain.HistoryEntry
	if err := json.Unmarshal(model.Payload, &entries); err != nil {
		return nil, false, fmt.Errorf("decode cached conversations: %w", err)
	}
	return entries, true, nil
}

// PutConversations replaces the cached list.
func (s *GormStore) PutConversations(userID, categoryID string, entries []domain.HistoryEntry) error {
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode conversations: %w", err)
	}
	model := ConversationListModel{
		UserID:     userID,
		CategoryID: categoryID,
		Payload:    payload,
		UpdatedAt:  time.Now().UTC(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "category_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(&model).Error
}

// UpsertConversation inserts or replaces one entry in the cached list.
func (s *GormStore) UpsertConversation(userID, categoryID string, entry domain.HistoryEntry) error {
	entries, _, err := s.GetConversations(userID, categoryID)
	if err != nil {
		return err
	}
	replaced := false
	for i, existing := range entries {
		if existing.ConversationID == entry.ConversationID {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	return s.PutConversations(userID, categoryID, entries)
}

// RemoveConversation drops one entry from the cached list.
func (s *GormStore) RemoveConversation(userID, categoryID, conversationID string) error {
	entries, ok, err := s.GetConversations(userID, categoryID)
	if err != nil || !ok {
		return err
	}
	filtered := entries[:0]
	for _, e := range entries {
		if e.ConversationID != conversationID {
			filtered = append(filtered, e)
		}
	}
	return s.PutConversations(userID, categoryID, filtered)
}

// SaveDraft stores a draft document.
func (s *GormStore) SaveDraft(userID, draftID string, payload []byte) error {
	model := DraftModel{
		UserID:    userID,
		DraftID:   draftID,
		Payload:   payload,
		UpdatedAt: time.Now().UTC(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "draft_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(&model).Error
}

// GetDraft returns a draft document.
func (s *GormStore) GetDraft(userID, draftID string) ([]byte, bool, error) {
	var model DraftModel
	if err := s.db.First(&model, "user_id = ? AND draft_id = ?", userID, draftID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return model.Payload, true, nil
}

// DeleteDraft removes a draft document.
func (s *GormStore) DeleteDraft(userID, draftID string) error {
	return s.db.Delete(&DraftModel{}, "user_id = ? AND draft_id = ?", userID, draftID).Error
}
