package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"usecasehub/pkg/domain"
)

// RedisStore keeps history lists and drafts in Redis with TTL so replicas
// share state and abandoned entries expire on their own.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore builds a Redis-backed store.
func NewRedisStore(addr, password string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		ttl: ttl,
	}
}

func conversationsKey(userID, categoryID string) string {
	return fmt.Sprintf("usecasehub:conversations:%s:%s", userID, categoryID)
}

func draftKey(userID, draftID string) string {
	return fmt.Sprintf("usecasehub:drafts:%s:%s", userID, draftID)
}

func (s *RedisStore) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 3*time.Second)
}

// GetConversations returns the cached list for a user and category.
func (s *RedisStore) GetConversations(userID, categoryID string) ([]domain.HistoryEntry, bool, error) {
	ctx, cancel := s.opContext()
	defer cancel()
	raw, err := s.client.Get(ctx, conversationsKey(userID, categoryID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var entries []domain.HistoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false, fmt.Errorf("decode cached conversations: %w", err)
	}
	return entries, true, nil
}

// PutConversations replaces the cached list.
func (s *RedisStore) PutConversations(userID, categoryID string, entries []domain.HistoryEntry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode conversations: %w", err)
	}
	ctx, cancel := s.opContext()
	defer cancel()
	return s.client.Set(ctx, conversationsKey(userID, categoryID), raw, s.ttl).Err()
}

// UpsertConversation inserts or replaces one entry in the cached list.
func (s *RedisStore) UpsertConversation(userID, categoryID string, entry domain.HistoryEntry) error {
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
func (s *RedisStore) RemoveConversation(userID, categoryID, conversationID string) error {
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
func (s *RedisStore) SaveDraft(userID, draftID string, payload []byte) error {
	ctx, cancel := s.opContext()
	defer cancel()
	return s.client.Set(ctx, draftKey(userID, draftID), payload, s.ttl).Err()
}

// GetDraft returns a draft document.
func (s *RedisStore) GetDraft(userID, draftID string) ([]byte, bool, error) {
	ctx, cancel := s.opContext()
	defer cancel()
	raw, err := s.client.Get(ctx, draftKey(userID, draftID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// DeleteDraft removes a draft document.
func (s *RedisStore) DeleteDraft(userID, draftID string) error {
	ctx, cancel := s.opContext()
	defer cancel()
	if err := s.client.Del(ctx, draftKey(userID, draftID)).Err(); err != nil && err != redis.Nil {
		return err
	}
	return nil
}
