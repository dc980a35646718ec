// Package pending keeps short-lived per-user conversation state in Redis: the
// entry type chosen for the next message and a message awaiting type
// confirmation.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"mindforms_diary_bot/internal/domain"
)

const (
	// TypeTTL bounds how long a chosen entry type waits for content.
	TypeTTL = time.Hour
	// MessageTTL bounds how long an unclassified message waits for a type.
	MessageTTL = 10 * time.Minute

	typeKeyPrefix    = "pending_type:"
	messageKeyPrefix = "pending_message:"
)

// Message is a stashed text or photo waiting for the user to pick its type.
type Message struct {
	Source     domain.SourceType `json:"source"`
	ChatID     int64             `json:"chat_id"`
	MessageID  int               `json:"message_id"`
	Text       string            `json:"text,omitempty"`
	FileID     string            `json:"file_id,omitempty"`
	Suggested  domain.EntryType  `json:"suggested,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// NewClient builds a Redis client from a redis:// URL.
func NewClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Store reads and writes pending state.
type Store struct {
	rdb redis.Cmdable
}

// NewStore wraps a Redis client.
func NewStore(rdb redis.Cmdable) *Store {
	return &Store{rdb: rdb}
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// SetType remembers t as the type of the user's next entry.
func (s *Store) SetType(ctx context.Context, userID int64, t domain.EntryType) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if !t.Valid() {
		return fmt.Errorf("invalid entry type %q", t)
	}

	if err := s.rdb.Set(ctx, typeKey(userID), string(t), TypeTTL).Err(); err != nil {
		return fmt.Errorf("set pending type: %w", err)
	}
	return nil
}

// TakeType returns and clears the user's pending type.
func (s *Store) TakeType(ctx context.Context, userID int64) (domain.EntryType, bool, error) {
	if err := s.check(ctx); err != nil {
		return "", false, err
	}

	raw, err := s.rdb.GetDel(ctx, typeKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("take pending type: %w", err)
	}

	t := domain.EntryType(raw)
	if !t.Valid() {
		return "", false, nil
	}
	return t, true, nil
}

// StashMessage holds msg until the user picks a type, replacing any earlier
// stashed message.
func (s *Store) StashMessage(ctx context.Context, userID int64, msg Message) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode pending message: %w", err)
	}
	if err := s.rdb.Set(ctx, messageKey(userID), payload, MessageTTL).Err(); err != nil {
		return fmt.Errorf("stash pending message: %w", err)
	}
	return nil
}

// TakeMessage returns and clears the user's stashed message.
func (s *Store) TakeMessage(ctx context.Context, userID int64) (Message, bool, error) {
	if err := s.check(ctx); err != nil {
		return Message{}, false, err
	}

	raw, err := s.rdb.GetDel(ctx, messageKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("take pending message: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, false, fmt.Errorf("decode pending message: %w", err)
	}
	return msg, true, nil
}

func (s *Store) check(ctx context.Context) error {
	if s == nil || s.rdb == nil {
		return errors.New("pending store is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

func typeKey(userID int64) string {
	return typeKeyPrefix + strconv.FormatInt(userID, 10)
}

func messageKey(userID int64) string {
	return messageKeyPrefix + strconv.FormatInt(userID, 10)
}
