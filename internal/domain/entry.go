package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Entry is a single diary record. The analysis column holds derived data (OCR
// text, face analysis, classifier output) as JSON.
type Entry struct {
	ID             string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	TelegramUserID int64      `gorm:"not null;index:idx_entries_user_day,priority:1" json:"telegram_user_id"`
	LocalDate      string     `gorm:"size:10;not null;index:idx_entries_user_day,priority:2" json:"local_date"`
	ChatID         int64      `json:"chat_id"`
	MessageID      int        `json:"message_id"`
	EntryType      EntryType  `gorm:"size:16;not null" json:"entry_type"`
	SourceType     SourceType `gorm:"size:8;not null" json:"source_type"`
	AutoTyped      bool       `json:"auto_typed"`
	MediaKey       string     `gorm:"size:255" json:"media_key,omitempty"`
	MediaMime      string     `gorm:"size:64" json:"media_mime,omitempty"`
	TextContent    string     `gorm:"type:text" json:"text_content,omitempty"`
	Status         Status     `gorm:"size:8;not null;index" json:"status"`
	Attempts       int        `gorm:"not null;default:0" json:"attempts"`
	Error          string     `gorm:"type:text" json:"-"`
	Analysis       string     `gorm:"type:text" json:"analysis,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// BeforeCreate assigns a uuid primary key.
func (e *Entry) BeforeCreate(*gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

// HasMedia reports whether the entry references a stored blob.
func (e Entry) HasMedia() bool {
	return e.MediaKey != ""
}

// Meta decodes the analysis column.
func (e Entry) Meta() (map[string]any, error) {
	meta := map[string]any{}
	if e.Analysis == "" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(e.Analysis), &meta); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	return meta, nil
}

// EncodeMeta renders derived data for the analysis column.
func EncodeMeta(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode analysis: %w", err)
	}
	return string(raw), nil
}

// ReminderLog records that the daily reminder was sent for a user and local
// date. The unique index makes the row the at-most-once guard for the sweep.
type ReminderLog struct {
	ID             string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	TelegramUserID int64      `gorm:"not null;uniqueIndex:ux_reminder_user_day,priority:1" json:"telegram_user_id"`
	LocalDate      string     `gorm:"size:10;not null;uniqueIndex:ux_reminder_user_day,priority:2" json:"local_date"`
	MissingTypes   EntryTypes `gorm:"type:text" json:"missing_types"`
	SentAt         time.Time  `json:"sent_at"`
}

// BeforeCreate assigns a uuid primary key.
func (r *ReminderLog) BeforeCreate(*gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// Models lists the persisted models in migration order.
func Models() []any {
	return []any{&User{}, &Entry{}, &ReminderLog{}}
}
