package domain

import (
	"errors"
	"time"
)

// User represents a Telegram user keeping a diary with the bot.
type User struct {
	ID             uint       `gorm:"primaryKey" json:"-"`
	TelegramUserID int64      `gorm:"uniqueIndex;not null" json:"telegram_user_id"`
	Role           string     `gorm:"size:16;not null" json:"role"`
	Timezone       string     `gorm:"size:64;not null" json:"timezone"`
	ReminderTime   string     `gorm:"size:5;not null" json:"reminder_time"`
	RequiredTypes  EntryTypes `gorm:"type:text;not null" json:"required_types"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
}

// UserDefaults are applied to users created on first interaction.
type UserDefaults struct {
	Timezone      string
	ReminderTime  string
	RequiredTypes EntryTypes
}

// NewUserDefaults builds UserDefaults from configuration values.
func NewUserDefaults(timezone, reminderTime string, requiredTypes []string) (UserDefaults, error) {
	types, err := ParseEntryTypes(requiredTypes)
	if err != nil {
		return UserDefaults{}, err
	}
	if len(types) == 0 {
		return UserDefaults{}, errors.New("at least one required entry type is needed")
	}

	return UserDefaults{
		Timezone:      timezone,
		ReminderTime:  reminderTime,
		RequiredTypes: types,
	}, nil
}
