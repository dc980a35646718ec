package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"mindforms_diary_bot/internal/domain"
)

// StatsProvider exposes row counts for the owner /stats command without
// leaking GORM to callers.
type StatsProvider struct {
	db *gorm.DB
}

// NewStatsProvider constructs a StatsProvider.
func NewStatsProvider(db *gorm.DB) *StatsProvider {
	return &StatsProvider{db: db}
}

// CountUsers returns the number of registered users.
func (p *StatsProvider) CountUsers(ctx context.Context) (int64, error) {
	return p.count(ctx, &domain.User{}, "users", nil)
}

// CountEntries returns the number of stored entries.
func (p *StatsProvider) CountEntries(ctx context.Context) (int64, error) {
	return p.count(ctx, &domain.Entry{}, "entries", nil)
}

// CountEntriesByStatus returns the number of entries in the given status.
func (p *StatsProvider) CountEntriesByStatus(ctx context.Context, status domain.Status) (int64, error) {
	return p.count(ctx, &domain.Entry{}, "entries", func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status = ?", status)
	})
}

// CountRemindersSent returns the number of reminder log rows.
func (p *StatsProvider) CountRemindersSent(ctx context.Context) (int64, error) {
	return p.count(ctx, &domain.ReminderLog{}, "reminders", nil)
}

func (p *StatsProvider) count(ctx context.Context, model any, name string, scope func(*gorm.DB) *gorm.DB) (int64, error) {
	if ctx == nil {
		return 0, errors.New("context is required")
	}
	if p == nil || p.db == nil {
		return 0, errors.New("stats provider is not initialized")
	}

	tx := p.db.WithContext(ctx).Model(model)
	if scope != nil {
		tx = scope(tx)
	}

	var n int64
	if err := tx.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count %s: %w", name, err)
	}

	return n, nil
}
