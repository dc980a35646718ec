package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

const defaultBatchSize = 200

// UserRepository persists and retrieves users.
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository constructs a UserRepository.
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetByTelegramID fetches a user by Telegram user id.
func (r *UserRepository) GetByTelegramID(ctx context.Context, userID int64) (User, error) {
	if r == nil || r.db == nil {
		return User{}, errors.New("user repository is not initialized")
	}
	if ctx == nil {
		return User{}, errors.New("context is required")
	}
	if userID == 0 {
		return User{}, errors.New("user_id is required")
	}

	var user User
	err := r.db.WithContext(ctx).Where("telegram_user_id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("find user: %w", err)
	}

	return user, nil
}

// Ensure creates the user with the supplied defaults on first interaction and
// refreshes last_seen_at otherwise. The boolean reports whether a row was
// created.
func (r *UserRepository) Ensure(ctx context.Context, userID int64, defaults UserDefaults) (User, bool, error) {
	if r == nil || r.db == nil {
		return User{}, false, errors.New("user repository is not initialized")
	}
	if ctx == nil {
		return User{}, false, errors.New("context is required")
	}
	if userID == 0 {
		return User{}, false, errors.New("user_id is required")
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	user := User{
		TelegramUserID: userID,
		Role:           RoleUser,
		Timezone:       defaults.Timezone,
		ReminderTime:   defaults.ReminderTime,
		RequiredTypes:  defaults.RequiredTypes,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastSeenAt:     now,
	}

	db := r.db.WithContext(ctx)
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "telegram_user_id"}},
		DoNothing: true,
	}).Create(&user)
	if result.Error != nil {
		return User{}, false, fmt.Errorf("create user: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return user, true, nil
	}

	if err := db.Model(&User{}).
		Where("telegram_user_id = ?", userID).
		Updates(map[string]any{"last_seen_at": now, "updated_at": now}).Error; err != nil {
		return User{}, false, fmt.Errorf("touch user: %w", err)
	}

	existing, err := r.GetByTelegramID(ctx, userID)
	if err != nil {
		return User{}, false, err
	}

	return existing, false, nil
}

// UpdateTimezone stores a new IANA timezone for the user.
func (r *UserRepository) UpdateTimezone(ctx context.Context, userID int64, timezone string) error {
	return r.update(ctx, userID, "timezone", strings.TrimSpace(timezone))
}

// UpdateReminderTime stores a new local HH:MM reminder time for the user.
func (r *UserRepository) UpdateReminderTime(ctx context.Context, userID int64, hhmm string) error {
	return r.update(ctx, userID, "reminder_time", strings.TrimSpace(hhmm))
}

// UpdateRequiredTypes replaces the user's required entry types.
func (r *UserRepository) UpdateRequiredTypes(ctx context.Context, userID int64, types EntryTypes) error {
	if len(types) == 0 {
		return errors.New("at least one required type is needed")
	}
	return r.update(ctx, userID, "required_types", types)
}

func (r *UserRepository) update(ctx context.Context, userID int64, column string, value any) error {
	if r == nil || r.db == nil {
		return errors.New("user repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	result := r.db.WithContext(ctx).Model(&User{}).
		Where("telegram_user_id = ?", userID).
		Updates(map[string]any{column: value, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("update user %s: %w", column, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// ListAll iterates every user in primary key order, handing batches to fn.
// Iteration stops at the first error returned by fn.
func (r *UserRepository) ListAll(ctx context.Context, fn func([]User) error) error {
	if r == nil || r.db == nil {
		return errors.New("user repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if fn == nil {
		return errors.New("batch callback is required")
	}

	var batch []User
	result := r.db.WithContext(ctx).FindInBatches(&batch, defaultBatchSize, func(_ *gorm.DB, _ int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(batch)
	})
	if result.Error != nil {
		return fmt.Errorf("list users: %w", result.Error)
	}

	return nil
}

// AssignOwner promotes ownerID to owner, creating the user with defaults when
// missing, and demotes any other owner to admin. It returns the number of
// demoted users.
func (r *UserRepository) AssignOwner(ctx context.Context, ownerID int64, defaults UserDefaults) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("user repository is not initialized")
	}
	if ctx == nil {
		return 0, errors.New("context is required")
	}
	if ownerID == 0 {
		return 0, errors.New("owner id is required")
	}

	var demoted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC().Truncate(time.Millisecond)

		result := tx.Model(&User{}).
			Where("role = ? AND telegram_user_id <> ?", RoleOwner, ownerID).
			Updates(map[string]any{"role": RoleAdmin, "updated_at": now})
		if result.Error != nil {
			return fmt.Errorf("demote previous owners: %w", result.Error)
		}
		demoted = result.RowsAffected

		owner := User{
			TelegramUserID: ownerID,
			Role:           RoleOwner,
			Timezone:       defaults.Timezone,
			ReminderTime:   defaults.ReminderTime,
			RequiredTypes:  defaults.RequiredTypes,
			CreatedAt:      now,
			UpdatedAt:      now,
			LastSeenAt:     now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "telegram_user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role", "updated_at"}),
		}).Create(&owner).Error; err != nil {
			return fmt.Errorf("ensure owner: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return demoted, nil
}

// EntryRepository persists diary entries.
type EntryRepository struct {
	db *gorm.DB
}

// NewEntryRepository constructs an EntryRepository.
func NewEntryRepository(db *gorm.DB) *EntryRepository {
	return &EntryRepository{db: db}
}

// Create inserts an entry. CreatedAt defaults to now (UTC) and Status to
// pending.
func (r *EntryRepository) Create(ctx context.Context, entry *Entry) error {
	if r == nil || r.db == nil {
		return errors.New("entry repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if entry == nil {
		return errors.New("entry is required")
	}
	if entry.TelegramUserID == 0 {
		return errors.New("user_id is required")
	}
	if !entry.EntryType.Valid() {
		return fmt.Errorf("invalid entry type %q", entry.EntryType)
	}
	if entry.LocalDate == "" {
		return errors.New("local_date is required")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Status == "" {
		entry.Status = StatusPending
	}

	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}

	return nil
}

// GetByID fetches an entry by id.
func (r *EntryRepository) GetByID(ctx context.Context, id string) (Entry, error) {
	if r == nil || r.db == nil {
		return Entry{}, errors.New("entry repository is not initialized")
	}
	if ctx == nil {
		return Entry{}, errors.New("context is required")
	}

	var entry Entry
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("find entry: %w", err)
	}

	return entry, nil
}

// ListForDay returns the user's entries for a local date, oldest first.
func (r *EntryRepository) ListForDay(ctx context.Context, userID int64, localDate string) ([]Entry, error) {
	return r.ListRange(ctx, userID, localDate, localDate)
}

// ListRange returns the user's entries with fromDate <= local_date <= toDate,
// ordered by local date then creation time.
func (r *EntryRepository) ListRange(ctx context.Context, userID int64, fromDate, toDate string) ([]Entry, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("entry repository is not initialized")
	}
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	var entries []Entry
	err := r.db.WithContext(ctx).
		Where("telegram_user_id = ? AND local_date >= ? AND local_date <= ?", userID, fromDate, toDate).
		Order("local_date, created_at, id").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	return entries, nil
}

// ListPending returns up to limit pending entries, oldest first. Used to
// resume processing after a restart.
func (r *EntryRepository) ListPending(ctx context.Context, limit int) ([]Entry, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("entry repository is not initialized")
	}
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if limit <= 0 {
		limit = defaultBatchSize
	}

	var entries []Entry
	err := r.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("created_at, id").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list pending entries: %w", err)
	}

	return entries, nil
}

// ClaimPending records a processing attempt on a pending entry and returns the
// fresh row. The boolean is false when the entry is no longer pending.
func (r *EntryRepository) ClaimPending(ctx context.Context, id string) (Entry, bool, error) {
	if r == nil || r.db == nil {
		return Entry{}, false, errors.New("entry repository is not initialized")
	}
	if ctx == nil {
		return Entry{}, false, errors.New("context is required")
	}

	result := r.db.WithContext(ctx).Model(&Entry{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return Entry{}, false, fmt.Errorf("claim entry: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return Entry{}, false, nil
	}

	entry, err := r.GetByID(ctx, id)
	if err != nil {
		return Entry{}, false, err
	}

	return entry, true, nil
}

// MarkDone stores processing output. A non-empty newType reclassifies the
// entry.
func (r *EntryRepository) MarkDone(ctx context.Context, id, text, analysis string, newType EntryType) error {
	updates := map[string]any{
		"status":       StatusDone,
		"text_content": text,
		"analysis":     analysis,
		"error":        "",
	}
	if newType != "" {
		if !newType.Valid() {
			return fmt.Errorf("invalid entry type %q", newType)
		}
		updates["entry_type"] = newType
	}

	return r.setStatus(ctx, id, updates)
}

// MarkFailed records a terminal processing failure. reason is internal only.
func (r *EntryRepository) MarkFailed(ctx context.Context, id, reason string) error {
	return r.setStatus(ctx, id, map[string]any{
		"status": StatusFailed,
		"error":  reason,
	})
}

func (r *EntryRepository) setStatus(ctx context.Context, id string, updates map[string]any) error {
	if r == nil || r.db == nil {
		return errors.New("entry repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	updates["updated_at"] = time.Now().UTC()

	result := r.db.WithContext(ctx).Model(&Entry{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("update entry status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// ReminderLogRepository persists sent-reminder markers.
type ReminderLogRepository struct {
	db *gorm.DB
}

// NewReminderLogRepository constructs a ReminderLogRepository.
func NewReminderLogRepository(db *gorm.DB) *ReminderLogRepository {
	return &ReminderLogRepository{db: db}
}

// Claim inserts the marker for (userID, localDate). It returns false without
// error when a marker already exists.
func (r *ReminderLogRepository) Claim(ctx context.Context, userID int64, localDate string, missing EntryTypes, sentAt time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("reminder log repository is not initialized")
	}
	if ctx == nil {
		return false, errors.New("context is required")
	}

	row := ReminderLog{
		TelegramUserID: userID,
		LocalDate:      localDate,
		MissingTypes:   missing,
		SentAt:         sentAt.UTC(),
	}

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	if result.Error != nil {
		return false, fmt.Errorf("claim reminder: %w", result.Error)
	}

	return result.RowsAffected == 1, nil
}

// Release removes the marker so a later sweep inside the window may retry.
func (r *ReminderLogRepository) Release(ctx context.Context, userID int64, localDate string) error {
	if r == nil || r.db == nil {
		return errors.New("reminder log repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	err := r.db.WithContext(ctx).
		Where("telegram_user_id = ? AND local_date = ?", userID, localDate).
		Delete(&ReminderLog{}).Error
	if err != nil {
		return fmt.Errorf("release reminder: %w", err)
	}

	return nil
}

// Exists reports whether a reminder was recorded for (userID, localDate).
func (r *ReminderLogRepository) Exists(ctx context.Context, userID int64, localDate string) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("reminder log repository is not initialized")
	}
	if ctx == nil {
		return false, errors.New("context is required")
	}

	var count int64
	err := r.db.WithContext(ctx).Model(&ReminderLog{}).
		Where("telegram_user_id = ? AND local_date = ?", userID, localDate).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check reminder: %w", err)
	}

	return count > 0, nil
}
