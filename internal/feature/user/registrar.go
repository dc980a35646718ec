// Package user provides helpers for user registration and lifecycle updates.
package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"mindforms_diary_bot/internal/domain"
	"mindforms_diary_bot/internal/logging"
)

type userStore interface {
	Ensure(ctx context.Context, userID int64, defaults domain.UserDefaults) (domain.User, bool, error)
}

// Registrar ensures users are present in the database and keeps their
// last-seen timestamp updated on every interaction.
type Registrar struct {
	users    userStore
	defaults domain.UserDefaults
	logger   *logrus.Entry
}

// NewRegistrar constructs a Registrar. New users receive defaults.
func NewRegistrar(users userStore, defaults domain.UserDefaults, logger *logrus.Entry) *Registrar {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Registrar{
		users:    users,
		defaults: defaults,
		logger:   logger,
	}
}

// EnsureUser creates the user with the configured defaults if missing and
// updates last_seen_at on every call. The bool reports whether the user was
// created.
func (r *Registrar) EnsureUser(ctx context.Context, userID int64) (domain.User, bool, error) {
	if r == nil || r.users == nil {
		return domain.User{}, false, errors.New("user registrar is not initialized")
	}
	if ctx == nil {
		return domain.User{}, false, errors.New("context is required")
	}
	if userID == 0 {
		return domain.User{}, false, errors.New("user id is required")
	}

	u, created, err := r.users.Ensure(ctx, userID, r.defaults)
	if err != nil {
		return domain.User{}, false, fmt.Errorf("ensure user: %w", err)
	}

	if created {
		r.logger.WithFields(logging.Fields{
			"event":    "user_registered",
			"user_id":  userID,
			"timezone": u.Timezone,
		}).Info("registered new user")
		return u, true, nil
	}

	r.logger.WithFields(logging.Fields{
		"event":   "user_seen",
		"user_id": userID,
	}).Debug("updated user last seen")

	return u, false, nil
}
