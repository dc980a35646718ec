// Package owner provides startup helpers for ensuring the configured bot owner
// exists in the database with the correct role.
package owner

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"mindforms_diary_bot/internal/domain"
	"mindforms_diary_bot/internal/logging"
)

type ownerStore interface {
	AssignOwner(ctx context.Context, ownerID int64, defaults domain.UserDefaults) (int64, error)
}

// Registrar bootstraps the configured bot owner record.
type Registrar struct {
	users    ownerStore
	defaults domain.UserDefaults
	logger   *logrus.Entry
}

// NewRegistrar constructs a Registrar. defaults apply when the owner has no
// user record yet.
func NewRegistrar(users ownerStore, defaults domain.UserDefaults, logger *logrus.Entry) *Registrar {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Registrar{
		users:    users,
		defaults: defaults,
		logger:   logger,
	}
}

// EnsureOwner upserts ownerID with role=owner and demotes any previous owners
// to admin.
func (r *Registrar) EnsureOwner(ctx context.Context, ownerID int64) error {
	if r == nil || r.users == nil {
		return errors.New("owner registrar is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if ownerID == 0 {
		return errors.New("owner id is required")
	}

	demoted, err := r.users.AssignOwner(ctx, ownerID, r.defaults)
	if err != nil {
		return fmt.Errorf("ensure owner: %w", err)
	}

	r.logger.WithFields(logging.Fields{
		"event":          "owner_bootstrap",
		"owner_id":       ownerID,
		"demoted_owners": demoted,
	}).Info("ensured bot owner")

	return nil
}
