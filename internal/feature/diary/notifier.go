package diary

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"mindforms_diary_bot/internal/domain"
	"mindforms_diary_bot/internal/logging"
	"mindforms_diary_bot/internal/telegram"
	"mindforms_diary_bot/internal/timezone"
)

type htmlSender interface {
	SendHTML(ctx context.Context, chatID int64, text string, keyboard telegram.Keyboard) error
}

type userLookup interface {
	GetByTelegramID(ctx context.Context, userID int64) (domain.User, error)
}

// Notifier delivers processing results and daily reminders to users.
type Notifier struct {
	msg      htmlSender
	users    userLookup
	resolver *timezone.Resolver
	logger   *logrus.Entry
}

// NewNotifier builds a Notifier. users is used to render times in the
// author's timezone.
func NewNotifier(msg htmlSender, users userLookup, resolver *timezone.Resolver, logger *logrus.Entry) (*Notifier, error) {
	if msg == nil {
		return nil, errors.New("messenger is required")
	}
	if users == nil {
		return nil, errors.New("user lookup is required")
	}
	if resolver == nil {
		resolver = timezone.NewResolver("")
	}
	if logger == nil {
		logger = logging.Component("notifier")
	}

	return &Notifier{msg: msg, users: users, resolver: resolver, logger: logger}, nil
}

// EntryProcessed sends the entry summary to its author.
func (n *Notifier) EntryProcessed(ctx context.Context, entry domain.Entry) error {
	loc := n.resolver.Default()
	u, err := n.users.GetByTelegramID(ctx, entry.TelegramUserID)
	if err != nil {
		n.logger.WithFields(logging.Fields{
			"event":   "summary_user_lookup_failed",
			"user_id": entry.TelegramUserID,
			"error":   err,
		}).Debug("rendering summary in default timezone")
	} else {
		loc = n.resolver.Location(u.Timezone)
	}

	if err := n.msg.SendHTML(ctx, chatFor(entry), FormatSummary(entry, loc), nil); err != nil {
		return fmt.Errorf("send summary: %w", err)
	}
	return nil
}

// EntryFailed tells the author that analysis gave up. Failure details stay in
// the logs.
func (n *Notifier) EntryFailed(ctx context.Context, entry domain.Entry) error {
	text := fmt.Sprintf(msgProcessingFailedFmt, escape(entry.EntryType.Label()))
	if err := n.msg.SendHTML(ctx, chatFor(entry), text, nil); err != nil {
		return fmt.Errorf("send failure notice: %w", err)
	}
	return nil
}

// SendReminder sends the daily reminder listing the missing entry types.
func (n *Notifier) SendReminder(ctx context.Context, userID int64, localDate string, missing domain.EntryTypes) error {
	if len(missing) == 0 {
		return errors.New("no missing entry types")
	}

	text, keyboard := FormatReminder(missing)
	if err := n.msg.SendHTML(ctx, userID, text, keyboard); err != nil {
		return fmt.Errorf("send reminder for %s: %w", localDate, err)
	}
	return nil
}

func chatFor(entry domain.Entry) int64 {
	if entry.ChatID != 0 {
		return entry.ChatID
	}
	return entry.TelegramUserID
}
