// Package diary implements the diary conversation: commands, content
// intake, type confirmation callbacks and user notifications.
package diary

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"mindforms_diary_bot/internal/ai"
	"mindforms_diary_bot/internal/domain"
	"mindforms_diary_bot/internal/logging"
	"mindforms_diary_bot/internal/pending"
	"mindforms_diary_bot/internal/reminder"
	"mindforms_diary_bot/internal/telegram"
	"mindforms_diary_bot/internal/timezone"
)

type messenger interface {
	SendHTML(ctx context.Context, chatID int64, text string, keyboard telegram.Keyboard) error
	EditHTML(ctx context.Context, chatID int64, messageID int, text string, keyboard telegram.Keyboard) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
	Download(ctx context.Context, fileID string) (telegram.File, error)
}

type userRegistrar interface {
	EnsureUser(ctx context.Context, userID int64) (domain.User, bool, error)
}

type userSettings interface {
	UpdateTimezone(ctx context.Context, userID int64, timezone string) error
	UpdateReminderTime(ctx context.Context, userID int64, hhmm string) error
	UpdateRequiredTypes(ctx context.Context, userID int64, types domain.EntryTypes) error
}

type entryStore interface {
	Create(ctx context.Context, entry *domain.Entry) error
	ListForDay(ctx context.Context, userID int64, localDate string) ([]domain.Entry, error)
	ListRange(ctx context.Context, userID int64, fromDate, toDate string) ([]domain.Entry, error)
}

type mediaStore interface {
	Put(ctx context.Context, key, contentType string, userID int64, r io.Reader) error
}

type pendingStore interface {
	SetType(ctx context.Context, userID int64, t domain.EntryType) error
	TakeType(ctx context.Context, userID int64) (domain.EntryType, bool, error)
	StashMessage(ctx context.Context, userID int64, msg pending.Message) error
	TakeMessage(ctx context.Context, userID int64) (pending.Message, bool, error)
}

type classifier interface {
	ClassifyText(ctx context.Context, text string) ai.Classification
	ClassifyImage(ctx context.Context, image []byte, mime string) ai.Classification
}

type entryQueue interface {
	Enqueue(ctx context.Context, entry domain.Entry) error
}

type reminderStater interface {
	State(ctx context.Context, user domain.User, now time.Time) (reminder.State, error)
}

// StatsSource provides the owner statistics.
type StatsSource interface {
	CountUsers(ctx context.Context) (int64, error)
	CountEntries(ctx context.Context) (int64, error)
	CountEntriesByStatus(ctx context.Context, status domain.Status) (int64, error)
	CountRemindersSent(ctx context.Context) (int64, error)
}

// Deps are the collaborators of a Handler. Reminders and Stats are optional.
type Deps struct {
	Messenger  messenger
	Registrar  userRegistrar
	Settings   userSettings
	Entries    entryStore
	Media      mediaStore
	Pending    pendingStore
	Classifier classifier
	Queue      entryQueue
	Resolver   *timezone.Resolver
	Reminders  reminderStater
	Stats      StatsSource
}

// Handler routes diary updates.
type Handler struct {
	msg        messenger
	registrar  userRegistrar
	settings   userSettings
	entries    entryStore
	media      mediaStore
	pending    pendingStore
	classifier classifier
	queue      entryQueue
	resolver   *timezone.Resolver
	reminders  reminderStater
	stats      StatsSource
	logger     *logrus.Entry
	now        func() time.Time
}

// NewHandler builds a Handler.
func NewHandler(deps Deps, logger *logrus.Entry) (*Handler, error) {
	if deps.Messenger == nil || deps.Registrar == nil || deps.Settings == nil || deps.Entries == nil ||
		deps.Media == nil || deps.Pending == nil || deps.Classifier == nil || deps.Queue == nil {
		return nil, errors.New("diary handler dependencies are required")
	}
	if logger == nil {
		logger = logging.Component("diary")
	}

	resolver := deps.Resolver
	if resolver == nil {
		resolver = timezone.NewResolver("")
	}

	return &Handler{
		msg:        deps.Messenger,
		registrar:  deps.Registrar,
		settings:   deps.Settings,
		entries:    deps.Entries,
		media:      deps.Media,
		pending:    deps.Pending,
		classifier: deps.Classifier,
		queue:      deps.Queue,
		resolver:   resolver,
		reminders:  deps.Reminders,
		stats:      deps.Stats,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// HandleUpdate dispatches one update. Errors are logged and answered with a
// generic reply; internal details never reach the user.
func (h *Handler) HandleUpdate(ctx context.Context, update *models.Update) {
	if h == nil || update == nil {
		return
	}

	switch {
	case update.Message != nil:
		h.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		h.handleCallback(ctx, update.CallbackQuery)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *models.Message) {
	if msg.From == nil {
		return
	}
	chatID := msg.Chat.ID

	u, _, err := h.registrar.EnsureUser(ctx, msg.From.ID)
	if err != nil {
		h.fail(ctx, chatID, "ensure_user_failed", err, msg.From.ID)
		return
	}

	logger := logging.Context{UserID: u.TelegramUserID, ChatID: chatID}.On(h.logger)

	text := strings.TrimSpace(msg.Text)
	switch {
	case strings.HasPrefix(text, "/"):
		h.handleCommand(ctx, u, msg, logger)
	case msg.Voice != nil:
		h.handleVoice(ctx, u, msg, logger)
	case len(msg.Photo) > 0:
		h.handlePhoto(ctx, u, msg, logger)
	case text != "":
		h.handleText(ctx, u, msg, logger)
	default:
		h.reply(ctx, chatID, "I can save text, voice messages and photos.", nil)
	}
}

func (h *Handler) reply(ctx context.Context, chatID int64, text string, keyboard telegram.Keyboard) {
	if err := h.msg.SendHTML(ctx, chatID, text, keyboard); err != nil {
		h.logger.WithFields(logging.Fields{
			"event":   "reply_failed",
			"chat_id": chatID,
			"error":   err,
		}).Warn("failed to send reply")
	}
}

func (h *Handler) fail(ctx context.Context, chatID int64, event string, err error, userID int64) {
	h.logger.WithFields(logging.Fields{
		"event":   event,
		"user_id": userID,
		"chat_id": chatID,
		"error":   err,
	}).Error("diary request failed")
	h.reply(ctx, chatID, msgGenericError, nil)
}

// localDay returns the user's location and local date at now.
func (h *Handler) localDay(u domain.User, now time.Time) (*time.Location, string) {
	loc := h.resolver.Location(u.Timezone)
	return loc, timezone.LocalDay(now, loc)
}
