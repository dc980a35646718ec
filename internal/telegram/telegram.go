// Package telegram hosts the Telegram client, update routing, and outbound
// messaging.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"mindforms_diary_bot/internal/config"
	"mindforms_diary_bot/internal/logging"
	"mindforms_diary_bot/internal/metrics"
	"mindforms_diary_bot/internal/worker"
)

type botAPI interface {
	Start(ctx context.Context)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
	GetFile(ctx context.Context, params *bot.GetFileParams) (*models.File, error)
	SetMyCommands(ctx context.Context, params *bot.SetMyCommandsParams) (bool, error)
}

// Handler processes a single update. Updates of one user are delivered in
// receipt order.
type Handler interface {
	HandleUpdate(ctx context.Context, update *models.Update)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, update *models.Update)

// HandleUpdate calls f.
func (f HandlerFunc) HandleUpdate(ctx context.Context, update *models.Update) {
	f(ctx, update)
}

type dispatcher interface {
	Submit(ctx context.Context, key int64, name string, job worker.Job) error
}

var (
	defaultAllowedUpdates = bot.AllowedUpdates{
		"message",
		"callback_query",
	}

	fileServerURL = "https://api.telegram.org"

	createBot = func(token string, options ...bot.Option) (botAPI, error) {
		return bot.New(token, options...)
	}
)

const downloadTimeout = 60 * time.Second

// Option customizes a Client.
type Option func(*Client)

// WithExecutor routes updates through exec, keyed by user id. Without an
// executor updates are handled inline on the polling goroutine.
func WithExecutor(exec dispatcher) Option {
	return func(c *Client) {
		c.exec = exec
	}
}

// Client wraps the Telegram bot instance and logging dependencies.
type Client struct {
	bot     botAPI
	files   *resty.Client
	token   string
	exec    dispatcher
	handler Handler
	logger  *logrus.Entry
}

// NewClient initializes the Telegram bot with long polling.
func NewClient(cfg config.Config, logger *logrus.Entry, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.TelegramToken) == "" {
		return nil, errors.New("telegram token is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	c := &Client{
		token:  cfg.TelegramToken,
		logger: logger,
		files: resty.New().
			SetBaseURL(fileServerURL).
			SetTimeout(downloadTimeout).
			SetRetryCount(2),
	}
	for _, opt := range opts {
		opt(c)
	}

	tgBot, err := createBot(cfg.TelegramToken,
		bot.WithAllowedUpdates(defaultAllowedUpdates),
		bot.WithDefaultHandler(c.defaultHandler()),
		bot.WithErrorsHandler(errorHandler(logger)),
		// One worker with inline handlers keeps polling order; dispatch only queues.
		bot.WithWorkers(1),
		bot.WithNotAsyncHandlers(),
	)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot client: %w", err)
	}
	c.bot = tgBot

	return c, nil
}

// Route installs the update handler. It must be called before Start.
func (c *Client) Route(h Handler) {
	c.handler = h
}

// Start begins receiving updates via long polling until the context is canceled.
func (c *Client) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.logger.WithFields(logging.Fields{
		"event":           "telegram_listen",
		"allowed_updates": defaultAllowedUpdates,
	}).Info("starting telegram long polling")

	c.bot.Start(ctx)

	c.logger.WithField("event", "telegram_stopped").Info("telegram polling stopped")
}

type updateMeta struct {
	userID     int64
	chatID     int64
	text       string
	updateType string
}

func (c *Client) defaultHandler() bot.HandlerFunc {
	return func(ctx context.Context, _ *bot.Bot, update *models.Update) {
		c.dispatch(ctx, update)
	}
}

func (c *Client) dispatch(ctx context.Context, update *models.Update) {
	if update == nil {
		return
	}

	meta := extractUpdateMeta(update)
	metrics.UpdatesTotal.WithLabelValues(meta.updateType).Inc()

	fields := logging.Fields{
		"event":       "telegram_update",
		"update_type": meta.updateType,
	}
	if meta.userID != 0 {
		fields["user_id"] = meta.userID
	}
	if meta.chatID != 0 {
		fields["chat_id"] = meta.chatID
	}
	if strings.HasPrefix(meta.text, "/") {
		fields["command"] = strings.Fields(meta.text)[0]
	}
	logger := c.logger.WithFields(fields)
	logger.Debug("telegram update received")

	if c.handler == nil || meta.userID == 0 {
		return
	}

	if c.exec == nil {
		c.handler.HandleUpdate(ctx, update)
		return
	}

	err := c.exec.Submit(ctx, meta.userID, meta.updateType, func(jobCtx context.Context) error {
		c.handler.HandleUpdate(jobCtx, update)
		return nil
	})
	if err != nil {
		logger.WithField("event", "telegram_update_dropped").WithError(err).Warn("failed to queue telegram update")
	}
}

func extractUpdateMeta(update *models.Update) updateMeta {
	switch {
	case update.Message != nil:
		text := update.Message.Text
		if text == "" {
			text = update.Message.Caption
		}
		return updateMeta{
			userID:     userID(update.Message.From),
			chatID:     chatID(&update.Message.Chat),
			text:       strings.TrimSpace(text),
			updateType: "message",
		}
	case update.CallbackQuery != nil:
		return updateMeta{
			userID:     userID(&update.CallbackQuery.From),
			chatID:     MessageChatID(update.CallbackQuery.Message),
			text:       strings.TrimSpace(update.CallbackQuery.Data),
			updateType: "callback_query",
		}
	default:
		return updateMeta{updateType: "unknown"}
	}
}

func errorHandler(logger *logrus.Entry) bot.ErrorsHandler {
	if logger == nil {
		logger = logging.Logger()
	}

	return func(err error) {
		if err == nil {
			return
		}

		logger.WithField("event", "telegram_error").WithError(err).Error("telegram polling error")
	}
}

func userID(user *models.User) int64 {
	if user == nil {
		return 0
	}

	return user.ID
}

func chatID(chat *models.Chat) int64 {
	if chat == nil {
		return 0
	}

	return chat.ID
}

// MessageChatID returns the chat of a callback's message, or 0.
func MessageChatID(msg models.MaybeInaccessibleMessage) int64 {
	switch msg.Type {
	case models.MaybeInaccessibleMessageTypeMessage:
		if msg.Message == nil {
			return 0
		}
		return chatID(&msg.Message.Chat)
	case models.MaybeInaccessibleMessageTypeInaccessibleMessage:
		if msg.InaccessibleMessage == nil {
			return 0
		}
		return chatID(&msg.InaccessibleMessage.Chat)
	default:
		return 0
	}
}

// MessageID returns the id of a callback's message, or 0.
func MessageID(msg models.MaybeInaccessibleMessage) int {
	switch msg.Type {
	case models.MaybeInaccessibleMessageTypeMessage:
		if msg.Message == nil {
			return 0
		}
		return msg.Message.ID
	case models.MaybeInaccessibleMessageTypeInaccessibleMessage:
		if msg.InaccessibleMessage == nil {
			return 0
		}
		return msg.InaccessibleMessage.MessageID
	default:
		return 0
	}
}
