package diary

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"mindforms_diary_bot/internal/domain"
	"mindforms_diary_bot/internal/logging"
	"mindforms_diary_bot/internal/telegram"
)

const (
	typeCallbackPrefix = "type_"
	addCallbackPrefix  = "add_"
	otherCallback      = typeCallbackPrefix + "other"
)

func (h *Handler) handleCallback(ctx context.Context, q *models.CallbackQuery) {
	userID := q.From.ID
	chatID := telegram.MessageChatID(q.Message)
	if chatID == 0 {
		chatID = userID
	}
	messageID := telegram.MessageID(q.Message)

	u, _, err := h.registrar.EnsureUser(ctx, userID)
	if err != nil {
		h.answer(ctx, q.ID, "")
		h.fail(ctx, chatID, "ensure_user_failed", err, userID)
		return
	}

	logger := h.logger.WithFields(logging.Fields{
		"user_id":  userID,
		"chat_id":  chatID,
		"callback": q.Data,
	})

	switch {
	case q.Data == otherCallback:
		h.answer(ctx, q.ID, msgTypeOther)
	case strings.HasPrefix(q.Data, typeCallbackPrefix):
		h.confirmType(ctx, u, q, chatID, messageID, strings.TrimPrefix(q.Data, typeCallbackPrefix), logger)
	case strings.HasPrefix(q.Data, addCallbackPrefix):
		h.chooseType(ctx, u, q, chatID, messageID, strings.TrimPrefix(q.Data, addCallbackPrefix))
	default:
		h.answer(ctx, q.ID, "")
	}
}

// confirmType applies the chosen type to the stashed message, or to the next
// message when nothing is waiting.
func (h *Handler) confirmType(ctx context.Context, u domain.User, q *models.CallbackQuery, chatID int64, messageID int, raw string, logger *logrus.Entry) {
	t, err := domain.ParseEntryType(raw)
	if err != nil {
		h.answer(ctx, q.ID, msgUnknownType)
		return
	}

	stashed, ok, err := h.pending.TakeMessage(ctx, u.TelegramUserID)
	if err != nil {
		h.answer(ctx, q.ID, "")
		h.fail(ctx, chatID, "pending_message_failed", err, u.TelegramUserID)
		return
	}
	if !ok {
		h.chooseType(ctx, u, q, chatID, messageID, raw)
		return
	}

	h.answer(ctx, q.ID, "")
	if err := h.saveStashed(ctx, u, stashed, t, logger); err != nil {
		h.fail(ctx, chatID, "entry_save_failed", err, u.TelegramUserID)
		return
	}

	h.edit(ctx, chatID, messageID, savedMessage(t, stashed.Source))
}

// chooseType remembers t for the user's next message.
func (h *Handler) chooseType(ctx context.Context, u domain.User, q *models.CallbackQuery, chatID int64, messageID int, raw string) {
	t, err := domain.ParseEntryType(raw)
	if err != nil {
		h.answer(ctx, q.ID, msgUnknownType)
		return
	}

	if err := h.pending.SetType(ctx, u.TelegramUserID, t); err != nil {
		h.answer(ctx, q.ID, "")
		h.fail(ctx, chatID, "pending_type_failed", err, u.TelegramUserID)
		return
	}

	h.answer(ctx, q.ID, "")
	h.edit(ctx, chatID, messageID, fmt.Sprintf(msgTypeChosenFmt, escape(t.Label())))
}

func (h *Handler) answer(ctx context.Context, callbackID, text string) {
	if err := h.msg.AnswerCallback(ctx, callbackID, text); err != nil {
		h.logger.WithFields(logging.Fields{
			"event": "callback_answer_failed",
			"error": err,
		}).Warn("failed to answer callback query")
	}
}

// edit replaces the keyboard message, falling back to a new message when the
// original cannot be edited.
func (h *Handler) edit(ctx context.Context, chatID int64, messageID int, text string) {
	if messageID != 0 {
		err := h.msg.EditHTML(ctx, chatID, messageID, text, nil)
		if err == nil {
			return
		}
		h.logger.WithFields(logging.Fields{
			"event":      "message_edit_failed",
			"chat_id":    chatID,
			"message_id": messageID,
			"error":      err,
		}).Debug("edit failed, sending a new message")
	}

	h.reply(ctx, chatID, text, nil)
}
