package diary

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mindforms_diary_bot/internal/ai"
	"mindforms_diary_bot/internal/domain"
	"mindforms_diary_bot/internal/logging"
	"mindforms_diary_bot/internal/media"
	"mindforms_diary_bot/internal/metrics"
	"mindforms_diary_bot/internal/pending"
	"mindforms_diary_bot/internal/processing"
)

const (
	photoMime        = "image/jpeg"
	defaultVoiceMime = "audio/ogg"
)

// draft is an entry about to be stored.
type draft struct {
	entryType  domain.EntryType
	source     domain.SourceType
	autoTyped  bool
	chatID     int64
	messageID  int
	text       string
	data       []byte
	filename   string
	mime       string
	receivedAt time.Time
}

func (h *Handler) handleText(ctx context.Context, u domain.User, msg *models.Message, logger *logrus.Entry) {
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)

	d := draft{
		source:     domain.SourceText,
		chatID:     chatID,
		messageID:  msg.ID,
		text:       text,
		receivedAt: h.now(),
	}

	t, ok, err := h.pending.TakeType(ctx, u.TelegramUserID)
	if err != nil {
		h.fail(ctx, chatID, "pending_type_failed", err, u.TelegramUserID)
		return
	}
	if ok {
		d.entryType = t
		if _, err := h.save(ctx, u, d, logger); err != nil {
			h.fail(ctx, chatID, "entry_save_failed", err, u.TelegramUserID)
			return
		}
		h.reply(ctx, chatID, savedMessage(d.entryType, d.source), nil)
		return
	}

	class := h.classifier.ClassifyText(ctx, text)
	if t, accepted := acceptClass(class); accepted {
		d.entryType = t
		d.autoTyped = true
		if _, err := h.save(ctx, u, d, logger); err != nil {
			h.fail(ctx, chatID, "entry_save_failed", err, u.TelegramUserID)
			return
		}
		h.reply(ctx, chatID, autoSavedMessage(t, class.Confidence), nil)
		return
	}

	h.askType(ctx, u, pending.Message{
		Source:     domain.SourceText,
		ChatID:     chatID,
		MessageID:  msg.ID,
		Text:       text,
		ReceivedAt: d.receivedAt,
	}, class, logger)
}

func (h *Handler) handleVoice(ctx context.Context, u domain.User, msg *models.Message, logger *logrus.Entry) {
	chatID := msg.Chat.ID

	// The chosen type stays pending until the voice note is in hand.
	file, err := h.msg.Download(ctx, msg.Voice.FileID)
	if err != nil {
		h.fail(ctx, chatID, "voice_download_failed", err, u.TelegramUserID)
		return
	}

	t, ok, err := h.pending.TakeType(ctx, u.TelegramUserID)
	if err != nil {
		h.fail(ctx, chatID, "pending_type_failed", err, u.TelegramUserID)
		return
	}
	if !ok {
		t = domain.EntryReflection
		h.reply(ctx, chatID, msgVoiceAutoDetected, nil)
	}

	mime := strings.TrimSpace(msg.Voice.MimeType)
	if mime == "" {
		mime = defaultVoiceMime
	}

	d := draft{
		entryType:  t,
		source:     domain.SourceVoice,
		autoTyped:  !ok,
		chatID:     chatID,
		messageID:  msg.ID,
		data:       file.Data,
		filename:   file.Path,
		mime:       mime,
		receivedAt: h.now(),
	}
	if _, err := h.save(ctx, u, d, logger); err != nil {
		h.fail(ctx, chatID, "entry_save_failed", err, u.TelegramUserID)
		return
	}

	h.reply(ctx, chatID, savedMessage(t, domain.SourceVoice), nil)
}

func (h *Handler) handlePhoto(ctx context.Context, u domain.User, msg *models.Message, logger *logrus.Entry) {
	chatID := msg.Chat.ID
	photo := largestPhoto(msg.Photo)
	caption := strings.TrimSpace(msg.Caption)

	file, err := h.msg.Download(ctx, photo.FileID)
	if err != nil {
		h.fail(ctx, chatID, "photo_download_failed", err, u.TelegramUserID)
		return
	}

	t, ok, err := h.pending.TakeType(ctx, u.TelegramUserID)
	if err != nil {
		h.fail(ctx, chatID, "pending_type_failed", err, u.TelegramUserID)
		return
	}

	d := draft{
		entryType:  t,
		source:     domain.SourcePhoto,
		chatID:     chatID,
		messageID:  msg.ID,
		text:       caption,
		data:       file.Data,
		filename:   file.Path,
		mime:       photoMime,
		receivedAt: h.now(),
	}

	if !ok {
		class := h.classifier.ClassifyImage(ctx, file.Data, photoMime)
		guessed, accepted := acceptClass(class)
		if !accepted {
			h.askType(ctx, u, pending.Message{
				Source:     domain.SourcePhoto,
				ChatID:     chatID,
				MessageID:  msg.ID,
				Text:       caption,
				FileID:     photo.FileID,
				ReceivedAt: d.receivedAt,
			}, class, logger)
			return
		}
		d.entryType = guessed
		d.autoTyped = true
	}

	if _, err := h.save(ctx, u, d, logger); err != nil {
		h.fail(ctx, chatID, "entry_save_failed", err, u.TelegramUserID)
		return
	}

	h.reply(ctx, chatID, savedMessage(d.entryType, domain.SourcePhoto), nil)
}

// askType stashes msg and asks the user to confirm the classifier's guess.
func (h *Handler) askType(ctx context.Context, u domain.User, msg pending.Message, class ai.Classification, logger *logrus.Entry) {
	if t, err := domain.ParseEntryType(class.Type); err == nil {
		msg.Suggested = t
	}
	msg.Confidence = class.Confidence

	if err := h.pending.StashMessage(ctx, u.TelegramUserID, msg); err != nil {
		h.fail(ctx, msg.ChatID, "pending_message_failed", err, u.TelegramUserID)
		return
	}

	logger.WithFields(logrus.Fields{
		"event":      "entry_type_unsure",
		"source":     msg.Source,
		"suggested":  class.Type,
		"confidence": class.Confidence,
	}).Info("asking user to confirm entry type")

	h.reply(ctx, msg.ChatID, confirmMessage(class), TypeKeyboard())
}

// saveStashed stores a message that waited for type confirmation.
func (h *Handler) saveStashed(ctx context.Context, u domain.User, msg pending.Message, t domain.EntryType, logger *logrus.Entry) error {
	d := draft{
		entryType:  t,
		source:     msg.Source,
		chatID:     msg.ChatID,
		messageID:  msg.MessageID,
		text:       msg.Text,
		receivedAt: msg.ReceivedAt,
	}

	if msg.Source == domain.SourcePhoto {
		file, err := h.msg.Download(ctx, msg.FileID)
		if err != nil {
			return fmt.Errorf("download stashed photo: %w", err)
		}
		d.data = file.Data
		d.filename = file.Path
		d.mime = photoMime
	}

	_, err := h.save(ctx, u, d, logger)
	return err
}

// save stores the media blob, inserts the entry and queues analysis when the
// entry needs it. Entries without analysis are complete on insert.
func (h *Handler) save(ctx context.Context, u domain.User, d draft, logger *logrus.Entry) (domain.Entry, error) {
	receivedAt := d.receivedAt
	if receivedAt.IsZero() {
		receivedAt = h.now()
	}
	_, day := h.localDay(u, receivedAt)

	entry := domain.Entry{
		ID:             uuid.NewString(),
		TelegramUserID: u.TelegramUserID,
		LocalDate:      day,
		ChatID:         d.chatID,
		MessageID:      d.messageID,
		EntryType:      d.entryType,
		SourceType:     d.source,
		AutoTyped:      d.autoTyped,
		TextContent:    d.text,
		CreatedAt:      receivedAt.UTC(),
	}

	if len(d.data) > 0 {
		key := media.Key(u.TelegramUserID, entry.ID, d.filename, entry.CreatedAt)
		if err := h.media.Put(ctx, key, d.mime, u.TelegramUserID, bytes.NewReader(d.data)); err != nil {
			return domain.Entry{}, fmt.Errorf("store media: %w", err)
		}
		entry.MediaKey = key
		entry.MediaMime = d.mime
	}

	analyze := processing.NeedsProcessing(entry)
	if analyze {
		entry.Status = domain.StatusPending
	} else {
		entry.Status = domain.StatusDone
	}

	if err := h.entries.Create(ctx, &entry); err != nil {
		return domain.Entry{}, fmt.Errorf("create entry: %w", err)
	}
	metrics.EntriesCreatedTotal.WithLabelValues(string(entry.EntryType), string(entry.SourceType)).Inc()

	log := logging.Context{
		EntryID:   entry.ID,
		EntryType: string(entry.EntryType),
		LocalDate: entry.LocalDate,
	}.On(logger).WithFields(logrus.Fields{
		"source":     entry.SourceType,
		"auto_typed": entry.AutoTyped,
	})
	log.WithField("event", "entry_saved").Info("diary entry saved")

	if analyze {
		if err := h.queue.Enqueue(ctx, entry); err != nil {
			// The entry stays pending and is picked up on the next resume.
			log.WithFields(logrus.Fields{
				"event": "processing_enqueue_failed",
				"error": err,
			}).Warn("failed to queue entry processing")
		}
	}

	return entry, nil
}

// acceptClass returns the classified type when it is a diary type with
// enough confidence.
func acceptClass(class ai.Classification) (domain.EntryType, bool) {
	t, err := domain.ParseEntryType(class.Type)
	if err != nil || class.Confidence < processing.ClassifyThreshold {
		return "", false
	}
	return t, true
}

func largestPhoto(sizes []models.PhotoSize) models.PhotoSize {
	best := sizes[0]
	for _, p := range sizes[1:] {
		if p.Width*p.Height > best.Width*best.Height {
			best = p
		}
	}
	return best
}
