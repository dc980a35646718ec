package diary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"mindforms_diary_bot/internal/completion"
	"mindforms_diary_bot/internal/domain"
	"mindforms_diary_bot/internal/telegram"
	"mindforms_diary_bot/internal/timezone"
)

const exportDays = 7

// Commands is the command menu published to Telegram.
var Commands = []telegram.Command{
	{Name: "start", Description: "Start using the bot"},
	{Name: "help", Description: "Show help"},
	{Name: "reflection", Description: "Next entry is a reflection"},
	{Name: "mindform", Description: "Next entry is a mindform"},
	{Name: "dream", Description: "Next entry is a dream"},
	{Name: "drawing", Description: "Next entry is a drawing"},
	{Name: "face", Description: "Next entry is a face photo"},
	{Name: "timezone", Description: "Show or set your timezone"},
	{Name: "reminder", Description: "Show or set the reminder time"},
	{Name: "required", Description: "Show or set required daily entries"},
	{Name: "status", Description: "Today's completion status"},
	{Name: "export_week", Description: "Export the last 7 days"},
}

var typeCommands = map[string]domain.EntryType{
	"reflection": domain.EntryReflection,
	"mindform":   domain.EntryMindform,
	"dream":      domain.EntryDream,
	"drawing":    domain.EntryDrawing,
	"face":       domain.EntryFacePhoto,
}

// parseCommand splits "/name@bot arg1 arg2" into name and args.
func parseCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil
	}

	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}

	return strings.ToLower(name), fields[1:]
}

func (h *Handler) handleCommand(ctx context.Context, u domain.User, msg *models.Message, logger *logrus.Entry) {
	chatID := msg.Chat.ID
	name, args := parseCommand(msg.Text)
	logger = logger.WithField("command", name)

	if t, ok := typeCommands[name]; ok {
		if err := h.pending.SetType(ctx, u.TelegramUserID, t); err != nil {
			h.fail(ctx, chatID, "pending_type_failed", err, u.TelegramUserID)
			return
		}
		h.reply(ctx, chatID, fmt.Sprintf(msgTypeSetFmt, escape(t.Label())), nil)
		return
	}

	switch name {
	case "start":
		h.reply(ctx, chatID, msgWelcome, nil)
	case "help":
		h.reply(ctx, chatID, msgHelp, nil)
	case "timezone":
		h.cmdTimezone(ctx, u, chatID, args, logger)
	case "reminder":
		h.cmdReminder(ctx, u, chatID, args, logger)
	case "required":
		h.cmdRequired(ctx, u, chatID, args, logger)
	case "status":
		h.cmdStatus(ctx, u, chatID)
	case "export_week":
		h.cmdExportWeek(ctx, u, chatID)
	case "stats":
		h.cmdStats(ctx, u, chatID)
	default:
		h.reply(ctx, chatID, msgUnknownCommand, nil)
	}
}

func (h *Handler) cmdTimezone(ctx context.Context, u domain.User, chatID int64, args []string, logger *logrus.Entry) {
	if len(args) == 0 {
		h.reply(ctx, chatID, fmt.Sprintf(msgTimezoneShowFmt, escape(u.Timezone)), nil)
		return
	}

	tz := args[0]
	if err := timezone.Validate(tz); err != nil {
		h.reply(ctx, chatID, msgTimezoneInvalid, nil)
		return
	}
	if err := h.settings.UpdateTimezone(ctx, u.TelegramUserID, tz); err != nil {
		h.fail(ctx, chatID, "timezone_update_failed", err, u.TelegramUserID)
		return
	}

	logger.WithFields(logrus.Fields{"event": "timezone_updated", "timezone": tz}).Info("user timezone updated")
	h.reply(ctx, chatID, fmt.Sprintf(msgTimezoneSetFmt, escape(tz)), nil)
}

func (h *Handler) cmdReminder(ctx context.Context, u domain.User, chatID int64, args []string, logger *logrus.Entry) {
	if len(args) == 0 {
		h.reply(ctx, chatID, fmt.Sprintf(msgReminderShowFmt, escape(u.ReminderTime), escape(u.Timezone)), nil)
		return
	}

	clock, err := timezone.ParseClock(args[0])
	if err != nil {
		h.reply(ctx, chatID, msgReminderInvalid, nil)
		return
	}
	if err := h.settings.UpdateReminderTime(ctx, u.TelegramUserID, clock.String()); err != nil {
		h.fail(ctx, chatID, "reminder_update_failed", err, u.TelegramUserID)
		return
	}

	logger.WithFields(logrus.Fields{"event": "reminder_time_updated", "reminder_time": clock.String()}).Info("user reminder time updated")
	h.reply(ctx, chatID, fmt.Sprintf(msgReminderSetFmt, clock.String()), nil)
}

func (h *Handler) cmdRequired(ctx context.Context, u domain.User, chatID int64, args []string, logger *logrus.Entry) {
	if len(args) == 0 {
		h.reply(ctx, chatID, fmt.Sprintf(msgRequiredShowFmt, escape(typeList(u.RequiredTypes))), nil)
		return
	}

	var raw []string
	for _, arg := range args {
		raw = append(raw, strings.Split(arg, ",")...)
	}
	var cleaned []string
	for _, item := range raw {
		if strings.TrimSpace(item) != "" {
			cleaned = append(cleaned, item)
		}
	}

	types, err := domain.ParseEntryTypes(cleaned)
	if err != nil || len(types) == 0 {
		h.reply(ctx, chatID, msgRequiredInvalid, nil)
		return
	}
	if err := h.settings.UpdateRequiredTypes(ctx, u.TelegramUserID, types); err != nil {
		h.fail(ctx, chatID, "required_update_failed", err, u.TelegramUserID)
		return
	}

	logger.WithFields(logrus.Fields{"event": "required_types_updated", "required_types": types.Strings()}).Info("user required types updated")
	h.reply(ctx, chatID, fmt.Sprintf(msgRequiredSetFmt, escape(typeList(types))), nil)
}

func (h *Handler) cmdStatus(ctx context.Context, u domain.User, chatID int64) {
	now := h.now()
	_, day := h.localDay(u, now)

	entries, err := h.entries.ListForDay(ctx, u.TelegramUserID, day)
	if err != nil {
		h.fail(ctx, chatID, "status_failed", err, u.TelegramUserID)
		return
	}

	missing := completion.Evaluate(u.RequiredTypes, entries)

	var state string
	if h.reminders != nil {
		s, err := h.reminders.State(ctx, u, now)
		if err != nil {
			h.logger.WithFields(logrus.Fields{
				"event":   "reminder_state_failed",
				"user_id": u.TelegramUserID,
				"error":   err,
			}).Warn("failed to read reminder state")
		} else {
			state = string(s)
		}
	}

	h.reply(ctx, chatID, FormatStatus(day, u.RequiredTypes, missing, len(entries), state), nil)
}

func (h *Handler) cmdExportWeek(ctx context.Context, u domain.User, chatID int64) {
	now := h.now()
	loc, today := h.localDay(u, now)
	from := timezone.LocalDay(now.In(loc).AddDate(0, 0, -(exportDays - 1)), loc)

	entries, err := h.entries.ListRange(ctx, u.TelegramUserID, from, today)
	if err != nil {
		h.fail(ctx, chatID, "export_failed", err, u.TelegramUserID)
		return
	}
	if len(entries) == 0 {
		h.reply(ctx, chatID, msgExportEmpty, nil)
		return
	}

	for _, chunk := range FormatExport(entries, loc) {
		if err := h.msg.SendHTML(ctx, chatID, chunk, nil); err != nil {
			h.fail(ctx, chatID, "export_send_failed", err, u.TelegramUserID)
			return
		}
	}
}

func (h *Handler) cmdStats(ctx context.Context, u domain.User, chatID int64) {
	if domain.RolePriority(u.Role) < domain.RolePriority(domain.RoleOwner) {
		h.reply(ctx, chatID, msgUnknownCommand, nil)
		return
	}
	if h.stats == nil {
		h.fail(ctx, chatID, "stats_failed", errors.New("stats source is not configured"), u.TelegramUserID)
		return
	}

	snapshot, err := collectStats(ctx, h.stats)
	if err != nil {
		h.fail(ctx, chatID, "stats_failed", err, u.TelegramUserID)
		return
	}

	h.reply(ctx, chatID, FormatStats(snapshot, h.now()), nil)
}

// Stats is a snapshot of bot usage.
type Stats struct {
	Users     int64
	Entries   int64
	Pending   int64
	Failed    int64
	Reminders int64
}

func collectStats(ctx context.Context, src StatsSource) (Stats, error) {
	var s Stats
	var err error

	if s.Users, err = src.CountUsers(ctx); err != nil {
		return s, err
	}
	if s.Entries, err = src.CountEntries(ctx); err != nil {
		return s, err
	}
	if s.Pending, err = src.CountEntriesByStatus(ctx, domain.StatusPending); err != nil {
		return s, err
	}
	if s.Failed, err = src.CountEntriesByStatus(ctx, domain.StatusFailed); err != nil {
		return s, err
	}
	if s.Reminders, err = src.CountRemindersSent(ctx); err != nil {
		return s, err
	}

	return s, nil
}

// FormatStats renders the owner statistics.
func FormatStats(s Stats, at time.Time) string {
	return fmt.Sprintf(
		"📈 <b>Bot stats</b> (%s UTC)\n\nUsers: %d\nEntries: %d\nPending: %d\nFailed: %d\nReminders sent: %d",
		at.UTC().Format("2006-01-02 15:04"), s.Users, s.Entries, s.Pending, s.Failed, s.Reminders,
	)
}
