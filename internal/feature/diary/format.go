package diary

import (
	"fmt"
	"html"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"mindforms_diary_bot/internal/ai"
	"mindforms_diary_bot/internal/domain"
	"mindforms_diary_bot/internal/telegram"
)

// maxMessageLen stays below Telegram's 4096 character limit to leave room for
// the surrounding markup.
const maxMessageLen = 4000

const (
	msgWelcome = "👋 Welcome to <b>Mindforms Diary Bot</b>!\n\n" +
		"Send me text, voice messages or photos and I will file them in your diary.\n" +
		"I try to recognise the entry type myself; use a type command first to set it explicitly.\n\n" +
		"Use /help to see all commands."

	msgHelp = "<b>Entry types</b>\n" +
		"/reflection - next entry is a reflection\n" +
		"/mindform - next entry is a handwritten mindform\n" +
		"/dream - next entry is a dream\n" +
		"/drawing - next entry is a drawing\n" +
		"/face - next entry is a face photo\n\n" +
		"<b>Settings</b>\n" +
		"/timezone [Area/City] - show or set your timezone\n" +
		"/reminder [HH:MM] - show or set the reminder time\n" +
		"/required [types] - show or set the entries required each day\n\n" +
		"<b>Overview</b>\n" +
		"/status - today's completion status\n" +
		"/export_week - export the last 7 days"

	msgTypeSetFmt      = "✅ Next entry will be saved as <b>%s</b>.\nSend your text, voice, or photo now."
	msgTypeChosenFmt   = "✅ Type set to <b>%s</b>. Please send your content now."
	msgTypeOther       = "Please use /dream or /drawing for other types"
	msgUnknownType     = "Unknown entry type"
	msgUnknownCommand  = "Unknown command. Use /help to see what I can do."
	msgGenericError    = "⚠️ Something went wrong. Please try again."
	msgExportEmpty     = "No entries in the last 7 days."
	msgTimezoneShowFmt = "🌍 Your timezone is <b>%s</b>.\nUse /timezone Area/City to change it."
	msgTimezoneSetFmt  = "✅ Timezone set to <b>%s</b>."
	msgTimezoneInvalid = "❌ Invalid timezone. Use IANA format (e.g., Europe/Berlin, America/New_York)"
	msgReminderShowFmt = "⏰ Daily reminder at <b>%s</b> (%s).\nUse /reminder HH:MM to change it."
	msgReminderSetFmt  = "✅ Reminder time set to <b>%s</b>."
	msgReminderInvalid = "❌ Invalid time. Use 24h HH:MM, e.g. 21:30"
	msgRequiredShowFmt = "📋 Required every day: <b>%s</b>.\nUse /required reflection mindform to change it."
	msgRequiredSetFmt  = "✅ Required entries set to <b>%s</b>."
	msgRequiredInvalid = "❌ Unknown entry type. Choose from reflection, mindform, dream, drawing, face_photo."

	msgVoiceAutoDetected   = "🎤 Auto-detected as <b>reflection</b>. Use /dream before recording to save a dream."
	msgProcessingFailedFmt = "❌ Processing failed for your <b>%s</b> entry. The original is saved; please send it again if you need the analysis."
)

func escape(s string) string {
	return html.EscapeString(s)
}

func typeList(types domain.EntryTypes) string {
	labels := make([]string, 0, len(types))
	for _, t := range types {
		labels = append(labels, t.Label())
	}
	return strings.Join(labels, ", ")
}

func percent(confidence float64) int {
	return int(math.Round(confidence * 100))
}

// TypeKeyboard is the inline keyboard offered when the entry type is unclear.
func TypeKeyboard() telegram.Keyboard {
	button := func(t domain.EntryType) telegram.Button {
		return telegram.Button{Text: t.Label(), Data: typeCallbackPrefix + string(t)}
	}

	return telegram.Keyboard{
		{button(domain.EntryReflection), button(domain.EntryMindform)},
		{button(domain.EntryDream), button(domain.EntryDrawing)},
		{button(domain.EntryFacePhoto), {Text: "Other", Data: otherCallback}},
	}
}

func confirmMessage(class ai.Classification) string {
	name := class.Type
	if t, err := domain.ParseEntryType(class.Type); err == nil {
		name = strings.ToLower(t.Label())
	}
	return fmt.Sprintf("I think this is a <b>%s</b> (confidence: %d%%).\nIs this correct?", escape(name), percent(class.Confidence))
}

func savedMessage(t domain.EntryType, source domain.SourceType) string {
	label := escape(t.Label())

	switch source {
	case domain.SourceVoice:
		return fmt.Sprintf("✅ Voice saved as <b>%s</b>!\n🔄 Transcribing...", label)
	case domain.SourcePhoto:
		switch t {
		case domain.EntryMindform:
			return fmt.Sprintf("✅ Photo saved as <b>%s</b>!\n🔄 Extracting text...", label)
		case domain.EntryFacePhoto:
			return fmt.Sprintf("✅ Photo saved as <b>%s</b>!\n🔄 Analyzing face...", label)
		default:
			return fmt.Sprintf("✅ Photo saved as <b>%s</b>!", label)
		}
	default:
		return fmt.Sprintf("✅ Saved as <b>%s</b>!", label)
	}
}

func autoSavedMessage(t domain.EntryType, confidence float64) string {
	return fmt.Sprintf("✅ Saved as <b>%s</b>! (auto-detected, %d%%)", escape(t.Label()), percent(confidence))
}

// FormatStatus renders the daily completion overview. state is the reminder
// state and may be empty.
func FormatStatus(day string, required, missing domain.EntryTypes, total int, state string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>Status for %s</b>\n\n", escape(day))

	for _, t := range required {
		mark := "✅"
		if missing.Contains(t) {
			mark = "❌"
		}
		fmt.Fprintf(&b, "%s %s\n", mark, escape(t.Label()))
	}

	fmt.Fprintf(&b, "\n📝 Total entries today: %d", total)

	switch state {
	case "sent":
		b.WriteString("\n🔔 Today's reminder was sent.")
	case "due_unsent":
		b.WriteString("\n🔔 A reminder is due.")
	}

	return b.String()
}

// entryBlock renders one entry as markdown lines.
func entryBlock(e domain.Entry, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### %s (%s) - %s\n", e.EntryType.Label(), e.SourceType, e.CreatedAt.In(loc).Format("15:04"))

	switch {
	case strings.TrimSpace(e.TextContent) != "":
		b.WriteString(strings.TrimSpace(e.TextContent))
	case e.Status == domain.StatusPending:
		b.WriteString("*Processing...*")
	case e.Status == domain.StatusFailed:
		b.WriteString("*Processing failed*")
	default:
		b.WriteString("*No text*")
	}
	b.WriteString("\n")

	return b.String()
}

// FormatExport renders entries as a markdown document split into <pre>
// messages that fit Telegram's message limit. Entries are expected in
// chronological order.
func FormatExport(entries []domain.Entry, loc *time.Location) []string {
	var b strings.Builder
	b.WriteString("# Mindforms Diary - Week Summary\n")

	day := ""
	for _, e := range entries {
		if e.LocalDate != day {
			day = e.LocalDate
			fmt.Fprintf(&b, "\n## %s\n\n", day)
		}
		b.WriteString(entryBlock(e, loc))
		b.WriteString("\n")
	}

	return preChunks(strings.TrimRight(b.String(), "\n"), maxMessageLen)
}

// FormatSummary renders a processed entry for its author.
func FormatSummary(e domain.Entry, loc *time.Location) string {
	doc := fmt.Sprintf("## %s\n\n%s", e.LocalDate, entryBlock(e, loc))
	chunks := preChunks(strings.TrimRight(doc, "\n"), maxMessageLen)
	return chunks[0]
}

// FormatReminder renders the reminder for the missing types with one add
// button per type.
func FormatReminder(missing domain.EntryTypes) (string, telegram.Keyboard) {
	labels := make([]string, 0, len(missing))
	keyboard := make(telegram.Keyboard, 0, len(missing))
	for _, t := range missing {
		labels = append(labels, "<b>"+escape(t.Label())+"</b>")
		keyboard = append(keyboard, []telegram.Button{{
			Text: "Add " + strings.ToLower(t.Label()),
			Data: addCallbackPrefix + string(t),
		}})
	}

	text := fmt.Sprintf("You haven't logged %s today. Want to add it now?", strings.Join(labels, " and "))
	return text, keyboard
}

// preChunks escapes doc and splits it on line boundaries into <pre> blocks of
// at most limit characters each.
func preChunks(doc string, limit int) []string {
	const open, closing = "<pre>", "</pre>"
	budget := limit - len(open) - len(closing)

	var chunks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, open+strings.TrimRight(cur.String(), "\n")+closing)
			cur.Reset()
		}
	}

	for _, line := range strings.Split(doc, "\n") {
		escaped := escape(line) + "\n"
		for len(escaped) > budget {
			flush()
			cut := splitAt(escaped, budget)
			chunks = append(chunks, open+escaped[:cut]+closing)
			escaped = escaped[cut:]
		}
		if cur.Len()+len(escaped) > budget {
			flush()
		}
		cur.WriteString(escaped)
	}
	flush()

	if len(chunks) == 0 {
		chunks = append(chunks, open+closing)
	}
	return chunks
}

// splitAt returns a cut position at most n bytes into s that falls neither
// inside a rune nor inside an HTML entity.
func splitAt(s string, n int) int {
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if amp := strings.LastIndexByte(s[:cut], '&'); amp >= 0 && !strings.Contains(s[amp:cut], ";") {
		cut = amp
	}
	if cut == 0 {
		return n
	}
	return cut
}
