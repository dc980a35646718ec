package diary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-telegram/bot/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mindforms_diary_bot/internal/ai"
	"mindforms_diary_bot/internal/domain"
	featureuser "mindforms_diary_bot/internal/feature/user"
	"mindforms_diary_bot/internal/pending"
	"mindforms_diary_bot/internal/store"
	"mindforms_diary_bot/internal/telegram"
	"mindforms_diary_bot/internal/timezone"
)

const testUser int64 = 42

var defaults = domain.UserDefaults{
	Timezone:      "Europe/Berlin",
	ReminderTime:  "21:00",
	RequiredTypes: domain.EntryTypes{domain.EntryReflection, domain.EntryMindform},
}

// 10:30 in Berlin.
var fixedNow = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

type sentMessage struct {
	chatID   int64
	text     string
	keyboard telegram.Keyboard
}

type editedMessage struct {
	chatID    int64
	messageID int
	text      string
}

type fakeMessenger struct {
	mu          sync.Mutex
	sent        []sentMessage
	edits       []editedMessage
	answers     []string
	downloads   []string
	files       map[string]telegram.File
	downloadErr error
	editErr     error
}

func (f *fakeMessenger) SendHTML(_ context.Context, chatID int64, text string, keyboard telegram.Keyboard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text, keyboard: keyboard})
	return nil
}

func (f *fakeMessenger) EditHTML(_ context.Context, chatID int64, messageID int, text string, _ telegram.Keyboard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, editedMessage{chatID: chatID, messageID: messageID, text: text})
	return nil
}

func (f *fakeMessenger) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeMessenger) Download(_ context.Context, fileID string) (telegram.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, fileID)
	if f.downloadErr != nil {
		return telegram.File{}, f.downloadErr
	}
	file, ok := f.files[fileID]
	if !ok {
		return telegram.File{}, fmt.Errorf("unknown file %s", fileID)
	}
	return file, nil
}

func (f *fakeMessenger) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1].text
}

type storedBlob struct {
	mime string
	data []byte
}

type fakeMedia struct {
	blobs map[string]storedBlob
	err   error
}

func (f *fakeMedia) Put(_ context.Context, key, contentType string, _ int64, r io.Reader) error {
	if f.err != nil {
		return f.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.blobs[key] = storedBlob{mime: contentType, data: data}
	return nil
}

type fakeClassifier struct {
	text       ai.Classification
	image      ai.Classification
	textCalls  int
	imageCalls int
}

func (f *fakeClassifier) ClassifyText(context.Context, string) ai.Classification {
	f.textCalls++
	return f.text
}

func (f *fakeClassifier) ClassifyImage(context.Context, []byte, string) ai.Classification {
	f.imageCalls++
	return f.image
}

type fakeQueue struct {
	entries []domain.Entry
	err     error
}

func (f *fakeQueue) Enqueue(_ context.Context, entry domain.Entry) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

type fixture struct {
	handler    *Handler
	msg        *fakeMessenger
	media      *fakeMedia
	classifier *fakeClassifier
	queue      *fakeQueue
	users      *domain.UserRepository
	entries    *domain.EntryRepository
	pending    *pending.Store
	hook       *logtest.Hook
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_fk=1", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(domain.Models()...))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log, hook := logtest.NewNullLogger()
	entry := logrus.NewEntry(log)

	f := &fixture{
		msg: &fakeMessenger{files: map[string]telegram.File{
			"voice-1": {Path: "file_3.oga", Data: []byte("ogg")},
			"small":   {Path: "file_4.jpg", Data: []byte("thumb")},
			"large":   {Path: "file_5.jpg", Data: []byte("jpeg")},
		}},
		media:      &fakeMedia{blobs: map[string]storedBlob{}},
		classifier: &fakeClassifier{},
		queue:      &fakeQueue{},
		users:      domain.NewUserRepository(db),
		entries:    domain.NewEntryRepository(db),
		pending:    pending.NewStore(rdb),
		hook:       hook,
	}

	f.handler, err = NewHandler(Deps{
		Messenger:  f.msg,
		Registrar:  featureuser.NewRegistrar(f.users, defaults, entry),
		Settings:   f.users,
		Entries:    f.entries,
		Media:      f.media,
		Pending:    f.pending,
		Classifier: f.classifier,
		Queue:      f.queue,
		Resolver:   timezone.NewResolver(defaults.Timezone),
		Stats:      store.NewStatsProvider(db),
	}, entry)
	require.NoError(t, err)
	f.handler.now = func() time.Time { return fixedNow }

	return f
}

func (f *fixture) send(update *models.Update) {
	f.handler.HandleUpdate(context.Background(), update)
}

func (f *fixture) today(t *testing.T) []domain.Entry {
	t.Helper()
	entries, err := f.entries.ListForDay(context.Background(), testUser, "2026-03-10")
	require.NoError(t, err)
	return entries
}

func hasEvent(hook *logtest.Hook, event string) bool {
	for _, e := range hook.AllEntries() {
		if e.Data["event"] == event {
			return true
		}
	}
	return false
}

func textUpdate(text string) *models.Update {
	return &models.Update{Message: &models.Message{
		ID:   10,
		From: &models.User{ID: testUser},
		Chat: models.Chat{ID: testUser},
		Text: text,
	}}
}

func voiceUpdate() *models.Update {
	return &models.Update{Message: &models.Message{
		ID:    11,
		From:  &models.User{ID: testUser},
		Chat:  models.Chat{ID: testUser},
		Voice: &models.Voice{FileID: "voice-1", MimeType: "audio/ogg"},
	}}
}

func photoUpdate(caption string) *models.Update {
	return &models.Update{Message: &models.Message{
		ID:      12,
		From:    &models.User{ID: testUser},
		Chat:    models.Chat{ID: testUser},
		Caption: caption,
		Photo: []models.PhotoSize{
			{FileID: "small", Width: 90, Height: 90},
			{FileID: "large", Width: 1280, Height: 960},
		},
	}}
}

func callbackUpdate(data string) *models.Update {
	return &models.Update{CallbackQuery: &models.CallbackQuery{
		ID:   "cb-1",
		From: models.User{ID: testUser},
		Data: data,
		Message: models.MaybeInaccessibleMessage{
			Type:    models.MaybeInaccessibleMessageTypeMessage,
			Message: &models.Message{ID: 55, Chat: models.Chat{ID: testUser}},
		},
	}}
}

func TestNewHandlerRequiresDependencies(t *testing.T) {
	_, err := NewHandler(Deps{}, nil)
	require.Error(t, err)
}

func TestTypeCommandThenTextSavesExplicitType(t *testing.T) {
	f := newFixture(t)

	f.send(textUpdate("/dream"))
	assert.Contains(t, f.msg.lastText(), "saved as <b>Dream</b>")

	f.send(textUpdate("I was flying over the sea"))

	entries := f.today(t)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EntryDream, entries[0].EntryType)
	assert.Equal(t, domain.SourceText, entries[0].SourceType)
	assert.Equal(t, domain.StatusDone, entries[0].Status)
	assert.False(t, entries[0].AutoTyped)
	assert.Equal(t, "I was flying over the sea", entries[0].TextContent)
	assert.Zero(t, f.classifier.textCalls)
	assert.Empty(t, f.queue.entries)
	assert.Equal(t, "✅ Saved as <b>Dream</b>!", f.msg.lastText())
}

func TestTextAutoClassifiedAboveThreshold(t *testing.T) {
	f := newFixture(t)
	f.classifier.text = ai.Classification{Type: "reflection", Confidence: 0.8}

	f.send(textUpdate("Today went well"))

	entries := f.today(t)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EntryReflection, entries[0].EntryType)
	assert.True(t, entries[0].AutoTyped)
	assert.Equal(t, "✅ Saved as <b>Reflection</b>! (auto-detected, 80%)", f.msg.lastText())
	assert.True(t, hasEvent(f.hook, "entry_saved"))
}

func TestLowConfidenceTextWaitsForConfirmation(t *testing.T) {
	f := newFixture(t)
	f.classifier.text = ai.Classification{Type: "dream", Confidence: 0.4}

	f.send(textUpdate("a strange house"))

	assert.Empty(t, f.today(t))
	last := f.msg.sent[len(f.msg.sent)-1]
	assert.Equal(t, "I think this is a <b>dream</b> (confidence: 40%).\nIs this correct?", last.text)
	assert.Equal(t, TypeKeyboard(), last.keyboard)

	f.send(callbackUpdate("type_dream"))

	entries := f.today(t)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EntryDream, entries[0].EntryType)
	assert.Equal(t, "a strange house", entries[0].TextContent)
	assert.False(t, entries[0].AutoTyped)
	require.Len(t, f.msg.edits, 1)
	assert.Equal(t, 55, f.msg.edits[0].messageID)
	assert.Equal(t, "✅ Saved as <b>Dream</b>!", f.msg.edits[0].text)
	assert.Equal(t, []string{""}, f.msg.answers)
}

func TestOtherClassificationAsksForType(t *testing.T) {
	f := newFixture(t)
	f.classifier.text = ai.Classification{Type: ai.ClassOther, Confidence: 0.9}

	f.send(textUpdate("shopping list"))

	assert.Empty(t, f.today(t))
	assert.Contains(t, f.msg.lastText(), "<b>other</b>")

	f.send(callbackUpdate("type_other"))
	assert.Equal(t, []string{msgTypeOther}, f.msg.answers)
	assert.Empty(t, f.today(t))
}

func TestAddCallbackSetsTypeForNextPhoto(t *testing.T) {
	f := newFixture(t)

	f.send(callbackUpdate("add_mindform"))
	require.Len(t, f.msg.edits, 1)
	assert.Equal(t, "✅ Type set to <b>Mindform</b>. Please send your content now.", f.msg.edits[0].text)

	f.send(photoUpdate(""))

	assert.Zero(t, f.classifier.imageCalls)
	entries := f.today(t)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, domain.EntryMindform, e.EntryType)
	assert.Equal(t, domain.StatusPending, e.Status)
	assert.Equal(t, fmt.Sprintf("raw/42/2026/03/10/%s/file_5.jpg", e.ID), e.MediaKey)
	assert.Equal(t, storedBlob{mime: "image/jpeg", data: []byte("jpeg")}, f.media.blobs[e.MediaKey])
	require.Len(t, f.queue.entries, 1)
	assert.Equal(t, e.ID, f.queue.entries[0].ID)
	assert.Equal(t, "✅ Photo saved as <b>Mindform</b>!\n🔄 Extracting text...", f.msg.lastText())
}

func TestUnknownCallbackTypeIsRejected(t *testing.T) {
	f := newFixture(t)

	f.send(callbackUpdate("add_poem"))

	assert.Equal(t, []string{msgUnknownType}, f.msg.answers)
	assert.Empty(t, f.msg.edits)
}

func TestEditFailureFallsBackToNewMessage(t *testing.T) {
	f := newFixture(t)
	f.msg.editErr = errors.New("message is not modified")

	f.send(callbackUpdate("add_dream"))

	assert.Equal(t, "✅ Type set to <b>Dream</b>. Please send your content now.", f.msg.lastText())
}

func TestVoiceDefaultsToReflection(t *testing.T) {
	f := newFixture(t)

	f.send(voiceUpdate())

	entries := f.today(t)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, domain.EntryReflection, e.EntryType)
	assert.Equal(t, domain.SourceVoice, e.SourceType)
	assert.True(t, e.AutoTyped)
	assert.Equal(t, "audio/ogg", e.MediaMime)
	assert.Equal(t, domain.StatusPending, e.Status)
	require.Len(t, f.queue.entries, 1)

	require.Len(t, f.msg.sent, 2)
	assert.Equal(t, msgVoiceAutoDetected, f.msg.sent[0].text)
	assert.Equal(t, "✅ Voice saved as <b>Reflection</b>!\n🔄 Transcribing...", f.msg.sent[1].text)
}

func TestVoiceWithChosenTypeIsNotAutoTyped(t *testing.T) {
	f := newFixture(t)

	f.send(textUpdate("/dream"))
	f.send(voiceUpdate())

	entries := f.today(t)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EntryDream, entries[0].EntryType)
	assert.False(t, entries[0].AutoTyped)
}

func TestPhotoClassifiedAsFace(t *testing.T) {
	f := newFixture(t)
	f.classifier.image = ai.Classification{Type: "face_photo", Confidence: 0.9}

	f.send(photoUpdate(""))

	assert.Equal(t, []string{"large"}, f.msg.downloads)
	entries := f.today(t)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EntryFacePhoto, entries[0].EntryType)
	assert.True(t, entries[0].AutoTyped)
	require.Len(t, f.queue.entries, 1)
	assert.Equal(t, "✅ Photo saved as <b>Face photo</b>!\n🔄 Analyzing face...", f.msg.lastText())
}

func TestUncertainPhotoIsStashedUntilConfirmed(t *testing.T) {
	f := newFixture(t)
	f.classifier.image = ai.Classification{Type: "drawing", Confidence: 0.5}

	f.send(photoUpdate("sunset"))
	assert.Empty(t, f.today(t))
	assert.Empty(t, f.media.blobs)

	f.send(callbackUpdate("type_drawing"))

	assert.Equal(t, []string{"large", "large"}, f.msg.downloads)
	entries := f.today(t)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, domain.EntryDrawing, e.EntryType)
	assert.Equal(t, "sunset", e.TextContent)
	assert.Equal(t, domain.StatusDone, e.Status)
	assert.NotEmpty(t, e.MediaKey)
	assert.Empty(t, f.queue.entries)
}

func TestDownloadFailureRepliesWithGenericError(t *testing.T) {
	f := newFixture(t)
	f.msg.downloadErr = errors.New("telegram: 500 file server")

	f.send(voiceUpdate())

	assert.Empty(t, f.today(t))
	assert.Equal(t, msgGenericError, f.msg.lastText())
	assert.True(t, hasEvent(f.hook, "voice_download_failed"))
}

func TestDownloadFailureKeepsChosenType(t *testing.T) {
	f := newFixture(t)
	f.classifier.image = ai.Classification{Type: "drawing", Confidence: 0.95}

	f.send(textUpdate("/face"))
	f.msg.downloadErr = errors.New("telegram: 500 file server")
	f.send(photoUpdate(""))
	assert.Empty(t, f.today(t))
	assert.True(t, hasEvent(f.hook, "photo_download_failed"))

	f.msg.downloadErr = nil
	f.send(photoUpdate(""))

	entries := f.today(t)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EntryFacePhoto, entries[0].EntryType)
	assert.False(t, entries[0].AutoTyped)
	assert.Zero(t, f.classifier.imageCalls)

	f.send(textUpdate("/dream"))
	f.msg.downloadErr = errors.New("telegram: 500 file server")
	f.send(voiceUpdate())
	f.msg.downloadErr = nil
	f.send(voiceUpdate())

	entries = f.today(t)
	require.Len(t, entries, 2)
	for _, e := range entries {
		if e.SourceType == domain.SourceVoice {
			assert.Equal(t, domain.EntryDream, e.EntryType)
			assert.False(t, e.AutoTyped)
		}
	}
}

func TestMediaFailureDoesNotCreateEntry(t *testing.T) {
	f := newFixture(t)
	f.media.err = errors.New("gridfs unavailable")

	f.send(voiceUpdate())

	assert.Empty(t, f.today(t))
	assert.Equal(t, msgGenericError, f.msg.lastText())
}

func TestEnqueueFailureKeepsEntryPending(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("executor is stopped")

	f.send(voiceUpdate())

	entries := f.today(t)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.StatusPending, entries[0].Status)
	assert.True(t, hasEvent(f.hook, "processing_enqueue_failed"))
	assert.Equal(t, "✅ Voice saved as <b>Reflection</b>!\n🔄 Transcribing...", f.msg.lastText())
}

func TestTimezoneCommand(t *testing.T) {
	f := newFixture(t)

	f.send(textUpdate("/timezone"))
	assert.Contains(t, f.msg.lastText(), "<b>Europe/Berlin</b>")

	f.send(textUpdate("/timezone Mars/Olympus"))
	assert.Equal(t, msgTimezoneInvalid, f.msg.lastText())

	f.send(textUpdate("/timezone@mindforms_bot Asia/Tokyo"))
	assert.Equal(t, "✅ Timezone set to <b>Asia/Tokyo</b>.", f.msg.lastText())

	u, err := f.users.GetByTelegramID(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", u.Timezone)
}

func TestReminderAndRequiredCommands(t *testing.T) {
	f := newFixture(t)

	f.send(textUpdate("/reminder 25:00"))
	assert.Equal(t, msgReminderInvalid, f.msg.lastText())

	f.send(textUpdate("/reminder 7:30"))
	assert.Equal(t, "✅ Reminder time set to <b>07:30</b>.", f.msg.lastText())

	f.send(textUpdate("/required poem"))
	assert.Equal(t, msgRequiredInvalid, f.msg.lastText())

	f.send(textUpdate("/required dream,face mindform"))
	assert.Equal(t, "✅ Required entries set to <b>Dream, Face photo, Mindform</b>.", f.msg.lastText())

	u, err := f.users.GetByTelegramID(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, "07:30", u.ReminderTime)
	assert.Equal(t, domain.EntryTypes{domain.EntryDream, domain.EntryFacePhoto, domain.EntryMindform}, u.RequiredTypes)
}

func TestStatusCommand(t *testing.T) {
	f := newFixture(t)
	f.classifier.text = ai.Classification{Type: "reflection", Confidence: 0.9}

	f.send(textUpdate("calm day"))
	f.send(textUpdate("/status"))

	text := f.msg.lastText()
	assert.Contains(t, text, "📊 <b>Status for 2026-03-10</b>")
	assert.Contains(t, text, "✅ Reflection")
	assert.Contains(t, text, "❌ Mindform")
	assert.Contains(t, text, "Total entries today: 1")
}

func TestExportWeek(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.send(textUpdate("/export_week"))
	assert.Equal(t, msgExportEmpty, f.msg.lastText())

	require.NoError(t, f.entries.Create(ctx, &domain.Entry{
		TelegramUserID: testUser,
		LocalDate:      "2026-03-09",
		EntryType:      domain.EntryDream,
		SourceType:     domain.SourceText,
		TextContent:    "a <b>bold</b> dream",
		Status:         domain.StatusDone,
		CreatedAt:      time.Date(2026, 3, 9, 6, 15, 0, 0, time.UTC),
	}))
	require.NoError(t, f.entries.Create(ctx, &domain.Entry{
		TelegramUserID: testUser,
		LocalDate:      "2026-03-01",
		EntryType:      domain.EntryDream,
		SourceType:     domain.SourceText,
		TextContent:    "too old",
		Status:         domain.StatusDone,
		CreatedAt:      time.Date(2026, 3, 1, 6, 15, 0, 0, time.UTC),
	}))

	f.send(textUpdate("/export_week"))

	text := f.msg.lastText()
	assert.True(t, strings.HasPrefix(text, "<pre># Mindforms Diary - Week Summary"))
	assert.Contains(t, text, "## 2026-03-09")
	assert.Contains(t, text, "### Dream (text) - 07:15")
	assert.Contains(t, text, "a &lt;b&gt;bold&lt;/b&gt; dream")
	assert.NotContains(t, text, "too old")
}

func TestStatsIsOwnerOnly(t *testing.T) {
	f := newFixture(t)

	f.send(textUpdate("/stats"))
	assert.Equal(t, msgUnknownCommand, f.msg.lastText())

	_, err := f.users.AssignOwner(context.Background(), testUser, defaults)
	require.NoError(t, err)

	f.send(textUpdate("/stats"))
	text := f.msg.lastText()
	assert.Contains(t, text, "<b>Bot stats</b>")
	assert.Contains(t, text, "Users: 1")
	assert.Contains(t, text, "Entries: 0")
}

func TestUnknownCommandAndEmptyMessage(t *testing.T) {
	f := newFixture(t)

	f.send(textUpdate("/fly"))
	assert.Equal(t, msgUnknownCommand, f.msg.lastText())

	f.send(&models.Update{Message: &models.Message{
		ID:      13,
		From:    &models.User{ID: testUser},
		Chat:    models.Chat{ID: testUser},
		Sticker: &models.Sticker{FileID: "sticker"},
	}})
	assert.Contains(t, f.msg.lastText(), "text, voice messages and photos")
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text string
		name string
		args []string
	}{
		{text: "/status", name: "status", args: []string{}},
		{text: "/Timezone@bot Europe/Paris", name: "timezone", args: []string{"Europe/Paris"}},
		{text: "/required  dream   mindform", name: "required", args: []string{"dream", "mindform"}},
	}

	for _, tt := range tests {
		name, args := parseCommand(tt.text)
		assert.Equal(t, tt.name, name, tt.text)
		assert.Equal(t, tt.args, args, tt.text)
	}
}
