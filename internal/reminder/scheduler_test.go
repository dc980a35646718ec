package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mindforms_diary_bot/internal/completion"
	"mindforms_diary_bot/internal/domain"
	"mindforms_diary_bot/internal/timezone"
)

type sentReminder struct {
	userID  int64
	day     string
	missing domain.EntryTypes
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentReminder
	err  error
	// cancel, when set, aborts the sweep context and fails the send with it.
	cancel context.CancelFunc
}

func (f *fakeSender) SendReminder(ctx context.Context, userID int64, day string, missing domain.EntryTypes) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cancel != nil {
		f.cancel()
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentReminder{userID: userID, day: day, missing: missing})
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	users     *domain.UserRepository
	entries   *domain.EntryRepository
	logs      *domain.ReminderLogRepository
	sender    *fakeSender
	scheduler *Scheduler
	hook      *logtest.Hook
}

var berlin = mustLocation("Europe/Berlin")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

var defaults = domain.UserDefaults{
	Timezone:      "Europe/Berlin",
	ReminderTime:  "23:00",
	RequiredTypes: domain.EntryTypes{domain.EntryReflection, domain.EntryMindform},
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

	f := &fixture{
		users:   domain.NewUserRepository(db),
		entries: domain.NewEntryRepository(db),
		logs:    domain.NewReminderLogRepository(db),
		sender:  &fakeSender{},
	}

	log, hook := logtest.NewNullLogger()
	f.hook = hook
	f.scheduler, err = New(Deps{
		Users:     f.users,
		Logs:      f.logs,
		Evaluator: completion.NewEvaluator(f.entries),
		Sender:    f.sender,
		Resolver:  timezone.NewResolver(defaults.Timezone),
	}, Config{Defaults: defaults, Window: 5 * time.Minute}, logrus.NewEntry(log))
	require.NoError(t, err)

	return f
}

func (f *fixture) addUser(t *testing.T, id int64) {
	t.Helper()
	_, _, err := f.users.Ensure(context.Background(), id, defaults)
	require.NoError(t, err)
}

func (f *fixture) addEntry(t *testing.T, userID int64, typ domain.EntryType, at time.Time) {
	t.Helper()
	require.NoError(t, f.entries.Create(context.Background(), &domain.Entry{
		TelegramUserID: userID,
		ChatID:         userID,
		EntryType:      typ,
		SourceType:     domain.SourceText,
		LocalDate:      timezone.LocalDay(at, berlin),
		CreatedAt:      at.UTC(),
		Status:         domain.StatusDone,
	}))
}

func hasEvent(hook *logtest.Hook, event string) bool {
	for _, entry := range hook.AllEntries() {
		if entry.Data["event"] == event {
			return true
		}
	}
	return false
}

func local(day, hhmm string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04", day+" "+hhmm, berlin)
	if err != nil {
		panic(err)
	}
	return t
}

func TestSweepSendsReminderForMissingType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, 1)
	f.addEntry(t, 1, domain.EntryReflection, local("2024-03-01", "10:00"))

	result, err := f.scheduler.Sweep(ctx, local("2024-03-01", "23:02"))
	require.NoError(t, err)

	assert.Equal(t, SweepResult{Checked: 1, Due: 1, Sent: 1}, result)
	require.Equal(t, 1, f.sender.count())
	assert.Equal(t, "2024-03-01", f.sender.sent[0].day)
	assert.Equal(t, domain.EntryTypes{domain.EntryMindform}, f.sender.sent[0].missing)

	exists, err := f.logs.Exists(ctx, 1, "2024-03-01")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSweepIsIdempotentWithinWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, 1)
	f.addEntry(t, 1, domain.EntryReflection, local("2024-03-01", "10:00"))

	_, err := f.scheduler.Sweep(ctx, local("2024-03-01", "23:02"))
	require.NoError(t, err)

	// The missing mindform arrives after the reminder went out.
	f.addEntry(t, 1, domain.EntryMindform, local("2024-03-01", "23:03"))

	result, err := f.scheduler.Sweep(ctx, local("2024-03-01", "23:04"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.AlreadySent)
	assert.Equal(t, 0, result.Sent)
	assert.Equal(t, 1, f.sender.count())

	state, err := f.scheduler.State(ctx, domain.User{TelegramUserID: 1}, local("2024-03-01", "23:04"))
	require.NoError(t, err)
	assert.Equal(t, StateSent, state)
}

func TestNoReminderWithoutTickInWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, 1)

	for _, at := range []string{"22:55", "23:05", "23:30", "23:59"} {
		result, err := f.scheduler.Sweep(ctx, local("2024-03-01", at))
		require.NoError(t, err)
		assert.Equal(t, 0, result.Due, "sweep at %s", at)
	}

	assert.Equal(t, 0, f.sender.count())
	exists, err := f.logs.Exists(ctx, 1, "2024-03-01")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCompleteDayWritesNoLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, 1)
	f.addEntry(t, 1, domain.EntryReflection, local("2024-03-01", "10:00"))
	f.addEntry(t, 1, domain.EntryMindform, local("2024-03-01", "12:00"))

	result, err := f.scheduler.Sweep(ctx, local("2024-03-01", "23:00"))
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 1, Due: 1, Complete: 1}, result)
	assert.Equal(t, 0, f.sender.count())

	exists, err := f.logs.Exists(ctx, 1, "2024-03-01")
	require.NoError(t, err)
	assert.False(t, exists)

	state, err := f.scheduler.State(ctx, domain.User{TelegramUserID: 1}, local("2024-03-01", "23:01"))
	require.NoError(t, err)
	assert.Equal(t, StateNotDue, state)
}

func TestSendFailureReleasesClaimForRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, 1)
	f.sender.err = errors.New("telegram unavailable")

	result, err := f.scheduler.Sweep(ctx, local("2024-03-01", "23:00"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	exists, err := f.logs.Exists(ctx, 1, "2024-03-01")
	require.NoError(t, err)
	assert.False(t, exists, "failed send must not leave a reminder log")

	state, err := f.scheduler.State(ctx, domain.User{TelegramUserID: 1}, local("2024-03-01", "23:01"))
	require.NoError(t, err)
	assert.Equal(t, StateDueUnsent, state)

	f.sender.err = nil
	result, err = f.scheduler.Sweep(ctx, local("2024-03-01", "23:04"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, domain.EntryTypes{domain.EntryReflection, domain.EntryMindform}, f.sender.sent[0].missing)
}

func TestCancelledSendStillReleasesClaim(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, 1)

	sweepCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.sender.cancel = cancel

	result, _ := f.scheduler.Sweep(sweepCtx, local("2024-03-01", "23:00"))
	assert.Equal(t, 1, result.Failed)
	assert.False(t, hasEvent(f.hook, "reminder_release_failed"))

	ctx := context.Background()
	exists, err := f.logs.Exists(ctx, 1, "2024-03-01")
	require.NoError(t, err)
	assert.False(t, exists, "cancelled send must not leave a reminder log")

	state, err := f.scheduler.State(ctx, domain.User{TelegramUserID: 1}, local("2024-03-01", "23:02"))
	require.NoError(t, err)
	assert.Equal(t, StateDueUnsent, state)

	f.sender.cancel = nil
	result, err = f.scheduler.Sweep(ctx, local("2024-03-01", "23:04"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
}

// racingLog hides existing rows from the pre-check so the sweep reaches
// the claim, as a concurrent sweep would.
type racingLog struct {
	*domain.ReminderLogRepository
}

func (racingLog) Exists(context.Context, int64, string) (bool, error) {
	return false, nil
}

func TestClaimConflictIsTreatedAsAlreadySent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, 1)
	f.scheduler.logs = racingLog{f.logs}

	claimed, err := f.logs.Claim(ctx, 1, "2024-03-01", domain.EntryTypes{domain.EntryMindform}, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	result, err := f.scheduler.Sweep(ctx, local("2024-03-01", "23:01"))
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 1, Due: 1, AlreadySent: 1}, result)
	assert.Equal(t, 0, f.sender.count())
}

func TestSweepUsesUserTimezone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, 1)
	f.addUser(t, 2)
	require.NoError(t, f.users.UpdateTimezone(ctx, 2, "Asia/Tokyo"))
	require.NoError(t, f.users.UpdateReminderTime(ctx, 2, "21:00"))

	// 21:02 in Tokyo is 13:02 in Berlin on the same date.
	tokyo := mustLocation("Asia/Tokyo")
	now := time.Date(2024, 3, 1, 21, 2, 0, 0, tokyo)

	result, err := f.scheduler.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Checked)
	assert.Equal(t, 1, result.Sent)
	require.Equal(t, 1, f.sender.count())
	assert.Equal(t, int64(2), f.sender.sent[0].userID)
	assert.Equal(t, "2024-03-01", f.sender.sent[0].day)
}

func TestInvalidUserSettingsFallBackToDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, 1)
	require.NoError(t, f.users.UpdateTimezone(ctx, 1, "Mars/Olympus"))
	require.NoError(t, f.users.UpdateReminderTime(ctx, 1, "25:99"))

	result, err := f.scheduler.Sweep(ctx, local("2024-03-01", "23:00"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	f.scheduler.cfg.Schedule = "not a cron line"

	assert.Error(t, f.scheduler.Start())
}

func TestStartAndStop(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.scheduler.Start())
	assert.Error(t, f.scheduler.Start())
	f.scheduler.Stop()
	f.scheduler.Stop()

	found := false
	for _, e := range f.hook.AllEntries() {
		if e.Data["event"] == "reminder_scheduler_stopped" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestNewValidatesConfig(t *testing.T) {
	deps := Deps{
		Users:     &domain.UserRepository{},
		Logs:      &domain.ReminderLogRepository{},
		Evaluator: completion.NewEvaluator(nil),
		Sender:    &fakeSender{},
	}

	_, err := New(deps, Config{Defaults: domain.UserDefaults{ReminderTime: "nope", RequiredTypes: defaults.RequiredTypes}}, nil)
	assert.Error(t, err)

	_, err = New(deps, Config{Defaults: domain.UserDefaults{ReminderTime: "23:00"}}, nil)
	assert.Error(t, err)

	_, err = New(Deps{}, Config{Defaults: defaults}, nil)
	assert.Error(t, err)
}
