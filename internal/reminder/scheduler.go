// Package reminder runs the periodic sweep that sends at most one reminder
// per user and local day when required entries are missing.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"mindforms_diary_bot/internal/domain"
	"mindforms_diary_bot/internal/logging"
	"mindforms_diary_bot/internal/metrics"
	"mindforms_diary_bot/internal/timezone"
)

// State is the reminder state of a user for one local day.
type State string

const (
	StateNotDue    State = "not_due"
	StateDueUnsent State = "due_unsent"
	StateSent      State = "sent"
)

type outcome string

const (
	outcomeNotDue      outcome = "not_due"
	outcomeSent        outcome = "sent"
	outcomeComplete    outcome = "complete"
	outcomeAlreadySent outcome = "already_sent"
	outcomeFailed      outcome = "failed"
)

const (
	defaultSchedule = "*/5 * * * *"
	releaseTimeout  = 5 * time.Second
)

type userLister interface {
	ListAll(ctx context.Context, fn func([]domain.User) error) error
}

type reminderLog interface {
	Claim(ctx context.Context, userID int64, localDate string, missing domain.EntryTypes, sentAt time.Time) (bool, error)
	Release(ctx context.Context, userID int64, localDate string) error
	Exists(ctx context.Context, userID int64, localDate string) (bool, error)
}

type missingEvaluator interface {
	Missing(ctx context.Context, user domain.User, localDate string) (domain.EntryTypes, error)
}

// Sender delivers a reminder listing the missing entry types.
type Sender interface {
	SendReminder(ctx context.Context, userID int64, localDate string, missing domain.EntryTypes) error
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Users     userLister
	Logs      reminderLog
	Evaluator missingEvaluator
	Sender    Sender
	Resolver  *timezone.Resolver
}

// Config holds the reminder policy.
type Config struct {
	Defaults domain.UserDefaults
	Window   time.Duration
	Schedule string
	// SendRate caps outbound reminders per second. Zero disables pacing.
	SendRate int
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Checked     int
	Due         int
	Sent        int
	Complete    int
	AlreadySent int
	Failed      int
}

// Scheduler evaluates every user on a fixed schedule and dispatches reminders.
type Scheduler struct {
	users     userLister
	logs      reminderLog
	evaluator missingEvaluator
	sender    Sender
	resolver  *timezone.Resolver
	limiter   *rate.Limiter
	cfg       Config
	clock     timezone.Clock
	logger    *logrus.Entry
	now       func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New builds a Scheduler. The default reminder time must parse as HH:MM.
func New(deps Deps, cfg Config, logger *logrus.Entry) (*Scheduler, error) {
	if deps.Users == nil || deps.Logs == nil || deps.Evaluator == nil || deps.Sender == nil {
		return nil, errors.New("reminder scheduler dependencies are required")
	}
	if logger == nil {
		logger = logging.Component("reminder")
	}

	clock, err := timezone.ParseClock(cfg.Defaults.ReminderTime)
	if err != nil {
		return nil, fmt.Errorf("default reminder time: %w", err)
	}
	if len(cfg.Defaults.RequiredTypes) == 0 {
		return nil, errors.New("default required types are empty")
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}

	resolver := deps.Resolver
	if resolver == nil {
		resolver = timezone.NewResolver(cfg.Defaults.Timezone)
	}

	var limiter *rate.Limiter
	if cfg.SendRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendRate)
	}

	return &Scheduler{
		users:     deps.Users,
		logs:      deps.Logs,
		evaluator: deps.Evaluator,
		sender:    deps.Sender,
		resolver:  resolver,
		limiter:   limiter,
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Start registers the sweep with cron. Sweeps never overlap; a tick that
// fires while a sweep is running is skipped.
func (s *Scheduler) Start() error {
	if s == nil {
		return errors.New("reminder scheduler is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("reminder scheduler already started")
	}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(s.logger))),
	)
	if _, err := c.AddFunc(s.cfg.Schedule, s.tick); err != nil {
		return fmt.Errorf("schedule reminder sweep %q: %w", s.cfg.Schedule, err)
	}

	c.Start()
	s.cron = c

	s.logger.WithFields(logrus.Fields{
		"event":    "reminder_scheduler_started",
		"schedule": s.cfg.Schedule,
		"window":   s.cfg.Window.String(),
	}).Info("reminder scheduler started")

	return nil
}

// Stop halts the schedule and waits for a running sweep to return.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}

	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}

	<-c.Stop().Done()
	s.logger.WithField("event", "reminder_scheduler_stopped").Info("reminder scheduler stopped")
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	now := s.now()
	result, err := s.Sweep(ctx, now)
	fields := logrus.Fields{
		"event":        "reminder_sweep",
		"checked":      result.Checked,
		"due":          result.Due,
		"sent":         result.Sent,
		"complete":     result.Complete,
		"already_sent": result.AlreadySent,
		"failed":       result.Failed,
	}
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Error("reminder sweep aborted")
		return
	}
	s.logger.WithFields(fields).Debug("reminder sweep finished")
}

// Sweep evaluates every user at now. Per-user failures are counted and
// logged; only a failure to list users aborts the sweep.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var result SweepResult
	if s == nil {
		return result, errors.New("reminder scheduler is not initialized")
	}
	if ctx == nil {
		return result, errors.New("context is required")
	}

	started := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(started).Seconds())
	}()

	err := s.users.ListAll(ctx, func(users []domain.User) error {
		for _, user := range users {
			if err := ctx.Err(); err != nil {
				return err
			}

			result.Checked++
			out := s.remind(ctx, user, now)
			if out != outcomeNotDue {
				result.Due++
				metrics.RemindersTotal.WithLabelValues(string(out)).Inc()
			}

			switch out {
			case outcomeSent:
				result.Sent++
			case outcomeComplete:
				result.Complete++
			case outcomeAlreadySent:
				result.AlreadySent++
			case outcomeFailed:
				result.Failed++
			}
		}
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("sweep users: %w", err)
	}

	return result, nil
}

// State reports the reminder state of user for the local day containing now.
// A day with nothing missing inside the window stays not_due.
func (s *Scheduler) State(ctx context.Context, user domain.User, now time.Time) (State, error) {
	if s == nil {
		return "", errors.New("reminder scheduler is not initialized")
	}
	if ctx == nil {
		return "", errors.New("context is required")
	}

	user = s.withDefaults(user)
	loc := s.resolver.Location(user.Timezone)
	day := timezone.LocalDay(now, loc)

	sent, err := s.logs.Exists(ctx, user.TelegramUserID, day)
	if err != nil {
		return "", err
	}
	if sent {
		return StateSent, nil
	}

	if !timezone.InWindow(now, loc, s.clockFor(user), s.cfg.Window) {
		return StateNotDue, nil
	}

	missing, err := s.evaluator.Missing(ctx, user, day)
	if err != nil {
		return "", err
	}
	if len(missing) == 0 {
		return StateNotDue, nil
	}

	return StateDueUnsent, nil
}

func (s *Scheduler) remind(ctx context.Context, user domain.User, now time.Time) outcome {
	user = s.withDefaults(user)
	loc := s.resolver.Location(user.Timezone)
	if !timezone.InWindow(now, loc, s.clockFor(user), s.cfg.Window) {
		return outcomeNotDue
	}

	day := timezone.LocalDay(now, loc)
	logger := s.logger.WithFields(logrus.Fields{
		"user_id":    user.TelegramUserID,
		"local_date": day,
	})

	sent, err := s.logs.Exists(ctx, user.TelegramUserID, day)
	if err != nil {
		logger.WithFields(logrus.Fields{"event": "reminder_check_failed", "error": err}).Error("failed to check reminder log")
		return outcomeFailed
	}
	if sent {
		return outcomeAlreadySent
	}

	missing, err := s.evaluator.Missing(ctx, user, day)
	if err != nil {
		logger.WithFields(logrus.Fields{"event": "reminder_check_failed", "error": err}).Error("failed to evaluate completion")
		return outcomeFailed
	}
	if len(missing) == 0 {
		return outcomeComplete
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			logger.WithFields(logrus.Fields{"event": "reminder_send_failed", "error": err}).Warn("reminder rate limiter aborted")
			return outcomeFailed
		}
	}

	claimed, err := s.logs.Claim(ctx, user.TelegramUserID, day, missing, now)
	if err != nil {
		logger.WithFields(logrus.Fields{"event": "reminder_claim_failed", "error": err}).Error("failed to record reminder")
		return outcomeFailed
	}
	if !claimed {
		return outcomeAlreadySent
	}

	if err := s.sender.SendReminder(ctx, user.TelegramUserID, day, missing); err != nil {
		logger.WithFields(logrus.Fields{"event": "reminder_send_failed", "error": err}).Warn("failed to send reminder")
		// The sweep context may already be done when the send failed on it.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		relErr := s.logs.Release(relCtx, user.TelegramUserID, day)
		cancel()
		if relErr != nil {
			logger.WithFields(logrus.Fields{"event": "reminder_release_failed", "error": relErr}).Error("failed to release reminder claim")
		}
		return outcomeFailed
	}

	logger.WithFields(logrus.Fields{
		"event":   "reminder_sent",
		"missing": missing.Strings(),
	}).Info("reminder sent")

	return outcomeSent
}

func (s *Scheduler) withDefaults(user domain.User) domain.User {
	if user.Timezone == "" {
		user.Timezone = s.cfg.Defaults.Timezone
	}
	if user.ReminderTime == "" {
		user.ReminderTime = s.cfg.Defaults.ReminderTime
	}
	if len(user.RequiredTypes) == 0 {
		user.RequiredTypes = s.cfg.Defaults.RequiredTypes
	}
	return user
}

func (s *Scheduler) clockFor(user domain.User) timezone.Clock {
	clock, err := timezone.ParseClock(user.ReminderTime)
	if err != nil {
		return s.clock
	}
	return clock
}
