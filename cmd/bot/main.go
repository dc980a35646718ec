package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mindforms_diary_bot/internal/ai"
	"mindforms_diary_bot/internal/completion"
	"mindforms_diary_bot/internal/config"
	"mindforms_diary_bot/internal/domain"
	"mindforms_diary_bot/internal/feature/diary"
	"mindforms_diary_bot/internal/feature/owner"
	"mindforms_diary_bot/internal/feature/user"
	"mindforms_diary_bot/internal/health"
	"mindforms_diary_bot/internal/logging"
	"mindforms_diary_bot/internal/media"
	"mindforms_diary_bot/internal/pending"
	"mindforms_diary_bot/internal/processing"
	"mindforms_diary_bot/internal/reminder"
	"mindforms_diary_bot/internal/store"
	"mindforms_diary_bot/internal/telegram"
	"mindforms_diary_bot/internal/timezone"
	"mindforms_diary_bot/internal/worker"
)

const (
	connectTimeout          = 10 * time.Second
	migrateTimeout          = 30 * time.Second
	mongoIndexTimeout       = 5 * time.Second
	mongoDisconnectTimeout  = 5 * time.Second
	ownerBootstrapTimeout   = 5 * time.Second
	startupCallTimeout      = 10 * time.Second
	telegramShutdownTimeout = 10 * time.Second
	healthShutdownTimeout   = 5 * time.Second
)

func main() {
	configOnly := flag.Bool("config-only", false, "load and print configuration then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("configuration error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		logging.Error("logger setup error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "logger setup error: %v\n", err)
		os.Exit(1)
	}

	if *configOnly {
		logging.Info("configuration check", logging.Fields{"event": "config_only"})
		fmt.Println("configuration check: ok")
		fmt.Println(config.FormatRedacted(cfg))
		return
	}

	fatal := func(event string, err error) {
		logger.WithField("event", event).WithError(err).Error("startup failed")
		fmt.Fprintf(os.Stderr, "%s: %v\n", event, err)
		os.Exit(1)
	}

	diaryCfg := cfg.Diary()
	defaults, err := domain.NewUserDefaults(diaryCfg.Timezone, diaryCfg.ReminderTime, diaryCfg.RequiredTypes)
	if err != nil {
		fatal("diary_defaults_error", err)
	}

	logger.WithFields(logging.Fields{
		"event":          "startup",
		"mongo_db":       cfg.MongoDB,
		"timezone":       defaults.Timezone,
		"reminder_time":  defaults.ReminderTime,
		"required_types": defaults.RequiredTypes.Strings(),
	}).Info("configuration loaded")

	connectCtx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	dbManager, err := store.NewManager(connectCtx, cfg, logging.Component("store"))
	cancel()
	if err != nil {
		fatal("database_connect_error", err)
	}

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), migrateTimeout)
	err = dbManager.Migrate(migrateCtx)
	cancelMigrate()
	if err != nil {
		fatal("database_migrate_error", err)
	}

	connectCtx, cancel = context.WithTimeout(context.Background(), connectTimeout)
	mediaManager, err := media.NewManager(connectCtx, cfg, logging.Component("media"))
	cancel()
	if err != nil {
		fatal("mongo_connect_error", err)
	}

	indexCtx, cancelIndexes := context.WithTimeout(context.Background(), mongoIndexTimeout)
	err = mediaManager.EnsureIndexes(indexCtx)
	cancelIndexes()
	if err != nil {
		fatal("mongo_index_error", err)
	}

	mediaStore, err := media.NewStore(mediaManager.Database())
	if err != nil {
		fatal("media_store_error", err)
	}

	rdb, err := pending.NewClient(cfg.RedisURL)
	if err != nil {
		fatal("redis_config_error", err)
	}
	pendingStore := pending.NewStore(rdb)

	users := domain.NewUserRepository(dbManager.DB())
	entries := domain.NewEntryRepository(dbManager.DB())
	reminderLogs := domain.NewReminderLogRepository(dbManager.DB())
	resolver := timezone.NewResolver(defaults.Timezone)

	if cfg.BotOwnerID != 0 {
		ownerRegistrar := owner.NewRegistrar(users, defaults, logger)
		ownerCtx, cancelOwner := context.WithTimeout(context.Background(), ownerBootstrapTimeout)
		err = ownerRegistrar.EnsureOwner(ownerCtx, cfg.BotOwnerID)
		cancelOwner()
		if err != nil {
			fatal("owner_bootstrap_error", err)
		}
	} else {
		logger.WithField("event", "owner_unset").Info("BOT_OWNER is empty; /stats is disabled")
	}

	updates := worker.NewExecutor(worker.Config{Shards: cfg.WorkerShards}, logging.Component("updates"))
	jobs := worker.NewExecutor(worker.Config{Shards: cfg.WorkerShards}, logging.Component("processing"))

	tgClient, err := telegram.NewClient(cfg, logging.Component("telegram"), telegram.WithExecutor(updates))
	if err != nil {
		fatal("telegram_client_error", err)
	}

	notifier, err := diary.NewNotifier(tgClient, users, resolver, logging.Component("notifier"))
	if err != nil {
		fatal("notifier_error", err)
	}

	aiClient := ai.New(cfg.OpenAIAPIKey, cfg.OpenAIModel, logging.Component("ai"))
	if !aiClient.Enabled() {
		logger.WithField("event", "ai_disabled").Warn("OPENAI_API_KEY is empty; media analysis will fail and text defaults to reflection")
	}

	processor := processing.New(processing.Deps{
		Entries:  entries,
		Media:    mediaStore,
		AI:       aiClient,
		Notifier: notifier,
		Executor: jobs,
	}, processing.Config{MaxRetries: cfg.ProcessingMaxRetries}, logging.Component("processing"))

	scheduler, err := reminder.New(reminder.Deps{
		Users:     users,
		Logs:      reminderLogs,
		Evaluator: completion.NewEvaluator(entries),
		Sender:    notifier,
		Resolver:  resolver,
	}, reminder.Config{
		Defaults: defaults,
		Window:   diaryCfg.Window,
		Schedule: cfg.ReminderSweepSchedule,
		SendRate: cfg.ReminderSendRate,
	}, logging.Component("reminder"))
	if err != nil {
		fatal("reminder_scheduler_error", err)
	}

	handler, err := diary.NewHandler(diary.Deps{
		Messenger:  tgClient,
		Registrar:  user.NewRegistrar(users, defaults, logger),
		Settings:   users,
		Entries:    entries,
		Media:      mediaStore,
		Pending:    pendingStore,
		Classifier: aiClient,
		Queue:      processor,
		Resolver:   resolver,
		Reminders:  scheduler,
		Stats:      store.NewStatsProvider(dbManager.DB()),
	}, logging.Component("diary"))
	if err != nil {
		fatal("diary_handler_error", err)
	}
	tgClient.Route(handler)

	healthServer := health.NewServer(cfg.HTTPPort, health.Checkers{
		Database: dbManager,
		Media:    mediaManager,
		Pending:  pendingStore,
	}, logging.Component("health"))
	go func() {
		if err := healthServer.ListenAndServe(); err != nil {
			logger.WithField("event", "health_error").WithError(err).Error("health server failed")
		}
	}()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), startupCallTimeout)
	if err := tgClient.SetCommands(startupCtx, diary.Commands); err != nil {
		logger.WithField("event", "telegram_commands_error").WithError(err).Warn("failed to publish bot commands")
	}
	cancelStartup()

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancelRun := context.WithCancel(context.Background())

	if _, err := processor.Resume(runCtx); err != nil {
		logger.WithField("event", "processing_resume_error").WithError(err).Error("failed to resume pending entries")
	}

	if err := scheduler.Start(); err != nil {
		fatal("reminder_scheduler_error", err)
	}

	logger.WithField("event", "telegram_ready").Info("telegram client initialized")

	tgDone := make(chan struct{})
	go func() {
		tgClient.Start(runCtx)
		close(tgDone)
	}()

	select {
	case <-signalCtx.Done():
		logger.WithField("event", "shutdown_signal").Info("received termination signal, stopping telegram polling")
	case <-tgDone:
		logger.WithField("event", "telegram_stopped_early").Warn("telegram client stopped before shutdown signal")
	}

	cancelRun()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), telegramShutdownTimeout)
	select {
	case <-tgDone:
	case <-waitCtx.Done():
		logger.WithField("event", "telegram_shutdown_timeout").Warn("timed out waiting for telegram client to stop")
	}
	cancelWait()

	scheduler.Stop()
	updates.Stop()
	jobs.Stop()

	healthCtx, cancelHealth := context.WithTimeout(context.Background(), healthShutdownTimeout)
	if err := healthServer.Shutdown(healthCtx); err != nil {
		logger.WithField("event", "health_shutdown_error").WithError(err).Warn("health server shutdown error")
	}
	cancelHealth()

	if err := rdb.Close(); err != nil {
		logger.WithField("event", "redis_close_error").WithError(err).Warn("redis close error")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
	if err := mediaManager.Close(shutdownCtx); err != nil {
		logger.WithError(err).Error("mongo disconnect error")
	} else {
		logger.WithField("event", "mongo_disconnect").Info("mongo client disconnected")
	}
	cancelShutdown()

	if err := dbManager.Close(); err != nil {
		logger.WithError(err).Error("database close error")
	}

	logger.WithField("event", "shutdown_complete").Info("shutdown complete")
}
