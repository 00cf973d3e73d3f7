package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"pabot/internal/bus"
	"pabot/internal/config"
	"pabot/internal/cursor"
	"pabot/internal/dispatch"
	"pabot/internal/domain"
	"pabot/internal/feed"
	"pabot/internal/poller"
	"pabot/internal/source"
	"pabot/internal/speech"
	"pabot/internal/voice"

	"github.com/spf13/cobra"
)

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	logger.Info("pabot starting", "version", version, "config", cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := cursor.NewSQLiteStore(cfg.General.StateDBPath, logger)
	if err != nil {
		return fmt.Errorf("state db: %w", err)
	}
	defer store.Close()

	announcements := bus.New(logger)

	book, err := speech.Load(cfg.General.SpeechFile, cfg.Audio.DefaultLanguage, logger)
	if err != nil {
		return fmt.Errorf("speech templates: %w", err)
	}

	var renderer domain.AudioRenderer
	if cfg.Voice.ClientPage != "" {
		renderer = voice.NewChromeRenderer(voice.RendererConfig{
			PagePath: cfg.Voice.ClientPage,
			Headless: cfg.Voice.Headless,
			Logger:   logger,
		})
	}

	manager := voice.NewManager(voice.Config{
		AppID:         cfg.Voice.AppID,
		Channel:       cfg.Voice.Channel,
		Token:         cfg.Voice.Token,
		ModelKey:      cfg.Voice.ModelKey,
		Authorization: cfg.Voice.Authorization,
		AgentUID:      cfg.Voice.AgentUID,
		UserUID:       cfg.Voice.UserUID,
		APIBase:       cfg.Voice.APIBase,
		SettleDelay:   time.Duration(cfg.Voice.SettleSeconds) * time.Second,
		Renderer:      renderer,
		Logger:        logger,
	})

	// The session must reach Ready or fail before any poller starts, so a
	// freshly baselined backlog can never be spoken into a half-open channel.
	for ev := range manager.Initialize(ctx) {
		switch ev.Kind {
		case domain.EventProgress:
			logger.Info(ev.Message)
		case domain.EventSuccess:
			logger.Info(ev.Message, "session", ev.SessionID)
		case domain.EventFailure:
			logger.Error("voice session unavailable, announcements will not be spoken", "reason", ev.Message)
		}
	}
	if ctx.Err() != nil {
		manager.Cleanup()
		return nil
	}

	// Subscribe sinks before the first poll cycle can publish.
	policy := dispatch.NewPolicy(cfg.Audio.AutoBroadcast)
	dispatcher := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Policy:    policy,
		Speaker:   manager,
		Formatter: book,
		Logger:    logger,
	})
	speakCh := announcements.Subscribe("speak", 64)
	go dispatcher.Run(ctx, speakCh)

	if cfg.Feed.Telegram.Enabled {
		chatID, err := strconv.ParseInt(cfg.Feed.Telegram.ChatID, 10, 64)
		if err != nil {
			return fmt.Errorf("feed.telegram.chatId: %w", err)
		}
		tg := feed.NewTelegram(feed.TelegramConfig{
			Token:     cfg.Feed.Telegram.Token,
			ChatID:    chatID,
			ParseMode: cfg.Feed.Telegram.ParseMode,
			Logger:    logger,
		})
		feedCh := announcements.Subscribe("telegram", 64)
		go func() {
			if err := tg.Run(ctx, feedCh); err != nil {
				logger.Error("telegram feed error", "err", err)
			}
		}()
	}

	pollCtx, stopPollers := context.WithCancel(ctx)
	defer stopPollers()
	var pollers sync.WaitGroup

	startPoller := func(src domain.Source, intervalSeconds int) {
		p := poller.New(poller.Config{
			Source:   src,
			Cursors:  store,
			Bus:      announcements,
			Interval: time.Duration(intervalSeconds) * time.Second,
			Logger:   logger,
		})
		pollers.Add(1)
		go func() {
			defer pollers.Done()
			p.Start(pollCtx)
		}()
	}

	if cfg.MailboxConfigured() {
		startPoller(source.NewMailbox(source.MailboxConfig{
			Host:     cfg.Email.IMAPHost,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			Logger:   logger,
		}), cfg.Polling.EmailIntervalSeconds)
	} else {
		logger.Info("mailbox not configured, skipping email polling")
	}

	if cfg.Classroom.Enabled {
		ts, err := source.TokenSource(ctx, cfg.Classroom.CredentialsFile, cfg.Classroom.TokenFile)
		if err != nil {
			logger.Error("classroom unavailable", "err", err)
		} else {
			api, err := source.NewGoogleClassroomAPI(ctx, ts)
			if err != nil {
				logger.Error("classroom unavailable", "err", err)
			} else {
				startPoller(source.NewClassroom(api, logger), cfg.Polling.ClassroomIntervalSeconds)
			}
		}
	}

	policy.MarkBackfillComplete()
	logger.Info("gateway started. Press Ctrl+C to stop.")

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		stopPollers()
		pollers.Wait()
		manager.Cleanup()
		announcements.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// setupLogger builds the run logger from config: level from general.logLevel,
// duplicated to general.logFile when set.
func setupLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var w io.Writer = os.Stderr
	closeLog := func() {}
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closeLog = func() { f.Close() }
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeLog, nil
}
