package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/raine/fractal-trader-bot/config"
	"github.com/raine/fractal-trader-bot/internal/bot"
	"github.com/raine/fractal-trader-bot/internal/digest"
	"github.com/raine/fractal-trader-bot/internal/flow"
	"github.com/raine/fractal-trader-bot/internal/httpapi"
	"github.com/raine/fractal-trader-bot/internal/ingest"
	"github.com/raine/fractal-trader-bot/internal/llm"
	"github.com/raine/fractal-trader-bot/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const logFileName = "fractal-trader-bot.log"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// Try to load existing .env file
	config.LoadEnvFile()

	// Check if required config is missing
	if missing := checkRequiredConfig(); len(missing) > 0 {
		if isInteractiveTerminal() {
			// Interactive terminal - run setup wizard
			if !runSetupWizard() {
				waitOnWindows()
				os.Exit(1)
			}
		} else {
			// Non-interactive (systemd, k8s, etc.) - fail with clear error
			fatalWithWait("missing required config: %s", strings.Join(missing, ", "))
		}
	}

	// JOURNAL_STREAM is set by systemd when running as a service.
	// Skip file logging under systemd (journald handles it, and ProtectSystem=strict
	// makes the working directory read-only).
	if _, underSystemd := os.LookupEnv("JOURNAL_STREAM"); underSystemd {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		// Local development: log to both stderr and file
		logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			fatalWithWait("failed to open log file: %v", err)
		}
		defer logFile.Close()

		consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr}
		fileWriter := zerolog.ConsoleWriter{Out: logFile, NoColor: true}
		multiWriter := io.MultiWriter(consoleWriter, fileWriter)
		log.Logger = log.Output(multiWriter)

		log.Info().Str("logFile", logFileName).Msg("logging to file")
	}

	cfg, err := config.Load()
	if err != nil {
		fatalWithWait("invalid configuration: %v", err)
	}

	tg, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		fatalWithWait("failed to initialize telegram bot: %v", err)
	}
	tg.Debug = false
	log.Info().Str("username", tg.Self.UserName).Msg("authorized on account")

	// Register bot commands for Telegram's command menu
	bot.RegisterCommands(tg)

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		fatalWithWait("failed to initialize store: %v", err)
	}
	defer store.Close()
	log.Info().Str("dbPath", cfg.DBPath).Msg("store initialized")

	// Every provider gets an analyzer; credentials are only checked when a
	// call is made, so a provider without a key fails per request.
	analyzers := make(map[string]llm.Analyzer, len(llm.Providers))
	for _, provider := range llm.Providers {
		a, err := llm.NewAnalyzer(provider, cfg.Model(provider))
		if err != nil {
			fatalWithWait("failed to initialize %s analyzer: %v", provider, err)
		}
		analyzers[provider] = llm.NewRecordingAnalyzer(a, store, provider)
		if os.Getenv(llm.CredentialEnv(provider)) != "" {
			log.Info().Str("provider", provider).Msg("analyzer configured")
		}
	}
	log.Info().Str("provider", cfg.Provider).Dur("timeout", cfg.AnalysisTimeout).Msg("default analysis provider")

	// Create context that cancels on SIGINT or SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	handleGracefulExit(ctx)

	b := bot.NewBot(tg, store, cfg.AdminID, bot.Options{
		Analyzers:       analyzers,
		DefaultProvider: cfg.Provider,
		Downloader:      ingest.NewDownloader().WithMaxSize(cfg.MaxImageBytes),
		MaxImageBytes:   cfg.MaxImageBytes,
		AnalysisTimeout: cfg.AnalysisTimeout,
		HistoryLimit:    cfg.HistoryLimit,
	})
	defer b.Shutdown()

	g, ctx := errgroup.WithContext(ctx)

	// Run bot update loop
	g.Go(func() error {
		return runBot(ctx, tg, b)
	})

	g.Go(func() error {
		b.RunSessionReaper(ctx, cfg.SessionIdle)
		return nil
	})

	if cfg.DigestCron != "" {
		digestService, err := digest.NewService(store, tg, cfg.AdminID, cfg.DigestCron)
		if err != nil {
			fatalWithWait("%v", err)
		}
		g.Go(func() error {
			return digestService.Run(ctx)
		})
	}

	if cfg.HTTPAddr != "" {
		runner := flow.NewRunner(analyzers[cfg.Provider], flow.Options{
			Timeout: cfg.AnalysisTimeout,
			History: flow.NewHistory(cfg.HistoryLimit),
		})
		defer runner.Close()

		server := httpapi.NewServer(cfg.HTTPAddr, httpapi.NewRouter(runner, httpapi.Options{
			AllowedOrigins: cfg.CORSOrigins,
			MaxImageBytes:  cfg.MaxImageBytes,
		}))
		g.Go(func() error {
			return server.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("shutdown with error")
	} else {
		log.Info().Msg("shutdown complete")
	}
}

func runBot(ctx context.Context, tg *tgbotapi.BotAPI, b *bot.Bot) error {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := tg.GetUpdatesChan(updateConfig)

	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping bot update loop")
			tg.StopReceivingUpdates()
			log.Info().Msg("waiting for active handlers to finish")
			wg.Wait()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				log.Warn().Msg("updates channel closed")
				wg.Wait()
				return nil
			}
			wg.Add(1)
			go func(u tgbotapi.Update) {
				defer wg.Done()
				b.HandleUpdate(ctx, u)
			}(update)
		}
	}
}
