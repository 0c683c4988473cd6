package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hakichat/internal/api"
	"hakichat/internal/casesearch"
	"hakichat/internal/config"
	"hakichat/internal/crypto"
	"hakichat/internal/history"
	"hakichat/internal/metrics"
	"hakichat/internal/queue"
	"hakichat/internal/storage"
	"hakichat/internal/telegram"
	"hakichat/internal/transport"
	"hakichat/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to load .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("db_driver", cfg.DB.Driver).
		Bool("telegram", cfg.Telegram.Enabled).
		Bool("encryption", cfg.Crypto.Enabled()).
		Msg("starting hakichat")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	if cfg.Crypto.Enabled() {
		cryptoManager, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize crypto manager")
		}
		store = store.WithCipher(cryptoManager)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	m := metrics.Global()
	hist := history.NewService(history.Config{Store: store, Logger: log.Logger})
	generator := transport.New(transport.Config{
		URL:          cfg.Chat.EndpointURL,
		Context:      cfg.Chat.Context,
		MaxRetries:   cfg.Chat.MaxRetries,
		BackoffBase:  cfg.Chat.BackoffBase,
		HistoryLimit: cfg.Chat.HistoryLimit,
	})
	rateLimiter := queue.NewRateLimiter(rdb, cfg.Rate.PerHour).WithScopeLimit("tg", cfg.Rate.TelegramPerHour)
	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
	tgSessions := telegram.NewSessionStore(rdb, cfg.Redis.SessionTTL)

	var bot *gotgbot.Bot
	if cfg.Telegram.Enabled {
		bot, err = gotgbot.NewBot(cfg.Telegram.BotToken, nil)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create telegram bot")
		}
		log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram bot initialized")
	}

	runAPI := cfg.AppMode == config.ModeAPI || cfg.AppMode == config.ModeAll
	runWorkers := cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll

	errCh := make(chan error, 4)
	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(api.RequestLogger(log.Logger))
	router.Use(middleware.Recoverer)

	router.Get(cfg.HTTP.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle(cfg.HTTP.MetricsPath, promhttp.Handler())

	if runAPI {
		api.NewServer(api.Config{
			Generator: generator,
			History:   hist,
			CaseSearch: casesearch.New(casesearch.Config{
				PythonURL: cfg.CaseSearch.PythonURL,
				NodeURL:   cfg.CaseSearch.NodeURL,
				Timeout:   cfg.CaseSearch.Timeout,
				Logger:    log.Logger,
				Metrics:   m,
			}),
			DeviceIDs:   casesearch.NewDeviceIDs(rdb, 365*24*time.Hour),
			RateLimiter: rateLimiter,
			Auth:        api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
			CORSOrigins: cfg.HTTP.CORSOrigins,
			Logger:      log.Logger,
			Metrics:     m,
		}).Routes(router)
	}

	var updater *ext.Updater
	if runAPI && bot != nil {
		updater = startTelegram(cfg, bot, router, telegram.Config{
			Queue:       jobQueue,
			RateLimiter: rateLimiter,
			Sessions:    tgSessions,
			History:     hist,
			Logger:      log.Logger,
			Metrics:     m,
		}, queue.NewUpdateDeduplicator(rdb, cfg.Redis.UpdateTTL), m)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if runWorkers {
		if bot == nil {
			log.Warn().Msg("telegram disabled, queue workers not started")
		} else {
			w := worker.New(worker.Config{
				Sender:        bot,
				Queue:         jobQueue,
				Generator:     generator,
				History:       hist,
				Sessions:      tgSessions,
				MaxJobRetries: cfg.Worker.MaxRetries,
				ReclaimIdle:   5 * time.Minute,
				Logger:        log.Logger,
				Metrics:       m,
			})
			go func() {
				if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
					errCh <- fmt.Errorf("worker failed: %w", err)
				}
			}()
			log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
		}
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if updater != nil {
		if err := updater.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop updater")
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

// startTelegram wires the bot's dispatcher and starts polling, or mounts the webhook on router.
func startTelegram(cfg *config.Config, bot *gotgbot.Bot, router chi.Router, svcCfg telegram.Config, dedupe *queue.UpdateDeduplicator, m *metrics.Metrics) *ext.Updater {
	logTelegramErr := func(err error) {
		log.Error().Str("component", "telegram").Msg(sanitizeTelegramErr(err, cfg.Telegram.BotToken))
	}
	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		MaxRoutines:      100,
		UnhandledErrFunc: logTelegramErr,
		Processor: telegram.Processor{
			Dedupe:  dedupe,
			Metrics: m,
			Logger:  log.Logger,
		},
	})
	telegram.NewService(svcCfg).Register(dispatcher)
	updater := ext.NewUpdater(dispatcher, &ext.UpdaterOpts{
		UnhandledErrFunc: logTelegramErr,
	})

	if cfg.Telegram.DevPolling {
		if err := updater.StartPolling(bot, &ext.PollingOpts{
			EnableWebhookDeletion: true,
			DropPendingUpdates:    true,
			GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
				Timeout: 50,
				RequestOpts: &gotgbot.RequestOpts{
					Timeout: 60 * time.Second,
				},
			},
		}); err != nil {
			log.Fatal().Err(err).Msg("failed to start polling")
		}
		log.Info().Msg("polling mode started")
		return updater
	}

	path := cfg.Telegram.SecretPath
	if path == "" {
		path = "telegram"
	}
	if cfg.Telegram.PublicURL == "" {
		log.Fatal().Msg("WEBHOOK_URL is required in webhook mode")
	}
	if err := updater.AddWebhook(bot, path, &ext.AddWebhookOpts{SecretToken: cfg.Telegram.SecretToken}); err != nil {
		log.Fatal().Err(err).Msg("failed to configure webhook handler")
	}
	webhookURL := strings.TrimSuffix(cfg.Telegram.PublicURL, "/") + "/" + path
	if _, err := bot.SetWebhook(webhookURL, &gotgbot.SetWebhookOpts{
		SecretToken: cfg.Telegram.SecretToken,
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to set telegram webhook")
	}
	log.Info().Str("webhook_url", webhookURL).Msg("webhook registered")
	router.Post("/"+path, updater.GetHandlerFunc("/"))
	return updater
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func sanitizeTelegramErr(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}
