package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"whatsapp-karl-bot/ai"
	"whatsapp-karl-bot/config"
	"whatsapp-karl-bot/queue"
	"whatsapp-karl-bot/server"
	"whatsapp-karl-bot/types"
	"whatsapp-karl-bot/whatsapp"

	"github.com/mdp/qrterminal/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const queueBuffer = 100

// setupLogging writes to stdout and, when LOG_FILE is set, appends to that file too.
func setupLogging(cfg *config.Config) (zerolog.Logger, *os.File, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	if cfg.LogFormat != "json" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	var file *os.File
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
			return zerolog.Logger{}, nil, err
		}
		file, err = os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		out = zerolog.MultiLevelWriter(out, file)
	}

	logger := zerolog.New(out).With().Timestamp().Str("bot", cfg.BotName).Logger()
	return logger, file, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, logFile, err := setupLogging(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("session_dir", cfg.SessionDir).Msg("opening session store")
	store, err := whatsapp.OpenStore(ctx, cfg.SessionDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open session store")
	}
	defer store.Close()

	completer := ai.NewClient(cfg.OpenAIKey, cfg.OpenAIBaseURL,
		ai.WithModel(cfg.Model),
		ai.WithMaxTokens(cfg.MaxTokens),
		ai.WithTemperature(cfg.Temperature),
		ai.WithSystemPrompt(cfg.SystemPrompt),
		ai.WithTimeout(cfg.AITimeout),
		ai.WithLogger(logger),
	)

	bot := whatsapp.NewBot(whatsapp.Config{
		BotName:           cfg.BotName,
		Phone:             cfg.Phone,
		MaxReconnects:     cfg.MaxReconnects,
		ReconnectInterval: cfg.ReconnectInterval,
		AutoPairTimeout:   cfg.AutoPairTimeout,
		Trigger: whatsapp.TriggerConfig{
			Contains: cfg.TriggerContains,
			Prefixes: cfg.TriggerPrefixes,
		},
		RateLimit: rate.Limit(cfg.RateLimit),
		RateBurst: cfg.RateBurst,
	}, store, completer, whatsapp.NewFilePairingStore(cfg.PairingLog), logger)

	bot.SetQRHandler(func(code string) {
		logger.Info().Msg("scan the QR code below, or POST /pair for a phone pairing code")
		qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
	})

	messages := queue.NewQueue(cfg.Workers, queueBuffer, bot.HandleInbound, prometheus.DefaultRegisterer, logger)
	bot.SetInboundSink(func(evt types.InboundEvent) {
		if err := messages.Enqueue(evt); err != nil {
			logger.Debug().Err(err).Str("message_id", evt.ID).Msg("message not queued")
		}
	})
	go messages.Run(ctx)
	go bot.Run(ctx)

	if err := bot.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("initial connection failed, retrying in the background")
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.New(bot, cfg.BotName, cfg.Development(), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	bot.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown")
	}

	messages.Stop()
	select {
	case <-messages.Done():
	case <-shutdownCtx.Done():
		logger.Warn().Msg("timed out waiting for message handlers")
	}
}
