package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/chatmate/backend/internal/config"
	"github.com/zhouzirui/chatmate/backend/internal/handler"
	"github.com/zhouzirui/chatmate/backend/internal/model/persona"
	speechmodel "github.com/zhouzirui/chatmate/backend/internal/model/speech"
	"github.com/zhouzirui/chatmate/backend/internal/service/ai"
	"github.com/zhouzirui/chatmate/backend/internal/service/conversation"
	"github.com/zhouzirui/chatmate/backend/internal/service/speech"
	"github.com/zhouzirui/chatmate/backend/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		utils.SetupLogger("info", "console")
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	utils.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	if envErr != nil {
		log.Debug().Err(envErr).Msg("no .env file, using system environment variables only")
	}

	p := persona.Default()
	if cfg.PersonaFile != "" {
		if p, err = persona.LoadFile(cfg.PersonaFile); err != nil {
			log.Fatal().Err(err).Msg("failed to load persona")
		}
	}

	client, err := ai.NewClient(ctx, cfg.AI, p)
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.AI.Provider).Msg("failed to initialize AI client")
	}
	log.Info().Str("provider", cfg.AI.Provider).Str("model", client.Model()).Msg("AI client initialized")

	var speechCfg *speechmodel.SpeechConfig
	if cfg.Speech.Enabled {
		speechCfg = &speechmodel.SpeechConfig{
			AppID:          cfg.Speech.AppID,
			AccessToken:    cfg.Speech.AccessToken,
			BaseURL:        cfg.Speech.BaseURL,
			Language:       cfg.Speech.Language,
			ConcurrentMode: cfg.Speech.ConcurrentMode,
			Timeout:        cfg.Speech.Timeout,
		}
		log.Info().Str("language", cfg.Speech.Language).Msg("speech recognition enabled")
	} else {
		log.Info().Msg("speech credentials not configured, voice input disabled")
	}

	registry := conversation.NewRegistry(conversation.ClientOpener(client), p, speech.NewFactory(speechCfg))
	router := handler.NewRouter(registry, p, cfg.Server.AllowedOrigin)

	if err := runServer(ctx, cfg.Server, router, registry); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, registry *conversation.Registry) error {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", serverCfg.Addr).Msg("Chatmate backend listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		registry.Close()
		log.Info().Msg("server stopped")
		return err
	})

	return g.Wait()
}
