package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/backend"
	"github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/broadcast"
	"github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/config"
	"github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/gateway"
	"github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/httpserver"
	"github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/inband"
	"github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/recognition"
	"github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/speech"
	"github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/supervisor"
	"github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/telemetry"
	"github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/tts"
)

const serviceName = "call-orchestrator"

func main() {
	if err := run(); err != nil {
		slog.Error("orchestrator stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := telemetry.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat, serviceName)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(sctx)
	}()

	registry := broadcast.NewRegistry(logger.With("component", "broadcast"))

	sessionLog := logger.With("component", "supervisor")
	sup := supervisor.New(supervisor.Config{
		Command:         cfg.SessionArgv(),
		StartupDelay:    cfg.StartupDelay,
		GracefulTimeout: cfg.GracefulTimeout,
		KillTimeout:     cfg.KillTimeout,
	}, supervisor.Options{
		Stdout: (&inband.Reader{Sink: registry, Logger: sessionLog}).Run,
		Stderr: func(ctx context.Context, r io.Reader) error { return inband.Drain(ctx, r, sessionLog) },
		Logger: sessionLog,
	})

	// Ensure the slot starts Idle.
	if err := sup.Terminate(ctx); err != nil {
		logger.Warn("startup session cleanup", "error", err)
	}

	synth, err := tts.New(tts.Settings{
		Provider:          cfg.TTSProvider,
		F5BaseURL:         cfg.TTSBaseURL,
		F5Token:           cfg.TTSToken,
		RefAudio:          cfg.TTSRefAudio,
		RefText:           cfg.TTSRefText,
		F5Timeout:         cfg.TTSTimeout,
		F5Params:          tts.DefaultF5Params,
		DeepgramKey:       cfg.DeepgramKey,
		DeepgramModel:     cfg.DeepgramModel,
		ElevenLabsKey:     cfg.ElevenLabsKey,
		ElevenLabsVoiceID: cfg.ElevenLabsVoiceID,
	})
	if err != nil {
		return fmt.Errorf("tts: %w", err)
	}
	speechLog := logger.With("component", "speech")
	pipeline := speech.New(synth, speech.NewCommandPlayer(cfg.PlaybackCommand, cfg.PlaybackDevice, speechLog), cfg.AudioTempDir, speechLog)

	gw := gateway.New(gateway.Options{
		CallBackend:  backend.NewClient("SIP client", cfg.CallBackendAddr, cfg.CallBackendTimeout, logger),
		Recognizer:   backend.NewClient("Vosk client", cfg.RecognizerAddr, cfg.RecognizerTimeout, logger),
		Session:      sup,
		Speaker:      pipeline,
		Registry:     registry,
		CallDomain:   cfg.CallDomain,
		TestSound:    cfg.TestSoundFile,
		PollRetries:  cfg.PollRetries,
		PollInterval: cfg.PollInterval,
		BaseContext:  ctx,
		Logger:       logger.With("component", "gateway"),
	})

	srv := httpserver.New(httpserver.Deps{
		Gateway:   gw,
		Session:   sup,
		Observers: registry,
		AuthToken: cfg.AuthToken,
		Logger:    logger.With("component", "http"),
	})
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           otelhttp.NewHandler(srv.Router, "observer"),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	relay := &recognition.Relay{
		Addr:   cfg.RecognitionListenAddr,
		Sink:   registry,
		Logger: logger.With("component", "recognition"),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := relay.ListenAndServe(gctx); err != nil {
			return fmt.Errorf("recognition relay: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			logger.Warn("graceful shutdown failed", "error", err)
			_ = server.Close()
		}
		pipeline.Stop()
		if err := sup.Shutdown(sctx); err != nil {
			logger.Warn("session shutdown", "error", err)
		}
		gw.Wait()
		return nil
	})

	return g.Wait()
}
