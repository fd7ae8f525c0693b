// Command gateway runs the answerline question-answering gateway: config,
// logging and tracing come up first, then the component registry, then the
// HTTP server. Startup failures map to distinct exit codes so operators can
// tell a bad config from a dead dependency without reading logs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/novadesk-io/answerline/internal/circuitbreaker"
	"github.com/novadesk-io/answerline/internal/config"
	"github.com/novadesk-io/answerline/internal/httpapi"
	"github.com/novadesk-io/answerline/internal/registry"
	"github.com/novadesk-io/answerline/internal/tracing"
)

const (
	exitBadConfig          = 2
	exitAdapterUnreachable = 3
	exitPortInUse          = 4
)

// adapterVerifyTimeout bounds the startup reachability probe of the vector
// store and embedding provider.
const adapterVerifyTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "",
		"config file (defaults to $ANSWERLINE_CONFIG, then config/answerline.yaml)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "answerline: %v\n", err)
		return exitBadConfig
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "answerline: %v\n", err)
		return exitBadConfig
	}
	defer logger.Sync()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger); err != nil {
		// Traces are observability, not correctness; run without them.
		logger.Warn("Tracing unavailable", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(ctx)
	}()

	reg, err := registry.Build(cfg, logger)
	if err != nil {
		logger.Error("Component wiring failed", zap.Error(err))
		return exitBadConfig
	}
	defer reg.Close()

	verifyCtx, cancelVerify := context.WithTimeout(context.Background(), adapterVerifyTimeout)
	err = reg.VerifyAdapters(verifyCtx)
	cancelVerify()
	if err != nil {
		logger.Error("Required adapter unreachable", zap.Error(err))
		return exitAdapterUnreachable
	}

	circuitbreaker.StartMetricsCollection()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	reg.Start(ctx)

	api := httpapi.NewServer(httpapi.Deps{
		Pipeline:       reg.Pipeline,
		Cache:          reg.Cache,
		SourceBreakers: reg.Engine.Breakers,
		LLMBreaker:     reg.LLM.Breaker(),
		EmbedBreaker:   reg.Embedder.Breaker(),
		Tenants:        reg.Tenants,
		Health:         reg.Health,
		Logger:         logger,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			logger.Error("Port already in use", zap.String("addr", addr))
			return exitPortInUse
		}
		logger.Error("Listen failed", zap.String("addr", addr), zap.Error(err))
		return exitBadConfig
	}

	server := &http.Server{
		Handler:      api.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Gateway listening",
			zap.String("addr", addr),
			zap.Int("sources", len(cfg.VectorStore.Collections)),
			zap.String("llm_provider", cfg.LLM.Provider),
			zap.Bool("semantic_cache", cfg.Cache.Semantic.Enabled))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serveErr:
		logger.Error("Server failed", zap.Error(err))
		return 1
	}

	grace := time.Duration(cfg.Server.ShutdownGraceMs) * time.Millisecond
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Forced shutdown after grace period", zap.Error(err))
	}
	logger.Info("Gateway stopped")
	return 0
}

// buildLogger assembles the zap logger: JSON to stdout in production, console
// encoding at debug level, and an optional rotating file sink alongside.
func buildLogger(lc config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}

	var encoder zapcore.Encoder
	if level == zapcore.DebugLevel {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	sink := zapcore.AddSync(os.Stdout)
	if lc.File != "" {
		rotating := zapcore.AddSync(&lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAgeDays,
			Compress:   true,
		})
		sink = zapcore.NewMultiWriteSyncer(sink, rotating)
	}

	opts := []zap.Option{zap.AddCaller()}
	if level == zapcore.DebugLevel {
		opts = append(opts, zap.Development())
	}
	return zap.New(zapcore.NewCore(encoder, sink, level), opts...), nil
}
