// Package main provides the entry point for the scalping decision
// engine: market feed in, execution decisions out, operator API on the
// side.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/scalper-backend/internal/algo"
	"github.com/atlas-desktop/scalper-backend/internal/api"
	"github.com/atlas-desktop/scalper-backend/internal/feed"
	"github.com/atlas-desktop/scalper-backend/internal/pattern"
	"github.com/atlas-desktop/scalper-backend/internal/regime"
	"github.com/atlas-desktop/scalper-backend/internal/risk"
	signalproc "github.com/atlas-desktop/scalper-backend/internal/signal"
)

func main() {
	host := flag.String("host", "127.0.0.1", "API server host")
	port := flag.Int("port", 8090, "API server port")
	configFile := flag.String("config", "", "Config file path (yaml)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	symbol := flag.String("symbol", "", "Stream symbol override")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if *symbol != "" {
		cfg.Set("feed.symbol", *symbol)
	}

	logger.Info("Starting scalping engine",
		zap.String("host", *host),
		zap.Int("port", *port),
		zap.String("symbol", cfg.GetString("feed.symbol")),
	)

	// Core components, leaf-first.
	detectorConfig := pattern.DefaultConfig()
	if v := cfg.GetFloat64("detector.imbalanceRatio"); v > 0 {
		detectorConfig.ImbalanceRatio = v
	}
	if v := cfg.GetFloat64("detector.absorptionRatio"); v > 0 {
		detectorConfig.AbsorptionRatio = v
	}
	if v := cfg.GetFloat64("detector.tickSize"); v > 0 {
		detectorConfig.TickSize = decimal.NewFromFloat(v)
	}
	detector := pattern.NewDetector(logger, detectorConfig)

	classifier := regime.NewClassifier(logger, regime.DefaultConfig())
	processor := signalproc.NewProcessor(logger, signalproc.DefaultConfig())

	riskConfig := risk.DefaultConfig()
	if v := cfg.GetFloat64("risk.initialBalance"); v > 0 {
		riskConfig.InitialBalance = decimal.NewFromFloat(v)
	}
	riskManager := risk.NewManager(logger, riskConfig)

	coordConfig := algo.DefaultConfig()
	if v := cfg.GetString("feed.symbol"); v != "" {
		coordConfig.Symbol = v
	}
	if v := cfg.GetFloat64("symbol.tickSize"); v > 0 {
		coordConfig.SymbolSpec.TickSize = decimal.NewFromFloat(v)
	}
	if v := cfg.GetFloat64("symbol.tickValue"); v > 0 {
		coordConfig.SymbolSpec.TickValue = decimal.NewFromFloat(v)
	}
	if v := cfg.GetDuration("coordinator.cooldown"); v > 0 {
		coordConfig.CooldownWindow = v
	}
	coordinator := algo.NewCoordinator(logger, coordConfig, detector, processor, riskManager, classifier)

	if err := coordinator.Initialize(); err != nil {
		logger.Fatal("Failed to initialize coordinator", zap.Error(err))
	}

	// Host plumbing.
	feedConfig := feed.DefaultConfig()
	if v := cfg.GetString("feed.url"); v != "" {
		feedConfig.URL = v
	}
	if v := cfg.GetString("feed.symbol"); v != "" {
		feedConfig.Symbol = v
	}
	feedConfig.SessionOpen = cfg.GetString("feed.sessionOpen")
	feedConfig.SessionClose = cfg.GetString("feed.sessionClose")
	stream := feed.NewStream(logger, feedConfig, coordinator)

	metrics := api.NewMetrics(coordinator)

	serverConfig := api.DefaultConfig()
	serverConfig.Host = *host
	serverConfig.Port = *port
	server := api.NewServer(logger, serverConfig, coordinator, metrics)

	if err := coordinator.Start(); err != nil {
		logger.Fatal("Failed to start coordinator", zap.Error(err))
	}
	if err := stream.Start(); err != nil {
		logger.Fatal("Failed to start market feed", zap.Error(err))
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	logger.Info("Engine started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", *host, *port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", *host, *port)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	stream.Stop()

	if coordinator.GetState() == algo.StateRunning || coordinator.GetState() == algo.StatePaused {
		if err := coordinator.Stop(); err != nil {
			logger.Error("Error stopping coordinator", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("Engine stopped")
}

// loadConfig reads the optional config file and ENGINE_ environment
// overrides. A missing file is not an error; an unreadable one is.
func loadConfig(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("ENGINE")
	v.AutomaticEnv()

	if path == "" {
		return v, nil
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return v, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return v, nil
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
