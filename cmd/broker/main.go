// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/GerMoranOverstock/pulsar/broker"
	"github.com/GerMoranOverstock/pulsar/broker/webhook"
	"github.com/GerMoranOverstock/pulsar/config"
	"github.com/GerMoranOverstock/pulsar/mledger"
	"github.com/GerMoranOverstock/pulsar/mledger/badgerstore"
	otelserver "github.com/GerMoranOverstock/pulsar/server/otel"
	"github.com/GerMoranOverstock/pulsar/server/ws"
	"github.com/GerMoranOverstock/pulsar/source"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", slog.Any("error", err))
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	brokerID := uuid.NewString()
	logger.Info("starting broker", slog.String("broker_id", brokerID))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The meter provider must be registered before any instrument is
	// created, or the global meter stays the no-op implementation.
	var metrics *broker.Metrics
	if cfg.Server.MetricsEnabled {
		shutdown, err := otelserver.InitMeterProvider(ctx, cfg.Server, brokerID)
		if err != nil {
			logger.Error("failed to initialize otel", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("otel shutdown failed", slog.Any("error", err))
			}
		}()

		if metrics, err = broker.NewMetrics(); err != nil {
			logger.Error("failed to create metrics", slog.Any("error", err))
			os.Exit(1)
		}
	}

	registry := broker.NewRegistry(logFactory(cfg, logger), *cfg, logger, metrics)
	defer registry.Close()

	var notifier *webhook.Notifier
	if cfg.Webhook.Enabled {
		var err error
		notifier, err = webhook.NewNotifier(cfg.Webhook, brokerID, webhook.NewHTTPSender(), logger)
		if err != nil {
			logger.Error("failed to create webhook notifier", slog.Any("error", err))
			os.Exit(1)
		}
		defer notifier.Close()
		registry.SetEventNotifier(notifier)
	}

	if cfg.Source.MQTTEnabled {
		src, err := source.NewMQTTSource(cfg.Source, mqttIngress(registry, logger), logger)
		if err != nil {
			logger.Error("failed to create mqtt source", slog.Any("error", err))
			os.Exit(1)
		}
		if err := src.Open(ctx); err != nil {
			logger.Error("failed to open mqtt source", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = src.Close() }()
	}

	wsServer := ws.New(ws.Config{
		Address:         cfg.Server.WSAddr,
		Path:            cfg.Server.WSPath,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, registry, logger)

	if err := wsServer.Listen(ctx); err != nil {
		logger.Error("websocket server failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("broker stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// logFactory builds topic logs from the configured storage backend.
func logFactory(cfg *config.Config, logger *slog.Logger) broker.LogFactory {
	if cfg.Storage.Backend == "badger" {
		return func(name string) (mledger.Log, error) {
			return badgerstore.Open(name, badgerstore.Options{
				Dir:                 filepath.Join(cfg.Storage.Dir, name),
				MaxEntriesPerLedger: cfg.Storage.MaxEntriesPerLedger,
				Compression:         cfg.Storage.Compression,
				Logger:              logger,
			})
		}
	}
	return func(name string) (mledger.Log, error) {
		return mledger.NewMemoryLog(name, cfg.Storage.MaxEntriesPerLedger), nil
	}
}

// mqttIngress publishes bridged records into the topic named by the
// record, keyed by the originating MQTT topic so per-topic order holds.
func mqttIngress(registry *broker.Registry, logger *slog.Logger) source.Handler {
	return func(record source.Record) {
		topic, err := registry.GetOrCreateTopic(record.Topic)
		if err != nil {
			logger.Warn("failed to resolve ingress topic",
				slog.String("topic", record.Topic), slog.Any("error", err))
			record.Fail()
			return
		}
		if _, err := topic.Publish([]byte(record.Topic), record.Payload); err != nil {
			logger.Warn("failed to publish ingress record",
				slog.String("topic", record.Topic), slog.Any("error", err))
			record.Fail()
			return
		}
		record.Ack()
	}
}
