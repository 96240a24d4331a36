package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/sre-sentinel/sentinel/internal/anomaly"
	"github.com/sre-sentinel/sentinel/internal/api"
	"github.com/sre-sentinel/sentinel/internal/bus"
	"github.com/sre-sentinel/sentinel/internal/config"
	"github.com/sre-sentinel/sentinel/internal/daemon"
	"github.com/sre-sentinel/sentinel/internal/incident"
	"github.com/sre-sentinel/sentinel/internal/ingest"
	"github.com/sre-sentinel/sentinel/internal/metricsampler"
	"github.com/sre-sentinel/sentinel/internal/model"
	"github.com/sre-sentinel/sentinel/internal/registry"
	"github.com/sre-sentinel/sentinel/internal/remediate"
	"github.com/sre-sentinel/sentinel/internal/rootcause"
	"github.com/sre-sentinel/sentinel/internal/selfstat"
	"github.com/sre-sentinel/sentinel/internal/storage"
	"github.com/sre-sentinel/sentinel/internal/verify"
)

const selfStatInterval = 60 * time.Second

// Exit codes per the external interfaces specification: 0 clean shutdown,
// 1 configuration error, 2 unrecoverable engine/dependency failure.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitEngineFailed = 2
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(exitConfigError)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Printf("failed to build logger: %v", err)
		os.Exit(exitConfigError)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("sentinel exited with error", zap.Error(err))
		os.Exit(exitEngineFailed)
	}
	os.Exit(exitOK)
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	eventBus := bus.New(logger)
	if cfg.EventBusNATSURL != "" {
		sink, closeNATS, err := connectNATSSink(cfg.EventBusNATSURL, logger)
		if err != nil {
			logger.Warn("durable event bus fan-out disabled", zap.Error(err))
		} else {
			defer closeNATS()
			eventBus.SetDurableSink(sink)
		}
	}

	ledger, err := storage.Open(cfg.ActionLedgerPath, logger)
	if err != nil {
		return fmt.Errorf("open action ledger: %w", err)
	}
	defer ledger.Close()
	subscribeLedger(ctx, eventBus, ledger, logger)

	supervisor := daemon.NewSupervisor(logger)
	reg, err := registry.New(eventBus, supervisor, logger)
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}
	docker := reg.DockerClient()

	classifier := anomaly.NewClassifier(cfg.FastClassifierURL, cfg.FastClassifierKey, cfg.FastClassifierModel, logger)
	rcEngine := rootcause.New(docker, reg, cfg.DeepAnalyzerURL, cfg.DeepAnalyzerKey, cfg.DeepAnalyzerModel, logger)
	executor := remediate.New(cfg.ToolGatewayURL, logger)
	verifier := verify.New(docker, logger)

	logStream := eventBus.Subscribe(512, bus.TopicLog)
	go rcEngine.Run(ctx, logStream)

	store := incident.New(eventBus, rcEngine, executor, verifier, cfg.AutoHealEnabled, logger)
	gate := anomaly.NewGate(classifier, store, reg, logger)

	follower := ingest.New(docker, eventBus, gate, ingest.Config{
		LinesPerWindow: cfg.LogLinesPerCheck,
	}, logger)
	sampler := metricsampler.New(docker, eventBus, reg, cfg.LogCheckInterval, logger)

	supervisor.AddWorker(follower)
	supervisor.AddWorker(sampler)

	self, err := selfstat.New(selfStatInterval, logger)
	if err != nil {
		logger.Warn("self-monitoring disabled", zap.Error(err))
	} else {
		go self.Run(ctx)
	}

	apiServer := api.New(fmt.Sprintf(":%d", cfg.APIPort), reg, store, eventBus, logger)

	errCh := make(chan error, 2)
	go func() {
		if err := reg.Run(ctx); err != nil {
			errCh <- fmt.Errorf("registry: %w", err)
			return
		}
		errCh <- nil
	}()
	go func() {
		errCh <- apiServer.Run(ctx)
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	return firstErr
}

func subscribeLedger(ctx context.Context, b *bus.Bus, ledger *storage.Ledger, logger *zap.Logger) {
	stream := b.Subscribe(256, bus.TopicActionOutcome)
	go func() {
		defer stream.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-stream.Events():
				if !ok {
					return
				}
				outcome, ok := event.Payload.(model.ActionOutcomeEvent)
				if !ok {
					continue
				}
				if err := ledger.Record(ctx, outcome); err != nil {
					logger.Warn("failed to record action outcome to ledger", zap.Error(err))
				}
			}
		}
	}()
}

func connectNATSSink(url string, logger *zap.Logger) (*bus.NATSSink, func(), error) {
	nc, err := nats.Connect(url,
		nats.Name("sre-sentinel"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}

	sink, err := bus.NewNATSSink(js, logger)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create NATS fan-out sink: %w", err)
	}
	return sink, nc.Close, nil
}
