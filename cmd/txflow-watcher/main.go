package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/web3ekko/txflow/internal/config"
	"github.com/web3ekko/txflow/pkg/chainquery"
	"github.com/web3ekko/txflow/pkg/effects"
	"github.com/web3ekko/txflow/pkg/listeners"
	"github.com/web3ekko/txflow/pkg/pending"
	"github.com/web3ekko/txflow/pkg/txdef"
	"github.com/web3ekko/txflow/pkg/watcher"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cancel, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("watcher daemon failed", zap.Error(err))
	}
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, logger *zap.Logger) error {
	registry, err := txdef.LoadCatalog(cfg.DefinitionsPath)
	if err != nil {
		return fmt.Errorf("failed to load definitions: %w", err)
	}
	logger.Info("definitions loaded",
		zap.String("path", cfg.DefinitionsPath),
		zap.Strings("tx_types", registry.Types()))

	// NATS carries lifecycle event publishes and, optionally, the pending
	// store backend.
	var nc *nats.Conn
	if cfg.NatsURL != "" {
		nc, err = nats.Connect(cfg.NatsURL)
		if err != nil {
			logger.Warn("NATS unavailable, lifecycle events will not be published", zap.Error(err))
		} else {
			defer nc.Close()
		}
	}

	backend, err := buildBackend(cfg, nc)
	if err != nil {
		return err
	}
	store, err := pending.NewStore(ctx, backend, logger)
	if err != nil {
		return err
	}

	exec := effects.NewExecutor(cfg.BaseAPIURL, cfg.APIToken, nil, logger)
	exec.OnRequest = func(info effects.RequestInfo) {
		logger.Info("side effect request",
			zap.String("phase", string(info.Phase)),
			zap.String("label", info.Label),
			zap.String("method", info.Method),
			zap.String("url", info.URL))
	}
	exec.OnResult = func(res effects.Result, phase effects.Phase) {
		fields := []zap.Field{
			zap.String("phase", string(phase)),
			zap.String("label", res.Effect.Label),
			zap.Bool("success", res.Success),
		}
		if res.Skipped {
			fields = append(fields, zap.String("skipped", res.SkipReason))
		}
		if res.Err != nil {
			fields = append(fields, zap.Error(res.Err))
		}
		logger.Info("side effect result", fields...)
	}

	eth, err := ethclient.DialContext(ctx, cfg.EthURL)
	if err != nil {
		return fmt.Errorf("failed to connect to chain node %s: %w", cfg.EthURL, err)
	}
	defer eth.Close()
	chain := chainquery.NewEVMClient(eth, cfg.ConfirmDepth, logger)

	w, err := watcher.New(registry, store, exec, chain, watcher.Config{
		Interval:         cfg.PollInterval,
		BatchSize:        cfg.BatchSize,
		Concurrency:      cfg.Concurrency,
		PollTimeout:      cfg.PollTimeout,
		MaxRetries:       cfg.MaxRetries,
		NotFoundDeadline: cfg.NotFoundDeadline,
		StaleAfter:       cfg.StaleAfter,
	}, logger)
	if err != nil {
		return err
	}

	_, unsubscribe := w.Subscribe(watcher.Callbacks{
		OnConfirmed: func(entry pending.Entry, _ *effects.ListResult) {
			publish(nc, logger, "txflow.confirmed."+entry.EntityType, entry)
		},
		OnError: func(entry pending.Entry, err error) {
			logger.Warn("entry requires attention",
				zap.String("tx_hash", entry.TxHash),
				zap.String("entity_type", entry.EntityType),
				zap.Error(err))
			publish(nc, logger, "txflow.failed."+entry.EntityType, entry)
		},
		OnRetry: func(entry pending.Entry, attempt int, err error) {
			logger.Warn("chain poll failed",
				zap.String("tx_hash", entry.TxHash),
				zap.Int("attempt", attempt),
				zap.Error(err))
		},
	})
	defer unsubscribe()

	if cfg.WssURL != "" {
		hl := listeners.NewHeadListener(cfg.WssURL, w, logger)
		go func() {
			if err := hl.Run(ctx); err != nil {
				logger.Warn("head listener exited", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	logger.Info("starting confirmation watcher")
	return w.Run(ctx)
}

func buildBackend(cfg *config.Config, nc *nats.Conn) (pending.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return pending.NewMemoryBackend(), nil
	case config.BackendRedis:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			opt = &redis.Options{Addr: cfg.RedisURL}
		}
		return pending.NewRedisBackend(redis.NewClient(opt), ""), nil
	case config.BackendNATSKV:
		if nc == nil {
			return nil, fmt.Errorf("natskv backend requires a NATS connection")
		}
		js, err := nc.JetStream()
		if err != nil {
			return nil, fmt.Errorf("failed to get JetStream context: %w", err)
		}
		kv, err := js.KeyValue("txflow")
		if err != nil {
			kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
				Bucket:      "txflow",
				Description: "Pending transaction set for the txflow watcher.",
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create KV bucket 'txflow': %w", err)
			}
		}
		return pending.NewNATSKVBackend(kv, ""), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func publish(nc *nats.Conn, logger *zap.Logger, subject string, entry pending.Entry) {
	if nc == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		logger.Error("failed to encode lifecycle event", zap.Error(err))
		return
	}
	if err := nc.Publish(subject, data); err != nil {
		logger.Warn("failed to publish lifecycle event", zap.String("subject", subject), zap.Error(err))
	}
}
