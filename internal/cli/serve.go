package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/buildtall-systems/vendorder/internal/cache"
	"github.com/buildtall-systems/vendorder/internal/commands"
	"github.com/buildtall-systems/vendorder/internal/config"
	"github.com/buildtall-systems/vendorder/internal/db"
	"github.com/buildtall-systems/vendorder/internal/httpapi"
	"github.com/buildtall-systems/vendorder/internal/kafka"
	"github.com/buildtall-systems/vendorder/internal/nostr"
	"github.com/buildtall-systems/vendorder/internal/notify"
	"github.com/buildtall-systems/vendorder/internal/orders"
	"github.com/buildtall-systems/vendorder/internal/payment"
	"github.com/buildtall-systems/vendorder/internal/tracing"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const serviceName = "vendorder"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the vendorder HTTP service",
	Long:  `Start the HTTP API. Opens and migrates the database, seeds configured machines and connects to the optional Redis, Kafka and Nostr backends.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load config with secrets
	cfg, err := config.LoadWithSecrets()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// Create context that cancels on shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("vendorder starting",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("database", cfg.Database.Path),
	)

	shutdownTracing, err := tracing.Init(serviceName, cfg.Tracing.JaegerEndpoint, logger)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	database, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	idempotency, closeIdempotency, err := buildIdempotencyStore(ctx, cfg, database, logger)
	if err != nil {
		return err
	}
	defer closeIdempotency()

	notifier, closeNotifier, err := buildNotifier(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	coordinator := payment.NewCoordinator(
		payment.NewStripeProcessor(cfg.Payment.StripeSecretKey),
		database,
		payment.NewCircuitBreaker(cfg.Payment.BreakerFailures, cfg.Payment.BreakerReset),
		payment.Config{
			Currency:   cfg.Payment.Currency,
			Timeout:    cfg.Payment.Timeout,
			MaxRetries: cfg.Payment.MaxRetries,
		},
		logger,
	)

	queue := commands.NewQueue(database, cfg.Queue.ClaimWindow, notifier, logger)
	svc := orders.NewService(orders.Deps{
		Store:       database,
		Queue:       queue,
		Payments:    coordinator,
		Idempotency: idempotency,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewRouter(httpapi.NewHandler(svc, logger), serviceName),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Info("vendorder listening", zap.String("addr", cfg.HTTP.Addr))

	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	// notifications still in flight need the channels closed by the deferred closers
	queue.Wait()

	logger.Info("vendorder stopped")
	return nil
}

// openDatabase opens and migrates the database, then seeds the configured machines.
func openDatabase(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*db.DB, error) {
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := database.Migrate(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	if err := seedMachines(ctx, database, cfg.Machines); err != nil {
		_ = database.Close()
		return nil, err
	}

	logger.Info("database ready", zap.Int("machines", len(cfg.Machines)))
	return database, nil
}

func seedMachines(ctx context.Context, database *db.DB, machines []config.MachineConfig) error {
	for _, m := range machines {
		if err := database.UpsertMachine(ctx, m.ID, m.ReaderID); err != nil {
			return fmt.Errorf("seeding machine %s: %w", m.ID, err)
		}
	}
	return nil
}

// buildIdempotencyStore uses Redis when configured and SQLite otherwise.
func buildIdempotencyStore(ctx context.Context, cfg *config.Config, database *db.DB, logger *zap.Logger) (orders.IdempotencyStore, func(), error) {
	if cfg.Redis.Addr == "" {
		return db.NewIdempotencyStore(database, cfg.Idempotency.TTL), func() {}, nil
	}

	rdb, err := cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, logger)
	if err != nil {
		return nil, nil, err
	}
	return cache.NewIdempotencyStore(rdb, cfg.Idempotency.TTL), func() { _ = rdb.Close() }, nil
}

// buildNotifier fans command notifications out to every configured channel.
func buildNotifier(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*notify.Fanout, func(), error) {
	var channels []notify.Channel
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.NewProducer(cfg.Kafka.Brokers, logger)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { _ = producer.Close() })
		channels = append(channels, notify.Channel{
			Name:     "kafka",
			Notifier: kafka.NewNotifier(producer, cfg.Kafka.Topic, logger),
		})
	}

	if len(cfg.Nostr.Relays) > 0 {
		publisher := nostr.NewRelayPublisher(cfg.Nostr.Relays, logger)
		if err := publisher.Connect(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("connecting to relays: %w", err)
		}
		closers = append(closers, publisher.Close)

		n, err := nostr.NewNotifier(publisher, cfg.Nostr.SecretKeyHex)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		channels = append(channels, notify.Channel{Name: "nostr", Notifier: n})
	}

	fanout := notify.NewFanout(channels...)
	logger.Info("command notifications", zap.Int("channels", fanout.Len()))
	return fanout, closeAll, nil
}
