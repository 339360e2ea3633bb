package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/orderpipe/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/orderpipe/internal/health"
	"github.com/vladislavdragonenkov/orderpipe/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orderpipe/internal/messaging/rabbitmq"
	"github.com/vladislavdragonenkov/orderpipe/internal/metrics"
	"github.com/vladislavdragonenkov/orderpipe/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/orderpipe/internal/storage/memory"
	"github.com/vladislavdragonenkov/orderpipe/internal/storage/postgres"
	"github.com/vladislavdragonenkov/orderpipe/internal/transport/rest"
	"github.com/vladislavdragonenkov/orderpipe/internal/version"
)

// OrderStorage — выбранное хранилище заказов и склада.
type OrderStorage struct {
	Orders domain.OrderRepository
	Stock  domain.StockRepository
	// Ping нужен для readiness; nil для памяти.
	Ping   func(ctx context.Context) error
	closer io.Closer
}

// Close освобождает подключение к базе, если оно было.
func (s OrderStorage) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// OpenOrderStorage открывает хранилище по STORAGE_DRIVER и при необходимости применяет миграции.
func OpenOrderStorage(ctx context.Context, cfg OrderServiceConfig, logger *log.Entry) (OrderStorage, error) {
	switch cfg.StorageDriver {
	case StorageDriverPostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return OrderStorage{}, err
		}
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return OrderStorage{}, fmt.Errorf("apply migrations: %w", err)
			}
			logger.Info("postgres migrations applied")
		}
		repo := postgres.NewOrderRepository(store)
		return OrderStorage{Orders: repo, Stock: repo, Ping: store.Ping, closer: store}, nil
	default:
		repo := memory.NewOrderRepository()
		logger.Warn("using in-memory order storage")
		return OrderStorage{Orders: repo, Stock: repo}, nil
	}
}

// OrderPipeline — сервис жизненного цикла и, если Kafka настроена, фоновая
// отправка аудит-зеркала, которую нужно запустить через Run.
type OrderPipeline struct {
	Service *lifecycle.Service
	Mirror  *kafka.MirrorPublisher
}

// RunMirror отправляет записи зеркала до отмены ctx; без зеркала сразу возвращается.
func (p OrderPipeline) RunMirror(ctx context.Context) {
	if p.Mirror != nil {
		p.Mirror.Run(ctx)
	}
}

// BuildOrderPipeline объявляет топологию и собирает сервис жизненного цикла
// с публикатором; mirror может быть nil.
func BuildOrderPipeline(
	declarer rabbitmq.Declarer,
	confirms rabbitmq.ConfirmPublisher,
	storage OrderStorage,
	mirror kafka.RecordPublisher,
	cfg OrderServiceConfig,
	m *metrics.PipelineMetrics,
) (OrderPipeline, error) {
	topology := cfg.Topology()
	if err := rabbitmq.DeclareTopology(declarer, topology); err != nil {
		return OrderPipeline{}, fmt.Errorf("declare topology: %w", err)
	}

	var pipeline OrderPipeline
	var publisher domain.EventPublisher = rabbitmq.NewPublisher(confirms, topology,
		rabbitmq.WithAppID(cfg.AppID),
		rabbitmq.WithConfirmTimeout(cfg.ConfirmTimeout),
		rabbitmq.WithPublisherMetrics(m),
	)
	if mirror != nil {
		pipeline.Mirror = kafka.NewMirrorPublisher(publisher, mirror, cfg.AppID, m,
			kafka.WithMirrorQueueSize(cfg.KafkaMirrorQueue))
		publisher = pipeline.Mirror
	}

	pipeline.Service = lifecycle.NewService(storage.Orders, storage.Stock, publisher, lifecycle.WithMetrics(m))
	return pipeline, nil
}

// RunOrderService запускает сервис заказов и блокируется до отмены ctx
// или фатальной ошибки одного из компонентов.
func RunOrderService(ctx context.Context, cfg OrderServiceConfig) error {
	logger := log.WithField("component", "order-service")
	m := metrics.NewPipelineMetrics()

	client, err := rabbitmq.Dial(ctx, cfg.Client(cfg.AppID))
	if err != nil {
		return err
	}
	defer closeQuietly(client, "rabbitmq client", logger)
	connClosed := client.NotifyClose()

	declareCh, err := client.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = declareCh.Close() }()

	confirms, err := client.ConfirmChannel()
	if err != nil {
		return err
	}
	defer closeQuietly(confirms, "confirm channel", logger)

	storage, err := OpenOrderStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeQuietly(storage, "order storage", logger)

	var mirror kafka.RecordPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaClientID)
		if err != nil {
			logger.WithError(err).Warn("failed to create kafka producer, continuing without lifecycle mirror")
		} else {
			defer closeQuietly(producer, "kafka producer", logger)
			mirror = producer
			logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka lifecycle mirror enabled")
		}
	}

	pipeline, err := BuildOrderPipeline(declareCh, confirms, storage, mirror, cfg, m)
	if err != nil {
		return err
	}
	logger.Info("order event topology declared")

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("rabbitmq", healthcheck.NewPingChecker("rabbitmq", client.Ping))
	healthHandler.RegisterChecker("rabbitmq-publisher", healthcheck.NewPingChecker("rabbitmq-publisher", confirms.Ping))
	if storage.Ping != nil {
		healthHandler.RegisterChecker("postgres", healthcheck.NewPingChecker("postgres", storage.Ping))
	}

	apiSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           rest.NewRouter(pipeline.Service, logger.WithField("layer", "rest")),
		ReadHeaderTimeout: 5 * time.Second,
	}
	opsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           newOpsHandler(healthHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	grpcSrv := newGRPCOps(logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveHTTP(gctx, apiSrv, logger.WithField("server", "api")) })
	g.Go(func() error { return serveHTTP(gctx, opsSrv, logger.WithField("server", "ops")) })
	if cfg.GRPCAddr != "" {
		g.Go(func() error { return grpcSrv.serve(gctx, cfg.GRPCAddr, logger.WithField("server", "grpc")) })
	}
	g.Go(func() error { return watchConnection(gctx, connClosed) })
	g.Go(func() error { return watchChannel(gctx, confirms) })
	g.Go(func() error {
		pipeline.RunMirror(gctx)
		return nil
	})

	err = g.Wait()
	logger.Info("order service stopped")
	return err
}

// watchConnection завершает сервис при потере соединения с брокером.
func watchConnection(ctx context.Context, closed <-chan *amqp.Error) error {
	select {
	case <-ctx.Done():
		return nil
	case amqpErr, ok := <-closed:
		if !ok || amqpErr == nil {
			return nil
		}
		return fmt.Errorf("%w: %s", rabbitmq.ErrClientClosed, amqpErr.Error())
	}
}

// closableChannel — канал, сообщающий о своём закрытии.
type closableChannel interface {
	Done() <-chan struct{}
	Err() error
}

// watchChannel завершает сервис, если confirm-канал закрылся раньше ctx.
func watchChannel(ctx context.Context, ch closableChannel) error {
	select {
	case <-ctx.Done():
		return nil
	case <-ch.Done():
		if err := ch.Err(); err != nil {
			return err
		}
		return rabbitmq.ErrChannelClosed
	}
}

func closeQuietly(c io.Closer, name string, logger *log.Entry) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil && !errors.Is(err, rabbitmq.ErrClientClosed) {
		logger.WithError(err).WithField("resource", name).Warn("close failed")
	}
}
