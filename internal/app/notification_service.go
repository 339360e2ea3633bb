package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/orderpipe/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/orderpipe/internal/health"
	"github.com/vladislavdragonenkov/orderpipe/internal/messaging/rabbitmq"
	"github.com/vladislavdragonenkov/orderpipe/internal/metrics"
	"github.com/vladislavdragonenkov/orderpipe/internal/service/dedup"
	"github.com/vladislavdragonenkov/orderpipe/internal/service/notification"
	"github.com/vladislavdragonenkov/orderpipe/internal/storage/memory"
	redisstore "github.com/vladislavdragonenkov/orderpipe/internal/storage/redis"
	"github.com/vladislavdragonenkov/orderpipe/internal/version"
)

// DedupBackend — хранилище ключей дедупликации и его фоновые задачи.
type DedupBackend struct {
	Store domain.DedupStore
	// Ping нужен для readiness; nil для памяти.
	Ping func(ctx context.Context) error
	// Cleanup чистит просроченные ключи in-memory хранилища; nil для Redis.
	Cleanup *dedup.CleanupWorker
	close   func() error
}

// Close освобождает подключение, если оно было.
func (b DedupBackend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// OpenDedupBackend выбирает хранилище по DEDUP_DRIVER.
func OpenDedupBackend(ctx context.Context, cfg NotificationServiceConfig, logger *log.Entry) (DedupBackend, error) {
	switch cfg.DedupDriver {
	case DedupDriverRedis:
		client, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return DedupBackend{}, err
		}
		store := redisstore.NewDedupStore(client)
		return DedupBackend{Store: store, Ping: store.Ping, close: client.Close}, nil
	default:
		store := memory.NewDedupStore()
		logger.Warn("using in-memory dedup store: duplicates across instances are not detected")
		worker := dedup.NewCleanupWorker(store,
			dedup.WithInterval(cfg.DedupCleanupInterval),
			dedup.WithMaxKeys(cfg.DedupMemoryMaxKeys),
			dedup.WithLogger(logger.WithField("worker", "dedup-cleanup")),
		)
		return DedupBackend{Store: store, Cleanup: worker}, nil
	}
}

// NewNotifier возвращает webhook-notifier, если задан WEBHOOK_URL, иначе лог.
func NewNotifier(cfg NotificationServiceConfig, logger *log.Entry) (domain.Notifier, error) {
	if cfg.WebhookURL == "" {
		return notification.NewLogNotifier(logger.WithField("notifier", "log")), nil
	}
	return notification.NewWebhookNotifier(cfg.WebhookURL,
		notification.WithHTTPClient(&http.Client{Timeout: cfg.WebhookTimeout}),
	)
}

// BuildNotificationConsumer объявляет топологию и собирает потребителя
// с обработчиком уведомлений.
func BuildNotificationConsumer(
	declarer rabbitmq.Declarer,
	ch rabbitmq.ConsumeChannel,
	store domain.DedupStore,
	notifier domain.Notifier,
	cfg NotificationServiceConfig,
	m *metrics.PipelineMetrics,
) (*rabbitmq.Consumer, error) {
	if err := rabbitmq.DeclareTopology(declarer, cfg.Topology()); err != nil {
		return nil, fmt.Errorf("declare topology: %w", err)
	}

	processor := notification.NewProcessor(store, notifier,
		notification.WithProcessorMetrics(m),
		notification.WithTTL(cfg.DedupProcessingTTL, cfg.DedupDoneTTL),
	)
	return rabbitmq.NewConsumer(ch, processor, cfg.ConsumerConfig(), rabbitmq.WithConsumerMetrics(m))
}

// RunNotificationService запускает потребителя событий заказа и блокируется
// до отмены ctx; уже полученные доставки подтверждаются до выхода.
func RunNotificationService(ctx context.Context, cfg NotificationServiceConfig) error {
	logger := log.WithField("component", "notification-service")
	m := metrics.NewPipelineMetrics()

	client, err := rabbitmq.Dial(ctx, cfg.Client("notification-service"))
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

	consumeCh, err := client.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = consumeCh.Close() }()

	backend, err := OpenDedupBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeQuietly(backend, "dedup store", logger)

	notifier, err := NewNotifier(cfg, logger)
	if err != nil {
		return err
	}

	consumer, err := BuildNotificationConsumer(declareCh, consumeCh, backend.Store, notifier, cfg, m)
	if err != nil {
		return err
	}
	logger.Info("order event topology declared")

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("rabbitmq", healthcheck.NewPingChecker("rabbitmq", client.Ping))
	if backend.Ping != nil {
		healthHandler.RegisterChecker("redis", healthcheck.NewPingChecker("redis", backend.Ping))
	}
	opsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           newOpsHandler(healthHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return serveHTTP(gctx, opsSrv, logger.WithField("server", "ops")) })
	g.Go(func() error { return watchConnection(gctx, connClosed) })
	if backend.Cleanup != nil {
		g.Go(func() error {
			backend.Cleanup.Run(gctx)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("notification service stopped")
	return err
}
